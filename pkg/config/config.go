package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Host configures access to the external host daemon
type Host struct {
	BaseURL          string `yaml:"base_url"`
	AuthSecret       string `yaml:"auth_secret"`
	DefaultBaseImage string `yaml:"default_base_image"`
	ExecTimeout      time.Duration `yaml:"exec_timeout"`

	// PreviewBase is the scheme+host prefix under which sandbox
	// preview ports are reachable
	PreviewBase string `yaml:"preview_base"`
}

// Timeouts bound how long a sandbox may sit in each transitional state
type Timeouts struct {
	Creating   time.Duration `yaml:"creating"`
	Cloning    time.Duration `yaml:"cloning"`
	Installing time.Duration `yaml:"installing"`
	Starting   time.Duration `yaml:"starting"`

	HeartbeatWarning time.Duration `yaml:"heartbeat_warning"`
	HeartbeatStop    time.Duration `yaml:"heartbeat_stop"`
}

// Pool configures the pre-warmed sandbox pools
type Pool struct {
	TargetSize  int `yaml:"target_size"`
	MinSize     int `yaml:"min_size"`
	MaxCreating int `yaml:"max_creating"`

	RepoTargetSize int           `yaml:"repo_target_size"`
	HotRepoWindow  time.Duration `yaml:"hot_repo_window"`
}

// Agent configures the agent loop
type Agent struct {
	MaxIterations    int    `yaml:"max_iterations"`
	ContextFileCap   int    `yaml:"context_file_cap"`
	ContextByteCap   int    `yaml:"context_byte_cap"`
	OutputTruncation int    `yaml:"output_truncation"`
	Model            string `yaml:"model"`
	APIKey           string `yaml:"api_key"`
}

// GitHost configures the source-host integration
type GitHost struct {
	BaseURL      string `yaml:"base_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`

	// TokenURL is the OAuth endpoint user refresh tokens are exchanged
	// against
	TokenURL string `yaml:"token_url"`

	// Token is the service-level token used for repository reads and
	// agent commits
	Token string `yaml:"token"`
}

// Config is the root configuration for the Burrow control plane
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	CallbackURL string `yaml:"callback_url"`
	DataDir     string `yaml:"data_dir"`
	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`

	// SealKey encrypts stored source-host credentials at rest
	SealKey string `yaml:"seal_key"`

	// APIToken guards the control routes. Empty disables auth, for
	// local development only.
	APIToken string `yaml:"api_token"`

	Host     Host     `yaml:"host"`
	Timeouts Timeouts `yaml:"timeouts"`
	Pool     Pool     `yaml:"pool"`
	Agent    Agent    `yaml:"agent"`
	GitHost  GitHost  `yaml:"githost"`
}

// Default returns a config populated with default values
func Default() *Config {
	return &Config{
		ListenAddr: ":8420",
		DataDir:    "/var/lib/burrow",
		LogLevel:   "info",
		Host: Host{
			DefaultBaseImage: "burrow/base:latest",
			ExecTimeout:      120 * time.Second,
			PreviewBase:      "http://localhost",
		},
		Timeouts: Timeouts{
			Creating:         5 * time.Minute,
			Cloning:          10 * time.Minute,
			Installing:       15 * time.Minute,
			Starting:         2 * time.Minute,
			HeartbeatWarning: 60 * time.Second,
			HeartbeatStop:    5 * time.Minute,
		},
		Pool: Pool{
			TargetSize:     3,
			MinSize:        1,
			MaxCreating:    2,
			RepoTargetSize: 1,
			HotRepoWindow:  7 * 24 * time.Hour,
		},
		Agent: Agent{
			MaxIterations:    5,
			ContextFileCap:   15,
			ContextByteCap:   50 * 1024,
			OutputTruncation: 8 * 1024,
			Model:            "claude-sonnet-4-20250514",
		},
	}
}

// Load reads a YAML config file and merges it over the defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required options and rejects nonsensical values
func (c *Config) Validate() error {
	if c.Host.BaseURL == "" {
		return fmt.Errorf("host.base_url is required")
	}
	if c.Host.AuthSecret == "" {
		return fmt.Errorf("host.auth_secret is required")
	}
	if c.Pool.TargetSize < c.Pool.MinSize {
		return fmt.Errorf("pool.target_size (%d) must be >= pool.min_size (%d)",
			c.Pool.TargetSize, c.Pool.MinSize)
	}
	if c.Pool.MaxCreating < 1 {
		return fmt.Errorf("pool.max_creating must be at least 1")
	}
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be at least 1")
	}
	return nil
}

// StateTimeout returns the configured timeout for a transitional state,
// or zero if the state has no timeout
func (t Timeouts) StateTimeout(status string) time.Duration {
	switch status {
	case "creating":
		return t.Creating
	case "cloning":
		return t.Cloning
	case "installing":
		return t.Installing
	case "starting":
		return t.Starting
	}
	return 0
}
