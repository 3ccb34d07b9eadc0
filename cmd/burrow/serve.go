package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/burrowhq/burrow/pkg/agent"
	"github.com/burrowhq/burrow/pkg/api"
	"github.com/burrowhq/burrow/pkg/config"
	"github.com/burrowhq/burrow/pkg/events"
	"github.com/burrowhq/burrow/pkg/githost"
	"github.com/burrowhq/burrow/pkg/hostd"
	"github.com/burrowhq/burrow/pkg/lifecycle"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/pool"
	"github.com/burrowhq/burrow/pkg/scheduler"
	"github.com/burrowhq/burrow/pkg/security"
	"github.com/burrowhq/burrow/pkg/storage"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Burrow control plane",
	Long: `Start the control plane: the HTTP API, the pool manager keeping
pre-warmed sandboxes available, the scheduler driving sandbox
lifecycles, and the agent loop.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		return runServe(cfgPath)
	},
}

func init() {
	serveCmd.Flags().String("config", "/etc/burrow/config.yaml", "Path to config file")
}

func runServe(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger := log.WithComponent("main")

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	if cfg.SealKey == "" {
		return fmt.Errorf("seal_key is required")
	}
	sealer, err := security.NewSealerFromPassword(cfg.SealKey)
	if err != nil {
		return fmt.Errorf("failed to build sealer: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	machine := lifecycle.NewMachine(store, broker)
	backend := hostd.NewClient(cfg.Host.BaseURL, cfg.Host.AuthSecret)
	gh := githost.NewClient(cfg.GitHost.BaseURL, githost.StaticTokenSource(cfg.GitHost.Token))
	tokens := newUserTokens(store, sealer, cfg.GitHost)

	sched := scheduler.NewScheduler(store, backend, machine, gh, tokens, cfg)
	sched.Start()
	defer sched.Stop()
	logger.Info().Msg("scheduler started")

	poolMgr := pool.NewManager(store, backend, broker, cfg.Pool, cfg.Host.PreviewBase)
	poolMgr.Start()
	defer poolMgr.Stop()
	logger.Info().Msg("pool manager started")

	var runner api.TurnRunner
	if cfg.Agent.APIKey != "" {
		model := agent.NewAnthropicClient(cfg.Agent.APIKey, cfg.Agent.Model)
		builder := agent.NewContextBuilder(gh, cfg.Agent.ContextFileCap, cfg.Agent.ContextByteCap)
		committer := agent.NewCommitter(gh)
		runner = agent.NewLoop(store, backend, model, builder, committer, broker, cfg.Agent, cfg.Host.ExecTimeout)
		logger.Info().Str("model", cfg.Agent.Model).Msg("agent loop configured")
	} else {
		logger.Warn().Msg("agent.api_key not set, agent turns disabled")
	}

	server := api.NewServer(store, machine, poolMgr, sched, runner, broker, cfg)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- fmt.Errorf("api server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("api server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("api shutdown incomplete")
	}
	return nil
}

// userTokens adapts per-user OAuth credential sources to the
// scheduler's token lookup. Sources are cached so the refresh mutex is
// shared across concurrent provisions for the same user.
type userTokens struct {
	store  storage.Store
	sealer *security.Sealer
	cfg    config.GitHost

	mu      sync.Mutex
	sources map[string]*githost.UserTokenSource
}

func newUserTokens(store storage.Store, sealer *security.Sealer, cfg config.GitHost) *userTokens {
	return &userTokens{
		store:   store,
		sealer:  sealer,
		cfg:     cfg,
		sources: make(map[string]*githost.UserTokenSource),
	}
}

func (u *userTokens) TokenFor(ctx context.Context, userID string) (string, error) {
	u.mu.Lock()
	src, ok := u.sources[userID]
	if !ok {
		src = githost.NewUserTokenSource(userID, u.store, u.sealer,
			u.cfg.TokenURL, u.cfg.ClientID, u.cfg.ClientSecret)
		u.sources[userID] = src
	}
	u.mu.Unlock()
	return src.Token(ctx)
}
