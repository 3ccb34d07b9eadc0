package hostd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// CreateResult is the host daemon's response to a create request.
// Retries counts the transient failures absorbed before success, for
// the caller's retry bookkeeping.
type CreateResult struct {
	ID       string `json:"id"`
	HostPort int    `json:"hostPort"`
	Retries  int    `json:"-"`
}

// SetupRequest instructs the host to clone a repo, install its
// dependencies, and start the dev server inside an existing sandbox
type SetupRequest struct {
	RepoSlug       string            `json:"repoSlug"`
	TargetBranch   string            `json:"targetBranch"`
	DefaultBranch  string            `json:"defaultBranch"`
	SourceToken    string            `json:"sourceToken"`
	CallbackURL    string            `json:"callbackUrl"`
	CallbackSecret string            `json:"callbackSecret"`
	ImageTag       string            `json:"imageTag,omitempty"`
	CheckpointName string            `json:"checkpointName,omitempty"`
	VolumeName     string            `json:"volumeName,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

// ExecResult is the outcome of one shell command
type ExecResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Output   string `json:"output"`
}

// CombinedOutput returns the combined output if the host provided it,
// otherwise stdout followed by stderr
func (r *ExecResult) CombinedOutput() string {
	if r.Output != "" {
		return r.Output
	}
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// HostSandbox is one entry of the host daemon's sandbox enumeration
type HostSandbox struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	HostPort int    `json:"hostPort"`
	State    string `json:"state"`
}

// Backend is the contract the scheduler and pool manager program
// against. Client is the shipped implementation; alternative sandbox
// backends implement the same interface.
type Backend interface {
	CreateSandbox(ctx context.Context, name string) (*CreateResult, error)
	SetupSandbox(ctx context.Context, id string, req SetupRequest) error
	Exec(ctx context.Context, id, command string, timeout time.Duration) (*ExecResult, error)
	ListSandboxes(ctx context.Context) ([]HostSandbox, error)
	DestroySandbox(ctx context.Context, id string) error
}

const (
	maxAttempts       = 3
	conflictRetryWait = 2 * time.Second
	defaultExecLimit  = 120 * time.Second
)

// Client speaks HTTP to the host daemon
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger

	// backoff returns the wait before retry attempt i (0-based);
	// overridable in tests
	backoff func(attempt int) time.Duration
	// conflictWait is the pause before retrying a healed 409
	conflictWait time.Duration
}

// NewClient creates a host daemon client. All requests carry the
// shared bearer secret.
func NewClient(baseURL, secret string) *Client {
	settings := gobreaker.Settings{
		Name:    "hostd",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 8
		},
		// Only connectivity-class failures should open the breaker;
		// 4xx responses mean the host is reachable and healthy
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
	}
	return &Client{
		baseURL: baseURL,
		secret:  secret,
		http:    &http.Client{Timeout: 150 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  log.WithComponent("hostd"),
		backoff: func(attempt int) time.Duration {
			return (2 * time.Second) << attempt // 2s, 4s, 8s
		},
		conflictWait: conflictRetryWait,
	}
}

// do performs one HTTP round-trip through the breaker and classifies
// the failure
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			// Network-level failures (reset, EOF, DNS, deadline) are
			// all retryable
			return nil, &TransientError{Err: err}
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, &TransientError{Err: err}
		}

		switch {
		case resp.StatusCode >= 500:
			return nil, &TransientError{Err: &APIError{StatusCode: resp.StatusCode, Body: string(data)}}
		case resp.StatusCode == http.StatusConflict:
			var conflict struct {
				Error      string `json:"error"`
				ExistingID string `json:"existingId"`
			}
			_ = json.Unmarshal(data, &conflict)
			return nil, &ConflictError{ExistingID: conflict.ExistingID}
		case resp.StatusCode == http.StatusNotFound:
			return nil, ErrSandboxGone
		case resp.StatusCode >= 400:
			return nil, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
		}
		return data, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return &TransientError{Err: err}
		}
		return err
	}

	if out != nil {
		return json.Unmarshal(result.([]byte), out)
	}
	return nil
}

// doRetry wraps do with exponential backoff on transient errors. The
// int reports how many transient failures were absorbed.
func (c *Client) doRetry(ctx context.Context, op, method, path string, body, out interface{}) (int, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.backoff(attempt - 1)):
			case <-ctx.Done():
				return attempt, ctx.Err()
			}
		}

		err := c.do(ctx, method, path, body, out)
		if err == nil {
			metrics.HostRequestsTotal.WithLabelValues(op, "ok").Inc()
			return attempt, nil
		}
		if !IsTransient(err) {
			metrics.HostRequestsTotal.WithLabelValues(op, "error").Inc()
			return attempt, err
		}

		lastErr = err
		metrics.HostRequestsTotal.WithLabelValues(op, "transient").Inc()
		c.logger.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt+1).
			Msg("transient host error, will retry")
	}
	return maxAttempts, fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr)
}

// CreateSandbox creates a bare sandbox. A name conflict is healed by
// deleting the stale sandbox and retrying once after a short wait.
func (c *Client) CreateSandbox(ctx context.Context, name string) (*CreateResult, error) {
	result, err := c.createOnce(ctx, name)

	var conflict *ConflictError
	if errors.As(err, &conflict) {
		c.logger.Info().
			Str("name", name).
			Str("stale_id", conflict.ExistingID).
			Msg("sandbox name in use, deleting stale sandbox")

		if conflict.ExistingID != "" {
			if delErr := c.DestroySandbox(ctx, conflict.ExistingID); delErr != nil {
				return nil, fmt.Errorf("failed to delete stale sandbox %s: %w", conflict.ExistingID, delErr)
			}
		}
		select {
		case <-time.After(c.conflictWait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		result, err = c.createOnce(ctx, name)
	}
	return result, err
}

func (c *Client) createOnce(ctx context.Context, name string) (*CreateResult, error) {
	var result CreateResult
	retries, err := c.doRetry(ctx, "create", http.MethodPost, "/sandboxes",
		map[string]string{"name": name}, &result)
	if err != nil {
		return nil, err
	}
	result.Retries = retries
	return &result, nil
}

// SetupSandbox clones the repo, installs dependencies, and starts the
// dev server. Progress arrives asynchronously via status callbacks.
// Returns ErrSandboxGone if the host lost the sandbox.
func (c *Client) SetupSandbox(ctx context.Context, id string, req SetupRequest) error {
	_, err := c.doRetry(ctx, "setup", http.MethodPost, "/sandboxes/"+id+"/setup", req, nil)
	return err
}

// Exec runs one shell command inside the sandbox
func (c *Client) Exec(ctx context.Context, id, command string, timeout time.Duration) (*ExecResult, error) {
	if timeout <= 0 {
		timeout = defaultExecLimit
	}
	ctx, cancel := context.WithTimeout(ctx, timeout+10*time.Second)
	defer cancel()

	var result ExecResult
	_, err := c.doRetry(ctx, "exec", http.MethodPost, "/sandboxes/"+id+"/exec",
		map[string]interface{}{
			"command":        command,
			"timeoutSeconds": int(timeout.Seconds()),
		}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ListSandboxes enumerates live sandboxes on the host
func (c *Client) ListSandboxes(ctx context.Context) ([]HostSandbox, error) {
	var out struct {
		Sandboxes []HostSandbox `json:"sandboxes"`
	}
	if _, err := c.doRetry(ctx, "list", http.MethodGet, "/sandboxes", nil, &out); err != nil {
		return nil, err
	}
	return out.Sandboxes, nil
}

// DestroySandbox destroys a sandbox. A 404 means it is already gone,
// which counts as success.
func (c *Client) DestroySandbox(ctx context.Context, id string) error {
	_, err := c.doRetry(ctx, "destroy", http.MethodDelete, "/sandboxes/"+id, nil, nil)
	if errors.Is(err, ErrSandboxGone) {
		return nil
	}
	return err
}

// BranchChecker is the slice of the source host the gateway needs for
// branch verification
type BranchChecker interface {
	BranchExists(ctx context.Context, slug, branch string) (bool, error)
}

// ResolveBranch verifies the target branch exists, substituting the
// default branch when it does not. The second return reports fallback.
func ResolveBranch(ctx context.Context, gh BranchChecker, slug, target, defaultBranch string) (string, bool, error) {
	if target == "" || target == defaultBranch {
		return defaultBranch, false, nil
	}
	exists, err := gh.BranchExists(ctx, slug, target)
	if err != nil {
		return "", false, fmt.Errorf("failed to verify branch %s: %w", target, err)
	}
	if exists {
		return target, false, nil
	}
	return defaultBranch, true, nil
}
