package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/burrowhq/burrow/pkg/config"
	"github.com/burrowhq/burrow/pkg/hostd"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/burrowhq/burrow/pkg/storage"
	"github.com/burrowhq/burrow/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	cliProgressPath = "/tmp/burrow-agent.jsonl"
	cliPIDPath      = "/tmp/burrow-agent.pid"
	cliWorkdir      = "/workspace"
	cliMaxRuntime   = 10 * time.Minute
)

// cliEvent is one line of the CLI binary's JSONL progress stream
type cliEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Text    string `json:"text,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CLIRunner drives a turn by spawning a model CLI binary inside the
// sandbox instead of streaming from this process. Progress is read
// from a JSONL file, stop requests are forwarded as a signal, and the
// changed-file set is derived from git diff. Its contract to the rest
// of the system matches Loop.
type CLIRunner struct {
	store       storage.Store
	backend     hostd.Backend
	commits     *Committer
	cfg         config.Agent
	binary      string
	execTimeout time.Duration
	logger      zerolog.Logger

	pollInterval time.Duration
}

// NewCLIRunner creates a runner that spawns the given binary
func NewCLIRunner(store storage.Store, backend hostd.Backend, commits *Committer, cfg config.Agent, binary string, execTimeout time.Duration) *CLIRunner {
	return &CLIRunner{
		store:        store,
		backend:      backend,
		commits:      commits,
		cfg:          cfg,
		binary:       binary,
		execTimeout:  execTimeout,
		logger:       log.WithComponent("agent-cli"),
		pollInterval: 2 * time.Second,
	}
}

// Run executes one turn for the session via the in-sandbox CLI
func (r *CLIRunner) Run(ctx context.Context, sessionID, messageID string) error {
	sess, err := r.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	sb, err := r.findSandbox(sessionID)
	if err != nil {
		return err
	}
	prompt, err := r.lastUserPrompt(sessionID, messageID)
	if err != nil {
		return err
	}

	launch := fmt.Sprintf(
		"cd %s && rm -f %s && nohup %s -p %s --output-format stream-json > %s 2>&1 & echo $! > %s",
		cliWorkdir, cliProgressPath, r.binary, shellQuote(prompt), cliProgressPath, cliPIDPath,
	)
	if _, err := r.backend.Exec(ctx, sb.HostID, launch, r.execTimeout); err != nil {
		return fmt.Errorf("failed to launch agent cli: %w", err)
	}

	summary, wasStopped, runErr := r.poll(ctx, sb, sessionID, messageID)

	var files []types.ChangedFile
	if runErr == nil && !wasStopped {
		files = r.diffFiles(ctx, sb)
	}

	return r.finalize(ctx, sess, messageID, files, summary, wasStopped, runErr)
}

func (r *CLIRunner) findSandbox(sessionID string) (*types.Sandbox, error) {
	sandboxes, err := r.store.ListSandboxesBySession(sessionID)
	if err != nil {
		return nil, err
	}
	for _, sb := range sandboxes {
		if sb.Status == types.SandboxReady || sb.Status == types.SandboxActive {
			return sb, nil
		}
	}
	return nil, ErrNoSandbox
}

// lastUserPrompt finds the user message this turn answers
func (r *CLIRunner) lastUserPrompt(sessionID, messageID string) (string, error) {
	history, err := r.store.ListRecentMessages(sessionID, conversationLimit)
	if err != nil {
		return "", err
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == types.RoleUser && history[i].ID != messageID {
			return history[i].Content, nil
		}
	}
	return "", fmt.Errorf("no user prompt found for session %s", sessionID)
}

// poll tails the JSONL progress file until the CLI reports a result,
// the session is stopped, or the runtime cap expires
func (r *CLIRunner) poll(ctx context.Context, sb *types.Sandbox, sessionID, messageID string) (string, bool, error) {
	deadline := time.Now().Add(cliMaxRuntime)
	var lastText string

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return lastText, false, ctx.Err()
		case <-time.After(r.pollInterval):
		}

		if r.sessionStopped(sessionID) {
			r.signalStop(ctx, sb)
			return lastText, true, nil
		}

		result, err := r.backend.Exec(ctx, sb.HostID, "cat "+cliProgressPath, r.execTimeout)
		if err != nil || result.ExitCode != 0 {
			continue
		}

		text, done, runErr := r.consume(result.CombinedOutput())
		if text != "" && text != lastText {
			lastText = text
			uerr := r.store.UpdateMessage(messageID, func(m *types.Message) error {
				m.Content = text
				return nil
			})
			if uerr != nil {
				r.logger.Warn().Err(uerr).Msg("failed to flush cli progress")
			}
		}
		if done {
			return lastText, false, runErr
		}
	}
	r.signalStop(ctx, sb)
	return lastText, false, fmt.Errorf("agent cli exceeded %s runtime", cliMaxRuntime)
}

// consume parses the JSONL stream, returning the accumulated display
// text and whether a terminal result was seen
func (r *CLIRunner) consume(raw string) (string, bool, error) {
	var parts []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var ev cliEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "text":
			parts = append(parts, ev.Text)
		case "result":
			text := strings.Join(parts, "\n")
			if ev.Subtype == "error" {
				msg := ev.Error
				if msg == "" {
					msg = "agent cli failed"
				}
				return text, true, fmt.Errorf("%s", msg)
			}
			return text, true, nil
		}
	}
	return strings.Join(parts, "\n"), false, nil
}

func (r *CLIRunner) sessionStopped(sessionID string) bool {
	sess, err := r.store.GetSession(sessionID)
	if err != nil {
		return false
	}
	return sess.StopRequested
}

func (r *CLIRunner) signalStop(ctx context.Context, sb *types.Sandbox) {
	cmd := fmt.Sprintf("kill -INT $(cat %s) 2>/dev/null", cliPIDPath)
	if _, err := r.backend.Exec(ctx, sb.HostID, cmd, r.execTimeout); err != nil {
		r.logger.Warn().Err(err).Msg("failed to signal agent cli")
	}
}

// diffFiles derives the changed-file set from git
func (r *CLIRunner) diffFiles(ctx context.Context, sb *types.Sandbox) []types.ChangedFile {
	list, err := r.backend.Exec(ctx, sb.HostID,
		fmt.Sprintf("cd %s && git diff --name-only HEAD", cliWorkdir), r.execTimeout)
	if err != nil || list.ExitCode != 0 {
		r.logger.Warn().Msg("failed to read git diff from sandbox")
		return nil
	}

	var files []types.ChangedFile
	for _, path := range strings.Split(strings.TrimSpace(list.CombinedOutput()), "\n") {
		if path == "" {
			continue
		}
		content := r.readFile(ctx, sb, fmt.Sprintf("cd %s && cat %s", cliWorkdir, shellQuote(path)))
		original := r.readFile(ctx, sb, fmt.Sprintf("cd %s && git show HEAD:%s", cliWorkdir, shellQuote(path)))
		files = append(files, types.ChangedFile{
			Path:            path,
			Content:         content,
			OriginalContent: original,
		})
	}
	return files
}

func (r *CLIRunner) readFile(ctx context.Context, sb *types.Sandbox, cmd string) string {
	result, err := r.backend.Exec(ctx, sb.HostID, cmd, r.execTimeout)
	if err != nil || result.ExitCode != 0 {
		return ""
	}
	return result.CombinedOutput()
}

func (r *CLIRunner) finalize(ctx context.Context, sess *types.Session, messageID string, files []types.ChangedFile, summary string, wasStopped bool, runErr error) error {
	if runErr != nil {
		prefix := "Sorry, I ran into an error: " + runErr.Error()
		if summary == "" {
			summary = prefix
		} else {
			summary = prefix + "\n\n" + summary
		}
	}
	if wasStopped {
		if summary != "" {
			summary += "\n\n"
		}
		summary += "*(Stopped)*"
	}

	committed := false
	commitSHA := ""
	if runErr == nil && !wasStopped && sess.WorkingBranch != "" && len(files) > 0 && r.commits != nil {
		sha, pull, err := r.commits.AutoCommit(ctx, sess, files, summary)
		if err != nil {
			logger := log.WithSessionID(r.logger, sess.ID)
			logger.Error().Err(err).Msg("auto-commit failed")
		} else {
			committed = true
			commitSHA = sha
			if pull != nil {
				summary += fmt.Sprintf("\n\nOpened %s", pull.URL)
			}
		}
	}

	if len(files) > 0 {
		err := r.store.CreateFileChange(&types.FileChange{
			ID:        uuid.New().String(),
			SessionID: sess.ID,
			MessageID: messageID,
			Files:     files,
			Committed: committed,
			CommitSHA: commitSHA,
			CreatedAt: time.Now(),
		})
		if err != nil {
			r.logger.Error().Err(err).Msg("failed to record file changes")
		}
	}

	outcome := "done"
	if wasStopped {
		outcome = "stopped"
	}
	if runErr != nil {
		outcome = "error"
	}
	metrics.AgentTurnsTotal.WithLabelValues(outcome).Inc()

	return r.store.UpdateMessage(messageID, func(m *types.Message) error {
		m.Content = summary
		return nil
	})
}
