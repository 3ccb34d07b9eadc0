package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/burrowhq/burrow/pkg/config"
	"github.com/burrowhq/burrow/pkg/events"
	"github.com/burrowhq/burrow/pkg/hostd"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/burrowhq/burrow/pkg/storage"
	"github.com/burrowhq/burrow/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrTurnInProgress is returned when a session already has an
	// active turn
	ErrTurnInProgress = errors.New("turn already in progress for session")

	// ErrNoSandbox is returned when the session has no running sandbox
	ErrNoSandbox = errors.New("no running sandbox for session")
)

// conversationLimit is how many prior messages the model sees
const conversationLimit = 10

// Loop drives agent turns
type Loop struct {
	store       storage.Store
	backend     hostd.Backend
	model       ModelClient
	context     *ContextBuilder
	commits     *Committer
	broker      *events.Broker
	cfg         config.Agent
	execTimeout time.Duration
	logger      zerolog.Logger

	// flush/stop cadences, overridable in tests
	flushInterval time.Duration
	stopInterval  time.Duration

	running sync.Map // sessionID -> struct{}
}

// NewLoop creates an agent loop. commits and broker may be nil.
func NewLoop(store storage.Store, backend hostd.Backend, model ModelClient, builder *ContextBuilder, commits *Committer, broker *events.Broker, cfg config.Agent, execTimeout time.Duration) *Loop {
	return &Loop{
		store:         store,
		backend:       backend,
		model:         model,
		context:       builder,
		commits:       commits,
		broker:        broker,
		cfg:           cfg,
		execTimeout:   execTimeout,
		logger:        log.WithComponent("agent"),
		flushInterval: 300 * time.Millisecond,
		stopInterval:  2 * time.Second,
	}
}

// turnState accumulates file mutations across iterations
type turnState struct {
	cache     map[string]string // current known content per path
	originals map[string]string // content before this turn
	touched   map[string]bool
}

type cmdResult struct {
	command  string
	exitCode int
	output   string
	blocked  bool
}

// Run executes one turn for the session, filling messageID with
// streaming progress and the final summary. All failures are folded
// into the finalized message; only setup problems are returned.
func (l *Loop) Run(ctx context.Context, sessionID, messageID string) error {
	if _, loaded := l.running.LoadOrStore(sessionID, struct{}{}); loaded {
		return ErrTurnInProgress
	}
	defer l.running.Delete(sessionID)

	sess, err := l.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	sb, err := l.findSandbox(sessionID)
	if err != nil {
		return err
	}

	overlays := l.sessionOverlays(sessionID)
	ref := sess.WorkingBranch
	if ref == "" {
		ref = sess.DefaultBranch
	}
	system, err := l.context.Build(ctx, sess.RepoSlug, ref, overlays)
	if err != nil {
		return err
	}

	history, err := l.store.ListRecentMessages(sessionID, conversationLimit)
	if err != nil {
		return err
	}
	var messages []ModelMessage
	for _, m := range history {
		if m.ID == messageID || m.Content == "" {
			continue
		}
		messages = append(messages, ModelMessage{Role: string(m.Role), Content: m.Content})
	}

	state := &turnState{
		cache:     map[string]string{},
		originals: map[string]string{},
		touched:   map[string]bool{},
	}
	for p, content := range overlays {
		state.cache[p] = content
	}

	var explanations []string
	var cmdResults []cmdResult
	wasStopped := false
	var runErr error

	for iter := 0; iter < l.cfg.MaxIterations; iter++ {
		metrics.AgentIterationsTotal.Inc()
		if l.broker != nil {
			l.broker.Publish(&events.Event{Type: events.EventAgentIteration, SessionID: sessionID})
		}

		text, stopped, err := l.streamTurn(ctx, sessionID, messageID, system, messages)
		if stopped {
			wasStopped = true
			break
		}
		if err != nil {
			runErr = err
			break
		}

		ranBash := false
		var outputs []string
		for _, block := range Parse(text) {
			switch block.Kind {
			case BlockExplanation:
				explanations = append(explanations, block.Content)
			case BlockFile:
				l.applyFile(ctx, sb, state, block)
			case BlockEdit:
				l.applyEdit(ctx, sb, state, block)
			case BlockBash:
				ranBash = true
				res := l.runCommand(ctx, sb, sessionID, messageID, block.Content)
				cmdResults = append(cmdResults, res)
				outputs = append(outputs, fmt.Sprintf("$ %s\n%s", res.command, res.output))
			}
		}

		if !ranBash {
			break
		}
		messages = append(messages,
			ModelMessage{Role: "assistant", Content: text},
			ModelMessage{Role: "user", Content: "[bash output]\n" + strings.Join(outputs, "\n")},
		)
		if l.stopRequested(sessionID) {
			wasStopped = true
			break
		}
	}

	return l.finalize(ctx, sess, messageID, state, explanations, cmdResults, wasStopped, runErr)
}

// findSandbox picks the session's running sandbox
func (l *Loop) findSandbox(sessionID string) (*types.Sandbox, error) {
	sandboxes, err := l.store.ListSandboxesBySession(sessionID)
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

// sessionOverlays replays prior turns' edits so the model sees its own
// most recent content, never stale disk
func (l *Loop) sessionOverlays(sessionID string) map[string]string {
	overlays := map[string]string{}
	changes, err := l.store.ListFileChangesBySession(sessionID)
	if err != nil {
		logger := log.WithSessionID(l.logger, sessionID)
		logger.Warn().Err(err).Msg("failed to load prior edits")
		return overlays
	}
	for _, fc := range changes {
		for _, f := range fc.Files {
			overlays[f.Path] = f.Content
		}
	}
	return overlays
}

// streamTurn streams one model response, flushing a display excerpt to
// the message store and polling for stop requests
func (l *Loop) streamTurn(ctx context.Context, sessionID, messageID, system string, messages []ModelMessage) (string, bool, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var stopped atomic.Bool
	pollDone := make(chan struct{})
	defer close(pollDone)
	go func() {
		ticker := time.NewTicker(l.stopInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if l.stopRequested(sessionID) {
					stopped.Store(true)
					cancel()
					return
				}
			case <-pollDone:
				return
			}
		}
	}()

	var mu sync.Mutex
	var acc strings.Builder
	pending := 0
	lastFlush := time.Now()

	text, err := l.model.Stream(streamCtx, system, messages, func(chunk string) {
		mu.Lock()
		defer mu.Unlock()
		acc.WriteString(chunk)
		pending += len(chunk)
		if pending < 50 || time.Since(lastFlush) < l.flushInterval {
			return
		}
		excerpt := displayText(acc.String())
		uerr := l.store.UpdateMessage(messageID, func(m *types.Message) error {
			m.Content = excerpt
			return nil
		})
		if uerr != nil {
			l.logger.Warn().Err(uerr).Msg("failed to flush streaming excerpt")
		}
		pending = 0
		lastFlush = time.Now()
	})

	if stopped.Load() {
		return "", true, nil
	}
	if err != nil {
		return "", false, err
	}
	return text, false, nil
}

func (l *Loop) stopRequested(sessionID string) bool {
	sess, err := l.store.GetSession(sessionID)
	if err != nil {
		return false
	}
	return sess.StopRequested
}

// applyFile records a complete file replacement
func (l *Loop) applyFile(ctx context.Context, sb *types.Sandbox, st *turnState, b Block) {
	l.ensureOriginal(ctx, sb, st, b.Path)
	st.cache[b.Path] = b.Content
	st.touched[b.Path] = true
}

// applyEdit applies search/replace pairs against the current known
// content, fetching it from the sandbox first if uncached. Misses are
// logged and skipped.
func (l *Loop) applyEdit(ctx context.Context, sb *types.Sandbox, st *turnState, b Block) {
	l.ensureOriginal(ctx, sb, st, b.Path)
	content := st.cache[b.Path]

	updated, misses := ApplyEdits(content, b.Pairs)
	for _, miss := range misses {
		l.logger.Warn().
			Str("path", b.Path).
			Str("search", truncateMiddle(miss, 200)).
			Msg("edit search text not found, skipping")
	}
	if updated == content {
		return
	}
	st.cache[b.Path] = updated
	st.touched[b.Path] = true
}

// ensureOriginal caches the file's pre-turn content, reading it from
// the sandbox when this turn has not seen the path yet
func (l *Loop) ensureOriginal(ctx context.Context, sb *types.Sandbox, st *turnState, path string) {
	if _, ok := st.originals[path]; ok {
		return
	}
	if cached, ok := st.cache[path]; ok {
		st.originals[path] = cached
		return
	}

	content := ""
	result, err := l.backend.Exec(ctx, sb.HostID, "cat "+shellQuote(path), l.execTimeout)
	if err != nil {
		l.logger.Warn().Err(err).Str("path", path).Msg("failed to read file from sandbox")
	} else if result.ExitCode == 0 {
		content = result.CombinedOutput()
	}
	st.originals[path] = content
	st.cache[path] = content
}

// runCommand executes one bash command, or refuses it if it matches
// the deny list, and records it either way
func (l *Loop) runCommand(ctx context.Context, sb *types.Sandbox, sessionID, messageID, command string) cmdResult {
	record := func(res cmdResult) cmdResult {
		err := l.store.CreateBashCommand(&types.BashCommand{
			ID:        uuid.New().String(),
			SessionID: sessionID,
			MessageID: messageID,
			Command:   res.command,
			ExitCode:  res.exitCode,
			Output:    res.output,
			Blocked:   res.blocked,
			CreatedAt: time.Now(),
		})
		if err != nil {
			l.logger.Error().Err(err).Msg("failed to record command")
		}
		return res
	}

	if CommandBlocked(command) {
		metrics.AgentCommandsTotal.WithLabelValues("blocked").Inc()
		return record(cmdResult{command: command, exitCode: 1, output: BlockedCommandMessage, blocked: true})
	}

	result, err := l.backend.Exec(ctx, sb.HostID, command, l.execTimeout)
	if err != nil {
		metrics.AgentCommandsTotal.WithLabelValues("failed").Inc()
		return record(cmdResult{command: command, exitCode: 1, output: "error: " + err.Error()})
	}

	outcome := "ok"
	if result.ExitCode != 0 {
		outcome = "failed"
	}
	metrics.AgentCommandsTotal.WithLabelValues(outcome).Inc()
	return record(cmdResult{
		command:  command,
		exitCode: result.ExitCode,
		output:   truncateMiddle(result.CombinedOutput(), l.cfg.OutputTruncation),
	})
}

// finalize dedupes the change set, stores the summary, and commits
// when the turn completed normally with changes on a working branch
func (l *Loop) finalize(ctx context.Context, sess *types.Session, messageID string, state *turnState, explanations []string, cmds []cmdResult, wasStopped bool, runErr error) error {
	files := state.changedFiles()
	summary := buildSummary(explanations, cmds, wasStopped, runErr)

	committed := false
	commitSHA := ""
	if runErr == nil && !wasStopped && sess.WorkingBranch != "" && len(files) > 0 && l.commits != nil {
		sha, pull, err := l.commits.AutoCommit(ctx, sess, files, summary)
		if err != nil {
			logger := log.WithSessionID(l.logger, sess.ID)
			logger.Error().Err(err).Msg("auto-commit failed")
		} else {
			committed = true
			commitSHA = sha
			if pull != nil {
				summary += fmt.Sprintf("\n\nOpened %s", pull.URL)
			}
			if l.broker != nil {
				l.broker.Publish(&events.Event{Type: events.EventAgentCommitted, SessionID: sess.ID})
			}
		}
	}

	if len(files) > 0 {
		err := l.store.CreateFileChange(&types.FileChange{
			ID:        uuid.New().String(),
			SessionID: sess.ID,
			MessageID: messageID,
			Files:     files,
			Committed: committed,
			CommitSHA: commitSHA,
			CreatedAt: time.Now(),
		})
		if err != nil {
			l.logger.Error().Err(err).Msg("failed to record file changes")
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

	return l.store.UpdateMessage(messageID, func(m *types.Message) error {
		m.Content = summary
		return nil
	})
}

// changedFiles flattens the per-path state into a sorted change set.
// The map already gives last-write-wins semantics.
func (st *turnState) changedFiles() []types.ChangedFile {
	var files []types.ChangedFile
	for path := range st.touched {
		files = append(files, types.ChangedFile{
			Path:            path,
			Content:         st.cache[path],
			OriginalContent: st.originals[path],
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files
}

// buildSummary assembles the user-facing message: the first
// explanation, a per-command status block, then later explanations
func buildSummary(explanations []string, cmds []cmdResult, wasStopped bool, runErr error) string {
	var parts []string
	if len(explanations) > 0 {
		parts = append(parts, explanations[0])
	}

	if len(cmds) > 0 {
		var b strings.Builder
		for _, c := range cmds {
			mark := "✓"
			if c.exitCode != 0 {
				mark = "✗"
			}
			fmt.Fprintf(&b, "%s `%s`\n", mark, c.command)
			if c.exitCode != 0 {
				if tail := lastLines(c.output, 3); tail != "" {
					fmt.Fprintf(&b, "```\n%s\n```\n", tail)
				}
			}
		}
		parts = append(parts, strings.TrimRight(b.String(), "\n"))
	}

	if len(explanations) > 1 {
		parts = append(parts, explanations[1:]...)
	}

	summary := strings.Join(parts, "\n\n")
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
	return summary
}

// lastLines returns the trailing n non-empty lines of s
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// displayText renders a streaming accumulator as a user-facing
// excerpt: explanations show as prose, file and edit blocks collapse
// to placeholders, bash blocks show the command
func displayText(s string) string {
	s = fileRe.ReplaceAllString(s, "*(writing $1)*")
	s = editRe.ReplaceAllString(s, "*(editing $1)*")
	s = bashRe.ReplaceAllStringFunc(s, func(m string) string {
		cmd := strings.TrimSpace(bashRe.FindStringSubmatch(m)[1])
		return "```\n$ " + cmd + "\n```"
	})

	// Hide blocks still streaming in
	for tag, closing := range map[string]string{
		"<file": "</file>", "<edit": "</edit>", "<bash": "</bash>",
	} {
		if i := strings.LastIndex(s, tag); i >= 0 && !strings.Contains(s[i:], closing) {
			s = s[:i]
		}
	}

	s = strings.ReplaceAll(s, "<explanation>", "")
	s = strings.ReplaceAll(s, "</explanation>", "")
	return strings.TrimSpace(s)
}

// shellQuote single-quotes a path for safe interpolation
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
