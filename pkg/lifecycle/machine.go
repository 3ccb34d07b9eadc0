package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/burrowhq/burrow/pkg/events"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/burrowhq/burrow/pkg/storage"
	"github.com/burrowhq/burrow/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidTransition is returned when the target status is not a
	// valid successor of the current one. The record is left unchanged.
	ErrInvalidTransition = errors.New("invalid sandbox state transition")

	// ErrSecretMismatch is returned when a callback's apiSecret does
	// not match the sandbox record
	ErrSecretMismatch = errors.New("api secret mismatch")
)

// transitions maps each status to its allowed successors
var transitions = map[types.SandboxStatus][]types.SandboxStatus{
	types.SandboxRequested:  {types.SandboxCreating, types.SandboxUnhealthy},
	types.SandboxCreating:   {types.SandboxCloning, types.SandboxUnhealthy},
	types.SandboxCloning:    {types.SandboxInstalling, types.SandboxCreating, types.SandboxUnhealthy},
	types.SandboxInstalling: {types.SandboxStarting, types.SandboxUnhealthy},
	types.SandboxStarting:   {types.SandboxReady, types.SandboxUnhealthy},
	types.SandboxReady:      {types.SandboxActive, types.SandboxStopping, types.SandboxUnhealthy},
	types.SandboxActive:     {types.SandboxReady, types.SandboxStopping, types.SandboxUnhealthy},
	types.SandboxStopping:   {types.SandboxDestroying},
	types.SandboxDestroying: {types.SandboxDestroyed, types.SandboxUnhealthy},
	types.SandboxUnhealthy:  {types.SandboxDestroying},
	types.SandboxDestroyed:  {},
}

// phaseOrder defines the monotone ordering of setup phases reported by
// host callbacks. A callback may only move a sandbox forward through
// this ordering.
var phaseOrder = map[types.SandboxStatus]int{
	types.SandboxRequested:  0,
	types.SandboxCreating:   1,
	types.SandboxCloning:    2,
	types.SandboxInstalling: 3,
	types.SandboxStarting:   4,
	types.SandboxReady:      5,
}

// maxHistory bounds audit history growth on long-lived sandboxes.
// Overflow collapses ready/active churn into aggregated entries.
const maxHistory = 200

// CanTransition reports whether from may move directly to to
func CanTransition(from, to types.SandboxStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Option applies a side-effect update alongside a transition
type Option func(*types.Sandbox)

// SetPlacement records the host-side identity of the sandbox
func SetPlacement(hostID string, hostPort int, previewURL, execURL, logURL, terminalURL string) Option {
	return func(sb *types.Sandbox) {
		sb.HostID = hostID
		sb.HostPort = hostPort
		sb.PreviewURL = previewURL
		sb.ExecURL = execURL
		sb.LogURL = logURL
		sb.TerminalURL = terminalURL
	}
}

// SetError records the last error message on the sandbox
func SetError(msg string) Option {
	return func(sb *types.Sandbox) {
		sb.LastError = msg
	}
}

// IncRetry increments the retry counter
func IncRetry() Option {
	return func(sb *types.Sandbox) {
		sb.RetryCount++
	}
}

// SetBranch records the branch actually used after fallback resolution
func SetBranch(effective string, fellBack bool) Option {
	return func(sb *types.Sandbox) {
		sb.EffectiveBranch = effective
		sb.BranchFellBack = fellBack
	}
}

// SetCommit records the commit SHA reported by the host
func SetCommit(sha string) Option {
	return func(sb *types.Sandbox) {
		sb.CommitSHA = sha
	}
}

// Machine validates and applies sandbox status transitions
type Machine struct {
	store  storage.Store
	broker *events.Broker
	logger zerolog.Logger
}

// NewMachine creates a state machine over the given store. The broker
// may be nil.
func NewMachine(store storage.Store, broker *events.Broker) *Machine {
	return &Machine{
		store:  store,
		broker: broker,
		logger: log.WithComponent("lifecycle"),
	}
}

// Transition moves the sandbox to the target status, appending an
// audit entry and applying any side-effect options in one transaction.
// Returns ErrInvalidTransition (record unchanged) for disallowed moves.
func (m *Machine) Transition(id string, to types.SandboxStatus, reason string, opts ...Option) error {
	var from types.SandboxStatus
	err := m.store.UpdateSandbox(id, func(sb *types.Sandbox) error {
		from = sb.Status
		if !CanTransition(sb.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sb.Status, to)
		}
		applyTransition(sb, to, reason, opts...)
		return nil
	})

	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			m.logger.Warn().
				Str("sandbox_id", id).
				Str("from", string(from)).
				Str("to", string(to)).
				Str("reason", reason).
				Msg("rejected transition")
		}
		return err
	}

	m.logger.Debug().
		Str("sandbox_id", id).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("sandbox transitioned")
	metrics.SandboxTransitionsTotal.WithLabelValues(string(to), reason).Inc()
	m.publish(id, to)
	return nil
}

// HandleCallback processes a host-originated progress callback for the
// named sandbox. Stale (phase-regressing) and duplicate callbacks are
// accepted as no-ops; callbacks for sandboxes already shutting down are
// silently ignored.
func (m *Machine) HandleCallback(sandboxName, apiSecret string, status types.SandboxStatus, errorMessage string) error {
	sb, err := m.store.GetSandbox(sandboxName)
	if errors.Is(err, storage.ErrNotFound) {
		sb, err = m.store.GetSandboxByName(sandboxName)
	}
	if err != nil {
		return err
	}
	if sb.APISecret != apiSecret {
		return ErrSecretMismatch
	}

	var published types.SandboxStatus
	reason := "host_callback"
	err = m.store.UpdateSandbox(sb.ID, func(sb *types.Sandbox) error {
		switch sb.Status {
		case types.SandboxStopping, types.SandboxDestroying, types.SandboxDestroyed:
			// Teardown already underway; late progress events are noise
			return nil
		}

		if status == "failed" {
			applyTransition(sb, types.SandboxUnhealthy, "host_callback_failed", SetError(errorMessage))
			published = types.SandboxUnhealthy
			reason = "host_callback_failed"
			return nil
		}

		newOrder, ok := phaseOrder[status]
		if !ok {
			return fmt.Errorf("unknown callback status: %s", status)
		}
		curOrder, ok := phaseOrder[sb.Status]
		if !ok {
			// Current status is outside the setup phases (active);
			// treat as stale
			return nil
		}

		if newOrder == curOrder {
			// Duplicate callback, idempotent no-op
			return nil
		}
		if newOrder < curOrder {
			m.logger.Debug().
				Str("sandbox_id", sb.ID).
				Str("current", string(sb.Status)).
				Str("reported", string(status)).
				Msg("ignoring stale callback")
			return nil
		}

		applyTransition(sb, status, "host_callback")
		published = status
		return nil
	})
	if err != nil {
		return err
	}
	if published != "" {
		metrics.SandboxTransitionsTotal.WithLabelValues(string(published), reason).Inc()
		m.publish(sb.ID, published)
	}
	return nil
}

// Heartbeat records user activity, driving ready sandboxes to active
func (m *Machine) Heartbeat(id string) error {
	var becameActive bool
	err := m.store.UpdateSandbox(id, func(sb *types.Sandbox) error {
		sb.LastHeartbeat = time.Now()
		if sb.Status == types.SandboxReady {
			applyTransition(sb, types.SandboxActive, "heartbeat")
			becameActive = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if becameActive {
		metrics.SandboxTransitionsTotal.WithLabelValues(string(types.SandboxActive), "heartbeat").Inc()
		m.publish(id, types.SandboxActive)
	}
	return nil
}

func applyTransition(sb *types.Sandbox, to types.SandboxStatus, reason string, opts ...Option) {
	now := time.Now()
	sb.Status = to
	sb.StatusChangedAt = now
	sb.StatusHistory = append(sb.StatusHistory, types.StatusChange{
		Status:    to,
		Timestamp: now,
		Reason:    reason,
	})
	if to == types.SandboxDestroyed {
		sb.DestroyedAt = now
	}
	for _, opt := range opts {
		opt(sb)
	}
	compactHistory(sb)
}

// compactHistory collapses ready/active churn once the history exceeds
// the cap, keeping the record bounded on long-lived sandboxes
func compactHistory(sb *types.Sandbox) {
	if len(sb.StatusHistory) <= maxHistory {
		return
	}

	compacted := make([]types.StatusChange, 0, len(sb.StatusHistory))
	i := 0
	for i < len(sb.StatusHistory) {
		entry := sb.StatusHistory[i]
		if entry.Status != types.SandboxReady && entry.Status != types.SandboxActive {
			compacted = append(compacted, entry)
			i++
			continue
		}

		// Collapse the whole ready/active run into one entry
		run := 0
		last := entry
		for i < len(sb.StatusHistory) {
			next := sb.StatusHistory[i]
			if next.Status != types.SandboxReady && next.Status != types.SandboxActive {
				break
			}
			last = next
			run++
			i++
		}
		if run == 1 {
			compacted = append(compacted, last)
		} else {
			compacted = append(compacted, types.StatusChange{
				Status:    last.Status,
				Timestamp: last.Timestamp,
				Reason:    fmt.Sprintf("compacted_x%d", run),
			})
		}
	}

	// If churn alone did not bring us under the cap, drop the oldest
	// entries but always keep the first (creation) entry
	if len(compacted) > maxHistory {
		head := compacted[0]
		tail := compacted[len(compacted)-(maxHistory-1):]
		compacted = append([]types.StatusChange{head}, tail...)
	}
	sb.StatusHistory = compacted
}

func (m *Machine) publish(id string, status types.SandboxStatus) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		Type:      events.SandboxEventType(status),
		SandboxID: id,
	})
}
