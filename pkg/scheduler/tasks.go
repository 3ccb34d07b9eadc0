package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/burrowhq/burrow/pkg/lifecycle"
	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/burrowhq/burrow/pkg/storage"
	"github.com/burrowhq/burrow/pkg/types"
)

// checkHeartbeats demotes idle sandboxes. Active records past the
// warning threshold drop back to ready; past the stop threshold they
// begin teardown.
func (s *Scheduler) checkHeartbeats(ctx context.Context) error {
	now := time.Now()

	active, err := s.store.ListSandboxesByStatus(types.SandboxActive, time.Time{}, 0)
	if err != nil {
		return err
	}
	for _, sb := range active {
		idle := now.Sub(lastActivity(sb))
		switch {
		case idle > s.cfg.Timeouts.HeartbeatStop:
			s.transitionLogged(sb.ID, types.SandboxStopping, "no_heartbeat_timeout")
		case idle > s.cfg.Timeouts.HeartbeatWarning:
			s.transitionLogged(sb.ID, types.SandboxReady, "idle")
		}
	}

	ready, err := s.store.ListSandboxesByStatus(types.SandboxReady, time.Time{}, 0)
	if err != nil {
		return err
	}
	for _, sb := range ready {
		if now.Sub(lastActivity(sb)) > s.cfg.Timeouts.HeartbeatStop {
			s.transitionLogged(sb.ID, types.SandboxStopping, "idle_timeout")
		}
	}
	return nil
}

// lastActivity is the later of the last heartbeat and the last status
// change, so a sandbox that just became ready gets a full idle window
func lastActivity(sb *types.Sandbox) time.Time {
	if sb.LastHeartbeat.After(sb.StatusChangedAt) {
		return sb.LastHeartbeat
	}
	return sb.StatusChangedAt
}

// checkTimeouts marks sandboxes stuck in a setup phase unhealthy
func (s *Scheduler) checkTimeouts(ctx context.Context) error {
	now := time.Now()
	for _, status := range []types.SandboxStatus{
		types.SandboxCreating,
		types.SandboxCloning,
		types.SandboxInstalling,
		types.SandboxStarting,
	} {
		timeout := s.cfg.Timeouts.StateTimeout(string(status))
		if timeout <= 0 {
			continue
		}
		stuck, err := s.store.ListSandboxesByStatus(status, now.Add(-timeout), batchSize)
		if err != nil {
			return err
		}
		for _, sb := range stuck {
			s.transitionLogged(sb.ID, types.SandboxUnhealthy, string(status)+"_timeout")
		}
	}
	return nil
}

// processStopping begins teardown for stopping sandboxes, and finishes
// teardown for destroying records left behind by an earlier crash
func (s *Scheduler) processStopping(ctx context.Context) error {
	stopping, err := s.store.ListSandboxesByStatus(types.SandboxStopping, time.Time{}, batchSize)
	if err != nil {
		return err
	}
	for _, sb := range stopping {
		if err := s.machine.Transition(sb.ID, types.SandboxDestroying, "teardown"); err != nil {
			s.logger.Error().Err(err).Str("sandbox_id", sb.ID).Msg("failed to start teardown")
			continue
		}
		s.destroy(ctx, sb)
	}

	stalled, err := s.store.ListSandboxesByStatus(types.SandboxDestroying, time.Time{}, batchSize)
	if err != nil {
		return err
	}
	for _, sb := range stalled {
		s.destroy(ctx, sb)
	}
	return nil
}

// processUnhealthy tears down unhealthy sandboxes
func (s *Scheduler) processUnhealthy(ctx context.Context) error {
	unhealthy, err := s.store.ListSandboxesByStatus(types.SandboxUnhealthy, time.Time{}, batchSize)
	if err != nil {
		return err
	}
	for _, sb := range unhealthy {
		if err := s.machine.Transition(sb.ID, types.SandboxDestroying, "unhealthy_teardown"); err != nil {
			s.logger.Error().Err(err).Str("sandbox_id", sb.ID).Msg("failed to start teardown")
			continue
		}
		s.destroy(ctx, sb)
	}
	return nil
}

// destroy removes the host-side sandbox and finalizes the record. On
// host failure the record stays destroying and the next tick retries.
func (s *Scheduler) destroy(ctx context.Context, sb *types.Sandbox) {
	if sb.HostID != "" {
		if err := s.backend.DestroySandbox(ctx, sb.HostID); err != nil {
			s.logger.Error().Err(err).Str("sandbox_id", sb.ID).Msg("host destroy failed")
			return
		}
	}
	s.transitionLogged(sb.ID, types.SandboxDestroyed, "host_destroyed")
	s.unlinkSession(sb)
}

// unlinkSession clears the session's sandbox reference once the
// sandbox is gone
func (s *Scheduler) unlinkSession(sb *types.Sandbox) {
	if sb.SessionID == "" {
		return
	}
	err := s.store.UpdateSession(sb.SessionID, func(sess *types.Session) error {
		if sess.SandboxID == sb.ID {
			sess.SandboxID = ""
		}
		return nil
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn().Err(err).Str("session_id", sb.SessionID).Msg("failed to unlink session")
	}
}

// reconcile repairs drift between our records and the host's view:
// records pointing at vanished host sandboxes go unhealthy, host
// sandboxes nobody tracks get destroyed, and dead ready pool entries
// are demoted for GC.
func (s *Scheduler) reconcile(ctx context.Context) error {
	hostSandboxes, err := s.backend.ListSandboxes(ctx)
	if err != nil {
		return err
	}
	onHost := make(map[string]bool, len(hostSandboxes))
	for _, hs := range hostSandboxes {
		onHost[hs.ID] = true
	}

	records, err := s.store.ListSandboxes()
	if err != nil {
		return err
	}
	trackedIDs := make(map[string]bool)
	trackedNames := make(map[string]bool)
	byStatus := make(map[types.SandboxStatus]int)
	for _, sb := range records {
		byStatus[sb.Status]++
		if sb.Status == types.SandboxDestroyed {
			continue
		}
		trackedNames[sb.Name] = true
		if sb.HostID != "" {
			trackedIDs[sb.HostID] = true
		}
		if placedStatus(sb.Status) && sb.HostID != "" && !onHost[sb.HostID] {
			s.transitionLogged(sb.ID, types.SandboxUnhealthy, "host_missing")
		}
	}
	for status, n := range byStatus {
		metrics.SandboxesTotal.WithLabelValues(string(status)).Set(float64(n))
	}

	entries, err := s.store.ListPoolEntries()
	if err != nil {
		return err
	}
	for _, e := range entries {
		trackedNames[e.Name] = true
		if e.HostID != "" {
			trackedIDs[e.HostID] = true
		}
		if e.Status == types.PoolReady && e.HostID != "" && !onHost[e.HostID] {
			err := s.store.UpdatePoolEntry(e.ID, func(entry *types.PoolEntry) error {
				entry.Status = types.PoolFailed
				return nil
			})
			if err != nil {
				s.logger.Error().Err(err).Str("entry_id", e.ID).Msg("failed to demote pool entry")
			}
		}
	}

	// Anything on the host nobody claims is an orphan. Names are
	// checked too, so in-flight creates whose placement is not yet
	// recorded are spared.
	for _, hs := range hostSandboxes {
		if trackedIDs[hs.ID] || trackedNames[hs.Name] {
			continue
		}
		if !strings.HasPrefix(hs.Name, "burrow-") {
			continue
		}
		s.logger.Info().Str("host_id", hs.ID).Str("name", hs.Name).Msg("destroying orphan host sandbox")
		if err := s.backend.DestroySandbox(ctx, hs.ID); err != nil {
			s.logger.Error().Err(err).Str("host_id", hs.ID).Msg("orphan destroy failed")
		}
	}
	return nil
}

// placedStatus reports whether the status implies a live host sandbox
func placedStatus(status types.SandboxStatus) bool {
	switch status {
	case types.SandboxCloning, types.SandboxInstalling, types.SandboxStarting,
		types.SandboxReady, types.SandboxActive:
		return true
	}
	return false
}

// cleanupOld deletes destroyed records past the retention window
func (s *Scheduler) cleanupOld(ctx context.Context) error {
	old, err := s.store.ListSandboxesByStatus(types.SandboxDestroyed, time.Now().Add(-destroyedRetention), 0)
	if err != nil {
		return err
	}
	for _, sb := range old {
		if err := s.store.DeleteSandbox(sb.ID); err != nil {
			s.logger.Error().Err(err).Str("sandbox_id", sb.ID).Msg("failed to delete old record")
			continue
		}
		s.logger.Debug().Str("sandbox_id", sb.ID).Msg("deleted old destroyed record")
	}
	return nil
}

// transitionLogged applies a transition, logging and swallowing the
// error so batch processing continues
func (s *Scheduler) transitionLogged(id string, to types.SandboxStatus, reason string) {
	if err := s.machine.Transition(id, to, reason); err != nil {
		if errors.Is(err, lifecycle.ErrInvalidTransition) {
			return
		}
		s.logger.Error().
			Err(err).
			Str("sandbox_id", id).
			Str("to", string(to)).
			Msg("transition failed")
	}
}
