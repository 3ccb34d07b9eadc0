package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/burrowhq/burrow/pkg/githost"
	"github.com/burrowhq/burrow/pkg/hostd"
	"github.com/burrowhq/burrow/pkg/lifecycle"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/types"
	"golang.org/x/sync/errgroup"
)

// processRequested picks up freshly requested sandboxes and drives
// them through host-create and setup
func (s *Scheduler) processRequested(ctx context.Context) error {
	batch, err := s.store.ListSandboxesByStatus(types.SandboxRequested, time.Time{}, batchSize)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(4)
	for _, sb := range batch {
		sb := sb
		g.Go(func() error {
			if err := s.provision(ctx, sb); err != nil {
				logger := log.WithSandboxID(s.logger, sb.ID)
				logger.Error().Err(err).Msg("provisioning failed")
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) provision(ctx context.Context, sb *types.Sandbox) error {
	err := s.machine.Transition(sb.ID, types.SandboxCreating, "provisioning")
	if errors.Is(err, lifecycle.ErrInvalidTransition) {
		// Another tick already picked this record up
		return nil
	}
	if err != nil {
		return err
	}

	result, err := s.backend.CreateSandbox(ctx, sb.Name)
	if err != nil {
		return s.machine.Transition(sb.ID, types.SandboxUnhealthy, "host_create_failed",
			lifecycle.SetError(err.Error()))
	}

	err = s.machine.Transition(sb.ID, types.SandboxCloning, "host_created",
		lifecycle.SetPlacement(result.ID, result.HostPort, s.previewURL(result.HostPort), "", "", ""),
		func(r *types.Sandbox) { r.RetryCount += result.Retries })
	if err != nil {
		return err
	}

	fresh, err := s.store.GetSandbox(sb.ID)
	if err != nil {
		return err
	}
	return s.Setup(ctx, fresh)
}

func (s *Scheduler) previewURL(hostPort int) string {
	return fmt.Sprintf("%s:%d", s.cfg.Host.PreviewBase, hostPort)
}

// Setup instructs the host to clone, install, and start the dev server
// inside an already-created sandbox. Also the entry point for
// pool-assigned sandboxes, which skip the create step. Progress past
// cloning arrives via status callbacks.
func (s *Scheduler) Setup(ctx context.Context, sb *types.Sandbox) error {
	sess, err := s.store.GetSession(sb.SessionID)
	if err != nil {
		return s.fail(sb.ID, "session_missing", err)
	}

	token, err := s.tokens.TokenFor(ctx, sess.UserID)
	if errors.Is(err, githost.ErrReconnectRequired) {
		return s.fail(sb.ID, "reconnect_required", err)
	}
	if err != nil {
		return s.fail(sb.ID, "credential_error", err)
	}

	branch, fellBack, err := hostd.ResolveBranch(ctx, s.branches, sess.RepoSlug, sess.TargetBranch, sess.DefaultBranch)
	if err != nil {
		return s.fail(sb.ID, "branch_resolution_failed", err)
	}
	err = s.store.UpdateSandbox(sb.ID, func(r *types.Sandbox) error {
		r.EffectiveBranch = branch
		r.BranchFellBack = fellBack
		if fellBack {
			r.StatusHistory = append(r.StatusHistory, types.StatusChange{
				Status:    r.Status,
				Timestamp: time.Now(),
				Reason:    "branch_fallback:" + branch,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	req := hostd.SetupRequest{
		RepoSlug:       sess.RepoSlug,
		TargetBranch:   branch,
		DefaultBranch:  sess.DefaultBranch,
		SourceToken:    token,
		CallbackURL:    s.cfg.CallbackURL,
		CallbackSecret: sb.APISecret,
	}
	s.applyWarmStart(&req, sess.RepoID, branch)

	err = s.backend.SetupSandbox(ctx, sb.HostID, req)
	if errors.Is(err, hostd.ErrSandboxGone) {
		// The host reaped the sandbox under us (stale pool entry).
		// Fall back to a fresh create rather than going unhealthy.
		return s.recreate(ctx, sb, req)
	}
	if err != nil {
		return s.fail(sb.ID, "setup_failed", err)
	}
	return nil
}

// applyWarmStart attaches image and checkpoint hints when cached
// artifacts exist for this repo and branch, and records their use
func (s *Scheduler) applyWarmStart(req *hostd.SetupRequest, repoID, branch string) {
	if repoID == "" {
		return
	}

	if img, err := s.store.GetRepoImage(repoID, branch); err == nil && img.Status == types.ImageReady {
		req.ImageTag = img.Tag
		req.VolumeName = "deps-" + repoID
		img.UseCount++
		img.LastUsedAt = time.Now()
		if err := s.store.PutRepoImage(img); err != nil {
			s.logger.Warn().Err(err).Str("repo_id", repoID).Msg("failed to record image use")
		}
	}

	if cp, err := s.store.GetCheckpoint(repoID, branch); err == nil {
		req.CheckpointName = cp.Name
		cp.UseCount++
		cp.LastUsedAt = time.Now()
		if err := s.store.PutCheckpoint(cp); err != nil {
			s.logger.Warn().Err(err).Str("repo_id", repoID).Msg("failed to record checkpoint use")
		}
	}
}

// recreate replaces a host-lost sandbox with a fresh one and retries
// setup once
func (s *Scheduler) recreate(ctx context.Context, sb *types.Sandbox, req hostd.SetupRequest) error {
	logger := log.WithSandboxID(s.logger, sb.ID)
	logger.Warn().
		Str("host_id", sb.HostID).
		Msg("host lost sandbox, creating a fresh one")

	if err := s.machine.Transition(sb.ID, types.SandboxCreating, "host_lost_sandbox"); err != nil {
		return err
	}

	result, err := s.backend.CreateSandbox(ctx, sb.Name)
	if err != nil {
		return s.fail(sb.ID, "host_create_failed", err)
	}
	err = s.machine.Transition(sb.ID, types.SandboxCloning, "host_created",
		lifecycle.SetPlacement(result.ID, result.HostPort, s.previewURL(result.HostPort), "", "", ""))
	if err != nil {
		return err
	}

	if err := s.backend.SetupSandbox(ctx, result.ID, req); err != nil {
		return s.fail(sb.ID, "setup_failed", err)
	}
	return nil
}

// fail marks the sandbox unhealthy with a descriptive reason
func (s *Scheduler) fail(id, reason string, cause error) error {
	logger := log.WithSandboxID(s.logger, id)
	logger.Error().Err(cause).Str("reason", reason).Msg("sandbox setup failed")
	if err := s.machine.Transition(id, types.SandboxUnhealthy, reason, lifecycle.SetError(cause.Error())); err != nil {
		return err
	}
	return cause
}
