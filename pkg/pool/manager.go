package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/burrowhq/burrow/pkg/config"
	"github.com/burrowhq/burrow/pkg/events"
	"github.com/burrowhq/burrow/pkg/health"
	"github.com/burrowhq/burrow/pkg/hostd"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/burrowhq/burrow/pkg/security"
	"github.com/burrowhq/burrow/pkg/storage"
	"github.com/burrowhq/burrow/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// staleAssignedAfter is how long an assigned entry may linger before
// GC considers it leaked and deletes the pool row
const staleAssignedAfter = 5 * time.Minute

// staleCreatingAfter is how long an entry may sit in creating before GC
// treats it as a crash leftover and demotes it to failed. Stale creating
// rows otherwise hold the MaxCreating budget forever.
const staleCreatingAfter = 15 * time.Minute

// Prober checks that a ready entry's preview server still answers
type Prober func(ctx context.Context, url string) bool

func httpProbe(ctx context.Context, url string) bool {
	return health.NewHTTPChecker(url).Check(ctx).Healthy
}

func tcpProbe(ctx context.Context, addr string) bool {
	return health.NewTCPChecker(addr).Check(ctx).Healthy
}

// Manager maintains the generic and per-repo pools
type Manager struct {
	store       storage.Store
	backend     hostd.Backend
	broker      *events.Broker
	cfg         config.Pool
	previewBase string
	previewHost string
	probe       Prober
	probeTCP    Prober
	logger      zerolog.Logger
	stopCh      chan struct{}
}

// NewManager creates a pool manager. previewBase is the scheme+host
// prefix under which sandbox preview ports are reachable.
func NewManager(store storage.Store, backend hostd.Backend, broker *events.Broker, cfg config.Pool, previewBase string) *Manager {
	previewHost := ""
	if u, err := url.Parse(previewBase); err == nil {
		previewHost = u.Hostname()
	}
	return &Manager{
		store:       store,
		backend:     backend,
		broker:      broker,
		cfg:         cfg,
		previewBase: previewBase,
		previewHost: previewHost,
		probe:       httpProbe,
		probeTCP:    tcpProbe,
		logger:      log.WithComponent("pool"),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the replenish/GC loop
func (m *Manager) Start() {
	go m.run()
}

// Stop stops the loop
func (m *Manager) Stop() {
	close(m.stopCh)
}

func (m *Manager) run() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			if err := m.Replenish(ctx); err != nil {
				m.logger.Error().Err(err).Msg("replenish failed")
			}
			if err := m.GC(ctx); err != nil {
				m.logger.Error().Err(err).Msg("pool gc failed")
			}
			cancel()
		case <-m.stopCh:
			return
		}
	}
}

// Replenish tops up the generic pool, then hot-repo pools, under one
// shared creation budget
func (m *Manager) Replenish(ctx context.Context) error {
	creating, err := m.store.ListPoolEntriesByStatus(types.PoolCreating)
	if err != nil {
		return err
	}
	ready, err := m.store.ListPoolEntriesByStatus(types.PoolReady)
	if err != nil {
		return err
	}
	m.observeGauges(creating, ready)

	budget := m.cfg.MaxCreating - len(creating)
	if budget <= 0 {
		return nil
	}

	genericReady, genericCreating := countKind(ready, types.PoolKindGeneric), countKind(creating, types.PoolKindGeneric)
	want := m.cfg.TargetSize - genericReady - genericCreating
	if want > budget {
		want = budget
	}

	var g errgroup.Group
	for i := 0; i < want; i++ {
		g.Go(func() error {
			return m.createEntry(ctx, types.PoolKindGeneric, nil)
		})
		budget--
	}

	// One warm entry per hot repo, while budget remains
	if budget > 0 && m.cfg.RepoTargetSize > 0 {
		images, err := m.store.ListRepoImages()
		if err != nil {
			return err
		}
		cutoff := time.Now().Add(-m.cfg.HotRepoWindow)
		for _, img := range images {
			if budget <= 0 {
				break
			}
			if img.Status != types.ImageReady || img.LastUsedAt.Before(cutoff) {
				continue
			}
			repoReady, err := m.store.ListPoolEntriesByRepo(img.RepoID, types.PoolReady)
			if err != nil {
				return err
			}
			repoCreating, err := m.store.ListPoolEntriesByRepo(img.RepoID, types.PoolCreating)
			if err != nil {
				return err
			}
			if len(repoReady)+len(repoCreating) >= m.cfg.RepoTargetSize {
				continue
			}
			img := img
			g.Go(func() error {
				return m.createEntry(ctx, types.PoolKindRepo, img)
			})
			budget--
		}
	}

	return g.Wait()
}

func countKind(entries []*types.PoolEntry, kind types.PoolKind) int {
	n := 0
	for _, e := range entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// createEntry provisions one pool sandbox end to end
func (m *Manager) createEntry(ctx context.Context, kind types.PoolKind, img *types.RepoImage) error {
	entry := &types.PoolEntry{
		ID:        uuid.New().String(),
		Name:      "burrow-pool-" + uuid.New().String()[:8],
		Kind:      kind,
		Status:    types.PoolCreating,
		CreatedAt: time.Now(),
	}
	if img != nil {
		entry.RepoID = img.RepoID
		entry.ImageTag = img.Tag
		entry.VolumeName = "deps-" + img.RepoID
	}
	if err := m.store.CreatePoolEntry(entry); err != nil {
		return err
	}

	result, err := m.backend.CreateSandbox(ctx, entry.Name)
	if err != nil {
		m.logger.Error().Err(err).Str("entry_id", entry.ID).Msg("pool create failed")
		return m.store.UpdatePoolEntry(entry.ID, func(e *types.PoolEntry) error {
			e.Status = types.PoolFailed
			return nil
		})
	}

	err = m.store.UpdatePoolEntry(entry.ID, func(e *types.PoolEntry) error {
		e.Status = types.PoolReady
		e.HostID = result.ID
		e.HostPort = result.HostPort
		e.PreviewURL = fmt.Sprintf("%s:%d", m.previewBase, result.HostPort)
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Info().
		Str("entry_id", entry.ID).
		Str("kind", string(kind)).
		Str("host_id", result.ID).
		Msg("pool entry ready")
	if m.broker != nil {
		m.broker.Publish(&events.Event{Type: events.EventPoolReplenished, SandboxID: entry.Name})
	}
	return nil
}

// Assign hands a pool sandbox to the session, or creates a fresh
// requested record when the pool is empty. The bool reports a pool hit:
// the returned sandbox is already in cloning and only needs setup.
func (m *Manager) Assign(ctx context.Context, sess *types.Session) (*types.Sandbox, bool, error) {
	// Repo-affine entries first
	if sess.RepoID != "" {
		entries, err := m.store.ListPoolEntriesByRepo(sess.RepoID, types.PoolReady)
		if err != nil {
			return nil, false, err
		}
		sb, err := m.tryEntries(ctx, entries, sess)
		if err != nil {
			return nil, false, err
		}
		if sb != nil {
			metrics.PoolAssignmentsTotal.WithLabelValues("repo", "hit").Inc()
			return sb, true, nil
		}
	}

	// Oldest ready generic entry (FIFO)
	ready, err := m.store.ListPoolEntriesByStatus(types.PoolReady)
	if err != nil {
		return nil, false, err
	}
	var generic []*types.PoolEntry
	for _, e := range ready {
		if e.Kind == types.PoolKindGeneric {
			generic = append(generic, e)
		}
	}
	sb, err := m.tryEntries(ctx, generic, sess)
	if err != nil {
		return nil, false, err
	}
	if sb != nil {
		metrics.PoolAssignmentsTotal.WithLabelValues("generic", "hit").Inc()
		return sb, true, nil
	}

	// Pool miss: full cold-start path
	metrics.PoolAssignmentsTotal.WithLabelValues("generic", "miss").Inc()
	sb, err = m.createRequested(sess)
	if err != nil {
		return nil, false, err
	}
	return sb, false, nil
}

// tryEntries probes candidates in order and atomically assigns the
// first healthy one. Entries without a preview URL are probed with a
// bare TCP connect against their host port.
func (m *Manager) tryEntries(ctx context.Context, entries []*types.PoolEntry, sess *types.Session) (*types.Sandbox, error) {
	for _, entry := range entries {
		if !m.probeEntry(ctx, entry) {
			m.logger.Warn().Str("entry_id", entry.ID).Msg("ready pool entry failed probe")
			_ = m.store.UpdatePoolEntry(entry.ID, func(e *types.PoolEntry) error {
				e.Status = types.PoolFailed
				return nil
			})
			continue
		}

		sb, err := m.sandboxFromEntry(entry, sess)
		if err != nil {
			m.logger.Error().Err(err).Msg("failed to build sandbox record")
			continue
		}
		if err := m.store.AssignPoolEntry(entry.ID, sb); err != nil {
			if errors.Is(err, storage.ErrSessionLinked) {
				// Another request already claimed a sandbox for this
				// session; the entry stays ready for the next caller
				return nil, err
			}
			// Lost a race for this entry; try the next one
			m.logger.Debug().Err(err).Str("entry_id", entry.ID).Msg("assignment race lost")
			continue
		}
		if m.broker != nil {
			m.broker.Publish(&events.Event{
				Type:      events.EventPoolAssigned,
				SandboxID: sb.ID,
				SessionID: sess.ID,
			})
		}
		return sb, nil
	}
	return nil, nil
}

func (m *Manager) probeEntry(ctx context.Context, entry *types.PoolEntry) bool {
	if entry.PreviewURL != "" {
		return m.probe(ctx, entry.PreviewURL)
	}
	if entry.HostPort != 0 && m.previewHost != "" {
		return m.probeTCP(ctx, net.JoinHostPort(m.previewHost, strconv.Itoa(entry.HostPort)))
	}
	return true
}

// sandboxFromEntry copies the entry's placement into a new sandbox
// record that starts directly in cloning
func (m *Manager) sandboxFromEntry(entry *types.PoolEntry, sess *types.Session) (*types.Sandbox, error) {
	secret, err := security.GenerateAPISecret()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &types.Sandbox{
		ID:              uuid.New().String(),
		Name:            entry.Name,
		SessionID:       sess.ID,
		RepoID:          sess.RepoID,
		TeamID:          sess.TeamID,
		OwnerID:         sess.UserID,
		HostID:          entry.HostID,
		HostPort:        entry.HostPort,
		PreviewURL:      entry.PreviewURL,
		APISecret:       secret,
		Status:          types.SandboxCloning,
		StatusChangedAt: now,
		CreatedAt:       now,
		TargetBranch:    sess.TargetBranch,
		StatusHistory: []types.StatusChange{
			{Status: types.SandboxCloning, Timestamp: now, Reason: "pool_assigned"},
		},
	}, nil
}

func (m *Manager) createRequested(sess *types.Session) (*types.Sandbox, error) {
	secret, err := security.GenerateAPISecret()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	sb := &types.Sandbox{
		ID:              uuid.New().String(),
		Name:            "burrow-" + uuid.New().String()[:8],
		SessionID:       sess.ID,
		RepoID:          sess.RepoID,
		TeamID:          sess.TeamID,
		OwnerID:         sess.UserID,
		APISecret:       secret,
		Status:          types.SandboxRequested,
		StatusChangedAt: now,
		CreatedAt:       now,
		TargetBranch:    sess.TargetBranch,
		StatusHistory: []types.StatusChange{
			{Status: types.SandboxRequested, Timestamp: now, Reason: "user_request"},
		},
	}
	if err := m.store.LinkSessionSandbox(sess.ID, sb); err != nil {
		return nil, err
	}
	if m.broker != nil {
		m.broker.Publish(&events.Event{
			Type:      events.EventSandboxRequested,
			SandboxID: sb.ID,
			SessionID: sess.ID,
		})
	}
	return sb, nil
}

// GC reclaims creating rows orphaned by a crash, destroys failed
// entries, and deletes pool rows whose assignment never progressed (the
// sandbox record owns the placement from there)
func (m *Manager) GC(ctx context.Context) error {
	creating, err := m.store.ListPoolEntriesByStatus(types.PoolCreating)
	if err != nil {
		return err
	}
	createCutoff := time.Now().Add(-staleCreatingAfter)
	for _, entry := range creating {
		if entry.CreatedAt.After(createCutoff) {
			continue
		}
		err := m.store.UpdatePoolEntry(entry.ID, func(e *types.PoolEntry) error {
			e.Status = types.PoolFailed
			return nil
		})
		if err != nil {
			return err
		}
		m.logger.Warn().Str("entry_id", entry.ID).Msg("demoted stale creating pool entry")
	}

	failed, err := m.store.ListPoolEntriesByStatus(types.PoolFailed)
	if err != nil {
		return err
	}
	for _, entry := range failed {
		if entry.HostID != "" {
			if err := m.backend.DestroySandbox(ctx, entry.HostID); err != nil {
				m.logger.Error().Err(err).Str("entry_id", entry.ID).Msg("failed to destroy failed pool entry")
				continue
			}
		}
		if err := m.store.DeletePoolEntry(entry.ID); err != nil {
			return err
		}
		m.logger.Info().Str("entry_id", entry.ID).Msg("removed failed pool entry")
	}

	assigned, err := m.store.ListPoolEntriesByStatus(types.PoolAssigned)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-staleAssignedAfter)
	for _, entry := range assigned {
		if entry.AssignedAt.After(cutoff) {
			continue
		}
		if err := m.store.DeletePoolEntry(entry.ID); err != nil {
			return err
		}
		m.logger.Info().Str("entry_id", entry.ID).Msg("deleted stale assigned pool entry")
	}
	return nil
}

func (m *Manager) observeGauges(creating, ready []*types.PoolEntry) {
	for _, kind := range []types.PoolKind{types.PoolKindGeneric, types.PoolKindRepo} {
		metrics.PoolEntriesTotal.WithLabelValues(string(kind), string(types.PoolCreating)).
			Set(float64(countKind(creating, kind)))
		metrics.PoolEntriesTotal.WithLabelValues(string(kind), string(types.PoolReady)).
			Set(float64(countKind(ready, kind)))
	}
}
