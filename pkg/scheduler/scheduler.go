package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/burrowhq/burrow/pkg/config"
	"github.com/burrowhq/burrow/pkg/hostd"
	"github.com/burrowhq/burrow/pkg/lifecycle"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/burrowhq/burrow/pkg/storage"
	"github.com/rs/zerolog"
)

// batchSize bounds how many records one tick may touch
const batchSize = 8

// destroyedRetention is how long destroyed records are kept for
// inspection before cleanup-old deletes them
const destroyedRetention = 24 * time.Hour

// TokenProvider yields a source-host access token for a user
type TokenProvider interface {
	TokenFor(ctx context.Context, userID string) (string, error)
}

// Scheduler runs the periodic lifecycle tasks
type Scheduler struct {
	store    storage.Store
	backend  hostd.Backend
	machine  *lifecycle.Machine
	branches hostd.BranchChecker
	tokens   TokenProvider
	cfg      *config.Config
	logger   zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler over the given store and host backend
func NewScheduler(store storage.Store, backend hostd.Backend, machine *lifecycle.Machine, branches hostd.BranchChecker, tokens TokenProvider, cfg *config.Config) *Scheduler {
	return &Scheduler{
		store:    store,
		backend:  backend,
		machine:  machine,
		branches: branches,
		tokens:   tokens,
		cfg:      cfg,
		logger:   log.WithComponent("scheduler"),
		stopCh:   make(chan struct{}),
	}
}

type task struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error
}

func (s *Scheduler) tasks() []task {
	return []task{
		{"process-requested", 5 * time.Second, s.processRequested},
		{"check-heartbeats", 30 * time.Second, s.checkHeartbeats},
		{"check-timeouts", 15 * time.Second, s.checkTimeouts},
		{"process-stopping", 10 * time.Second, s.processStopping},
		{"process-unhealthy", 30 * time.Second, s.processUnhealthy},
		{"reconcile", 60 * time.Second, s.reconcile},
		{"cleanup-old", time.Hour, s.cleanupOld},
	}
}

// Start launches one goroutine per task
func (s *Scheduler) Start() {
	for _, t := range s.tasks() {
		s.wg.Add(1)
		go s.runTask(t)
	}
}

// Stop stops all task loops and waits for in-flight ticks
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) runTask(t task) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(t)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) tick(t task) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	start := time.Now()
	err := t.run(ctx)
	metrics.SchedulerTaskDuration.WithLabelValues(t.name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SchedulerTaskErrors.WithLabelValues(t.name).Inc()
		s.logger.Error().Err(err).Str("task", t.name).Msg("task tick failed")
	}
}
