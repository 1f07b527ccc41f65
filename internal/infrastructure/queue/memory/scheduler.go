package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kirillkom/doc-intake/internal/core/domain"
	"github.com/kirillkom/doc-intake/internal/core/ports"
)

var ErrStopped = errors.New("scheduler stopped")

type Config struct {
	// FastWorkers bounds concurrent tasks of each non-OCR stage.
	FastWorkers int
	// OCRWorkers bounds concurrent OCR tasks in a pool of their own.
	OCRWorkers int
}

// Scheduler is the in-process queued execution mode: every task runs on its
// own goroutine, gated by a per-stage semaphore, so the OCR pool never
// starves the fast stages.
type Scheduler struct {
	sems     map[domain.Stage]*semaphore.Weighted
	observer ports.PipelineObserver
	logger   *slog.Logger

	mu      sync.Mutex
	handler ports.StageHandler
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	pending atomic.Int64
}

func New(cfg Config, observer ports.PipelineObserver, logger *slog.Logger) *Scheduler {
	if cfg.FastWorkers <= 0 {
		cfg.FastWorkers = 4
	}
	if cfg.OCRWorkers <= 0 {
		cfg.OCRWorkers = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	sems := make(map[domain.Stage]*semaphore.Weighted, len(domain.AllStages))
	for _, stage := range domain.AllStages {
		n := cfg.FastWorkers
		if stage == domain.StageOCR {
			n = cfg.OCRWorkers
		}
		sems[stage] = semaphore.NewWeighted(int64(n))
	}
	return &Scheduler{sems: sems, observer: observer, logger: logger}
}

// Start binds the handler and begins accepting tasks. Handlers run under ctx,
// not under the context passed to Enqueue.
func (s *Scheduler) Start(ctx context.Context, handler ports.StageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.group = &errgroup.Group{}
}

func (s *Scheduler) Enqueue(_ context.Context, task domain.StageTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.group == nil {
		return fmt.Errorf("enqueue %s: scheduler not started", task.Key())
	}
	if s.ctx.Err() != nil {
		return domain.WrapError(domain.ErrTemporary, "enqueue "+task.Key(), ErrStopped)
	}
	sem, ok := s.sems[task.Stage]
	if !ok {
		return domain.WrapError(domain.ErrInvalidInput, "enqueue", fmt.Errorf("unknown stage %q", task.Stage))
	}

	ctx, handler := s.ctx, s.handler
	s.pending.Add(1)
	s.depth(task.Stage, 1)
	s.group.Go(func() error {
		defer s.pending.Add(-1)
		defer s.depth(task.Stage, -1)
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		defer sem.Release(1)
		if err := handler(ctx, task); err != nil {
			s.logger.Error("stage_handler_failed", "item_id", task.ItemID, "stage", task.Stage, "error", err)
		}
		return nil
	})
	return nil
}

// Pending is the number of tasks enqueued but not yet finished.
func (s *Scheduler) Pending() int {
	return int(s.pending.Load())
}

// WaitIdle blocks until no task is pending or ctx is done.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for s.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Stop cancels outstanding tasks and waits for running handlers to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, group := s.cancel, s.group
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	_ = group.Wait()
}

func (s *Scheduler) depth(stage domain.Stage, delta int) {
	if s.observer != nil {
		s.observer.QueueDepth(stage, delta)
	}
}
