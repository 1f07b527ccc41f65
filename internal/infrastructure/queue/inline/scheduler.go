package inline

import (
	"context"
	"errors"
	"sync"

	"github.com/kirillkom/doc-intake/internal/core/domain"
	"github.com/kirillkom/doc-intake/internal/core/ports"
)

// Scheduler runs stage tasks in the caller's goroutine. Each Enqueue from
// outside the pipeline starts its own drain and returns only after the whole
// task graph it started has finished. Tasks enqueued by a handler with the
// context it was given join that drain's FIFO; concurrent outside callers
// drain concurrently and never wait on each other's tasks.
type Scheduler struct {
	mu      sync.Mutex
	handler ports.StageHandler
}

type drainKey struct {
	s *Scheduler
}

type drain struct {
	mu    sync.Mutex
	queue []domain.StageTask
}

func (d *drain) push(task domain.StageTask) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, task)
}

func (d *drain) pop() (domain.StageTask, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return domain.StageTask{}, false
	}
	next := d.queue[0]
	d.queue = d.queue[1:]
	return next, true
}

func New() *Scheduler {
	return &Scheduler{}
}

// SetHandler binds the stage handler. It must be called before Enqueue.
func (s *Scheduler) SetHandler(handler ports.StageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

func (s *Scheduler) Enqueue(ctx context.Context, task domain.StageTask) error {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler == nil {
		return errors.New("inline scheduler has no handler")
	}

	if d, ok := ctx.Value(drainKey{s}).(*drain); ok {
		d.push(task)
		return nil
	}

	d := &drain{queue: []domain.StageTask{task}}
	drainCtx := context.WithValue(ctx, drainKey{s}, d)
	var errs error
	for {
		next, ok := d.pop()
		if !ok {
			return errs
		}
		if err := handler(drainCtx, next); err != nil {
			errs = errors.Join(errs, err)
		}
	}
}
