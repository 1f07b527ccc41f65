// Package sweeper periodically re-enqueues items that stopped moving, for
// example after a lost queue message or a crashed worker.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kirillkom/doc-intake/internal/core/domain"
	"github.com/kirillkom/doc-intake/internal/core/ports"
)

// Redriver enqueues the pending stage of an item. usecase.Pipeline
// implements it.
type Redriver interface {
	Redrive(ctx context.Context, item *domain.Item) bool
}

type Config struct {
	// Schedule is a standard 5-field cron expression.
	Schedule   string
	StaleAfter time.Duration
	BatchSize  int
	// RunTimeout bounds one sweep.
	RunTimeout time.Duration
}

type Sweeper struct {
	cfg      Config
	items    ports.ItemRepository
	redriver Redriver
	cron     *cron.Cron
	logger   *slog.Logger
	now      func() time.Time
}

func New(cfg Config, items ports.ItemRepository, redriver Redriver, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "*/1 * * * *"
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = time.Minute
	}
	return &Sweeper{
		cfg:      cfg,
		items:    items,
		redriver: redriver,
		cron:     cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug)))),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.Schedule, s.run); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", s.cfg.Schedule, err)
	}
	s.cron.Start()
	s.logger.Info("sweeper_started", "schedule", s.cfg.Schedule, "stale_after", s.cfg.StaleAfter.String())
	return nil
}

// Stop returns a context that is done once a running sweep has finished.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
	defer cancel()
	if _, err := s.SweepOnce(ctx); err != nil {
		s.logger.Error("sweep_failed", "error", err)
	}
}

// SweepOnce re-drives every item whose last update is older than the stale
// threshold and returns how many were enqueued. Stage guards make a redrive
// of an item that is in fact progressing a no-op.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	stale, err := s.items.ListStale(ctx, s.now().Add(-s.cfg.StaleAfter), s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale items: %w", err)
	}
	redriven := 0
	for _, item := range stale {
		if ctx.Err() != nil {
			break
		}
		if s.redriver.Redrive(ctx, item) {
			redriven++
		}
	}
	if redriven > 0 {
		s.logger.Info("sweep_completed", "stale", len(stale), "redriven", redriven)
	}
	return redriven, nil
}
