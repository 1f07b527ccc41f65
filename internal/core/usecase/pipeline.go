package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kirillkom/doc-intake/internal/core/canonical"
	"github.com/kirillkom/doc-intake/internal/core/countrypack"
	"github.com/kirillkom/doc-intake/internal/core/domain"
	"github.com/kirillkom/doc-intake/internal/core/ports"
)

const tracerName = "github.com/kirillkom/doc-intake/internal/core/usecase"

// PipelineConfig holds the preprocess gate limits.
type PipelineConfig struct {
	MaxFileSizeBytes int64
	MaxPDFPages      int
	AllowedMIMETypes []string
	AntivirusEnabled bool
	// SecurityBypass skips every preprocess gate. Development only.
	SecurityBypass bool
}

// PipelineDeps are the collaborators of the stage orchestrator. Scanner,
// Pages and Observer may be nil.
type PipelineDeps struct {
	Batches    ports.BatchRepository
	Items      ports.ItemRepository
	Storage    ports.ObjectStorage
	Scheduler  ports.Scheduler
	Executor   ports.StageExecutor
	Parser     ports.RecordParser
	OCR        ports.TextExtractor
	Pages      ports.PageCounter
	Fields     ports.FieldExtractor
	Classifier ports.DocumentClassifier
	Scanner    ports.MalwareScanner
	Tenants    ports.TenantDirectory
	Packs      *countrypack.Registry
	Normalizer *canonical.Normalizer
	Validator  *canonical.Validator
	Observer   ports.PipelineObserver
	Logger     *slog.Logger
	Now        func() time.Time
}

// stageOutcome is what a stage hands back to the orchestrator for the
// post-commit phase.
type stageOutcome struct {
	next     domain.Stage
	spawned  []*domain.Item
	finished bool
}

type stageFunc func(ctx context.Context, item *domain.Item) (stageOutcome, error)

// Pipeline drives items through preprocess, ocr, classify, normalize,
// validate and publish. Every stage re-reads the item, checks the status
// guard, runs under the stage executor and commits with a compare-and-set on
// the status it started from, so duplicate or out-of-order deliveries are
// no-ops. Stage failures end as item transitions and are never returned to
// the scheduler.
type Pipeline struct {
	cfg      PipelineConfig
	deps     PipelineDeps
	allowed  map[string]bool
	stages   map[domain.Stage]stageFunc
	observer ports.PipelineObserver
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func NewPipeline(cfg PipelineConfig, deps PipelineDeps) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		deps:     deps,
		allowed:  make(map[string]bool, len(cfg.AllowedMIMETypes)),
		observer: deps.Observer,
		logger:   deps.Logger,
		tracer:   otel.Tracer(tracerName),
		now:      deps.Now,
	}
	for _, m := range cfg.AllowedMIMETypes {
		p.allowed[m] = true
	}
	if p.observer == nil {
		p.observer = nopObserver{}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.now == nil {
		p.now = func() time.Time { return time.Now().UTC() }
	}
	p.stages = map[domain.Stage]stageFunc{
		domain.StagePreprocess: p.preprocess,
		domain.StageOCR:        p.ocr,
		domain.StageClassify:   p.classify,
		domain.StageNormalize:  p.normalize,
		domain.StageValidate:   p.validate,
		domain.StagePublish:    p.publish,
	}
	if cfg.SecurityBypass {
		p.logger.Error("security bypass enabled: preprocess size, type, page and antivirus checks are disabled; never run like this in production")
	}
	return p
}

// Accepts reports whether stage may act on item in its current state.
func Accepts(stage domain.Stage, item *domain.Item) bool {
	switch stage {
	case domain.StagePreprocess:
		return item.Status == domain.ItemReceived || item.Status == domain.ItemPreprocessing
	case domain.StageOCR:
		return item.Status == domain.ItemOCRPending
	case domain.StageClassify:
		return item.Status == domain.ItemClassifying
	case domain.StageNormalize:
		return item.Status == domain.ItemNormalizing
	case domain.StageValidate:
		return item.Status == domain.ItemValidating
	case domain.StagePublish:
		return item.Status == domain.ItemReady && item.CanonicalKey == ""
	}
	return false
}

// NextStage is the stage a non-terminal item waits for, or "" when nothing is
// pending.
func NextStage(item *domain.Item) domain.Stage {
	switch item.Status {
	case domain.ItemReceived, domain.ItemPreprocessing:
		return domain.StagePreprocess
	case domain.ItemOCRPending:
		return domain.StageOCR
	case domain.ItemClassifying:
		return domain.StageClassify
	case domain.ItemNormalizing:
		return domain.StageNormalize
	case domain.ItemValidating:
		return domain.StageValidate
	case domain.ItemReady:
		if item.CanonicalKey == "" {
			return domain.StagePublish
		}
	}
	return ""
}

// Handle implements ports.StageHandler.
func (p *Pipeline) Handle(ctx context.Context, task domain.StageTask) error {
	run, ok := p.stages[task.Stage]
	if !ok {
		p.logger.Error("unknown_stage", "item_id", task.ItemID, "stage", task.Stage)
		return nil
	}

	item, err := p.deps.Items.GetItem(ctx, task.ItemID)
	if err != nil {
		if domain.IsKind(err, domain.ErrNotFound) {
			p.logger.Warn("stage_item_missing", "item_id", task.ItemID, "stage", task.Stage)
			return nil
		}
		return fmt.Errorf("load item %s: %w", task.ItemID, err)
	}
	if !Accepts(task.Stage, item) {
		p.logger.Debug("stage_skipped",
			"item_id", item.ID,
			"stage", task.Stage,
			"status", item.Status,
		)
		return nil
	}

	if task.Stage == domain.StagePreprocess && item.Status == domain.ItemReceived {
		claimed := item.Clone()
		claimed.Status = domain.ItemPreprocessing
		claimed.UpdatedAt = p.now()
		if err := p.deps.Items.UpdateItem(ctx, claimed, domain.ItemReceived); err != nil {
			if domain.IsKind(err, domain.ErrConflict) {
				return nil
			}
			return fmt.Errorf("claim item %s: %w", item.ID, err)
		}
		item = claimed
	}

	return p.execute(ctx, task.Stage, run, item)
}

func (p *Pipeline) execute(ctx context.Context, stage domain.Stage, run stageFunc, item *domain.Item) error {
	expected := item.Status
	started := time.Now()
	p.observer.StageStarted(stage)

	ctx, span := p.tracer.Start(ctx, "pipeline."+string(stage), trace.WithAttributes(
		attribute.String("item.id", item.ID),
		attribute.String("batch.id", item.BatchID),
		attribute.String("tenant.id", item.TenantID),
	))
	defer span.End()

	var (
		out      *domain.Item
		outcome  stageOutcome
		attempts int
	)
	err := p.deps.Executor.Run(ctx, "stage."+string(stage), func(ctx context.Context, attempt int) error {
		attempts = attempt
		work := item.Clone()
		res, err := run(ctx, work)
		if err != nil {
			return err
		}
		out, outcome = work, res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		se, ok := domain.AsStageError(err)
		if !ok {
			p.observer.StageFinished(item.TenantID, stage, item.DocType, "interrupted", time.Since(started))
			p.logger.Warn("stage_interrupted",
				"item_id", item.ID,
				"stage", stage,
				"attempt", attempts,
				"error", err,
			)
			return nil
		}
		p.observer.StageFinished(item.TenantID, stage, item.DocType, "failed", time.Since(started))
		return p.failItem(ctx, item, expected, stage, attempts, se)
	}

	if out.Attempts == nil {
		out.Attempts = map[domain.Stage]int{}
	}
	out.Attempts[stage] = attempts
	out.UpdatedAt = p.now()
	if err := p.deps.Items.UpdateItem(ctx, out, expected); err != nil {
		if domain.IsKind(err, domain.ErrConflict) {
			p.logger.Debug("stage_commit_lost", "item_id", item.ID, "stage", stage)
			return nil
		}
		return fmt.Errorf("commit stage %s for item %s: %w", stage, item.ID, err)
	}
	p.observer.StageFinished(out.TenantID, stage, out.DocType, "ok", time.Since(started))
	p.logger.Info("stage_completed",
		"item_id", out.ID,
		"batch_id", out.BatchID,
		"tenant_id", out.TenantID,
		"stage", stage,
		"attempt", attempts,
		"status", out.Status,
	)

	if outcome.finished {
		p.observer.ItemFinished(out.TenantID, out.DocType, out.Status)
		p.bumpCounters(ctx, out, domain.BatchCounters{Processed: 1})
	}
	for _, child := range outcome.spawned {
		p.enqueue(ctx, child, domain.StagePreprocess)
	}
	if outcome.next != "" {
		p.enqueue(ctx, out, outcome.next)
	}
	return nil
}

func (p *Pipeline) failItem(ctx context.Context, item *domain.Item, expected domain.ItemStatus, stage domain.Stage, attempts int, se *domain.StageError) error {
	failed := item.Clone()
	failed.Status = domain.ItemFailed
	failed.Errors = se.AsIssues()
	if failed.Canonical != nil {
		failed.Draft = failed.Canonical
		failed.Canonical = nil
	}
	if failed.Attempts == nil {
		failed.Attempts = map[domain.Stage]int{}
	}
	failed.Attempts[stage] = attempts
	failed.UpdatedAt = p.now()

	if err := p.deps.Items.UpdateItem(ctx, failed, expected); err != nil {
		if domain.IsKind(err, domain.ErrConflict) {
			return nil
		}
		return fmt.Errorf("mark item %s failed: %w", item.ID, err)
	}

	p.logger.Warn("item_failed",
		"item_id", item.ID,
		"batch_id", item.BatchID,
		"tenant_id", item.TenantID,
		"stage", stage,
		"attempt", attempts,
		"code", se.Code,
		"error", se,
	)
	p.observer.StageFailed(item.TenantID, stage, se.Code)
	p.observer.ItemFinished(item.TenantID, item.DocType, domain.ItemFailed)
	p.bumpCounters(ctx, failed, domain.BatchCounters{Failed: 1})
	return nil
}

// enqueue failures leave the item in a waiting status; the recovery sweeper
// re-drives it.
func (p *Pipeline) enqueue(ctx context.Context, item *domain.Item, stage domain.Stage) {
	task := domain.StageTask{ItemID: item.ID, TenantID: item.TenantID, Stage: stage}
	if err := p.deps.Scheduler.Enqueue(ctx, task); err != nil {
		p.logger.Error("stage_enqueue_failed",
			"item_id", item.ID,
			"stage", stage,
			"error", err,
		)
	}
}

func (p *Pipeline) bumpCounters(ctx context.Context, item *domain.Item, delta domain.BatchCounters) {
	if err := p.deps.Batches.IncrementCounters(ctx, item.BatchID, delta); err != nil {
		p.logger.Error("batch_counters_failed", "batch_id", item.BatchID, "error", err)
		return
	}
	batch, err := p.deps.Batches.GetBatch(ctx, item.BatchID)
	if err != nil {
		return
	}
	p.observer.BatchProgress(batch.TenantID, batch.ID, batch.Counters)
}

// Redrive enqueues the pending stage of item, if any. The recovery sweeper
// calls it for stale items.
func (p *Pipeline) Redrive(ctx context.Context, item *domain.Item) bool {
	stage := NextStage(item)
	if stage == "" {
		return false
	}
	p.enqueue(ctx, item, stage)
	return true
}

type nopObserver struct{}

func (nopObserver) StageStarted(domain.Stage) {}
func (nopObserver) StageFinished(string, domain.Stage, domain.DocType, string, time.Duration) {}
func (nopObserver) StageFailed(string, domain.Stage, domain.ErrorCode) {}
func (nopObserver) OCRObserved(string, time.Duration, error) {}
func (nopObserver) ItemFinished(string, domain.DocType, domain.ItemStatus) {}
func (nopObserver) QueueDepth(domain.Stage, int) {}
func (nopObserver) BatchProgress(string, string, domain.BatchCounters) {}
