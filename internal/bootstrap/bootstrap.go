package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/doc-intake/internal/config"
	"github.com/kirillkom/doc-intake/internal/core/canonical"
	"github.com/kirillkom/doc-intake/internal/core/countrypack"
	"github.com/kirillkom/doc-intake/internal/core/domain"
	"github.com/kirillkom/doc-intake/internal/core/ports"
	"github.com/kirillkom/doc-intake/internal/core/usecase"
	"github.com/kirillkom/doc-intake/internal/infrastructure/antivirus"
	"github.com/kirillkom/doc-intake/internal/infrastructure/classifier"
	"github.com/kirillkom/doc-intake/internal/infrastructure/ocr"
	"github.com/kirillkom/doc-intake/internal/infrastructure/parser"
	"github.com/kirillkom/doc-intake/internal/infrastructure/queue/inline"
	memqueue "github.com/kirillkom/doc-intake/internal/infrastructure/queue/memory"
	natsqueue "github.com/kirillkom/doc-intake/internal/infrastructure/queue/nats"
	"github.com/kirillkom/doc-intake/internal/infrastructure/repository/memory"
	"github.com/kirillkom/doc-intake/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/doc-intake/internal/infrastructure/resilience"
	"github.com/kirillkom/doc-intake/internal/infrastructure/storage/localfs"
	miniostorage "github.com/kirillkom/doc-intake/internal/infrastructure/storage/minio"
	"github.com/kirillkom/doc-intake/internal/infrastructure/sweeper"
	"github.com/kirillkom/doc-intake/internal/infrastructure/tenants"
	"github.com/kirillkom/doc-intake/internal/observability/metrics"
)

type App struct {
	Config  config.Config
	Logger  *slog.Logger
	Metrics *metrics.PipelineMetrics

	Items    ports.ItemRepository
	Pipeline *usecase.Pipeline
	Ingest   *usecase.IngestService
	Sweeper  *sweeper.Sweeper

	inline *inline.Scheduler
	memory *memqueue.Scheduler
	nats   *natsqueue.Scheduler

	closeFn []func()
}

type repositories struct {
	batches     ports.BatchRepository
	items       ports.ItemRepository
	records     ports.RecordStore
	corrections ports.CorrectionStore
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Config: cfg, Logger: logger, Metrics: metrics.NewPipelineMetrics("doc-intake")}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	repos, err := app.openRepositories(ctx)
	if err != nil {
		return nil, err
	}
	app.Items = repos.items

	storageExec := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 100 * time.Millisecond,
		RetryMaxBackoff:     time.Second,
		RetryMultiplier:     2,
		AttemptTimeout:      30 * time.Second,
		BreakerEnabled:      true,
	}, resilience.WithLogger(logger))
	storage, err := app.openStorage(ctx, storageExec)
	if err != nil {
		return nil, err
	}

	packs, err := loadPacks(cfg.CountryPacksPath)
	if err != nil {
		return nil, err
	}
	schema, err := canonical.CompileSchema()
	if err != nil {
		return nil, fmt.Errorf("compile canonical schema: %w", err)
	}
	tenantTable, err := tenants.ParseSettings(cfg.TenantSettings)
	if err != nil {
		return nil, fmt.Errorf("parse TENANT_SETTINGS: %w", err)
	}
	if _, err := packs.Get(cfg.DefaultCountry); err != nil {
		return nil, fmt.Errorf("default country %s: %w", cfg.DefaultCountry, err)
	}

	scheduler, err := app.openScheduler()
	if err != nil {
		return nil, err
	}

	stageExec := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    cfg.StageMaxAttempts,
		RetryInitialBackoff: time.Duration(cfg.StageBackoffMS) * time.Millisecond,
		RetryMaxBackoff:     time.Duration(cfg.StageBackoffMS) * time.Millisecond * 8,
		RetryMultiplier:     2,
		AttemptTimeout:      time.Duration(cfg.StageTimeoutSeconds) * time.Second,
	}, resilience.WithLogger(logger))
	extractor := ocr.NewExtractor(ocr.Config{
		Language:      cfg.OCRLanguage,
		DPI:           cfg.OCRDPI,
		MaxWorkers:    cfg.OCRMaxWorkers,
		RatePerSecond: cfg.OCRRatePerSecond,
		MaxPages:      cfg.MaxPDFPages,
	}, nil, logger)

	app.Pipeline = usecase.NewPipeline(usecase.PipelineConfig{
		MaxFileSizeBytes: cfg.MaxFileSizeBytes(),
		MaxPDFPages:      cfg.MaxPDFPages,
		AllowedMIMETypes: cfg.AllowedMIMETypes,
		AntivirusEnabled: cfg.AntivirusEnabled,
		SecurityBypass:   cfg.SecurityBypass,
	}, usecase.PipelineDeps{
		Batches:    repos.batches,
		Items:      repos.items,
		Storage:    storage,
		Scheduler:  scheduler,
		Executor:   resilience.NewStageExecutor(stageExec),
		Parser:     parser.NewDispatcher(),
		OCR:        extractor,
		Pages:      extractor,
		Fields:     ocr.NewFieldExtractor(),
		Classifier: classifier.New(packs.Keywords(), repos.corrections, classifier.WithLogger(logger)),
		Scanner:    antivirus.NewSignatureScanner(),
		Tenants:    tenants.NewDirectory(cfg.DefaultCountry, tenantTable),
		Packs:      packs,
		Normalizer: canonical.NewNormalizer(packs),
		Validator:  canonical.NewValidator(packs, schema),
		Observer:   app.Metrics,
		Logger:     logger,
	})

	app.Ingest = usecase.NewIngestService(
		repos.batches,
		repos.items,
		storage,
		scheduler,
		usecase.NewPromoter(repos.records, logger),
		repos.corrections,
		usecase.WithIngestLogger(logger),
		usecase.WithPromoteWorkers(cfg.PromoteWorkers),
	)

	app.Sweeper = sweeper.New(sweeper.Config{
		Schedule:   cfg.SweepSchedule,
		StaleAfter: time.Duration(cfg.SweepStaleAfterSeconds) * time.Second,
	}, repos.items, app.Pipeline, logger)

	if app.inline != nil {
		app.inline.SetHandler(app.Pipeline.Handle)
	}
	if app.memory != nil {
		app.memory.Start(ctx, app.Pipeline.Handle)
		app.closeFn = append(app.closeFn, app.memory.Stop)
	}

	ok = true
	return app, nil
}

// openRepositories uses postgres when a DSN is configured and the in-process
// store otherwise.
func (a *App) openRepositories(ctx context.Context) (repositories, error) {
	if a.Config.PostgresDSN == "" {
		if a.Config.ExecutionMode == config.ModeNATS {
			return repositories{}, fmt.Errorf("nats execution mode needs POSTGRES_DSN")
		}
		a.Logger.Warn("postgres_dsn_empty_using_memory_store")
		store := memory.NewStore()
		return repositories{batches: store, items: store, records: store, corrections: store}, nil
	}

	db, err := postgres.OpenDB(a.Config.PostgresDSN)
	if err != nil {
		return repositories{}, fmt.Errorf("open postgres: %w", err)
	}
	a.closeFn = append(a.closeFn, func() { _ = db.Close() })
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		return repositories{}, fmt.Errorf("ensure schema: %w", err)
	}
	return postgresRepositories(db), nil
}

func postgresRepositories(db *sql.DB) repositories {
	return repositories{
		batches:     postgres.NewBatchRepository(db),
		items:       postgres.NewItemRepository(db),
		records:     postgres.NewRecordRepository(db),
		corrections: postgres.NewCorrectionRepository(db),
	}
}

func (a *App) openStorage(ctx context.Context, exec *resilience.Executor) (ports.ObjectStorage, error) {
	switch a.Config.StorageBackend {
	case "minio":
		s, err := miniostorage.New(ctx, miniostorage.Config{
			Endpoint:  a.Config.MinioEndpoint,
			AccessKey: a.Config.MinioAccessKey,
			SecretKey: a.Config.MinioSecretKey,
			Bucket:    a.Config.MinioBucket,
			UseSSL:    a.Config.MinioUseSSL,
		}, exec)
		if err != nil {
			return nil, fmt.Errorf("init minio storage: %w", err)
		}
		return s, nil
	case "", "localfs":
		s, err := localfs.New(a.Config.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("init object storage: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown STORAGE_BACKEND %q", a.Config.StorageBackend)
}

func (a *App) openScheduler() (ports.Scheduler, error) {
	switch a.Config.ExecutionMode {
	case config.ModeInline:
		a.inline = inline.New()
		return a.inline, nil
	case config.ModeMemory:
		a.memory = memqueue.New(memqueue.Config{
			FastWorkers: a.Config.FastStageWorkers,
			OCRWorkers:  a.Config.OCRMaxWorkers,
		}, a.Metrics, a.Logger)
		return a.memory, nil
	case config.ModeNATS:
		q, err := natsqueue.NewWithOptions(a.Config.NATSURL, a.Config.NATSSubjectPrefix, natsqueue.Options{
			ResilienceExecutor: resilience.NewExecutor(resilience.DefaultConfig(), resilience.WithLogger(a.Logger)),
			Observer:           a.Metrics,
			Logger:             a.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("init message queue: %w", err)
		}
		a.nats = q
		a.closeFn = append(a.closeFn, q.Close)
		return q, nil
	}
	return nil, fmt.Errorf("unknown EXECUTION_MODE %q", a.Config.ExecutionMode)
}

func loadPacks(path string) (*countrypack.Registry, error) {
	if path == "" {
		packs, err := countrypack.Default()
		if err != nil {
			return nil, fmt.Errorf("load built-in country packs: %w", err)
		}
		return packs, nil
	}
	packs, err := countrypack.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load country packs %s: %w", path, err)
	}
	return packs, nil
}

// RunWorkers consumes stage tasks until ctx is cancelled. Inline mode has no
// consumers; stages run inside Enqueue.
func (a *App) RunWorkers(ctx context.Context) error {
	if a.nats == nil {
		<-ctx.Done()
		return nil
	}
	workers := make(map[domain.Stage]int, len(domain.AllStages))
	for _, stage := range domain.AllStages {
		workers[stage] = a.Config.FastStageWorkers
	}
	workers[domain.StageOCR] = a.Config.OCRMaxWorkers
	return a.nats.Run(ctx, a.Pipeline.Handle, workers)
}

// WaitIdle blocks until the in-process queue has drained. It returns at once
// in the other modes.
func (a *App) WaitIdle(ctx context.Context) error {
	if a.memory == nil {
		return nil
	}
	return a.memory.WaitIdle(ctx)
}

func (a *App) Close() {
	for i := len(a.closeFn) - 1; i >= 0; i-- {
		a.closeFn[i]()
	}
	a.closeFn = nil
}
