package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/doc-intake/internal/core/domain"
)

// BatchRepository persists batches and their aggregate counters.
type BatchRepository interface {
	CreateBatch(ctx context.Context, batch *domain.Batch) error
	GetBatch(ctx context.Context, id string) (*domain.Batch, error)
	// IncrementCounters applies deltas atomically; it never rewrites the batch.
	IncrementCounters(ctx context.Context, batchID string, delta domain.BatchCounters) error
}

// ItemRepository persists pipeline items.
type ItemRepository interface {
	// AppendItems reserves consecutive indexes after the batch's current total,
	// stamps them on items, inserts the items and raises the total, all in one
	// unit of work. Concurrent appends to one batch never share an index.
	AppendItems(ctx context.Context, batchID string, items []*domain.Item) error
	// CreateItems inserts items of batchID, ignoring ids that already exist, and
	// raises the batch total by the number inserted in the same unit of work.
	// Items keep the Index they carry.
	CreateItems(ctx context.Context, batchID string, items []*domain.Item) (int, error)
	GetItem(ctx context.Context, id string) (*domain.Item, error)
	ListItems(ctx context.Context, batchID string) ([]*domain.Item, error)
	// UpdateItem writes item only if the stored status still equals expected and
	// the stored version equals item.Version, otherwise it returns an error of
	// kind domain.ErrConflict. On success item.Version is incremented.
	UpdateItem(ctx context.Context, item *domain.Item, expected domain.ItemStatus) error
	ListStale(ctx context.Context, updatedBefore time.Time, limit int) ([]*domain.Item, error)
}

// RecordStore holds promoted domain records, unique per (tenant, kind, natural key).
type RecordStore interface {
	// CreateIfAbsent inserts rec and its lines atomically. When a record with the
	// same natural key exists it returns that id and created=false untouched.
	CreateIfAbsent(ctx context.Context, rec *domain.DomainRecord) (id string, created bool, err error)
	FindByNaturalKey(ctx context.Context, tenantID string, kind domain.RecordKind, naturalKey string) (*domain.DomainRecord, error)
}

// CorrectionStore is the append-mostly learning store.
type CorrectionStore interface {
	Append(ctx context.Context, rec domain.CorrectionRecord) error
	Stats(ctx context.Context, tenantID string) (domain.CorrectionStats, error)
}

// ObjectStorage stores raw uploads and canonical JSON artefacts.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// Scheduler enqueues stage tasks. Inline and queued implementations must be
// interchangeable.
type Scheduler interface {
	Enqueue(ctx context.Context, task domain.StageTask) error
}

// StageHandler executes one delivered task. Implementations never surface
// stage failures; a returned error means the task could not be handled at all.
type StageHandler func(ctx context.Context, task domain.StageTask) error

// StageExecutor runs one stage with bounded retries, backoff and a per-attempt
// timeout. A non-nil error is either a *domain.StageError describing the last
// attempt or the caller's context error.
type StageExecutor interface {
	Run(ctx context.Context, operation string, fn func(ctx context.Context, attempt int) error) error
}

// RecordParser selects a parser for an uploaded file and turns structured
// formats into candidate records.
type RecordParser interface {
	SelectParser(data []byte, filename, declaredMIME string) (domain.ParserSelection, error)
	ParseRecords(data []byte, sel domain.ParserSelection) ([]domain.RawFields, error)
}

// TextExtractor is the black-box OCR engine.
type TextExtractor interface {
	Extract(ctx context.Context, item *domain.Item, data []byte) (domain.OCRResult, error)
}

// PageCounter reports the page count of paged documents such as PDFs.
type PageCounter interface {
	CountPages(data []byte) (int, error)
}

// FieldExtractor turns OCR text into raw fields.
type FieldExtractor interface {
	ExtractFields(text string) domain.RawFields
}

// DocumentClassifier assigns a document type with confidence. Rule-based and
// learned classifiers share this contract.
type DocumentClassifier interface {
	Classify(ctx context.Context, tenantID, text string) (domain.Classification, error)
}

// ScoringStrategy turns per-type evidence into a classification. The rule
// based classifier delegates here so a learned model can replace the formula
// without changing DocumentClassifier callers.
type ScoringStrategy interface {
	Score(evidence map[domain.DocType]float64, corrections domain.CorrectionStats) domain.Classification
}

// MalwareScanner inspects uploads before heavier stages run.
type MalwareScanner interface {
	Scan(ctx context.Context, data []byte) (clean bool, signature string, err error)
}

// TenantDirectory resolves per-tenant validation settings.
type TenantDirectory interface {
	Settings(ctx context.Context, tenantID string) (domain.TenantSettings, error)
}

// PipelineObserver is the metrics sink.
type PipelineObserver interface {
	StageStarted(stage domain.Stage)
	StageFinished(tenantID string, stage domain.Stage, docType domain.DocType, status string, duration time.Duration)
	StageFailed(tenantID string, stage domain.Stage, code domain.ErrorCode)
	OCRObserved(tenantID string, duration time.Duration, err error)
	ItemFinished(tenantID string, docType domain.DocType, status domain.ItemStatus)
	QueueDepth(stage domain.Stage, delta int)
	BatchProgress(tenantID, batchID string, counters domain.BatchCounters)
}
