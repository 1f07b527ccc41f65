package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/doc-intake/internal/core/domain"
	"github.com/kirillkom/doc-intake/internal/core/ports"
)

// IngestService is the inbound surface of the pipeline: it creates batches
// and items, reports their state, promotes ready items and takes human
// corrections.
type IngestService struct {
	batches     ports.BatchRepository
	items       ports.ItemRepository
	storage     ports.ObjectStorage
	scheduler   ports.Scheduler
	promoter    ports.DocumentPromoter
	corrections ports.CorrectionStore
	logger      *slog.Logger
	now         func() time.Time

	promoteWorkers int
}

type IngestOption func(*IngestService)

func WithIngestLogger(logger *slog.Logger) IngestOption {
	return func(s *IngestService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithIngestClock(now func() time.Time) IngestOption {
	return func(s *IngestService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithPromoteWorkers bounds concurrent promotions within one batch.
func WithPromoteWorkers(n int) IngestOption {
	return func(s *IngestService) {
		if n > 0 {
			s.promoteWorkers = n
		}
	}
}

func NewIngestService(
	batches ports.BatchRepository,
	items ports.ItemRepository,
	storage ports.ObjectStorage,
	scheduler ports.Scheduler,
	promoter ports.DocumentPromoter,
	corrections ports.CorrectionStore,
	opts ...IngestOption,
) *IngestService {
	s := &IngestService{
		batches:        batches,
		items:          items,
		storage:        storage,
		scheduler:      scheduler,
		promoter:       promoter,
		corrections:    corrections,
		logger:         slog.Default(),
		now:            func() time.Time { return time.Now().UTC() },
		promoteWorkers: 4,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *IngestService) CreateBatch(
	ctx context.Context,
	tenantID string,
	source domain.SourceType,
	origin domain.BatchOrigin,
	fileKey string,
) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return "", domain.WrapError(domain.ErrInvalidInput, "create batch", errors.New("tenant id is required"))
	}
	if source == "" {
		source = domain.SourceGeneric
	}
	switch source {
	case domain.SourceGeneric, domain.SourceInvoices, domain.SourceReceipts, domain.SourceBankTransactions, domain.SourceProducts:
	default:
		return "", domain.WrapError(domain.ErrInvalidInput, "create batch", fmt.Errorf("unknown source type %q", source))
	}
	if origin == "" {
		origin = domain.OriginAPI
	}

	batch := &domain.Batch{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		SourceType: source,
		Origin:     origin,
		FileKey:    fileKey,
		CreatedAt:  s.now(),
	}
	if err := s.batches.CreateBatch(ctx, batch); err != nil {
		return "", fmt.Errorf("create batch: %w", err)
	}
	s.logger.Info("batch_created", "batch_id", batch.ID, "tenant_id", tenantID, "source_type", source, "origin", origin)
	return batch.ID, nil
}

// IngestRows creates one item per row. Rows bypass parser dispatch; a batch
// with a declared source type pins their document type.
func (s *IngestService) IngestRows(ctx context.Context, tenantID, batchID string, rows []map[string]any) ([]string, error) {
	batch, err := s.tenantBatch(ctx, tenantID, batchID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []string{}, nil
	}

	now := s.now()
	items := make([]*domain.Item, 0, len(rows))
	for i, row := range rows {
		raw, err := domain.NewRawFields(row)
		if err != nil {
			return nil, domain.WrapError(domain.ErrInvalidInput, "ingest rows", fmt.Errorf("row %d: %w", i, err))
		}
		items = append(items, &domain.Item{
			ID:        uuid.NewString(),
			BatchID:   batch.ID,
			TenantID:  batch.TenantID,
			ParserID:  "rows",
			Status:    domain.ItemReceived,
			DocType:   batch.SourceType.DocType(),
			RawFields: raw,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	if err := s.register(ctx, batch, items); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return ids, nil
}

// IngestFile stores the bytes and creates a single item for them. Multi-row
// spreadsheets fan out into sibling items during preprocess.
func (s *IngestService) IngestFile(ctx context.Context, tenantID, batchID, filename string, data []byte, mimeType string) (string, error) {
	batch, err := s.tenantBatch(ctx, tenantID, batchID)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	key := RawKey(batch.TenantID, batch.ID, id)
	if err := s.storage.Save(ctx, key, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("save to object storage: %w", err)
	}

	now := s.now()
	item := &domain.Item{
		ID:         id,
		BatchID:    batch.ID,
		TenantID:   batch.TenantID,
		Filename:   sanitizeFilename(filename),
		MimeType:   strings.ToLower(strings.TrimSpace(mimeType)),
		StorageKey: key,
		SizeBytes:  int64(len(data)),
		Status:     domain.ItemReceived,
		DocType:    domain.DocTypeUnknown,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.register(ctx, batch, []*domain.Item{item}); err != nil {
		return "", err
	}
	return item.ID, nil
}

// register persists new items under freshly reserved indexes and enqueues
// preprocess. Enqueue failures are logged only: the items stay received and
// the recovery sweeper picks them up.
func (s *IngestService) register(ctx context.Context, batch *domain.Batch, items []*domain.Item) error {
	if err := s.items.AppendItems(ctx, batch.ID, items); err != nil {
		return fmt.Errorf("append items: %w", err)
	}

	for _, item := range items {
		task := domain.StageTask{ItemID: item.ID, TenantID: item.TenantID, Stage: domain.StagePreprocess}
		if err := s.scheduler.Enqueue(ctx, task); err != nil {
			s.logger.Error("enqueue_preprocess_failed", "item_id", item.ID, "batch_id", batch.ID, "error", err)
		}
	}
	s.logger.Info("items_ingested", "batch_id", batch.ID, "tenant_id", batch.TenantID, "count", len(items))
	return nil
}

func (s *IngestService) GetBatchItems(ctx context.Context, tenantID, batchID string) ([]domain.ItemSummary, error) {
	batch, err := s.tenantBatch(ctx, tenantID, batchID)
	if err != nil {
		return nil, err
	}
	items, err := s.items.ListItems(ctx, batch.ID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	out := make([]domain.ItemSummary, 0, len(items))
	for _, item := range items {
		out = append(out, item.Summary())
	}
	return out, nil
}

// GetBatch returns the batch with its aggregate counters.
func (s *IngestService) GetBatch(ctx context.Context, tenantID, batchID string) (*domain.Batch, error) {
	return s.tenantBatch(ctx, tenantID, batchID)
}

// tenantBatch hides batches of other tenants behind ErrNotFound.
func (s *IngestService) tenantBatch(ctx context.Context, tenantID, batchID string) (*domain.Batch, error) {
	batch, err := s.batches.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.TenantID != tenantID {
		return nil, domain.WrapError(domain.ErrNotFound, "get batch", fmt.Errorf("batch %s", batchID))
	}
	return batch, nil
}

func (s *IngestService) tenantItem(ctx context.Context, tenantID, itemID string) (*domain.Item, error) {
	item, err := s.items.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.TenantID != tenantID {
		return nil, domain.WrapError(domain.ErrNotFound, "get item", fmt.Errorf("item %s", itemID))
	}
	return item, nil
}

func sanitizeFilename(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "." || base == "/" {
		return ""
	}
	base = strings.ReplaceAll(base, " ", "_")
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
}
