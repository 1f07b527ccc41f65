package ports

import (
	"context"

	"github.com/kirillkom/doc-intake/internal/core/domain"
)

// BatchIngestor is the inbound contract consumed by the HTTP/storage layer.
type BatchIngestor interface {
	CreateBatch(ctx context.Context, tenantID string, source domain.SourceType, origin domain.BatchOrigin, fileKey string) (string, error)
	IngestRows(ctx context.Context, tenantID, batchID string, rows []map[string]any) ([]string, error)
	IngestFile(ctx context.Context, tenantID, batchID, filename string, data []byte, mimeType string) (string, error)
	GetBatchItems(ctx context.Context, tenantID, batchID string) ([]domain.ItemSummary, error)
}

// BatchPromoter converts ready items into domain records.
type BatchPromoter interface {
	PromoteBatch(ctx context.Context, tenantID, batchID string) (domain.BatchPromotion, error)
}

// DocumentPromoter promotes one canonical document.
type DocumentPromoter interface {
	Promote(ctx context.Context, doc *domain.CanonicalDocument, tenantID, sourceItemID string) domain.PromoteResult
}

// CorrectionService accepts human fixes for classification and item data.
type CorrectionService interface {
	RecordCorrection(ctx context.Context, tenantID, itemID string, corrected domain.DocType) error
	ResubmitItem(ctx context.Context, tenantID, itemID string, docType domain.DocType, raw map[string]any) error
}
