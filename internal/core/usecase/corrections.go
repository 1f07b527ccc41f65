package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/kirillkom/doc-intake/internal/core/domain"
)

// RecordCorrection stores a human fix of the item's classification. The
// classifier picks it up through the tenant's correction stats.
func (s *IngestService) RecordCorrection(ctx context.Context, tenantID, itemID string, corrected domain.DocType) error {
	item, err := s.tenantItem(ctx, tenantID, itemID)
	if err != nil {
		return err
	}
	if _, ok := domain.RecordKindFor(corrected); !ok {
		return domain.WrapError(domain.ErrInvalidInput, "record correction", fmt.Errorf("cannot correct into %q", corrected))
	}
	return s.appendCorrection(ctx, item, item.DocType, corrected)
}

func (s *IngestService) appendCorrection(ctx context.Context, item *domain.Item, original, corrected domain.DocType) error {
	rec := domain.CorrectionRecord{
		ID:                  uuid.NewString(),
		TenantID:            item.TenantID,
		BatchID:             item.BatchID,
		ItemIndex:           item.Index,
		OriginalDocType:     original,
		CorrectedDocType:    corrected,
		ConfidenceAtCorrect: item.Confidence,
		CreatedAt:           s.now(),
	}
	if err := s.corrections.Append(ctx, rec); err != nil {
		return fmt.Errorf("append correction: %w", err)
	}
	s.logger.Info("correction_recorded",
		"item_id", item.ID,
		"tenant_id", item.TenantID,
		"original", original,
		"corrected", corrected,
	)
	return nil
}

// ResubmitItem replaces the raw fields and document type of a failed item and
// re-enters it at normalizing. An empty docType keeps the current type; empty
// raw keeps the current fields. A changed type is recorded as a correction.
func (s *IngestService) ResubmitItem(ctx context.Context, tenantID, itemID string, docType domain.DocType, raw map[string]any) error {
	item, err := s.tenantItem(ctx, tenantID, itemID)
	if err != nil {
		return err
	}
	if item.Status != domain.ItemFailed {
		return domain.WrapError(domain.ErrConflict, "resubmit item", fmt.Errorf("item %s is %s, only failed items can be resubmitted", item.ID, item.Status))
	}
	if docType == "" {
		docType = item.DocType
	}
	if _, ok := domain.RecordKindFor(docType); !ok {
		return domain.WrapError(domain.ErrInvalidInput, "resubmit item", fmt.Errorf("document type %q cannot be normalized", docType))
	}

	next := item.Clone()
	if len(raw) > 0 {
		fields, err := domain.NewRawFields(raw)
		if err != nil {
			return err
		}
		next.RawFields = fields
	}
	if len(next.RawFields) == 0 {
		return domain.WrapError(domain.ErrInvalidInput, "resubmit item", errors.New("item has no raw fields to normalize"))
	}
	next.DocType = docType
	next.Status = domain.ItemNormalizing
	next.Errors = nil
	next.Draft = nil
	next.Canonical = nil
	next.CanonicalKey = ""
	next.DomainRecordID = ""
	next.UpdatedAt = s.now()
	if err := s.items.UpdateItem(ctx, next, domain.ItemFailed); err != nil {
		return fmt.Errorf("resubmit item: %w", err)
	}

	if err := s.batches.IncrementCounters(ctx, item.BatchID, domain.BatchCounters{Failed: -1}); err != nil {
		s.logger.Error("batch_counters_failed", "batch_id", item.BatchID, "error", err)
	}
	if item.DocType != docType && item.DocType != domain.DocTypeUnknown && item.DocType != "" {
		if err := s.appendCorrection(ctx, item, item.DocType, docType); err != nil {
			s.logger.Error("correction_append_failed", "item_id", item.ID, "error", err)
		}
	}

	task := domain.StageTask{ItemID: next.ID, TenantID: next.TenantID, Stage: domain.StageNormalize}
	if err := s.scheduler.Enqueue(ctx, task); err != nil {
		s.logger.Error("enqueue_normalize_failed", "item_id", next.ID, "error", err)
	}
	s.logger.Info("item_resubmitted", "item_id", next.ID, "tenant_id", next.TenantID, "doc_type", docType)
	return nil
}
