package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/doc-intake/internal/core/domain"
	"github.com/kirillkom/doc-intake/internal/core/ports"
)

// Promoter turns canonical documents into domain records with at-most-once
// creation per (tenant, kind, natural key). A duplicate is skipped and never
// merged into the existing record.
type Promoter struct {
	records ports.RecordStore
	logger  *slog.Logger
	now     func() time.Time
}

func NewPromoter(records ports.RecordStore, logger *slog.Logger) *Promoter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Promoter{
		records: records,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (p *Promoter) Promote(ctx context.Context, doc *domain.CanonicalDocument, tenantID, sourceItemID string) domain.PromoteResult {
	if doc == nil {
		return promotionFailure(domain.CodePromotionFailed, "", "document has no canonical payload")
	}
	kind, ok := domain.RecordKindFor(doc.DocType)
	if !ok {
		return promotionFailure(domain.CodeUnclassified, "doc_type", fmt.Sprintf("document type %q cannot be promoted", doc.DocType))
	}
	key, err := NaturalKey(doc)
	if err != nil {
		return promotionFailure(domain.CodeMissingRequiredField, "natural_key", err.Error())
	}

	existing, err := p.records.FindByNaturalKey(ctx, tenantID, kind, key)
	switch {
	case err == nil:
		p.logger.Info("promotion_skipped", "tenant_id", tenantID, "item_id", sourceItemID, "kind", kind, "domain_id", existing.ID)
		return domain.PromoteResult{Outcome: domain.OutcomeSkipped, DomainID: existing.ID}
	case !domain.IsKind(err, domain.ErrNotFound):
		return promotionFailure(domain.CodeTransportError, "", err.Error())
	}

	rec := buildRecord(doc, kind, key, tenantID, sourceItemID)
	rec.ID = uuid.NewString()
	rec.CreatedAt = p.now()

	id, created, err := p.records.CreateIfAbsent(ctx, rec)
	if err != nil {
		p.logger.Error("promotion_failed", "tenant_id", tenantID, "item_id", sourceItemID, "kind", kind, "error", err)
		return promotionFailure(domain.CodePromotionFailed, "", err.Error())
	}
	if !created {
		p.logger.Info("promotion_skipped", "tenant_id", tenantID, "item_id", sourceItemID, "kind", kind, "domain_id", id)
		return domain.PromoteResult{Outcome: domain.OutcomeSkipped, DomainID: id}
	}
	p.logger.Info("promotion_created", "tenant_id", tenantID, "item_id", sourceItemID, "kind", kind, "domain_id", id)
	return domain.PromoteResult{Outcome: domain.OutcomeCreated, DomainID: id}
}

func promotionFailure(code domain.ErrorCode, field, msg string) domain.PromoteResult {
	return domain.PromoteResult{
		Outcome: domain.OutcomeFailed,
		Errors:  []domain.ValidationError{{Code: code, Message: msg, Field: field}},
	}
}

// NaturalKey identifies the business document behind doc. Components are
// trimmed, upper-cased and joined with "|"; amounts use two decimals. When a
// bank, receipt or product list document carries no identifying field at all
// the key falls back to a digest of the document.
func NaturalKey(doc *domain.CanonicalDocument) (string, error) {
	var parts []string
	switch doc.DocType {
	case domain.DocTypeInvoice:
		inv := doc.Invoice
		if inv == nil || strings.TrimSpace(inv.Number) == "" {
			return "", errors.New("invoice number is required for promotion")
		}
		return joinKey(partyKey(inv.Vendor), inv.Number, doc.Currency), nil
	case domain.DocTypeBankTransaction:
		tx := doc.BankTransaction
		if tx == nil {
			return "", errors.New("bank transaction payload is missing")
		}
		parts = []string{tx.StatementID, tx.Reference, amountKey(tx.Amount), dateKey(tx.TransactionDate)}
		if tx.StatementID == "" && tx.Reference == "" {
			parts = append(parts, tx.Description)
		}
	case domain.DocTypeReceipt:
		rc := doc.Receipt
		if rc == nil {
			return "", errors.New("receipt payload is missing")
		}
		parts = []string{partyKey(rc.Merchant), rc.Number, dateKey(rc.IssueDate), amountKey(rc.Totals.Total)}
	case domain.DocTypeProductList:
		pl := doc.ProductList
		if pl == nil {
			return "", errors.New("product list payload is missing")
		}
		parts = []string{partyKey(pl.Supplier), pl.ListID, dateKey(pl.IssueDate)}
		if products := productsKey(pl.Products); products != "" {
			parts = append(parts, products)
		}
	default:
		return "", fmt.Errorf("document type %q has no natural key", doc.DocType)
	}

	if strings.Trim(joinKey(parts...), "|") == "" {
		return digestKey(doc)
	}
	return joinKey(parts...), nil
}

// partyKey prefers the tax id and falls back to the name.
func partyKey(p domain.Party) string {
	if strings.TrimSpace(p.TaxID) != "" {
		return p.TaxID
	}
	return p.Name
}

// productsKey lists the SKU, or the name when there is none, of every
// product so lists from one supplier differ by what they carry.
func productsKey(products []domain.Product) string {
	ids := make([]string, 0, len(products))
	for _, pr := range products {
		id := strings.TrimSpace(pr.SKU)
		if id == "" {
			id = strings.TrimSpace(pr.Name)
		}
		if id != "" {
			ids = append(ids, id)
		}
	}
	return strings.Join(ids, ";")
}

func joinKey(parts ...string) string {
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.ToUpper(strings.TrimSpace(p))
	}
	return strings.Join(out, "|")
}

func amountKey(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.StringFixed(2)
}

func dateKey(d *domain.Date) string {
	if d == nil {
		return ""
	}
	return d.String()
}

func digestKey(doc *domain.CanonicalDocument) (string, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("digest document: %w", err)
	}
	sum := sha256.Sum256(payload)
	return "SHA256:" + hex.EncodeToString(sum[:]), nil
}

func buildRecord(doc *domain.CanonicalDocument, kind domain.RecordKind, key, tenantID, sourceItemID string) *domain.DomainRecord {
	rec := &domain.DomainRecord{
		TenantID:     tenantID,
		Kind:         kind,
		NaturalKey:   key,
		SourceItemID: sourceItemID,
		Currency:     doc.Currency,
		Date:         doc.PrimaryDate(),
		Document:     *doc,
	}
	switch {
	case doc.Invoice != nil:
		rec.Amount = doc.Invoice.Totals.Total
		rec.Lines = recordLines(doc.Invoice.Lines)
	case doc.Receipt != nil:
		rec.Amount = doc.Receipt.Totals.Total
		rec.Lines = recordLines(doc.Receipt.Lines)
	case doc.BankTransaction != nil:
		rec.Amount = doc.BankTransaction.Amount
	case doc.ProductList != nil:
		for i, pr := range doc.ProductList.Products {
			rec.Lines = append(rec.Lines, domain.RecordLine{
				Position:    i + 1,
				Description: pr.Name,
				SKU:         pr.SKU,
				UnitPrice:   pr.UnitPrice,
				TaxRate:     pr.TaxRate,
			})
		}
	}
	return rec
}

func recordLines(lines []domain.LineItem) []domain.RecordLine {
	var out []domain.RecordLine
	for i, l := range lines {
		out = append(out, domain.RecordLine{
			Position:    i + 1,
			Description: l.Description,
			SKU:         l.SKU,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			Amount:      l.Amount,
			TaxRate:     l.TaxRate,
		})
	}
	return out
}

// PromoteBatch promotes every published ready item of the batch. Items
// already promoted are re-run through the promoter and report skipped.
// Cancelling ctx stops dispatching further items; records created so far
// stay in place.
func (s *IngestService) PromoteBatch(ctx context.Context, tenantID, batchID string) (domain.BatchPromotion, error) {
	batch, err := s.tenantBatch(ctx, tenantID, batchID)
	if err != nil {
		return domain.BatchPromotion{}, err
	}
	items, err := s.items.ListItems(ctx, batch.ID)
	if err != nil {
		return domain.BatchPromotion{}, fmt.Errorf("list items: %w", err)
	}

	var (
		summary domain.BatchPromotion
		results = make([]*domain.PromoteResult, len(items))
		g       errgroup.Group
	)
	g.SetLimit(s.promoteWorkers)
	for i, item := range items {
		if !promotable(item) {
			continue
		}
		if ctx.Err() != nil {
			summary.Cancelled = true
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			res := s.promoteItem(ctx, item)
			results[i] = &res
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		summary.Cancelled = true
	}

	for i, res := range results {
		if res == nil {
			continue
		}
		switch res.Outcome {
		case domain.OutcomeCreated:
			summary.Created++
		case domain.OutcomeSkipped:
			summary.Skipped++
		default:
			summary.Errors++
			summary.ItemErrors = append(summary.ItemErrors, domain.ItemPromotionError{ItemID: items[i].ID, Errors: res.Errors})
		}
	}
	s.logger.Info("batch_promoted",
		"batch_id", batch.ID,
		"tenant_id", batch.TenantID,
		"created", summary.Created,
		"skipped", summary.Skipped,
		"errors", summary.Errors,
		"cancelled", summary.Cancelled,
	)
	return summary, nil
}

// promotable items are ready and published, or already promoted.
func promotable(item *domain.Item) bool {
	if item.Canonical == nil {
		return false
	}
	switch item.Status {
	case domain.ItemReady:
		return item.CanonicalKey != ""
	case domain.ItemPromoted:
		return true
	}
	return false
}

func (s *IngestService) promoteItem(ctx context.Context, item *domain.Item) domain.PromoteResult {
	res := s.promoter.Promote(ctx, item.Canonical, item.TenantID, item.ID)
	if res.Outcome == domain.OutcomeFailed || item.Status != domain.ItemReady {
		return res
	}

	promoted := item.Clone()
	promoted.Status = domain.ItemPromoted
	promoted.DomainRecordID = res.DomainID
	promoted.UpdatedAt = s.now()
	if err := s.items.UpdateItem(ctx, promoted, domain.ItemReady); err != nil && !domain.IsKind(err, domain.ErrConflict) {
		// The record exists; the next batch promotion marks the item.
		s.logger.Error("mark_item_promoted_failed", "item_id", item.ID, "domain_id", res.DomainID, "error", err)
	}
	return res
}
