package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type RecordKind string

const (
	RecordInvoice         RecordKind = "invoice"
	RecordBankTransaction RecordKind = "bank_transaction"
	RecordExpense         RecordKind = "expense"
	RecordProductList     RecordKind = "product_list"
)

// RecordKindFor maps canonical document types onto promoted record kinds.
func RecordKindFor(dt DocType) (RecordKind, bool) {
	switch dt {
	case DocTypeInvoice:
		return RecordInvoice, true
	case DocTypeBankTransaction:
		return RecordBankTransaction, true
	case DocTypeReceipt:
		return RecordExpense, true
	case DocTypeProductList:
		return RecordProductList, true
	}
	return "", false
}

// RecordLine is a child row of a promoted record (invoice line, product).
type RecordLine struct {
	Position    int                 `json:"position"`
	Description string              `json:"description"`
	SKU         string              `json:"sku,omitempty"`
	Quantity    decimal.NullDecimal `json:"quantity"`
	UnitPrice   decimal.NullDecimal `json:"unit_price"`
	Amount      decimal.NullDecimal `json:"amount"`
	TaxRate     decimal.NullDecimal `json:"tax_rate"`
}

// DomainRecord is what downstream accounting/inventory modules consume.
type DomainRecord struct {
	ID           string              `json:"id"`
	TenantID     string              `json:"tenant_id"`
	Kind         RecordKind          `json:"kind"`
	NaturalKey   string              `json:"natural_key"`
	SourceItemID string              `json:"source_item_id"`
	Currency     string              `json:"currency"`
	Amount       decimal.NullDecimal `json:"amount"`
	Date         *Date               `json:"date,omitempty"`
	Document     CanonicalDocument   `json:"document"`
	Lines        []RecordLine        `json:"lines,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
}

type PromoteOutcome string

const (
	OutcomeCreated PromoteOutcome = "created"
	OutcomeSkipped PromoteOutcome = "skipped"
	OutcomeFailed  PromoteOutcome = "failed"
)

// PromoteResult is returned by every promotion call; callers branch on
// Outcome rather than on errors.
type PromoteResult struct {
	Outcome  PromoteOutcome    `json:"outcome"`
	DomainID string            `json:"domain_id,omitempty"`
	Errors   []ValidationError `json:"errors,omitempty"`
}

func (r PromoteResult) Skipped() bool { return r.Outcome == OutcomeSkipped }
func (r PromoteResult) Created() bool { return r.Outcome == OutcomeCreated }

// ItemPromotionError ties a failed promotion to its source item.
type ItemPromotionError struct {
	ItemID string            `json:"item_id"`
	Errors []ValidationError `json:"errors"`
}

// BatchPromotion aggregates a batch-level promotion run.
type BatchPromotion struct {
	Created    int                  `json:"created"`
	Skipped    int                  `json:"skipped"`
	Errors     int                  `json:"errors"`
	ItemErrors []ItemPromotionError `json:"item_errors,omitempty"`
	Cancelled  bool                 `json:"cancelled,omitempty"`
}

// CorrectionRecord captures a human fix of a classification outcome.
type CorrectionRecord struct {
	ID                  string    `json:"id"`
	TenantID            string    `json:"tenant_id"`
	BatchID             string    `json:"batch_id"`
	ItemIndex           int       `json:"item_index"`
	OriginalDocType     DocType   `json:"original_doc_type"`
	CorrectedDocType    DocType   `json:"corrected_doc_type"`
	ConfidenceAtCorrect float64   `json:"confidence_at_correction"`
	CreatedAt           time.Time `json:"created_at"`
}

// CorrectionStats is the aggregate view of corrections for one tenant.
// Counts are best-effort and need not be linearizable.
type CorrectionStats struct {
	Into map[DocType]int `json:"into"`
	Away map[DocType]int `json:"away"`
}

func NewCorrectionStats() CorrectionStats {
	return CorrectionStats{Into: map[DocType]int{}, Away: map[DocType]int{}}
}

func (s CorrectionStats) Add(rec CorrectionRecord) {
	if rec.OriginalDocType == rec.CorrectedDocType {
		return
	}
	s.Into[rec.CorrectedDocType]++
	s.Away[rec.OriginalDocType]++
}
