package domain

import "time"

type BatchOrigin string

const (
	OriginAPI             BatchOrigin = "api"
	OriginLegacyMigration BatchOrigin = "legacy_migration"
)

// SourceType is the declared family of documents in a batch. It doubles as the
// dispatch hint for structured sources ("invoices", "bank_transactions", ...).
type SourceType string

const (
	SourceGeneric          SourceType = "generic"
	SourceInvoices         SourceType = "invoices"
	SourceReceipts         SourceType = "receipts"
	SourceBankTransactions SourceType = "bank_transactions"
	SourceProducts         SourceType = "products"
)

// DocType returns the canonical document type implied by the source, or
// DocTypeUnknown for generic sources that still need classification.
func (s SourceType) DocType() DocType {
	switch s {
	case SourceInvoices:
		return DocTypeInvoice
	case SourceReceipts:
		return DocTypeReceipt
	case SourceBankTransactions:
		return DocTypeBankTransaction
	case SourceProducts:
		return DocTypeProductList
	default:
		return DocTypeUnknown
	}
}

type BatchCounters struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

type Batch struct {
	ID         string        `json:"id"`
	TenantID   string        `json:"tenant_id"`
	SourceType SourceType    `json:"source_type"`
	Origin     BatchOrigin   `json:"origin"`
	FileKey    string        `json:"file_key,omitempty"`
	Counters   BatchCounters `json:"counters"`
	CreatedAt  time.Time     `json:"created_at"`
}

type ItemStatus string

const (
	ItemReceived      ItemStatus = "received"
	ItemPreprocessing ItemStatus = "preprocessing"
	ItemOCRPending    ItemStatus = "ocr_pending"
	ItemClassifying   ItemStatus = "classifying"
	ItemNormalizing   ItemStatus = "normalizing"
	ItemValidating    ItemStatus = "validating"
	ItemReady         ItemStatus = "ready"
	ItemPromoted      ItemStatus = "promoted"
	ItemFailed        ItemStatus = "failed"
)

var statusRank = map[ItemStatus]int{
	ItemReceived:      0,
	ItemPreprocessing: 1,
	ItemOCRPending:    2,
	ItemClassifying:   3,
	ItemNormalizing:   4,
	ItemValidating:    5,
	ItemReady:         6,
	ItemPromoted:      7,
}

func (s ItemStatus) Terminal() bool {
	return s == ItemPromoted || s == ItemFailed
}

// AtOrBeyond reports whether s has progressed to at least other on the happy
// path. Failed is off-path and never at-or-beyond anything.
func (s ItemStatus) AtOrBeyond(other ItemStatus) bool {
	a, ok := statusRank[s]
	if !ok {
		return false
	}
	b, ok := statusRank[other]
	if !ok {
		return false
	}
	return a >= b
}

// FragmentClassification is the per-fragment result for multi-document files.
type FragmentClassification struct {
	Index      int     `json:"index"`
	DocType    DocType `json:"doc_type"`
	Confidence float64 `json:"confidence"`
}

type Item struct {
	ID       string `json:"id"`
	BatchID  string `json:"batch_id"`
	TenantID string `json:"tenant_id"`
	Index    int    `json:"index"`
	Row      int    `json:"row,omitempty"`
	ParentID string `json:"parent_id,omitempty"`

	Filename   string `json:"filename,omitempty"`
	MimeType   string `json:"mime_type,omitempty"`
	StorageKey string `json:"storage_key,omitempty"`
	SizeBytes  int64  `json:"size_bytes"`

	Status     ItemStatus `json:"status"`
	DocType    DocType    `json:"doc_type"`
	Confidence float64    `json:"confidence"`
	ParserID   string     `json:"parser_id,omitempty"`

	RawFields RawFields                `json:"raw_fields,omitempty"`
	LineRows  []RawFields              `json:"line_rows,omitempty"`
	Text      string                   `json:"text,omitempty"`
	Fragments []FragmentClassification `json:"fragments,omitempty"`

	// Draft holds the normalized document while it is being validated; it is
	// promoted to Canonical only when the item reaches ready.
	Draft        *CanonicalDocument `json:"draft,omitempty"`
	Canonical    *CanonicalDocument `json:"canonical,omitempty"`
	CanonicalKey string             `json:"canonical_key,omitempty"`

	Errors         []ValidationError `json:"errors"`
	Attempts       map[Stage]int     `json:"attempts,omitempty"`
	DomainRecordID string            `json:"domain_record_id,omitempty"`

	// Version is bumped by every successful write; see ItemRepository.UpdateItem.
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasFile reports whether the item came from the binary-source path.
func (i *Item) HasFile() bool {
	return i.StorageKey != ""
}

// DocumentRows returns the header row followed by LineRows, the further rows
// of a structured file folded into this item's document.
func (i *Item) DocumentRows() []RawFields {
	return append([]RawFields{i.RawFields}, i.LineRows...)
}

// Clone returns a deep-enough copy for optimistic updates.
func (i *Item) Clone() *Item {
	out := *i
	if i.RawFields != nil {
		out.RawFields = i.RawFields.Clone()
	}
	if i.LineRows != nil {
		out.LineRows = make([]RawFields, len(i.LineRows))
		for n, row := range i.LineRows {
			out.LineRows[n] = row.Clone()
		}
	}
	out.Errors = append([]ValidationError(nil), i.Errors...)
	out.Fragments = append([]FragmentClassification(nil), i.Fragments...)
	if i.Attempts != nil {
		out.Attempts = make(map[Stage]int, len(i.Attempts))
		for k, v := range i.Attempts {
			out.Attempts[k] = v
		}
	}
	return &out
}

// ItemSummary is the externally exposed shape of an item.
type ItemSummary struct {
	ID         string             `json:"id"`
	Status     ItemStatus         `json:"status"`
	DocType    DocType            `json:"doc_type"`
	Confidence float64            `json:"confidence"`
	Canonical  *CanonicalDocument `json:"canonical"`
	Errors     []ValidationError  `json:"errors"`
}

func (i *Item) Summary() ItemSummary {
	errs := i.Errors
	if errs == nil {
		errs = []ValidationError{}
	}
	return ItemSummary{
		ID:         i.ID,
		Status:     i.Status,
		DocType:    i.DocType,
		Confidence: i.Confidence,
		Canonical:  i.Canonical,
		Errors:     errs,
	}
}

// Stage names one discrete unit of pipeline work.
type Stage string

const (
	StagePreprocess Stage = "preprocess"
	StageOCR        Stage = "ocr"
	StageClassify   Stage = "classify"
	StageNormalize  Stage = "normalize"
	StageValidate   Stage = "validate"
	StagePublish    Stage = "publish"
)

var AllStages = []Stage{StagePreprocess, StageOCR, StageClassify, StageNormalize, StageValidate, StagePublish}

// StageTask is the unit delivered by schedulers, keyed by (item, stage).
type StageTask struct {
	ItemID   string `json:"item_id"`
	TenantID string `json:"tenant_id"`
	Stage    Stage  `json:"stage"`
}

func (t StageTask) Key() string {
	return t.ItemID + ":" + string(t.Stage)
}

// TenantSettings carries the per-tenant knobs consulted by validation.
type TenantSettings struct {
	TenantID       string `json:"tenant_id"`
	Country        string `json:"country"`
	PinnedCurrency string `json:"pinned_currency,omitempty"`
}

// FileFormat is the detected container format of an uploaded file.
type FileFormat string

const (
	FormatCSV   FileFormat = "csv"
	FormatXLSX  FileFormat = "xlsx"
	FormatPDF   FileFormat = "pdf"
	FormatImage FileFormat = "image"
)

// Structured reports whether the format is parsed row by row rather than OCRed.
func (f FileFormat) Structured() bool {
	return f == FormatCSV || f == FormatXLSX
}

// ParserSelection is the outcome of parser dispatch. Hint is empty when no
// header signature matched.
type ParserSelection struct {
	ParserID string     `json:"parser_id"`
	Hint     SourceType `json:"hint,omitempty"`
	Format   FileFormat `json:"format"`
	MimeType string     `json:"mime_type"`
	Headers  []string   `json:"headers,omitempty"`
}
