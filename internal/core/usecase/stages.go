package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/doc-intake/internal/core/canonical"
	"github.com/kirillkom/doc-intake/internal/core/countrypack"
	"github.com/kirillkom/doc-intake/internal/core/domain"
)

// fragmentSeparator splits OCR text into pages or embedded documents.
const fragmentSeparator = "\f"

func (p *Pipeline) preprocess(ctx context.Context, item *domain.Item) (stageOutcome, error) {
	batch, err := p.deps.Batches.GetBatch(ctx, item.BatchID)
	if err != nil {
		return stageOutcome{}, transient(err)
	}
	declared := item.DocType
	if declared == "" || declared == domain.DocTypeUnknown {
		declared = batch.SourceType.DocType()
	}

	if !item.HasFile() {
		if len(item.RawFields) == 0 {
			return stageOutcome{}, domain.Fatal(domain.CodeMissingRequiredField, errors.New("row has no fields"))
		}
		return routeRecord(item, declared), nil
	}

	data, err := p.load(ctx, item.StorageKey)
	if err != nil {
		return stageOutcome{}, err
	}
	if !p.cfg.SecurityBypass && p.cfg.MaxFileSizeBytes > 0 && int64(len(data)) > p.cfg.MaxFileSizeBytes {
		return stageOutcome{}, domain.Fatal(domain.CodeFileTooLarge,
			fmt.Errorf("file has %d bytes, limit is %d", len(data), p.cfg.MaxFileSizeBytes))
	}

	sel, err := p.deps.Parser.SelectParser(data, item.Filename, item.MimeType)
	if err != nil {
		return stageOutcome{}, dispatchFailure(err)
	}
	if err := p.gate(ctx, item, data, sel); err != nil {
		return stageOutcome{}, err
	}
	item.ParserID = sel.ParserID

	if !sel.Format.Structured() {
		item.Status = domain.ItemOCRPending
		return stageOutcome{next: domain.StageOCR}, nil
	}

	records, err := p.deps.Parser.ParseRecords(data, sel)
	if err != nil {
		return stageOutcome{}, dispatchFailure(err)
	}
	if len(records) == 0 {
		return stageOutcome{}, domain.Fatal(domain.CodeUnreadableFile, errors.New("file has a header but no data rows"))
	}
	if declared == domain.DocTypeUnknown {
		declared = sel.Hint.DocType()
	}

	pack, err := p.tenantPack(ctx, item.TenantID)
	if err != nil {
		return stageOutcome{}, err
	}
	groups := canonical.GroupRows(records, declared, pack)

	item.Row = groups[0][0] + 1
	item.RawFields = records[groups[0][0]]
	item.LineRows = lineRows(records, groups[0])
	children := make([]*domain.Item, 0, len(groups)-1)
	now := p.now()
	for _, group := range groups[1:] {
		row := group[0] + 1
		children = append(children, &domain.Item{
			ID:        rowItemID(item.ID, row),
			BatchID:   item.BatchID,
			TenantID:  item.TenantID,
			Index:     item.Index,
			Row:       row,
			ParentID:  item.ID,
			Filename:  item.Filename,
			MimeType:  item.MimeType,
			ParserID:  sel.ParserID,
			Status:    domain.ItemReceived,
			DocType:   declared,
			RawFields: records[group[0]],
			LineRows:  lineRows(records, group),
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	if len(children) > 0 {
		if _, err := p.deps.Items.CreateItems(ctx, item.BatchID, children); err != nil {
			return stageOutcome{}, transient(err)
		}
	}

	out := routeRecord(item, declared)
	out.spawned = children
	return out, nil
}

func lineRows(records []domain.RawFields, group []int) []domain.RawFields {
	if len(group) < 2 {
		return nil
	}
	out := make([]domain.RawFields, 0, len(group)-1)
	for _, i := range group[1:] {
		out = append(out, records[i])
	}
	return out
}

// tenantPack returns the tenant's country pack, or nil when the country has
// none; normalization reports the missing pack later.
func (p *Pipeline) tenantPack(ctx context.Context, tenantID string) (*countrypack.Pack, error) {
	settings, err := p.deps.Tenants.Settings(ctx, tenantID)
	if err != nil {
		return nil, transient(err)
	}
	pack, err := p.deps.Packs.Get(settings.Country)
	if err != nil {
		return nil, nil
	}
	return pack, nil
}

// gate runs the cheap fail-fast checks before any heavy stage.
func (p *Pipeline) gate(ctx context.Context, item *domain.Item, data []byte, sel domain.ParserSelection) error {
	if p.cfg.SecurityBypass {
		p.logger.Warn("security_bypass_skipped_checks", "item_id", item.ID, "tenant_id", item.TenantID)
		return nil
	}
	if len(p.allowed) > 0 && !p.allowed[sel.MimeType] {
		return domain.Fatal(domain.CodeUnsupportedFormat, fmt.Errorf("mime type %s is not allowed", sel.MimeType))
	}
	if p.cfg.AntivirusEnabled && p.deps.Scanner != nil {
		clean, signature, err := p.deps.Scanner.Scan(ctx, data)
		if err != nil {
			return domain.Transient(domain.CodeTransportError, fmt.Errorf("antivirus scan: %w", err))
		}
		if !clean {
			return domain.Fatal(domain.CodeInfectedFile, fmt.Errorf("matched signature %s", signature))
		}
	}
	if sel.Format == domain.FormatPDF && p.cfg.MaxPDFPages > 0 && p.deps.Pages != nil {
		pages, err := p.deps.Pages.CountPages(data)
		if err != nil {
			return domain.Fatal(domain.CodeUnreadableFile, err)
		}
		if pages > p.cfg.MaxPDFPages {
			return domain.Fatal(domain.CodeTooManyPages, fmt.Errorf("pdf has %d pages, limit is %d", pages, p.cfg.MaxPDFPages))
		}
	}
	return nil
}

// routeRecord sends a record with a known type straight to normalization and
// everything else through classification.
func routeRecord(item *domain.Item, declared domain.DocType) stageOutcome {
	if declared != "" && declared != domain.DocTypeUnknown {
		item.DocType = declared
		item.Confidence = 1
		item.Status = domain.ItemNormalizing
		return stageOutcome{next: domain.StageNormalize}
	}
	item.DocType = domain.DocTypeUnknown
	item.Status = domain.ItemClassifying
	return stageOutcome{next: domain.StageClassify}
}

func (p *Pipeline) ocr(ctx context.Context, item *domain.Item) (stageOutcome, error) {
	data, err := p.load(ctx, item.StorageKey)
	if err != nil {
		return stageOutcome{}, err
	}

	started := time.Now()
	res, err := p.deps.OCR.Extract(ctx, item, data)
	p.observer.OCRObserved(item.TenantID, time.Since(started), err)
	if err != nil {
		return stageOutcome{}, domain.Transient(domain.CodeOCRFailed, err)
	}

	item.Text = res.Text
	item.Status = domain.ItemClassifying
	return stageOutcome{next: domain.StageClassify}, nil
}

func (p *Pipeline) classify(ctx context.Context, item *domain.Item) (stageOutcome, error) {
	batch, err := p.deps.Batches.GetBatch(ctx, item.BatchID)
	if err != nil {
		return stageOutcome{}, transient(err)
	}

	fromText := item.HasFile()
	fragments := []string{item.RawFields.Flatten()}
	if fromText {
		fragments = strings.Split(item.Text, fragmentSeparator)
	}

	results := make([]domain.FragmentClassification, 0, len(fragments))
	for i, frag := range fragments {
		if strings.TrimSpace(frag) == "" {
			continue
		}
		cls, err := p.deps.Classifier.Classify(ctx, item.TenantID, frag)
		if err != nil {
			return stageOutcome{}, domain.Transient(domain.CodeTransportError, fmt.Errorf("classify: %w", err))
		}
		results = append(results, domain.FragmentClassification{Index: i, DocType: cls.DocType, Confidence: cls.Confidence})
	}

	dominant := domain.FragmentClassification{DocType: domain.DocTypeUnknown}
	if len(results) > 0 {
		dominant = results[0]
	}
	if dominant.DocType == domain.DocTypeUnknown {
		if declared := batch.SourceType.DocType(); declared != domain.DocTypeUnknown {
			dominant.DocType, dominant.Confidence = declared, 0
		}
	}
	if dominant.DocType == domain.DocTypeUnknown {
		return stageOutcome{}, domain.Fatal(domain.CodeUnclassified, errors.New("no document type evidence"))
	}

	item.DocType = dominant.DocType
	item.Confidence = dominant.Confidence
	item.Fragments = nil
	if len(results) > 1 {
		item.Fragments = results
	}
	if fromText {
		item.RawFields = p.deps.Fields.ExtractFields(documentText(fragments, results, dominant.DocType))
	}
	item.Status = domain.ItemNormalizing
	return stageOutcome{next: domain.StageNormalize}, nil
}

// documentText joins the dominant fragment with the fragments that follow it
// until one classifies as a different known type.
func documentText(fragments []string, results []domain.FragmentClassification, docType domain.DocType) string {
	if len(results) == 0 {
		return ""
	}
	parts := []string{fragments[results[0].Index]}
	for _, r := range results[1:] {
		if r.DocType != docType && r.DocType != domain.DocTypeUnknown {
			break
		}
		parts = append(parts, fragments[r.Index])
	}
	return strings.Join(parts, "\n")
}

func (p *Pipeline) normalize(ctx context.Context, item *domain.Item) (stageOutcome, error) {
	settings, err := p.deps.Tenants.Settings(ctx, item.TenantID)
	if err != nil {
		return stageOutcome{}, transient(err)
	}

	country := p.recordCountry(item.RawFields, settings.Country)
	pack, err := p.deps.Packs.Get(country)
	if err != nil {
		pack = nil
	}

	doc, err := p.deps.Normalizer.NormalizeRows(item.DocumentRows(), item.DocType, pack)
	if err != nil {
		var nerr *canonical.NormalizationError
		if errors.As(err, &nerr) && len(nerr.Issues) > 0 {
			return stageOutcome{}, domain.Rejected(nerr.Issues[0].Code, nerr.Issues)
		}
		return stageOutcome{}, domain.Fatal(domain.CodeInternal, err)
	}

	item.Draft = doc
	item.Status = domain.ItemValidating
	return stageOutcome{next: domain.StageValidate}, nil
}

// recordCountry prefers a country column on the record over the tenant's.
func (p *Pipeline) recordCountry(raw domain.RawFields, fallback string) string {
	pack, err := p.deps.Packs.Get(fallback)
	if err != nil {
		if v, ok := raw.Text("country"); ok && v != "" {
			return strings.ToUpper(v)
		}
		return fallback
	}
	if key, ok := pack.ResolveAliases(raw)["country"]; ok {
		if v, ok := raw.Text(key); ok && v != "" {
			return strings.ToUpper(v)
		}
	}
	return fallback
}

func (p *Pipeline) validate(ctx context.Context, item *domain.Item) (stageOutcome, error) {
	if item.Draft == nil {
		return stageOutcome{}, domain.Fatal(domain.CodeInternal, errors.New("validating item has no normalized document"))
	}
	settings, err := p.deps.Tenants.Settings(ctx, item.TenantID)
	if err != nil {
		return stageOutcome{}, transient(err)
	}

	if issues := p.deps.Validator.Validate(item.Draft, settings.PinnedCurrency); len(issues) > 0 {
		return stageOutcome{}, domain.Rejected(issues[0].Code, issues)
	}

	item.Canonical = item.Draft
	item.Draft = nil
	item.Errors = nil
	item.Status = domain.ItemReady
	return stageOutcome{next: domain.StagePublish}, nil
}

func (p *Pipeline) publish(ctx context.Context, item *domain.Item) (stageOutcome, error) {
	payload, err := json.Marshal(item.Canonical)
	if err != nil {
		return stageOutcome{}, domain.Fatal(domain.CodeInternal, fmt.Errorf("encode canonical document: %w", err))
	}
	key := CanonicalKey(item)
	if err := p.deps.Storage.Save(ctx, key, bytes.NewReader(payload)); err != nil {
		return stageOutcome{}, domain.Transient(domain.CodeTransportError, fmt.Errorf("store canonical document: %w", err))
	}
	item.CanonicalKey = key
	return stageOutcome{finished: true}, nil
}

func (p *Pipeline) load(ctx context.Context, key string) ([]byte, error) {
	rc, err := p.deps.Storage.Open(ctx, key)
	if err != nil {
		if domain.IsKind(err, domain.ErrNotFound) {
			return nil, domain.Fatal(domain.CodeUnreadableFile, err)
		}
		return nil, domain.Transient(domain.CodeTransportError, fmt.Errorf("open %s: %w", key, err))
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, domain.Transient(domain.CodeTransportError, fmt.Errorf("read %s: %w", key, err))
	}
	return data, nil
}

func dispatchFailure(err error) error {
	code, ok := domain.CodeOf(err)
	if !ok {
		code = domain.CodeUnreadableFile
	}
	return domain.Fatal(code, err)
}

// transient marks repository and directory failures as retryable.
func transient(err error) error {
	if domain.IsKind(err, domain.ErrNotFound) {
		return domain.Fatal(domain.CodeInternal, err)
	}
	return domain.Transient(domain.CodeTransportError, err)
}

// rowItemID derives a stable id for the n-th record of a multi-row file so a
// redelivered preprocess creates no duplicates.
func rowItemID(parentID string, row int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/row/%d", parentID, row))).String()
}

func RawKey(tenantID, batchID, itemID string) string {
	return fmt.Sprintf("%s/%s/%s.bin", tenantID, batchID, itemID)
}

func CanonicalKey(item *domain.Item) string {
	return fmt.Sprintf("%s/%s/%s.canonical.json", item.TenantID, item.BatchID, item.ID)
}
