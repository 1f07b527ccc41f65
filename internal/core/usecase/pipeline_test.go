package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/kirillkom/doc-intake/internal/core/domain"
	"github.com/kirillkom/doc-intake/internal/infrastructure/repository/memory"
)

var bothModes = []string{modeInline, modeQueued}

func TestDuplicateInvoiceRowsPromoteOnce(t *testing.T) {
	for _, mode := range bothModes {
		t.Run(mode, func(t *testing.T) {
			h := newHarness(t, mode)
			ctx := context.Background()
			batchID := h.batch(t, "acme", domain.SourceInvoices)

			row := invoiceRow("DUP-1", 90, 10, 100)
			ids, err := h.ingest.IngestRows(ctx, "acme", batchID, []map[string]any{row, row})
			if err != nil {
				t.Fatalf("ingest rows: %v", err)
			}
			h.settle(t)

			for _, id := range ids {
				item := h.item(t, id)
				if item.Status != domain.ItemReady || item.CanonicalKey == "" {
					t.Fatalf("item %s: expected published ready, got %s key=%q errors=%v", id, item.Status, item.CanonicalKey, item.Errors)
				}
				if !h.storage.has(item.CanonicalKey) {
					t.Fatalf("canonical document %s not stored", item.CanonicalKey)
				}
			}
			if got := h.counters(t, batchID); got != (domain.BatchCounters{Total: 2, Processed: 2}) {
				t.Fatalf("unexpected counters %+v", got)
			}

			first, err := h.ingest.PromoteBatch(ctx, "acme", batchID)
			if err != nil {
				t.Fatalf("promote: %v", err)
			}
			if first.Created != 1 || first.Skipped != 1 || first.Errors != 0 {
				t.Fatalf("first promotion: %+v", first)
			}
			second, err := h.ingest.PromoteBatch(ctx, "acme", batchID)
			if err != nil {
				t.Fatalf("promote again: %v", err)
			}
			if second.Created != 0 || second.Skipped != 2 || second.Errors != 0 {
				t.Fatalf("second promotion: %+v", second)
			}

			records := h.store.Records("acme")
			if len(records) != 1 {
				t.Fatalf("expected one record, got %d", len(records))
			}
			if records[0].NaturalKey != "|DUP-1|EUR" || records[0].Kind != domain.RecordInvoice {
				t.Fatalf("unexpected record %+v", records[0])
			}
			for _, id := range ids {
				item := h.item(t, id)
				if item.Status != domain.ItemPromoted || item.DomainRecordID != records[0].ID {
					t.Fatalf("item %s: status %s record %q", id, item.Status, item.DomainRecordID)
				}
			}
		})
	}
}

type itemSnapshot struct {
	Index     int
	Row       int
	Status    domain.ItemStatus
	DocType   domain.DocType
	Codes     []domain.ErrorCode
	Canonical string
}

func snapshotBatch(t *testing.T, h *harness, batchID string) []itemSnapshot {
	t.Helper()
	items, err := h.store.ListItems(context.Background(), batchID)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	out := make([]itemSnapshot, 0, len(items))
	for _, item := range items {
		canonical := ""
		if item.Canonical != nil {
			raw, err := json.Marshal(item.Canonical)
			if err != nil {
				t.Fatalf("marshal canonical: %v", err)
			}
			canonical = string(raw)
		}
		out = append(out, itemSnapshot{
			Index:     item.Index,
			Row:       item.Row,
			Status:    item.Status,
			DocType:   item.DocType,
			Codes:     errorCodes(item.Errors),
			Canonical: canonical,
		})
	}
	return out
}

func TestInlineAndQueuedModesAgree(t *testing.T) {
	run := func(mode string) ([]itemSnapshot, domain.BatchCounters) {
		h := newHarness(t, mode)
		ctx := context.Background()
		batchID := h.batch(t, "acme", domain.SourceInvoices)
		rows := []map[string]any{
			invoiceRow("F-1", 100, 21, 121),
			invoiceRow("F-2", 100, 21, 120),
			{"invoice_number": "F-3"},
		}
		if _, err := h.ingest.IngestRows(ctx, "acme", batchID, rows); err != nil {
			t.Fatalf("%s: ingest rows: %v", mode, err)
		}
		if _, err := h.ingest.IngestFile(ctx, "acme", batchID, "invoices.csv", []byte(invoiceCSV), "text/csv"); err != nil {
			t.Fatalf("%s: ingest file: %v", mode, err)
		}
		h.settle(t)
		return snapshotBatch(t, h, batchID), h.counters(t, batchID)
	}

	inlineItems, inlineCounters := run(modeInline)
	queuedItems, queuedCounters := run(modeQueued)

	if !reflect.DeepEqual(inlineItems, queuedItems) {
		t.Fatalf("modes disagree:\ninline: %+v\nqueued: %+v", inlineItems, queuedItems)
	}
	if inlineCounters != queuedCounters {
		t.Fatalf("counters disagree: inline %+v queued %+v", inlineCounters, queuedCounters)
	}
	if inlineCounters != (domain.BatchCounters{Total: 6, Processed: 3, Failed: 3}) {
		t.Fatalf("unexpected counters %+v", inlineCounters)
	}

	want := []struct {
		status domain.ItemStatus
		code   domain.ErrorCode
	}{
		{domain.ItemReady, ""},
		{domain.ItemFailed, domain.CodeTotalsMismatch},
		{domain.ItemFailed, domain.CodeMissingRequiredField},
		{domain.ItemReady, ""},
		{domain.ItemReady, ""},
		{domain.ItemFailed, domain.CodeTotalsMismatch},
	}
	for i, w := range want {
		got := inlineItems[i]
		if got.Status != w.status {
			t.Fatalf("item %d: expected %s, got %+v", i, w.status, got)
		}
		if w.code != "" && (len(got.Codes) == 0 || got.Codes[0] != w.code) {
			t.Fatalf("item %d: expected first code %s, got %v", i, w.code, got.Codes)
		}
	}
}

func TestDuplicateAndOutOfOrderDeliveriesAreNoOps(t *testing.T) {
	h := newHarness(t, modeInline)
	ctx := context.Background()
	batchID := h.batch(t, "acme", domain.SourceInvoices)
	ids, err := h.ingest.IngestRows(ctx, "acme", batchID, []map[string]any{invoiceRow("F-9", 50, 10.5, 60.5)})
	if err != nil {
		t.Fatalf("ingest rows: %v", err)
	}
	before := h.item(t, ids[0])
	if before.Status != domain.ItemReady {
		t.Fatalf("expected ready, got %s %v", before.Status, before.Errors)
	}
	counters := h.counters(t, batchID)

	for _, stage := range domain.AllStages {
		if err := h.pipe.Handle(ctx, domain.StageTask{ItemID: ids[0], TenantID: "acme", Stage: stage}); err != nil {
			t.Fatalf("redelivered %s: %v", stage, err)
		}
	}
	if err := h.pipe.Handle(ctx, domain.StageTask{ItemID: "missing", TenantID: "acme", Stage: domain.StageValidate}); err != nil {
		t.Fatalf("missing item must be dropped, got %v", err)
	}

	after := h.item(t, ids[0])
	if after.Version != before.Version || after.Status != before.Status {
		t.Fatalf("redelivery changed item: %s@%d -> %s@%d", before.Status, before.Version, after.Status, after.Version)
	}
	if got := h.counters(t, batchID); got != counters {
		t.Fatalf("redelivery changed counters: %+v -> %+v", counters, got)
	}
}

func TestOCRFailuresExhaustRetries(t *testing.T) {
	h := newHarness(t, modeInline)
	h.ocr.failures = 100
	ctx := context.Background()
	batchID := h.batch(t, "acme", domain.SourceGeneric)

	id, err := h.ingest.IngestFile(ctx, "acme", batchID, "scan.pdf", fakePDF, "application/pdf")
	if err != nil {
		t.Fatalf("ingest file: %v", err)
	}
	item := h.item(t, id)
	if item.Status != domain.ItemFailed {
		t.Fatalf("expected failed, got %s", item.Status)
	}
	if codes := errorCodes(item.Errors); len(codes) != 1 || codes[0] != domain.CodeOCRFailed {
		t.Fatalf("unexpected errors %v", item.Errors)
	}
	if n := h.ocr.calls.Load(); n != 3 {
		t.Fatalf("expected 3 OCR calls, got %d", n)
	}
	if item.Attempts[domain.StageOCR] != 3 {
		t.Fatalf("expected 3 recorded attempts, got %v", item.Attempts)
	}
	if got := h.counters(t, batchID); got != (domain.BatchCounters{Total: 1, Failed: 1}) {
		t.Fatalf("unexpected counters %+v", got)
	}
}

func TestOCRRecoversWithinRetryBudget(t *testing.T) {
	h := newHarness(t, modeQueued)
	h.ocr.failures = 2
	h.ocr.text = "FACTURA F-7"
	h.fields.fields = domain.RawFields(invoiceRow("F-7", 50, 10.5, 60.5))
	ctx := context.Background()
	batchID := h.batch(t, "acme", domain.SourceGeneric)

	id, err := h.ingest.IngestFile(ctx, "acme", batchID, "scan.pdf", fakePDF, "application/pdf")
	if err != nil {
		t.Fatalf("ingest file: %v", err)
	}
	h.settle(t)

	item := h.item(t, id)
	if item.Status != domain.ItemReady {
		t.Fatalf("expected ready, got %s %v", item.Status, item.Errors)
	}
	if item.DocType != domain.DocTypeInvoice || item.Confidence != 0.9 {
		t.Fatalf("unexpected classification %s %.2f", item.DocType, item.Confidence)
	}
	if item.Attempts[domain.StageOCR] != 3 {
		t.Fatalf("expected OCR to succeed on attempt 3, got %v", item.Attempts)
	}
	if item.Canonical == nil || item.Canonical.Invoice.Number != "F-7" {
		t.Fatalf("unexpected canonical %+v", item.Canonical)
	}
}

func TestPreprocessGates(t *testing.T) {
	cases := []struct {
		name     string
		cfg      PipelineConfig
		deps     func(*PipelineDeps)
		filename string
		mime     string
		data     []byte
		want     domain.ErrorCode
	}{
		{
			name:     "too large",
			cfg:      PipelineConfig{MaxFileSizeBytes: 16},
			filename: "scan.pdf",
			mime:     "application/pdf",
			data:     fakePDF,
			want:     domain.CodeFileTooLarge,
		},
		{
			name:     "mime not allowed",
			cfg:      PipelineConfig{AllowedMIMETypes: []string{"application/pdf"}},
			filename: "invoices.csv",
			mime:     "text/csv",
			data:     []byte(invoiceCSV),
			want:     domain.CodeUnsupportedFormat,
		},
		{
			name:     "infected",
			cfg:      PipelineConfig{AntivirusEnabled: true},
			deps:     func(d *PipelineDeps) { d.Scanner = scannerFake{infected: true} },
			filename: "scan.pdf",
			mime:     "application/pdf",
			data:     fakePDF,
			want:     domain.CodeInfectedFile,
		},
		{
			name:     "too many pages",
			cfg:      PipelineConfig{MaxPDFPages: 50},
			deps:     func(d *PipelineDeps) { d.Pages = pagesFake(80) },
			filename: "scan.pdf",
			mime:     "application/pdf",
			data:     fakePDF,
			want:     domain.CodeTooManyPages,
		},
		{
			name:     "empty upload",
			filename: "scan.pdf",
			mime:     "application/pdf",
			data:     []byte{},
			want:     domain.CodeUnreadableFile,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := []harnessOption{withConfig(tc.cfg)}
			if tc.deps != nil {
				opts = append(opts, withDeps(tc.deps))
			}
			h := newHarness(t, modeInline, opts...)
			ctx := context.Background()
			batchID := h.batch(t, "acme", domain.SourceGeneric)

			id, err := h.ingest.IngestFile(ctx, "acme", batchID, tc.filename, tc.data, tc.mime)
			if err != nil {
				t.Fatalf("ingest file: %v", err)
			}
			item := h.item(t, id)
			if item.Status != domain.ItemFailed {
				t.Fatalf("expected failed, got %s", item.Status)
			}
			if codes := errorCodes(item.Errors); len(codes) == 0 || codes[0] != tc.want {
				t.Fatalf("expected %s, got %v", tc.want, item.Errors)
			}
			if n := h.ocr.calls.Load(); n != 0 {
				t.Fatalf("gate must stop before OCR, got %d calls", n)
			}
			if item.Attempts[domain.StagePreprocess] != 1 {
				t.Fatalf("fatal gate failures must not be retried, got %v", item.Attempts)
			}
		})
	}
}

func TestSecurityBypassSkipsGates(t *testing.T) {
	cfg := PipelineConfig{
		MaxPDFPages:      1,
		AllowedMIMETypes: []string{"image/png"},
		AntivirusEnabled: true,
		SecurityBypass:   true,
	}
	h := newHarness(t, modeInline, withConfig(cfg), withDeps(func(d *PipelineDeps) {
		d.Scanner = scannerFake{infected: true}
		d.Pages = pagesFake(80)
	}))
	h.ocr.text = "FACTURA B-1"
	h.fields.fields = domain.RawFields(invoiceRow("B-1", 50, 10.5, 60.5))
	ctx := context.Background()
	batchID := h.batch(t, "acme", domain.SourceGeneric)

	id, err := h.ingest.IngestFile(ctx, "acme", batchID, "scan.pdf", fakePDF, "application/pdf")
	if err != nil {
		t.Fatalf("ingest file: %v", err)
	}
	item := h.item(t, id)
	if item.Status != domain.ItemReady {
		t.Fatalf("expected ready with bypass, got %s %v", item.Status, item.Errors)
	}
}

func TestMultiFragmentTextUsesDominantDocument(t *testing.T) {
	h := newHarness(t, modeInline)
	h.ocr.text = "FACTURA 1\fcontinued page\fTICKET 9"
	h.fields.fields = domain.RawFields(invoiceRow("1", 50, 10.5, 60.5))
	ctx := context.Background()
	batchID := h.batch(t, "acme", domain.SourceGeneric)

	id, err := h.ingest.IngestFile(ctx, "acme", batchID, "bundle.pdf", fakePDF, "application/pdf")
	if err != nil {
		t.Fatalf("ingest file: %v", err)
	}
	item := h.item(t, id)
	if item.Status != domain.ItemReady || item.DocType != domain.DocTypeInvoice {
		t.Fatalf("unexpected item %s %s %v", item.Status, item.DocType, item.Errors)
	}
	wantFragments := []domain.FragmentClassification{
		{Index: 0, DocType: domain.DocTypeInvoice, Confidence: 0.9},
		{Index: 1, DocType: domain.DocTypeUnknown},
		{Index: 2, DocType: domain.DocTypeReceipt, Confidence: 0.7},
	}
	if !reflect.DeepEqual(item.Fragments, wantFragments) {
		t.Fatalf("unexpected fragments %+v", item.Fragments)
	}
	if len(h.fields.seen) != 1 || h.fields.seen[0] != "FACTURA 1\ncontinued page" {
		t.Fatalf("field extraction saw %q", h.fields.seen)
	}
}

func TestUnclassifiedTextFails(t *testing.T) {
	h := newHarness(t, modeInline)
	h.ocr.text = "lorem ipsum"
	ctx := context.Background()
	batchID := h.batch(t, "acme", domain.SourceGeneric)

	id, err := h.ingest.IngestFile(ctx, "acme", batchID, "scan.pdf", fakePDF, "application/pdf")
	if err != nil {
		t.Fatalf("ingest file: %v", err)
	}
	item := h.item(t, id)
	if item.Status != domain.ItemFailed {
		t.Fatalf("expected failed, got %s", item.Status)
	}
	if codes := errorCodes(item.Errors); len(codes) == 0 || codes[0] != domain.CodeUnclassified {
		t.Fatalf("unexpected errors %v", item.Errors)
	}
}

func TestDeclaredSourceTypeBacksUpClassifier(t *testing.T) {
	h := newHarness(t, modeInline)
	h.ocr.text = "lorem ipsum"
	h.fields.fields = domain.RawFields(invoiceRow("L-1", 50, 10.5, 60.5))
	ctx := context.Background()
	batchID := h.batch(t, "acme", domain.SourceInvoices)

	id, err := h.ingest.IngestFile(ctx, "acme", batchID, "scan.pdf", fakePDF, "application/pdf")
	if err != nil {
		t.Fatalf("ingest file: %v", err)
	}
	item := h.item(t, id)
	if item.Status != domain.ItemReady || item.DocType != domain.DocTypeInvoice || item.Confidence != 0 {
		t.Fatalf("unexpected item %s %s %.2f %v", item.Status, item.DocType, item.Confidence, item.Errors)
	}
}

func TestMultiRowFileSpawnsSiblingItems(t *testing.T) {
	for _, mode := range bothModes {
		t.Run(mode, func(t *testing.T) {
			h := newHarness(t, mode)
			ctx := context.Background()
			batchID := h.batch(t, "acme", domain.SourceInvoices)

			parentID, err := h.ingest.IngestFile(ctx, "acme", batchID, "invoices.csv", []byte(invoiceCSV), "text/csv")
			if err != nil {
				t.Fatalf("ingest file: %v", err)
			}
			h.settle(t)

			items, err := h.store.ListItems(ctx, batchID)
			if err != nil {
				t.Fatalf("list items: %v", err)
			}
			if len(items) != 3 {
				t.Fatalf("expected 3 items, got %d", len(items))
			}
			for i, item := range items {
				if item.Row != i+1 {
					t.Fatalf("item %d has row %d", i, item.Row)
				}
				if i == 0 && item.ID != parentID {
					t.Fatalf("first row must stay on the uploaded item")
				}
				if i > 0 && item.ParentID != parentID {
					t.Fatalf("row %d has parent %q", item.Row, item.ParentID)
				}
				number := fmt.Sprintf("C-%d", i+1)
				if got, _ := item.RawFields.Text("invoice_number"); got != number {
					t.Fatalf("row %d carries %q", item.Row, got)
				}
			}
			if got := h.counters(t, batchID); got != (domain.BatchCounters{Total: 3, Processed: 2, Failed: 1}) {
				t.Fatalf("unexpected counters %+v", got)
			}

			// Redelivering preprocess of the parent creates no extra rows.
			if err := h.pipe.Handle(ctx, domain.StageTask{ItemID: parentID, TenantID: "acme", Stage: domain.StagePreprocess}); err != nil {
				t.Fatalf("redeliver: %v", err)
			}
			h.settle(t)
			if got := h.counters(t, batchID); got.Total != 3 {
				t.Fatalf("redelivery changed total to %d", got.Total)
			}
		})
	}
}

// flakyItems fails the first sibling insert the way a dropped connection
// does: nothing is written.
type flakyItems struct {
	*memory.Store
	failed atomic.Bool
}

func (f *flakyItems) CreateItems(ctx context.Context, batchID string, items []*domain.Item) (int, error) {
	if f.failed.CompareAndSwap(false, true) {
		return 0, errors.New("connection reset by peer")
	}
	return f.Store.CreateItems(ctx, batchID, items)
}

func TestSiblingTotalSurvivesRetriedInsert(t *testing.T) {
	var flaky *flakyItems
	h := newHarness(t, modeInline, withDeps(func(d *PipelineDeps) {
		flaky = &flakyItems{Store: d.Items.(*memory.Store)}
		d.Items = flaky
	}))
	ctx := context.Background()
	batchID := h.batch(t, "acme", domain.SourceInvoices)

	if _, err := h.ingest.IngestFile(ctx, "acme", batchID, "invoices.csv", []byte(invoiceCSV), "text/csv"); err != nil {
		t.Fatalf("ingest file: %v", err)
	}
	if !flaky.failed.Load() {
		t.Fatalf("sibling insert was never attempted")
	}
	items, err := h.store.ListItems(ctx, batchID)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	if got := h.counters(t, batchID); got.Total != 3 {
		t.Fatalf("expected total 3 after the retried insert, got %+v", got)
	}
}

func TestRedriveEnqueuesPendingStage(t *testing.T) {
	h := newHarness(t, modeInline)
	ctx := context.Background()
	batchID := h.batch(t, "acme", domain.SourceInvoices)
	ids, err := h.ingest.IngestRows(ctx, "acme", batchID, []map[string]any{invoiceRow("R-1", 50, 10.5, 60.5)})
	if err != nil {
		t.Fatalf("ingest rows: %v", err)
	}
	item := h.item(t, ids[0])
	if h.pipe.Redrive(ctx, item) {
		t.Fatalf("published ready item has nothing pending")
	}

	stuck := item.Clone()
	stuck.Status = domain.ItemValidating
	stuck.Canonical, stuck.Draft = nil, item.Canonical
	stuck.CanonicalKey = ""
	if err := h.store.UpdateItem(ctx, stuck, domain.ItemReady); err != nil {
		t.Fatalf("rewind item: %v", err)
	}
	if !h.pipe.Redrive(ctx, stuck) {
		t.Fatalf("validating item must be redriven")
	}
	if got := h.item(t, ids[0]); got.Status != domain.ItemReady || got.CanonicalKey == "" {
		t.Fatalf("redrive did not finish item: %s %q", got.Status, got.CanonicalKey)
	}
}

func TestNextStage(t *testing.T) {
	cases := map[domain.ItemStatus]domain.Stage{
		domain.ItemReceived:      domain.StagePreprocess,
		domain.ItemPreprocessing: domain.StagePreprocess,
		domain.ItemOCRPending:    domain.StageOCR,
		domain.ItemClassifying:   domain.StageClassify,
		domain.ItemNormalizing:   domain.StageNormalize,
		domain.ItemValidating:    domain.StageValidate,
		domain.ItemReady:         domain.StagePublish,
		domain.ItemPromoted:      "",
		domain.ItemFailed:        "",
	}
	for status, want := range cases {
		item := &domain.Item{Status: status}
		if got := NextStage(item); got != want {
			t.Fatalf("%s: expected %q, got %q", status, want, got)
		}
		if want != "" && !Accepts(want, item) {
			t.Fatalf("%s: stage %s must accept its own pending item", status, want)
		}
	}
	if NextStage(&domain.Item{Status: domain.ItemReady, CanonicalKey: "k"}) != "" {
		t.Fatalf("published items have nothing pending")
	}
}

func TestCanonicalKeysAreTenantScoped(t *testing.T) {
	item := &domain.Item{ID: "i1", BatchID: "b1", TenantID: "acme"}
	if got := CanonicalKey(item); got != "acme/b1/i1.canonical.json" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := RawKey("acme", "b1", "i1"); !strings.HasPrefix(got, "acme/b1/") {
		t.Fatalf("unexpected raw key %q", got)
	}
}
