package usecase

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/doc-intake/internal/core/domain"
)

func TestCreateBatchValidatesInput(t *testing.T) {
	h := newHarness(t, modeInline)
	ctx := context.Background()

	if _, err := h.ingest.CreateBatch(ctx, "  ", domain.SourceInvoices, domain.OriginAPI, ""); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank tenant, got %v", err)
	}
	if _, err := h.ingest.CreateBatch(ctx, "acme", "spreadsheets", domain.OriginAPI, ""); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown source, got %v", err)
	}

	id, err := h.ingest.CreateBatch(ctx, "acme", "", "", "legacy/export.csv")
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	batch, err := h.ingest.GetBatch(ctx, "acme", id)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if batch.SourceType != domain.SourceGeneric || batch.Origin != domain.OriginAPI || batch.FileKey != "legacy/export.csv" {
		t.Fatalf("unexpected batch %+v", batch)
	}
}

func TestIngestRowsRejectsNestedValues(t *testing.T) {
	h := newHarness(t, modeInline)
	ctx := context.Background()
	batchID := h.batch(t, "acme", domain.SourceInvoices)

	_, err := h.ingest.IngestRows(ctx, "acme", batchID, []map[string]any{
		invoiceRow("N-1", 1, 0, 1),
		{"invoice_number": map[string]any{"nested": true}},
	})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if got := h.counters(t, batchID); got.Total != 0 {
		t.Fatalf("rejected request must not create items, total=%d", got.Total)
	}

	ids, err := h.ingest.IngestRows(ctx, "acme", batchID, nil)
	if err != nil || len(ids) != 0 {
		t.Fatalf("empty request: ids=%v err=%v", ids, err)
	}
}

func TestBatchesAreTenantScoped(t *testing.T) {
	h := newHarness(t, modeInline)
	ctx := context.Background()
	batchID := h.batch(t, "acme", domain.SourceInvoices)
	if _, err := h.ingest.IngestRows(ctx, "acme", batchID, []map[string]any{invoiceRow("T-1", 100, 21, 121)}); err != nil {
		t.Fatalf("ingest rows: %v", err)
	}

	if _, err := h.ingest.GetBatchItems(ctx, "globex", batchID); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := h.ingest.IngestRows(ctx, "globex", batchID, []map[string]any{invoiceRow("T-2", 1, 0, 1)}); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := h.ingest.IngestFile(ctx, "globex", batchID, "a.pdf", fakePDF, "application/pdf"); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := h.ingest.GetBatchItems(ctx, "acme", "missing"); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown batch, got %v", err)
	}
}

func TestGetBatchItemsSummaries(t *testing.T) {
	h := newHarness(t, modeInline)
	ctx := context.Background()
	batchID := h.batch(t, "acme", domain.SourceInvoices)
	if _, err := h.ingest.IngestRows(ctx, "acme", batchID, []map[string]any{
		invoiceRow("S-1", 100, 21, 121),
		invoiceRow("S-2", 100, 21, 100),
	}); err != nil {
		t.Fatalf("ingest rows: %v", err)
	}

	items, err := h.ingest.GetBatchItems(ctx, "acme", batchID)
	if err != nil {
		t.Fatalf("get items: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	ok, bad := items[0], items[1]
	if ok.Status != domain.ItemReady || ok.Canonical == nil || ok.Errors == nil || len(ok.Errors) != 0 {
		t.Fatalf("unexpected ready summary %+v", ok)
	}
	if bad.Status != domain.ItemFailed || bad.Canonical != nil || len(bad.Errors) == 0 {
		t.Fatalf("unexpected failed summary %+v", bad)
	}
	if bad.Errors[0].Code != domain.CodeTotalsMismatch {
		t.Fatalf("expected totals_mismatch, got %v", bad.Errors)
	}
}

func TestIngestFileStoresRawBytesUnderTenantPrefix(t *testing.T) {
	h := newHarness(t, modeInline)
	h.ocr.text = "FACTURA"
	h.fields.fields = domain.RawFields(invoiceRow("U-1", 100, 21, 121))
	ctx := context.Background()
	batchID := h.batch(t, "acme", domain.SourceGeneric)

	id, err := h.ingest.IngestFile(ctx, "acme", batchID, "../../etc/My Scan.PDF", fakePDF, " Application/PDF ")
	if err != nil {
		t.Fatalf("ingest file: %v", err)
	}
	item := h.item(t, id)
	if !h.storage.has(RawKey("acme", batchID, id)) {
		t.Fatalf("raw bytes not stored")
	}
	if item.Filename != "My_Scan.PDF" || item.MimeType != "application/pdf" {
		t.Fatalf("unexpected file metadata %q %q", item.Filename, item.MimeType)
	}
	if item.SizeBytes != int64(len(fakePDF)) {
		t.Fatalf("unexpected size %d", item.SizeBytes)
	}
}

func TestIngestClockStampsItems(t *testing.T) {
	fixed := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	h := newHarness(t, modeInline)
	svc := NewIngestService(h.store, h.store, h.storage, nopScheduler{}, NewPromoter(h.store, discardLogger()), h.store,
		WithIngestLogger(discardLogger()), WithIngestClock(func() time.Time { return fixed }))
	ctx := context.Background()

	batchID, err := svc.CreateBatch(ctx, "acme", domain.SourceInvoices, domain.OriginLegacyMigration, "")
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	ids, err := svc.IngestRows(ctx, "acme", batchID, []map[string]any{invoiceRow("K-1", 1, 0, 1)})
	if err != nil {
		t.Fatalf("ingest rows: %v", err)
	}
	item := h.item(t, ids[0])
	if !item.CreatedAt.Equal(fixed) || item.Status != domain.ItemReceived || item.DocType != domain.DocTypeInvoice {
		t.Fatalf("unexpected item %+v", item)
	}
}

func TestConcurrentIngestsGetDistinctIndexes(t *testing.T) {
	h := newHarness(t, modeInline)
	svc := NewIngestService(h.store, h.store, h.storage, nopScheduler{}, NewPromoter(h.store, discardLogger()), h.store,
		WithIngestLogger(discardLogger()))
	ctx := context.Background()
	batchID := h.batch(t, "acme", domain.SourceInvoices)

	const callers, rowsPerCall = 6, 4
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for c := 0; c < callers; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			rows := make([]map[string]any, 0, rowsPerCall)
			for r := 0; r < rowsPerCall; r++ {
				rows = append(rows, invoiceRow(fmt.Sprintf("CC-%d-%d", c, r), 1, 0, 1))
			}
			if _, err := svc.IngestRows(ctx, "acme", batchID, rows); err != nil {
				errs <- err
			}
		}(c)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("ingest rows: %v", err)
	}

	items, err := h.store.ListItems(ctx, batchID)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(items) != callers*rowsPerCall {
		t.Fatalf("expected %d items, got %d", callers*rowsPerCall, len(items))
	}
	seen := make(map[int]string, len(items))
	for _, item := range items {
		if other, dup := seen[item.Index]; dup {
			t.Fatalf("items %s and %s share index %d", other, item.ID, item.Index)
		}
		seen[item.Index] = item.ID
	}
	for i := 0; i < callers*rowsPerCall; i++ {
		if _, ok := seen[i]; !ok {
			t.Fatalf("index %d was never assigned", i)
		}
	}
	if got := h.counters(t, batchID); got.Total != callers*rowsPerCall {
		t.Fatalf("expected total %d, got %d", callers*rowsPerCall, got.Total)
	}
}

type nopScheduler struct{}

func (nopScheduler) Enqueue(context.Context, domain.StageTask) error { return nil }
