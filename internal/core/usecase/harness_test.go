package usecase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/doc-intake/internal/core/canonical"
	"github.com/kirillkom/doc-intake/internal/core/countrypack"
	"github.com/kirillkom/doc-intake/internal/core/domain"
	"github.com/kirillkom/doc-intake/internal/core/ports"
	"github.com/kirillkom/doc-intake/internal/infrastructure/parser"
	"github.com/kirillkom/doc-intake/internal/infrastructure/queue/inline"
	memqueue "github.com/kirillkom/doc-intake/internal/infrastructure/queue/memory"
	"github.com/kirillkom/doc-intake/internal/infrastructure/repository/memory"
	"github.com/kirillkom/doc-intake/internal/infrastructure/resilience"
	"github.com/kirillkom/doc-intake/internal/infrastructure/tenants"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type storageFake struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newStorageFake() *storageFake {
	return &storageFake{objects: map[string][]byte{}}
}

func (f *storageFake) Save(_ context.Context, key string, data io.Reader) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = raw
	return nil
}

func (f *storageFake) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.objects[key]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "open", fmt.Errorf("object %s", key))
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (f *storageFake) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

// ocrFake fails the first failures calls, then returns text.
type ocrFake struct {
	text     string
	failures int32
	calls    atomic.Int32
}

func (f *ocrFake) Extract(context.Context, *domain.Item, []byte) (domain.OCRResult, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return domain.OCRResult{}, fmt.Errorf("tesseract exited with status 1 (call %d)", n)
	}
	return domain.OCRResult{Text: f.text, Method: "fake"}, nil
}

type fieldsFake struct {
	mu     sync.Mutex
	fields domain.RawFields
	seen   []string
}

func (f *fieldsFake) ExtractFields(text string) domain.RawFields {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, text)
	return f.fields.Clone()
}

// classifierFake recognizes one marker word per type.
type classifierFake struct{}

func (classifierFake) Classify(_ context.Context, _ string, text string) (domain.Classification, error) {
	upper := strings.ToUpper(text)
	switch {
	case strings.Contains(upper, "FACTURA"):
		return domain.Classification{DocType: domain.DocTypeInvoice, Confidence: 0.9}, nil
	case strings.Contains(upper, "TICKET"):
		return domain.Classification{DocType: domain.DocTypeReceipt, Confidence: 0.7}, nil
	}
	return domain.Classification{DocType: domain.DocTypeUnknown}, nil
}

type scannerFake struct {
	infected bool
}

func (f scannerFake) Scan(context.Context, []byte) (bool, string, error) {
	if f.infected {
		return false, "EICAR-Test-File", nil
	}
	return true, "", nil
}

type pagesFake int

func (p pagesFake) CountPages([]byte) (int, error) { return int(p), nil }

type harness struct {
	store   *memory.Store
	storage *storageFake
	ocr     *ocrFake
	fields  *fieldsFake
	pipe    *Pipeline
	ingest  *IngestService
	queue   *memqueue.Scheduler
}

type harnessOption func(*PipelineConfig, *PipelineDeps)

func withConfig(cfg PipelineConfig) harnessOption {
	return func(c *PipelineConfig, _ *PipelineDeps) { *c = cfg }
}

func withDeps(fn func(*PipelineDeps)) harnessOption {
	return func(_ *PipelineConfig, d *PipelineDeps) { fn(d) }
}

const (
	modeInline = "inline"
	modeQueued = "queued"
)

func newHarness(t *testing.T, mode string, opts ...harnessOption) *harness {
	t.Helper()
	packs, err := countrypack.Default()
	if err != nil {
		t.Fatalf("load packs: %v", err)
	}
	schema, err := canonical.CompileSchema()
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}
	logger := discardLogger()

	h := &harness{
		store:   memory.NewStore(),
		storage: newStorageFake(),
		ocr:     &ocrFake{},
		fields:  &fieldsFake{},
	}

	var (
		scheduler ports.Scheduler
		inl       *inline.Scheduler
	)
	switch mode {
	case modeInline:
		inl = inline.New()
		scheduler = inl
	case modeQueued:
		h.queue = memqueue.New(memqueue.Config{FastWorkers: 3, OCRWorkers: 1}, nil, logger)
		scheduler = h.queue
	default:
		t.Fatalf("unknown mode %q", mode)
	}

	exec := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2,
		AttemptTimeout:      5 * time.Second,
	}, resilience.WithLogger(logger))

	cfg := PipelineConfig{}
	deps := PipelineDeps{
		Batches:    h.store,
		Items:      h.store,
		Storage:    h.storage,
		Scheduler:  scheduler,
		Executor:   resilience.NewStageExecutor(exec),
		Parser:     parser.NewDispatcher(),
		OCR:        h.ocr,
		Fields:     h.fields,
		Classifier: classifierFake{},
		Tenants:    tenants.NewDirectory("ES", nil),
		Packs:      packs,
		Normalizer: canonical.NewNormalizer(packs),
		Validator:  canonical.NewValidator(packs, schema),
		Logger:     logger,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	h.pipe = NewPipeline(cfg, deps)

	if inl != nil {
		inl.SetHandler(h.pipe.Handle)
	}
	if h.queue != nil {
		h.queue.Start(context.Background(), h.pipe.Handle)
		t.Cleanup(h.queue.Stop)
	}

	h.ingest = NewIngestService(h.store, h.store, h.storage, scheduler, NewPromoter(h.store, logger), h.store,
		WithIngestLogger(logger))
	return h
}

// settle waits until queued work has drained. Inline mode is already settled
// when an ingest call returns.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	if h.queue == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.queue.WaitIdle(ctx); err != nil {
		t.Fatalf("queue did not drain: %v", err)
	}
}

func (h *harness) batch(t *testing.T, tenantID string, source domain.SourceType) string {
	t.Helper()
	id, err := h.ingest.CreateBatch(context.Background(), tenantID, source, domain.OriginAPI, "")
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	return id
}

func (h *harness) item(t *testing.T, id string) *domain.Item {
	t.Helper()
	item, err := h.store.GetItem(context.Background(), id)
	if err != nil {
		t.Fatalf("get item %s: %v", id, err)
	}
	return item
}

func (h *harness) counters(t *testing.T, batchID string) domain.BatchCounters {
	t.Helper()
	b, err := h.store.GetBatch(context.Background(), batchID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	return b.Counters
}

func invoiceRow(number string, net, tax, total float64) map[string]any {
	return map[string]any{
		"invoice_number": number,
		"invoice_date":   "2024-01-02",
		"net_amount":     net,
		"tax_amount":     tax,
		"total_amount":   total,
	}
}

const invoiceCSV = "invoice_number,invoice_date,net_amount,tax_amount,total_amount\n" +
	"C-1,2024-02-01,50.00,10.50,60.50\n" +
	"C-2,2024-02-02,20.00,4.20,24.20\n" +
	"C-3,2024-02-03,10.00,2.10,99.99\n"

var fakePDF = []byte("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n1 0 obj\n<<>>\nendobj\n")

func errorCodes(errs []domain.ValidationError) []domain.ErrorCode {
	out := make([]domain.ErrorCode, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Code)
	}
	return out
}
