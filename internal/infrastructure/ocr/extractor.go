package ocr

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/kirillkom/doc-intake/internal/core/domain"
)

const (
	MethodTextLayer = "pdf-text"
	MethodPDFOCR    = "pdf-ocr"
	MethodImageOCR  = "image-ocr"
)

// PageSeparator splits pages and document fragments in extracted text.
const PageSeparator = "\f"

// minTextLayerRunes is the least text a PDF text layer must carry to skip OCR.
const minTextLayerRunes = 16

type Config struct {
	Language      string
	DPI           int
	MaxWorkers    int
	RatePerSecond float64
	MaxPages      int

	Pdftoppm  string
	Tesseract string
}

func (c Config) normalize() Config {
	out := c
	if out.Language == "" {
		out.Language = "eng"
	}
	if out.DPI <= 0 {
		out.DPI = 300
	}
	if out.MaxWorkers <= 0 {
		out.MaxWorkers = 2
	}
	if out.Pdftoppm == "" {
		out.Pdftoppm = "pdftoppm"
	}
	if out.Tesseract == "" {
		out.Tesseract = "tesseract"
	}
	return out
}

// Extractor reads the PDF text layer when present and otherwise shells out
// to tesseract. Concurrent extractions are bounded by MaxWorkers and paced by
// RatePerSecond, independently of the caller's worker pool.
type Extractor struct {
	cfg     Config
	runner  Runner
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewExtractor(cfg Config, runner Runner, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.normalize()
	if runner == nil {
		runner = execRunner{logger: logger}
	}
	limit := rate.Inf
	burst := cfg.MaxWorkers
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Extractor{
		cfg:     cfg,
		runner:  runner,
		sem:     semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

func (e *Extractor) Extract(ctx context.Context, item *domain.Item, data []byte) (domain.OCRResult, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return domain.OCRResult{}, err
	}
	defer e.sem.Release(1)
	if err := e.limiter.Wait(ctx); err != nil {
		return domain.OCRResult{}, err
	}

	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return e.extractPDF(ctx, item, data)
	}
	return e.extractImage(ctx, item, data)
}

// CountPages returns the number of pages in a PDF.
func (e *Extractor) CountPages(data []byte) (int, error) {
	r, err := openPDF(data)
	if err != nil {
		return 0, err
	}
	return r.NumPage(), nil
}

func (e *Extractor) extractPDF(ctx context.Context, item *domain.Item, data []byte) (domain.OCRResult, error) {
	pages, err := textLayer(data, e.cfg.MaxPages)
	if err != nil {
		e.logger.Warn("ocr_text_layer_unreadable", "item_id", item.ID, "error", err)
	}
	if utf8.RuneCountInString(strings.TrimSpace(strings.Join(pages, ""))) >= minTextLayerRunes {
		return buildResult(pages, MethodTextLayer, e.cfg.Language), nil
	}

	dir, path, cleanup, err := writeTemp(data, "scan.pdf")
	if err != nil {
		return domain.OCRResult{}, err
	}
	defer cleanup()

	prefix := filepath.Join(dir, "page")
	if _, errb, err := e.runner.Run(ctx, e.cfg.Pdftoppm, "-r", strconv.Itoa(e.cfg.DPI), "-png", path, prefix); err != nil {
		return domain.OCRResult{}, fmt.Errorf("pdftoppm: %w: %s", err, truncate(string(errb), 512))
	}
	images, _ := filepath.Glob(prefix + "-*.png")
	sort.Strings(images)
	if e.cfg.MaxPages > 0 && len(images) > e.cfg.MaxPages {
		images = images[:e.cfg.MaxPages]
	}
	if len(images) == 0 {
		return domain.OCRResult{}, fmt.Errorf("pdftoppm rendered no pages")
	}

	pages = pages[:0]
	for _, img := range images {
		txt, err := e.tesseract(ctx, img)
		if err != nil {
			return domain.OCRResult{}, err
		}
		pages = append(pages, txt)
	}
	return buildResult(pages, MethodPDFOCR, e.cfg.Language), nil
}

func (e *Extractor) extractImage(ctx context.Context, item *domain.Item, data []byte) (domain.OCRResult, error) {
	name := "scan" + filepath.Ext(item.Filename)
	if name == "scan" {
		name = "scan.img"
	}
	_, path, cleanup, err := writeTemp(data, name)
	if err != nil {
		return domain.OCRResult{}, err
	}
	defer cleanup()

	txt, err := e.tesseract(ctx, path)
	if err != nil {
		return domain.OCRResult{}, err
	}
	return buildResult(strings.Split(txt, PageSeparator), MethodImageOCR, e.cfg.Language), nil
}

func (e *Extractor) tesseract(ctx context.Context, path string) (string, error) {
	out, errb, err := e.runner.Run(ctx, e.cfg.Tesseract, path, "stdout", "-l", e.cfg.Language, "--dpi", strconv.Itoa(e.cfg.DPI))
	if err != nil {
		return "", fmt.Errorf("tesseract: %w: %s", err, truncate(string(errb), 512))
	}
	return strings.TrimRight(string(out), PageSeparator+"\n "), nil
}

func buildResult(pages []string, method, lang string) domain.OCRResult {
	fragments := make([]string, 0, len(pages))
	for _, p := range pages {
		fragments = append(fragments, strings.TrimSpace(p))
	}
	return domain.OCRResult{
		Text:      strings.Join(fragments, "\n"+PageSeparator+"\n"),
		Fragments: fragments,
		Pages:     len(pages),
		Method:    method,
		Language:  lang,
	}
}

func openPDF(data []byte) (r *pdf.Reader, err error) {
	// The pdf package panics on some malformed cross-reference tables.
	defer func() {
		if rec := recover(); rec != nil {
			r, err = nil, fmt.Errorf("malformed pdf: %v", rec)
		}
	}()
	r, err = pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	return r, nil
}

func textLayer(data []byte, maxPages int) (pages []string, err error) {
	r, err := openPDF(data)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rec := recover(); rec != nil {
			pages, err = nil, fmt.Errorf("malformed pdf page: %v", rec)
		}
	}()

	n := r.NumPage()
	if maxPages > 0 && n > maxPages {
		n = maxPages
	}
	for i := 1; i <= n; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		txt, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d text: %w", i, err)
		}
		pages = append(pages, txt)
	}
	return pages, nil
}

func writeTemp(data []byte, name string) (dir, path string, cleanup func(), err error) {
	dir, err = os.MkdirTemp("", "doc-intake-ocr-*")
	if err != nil {
		return "", "", nil, fmt.Errorf("ocr temp dir: %w", err)
	}
	cleanup = func() { _ = os.RemoveAll(dir) }
	path = filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		cleanup()
		return "", "", nil, fmt.Errorf("ocr temp file: %w", err)
	}
	return dir, path, cleanup, nil
}
