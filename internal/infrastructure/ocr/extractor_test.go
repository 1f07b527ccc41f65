package ocr

import (
	"context"
	"errors"
	"os"
	"slices"
	"strings"
	"testing"

	"github.com/kirillkom/doc-intake/internal/core/domain"
)

type call struct {
	name string
	args []string
}

type stubRunner struct {
	calls []call
	pages []string
	err   error
}

func (s *stubRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	s.calls = append(s.calls, call{name: name, args: args})
	if s.err != nil {
		return nil, []byte("boom"), s.err
	}
	switch name {
	case "pdftoppm":
		prefix := args[len(args)-1]
		for i := range s.pages {
			if err := os.WriteFile(prefix+"-"+string(rune('1'+i))+".png", []byte("png"), 0o600); err != nil {
				return nil, nil, err
			}
		}
		return nil, nil, nil
	case "tesseract":
		n := 0
		for _, c := range s.calls {
			if c.name == "tesseract" {
				n++
			}
		}
		return []byte(s.pages[n-1] + "\n\f"), nil, nil
	}
	return nil, nil, errors.New("unexpected binary " + name)
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n0000")

func TestExtractImageRunsTesseract(t *testing.T) {
	runner := &stubRunner{pages: []string{"FACTURA 7\fTICKET 8"}}
	e := NewExtractor(Config{Language: "spa", DPI: 200}, runner, nil)

	res, err := e.Extract(context.Background(), &domain.Item{ID: "i1", Filename: "scan.png"}, pngHeader)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Method != MethodImageOCR || res.Language != "spa" {
		t.Fatalf("unexpected result meta: %+v", res)
	}
	if len(res.Fragments) != 2 || res.Fragments[0] != "FACTURA 7" || res.Fragments[1] != "TICKET 8" {
		t.Fatalf("unexpected fragments: %#v", res.Fragments)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("expected one tesseract call, got %d", len(runner.calls))
	}
	args := runner.calls[0].args
	if !slices.Contains(args, "spa") || !slices.Contains(args, "200") {
		t.Fatalf("expected language and dpi in args, got %v", args)
	}
	if !strings.HasSuffix(args[0], ".png") {
		t.Fatalf("expected temp file to keep extension, got %s", args[0])
	}
}

func TestExtractScannedPDFFallsBackToRasterOCR(t *testing.T) {
	runner := &stubRunner{pages: []string{"page one", "page two"}}
	e := NewExtractor(Config{}, runner, nil)

	res, err := e.Extract(context.Background(), &domain.Item{ID: "i1"}, []byte("%PDF-1.4 not really a pdf"))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Method != MethodPDFOCR || res.Pages != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Text != "page one\n\f\npage two" {
		t.Fatalf("unexpected text: %q", res.Text)
	}
	if runner.calls[0].name != "pdftoppm" {
		t.Fatalf("expected pdftoppm first, got %s", runner.calls[0].name)
	}
}

func TestExtractSurfacesRunnerFailure(t *testing.T) {
	runner := &stubRunner{err: errors.New("exit status 1")}
	e := NewExtractor(Config{}, runner, nil)

	_, err := e.Extract(context.Background(), &domain.Item{ID: "i1", Filename: "a.jpg"}, []byte("\xff\xd8\xff\xe0"))
	if err == nil || !strings.Contains(err.Error(), "tesseract") {
		t.Fatalf("expected tesseract error, got %v", err)
	}
}

func TestCountPagesRejectsCorruptPDF(t *testing.T) {
	e := NewExtractor(Config{}, &stubRunner{}, nil)
	if _, err := e.CountPages([]byte("%PDF-1.7 truncated")); err == nil {
		t.Fatalf("expected error for corrupt pdf")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdef", 3); got != "abc...(truncated)" {
		t.Fatalf("unexpected truncate: %q", got)
	}
	if got := truncate("abc", 3); got != "abc" {
		t.Fatalf("unexpected truncate: %q", got)
	}
}
