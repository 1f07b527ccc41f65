package classifier

import (
	"context"
	"errors"
	"testing"

	"github.com/kirillkom/doc-intake/internal/core/domain"
)

type fakeCorrections struct {
	stats domain.CorrectionStats
	err   error
	calls int
}

func (f *fakeCorrections) Append(context.Context, domain.CorrectionRecord) error { return nil }

func (f *fakeCorrections) Stats(context.Context, string) (domain.CorrectionStats, error) {
	f.calls++
	return f.stats, f.err
}

const spanishInvoice = `FACTURA Nº 2024-001
Suministros Norte SL  NIF: B12345674
Base imponible   100,00
IVA 21%           21,00
Total            121,00`

func TestClassifyInvoiceBeatsAmbiguousKeyword(t *testing.T) {
	c := New(nil, nil)

	strong, err := c.Classify(context.Background(), "t1", spanishInvoice)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	weak, err := c.Classify(context.Background(), "t1", "Total 121,00")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}

	if strong.DocType != domain.DocTypeInvoice {
		t.Fatalf("expected invoice, got %s", strong.DocType)
	}
	if !(strong.Confidence > weak.Confidence) {
		t.Fatalf("expected %.3f > %.3f", strong.Confidence, weak.Confidence)
	}
	if strong.Confidence <= 0 || strong.Confidence >= 1 {
		t.Fatalf("confidence out of range: %.3f", strong.Confidence)
	}
}

func TestClassifyEmptyTextIsUnknown(t *testing.T) {
	store := &fakeCorrections{}
	c := New(nil, store)
	for _, text := range []string{"", "   ", "ab"} {
		got, err := c.Classify(context.Background(), "t1", text)
		if err != nil {
			t.Fatalf("classify %q: %v", text, err)
		}
		if got.DocType != domain.DocTypeUnknown || got.Confidence != 0 {
			t.Fatalf("expected unknown/0 for %q, got %+v", text, got)
		}
	}
	if store.calls != 0 {
		t.Fatalf("expected no correction lookups, got %d", store.calls)
	}
}

func TestClassifyNoEvidenceIsUnknown(t *testing.T) {
	got, err := New(nil, nil).Classify(context.Background(), "t1", "lorem ipsum dolor sit amet")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if got.DocType != domain.DocTypeUnknown || got.Confidence != 0 {
		t.Fatalf("expected unknown/0, got %+v", got)
	}
}

func TestClassifyBankStatement(t *testing.T) {
	text := `EXTRACTO DE CUENTA
IBAN ES91 2100 0418 4502 0005 1332
Fecha valor  Concepto          Importe   Saldo
02/01/2024   Transferencia     -45,30    1.204,70`
	got, err := New(nil, nil).Classify(context.Background(), "t1", text)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if got.DocType != domain.DocTypeBankTransaction {
		t.Fatalf("expected bank_transaction, got %+v", got)
	}
}

func TestClassifyCorrectionsBiasTies(t *testing.T) {
	store := &fakeCorrections{stats: domain.NewCorrectionStats()}
	c := New(nil, store)

	got, _ := c.Classify(context.Background(), "t1", "Total 10,00")
	if got.DocType != domain.DocTypeInvoice {
		t.Fatalf("expected tie to go to invoice, got %s", got.DocType)
	}

	for i := 0; i < 3; i++ {
		store.stats.Add(domain.CorrectionRecord{OriginalDocType: domain.DocTypeInvoice, CorrectedDocType: domain.DocTypeReceipt})
	}
	got, _ = c.Classify(context.Background(), "t1", "Total 10,00")
	if got.DocType != domain.DocTypeReceipt {
		t.Fatalf("expected corrections to favour receipt, got %s", got.DocType)
	}
	if got.Confidence <= 0 {
		t.Fatalf("expected positive confidence after bias, got %.3f", got.Confidence)
	}
}

func TestClassifyIgnoresCorrectionStoreFailure(t *testing.T) {
	c := New(nil, &fakeCorrections{err: errors.New("db down")})
	got, err := c.Classify(context.Background(), "t1", spanishInvoice)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if got.DocType != domain.DocTypeInvoice {
		t.Fatalf("expected invoice, got %s", got.DocType)
	}
}

func TestClassifyUsesExtraKeywords(t *testing.T) {
	c := New(map[domain.DocType][]string{domain.DocTypeProductList: {"Preisliste"}}, nil)
	got, _ := c.Classify(context.Background(), "t1", "PREISLISTE 2024")
	if got.DocType != domain.DocTypeProductList {
		t.Fatalf("expected product_list, got %s", got.DocType)
	}
}

func TestClassifyKeywordsMatchWholeWords(t *testing.T) {
	ev := New(nil, nil).Evidence("cartography catalogs")
	if ev[domain.DocTypeReceipt] != 0 || ev[domain.DocTypeProductList] != 0 {
		t.Fatalf("expected no partial-word hits, got %v", ev)
	}
}

type fixedStrategy struct{ out domain.Classification }

func (f fixedStrategy) Score(map[domain.DocType]float64, domain.CorrectionStats) domain.Classification {
	return f.out
}

func TestClassifyStrategyIsSwappable(t *testing.T) {
	want := domain.Classification{DocType: domain.DocTypeReceipt, Confidence: 0.42}
	c := New(nil, nil, WithStrategy(fixedStrategy{out: want}))
	got, _ := c.Classify(context.Background(), "t1", spanishInvoice)
	if got.DocType != want.DocType || got.Confidence != want.Confidence {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestBias(t *testing.T) {
	stats := domain.CorrectionStats{
		Into: map[domain.DocType]int{domain.DocTypeInvoice: 12},
		Away: map[domain.DocType]int{domain.DocTypeReceipt: 5},
	}
	if got := Bias(domain.DocTypeInvoice, stats); got != 1.5 {
		t.Fatalf("expected capped boost 1.5, got %v", got)
	}
	if got := Bias(domain.DocTypeReceipt, stats); got >= 1 {
		t.Fatalf("expected damping below 1, got %v", got)
	}
	if got := Bias(domain.DocTypeBankTransaction, domain.CorrectionStats{}); got != 1 {
		t.Fatalf("expected neutral bias, got %v", got)
	}
}
