package ocr

import "testing"

func TestExtractFieldsSpanishInvoice(t *testing.T) {
	text := `FACTURA Nº 2024-001
Suministros Norte SL  NIF: B12345674
Fecha: 02/01/2024
Base imponible   1.000,00
IVA 21%           210,00
Total            1.210,00 EUR`

	got := NewFieldExtractor().ExtractFields(text)
	want := map[string]string{
		"doc_number":    "2024-001",
		"vendor_name":   "Suministros Norte SL",
		"vendor_tax_id": "B12345674",
		"issue_date":    "02/01/2024",
		"subtotal":      "1.000,00",
		"tax":           "210,00",
		"tax_rate":      "21",
		"total":         "1.210,00",
		"currency":      "EUR",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s: expected %q, got %v", k, v, got[k])
		}
	}
	if _, ok := got["iban"]; ok {
		t.Errorf("unexpected iban: %v", got["iban"])
	}
}

func TestExtractFieldsEnglishReceipt(t *testing.T) {
	text := `Corner Coffee Ltd
VAT number: GB980780684
Receipt #A-77
Date 2024-03-05
Subtotal 10.00
VAT 20% 2.00
Total 12.00 £`

	got := NewFieldExtractor().ExtractFields(text)
	want := map[string]string{
		"doc_number":    "A-77",
		"vendor_name":   "Corner Coffee Ltd",
		"vendor_tax_id": "GB980780684",
		"issue_date":    "2024-03-05",
		"subtotal":      "10.00",
		"tax":           "2.00",
		"total":         "12.00",
		"currency":      "GBP",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s: expected %q, got %v", k, v, got[k])
		}
	}
}

func TestExtractFieldsIBAN(t *testing.T) {
	got := NewFieldExtractor().ExtractFields("EXTRACTO\nIBAN ES91 2100 0418 4502 0005 1332\nTVA FR40303265045")
	if got["iban"] != "ES9121000418450200051332" {
		t.Fatalf("unexpected iban: %v", got["iban"])
	}
}

func TestExtractFieldsEmptyText(t *testing.T) {
	if got := NewFieldExtractor().ExtractFields(""); len(got) != 0 {
		t.Fatalf("expected no fields, got %v", got)
	}
}
