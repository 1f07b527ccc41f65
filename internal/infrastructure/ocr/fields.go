package ocr

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/kirillkom/doc-intake/internal/core/domain"
)

var (
	docNumberRe = regexp.MustCompile(`(?i)\b(?:factura|invoice|receipt|ticket|rechnung|facture|fatura|recibo)\s*(?:n[º°o]\.?|no\.?|nr\.?|num(?:ero)?\.?|number|#)?\s*[:.]?\s*([a-z0-9/-]*\d[a-z0-9/-]*)`)
	taxIDRe     = regexp.MustCompile(`(?i)\b(?:NIF|CIF|NIE|VAT\s*(?:no|number|reg(?:istration)?)?|TVA|USt-?IdNr|UID|EIN|Tax\s*ID)\.?\s*[:#]?\s*([a-z]{0,2}\d[\da-z-]{6,13})\b`)
	dateRe      = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2}|\d{1,2}[/.-]\d{1,2}[/.-]\d{4})\b`)
	dateLabelRe = regexp.MustCompile(`(?i)\b(?:fecha|date|datum|data|issued)\b`)
	percentRe   = regexp.MustCompile(`(\d{1,2}(?:[.,]\d{1,2})?)\s*%`)
	amountRe    = regexp.MustCompile(`-?\d{1,3}(?:[.,]\d{3})+(?:[.,]\d{2})|-?\d+[.,]\d{2}\b|-?\d+\b`)
	ibanRe      = regexp.MustCompile(`\b([A-Z]{2}\d{2}(?: ?[A-Z0-9]{4}){2,7}(?: ?[A-Z0-9]{1,4})?)\b`)
	currencyRe  = regexp.MustCompile(`\b(EUR|USD|GBP|CHF)\b`)

	subtotalLabelRe = regexp.MustCompile(`(?i)\b(?:sub\s*-?total|base\s+imponible|importe\s+neto|net(?:o)?|taxable|nettobetrag|total\s+ht)\b`)
	taxLabelRe      = regexp.MustCompile(`(?i)\b(?:iva|vat|tva|mwst|ust|igic|tax|impuestos?|cuota)\b`)
	totalLabelRe    = regexp.MustCompile(`(?i)\b(?:total|grand\s+total|amount\s+due|gesamtbetrag|importe\s+total|montant\s+ttc)\b`)
	totalFirstRe    = regexp.MustCompile(`(?i)^\s*total\b`)
	docWordRe       = regexp.MustCompile(`(?i)\b(?:factura|invoice|receipt|ticket|rechnung|facture|fatura|recibo|extracto|statement)\b`)
)

// FieldExtractor pulls invoice-like fields out of OCR text with line based
// patterns. Amounts are emitted as raw strings so the country pack decides the
// decimal separator during normalization.
type FieldExtractor struct{}

func NewFieldExtractor() *FieldExtractor {
	return &FieldExtractor{}
}

func (FieldExtractor) ExtractFields(text string) domain.RawFields {
	out := domain.RawFields{}
	lines := strings.Split(text, "\n")

	if m := docNumberRe.FindStringSubmatch(text); m != nil {
		out["doc_number"] = m[1]
	}
	if m := taxIDRe.FindStringSubmatch(text); m != nil {
		out["vendor_tax_id"] = strings.ToUpper(m[1])
	}
	if d := issueDate(lines); d != "" {
		out["issue_date"] = d
	}
	if iban := findIBAN(text); iban != "" {
		out["iban"] = iban
	}
	if cur := currency(text); cur != "" {
		out["currency"] = cur
	}
	if name := vendorName(lines); name != "" {
		out["vendor_name"] = name
	}

	for _, line := range lines {
		if taxIDRe.MatchString(line) || findIBAN(line) != "" {
			continue
		}
		switch {
		case subtotalLabelRe.MatchString(line):
			setAmount(out, "subtotal", line)
		case taxLabelRe.MatchString(line) && !totalFirstRe.MatchString(line):
			if m := percentRe.FindStringSubmatch(line); m != nil {
				out["tax_rate"] = m[1]
			}
			setAmount(out, "tax", line)
		case totalLabelRe.MatchString(line):
			setAmount(out, "total", line)
		}
	}
	return out
}

// setAmount records the last amount on the line; later lines win.
func setAmount(out domain.RawFields, key, line string) {
	line = dateRe.ReplaceAllString(line, " ")
	line = percentRe.ReplaceAllString(line, " ")
	amounts := amountRe.FindAllString(line, -1)
	if len(amounts) == 0 {
		return
	}
	out[key] = amounts[len(amounts)-1]
}

func issueDate(lines []string) string {
	for _, line := range lines {
		if dateLabelRe.MatchString(line) {
			if m := dateRe.FindStringSubmatch(line); m != nil {
				return m[1]
			}
		}
	}
	for _, line := range lines {
		if m := dateRe.FindStringSubmatch(line); m != nil {
			return m[1]
		}
	}
	return ""
}

// findIBAN skips shorter matches such as prefixed VAT numbers; the shortest
// IBAN has 15 characters.
func findIBAN(text string) string {
	for _, m := range ibanRe.FindAllStringSubmatch(strings.ToUpper(text), -1) {
		if iban := strings.ReplaceAll(m[1], " ", ""); len(iban) >= 15 {
			return iban
		}
	}
	return ""
}

func currency(text string) string {
	if m := currencyRe.FindStringSubmatch(strings.ToUpper(text)); m != nil {
		return m[1]
	}
	switch {
	case strings.Contains(text, "€"):
		return "EUR"
	case strings.Contains(text, "£"):
		return "GBP"
	}
	return ""
}

// vendorName is the first header line that looks like a name.
func vendorName(lines []string) string {
	const headerLines = 5
	seen := 0
	for _, line := range lines {
		if seen == headerLines {
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		seen++
		if loc := taxIDRe.FindStringIndex(line); loc != nil {
			line = line[:loc[0]]
		}
		line = strings.TrimRight(strings.TrimSpace(line), ",;:-")
		if line == "" || docWordRe.MatchString(line) || dateRe.MatchString(line) {
			continue
		}
		if letterShare(line) < 0.5 {
			continue
		}
		return line
	}
	return ""
}

func letterShare(s string) float64 {
	var letters, total int
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsLetter(r) {
			letters++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(letters) / float64(total)
}
