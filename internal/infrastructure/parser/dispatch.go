package parser

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/kirillkom/doc-intake/internal/core/countrypack"
	"github.com/kirillkom/doc-intake/internal/core/domain"
)

const (
	ParserBankStatement = "bank_statement"
	ParserInvoiceTable  = "invoice_table"
	ParserReceiptTable  = "receipt_table"
	ParserProductList   = "product_list"
	ParserGeneric       = "generic"
	ParserOCR           = "ocr"
)

// headerSampleRows bounds how far down a sheet the header row is searched.
const headerSampleRows = 10

// fuzzyMinRunes is the shortest header word compared by edit distance.
const fuzzyMinRunes = 5

// ParseDispatchError reports a file that cannot be routed to any parser.
type ParseDispatchError struct {
	Code domain.ErrorCode
	Err  error
}

func (e *ParseDispatchError) Error() string {
	return fmt.Sprintf("parser dispatch: %s: %v", e.Code, e.Err)
}

func (e *ParseDispatchError) Unwrap() error { return e.Err }

func (e *ParseDispatchError) ErrorCode() domain.ErrorCode { return e.Code }

func unreadable(format string, args ...any) error {
	return &ParseDispatchError{Code: domain.CodeUnreadableFile, Err: fmt.Errorf(format, args...)}
}

type signature struct {
	parserID string
	hint     domain.SourceType
	tokens   []string
}

// Dates appear in every kind of table, so date headers are not part of any
// signature.
var defaultSignatures = []signature{
	{
		parserID: ParserBankStatement,
		hint:     domain.SourceBankTransactions,
		tokens: []string{
			"iban", "valor", "fecha valor", "importe", "concepto", "saldo", "balance", "amount",
			"debit", "credit", "cargo", "abono", "movimiento", "value date", "booking", "counterparty",
			"beneficiary", "payee", "statement", "betrag", "verwendungszweck", "buchungstext", "solde", "libelle",
		},
	},
	{
		parserID: ParserInvoiceTable,
		hint:     domain.SourceInvoices,
		tokens: []string{
			"factura", "invoice", "invoice number", "proveedor", "supplier", "vendor", "subtotal",
			"base imponible", "iva", "vat", "tax", "total", "nif", "cif", "due", "vencimiento",
			"net amount", "rechnung", "facture", "fatura", "ttc",
		},
	},
	{
		parserID: ParserReceiptTable,
		hint:     domain.SourceReceipts,
		tokens: []string{
			"ticket", "receipt", "recibo", "merchant", "comercio", "establecimiento", "payment method",
			"forma de pago", "metodo de pago", "tarjeta", "card", "cash", "efectivo", "tip", "propina",
			"store", "tienda", "kassenbon",
		},
	},
	{
		parserID: ParserProductList,
		hint:     domain.SourceProducts,
		tokens: []string{
			"sku", "product", "producto", "articulo", "item", "precio", "price", "unit price",
			"precio unitario", "unidad", "unit", "ean", "barcode", "stock", "category", "categoria",
			"artikel", "einzelpreis", "designation",
		},
	},
}

// Dispatcher routes uploads to a parser. It is stateless and safe for
// concurrent use.
type Dispatcher struct {
	signatures []signature
}

func NewDispatcher() *Dispatcher {
	sigs := make([]signature, len(defaultSignatures))
	for i, s := range defaultSignatures {
		folded := make([]string, 0, len(s.tokens))
		for _, tok := range s.tokens {
			folded = append(folded, countrypack.FoldKey(tok))
		}
		sigs[i] = signature{parserID: s.parserID, hint: s.hint, tokens: folded}
	}
	return &Dispatcher{signatures: sigs}
}

// SelectParser inspects the content and declared type of a file. Binary
// documents always go to OCR; spreadsheets are routed by header signature.
func (d *Dispatcher) SelectParser(data []byte, filename, declaredMIME string) (domain.ParserSelection, error) {
	format, err := DetectFormat(data, filename, declaredMIME)
	if err != nil {
		return domain.ParserSelection{}, err
	}
	mime := SniffMIME(data)
	if !format.Structured() {
		return domain.ParserSelection{ParserID: ParserOCR, Format: format, MimeType: mime}, nil
	}

	rows, err := readRows(data, format, headerSampleRows)
	if err != nil {
		return domain.ParserSelection{}, err
	}
	headers := headerRow(rows)
	if headers == nil {
		return domain.ParserSelection{}, unreadable("no header row in %s", nonEmpty(filename, "upload"))
	}

	sel := d.MatchHeaders(headers)
	sel.Format = format
	sel.MimeType = mime
	return sel, nil
}

// MatchHeaders scores headers against every signature. The highest overlap
// wins and earlier signatures win exact ties; zero overlap selects the
// generic parser without a hint.
func (d *Dispatcher) MatchHeaders(headers []string) domain.ParserSelection {
	folded := make([]string, 0, len(headers))
	for _, h := range headers {
		if f := countrypack.FoldKey(h); f != "" {
			folded = append(folded, f)
		}
	}

	best, bestOverlap := -1, 0
	for i, sig := range d.signatures {
		overlap := 0
		for _, h := range folded {
			if sig.matches(h) {
				overlap++
			}
		}
		if overlap > bestOverlap {
			best, bestOverlap = i, overlap
		}
	}

	sel := domain.ParserSelection{ParserID: ParserGeneric, Headers: append([]string(nil), headers...)}
	if best >= 0 {
		sel.ParserID = d.signatures[best].parserID
		sel.Hint = d.signatures[best].hint
	}
	return sel
}

func (s signature) matches(header string) bool {
	padded := " " + header + " "
	words := strings.Fields(header)
	for _, tok := range s.tokens {
		if header == tok || strings.Contains(padded, " "+tok+" ") {
			return true
		}
		if strings.Contains(tok, " ") || utf8.RuneCountInString(tok) < fuzzyMinRunes {
			continue
		}
		for _, w := range words {
			if utf8.RuneCountInString(w) >= fuzzyMinRunes && levenshtein.ComputeDistance(w, tok) <= 1 {
				return true
			}
		}
	}
	return false
}

// ParseRecords turns a structured file into one raw record per data row.
func (d *Dispatcher) ParseRecords(data []byte, sel domain.ParserSelection) ([]domain.RawFields, error) {
	if !sel.Format.Structured() {
		return nil, &ParseDispatchError{Code: domain.CodeUnsupportedFormat, Err: fmt.Errorf("format %q is not row structured", sel.Format)}
	}
	rows, err := readRows(data, sel.Format, 0)
	if err != nil {
		return nil, err
	}
	return recordsFromRows(rows), nil
}

func readRows(data []byte, format domain.FileFormat, limit int) ([][]string, error) {
	switch format {
	case domain.FormatCSV:
		return readCSV(data, limit)
	case domain.FormatXLSX:
		return readXLSX(data, limit)
	}
	return nil, &ParseDispatchError{Code: domain.CodeUnsupportedFormat, Err: fmt.Errorf("no row reader for %q", format)}
}

func headerRow(rows [][]string) []string {
	for _, row := range rows {
		if !blankRow(row) {
			return row
		}
	}
	return nil
}

// recordsFromRows keys every data row by the header row. Blank header cells
// become column_N and repeated headers get a numeric suffix.
func recordsFromRows(rows [][]string) []domain.RawFields {
	start := -1
	for i, row := range rows {
		if !blankRow(row) {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}

	seen := map[string]int{}
	keys := make([]string, len(rows[start]))
	for i, h := range rows[start] {
		key := strings.TrimSpace(h)
		if key == "" {
			key = fmt.Sprintf("column_%d", i+1)
		}
		seen[key]++
		if n := seen[key]; n > 1 {
			key = fmt.Sprintf("%s_%d", key, n)
		}
		keys[i] = key
	}

	var out []domain.RawFields
	for _, row := range rows[start+1:] {
		if blankRow(row) {
			continue
		}
		rec := make(domain.RawFields, len(keys))
		for i, key := range keys {
			var v any
			if i < len(row) {
				if s := strings.TrimSpace(row[i]); s != "" {
					v = s
				}
			}
			rec[key] = v
		}
		out = append(out, rec)
	}
	return out
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func nonEmpty(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

// IsDispatchError reports whether err came from parser dispatch.
func IsDispatchError(err error) (*ParseDispatchError, bool) {
	var de *ParseDispatchError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
