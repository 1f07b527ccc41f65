package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/doc-intake/internal/core/domain"
)

func TestMatchHeadersBankStatement(t *testing.T) {
	sel := NewDispatcher().MatchHeaders([]string{"Fecha", "Valor", "Importe", "Concepto", "IBAN"})
	assert.Equal(t, ParserBankStatement, sel.ParserID)
	assert.Equal(t, domain.SourceBankTransactions, sel.Hint)
}

func TestMatchHeadersInvoiceTable(t *testing.T) {
	sel := NewDispatcher().MatchHeaders([]string{"Factura", "Fecha", "Proveedor", "Subtotal", "IVA", "Total"})
	assert.Equal(t, ParserInvoiceTable, sel.ParserID)
	assert.Equal(t, domain.SourceInvoices, sel.Hint)
}

func TestMatchHeadersHighestOverlapWins(t *testing.T) {
	// "Total" and "Importe" hit the invoice and bank signatures once each;
	// SKU, Producto and Precio make the product list the clear winner.
	sel := NewDispatcher().MatchHeaders([]string{"SKU", "Producto", "Precio", "Importe", "Total"})
	assert.Equal(t, ParserProductList, sel.ParserID)
	assert.Equal(t, domain.SourceProducts, sel.Hint)
}

func TestMatchHeadersToleratesTypos(t *testing.T) {
	sel := NewDispatcher().MatchHeaders([]string{"Date", "Descripton", "Debito", "Credito", "Balanse"})
	assert.Equal(t, ParserBankStatement, sel.ParserID)
}

func TestMatchHeadersZeroOverlapIsGeneric(t *testing.T) {
	sel := NewDispatcher().MatchHeaders([]string{"Fecha", "Foo", "Bar"})
	assert.Equal(t, ParserGeneric, sel.ParserID)
	assert.Equal(t, domain.SourceType(""), sel.Hint)
}

func TestSelectParserCSV(t *testing.T) {
	data := []byte("\xEF\xBB\xBFFecha;Valor;Importe;Concepto;IBAN\n02/01/2024;02/01/2024;-12,50;Cafe;ES9121000418450200051332\n")
	sel, err := NewDispatcher().SelectParser(data, "movimientos.csv", "text/csv")
	require.NoError(t, err)
	assert.Equal(t, ParserBankStatement, sel.ParserID)
	assert.Equal(t, domain.FormatCSV, sel.Format)
	assert.Equal(t, []string{"Fecha", "Valor", "Importe", "Concepto", "IBAN"}, sel.Headers)
}

func TestSelectParserBinaryGoesToOCR(t *testing.T) {
	d := NewDispatcher()

	sel, err := d.SelectParser([]byte("%PDF-1.7\n..."), "scan.pdf", "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, ParserOCR, sel.ParserID)
	assert.Equal(t, domain.FormatPDF, sel.Format)

	sel, err = d.SelectParser([]byte("\x89PNG\r\n\x1a\n\x00\x00"), "scan.png", "image/png")
	require.NoError(t, err)
	assert.Equal(t, ParserOCR, sel.ParserID)
	assert.Equal(t, domain.FormatImage, sel.Format)
}

func TestSelectParserCorruptFile(t *testing.T) {
	d := NewDispatcher()
	cases := map[string]struct {
		data []byte
		name string
		mime string
	}{
		"empty":              {nil, "a.csv", "text/csv"},
		"text declared pdf":  {[]byte("hello"), "a.pdf", "application/pdf"},
		"broken workbook":    {[]byte("PK\x03\x04garbage"), "a.xlsx", MIMEXLSX},
		"binary not utf8":    {[]byte{0x00, 0xff, 0xfe, 0x01}, "a.pdf", "application/pdf"},
		"header only blanks": {[]byte("\n\n;;\n"), "a.csv", "text/csv"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := d.SelectParser(tc.data, tc.name, tc.mime)
			require.Error(t, err)
			de, ok := IsDispatchError(err)
			require.True(t, ok)
			assert.Equal(t, domain.CodeUnreadableFile, de.Code)
		})
	}
}

func TestSelectParserUnsupportedFormat(t *testing.T) {
	_, err := NewDispatcher().SelectParser([]byte("PK\x03\x04zip"), "bundle.zip", "application/zip")
	de, ok := IsDispatchError(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeUnsupportedFormat, de.Code)
}

func TestParseRecordsCSV(t *testing.T) {
	data := []byte("invoice_number,invoice_date,net_amount,,invoice_number\nDUP-1,2024-01-02,90.00,x,A\n,,,,\nDUP-2,2024-01-03,,y,B\n")
	d := NewDispatcher()
	sel, err := d.SelectParser(data, "rows.csv", "text/csv")
	require.NoError(t, err)

	recs, err := d.ParseRecords(data, sel)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "DUP-1", recs[0]["invoice_number"])
	assert.Equal(t, "A", recs[0]["invoice_number_2"])
	assert.Equal(t, "x", recs[0]["column_4"])
	assert.Nil(t, recs[1]["net_amount"])
}

func TestSniffDelimiter(t *testing.T) {
	assert.Equal(t, ';', sniffDelimiter([]byte("a;b;c\n1,5;2;3\n")))
	assert.Equal(t, ',', sniffDelimiter([]byte("a,b,c\n1,2,3\n")))
	assert.Equal(t, '\t', sniffDelimiter([]byte("a\tb\n1\t2\n")))
	assert.Equal(t, '|', sniffDelimiter([]byte("a|b|c\n\"x|y\"|2|3\n")))
}

func TestParseRecordsXLSX(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]any{"Factura", "Fecha", "Proveedor", "Subtotal", "IVA", "Total"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]any{"F-1", "2024-01-02", "Acme SL", "100", "21", "121"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A3", &[]any{"F-2", "2024-01-03", "Acme SL", "50", "10.5", "60.5"}))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	d := NewDispatcher()
	sel, err := d.SelectParser(buf.Bytes(), "facturas.xlsx", MIMEXLSX)
	require.NoError(t, err)
	assert.Equal(t, ParserInvoiceTable, sel.ParserID)
	assert.Equal(t, domain.FormatXLSX, sel.Format)

	recs, err := d.ParseRecords(buf.Bytes(), sel)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "F-2", recs[1]["Factura"])
	assert.Equal(t, "60.5", recs[1]["Total"])
}
