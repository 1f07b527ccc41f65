package canonical

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/kirillkom/doc-intake/internal/core/countrypack"
	"github.com/kirillkom/doc-intake/internal/core/domain"
)

// NormalizationError carries every coercion failure found in one record.
type NormalizationError struct {
	Issues []domain.ValidationError
}

func (e *NormalizationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, issue.Error())
	}
	return "normalize: " + strings.Join(parts, "; ")
}

// Normalizer maps raw fields onto the canonical schema. It holds no mutable
// state and is safe for concurrent use.
type Normalizer struct {
	packs *countrypack.Registry
}

func NewNormalizer(packs *countrypack.Registry) *Normalizer {
	return &Normalizer{packs: packs}
}

// Normalize builds the canonical variant for docType. Absent fields stay
// unset so validation can report them; fields that are present but cannot
// be coerced fail the whole record.
func (n *Normalizer) Normalize(raw domain.RawFields, docType domain.DocType, pack *countrypack.Pack) (*domain.CanonicalDocument, error) {
	return n.NormalizeRows([]domain.RawFields{raw}, docType, pack)
}

// NormalizeRows builds one document from a header row followed by line rows.
// Document fields come from rows[0]; every row, the header included, adds a
// line item or product when it carries line columns.
func (n *Normalizer) NormalizeRows(rows []domain.RawFields, docType domain.DocType, pack *countrypack.Pack) (*domain.CanonicalDocument, error) {
	if pack == nil {
		return nil, &NormalizationError{Issues: []domain.ValidationError{{
			Code:    domain.CodeUnknownCountry,
			Message: "no country pack available",
			Field:   "country",
		}}}
	}

	if len(rows) == 0 {
		rows = []domain.RawFields{{}}
	}
	r := newReader(rows[0], pack, n.packs)
	r.rows = rows
	doc := &domain.CanonicalDocument{
		DocType:  docType,
		Country:  pack.Code,
		Currency: pack.Currency,
	}
	if cur := strings.ToUpper(r.text("currency")); cur != "" {
		doc.Currency = cur
	}

	switch docType {
	case domain.DocTypeInvoice:
		doc.Invoice = r.invoice()
	case domain.DocTypeReceipt:
		doc.Receipt = r.receipt()
	case domain.DocTypeBankTransaction:
		doc.BankTransaction = r.bankTransaction()
	case domain.DocTypeProductList:
		doc.ProductList = r.productList()
	default:
		return nil, &NormalizationError{Issues: []domain.ValidationError{{
			Code:    domain.CodeUnclassified,
			Message: fmt.Sprintf("cannot normalize document of type %q", docType),
			Field:   "doc_type",
		}}}
	}

	if len(r.issues) > 0 {
		return nil, &NormalizationError{Issues: r.issues}
	}
	return doc, nil
}

type reader struct {
	raw    domain.RawFields
	rows   []domain.RawFields
	pack   *countrypack.Pack
	packs  *countrypack.Registry
	fields map[string]string
	issues []domain.ValidationError
}

func newReader(raw domain.RawFields, pack *countrypack.Pack, packs *countrypack.Registry) *reader {
	return &reader{raw: raw, pack: pack, fields: pack.ResolveAliases(raw), packs: packs}
}

// lineFields are the columns that make a row carry a document line.
var lineFields = []string{"description", "product_name", "sku", "quantity", "unit_price", "line_amount"}

func (r *reader) hasLine() bool {
	for _, f := range lineFields {
		if _, ok := r.value(f); ok {
			return true
		}
	}
	return false
}

// eachRow visits the header reader and a fresh reader per line row, folding
// line row issues into the header's.
func (r *reader) eachRow(fn func(lr *reader)) {
	for i, row := range r.rows {
		if i == 0 {
			fn(r)
			continue
		}
		lr := newReader(row, r.pack, r.packs)
		fn(lr)
		r.issues = append(r.issues, lr.issues...)
	}
}

func (r *reader) lineItems(prefix string) []domain.LineItem {
	out := []domain.LineItem{}
	r.eachRow(func(lr *reader) {
		if !lr.hasLine() {
			return
		}
		path := fmt.Sprintf("%s.lines[%d]", prefix, len(out))
		desc := lr.text("description")
		if desc == "" {
			desc = lr.text("product_name")
		}
		line := domain.LineItem{
			Description: desc,
			SKU:         lr.text("sku"),
			Quantity:    lr.amount("quantity", path+".quantity"),
			UnitPrice:   lr.amount("unit_price", path+".unit_price"),
			Amount:      lr.amount("line_amount", path+".amount"),
			TaxRate:     lr.rate("tax_rate", path+".tax_rate"),
		}
		if !line.Amount.Valid && line.Quantity.Valid && line.UnitPrice.Valid {
			line.Amount = decimal.NewNullDecimal(Round2(line.Quantity.Decimal.Mul(line.UnitPrice.Decimal)))
		}
		out = append(out, line)
	})
	return out
}

func (r *reader) value(field string) (any, bool) {
	key, ok := r.fields[field]
	if !ok {
		return nil, false
	}
	v := r.raw[key]
	if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
		return nil, false
	}
	return v, v != nil
}

func (r *reader) text(field string) string {
	key, ok := r.fields[field]
	if !ok {
		return ""
	}
	s, _ := r.raw.Text(key)
	return s
}

func (r *reader) amount(field, path string) decimal.NullDecimal {
	v, ok := r.value(field)
	if !ok {
		return decimal.NullDecimal{}
	}
	d, err := ParseAmount(v, r.pack.DecimalComma)
	if err != nil {
		r.issues = append(r.issues, domain.ValidationError{Code: domain.CodeUnparseableAmount, Message: err.Error(), Field: path})
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func (r *reader) rate(field, path string) decimal.NullDecimal {
	v, ok := r.value(field)
	if !ok {
		return decimal.NullDecimal{}
	}
	d, err := ParseRate(v, r.pack.DecimalComma)
	if err != nil {
		r.issues = append(r.issues, domain.ValidationError{Code: domain.CodeUnparseableAmount, Message: err.Error(), Field: path})
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func (r *reader) date(field, path string) *domain.Date {
	s := r.text(field)
	if s == "" {
		return nil
	}
	t, err := r.pack.ParseDate(s)
	if err != nil {
		r.issues = append(r.issues, domain.ValidationError{Code: domain.CodeUnparseableDate, Message: err.Error(), Field: path})
		return nil
	}
	return domain.NewDate(t)
}

func (r *reader) party(nameField, taxField, addressField string) domain.Party {
	p := domain.Party{Name: r.text(nameField), TaxID: strings.ToUpper(r.text(taxField))}
	if addressField != "" {
		p.Address = r.text(addressField)
	}
	if p.TaxID != "" && r.packs != nil {
		if idType, ok := r.packs.ValidateTaxID(r.pack, p.TaxID); ok {
			p.TaxIDType = idType
		}
	}
	return p
}

func (r *reader) totals(prefix string) domain.Totals {
	return domain.Totals{
		Subtotal: r.amount("subtotal", prefix+".totals.subtotal"),
		Tax:      r.amount("tax", prefix+".totals.tax"),
		Total:    r.amount("total", prefix+".totals.total"),
	}
}

// taxBreakdown yields a single line when the row names its tax code or rate.
func (r *reader) taxBreakdown(prefix string, totals domain.Totals) []domain.TaxLine {
	code := strings.ToUpper(r.text("tax_code"))
	rate := r.rate("tax_rate", prefix+".tax_breakdown[0].rate")
	if code == "" && !rate.Valid {
		return []domain.TaxLine{}
	}
	if !totals.Tax.Valid {
		return []domain.TaxLine{}
	}
	if code == "" && rate.Valid {
		for _, tc := range r.pack.TaxCodes {
			if tc.Rate.Valid && tc.Rate.Decimal.Equal(rate.Decimal) {
				code = tc.Code
				break
			}
		}
	}
	return []domain.TaxLine{{
		Code:   code,
		Rate:   rate,
		Base:   totals.Subtotal,
		Amount: totals.Tax.Decimal,
	}}
}

func (r *reader) invoice() *domain.Invoice {
	totals := r.totals("invoice")
	return &domain.Invoice{
		Number:       r.text("doc_number"),
		IssueDate:    r.date("issue_date", "invoice.issue_date"),
		DueDate:      r.date("due_date", "invoice.due_date"),
		Vendor:       r.party("vendor_name", "vendor_tax_id", "vendor_address"),
		Buyer:        r.party("buyer_name", "buyer_tax_id", ""),
		Lines:        r.lineItems("invoice"),
		Totals:       totals,
		TaxBreakdown: r.taxBreakdown("invoice", totals),
	}
}

func (r *reader) receipt() *domain.Receipt {
	totals := r.totals("receipt")
	return &domain.Receipt{
		Number:        r.text("doc_number"),
		IssueDate:     r.date("issue_date", "receipt.issue_date"),
		Merchant:      r.party("vendor_name", "vendor_tax_id", "vendor_address"),
		PaymentMethod: r.text("payment_method"),
		Lines:         r.lineItems("receipt"),
		Totals:        totals,
		TaxBreakdown:  r.taxBreakdown("receipt", totals),
	}
}

func (r *reader) bankTransaction() *domain.BankTransaction {
	tx := &domain.BankTransaction{
		StatementID:  r.text("statement_id"),
		Reference:    r.text("reference"),
		BankName:     r.text("bank_name"),
		AccountIBAN:  strings.ReplaceAll(strings.ToUpper(r.text("iban")), " ", ""),
		ValueDate:    r.date("value_date", "bank_transaction.value_date"),
		Amount:       r.amount("amount", "bank_transaction.amount"),
		Balance:      r.amount("balance", "bank_transaction.balance"),
		Description:  r.text("description"),
		Counterparty: r.text("counterparty"),
	}
	if _, ok := r.fields["transaction_date"]; ok {
		tx.TransactionDate = r.date("transaction_date", "bank_transaction.transaction_date")
	} else {
		tx.TransactionDate = r.date("issue_date", "bank_transaction.transaction_date")
	}
	if !tx.Amount.Valid {
		credit := r.amount("credit", "bank_transaction.credit")
		debit := r.amount("debit", "bank_transaction.debit")
		if credit.Valid || debit.Valid {
			sum := decimal.Zero
			if credit.Valid {
				sum = sum.Add(credit.Decimal.Abs())
			}
			if debit.Valid {
				sum = sum.Sub(debit.Decimal.Abs())
			}
			tx.Amount = decimal.NewNullDecimal(sum)
		}
	}
	return tx
}

func (r *reader) productList() *domain.ProductList {
	list := &domain.ProductList{
		ListID:    r.text("list_id"),
		IssueDate: r.date("issue_date", "product_list.issue_date"),
		Supplier:  r.party("vendor_name", "vendor_tax_id", "vendor_address"),
		Products:  []domain.Product{},
	}
	r.eachRow(func(lr *reader) {
		name := lr.text("product_name")
		sku := lr.text("sku")
		path := fmt.Sprintf("product_list.products[%d]", len(list.Products))
		price := lr.amount("unit_price", path+".unit_price")
		if name == "" && sku == "" && !price.Valid {
			return
		}
		list.Products = append(list.Products, domain.Product{
			SKU:       sku,
			Name:      name,
			Unit:      lr.text("unit"),
			UnitPrice: price,
			TaxRate:   lr.rate("tax_rate", path+".tax_rate"),
		})
	})
	return list
}

// GroupRows folds the rows of one structured file into documents and returns
// the row indexes of each, header row first. A row carrying line columns
// joins the earlier document with the same identity: invoices and receipts
// by issuer and number, product lists by supplier and list id. Bank
// transactions and unclassified rows are never folded.
func GroupRows(rows []domain.RawFields, docType domain.DocType, pack *countrypack.Pack) [][]int {
	groups := make([][]int, 0, len(rows))
	byKey := make(map[string]int)
	for i, row := range rows {
		if pack != nil {
			r := newReader(row, pack, nil)
			if key, ok := r.documentIdentity(docType); ok {
				if g, seen := byKey[key]; seen && r.hasLine() {
					groups[g] = append(groups[g], i)
					continue
				}
				if _, seen := byKey[key]; !seen {
					byKey[key] = len(groups)
				}
			}
		}
		groups = append(groups, []int{i})
	}
	return groups
}

func (r *reader) documentIdentity(docType domain.DocType) (string, bool) {
	issuer := r.text("vendor_tax_id")
	if issuer == "" {
		issuer = r.text("vendor_name")
	}
	switch docType {
	case domain.DocTypeInvoice, domain.DocTypeReceipt:
		number := r.text("doc_number")
		if number == "" {
			return "", false
		}
		return strings.ToUpper(issuer + "|" + number), true
	case domain.DocTypeProductList:
		return strings.ToUpper(issuer + "|" + r.text("list_id")), true
	}
	return "", false
}
