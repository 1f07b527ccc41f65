package canonical

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kirillkom/doc-intake/internal/core/countrypack"
	"github.com/kirillkom/doc-intake/internal/core/domain"
)

// DefaultFutureGrace absorbs timezone skew between issuers and the server.
const DefaultFutureGrace = 48 * time.Hour

type ValidatorOption func(*Validator)

func WithClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) {
		if now != nil {
			v.now = now
		}
	}
}

func WithFutureGrace(d time.Duration) ValidatorOption {
	return func(v *Validator) {
		if d >= 0 {
			v.futureGrace = d
		}
	}
}

// Validator runs structural and fiscal checks. Every rule runs regardless of
// earlier failures.
type Validator struct {
	packs       *countrypack.Registry
	schema      *Schema
	now         func() time.Time
	futureGrace time.Duration
}

func NewValidator(packs *countrypack.Registry, schema *Schema, opts ...ValidatorOption) *Validator {
	v := &Validator{
		packs:       packs,
		schema:      schema,
		now:         time.Now,
		futureGrace: DefaultFutureGrace,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate never fails; an empty result means the document is valid.
func (v *Validator) Validate(doc *domain.CanonicalDocument, pinnedCurrency string) []domain.ValidationError {
	if doc == nil {
		return []domain.ValidationError{{Code: domain.CodeSchemaViolation, Message: "document is nil"}}
	}

	var errs []domain.ValidationError
	add := func(code domain.ErrorCode, field, format string, args ...any) {
		errs = append(errs, domain.ValidationError{Code: code, Message: fmt.Sprintf(format, args...), Field: field})
	}

	if v.schema != nil {
		errs = append(errs, v.schema.Check(doc)...)
	}

	var pack *countrypack.Pack
	if v.packs != nil {
		p, err := v.packs.Get(doc.Country)
		if err != nil {
			add(domain.CodeUnknownCountry, "country", "no country pack for %q", doc.Country)
		} else {
			pack = p
		}
	}

	v.checkRequired(doc, add)
	v.checkTotals(doc, add)
	v.checkTaxBreakdown(doc, pack, add)
	v.checkDates(doc, add)
	v.checkTaxIDs(doc, pack, add)

	currency := strings.ToUpper(strings.TrimSpace(doc.Currency))
	if !KnownCurrency(currency) {
		add(domain.CodeUnrecognizedCurrency, "currency", "currency %q is not an ISO 4217 code", doc.Currency)
	}
	if pinned := strings.ToUpper(strings.TrimSpace(pinnedCurrency)); pinned != "" && pinned != currency {
		add(domain.CodeCurrencyMismatch, "currency", "currency %s differs from tenant currency %s", currency, pinned)
	}

	return errs
}

type addFunc func(code domain.ErrorCode, field, format string, args ...any)

func (v *Validator) checkRequired(doc *domain.CanonicalDocument, add addFunc) {
	missing := func(field string) {
		add(domain.CodeMissingRequiredField, field, "%s is required", field)
	}
	switch doc.DocType {
	case domain.DocTypeInvoice:
		inv := doc.Invoice
		if inv == nil {
			missing("invoice")
			return
		}
		if strings.TrimSpace(inv.Number) == "" {
			missing("invoice.number")
		}
		if inv.IssueDate == nil {
			missing("invoice.issue_date")
		}
		requireTotals("invoice", inv.Totals, true, missing)
	case domain.DocTypeReceipt:
		rc := doc.Receipt
		if rc == nil {
			missing("receipt")
			return
		}
		if rc.IssueDate == nil {
			missing("receipt.issue_date")
		}
		if strings.TrimSpace(rc.Merchant.Name) == "" {
			missing("receipt.merchant.name")
		}
		requireTotals("receipt", rc.Totals, false, missing)
	case domain.DocTypeBankTransaction:
		tx := doc.BankTransaction
		if tx == nil {
			missing("bank_transaction")
			return
		}
		if tx.TransactionDate == nil {
			missing("bank_transaction.transaction_date")
		}
		if !tx.Amount.Valid {
			missing("bank_transaction.amount")
		}
		if strings.TrimSpace(tx.Reference) == "" && strings.TrimSpace(tx.Description) == "" {
			missing("bank_transaction.reference")
		}
	case domain.DocTypeProductList:
		pl := doc.ProductList
		if pl == nil {
			missing("product_list")
			return
		}
		if len(pl.Products) == 0 {
			missing("product_list.products")
		}
		for i, p := range pl.Products {
			if strings.TrimSpace(p.Name) == "" {
				missing(fmt.Sprintf("product_list.products[%d].name", i))
			}
		}
	default:
		missing("doc_type")
	}
}

func requireTotals(prefix string, t domain.Totals, all bool, missing func(string)) {
	if all && !t.Subtotal.Valid {
		missing(prefix + ".totals.subtotal")
	}
	if all && !t.Tax.Valid {
		missing(prefix + ".totals.tax")
	}
	if !t.Total.Valid {
		missing(prefix + ".totals.total")
	}
}

func (v *Validator) checkTotals(doc *domain.CanonicalDocument, add addFunc) {
	totals, _, ok := doc.MoneyBlock()
	if !ok || !totals.Subtotal.Valid || !totals.Tax.Valid || !totals.Total.Valid {
		return
	}
	sum := Round2(totals.Subtotal.Decimal).Add(Round2(totals.Tax.Decimal))
	if !Reconciles(sum, totals.Total.Decimal) {
		add(domain.CodeTotalsMismatch, string(doc.DocType)+".totals",
			"subtotal %s + tax %s = %s, total is %s",
			Round2(totals.Subtotal.Decimal).StringFixed(2), Round2(totals.Tax.Decimal).StringFixed(2),
			sum.StringFixed(2), Round2(totals.Total.Decimal).StringFixed(2))
	}
}

func (v *Validator) checkTaxBreakdown(doc *domain.CanonicalDocument, pack *countrypack.Pack, add addFunc) {
	totals, lines, ok := doc.MoneyBlock()
	if !ok || len(lines) == 0 {
		return
	}
	prefix := string(doc.DocType) + ".tax_breakdown"
	sum := decimal.Zero
	for i, line := range lines {
		sum = sum.Add(Round2(line.Amount))
		if pack != nil && line.Code != "" {
			if _, known := pack.TaxCode(line.Code); !known {
				add(domain.CodeInvalidTaxCode, fmt.Sprintf("%s[%d].code", prefix, i), "tax code %q is not accepted in %s", line.Code, pack.Code)
			}
		}
	}
	if totals.Tax.Valid && !Reconciles(sum, totals.Tax.Decimal) {
		add(domain.CodeTaxBreakdownMismatch, prefix, "tax lines sum to %s, totals tax is %s",
			sum.StringFixed(2), Round2(totals.Tax.Decimal).StringFixed(2))
	}
}

func (v *Validator) checkDates(doc *domain.CanonicalDocument, add addFunc) {
	limit := v.now().UTC().Add(v.futureGrace)
	check := func(field string, d *domain.Date) {
		if d != nil && d.After(limit) {
			add(domain.CodeFutureDate, field, "%s is in the future", d.String())
		}
	}
	switch doc.DocType {
	case domain.DocTypeInvoice:
		if doc.Invoice != nil {
			check("invoice.issue_date", doc.Invoice.IssueDate)
		}
	case domain.DocTypeReceipt:
		if doc.Receipt != nil {
			check("receipt.issue_date", doc.Receipt.IssueDate)
		}
	case domain.DocTypeBankTransaction:
		if doc.BankTransaction != nil {
			check("bank_transaction.transaction_date", doc.BankTransaction.TransactionDate)
			check("bank_transaction.value_date", doc.BankTransaction.ValueDate)
		}
	case domain.DocTypeProductList:
		if doc.ProductList != nil {
			check("product_list.issue_date", doc.ProductList.IssueDate)
		}
	}
}

func (v *Validator) checkTaxIDs(doc *domain.CanonicalDocument, pack *countrypack.Pack, add addFunc) {
	if v.packs == nil {
		return
	}
	parties := doc.Parties()
	for _, role := range []string{"vendor", "buyer", "merchant", "supplier"} {
		p, ok := parties[role]
		if !ok || strings.TrimSpace(p.TaxID) == "" {
			continue
		}
		if _, valid := v.packs.ValidateTaxID(pack, p.TaxID); !valid {
			add(domain.CodeInvalidTaxID, fmt.Sprintf("%s.%s.tax_id", doc.DocType, role), "tax id %q fails the %s checksum", p.TaxID, doc.Country)
		}
	}
}
