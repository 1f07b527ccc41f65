package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type DocType string

const (
	DocTypeInvoice         DocType = "invoice"
	DocTypeReceipt         DocType = "receipt"
	DocTypeBankTransaction DocType = "bank_transaction"
	DocTypeProductList     DocType = "product_list"
	DocTypeUnknown         DocType = "unknown"
)

// KnownDocTypes lists the classifiable types in tie-break priority order.
var KnownDocTypes = []DocType{DocTypeInvoice, DocTypeReceipt, DocTypeBankTransaction, DocTypeProductList}

func ParseDocType(s string) (DocType, error) {
	switch dt := DocType(strings.ToLower(strings.TrimSpace(s))); dt {
	case DocTypeInvoice, DocTypeReceipt, DocTypeBankTransaction, DocTypeProductList, DocTypeUnknown:
		return dt, nil
	}
	return "", WrapError(ErrInvalidInput, "parse doc type", fmt.Errorf("unknown doc type %q", s))
}

const dateLayout = "2006-01-02"

// Date is a calendar date serialized as YYYY-MM-DD.
type Date struct {
	time.Time
}

func NewDate(t time.Time) *Date {
	y, m, d := t.Date()
	return &Date{Time: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

func (d Date) String() string { return d.Format(dateLayout) }

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Format(dateLayout))
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return err
	}
	d.Time = t
	return nil
}

type Party struct {
	Name      string `json:"name,omitempty"`
	TaxID     string `json:"tax_id,omitempty"`
	TaxIDType string `json:"tax_id_type,omitempty"`
	Address   string `json:"address,omitempty"`
}

type LineItem struct {
	Description string              `json:"description"`
	SKU         string              `json:"sku,omitempty"`
	Quantity    decimal.NullDecimal `json:"quantity"`
	UnitPrice   decimal.NullDecimal `json:"unit_price"`
	Amount      decimal.NullDecimal `json:"amount"`
	TaxRate     decimal.NullDecimal `json:"tax_rate"`
}

type TaxLine struct {
	Code   string              `json:"code"`
	Rate   decimal.NullDecimal `json:"rate"`
	Base   decimal.NullDecimal `json:"base"`
	Amount decimal.Decimal     `json:"amount"`
}

// Totals must satisfy subtotal + tax == total within one currency cent.
type Totals struct {
	Subtotal decimal.NullDecimal `json:"subtotal"`
	Tax      decimal.NullDecimal `json:"tax"`
	Total    decimal.NullDecimal `json:"total"`
}

type Invoice struct {
	Number       string     `json:"number"`
	IssueDate    *Date      `json:"issue_date"`
	DueDate      *Date      `json:"due_date,omitempty"`
	Vendor       Party      `json:"vendor"`
	Buyer        Party      `json:"buyer"`
	Lines        []LineItem `json:"lines"`
	Totals       Totals     `json:"totals"`
	TaxBreakdown []TaxLine  `json:"tax_breakdown"`
}

type Receipt struct {
	Number        string     `json:"number,omitempty"`
	IssueDate     *Date      `json:"issue_date"`
	Merchant      Party      `json:"merchant"`
	PaymentMethod string     `json:"payment_method,omitempty"`
	Lines         []LineItem `json:"lines"`
	Totals        Totals     `json:"totals"`
	TaxBreakdown  []TaxLine  `json:"tax_breakdown"`
}

type BankTransaction struct {
	StatementID     string              `json:"statement_id,omitempty"`
	Reference       string              `json:"reference,omitempty"`
	BankName        string              `json:"bank_name,omitempty"`
	AccountIBAN     string              `json:"account_iban,omitempty"`
	TransactionDate *Date               `json:"transaction_date"`
	ValueDate       *Date               `json:"value_date,omitempty"`
	Amount          decimal.NullDecimal `json:"amount"`
	Balance         decimal.NullDecimal `json:"balance"`
	Description     string              `json:"description,omitempty"`
	Counterparty    string              `json:"counterparty,omitempty"`
}

type Product struct {
	SKU       string              `json:"sku,omitempty"`
	Name      string              `json:"name"`
	Unit      string              `json:"unit,omitempty"`
	UnitPrice decimal.NullDecimal `json:"unit_price"`
	TaxRate   decimal.NullDecimal `json:"tax_rate"`
}

type ProductList struct {
	ListID    string    `json:"list_id,omitempty"`
	IssueDate *Date     `json:"issue_date,omitempty"`
	Supplier  Party     `json:"supplier"`
	Products  []Product `json:"products"`
}

// CanonicalDocument is a tagged union keyed by DocType: exactly the variant
// matching DocType is set.
type CanonicalDocument struct {
	DocType  DocType `json:"doc_type"`
	Country  string  `json:"country"`
	Currency string  `json:"currency"`

	Invoice         *Invoice         `json:"invoice,omitempty"`
	Receipt         *Receipt         `json:"receipt,omitempty"`
	BankTransaction *BankTransaction `json:"bank_transaction,omitempty"`
	ProductList     *ProductList     `json:"product_list,omitempty"`
}

// PrimaryDate returns the issue or transaction date of the active variant.
func (d *CanonicalDocument) PrimaryDate() *Date {
	switch d.DocType {
	case DocTypeInvoice:
		if d.Invoice != nil {
			return d.Invoice.IssueDate
		}
	case DocTypeReceipt:
		if d.Receipt != nil {
			return d.Receipt.IssueDate
		}
	case DocTypeBankTransaction:
		if d.BankTransaction != nil {
			return d.BankTransaction.TransactionDate
		}
	case DocTypeProductList:
		if d.ProductList != nil {
			return d.ProductList.IssueDate
		}
	}
	return nil
}

// MoneyBlock returns the totals and tax breakdown for variants that carry them.
func (d *CanonicalDocument) MoneyBlock() (*Totals, []TaxLine, bool) {
	switch {
	case d.DocType == DocTypeInvoice && d.Invoice != nil:
		return &d.Invoice.Totals, d.Invoice.TaxBreakdown, true
	case d.DocType == DocTypeReceipt && d.Receipt != nil:
		return &d.Receipt.Totals, d.Receipt.TaxBreakdown, true
	}
	return nil, nil, false
}

// Parties returns the parties of the active variant keyed by role.
func (d *CanonicalDocument) Parties() map[string]*Party {
	switch {
	case d.DocType == DocTypeInvoice && d.Invoice != nil:
		return map[string]*Party{"vendor": &d.Invoice.Vendor, "buyer": &d.Invoice.Buyer}
	case d.DocType == DocTypeReceipt && d.Receipt != nil:
		return map[string]*Party{"merchant": &d.Receipt.Merchant}
	case d.DocType == DocTypeProductList && d.ProductList != nil:
		return map[string]*Party{"supplier": &d.ProductList.Supplier}
	}
	return nil
}

// Classification is the outcome of document type detection.
type Classification struct {
	DocType    DocType             `json:"doc_type"`
	Confidence float64             `json:"confidence"`
	Scores     map[DocType]float64 `json:"scores,omitempty"`
}

// OCRResult is the black-box text extraction output.
type OCRResult struct {
	Text      string   `json:"text"`
	Fragments []string `json:"fragments"`
	Pages     int      `json:"pages"`
	Method    string   `json:"method"`
	Language  string   `json:"language"`
}
