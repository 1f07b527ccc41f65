package classifier

import (
	"regexp"

	"github.com/kirillkom/doc-intake/internal/core/domain"
)

type weightedKeyword struct {
	docType domain.DocType
	weight  float64
}

type pattern struct {
	re      *regexp.Regexp
	weights map[domain.DocType]float64
}

// PackKeywordWeight is the evidence one country pack keyword contributes
// unless a built-in rule already weighs it higher.
const PackKeywordWeight = 1.0

// Keywords are matched as whole folded words (see countrypack.FoldKey).
var builtinKeywords = map[domain.DocType]map[string]float64{
	domain.DocTypeInvoice: {
		"factura": 3, "invoice": 3, "fatura": 3, "facture": 3, "rechnung": 3,
		"tax invoice": 2, "invoice number": 2, "base imponible": 2, "numero de factura": 2,
		"bill to": 1.5, "due date": 1, "vencimiento": 1, "nif": 1, "cif": 1,
		"iva": 1, "vat": 1, "subtotal": 1, "total": 0.5,
	},
	domain.DocTypeReceipt: {
		"receipt": 3, "ticket": 2, "recibo": 2, "tique": 2, "kassenbon": 2,
		"thank you": 1, "gracias": 1, "cambio": 1, "change": 1, "efectivo": 1, "cash": 1,
		"tarjeta": 0.5, "card": 0.5, "total": 0.5,
	},
	domain.DocTypeBankTransaction: {
		"iban": 3, "extracto": 3, "bank statement": 3, "kontoauszug": 3,
		"saldo": 2, "balance": 2, "statement": 1.5, "fecha valor": 2, "value date": 2,
		"movimiento": 1.5, "movimientos": 1.5, "transferencia": 1, "transfer": 1,
		"debit": 1, "credit": 1, "cargo": 1, "abono": 1,
	},
	domain.DocTypeProductList: {
		"price list": 3, "tarifa": 2, "catalogo": 2, "catalog": 2, "catalogue": 2, "sku": 2,
		"unit price": 1.5, "precio unitario": 1.5, "ean": 1, "stock": 1,
		"articulo": 1, "product": 1, "producto": 1,
	},
}

// Patterns run over the upper-cased original text so punctuation such as
// '%' survives.
var builtinPatterns = []pattern{
	{
		// Spanish NIF/NIE/CIF and prefixed EU VAT numbers.
		re:      regexp.MustCompile(`\b(?:[0-9]{8}[A-Z]|[XYZ][0-9]{7}[A-Z]|[ABCDEFGHJNPQRSUVW][0-9]{7}[0-9A-J]|(?:ES|PT|DE|FR|GB|IT|NL|BE)[0-9A-Z]?[0-9]{7,11}[0-9A-Z]?)\b`),
		weights: map[domain.DocType]float64{
			domain.DocTypeInvoice: 1.5,
			domain.DocTypeReceipt: 0.5,
		},
	},
	{
		re:      regexp.MustCompile(`\b(?:IVA|VAT|TVA|MWST|UST|IGIC)\b\s*:?\s*\d{1,2}(?:[.,]\d+)?\s*%`),
		weights: map[domain.DocType]float64{
			domain.DocTypeInvoice: 2,
			domain.DocTypeReceipt: 1,
		},
	},
	{
		re:      regexp.MustCompile(`\b[A-Z]{2}[0-9]{2}(?:\s?[0-9A-Z]{4}){3,7}\b`),
		weights: map[domain.DocType]float64{domain.DocTypeBankTransaction: 2},
	},
	{
		re:      regexp.MustCompile(`\b(?:SKU|EAN|REF)\s*[:#]?\s*[0-9A-Z-]{4,}\b`),
		weights: map[domain.DocType]float64{domain.DocTypeProductList: 1.5},
	},
}
