package canonical

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Tolerance is the largest accepted difference between reconciled amounts.
var Tolerance = decimal.New(1, -2)

// Round2 rounds half away from zero to two decimal places, which is half-up
// on the magnitude for both signs.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Reconciles reports whether a and b agree within Tolerance after rounding.
func Reconciles(a, b decimal.Decimal) bool {
	return Round2(a).Sub(Round2(b)).Abs().LessThanOrEqual(Tolerance)
}

// KnownCurrency reports whether code is an ISO 4217 currency.
func KnownCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	return money.GetCurrency(strings.ToUpper(code)) != nil
}

// ParseAmount converts a raw numeric field into a decimal. Strings may carry
// currency symbols, thousands separators, a trailing minus or accounting
// parentheses. decimalComma selects how a lone ambiguous separator is read.
func ParseAmount(v any, decimalComma bool) (decimal.Decimal, error) {
	switch tv := v.(type) {
	case float64:
		return decimal.NewFromFloat(tv), nil
	case int:
		return decimal.NewFromInt(int64(tv)), nil
	case int64:
		return decimal.NewFromInt(tv), nil
	case decimal.Decimal:
		return tv, nil
	case string:
		return parseAmountString(tv, decimalComma)
	case nil:
		return decimal.Zero, fmt.Errorf("amount is null")
	default:
		return decimal.Zero, fmt.Errorf("amount has unsupported type %T", v)
	}
}

// ParseRate accepts a percentage such as "21", "21%" or "5,5 %".
func ParseRate(v any, decimalComma bool) (decimal.Decimal, error) {
	if s, ok := v.(string); ok {
		v = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	}
	return ParseAmount(v, decimalComma)
}

func parseAmountString(s string, decimalComma bool) (decimal.Decimal, error) {
	in := strings.TrimSpace(s)
	if in == "" {
		return decimal.Zero, fmt.Errorf("amount is empty")
	}

	negative := false
	if strings.HasPrefix(in, "(") && strings.HasSuffix(in, ")") {
		negative = true
		in = in[1 : len(in)-1]
	}

	var b strings.Builder
	for _, r := range in {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',':
			b.WriteRune(r)
		case r == '-' || r == '−':
			negative = !negative
		case r == '+' || r == '\'' || unicode.IsSpace(r) || unicode.IsLetter(r) || unicode.Is(unicode.Sc, r):
		default:
			return decimal.Zero, fmt.Errorf("amount %q has unexpected character %q", s, r)
		}
	}
	num := b.String()
	if strings.Trim(num, ".,") == "" {
		return decimal.Zero, fmt.Errorf("amount %q has no digits", s)
	}

	num = normalizeSeparators(num, decimalComma)
	d, err := decimal.NewFromString(num)
	if err != nil {
		return decimal.Zero, fmt.Errorf("amount %q: %w", s, err)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// normalizeSeparators rewrites num to use '.' as the only decimal separator.
func normalizeSeparators(num string, decimalComma bool) string {
	lastDot := strings.LastIndexByte(num, '.')
	lastComma := strings.LastIndexByte(num, ',')
	dots := strings.Count(num, ".")
	commas := strings.Count(num, ",")

	switch {
	case dots > 0 && commas > 0:
		if lastComma > lastDot {
			return strings.ReplaceAll(strings.ReplaceAll(num, ".", ""), ",", ".")
		}
		return strings.ReplaceAll(num, ",", "")
	case commas > 1:
		return strings.ReplaceAll(num, ",", "")
	case dots > 1:
		return strings.ReplaceAll(num, ".", "")
	case commas == 1:
		if !decimalComma && groupsOfThree(num, lastComma) {
			return strings.ReplaceAll(num, ",", "")
		}
		return strings.ReplaceAll(num, ",", ".")
	case dots == 1:
		if decimalComma && groupsOfThree(num, lastDot) {
			return strings.ReplaceAll(num, ".", "")
		}
		return num
	}
	return num
}

func groupsOfThree(num string, sep int) bool {
	return sep > 0 && len(num)-sep-1 == 3
}
