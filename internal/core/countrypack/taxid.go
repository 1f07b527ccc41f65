package countrypack

import (
	"regexp"
	"strings"
)

// taxIDRules are keyed by the id type names used in pack files. Each rule
// receives an upper-cased id without separators or country prefix.
var taxIDRules = map[string]func(string) bool{
	"NIF":      validSpanishNIF,
	"NIE":      validSpanishNIE,
	"CIF":      validSpanishCIF,
	"NIF_PT":   validPortugueseNIF,
	"USTID_DE": validGermanVAT,
	"SIREN":    validSIREN,
	"SIRET":    validSIRET,
	"TVA_FR":   validFrenchVAT,
	"VAT_GB":   validBritishVAT,
	"EIN":      validEIN,
}

const nifLetters = "TRWAGMYFPDXBNJZSQVHLCKE"

var (
	nifPattern   = regexp.MustCompile(`^[0-9]{8}[A-Z]$`)
	niePattern   = regexp.MustCompile(`^[XYZ][0-9]{7}[A-Z]$`)
	cifPattern   = regexp.MustCompile(`^[ABCDEFGHJNPQRSUVW][0-9]{7}[0-9A-J]$`)
	digits9      = regexp.MustCompile(`^[0-9]{9}$`)
	einPattern   = regexp.MustCompile(`^[0-9]{9}$`)
	frVATPattern = regexp.MustCompile(`^[0-9]{11}$`)

	ptEntityPrefix = regexp.MustCompile(`^(45|7[0-25-79])`)
)

func validSpanishNIF(id string) bool {
	if !nifPattern.MatchString(id) {
		return false
	}
	return nifLetters[atoi(id[:8])%23] == id[8]
}

func validSpanishNIE(id string) bool {
	if !niePattern.MatchString(id) {
		return false
	}
	prefix := strings.IndexByte("XYZ", id[0])
	return validSpanishNIF(string(rune('0'+prefix)) + id[1:])
}

func validSpanishCIF(id string) bool {
	if !cifPattern.MatchString(id) {
		return false
	}
	sum := 0
	for i := 0; i < 7; i++ {
		d := int(id[1+i] - '0')
		if i%2 == 0 {
			d *= 2
			d = d/10 + d%10
		}
		sum += d
	}
	control := (10 - sum%10) % 10
	last := id[8]
	if last >= '0' && last <= '9' {
		return int(last-'0') == control
	}
	return "JABCDEFGHI"[control] == last
}

func validPortugueseNIF(id string) bool {
	if !digits9.MatchString(id) {
		return false
	}
	if strings.ContainsRune("047", rune(id[0])) && !ptEntityPrefix.MatchString(id) {
		return false
	}
	sum := 0
	for i := 0; i < 8; i++ {
		sum += int(id[i]-'0') * (9 - i)
	}
	check := 11 - sum%11
	if check >= 10 {
		check = 0
	}
	return int(id[8]-'0') == check
}

// validGermanVAT implements ISO 7064 MOD 11,10 over the nine digits.
func validGermanVAT(id string) bool {
	if !digits9.MatchString(id) || id[0] == '0' {
		return false
	}
	product := 10
	for i := 0; i < 8; i++ {
		sum := (int(id[i]-'0') + product) % 10
		if sum == 0 {
			sum = 10
		}
		product = (2 * sum) % 11
	}
	check := 11 - product
	if check == 10 {
		check = 0
	}
	return int(id[8]-'0') == check
}

func validSIREN(id string) bool {
	return digits9.MatchString(id) && luhn(id)
}

func validSIRET(id string) bool {
	return len(id) == 14 && allDigits(id) && luhn(id)
}

func validFrenchVAT(id string) bool {
	if !frVATPattern.MatchString(id) {
		return false
	}
	siren := id[2:]
	if !validSIREN(siren) {
		return false
	}
	key := (12 + 3*(atoi(siren)%97)) % 97
	return atoi(id[:2]) == key
}

func validBritishVAT(id string) bool {
	if len(id) == 12 && allDigits(id) {
		id = id[:9]
	}
	if !digits9.MatchString(id) {
		return false
	}
	sum := 0
	for i := 0; i < 7; i++ {
		sum += int(id[i]-'0') * (8 - i)
	}
	check := atoi(id[7:])
	return (sum+check)%97 == 0 || (sum+check+55)%97 == 0
}

func validEIN(id string) bool {
	return einPattern.MatchString(id) && !strings.HasPrefix(id, "00")
}

func luhn(id string) bool {
	sum := 0
	double := false
	for i := len(id) - 1; i >= 0; i-- {
		d := int(id[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

func atoi(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		n = n*10 + int(s[i]-'0')
	}
	return n
}
