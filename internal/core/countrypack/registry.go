package countrypack

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/kirillkom/doc-intake/internal/core/domain"
)

//go:embed packs.yaml
var builtinPacks []byte

var isoDateLayouts = []string{"2006-01-02", "2006-01-02T15:04:05Z07:00", "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006/01/02"}

type fileFormat struct {
	Common struct {
		Aliases map[string][]string `yaml:"aliases"`
	} `yaml:"common"`
	Packs []packFile `yaml:"packs"`
}

type packFile struct {
	Code         string              `yaml:"code"`
	Currency     string              `yaml:"currency"`
	DecimalComma bool                `yaml:"decimal_comma"`
	DateFormats  []string            `yaml:"date_formats"`
	IDTypes      []string            `yaml:"id_types"`
	TaxCodes     []taxCodeFile       `yaml:"tax_codes"`
	Aliases      map[string][]string `yaml:"aliases"`
	Keywords     map[string][]string `yaml:"classifier_keywords"`
}

type taxCodeFile struct {
	Code string `yaml:"code"`
	Rate string `yaml:"rate"`
}

type TaxCode struct {
	Code string
	Rate decimal.NullDecimal
}

// Pack is the per-country configuration. It is immutable once loaded and safe
// for concurrent use.
type Pack struct {
	Code         string
	Currency     string
	DecimalComma bool
	DateFormats  []string
	IDTypes      []string
	TaxCodes     []TaxCode
	Keywords     map[domain.DocType][]string

	// aliases holds folded source names per canonical field: the field name
	// itself, then pack aliases, then common aliases.
	aliases  map[string][]string
	taxCodes map[string]TaxCode
}

// Registry indexes packs by ISO 3166 alpha-2 code.
type Registry struct {
	packs map[string]*Pack
	codes []string
}

// Default loads the embedded pack file.
func Default() (*Registry, error) {
	return LoadYAML(builtinPacks)
}

// LoadFile loads packs from path, falling back to the embedded set when path is empty.
func LoadFile(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read country packs %s: %w", path, err)
	}
	return LoadYAML(data)
}

func LoadYAML(data []byte) (*Registry, error) {
	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "load country packs", err)
	}
	if len(ff.Packs) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "load country packs", fmt.Errorf("no packs defined"))
	}

	reg := &Registry{packs: make(map[string]*Pack, len(ff.Packs))}
	for _, pf := range ff.Packs {
		pack, err := buildPack(pf, ff.Common.Aliases)
		if err != nil {
			return nil, domain.WrapError(domain.ErrInvalidInput, "load country packs", err)
		}
		if _, dup := reg.packs[pack.Code]; dup {
			return nil, domain.WrapError(domain.ErrInvalidInput, "load country packs", fmt.Errorf("duplicate pack %s", pack.Code))
		}
		reg.packs[pack.Code] = pack
		reg.codes = append(reg.codes, pack.Code)
	}
	sort.Strings(reg.codes)
	return reg, nil
}

func buildPack(pf packFile, common map[string][]string) (*Pack, error) {
	code := strings.ToUpper(strings.TrimSpace(pf.Code))
	if len(code) != 2 {
		return nil, fmt.Errorf("pack code %q must be ISO 3166 alpha-2", pf.Code)
	}
	currency := strings.ToUpper(strings.TrimSpace(pf.Currency))
	if len(currency) != 3 {
		return nil, fmt.Errorf("pack %s: currency %q must be ISO 4217", code, pf.Currency)
	}
	if len(pf.DateFormats) == 0 {
		return nil, fmt.Errorf("pack %s: no date formats", code)
	}
	for _, idType := range pf.IDTypes {
		if _, ok := taxIDRules[strings.ToUpper(idType)]; !ok {
			return nil, fmt.Errorf("pack %s: unknown id type %q", code, idType)
		}
	}

	p := &Pack{
		Code:         code,
		Currency:     currency,
		DecimalComma: pf.DecimalComma,
		DateFormats:  append([]string(nil), pf.DateFormats...),
		Keywords:     make(map[domain.DocType][]string, len(pf.Keywords)),
		aliases:      make(map[string][]string),
		taxCodes:     make(map[string]TaxCode, len(pf.TaxCodes)),
	}
	for _, idType := range pf.IDTypes {
		p.IDTypes = append(p.IDTypes, strings.ToUpper(idType))
	}
	for _, tc := range pf.TaxCodes {
		entry := TaxCode{Code: strings.ToUpper(strings.TrimSpace(tc.Code))}
		if rate := strings.TrimSpace(tc.Rate); rate != "" {
			d, err := decimal.NewFromString(rate)
			if err != nil {
				return nil, fmt.Errorf("pack %s: tax code %s rate: %w", code, tc.Code, err)
			}
			entry.Rate = decimal.NewNullDecimal(d)
		}
		p.TaxCodes = append(p.TaxCodes, entry)
		p.taxCodes[entry.Code] = entry
	}
	for dt, words := range pf.Keywords {
		docType, err := domain.ParseDocType(dt)
		if err != nil || docType == domain.DocTypeUnknown {
			return nil, fmt.Errorf("pack %s: keywords for unknown doc type %q", code, dt)
		}
		p.Keywords[docType] = append([]string(nil), words...)
	}

	fields := make(map[string]struct{})
	for f := range common {
		fields[f] = struct{}{}
	}
	for f := range pf.Aliases {
		fields[f] = struct{}{}
	}
	for field := range fields {
		seen := map[string]struct{}{}
		var list []string
		add := func(names ...string) {
			for _, n := range names {
				k := FoldKey(n)
				if k == "" {
					continue
				}
				if _, ok := seen[k]; ok {
					continue
				}
				seen[k] = struct{}{}
				list = append(list, k)
			}
		}
		add(field)
		add(pf.Aliases[field]...)
		add(common[field]...)
		p.aliases[field] = list
	}
	return p, nil
}

func (r *Registry) Get(code string) (*Pack, error) {
	key := strings.ToUpper(strings.TrimSpace(code))
	p, ok := r.packs[key]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "country pack", fmt.Errorf("no pack for %q", code))
	}
	return p, nil
}

func (r *Registry) Codes() []string {
	return append([]string(nil), r.codes...)
}

// Keywords merges classifier keywords of every pack, deduplicated and sorted.
func (r *Registry) Keywords() map[domain.DocType][]string {
	set := map[domain.DocType]map[string]struct{}{}
	for _, p := range r.packs {
		for dt, words := range p.Keywords {
			if set[dt] == nil {
				set[dt] = map[string]struct{}{}
			}
			for _, w := range words {
				if k := FoldKey(w); k != "" {
					set[dt][k] = struct{}{}
				}
			}
		}
	}
	out := make(map[domain.DocType][]string, len(set))
	for dt, words := range set {
		list := make([]string, 0, len(words))
		for w := range words {
			list = append(list, w)
		}
		sort.Strings(list)
		out[dt] = list
	}
	return out
}

// ValidateTaxID checks id against the rules of the pack named by its VAT
// prefix when it carries a foreign one, otherwise against fallback's rules.
func (r *Registry) ValidateTaxID(fallback *Pack, id string) (string, bool) {
	clean := cleanTaxID(id)
	if len(clean) > 2 && isUpperLetter(clean[0]) && isUpperLetter(clean[1]) {
		if p, ok := r.packs[clean[:2]]; ok && p != fallback {
			return p.ValidateTaxID(clean)
		}
	}
	if fallback == nil {
		return "", false
	}
	return fallback.ValidateTaxID(clean)
}

// ResolveAliases maps canonical field names to the raw key that supplies them.
// For every field the candidate names are tried in alias order and the first
// present, non-null raw key wins.
func (p *Pack) ResolveAliases(raw domain.RawFields) map[string]string {
	folded := make(map[string]string, len(raw))
	for _, k := range raw.Keys() {
		if raw[k] == nil {
			continue
		}
		fk := FoldKey(k)
		if _, taken := folded[fk]; !taken {
			folded[fk] = k
		}
	}
	out := make(map[string]string)
	for field, names := range p.aliases {
		for _, n := range names {
			if rawKey, ok := folded[n]; ok {
				out[field] = rawKey
				break
			}
		}
	}
	return out
}

// Aliases returns the folded candidate names for a canonical field.
func (p *Pack) Aliases(field string) []string {
	return append([]string(nil), p.aliases[field]...)
}

// ParseDate accepts ISO forms first, then the pack's local layouts.
func (p *Pack) ParseDate(s string) (time.Time, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, layout := range isoDateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	for _, layout := range p.DateFormats {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("date %q matches none of the %s layouts", s, p.Code)
}

func (p *Pack) TaxCode(code string) (TaxCode, bool) {
	tc, ok := p.taxCodes[strings.ToUpper(strings.TrimSpace(code))]
	return tc, ok
}

// ValidateTaxID returns the id type whose rule accepted id.
func (p *Pack) ValidateTaxID(id string) (string, bool) {
	clean := cleanTaxID(id)
	if strings.HasPrefix(clean, p.Code) && len(clean) > len(p.Code)+7 {
		clean = clean[len(p.Code):]
	}
	for _, idType := range p.IDTypes {
		if taxIDRules[idType](clean) {
			return idType, true
		}
	}
	return "", false
}

var accentFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// FoldKey lower-cases s, strips accents and collapses every run of
// non-alphanumerics into one space.
func FoldKey(s string) string {
	folded, _, err := transform.String(accentFolder, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
			continue
		}
		space = true
	}
	return b.String()
}

func cleanTaxID(id string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(id) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isUpperLetter(c byte) bool { return c >= 'A' && c <= 'Z' }
