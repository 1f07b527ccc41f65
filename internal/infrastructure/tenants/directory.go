// Package tenants resolves per-tenant validation settings from static
// configuration.
package tenants

import (
	"context"
	"fmt"
	"strings"

	"github.com/kirillkom/doc-intake/internal/core/domain"
)

// Directory implements ports.TenantDirectory over a fixed table. Tenants
// missing from the table get the default country and no pinned currency.
type Directory struct {
	defaultCountry string
	tenants        map[string]domain.TenantSettings
}

func NewDirectory(defaultCountry string, tenants map[string]domain.TenantSettings) *Directory {
	table := make(map[string]domain.TenantSettings, len(tenants))
	for id, s := range tenants {
		s.TenantID = id
		table[id] = s
	}
	return &Directory{
		defaultCountry: strings.ToUpper(strings.TrimSpace(defaultCountry)),
		tenants:        table,
	}
}

func (d *Directory) Settings(_ context.Context, tenantID string) (domain.TenantSettings, error) {
	if strings.TrimSpace(tenantID) == "" {
		return domain.TenantSettings{}, domain.WrapError(domain.ErrInvalidInput, "tenant settings", fmt.Errorf("tenant id is required"))
	}
	if s, ok := d.tenants[tenantID]; ok {
		if s.Country == "" {
			s.Country = d.defaultCountry
		}
		return s, nil
	}
	return domain.TenantSettings{TenantID: tenantID, Country: d.defaultCountry}, nil
}

// ParseSettings reads the TENANT_SETTINGS format: comma separated
// "tenant=COUNTRY[:CURRENCY]" entries, for example "acme=ES:EUR,globex=PT".
func ParseSettings(raw string) (map[string]domain.TenantSettings, error) {
	out := make(map[string]domain.TenantSettings)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, value, ok := strings.Cut(entry, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, domain.WrapError(domain.ErrInvalidInput, "parse tenant settings", fmt.Errorf("entry %q", entry))
		}
		country, currency, _ := strings.Cut(value, ":")
		out[id] = domain.TenantSettings{
			TenantID:       id,
			Country:        strings.ToUpper(strings.TrimSpace(country)),
			PinnedCurrency: strings.ToUpper(strings.TrimSpace(currency)),
		}
	}
	return out, nil
}
