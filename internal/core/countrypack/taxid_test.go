package countrypack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackValidateTaxID(t *testing.T) {
	reg, err := Default()
	require.NoError(t, err)

	cases := []struct {
		country string
		id      string
		idType  string
		valid   bool
	}{
		{"ES", "12345678Z", "NIF", true},
		{"ES", "12345678-Z", "NIF", true},
		{"ES", "ES12345678Z", "NIF", true},
		{"ES", "12345678A", "", false},
		{"ES", "X1234567L", "NIE", true},
		{"ES", "B12345674", "CIF", true},
		{"ES", "B1234567D", "CIF", true},
		{"ES", "B12345675", "", false},
		{"PT", "123456789", "NIF_PT", true},
		{"PT", "PT123456789", "NIF_PT", true},
		{"PT", "123456780", "", false},
		{"DE", "DE136695976", "USTID_DE", true},
		{"DE", "DE123456789", "", false},
		{"FR", "303265045", "SIREN", true},
		{"FR", "FR40303265045", "TVA_FR", true},
		{"FR", "FR44732829320", "TVA_FR", true},
		{"FR", "FR41303265045", "", false},
		{"GB", "GB980780684", "VAT_GB", true},
		{"GB", "GB 980 7806 84", "VAT_GB", true},
		{"GB", "GB123456789", "", false},
		{"US", "12-3456789", "EIN", true},
		{"US", "00-3456789", "", false},
	}
	for _, tc := range cases {
		pack, err := reg.Get(tc.country)
		require.NoError(t, err)
		idType, ok := pack.ValidateTaxID(tc.id)
		assert.Equal(t, tc.valid, ok, "%s %s", tc.country, tc.id)
		assert.Equal(t, tc.idType, idType, "%s %s", tc.country, tc.id)
	}
}

func TestRegistryValidateTaxIDRoutesForeignPrefix(t *testing.T) {
	reg, err := Default()
	require.NoError(t, err)
	es, _ := reg.Get("ES")

	idType, ok := reg.ValidateTaxID(es, "DE136695976")
	assert.True(t, ok)
	assert.Equal(t, "USTID_DE", idType)

	idType, ok = reg.ValidateTaxID(es, "12345678Z")
	assert.True(t, ok)
	assert.Equal(t, "NIF", idType)

	_, ok = reg.ValidateTaxID(es, "GB123456789")
	assert.False(t, ok)
}
