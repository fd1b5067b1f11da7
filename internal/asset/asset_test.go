package asset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultHeuristics(t *testing.T) {
	tests := []struct {
		symbol   string
		category Category
		contract float64
		pip      int
		tick     float64
	}{
		{"eur/usd", CategoryForex, 100000, 4, 0.0001},
		{"USDJPY", CategoryForex, 100000, 2, 0.01},
		{"XAUUSD", CategoryCommodity, 100, 1, 0.1},
		{"BTC-USDT", CategoryCrypto, 1, 2, 0.01},
	}
	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			a := Default(tt.symbol)
			assert.Equal(t, NormalizeSymbol(tt.symbol), a.Symbol)
			assert.Equal(t, tt.category, a.Category)
			assert.Equal(t, tt.contract, a.ContractSize)
			assert.Equal(t, tt.pip, a.PipDecimal)
			assert.InDelta(t, tt.tick, a.TickSize, 1e-12)
			assert.Equal(t, DefaultMinLot, a.MinLot)
		})
	}
}

func TestWithDefaultsDerivesTickFromPip(t *testing.T) {
	a := Asset{Symbol: "gbp_usd", ContractSize: 100000, PipDecimal: 4}.withDefaults()
	assert.Equal(t, "GBPUSD", a.Symbol)
	assert.InDelta(t, 0.0001, a.TickSize, 1e-12)
	assert.Equal(t, "GBPUSD", a.Name)
}

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "assets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRegistryLoadsCatalog(t *testing.T) {
	path := writeCatalog(t, `
assets:
  EURUSD:
    name: Euro / US Dollar
    category: forex
    contract_size: 100000
    pip_decimal: 4
    tick_size: 0.0001
    digits: 5
  XAUUSD:
    category: commodity
    contract_size: 100
    pip_decimal: 1
`)
	reg, err := NewRegistry(path, false)
	require.NoError(t, err)

	eur, ok := reg.Get("eur/usd")
	require.True(t, ok)
	assert.Equal(t, "Euro / US Dollar", eur.Name)
	assert.Equal(t, 0.01, eur.MinLot)

	xau := reg.Lookup("XAUUSD")
	assert.InDelta(t, 0.1, xau.TickSize, 1e-12)

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "EURUSD", list[0].Symbol)

	unknown := reg.Lookup("AUDCAD")
	assert.Equal(t, Default("AUDCAD"), unknown)
}

func TestRegistryRejectsUnknownFields(t *testing.T) {
	path := writeCatalog(t, `
assets:
  EURUSD:
    category: forex
    contract_size: 100000
    pip_decimal: 4
    leverage: 30
`)
	_, err := NewRegistry(path, false)
	require.Error(t, err)
}

func TestRegistryRejectsInvalidCategory(t *testing.T) {
	path := writeCatalog(t, `
assets:
  EURUSD:
    category: bonds
    contract_size: 100000
    pip_decimal: 4
`)
	_, err := NewRegistry(path, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EURUSD")
}

func TestStaticRegistryAndNilLookup(t *testing.T) {
	reg := NewStaticRegistry(Asset{Symbol: "ethusdt", Category: CategoryCrypto, ContractSize: 1, PipDecimal: 2})
	a, ok := reg.Get("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, 1.0, a.ContractSize)

	var nilReg *Registry
	assert.Equal(t, Default("EURUSD"), nilReg.Lookup("EURUSD"))
}
