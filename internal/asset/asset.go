// Package asset describes tradable instruments and the contract terms the
// replay engine needs to turn price moves into money.
package asset

import (
	"math"
	"strings"
)

type Category string

const (
	CategoryForex     Category = "forex"
	CategoryCrypto    Category = "crypto"
	CategoryIndex     Category = "index"
	CategoryCommodity Category = "commodity"
)

// DefaultMinLot is the smallest tradable size for every instrument.
const DefaultMinLot = 0.01

// Asset holds the contract terms of one symbol.
type Asset struct {
	Symbol       string   `json:"symbol" yaml:"symbol" mapstructure:"symbol"`
	Name         string   `json:"name" yaml:"name" mapstructure:"name"`
	Category     Category `json:"category" yaml:"category" mapstructure:"category"`
	ContractSize float64  `json:"contract_size" yaml:"contract_size" mapstructure:"contract_size"`
	PipDecimal   int      `json:"pip_decimal" yaml:"pip_decimal" mapstructure:"pip_decimal"`
	TickSize     float64  `json:"tick_size" yaml:"tick_size" mapstructure:"tick_size"`
	MinLot       float64  `json:"min_lot" yaml:"min_lot" mapstructure:"min_lot"`
	Digits       int      `json:"digits" yaml:"digits" mapstructure:"digits"`
}

// Default guesses contract terms from the symbol alone. It is used when the
// catalog does not know a symbol.
func Default(symbol string) Asset {
	sym := NormalizeSymbol(symbol)
	a := Asset{Symbol: sym, Name: sym}
	switch {
	case isCryptoSymbol(sym):
		a.Category = CategoryCrypto
		a.ContractSize = 1
		a.PipDecimal = 2
		a.TickSize = 0.01
		a.Digits = 2
	case strings.HasSuffix(sym, "JPY"):
		a.Category = CategoryForex
		a.ContractSize = 100000
		a.PipDecimal = 2
		a.TickSize = 0.01
		a.Digits = 3
	case strings.HasPrefix(sym, "XAU") || strings.HasPrefix(sym, "XAG"):
		a.Category = CategoryCommodity
		a.ContractSize = 100
		a.PipDecimal = 1
		a.TickSize = 0.1
		a.Digits = 2
	default:
		a.Category = CategoryForex
		a.ContractSize = 100000
		a.PipDecimal = 4
		a.TickSize = 0.0001
		a.Digits = 5
	}
	return a.withDefaults()
}

func (a Asset) withDefaults() Asset {
	a.Symbol = NormalizeSymbol(a.Symbol)
	if a.Name == "" {
		a.Name = a.Symbol
	}
	if a.ContractSize <= 0 {
		a.ContractSize = 1
	}
	if a.PipDecimal < 0 {
		a.PipDecimal = 0
	}
	// one pip times tick size is the price move of one pip
	if a.TickSize <= 0 {
		a.TickSize = math.Pow10(-a.PipDecimal)
	}
	if a.MinLot <= 0 {
		a.MinLot = DefaultMinLot
	}
	return a
}

// NormalizeSymbol strips separators and upper-cases, so "eur/usd" and "EURUSD"
// address the same instrument.
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.NewReplacer("/", "", "-", "", "_", "", ":", "").Replace(s)
	return s
}

var cryptoQuotes = []string{"USDT", "USDC", "BUSD"}

var cryptoBases = []string{"BTC", "ETH", "SOL", "XRP", "BNB", "ADA", "DOGE", "LTC", "DOT", "AVAX"}

func isCryptoSymbol(sym string) bool {
	for _, q := range cryptoQuotes {
		if strings.HasSuffix(sym, q) {
			return true
		}
	}
	for _, b := range cryptoBases {
		if strings.HasPrefix(sym, b) {
			return true
		}
	}
	return false
}
