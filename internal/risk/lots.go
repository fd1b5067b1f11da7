// Package risk derives position sizes from a risk budget and a stop distance.
package risk

import (
	"math"
	"strings"

	"replaydesk/internal/asset"

	"github.com/shopspring/decimal"
)

// Mode selects how the risk value is interpreted.
type Mode string

const (
	ModePercent Mode = "percent"
	ModeCash    Mode = "cash"
)

// MinLot is the floor every computed size saturates at.
const MinLot = 0.01

const riskPerLotEpsilon = 1e-9

// ParseMode maps user input to a Mode; anything unrecognised is percent.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cash", "amount", "money", "usd":
		return ModeCash
	default:
		return ModePercent
	}
}

// RiskAmount converts the risk value into a cash amount.
func RiskAmount(value float64, mode Mode, balance float64) float64 {
	if !finite(value) || value <= 0 {
		return 0
	}
	if mode == ModeCash {
		return value
	}
	if !finite(balance) || balance <= 0 {
		return 0
	}
	return balance * value / 100
}

// PipDistance returns |entry-stop| expressed in pips of the asset.
func PipDistance(entry, stop float64, a asset.Asset) float64 {
	if !finite(entry) || !finite(stop) {
		return 0
	}
	return math.Abs(entry-stop) * math.Pow10(a.PipDecimal)
}

// ComputeLotSize sizes a trade so that hitting the stop loses the risk amount.
// Degenerate input (entry == stop, zero balance, NaN) never errors: the result
// saturates at MinLot because an editing UI passes such values mid-drag.
func ComputeLotSize(entry, stop, riskValue float64, mode Mode, balance float64, a asset.Asset) float64 {
	amount := RiskAmount(riskValue, mode, balance)
	riskPerLot := PipDistance(entry, stop, a) * a.TickSize * a.ContractSize
	// no stop distance means nothing to size against
	if !finite(riskPerLot) || riskPerLot < riskPerLotEpsilon {
		return MinLot
	}
	raw := amount / math.Max(riskPerLot, riskPerLotEpsilon)
	if !finite(raw) {
		return MinLot
	}
	lots := RoundLots(raw)
	if lots < MinLot {
		return MinLot
	}
	return lots
}

// RoundLots rounds a size to two decimals, half away from zero.
func RoundLots(v float64) float64 {
	if !finite(v) {
		return 0
	}
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}

// RewardRatio returns reward/risk for a planned trade, or 0 when the levels
// are on the wrong side of the entry.
func RewardRatio(buy bool, entry, sl, tp float64) float64 {
	if entry <= 0 || tp <= 0 || sl <= 0 {
		return 0
	}
	if buy {
		if tp <= entry || sl >= entry {
			return 0
		}
		return (tp - entry) / (entry - sl)
	}
	if tp >= entry || sl <= entry {
		return 0
	}
	return (entry - tp) / (sl - entry)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
