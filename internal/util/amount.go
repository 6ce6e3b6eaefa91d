package util

import (
	"fmt"
	"math"
)

// CoinUnits is the number of atomic units per whole coin (Monero: 12 decimals).
const CoinUnits = 1e12

// CoinToDecimal converts atomic units to a whole-coin value
func CoinToDecimal(amount uint64) float64 {
	return float64(amount) / CoinUnits
}

// DecimalToCoin converts a whole-coin value to atomic units, flooring
func DecimalToCoin(value float64) uint64 {
	if value <= 0 {
		return 0
	}
	return uint64(math.Floor(value * CoinUnits))
}

// FormatCoin renders atomic units as a fixed-precision coin string
func FormatCoin(amount uint64) string {
	return fmt.Sprintf("%.12f", CoinToDecimal(amount))
}

// FloorPercent returns floor(amount * percent / 100) on atomic units.
// Payout fee math never rounds up, so fees can only err in the miner's favor.
func FloorPercent(amount uint64, percent float64) uint64 {
	if percent <= 0 {
		return 0
	}
	return uint64(math.Floor(float64(amount) * (percent / 100)))
}
