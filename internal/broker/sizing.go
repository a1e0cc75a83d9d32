package broker

import (
	"paper-trader-go/internal/config"
)

// TradeStats are the historical outcomes for an account tier, used by the
// Kelly sizing path once enough trades exist.
type TradeStats struct {
	Trades  int
	WinRate float64
	AvgWin  float64 // average winning P&L in dollars, positive
	AvgLoss float64 // average losing P&L in dollars, positive magnitude
}

// TierContracts sizes an option position by the tier's fixed
// percentage-of-equity rule, capped at the tier's maximum contract count.
func TierContracts(tier config.RiskTier, equity, premium float64) int {
	if premium <= 0 {
		return 0
	}
	budget := equity * tier.RiskPercent
	n := int(budget / (premium * 100))
	if n < 1 {
		n = 1
	}
	if tier.MaxContracts > 0 && n > tier.MaxContracts {
		n = tier.MaxContracts
	}
	return n
}

// KellyContracts sizes by a fractional-Kelly rule over the tier's historical
// win-rate and average win/loss. It reports ok=false when history is too thin
// for the estimate to be meaningful, in which case tier sizing stands alone.
func KellyContracts(stats TradeStats, equity, premium float64, cfg *config.Sizing) (int, bool) {
	if stats.Trades < cfg.KellyMinTrades || premium <= 0 || stats.AvgLoss <= 0 {
		return 0, false
	}

	b := stats.AvgWin / stats.AvgLoss
	if b <= 0 {
		return 0, false
	}
	p := stats.WinRate
	q := 1 - p

	kelly := (b*p - q) / b
	if kelly <= 0 {
		// Negative edge: the most conservative possible size.
		return 1, true
	}

	budget := equity * kelly * cfg.KellyFraction
	n := int(budget / (premium * 100))
	if n < 1 {
		n = 1
	}
	return n, true
}

// ContractCount combines the tier rule and the Kelly rule, always taking the
// smaller count when both are available. The dual path is a deliberate safety
// rail: Kelly can only shrink a position, never grow it past the tier cap.
func ContractCount(tier config.RiskTier, stats TradeStats, equity, premium float64, cfg *config.Sizing) int {
	n := TierContracts(tier, equity, premium)
	if kelly, ok := KellyContracts(stats, equity, premium, cfg); ok && kelly < n {
		n = kelly
	}
	return n
}
