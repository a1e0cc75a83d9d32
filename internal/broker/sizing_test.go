package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"paper-trader-go/internal/config"
)

func testSizingConfig() config.Sizing {
	return config.Sizing{
		AccountEquity:  100000,
		KellyFraction:  0.25,
		KellyMinTrades: 20,
		Tiers: []config.RiskTier{
			{Name: "small", MinEquity: 0, RiskPercent: 0.01, MaxContracts: 2},
			{Name: "medium", MinEquity: 25000, RiskPercent: 0.02, MaxContracts: 5},
			{Name: "large", MinEquity: 100000, RiskPercent: 0.03, MaxContracts: 10},
		},
	}
}

func TestTierFor(t *testing.T) {
	cfg := testSizingConfig()

	assert.Equal(t, "small", cfg.TierFor(10000).Name)
	assert.Equal(t, "medium", cfg.TierFor(50000).Name)
	assert.Equal(t, "large", cfg.TierFor(100000).Name)
	assert.Equal(t, "large", cfg.TierFor(500000).Name)

	// No configured tiers falls back to a conservative default.
	empty := config.Sizing{}
	assert.Equal(t, "default", empty.TierFor(50000).Name)
}

func TestTierContracts(t *testing.T) {
	tier := config.RiskTier{RiskPercent: 0.02, MaxContracts: 5}

	// 2% of 100k is 2000; at a 2.50 premium (250 per contract) that is 8,
	// capped at the tier maximum.
	assert.Equal(t, 5, TierContracts(tier, 100000, 2.50))

	// An expensive contract still sizes to at least one.
	assert.Equal(t, 1, TierContracts(tier, 100000, 30.00))

	assert.Equal(t, 0, TierContracts(tier, 100000, 0))
}

func TestKellyContracts(t *testing.T) {
	cfg := testSizingConfig()

	// Too little history: the estimate is not meaningful.
	_, ok := KellyContracts(TradeStats{Trades: 10, WinRate: 0.9, AvgWin: 100, AvgLoss: 50}, 100000, 2.50, &cfg)
	assert.False(t, ok)

	// Positive edge: b=1.5, p=0.6 gives kelly 1/3, quartered to ~8.3% of
	// equity, 33 contracts at 250 each.
	n, ok := KellyContracts(TradeStats{Trades: 30, WinRate: 0.60, AvgWin: 150, AvgLoss: 100}, 100000, 2.50, &cfg)
	assert.True(t, ok)
	assert.Equal(t, 33, n)

	// Negative edge collapses to the most conservative size.
	n, ok = KellyContracts(TradeStats{Trades: 30, WinRate: 0.30, AvgWin: 100, AvgLoss: 100}, 100000, 2.50, &cfg)
	assert.True(t, ok)
	assert.Equal(t, 1, n)
}

// The dual path always takes the smaller of the tier and Kelly counts.
func TestContractCount_AlwaysConservative(t *testing.T) {
	cfg := testSizingConfig()
	tier := config.RiskTier{RiskPercent: 0.02, MaxContracts: 5}

	// Kelly larger than the tier cap: the cap wins.
	n := ContractCount(tier, TradeStats{Trades: 30, WinRate: 0.60, AvgWin: 150, AvgLoss: 100}, 100000, 2.50, &cfg)
	assert.Equal(t, 5, n)

	// Kelly smaller than the tier count: Kelly wins.
	n = ContractCount(tier, TradeStats{Trades: 30, WinRate: 0.30, AvgWin: 100, AvgLoss: 100}, 100000, 2.50, &cfg)
	assert.Equal(t, 1, n)

	// Thin history: the tier count stands alone.
	n = ContractCount(tier, TradeStats{Trades: 5}, 100000, 2.50, &cfg)
	assert.Equal(t, 5, n)
}
