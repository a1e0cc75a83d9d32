package pricing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"paper-trader-go/internal/config"
	"paper-trader-go/internal/models"
)

func testPricingConfig() config.Pricing {
	return config.Pricing{
		EntryModel:         ModelClose,
		SlippageBps:        5,
		RiskPercent:        0.02,
		MaxPositionPct:     0.25,
		VolStopMultiplier:  2.0,
		RiskRewardRatio:    2.0,
		MinQuantity:        1,
		MaxHoldDayTradeMin: 240,
		MaxHoldSwingMin:    7 * 24 * 60,
	}
}

func TestEntryPrice(t *testing.T) {
	cfg := testPricingConfig()
	bar := Bar{Close: 100, High: 102, Low: 98}

	// Long exposure pays the slippage up.
	entry, model := EntryPrice(bar, false, &cfg)
	assert.Equal(t, ModelClose, model)
	assert.InDelta(t, 100.05, entry, 1e-9)

	// Short exposure receives less.
	entry, _ = EntryPrice(bar, true, &cfg)
	assert.InDelta(t, 99.95, entry, 1e-9)

	cfg.EntryModel = ModelHLMidpoint
	entry, model = EntryPrice(bar, false, &cfg)
	assert.Equal(t, ModelHLMidpoint, model)
	assert.InDelta(t, 100.05, entry, 1e-9) // midpoint (102+98)/2 = 100

	// Unknown model degrades to close.
	cfg.EntryModel = "vwap"
	_, model = EntryPrice(bar, false, &cfg)
	assert.Equal(t, ModelClose, model)
}

func TestPositionSize(t *testing.T) {
	cfg := testPricingConfig()

	// 2% of 100k equity risked over a 0.50 stop distance is 4000 shares.
	qty := PositionSize(100000, 0.02, 2.50, 2.00, &cfg)
	assert.Equal(t, 4000.0, qty)

	// Same risk budget, wider stop, smaller position.
	wider := PositionSize(100000, 0.02, 2.50, 1.75, &cfg)
	assert.Less(t, wider, qty)

	// Degenerate stops degrade to the minimum size instead of exploding.
	assert.Equal(t, 1.0, PositionSize(100000, 0.02, 2.50, 2.50, &cfg))
	assert.Equal(t, 1.0, PositionSize(100000, 0.02, 2.50, 0.50, &cfg))
	assert.Equal(t, 1.0, PositionSize(100000, 0.02, 0, 0, &cfg))
}

func TestPositionSize_NotionalClamp(t *testing.T) {
	cfg := testPricingConfig()

	// A tight stop would size 2000 shares of a 100-dollar stock (200k
	// notional); the clamp holds it at 25% of equity.
	qty := PositionSize(100000, 0.02, 100, 99, &cfg)
	assert.Equal(t, 250.0, qty)
}

// A fractional minimum quantity survives the whole-unit truncation.
func TestPositionSize_FractionalMinQuantity(t *testing.T) {
	cfg := testPricingConfig()
	cfg.MinQuantity = 0.5

	// One dollar of risk over a 2-dollar stop distance sizes half a share.
	qty := PositionSize(1000, 0.001, 100, 98, &cfg)
	assert.Equal(t, 0.5, qty)
}

func TestComputeStops(t *testing.T) {
	cfg := testPricingConfig()

	stop, target := ComputeStops(100, 2.0, false, &cfg)
	assert.InDelta(t, 96.0, stop, 1e-9)
	assert.InDelta(t, 108.0, target, 1e-9)

	stop, target = ComputeStops(100, 2.0, true, &cfg)
	assert.InDelta(t, 104.0, stop, 1e-9)
	assert.InDelta(t, 92.0, target, 1e-9)

	// No volatility reading falls back to a 2% band.
	stop, target = ComputeStops(100, 0, false, &cfg)
	assert.InDelta(t, 98.0, stop, 1e-9)
	assert.InDelta(t, 104.0, target, 1e-9)
}

func TestMaxHold(t *testing.T) {
	cfg := testPricingConfig()
	assert.Equal(t, 240, MaxHold(models.StrategyDayTrade, &cfg))
	assert.Equal(t, 7*24*60, MaxHold(models.StrategySwing, &cfg))
	assert.Equal(t, 7*24*60, MaxHold(models.StrategyMomentum, &cfg))
}

// Determinism: identical inputs always produce the identical decision.
func TestPrice_Deterministic(t *testing.T) {
	cfg := testPricingConfig()
	rec := &models.Recommendation{
		Ticker:     "AAPL",
		Action:     models.ActionBuy,
		Instrument: models.InstrumentStock,
		Strategy:   models.StrategyDayTrade,
	}
	bar := Bar{Close: 150, High: 151, Low: 149, Timestamp: time.Now()}

	a := Price(rec, bar, 1.5, 100000, &cfg)
	b := Price(rec, bar, 1.5, 100000, &cfg)
	assert.Equal(t, a, b)

	assert.Equal(t, a.EntryPrice*a.Quantity, a.Notional)
	assert.Equal(t, 240, a.MaxHoldMinutes)
	assert.Equal(t, ModelClose, a.EntryModel)
	assert.Less(t, a.StopLoss, a.EntryPrice)
	assert.Greater(t, a.TakeProfit, a.EntryPrice)
}

// A bought put is short exposure: stops sit above entry, target below.
func TestPrice_ShortExposure(t *testing.T) {
	cfg := testPricingConfig()
	rec := &models.Recommendation{
		Ticker:     "AAPL",
		Action:     models.ActionBuy,
		Instrument: models.InstrumentPut,
		Strategy:   models.StrategySwing,
	}
	bar := Bar{Close: 150, High: 151, Low: 149}

	px := Price(rec, bar, 1.5, 100000, &cfg)
	assert.Greater(t, px.StopLoss, px.EntryPrice)
	assert.Less(t, px.TakeProfit, px.EntryPrice)
	assert.Less(t, px.EntryPrice, bar.Close) // slippage works against the seller
}
