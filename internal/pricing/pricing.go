// Package pricing contains the deterministic entry price, stop and sizing
// models. Everything here is a pure function over literal inputs: no broker
// calls, no persistence, so the math is unit-testable in isolation and
// replayable from the recorded model parameters.
package pricing

import (
	"time"

	"paper-trader-go/internal/config"
	"paper-trader-go/internal/models"
)

// Entry price model names, recorded in the simulation payload for replay.
const (
	ModelClose      = "close"
	ModelHLMidpoint = "hl_midpoint"
)

// Bar is the latest market bar a recommendation priced against.
type Bar struct {
	Close     float64
	High      float64
	Low       float64
	Volume    float64
	Timestamp time.Time
}

// Inputs is the full pricing decision for one candidate trade, handed to the
// broker layer and recorded on the execution.
type Inputs struct {
	EntryPrice     float64
	Quantity       float64
	Notional       float64
	StopLoss       float64
	TakeProfit     float64
	MaxHoldMinutes int
	EntryModel     string
	SlippageBps    float64
	Volatility     float64
}

// EntryPrice chooses a reference price from the bar per the configured model
// and applies slippage in basis points. Slippage moves against the trade:
// long exposure pays up, short exposure receives less.
func EntryPrice(bar Bar, shortExposure bool, cfg *config.Pricing) (float64, string) {
	model := cfg.EntryModel
	var ref float64
	switch model {
	case ModelHLMidpoint:
		ref = (bar.High + bar.Low) / 2
	default:
		model = ModelClose
		ref = bar.Close
	}

	slip := ref * cfg.SlippageBps / 10000
	if shortExposure {
		return ref - slip, model
	}
	return ref + slip, model
}

// PositionSize risks a fixed percentage of account equity, sized by distance
// to the stop. The result is clamped to at least MinQuantity and to at most
// MaxPositionPct of equity. A degenerate stop distance (zero, negative, or
// wider than half the entry price) degrades to the fixed minimum size.
func PositionSize(equity, riskPct, entry, stop float64, cfg *config.Pricing) float64 {
	minQty := cfg.MinQuantity
	if minQty <= 0 {
		minQty = 1
	}
	if entry <= 0 {
		return minQty
	}

	stopDistance := entry - stop
	if stopDistance < 0 {
		stopDistance = -stopDistance
	}
	if stopDistance == 0 || stopDistance > entry/2 {
		return minQty
	}

	riskDollars := equity * riskPct
	qty := riskDollars / stopDistance

	if cfg.MaxPositionPct > 0 {
		maxQty := equity * cfg.MaxPositionPct / entry
		if qty > maxQty {
			qty = maxQty
		}
	}
	if qty < minQty {
		qty = minQty
	}
	// Whole-unit truncation must not undercut a fractional minimum.
	qty = float64(int64(qty))
	if qty < minQty {
		qty = minQty
	}
	return qty
}

// ComputeStops derives the stop-loss and take-profit levels from recent
// realized volatility. The stop sits a configured multiple of volatility away
// from entry and the target a configured risk/reward ratio beyond that, on
// the side implied by the exposure direction.
func ComputeStops(entry, volatility float64, shortExposure bool, cfg *config.Pricing) (stop, target float64) {
	distance := volatility * cfg.VolStopMultiplier
	if distance <= 0 {
		// No usable volatility reading: fall back to a 2% band.
		distance = entry * 0.02
	}
	reward := distance * cfg.RiskRewardRatio

	if shortExposure {
		return entry + distance, entry - reward
	}
	return entry - distance, entry + reward
}

// MaxHold returns the maximum holding duration in minutes for a strategy.
func MaxHold(strategy models.Strategy, cfg *config.Pricing) int {
	if strategy == models.StrategyDayTrade {
		return cfg.MaxHoldDayTradeMin
	}
	return cfg.MaxHoldSwingMin
}

// Price computes the full pricing decision for a recommendation against the
// latest bar. Direction awareness: a bearish option position is treated as
// short exposure for stop placement.
func Price(rec *models.Recommendation, bar Bar, volatility, equity float64, cfg *config.Pricing) Inputs {
	short := models.IsShortExposure(rec.Action, rec.Instrument)
	entry, model := EntryPrice(bar, short, cfg)
	stop, target := ComputeStops(entry, volatility, short, cfg)
	qty := PositionSize(equity, cfg.RiskPercent, entry, stop, cfg)

	return Inputs{
		EntryPrice:     entry,
		Quantity:       qty,
		Notional:       entry * qty,
		StopLoss:       stop,
		TakeProfit:     target,
		MaxHoldMinutes: MaxHold(rec.Strategy, cfg),
		EntryModel:     model,
		SlippageBps:    cfg.SlippageBps,
		Volatility:     volatility,
	}
}
