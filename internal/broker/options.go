package broker

import (
	"fmt"
	"sort"
	"time"

	"paper-trader-go/internal/config"
	"paper-trader-go/internal/models"
)

// ScoredContract pairs a candidate contract with its quality score.
type ScoredContract struct {
	Contract OptionContract
	Score    float64
}

// expirationWindow derives the acceptable days-to-expiry band from the
// strategy type: same/next-day for day trades, roughly one to four weeks
// for swing trades.
func expirationWindow(strategy models.Strategy, cfg *config.Options) (minDays, maxDays int) {
	if strategy == models.StrategyDayTrade {
		return 0, cfg.DayTradeMaxExpiryDays
	}
	return cfg.SwingMinExpiryDays, cfg.SwingMaxExpiryDays
}

// deltaBand returns the preferred absolute-delta range for the strategy.
func deltaBand(strategy models.Strategy, cfg *config.Options) (lo, hi float64) {
	if strategy == models.StrategyDayTrade {
		return cfg.DayTradeDeltaMin, cfg.DayTradeDeltaMax
	}
	return cfg.SwingDeltaMin, cfg.SwingDeltaMax
}

// filterChain keeps contracts of the wanted type inside the expiration window
// and the strike band around the underlying price.
func filterChain(chain []OptionContract, instrument models.Instrument, underlying float64, strategy models.Strategy, now time.Time, cfg *config.Options) []OptionContract {
	wantType := "call"
	if instrument == models.InstrumentPut {
		wantType = "put"
	}

	minDays, maxDays := expirationWindow(strategy, cfg)
	band := underlying * cfg.StrikeBandPct

	var out []OptionContract
	for _, c := range chain {
		if c.Type != wantType {
			continue
		}
		days := int(c.Expiration.Sub(now).Hours() / 24)
		if days < minDays || days > maxDays {
			continue
		}
		if c.Strike < underlying-band || c.Strike > underlying+band {
			continue
		}
		if c.Ask <= 0 {
			continue
		}
		out = append(out, c)
	}
	return out
}

// scoreContract computes the weighted quality score for one candidate.
// Spread tightness carries the largest weight; traded volume, delta-band fit
// and distance from the ideal target strike make up the rest. All components
// are normalized to [0,1] so the weights compose directly.
func scoreContract(c OptionContract, underlying, targetStrike float64, strategy models.Strategy, cfg *config.Options) float64 {
	// Spread tightness: 1 at zero spread, 0 at a spread of 20% of the mid.
	spreadScore := 0.0
	if mid := c.Mid(); mid > 0 {
		spreadPct := (c.Ask - c.Bid) / mid
		spreadScore = clamp01(1 - spreadPct/0.20)
	}

	// Volume: saturates at 1000 contracts.
	volumeScore := clamp01(c.Volume / 1000)

	// Delta-band fit: 1 inside the band, linearly decaying outside.
	lo, hi := deltaBand(strategy, cfg)
	delta := c.Delta
	if delta < 0 {
		delta = -delta
	}
	deltaScore := 1.0
	if delta < lo {
		deltaScore = clamp01(1 - (lo-delta)/lo)
	} else if delta > hi {
		deltaScore = clamp01(1 - (delta-hi)/(1-hi))
	}

	// Strike proximity: 1 at the target strike, 0 at the band edge.
	strikeScore := 0.0
	if band := underlying * cfg.StrikeBandPct; band > 0 {
		dist := c.Strike - targetStrike
		if dist < 0 {
			dist = -dist
		}
		strikeScore = clamp01(1 - dist/band)
	}

	return cfg.SpreadWeight*spreadScore +
		cfg.VolumeWeight*volumeScore +
		cfg.DeltaWeight*deltaScore +
		cfg.StrikeWeight*strikeScore
}

// SelectContract scores every qualifying candidate and returns the best one
// above the minimum acceptable quality threshold, or an error when none
// qualifies. The target strike is the underlying price itself (at-the-money).
func SelectContract(chain []OptionContract, instrument models.Instrument, underlying float64, strategy models.Strategy, now time.Time, cfg *config.Options) (*ScoredContract, error) {
	candidates := filterChain(chain, instrument, underlying, strategy, now, cfg)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no contracts inside expiration window and strike band")
	}

	scored := make([]ScoredContract, 0, len(candidates))
	for _, c := range candidates {
		scored = append(scored, ScoredContract{
			Contract: c,
			Score:    scoreContract(c, underlying, underlying, strategy, cfg),
		})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	best := scored[0]
	if best.Score < cfg.MinQualityScore {
		return nil, fmt.Errorf("best contract %s scored %.2f below quality threshold %.2f",
			best.Contract.Symbol, best.Score, cfg.MinQualityScore)
	}
	return &best, nil
}

// IVRank returns the percentile position of the current implied volatility
// within its trailing range, in [0,1].
func IVRank(current float64, history []float64) float64 {
	if len(history) == 0 {
		return 0
	}
	below := 0
	for _, v := range history {
		if v < current {
			below++
		}
	}
	return float64(below) / float64(len(history))
}

// CheckIVRank applies the implied-volatility-rank gate: contracts whose
// current IV sits above the configured percentile of their trailing-year
// range are rejected to avoid overpaying for volatility. With insufficient
// history the gate passes and the caller logs the caveat.
func CheckIVRank(current float64, history []float64, cfg *config.Options) (rank *float64, ok bool, sufficient bool) {
	if len(history) < cfg.IVMinHistory {
		return nil, true, false
	}
	r := IVRank(current, history)
	return &r, r <= cfg.IVRankMax, true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
