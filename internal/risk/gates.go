// Package risk implements the pre-trade gate engine. Every gate is a pure
// predicate over the data it is given: no I/O, no caching, constant time.
// Account-wide aggregates are read fresh by the caller on every cycle so a
// tripped kill switch halts further risk-taking immediately.
package risk

import (
	"fmt"
	"time"

	"paper-trader-go/internal/config"
	"paper-trader-go/internal/models"
)

// Gate names, stable keys in the persisted risk payload.
const (
	GateConfidence    = "confidence"
	GateActionAllowed = "action_allowed"
	GateFreshness     = "freshness"
	GateDailyCap      = "daily_ticker_cap"
	GateCooldown      = "ticker_cooldown"
	GateDirectional   = "directional_consistency"
	GateDailyLoss     = "daily_loss_limit"
	GateMaxPositions  = "max_open_positions"
	GateMaxNotional   = "max_notional_exposure"
	GateTradingHours  = "trading_hours"
)

// Snapshot carries the freshness-relevant timestamps of the market state a
// recommendation relies on.
type Snapshot struct {
	BarTime      time.Time
	SnapshotTime time.Time
	Now          time.Time
}

// AccountState is the set of account-wide aggregates the kill-switch gates
// read. The dispatcher computes it fresh for every evaluation.
type AccountState struct {
	OpenPositions    int
	OpenNotional     float64
	DailyRealizedPnl float64
	TradesTodayTicker int
	LastTradeTicker  *time.Time
	HasOpenLong      bool
}

// GateResult is the outcome of one gate, produced fresh on every evaluation.
type GateResult struct {
	Gate      string  `json:"gate"`
	Passed    bool    `json:"passed"`
	Reason    string  `json:"reason"`
	Observed  float64 `json:"observed"`
	Threshold float64 `json:"threshold"`
}

// Evaluation is the conjunction of every gate with the full breakdown.
type Evaluation struct {
	AllPassed bool         `json:"all_passed"`
	Results   []GateResult `json:"results"`
}

// FailureReason returns a compact summary of the failed gates.
func (e Evaluation) FailureReason() string {
	s := ""
	for _, r := range e.Results {
		if !r.Passed {
			if s != "" {
				s += "; "
			}
			s += r.Gate + ": " + r.Reason
		}
	}
	return s
}

// EvaluateAll runs every gate against the candidate trade and returns the
// conjunction. Any single failure makes the whole evaluation fail.
func EvaluateAll(rec *models.Recommendation, snap Snapshot, account AccountState, cfg *config.Gates) Evaluation {
	results := []GateResult{
		checkConfidence(rec, cfg),
		checkActionAllowed(rec, cfg),
		checkFreshness(rec, snap, cfg),
		checkDailyCap(account, cfg),
		checkCooldown(snap.Now, account, cfg),
		checkDirectional(rec, account, cfg),
		checkDailyLoss(account, cfg),
		checkMaxPositions(account, cfg),
		checkMaxNotional(account, cfg),
		checkTradingHours(snap.Now, cfg),
	}

	all := true
	for _, r := range results {
		if !r.Passed {
			all = false
		}
	}
	return Evaluation{AllPassed: all, Results: results}
}

// minConfidence widens the bar for riskier, faster instruments: day-trade
// options highest, swing options medium, stock lowest.
func minConfidence(instrument models.Instrument, strategy models.Strategy, cfg *config.Gates) float64 {
	if instrument.IsOption() {
		if strategy == models.StrategyDayTrade {
			return cfg.MinConfidenceDayTradeOption
		}
		return cfg.MinConfidenceSwingOption
	}
	return cfg.MinConfidenceStock
}

func checkConfidence(rec *models.Recommendation, cfg *config.Gates) GateResult {
	threshold := minConfidence(rec.Instrument, rec.Strategy, cfg)
	passed := rec.Confidence >= threshold
	reason := "confidence meets minimum"
	if !passed {
		reason = fmt.Sprintf("confidence %.2f below minimum %.2f for %s %s",
			rec.Confidence, threshold, rec.Strategy, rec.Instrument)
	}
	return GateResult{Gate: GateConfidence, Passed: passed, Reason: reason,
		Observed: rec.Confidence, Threshold: threshold}
}

func checkActionAllowed(rec *models.Recommendation, cfg *config.Gates) GateResult {
	combined := string(rec.Action) + ":" + string(rec.Instrument)
	for _, allowed := range cfg.AllowedActions {
		if allowed == combined {
			return GateResult{Gate: GateActionAllowed, Passed: true,
				Reason: "action in allow-list"}
		}
	}
	return GateResult{Gate: GateActionAllowed, Passed: false,
		Reason: fmt.Sprintf("action %s not in allow-list", combined)}
}

func checkFreshness(rec *models.Recommendation, snap Snapshot, cfg *config.Gates) GateResult {
	now := snap.Now
	recAge := now.Sub(rec.GeneratedAt).Minutes()
	barAge := now.Sub(snap.BarTime).Minutes()
	snapAge := now.Sub(snap.SnapshotTime).Minutes()

	switch {
	case recAge > float64(cfg.MaxRecommendationAgeMin):
		return GateResult{Gate: GateFreshness, Passed: false,
			Reason:   fmt.Sprintf("recommendation is %.0f minutes old", recAge),
			Observed: recAge, Threshold: float64(cfg.MaxRecommendationAgeMin)}
	case barAge > float64(cfg.MaxBarAgeMin):
		return GateResult{Gate: GateFreshness, Passed: false,
			Reason:   fmt.Sprintf("price bar is %.0f minutes old", barAge),
			Observed: barAge, Threshold: float64(cfg.MaxBarAgeMin)}
	case snapAge > float64(cfg.MaxSnapshotAgeMin):
		return GateResult{Gate: GateFreshness, Passed: false,
			Reason:   fmt.Sprintf("feature snapshot is %.0f minutes old", snapAge),
			Observed: snapAge, Threshold: float64(cfg.MaxSnapshotAgeMin)}
	}
	return GateResult{Gate: GateFreshness, Passed: true, Reason: "all inputs fresh",
		Observed: recAge, Threshold: float64(cfg.MaxRecommendationAgeMin)}
}

func checkDailyCap(account AccountState, cfg *config.Gates) GateResult {
	observed := float64(account.TradesTodayTicker)
	threshold := float64(cfg.DailyTickerCap)
	passed := account.TradesTodayTicker < cfg.DailyTickerCap
	reason := "under daily per-ticker cap"
	if !passed {
		reason = fmt.Sprintf("already %d trades today for ticker (cap %d)",
			account.TradesTodayTicker, cfg.DailyTickerCap)
	}
	return GateResult{Gate: GateDailyCap, Passed: passed, Reason: reason,
		Observed: observed, Threshold: threshold}
}

func checkCooldown(now time.Time, account AccountState, cfg *config.Gates) GateResult {
	threshold := float64(cfg.TickerCooldownMin)
	if account.LastTradeTicker == nil {
		return GateResult{Gate: GateCooldown, Passed: true,
			Reason: "no prior trade for ticker", Threshold: threshold}
	}
	elapsed := now.Sub(*account.LastTradeTicker).Minutes()
	passed := elapsed >= threshold
	reason := "cooldown elapsed"
	if !passed {
		reason = fmt.Sprintf("last trade %.0f minutes ago, cooldown %d minutes",
			elapsed, cfg.TickerCooldownMin)
	}
	return GateResult{Gate: GateCooldown, Passed: passed, Reason: reason,
		Observed: elapsed, Threshold: threshold}
}

// checkDirectional rejects a stock SELL without an open long position unless
// short selling is explicitly enabled, preventing accidental short exposure.
func checkDirectional(rec *models.Recommendation, account AccountState, cfg *config.Gates) GateResult {
	if rec.Action != models.ActionSell || rec.Instrument != models.InstrumentStock {
		return GateResult{Gate: GateDirectional, Passed: true, Reason: "not a stock sell"}
	}
	if cfg.ShortSellingEnabled || account.HasOpenLong {
		return GateResult{Gate: GateDirectional, Passed: true,
			Reason: "open long exists or short selling enabled"}
	}
	return GateResult{Gate: GateDirectional, Passed: false,
		Reason: "sell of stock without open long position and short selling disabled"}
}

func checkDailyLoss(account AccountState, cfg *config.Gates) GateResult {
	loss := -account.DailyRealizedPnl
	passed := loss < cfg.DailyLossLimit
	reason := "daily loss under limit"
	if !passed {
		reason = fmt.Sprintf("daily realized loss %.2f at or over limit %.2f", loss, cfg.DailyLossLimit)
	}
	return GateResult{Gate: GateDailyLoss, Passed: passed, Reason: reason,
		Observed: loss, Threshold: cfg.DailyLossLimit}
}

func checkMaxPositions(account AccountState, cfg *config.Gates) GateResult {
	passed := account.OpenPositions < cfg.MaxOpenPositions
	reason := "open position count under limit"
	if !passed {
		reason = fmt.Sprintf("%d open positions at limit %d", account.OpenPositions, cfg.MaxOpenPositions)
	}
	return GateResult{Gate: GateMaxPositions, Passed: passed, Reason: reason,
		Observed: float64(account.OpenPositions), Threshold: float64(cfg.MaxOpenPositions)}
}

func checkMaxNotional(account AccountState, cfg *config.Gates) GateResult {
	passed := account.OpenNotional < cfg.MaxNotionalExposure
	reason := "aggregate notional under limit"
	if !passed {
		reason = fmt.Sprintf("open notional %.2f at or over limit %.2f",
			account.OpenNotional, cfg.MaxNotionalExposure)
	}
	return GateResult{Gate: GateMaxNotional, Passed: passed, Reason: reason,
		Observed: account.OpenNotional, Threshold: cfg.MaxNotionalExposure}
}

// checkTradingHours blocks the volatile first minutes after the open and the
// last minutes before the close, and everything outside the session.
func checkTradingHours(now time.Time, cfg *config.Gates) GateResult {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)

	open, err1 := parseClock(cfg.MarketOpen, local, loc)
	closeT, err2 := parseClock(cfg.MarketClose, local, loc)
	if err1 != nil || err2 != nil {
		return GateResult{Gate: GateTradingHours, Passed: false,
			Reason: "invalid market hours configuration"}
	}

	earliest := open.Add(time.Duration(cfg.OpenBufferMin) * time.Minute)
	latest := closeT.Add(-time.Duration(cfg.CloseBufferMin) * time.Minute)

	minuteOfDay := float64(local.Hour()*60 + local.Minute())
	if local.Before(earliest) {
		return GateResult{Gate: GateTradingHours, Passed: false,
			Reason:   fmt.Sprintf("before trading window opens at %s", earliest.Format("15:04")),
			Observed: minuteOfDay}
	}
	if !local.Before(latest) {
		return GateResult{Gate: GateTradingHours, Passed: false,
			Reason:   fmt.Sprintf("past trading window close at %s", latest.Format("15:04")),
			Observed: minuteOfDay}
	}
	return GateResult{Gate: GateTradingHours, Passed: true,
		Reason: "inside trading window", Observed: minuteOfDay}
}

// parseClock resolves an "HH:MM" string onto the date of ref in loc.
func parseClock(clock string, ref time.Time, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation("15:04", clock, loc)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(ref.Year(), ref.Month(), ref.Day(), t.Hour(), t.Minute(), 0, 0, loc), nil
}
