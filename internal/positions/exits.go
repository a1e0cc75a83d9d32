package positions

import (
	"fmt"
	"sort"
	"time"

	"paper-trader-go/internal/config"
	"paper-trader-go/internal/models"
)

// ExitTrigger is one evaluator's request to close a position. Lower priority
// numbers are acted on first.
type ExitTrigger struct {
	Priority int
	Reason   string
	Detail   string
}

// ExitEnv is the per-cycle context the evaluators read: the clock, the
// session boundaries resolved onto today's date, and the bracket verification
// outcome computed against the broker.
type ExitEnv struct {
	Now            time.Time
	MarketClose    time.Time
	DayTradeClose  time.Time
	BracketMissing bool
	Exits          *config.Exits
}

// exitEvaluator inspects one position and optionally requests an exit.
// Evaluators are independent; new rules slot into the list without touching
// existing ones.
type exitEvaluator func(pos *models.ActivePosition, env ExitEnv) *ExitTrigger

// evaluators is the fixed, explicitly ordered trigger list.
var evaluators = []exitEvaluator{
	trailingStop,
	optionMarketClose,
	optionBands,
	stockStops,
	missingBracket,
	dayTradeCloseTime,
	expirationRisk,
	thetaDecay,
	maxHoldExceeded,
}

// EvaluateExits runs every evaluator and returns the non-empty triggers
// sorted by priority, stable within equal priorities. The first element, if
// any, is the one acted on.
func EvaluateExits(pos *models.ActivePosition, env ExitEnv) []ExitTrigger {
	var triggers []ExitTrigger
	for _, eval := range evaluators {
		if t := eval(pos, env); t != nil {
			triggers = append(triggers, *t)
		}
	}
	sort.SliceStable(triggers, func(i, j int) bool {
		return triggers[i].Priority < triggers[j].Priority
	})
	return triggers
}

func heldMinutes(pos *models.ActivePosition, now time.Time) float64 {
	return now.Sub(pos.EntryTime).Minutes()
}

// trailingStop locks in gains: once the position has been profitable, a
// retracement that gives back more than the configured fraction of the best
// gain triggers an exit reporting what was kept.
func trailingStop(pos *models.ActivePosition, env ExitEnv) *ExitTrigger {
	if pos.BestPnlPercent <= 0 {
		return nil
	}
	floor := pos.BestPnlPercent * env.Exits.TrailingRetainPct
	if pos.PnlPercent >= floor {
		return nil
	}
	return &ExitTrigger{
		Priority: 1,
		Reason:   models.ExitTrailingStop,
		Detail: fmt.Sprintf("gain retraced to %.1f%% from peak %.1f%%, floor %.1f%%",
			pos.PnlPercent, pos.BestPnlPercent, floor),
	}
}

// optionMarketClose force-closes option positions shortly before the session
// ends, regardless of P&L. Overnight option holds carry gap and theta risk.
func optionMarketClose(pos *models.ActivePosition, env ExitEnv) *ExitTrigger {
	if !pos.Instrument.IsOption() {
		return nil
	}
	cutoff := env.MarketClose.Add(-time.Duration(env.Exits.MarketCloseBufferMin) * time.Minute)
	if env.Now.Before(cutoff) {
		return nil
	}
	return &ExitTrigger{
		Priority: 1,
		Reason:   models.ExitMarketClose,
		Detail:   fmt.Sprintf("market closes at %s", env.MarketClose.Format("15:04")),
	}
}

// optionBands applies percentage bands on option premium P&L. Exits are
// suppressed during the minimum-hold grace period, except for catastrophic
// losses which bypass it. The asymmetry is deliberate: the grace period
// protects against whipsaw exits, not against missing an early huge win.
func optionBands(pos *models.ActivePosition, env ExitEnv) *ExitTrigger {
	if !pos.Instrument.IsOption() {
		return nil
	}

	held := heldMinutes(pos, env.Now)
	inGrace := held < float64(env.Exits.GraceMinutes)

	if pos.PnlPercent <= env.Exits.CatastrophicLossPct {
		return &ExitTrigger{
			Priority: 1,
			Reason:   models.ExitStopLoss,
			Detail:   fmt.Sprintf("catastrophic loss %.1f%% bypasses grace period", pos.PnlPercent),
		}
	}
	if inGrace {
		return nil
	}
	if pos.PnlPercent >= env.Exits.OptionProfitTargetPct {
		return &ExitTrigger{
			Priority: 1,
			Reason:   models.ExitProfitTarget,
			Detail:   fmt.Sprintf("premium gain %.1f%% at target %.1f%%", pos.PnlPercent, env.Exits.OptionProfitTargetPct),
		}
	}
	if pos.PnlPercent <= env.Exits.OptionStopLossPct {
		return &ExitTrigger{
			Priority: 1,
			Reason:   models.ExitStopLoss,
			Detail:   fmt.Sprintf("premium loss %.1f%% at stop %.1f%%", pos.PnlPercent, env.Exits.OptionStopLossPct),
		}
	}
	return nil
}

// stockStops is the simple price-threshold crossing for stock positions.
func stockStops(pos *models.ActivePosition, env ExitEnv) *ExitTrigger {
	if pos.Instrument != models.InstrumentStock || pos.CurrentPrice <= 0 {
		return nil
	}

	if pos.Side == models.SideShort {
		if pos.StopLoss > 0 && pos.CurrentPrice >= pos.StopLoss {
			return &ExitTrigger{Priority: 1, Reason: models.ExitStopLoss,
				Detail: fmt.Sprintf("price %.2f above stop %.2f", pos.CurrentPrice, pos.StopLoss)}
		}
		if pos.TakeProfit > 0 && pos.CurrentPrice <= pos.TakeProfit {
			return &ExitTrigger{Priority: 1, Reason: models.ExitProfitTarget,
				Detail: fmt.Sprintf("price %.2f below target %.2f", pos.CurrentPrice, pos.TakeProfit)}
		}
		return nil
	}

	if pos.StopLoss > 0 && pos.CurrentPrice <= pos.StopLoss {
		return &ExitTrigger{Priority: 1, Reason: models.ExitStopLoss,
			Detail: fmt.Sprintf("price %.2f below stop %.2f", pos.CurrentPrice, pos.StopLoss)}
	}
	if pos.TakeProfit > 0 && pos.CurrentPrice >= pos.TakeProfit {
		return &ExitTrigger{Priority: 1, Reason: models.ExitProfitTarget,
			Detail: fmt.Sprintf("price %.2f above target %.2f", pos.CurrentPrice, pos.TakeProfit)}
	}
	return nil
}

// missingBracket force-closes rather than run unprotected when protective
// orders were expected but could not be verified at the broker.
func missingBracket(pos *models.ActivePosition, env ExitEnv) *ExitTrigger {
	if !env.BracketMissing {
		return nil
	}
	return &ExitTrigger{
		Priority: 1,
		Reason:   models.ExitMissingBracket,
		Detail:   "protective orders expected but not found at broker",
	}
}

// dayTradeCloseTime closes day-trade positions by a fixed time of day.
func dayTradeCloseTime(pos *models.ActivePosition, env ExitEnv) *ExitTrigger {
	if pos.Strategy != models.StrategyDayTrade {
		return nil
	}
	if env.Now.Before(env.DayTradeClose) {
		return nil
	}
	return &ExitTrigger{
		Priority: 2,
		Reason:   models.ExitDayTradeTime,
		Detail:   fmt.Sprintf("past day-trade close time %s", env.DayTradeClose.Format("15:04")),
	}
}

// expirationRisk force-closes options close to expiry.
func expirationRisk(pos *models.ActivePosition, env ExitEnv) *ExitTrigger {
	if !pos.Instrument.IsOption() || pos.Expiration == nil {
		return nil
	}
	hoursLeft := pos.Expiration.Sub(env.Now).Hours()
	if hoursLeft > float64(env.Exits.ExpirationRiskHours) {
		return nil
	}
	return &ExitTrigger{
		Priority: 2,
		Reason:   models.ExitExpirationRisk,
		Detail:   fmt.Sprintf("%.0f hours to expiration", hoursLeft),
	}
}

// thetaDecay closes unprofitable options nearing expiry before time decay
// accelerates.
func thetaDecay(pos *models.ActivePosition, env ExitEnv) *ExitTrigger {
	if !pos.Instrument.IsOption() || pos.Expiration == nil || pos.PnlPercent >= 0 {
		return nil
	}
	daysLeft := pos.Expiration.Sub(env.Now).Hours() / 24
	if daysLeft > float64(env.Exits.ThetaDecayDays) {
		return nil
	}
	return &ExitTrigger{
		Priority: 2,
		Reason:   models.ExitThetaDecay,
		Detail:   fmt.Sprintf("unprofitable with %.1f days to expiration", daysLeft),
	}
}

// maxHoldExceeded bounds the holding time of any position.
func maxHoldExceeded(pos *models.ActivePosition, env ExitEnv) *ExitTrigger {
	if pos.MaxHoldMinutes <= 0 {
		return nil
	}
	held := heldMinutes(pos, env.Now)
	if held <= float64(pos.MaxHoldMinutes) {
		return nil
	}
	return &ExitTrigger{
		Priority: 3,
		Reason:   models.ExitMaxHold,
		Detail:   fmt.Sprintf("held %.0f minutes, maximum %d", held, pos.MaxHoldMinutes),
	}
}
