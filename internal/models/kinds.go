package models

import (
	"fmt"
	"strings"
)

// Action is the direction of a trade.
type Action string

// Instrument is the kind of contract being traded.
type Instrument string

// Strategy is the holding-horizon classification of a trade.
type Strategy string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"

	InstrumentStock Instrument = "STOCK"
	InstrumentCall  Instrument = "CALL"
	InstrumentPut   Instrument = "PUT"

	StrategyDayTrade Strategy = "DAY_TRADE"
	StrategySwing    Strategy = "SWING"
	StrategyMomentum Strategy = "MOMENTUM"
)

// Alias maps accepted at the system boundary. Internal code switches on the
// canonical constants only.
var actionAliases = map[string]Action{
	"buy":   ActionBuy,
	"long":  ActionBuy,
	"open":  ActionBuy,
	"sell":  ActionSell,
	"short": ActionSell,
	"exit":  ActionSell,
	"close": ActionSell,
}

var instrumentAliases = map[string]Instrument{
	"stock":       InstrumentStock,
	"equity":      InstrumentStock,
	"shares":      InstrumentStock,
	"call":        InstrumentCall,
	"call_option": InstrumentCall,
	"call option": InstrumentCall,
	"put":         InstrumentPut,
	"put_option":  InstrumentPut,
	"put option":  InstrumentPut,
}

var strategyAliases = map[string]Strategy{
	"day_trade": StrategyDayTrade,
	"day trade": StrategyDayTrade,
	"daytrade":  StrategyDayTrade,
	"intraday":  StrategyDayTrade,
	"swing":     StrategySwing,
	"momentum":  StrategyMomentum,
}

// NormalizeAction converts an external action string into its canonical form.
func NormalizeAction(s string) (Action, error) {
	if a, ok := actionAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return a, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// NormalizeInstrument converts an external instrument string into its canonical form.
func NormalizeInstrument(s string) (Instrument, error) {
	if i, ok := instrumentAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return i, nil
	}
	return "", fmt.Errorf("unknown instrument %q", s)
}

// NormalizeStrategy converts an external strategy string into its canonical form.
func NormalizeStrategy(s string) (Strategy, error) {
	if st, ok := strategyAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return st, nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// IsOption reports whether the instrument is an option contract.
func (i Instrument) IsOption() bool {
	return i == InstrumentCall || i == InstrumentPut
}

// IsShortExposure reports whether the combination behaves like short exposure
// for stop placement: a bearish option (PUT bought) profits when the
// underlying falls, and a stock SELL is an exit or short.
func IsShortExposure(action Action, instrument Instrument) bool {
	if instrument == InstrumentPut {
		return action == ActionBuy
	}
	return action == ActionSell
}
