package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Normalized exit reasons recorded on PositionHistory rows. These are the
// training labels for downstream learning; keep them stable.
const (
	ExitTrailingStop   = "trailing_stop"
	ExitMarketClose    = "market_close"
	ExitProfitTarget   = "profit_target"
	ExitStopLoss       = "stop_loss"
	ExitDayTradeTime   = "day_trade_time"
	ExitMaxHold        = "max_hold"
	ExitExpirationRisk = "expiration_risk"
	ExitThetaDecay     = "theta_decay"
	ExitMissingBracket = "missing_bracket"
	ExitManual         = "manual"
)

// PositionHistory is the immutable closed-trade record derived from an
// ActivePosition at close time. Append-only; it is the sole interface to any
// learning or analytics component and must never be silently skipped.
type PositionHistory struct {
	gorm.Model
	ExecutionID     uint   `gorm:"index;not null"`
	PositionID      uint   `gorm:"index;not null"`
	Ticker          string `gorm:"index;not null"`
	OptionSymbol    string
	Instrument      Instrument
	Strategy        Strategy
	Tier            string `gorm:"index"` // scopes Kelly statistics to the tier that traded
	Side            string
	Quantity        float64
	EntryPrice      float64
	ExitPrice       float64
	EntryTime       time.Time
	ExitTime        time.Time
	HoldMinutes     int
	PnlDollars      float64
	PnlPercent      float64
	BestPnlPercent  float64 // MFE
	WorstPnlPercent float64 // MAE
	ExitReason      string  `gorm:"index;not null"`
	FeatureSnapshot datatypes.JSON
}
