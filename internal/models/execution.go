package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Execution modes.
const (
	ModeSimulated         = "SIMULATED"
	ModeSimulatedFallback = "SIMULATED_FALLBACK"
	ModeRealPaper         = "REAL_PAPER"
	ModeLive              = "LIVE"
)

// Execution is the immutable ledger row for exactly one recommendation.
// The unique index on RecommendationID is the system's core idempotency
// guarantee: a duplicate insert attempt is a no-op, not an error.
type Execution struct {
	gorm.Model
	RecommendationID uint       `gorm:"uniqueIndex;not null"`
	RunID            string     `gorm:"index"`
	Ticker           string     `gorm:"index;not null"`
	Action           Action     `gorm:"not null"`
	Instrument       Instrument `gorm:"not null"`
	Strategy         Strategy   `gorm:"not null"`
	EntryPrice       float64
	Quantity         float64
	Notional         float64
	StopLoss         float64
	TakeProfit       float64
	MaxHoldMinutes   int
	Mode             string `gorm:"not null"`
	Tier             string `gorm:"index"` // account tier in force at execution
	FallbackReason   string
	BrokerOrderID    string
	ExplainPayload   datatypes.JSON
	RiskPayload      datatypes.JSON
	SimPayload       datatypes.JSON

	// Option fields, zero-valued for stock executions.
	OptionSymbol string `gorm:"index"`
	Strike       float64
	Expiration   *time.Time
	Contracts    int
	Premium      float64
	Delta        float64
	IVRank       *float64
}

// Real reports whether the execution hit a real broker endpoint.
func (e *Execution) Real() bool {
	return e.Mode == ModeRealPaper || e.Mode == ModeLive
}
