package models

import (
	"time"

	"gorm.io/gorm"
)

// ActivePosition statuses.
const (
	PositionOpen    = "open"
	PositionClosing = "closing"
	PositionClosed  = "closed"
)

// Position sides.
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// ActivePosition is the live, mutable view of a filled execution. Entry
// fields are write-once; monitoring fields are updated every cycle by the
// position manager, which owns the row after creation. ExecutionID is nil
// for positions synthesized from broker truth during reconciliation; the
// unique index (NULLs excluded) keeps execution-derived positions singular.
type ActivePosition struct {
	gorm.Model
	ExecutionID    *uint      `gorm:"uniqueIndex"`
	Ticker         string     `gorm:"index;not null"`
	OptionSymbol   string     `gorm:"index"`
	Instrument     Instrument `gorm:"not null"`
	Strategy       Strategy   `gorm:"not null"`
	Tier           string     `gorm:"index"` // account tier in force at entry
	Side           string     `gorm:"not null"`
	Quantity       float64    // mutable: partial fills and partial exits
	EntryPrice     float64
	EntryTime      time.Time
	StopLoss       float64
	TakeProfit     float64
	MaxHoldMinutes int
	Expiration     *time.Time
	BrokerOrderID  string `gorm:"index"`
	StopOrderID    string
	TargetOrderID  string
	BracketAccepted bool

	CurrentPrice    float64
	PnlDollars      float64
	PnlPercent      float64
	BestPnlDollars  float64
	BestPnlPercent  float64
	WorstPnlDollars float64
	WorstPnlPercent float64
	PeakPrice       float64
	LastCheckedAt   *time.Time
	CheckCount      int

	Status      string `gorm:"index;default:open"`
	CloseReason string
}

// HeldAtBroker reports whether the position exists at the broker. Real fills
// carry a broker order id, and a position with no backing execution was
// synthesized from the broker's own listing; only purely simulated fills are
// local-only.
func (p *ActivePosition) HeldAtBroker() bool {
	return p.BrokerOrderID != "" || p.ExecutionID == nil
}

// Multiplier returns the contract multiplier: options control 100 shares.
func (p *ActivePosition) Multiplier() float64 {
	if p.Instrument.IsOption() {
		return 100
	}
	return 1
}
