package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Recommendation statuses. PENDING and PROCESSING are the only non-terminal
// states; everything else is immutable once set.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusExecuted   = "EXECUTED"
	StatusSimulated  = "SIMULATED"
	StatusSkipped    = "SKIPPED"
	StatusFailed     = "FAILED"
)

// Recommendation is a proposed trade produced by an external signal component.
// Status is owned exclusively by the dispatcher state machine.
type Recommendation struct {
	gorm.Model
	Ticker          string     `gorm:"index;not null"`
	Action          Action     `gorm:"not null"`
	Instrument      Instrument `gorm:"not null"`
	Strategy        Strategy   `gorm:"not null"`
	Confidence      float64    `gorm:"not null"`
	Reason          string
	FeatureSnapshot datatypes.JSON
	GeneratedAt     time.Time
	Status          string `gorm:"index;default:PENDING"`
	StatusReason    string
	ClaimedRunID    string `gorm:"index"`
	ClaimedAt       *time.Time
}

// Terminal reports whether the recommendation can no longer change state.
func (r *Recommendation) Terminal() bool {
	return r.Status != StatusPending && r.Status != StatusProcessing
}
