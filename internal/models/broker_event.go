package models

import (
	"time"

	"gorm.io/gorm"
)

// Broker event types delivered on the asynchronous feed.
const (
	EventFill        = "fill"
	EventPartialFill = "partial_fill"
	EventCancel      = "cancel"
	EventReject      = "reject"
)

// BrokerEvent is the dedupe ledger for the at-least-once broker event feed.
// The unique index on EventID makes reprocessing a duplicate delivery a no-op;
// the row is inserted in the same transaction as the state change it causes.
type BrokerEvent struct {
	gorm.Model
	EventID     string `gorm:"uniqueIndex;not null"`
	Type        string `gorm:"not null"`
	OrderID     string `gorm:"index"`
	Symbol      string
	FilledQty   float64
	FillPrice   float64
	ProcessedAt time.Time
}
