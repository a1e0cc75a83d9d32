package broker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"paper-trader-go/internal/models"
)

// Event is one asynchronous broker notification. The feed delivers
// at-least-once, so every event carries a provider-assigned id used for
// dedupe.
type Event struct {
	EventID   string
	Type      string
	OrderID   string
	Symbol    string
	FilledQty float64
	FillPrice float64
}

// EventProcessor applies broker events exactly once. The dedupe row and the
// resulting state change commit in a single transaction, so a crash between
// the two cannot split them.
type EventProcessor struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewEventProcessor creates an event processor.
func NewEventProcessor(db *gorm.DB, logger *zap.Logger) *EventProcessor {
	return &EventProcessor{db: db, logger: logger}
}

// Process records and applies one event. A duplicate delivery (same EventID)
// is a no-op and returns nil.
func (p *EventProcessor) Process(ctx context.Context, ev Event) error {
	if ev.EventID == "" {
		return fmt.Errorf("event without id")
	}

	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := models.BrokerEvent{
			EventID:     ev.EventID,
			Type:        ev.Type,
			OrderID:     ev.OrderID,
			Symbol:      ev.Symbol,
			FilledQty:   ev.FilledQty,
			FillPrice:   ev.FillPrice,
			ProcessedAt: time.Now(),
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
		if res.Error != nil {
			return fmt.Errorf("failed to record event %s: %w", ev.EventID, res.Error)
		}
		if res.RowsAffected == 0 {
			p.logger.Debug("Duplicate broker event ignored", zap.String("event_id", ev.EventID))
			return nil
		}

		return p.apply(tx, ev)
	})
}

// apply mutates the tracked position for the event's order inside the
// recording transaction.
func (p *EventProcessor) apply(tx *gorm.DB, ev Event) error {
	var pos models.ActivePosition
	err := tx.Where("broker_order_id = ?", ev.OrderID).First(&pos).Error
	if err == gorm.ErrRecordNotFound {
		// Nothing tracked for this order yet; reconciliation picks it up.
		p.logger.Info("Broker event for untracked order",
			zap.String("event_id", ev.EventID),
			zap.String("order_id", ev.OrderID),
			zap.String("type", ev.Type))
		return nil
	}
	if err != nil {
		return err
	}

	switch ev.Type {
	case models.EventFill, models.EventPartialFill:
		if ev.FilledQty > 0 && ev.FilledQty != pos.Quantity {
			p.logger.Info("Partial fill adjusted position quantity",
				zap.String("ticker", pos.Ticker),
				zap.Float64("was", pos.Quantity),
				zap.Float64("now", ev.FilledQty))
			return tx.Model(&pos).Update("quantity", ev.FilledQty).Error
		}
		return nil
	case models.EventCancel, models.EventReject:
		// The entry order died: the position never materialized at the
		// broker. Nothing was realized, so no history row is written;
		// history records only positions that actually held.
		p.logger.Warn("Entry order canceled or rejected, closing tracked position",
			zap.String("ticker", pos.Ticker),
			zap.String("order_id", ev.OrderID),
			zap.String("type", ev.Type))
		return tx.Model(&pos).Updates(map[string]interface{}{
			"status":       models.PositionClosed,
			"close_reason": "order_" + ev.Type,
		}).Error
	default:
		p.logger.Warn("Unknown broker event type", zap.String("type", ev.Type))
		return nil
	}
}
