package positions

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"paper-trader-go/internal/metrics"
	"paper-trader-go/internal/models"
)

// Close force-closes a position: cancel outstanding protective orders,
// submit the closing order, write the PositionHistory record, and only then
// mark the position closed. A failure between the history write and the
// status update never loses the audit record. A
// history-insert failure is a data-loss event: logged at highest severity
// and counted, but it does not block marking the position closed, because
// the position is economically already closed at the broker.
func (m *Manager) Close(ctx context.Context, pos *models.ActivePosition, reason string) error {
	l := m.logger.With(
		zap.String("ticker", pos.Ticker),
		zap.Uint("position_id", pos.ID),
		zap.String("reason", reason))

	// The reason is recorded up front: if the broker leg fails, the next
	// monitoring cycle retries the close under the same reason.
	if err := m.db.WithContext(ctx).Model(pos).Updates(map[string]interface{}{
		"status":       models.PositionClosing,
		"close_reason": reason,
	}).Error; err != nil {
		return err
	}

	exitPrice := pos.CurrentPrice
	if m.client != nil && pos.HeldAtBroker() {
		for _, id := range []string{pos.StopOrderID, pos.TargetOrderID} {
			if id == "" {
				continue
			}
			if err := m.client.CancelOrder(ctx, id); err != nil {
				l.Warn("Failed to cancel protective order before close",
					zap.String("order_id", id), zap.Error(err))
			}
		}

		symbol := pos.Ticker
		if pos.OptionSymbol != "" {
			symbol = pos.OptionSymbol
		}
		order, err := m.client.ClosePosition(ctx, symbol)
		if err != nil {
			// The closing order did not go through; leave the position in
			// closing state and retry next cycle rather than record a
			// fictitious exit.
			l.Error("Broker close request failed", zap.Error(err))
			return err
		}
		if p := order.FillPrice(); p > 0 {
			exitPrice = p
		}
	}

	now := m.now()
	history := m.historyRecord(ctx, pos, exitPrice, now, reason)
	if err := m.db.WithContext(ctx).Create(history).Error; err != nil {
		metrics.HistoryInsertFailures.Inc()
		l.Error("DATA LOSS: failed to write position history for closed position",
			zap.Float64("exit_price", exitPrice),
			zap.Error(err))
	}

	err := m.db.WithContext(ctx).Model(pos).Updates(map[string]interface{}{
		"status":        models.PositionClosed,
		"close_reason":  reason,
		"current_price": exitPrice,
	}).Error
	if err != nil {
		return err
	}

	metrics.ExitReasons.WithLabelValues(reason).Inc()
	l.Info("Position closed",
		zap.Float64("exit_price", exitPrice),
		zap.Float64("pnl_dollars", history.PnlDollars),
		zap.Float64("pnl_percent", history.PnlPercent))
	return nil
}

// historyRecord derives the immutable closed-trade record, carrying forward
// the excursions and the entry feature snapshot.
func (m *Manager) historyRecord(ctx context.Context, pos *models.ActivePosition, exitPrice float64, exitTime time.Time, reason string) *models.PositionHistory {
	mult := pos.Multiplier()
	diff := exitPrice - pos.EntryPrice
	if pos.Side == models.SideShort {
		diff = -diff
	}
	pnlDollars := diff * pos.Quantity * mult
	pnlPercent := 0.0
	if pos.EntryPrice > 0 {
		pnlPercent = diff / pos.EntryPrice * 100
	}

	var execID uint
	var snapshot datatypes.JSON
	if pos.ExecutionID != nil {
		execID = *pos.ExecutionID
		var exec models.Execution
		if err := m.db.WithContext(ctx).First(&exec, execID).Error; err == nil {
			var rec models.Recommendation
			if err := m.db.WithContext(ctx).First(&rec, exec.RecommendationID).Error; err == nil {
				snapshot = rec.FeatureSnapshot
			}
		}
	}

	return &models.PositionHistory{
		ExecutionID:     execID,
		PositionID:      pos.ID,
		Ticker:          pos.Ticker,
		OptionSymbol:    pos.OptionSymbol,
		Instrument:      pos.Instrument,
		Strategy:        pos.Strategy,
		Tier:            pos.Tier,
		Side:            pos.Side,
		Quantity:        pos.Quantity,
		EntryPrice:      pos.EntryPrice,
		ExitPrice:       exitPrice,
		EntryTime:       pos.EntryTime,
		ExitTime:        exitTime,
		HoldMinutes:     int(exitTime.Sub(pos.EntryTime).Minutes()),
		PnlDollars:      pnlDollars,
		PnlPercent:      pnlPercent,
		BestPnlPercent:  pos.BestPnlPercent,
		WorstPnlPercent: pos.WorstPnlPercent,
		ExitReason:      reason,
		FeatureSnapshot: snapshot,
	}
}
