// Package positions implements the supervisory loop over open positions:
// reconciliation against broker truth, per-cycle price marking with MFE/MAE
// tracking, a priority-ordered exit engine, and the history-before-close
// invariant that protects the audit record.
package positions

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"paper-trader-go/internal/broker"
	"paper-trader-go/internal/config"
	"paper-trader-go/internal/metrics"
	"paper-trader-go/internal/models"
	"paper-trader-go/internal/pricing"
)

// Manager is one monitoring worker. Positions are independent units of work:
// a failure on one is counted and the batch continues.
type Manager struct {
	logger *zap.Logger
	cfg    *config.Config
	db     *gorm.DB
	client broker.RestClientInterface
	now    func() time.Time
}

// New creates a position manager.
func New(logger *zap.Logger, cfg *config.Config, db *gorm.DB, client broker.RestClientInterface) *Manager {
	return &Manager{logger: logger, cfg: cfg, db: db, client: client, now: time.Now}
}

// CycleStats summarizes one monitoring cycle.
type CycleStats struct {
	Synthesized int
	Created     int
	Monitored   int
	Closed      int
	Errors      int
}

// RunOnce executes one full monitoring cycle: reconcile, then monitor and
// evaluate exits for every open position.
func (m *Manager) RunOnce(ctx context.Context) (*CycleStats, error) {
	stats := &CycleStats{}

	if m.client != nil {
		n, err := m.reconcileFromBroker(ctx)
		if err != nil {
			// Broker truth is self-healing, not load-bearing; monitoring
			// proceeds on local state when the listing fails.
			m.logger.Warn("Broker reconciliation failed", zap.Error(err))
		}
		stats.Synthesized = n
	}

	created, err := m.reconcileFromExecutions(ctx)
	if err != nil {
		return stats, fmt.Errorf("execution reconciliation failed: %w", err)
	}
	stats.Created = created

	// Closing rows are broker closes that failed in a prior cycle; they are
	// picked back up every cycle until the close completes.
	var open []models.ActivePosition
	if err := m.db.WithContext(ctx).
		Where("status IN ?", []string{models.PositionOpen, models.PositionClosing}).
		Find(&open).Error; err != nil {
		return stats, fmt.Errorf("failed to load open positions: %w", err)
	}
	metrics.OpenPositions.Set(float64(len(open)))

	brokerPositions := m.brokerPositionIndex(ctx)

	for i := range open {
		pos := &open[i]
		closed, err := m.monitorOne(ctx, pos, brokerPositions)
		if err != nil {
			stats.Errors++
			m.logger.Warn("Skipping position for this cycle",
				zap.String("ticker", pos.Ticker),
				zap.Uint("position_id", pos.ID),
				zap.Error(err))
			continue
		}
		stats.Monitored++
		if closed {
			stats.Closed++
		}
	}

	m.logger.Info("Monitoring cycle complete",
		zap.Int("synthesized", stats.Synthesized),
		zap.Int("created", stats.Created),
		zap.Int("monitored", stats.Monitored),
		zap.Int("closed", stats.Closed),
		zap.Int("errors", stats.Errors))
	return stats, nil
}

// brokerPositionIndex fetches the broker's open positions keyed by symbol.
// An empty map on failure just means price marking falls back to quotes.
func (m *Manager) brokerPositionIndex(ctx context.Context) map[string]broker.BrokerPosition {
	index := make(map[string]broker.BrokerPosition)
	if m.client == nil {
		return index
	}
	list, err := m.client.ListPositions(ctx)
	if err != nil {
		m.logger.Debug("Broker position listing unavailable", zap.Error(err))
		return index
	}
	for _, p := range list {
		index[p.Symbol] = p
	}
	return index
}

// reconcileFromBroker synthesizes positions for anything the broker reports
// open that is not tracked locally. This self-heals positions created
// manually or through gaps in execution logging. Keyed by ticker/option
// symbol, so repeated passes never duplicate.
func (m *Manager) reconcileFromBroker(ctx context.Context) (int, error) {
	list, err := m.client.ListPositions(ctx)
	if err != nil {
		return 0, err
	}

	synthesized := 0
	for _, bp := range list {
		var count int64
		err := m.db.WithContext(ctx).Model(&models.ActivePosition{}).
			Where("status != ?", models.PositionClosed).
			Where("ticker = ? OR option_symbol = ?", bp.Symbol, bp.Symbol).
			Count(&count).Error
		if err != nil {
			return synthesized, err
		}
		if count > 0 {
			continue
		}

		pos := m.synthesize(bp)
		if err := m.db.WithContext(ctx).Create(pos).Error; err != nil {
			m.logger.Error("Failed to synthesize position from broker truth",
				zap.String("symbol", bp.Symbol), zap.Error(err))
			continue
		}
		synthesized++
		m.logger.Warn("Synthesized untracked position from broker truth",
			zap.String("symbol", bp.Symbol),
			zap.Float64("quantity", bp.Qty),
			zap.Float64("entry", bp.AvgEntryPrice))
	}
	return synthesized, nil
}

// synthesize builds an ActivePosition from broker-reported state, with stops
// from the same volatility rule as new executions (falling back to the
// default band absent a volatility reading).
func (m *Manager) synthesize(bp broker.BrokerPosition) *models.ActivePosition {
	side := models.SideLong
	qty := bp.Qty
	if qty < 0 {
		side = models.SideShort
		qty = -qty
	}

	instrument := models.InstrumentStock
	optionSymbol := ""
	if bp.AssetClass == "us_option" {
		instrument = models.InstrumentCall // direction unknown; premium-long either way
		optionSymbol = bp.Symbol
	}

	stop, target := pricing.ComputeStops(bp.AvgEntryPrice, 0, side == models.SideShort, &m.cfg.Pricing)

	return &models.ActivePosition{
		Ticker:         bp.Symbol,
		OptionSymbol:   optionSymbol,
		Instrument:     instrument,
		Strategy:       models.StrategySwing,
		Tier:           m.cfg.Sizing.TierFor(m.cfg.Sizing.AccountEquity).Name,
		Side:           side,
		Quantity:       qty,
		EntryPrice:     bp.AvgEntryPrice,
		EntryTime:      m.now(),
		StopLoss:       stop,
		TakeProfit:     target,
		MaxHoldMinutes: m.cfg.Pricing.MaxHoldSwingMin,
		CurrentPrice:   bp.CurrentPrice,
		PeakPrice:      bp.AvgEntryPrice,
		Status:         models.PositionOpen,
	}
}

// reconcileFromExecutions creates positions for filled executions that do
// not have one yet: the normal path from dispatcher to manager. The unique
// index on execution_id backs its idempotency.
func (m *Manager) reconcileFromExecutions(ctx context.Context) (int, error) {
	var executions []models.Execution
	sub := m.db.Model(&models.ActivePosition{}).
		Select("execution_id").Where("execution_id IS NOT NULL")
	err := m.db.WithContext(ctx).
		Where("id NOT IN (?)", sub).
		Find(&executions).Error
	if err != nil {
		return 0, err
	}

	created := 0
	for i := range executions {
		exec := &executions[i]
		pos := positionFromExecution(exec)
		if err := m.db.WithContext(ctx).Create(pos).Error; err != nil {
			// A concurrent manager instance may have won the insert; the
			// unique index makes that a benign race.
			m.logger.Debug("Position already exists for execution",
				zap.Uint("execution_id", exec.ID), zap.Error(err))
			continue
		}
		created++
		m.logger.Info("Opened position from execution",
			zap.Uint("execution_id", exec.ID),
			zap.String("ticker", exec.Ticker),
			zap.String("mode", exec.Mode))
	}
	return created, nil
}

func positionFromExecution(exec *models.Execution) *models.ActivePosition {
	side := models.SideLong
	if exec.Instrument == models.InstrumentStock && exec.Action == models.ActionSell {
		side = models.SideShort
	}

	execID := exec.ID
	return &models.ActivePosition{
		ExecutionID:    &execID,
		Ticker:         exec.Ticker,
		OptionSymbol:   exec.OptionSymbol,
		Instrument:     exec.Instrument,
		Strategy:       exec.Strategy,
		Tier:           exec.Tier,
		Side:           side,
		Quantity:       exec.Quantity,
		EntryPrice:     exec.EntryPrice,
		EntryTime:      exec.CreatedAt,
		StopLoss:       exec.StopLoss,
		TakeProfit:     exec.TakeProfit,
		MaxHoldMinutes: exec.MaxHoldMinutes,
		Expiration:     exec.Expiration,
		BrokerOrderID:  exec.BrokerOrderID,
		CurrentPrice:   exec.EntryPrice,
		PeakPrice:      exec.EntryPrice,
		Status:         models.PositionOpen,
	}
}

// monitorOne marks one position to market, updates its excursions, checks
// for partial fills, and evaluates the exit engine. Returns whether the
// position was closed this cycle.
func (m *Manager) monitorOne(ctx context.Context, pos *models.ActivePosition, brokerPositions map[string]broker.BrokerPosition) (bool, error) {
	// A closing row is a close whose broker leg failed earlier; finish it
	// before any fresh evaluation. The mark is best-effort, the recorded
	// close reason stands.
	if pos.Status == models.PositionClosing {
		if price, _, err := m.currentPrice(ctx, pos, brokerPositions); err == nil {
			m.mark(pos, price)
		}
		reason := pos.CloseReason
		if reason == "" {
			reason = models.ExitManual
		}
		if err := m.Close(ctx, pos, reason); err != nil {
			return false, err
		}
		return true, nil
	}

	price, brokerQty, err := m.currentPrice(ctx, pos, brokerPositions)
	if err != nil {
		return false, err
	}

	if brokerQty > 0 && brokerQty != pos.Quantity {
		m.handlePartialFill(ctx, pos, brokerQty)
	}

	m.mark(pos, price)
	if err := m.db.WithContext(ctx).Save(pos).Error; err != nil {
		return false, fmt.Errorf("failed to persist monitoring update: %w", err)
	}

	env := m.exitEnv(ctx, pos)
	triggers := EvaluateExits(pos, env)
	if len(triggers) == 0 {
		return false, nil
	}

	trigger := triggers[0]
	m.logger.Info("Exit triggered",
		zap.String("ticker", pos.Ticker),
		zap.String("reason", trigger.Reason),
		zap.String("detail", trigger.Detail),
		zap.Int("priority", trigger.Priority))

	if err := m.Close(ctx, pos, trigger.Reason); err != nil {
		return false, err
	}
	return true, nil
}

// currentPrice resolves the mark price: broker-reported current price for
// options (and anything the broker tracks), stock quote midpoint otherwise.
// The broker-reported quantity rides along for partial-fill detection.
func (m *Manager) currentPrice(ctx context.Context, pos *models.ActivePosition, brokerPositions map[string]broker.BrokerPosition) (price, brokerQty float64, err error) {
	symbol := pos.Ticker
	if pos.OptionSymbol != "" {
		symbol = pos.OptionSymbol
	}

	if bp, ok := brokerPositions[symbol]; ok && bp.CurrentPrice > 0 {
		qty := bp.Qty
		if qty < 0 {
			qty = -qty
		}
		return bp.CurrentPrice, qty, nil
	}

	if pos.OptionSymbol != "" {
		// No broker snapshot for an option: there is no independent premium
		// source, so skip this position for one cycle rather than mark it
		// against a stale or invented price.
		return 0, 0, fmt.Errorf("no broker price for option %s", pos.OptionSymbol)
	}

	if m.client == nil {
		return 0, 0, fmt.Errorf("no price source for %s", pos.Ticker)
	}
	quote, err := m.client.GetQuote(ctx, pos.Ticker)
	if err != nil {
		return 0, 0, fmt.Errorf("quote fetch failed: %w", err)
	}
	mid := quote.Mid()
	if mid <= 0 {
		return 0, 0, fmt.Errorf("no usable quote for %s", pos.Ticker)
	}
	return mid, 0, nil
}

// mark updates price, sign-aware P&L and the running best/worst excursions.
func (m *Manager) mark(pos *models.ActivePosition, price float64) {
	mult := pos.Multiplier()
	diff := price - pos.EntryPrice
	if pos.Side == models.SideShort {
		diff = -diff
	}

	pos.CurrentPrice = price
	pos.PnlDollars = diff * pos.Quantity * mult
	if pos.EntryPrice > 0 {
		pos.PnlPercent = diff / pos.EntryPrice * 100
	}

	first := pos.CheckCount == 0
	if first || pos.PnlDollars > pos.BestPnlDollars {
		pos.BestPnlDollars = pos.PnlDollars
	}
	if first || pos.PnlPercent > pos.BestPnlPercent {
		pos.BestPnlPercent = pos.PnlPercent
	}
	if first || pos.PnlDollars < pos.WorstPnlDollars {
		pos.WorstPnlDollars = pos.PnlDollars
	}
	if first || pos.PnlPercent < pos.WorstPnlPercent {
		pos.WorstPnlPercent = pos.PnlPercent
	}
	if price > pos.PeakPrice {
		pos.PeakPrice = price
	}

	now := m.now()
	pos.LastCheckedAt = &now
	pos.CheckCount++
}

// handlePartialFill adjusts the tracked quantity to broker truth and
// resubmits protective orders sized to the new quantity. Logged as a
// distinct event type for audit.
func (m *Manager) handlePartialFill(ctx context.Context, pos *models.ActivePosition, brokerQty float64) {
	m.logger.Warn("partial_fill: broker quantity differs from tracked quantity",
		zap.String("ticker", pos.Ticker),
		zap.Float64("tracked", pos.Quantity),
		zap.Float64("broker", brokerQty))

	pos.Quantity = brokerQty

	if m.client == nil || pos.Instrument.IsOption() {
		return
	}
	m.resubmitProtective(ctx, pos)
}

// resubmitProtective cancels the stale protective orders and submits fresh
// ones at the position's current quantity.
func (m *Manager) resubmitProtective(ctx context.Context, pos *models.ActivePosition) {
	for _, id := range []string{pos.StopOrderID, pos.TargetOrderID} {
		if id == "" {
			continue
		}
		if err := m.client.CancelOrder(ctx, id); err != nil {
			m.logger.Warn("Failed to cancel stale protective order",
				zap.String("order_id", id), zap.Error(err))
		}
	}

	exitSide := broker.OrderSideSell
	if pos.Side == models.SideShort {
		exitSide = broker.OrderSideBuy
	}
	qty := fmt.Sprintf("%g", pos.Quantity)

	if pos.StopLoss > 0 {
		order, err := m.client.SubmitOrder(ctx, broker.OrderRequest{
			Symbol:      pos.Ticker,
			Qty:         qty,
			Side:        exitSide,
			Type:        "stop",
			TimeInForce: broker.TimeInForceDay,
			StopPrice:   fmt.Sprintf("%.2f", pos.StopLoss),
		})
		if err != nil {
			m.logger.Error("Failed to resubmit stop order",
				zap.String("ticker", pos.Ticker), zap.Error(err))
		} else {
			pos.StopOrderID = order.ID
		}
	}
	if pos.TakeProfit > 0 {
		order, err := m.client.SubmitOrder(ctx, broker.OrderRequest{
			Symbol:      pos.Ticker,
			Qty:         qty,
			Side:        exitSide,
			Type:        "limit",
			TimeInForce: broker.TimeInForceDay,
			LimitPrice:  fmt.Sprintf("%.2f", pos.TakeProfit),
		})
		if err != nil {
			m.logger.Error("Failed to resubmit take-profit order",
				zap.String("ticker", pos.Ticker), zap.Error(err))
		} else {
			pos.TargetOrderID = order.ID
		}
	}
}

// exitEnv resolves the per-cycle evaluator context.
func (m *Manager) exitEnv(ctx context.Context, pos *models.ActivePosition) ExitEnv {
	loc, err := time.LoadLocation(m.cfg.Gates.Timezone)
	if err != nil {
		loc = time.UTC
	}
	now := m.now().In(loc)

	marketClose := clockToday(m.cfg.Gates.MarketClose, now, loc)
	dayTradeClose := clockToday(m.cfg.Exits.DayTradeCloseTime, now, loc)

	return ExitEnv{
		Now:            now,
		MarketClose:    marketClose,
		DayTradeClose:  dayTradeClose,
		BracketMissing: m.bracketMissing(ctx, pos),
		Exits:          &m.cfg.Exits,
	}
}

// bracketMissing verifies protective orders at the broker for real stock
// positions that expected them. A protective order that can no longer fill
// leaves the position unprotected.
func (m *Manager) bracketMissing(ctx context.Context, pos *models.ActivePosition) bool {
	if m.client == nil || pos.Instrument.IsOption() || pos.BrokerOrderID == "" {
		return false
	}
	if !pos.BracketAccepted && pos.StopOrderID == "" && pos.TargetOrderID == "" {
		return false // never expected a bracket
	}

	for _, id := range []string{pos.StopOrderID, pos.TargetOrderID} {
		if id == "" {
			continue
		}
		order, err := m.client.GetOrder(ctx, id)
		if err != nil {
			// Unverifiable is not the same as verified-missing; do not
			// force-close on a transient lookup failure.
			m.logger.Debug("Could not verify protective order",
				zap.String("order_id", id), zap.Error(err))
			return false
		}
		if order.Terminal() && !order.Filled() {
			return true
		}
	}
	return false
}

func clockToday(clock string, ref time.Time, loc *time.Location) time.Time {
	t, err := time.ParseInLocation("15:04", clock, loc)
	if err != nil {
		return ref.Add(24 * time.Hour) // unparseable: never reached today
	}
	return time.Date(ref.Year(), ref.Month(), ref.Day(), t.Hour(), t.Minute(), 0, 0, loc)
}
