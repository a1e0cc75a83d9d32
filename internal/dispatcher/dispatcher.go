// Package dispatcher implements the claim/execute control loop. Each
// invocation reaps stuck claims, atomically claims a batch of pending
// recommendations, runs them through gates, pricing and the broker, and
// records an idempotent execution per recommendation.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"paper-trader-go/internal/broker"
	"paper-trader-go/internal/config"
	"paper-trader-go/internal/metrics"
	"paper-trader-go/internal/models"
	"paper-trader-go/internal/pricing"
	"paper-trader-go/internal/risk"
)

// Dispatcher is one claim/execute worker. Multiple instances (one per
// trading account) run concurrently against the shared datastore; the claim
// update and the execution ledger's unique index are the only two
// concurrency-control primitives in play.
type Dispatcher struct {
	logger *zap.Logger
	cfg    *config.Config
	db     *gorm.DB
	broker broker.Broker
	now    func() time.Time
}

// New creates a dispatcher.
func New(logger *zap.Logger, cfg *config.Config, db *gorm.DB, b broker.Broker) *Dispatcher {
	return &Dispatcher{logger: logger, cfg: cfg, db: db, broker: b, now: time.Now}
}

// featureSnapshot is the frozen market/sentiment state a recommendation was
// generated from, parsed from its JSON payload.
type featureSnapshot struct {
	Bar struct {
		Close     float64   `json:"close"`
		High      float64   `json:"high"`
		Low       float64   `json:"low"`
		Volume    float64   `json:"volume"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"bar"`
	Volatility   float64   `json:"volatility"`
	SnapshotTime time.Time `json:"snapshot_time"`
}

// RunOnce executes one full dispatch cycle and finalizes its run record.
func (d *Dispatcher) RunOnce(ctx context.Context) (*models.DispatcherRun, error) {
	run := &models.DispatcherRun{
		RunID:     uuid.NewString(),
		Account:   d.cfg.Dispatcher.Account,
		StartedAt: d.now(),
	}
	if err := d.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("failed to create run record: %w", err)
	}

	l := d.logger.With(zap.String("run_id", run.RunID))

	reaped, err := d.Reap(ctx)
	if err != nil {
		l.Error("Reaper pass failed", zap.Error(err))
	} else if reaped > 0 {
		l.Warn("Reset stuck recommendations to PENDING", zap.Int64("count", reaped))
	}

	claimed, err := d.Claim(ctx, run.RunID)
	if err != nil {
		d.finalize(ctx, run, fmt.Sprintf("claim failed: %v", err))
		return run, fmt.Errorf("claim failed: %w", err)
	}
	run.Claimed = len(claimed)
	l.Info("Claimed recommendations", zap.Int("count", len(claimed)))

	for i := range claimed {
		outcome := d.process(ctx, l, &claimed[i], run.RunID)
		metrics.DispatcherOutcomes.WithLabelValues(outcome).Inc()
		switch outcome {
		case models.StatusExecuted:
			run.Executed++
		case models.StatusSimulated:
			run.Simulated++
		case models.StatusSkipped:
			run.Skipped++
		default:
			run.Failed++
		}
	}

	summary := fmt.Sprintf("claimed=%d executed=%d simulated=%d skipped=%d failed=%d",
		run.Claimed, run.Executed, run.Simulated, run.Skipped, run.Failed)
	d.finalize(ctx, run, summary)
	l.Info("Dispatch cycle complete", zap.String("summary", summary))
	return run, nil
}

// Reap resets recommendations stuck in PROCESSING past the TTL back to
// PENDING so another run can claim them. A prior run crashed mid-flight;
// this is the sole recovery mechanism and it is bounded by the TTL.
func (d *Dispatcher) Reap(ctx context.Context) (int64, error) {
	cutoff := d.now().Add(-time.Duration(d.cfg.Dispatcher.ProcessingTTLMin) * time.Minute)
	res := d.db.WithContext(ctx).Model(&models.Recommendation{}).
		Where("status = ? AND claimed_at < ?", models.StatusProcessing, cutoff).
		Updates(map[string]interface{}{
			"status":         models.StatusPending,
			"claimed_run_id": "",
			"claimed_at":     nil,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		metrics.ReapedRecommendations.Add(float64(res.RowsAffected))
	}
	return res.RowsAffected, nil
}

// Claim atomically marks up to the configured batch of PENDING
// recommendations inside the lookback window as PROCESSING under this run's
// id. On engines with row-level locking the candidate select takes locks and
// skips rows already locked by a concurrent claimant; everywhere, the guarded
// update's status predicate ensures a row is stamped by at most one run.
func (d *Dispatcher) Claim(ctx context.Context, runID string) ([]models.Recommendation, error) {
	lookback := d.now().Add(-time.Duration(d.cfg.Dispatcher.LookbackMinutes) * time.Minute)

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []uint
		query := tx.Model(&models.Recommendation{}).
			Where("status = ? AND created_at >= ?", models.StatusPending, lookback).
			Order("created_at asc").
			Limit(d.cfg.Dispatcher.ClaimBatchSize)
		if tx.Dialector.Name() == "postgres" {
			query = query.Clauses(clause.Locking{
				Strength: clause.LockingStrengthUpdate,
				Options:  clause.LockingOptionsSkipLocked,
			})
		}
		if err := query.Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		now := d.now()
		return tx.Model(&models.Recommendation{}).
			Where("id IN ? AND status = ?", ids, models.StatusPending).
			Updates(map[string]interface{}{
				"status":         models.StatusProcessing,
				"claimed_run_id": runID,
				"claimed_at":     now,
			}).Error
	})
	if err != nil {
		return nil, err
	}

	// Reload only the rows this run actually won; a concurrent claimant may
	// have taken some of the candidates first.
	var claimed []models.Recommendation
	err = d.db.WithContext(ctx).
		Where("claimed_run_id = ? AND status = ?", runID, models.StatusProcessing).
		Order("created_at asc").
		Find(&claimed).Error
	return claimed, err
}

// process takes one claimed recommendation to a terminal state and returns
// that state. Gate failures and broker fallbacks are expected outcomes;
// only unexpected errors produce FAILED. Nothing is ever left PROCESSING.
func (d *Dispatcher) process(ctx context.Context, l *zap.Logger, rec *models.Recommendation, runID string) string {
	l = l.With(zap.String("ticker", rec.Ticker), zap.Uint("recommendation_id", rec.ID))

	var snap featureSnapshot
	if len(rec.FeatureSnapshot) > 0 {
		if err := json.Unmarshal(rec.FeatureSnapshot, &snap); err != nil {
			d.transition(ctx, rec, models.StatusFailed, fmt.Sprintf("bad feature snapshot: %v", err))
			l.Error("Unparseable feature snapshot", zap.Error(err))
			return models.StatusFailed
		}
	}

	account, err := d.accountState(ctx, rec.Ticker)
	if err != nil {
		d.transition(ctx, rec, models.StatusFailed, fmt.Sprintf("account state query: %v", err))
		l.Error("Failed to read account aggregates", zap.Error(err))
		return models.StatusFailed
	}

	eval := risk.EvaluateAll(rec, risk.Snapshot{
		BarTime:      snap.Bar.Timestamp,
		SnapshotTime: snap.SnapshotTime,
		Now:          d.now(),
	}, account, &d.cfg.Gates)

	if !eval.AllPassed {
		breakdown, _ := json.Marshal(eval)
		d.transition(ctx, rec, models.StatusSkipped, string(breakdown))
		l.Info("Recommendation skipped by risk gates",
			zap.String("reason", eval.FailureReason()))
		return models.StatusSkipped
	}

	px := pricing.Price(rec, pricing.Bar{
		Close:     snap.Bar.Close,
		High:      snap.Bar.High,
		Low:       snap.Bar.Low,
		Volume:    snap.Bar.Volume,
		Timestamp: snap.Bar.Timestamp,
	}, snap.Volatility, d.cfg.Sizing.AccountEquity, &d.cfg.Pricing)

	result, err := d.broker.Execute(ctx, rec, px)
	if err != nil {
		d.transition(ctx, rec, models.StatusFailed, fmt.Sprintf("broker execute: %v", err))
		l.Error("Broker execution failed without fallback", zap.Error(err))
		return models.StatusFailed
	}
	if result.Mode == models.ModeSimulatedFallback {
		metrics.BrokerFallbacks.Inc()
	}

	status, err := d.recordExecution(ctx, rec, runID, px, result, eval)
	if err != nil {
		d.transition(ctx, rec, models.StatusFailed, fmt.Sprintf("ledger insert: %v", err))
		l.Error("Failed to record execution", zap.Error(err))
		return models.StatusFailed
	}

	d.transition(ctx, rec, status, result.FallbackReason)
	l.Info("Recommendation executed",
		zap.String("mode", result.Mode),
		zap.Float64("entry", result.EntryPrice),
		zap.Float64("quantity", result.Quantity))
	return status
}

// recordExecution inserts the immutable ledger row. The unique index on
// recommendation_id makes a duplicate insert (retried claim) a no-op success
// rather than an error: the idempotency backstop beneath the claim lock.
func (d *Dispatcher) recordExecution(ctx context.Context, rec *models.Recommendation, runID string, px pricing.Inputs, result *broker.Result, eval risk.Evaluation) (string, error) {
	riskPayload, _ := json.Marshal(eval)
	explain, _ := json.Marshal(map[string]interface{}{"reason": rec.Reason, "confidence": rec.Confidence})
	simPayload, _ := json.Marshal(result.SimPayload)

	// Simulated paths never see live account equity; their tier comes from
	// the configured equity so Kelly statistics stay scoped either way.
	tier := result.Tier
	if tier == "" {
		tier = d.cfg.Sizing.TierFor(d.cfg.Sizing.AccountEquity).Name
	}

	exec := models.Execution{
		RecommendationID: rec.ID,
		RunID:            runID,
		Ticker:           rec.Ticker,
		Action:           rec.Action,
		Instrument:       rec.Instrument,
		Strategy:         rec.Strategy,
		EntryPrice:       result.EntryPrice,
		Quantity:         result.Quantity,
		Notional:         result.Notional,
		StopLoss:         px.StopLoss,
		TakeProfit:       px.TakeProfit,
		MaxHoldMinutes:   px.MaxHoldMinutes,
		Mode:             result.Mode,
		Tier:             tier,
		FallbackReason:   result.FallbackReason,
		BrokerOrderID:    result.BrokerOrderID,
		ExplainPayload:   explain,
		RiskPayload:      riskPayload,
		SimPayload:       simPayload,
	}
	if opt := result.Option; opt != nil {
		exec.OptionSymbol = opt.Symbol
		exec.Strike = opt.Strike
		expiration := opt.Expiration
		exec.Expiration = &expiration
		exec.Contracts = opt.Contracts
		exec.Premium = opt.Premium
		exec.Delta = opt.Delta
		exec.IVRank = opt.IVRank
	}

	res := d.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&exec)
	if res.Error != nil {
		// Some dialects surface the conflict as an error instead of a
		// zero-row insert; success-already-happened either way.
		var existing int64
		d.db.WithContext(ctx).Model(&models.Execution{}).
			Where("recommendation_id = ?", rec.ID).Count(&existing)
		if existing == 0 {
			return "", res.Error
		}
		d.logger.Info("Execution already recorded for recommendation",
			zap.Uint("recommendation_id", rec.ID))
	}

	if result.Mode == models.ModeRealPaper || result.Mode == models.ModeLive {
		return models.StatusExecuted, nil
	}
	return models.StatusSimulated, nil
}

// transition moves a recommendation to a terminal state.
func (d *Dispatcher) transition(ctx context.Context, rec *models.Recommendation, status, reason string) {
	err := d.db.WithContext(ctx).Model(rec).Updates(map[string]interface{}{
		"status":        status,
		"status_reason": reason,
	}).Error
	if err != nil {
		d.logger.Error("Failed to transition recommendation",
			zap.Uint("recommendation_id", rec.ID),
			zap.String("status", status),
			zap.Error(err))
	}
}

// accountState reads the account-wide aggregates fresh for every evaluation.
// Nothing here is cached: a tripped kill switch must halt the very next
// candidate.
func (d *Dispatcher) accountState(ctx context.Context, ticker string) (risk.AccountState, error) {
	var state risk.AccountState
	db := d.db.WithContext(ctx)
	startOfDay := d.startOfDay()

	var openCount int64
	if err := db.Model(&models.ActivePosition{}).
		Where("status = ?", models.PositionOpen).Count(&openCount).Error; err != nil {
		return state, err
	}
	state.OpenPositions = int(openCount)

	var notional struct{ Total float64 }
	if err := db.Model(&models.ActivePosition{}).
		Select("COALESCE(SUM(entry_price * quantity), 0) as total").
		Where("status = ?", models.PositionOpen).Scan(&notional).Error; err != nil {
		return state, err
	}
	state.OpenNotional = notional.Total

	var pnl struct{ Total float64 }
	if err := db.Model(&models.PositionHistory{}).
		Select("COALESCE(SUM(pnl_dollars), 0) as total").
		Where("exit_time >= ?", startOfDay).Scan(&pnl).Error; err != nil {
		return state, err
	}
	state.DailyRealizedPnl = pnl.Total

	var tickerToday int64
	if err := db.Model(&models.Execution{}).
		Where("ticker = ? AND created_at >= ?", ticker, startOfDay).
		Count(&tickerToday).Error; err != nil {
		return state, err
	}
	state.TradesTodayTicker = int(tickerToday)

	var last models.Execution
	err := db.Where("ticker = ?", ticker).Order("created_at desc").First(&last).Error
	if err == nil {
		t := last.CreatedAt
		state.LastTradeTicker = &t
	} else if err != gorm.ErrRecordNotFound {
		return state, err
	}

	var longCount int64
	if err := db.Model(&models.ActivePosition{}).
		Where("ticker = ? AND side = ? AND status = ?", ticker, models.SideLong, models.PositionOpen).
		Count(&longCount).Error; err != nil {
		return state, err
	}
	state.HasOpenLong = longCount > 0

	return state, nil
}

func (d *Dispatcher) startOfDay() time.Time {
	now := d.now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}

// finalize stamps the run record with its end time and outcome counts.
func (d *Dispatcher) finalize(ctx context.Context, run *models.DispatcherRun, summary string) {
	now := d.now()
	run.FinishedAt = &now
	run.Summary = summary
	if err := d.db.WithContext(ctx).Save(run).Error; err != nil {
		d.logger.Error("Failed to finalize run record",
			zap.String("run_id", run.RunID), zap.Error(err))
	}
}
