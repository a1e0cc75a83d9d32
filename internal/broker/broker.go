// Package broker turns a priced recommendation into a fill. Two
// implementations sit behind one contract: Simulated applies the pricing
// output directly, Real submits paper orders and reads back actual fills.
// Real never surfaces its failures to the dispatcher; a wrapper re-invokes
// Simulated and tags the result, so broker failure modes are data, not
// control flow.
package broker

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"paper-trader-go/internal/config"
	"paper-trader-go/internal/models"
	"paper-trader-go/internal/pricing"
)

// OptionFill carries the option-specific fields of a fill.
type OptionFill struct {
	Symbol     string
	Strike     float64
	Expiration time.Time
	Contracts  int
	Premium    float64
	Delta      float64
	IVRank     *float64
}

// Result is the typed outcome of an execution attempt. Fallback is a visible
// branch here, not a caught exception: Mode says what actually happened and
// FallbackReason says why, when the real path degraded.
type Result struct {
	Mode           string
	EntryPrice     float64
	Quantity       float64
	Notional       float64
	BrokerOrderID  string
	Tier           string // account tier that sized the trade, when the real path ran
	FallbackReason string
	Option         *OptionFill
	SimPayload     map[string]interface{}
}

// Broker executes a priced recommendation.
type Broker interface {
	Execute(ctx context.Context, rec *models.Recommendation, px pricing.Inputs) (*Result, error)
}

// New constructs the broker selected by configuration: "real" wires the
// paper-API path with simulated fallback, anything else is pure simulation.
func New(cfg *config.Config, client RestClientInterface, db *gorm.DB, logger *zap.Logger) Broker {
	sim := NewSimulated(logger)
	if cfg.Broker.Mode == "real" {
		real := NewReal(client, db, cfg, logger)
		return NewFallback(real, sim, logger)
	}
	return sim
}

// Fallback wraps the real broker and degrades to the simulated one on any
// failure, tagging the result so the caller's control flow never branches on
// broker errors.
type Fallback struct {
	real   Broker
	sim    *Simulated
	logger *zap.Logger
}

// NewFallback creates the fallback wrapper.
func NewFallback(real Broker, sim *Simulated, logger *zap.Logger) *Fallback {
	return &Fallback{real: real, sim: sim, logger: logger}
}

// Execute tries the real path first and transparently re-invokes the
// simulated path on any failure.
func (f *Fallback) Execute(ctx context.Context, rec *models.Recommendation, px pricing.Inputs) (*Result, error) {
	res, err := f.real.Execute(ctx, rec, px)
	if err == nil {
		return res, nil
	}

	f.logger.Warn("Real broker path failed, falling back to simulation",
		zap.String("ticker", rec.Ticker),
		zap.Error(err),
	)

	simRes, simErr := f.sim.Execute(ctx, rec, px)
	if simErr != nil {
		return nil, simErr
	}
	simRes.Mode = models.ModeSimulatedFallback
	simRes.FallbackReason = err.Error()
	return simRes, nil
}
