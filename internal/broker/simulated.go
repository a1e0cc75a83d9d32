package broker

import (
	"context"

	"go.uber.org/zap"

	"paper-trader-go/internal/models"
	"paper-trader-go/internal/pricing"
)

// Simulated applies the pricing output directly with no external calls.
// It always succeeds, which is what makes it a safe fallback target.
type Simulated struct {
	logger *zap.Logger
}

// NewSimulated creates the simulated broker.
func NewSimulated(logger *zap.Logger) *Simulated {
	return &Simulated{logger: logger}
}

// Execute fills the trade at the modeled entry price and quantity.
func (s *Simulated) Execute(ctx context.Context, rec *models.Recommendation, px pricing.Inputs) (*Result, error) {
	s.logger.Debug("Simulated fill",
		zap.String("ticker", rec.Ticker),
		zap.Float64("entry", px.EntryPrice),
		zap.Float64("quantity", px.Quantity),
	)

	return &Result{
		Mode:       models.ModeSimulated,
		EntryPrice: px.EntryPrice,
		Quantity:   px.Quantity,
		Notional:   px.Notional,
		SimPayload: map[string]interface{}{
			"entry_model":  px.EntryModel,
			"slippage_bps": px.SlippageBps,
			"volatility":   px.Volatility,
		},
	}, nil
}
