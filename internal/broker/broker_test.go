package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"paper-trader-go/internal/config"
	"paper-trader-go/internal/database"
	"paper-trader-go/internal/models"
	"paper-trader-go/internal/pricing"
)

// MockRestClient is a mock implementation of the RestClientInterface.
type MockRestClient struct {
	mock.Mock
}

func (m *MockRestClient) GetAccount(ctx context.Context) (*Account, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Account), args.Error(1)
}

func (m *MockRestClient) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Order), args.Error(1)
}

func (m *MockRestClient) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Order), args.Error(1)
}

func (m *MockRestClient) CancelOrder(ctx context.Context, orderID string) error {
	args := m.Called(ctx, orderID)
	return args.Error(0)
}

func (m *MockRestClient) ListPositions(ctx context.Context) ([]BrokerPosition, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]BrokerPosition), args.Error(1)
}

func (m *MockRestClient) ClosePosition(ctx context.Context, symbol string) (*Order, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Order), args.Error(1)
}

func (m *MockRestClient) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Quote), args.Error(1)
}

func (m *MockRestClient) GetOptionChain(ctx context.Context, underlying string) ([]OptionContract, error) {
	args := m.Called(ctx, underlying)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]OptionContract), args.Error(1)
}

func (m *MockRestClient) GetIVHistory(ctx context.Context, symbol string) ([]float64, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float64), args.Error(1)
}

// setupBrokerTest creates an isolated in-memory database and a mock client.
func setupBrokerTest(t *testing.T) (*gorm.DB, *MockRestClient) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, database.AutoMigrate(db))
	return db, new(MockRestClient)
}

func testBrokerConfig() *config.Config {
	return &config.Config{
		Broker: config.Broker{Mode: "real"},
		Options: config.Options{
			DayTradeMaxExpiryDays: 1,
			SwingMinExpiryDays:    7,
			SwingMaxExpiryDays:    28,
			StrikeBandPct:         0.10,
			SpreadWeight:          0.40,
			VolumeWeight:          0.25,
			DeltaWeight:           0.20,
			StrikeWeight:          0.15,
			MinQualityScore:       0.50,
			DayTradeDeltaMin:      0.40,
			DayTradeDeltaMax:      0.60,
			SwingDeltaMin:         0.30,
			SwingDeltaMax:         0.70,
			IVRankMax:             0.80,
			IVMinHistory:          60,
		},
		Sizing: config.Sizing{
			AccountEquity:  100000,
			KellyFraction:  0.25,
			KellyMinTrades: 20,
			Tiers: []config.RiskTier{
				{Name: "medium", MinEquity: 0, RiskPercent: 0.02, MaxContracts: 5},
			},
		},
	}
}

func stockRec() *models.Recommendation {
	return &models.Recommendation{
		Ticker:     "AAPL",
		Action:     models.ActionBuy,
		Instrument: models.InstrumentStock,
		Strategy:   models.StrategySwing,
		Confidence: 0.80,
	}
}

func stockPricing() pricing.Inputs {
	return pricing.Inputs{
		EntryPrice: 150.05,
		Quantity:   100,
		Notional:   15005,
		StopLoss:   147,
		TakeProfit: 156,
		EntryModel: pricing.ModelClose,
	}
}

func TestSimulated_FillsAtModeledPrice(t *testing.T) {
	sim := NewSimulated(zap.NewNop())

	res, err := sim.Execute(context.Background(), stockRec(), stockPricing())

	assert.NoError(t, err)
	assert.Equal(t, models.ModeSimulated, res.Mode)
	assert.Equal(t, 150.05, res.EntryPrice)
	assert.Equal(t, 100.0, res.Quantity)
	assert.Empty(t, res.FallbackReason)
	assert.Equal(t, pricing.ModelClose, res.SimPayload["entry_model"])
}

// failingBroker always errors, standing in for a degraded real path.
type failingBroker struct{ err error }

func (f *failingBroker) Execute(ctx context.Context, rec *models.Recommendation, px pricing.Inputs) (*Result, error) {
	return nil, f.err
}

func TestFallback_TagsDegradedResult(t *testing.T) {
	// Arrange
	real := &failingBroker{err: errors.New("account query failed: API down")}
	fb := NewFallback(real, NewSimulated(zap.NewNop()), zap.NewNop())

	// Act
	res, err := fb.Execute(context.Background(), stockRec(), stockPricing())

	// Assert: the failure became data, not an error.
	assert.NoError(t, err)
	assert.Equal(t, models.ModeSimulatedFallback, res.Mode)
	assert.Contains(t, res.FallbackReason, "API down")
	assert.Equal(t, 150.05, res.EntryPrice)
}

func TestFallback_PassesThroughRealSuccess(t *testing.T) {
	real := &passthroughBroker{res: &Result{Mode: models.ModeRealPaper, EntryPrice: 150.10}}
	fb := NewFallback(real, NewSimulated(zap.NewNop()), zap.NewNop())

	res, err := fb.Execute(context.Background(), stockRec(), stockPricing())

	assert.NoError(t, err)
	assert.Equal(t, models.ModeRealPaper, res.Mode)
	assert.Empty(t, res.FallbackReason)
}

type passthroughBroker struct{ res *Result }

func (p *passthroughBroker) Execute(ctx context.Context, rec *models.Recommendation, px pricing.Inputs) (*Result, error) {
	return p.res, nil
}

func TestNew_SelectsByMode(t *testing.T) {
	cfg := testBrokerConfig()

	cfg.Broker.Mode = "simulated"
	_, ok := New(cfg, nil, nil, zap.NewNop()).(*Simulated)
	assert.True(t, ok)

	cfg.Broker.Mode = "real"
	_, ok = New(cfg, nil, nil, zap.NewNop()).(*Fallback)
	assert.True(t, ok)
}

func TestReal_OptionHappyPath(t *testing.T) {
	// Arrange
	db, mockClient := setupBrokerTest(t)
	cfg := testBrokerConfig()
	real := NewReal(mockClient, db, cfg, zap.NewNop())

	expiry := time.Now().AddDate(0, 0, 14)
	rec := stockRec()
	rec.Instrument = models.InstrumentCall

	mockClient.On("GetAccount", mock.Anything).Return(&Account{Equity: 100000, BuyingPower: 200000}, nil)
	mockClient.On("GetQuote", mock.Anything, "AAPL").Return(&Quote{Bid: 149, Ask: 151}, nil)
	mockClient.On("GetOptionChain", mock.Anything, "AAPL").Return([]OptionContract{
		{Symbol: "AAPL250624C00150000", Type: "call", Strike: 150, Expiration: expiry,
			Bid: 2.45, Ask: 2.55, Volume: 1200, Delta: 0.50, IV: 0.35},
	}, nil)
	// Short IV history: the gate passes with a caveat instead of blocking.
	mockClient.On("GetIVHistory", mock.Anything, "AAPL").Return([]float64{0.30, 0.32}, nil)
	mockClient.On("SubmitOrder", mock.Anything, mock.Anything).
		Return(&Order{ID: "ord-1", Status: "accepted"}, nil)
	mockClient.On("GetOrder", mock.Anything, "ord-1").
		Return(&Order{ID: "ord-1", Status: "filled", FilledQty: "3", FilledAvgPrice: "2.55"}, nil)

	// Act
	res, err := real.Execute(context.Background(), rec, stockPricing())

	// Assert
	assert.NoError(t, err)
	assert.Equal(t, models.ModeRealPaper, res.Mode)
	assert.Equal(t, "ord-1", res.BrokerOrderID)
	assert.Equal(t, 3.0, res.Quantity)
	assert.InDelta(t, 2.55*3*100, res.Notional, 1e-9)
	assert.Equal(t, "medium", res.Tier)
	assert.NotNil(t, res.Option)
	assert.Equal(t, "AAPL250624C00150000", res.Option.Symbol)
	assert.Equal(t, 3, res.Option.Contracts)
	assert.Nil(t, res.Option.IVRank) // insufficient history
	mockClient.AssertExpectations(t)
}

// An elevated IV rank aborts the real path, and the fallback wrapper turns
// the abort into a tagged simulated fill.
func TestReal_HighIVRankFallsBack(t *testing.T) {
	// Arrange
	db, mockClient := setupBrokerTest(t)
	cfg := testBrokerConfig()
	real := NewReal(mockClient, db, cfg, zap.NewNop())
	fb := NewFallback(real, NewSimulated(zap.NewNop()), zap.NewNop())

	expiry := time.Now().AddDate(0, 0, 14)
	rec := stockRec()
	rec.Instrument = models.InstrumentCall

	history := make([]float64, 100)
	for i := range history {
		history[i] = 0.10 + float64(i)*0.001 // 0.100 .. 0.199
	}

	mockClient.On("GetAccount", mock.Anything).Return(&Account{Equity: 100000, BuyingPower: 200000}, nil)
	mockClient.On("GetQuote", mock.Anything, "AAPL").Return(&Quote{Bid: 149, Ask: 151}, nil)
	mockClient.On("GetOptionChain", mock.Anything, "AAPL").Return([]OptionContract{
		{Symbol: "AAPL250624C00150000", Type: "call", Strike: 150, Expiration: expiry,
			Bid: 2.45, Ask: 2.55, Volume: 1200, Delta: 0.50, IV: 0.90},
	}, nil)
	mockClient.On("GetIVHistory", mock.Anything, "AAPL").Return(history, nil)

	// Act
	res, err := fb.Execute(context.Background(), rec, stockPricing())

	// Assert: no order was ever submitted, and the outcome says why.
	assert.NoError(t, err)
	assert.Equal(t, models.ModeSimulatedFallback, res.Mode)
	assert.Contains(t, res.FallbackReason, "IV rank")
	mockClient.AssertNotCalled(t, "SubmitOrder", mock.Anything, mock.Anything)
}

// Kelly statistics draw only on the account tier's own closed option trades.
func TestHistoricalStats_ScopedToTier(t *testing.T) {
	// Arrange
	db, mockClient := setupBrokerTest(t)
	real := NewReal(mockClient, db, testBrokerConfig(), zap.NewNop())

	rows := []models.PositionHistory{
		{ExecutionID: 1, PositionID: 1, Ticker: "AAPL", Instrument: models.InstrumentCall, Tier: "medium", PnlDollars: 120, ExitReason: models.ExitProfitTarget},
		{ExecutionID: 2, PositionID: 2, Ticker: "AAPL", Instrument: models.InstrumentCall, Tier: "medium", PnlDollars: -40, ExitReason: models.ExitStopLoss},
		{ExecutionID: 3, PositionID: 3, Ticker: "AAPL", Instrument: models.InstrumentPut, Tier: "large", PnlDollars: 300, ExitReason: models.ExitProfitTarget},
		{ExecutionID: 4, PositionID: 4, Ticker: "AAPL", Instrument: models.InstrumentStock, Tier: "medium", PnlDollars: 500, ExitReason: models.ExitProfitTarget},
	}
	for i := range rows {
		assert.NoError(t, db.Create(&rows[i]).Error)
	}

	// Act
	stats := real.historicalStats("medium")

	// Assert: the other tier's trade and the stock trade are excluded.
	assert.Equal(t, 2, stats.Trades)
	assert.InDelta(t, 0.5, stats.WinRate, 1e-9)
	assert.InDelta(t, 120.0, stats.AvgWin, 1e-9)
	assert.InDelta(t, 40.0, stats.AvgLoss, 1e-9)
}

func TestReal_ZeroBuyingPower(t *testing.T) {
	db, mockClient := setupBrokerTest(t)
	real := NewReal(mockClient, db, testBrokerConfig(), zap.NewNop())

	mockClient.On("GetAccount", mock.Anything).Return(&Account{Equity: 100000, BuyingPower: 0}, nil)

	_, err := real.Execute(context.Background(), stockRec(), stockPricing())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "buying power")
}
