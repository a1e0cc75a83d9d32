package positions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"paper-trader-go/internal/config"
	"paper-trader-go/internal/models"
)

func testExitsConfig() config.Exits {
	return config.Exits{
		TrailingRetainPct:     0.75,
		MarketCloseBufferMin:  15,
		OptionProfitTargetPct: 80,
		OptionStopLossPct:     -30,
		GraceMinutes:          30,
		CatastrophicLossPct:   -50,
		DayTradeCloseTime:     "15:45",
		ExpirationRiskHours:   24,
		ThetaDecayDays:        3,
	}
}

// testEnv places the clock at noon with the session ending at 16:00.
func testEnv(cfg *config.Exits) ExitEnv {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	return ExitEnv{
		Now:           now,
		MarketClose:   time.Date(2025, 6, 10, 16, 0, 0, 0, time.UTC),
		DayTradeClose: time.Date(2025, 6, 10, 15, 45, 0, 0, time.UTC),
		Exits:         cfg,
	}
}

func optionPos(pnlPct float64, heldMin int, env ExitEnv) *models.ActivePosition {
	best := pnlPct
	if best < 0 {
		best = 0
	}
	return &models.ActivePosition{
		Ticker:         "AAPL",
		OptionSymbol:   "AAPL250624C00150000",
		Instrument:     models.InstrumentCall,
		Strategy:       models.StrategySwing,
		Side:           models.SideLong,
		Quantity:       3,
		EntryPrice:     2.00,
		EntryTime:      env.Now.Add(-time.Duration(heldMin) * time.Minute),
		CurrentPrice:   2.00 * (1 + pnlPct/100),
		PnlPercent:     pnlPct,
		BestPnlPercent: best,
		Status:         models.PositionOpen,
	}
}

// An 85% premium gain past the grace period fires the profit target.
func TestOptionBands_ProfitTargetAfterGrace(t *testing.T) {
	cfg := testExitsConfig()
	env := testEnv(&cfg)

	triggers := EvaluateExits(optionPos(85, 45, env), env)

	assert.NotEmpty(t, triggers)
	assert.Equal(t, models.ExitProfitTarget, triggers[0].Reason)
	assert.Equal(t, 1, triggers[0].Priority)
}

// The grace period suppresses both the target and the ordinary stop early in
// a position's life, but a catastrophic loss bypasses it. The asymmetry is
// the point of the test.
func TestOptionBands_GraceAsymmetry(t *testing.T) {
	cfg := testExitsConfig()
	env := testEnv(&cfg)

	// Ten minutes in: an 85% gain does not exit yet.
	assert.Empty(t, EvaluateExits(optionPos(85, 10, env), env))

	// Ten minutes in: a -35% loss does not exit yet either.
	assert.Empty(t, EvaluateExits(optionPos(-35, 10, env), env))

	// Ten minutes in: a -55% loss exits immediately.
	triggers := EvaluateExits(optionPos(-55, 10, env), env)
	assert.NotEmpty(t, triggers)
	assert.Equal(t, models.ExitStopLoss, triggers[0].Reason)
	assert.Contains(t, triggers[0].Detail, "catastrophic")
}

func TestOptionBands_StopLossAfterGrace(t *testing.T) {
	cfg := testExitsConfig()
	env := testEnv(&cfg)

	triggers := EvaluateExits(optionPos(-35, 45, env), env)
	assert.NotEmpty(t, triggers)
	assert.Equal(t, models.ExitStopLoss, triggers[0].Reason)
}

// When several triggers fire together, the lowest priority number wins.
func TestEvaluateExits_PriorityOrdering(t *testing.T) {
	cfg := testExitsConfig()
	env := testEnv(&cfg)

	// A stock position that crossed its stop AND exceeded its maximum hold.
	pos := &models.ActivePosition{
		Ticker:         "AAPL",
		Instrument:     models.InstrumentStock,
		Strategy:       models.StrategySwing,
		Side:           models.SideLong,
		Quantity:       100,
		EntryPrice:     150,
		EntryTime:      env.Now.Add(-500 * time.Minute),
		CurrentPrice:   140,
		StopLoss:       145,
		TakeProfit:     160,
		PnlPercent:     -6.7,
		MaxHoldMinutes: 240,
		Status:         models.PositionOpen,
	}

	triggers := EvaluateExits(pos, env)

	assert.GreaterOrEqual(t, len(triggers), 2)
	assert.Equal(t, models.ExitStopLoss, triggers[0].Reason)
	assert.Equal(t, 1, triggers[0].Priority)
	last := triggers[len(triggers)-1]
	assert.Equal(t, models.ExitMaxHold, last.Reason)
	assert.Equal(t, 3, last.Priority)
}

func TestTrailingStop(t *testing.T) {
	cfg := testExitsConfig()
	env := testEnv(&cfg)

	pos := &models.ActivePosition{
		Ticker:         "AAPL",
		Instrument:     models.InstrumentStock,
		Strategy:       models.StrategySwing,
		Side:           models.SideLong,
		EntryPrice:     100,
		EntryTime:      env.Now.Add(-120 * time.Minute),
		CurrentPrice:   125,
		PnlPercent:     25,
		BestPnlPercent: 40, // floor is 30
		Status:         models.PositionOpen,
	}

	triggers := EvaluateExits(pos, env)
	assert.NotEmpty(t, triggers)
	assert.Equal(t, models.ExitTrailingStop, triggers[0].Reason)

	// Holding above the floor keeps the position open.
	pos.PnlPercent = 35
	assert.Empty(t, EvaluateExits(pos, env))
}

func TestStockStops_ShortSide(t *testing.T) {
	cfg := testExitsConfig()
	env := testEnv(&cfg)

	pos := &models.ActivePosition{
		Ticker:       "AAPL",
		Instrument:   models.InstrumentStock,
		Strategy:     models.StrategySwing,
		Side:         models.SideShort,
		EntryPrice:   100,
		EntryTime:    env.Now.Add(-120 * time.Minute),
		CurrentPrice: 105,
		StopLoss:     104, // above entry for a short
		TakeProfit:   92,
		PnlPercent:   -5,
		Status:       models.PositionOpen,
	}

	triggers := EvaluateExits(pos, env)
	assert.NotEmpty(t, triggers)
	assert.Equal(t, models.ExitStopLoss, triggers[0].Reason)

	pos.CurrentPrice = 91
	pos.PnlPercent = 9
	triggers = EvaluateExits(pos, env)
	assert.NotEmpty(t, triggers)
	assert.Equal(t, models.ExitProfitTarget, triggers[0].Reason)
}

func TestOptionMarketClose(t *testing.T) {
	cfg := testExitsConfig()
	env := testEnv(&cfg)
	env.Now = time.Date(2025, 6, 10, 15, 50, 0, 0, time.UTC) // inside the buffer

	pos := optionPos(10, 120, env)
	triggers := EvaluateExits(pos, env)
	assert.NotEmpty(t, triggers)
	assert.Equal(t, models.ExitMarketClose, triggers[0].Reason)

	// Stocks are allowed to hold overnight.
	stock := &models.ActivePosition{
		Ticker: "AAPL", Instrument: models.InstrumentStock, Strategy: models.StrategySwing,
		Side: models.SideLong, EntryPrice: 150, CurrentPrice: 151,
		EntryTime: env.Now.Add(-120 * time.Minute), Status: models.PositionOpen,
	}
	assert.Empty(t, EvaluateExits(stock, env))
}

func TestDayTradeCloseTime(t *testing.T) {
	cfg := testExitsConfig()
	env := testEnv(&cfg)

	pos := &models.ActivePosition{
		Ticker: "AAPL", Instrument: models.InstrumentStock, Strategy: models.StrategyDayTrade,
		Side: models.SideLong, EntryPrice: 150, CurrentPrice: 151,
		EntryTime: env.Now.Add(-120 * time.Minute), Status: models.PositionOpen,
	}

	assert.Empty(t, EvaluateExits(pos, env))

	env.Now = time.Date(2025, 6, 10, 15, 46, 0, 0, time.UTC)
	triggers := EvaluateExits(pos, env)
	assert.NotEmpty(t, triggers)
	assert.Equal(t, models.ExitDayTradeTime, triggers[0].Reason)
	assert.Equal(t, 2, triggers[0].Priority)
}

func TestExpirationRisk(t *testing.T) {
	cfg := testExitsConfig()
	env := testEnv(&cfg)

	pos := optionPos(10, 120, env)
	soon := env.Now.Add(10 * time.Hour)
	pos.Expiration = &soon

	triggers := EvaluateExits(pos, env)
	assert.NotEmpty(t, triggers)
	assert.Equal(t, models.ExitExpirationRisk, triggers[0].Reason)
	assert.Equal(t, 2, triggers[0].Priority)
}

// Theta decay only pushes out losing positions; a profitable option with the
// same expiry stays.
func TestThetaDecay(t *testing.T) {
	cfg := testExitsConfig()
	env := testEnv(&cfg)
	expiry := env.Now.Add(60 * time.Hour) // 2.5 days, beyond expiration-risk range

	losing := optionPos(-10, 120, env)
	losing.Expiration = &expiry
	triggers := EvaluateExits(losing, env)
	assert.NotEmpty(t, triggers)
	assert.Equal(t, models.ExitThetaDecay, triggers[0].Reason)

	winning := optionPos(10, 120, env)
	winning.Expiration = &expiry
	assert.Empty(t, EvaluateExits(winning, env))
}

func TestMissingBracket(t *testing.T) {
	cfg := testExitsConfig()
	env := testEnv(&cfg)
	env.BracketMissing = true

	pos := &models.ActivePosition{
		Ticker: "AAPL", Instrument: models.InstrumentStock, Strategy: models.StrategySwing,
		Side: models.SideLong, EntryPrice: 150, CurrentPrice: 151,
		EntryTime: env.Now.Add(-60 * time.Minute), Status: models.PositionOpen,
	}

	triggers := EvaluateExits(pos, env)
	assert.NotEmpty(t, triggers)
	assert.Equal(t, models.ExitMissingBracket, triggers[0].Reason)
	assert.Equal(t, 1, triggers[0].Priority)
}
