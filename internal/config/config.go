package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Broker     Broker     `mapstructure:"broker"`
	Database   Database   `mapstructure:"database"`
	Logger     Logger     `mapstructure:"logger"`
	Metrics    Metrics    `mapstructure:"metrics"`
	Dispatcher Dispatcher `mapstructure:"dispatcher"`
	Manager    Manager    `mapstructure:"manager"`
	Gates      Gates      `mapstructure:"gates"`
	Pricing    Pricing    `mapstructure:"pricing"`
	Options    Options    `mapstructure:"options"`
	Sizing     Sizing     `mapstructure:"sizing"`
	Exits      Exits      `mapstructure:"exits"`
}

// Broker holds the configuration for the broker REST API.
type Broker struct {
	ApiKey         string  `mapstructure:"apiKey"`
	SecretKey      string  `mapstructure:"secretKey"`
	BaseURL        string  `mapstructure:"base_url"`
	DataBaseURL    string  `mapstructure:"data_base_url"`
	Mode           string  `mapstructure:"mode"` // "simulated" or "real"
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	TimeoutSec     int     `mapstructure:"timeout_sec"`
	FillPollSec    int     `mapstructure:"fill_poll_sec"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Metrics holds the configuration for the metrics/health server.
type Metrics struct {
	Port int `mapstructure:"port"`
}

// Dispatcher holds the configuration for the claim/execute loop.
type Dispatcher struct {
	Account          string `mapstructure:"account"`
	TickIntervalSec  int    `mapstructure:"tick_interval_sec"`
	ClaimBatchSize   int    `mapstructure:"claim_batch_size"`
	LookbackMinutes  int    `mapstructure:"lookback_minutes"`
	ProcessingTTLMin int    `mapstructure:"processing_ttl_minutes"`
}

// Manager holds the configuration for the position monitoring loop.
type Manager struct {
	TickIntervalSec int `mapstructure:"tick_interval_sec"`
}

// Gates holds the thresholds for the risk gate engine.
type Gates struct {
	MinConfidenceStock          float64  `mapstructure:"min_confidence_stock"`
	MinConfidenceSwingOption    float64  `mapstructure:"min_confidence_swing_option"`
	MinConfidenceDayTradeOption float64  `mapstructure:"min_confidence_day_trade_option"`
	AllowedActions              []string `mapstructure:"allowed_actions"`
	MaxRecommendationAgeMin     int      `mapstructure:"max_recommendation_age_minutes"`
	MaxBarAgeMin                int      `mapstructure:"max_bar_age_minutes"`
	MaxSnapshotAgeMin           int      `mapstructure:"max_snapshot_age_minutes"`
	DailyTickerCap              int      `mapstructure:"daily_ticker_cap"`
	TickerCooldownMin           int      `mapstructure:"ticker_cooldown_minutes"`
	ShortSellingEnabled         bool     `mapstructure:"short_selling_enabled"`
	DailyLossLimit              float64  `mapstructure:"daily_loss_limit"`
	MaxOpenPositions            int      `mapstructure:"max_open_positions"`
	MaxNotionalExposure         float64  `mapstructure:"max_notional_exposure"`
	MarketOpen                  string   `mapstructure:"market_open"`  // "09:30"
	MarketClose                 string   `mapstructure:"market_close"` // "16:00"
	OpenBufferMin               int      `mapstructure:"open_buffer_minutes"`
	CloseBufferMin              int      `mapstructure:"close_buffer_minutes"`
	Timezone                    string   `mapstructure:"timezone"`
}

// Pricing holds the entry price and stop model parameters.
type Pricing struct {
	EntryModel         string  `mapstructure:"entry_model"` // "close" or "hl_midpoint"
	SlippageBps        float64 `mapstructure:"slippage_bps"`
	RiskPercent        float64 `mapstructure:"risk_percent"`
	MaxPositionPct     float64 `mapstructure:"max_position_pct"`
	VolStopMultiplier  float64 `mapstructure:"vol_stop_multiplier"`
	RiskRewardRatio    float64 `mapstructure:"risk_reward_ratio"`
	MinQuantity        float64 `mapstructure:"min_quantity"`
	MaxHoldDayTradeMin int     `mapstructure:"max_hold_day_trade_minutes"`
	MaxHoldSwingMin    int     `mapstructure:"max_hold_swing_minutes"`
}

// Options holds option contract selection parameters.
type Options struct {
	DayTradeMaxExpiryDays int     `mapstructure:"day_trade_max_expiry_days"`
	SwingMinExpiryDays    int     `mapstructure:"swing_min_expiry_days"`
	SwingMaxExpiryDays    int     `mapstructure:"swing_max_expiry_days"`
	StrikeBandPct         float64 `mapstructure:"strike_band_pct"`
	SpreadWeight          float64 `mapstructure:"spread_weight"`
	VolumeWeight          float64 `mapstructure:"volume_weight"`
	DeltaWeight           float64 `mapstructure:"delta_weight"`
	StrikeWeight          float64 `mapstructure:"strike_weight"`
	MinQualityScore       float64 `mapstructure:"min_quality_score"`
	DayTradeDeltaMin      float64 `mapstructure:"day_trade_delta_min"`
	DayTradeDeltaMax      float64 `mapstructure:"day_trade_delta_max"`
	SwingDeltaMin         float64 `mapstructure:"swing_delta_min"`
	SwingDeltaMax         float64 `mapstructure:"swing_delta_max"`
	IVRankMax             float64 `mapstructure:"iv_rank_max"`
	IVMinHistory          int     `mapstructure:"iv_min_history"`
}

// RiskTier is one per-account-size parameter set; tiers are selected by the
// account equity falling at or above MinEquity (largest match wins).
type RiskTier struct {
	Name           string  `mapstructure:"name"`
	MinEquity      float64 `mapstructure:"min_equity"`
	RiskPercent    float64 `mapstructure:"risk_percent"`
	MaxContracts   int     `mapstructure:"max_contracts"`
	MinConfidence  float64 `mapstructure:"min_confidence"`
	MinVolumeRatio float64 `mapstructure:"min_volume_ratio"`
}

// Sizing holds account equity and the tier/Kelly sizing parameters.
type Sizing struct {
	AccountEquity  float64    `mapstructure:"account_equity"`
	Tiers          []RiskTier `mapstructure:"tiers"`
	KellyFraction  float64    `mapstructure:"kelly_fraction"`
	KellyMinTrades int        `mapstructure:"kelly_min_trades"`
}

// Exits holds the exit trigger parameters for the position manager.
type Exits struct {
	TrailingRetainPct     float64 `mapstructure:"trailing_retain_pct"`
	MarketCloseBufferMin  int     `mapstructure:"market_close_buffer_minutes"`
	OptionProfitTargetPct float64 `mapstructure:"option_profit_target_pct"`
	OptionStopLossPct     float64 `mapstructure:"option_stop_loss_pct"`
	GraceMinutes          int     `mapstructure:"grace_minutes"`
	CatastrophicLossPct   float64 `mapstructure:"catastrophic_loss_pct"`
	DayTradeCloseTime     string  `mapstructure:"day_trade_close_time"` // "15:45"
	ExpirationRiskHours   int     `mapstructure:"expiration_risk_hours"`
	ThetaDecayDays        int     `mapstructure:"theta_decay_days"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yml")

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}

func setDefaults() {
	viper.SetDefault("broker.base_url", "https://paper-api.alpaca.markets")
	viper.SetDefault("broker.data_base_url", "https://data.alpaca.markets")
	viper.SetDefault("broker.mode", "simulated")
	viper.SetDefault("broker.rate_limit", 10) // requests per second
	viper.SetDefault("broker.rate_limit_burst", 5)
	viper.SetDefault("broker.timeout_sec", 10)
	viper.SetDefault("broker.fill_poll_sec", 5)

	viper.SetDefault("metrics.port", 9090)

	viper.SetDefault("dispatcher.account", "default")
	viper.SetDefault("dispatcher.tick_interval_sec", 60)
	viper.SetDefault("dispatcher.claim_batch_size", 10)
	viper.SetDefault("dispatcher.lookback_minutes", 120)
	viper.SetDefault("dispatcher.processing_ttl_minutes", 10)

	viper.SetDefault("manager.tick_interval_sec", 60)

	viper.SetDefault("gates.min_confidence_stock", 0.55)
	viper.SetDefault("gates.min_confidence_swing_option", 0.60)
	viper.SetDefault("gates.min_confidence_day_trade_option", 0.65)
	viper.SetDefault("gates.allowed_actions", []string{
		"BUY:STOCK", "SELL:STOCK", "BUY:CALL", "BUY:PUT",
	})
	viper.SetDefault("gates.max_recommendation_age_minutes", 30)
	viper.SetDefault("gates.max_bar_age_minutes", 20)
	viper.SetDefault("gates.max_snapshot_age_minutes", 30)
	viper.SetDefault("gates.daily_ticker_cap", 3)
	viper.SetDefault("gates.ticker_cooldown_minutes", 45)
	viper.SetDefault("gates.short_selling_enabled", false)
	viper.SetDefault("gates.daily_loss_limit", 1000)
	viper.SetDefault("gates.max_open_positions", 10)
	viper.SetDefault("gates.max_notional_exposure", 50000)
	viper.SetDefault("gates.market_open", "09:30")
	viper.SetDefault("gates.market_close", "16:00")
	viper.SetDefault("gates.open_buffer_minutes", 15)
	viper.SetDefault("gates.close_buffer_minutes", 15)
	viper.SetDefault("gates.timezone", "America/New_York")

	viper.SetDefault("pricing.entry_model", "close")
	viper.SetDefault("pricing.slippage_bps", 5)
	viper.SetDefault("pricing.risk_percent", 0.02)
	viper.SetDefault("pricing.max_position_pct", 0.25)
	viper.SetDefault("pricing.vol_stop_multiplier", 2.0)
	viper.SetDefault("pricing.risk_reward_ratio", 2.0)
	viper.SetDefault("pricing.min_quantity", 1)
	viper.SetDefault("pricing.max_hold_day_trade_minutes", 240)
	viper.SetDefault("pricing.max_hold_swing_minutes", 7*24*60)

	viper.SetDefault("options.day_trade_max_expiry_days", 1)
	viper.SetDefault("options.swing_min_expiry_days", 7)
	viper.SetDefault("options.swing_max_expiry_days", 28)
	viper.SetDefault("options.strike_band_pct", 0.10)
	viper.SetDefault("options.spread_weight", 0.40)
	viper.SetDefault("options.volume_weight", 0.25)
	viper.SetDefault("options.delta_weight", 0.20)
	viper.SetDefault("options.strike_weight", 0.15)
	viper.SetDefault("options.min_quality_score", 0.50)
	viper.SetDefault("options.day_trade_delta_min", 0.40)
	viper.SetDefault("options.day_trade_delta_max", 0.60)
	viper.SetDefault("options.swing_delta_min", 0.30)
	viper.SetDefault("options.swing_delta_max", 0.70)
	viper.SetDefault("options.iv_rank_max", 0.80)
	viper.SetDefault("options.iv_min_history", 60)

	viper.SetDefault("sizing.account_equity", 100000)
	viper.SetDefault("sizing.kelly_fraction", 0.25)
	viper.SetDefault("sizing.kelly_min_trades", 20)

	viper.SetDefault("exits.trailing_retain_pct", 0.75)
	viper.SetDefault("exits.market_close_buffer_minutes", 15)
	viper.SetDefault("exits.option_profit_target_pct", 80)
	viper.SetDefault("exits.option_stop_loss_pct", -30)
	viper.SetDefault("exits.grace_minutes", 30)
	viper.SetDefault("exits.catastrophic_loss_pct", -50)
	viper.SetDefault("exits.day_trade_close_time", "15:45")
	viper.SetDefault("exits.expiration_risk_hours", 24)
	viper.SetDefault("exits.theta_decay_days", 3)
}

// TierFor selects the risk tier whose MinEquity band contains the given
// account equity. The largest MinEquity not exceeding equity wins; a
// conservative built-in tier is returned when none is configured.
func (s *Sizing) TierFor(equity float64) RiskTier {
	var best RiskTier
	found := false
	for _, t := range s.Tiers {
		if equity >= t.MinEquity && (!found || t.MinEquity > best.MinEquity) {
			best = t
			found = true
		}
	}
	if !found {
		return RiskTier{Name: "default", RiskPercent: 0.01, MaxContracts: 2, MinConfidence: 0.60, MinVolumeRatio: 1.0}
	}
	return best
}
