package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Vault     VaultConfig     `mapstructure:"vault"`
	Risk      RiskConfig      `mapstructure:"risk"`
	StopLoss  StopLossConfig  `mapstructure:"stop_loss"`
	Sizing    SizingConfig    `mapstructure:"sizing"`
	Portfolio PortfolioConfig `mapstructure:"portfolio"`
	Feed      FeedConfig      `mapstructure:"feed"`
}

// RedisConfig holds store connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig holds message bus connection settings.
type NATSConfig struct {
	URL      string `mapstructure:"url"`
	ClientID string `mapstructure:"client_id"`
}

// VaultConfig holds the optional secrets backend settings.
type VaultConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Token   string `mapstructure:"token"`
	KeyPath string `mapstructure:"key_path"`
}

// RiskConfig holds the rule-chain limits and engine settings.
type RiskConfig struct {
	MaxDailyLoss           float64       `mapstructure:"max_daily_loss"`
	MaxMonthlyLoss         float64       `mapstructure:"max_monthly_loss"`
	MaxConsecutiveLosses   int           `mapstructure:"max_consecutive_losses"`
	MaxTradesPerDay        int           `mapstructure:"max_trades_per_day"`
	MinOrderValue          float64       `mapstructure:"min_order_value"`
	MaxOrderValue          float64       `mapstructure:"max_order_value"`
	MinReorderInterval     time.Duration `mapstructure:"min_reorder_interval"`
	MinCashReserveRatio    float64       `mapstructure:"min_cash_reserve_ratio"`
	MaxTotalExposureRatio  float64       `mapstructure:"max_total_exposure_ratio"`
	MaxPositionSizeRatio   float64       `mapstructure:"max_position_size_ratio"`
	MaxSectorExposureRatio float64       `mapstructure:"max_sector_exposure_ratio"`
	CheckWarnTimeout       time.Duration `mapstructure:"check_warn_timeout"`
	AdminKey               string        `mapstructure:"admin_key"`
	MonitorInterval        time.Duration `mapstructure:"monitor_interval"`
	MonitorEnabled         bool          `mapstructure:"monitor_enabled"`
}

// MaxDailyLossDecimal returns the daily loss limit as a decimal.
func (c RiskConfig) MaxDailyLossDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.MaxDailyLoss)
}

// MaxMonthlyLossDecimal returns the monthly loss limit as a decimal.
func (c RiskConfig) MaxMonthlyLossDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.MaxMonthlyLoss)
}

// StopLossConfig holds protective-exit settings.
type StopLossConfig struct {
	StopLossPct         float64 `mapstructure:"stop_loss_pct"`
	TakeProfitPct       float64 `mapstructure:"take_profit_pct"`
	EnableTakeProfit    bool    `mapstructure:"enable_take_profit"`
	TrailingStopPct     float64 `mapstructure:"trailing_stop_pct"`
	EnableTrailing      bool    `mapstructure:"enable_trailing"`
	BreakevenTriggerPct float64 `mapstructure:"breakeven_trigger_pct"`
	EnableBreakeven     bool    `mapstructure:"enable_breakeven"`
}

// SizingConfig holds position-sizing settings.
type SizingConfig struct {
	Strategy          string  `mapstructure:"strategy"` // fixed_risk, volatility, kelly
	RiskPerTrade      float64 `mapstructure:"risk_per_trade"`
	DefaultStopPct    float64 `mapstructure:"default_stop_pct"`
	MaxPositionRatio  float64 `mapstructure:"max_position_ratio"`
	MinLotSize        int64   `mapstructure:"min_lot_size"`
	KellyMaxFraction  float64 `mapstructure:"kelly_max_fraction"`
	KellyConservatism float64 `mapstructure:"kelly_conservatism"`
}

// PortfolioConfig holds analyzer thresholds.
type PortfolioConfig struct {
	MaxPositionWeight  float64       `mapstructure:"max_position_weight"`
	MaxHerfindahl      float64       `mapstructure:"max_herfindahl"`
	MaxVolatility      float64       `mapstructure:"max_volatility"`
	MaxCorrelation     float64       `mapstructure:"max_correlation"`
	MaxSectorWeight    float64       `mapstructure:"max_sector_weight"`
	MinLiquidityScore  float64       `mapstructure:"min_liquidity_score"`
	InitialCashBalance float64       `mapstructure:"initial_cash_balance"`
	AnalysisInterval   time.Duration `mapstructure:"analysis_interval"`
}

// FeedConfig holds market-data ingestor settings.
type FeedConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Symbols []string `mapstructure:"symbols"`
}

// Load reads configuration from the given path (or ./config) plus
// ALBATROSS_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ALBATROSS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine, defaults and env apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Risk.MaxDailyLoss <= 0 {
		return fmt.Errorf("risk.max_daily_loss must be positive")
	}
	if c.Risk.MaxMonthlyLoss < c.Risk.MaxDailyLoss {
		return fmt.Errorf("risk.max_monthly_loss must be at least the daily limit")
	}
	if c.Risk.MaxPositionSizeRatio <= 0 || c.Risk.MaxPositionSizeRatio > 1 {
		return fmt.Errorf("risk.max_position_size_ratio must be in (0, 1]")
	}
	if c.Risk.MaxTotalExposureRatio <= 0 || c.Risk.MaxTotalExposureRatio > 1 {
		return fmt.Errorf("risk.max_total_exposure_ratio must be in (0, 1]")
	}
	if c.Sizing.RiskPerTrade <= 0 || c.Sizing.RiskPerTrade > 0.1 {
		return fmt.Errorf("sizing.risk_per_trade must be in (0, 0.1]")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.client_id", "albatross-risk")

	v.SetDefault("risk.max_daily_loss", 50000.0)
	v.SetDefault("risk.max_monthly_loss", 200000.0)
	v.SetDefault("risk.max_consecutive_losses", 5)
	v.SetDefault("risk.max_trades_per_day", 50)
	v.SetDefault("risk.min_order_value", 10000.0)
	v.SetDefault("risk.max_order_value", 10000000.0)
	v.SetDefault("risk.min_reorder_interval", "30s")
	v.SetDefault("risk.min_cash_reserve_ratio", 0.1)
	v.SetDefault("risk.max_total_exposure_ratio", 0.9)
	v.SetDefault("risk.max_position_size_ratio", 0.2)
	v.SetDefault("risk.max_sector_exposure_ratio", 0.4)
	v.SetDefault("risk.check_warn_timeout", "3s")
	v.SetDefault("risk.admin_key", "change-me")
	v.SetDefault("risk.monitor_interval", "30s")
	v.SetDefault("risk.monitor_enabled", true)

	v.SetDefault("stop_loss.stop_loss_pct", 3.0)
	v.SetDefault("stop_loss.take_profit_pct", 6.0)
	v.SetDefault("stop_loss.enable_take_profit", true)
	v.SetDefault("stop_loss.trailing_stop_pct", 2.0)
	v.SetDefault("stop_loss.enable_trailing", true)
	v.SetDefault("stop_loss.breakeven_trigger_pct", 2.0)
	v.SetDefault("stop_loss.enable_breakeven", true)

	v.SetDefault("sizing.strategy", "fixed_risk")
	v.SetDefault("sizing.risk_per_trade", 0.01)
	v.SetDefault("sizing.default_stop_pct", 3.0)
	v.SetDefault("sizing.max_position_ratio", 0.2)
	v.SetDefault("sizing.min_lot_size", 1)
	v.SetDefault("sizing.kelly_max_fraction", 0.25)
	v.SetDefault("sizing.kelly_conservatism", 0.25)

	v.SetDefault("portfolio.max_position_weight", 0.3)
	v.SetDefault("portfolio.max_herfindahl", 0.25)
	v.SetDefault("portfolio.max_volatility", 0.4)
	v.SetDefault("portfolio.max_correlation", 0.8)
	v.SetDefault("portfolio.max_sector_weight", 0.5)
	v.SetDefault("portfolio.min_liquidity_score", 0.3)
	v.SetDefault("portfolio.initial_cash_balance", 1000000.0)
	v.SetDefault("portfolio.analysis_interval", "5m")

	v.SetDefault("feed.enabled", false)
	v.SetDefault("feed.symbols", []string{})

	v.SetDefault("vault.enabled", false)
	v.SetDefault("vault.key_path", "secret/data/albatross/risk")
}
