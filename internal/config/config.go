// Package config defines all configuration for the trading agent.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via POLY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun      bool   `mapstructure:"dry_run"`
	DatabaseURL string `mapstructure:"database_url"`

	Wallet    WalletConfig    `mapstructure:"wallet"`
	API       APIConfig       `mapstructure:"api"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Exit      ExitConfig      `mapstructure:"exit"`
	Watchlist WatchlistConfig `mapstructure:"watchlist"`
	Loops     LoopConfig      `mapstructure:"loops"`
	Importer  ImporterConfig  `mapstructure:"importer"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// WalletConfig holds the wallet used for signing live orders.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys.
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
	Address       string `mapstructure:"address"` // wallet address for position reconciliation
}

// APIConfig holds exchange endpoints and optional pre-derived L2 credentials.
type APIConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	DataBaseURL  string `mapstructure:"data_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	ApiKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	Passphrase   string `mapstructure:"passphrase"`
}

// TradingConfig tunes the entry pipeline: trigger threshold, sizing, and the
// hazard-filter windows (G1 trade age, G5 divergence).
type TradingConfig struct {
	StrategyName      string   `mapstructure:"strategy_name"`
	PriceThreshold    float64  `mapstructure:"price_threshold"`
	PositionSize      float64  `mapstructure:"position_size"`
	MaxPositions      int      `mapstructure:"max_positions"`
	MaxPrice          float64  `mapstructure:"max_price"`
	MinTradeSize      float64  `mapstructure:"min_trade_size"`
	WaiveSizeFilter   bool     `mapstructure:"waive_size_filter"`
	MinHoursToEnd     float64  `mapstructure:"min_hours_to_end"`
	BlockedCategories []string `mapstructure:"blocked_categories"`

	MaxPriceDeviation   float64       `mapstructure:"max_price_deviation"`
	MaxTradeAge         time.Duration `mapstructure:"max_trade_age"`
	VerifyOrderbook     bool          `mapstructure:"verify_orderbook"`
	SizeBackfillTimeout time.Duration `mapstructure:"size_backfill_timeout"`

	MaxInitialSubscriptions int `mapstructure:"max_initial_subscriptions"`
}

// ExitConfig governs the hold policy and the exit liquidity guard.
type ExitConfig struct {
	ProfitTarget      float64       `mapstructure:"profit_target"`
	StopLoss          float64       `mapstructure:"stop_loss"`
	MinHoldDays       int           `mapstructure:"min_hold_days"`
	MaxSpreadPercent  float64       `mapstructure:"max_spread_percent"`
	MinExitPriceFloor float64       `mapstructure:"min_exit_price_floor"`
	MaxSlippagePct    float64       `mapstructure:"max_slippage_percent"`
	FillTimeout       time.Duration `mapstructure:"fill_timeout"`
}

// WatchlistConfig tunes near-miss tracking and promotion.
type WatchlistConfig struct {
	ExecutionThreshold float64 `mapstructure:"execution_threshold"`
	MinScore           float64 `mapstructure:"min_score"`
}

// LoopConfig sets the cadence of the supervised background loops.
type LoopConfig struct {
	OrderSyncInterval        time.Duration `mapstructure:"order_sync_interval"`
	ExitEvalInterval         time.Duration `mapstructure:"exit_eval_interval"`
	WatchlistRescoreInterval time.Duration `mapstructure:"watchlist_rescore_interval"`
	PositionSyncInterval     time.Duration `mapstructure:"position_sync_interval"`
	FullPositionSyncInterval time.Duration `mapstructure:"full_position_sync_interval"`
}

// ImporterConfig controls external position reconciliation.
type ImporterConfig struct {
	HoldPolicy string `mapstructure:"hold_policy"` // new | mature | actual
	MatureDays int    `mapstructure:"mature_days"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the read-only operator dashboard.
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	APIKey  string `mapstructure:"api_key"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: POLY_PRIVATE_KEY, POLY_API_KEY,
// POLY_API_SECRET, POLY_PASSPHRASE, DATABASE_URL, DASHBOARD_API_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.DatabaseURL = url
	}
	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("POLY_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if key := os.Getenv("DASHBOARD_API_KEY"); key != "" {
		cfg.Dashboard.APIKey = key
	}
	if os.Getenv("POLY_DRY_RUN") == "true" || os.Getenv("POLY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dry_run", true)

	v.SetDefault("trading.strategy_name", "high_prob_yes")
	v.SetDefault("trading.price_threshold", 0.95)
	v.SetDefault("trading.position_size", 20)
	v.SetDefault("trading.max_positions", 50)
	v.SetDefault("trading.max_price", 0.99)
	v.SetDefault("trading.min_trade_size", 50)
	v.SetDefault("trading.waive_size_filter", false)
	v.SetDefault("trading.min_hours_to_end", 6)
	v.SetDefault("trading.max_price_deviation", 0.10)
	v.SetDefault("trading.max_trade_age", 300*time.Second)
	v.SetDefault("trading.verify_orderbook", true)
	v.SetDefault("trading.size_backfill_timeout", 5*time.Second)
	v.SetDefault("trading.max_initial_subscriptions", 2000)

	v.SetDefault("exit.profit_target", 0.99)
	v.SetDefault("exit.stop_loss", 0.90)
	v.SetDefault("exit.min_hold_days", 7)
	v.SetDefault("exit.max_spread_percent", 0.20)
	v.SetDefault("exit.min_exit_price_floor", 0.50)
	v.SetDefault("exit.max_slippage_percent", 0.10)
	v.SetDefault("exit.fill_timeout", 30*time.Second)

	v.SetDefault("watchlist.execution_threshold", 0.97)
	v.SetDefault("watchlist.min_score", 0.90)

	v.SetDefault("loops.order_sync_interval", 30*time.Second)
	v.SetDefault("loops.exit_eval_interval", 60*time.Second)
	v.SetDefault("loops.watchlist_rescore_interval", time.Hour)
	v.SetDefault("loops.position_sync_interval", 2*time.Minute)
	v.SetDefault("loops.full_position_sync_interval", 15*time.Minute)

	v.SetDefault("importer.hold_policy", "new")
	v.SetDefault("importer.mature_days", 7)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("dashboard.host", "127.0.0.1")
	v.SetDefault("dashboard.port", 8080)
}

// Validate checks all required fields and value ranges. A validation failure
// here aborts startup with a non-zero exit.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required (set DATABASE_URL)")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if !c.DryRun {
		if c.Wallet.PrivateKey == "" {
			return fmt.Errorf("wallet.private_key is required in live mode (set POLY_PRIVATE_KEY)")
		}
		if c.Wallet.ChainID == 0 {
			return fmt.Errorf("wallet.chain_id is required in live mode (137 for mainnet)")
		}
		switch c.Wallet.SignatureType {
		case 0, 1, 2:
		default:
			return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
		}
	}
	if c.Trading.PriceThreshold <= 0 || c.Trading.PriceThreshold >= 1 {
		return fmt.Errorf("trading.price_threshold must be in (0, 1)")
	}
	if c.Trading.PositionSize <= 0 {
		return fmt.Errorf("trading.position_size must be > 0")
	}
	if c.Trading.MaxPositions <= 0 {
		return fmt.Errorf("trading.max_positions must be > 0")
	}
	if c.Exit.ProfitTarget <= c.Exit.StopLoss {
		return fmt.Errorf("exit.profit_target must be above exit.stop_loss")
	}
	switch c.Importer.HoldPolicy {
	case "new", "mature", "actual":
	default:
		return fmt.Errorf("importer.hold_policy must be one of: new, mature, actual")
	}
	return nil
}
