package config

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/interest"
	"collateral-risk/internal/logging"
	"collateral-risk/internal/oracle"
	"collateral-risk/internal/params"
)

// Storage backends selectable through app.storage.
const (
	StoragePostgres = "postgres"
	StorageBolt     = "bolt"
	StorageMemory   = "memory"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Bolt        BoltConfig        `mapstructure:"bolt"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Interest    interest.Model    `mapstructure:"interest"`
	Liquidation LiquidationConfig `mapstructure:"liquidation"`
	Oracle      OracleConfig      `mapstructure:"oracle"`
	Ethereum    EthereumConfig    `mapstructure:"ethereum"`
	Quoter      QuoterConfig      `mapstructure:"quoter"`
	Market      MarketConfig      `mapstructure:"market"`
	Keeper      KeeperConfig      `mapstructure:"keeper"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	API         APIConfig         `mapstructure:"api"`
	Export      ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Storage     string `mapstructure:"storage"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// BoltConfig locates the embedded database file.
type BoltConfig struct {
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RedisConfig routes risk events to a Redis stream.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
	MaxLen   int64  `mapstructure:"max_len"`
	Buffer   int    `mapstructure:"buffer"`
}

// SchedulerConfig governs the keeper cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	Workers         int           `mapstructure:"workers"`
}

// Lending market adapters selectable through market.mode.
const (
	MarketUnintegrated = "unintegrated"
	MarketMemory       = "memory"
)

// MarketConfig selects the lending market adapter.
type MarketConfig struct {
	Mode string `mapstructure:"mode"`
	// Liquidity seeds the in-memory pool, in USD with 14 decimals.
	Liquidity fixed.Int `mapstructure:"liquidity"`
}

// KeeperConfig controls what a keeper tick does beyond evaluating health.
type KeeperConfig struct {
	ID            string `mapstructure:"id"`
	AutoLiquidate bool   `mapstructure:"auto_liquidate"`
	AutoStopLoss  bool   `mapstructure:"auto_stop_loss"`
}

// RiskConfig carries the protocol parameters applied by init-params.
type RiskConfig struct {
	Admin       string            `mapstructure:"admin"`
	StableAsset string            `mapstructure:"stable_asset"`
	Params      params.Parameters `mapstructure:"params"`
}

// LiquidationConfig sets the close factor and Dutch auction curve.
type LiquidationConfig struct {
	CloseFactor          fixed.Int     `mapstructure:"close_factor"`
	AuctionStartDiscount fixed.Int     `mapstructure:"auction_start_discount"`
	AuctionEndDiscount   fixed.Int     `mapstructure:"auction_end_discount"`
	AuctionDuration      time.Duration `mapstructure:"auction_duration"`
}

// OracleConfig lists collateral assets and where their prices come from.
type OracleConfig struct {
	Staleness time.Duration        `mapstructure:"staleness"`
	Assets    []oracle.AssetConfig `mapstructure:"assets"`
	// Static pins asset prices, in whole USD strings, for assets without a feed.
	Static map[string]string `mapstructure:"static"`
}

// EthereumConfig covers on-chain feed access.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// QuoterConfig captures CoW Protocol connectivity for stop-loss quotes.
type QuoterConfig struct {
	Enabled        bool                   `mapstructure:"enabled"`
	BaseURL        string                 `mapstructure:"base_url"`
	PriceQuality   string                 `mapstructure:"price_quality"`
	From           string                 `mapstructure:"from"`
	RequestTimeout time.Duration          `mapstructure:"request_timeout"`
	UserAgent      string                 `mapstructure:"user_agent"`
	Tokens         map[string]TokenConfig `mapstructure:"tokens"`
}

// TokenConfig maps an asset symbol onto its ERC-20 token.
type TokenConfig struct {
	Address  string `mapstructure:"address"`
	Decimals uint8  `mapstructure:"decimals"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram alert channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// APIConfig controls the read-only HTTP server.
type APIConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RISKENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "riskengine")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.storage", StoragePostgres)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x7269736b))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.workers", 8)

	d := params.Default()
	v.SetDefault("risk.admin", "")
	v.SetDefault("risk.stable_asset", "USDC")
	v.SetDefault("risk.params.k_factor", d.KFactor.String())
	v.SetDefault("risk.params.time_horizon_days", d.TimeHorizonDays)
	v.SetDefault("risk.params.stop_loss_threshold", d.StopLossThreshold.String())
	v.SetDefault("risk.params.liquidation_threshold", d.LiquidationThreshold.String())
	v.SetDefault("risk.params.target_health_factor", d.TargetHealthFactor.String())
	v.SetDefault("risk.params.liquidation_penalty", d.LiquidationPenalty.String())
	v.SetDefault("risk.params.protocol_fee", d.ProtocolFee.String())
	v.SetDefault("risk.params.min_collateral_factor", d.MinCollateralFactor.String())

	m := interest.DefaultModel()
	v.SetDefault("interest.base_rate", m.BaseRate.String())
	v.SetDefault("interest.slope1", m.Slope1.String())
	v.SetDefault("interest.slope2", m.Slope2.String())
	v.SetDefault("interest.optimal_utilization", m.Optimal.String())

	v.SetDefault("liquidation.close_factor", "5000")
	v.SetDefault("liquidation.auction_start_discount", "0")
	v.SetDefault("liquidation.auction_end_discount", "500")
	v.SetDefault("liquidation.auction_duration", "1h")

	v.SetDefault("oracle.staleness", oracle.DefaultStaleness.String())

	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("quoter.enabled", false)
	v.SetDefault("quoter.base_url", "https://api.cow.fi/mainnet/api/v1")
	v.SetDefault("quoter.price_quality", "optimal")
	v.SetDefault("quoter.request_timeout", "10s")

	v.SetDefault("market.mode", MarketUnintegrated)
	v.SetDefault("market.liquidity", "0")

	v.SetDefault("keeper.id", "keeper")
	v.SetDefault("keeper.auto_liquidate", false)
	v.SetDefault("keeper.auto_stop_loss", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.stream", "risk-events")
	v.SetDefault("redis.max_len", int64(10000))
	v.SetDefault("redis.buffer", 1024)

	v.SetDefault("bolt.path", "riskengine.db")
	v.SetDefault("bolt.timeout", "1s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.read_timeout", "5s")
	v.SetDefault("api.write_timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			fixedHook(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.TextUnmarshallerHookFunc(),
		)
	}
}

var fixedType = reflect.TypeOf(fixed.Int{})

// fixedHook decodes fixed.Int from YAML integers as well as strings.
func fixedHook() mapstructure.DecodeHookFuncType {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != fixedType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			x, err := fixed.Parse(strings.TrimSpace(v))
			if err != nil {
				return nil, err
			}
			return x, nil
		case int:
			return fixed.New(int64(v)), nil
		case int64:
			return fixed.New(v), nil
		case uint64:
			return fixed.FromUint64(v), nil
		case float64:
			if v != math.Trunc(v) || math.Abs(v) > math.MaxInt64 {
				return nil, fmt.Errorf("%v is not an integer", v)
			}
			return fixed.New(int64(v)), nil
		}
		return data, nil
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.App.Storage {
	case StoragePostgres, StorageBolt, StorageMemory:
	default:
		return fmt.Errorf("app.storage must be one of postgres, bolt, memory; got %q", c.App.Storage)
	}
	switch c.Market.Mode {
	case MarketUnintegrated, MarketMemory:
	default:
		return fmt.Errorf("market.mode must be unintegrated or memory; got %q", c.Market.Mode)
	}
	if c.Market.Liquidity.IsNegative() {
		return fmt.Errorf("market.liquidity cannot be negative")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be greater than zero")
	}
	if err := c.Risk.Params.Validate(); err != nil {
		return err
	}
	if err := c.Interest.Validate(); err != nil {
		return err
	}
	if c.Liquidation.CloseFactor.IsNegative() || c.Liquidation.CloseFactor.Gt(fixed.BP) {
		return fmt.Errorf("liquidation.close_factor %s out of range", c.Liquidation.CloseFactor)
	}
	if c.Liquidation.AuctionDuration < 0 {
		return fmt.Errorf("liquidation.auction_duration cannot be negative")
	}
	seen := make(map[string]struct{}, len(c.Oracle.Assets))
	for _, a := range c.Oracle.Assets {
		if err := a.Validate(); err != nil {
			return err
		}
		if _, dup := seen[a.Symbol]; dup {
			return fmt.Errorf("oracle.assets lists %s twice", a.Symbol)
		}
		seen[a.Symbol] = struct{}{}
	}
	if c.Redis.Enabled && c.Redis.Stream == "" {
		return fmt.Errorf("redis.stream is required when redis is enabled")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
