package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ErrInvalidConfig is returned when a loaded or updated configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config stores all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Loop     LoopConfig     `mapstructure:"loop"`
	Trading  Trading        `mapstructure:"trading"`
	Paper    PaperConfig    `mapstructure:"paper"`
	Feeds    FeedsConfig    `mapstructure:"feeds"`
	FX       FXConfig       `mapstructure:"fx"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

// LoopConfig controls the arbitrage loop and the tick pipeline.
type LoopConfig struct {
	Mode             string        `mapstructure:"mode" validate:"oneof=paper"`
	Interval         time.Duration `mapstructure:"interval" validate:"gt=0"`
	ErrorStopCount   int           `mapstructure:"error_stop_count" validate:"gt=0"`
	MinTradeInterval time.Duration `mapstructure:"min_trade_interval" validate:"gte=0"`
	TickBufferSize   int           `mapstructure:"tick_buffer_size" validate:"gt=0"`
	TickQueueSize    int           `mapstructure:"tick_queue_size" validate:"gt=0"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	DrainTimeout     time.Duration `mapstructure:"drain_timeout" validate:"gte=0"`
	SummaryEvery     int           `mapstructure:"summary_every" validate:"gte=0"`
}

// Trading holds the thresholds read by the loop on every tick. It can be
// replaced at runtime through a Store.
type Trading struct {
	MinNetEdgeBps         float64 `mapstructure:"min_net_edge_bps" json:"min_net_edge_bps"`
	KeepaliveThresholdBps float64 `mapstructure:"keepalive_threshold_bps" json:"keepalive_threshold_bps" validate:"ltefield=MinNetEdgeBps"`
	MaxTradeSizeBTC       float64 `mapstructure:"max_trade_size_btc" json:"max_trade_size_btc" validate:"gt=0,gtefield=MinTradeSizeBTC"`
	MinTradeSizeBTC       float64 `mapstructure:"min_trade_size_btc" json:"min_trade_size_btc" validate:"gt=0"`
	MaxTradeZAR           float64 `mapstructure:"max_trade_zar" json:"max_trade_zar" validate:"gt=0"`
	SlippageBpsBuffer     float64 `mapstructure:"slippage_bps_buffer" json:"slippage_bps_buffer" validate:"gte=0"`
	RebalanceTriggerCount int     `mapstructure:"rebalance_trigger_count" json:"rebalance_trigger_count" validate:"gte=0"`
	Fees                  Fees    `mapstructure:"fees" json:"fees"`
	Buffers               Buffers `mapstructure:"buffers" json:"buffers"`
}

// Fees are taker fees as fractions (0.001 = 0.1%).
type Fees struct {
	Luno    float64 `mapstructure:"luno" json:"luno" validate:"gte=0,lt=1"`
	Binance float64 `mapstructure:"binance" json:"binance" validate:"gte=0,lt=1"`
}

// LunoBps returns the Luno fee in basis points.
func (f Fees) LunoBps() float64 { return f.Luno * 10000 }

// BinanceBps returns the Binance fee in basis points.
func (f Fees) BinanceBps() float64 { return f.Binance * 10000 }

// Buffers are the minimum balances that must remain on each exchange.
type Buffers struct {
	MinRemainingZARLuno     float64 `mapstructure:"min_remaining_zar_luno" json:"min_remaining_zar_luno" validate:"gte=0"`
	MinRemainingBTCLuno     float64 `mapstructure:"min_remaining_btc_luno" json:"min_remaining_btc_luno" validate:"gte=0"`
	MinRemainingBTCBinance  float64 `mapstructure:"min_remaining_btc_binance" json:"min_remaining_btc_binance" validate:"gte=0"`
	MinRemainingUSDTBinance float64 `mapstructure:"min_remaining_usdt_binance" json:"min_remaining_usdt_binance" validate:"gte=0"`
}

// PaperConfig holds the starting floats of the paper ledger.
type PaperConfig struct {
	LunoZAR     float64 `mapstructure:"luno_zar" json:"luno_zar" validate:"gte=0"`
	LunoBTC     float64 `mapstructure:"luno_btc" json:"luno_btc" validate:"gte=0"`
	BinanceBTC  float64 `mapstructure:"binance_btc" json:"binance_btc" validate:"gte=0"`
	BinanceUSDT float64 `mapstructure:"binance_usdt" json:"binance_usdt" validate:"gte=0"`
}

// FeedsConfig defines the exchange price feeds.
type FeedsConfig struct {
	BinanceWSURL     string        `mapstructure:"binance_ws_url" validate:"required,url"`
	BinanceSymbol    string        `mapstructure:"binance_symbol" validate:"required"`
	LunoURL          string        `mapstructure:"luno_url" validate:"required,url"`
	LunoPair         string        `mapstructure:"luno_pair" validate:"required"`
	PollInterval     time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	MaxQuoteAge      time.Duration `mapstructure:"max_quote_age" validate:"gt=0"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay" validate:"gt=0"`
	MaxReconnectWait time.Duration `mapstructure:"max_reconnect_wait" validate:"gtefield=ReconnectDelay"`
}

// FXConfig defines the USD/ZAR and USDT/USD rate sources.
type FXConfig struct {
	Sources         []string      `mapstructure:"sources" validate:"dive,url"`
	BinanceRESTURL  string        `mapstructure:"binance_rest_url" validate:"required,url"`
	DepegSymbol     string        `mapstructure:"depeg_symbol"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval" validate:"gt=0"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	FallbackUsdZar  float64       `mapstructure:"fallback_usd_zar" validate:"gt=0"`
	MinUsdZar       float64       `mapstructure:"min_usd_zar" validate:"gt=0"`
	MaxUsdZar       float64       `mapstructure:"max_usd_zar" validate:"gtfield=MinUsdZar"`
	MaxDepegBps     float64       `mapstructure:"max_depeg_bps" validate:"gte=0"`
}

// DatabaseConfig defines the database connection settings.
// An empty Host selects the SQLite file at SQLitePath.
type DatabaseConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	DBName     string `mapstructure:"dbname"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", d.User, d.Password, d.Host, d.Port, d.DBName)
}

// UsePostgres reports whether a Postgres host is configured.
func (d DatabaseConfig) UsePostgres() bool {
	return d.Host != ""
}

// RedisConfig enables the Redis opportunity stream when Addr is set.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	DB        int    `mapstructure:"db"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	Stream    string `mapstructure:"stream"`
	LatestNS  string `mapstructure:"latest_ns"`
	MaxLength int64  `mapstructure:"max_length" validate:"gte=0"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("loop.mode", "paper")
	v.SetDefault("loop.interval", 500*time.Millisecond)
	v.SetDefault("loop.error_stop_count", 5)
	v.SetDefault("loop.min_trade_interval", 2*time.Second)
	v.SetDefault("loop.tick_buffer_size", 6)
	v.SetDefault("loop.tick_queue_size", 100)
	v.SetDefault("loop.write_timeout", 5*time.Second)
	v.SetDefault("loop.drain_timeout", 5*time.Second)
	v.SetDefault("loop.summary_every", 120)

	v.SetDefault("trading.min_net_edge_bps", 40.0)
	v.SetDefault("trading.keepalive_threshold_bps", -10.0)
	v.SetDefault("trading.max_trade_size_btc", 0.01)
	v.SetDefault("trading.min_trade_size_btc", 0.0001)
	v.SetDefault("trading.max_trade_zar", 5000.0)
	v.SetDefault("trading.slippage_bps_buffer", 10.0)
	v.SetDefault("trading.rebalance_trigger_count", 3)
	v.SetDefault("trading.fees.luno", 0.001)
	v.SetDefault("trading.fees.binance", 0.001)
	v.SetDefault("trading.buffers.min_remaining_zar_luno", 1000.0)
	v.SetDefault("trading.buffers.min_remaining_btc_luno", 0.0005)
	v.SetDefault("trading.buffers.min_remaining_btc_binance", 0.001)
	v.SetDefault("trading.buffers.min_remaining_usdt_binance", 50.0)

	v.SetDefault("paper.luno_zar", 20000.0)
	v.SetDefault("paper.luno_btc", 0.01)
	v.SetDefault("paper.binance_btc", 0.01)
	v.SetDefault("paper.binance_usdt", 1000.0)

	v.SetDefault("feeds.binance_ws_url", "wss://stream.binance.com:9443/ws")
	v.SetDefault("feeds.binance_symbol", "BTCUSDT")
	v.SetDefault("feeds.luno_url", "https://api.luno.com/api/1")
	v.SetDefault("feeds.luno_pair", "XBTZAR")
	v.SetDefault("feeds.poll_interval", time.Second)
	v.SetDefault("feeds.request_timeout", 10*time.Second)
	v.SetDefault("feeds.max_quote_age", 5*time.Second)
	v.SetDefault("feeds.reconnect_delay", time.Second)
	v.SetDefault("feeds.max_reconnect_wait", 30*time.Second)

	v.SetDefault("fx.sources", []string{
		"https://api.exchangerate-api.com/v4/latest/USD",
		"https://api.frankfurter.app/latest?from=USD&to=ZAR",
		"https://open.er-api.com/v6/latest/USD",
	})
	v.SetDefault("fx.binance_rest_url", "https://api.binance.com/api/v3")
	v.SetDefault("fx.depeg_symbol", "USDCUSDT")
	v.SetDefault("fx.refresh_interval", 5*time.Minute)
	v.SetDefault("fx.request_timeout", 5*time.Second)
	v.SetDefault("fx.fallback_usd_zar", 18.5)
	v.SetDefault("fx.min_usd_zar", 10.0)
	v.SetDefault("fx.max_usd_zar", 30.0)
	v.SetDefault("fx.max_depeg_bps", 200.0)

	// AutomaticEnv only resolves keys that have a default or a file value.
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "")
	v.SetDefault("database.sqlite_path", "spreadwatch.db")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")

	v.SetDefault("redis.stream", "spreadwatch:opportunities")
	v.SetDefault("redis.latest_ns", "spreadwatch:latest:")
	v.SetDefault("redis.max_length", 100000)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("metrics.addr", ":9090")
}

// LoadConfig reads configuration from file or environment variables.
// A missing config file is not an error: defaults and the environment apply.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config, fmt.Errorf("read config: %w", err)
		}
	}

	if err = v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("unmarshal config: %w", err)
	}

	err = Validate(&config)
	return config, err
}

var validate = validator.New()

// Validate checks struct tags on the whole configuration.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// ValidateTrading checks a threshold set before it is applied at runtime.
func ValidateTrading(t Trading) error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
