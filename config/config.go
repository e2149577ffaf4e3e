package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings is the root of the application configuration tree. It is loaded
// from a single YAML document; any field can be overridden from the
// environment using double-underscore path notation (BINANCE__SYMBOL,
// SIM__INITIAL_CAPITAL, ...).
type Settings struct {
	App        AppConfig                 `mapstructure:"app"`
	Binance    BinanceConfig             `mapstructure:"binance"`
	Sim        SimConfig                 `mapstructure:"sim"`
	Risk       RiskConfig                `mapstructure:"risk"`
	Indicators map[string]map[string]any `mapstructure:"indicators"`
	Cooldown   CooldownConfig            `mapstructure:"cooldown"`
	Strategy   StrategyConfig            `mapstructure:"strategy"`
	Strategies []StrategyEntry           `mapstructure:"strategies"`
	KlineCache KlineCacheConfig          `mapstructure:"kline_cache"`
	Funding    FundingConfig             `mapstructure:"funding"`
	Alerts     AlertsConfig              `mapstructure:"alerts"`
	Storage    StorageConfig             `mapstructure:"storage"`
	API        APIConfig                 `mapstructure:"api"`
	Frontend   FrontendConfig            `mapstructure:"frontend"`
}

type AppConfig struct {
	Env      string `mapstructure:"env"`
	Timezone string `mapstructure:"timezone"`
	LogLevel string `mapstructure:"log_level"`
}

type WsReconnectConfig struct {
	MaxRetries  int `mapstructure:"max_retries"`
	BaseDelayMs int `mapstructure:"base_delay_ms"`
	MaxDelayMs  int `mapstructure:"max_delay_ms"`
}

type BinanceConfig struct {
	RestBase    string            `mapstructure:"rest_base"`
	WsBase      string            `mapstructure:"ws_base"`
	Symbol      string            `mapstructure:"symbol"`
	Intervals   []string          `mapstructure:"intervals"`
	WsReconnect WsReconnectConfig `mapstructure:"ws_reconnect"`
}

type SimConfig struct {
	InitialCapital float64 `mapstructure:"initial_capital"`
	MaxLeverage    int     `mapstructure:"max_leverage"`
	FeeRate        float64 `mapstructure:"fee_rate"`
	Slippage       float64 `mapstructure:"slippage"`
}

// MMRTier is one maintenance-margin bracket. Tiers are ordered by
// NotionalUSDT ascending.
type MMRTier struct {
	NotionalUSDT float64 `mapstructure:"notional_usdt" json:"notional_usdt"`
	MMR          float64 `mapstructure:"mmr" json:"mmr"`
	MaintAmount  float64 `mapstructure:"maint_amount" json:"maint_amount"`
}

type RiskConfig struct {
	MaxPositionNotional  float64   `mapstructure:"max_position_notional"`
	MaxPositionPctEquity float64   `mapstructure:"max_position_pct_equity"`
	MMRTiers             []MMRTier `mapstructure:"mmr_tiers"`
}

type CooldownConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	BarsAfterExit int  `mapstructure:"bars_after_exit"`
}

// StrategyConfig carries the global single-strategy defaults used when the
// strategies list is empty.
type StrategyConfig struct {
	Type   string         `mapstructure:"type"`
	Params map[string]any `mapstructure:"params"`
}

// StrategyEntry configures one strategy instance. Params are deep-merged on
// top of the registered type defaults; ConfigPath optionally points at a
// per-strategy YAML profile merged before Params.
type StrategyEntry struct {
	ID             string         `mapstructure:"id"`
	Type           string         `mapstructure:"type"`
	InitialCapital *float64       `mapstructure:"initial_capital"`
	ConfigPath     string         `mapstructure:"config_path"`
	Params         map[string]any `mapstructure:"params"`
}

type KlineCacheConfig struct {
	MaxBars15m       int     `mapstructure:"max_bars_15m"`
	MaxBars1h        int     `mapstructure:"max_bars_1h"`
	WarmupExtraBars  int     `mapstructure:"warmup_extra_bars"`
	WarmupBufferMult float64 `mapstructure:"warmup_buffer_mult"`
}

type FundingConfig struct {
	PollIntervalSec   int   `mapstructure:"poll_interval_sec"`
	FreshnessWindowMs int64 `mapstructure:"freshness_window_ms"`
}

type TelegramAlertConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
	ChatID  string `mapstructure:"chat_id"`
}

type BarkAlertConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Key     string `mapstructure:"key"`
}

type WeComAlertConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Webhook string `mapstructure:"webhook"`
}

type AlertsConfig struct {
	Enabled    bool                `mapstructure:"enabled"`
	DedupTTLMs int64               `mapstructure:"dedup_ttl_ms"`
	Telegram   TelegramAlertConfig `mapstructure:"telegram"`
	Bark       BarkAlertConfig     `mapstructure:"bark"`
	WeCom      WeComAlertConfig    `mapstructure:"wecom"`
}

type StorageConfig struct {
	SqlitePath string `mapstructure:"sqlite_path"`
}

type APIConfig struct {
	Host             string   `mapstructure:"host"`
	Port             int      `mapstructure:"port"`
	CorsAllowOrigins []string `mapstructure:"cors_allow_origins"`
	WsPushInterval   string   `mapstructure:"ws_push_interval"`
	WsPushFormat     string   `mapstructure:"ws_push_format"`
	BasePath         string   `mapstructure:"base_path"`
}

type FrontendConfig struct {
	StaticPath   string `mapstructure:"static_path"`
	DevServerURL string `mapstructure:"dev_server_url"`
}

// Load reads the YAML config at path (a missing file is fine, defaults
// apply), layers environment overrides on top, and validates the result.
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !strings.Contains(err.Error(), "no such file") {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(s.Strategies) == 0 {
		s.Strategies = []StrategyEntry{{
			ID:     "default",
			Type:   s.Strategy.Type,
			Params: s.Strategy.Params,
		}}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// bindEnvKeys forces viper to consult the environment for every known key
// during Unmarshal, not only on direct Get calls.
func bindEnvKeys(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		_ = v.BindEnv(key)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "dev")
	v.SetDefault("app.timezone", "UTC")
	v.SetDefault("app.log_level", "info")

	v.SetDefault("binance.rest_base", "https://fapi.binance.com")
	v.SetDefault("binance.ws_base", "wss://fstream.binance.com")
	v.SetDefault("binance.symbol", "BTCUSDT")
	v.SetDefault("binance.intervals", []string{"15m", "1h"})
	v.SetDefault("binance.ws_reconnect.max_retries", 0)
	v.SetDefault("binance.ws_reconnect.base_delay_ms", 500)
	v.SetDefault("binance.ws_reconnect.max_delay_ms", 10000)

	v.SetDefault("sim.initial_capital", 1000.0)
	v.SetDefault("sim.max_leverage", 20)
	v.SetDefault("sim.fee_rate", 0.0004)
	v.SetDefault("sim.slippage", 0.0)

	v.SetDefault("risk.max_position_notional", 20000.0)
	v.SetDefault("risk.max_position_pct_equity", 1.0)
	v.SetDefault("risk.mmr_tiers", []map[string]any{
		{"notional_usdt": 5000.0, "mmr": 0.004, "maint_amount": 0.0},
		{"notional_usdt": 50000.0, "mmr": 0.004, "maint_amount": 0.0},
		{"notional_usdt": 250000.0, "mmr": 0.005, "maint_amount": 50.0},
		{"notional_usdt": 1000000.0, "mmr": 0.01, "maint_amount": 900.0},
		{"notional_usdt": 1000000000.0, "mmr": 0.025, "maint_amount": 10000.0},
	})

	v.SetDefault("indicators.rsi", map[string]any{"length": 14})
	v.SetDefault("indicators.ema_fast", map[string]any{"length": 12})
	v.SetDefault("indicators.ema_slow", map[string]any{"length": 26})
	v.SetDefault("indicators.macd", map[string]any{"fast": 12, "slow": 26, "signal": 9})
	v.SetDefault("indicators.atr", map[string]any{"length": 14})
	v.SetDefault("indicators.ema_trend", map[string]any{"fast": 20, "slow": 60})

	v.SetDefault("cooldown.enabled", true)
	v.SetDefault("cooldown.bars_after_exit", 2)

	v.SetDefault("strategy.type", "test")
	v.SetDefault("strategy.params", map[string]any{})

	v.SetDefault("kline_cache.max_bars_15m", 2000)
	v.SetDefault("kline_cache.max_bars_1h", 2000)
	v.SetDefault("kline_cache.warmup_extra_bars", 200)
	v.SetDefault("kline_cache.warmup_buffer_mult", 3.0)

	v.SetDefault("funding.poll_interval_sec", 60)
	v.SetDefault("funding.freshness_window_ms", 180000)

	v.SetDefault("alerts.enabled", true)
	v.SetDefault("alerts.dedup_ttl_ms", 300000)
	v.SetDefault("alerts.telegram.enabled", false)
	v.SetDefault("alerts.telegram.token", "")
	v.SetDefault("alerts.telegram.chat_id", "")
	v.SetDefault("alerts.bark.enabled", false)
	v.SetDefault("alerts.bark.url", "")
	v.SetDefault("alerts.bark.key", "")
	v.SetDefault("alerts.wecom.enabled", false)
	v.SetDefault("alerts.wecom.webhook", "")

	v.SetDefault("storage.sqlite_path", "./db/app.db")

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8000)
	v.SetDefault("api.cors_allow_origins", []string{"*"})
	v.SetDefault("api.ws_push_interval", "raw")
	v.SetDefault("api.ws_push_format", "msgpack")
	v.SetDefault("api.base_path", "")

	v.SetDefault("frontend.static_path", "./frontend/dist")
	v.SetDefault("frontend.dev_server_url", "http://localhost:5173")
}

// Validate rejects configurations the engine cannot safely run with.
// Callers treat any error as fatal at startup.
func (s *Settings) Validate() error {
	if s.Binance.Symbol == "" {
		return fmt.Errorf("binance.symbol must not be empty")
	}
	if len(s.Binance.Intervals) == 0 {
		return fmt.Errorf("binance.intervals must not be empty")
	}
	if s.Sim.InitialCapital <= 0 {
		return fmt.Errorf("sim.initial_capital must be > 0")
	}
	if s.Sim.MaxLeverage <= 0 {
		return fmt.Errorf("sim.max_leverage must be > 0")
	}
	if s.Sim.FeeRate < 0 {
		return fmt.Errorf("sim.fee_rate must be >= 0")
	}
	if len(s.Risk.MMRTiers) == 0 {
		return fmt.Errorf("risk.mmr_tiers must not be empty")
	}
	seen := make(map[string]bool, len(s.Strategies))
	for _, e := range s.Strategies {
		if e.ID == "" {
			return fmt.Errorf("strategies entries need a non-empty id")
		}
		if seen[e.ID] {
			return fmt.Errorf("duplicate strategy id %q", e.ID)
		}
		seen[e.ID] = true
		if e.Type == "" {
			return fmt.Errorf("strategy %q needs a type", e.ID)
		}
	}
	switch s.API.WsPushFormat {
	case "", "msgpack", "json":
	default:
		return fmt.Errorf("api.ws_push_format must be msgpack or json, got %q", s.API.WsPushFormat)
	}
	if _, err := s.API.PushInterval(); err != nil {
		return err
	}
	return nil
}

// PushInterval resolves ws_push_interval into a sleep duration. "raw" means
// push as fast as the UI can reasonably consume, 200ms.
func (a APIConfig) PushInterval() (time.Duration, error) {
	if a.WsPushInterval == "" || a.WsPushInterval == "raw" {
		return 200 * time.Millisecond, nil
	}
	secs, err := strconv.ParseFloat(a.WsPushInterval, 64)
	if err != nil || secs <= 0 {
		return 0, fmt.Errorf("api.ws_push_interval must be \"raw\" or a positive seconds value, got %q", a.WsPushInterval)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// ListenAddr joins host and port for the HTTP server.
func (a APIConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}
