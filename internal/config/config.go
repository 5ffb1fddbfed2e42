// Package config loads the hierarchical YAML document of §6 via
// spf13/viper, with double-underscore environment overrides
// (BINANCE__SYMBOL-style), and builds each configured strategy's merged
// Profile by deep-merging base defaults, per-type defaults, an optional
// sidecar YAML file, and inline params (grounded in the tradSys teacher's
// internal/config.LoadConfig shape).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"

	"perpsim/internal/alert"
	"perpsim/internal/portfolio"
)

// AppConfig mirrors §6's top-level sections.
type AppConfig struct {
	App        AppSection                  `mapstructure:"app"`
	Binance    BinanceSection              `mapstructure:"binance"`
	Sim        map[string]interface{}      `mapstructure:"sim"`
	Risk       map[string]interface{}      `mapstructure:"risk"`
	Strategy   map[string]interface{}      `mapstructure:"strategy"`
	Strategies []StrategyEntry             `mapstructure:"strategies"`
	Indicators map[string]interface{}      `mapstructure:"indicators"`
	Cooldown   map[string]interface{}      `mapstructure:"cooldown"`
	KlineCache map[string]interface{}      `mapstructure:"kline_cache"`
	Alerts     AlertsSection               `mapstructure:"alerts"`
	Storage    StorageSection              `mapstructure:"storage"`
	API        APISection                  `mapstructure:"api"`
	Frontend   map[string]interface{}      `mapstructure:"frontend"`
}

type AppSection struct {
	Name string `mapstructure:"name"`
}

type BinanceSection struct {
	Symbol      string `mapstructure:"symbol"`
	BaseRESTURL string `mapstructure:"base_rest_url"`
	BaseWSURL   string `mapstructure:"base_ws_url"`
	BaseDelayMs int    `mapstructure:"base_delay_ms"`
	MaxDelayMs  int    `mapstructure:"max_delay_ms"`
	MaxRetries  int    `mapstructure:"max_retries"`
}

// StrategyEntry is one entry of the `strategies` list: an id, a type tag,
// optional initial capital, an optional sidecar config file, and inline
// params/indicators overrides.
type StrategyEntry struct {
	ID             string                 `mapstructure:"id"`
	Type           string                 `mapstructure:"type"`
	InitialCapital *float64               `mapstructure:"initial_capital"`
	ConfigPath     string                 `mapstructure:"config_path"`
	Params         map[string]interface{} `mapstructure:"params"`
	Indicators     map[string]interface{} `mapstructure:"indicators"`
}

type AlertsSection struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

type StorageSection struct {
	SQLitePath string `mapstructure:"sqlite_path"`
}

type APISection struct {
	ListenAddr      string `mapstructure:"listen_addr"`
	PushIntervalMs  int    `mapstructure:"push_interval_ms"`
	MsgpackFraming  bool   `mapstructure:"msgpack_framing"`
}

// Load reads the YAML document at path (if non-empty) into an AppConfig,
// applying env overrides with double-underscore path notation, e.g.
// BINANCE__SYMBOL overrides binance.symbol. Missing file is not fatal —
// defaults plus env vars are sufficient for local development.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	applyDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
			}
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: unmarshal: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "perpsim")
	v.SetDefault("binance.symbol", "BTCUSDT")
	v.SetDefault("binance.base_rest_url", "https://fapi.binance.com")
	v.SetDefault("binance.base_ws_url", "wss://fstream.binance.com")
	v.SetDefault("binance.base_delay_ms", 500)
	v.SetDefault("binance.max_delay_ms", 30000)
	v.SetDefault("binance.max_retries", 0)
	v.SetDefault("storage.sqlite_path", "./perpsim.db")
	v.SetDefault("api.listen_addr", ":8088")
	v.SetDefault("api.push_interval_ms", 200)
	v.SetDefault("api.msgpack_framing", false)
}

// Profile is the fully-merged per-strategy configuration bundle handed to
// strategy.Strategy.Configure, plus the sizing knobs PortfolioService/
// PositionService need.
type Profile struct {
	ID             string
	Type           string
	InitialCapital float64
	Leverage       int
	Tiers          []portfolio.Tier
	Sim            map[string]interface{}
	Risk           map[string]interface{}
	Params         map[string]interface{}
	Indicators     map[string]interface{}
}

// BuildProfiles deep-merges the params of every configured strategy entry
// in the order §6 specifies: base defaults, then per-type registry
// defaults, then the optional config_path sidecar file, then inline params,
// then an explicit initial_capital override. Indicators merge base, then
// per-type defaults, then the entry's inline indicators.
func BuildProfiles(cfg *AppConfig, defaultParams, defaultIndicators func(tag string) (map[string]interface{}, map[string]interface{})) ([]Profile, error) {
	profiles := make([]Profile, 0, len(cfg.Strategies))
	for _, entry := range cfg.Strategies {
		typeParams, _ := defaultParams(entry.Type)
		_, typeIndicators := defaultIndicators(entry.Type)

		params := mergeMaps(cloneMap(cfg.Strategy), typeParams)

		sidecar, err := loadSidecar(entry.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("config.BuildProfiles: strategy %q: %w", entry.ID, err)
		}
		params = mergeMaps(params, sidecar)
		params = mergeMaps(params, entry.Params)

		indicators := mergeMaps(mergeMaps(cloneMap(cfg.Indicators), typeIndicators), entry.Indicators)

		initialCapital := 1000.0
		if v, ok := cfg.Sim["initial_capital"]; ok {
			if f, ok := toFloat(v); ok {
				initialCapital = f
			}
		}
		if entry.InitialCapital != nil {
			initialCapital = *entry.InitialCapital
		}

		leverage := 20
		if v, ok := cfg.Sim["leverage"]; ok {
			if f, ok := toFloat(v); ok {
				leverage = int(f)
			}
		}

		profiles = append(profiles, Profile{
			ID: entry.ID, Type: entry.Type, InitialCapital: initialCapital, Leverage: leverage,
			Tiers: portfolio.DefaultTiers(), Sim: cfg.Sim, Risk: cfg.Risk, Params: params, Indicators: indicators,
		})
	}
	return profiles, nil
}

func loadSidecar(path string) (map[string]interface{}, error) {
	if path == "" {
		return nil, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return v.AllSettings(), nil
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// mergeMaps deep-merges override on top of base; override wins on key
// collision. Either argument may be nil.
func mergeMaps(base, override map[string]interface{}) map[string]interface{} {
	out := cloneMap(base)
	for k, v := range override {
		if nested, ok := v.(map[string]interface{}); ok {
			if existing, ok := out[k].(map[string]interface{}); ok {
				out[k] = mergeMaps(existing, nested)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

// AlertSender builds the configured alert.Sender: a webhook sender if
// alerts.webhook_url is set, otherwise a no-op sender (§7 error kind 7).
func AlertSender(cfg *AppConfig) alert.Sender {
	if cfg.Alerts.WebhookURL == "" {
		return alert.NoopSender{}
	}
	return alert.NewWebhookSender(cfg.Alerts.WebhookURL)
}
