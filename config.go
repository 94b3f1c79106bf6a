// FILE: config.go
// Package main – Runtime configuration model and loader.
//
// This file defines the Config struct (all the knobs the bot uses), its
// defaults, and a loader that layers:
//   1) defaultConfig()            – conservative XRPUSDT H4 mean-reversion setup
//   2) YAML file (config.yaml)    – unknown keys are rejected
//   3) environment overrides      – DRY_RUN, LOG_LEVEL, STATE_BACKEND, ... (see applyEnv)
// and finishes with Validate(). After Validate the Config is treated as
// immutable and passed by pointer to every component.
//
// Typical flow (see main.go):
//   loadBotEnv(log, ".env")
//   cfg, err := loadConfig(path)

package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds all runtime knobs for trading and operations.
type Config struct {
	Symbols   []string        `yaml:"symbols"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Sizing    SizingConfig    `yaml:"sizing"`
	Safety    SafetyConfig    `yaml:"safety"`
	Portfolio PortfolioConfig `yaml:"portfolio"`
	State     StateConfig     `yaml:"state"`
	Events    EventsConfig    `yaml:"events"`
}

// RuntimeConfig covers loop cadence and ops.
type RuntimeConfig struct {
	PollSeconds       int    `yaml:"poll_seconds"`
	OrderTimeoutSec   int    `yaml:"order_timeout_sec"`
	MaxHistoryCandles int    `yaml:"max_history_candles"`
	LogLevel          string `yaml:"log_level"`
	LogFormat         string `yaml:"log_format"`
	HTTPAddr          string `yaml:"http_addr"`
}

// ExchangeConfig points at the MEXC REST API. Secrets come from the env vars it names.
type ExchangeConfig struct {
	BaseURL           string  `yaml:"base_url"`
	APIKeyEnv         string  `yaml:"api_key_env"`
	APISecretEnv      string  `yaml:"api_secret_env"`
	RecvWindowMs      int     `yaml:"recv_window_ms"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	TimeoutSec        int     `yaml:"timeout_sec"`
	MaxRetries        int     `yaml:"max_retries"`

	APIKey    string `yaml:"-"`
	APISecret string `yaml:"-"`
}

// StrategyConfig is the indicator and signal tuning.
type StrategyConfig struct {
	Name            string  `yaml:"name"`
	Timeframe       string  `yaml:"timeframe"`
	Lookback        int     `yaml:"lookback"`
	EMAFast         int     `yaml:"ema_fast"`
	EMASlow         int     `yaml:"ema_slow"`
	ATRPeriod       int     `yaml:"atr_period"`
	RSIPeriod       int     `yaml:"rsi_period"`
	DevMult         float64 `yaml:"dev_mult"`
	RSIOversold     float64 `yaml:"rsi_oversold"`
	RSIOverbought   float64 `yaml:"rsi_overbought"`
	MinATR          float64 `yaml:"min_atr"`
	SLATRMult       float64 `yaml:"sl_atr_mult"`
	PullbackATRMult float64 `yaml:"pullback_atr_mult"` // pullback rule sets only
}

// SizingConfig drives the position sizer. A zero LotStep defers to the venue filter.
type SizingConfig struct {
	Mode          string  `yaml:"mode"`
	RiskPercent   float64 `yaml:"risk_percent"`
	FixedQuantity float64 `yaml:"fixed_quantity"`
	TickValue     float64 `yaml:"tick_value"`
	MinLot        float64 `yaml:"min_lot"`
	MaxLot        float64 `yaml:"max_lot"`
	LotStep       float64 `yaml:"lot_step"`
}

// SafetyConfig bounds what the bot may send to the venue.
type SafetyConfig struct {
	DryRun               bool     `yaml:"dry_run"`
	AllowSymbols         []string `yaml:"allow_symbols"`
	MaxOpenTrades        int      `yaml:"max_open_trades"`
	MinBarsBetweenTrades int      `yaml:"min_bars_between_trades"`
	MaxSpreadBps         float64  `yaml:"max_spread_bps"`
	MinOrderNotional     float64  `yaml:"min_order_notional"`
	MaxOrderNotional     float64  `yaml:"max_order_notional"`
	PaperQuoteBalance    float64  `yaml:"paper_quote_balance"`
	PaperSlippageBps     float64  `yaml:"paper_slippage_bps"`
}

// PortfolioConfig covers the profit gate and the profit sweep.
type PortfolioConfig struct {
	QuoteAsset       string  `yaml:"quote_asset"`
	MinProfitPercent float64 `yaml:"min_profit_percent"`
	SweepEnabled     bool    `yaml:"sweep_enabled"`
	SweepThreshold   float64 `yaml:"sweep_threshold"`
	SweepFraction    float64 `yaml:"sweep_fraction"`
	SweepIntervalSec int     `yaml:"sweep_interval_sec"`
}

// StateConfig selects the persistence backend (memory|file|postgres|redis).
type StateConfig struct {
	Backend       string `yaml:"backend"`
	Path          string `yaml:"path"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// EventsConfig sizes the presentation buffer and optionally fans out over AMQP.
type EventsConfig struct {
	Buffer       int    `yaml:"buffer"`
	AMQPURL      string `yaml:"amqp_url"`
	AMQPExchange string `yaml:"amqp_exchange"`
}

func defaultConfig() Config {
	return Config{
		Symbols: []string{"XRPUSDT"},
		Runtime: RuntimeConfig{
			PollSeconds:       30,
			OrderTimeoutSec:   15,
			MaxHistoryCandles: 1000,
			LogLevel:          "info",
			LogFormat:         "text",
			HTTPAddr:          ":8080",
		},
		Exchange: ExchangeConfig{
			BaseURL:           "https://api.mexc.com",
			APIKeyEnv:         "MEXC_API_KEY",
			APISecretEnv:      "MEXC_API_SECRET",
			RecvWindowMs:      5000,
			RequestsPerSecond: 10,
			TimeoutSec:        20,
			MaxRetries:        3,
		},
		Strategy: StrategyConfig{
			Name:            RulesXRPMeanReversion,
			Timeframe:       "4h",
			Lookback:        400,
			EMAFast:         50,
			EMASlow:         200,
			ATRPeriod:       14,
			RSIPeriod:       14,
			DevMult:         3.0,
			RSIOversold:     28,
			RSIOverbought:   72,
			MinATR:          0.005,
			SLATRMult:       1.5,
			PullbackATRMult: 1.2,
		},
		Sizing: SizingConfig{
			Mode:        string(SizingRisk),
			RiskPercent: 1.0,
			TickValue:   1.0,
			MinLot:      1,
			MaxLot:      1000,
			LotStep:     0.01,
		},
		Safety: SafetyConfig{
			DryRun:               true,
			MaxOpenTrades:        1,
			MinBarsBetweenTrades: 3,
			MaxSpreadBps:         30,
			MinOrderNotional:     5,
			MaxOrderNotional:     50,
			PaperQuoteBalance:    1000,
			PaperSlippageBps:     5,
		},
		Portfolio: PortfolioConfig{
			QuoteAsset:       "USDT",
			MinProfitPercent: 1.0,
			SweepEnabled:     true,
			SweepThreshold:   2.0,
			SweepFraction:    1.0,
			SweepIntervalSec: 3600,
		},
		State: StateConfig{
			Backend:     "file",
			Path:        "state/cost_basis.json",
			RedisPrefix: "mexcbot:state:",
		},
		Events: EventsConfig{
			Buffer:       256,
			AMQPExchange: "mexcbot.events",
		},
	}
}

// loadConfig layers defaults, the YAML file at path (optional), env overrides and
// then the given overrides (CLI flags) before validating.
func loadConfig(path string, overrides ...func(*Config)) (*Config, error) {
	cfg := defaultConfig()
	if strings.TrimSpace(path) != "" {
		bs, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decodeConfig(bs, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	for _, o := range overrides {
		o(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeConfig(bs []byte, cfg *Config) error {
	if len(bytes.TrimSpace(bs)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(bs))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

// applyEnv lets a deployment flip the common knobs without editing YAML.
func (c *Config) applyEnv() {
	c.Safety.DryRun = getEnvBool("DRY_RUN", c.Safety.DryRun)
	c.Runtime.LogLevel = getEnv("LOG_LEVEL", c.Runtime.LogLevel)
	c.Runtime.LogFormat = getEnv("LOG_FORMAT", c.Runtime.LogFormat)
	c.Runtime.HTTPAddr = getEnv("HTTP_ADDR", c.Runtime.HTTPAddr)
	c.Runtime.PollSeconds = getEnvInt("POLL_SECONDS", c.Runtime.PollSeconds)
	c.Exchange.BaseURL = getEnv("MEXC_BASE_URL", c.Exchange.BaseURL)
	c.Exchange.RecvWindowMs = getEnvInt("MEXC_RECV_WINDOW", c.Exchange.RecvWindowMs)
	c.State.Backend = getEnv("STATE_BACKEND", c.State.Backend)
	c.State.Path = getEnv("STATE_FILE", c.State.Path)
	c.State.PostgresDSN = getEnv("DATABASE_DSN", c.State.PostgresDSN)
	c.State.RedisAddr = getEnv("REDIS_ADDR", c.State.RedisAddr)
	c.State.RedisPassword = getEnv("REDIS_PASSWORD", c.State.RedisPassword)
	c.Events.AMQPURL = getEnv("AMQP_URL", c.Events.AMQPURL)
	c.Portfolio.MinProfitPercent = getEnvFloat("MIN_PROFIT_PERCENT", c.Portfolio.MinProfitPercent)

	c.Exchange.APIKey = getEnv(c.Exchange.APIKeyEnv, "")
	c.Exchange.APISecret = getEnv(c.Exchange.APISecretEnv, "")
}

// Validate normalizes symbols and rejects inconsistent settings.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Symbols) == 0 {
		errs = append(errs, errors.New("symbols: at least one symbol required"))
	}
	for i, s := range c.Symbols {
		c.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	for i, s := range c.Safety.AllowSymbols {
		c.Safety.AllowSymbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	if len(c.Safety.AllowSymbols) > 0 {
		for _, s := range c.Symbols {
			if !containsString(c.Safety.AllowSymbols, s) {
				errs = append(errs, fmt.Errorf("symbols: %s not in safety.allow_symbols", s))
			}
		}
	}
	if rules, err := normalizeRules(c.Strategy.Name); err != nil {
		errs = append(errs, err)
	} else {
		c.Strategy.Name = rules
	}
	if _, err := parseTimeframe(c.Strategy.Timeframe); err != nil {
		errs = append(errs, err)
	}
	p := c.IndicatorParams()
	if p.EMAFast <= 0 || p.EMASlow <= 0 || p.ATRPeriod <= 0 || p.RSIPeriod <= 0 {
		errs = append(errs, errors.New("strategy: indicator periods must be > 0"))
	}
	if c.Strategy.Lookback < p.MinCandles() {
		errs = append(errs, fmt.Errorf("strategy.lookback %d < minimum window %d", c.Strategy.Lookback, p.MinCandles()))
	}
	if c.Strategy.RSIOversold >= c.Strategy.RSIOverbought {
		errs = append(errs, errors.New("strategy: rsi_oversold must be below rsi_overbought"))
	}
	switch SizingMode(c.Sizing.Mode) {
	case SizingRisk:
		if c.Sizing.RiskPercent <= 0 || c.Sizing.RiskPercent > 100 {
			errs = append(errs, errors.New("sizing.risk_percent must be in (0,100]"))
		}
	case SizingFixed:
		if c.Sizing.FixedQuantity <= 0 {
			errs = append(errs, errors.New("sizing.fixed_quantity must be > 0"))
		}
	default:
		errs = append(errs, fmt.Errorf("sizing.mode %q: want risk or fixed", c.Sizing.Mode))
	}
	if c.Sizing.MinLot < 0 || (c.Sizing.MaxLot > 0 && c.Sizing.MaxLot < c.Sizing.MinLot) {
		errs = append(errs, errors.New("sizing: need 0 <= min_lot <= max_lot"))
	}
	if c.Safety.MaxOpenTrades <= 0 {
		errs = append(errs, errors.New("safety.max_open_trades must be > 0"))
	}
	if c.Safety.MinBarsBetweenTrades < 0 {
		errs = append(errs, errors.New("safety.min_bars_between_trades must be >= 0"))
	}
	if c.Safety.MaxOrderNotional > 0 && c.Safety.MaxOrderNotional < c.Safety.MinOrderNotional {
		errs = append(errs, errors.New("safety: max_order_notional below min_order_notional"))
	}
	if c.Portfolio.SweepFraction < 0 || c.Portfolio.SweepFraction > 1 {
		errs = append(errs, errors.New("portfolio.sweep_fraction must be in [0,1]"))
	}
	if c.Runtime.PollSeconds <= 0 {
		errs = append(errs, errors.New("runtime.poll_seconds must be > 0"))
	}
	if !c.Safety.DryRun && (c.Exchange.APIKey == "" || c.Exchange.APISecret == "") {
		errs = append(errs, fmt.Errorf("live trading needs %s and %s in the environment",
			c.Exchange.APIKeyEnv, c.Exchange.APISecretEnv))
	}
	return errors.Join(errs...)
}

// ---- Derived views ----

func (c *Config) IndicatorParams() IndicatorParams {
	return IndicatorParams{
		EMAFast:   c.Strategy.EMAFast,
		EMASlow:   c.Strategy.EMASlow,
		ATRPeriod: c.Strategy.ATRPeriod,
		RSIPeriod: c.Strategy.RSIPeriod,
	}
}

func (c *Config) Thresholds() Thresholds {
	return Thresholds{
		DevMult:         c.Strategy.DevMult,
		RSIOversold:     c.Strategy.RSIOversold,
		RSIOverbought:   c.Strategy.RSIOverbought,
		MinATR:          c.Strategy.MinATR,
		SLATRMult:       c.Strategy.SLATRMult,
		PullbackATRMult: c.Strategy.PullbackATRMult,
	}
}

// SizingParams merges config with venue filters; config lot step wins when set.
func (c *Config) SizingParams(inst Instrument) SizingParams {
	step := decimal.NewFromFloat(c.Sizing.LotStep)
	if !step.IsPositive() {
		step = inst.LotStep
	}
	return SizingParams{
		Mode:          SizingMode(c.Sizing.Mode),
		RiskPercent:   c.Sizing.RiskPercent,
		FixedQuantity: decimal.NewFromFloat(c.Sizing.FixedQuantity),
		TickValue:     c.Sizing.TickValue,
		MinLot:        decimal.NewFromFloat(c.Sizing.MinLot),
		MaxLot:        decimal.NewFromFloat(c.Sizing.MaxLot),
		LotStep:       step,
	}
}

func (c *Config) TradeGate() TradeGate {
	tf, _ := parseTimeframe(c.Strategy.Timeframe)
	return TradeGate{
		MaxOpenTrades:  c.Safety.MaxOpenTrades,
		MaxSpreadBps:   c.Safety.MaxSpreadBps,
		MinBarsBetween: c.Safety.MinBarsBetweenTrades,
		Timeframe:      tf,
	}
}

func (c *Config) Timeframe() time.Duration {
	tf, _ := parseTimeframe(c.Strategy.Timeframe)
	return tf
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Runtime.PollSeconds) * time.Second
}

func (c *Config) OrderTimeout() time.Duration {
	if c.Runtime.OrderTimeoutSec <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Runtime.OrderTimeoutSec) * time.Second
}

// timeframes maps accepted timeframe names to their bar length and MEXC interval.
var timeframes = map[string]struct {
	d        time.Duration
	interval string
}{
	"1m":  {time.Minute, "1m"},
	"5m":  {5 * time.Minute, "5m"},
	"15m": {15 * time.Minute, "15m"},
	"30m": {30 * time.Minute, "30m"},
	"60m": {time.Hour, "60m"},
	"1h":  {time.Hour, "60m"},
	"4h":  {4 * time.Hour, "4h"},
	"1d":  {24 * time.Hour, "1d"},
	"1w":  {7 * 24 * time.Hour, "1W"},
}

// parseTimeframe returns the bar length of tf.
func parseTimeframe(tf string) (time.Duration, error) {
	if v, ok := timeframes[strings.ToLower(strings.TrimSpace(tf))]; ok {
		return v.d, nil
	}
	return 0, fmt.Errorf("strategy.timeframe %q: want one of 1m,5m,15m,30m,1h,4h,1d,1w", tf)
}

// mexcInterval converts tf to the kline interval string MEXC expects.
func mexcInterval(tf string) (string, error) {
	if v, ok := timeframes[strings.ToLower(strings.TrimSpace(tf))]; ok {
		return v.interval, nil
	}
	return "", fmt.Errorf("unsupported timeframe %q", tf)
}

func containsString(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
