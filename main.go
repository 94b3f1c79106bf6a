// FILE: main.go
// Package main – Program entrypoint (CLI) for the MEXC spot bot.
//
// Boot sequence (every command):
//   1) loadBotEnv(log, --env-file)   – read .env (API secrets, overrides)
//   2) loadConfig(--config, flags)   – defaults ← YAML ← env ← CLI, then Validate
//   3) newLogger(level, format)      – one logrus logger for all components
//
// Commands:
//   run        Live loops for all symbols (dry-run by default: simulator fills,
//              real MEXC market data) + status server (/healthz /metrics /api/v1/state)
//   backtest   Deterministic replay over a CSV file or freshly fetched klines
//   state      Print the persisted cost basis / position checkpoint per symbol
//
// Examples:
//   go run . run --config config.yaml
//   go run . run --config config.yaml --dry-run=false
//   go run . backtest --csv data/XRPUSDT_4h.csv --symbol XRPUSDT
//   go run . state --config config.yaml

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "mexcbot",
		Usage: "signal-driven spot trading bot for MEXC",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "config.yaml", EnvVars: []string{"BOT_CONFIG"}, Usage: "YAML config file (empty for defaults)"},
			&cli.StringFlag{Name: "env-file", Value: ".env", Usage: "dotenv file with API secrets and overrides"},
			&cli.StringFlag{Name: "log-level", Usage: "override runtime.log_level"},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run the live trading loops",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "dry-run", Usage: "route orders to the simulator (overrides safety.dry_run)"},
					&cli.StringFlag{Name: "http-addr", Usage: "override runtime.http_addr"},
				},
				Action: runCommand,
			},
			{
				Name:  "backtest",
				Usage: "replay history through the simulator",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "csv", Usage: "candle CSV (time,open,high,low,close,volume)"},
					&cli.StringFlag{Name: "symbol", Usage: "symbol to backtest (default: first configured)"},
					&cli.IntFlag{Name: "fetch", Usage: "fetch N closed klines from MEXC instead of --csv (max 1000)"},
					&cli.BoolFlag{Name: "json", Usage: "print the report as JSON"},
				},
				Action: backtestCommand,
			},
			{
				Name:   "state",
				Usage:  "print persisted per-symbol state",
				Action: stateCommand,
			},
		},
	}
}

// bootstrap loads env + config and builds the logger.
func bootstrap(c *cli.Context, overrides ...func(*Config)) (*Config, *logrus.Logger, error) {
	bootLog, _ := newLogger("info", "text")
	loadBotEnv(bootLog, c.String("env-file"))

	if lvl := c.String("log-level"); lvl != "" {
		overrides = append(overrides, func(cfg *Config) { cfg.Runtime.LogLevel = lvl })
	}
	cfg, err := loadConfig(configPath(c.String("config")), overrides...)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	log, err := newLogger(cfg.Runtime.LogLevel, cfg.Runtime.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// configPath tolerates a missing default config.yaml so `backtest` works out of the box.
func configPath(p string) string {
	if p == "config.yaml" {
		if _, err := os.Stat(p); err != nil {
			return ""
		}
	}
	return p
}

func runCommand(c *cli.Context) error {
	var overrides []func(*Config)
	if c.IsSet("dry-run") {
		dry := c.Bool("dry-run")
		overrides = append(overrides, func(cfg *Config) { cfg.Safety.DryRun = dry })
	}
	if addr := c.String("http-addr"); addr != "" {
		overrides = append(overrides, func(cfg *Config) { cfg.Runtime.HTTPAddr = addr })
	}
	cfg, log, err := bootstrap(c, overrides...)
	if err != nil {
		return err
	}
	ctx := c.Context

	store, err := openStore(ctx, cfg.State, log)
	if err != nil {
		return err
	}
	defer store.Close()

	sinks := []EventSink{newLogSink(log)}
	if cfg.Events.AMQPURL != "" {
		pub, err := newAMQPSink(cfg.Events.AMQPURL, cfg.Events.AMQPExchange, log)
		if err != nil {
			return err
		}
		defer pub.Close()
		sinks = append(sinks, pub)
		log.Infof("[BOOT] publishing events to exchange %s", cfg.Events.AMQPExchange)
	}

	env := liveEnv{
		cfg:   cfg,
		log:   log,
		mexc:  NewMexcBroker(cfg.Exchange, cfg.PollInterval(), log),
		store: store,
		bus:   NewEventBus(cfg.Events.Buffer, log, sinks...),
	}
	mode := "live"
	if cfg.Safety.DryRun {
		mode = "paper"
		env.paper = NewPaperBroker(cfg.Portfolio.QuoteAsset, cfg.Safety.PaperQuoteBalance, cfg.Safety.PaperSlippageBps)
	}
	env.server = func(ts []*Trader) *statusServer { return newStatusServer(mode, ts) }
	log.Infof("[BOOT] mexcbot mode=%s state=%s symbols=%s", mode, cfg.State.Backend, strings.Join(cfg.Symbols, ","))
	return runLive(ctx, env)
}

func backtestCommand(c *cli.Context) error {
	cfg, log, err := bootstrap(c, func(cfg *Config) { cfg.Safety.DryRun = true })
	if err != nil {
		return err
	}
	ctx := c.Context
	symbol := strings.ToUpper(c.String("symbol"))
	if symbol == "" {
		symbol = cfg.Symbols[0]
	}

	var candles []Candle
	switch {
	case c.String("csv") != "":
		candles, err = loadCSV(c.String("csv"))
	case c.Int("fetch") > 0:
		mexc := NewMexcBroker(cfg.Exchange, cfg.PollInterval(), log)
		candles, err = withRetry(ctx, defaultRetryPolicy(cfg.Exchange.MaxRetries), log.WithField("symbol", symbol), "klines",
			func(ctx context.Context) ([]Candle, error) {
				return mexc.GetCandles(ctx, symbol, cfg.Strategy.Timeframe, c.Int("fetch"))
			})
	default:
		return fmt.Errorf("backtest needs --csv or --fetch")
	}
	if err != nil {
		return fmt.Errorf("load candles: %w", err)
	}

	rep, err := runBacktest(ctx, cfg, symbol, candles, log)
	if err != nil {
		return err
	}
	if c.Bool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	rep.logTo(log)
	return nil
}

func stateCommand(c *cli.Context) error {
	cfg, log, err := bootstrap(c, func(cfg *Config) { cfg.Safety.DryRun = true })
	if err != nil {
		return err
	}
	store, err := openStore(c.Context, cfg.State, log)
	if err != nil {
		return err
	}
	defer store.Close()

	states, err := store.List(c.Context)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(states)
}
