// Package main provides the command line runner for simulations,
// walk-forward optimization and daily signal scans.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/snowmoney/backtester/internal/backtester"
	"github.com/snowmoney/backtester/internal/config"
	"github.com/snowmoney/backtester/internal/data"
	"github.com/snowmoney/backtester/internal/indicator"
	"github.com/snowmoney/backtester/internal/logging"
	"github.com/snowmoney/backtester/internal/regime"
	"github.com/snowmoney/backtester/internal/signal"
)

func main() {
	mode := flag.String("mode", "simulate", "Run mode (simulate, walkforward, scan)")
	configPath := flag.String("config", "", "Path to config file (optional)")
	dbPath := flag.String("db", "", "Price database path (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	// Reports print to stdout, so the logger goes to stderr.
	logger := logging.New(cfg.LogLevel, "stderr")
	defer logger.Sync()

	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, cfg, *mode); err != nil {
		logger.Fatal("Run failed", zap.String("mode", *mode), zap.Error(err))
	}
}

func run(ctx context.Context, logger *zap.Logger, cfg *config.Config, mode string) error {
	store, err := data.NewStore(logger, cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	btConfig := cfg.BacktestConfig()

	bars, err := store.LoadPanel(ctx, btConfig.StartDate, btConfig.EndDate, btConfig.Categories)
	if err != nil {
		return err
	}
	if len(bars) == 0 {
		return fmt.Errorf("no price data in %s for the configured range", cfg.DatabasePath)
	}

	panel := indicator.NewEngine(logger, btConfig.MAShortWindow, btConfig.MALongWindow).Compute(bars)

	switch mode {
	case "simulate":
		engine := backtester.NewEngine(logger, btConfig)
		result, err := engine.Run(ctx, panel, btConfig.Params)
		if err != nil {
			return err
		}
		logger.Info("Simulation complete",
			zap.Int("trades", len(result.Trades)),
			zap.Int("days", result.DaysSimulated),
			zap.String("winRate", result.KPI.WinRate.String()),
			zap.String("maxDrawdown", result.KPI.MaxDrawdown.String()),
		)
		return printJSON(result)

	case "walkforward":
		optimizer := backtester.NewWalkForwardOptimizer(logger, cfg.WalkForwardConfig())
		result, err := optimizer.Run(ctx, panel)
		if err != nil {
			return err
		}
		logger.Info("Walk-forward complete",
			zap.Int("splits", len(result.Splits)),
			zap.Int("trades", len(result.Trades)),
			zap.String("avgReturn", result.KPI.AvgReturn.String()),
			zap.Duration("elapsed", result.Duration),
		)
		return printJSON(result)

	case "scan":
		scanner := signal.NewScanner(logger, regime.NewFilter(btConfig.MarketBullishThreshold))
		report, err := scanner.Scan(panel, btConfig.Params.DipThreshold)
		if err != nil {
			return err
		}
		logger.Info("Scan complete",
			zap.Time("date", report.Date),
			zap.Int("candidates", len(report.Candidates)),
			zap.Bool("allowEntry", report.AllowEntry),
		)
		return printJSON(report)

	default:
		return fmt.Errorf("unknown mode %q (want simulate, walkforward or scan)", mode)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
