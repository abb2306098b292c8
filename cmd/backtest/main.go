// Backtest replays exchange kline history through the fusion pipeline
// against an in-memory paper account and prints the trade summary.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/fusionbot/execution"
	"github.com/web3guy0/fusionbot/feeds"
	"github.com/web3guy0/fusionbot/internal/backtest"
	"github.com/web3guy0/fusionbot/internal/binance"
	"github.com/web3guy0/fusionbot/internal/config"
	"github.com/web3guy0/fusionbot/internal/database"
	"github.com/web3guy0/fusionbot/internal/predictor"
	"github.com/web3guy0/fusionbot/portfolio"
	"github.com/web3guy0/fusionbot/risk"
	"github.com/web3guy0/fusionbot/strategy"
	"github.com/web3guy0/fusionbot/types"
)

func main() {
	_ = godotenv.Load()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	cfg, err := config.Load()
	if err != nil {
		fmt.Println("Error loading configuration:", err)
		os.Exit(1)
	}

	symbols := flag.String("symbols", strings.Join(cfg.Symbols, ","), "comma separated instruments to replay")
	interval := flag.String("interval", cfg.KlineInterval, "kline interval")
	limit := flag.Int("limit", 500, "bars per instrument (exchange max 1000)")
	verbose := flag.Bool("v", false, "log every stage decision")
	flag.Parse()

	if *verbose {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(":memory:")
	if err != nil {
		fmt.Println("Error opening database:", err)
		os.Exit(1)
	}
	defer db.Close()

	stages, err := buildStages(ctx, cfg, db)
	if err != nil {
		fmt.Println("Error building pipeline:", err)
		os.Exit(1)
	}

	rest := binance.NewClient("", "", cfg.ExchangeTimeout)
	instruments := strings.Split(*symbols, ",")
	var bars []types.MarketEvent
	for _, sym := range instruments {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			continue
		}
		events, err := rest.Klines(ctx, sym, *interval, *limit)
		if err != nil {
			fmt.Printf("Error fetching %s klines: %v\n", sym, err)
			os.Exit(1)
		}
		bars = append(bars, events...)
	}

	fmt.Printf("⏪ BACKTEST - %d bars of %s over %s\n", len(bars), *interval, strings.Join(instruments, ","))

	start := time.Now()
	stats, err := backtest.Replay(ctx, stages, bars)
	if err != nil {
		fmt.Println("Replay stopped:", err)
	}

	summary, err := db.Summary(context.Background(), time.Time{})
	if err != nil {
		fmt.Println("Error computing summary:", err)
		os.Exit(1)
	}

	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Printf("   Bars: %d | Signals: %d | Intents: %d (exits %d)\n", stats.Bars, stats.Signals, stats.Intents, stats.Exits)
	fmt.Printf("   Approved: %d | Rejected: %d | Filled: %d\n", stats.Approved, stats.Rejected, stats.Filled)
	fmt.Printf("   Trades: %d | Closed: %d | Wins: %d | Win Rate: %.1f%%\n",
		summary.TotalTrades, summary.ClosedTrades, summary.Wins, summary.WinRate*100)
	fmt.Printf("   Total P&L: $%s | Avg P&L: $%s\n", summary.TotalPnL.StringFixed(2), summary.AvgPnL.StringFixed(2))
	fmt.Printf("   Took %s\n", time.Since(start).Round(time.Millisecond))
	fmt.Println("═══════════════════════════════════════════════════════════════")
}

// buildStages wires the live stage constructors around the in-memory store.
// Every configured instrument is selected; funding and open interest history
// is not replayed.
func buildStages(ctx context.Context, cfg *config.Config, db *database.Database) (backtest.Stages, error) {
	if _, err := db.EnsurePaperAccount(ctx, cfg.PaperAccountID, cfg.InitialPortfolioValue); err != nil {
		return backtest.Stages{}, err
	}
	book := portfolio.New(cfg.PortfolioAccountID, cfg.InitialPortfolioValue, db)
	if err := book.Load(ctx); err != nil {
		return backtest.Stages{}, err
	}
	go book.Run(ctx)

	params := types.StrategyParams{
		Version:       "backtest",
		BuyThreshold:  cfg.BuyThreshold,
		SellThreshold: cfg.SellThreshold,
		RiskPerTrade:  cfg.RiskPerTrade.InexactFloat64(),
		UpdatedAt:     time.Now().UTC(),
	}

	selector := strategy.NewSelector(cfg.CrossoverBand)
	selector.UpdateSelection(types.ScoreBatch{ID: "backtest", Selected: cfg.Symbols})

	gate := risk.NewRiskGate(risk.Config{
		RiskPerTrade:     cfg.RiskPerTrade,
		MaxPortfolioRisk: cfg.MaxPortfolioRisk,
		DailyLossLimit:   cfg.DailyLossLimit,
		StopLossPct:      cfg.StopLossPct,
		TakeProfitPct:    cfg.TakeProfitPct,
		MaxLossPct:       cfg.MaxLossPct,

		CircuitBreakerLosses:   cfg.CircuitBreakerLosses,
		CircuitBreakerCooldown: cfg.CircuitBreakerCooldown,
	}, book)

	stages := backtest.Stages{
		Cache: feeds.NewFeatureCache(feeds.WindowConfig{
			Size:      cfg.WindowSize,
			SMAShort:  cfg.SMAShort,
			SMALong:   cfg.SMALong,
			RSIPeriod: cfg.RSIPeriod,
		}),
		Selector: selector,
		Fusion:   strategy.NewFusion(params, predictor.Default(), cfg.EnsembleBonus),
		Gate:     gate,
		Executor: execution.NewCoordinator(execution.NewPaperBackend(db, cfg.PaperAccountID), db, book),
	}
	if cfg.ExitManagement {
		stages.Exits = risk.NewTPSLManager(cfg.StopLossPct, cfg.TakeProfitPct, cfg.TrailingStopTrigger, cfg.TrailingStopDistance)
		stages.Holdings = book
	}
	return stages, nil
}
