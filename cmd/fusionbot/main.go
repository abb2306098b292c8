// Fusionbot - signal fusion trading pipeline
//
// Market events flow through independently scheduled stages connected by an
// at-least-once bus: feature cache, instrument scorer, order-book analyzer,
// signal fusion, risk gate, execution and the outcome publisher.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/web3guy0/fusionbot/bus"
	"github.com/web3guy0/fusionbot/core"
	"github.com/web3guy0/fusionbot/execution"
	"github.com/web3guy0/fusionbot/feeds"
	"github.com/web3guy0/fusionbot/internal/api"
	"github.com/web3guy0/fusionbot/internal/binance"
	"github.com/web3guy0/fusionbot/internal/bot"
	"github.com/web3guy0/fusionbot/internal/config"
	"github.com/web3guy0/fusionbot/internal/database"
	"github.com/web3guy0/fusionbot/internal/metrics"
	"github.com/web3guy0/fusionbot/internal/predictor"
	"github.com/web3guy0/fusionbot/internal/tuner"
	"github.com/web3guy0/fusionbot/portfolio"
	"github.com/web3guy0/fusionbot/risk"
	"github.com/web3guy0/fusionbot/strategy"
	"github.com/web3guy0/fusionbot/types"
)

const version = "1.0.0"

func main() {
	// ═══════════════════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════════════════

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogging(cfg)

	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msgf("              FUSIONBOT v%s - SIGNAL FUSION PIPELINE", version)
	log.Info().Msg("═══════════════════════════════════════════════════════════════")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ═══════════════════════════════════════════════════════════════════════════════
	// INITIALIZE COMPONENTS
	// ═══════════════════════════════════════════════════════════════════════════════

	// 1. Storage
	if dir := filepath.Dir(cfg.DatabasePath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal().Err(err).Msg("Failed to create data directory")
		}
	}
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()
	log.Info().Msg("✅ Storage layer initialized")

	// 2. Message bus
	deduper, err := newDeduper(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open dedupe ledger")
	}
	messageBus := bus.NewMemoryBus(bus.Options{
		Workers:        cfg.BusWorkers,
		MaxAttempts:    cfg.BusMaxAttempts,
		RetryBackoff:   cfg.BusRetryBackoff,
		HandlerTimeout: cfg.HandlerTimeout,
		Deduper:        deduper,
		Ephemeral:      []string{bus.TopicOrderBooks}, // depth snapshots are superseded within seconds
		DeadLetters:    db,
		Observer:       metrics.ObserveDelivery,
	})
	log.Info().Int("workers", cfg.BusWorkers).Int("max_attempts", cfg.BusMaxAttempts).Msg("✅ Message bus initialized")

	// 3. Portfolio (single writer)
	book := portfolio.New(cfg.PortfolioAccountID, cfg.InitialPortfolioValue, db)
	if err := book.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to load portfolio")
	}

	// 4. Strategy parameters (last tuned version wins)
	params := types.StrategyParams{
		Version:       "default",
		BuyThreshold:  cfg.BuyThreshold,
		SellThreshold: cfg.SellThreshold,
		RiskPerTrade:  cfg.RiskPerTrade.InexactFloat64(),
		UpdatedAt:     time.Now().UTC(),
	}
	if saved, found, err := db.LatestStrategyConfig(ctx); err != nil {
		log.Warn().Err(err).Msg("⚠️ Could not read tuned parameters, using configured ones")
	} else if found {
		params = saved
		log.Info().Str("version", saved.Version).Msg("🔧 Tuned parameters restored")
	}

	// 5. Execution backend
	var backend execution.Backend
	if cfg.PaperTrading {
		if _, err := db.EnsurePaperAccount(ctx, cfg.PaperAccountID, cfg.PaperInitialBalance); err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize paper account")
		}
		backend = execution.NewPaperBackend(db, cfg.PaperAccountID)
	} else {
		trader := binance.NewSpotTrader(cfg.BinanceAPIKey, cfg.BinanceSecretKey, cfg.BinanceTestnet)
		if err := trader.LoadFilters(ctx, cfg.Symbols); err != nil {
			log.Warn().Err(err).Msg("⚠️ Lot size filters unavailable, quantities sent unrounded")
		}
		backend = execution.NewLiveBackend(trader)
	}

	// 6. Telegram (optional)
	var notifier core.Notifier
	var telegram *bot.Bot
	if cfg.TelegramToken != "" {
		telegram, err = bot.New(cfg.TelegramToken, cfg.TelegramChatID, db, book)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ Telegram unavailable, notifications disabled")
		} else {
			notifier = telegram
		}
	} else {
		log.Warn().Msg("⚠️ No TELEGRAM_BOT_TOKEN - notifications disabled")
	}

	// 7. Pipeline stages
	rest := binance.NewClient("", "", cfg.ExchangeTimeout)
	fusion := strategy.NewFusion(params, predictor.Default(), cfg.EnsembleBonus)
	riskCfg := risk.Config{
		RiskPerTrade:     cfg.RiskPerTrade,
		MaxPortfolioRisk: cfg.MaxPortfolioRisk,
		DailyLossLimit:   cfg.DailyLossLimit,
		StopLossPct:      cfg.StopLossPct,
		TakeProfitPct:    cfg.TakeProfitPct,
		MaxLossPct:       cfg.MaxLossPct,

		CircuitBreakerLosses:   cfg.CircuitBreakerLosses,
		CircuitBreakerCooldown: cfg.CircuitBreakerCooldown,
	}
	gate := risk.NewRiskGate(riskCfg, book)
	gate.UpdateParams(params)

	components := core.Components{
		Cache: feeds.NewFeatureCache(feeds.WindowConfig{
			Size:      cfg.WindowSize,
			SMAShort:  cfg.SMAShort,
			SMALong:   cfg.SMALong,
			RSIPeriod: cfg.RSIPeriod,
		}),
		Analyzer:  feeds.NewAnalyzer(cfg.OrderBookDepth, cfg.WhaleThreshold),
		Scorer:    strategy.NewScorer(rest),
		Selector:  strategy.NewSelector(cfg.CrossoverBand),
		Fusion:    fusion,
		Gate:      gate,
		Executor:  execution.NewCoordinator(backend, db, book),
		Publisher: core.NewPublisher(db, notifier, book),
		Symbols:   core.NewSymbolManager(cfg.Symbols),
	}
	if cfg.ExitManagement {
		components.Exits = risk.NewTPSLManager(cfg.StopLossPct, cfg.TakeProfitPct, cfg.TrailingStopTrigger, cfg.TrailingStopDistance)
		components.Holdings = book
		log.Info().
			Str("trigger", cfg.TrailingStopTrigger.String()).
			Str("distance", cfg.TrailingStopDistance.String()).
			Msg("🛡️ Protective exits enabled")
	}
	engine := core.NewEngine(messageBus, components, cfg.TopN, cfg.ScanInterval)
	if err := engine.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start engine")
	}

	streamURL := binance.SpotStreamURL
	if cfg.BinanceTestnet {
		streamURL = binance.TestnetStreamURL
	}
	stream := binance.NewStream(streamURL, cfg.Symbols, cfg.KlineInterval, cfg.OrderBookDepth, engine.Ingest)

	autoTuner := tuner.New(db, messageBus, params, cfg.TunerInterval, cfg.TunerLookbackDays)
	server := api.New(cfg.APIAddr, db, book, fusion.Params)

	// ═══════════════════════════════════════════════════════════════════════════════
	// RUN
	// ═══════════════════════════════════════════════════════════════════════════════

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return book.Run(gctx) })
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error {
		backfill(gctx, rest, engine, cfg)
		return stream.Run(gctx)
	})
	g.Go(func() error { return autoTuner.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })

	if telegram != nil {
		telegram.Start()
	}

	mode := "PAPER"
	if !cfg.PaperTrading {
		mode = "LIVE"
	}
	log.Info().
		Str("mode", mode).
		Strs("symbols", cfg.Symbols).
		Int("top_n", cfg.TopN).
		Dur("scan_interval", cfg.ScanInterval).
		Msg("✅ All systems online")

	<-gctx.Done()
	log.Info().Msg("🛑 Received shutdown signal")

	// ═══════════════════════════════════════════════════════════════════════════════
	// SHUTDOWN
	// ═══════════════════════════════════════════════════════════════════════════════

	if telegram != nil {
		telegram.Stop()
	}
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Pipeline stopped with error")
	}
	// closes the dedupe ledger too
	if err := messageBus.Close(); err != nil {
		log.Warn().Err(err).Msg("Bus close failed")
	}

	log.Info().Msg("👋 Goodbye!")
}

// setupLogging applies the level and adds the rotating log file when configured
func setupLogging(cfg *config.Config) {
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if cfg.LogFile == "" {
		return
	}
	var out io.Writer = &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     cfg.LogMaxAgeDays,
		Compress:   true,
	}
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, out)).With().Timestamp().Logger()
	log.Info().Str("file", cfg.LogFile).Msg("📝 File logging enabled")
}

func newDeduper(cfg *config.Config) (bus.Deduper, error) {
	if cfg.DedupePath == "" {
		return bus.NewMemoryDeduper(cfg.DedupeTTL, 64), nil
	}
	d, err := bus.NewBadgerDeduper(cfg.DedupePath, cfg.DedupeTTL)
	if err != nil {
		return nil, err
	}
	log.Info().Str("path", cfg.DedupePath).Msg("🗄️ Durable dedupe ledger opened")
	return d, nil
}

// backfill replays recent closed bars so windows are warm before the stream
func backfill(ctx context.Context, rest *binance.Client, engine *core.Engine, cfg *config.Config) {
	limit := cfg.WindowSize + 1
	for _, sym := range cfg.Symbols {
		events, err := rest.Klines(ctx, sym, cfg.KlineInterval, limit)
		if err != nil {
			log.Warn().Err(err).Str("instrument", sym).Msg("⚠️ Kline backfill failed")
			continue
		}
		for _, ev := range events {
			if err := engine.Ingest(ctx, ev); err != nil {
				log.Warn().Err(err).Str("id", ev.ID).Msg("backfill publish failed")
				break
			}
		}
	}
	log.Info().Int("symbols", len(cfg.Symbols)).Msg("📥 Kline backfill complete")
}
