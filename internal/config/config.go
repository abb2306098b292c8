package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the pipeline
type Config struct {
	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Mode
	PaperTrading bool
	Debug        bool

	// Logging
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	// Universe & scanning
	Symbols       []string
	TopN          int
	ScanInterval  time.Duration
	KlineInterval string

	// Feature window
	WindowSize    int
	SMAShort      int
	SMALong       int
	RSIPeriod     int
	CrossoverBand float64

	// Order book
	OrderBookDepth int
	WhaleThreshold decimal.Decimal

	// Fusion
	BuyThreshold  float64
	SellThreshold float64
	EnsembleBonus float64

	// Risk & sizing
	InitialPortfolioValue decimal.Decimal
	RiskPerTrade          decimal.Decimal
	MaxPortfolioRisk      decimal.Decimal
	DailyLossLimit        decimal.Decimal // absolute, negative (e.g. -50)
	StopLossPct           decimal.Decimal
	TakeProfitPct         decimal.Decimal
	MaxLossPct            decimal.Decimal
	PortfolioAccountID    string

	// Circuit breaker
	CircuitBreakerLosses   int
	CircuitBreakerCooldown time.Duration

	// Protective exits on held positions
	ExitManagement       bool
	TrailingStopTrigger  decimal.Decimal // gain over entry that arms the trail
	TrailingStopDistance decimal.Decimal // 0 holds the stop at breakeven

	// Paper trading
	PaperAccountID      string
	PaperInitialBalance decimal.Decimal

	// Exchange
	BinanceAPIKey    string
	BinanceSecretKey string
	BinanceTestnet   bool
	ExchangeTimeout  time.Duration

	// Bus
	BusWorkers      int
	BusMaxAttempts  int
	BusRetryBackoff time.Duration
	HandlerTimeout  time.Duration
	DedupePath      string
	DedupeTTL       time.Duration

	// Tuner
	TunerInterval     time.Duration
	TunerLookbackDays int

	// API
	APIAddr string

	// Database
	DatabasePath string
}

// fileConfig is the optional YAML overlay. Only fields present in the file
// override defaults.
type fileConfig struct {
	Symbols  []string `yaml:"symbols"`
	TopN     *int     `yaml:"top_n"`
	Strategy struct {
		BuyThreshold   *float64 `yaml:"buy_threshold"`
		SellThreshold  *float64 `yaml:"sell_threshold"`
		EnsembleBonus  *float64 `yaml:"ensemble_bonus"`
		OrderBookDepth *int     `yaml:"orderbook_depth"`
		WhaleThreshold *string  `yaml:"whale_threshold_qty"`
		WindowSize     *int     `yaml:"window_size"`
		SMAShort       *int     `yaml:"sma_short"`
		SMALong        *int     `yaml:"sma_long"`
	} `yaml:"strategy"`
	Risk struct {
		RiskPerTrade     *string `yaml:"risk_per_trade"`
		MaxPortfolioRisk *string `yaml:"max_portfolio_risk"`
		DailyLossLimit   *string `yaml:"daily_loss_limit"`
		StopLossPct      *string `yaml:"stop_loss_pct"`
		TakeProfitPct    *string `yaml:"take_profit_pct"`
		MaxLossPct       *string `yaml:"max_loss_pct"`
		TrailingTrigger  *string `yaml:"trailing_stop_trigger"`
		TrailingDistance *string `yaml:"trailing_stop_distance"`
	} `yaml:"risk"`
}

// Defaults returns the built-in configuration
func Defaults() *Config {
	return &Config{
		PaperTrading: true,

		LogMaxSizeMB:  50,
		LogMaxBackups: 5,
		LogMaxAgeDays: 14,

		Symbols:       []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT", "XRPUSDT", "LTCUSDT"},
		TopN:          3,
		ScanInterval:  4 * time.Hour,
		KlineInterval: "1m",

		WindowSize:    20,
		SMAShort:      5,
		SMALong:       10,
		RSIPeriod:     14,
		CrossoverBand: 0.005,

		OrderBookDepth: 5,
		WhaleThreshold: decimal.NewFromInt(100),

		BuyThreshold:  0.5,
		SellThreshold: -0.5,
		EnsembleBonus: 0.1,

		InitialPortfolioValue: decimal.NewFromInt(1000),
		RiskPerTrade:          decimal.NewFromFloat(0.01),
		MaxPortfolioRisk:      decimal.NewFromFloat(0.05),
		DailyLossLimit:        decimal.NewFromInt(-50),
		StopLossPct:           decimal.NewFromFloat(0.01),
		TakeProfitPct:         decimal.NewFromFloat(0.02),
		MaxLossPct:            decimal.NewFromFloat(0.05),
		PortfolioAccountID:    "main",

		CircuitBreakerLosses:   5,
		CircuitBreakerCooldown: time.Hour,

		ExitManagement:       true,
		TrailingStopTrigger:  decimal.NewFromFloat(0.05),
		TrailingStopDistance: decimal.Zero,

		PaperAccountID:      "default_paper_account",
		PaperInitialBalance: decimal.NewFromInt(10000),

		ExchangeTimeout: 10 * time.Second,

		BusWorkers:      8,
		BusMaxAttempts:  5,
		BusRetryBackoff: 500 * time.Millisecond,
		HandlerTimeout:  15 * time.Second,
		DedupeTTL:       24 * time.Hour,

		TunerInterval:     24 * time.Hour,
		TunerLookbackDays: 7,

		APIAddr: ":8080",

		DatabasePath: "data/fusionbot.db",
	}
}

// Load loads configuration: defaults, then CONFIG_FILE (YAML), then env
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	// Telegram
	cfg.TelegramToken = os.Getenv("TELEGRAM_BOT_TOKEN")

	// Mode
	cfg.PaperTrading = getEnvBool("PAPER_TRADING", cfg.PaperTrading)
	cfg.Debug = getEnvBool("DEBUG", cfg.Debug)

	// Logging
	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)
	cfg.LogMaxSizeMB = getEnvInt("LOG_MAX_SIZE_MB", cfg.LogMaxSizeMB)
	cfg.LogMaxBackups = getEnvInt("LOG_MAX_BACKUPS", cfg.LogMaxBackups)
	cfg.LogMaxAgeDays = getEnvInt("LOG_MAX_AGE_DAYS", cfg.LogMaxAgeDays)

	// Universe
	cfg.Symbols = getEnvList("SYMBOLS", cfg.Symbols)
	cfg.TopN = getEnvInt("TOP_N", cfg.TopN)
	cfg.ScanInterval = getEnvDuration("SCAN_INTERVAL", cfg.ScanInterval)
	cfg.KlineInterval = getEnv("KLINE_INTERVAL", cfg.KlineInterval)

	// Feature window
	cfg.WindowSize = getEnvInt("WINDOW_SIZE", cfg.WindowSize)
	cfg.SMAShort = getEnvInt("SMA_SHORT", cfg.SMAShort)
	cfg.SMALong = getEnvInt("SMA_LONG", cfg.SMALong)
	cfg.RSIPeriod = getEnvInt("RSI_PERIOD", cfg.RSIPeriod)
	cfg.CrossoverBand = getEnvFloat("CROSSOVER_BAND", cfg.CrossoverBand)

	// Order book
	cfg.OrderBookDepth = getEnvInt("ORDERBOOK_DEPTH", cfg.OrderBookDepth)
	cfg.WhaleThreshold = getEnvDecimal("WHALE_THRESHOLD_QTY", cfg.WhaleThreshold)

	// Fusion
	cfg.BuyThreshold = getEnvFloat("BUY_SIGNAL_THRESHOLD", cfg.BuyThreshold)
	cfg.SellThreshold = getEnvFloat("SELL_SIGNAL_THRESHOLD", cfg.SellThreshold)
	cfg.EnsembleBonus = getEnvFloat("ENSEMBLE_BONUS", cfg.EnsembleBonus)

	// Risk
	cfg.InitialPortfolioValue = getEnvDecimal("INITIAL_PORTFOLIO_VALUE", cfg.InitialPortfolioValue)
	cfg.RiskPerTrade = getEnvDecimal("DEFAULT_RISK_PER_TRADE", cfg.RiskPerTrade)
	cfg.MaxPortfolioRisk = getEnvDecimal("MAX_PORTFOLIO_RISK", cfg.MaxPortfolioRisk)
	cfg.DailyLossLimit = getEnvDecimal("DAILY_LOSS_LIMIT", cfg.DailyLossLimit)
	cfg.StopLossPct = getEnvDecimal("STOP_LOSS_PCT", cfg.StopLossPct)
	cfg.TakeProfitPct = getEnvDecimal("TAKE_PROFIT_PCT", cfg.TakeProfitPct)
	cfg.MaxLossPct = getEnvDecimal("MAX_LOSS_PCT", cfg.MaxLossPct)
	cfg.PortfolioAccountID = getEnv("PORTFOLIO_ACCOUNT_ID", cfg.PortfolioAccountID)
	cfg.CircuitBreakerLosses = getEnvInt("CIRCUIT_BREAKER_LOSSES", cfg.CircuitBreakerLosses)
	cfg.CircuitBreakerCooldown = getEnvDuration("CIRCUIT_BREAKER_COOLDOWN", cfg.CircuitBreakerCooldown)
	cfg.ExitManagement = getEnvBool("EXIT_MANAGEMENT", cfg.ExitManagement)
	cfg.TrailingStopTrigger = getEnvDecimal("TRAILING_STOP_TRIGGER", cfg.TrailingStopTrigger)
	cfg.TrailingStopDistance = getEnvDecimal("TRAILING_STOP_DISTANCE", cfg.TrailingStopDistance)

	// Paper
	cfg.PaperAccountID = getEnv("PAPER_ACCOUNT_ID", cfg.PaperAccountID)
	cfg.PaperInitialBalance = getEnvDecimal("PAPER_INITIAL_BALANCE", cfg.PaperInitialBalance)

	// Exchange
	cfg.BinanceAPIKey = os.Getenv("BINANCE_API_KEY")
	cfg.BinanceSecretKey = os.Getenv("BINANCE_SECRET_KEY")
	cfg.BinanceTestnet = getEnvBool("BINANCE_TESTNET", cfg.BinanceTestnet)
	cfg.ExchangeTimeout = getEnvDuration("EXCHANGE_TIMEOUT", cfg.ExchangeTimeout)

	// Bus
	cfg.BusWorkers = getEnvInt("BUS_WORKERS", cfg.BusWorkers)
	cfg.BusMaxAttempts = getEnvInt("BUS_MAX_ATTEMPTS", cfg.BusMaxAttempts)
	cfg.BusRetryBackoff = getEnvDuration("BUS_RETRY_BACKOFF", cfg.BusRetryBackoff)
	cfg.HandlerTimeout = getEnvDuration("HANDLER_TIMEOUT", cfg.HandlerTimeout)
	cfg.DedupePath = getEnv("DEDUPE_PATH", cfg.DedupePath)
	cfg.DedupeTTL = getEnvDuration("DEDUPE_TTL", cfg.DedupeTTL)

	// Tuner
	cfg.TunerInterval = getEnvDuration("TUNER_INTERVAL", cfg.TunerInterval)
	cfg.TunerLookbackDays = getEnvInt("TUNER_LOOKBACK_DAYS", cfg.TunerLookbackDays)

	// API
	cfg.APIAddr = getEnv("API_ADDR", cfg.APIAddr)

	// Database
	cfg.DatabasePath = getEnv("DATABASE_PATH", cfg.DatabasePath)

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("SYMBOLS must list at least one instrument")
	}
	if c.TopN <= 0 {
		return fmt.Errorf("TOP_N must be positive, got %d", c.TopN)
	}
	if c.SMAShort <= 0 || c.SMALong <= c.SMAShort {
		return fmt.Errorf("need 0 < SMA_SHORT < SMA_LONG, got %d/%d", c.SMAShort, c.SMALong)
	}
	if c.WindowSize < c.SMALong {
		return fmt.Errorf("WINDOW_SIZE %d smaller than SMA_LONG %d", c.WindowSize, c.SMALong)
	}
	if c.OrderBookDepth <= 0 {
		return fmt.Errorf("ORDERBOOK_DEPTH must be positive")
	}
	if c.SellThreshold >= c.BuyThreshold {
		return fmt.Errorf("SELL_SIGNAL_THRESHOLD must be below BUY_SIGNAL_THRESHOLD")
	}
	if !c.RiskPerTrade.IsPositive() || !c.MaxPortfolioRisk.IsPositive() {
		return fmt.Errorf("risk fractions must be positive")
	}
	if c.TrailingStopDistance.IsNegative() || c.TrailingStopDistance.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("TRAILING_STOP_DISTANCE must be in [0, 1), got %s", c.TrailingStopDistance)
	}
	if c.DailyLossLimit.IsPositive() {
		return fmt.Errorf("DAILY_LOSS_LIMIT must be zero or negative, got %s", c.DailyLossLimit)
	}
	if !c.PaperTrading && (c.BinanceAPIKey == "" || c.BinanceSecretKey == "") {
		return fmt.Errorf("BINANCE_API_KEY and BINANCE_SECRET_KEY are required when PAPER_TRADING=false")
	}
	if c.BusWorkers <= 0 || c.BusMaxAttempts <= 0 {
		return fmt.Errorf("BUS_WORKERS and BUS_MAX_ATTEMPTS must be positive")
	}
	return nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}

	if len(fc.Symbols) > 0 {
		c.Symbols = fc.Symbols
	}
	setInt(&c.TopN, fc.TopN)

	s := fc.Strategy
	setFloat(&c.BuyThreshold, s.BuyThreshold)
	setFloat(&c.SellThreshold, s.SellThreshold)
	setFloat(&c.EnsembleBonus, s.EnsembleBonus)
	setInt(&c.OrderBookDepth, s.OrderBookDepth)
	setInt(&c.WindowSize, s.WindowSize)
	setInt(&c.SMAShort, s.SMAShort)
	setInt(&c.SMALong, s.SMALong)

	r := fc.Risk
	for _, f := range []struct {
		dst *decimal.Decimal
		src *string
	}{
		{&c.WhaleThreshold, s.WhaleThreshold},
		{&c.RiskPerTrade, r.RiskPerTrade},
		{&c.MaxPortfolioRisk, r.MaxPortfolioRisk},
		{&c.DailyLossLimit, r.DailyLossLimit},
		{&c.StopLossPct, r.StopLossPct},
		{&c.TakeProfitPct, r.TakeProfitPct},
		{&c.MaxLossPct, r.MaxLossPct},
		{&c.TrailingStopTrigger, r.TrailingTrigger},
		{&c.TrailingStopDistance, r.TrailingDistance},
	} {
		if f.src == nil {
			continue
		}
		d, err := decimal.NewFromString(*f.src)
		if err != nil {
			return fmt.Errorf("config file: invalid decimal %q: %w", *f.src, err)
		}
		*f.dst = d
	}
	return nil
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setFloat(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.ToUpper(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
