package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"stopguard/internal/adapters/logger" // Import the logger package for LogLevel
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Guarded Symbols
	Symbols []string

	// Detection
	CheckInterval time.Duration // Periodic sweep cadence
	PriceMaxAge   time.Duration // Quotes older than this are never acted on

	// Trailing Stop
	TrailInterval         time.Duration
	TradingFeePercent     decimal.Decimal // e.g. 0.1 for 0.1%
	SlippageBufferPercent decimal.Decimal

	// Margin Health
	MarginInterval    time.Duration
	AutoCloseOnDanger bool

	// Position Sizing
	MaxRiskPercent     decimal.Decimal // Per-trade risk as % of capital
	MaxPositionPercent decimal.Decimal // Position value cap as % of capital

	// Risk Policy
	MaxDrawdownPercent decimal.Decimal // Monthly drawdown gate
	StartingCapital    decimal.Decimal // Seed for a fresh policy month

	// Execution
	MaxSubmitAttempts int

	// Outbox
	OutboxInterval  time.Duration
	OutboxBatchSize int

	// Database
	DBPath string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Logging
	LogLevel logger.LogLevel // Use the LogLevel type from the logger adapter

	// Connection Settings
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}

	// Guarded Symbols
	symbolsStr := getEnv("SYMBOLS", "ETHUSDT")
	for _, sym := range strings.Split(symbolsStr, ",") {
		sym = strings.TrimSpace(sym)
		if sym != "" {
			cfg.Symbols = append(cfg.Symbols, strings.ToUpper(sym))
		}
	}
	if len(cfg.Symbols) == 0 {
		errs = append(errs, "SYMBOLS must list at least one symbol")
	}

	// Detection
	checkIntervalSeconds := getEnvAsInt("CHECK_INTERVAL_SECONDS", 10)
	if checkIntervalSeconds <= 0 {
		errs = append(errs, "CHECK_INTERVAL_SECONDS must be positive")
	}
	cfg.CheckInterval = time.Duration(checkIntervalSeconds) * time.Second

	priceMaxAgeSeconds := getEnvAsInt("PRICE_MAX_AGE_SECONDS", 30)
	if priceMaxAgeSeconds <= 0 {
		errs = append(errs, "PRICE_MAX_AGE_SECONDS must be positive")
	}
	cfg.PriceMaxAge = time.Duration(priceMaxAgeSeconds) * time.Second

	// Trailing Stop
	trailIntervalSeconds := getEnvAsInt("TRAIL_INTERVAL_SECONDS", 30)
	if trailIntervalSeconds <= 0 {
		errs = append(errs, "TRAIL_INTERVAL_SECONDS must be positive")
	}
	cfg.TrailInterval = time.Duration(trailIntervalSeconds) * time.Second

	cfg.TradingFeePercent, err = getEnvAsDecimal("TRADING_FEE_PERCENT", "0.1")
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TRADING_FEE_PERCENT: %v", err))
	} else if cfg.TradingFeePercent.IsNegative() {
		errs = append(errs, "TRADING_FEE_PERCENT cannot be negative")
	}

	cfg.SlippageBufferPercent, err = getEnvAsDecimal("SLIPPAGE_BUFFER_PERCENT", "0.05")
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid SLIPPAGE_BUFFER_PERCENT: %v", err))
	} else if cfg.SlippageBufferPercent.IsNegative() {
		errs = append(errs, "SLIPPAGE_BUFFER_PERCENT cannot be negative")
	}

	// Margin Health
	marginIntervalSeconds := getEnvAsInt("MARGIN_INTERVAL_SECONDS", 60)
	if marginIntervalSeconds <= 0 {
		errs = append(errs, "MARGIN_INTERVAL_SECONDS must be positive")
	}
	cfg.MarginInterval = time.Duration(marginIntervalSeconds) * time.Second
	cfg.AutoCloseOnDanger = getEnvAsBool("AUTO_CLOSE_ON_DANGER", false)

	// Position Sizing
	cfg.MaxRiskPercent, err = getEnvAsDecimal("MAX_RISK_PERCENT", "1.0")
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_RISK_PERCENT: %v", err))
	} else if !cfg.MaxRiskPercent.IsPositive() || cfg.MaxRiskPercent.GreaterThan(decimal.NewFromInt(100)) {
		errs = append(errs, "MAX_RISK_PERCENT must be between 0 and 100")
	}

	cfg.MaxPositionPercent, err = getEnvAsDecimal("MAX_POSITION_PERCENT", "50.0")
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_POSITION_PERCENT: %v", err))
	} else if !cfg.MaxPositionPercent.IsPositive() || cfg.MaxPositionPercent.GreaterThan(decimal.NewFromInt(100)) {
		errs = append(errs, "MAX_POSITION_PERCENT must be between 0 and 100")
	}

	// Risk Policy
	cfg.MaxDrawdownPercent, err = getEnvAsDecimal("MAX_DRAWDOWN_PERCENT", "4.0")
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_DRAWDOWN_PERCENT: %v", err))
	} else if !cfg.MaxDrawdownPercent.IsPositive() {
		errs = append(errs, "MAX_DRAWDOWN_PERCENT must be positive")
	}

	cfg.StartingCapital, err = getEnvAsDecimal("STARTING_CAPITAL", "0")
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid STARTING_CAPITAL: %v", err))
	} else if cfg.StartingCapital.IsNegative() {
		errs = append(errs, "STARTING_CAPITAL cannot be negative")
	}

	// Execution
	cfg.MaxSubmitAttempts = getEnvAsInt("MAX_SUBMIT_ATTEMPTS", 3)
	if cfg.MaxSubmitAttempts <= 0 {
		errs = append(errs, "MAX_SUBMIT_ATTEMPTS must be positive")
	}

	// Outbox
	outboxIntervalMillis := getEnvAsInt("OUTBOX_INTERVAL_MS", 1000)
	if outboxIntervalMillis <= 0 {
		errs = append(errs, "OUTBOX_INTERVAL_MS must be positive")
	}
	cfg.OutboxInterval = time.Duration(outboxIntervalMillis) * time.Millisecond

	cfg.OutboxBatchSize = getEnvAsInt("OUTBOX_BATCH_SIZE", 100)
	if cfg.OutboxBatchSize <= 0 {
		errs = append(errs, "OUTBOX_BATCH_SIZE must be positive")
	}

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/stopguard.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Redis
	cfg.RedisAddr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", "")
	cfg.RedisDB = getEnvAsInt("REDIS_DB", 0)

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package

	// Connection Settings
	reconnectDelaySeconds := getEnvAsInt("RECONNECT_DELAY_SECONDS", 5)
	if reconnectDelaySeconds <= 0 {
		errs = append(errs, "RECONNECT_DELAY_SECONDS must be positive")
	}
	cfg.ReconnectDelay = time.Duration(reconnectDelaySeconds) * time.Second

	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 10)
	if cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, "MAX_RECONNECT_ATTEMPTS cannot be negative")
	}

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDecimal(key, defaultValue string) (decimal.Decimal, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
