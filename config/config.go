package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/adapters/logger"
)

// Config holds all application configuration.
type Config struct {
	// Bybit API
	BybitAPIKey    string
	BybitAPISecret string
	BybitTestnet   bool

	// Binance API (optional; exchange is skipped when keys are absent)
	BinanceAPIKey    string
	BinanceAPISecret string
	BinanceTestnet   bool
	BinanceSymbols   []string // markets walked for trade history

	// Hyperliquid (read-only; wallet address is the only credential)
	HyperliquidWalletAddress string

	// Cache
	DBPath         string // empty disables the SQLite cache
	CacheFreshness time.Duration
	RequestTimeout time.Duration

	// HTTP
	HTTPAddr string

	// Logging
	LogLevel logger.LogLevel
}

// BybitEnabled reports whether Bybit credentials are configured.
func (c *Config) BybitEnabled() bool {
	return c.BybitAPIKey != "" && c.BybitAPISecret != ""
}

// BinanceEnabled reports whether Binance credentials are configured.
func (c *Config) BinanceEnabled() bool {
	return c.BinanceAPIKey != "" && c.BinanceAPISecret != ""
}

// HyperliquidEnabled reports whether a Hyperliquid wallet is configured.
func (c *Config) HyperliquidEnabled() bool {
	return c.HyperliquidWalletAddress != ""
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var errs []string // Collect validation errors

	// Bybit API
	cfg.BybitAPIKey = getEnv("BYBIT_API_KEY", "")
	cfg.BybitAPISecret = getEnv("BYBIT_API_SECRET", "")
	cfg.BybitTestnet = getEnvAsBool("BYBIT_TESTNET", false)

	// Binance API
	cfg.BinanceAPIKey = getEnv("BINANCE_API_KEY", "")
	cfg.BinanceAPISecret = getEnv("BINANCE_API_SECRET", "")
	cfg.BinanceTestnet = getEnvAsBool("BINANCE_TESTNET", false)
	if symbols := getEnv("BINANCE_SYMBOLS", ""); symbols != "" {
		for _, s := range strings.Split(symbols, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.BinanceSymbols = append(cfg.BinanceSymbols, strings.ToUpper(s))
			}
		}
	}

	// Hyperliquid
	cfg.HyperliquidWalletAddress = getEnv("HYPERLIQUID_WALLET_ADDRESS", "")

	// At least one exchange must be usable.
	if !cfg.BybitEnabled() && !cfg.BinanceEnabled() && !cfg.HyperliquidEnabled() {
		errs = append(errs, "no exchange configured: set BYBIT_API_KEY/BYBIT_API_SECRET, BINANCE_API_KEY/BINANCE_API_SECRET, or HYPERLIQUID_WALLET_ADDRESS")
	}
	if cfg.BinanceEnabled() && len(cfg.BinanceSymbols) == 0 {
		errs = append(errs, "BINANCE_SYMBOLS must be set when Binance keys are configured (Binance has no account-wide trade history endpoint)")
	}

	// Cache. An empty DB_PATH is valid: the cache degrades to live-only.
	cfg.DBPath = getEnv("DB_PATH", "./data/trades_cache.db")

	freshnessMinutes := getEnvAsInt("CACHE_FRESHNESS_MINUTES", 5)
	if freshnessMinutes <= 0 {
		errs = append(errs, "CACHE_FRESHNESS_MINUTES must be positive")
	}
	cfg.CacheFreshness = time.Duration(freshnessMinutes) * time.Minute

	timeoutSeconds := getEnvAsInt("REQUEST_TIMEOUT_SECONDS", 30)
	if timeoutSeconds <= 0 {
		errs = append(errs, "REQUEST_TIMEOUT_SECONDS must be positive")
	}
	cfg.RequestTimeout = time.Duration(timeoutSeconds) * time.Second

	// HTTP
	cfg.HTTPAddr = getEnv("HTTP_ADDR", ":8080")

	// Logging
	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))

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
