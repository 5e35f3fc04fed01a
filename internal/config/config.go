// Package config loads process configuration from the environment, seeded
// from an optional .env file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/selector"
)

// Config holds all configuration.
type Config struct {
	Server  ServerConfig
	Store   StoreConfig
	Trading TradingConfig
	Paper   PaperConfig
	Price   PriceConfig
	Quotes  QuotesConfig
	Engine  EngineConfig
	Brokers BrokerConfig
	Logging LoggingConfig
}

// ServerConfig is the HTTP listener.
type ServerConfig struct {
	Port int
}

// StoreConfig selects persistence. An empty DatabaseURL means in-memory.
type StoreConfig struct {
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration
}

// TradingConfig holds the raw mode; the selector re-reads it on every
// resolution.
type TradingConfig struct {
	Mode    string
	ModeEnv string
}

// PaperConfig sets lazily created accounts.
type PaperConfig struct {
	DefaultBalance  decimal.Decimal
	DefaultCurrency string
}

// PriceConfig controls the oracle.
type PriceConfig struct {
	CacheTTL      time.Duration
	CacheSize     int
	RetryAttempts int
	RetryDelay    time.Duration
	MockFallback  bool
}

// QuotesConfig is the live quote collaborator: a quote service at URL, or
// else the gateway of the named broker.
type QuotesConfig struct {
	URL       string
	Broker    string
	Timeout   time.Duration
	AuthToken string
}

// EngineConfig controls the matching loop.
type EngineConfig struct {
	PollInterval time.Duration
	ErrorBackoff time.Duration
}

// BrokerConfig maps broker names to gateway base URLs.
type BrokerConfig struct {
	Gateways map[string]string
	Timeout  time.Duration
}

// LoggingConfig selects slog level and handler.
type LoggingConfig struct {
	Level  string
	Format string
}

const modeEnv = "TRADING_MODE"

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not read .env file", "err", err)
	}
	return fromEnv()
}

func fromEnv() (*Config, error) {
	balance, err := getEnvAsDecimal("PAPER_DEFAULT_BALANCE", decimal.NewFromInt(50000))
	if err != nil {
		return nil, err
	}
	gateways, err := parseGateways(getEnv("BROKER_GATEWAYS", ""))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvAsInt("PORT", 8080),
		},
		Store: StoreConfig{
			DatabaseURL: getEnv("DATABASE_URL", ""),
			RedisURL:    getEnv("REDIS_URL", ""),
			CacheTTL:    getEnvAsDuration("STORE_CACHE_TTL", 30*time.Second),
		},
		Trading: TradingConfig{
			Mode:    getEnv(modeEnv, string(selector.ModeLive)),
			ModeEnv: modeEnv,
		},
		Paper: PaperConfig{
			DefaultBalance:  balance,
			DefaultCurrency: getEnv("PAPER_DEFAULT_CURRENCY", "INR"),
		},
		Price: PriceConfig{
			CacheTTL:      getEnvAsDuration("PRICE_CACHE_TTL", 5*time.Second),
			CacheSize:     getEnvAsInt("PRICE_CACHE_SIZE", 1000),
			RetryAttempts: getEnvAsInt("PRICE_RETRY_ATTEMPTS", 3),
			RetryDelay:    getEnvAsDuration("PRICE_RETRY_DELAY", 500*time.Millisecond),
			MockFallback:  getEnvAsBool("PRICE_MOCK_FALLBACK", true),
		},
		Quotes: QuotesConfig{
			URL:       getEnv("QUOTES_URL", ""),
			Broker:    strings.ToLower(getEnv("QUOTES_BROKER", "")),
			Timeout:   getEnvAsDuration("QUOTES_TIMEOUT", 3*time.Second),
			AuthToken: getEnv("QUOTES_AUTH_TOKEN", ""),
		},
		Engine: EngineConfig{
			PollInterval: getEnvAsDuration("ENGINE_POLL_INTERVAL", time.Second),
			ErrorBackoff: getEnvAsDuration("ENGINE_ERROR_BACKOFF", 5*time.Second),
		},
		Brokers: BrokerConfig{
			Gateways: gateways,
			Timeout:  getEnvAsDuration("BROKER_TIMEOUT", 10*time.Second),
		},
		Logging: LoggingConfig{
			Level:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
			Format: strings.ToLower(getEnv("LOG_FORMAT", "json")),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if _, err := selector.ParseMode(c.Trading.Mode); err != nil {
		return fmt.Errorf("%s: %w", modeEnv, err)
	}
	if !c.Paper.DefaultBalance.IsPositive() {
		return fmt.Errorf("PAPER_DEFAULT_BALANCE must be positive, got %s", c.Paper.DefaultBalance)
	}
	if c.Price.CacheTTL <= 0 {
		return fmt.Errorf("PRICE_CACHE_TTL must be positive, got %v", c.Price.CacheTTL)
	}
	if c.Price.CacheSize < 1 {
		return fmt.Errorf("PRICE_CACHE_SIZE must be at least 1, got %d", c.Price.CacheSize)
	}
	if c.Price.RetryAttempts < 1 || c.Price.RetryAttempts > 10 {
		return fmt.Errorf("PRICE_RETRY_ATTEMPTS must be between 1 and 10, got %d", c.Price.RetryAttempts)
	}
	if c.Price.RetryDelay < 0 {
		return fmt.Errorf("PRICE_RETRY_DELAY cannot be negative, got %v", c.Price.RetryDelay)
	}
	if c.Engine.PollInterval <= 0 {
		return fmt.Errorf("ENGINE_POLL_INTERVAL must be positive, got %v", c.Engine.PollInterval)
	}
	if c.Engine.ErrorBackoff <= 0 {
		return fmt.Errorf("ENGINE_ERROR_BACKOFF must be positive, got %v", c.Engine.ErrorBackoff)
	}
	if c.Quotes.Broker != "" && c.Brokers.Gateways[c.Quotes.Broker] == "" {
		return fmt.Errorf("QUOTES_BROKER %q has no entry in BROKER_GATEWAYS", c.Quotes.Broker)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.Logging.Format)
	}
	return nil
}

// SlogLevel maps LOG_LEVEL to a slog.Level, defaulting to info.
func (c LoggingConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// parseGateways reads "zerodha=http://a,angel=http://b".
func parseGateways(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, url, ok := strings.Cut(part, "=")
		name, url = strings.ToLower(strings.TrimSpace(name)), strings.TrimSpace(url)
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("BROKER_GATEWAYS: malformed entry %q, want name=url", part)
		}
		out[name] = url
	}
	return out, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("invalid integer in environment, using default", "key", key, "value", v)
	}
	return def
}

func getEnvAsBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		slog.Warn("invalid boolean in environment, using default", "key", key, "value", v)
	}
	return def
}

func getEnvAsDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		slog.Warn("invalid duration in environment, using default", "key", key, "value", v)
	}
	return def
}

func getEnvAsDecimal(key string, def decimal.Decimal) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s: invalid decimal %q", key, v)
	}
	return d, nil
}
