// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port         string
	Env          string // "development", "staging", "production"
	LogLevel     string
	LogFormat    string // "json" or "text"
	RateLimitRPM int
	CORSOrigins  []string // empty disables CORS headers

	// Storage. DatabaseURL wins; otherwise a bbolt file under DataDir.
	DatabaseURL string
	DataDir     string
	RedisURL    string // review message handles (optional)

	// Chain and relay
	BundlerURL      string
	EntryPoint      string
	ChainID         int64
	AgentPrivateKey string
	RelayTimeout    time.Duration

	// Review channels
	TelegramBotToken      string
	TelegramChatID        int64
	TelegramWebhookSecret string
	ReviewWebhookURL      string
	ReviewWebhookSecret   string
	ReviewTimeout         time.Duration // 0 disables auto-rejection

	// Access
	APIKeys     string // "name:secret[:0xgroup],..."
	AdminSecret string

	// Global limits, seeded into the pattern store when none are stored.
	MaxSingleTransfer decimal.Decimal
	MaxDailyVolume    decimal.Decimal
	AllowedHoursUTC   []int
	DefaultScreening  bool

	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultDataDir           = "./data"
	DefaultEntryPoint        = "0x0000000071727De22E5E9d8BAf0edAc6f37da032" // EntryPoint v0.7
	DefaultChainID           = 84532                                        // Base Sepolia
	DefaultRateLimitRPM      = 120
	DefaultMaxSingleTransfer = "5000"
	DefaultMaxDailyVolume    = "20000"
	DefaultAllowedHours      = "8-22"
	DefaultRelayTimeout      = 90 * time.Second
	MinRelayTimeout          = 60 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	p := &parser{}
	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		RateLimitRPM:          int(p.int64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSOrigins:           splitList(os.Getenv("CORS_ORIGINS")),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		DataDir:               getEnv("DATA_DIR", DefaultDataDir),
		RedisURL:              os.Getenv("REDIS_URL"),
		BundlerURL:            os.Getenv("BUNDLER_URL"),
		EntryPoint:            getEnv("ENTRY_POINT", DefaultEntryPoint),
		ChainID:               p.int64("CHAIN_ID", DefaultChainID),
		AgentPrivateKey:       os.Getenv("AGENT_PRIVATE_KEY"),
		RelayTimeout:          p.duration("RELAY_TIMEOUT", DefaultRelayTimeout),
		TelegramBotToken:      os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:        p.int64("TELEGRAM_CHAT_ID", 0),
		TelegramWebhookSecret: os.Getenv("TELEGRAM_WEBHOOK_SECRET"),
		ReviewWebhookURL:      os.Getenv("REVIEW_WEBHOOK_URL"),
		ReviewWebhookSecret:   os.Getenv("REVIEW_WEBHOOK_SECRET"),
		ReviewTimeout:         p.duration("REVIEW_TIMEOUT", 0),
		APIKeys:               os.Getenv("API_KEYS"),
		AdminSecret:           os.Getenv("ADMIN_SECRET"),
		MaxSingleTransfer:     p.decimal("MAX_SINGLE_TRANSFER", DefaultMaxSingleTransfer),
		MaxDailyVolume:        p.decimal("MAX_DAILY_VOLUME", DefaultMaxDailyVolume),
		AllowedHoursUTC:       p.hours("ALLOWED_HOURS_UTC", DefaultAllowedHours),
		DefaultScreening:      p.bool("DEFAULT_SCREENING", true),
		OTLPEndpoint:          os.Getenv("OTLP_ENDPOINT"),
	}
	if p.err != nil {
		return nil, p.err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and usable
func (c *Config) Validate() error {
	if c.AgentPrivateKey == "" {
		return fmt.Errorf("AGENT_PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	if len(strings.TrimPrefix(c.AgentPrivateKey, "0x")) != 64 {
		return fmt.Errorf("AGENT_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if !c.MaxSingleTransfer.IsPositive() {
		return fmt.Errorf("MAX_SINGLE_TRANSFER must be positive")
	}
	if !c.MaxDailyVolume.IsPositive() {
		return fmt.Errorf("MAX_DAILY_VOLUME must be positive")
	}
	for _, h := range c.AllowedHoursUTC {
		if h < 0 || h > 23 {
			return fmt.Errorf("ALLOWED_HOURS_UTC: hour %d outside 0..23", h)
		}
	}
	if c.RelayTimeout < MinRelayTimeout {
		return fmt.Errorf("RELAY_TIMEOUT must be at least %s, got %s", MinRelayTimeout, c.RelayTimeout)
	}
	if c.ReviewTimeout < 0 {
		return fmt.Errorf("REVIEW_TIMEOUT must not be negative")
	}
	if c.TelegramBotToken != "" && c.TelegramChatID == 0 {
		return fmt.Errorf("TELEGRAM_CHAT_ID is required with TELEGRAM_BOT_TOKEN")
	}
	if c.ReviewWebhookURL != "" && c.ReviewWebhookSecret == "" {
		return fmt.Errorf("REVIEW_WEBHOOK_SECRET is required with REVIEW_WEBHOOK_URL")
	}

	if c.IsProduction() {
		if c.BundlerURL == "" {
			return fmt.Errorf("BUNDLER_URL is required in production")
		}
		if c.APIKeys == "" {
			return fmt.Errorf("API_KEYS is required in production")
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ParseHours parses an hour set such as "8-22" (inclusive), "9,10,11" or a
// mix of both. The result is sorted and de-duplicated.
func ParseHours(s string) ([]int, error) {
	var hours []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		from, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, fmt.Errorf("bad hour %q", part)
		}
		to := from
		if isRange {
			if to, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil {
				return nil, fmt.Errorf("bad hour range %q", part)
			}
		}
		if from > to {
			return nil, fmt.Errorf("hour range %q runs backwards", part)
		}
		for h := from; h <= to; h++ {
			hours = append(hours, h)
		}
	}
	if len(hours) == 0 {
		return nil, errors.New("no hours given")
	}
	slices.Sort(hours)
	return slices.Compact(hours), nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parser keeps the first malformed setting.
type parser struct {
	err error
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%s: invalid value %q: %v", key, value, err)
	}
}

func (p *parser) int64(key string, defaultValue int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		p.fail(key, value, err)
		return defaultValue
	}
	return i
}

func (p *parser) bool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		p.fail(key, value, err)
		return defaultValue
	}
	return b
}

// duration accepts Go durations ("90s") or bare seconds ("90").
func (p *parser) duration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		p.fail(key, value, err)
		return defaultValue
	}
	return d
}

func (p *parser) decimal(key, defaultValue string) decimal.Decimal {
	value := getEnv(key, defaultValue)
	d, err := decimal.NewFromString(value)
	if err != nil {
		p.fail(key, value, err)
		return decimal.Zero
	}
	return d
}

func (p *parser) hours(key, defaultValue string) []int {
	value := getEnv(key, defaultValue)
	h, err := ParseHours(value)
	if err != nil {
		p.fail(key, value, err)
		return nil
	}
	return h
}
