package config

import (
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"metal-sentinel/internal/domain"
)

// PriceBand is the admissible price range for an instrument class.
// Observations outside the band are rejected during fusion.
type PriceBand struct {
	Min float64
	Max float64
}

type Config struct {
	TelegramBotToken string
	TelegramChatID   int64
	DatabaseURL      string
	RedisURL         string

	OpenAIAPIKey string
	OpenAIModel  string

	PricePollSecs     int
	TechnicalPollMins int
	CalendarPollMins  int

	HistoryRetentionHours   int // in-memory rolling window
	HistoryStorageHours     int // persisted history used for level derivation
	ProximityPercent        float64
	SuspiciousChangePercent float64
	TouchTolerancePercent   float64

	MaxAlertsPerHour   int
	MaxLLMCallsPerDay  int
	LLMCriticalReserve int
	LLMCallTimeoutSecs int

	FetchTimeoutSecs int
	RetryAttempts    int
	RetryBaseDelay   time.Duration

	WhaleThresholdUSD float64

	AlertTiers  []domain.AlertTier
	SanityBands map[domain.MetalClass]PriceBand
}

func Load() *Config {
	cfg := &Config{
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
	}

	if cfg.TelegramBotToken == "" {
		log.Println("Warning: TELEGRAM_BOT_TOKEN not set, alert dispatch disabled")
	}
	if cfg.DatabaseURL == "" {
		log.Println("Warning: DATABASE_URL not set")
	}
	if cfg.RedisURL == "" {
		log.Println("Warning: REDIS_URL not set, defaulting to localhost:6379")
		cfg.RedisURL = "localhost:6379"
	}
	if cfg.OpenAIAPIKey == "" {
		log.Println("Warning: OPENAI_API_KEY not set, alert enrichment disabled")
	}

	if v := strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.TelegramChatID = n
		}
	}

	cfg.OpenAIModel = strings.TrimSpace(os.Getenv("OPENAI_MODEL"))
	if cfg.OpenAIModel == "" {
		cfg.OpenAIModel = "gpt-4o-mini"
	}

	cfg.PricePollSecs = envInt("PRICE_POLL_SECS", 30)
	cfg.TechnicalPollMins = envInt("TECHNICAL_POLL_MINS", 5)
	cfg.CalendarPollMins = envInt("CALENDAR_POLL_MINS", 30)

	cfg.HistoryRetentionHours = envInt("HISTORY_RETENTION_HOURS", 48)
	cfg.HistoryStorageHours = envInt("HISTORY_STORAGE_HOURS", 24*7*52)
	cfg.ProximityPercent = envFloat("TECHNICAL_PROXIMITY_PERCENT", 0.3)
	cfg.SuspiciousChangePercent = envFloat("SUSPICIOUS_CHANGE_PERCENT", 20)
	cfg.TouchTolerancePercent = envFloat("TOUCH_TOLERANCE_PERCENT", 0.5)

	cfg.MaxAlertsPerHour = envInt("MAX_ALERTS_PER_HOUR", 50)
	cfg.MaxLLMCallsPerDay = envInt("MAX_LLM_CALLS_PER_DAY", 1000)
	cfg.LLMCriticalReserve = envInt("LLM_CRITICAL_RESERVE", 100)
	cfg.LLMCallTimeoutSecs = envInt("LLM_CALL_TIMEOUT_SECS", 60)

	cfg.FetchTimeoutSecs = envInt("FETCH_TIMEOUT_SECS", 30)
	cfg.RetryAttempts = envInt("RETRY_ATTEMPTS", 3)
	cfg.RetryBaseDelay = time.Duration(envInt("RETRY_BASE_DELAY_SECS", 30)) * time.Second

	cfg.WhaleThresholdUSD = envFloat("WHALE_THRESHOLD_USD", 1_000_000)

	cfg.AlertTiers = DefaultAlertTiers()
	cfg.SanityBands = DefaultSanityBands()

	return cfg
}

// DefaultAlertTiers returns the price-change tiers sorted tightest timeframe
// first; CheckPriceAlerts relies on that ordering.
func DefaultAlertTiers() []domain.AlertTier {
	tiers := []domain.AlertTier{
		{Severity: domain.SeverityCritical, TimeframeMinutes: 15, PercentChange: 2.0},
		{Severity: domain.SeverityImportant, TimeframeMinutes: 60, PercentChange: 1.0},
		{Severity: domain.SeverityInfo, TimeframeMinutes: 1440, PercentChange: 0.5},
	}
	sort.Slice(tiers, func(i, j int) bool {
		return tiers[i].TimeframeMinutes < tiers[j].TimeframeMinutes
	})
	return tiers
}

// DefaultSanityBands are deliberately wide; they exist to drop garbage
// parses (a $0.02 gold quote), not to second-guess real market moves.
func DefaultSanityBands() map[domain.MetalClass]PriceBand {
	return map[domain.MetalClass]PriceBand{
		domain.ClassPrecious:   {Min: 5, Max: 100_000},
		domain.ClassIndustrial: {Min: 0.1, Max: 100_000},
		domain.ClassStrategic:  {Min: 1, Max: 10_000},
	}
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 {
			return n
		}
	}
	return def
}
