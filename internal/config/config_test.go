package config

import (
	"testing"

	"metal-sentinel/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("PRICE_POLL_SECS", "")
	t.Setenv("MAX_ALERTS_PER_HOUR", "")

	cfg := Load()
	if cfg.RedisURL != "localhost:6379" {
		t.Fatalf("expected default redis url, got %s", cfg.RedisURL)
	}
	if cfg.PricePollSecs != 30 {
		t.Fatalf("expected default poll secs 30, got %d", cfg.PricePollSecs)
	}
	if cfg.MaxAlertsPerHour != 50 {
		t.Fatalf("expected default alert cap 50, got %d", cfg.MaxAlertsPerHour)
	}
	if cfg.OpenAIModel != "gpt-4o-mini" {
		t.Fatalf("expected default model, got %s", cfg.OpenAIModel)
	}
}

func TestLoadWithEnv(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "token")
	t.Setenv("TELEGRAM_CHAT_ID", "-100123")
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("REDIS_URL", "redis:6379")
	t.Setenv("PRICE_POLL_SECS", "120")

	cfg := Load()
	if cfg.TelegramBotToken != "token" || cfg.DatabaseURL != "postgres://example" || cfg.RedisURL != "redis:6379" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.TelegramChatID != -100123 {
		t.Fatalf("expected chat id -100123, got %d", cfg.TelegramChatID)
	}
	if cfg.PricePollSecs != 120 {
		t.Fatalf("expected poll secs 120, got %d", cfg.PricePollSecs)
	}

	t.Setenv("PRICE_POLL_SECS", "bad")
	cfg = Load()
	if cfg.PricePollSecs != 30 {
		t.Fatalf("invalid poll secs should fall back to default, got %d", cfg.PricePollSecs)
	}
}

func TestDefaultAlertTiersOrderedTightestFirst(t *testing.T) {
	tiers := DefaultAlertTiers()
	if len(tiers) != 3 {
		t.Fatalf("expected 3 tiers, got %d", len(tiers))
	}
	for i := 1; i < len(tiers); i++ {
		if tiers[i].TimeframeMinutes <= tiers[i-1].TimeframeMinutes {
			t.Fatalf("tiers not sorted by ascending timeframe: %+v", tiers)
		}
	}
	if tiers[0].Severity != domain.SeverityCritical || tiers[0].PercentChange != 2.0 {
		t.Fatalf("unexpected tightest tier: %+v", tiers[0])
	}
}

func TestDefaultSanityBandsCoverAllClasses(t *testing.T) {
	bands := DefaultSanityBands()
	for _, class := range []domain.MetalClass{domain.ClassPrecious, domain.ClassIndustrial, domain.ClassStrategic} {
		band, ok := bands[class]
		if !ok {
			t.Fatalf("missing band for class %s", class)
		}
		if band.Min <= 0 || band.Max <= band.Min {
			t.Fatalf("degenerate band for class %s: %+v", class, band)
		}
	}
}
