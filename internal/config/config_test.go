package config

import (
	"testing"
	"time"
)

func TestLoadDevDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DailyPlacementLimit != 3 {
		t.Fatalf("expected daily limit 3 got %d", cfg.DailyPlacementLimit)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("unexpected address %s", cfg.Address())
	}
}

func TestLoadRequiresStoresOutsideDev(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "redis://localhost:6379")

	if _, err := Load(); err == nil {
		t.Fatalf("expected DATABASE_URL error")
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "local")
	t.Setenv("SHUTDOWN_TIMEOUT_SECONDS", "3")
	t.Setenv("SETTLEMENT_INTERVAL", "1m")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("DAILY_PLACEMENT_LIMIT", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ShutdownPeriod != 3*time.Second {
		t.Fatalf("shutdown %s", cfg.ShutdownPeriod)
	}
	if cfg.SettlementInterval != time.Minute {
		t.Fatalf("interval %s", cfg.SettlementInterval)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b:9092" {
		t.Fatalf("brokers %v", cfg.KafkaBrokers)
	}
	if cfg.DailyPlacementLimit != 5 {
		t.Fatalf("limit %d", cfg.DailyPlacementLimit)
	}

	t.Setenv("DAILY_PLACEMENT_LIMIT", "many")
	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}
