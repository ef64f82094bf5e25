package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("defaults must load: %v", err)
	}
	if cfg.GeoBackend != GeoMemory || cfg.LockTimeout != 3*time.Second || cfg.RequestTimeout != 10*time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestWeightsMustSumToOne(t *testing.T) {
	t.Setenv("MATCH_WEIGHT_DISTANCE", "0.9")
	_, err := LoadServerConfig()
	if err == nil || !strings.Contains(err.Error(), "sum to 1.0") {
		t.Fatalf("expected weight sum error, got %v", err)
	}
}

func TestCustomWeights(t *testing.T) {
	t.Setenv("MATCH_WEIGHT_DISTANCE", "0.5")
	t.Setenv("MATCH_WEIGHT_TRUST", "0.2")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Weights.Distance != 0.5 || cfg.Weights.Trust != 0.2 {
		t.Fatalf("unexpected weights %+v", cfg.Weights)
	}
}

func TestErrorsAreJoined(t *testing.T) {
	t.Setenv("LOCK_TIMEOUT", "soon")
	t.Setenv("MATCHER_TOP_N", "x")
	t.Setenv("GEO_BACKEND", "redis")
	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"LOCK_TIMEOUT", "MATCHER_TOP_N", "REDIS_ADDR"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %s in %v", want, err)
		}
	}
}

func TestMemoryGeoRejectsDatabase(t *testing.T) {
	t.Setenv("PG_DSN", "postgres://localhost/pm")
	t.Setenv("GEO_BACKEND", "memory")
	if _, err := LoadServerConfig(); err == nil || !strings.Contains(err.Error(), "GEO_BACKEND=memory") {
		t.Fatalf("expected memory backend to be rejected with PG_DSN, got %v", err)
	}

	t.Setenv("GEO_BACKEND", "")
	cfg, err := LoadServerConfig()
	if err != nil || cfg.GeoBackend != GeoPostgres {
		t.Fatalf("expected postgres auto-selected, got %q %v", cfg.GeoBackend, err)
	}
}

func TestTopicDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil || cfg.KafkaTopic != "booking-events" {
		t.Fatalf("expected booking-events topic, got %q %v", cfg.KafkaTopic, err)
	}
	ccfg, err := LoadConsumerConfig()
	if err != nil || ccfg.KafkaTopic != "listing-updates" {
		t.Fatalf("expected listing-updates topic, got %q %v", ccfg.KafkaTopic, err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ".env")
	if err := os.WriteFile(p, []byte("PM_DOTENV_VALUE=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PM_DOTENV_VALUE", "")
	os.Unsetenv("PM_DOTENV_VALUE")
	if err := LoadDotEnv(p); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("PM_DOTENV_VALUE"); got != "from-file" {
		t.Fatalf("expected value from .env, got %q", got)
	}
	if err := LoadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing file must be ignored: %v", err)
	}
}
