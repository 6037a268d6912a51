package config

import (
	"strings"
	"testing"
	"time"

	"github.com/example/driver-dispatch/internal/models"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("defaults should load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.Freshness != 10*time.Minute || cfg.SilenceThreshold != 2*time.Minute {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.SearchRounds != 2 || cfg.ReofferBatch != 5 || cfg.ReofferFanout != 3 {
		t.Fatalf("unexpected dispatch defaults %+v", cfg)
	}
	if got := cfg.Policy().Tier(models.PriorityUrgent); got.RadiusKm != 25 || got.MinRating != 3 {
		t.Fatalf("unexpected urgent tier %+v", got)
	}
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("DISPATCH_HIGH_RADIUS_KM", "18")
	t.Setenv("SCORE_URGENT_BONUS", "30")
	t.Setenv("SAFETYNET_SILENCE", "90s")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092 ,")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Policy().Tier(models.PriorityHigh).RadiusKm != 18 {
		t.Fatalf("high radius override ignored")
	}
	if cfg.Weights().PriorityBonus[models.PriorityUrgent] != 30 {
		t.Fatalf("urgent bonus override ignored")
	}
	if cfg.SilenceThreshold != 90*time.Second {
		t.Fatalf("silence override ignored: %v", cfg.SilenceThreshold)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
}

func TestLoadServerConfigRejectsShrinkingRadius(t *testing.T) {
	t.Setenv("DISPATCH_URGENT_RADIUS_KM", "5")
	t.Setenv("DISPATCH_SEARCH_ROUNDS", "0")
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	_, err := LoadServerConfig()
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	msg := err.Error()
	for _, want := range []string{"radius", "DISPATCH_SEARCH_ROUNDS", "HTTP_READ_TIMEOUT"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in %q", want, msg)
		}
	}
}

func TestWeightsReturnsCopy(t *testing.T) {
	cfg, _ := LoadServerConfig()
	w := cfg.Weights()
	w.PriorityBonus[models.PriorityHigh] = 99
	if cfg.Weights().PriorityBonus[models.PriorityHigh] == 99 {
		t.Fatalf("Weights must not share its bonus map")
	}
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("PG_DSN", "")
	if _, err := LoadConsumerConfig(); err == nil {
		t.Fatalf("consumer needs PG_DSN")
	}
	t.Setenv("PG_DSN", "postgres://localhost/dispatch")
	t.Setenv("KAFKA_BROKER", "k:9092")
	cfg, err := LoadConsumerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.KafkaBrokers[0] != "k:9092" || cfg.Retries != 3 {
		t.Fatalf("unexpected consumer config %+v", cfg)
	}
}
