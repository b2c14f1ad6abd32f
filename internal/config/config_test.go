package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PresenceTTL != 120*time.Second || cfg.SweepInterval != 180*time.Second {
		t.Fatalf("presence defaults = %s/%s", cfg.PresenceTTL, cfg.SweepInterval)
	}
	if cfg.DispatchRadiusMeters != 5000 {
		t.Fatalf("radius = %v", cfg.DispatchRadiusMeters)
	}
	if cfg.EventTTL != 24*time.Hour || cfg.RetryAfter != 5*time.Second || cfg.PollInterval != time.Second {
		t.Fatalf("event defaults = %s/%s/%s", cfg.EventTTL, cfg.RetryAfter, cfg.PollInterval)
	}
	if cfg.PaymentTimeout != 200*time.Second || cfg.PaymentRecheck != 240*time.Second {
		t.Fatalf("payment watchdog defaults = %s/%s", cfg.PaymentTimeout, cfg.PaymentRecheck)
	}
	if cfg.FindingDriverTimeout != 300*time.Second {
		t.Fatalf("finding driver timeout = %s", cfg.FindingDriverTimeout)
	}
	if cfg.TaskBackend != "local" || cfg.BroadcastBackend != "local" {
		t.Fatalf("backends = %s/%s", cfg.TaskBackend, cfg.BroadcastBackend)
	}
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("TASK_BACKEND", "kafka")
	t.Setenv("PRESENCE_TTL", "90s")
	t.Setenv("MIGRATE", "true")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("brokers = %v", cfg.KafkaBrokers)
	}
	if cfg.PresenceTTL != 90*time.Second {
		t.Fatalf("presence ttl = %s", cfg.PresenceTTL)
	}
	if !cfg.RunMigrations || cfg.LogLevel != "debug" {
		t.Fatalf("migrate=%v level=%s", cfg.RunMigrations, cfg.LogLevel)
	}
}

func TestValidateAggregatesErrors(t *testing.T) {
	t.Setenv("TASK_BACKEND", "kafka")
	t.Setenv("BROADCAST_BACKEND", "nats")
	t.Setenv("DISPATCH_RADIUS_METERS", "0")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"KAFKA_BROKERS", "NATS_URL", "DISPATCH_RADIUS_METERS"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error %q does not mention %s", msg, want)
		}
	}
}
