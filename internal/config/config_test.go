package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SLOT_DURATION", "")
	t.Setenv("PULL_BURST", "")

	cfg := Load()
	if cfg.SlotDuration != 5*time.Minute {
		t.Errorf("SlotDuration = %v, want 5m", cfg.SlotDuration)
	}
	if cfg.PullBurst != 3 {
		t.Errorf("PullBurst = %d, want 3", cfg.PullBurst)
	}
	if !cfg.RateLimitEnabled {
		t.Error("rate limiting should default on")
	}
	if cfg.OptimizerEnabled {
		t.Error("optimizer should default off")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SLOT_DURATION", "90s")
	t.Setenv("GRACE_SLOTS", "2")
	t.Setenv("MIN_RATE", "0.25")
	t.Setenv("RATE_LIMIT_ENABLED", "false")

	cfg := Load()
	if cfg.SlotDuration != 90*time.Second {
		t.Errorf("SlotDuration = %v, want 90s", cfg.SlotDuration)
	}
	if cfg.GraceSlots != 2 {
		t.Errorf("GraceSlots = %d, want 2", cfg.GraceSlots)
	}
	if cfg.MinRate != 0.25 {
		t.Errorf("MinRate = %v, want 0.25", cfg.MinRate)
	}
	if cfg.RateLimitEnabled {
		t.Error("RateLimitEnabled should be off")
	}
}

func TestEnvDurationAcceptsSeconds(t *testing.T) {
	t.Setenv("SWEEP_INTERVAL", "45")
	if got := Load().SweepInterval; got != 45*time.Second {
		t.Errorf("SweepInterval = %v, want 45s", got)
	}
}

func TestEnvParseFallsBackOnGarbage(t *testing.T) {
	t.Setenv("SHARD_COUNT", "many")
	t.Setenv("DEMAND_DEFAULT", "lots")
	cfg := Load()
	if cfg.ShardCount != 8 {
		t.Errorf("ShardCount = %d, want default 8", cfg.ShardCount)
	}
	if cfg.DemandDefault != 0.5 {
		t.Errorf("DemandDefault = %v, want default 0.5", cfg.DemandDefault)
	}
}
