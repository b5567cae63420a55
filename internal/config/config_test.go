package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr() != "0.0.0.0:9090" {
		t.Errorf("default addr = %q", cfg.Server.Addr())
	}
	if cfg.Game.InitialTimeMs != 10*60*1000 {
		t.Errorf("initial time = %d, want 600000", cfg.Game.InitialTimeMs)
	}
	if cfg.Game.KFactor != 32 || cfg.Game.RatingTolerance != 200 {
		t.Errorf("rating params = K%d tol%d", cfg.Game.KFactor, cfg.Game.RatingTolerance)
	}
	if cfg.Limits.MaxSessions != 1000 || cfg.Limits.MaxReady != 128 {
		t.Errorf("limits = %+v", cfg.Limits)
	}
	if cfg.Game.MatchRetention != time.Hour {
		t.Errorf("retention = %v", cfg.Game.MatchRetention)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("XIANGQI_SERVER_PORT", "1234")
	t.Setenv("XIANGQI_GAME_K_FACTOR", "16")
	t.Setenv("XIANGQI_LIMITS_MAX_ROOMS", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 1234 {
		t.Errorf("port = %d, want 1234", cfg.Server.Port)
	}
	if cfg.Game.KFactor != 16 {
		t.Errorf("k factor = %d, want 16", cfg.Game.KFactor)
	}
	if cfg.Limits.MaxRooms != 7 {
		t.Errorf("max rooms = %d, want 7", cfg.Limits.MaxRooms)
	}
}

func TestLoadRejectsNonPositiveClock(t *testing.T) {
	t.Setenv("XIANGQI_GAME_INITIAL_TIME_MS", "0")
	if _, err := Load(); err == nil {
		t.Error("zero initial clock accepted")
	}
}
