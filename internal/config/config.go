// Package config loads runtime configuration from defaults, an optional
// config file, and XIANGQI_* environment variables, in increasing priority.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the game server.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Admin   AdminConfig   `mapstructure:"admin"`
	DB      DBConfig      `mapstructure:"db"`
	Game    GameConfig    `mapstructure:"game"`
	Limits  LimitsConfig  `mapstructure:"limits"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig contains network settings for the TCP game listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	SendChannelSize int           `mapstructure:"send_channel_size"`
}

// AdminConfig controls the HTTP side: health, stats, the WebSocket bridge,
// and the Prometheus endpoint.
type AdminConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	WSPath     string `mapstructure:"ws_path"`
}

// DBConfig locates the SQLite database.
type DBConfig struct {
	Path string `mapstructure:"path"`
}

// GameConfig holds match rules.
type GameConfig struct {
	InitialTimeMs   int64         `mapstructure:"initial_time_ms"`
	KFactor         int           `mapstructure:"k_factor"`
	RatingTolerance int           `mapstructure:"rating_tolerance"`
	MatchRetention  time.Duration `mapstructure:"match_retention"`
}

// LimitsConfig carries every capacity bound the server enforces.
type LimitsConfig struct {
	MaxConnections int `mapstructure:"max_connections"`
	MaxSessions    int `mapstructure:"max_sessions"`
	MaxReady       int `mapstructure:"max_ready"`
	MaxRooms       int `mapstructure:"max_rooms"`
	MaxChallenges  int `mapstructure:"max_challenges"`
	MaxMatches     int `mapstructure:"max_matches"`
	MaxMoves       int `mapstructure:"max_moves"`
	MaxSpectators  int `mapstructure:"max_spectators"`
	PersistWorkers int `mapstructure:"persist_workers"`
}

// LoggingConfig controls slog level and format.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// Addr returns the host:port the TCP listener binds.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Load reads configuration from environment variables and an optional
// xiangqi.{yaml,toml,json} file in the working directory or ./config.
// Extra search directories take priority over the defaults.
func Load(extraPaths ...string) (Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9090)
	v.SetDefault("server.read_timeout", 5*time.Minute)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.send_channel_size", 64)

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.listen_addr", ":9091")
	v.SetDefault("admin.ws_path", "/ws")

	v.SetDefault("db.path", "xiangqi.db")

	v.SetDefault("game.initial_time_ms", int64(10*60*1000))
	v.SetDefault("game.k_factor", 32)
	v.SetDefault("game.rating_tolerance", 200)
	v.SetDefault("game.match_retention", time.Hour)

	v.SetDefault("limits.max_connections", 1000)
	v.SetDefault("limits.max_sessions", 1000)
	v.SetDefault("limits.max_ready", 128)
	v.SetDefault("limits.max_rooms", 100)
	v.SetDefault("limits.max_challenges", 100)
	v.SetDefault("limits.max_matches", 500)
	v.SetDefault("limits.max_moves", 300)
	v.SetDefault("limits.max_spectators", 64)
	v.SetDefault("limits.persist_workers", 2)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", false)

	v.SetConfigName("xiangqi")
	for _, p := range extraPaths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("XIANGQI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file is optional.
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if cfg.Server.SendChannelSize <= 0 {
		cfg.Server.SendChannelSize = 64
	}
	if cfg.Limits.PersistWorkers <= 0 {
		cfg.Limits.PersistWorkers = 2
	}
	if cfg.Game.InitialTimeMs <= 0 {
		return Config{}, fmt.Errorf("game.initial_time_ms must be positive, got %d", cfg.Game.InitialTimeMs)
	}
	return cfg, nil
}
