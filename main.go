package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"xiangqi/server/internal/config"
	"xiangqi/server/internal/httpapi"
	"xiangqi/server/internal/metrics"
	"xiangqi/server/internal/server"
	"xiangqi/server/internal/store"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	addr := flag.String("addr", "", "Game listen address (overrides config)")
	adminAddr := flag.String("admin", "", "Admin HTTP listen address (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	configDir := flag.String("config", "", "Extra config search directory")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	var extra []string
	if *configDir != "" {
		extra = append(extra, *configDir)
	}
	cfg, err := config.Load(extra...)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	if *addr != "" {
		host, port, splitErr := net.SplitHostPort(*addr)
		portNum, convErr := strconv.Atoi(port)
		if splitErr != nil || convErr != nil {
			slog.Error("invalid -addr", "addr", *addr)
			os.Exit(1)
		}
		cfg.Server.Host, cfg.Server.Port = host, portNum
	}
	if *adminAddr != "" {
		cfg.Admin.ListenAddr = *adminAddr
	}
	if *dbPath != "" {
		cfg.DB.Path = *dbPath
	}

	if RunCLI(flag.Args(), cfg.DB.Path) {
		return
	}

	log := newLogger(cfg.Logging, *debug)
	slog.SetDefault(log)

	log.Info("starting server", "version", Version, "addr", cfg.Server.Addr(), "db", cfg.DB.Path)

	st, err := store.New(cfg.DB.Path)
	if err != nil {
		log.Error("open store", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			log.Error("close store", "err", closeErr)
		}
	}()

	reg := metrics.NewRegistry()
	core := server.NewCore(cfg, log, st, st, reg)
	defer core.Close()

	srv, err := server.NewServer(core)
	if err != nil {
		log.Error("bind game listener", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Admin.Enabled {
		api := httpapi.New(core, st, reg)
		go func() {
			if err := api.Run(ctx, cfg.Admin.ListenAddr); err != nil {
				log.Error("admin server error", "err", err)
			}
		}()
		log.Info("admin listening", "addr", cfg.Admin.ListenAddr)
	}

	if err := srv.Run(ctx); err != nil {
		log.Error("server error", "err", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func newLogger(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.JSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
