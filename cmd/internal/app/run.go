package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Run serves the relay described by cfg until ctx ends or the process gets
// SIGINT/SIGTERM. Errors are returned so callers keep their defers.
func Run(ctx context.Context, cfg Config) error {
	log := NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	logConfig(log, cfg)

	a, err := New(cfg, log)
	if err != nil {
		log.Error("relay.init.fail", "store", storeKind(cfg), "err", err)
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}

// logConfig records the effective settings once at startup.
func logConfig(log Logger, cfg Config) {
	log.Info("config.loaded",
		"addr", cfg.HTTPAddr,
		"log_format", cfg.LogFormat,
		"store", storeKind(cfg),
		"db", dbHost(cfg.DatabaseURL),
		"db_schema", cfg.DBSchema,
		"require_channel_hmac", cfg.RequireChannelHMAC,
		"channel_retention", cfg.ChannelRetention,
		"purge_every", cfg.PurgeEvery,
		"metrics", cfg.MetricsEnabled,
		"cors_origins", len(cfg.CORSAllowedOrigins),
	)
}
