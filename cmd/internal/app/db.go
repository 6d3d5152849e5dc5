package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	dbApplicationName = "pairrelay"
	dbHealthCheck     = 30 * time.Second
	dbStartupPing     = 3 * time.Second
	dbReadyPing       = 2 * time.Second
)

// NewDBPool opens the pool behind the Postgres channel store and makes one
// round trip before returning it. The stores create their own tables.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("app: parse database url: %w", err)
	}
	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 && cfg.DBMinConns <= pcfg.MaxConns {
		pcfg.MinConns = cfg.DBMinConns
	}
	pcfg.HealthCheckPeriod = dbHealthCheck
	if _, ok := pcfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		pcfg.ConnConfig.RuntimeParams["application_name"] = dbApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("app: open database pool: %w", err)
	}
	if err := pingDB(ctx, pool, dbStartupPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("app: database unreachable at %s: %w", dbHost(cfg.DatabaseURL), err)
	}
	return pool, nil
}

// pingDB does a server round trip within timeout.
func pingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return pool.Ping(ctx)
}

// dbHost reports host:port/database of a database URL for logs. Credentials and
// query parameters never leave this function.
func dbHost(databaseURL string) string {
	if databaseURL == "" {
		return ""
	}
	pcfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return "invalid"
	}
	cc := pcfg.ConnConfig
	return fmt.Sprintf("%s:%d/%s", cc.Host, cc.Port, cc.Database)
}

// storeKind names the channel store cfg selects.
func storeKind(cfg Config) string {
	if cfg.DatabaseURL == "" {
		return "memory"
	}
	return "postgres"
}
