// Package app wires the pairlink relay runtime: config, logging, HTTP routes,
// the WebSocket gateway and channel-record retention.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"pairlink/cmd/internal/relay"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App is the relay runtime: it owns the HTTP server, the channel store and
// the gateway in front of the router.
type App struct {
	cfg Config
	log Logger

	store relay.ChannelStore

	dbPool    *pgxpool.Pool
	dbEnabled bool

	reg     *prometheus.Registry
	metrics *httpMetrics

	router *relay.Router
	ws     *relay.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}

	hasher, err := ValidateSecurityConfig(cfg)
	if err != nil {
		return nil, err
	}

	st, dbPool, dbEnabled, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	var (
		reg      *prometheus.Registry
		relayM   *relay.Metrics
		httpM    *httpMetrics
		gwConfig = relay.LoadGatewayConfigFromEnv()
	)
	if cfg.MetricsEnabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		relayM = relay.NewMetrics(reg)
		httpM = newHTTPMetrics(reg)
	}

	router := relay.NewRouter(log, relay.NewHub(log), st,
		relay.WithHasher(hasher),
		relay.WithMetrics(relayM),
		relay.WithSendQueue(gwConfig.SendQueueSize),
	)

	log.Info("security.channel_keys", "hmac", hasher.Keyed())

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		reg:       reg,
		metrics:   httpM,
		router:    router,
		ws:        relay.NewWSGateway(log, router, gwConfig),
	}, nil
}

// Handler returns the full HTTP stack: routes plus middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.routes(mux)

	var h http.Handler = mux
	if len(a.cfg.CORSAllowedOrigins) > 0 {
		h = WithCORS(h, a.cfg, a.log)
	}
	h = WithSecurityHeaders(h)
	return withRequestLogging(h, a.log, a.metrics)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base, wsURL := relayURLs(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"http", base,
		"ws", wsURL,
		"db_enabled", a.dbEnabled,
		"metrics", a.reg != nil,
	)

	purgeCtx, stopPurge := context.WithCancel(ctx)
	defer stopPurge()
	purgeDone := make(chan struct{})
	go func() {
		defer close(purgeDone)
		a.purgeLoop(purgeCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		stopPurge()
		<-purgeDone
		a.closeStore()
		return err
	}

	stopPurge()
	<-purgeDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.closeStore()
	a.log.Info("server.stopped")
	return nil
}

// purgeLoop drops channel records nobody touched within ChannelRetention.
func (a *App) purgeLoop(ctx context.Context) {
	if a.cfg.ChannelRetention <= 0 || a.cfg.PurgeEvery <= 0 {
		return
	}
	t := time.NewTicker(a.cfg.PurgeEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.purgeOnce(ctx)
		}
	}
}

func (a *App) purgeOnce(ctx context.Context) {
	cutoff := time.Now().Add(-a.cfg.ChannelRetention)
	n, err := a.store.PurgeBefore(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			a.log.Warn("relay.purge.fail", "err", err)
		}
		return
	}
	if n > 0 {
		a.log.Info("relay.purge", "removed", n, "cutoff", cutoff)
	}
}

func (a *App) closeStore() {
	if err := a.store.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore decides between the Postgres channel store and the in-memory one.
// The app owns the pool; PostgresStore.Close is a no-op.
func newStore(ctx context.Context, cfg Config, log Logger) (relay.ChannelStore, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return relay.NewInMemoryStore(), nil, false, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, err
	}

	st, err := relay.NewPostgresStore(pool, relay.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, err
	}

	schemaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := st.EnsureSchema(schemaCtx); err != nil {
		pool.Close()
		return nil, nil, false, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return st, pool, true, nil
}

// wsPath is where wallets and dapps dial the relay.
const wsPath = "/ws"

// relayURLs returns the base URL a local client reaches addr on and the
// WebSocket endpoint to hand to pairing clients.
func relayURLs(addr string) (base, ws string) {
	base = runtimeBaseURL(addr)
	return base, wsBaseURL(base) + wsPath
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
// Wildcard binds are reported as loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// wsBaseURL maps an http(s) base URL onto ws(s). Bare hosts get ws://.
func wsBaseURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "ws://"), strings.HasPrefix(base, "wss://"):
		return base
	default:
		return "ws://" + base
	}
}
