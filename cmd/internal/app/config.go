package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string
	// LogFormat is "json" (default) or "pretty" for local terminals.
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// If true, PAIRLINK_CHANNEL_HMAC_KEY MUST be set (>= 32 bytes) and channel
	// ids are keyed with HMAC before they reach storage.
	RequireChannelHMAC bool

	// Channel records untouched for ChannelRetention are purged every PurgeEvery.
	ChannelRetention time.Duration
	PurgeEvery       time.Duration

	MetricsEnabled bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  envString("PAIRLINK_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  envString("PAIRLINK_LOG_LEVEL", "info"),
		LogFormat: envString("PAIRLINK_LOG_FORMAT", "json"),

		ReadHeaderTimeout: envDuration("PAIRLINK_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       envDuration("PAIRLINK_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      envDuration("PAIRLINK_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       envDuration("PAIRLINK_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: envInt("PAIRLINK_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: envString("PAIRLINK_DATABASE_URL", ""),
		DBMaxConns:  envInt32("PAIRLINK_DB_MAX_CONNS", 10),
		DBMinConns:  envInt32("PAIRLINK_DB_MIN_CONNS", 0),
		DBSchema:    envString("PAIRLINK_DB_SCHEMA", "pairlink"),

		ReadinessRequireDB: envBool("PAIRLINK_READINESS_REQUIRE_DB", false),
		RequireChannelHMAC: envBool("PAIRLINK_REQUIRE_CHANNEL_HMAC", false),

		ChannelRetention: envDuration("PAIRLINK_CHANNEL_RETENTION", 30*24*time.Hour),
		PurgeEvery:       envDuration("PAIRLINK_PURGE_INTERVAL", time.Hour),

		MetricsEnabled: envBool("PAIRLINK_METRICS_ENABLED", true),

		CORSAllowedOrigins:   envCSV("PAIRLINK_CORS_ALLOWED_ORIGINS"),
		CORSAllowCredentials: envBool("PAIRLINK_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    envInt("PAIRLINK_CORS_MAX_AGE_SECONDS", 600),
	}
}
