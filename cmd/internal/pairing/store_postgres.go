package pairing

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// The caller owns the pool; Close is a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "pairlink").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("pairing: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("pairing: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "pairlink"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("pairing: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the pairing_sessions table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, SessionSchemaSQL(s.schema)); err != nil {
		return fmt.Errorf("pairing: ensure schema: %w", err)
	}
	return nil
}

const sessionColumns = `channel_id, valid_until, local_key, other_key, relay_persistence, last_active`

func (s *PostgresStore) Get(ctx context.Context, channelID string) (SessionConfig, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+`
		   FROM `+pgIdent(s.schema, "pairing_sessions")+`
		  WHERE channel_id = $1`,
		channelID,
	)
	return scanSession(row)
}

func (s *PostgresStore) Latest(ctx context.Context) (SessionConfig, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+`
		   FROM `+pgIdent(s.schema, "pairing_sessions")+`
		  ORDER BY valid_until DESC
		  LIMIT 1`,
	)
	return scanSession(row)
}

func (s *PostgresStore) Put(ctx context.Context, cfg SessionConfig) error {
	if cfg.ChannelID == "" {
		return errors.New("pairing: empty channel id")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "pairing_sessions")+` (`+sessionColumns+`, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (channel_id) DO UPDATE
		    SET valid_until       = EXCLUDED.valid_until,
		        local_key         = EXCLUDED.local_key,
		        other_key         = EXCLUDED.other_key,
		        relay_persistence = EXCLUDED.relay_persistence,
		        last_active       = EXCLUDED.last_active,
		        updated_at        = now()`,
		cfg.ChannelID, cfg.ValidUntil, cfg.LocalKey, cfg.OtherKey, cfg.RelayPersistence, cfg.LastActive,
	)
	if err != nil {
		return fmt.Errorf("pairing: put session config: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, channelID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM `+pgIdent(s.schema, "pairing_sessions")+` WHERE channel_id = $1`, channelID,
	); err != nil {
		return fmt.Errorf("pairing: delete session config: %w", err)
	}
	return nil
}

func scanSession(row pgx.Row) (SessionConfig, error) {
	var (
		cfg        SessionConfig
		lastActive *time.Time
	)
	err := row.Scan(&cfg.ChannelID, &cfg.ValidUntil, &cfg.LocalKey, &cfg.OtherKey, &cfg.RelayPersistence, &lastActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionConfig{}, ErrNotFound
	}
	if err != nil {
		return SessionConfig{}, fmt.Errorf("pairing: read session config: %w", err)
	}
	cfg.LastActive = lastActive
	return cfg, nil
}

// SessionSchemaSQL returns the DDL for the pairing_sessions table in schema.
func SessionSchemaSQL(schema string) string {
	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  channel_id        UUID PRIMARY KEY,
  valid_until       TIMESTAMPTZ NOT NULL,
  local_key         TEXT NOT NULL DEFAULT '',
  other_key         TEXT NOT NULL DEFAULT '',
  relay_persistence BOOLEAN NOT NULL DEFAULT false,
  last_active       TIMESTAMPTZ,
  updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_pairing_sessions_valid_until
  ON %s (valid_until DESC);
`, pgx.Identifier{schema}.Sanitize(), pgIdent(schema, "pairing_sessions"), pgIdent(schema, "pairing_sessions"))
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
