package relay

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

// PostgresStore is a ChannelStore backed by PostgreSQL.
//
// The caller owns the pool; Close is a no-op.
//
// Expected table (see ChannelSchemaSQL):
//
//	relay_channels(channel_key PK, originator_key, non_originator_key,
//	               persistence, rejected, updated_at)
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
			return errors.New("relay: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("relay: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed ChannelStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "pairlink",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("relay: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, ChannelSchemaSQL(s.schema)); err != nil {
		return fmt.Errorf("relay: ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (ChannelRecord, error) {
	var rec ChannelRecord
	err := s.pool.QueryRow(ctx,
		`SELECT channel_key, originator_key, non_originator_key, persistence, rejected, updated_at
		   FROM `+pgIdent(s.schema, "relay_channels")+`
		  WHERE channel_key = $1`,
		key,
	).Scan(&rec.Key, &rec.OriginatorKey, &rec.NonOriginatorKey, &rec.Persistence, &rec.Rejected, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ChannelRecord{}, ErrNotFound
	}
	if err != nil {
		return ChannelRecord{}, fmt.Errorf("relay: get channel: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Put(ctx context.Context, rec ChannelRecord) error {
	if rec.Key == "" {
		return errors.New("relay: empty record key")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "relay_channels")+`
		        (channel_key, originator_key, non_originator_key, persistence, rejected, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (channel_key) DO UPDATE
		    SET originator_key     = EXCLUDED.originator_key,
		        non_originator_key = EXCLUDED.non_originator_key,
		        persistence        = EXCLUDED.persistence,
		        rejected           = EXCLUDED.rejected,
		        updated_at         = EXCLUDED.updated_at`,
		rec.Key, rec.OriginatorKey, rec.NonOriginatorKey, rec.Persistence, rec.Rejected, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("relay: put channel: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM `+pgIdent(s.schema, "relay_channels")+` WHERE channel_key = $1`, key,
	); err != nil {
		return fmt.Errorf("relay: delete channel: %w", err)
	}
	return nil
}

func (s *PostgresStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+pgIdent(s.schema, "relay_channels")+` WHERE updated_at < $1`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("relay: purge channels: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ChannelSchemaSQL returns the DDL for the relay_channels table in schema.
func ChannelSchemaSQL(schema string) string {
	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  channel_key        TEXT PRIMARY KEY CHECK (char_length(channel_key) = 64),
  originator_key     TEXT NOT NULL DEFAULT '',
  non_originator_key TEXT NOT NULL DEFAULT '',
  persistence        BOOLEAN NOT NULL DEFAULT false,
  rejected           BOOLEAN NOT NULL DEFAULT false,
  updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_relay_channels_updated_at
  ON %s (updated_at);
`, pgx.Identifier{schema}.Sanitize(), pgIdent(schema, "relay_channels"), pgIdent(schema, "relay_channels"))
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
