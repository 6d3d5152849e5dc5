package pairing

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"pairlink/cmd/internal/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when PAIRLINK_DATABASE_URL is set.

func TestPostgresStore_Contract(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	if _, err := st.Latest(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty Latest: expected ErrNotFound, got %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	older := SessionConfig{ChannelID: ids.NewChannelID(), ValidUntil: now.Add(time.Hour), LocalKey: strings.Repeat("a", 64)}
	newer := SessionConfig{ChannelID: ids.NewChannelID(), ValidUntil: now.Add(2 * time.Hour), OtherKey: strings.Repeat("b", 64), RelayPersistence: true}
	for _, cfg := range []SessionConfig{older, newer} {
		if err := st.Put(ctx, cfg); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	latest, err := st.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.ChannelID != newer.ChannelID || !latest.RelayPersistence || latest.OtherKey != newer.OtherKey {
		t.Fatalf("Latest mismatch: %+v", latest)
	}

	active := now.Add(time.Minute)
	older.ValidUntil = now.Add(3 * time.Hour)
	older.LastActive = &active
	if err := st.Put(ctx, older); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := st.Get(ctx, older.ChannelID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.ValidUntil.Equal(older.ValidUntil) || got.LastActive == nil || !got.LastActive.Equal(active) {
		t.Fatalf("upsert not applied: %+v", got)
	}

	if err := st.Delete(ctx, older.ChannelID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := st.Get(ctx, older.ChannelID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWithSchema_Invalid(t *testing.T) {
	t.Parallel()

	for _, schema := range []string{"", "  ", "bad-name", "1abc", `x"; DROP`} {
		st := &PostgresStore{}
		if err := WithSchema(schema)(st); err == nil {
			t.Fatalf("schema %q must be refused", schema)
		}
	}
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("PAIRLINK_DATABASE_URL"))
	if dsn == "" {
		t.Skip("PAIRLINK_DATABASE_URL not set; skipping Postgres integration tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("db ping: %v", err)
	}
	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "pairing_it_" + strings.ToLower(ids.MustULID()[16:])
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`); err != nil {
		t.Fatalf("drop schema: %v", err)
	}
}
