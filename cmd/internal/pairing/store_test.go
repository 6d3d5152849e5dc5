package pairing

import (
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pairlink/cmd/internal/ids"
	"pairlink/cmd/security/keys"
	"pairlink/cmd/security/passphrase"
)

func cheapPassphraseConfig() passphrase.Config {
	cfg := passphrase.DefaultConfig()
	cfg.Params.MemoryKiB = 8 * 1024
	cfg.Params.Iterations = 1
	cfg.Params.Parallelism = 1
	return cfg
}

func mustConfig(t *testing.T, validUntil time.Time) SessionConfig {
	t.Helper()
	km, err := keys.Generate()
	if err != nil {
		t.Fatalf("keys.Generate: %v", err)
	}
	return SessionConfig{
		ChannelID:  ids.NewChannelID(),
		ValidUntil: validUntil,
		LocalKey:   hex.EncodeToString(km.Secret()),
	}
}

func TestNextValidUntil_StrictlyIncreases(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	first := nextValidUntil(time.Time{}, now, time.Hour)
	if !first.Equal(now.Add(time.Hour)) {
		t.Fatalf("first: %s", first)
	}
	second := nextValidUntil(first, now, time.Hour)
	if !second.After(first) {
		t.Fatalf("same clock must still advance: %s then %s", first, second)
	}
	// A clock that went backwards.
	third := nextValidUntil(second, now.Add(-time.Minute), time.Hour)
	if !third.After(second) {
		t.Fatalf("backwards clock must still advance: %s then %s", second, third)
	}
}

func TestSessionConfig_KeysRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := mustConfig(t, time.Now().Add(time.Hour))
	km, err := cfg.Keys()
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if got := hex.EncodeToString(km.Secret()); got != cfg.LocalKey {
		t.Fatalf("restored key mismatch")
	}

	empty, err := SessionConfig{}.Keys()
	if err != nil || empty != nil {
		t.Fatalf("empty config must restore no keys: %v %v", empty, err)
	}
	if _, err := (SessionConfig{LocalKey: "zz"}).Keys(); err == nil {
		t.Fatalf("expected error for malformed key")
	}
}

func TestStores_Contract(t *testing.T) {
	t.Parallel()

	fileStore, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fileStore,
	}
	for name, st := range stores {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)

			if _, err := st.Latest(ctx); !errors.Is(err, ErrNotFound) {
				t.Fatalf("empty Latest: expected ErrNotFound, got %v", err)
			}

			older := mustConfig(t, now.Add(time.Hour))
			newer := mustConfig(t, now.Add(2*time.Hour))
			for _, cfg := range []SessionConfig{newer, older} {
				if err := st.Put(ctx, cfg); err != nil {
					t.Fatalf("Put: %v", err)
				}
			}

			got, err := st.Get(ctx, older.ChannelID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.LocalKey != older.LocalKey || !got.ValidUntil.Equal(older.ValidUntil) {
				t.Fatalf("Get mismatch: %+v", got)
			}

			latest, err := st.Latest(ctx)
			if err != nil {
				t.Fatalf("Latest: %v", err)
			}
			if latest.ChannelID != newer.ChannelID {
				t.Fatalf("Latest picked %s, want %s", latest.ChannelID, newer.ChannelID)
			}

			older.ValidUntil = now.Add(3 * time.Hour)
			if err := st.Put(ctx, older); err != nil {
				t.Fatalf("upsert: %v", err)
			}
			if latest, _ := st.Latest(ctx); latest.ChannelID != older.ChannelID {
				t.Fatalf("Latest after upsert: %s", latest.ChannelID)
			}

			if err := st.Delete(ctx, older.ChannelID); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := st.Delete(ctx, older.ChannelID); err != nil {
				t.Fatalf("Delete missing must succeed: %v", err)
			}
			if _, err := st.Get(ctx, older.ChannelID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestFileStore_SealsLocalKey(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	pcfg := cheapPassphraseConfig()
	st, err := NewFileStore(dir, WithPassphrase("correct horse battery", pcfg))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()
	cfg := mustConfig(t, time.Now().Add(time.Hour))
	if err := st.Put(ctx, cfg); err != nil {
		t.Fatalf("Put: %v", err)
	}

	path := filepath.Join(dir, cfg.ChannelID+fileStoreExt)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.Contains(string(raw), cfg.LocalKey) {
		t.Fatalf("local key must not be stored in clear")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != fileStorePerm {
		t.Fatalf("file mode: %o", perm)
	}

	got, err := st.Get(ctx, cfg.ChannelID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LocalKey != cfg.LocalKey {
		t.Fatalf("unsealed key mismatch")
	}

	wrong, err := NewFileStore(dir, WithPassphrase("battery staple horse", pcfg))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if _, err := wrong.Get(ctx, cfg.ChannelID); err == nil {
		t.Fatalf("wrong passphrase must fail")
	}
	plain, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if _, err := plain.Get(ctx, cfg.ChannelID); err == nil {
		t.Fatalf("sealed key without passphrase must fail")
	}
}

func TestFileStore_RejectsBadInput(t *testing.T) {
	t.Parallel()

	if _, err := NewFileStore("  "); err == nil {
		t.Fatalf("expected error for empty dir")
	}
	if _, err := NewFileStore(t.TempDir(), WithPassphrase("short", cheapPassphraseConfig())); !errors.Is(err, passphrase.ErrPassphraseTooShort) {
		t.Fatalf("expected ErrPassphraseTooShort, got %v", err)
	}

	st, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	err = st.Put(context.Background(), SessionConfig{ChannelID: "../escape"})
	if !errors.Is(err, ids.ErrInvalidChannel) {
		t.Fatalf("expected ErrInvalidChannel, got %v", err)
	}
}
