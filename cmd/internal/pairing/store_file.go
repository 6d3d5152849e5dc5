package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"pairlink/cmd/internal/ids"
	"pairlink/cmd/security/passphrase"
)

const (
	fileStoreExt  = ".json"
	fileStorePerm = 0o600
)

// FileStore writes one JSON file per channel under a directory.
// Writes go to a temp file and are renamed into place.
type FileStore struct {
	dir string

	sealPass string
	sealCfg  passphrase.Config

	mu sync.Mutex
}

// FileOption configures a FileStore.
type FileOption func(*FileStore) error

// WithPassphrase seals the local private key with pass before it hits disk.
func WithPassphrase(pass string, cfg passphrase.Config) FileOption {
	return func(s *FileStore) error {
		if err := cfg.Validate(pass); err != nil {
			return fmt.Errorf("pairing: file store passphrase: %w", err)
		}
		s.sealPass = pass
		s.sealCfg = cfg
		return nil
	}
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string, opts ...FileOption) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("pairing: empty store directory")
	}
	st := &FileStore{dir: dir}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("pairing: create store directory: %w", err)
	}
	return st, nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) Get(ctx context.Context, channelID string) (SessionConfig, error) {
	if err := ctx.Err(); err != nil {
		return SessionConfig{}, err
	}
	path, err := s.path(channelID)
	if err != nil {
		return SessionConfig{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(path)
}

func (s *FileStore) Put(ctx context.Context, cfg SessionConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(cfg.ChannelID)
	if err != nil {
		return err
	}
	if cfg.LocalKey != "" && s.sealPass != "" {
		sealed, err := s.sealCfg.Seal(s.sealPass, []byte(cfg.LocalKey))
		if err != nil {
			return fmt.Errorf("pairing: seal local key: %w", err)
		}
		cfg.LocalKey = sealed
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.dir, path, b)
}

func (s *FileStore) Delete(ctx context.Context, channelID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(channelID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("pairing: delete session config: %w", err)
	}
	return nil
}

func (s *FileStore) Latest(ctx context.Context) (SessionConfig, error) {
	if err := ctx.Err(); err != nil {
		return SessionConfig{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return SessionConfig{}, fmt.Errorf("pairing: list session configs: %w", err)
	}
	var (
		best  SessionConfig
		found bool
	)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileStoreExt) {
			continue
		}
		cfg, err := s.read(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return SessionConfig{}, err
		}
		if !found || cfg.ValidUntil.After(best.ValidUntil) {
			best, found = cfg, true
		}
	}
	if !found {
		return SessionConfig{}, ErrNotFound
	}
	return best, nil
}

func (s *FileStore) read(path string) (SessionConfig, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return SessionConfig{}, ErrNotFound
	}
	if err != nil {
		return SessionConfig{}, fmt.Errorf("pairing: read session config: %w", err)
	}
	var cfg SessionConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return SessionConfig{}, fmt.Errorf("pairing: decode session config: %w", err)
	}
	if passphrase.IsSealed(cfg.LocalKey) {
		if s.sealPass == "" {
			return SessionConfig{}, errors.New("pairing: local key is sealed and no passphrase is configured")
		}
		plain, err := s.sealCfg.Open(s.sealPass, cfg.LocalKey)
		if err != nil {
			return SessionConfig{}, fmt.Errorf("pairing: open local key: %w", err)
		}
		cfg.LocalKey = string(plain)
		clear(plain)
	}
	return cfg, nil
}

// path maps a channel id to its file. Only canonical UUIDs reach the disk.
func (s *FileStore) path(channelID string) (string, error) {
	id, err := ids.ParseChannelID(channelID)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, id+fileStoreExt), nil
}

func writeFileAtomic(dir, path string, b []byte) error {
	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return fmt.Errorf("pairing: temp file: %w", err)
	}
	name := tmp.Name()
	defer func() { _ = os.Remove(name) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("pairing: write session config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("pairing: sync session config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(name, fileStorePerm); err != nil {
		return err
	}
	if err := os.Rename(name, path); err != nil {
		return fmt.Errorf("pairing: replace session config: %w", err)
	}
	return nil
}
