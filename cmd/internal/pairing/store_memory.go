package pairing

import (
	"context"
	"errors"
	"sync"
)

// MemoryStore keeps session configs for the lifetime of the process.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]SessionConfig
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]SessionConfig)}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Get(ctx context.Context, channelID string) (SessionConfig, error) {
	if err := ctx.Err(); err != nil {
		return SessionConfig{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.recs[channelID]
	if !ok {
		return SessionConfig{}, ErrNotFound
	}
	return cfg, nil
}

func (s *MemoryStore) Put(ctx context.Context, cfg SessionConfig) error {
	if cfg.ChannelID == "" {
		return errors.New("pairing: empty channel id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.recs[cfg.ChannelID] = cfg
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, channelID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.recs, channelID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Latest(ctx context.Context) (SessionConfig, error) {
	if err := ctx.Err(); err != nil {
		return SessionConfig{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best  SessionConfig
		found bool
	)
	for _, cfg := range s.recs {
		if !found || cfg.ValidUntil.After(best.ValidUntil) {
			best, found = cfg, true
		}
	}
	if !found {
		return SessionConfig{}, ErrNotFound
	}
	return best, nil
}
