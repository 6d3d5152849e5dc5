package relay

import (
	"context"
	"errors"
	"sync"
	"time"
)

// InMemoryStore is the ChannelStore used when no database is configured.
type InMemoryStore struct {
	mu   sync.Mutex
	recs map[string]ChannelRecord
}

// NewInMemoryStore constructs an empty in-memory ChannelStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{recs: make(map[string]ChannelRecord)}
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) Get(ctx context.Context, key string) (ChannelRecord, error) {
	if err := ctx.Err(); err != nil {
		return ChannelRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[key]
	if !ok {
		return ChannelRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *InMemoryStore) Put(ctx context.Context, rec ChannelRecord) error {
	if rec.Key == "" {
		return errors.New("relay: empty record key")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.recs[rec.Key] = rec
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.recs, key)
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, rec := range s.recs {
		if rec.UpdatedAt.Before(cutoff) {
			delete(s.recs, k)
			n++
		}
	}
	return n, nil
}
