package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestAwait_ResolvesCompletedCall(t *testing.T) {
	t.Parallel()

	tr := NewTracker(nil)
	if err := tr.Track("42", "eth_chainId"); err != nil {
		t.Fatalf("Track: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		tr.Complete("42", json.RawMessage(`"0x1"`), nil)
	}()

	call, err := tr.Await(context.Background(), "42", time.Second)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if string(call.Result) != `"0x1"` || call.Method != "eth_chainId" || !call.Done() {
		t.Fatalf("unexpected call: %+v", call)
	}
	if tr.Len() != 0 {
		t.Fatalf("entry should be removed after Await")
	}
}

func TestAwait_Timeout(t *testing.T) {
	t.Parallel()

	tr := NewTracker(nil)
	_ = tr.Track("never", "eth_sign")

	start := time.Now()
	_, err := tr.Await(context.Background(), "never", 120*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Fatalf("timed out too early")
	}
}

func TestAwait_ContextCancel(t *testing.T) {
	t.Parallel()

	tr := NewTracker(nil)
	_ = tr.Track("1", "m")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tr.Await(ctx, "1", time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTrack_DuplicatePending(t *testing.T) {
	t.Parallel()

	tr := NewTracker(nil)
	if err := tr.Track("7", "a"); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if err := tr.Track("7", "b"); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
	tr.Complete("7", json.RawMessage(`1`), nil)
	if err := tr.Track("7", "c"); err != nil {
		t.Fatalf("completed id should be reusable: %v", err)
	}
	if err := tr.Track(" ", "x"); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}

func TestComplete_RecordsElapsed(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }

	tr := NewTracker(clock)
	_ = tr.Track("x", "m")
	mu.Lock()
	now = now.Add(1500 * time.Millisecond)
	mu.Unlock()

	if !tr.Complete("x", nil, json.RawMessage(`{"code":4001,"message":"rejected"}`)) {
		t.Fatalf("Complete returned false")
	}
	c, ok := tr.Lookup("x")
	if !ok || c.Elapsed != 1500*time.Millisecond || len(c.Error) == 0 {
		t.Fatalf("unexpected call: %+v", c)
	}
	if tr.Complete("x", nil, nil) {
		t.Fatalf("second Complete should be ignored")
	}
	if tr.Complete("unknown", nil, nil) {
		t.Fatalf("unknown id should not complete")
	}
}

func TestDiscardAll_FailsPendingAwaits(t *testing.T) {
	t.Parallel()

	tr := NewTracker(nil)
	const n = 5
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("call-%d", i)
		_ = tr.Track(id, "m")
		go func() {
			_, err := tr.Await(context.Background(), id, 5*time.Second)
			errs <- err
		}()
	}

	time.Sleep(2 * PollInterval)
	if got := tr.DiscardAll(); got != n {
		t.Fatalf("DiscardAll = %d, want %d", got, n)
	}
	for i := 0; i < n; i++ {
		if err := <-errs; !errors.Is(err, ErrDiscarded) {
			t.Fatalf("expected ErrDiscarded, got %v", err)
		}
	}
}

func TestAwait_IndependentCalls(t *testing.T) {
	t.Parallel()

	tr := NewTracker(nil)
	_ = tr.Track("a", "m1")
	_ = tr.Track("b", "m2")
	tr.Complete("b", json.RawMessage(`"B"`), nil)

	c, err := tr.Await(context.Background(), "b", time.Second)
	if err != nil || string(c.Result) != `"B"` {
		t.Fatalf("Await b: %+v %v", c, err)
	}
	if !tr.Pending("a") {
		t.Fatalf("a must still be pending")
	}
	if _, err := tr.Await(context.Background(), "zzz", time.Second); !errors.Is(err, ErrUnknownID) {
		t.Fatalf("expected ErrUnknownID, got %v", err)
	}
}

func TestSweep_ExpiresStaleCalls(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	advance := func(d time.Duration) { mu.Lock(); now = now.Add(d); mu.Unlock() }

	tr := NewTracker(clock)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("req-%d", i)
		_ = tr.Track(id, "eth_sign")
		if i%2 == 0 {
			tr.Complete(id, json.RawMessage(`"ok"`), nil)
		}
	}
	if tr.Len() != 5 {
		t.Fatalf("Len = %d, want 5", tr.Len())
	}

	advance(MaxTimeout + time.Second)
	_ = tr.Track("fresh", "eth_chainId")

	if tr.Len() != 1 || !tr.Pending("fresh") {
		t.Fatalf("stale calls must expire; Len = %d", tr.Len())
	}
	if _, err := tr.Await(context.Background(), "req-1", time.Second); !errors.Is(err, ErrDiscarded) {
		t.Fatalf("expired call: expected ErrDiscarded, got %v", err)
	}

	advance(MaxTimeout + time.Second)
	tr.Complete("fresh", nil, nil)
	tr.mu.Lock()
	left := len(tr.discarded)
	tr.mu.Unlock()
	if left != 1 {
		t.Fatalf("old discard markers must expire; %d left", left)
	}
}

func TestDiscardAll_DropsAnsweredCalls(t *testing.T) {
	t.Parallel()

	tr := NewTracker(nil)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("req-%d", i)
		_ = tr.Track(id, "eth_sign")
		tr.Complete(id, json.RawMessage(`"ok"`), nil)
	}
	_ = tr.Track("open", "eth_sign")

	if got := tr.DiscardAll(); got != 1 {
		t.Fatalf("DiscardAll = %d unanswered, want 1", got)
	}
	if tr.Len() != 0 {
		t.Fatalf("Len = %d after DiscardAll, want 0", tr.Len())
	}
}

func TestTrack_NormalizesPaddedIDs(t *testing.T) {
	t.Parallel()

	tr := NewTracker(nil)
	if err := tr.Track(" 42", "eth_chainId"); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if !tr.Pending("42") || !tr.Pending("42 ") {
		t.Fatalf("padded and bare ids must match")
	}
	if !tr.Complete("42\t", json.RawMessage(`"0x1"`), nil) {
		t.Fatalf("Complete with padded id returned false")
	}
	c, err := tr.Await(context.Background(), " 42", time.Second)
	if err != nil || string(c.Result) != `"0x1"` {
		t.Fatalf("Await: %+v %v", c, err)
	}
}
