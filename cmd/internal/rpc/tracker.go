// Package rpc correlates outbound RPC calls with their replies by call id.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultTimeout applies when Await is given no timeout.
	DefaultTimeout = 30 * time.Second
	// MaxTimeout caps every await regardless of the requested timeout.
	MaxTimeout = 5 * time.Minute
	// PollInterval is the fixed Await polling period.
	PollInterval = 50 * time.Millisecond
)

var (
	ErrInvalidID   = errors.New("rpc: empty call id")
	ErrDuplicateID = errors.New("rpc: call id already pending")
	ErrUnknownID   = errors.New("rpc: unknown call id")
	ErrTimeout     = errors.New("rpc: timeout")
	ErrDiscarded   = errors.New("rpc: call discarded")
)

// Call is a tracked outbound method call.
type Call struct {
	ID      string
	Method  string
	SentAt  time.Time
	Result  json.RawMessage
	Error   json.RawMessage
	Elapsed time.Duration
	done    bool
}

// Done reports whether a reply was recorded.
func (c Call) Done() bool { return c.done }

// Tracker holds pending calls. The zero value is not usable; use NewTracker.
type Tracker struct {
	now func() time.Time

	mu    sync.Mutex
	calls map[string]*Call
	// discarded remembers when an id was dropped so a late Await can tell
	// "discarded" from "unknown".
	discarded map[string]time.Time
}

// NewTracker returns an empty tracker. now defaults to time.Now.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		now:       now,
		calls:     make(map[string]*Call),
		discarded: make(map[string]time.Time),
	}
}

// Track records a pending call. Reusing an id that is still pending is an error.
// Ids are compared after trimming surrounding whitespace.
func (t *Tracker) Track(id, method string) error {
	id = normID(id)
	if id == "" {
		return ErrInvalidID
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.sweepLocked(now)
	if c, ok := t.calls[id]; ok && !c.done {
		return ErrDuplicateID
	}
	delete(t.discarded, id)
	t.calls[id] = &Call{ID: id, Method: method, SentAt: now}
	return nil
}

// Complete stores the outcome of a call. It reports false for ids that are not tracked.
func (t *Tracker) Complete(id string, result, rpcErr json.RawMessage) bool {
	id = normID(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked(t.now())
	c, ok := t.calls[id]
	if !ok || c.done {
		return false
	}
	c.Result = result
	c.Error = rpcErr
	c.Elapsed = t.now().Sub(c.SentAt)
	c.done = true
	return true
}

// Lookup returns a snapshot of a tracked call.
func (t *Tracker) Lookup(id string) (Call, bool) {
	id = normID(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[id]
	if !ok {
		return Call{}, false
	}
	return *c, true
}

// Pending reports whether id is tracked and unanswered.
func (t *Tracker) Pending(id string) bool {
	id = normID(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[id]
	return ok && !c.done
}

// Len returns the number of tracked calls.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// Await polls until the call completes, the timeout elapses or ctx ends.
// The entry is removed once Await returns.
func (t *Tracker) Await(ctx context.Context, id string, timeout time.Duration) (Call, error) {
	id = normID(id)
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(PollInterval)
	defer tick.Stop()

	for {
		call, state := t.poll(id)
		switch state {
		case pollDone:
			t.forget(id)
			return call, nil
		case pollDiscarded:
			t.forget(id)
			return Call{}, ErrDiscarded
		case pollUnknown:
			return Call{}, ErrUnknownID
		}

		select {
		case <-ctx.Done():
			t.forget(id)
			return Call{}, ctx.Err()
		case <-deadline.C:
			t.forget(id)
			return Call{}, ErrTimeout
		case <-tick.C:
		}
	}
}

// Discard drops a pending call; a concurrent Await fails with ErrDiscarded.
func (t *Tracker) Discard(id string) {
	id = normID(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.calls[id]; ok {
		delete(t.calls, id)
		t.discarded[id] = t.now()
	}
}

// DiscardAll drops every tracked call, answered or not, and returns how many
// were still unanswered.
func (t *Tracker) DiscardAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	n := 0
	for id, c := range t.calls {
		if !c.done {
			n++
		}
		delete(t.calls, id)
		t.discarded[id] = now
	}
	return n
}

// sweepLocked expires calls sent more than MaxTimeout ago. No Await can still
// be waiting on them, and calls sent without an Await are never read.
func (t *Tracker) sweepLocked(now time.Time) {
	cutoff := now.Add(-MaxTimeout)
	for id, c := range t.calls {
		if c.SentAt.Before(cutoff) {
			delete(t.calls, id)
			t.discarded[id] = now
		}
	}
	for id, at := range t.discarded {
		if at.Before(cutoff) {
			delete(t.discarded, id)
		}
	}
}

func normID(id string) string { return strings.TrimSpace(id) }

type pollState uint8

const (
	pollPending pollState = iota
	pollDone
	pollDiscarded
	pollUnknown
)

func (t *Tracker) poll(id string) (Call, pollState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.calls[id]; ok {
		if c.done {
			return *c, pollDone
		}
		return Call{}, pollPending
	}
	if _, ok := t.discarded[id]; ok {
		return Call{}, pollDiscarded
	}
	return Call{}, pollUnknown
}

func (t *Tracker) forget(id string) {
	t.mu.Lock()
	delete(t.calls, id)
	delete(t.discarded, id)
	t.mu.Unlock()
}
