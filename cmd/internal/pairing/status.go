package pairing

import (
	"fmt"
	"sync"
)

// Status is the connection status reported to observers.
type Status int

const (
	StatusDisconnected Status = iota
	StatusWaiting
	StatusLinked
	StatusPaused
	StatusTerminated
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusWaiting:
		return "waiting"
	case StatusLinked:
		return "linked"
	case StatusPaused:
		return "paused"
	case StatusTerminated:
		return "terminated"
	case StatusTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// latch is a resettable one-shot signal. Waiters grab the channel from Wait
// and block until Set closes it.
type latch struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{}
}

func newLatch() *latch {
	return &latch{ch: make(chan struct{})}
}

func (l *latch) Set() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.set {
		l.set = true
		close(l.ch)
	}
}

func (l *latch) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.set {
		l.set = false
		l.ch = make(chan struct{})
	}
}

func (l *latch) Wait() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ch
}

func (l *latch) IsSet() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.set
}
