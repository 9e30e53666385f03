package ws

import (
	"fmt"
	"sync"
	"time"
)

// State is a connection's position in its lifecycle.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateAuthenticated
	StateReady
	StateError
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateReady:
		return "READY"
	case StateError:
		return "ERROR"
	case StateDisconnected:
		return "DISCONNECTED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// canTransition encodes CONNECTING -> CONNECTED -> AUTHENTICATED -> READY
// with ERROR and DISCONNECTED reachable from anywhere but DISCONNECTED.
func canTransition(from, to State) bool {
	if from == StateDisconnected {
		return false
	}
	switch to {
	case StateError:
		return from != StateError
	case StateDisconnected:
		return true
	case StateConnected:
		return from == StateConnecting
	case StateAuthenticated:
		return from == StateConnected
	case StateReady:
		return from == StateAuthenticated
	}
	return false
}

// attemptTracker counts failed authentication attempts per claimed
// identity. Once the ceiling is reached further attempts are refused
// without consulting the identity provider until the window lapses.
type attemptTracker struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	now     func() time.Time
	entries map[string]*attemptEntry
}

type attemptEntry struct {
	failures int
	last     time.Time
}

func newAttemptTracker(max int, window time.Duration) *attemptTracker {
	return &attemptTracker{
		max:     max,
		window:  window,
		now:     time.Now,
		entries: make(map[string]*attemptEntry),
	}
}

// blocked returns the failure count of key and whether it hit the ceiling.
func (t *attemptTracker) blocked(key string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.live(key)
	if e == nil {
		return 0, false
	}
	return e.failures, e.failures >= t.max
}

func (t *attemptTracker) fail(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.prune()
	e := t.live(key)
	if e == nil {
		e = &attemptEntry{}
		t.entries[key] = e
	}
	e.failures++
	e.last = t.now()
	return e.failures
}

func (t *attemptTracker) reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}

func (t *attemptTracker) live(key string) *attemptEntry {
	e, ok := t.entries[key]
	if !ok {
		return nil
	}
	if t.now().Sub(e.last) > t.window {
		delete(t.entries, key)
		return nil
	}
	return e
}

func (t *attemptTracker) prune() {
	now := t.now()
	for key, e := range t.entries {
		if now.Sub(e.last) > t.window {
			delete(t.entries, key)
		}
	}
}
