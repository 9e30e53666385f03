// Package guard de-duplicates client actions while they are in flight.
package guard

import (
	"strconv"
	"strings"
	"sync"

	"go-realtime/internal/models"
)

// Guard tracks in-flight action fingerprints. Entries live only for the
// processing window of one action; nothing is persisted.
type Guard struct {
	mu     sync.Mutex
	active map[string]*entry
	byConn map[string]map[string]struct{} // connectionId -> fingerprints
}

type entry struct {
	connID string
}

func New() *Guard {
	return &Guard{
		active: make(map[string]*entry),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Fingerprint derives the key of one action of connID. Parts are length
// prefixed so separators inside client-supplied values cannot collide.
func Fingerprint(connID string, parts ...string) string {
	var b strings.Builder
	b.WriteString(connID)
	for _, p := range parts {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(len(p)))
		b.WriteByte('.')
		b.WriteString(p)
	}
	return b.String()
}

// Begin marks fingerprint as in flight for connID. It fails with
// models.ErrDuplicateInFlight while the same fingerprint is active. The
// returned release func must run on every exit path of the action; it is
// safe to call more than once.
func (g *Guard) Begin(connID, fingerprint string) (release func(), err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.active[fingerprint]; ok {
		return nil, models.ErrDuplicateInFlight
	}
	e := &entry{connID: connID}
	g.active[fingerprint] = e
	if g.byConn[connID] == nil {
		g.byConn[connID] = make(map[string]struct{})
	}
	g.byConn[connID][fingerprint] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			// A swept entry may have been claimed again by now.
			if g.active[fingerprint] == e {
				g.remove(fingerprint)
			}
		})
	}, nil
}

// End removes fingerprint unconditionally.
func (g *Guard) End(fingerprint string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.remove(fingerprint)
}

func (g *Guard) remove(fingerprint string) {
	e, ok := g.active[fingerprint]
	if !ok {
		return
	}
	delete(g.active, fingerprint)
	if set := g.byConn[e.connID]; set != nil {
		delete(set, fingerprint)
		if len(set) == 0 {
			delete(g.byConn, e.connID)
		}
	}
}

// InFlight reports whether fingerprint is active.
func (g *Guard) InFlight(fingerprint string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.active[fingerprint]
	return ok
}

// Sweep drops every fingerprint owned by connID and returns how many were
// left behind. Runs on connection teardown as a safety net for handlers
// that never reached their release.
func (g *Guard) Sweep(connID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	set := g.byConn[connID]
	for fp := range set {
		delete(g.active, fp)
	}
	delete(g.byConn, connID)
	return len(set)
}

// Len is the number of in-flight actions.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}
