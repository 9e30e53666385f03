// Package rooms maps room identifiers to their subscribed connections and
// fans events out to them.
package rooms

import (
	"log/slog"
	"sort"
	"sync"
)

// Member is a subscribed connection as seen by the index.
type Member interface {
	ID() string
	// Deliver queues payload without blocking and reports whether it was accepted.
	Deliver(payload []byte) bool
	// Ready reports whether the member may receive room broadcasts.
	Ready() bool
}

// Broadcaster is the fan-out seam handlers depend on. Index is the
// in-process implementation.
type Broadcaster interface {
	Join(roomID string, m Member)
	Leave(roomID, memberID string) bool
	LeaveAll(memberID string) []string
	// Broadcast delivers payload to every ready member of roomID except
	// exceptID and returns the number of members that accepted it.
	Broadcast(roomID string, payload []byte, exceptID string) int
	Rooms(memberID string) []string
}

type room struct {
	// send serializes broadcasts so every member sees one order.
	send    sync.Mutex
	members map[string]Member
}

// Index is the Room Membership Index. Membership was authorized when the
// member joined; broadcasts never re-check it.
type Index struct {
	mu       sync.RWMutex
	rooms    map[string]*room
	memberOf map[string]map[string]struct{} // memberId -> roomIds
}

func NewIndex() *Index {
	return &Index{
		rooms:    make(map[string]*room),
		memberOf: make(map[string]map[string]struct{}),
	}
}

var _ Broadcaster = (*Index)(nil)

func (x *Index) Join(roomID string, m Member) {
	x.mu.Lock()
	defer x.mu.Unlock()

	r, ok := x.rooms[roomID]
	if !ok {
		r = &room{members: make(map[string]Member)}
		x.rooms[roomID] = r
		slog.Debug("[ROOMS] Room created", "room", roomID)
	}
	r.members[m.ID()] = m

	if x.memberOf[m.ID()] == nil {
		x.memberOf[m.ID()] = make(map[string]struct{})
	}
	x.memberOf[m.ID()][roomID] = struct{}{}
}

func (x *Index) Leave(roomID, memberID string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.leave(roomID, memberID)
}

func (x *Index) leave(roomID, memberID string) bool {
	r, ok := x.rooms[roomID]
	if !ok {
		return false
	}
	if _, ok := r.members[memberID]; !ok {
		return false
	}
	delete(r.members, memberID)
	if len(r.members) == 0 {
		delete(x.rooms, roomID)
		slog.Debug("[ROOMS] Room is empty, removed", "room", roomID)
	}

	if set := x.memberOf[memberID]; set != nil {
		delete(set, roomID)
		if len(set) == 0 {
			delete(x.memberOf, memberID)
		}
	}
	return true
}

// LeaveAll removes memberID from every room and returns the rooms it left.
func (x *Index) LeaveAll(memberID string) []string {
	x.mu.Lock()
	defer x.mu.Unlock()

	left := make([]string, 0, len(x.memberOf[memberID]))
	for roomID := range x.memberOf[memberID] {
		left = append(left, roomID)
	}
	for _, roomID := range left {
		x.leave(roomID, memberID)
	}
	sort.Strings(left)
	return left
}

func (x *Index) Broadcast(roomID string, payload []byte, exceptID string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()

	r, ok := x.rooms[roomID]
	if !ok {
		return 0
	}

	r.send.Lock()
	defer r.send.Unlock()

	sent, dropped := 0, 0
	for id, m := range r.members {
		if id == exceptID || !m.Ready() {
			continue
		}
		if m.Deliver(payload) {
			sent++
		} else {
			dropped++
		}
	}
	if dropped > 0 {
		slog.Warn("[ROOMS] Broadcast dropped for slow members", "room", roomID, "sent", sent, "dropped", dropped)
	}
	return sent
}

// Rooms lists the rooms memberID belongs to, sorted.
func (x *Index) Rooms(memberID string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make([]string, 0, len(x.memberOf[memberID]))
	for roomID := range x.memberOf[memberID] {
		out = append(out, roomID)
	}
	sort.Strings(out)
	return out
}

// Members lists the member ids of roomID, sorted.
func (x *Index) Members(roomID string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	r, ok := x.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len is the number of non-empty rooms.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.rooms)
}
