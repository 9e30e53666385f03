// Package registry tracks the live connections of every authenticated user.
package registry

import (
	"sort"
	"sync"

	"go-realtime/internal/models"
)

// Handle is the part of a connection the registry needs.
type Handle interface {
	ID() string
	Close() error
}

type user struct {
	conns   map[string]Handle
	profile *models.Profile
}

// Registry is the Connection Registry: userId -> live connections plus the
// user's cached profile. All mutations are single-key.
type Registry struct {
	mu    sync.RWMutex
	users map[string]*user
	owner map[string]string // connectionId -> userId
}

func New() *Registry {
	return &Registry{
		users: make(map[string]*user),
		owner: make(map[string]string),
	}
}

// Register binds h to userID. A nil profile keeps the cached one.
func (r *Registry) Register(userID string, h Handle, profile *models.Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		u = &user{conns: make(map[string]Handle)}
		r.users[userID] = u
	}
	u.conns[h.ID()] = h
	if profile != nil {
		u.profile = profile
	}
	r.owner[h.ID()] = userID
}

// Unregister removes connID and returns the user it belonged to. The user
// entry, cached profile included, goes away with its last connection.
func (r *Registry) Unregister(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.owner[connID]
	if !ok {
		return "", false
	}
	delete(r.owner, connID)

	if u := r.users[userID]; u != nil {
		delete(u.conns, connID)
		if len(u.conns) == 0 {
			delete(r.users, userID)
		}
	}
	return userID, true
}

// Connections returns the live connections of userID ordered by id.
func (r *Registry) Connections(userID string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[userID]
	if !ok {
		return nil
	}
	out := make([]Handle, 0, len(u.conns))
	for _, h := range u.conns {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *Registry) Profile(userID string) (*models.Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[userID]
	if !ok || u.profile == nil {
		return nil, false
	}
	cp := *u.profile
	return &cp, true
}

func (r *Registry) UserOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.owner[connID]
	return userID, ok
}

func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[userID]
	return ok
}

// Count returns the number of connections and distinct users.
func (r *Registry) Count() (connections, users int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owner), len(r.users)
}
