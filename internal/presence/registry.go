// Package presence tracks live connections per identity. The Registry is
// process-local and only decides where to push frames; durable reachability
// comes from the agent online flag corroborated by a Ledger.
package presence

import (
	"sort"
	"sync"
)

// Role distinguishes connection owners.
type Role string

const (
	RoleAgent   Role = "agent"
	RoleVisitor Role = "visitor"
)

// Identity names the owner of one or more connections.
type Identity struct {
	Role       Role
	BusinessID string
	ID         string
}

// Key is the canonical map and ledger key for the identity.
func (i Identity) Key() string {
	return string(i.Role) + ":" + i.BusinessID + ":" + i.ID
}

// Frame is what gets pushed down a connection.
type Frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Handle is one live connection (a browser tab, a device).
type Handle interface {
	ID() string
	Identity() Identity
	// Send must not block; false means the frame was dropped.
	Send(frame Frame) bool
	Close()
}

// Snapshot describes one online identity.
type Snapshot struct {
	Identity Identity
	Handles  int
	Admin    bool
}

type entry struct {
	identity Identity
	admin    bool
	handles  map[string]Handle
}

// Registry holds the live handles of this process.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	byID    map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		byID:    make(map[string]string),
	}
}

// Register attaches h to its identity. admin caches the agent tier for the
// lifetime of the entry. first reports whether the identity just came online.
func (r *Registry) Register(h Handle, admin bool) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := h.Identity()
	key := id.Key()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{identity: id, handles: make(map[string]Handle)}
		r.entries[key] = e
	}
	e.admin = admin
	e.handles[h.ID()] = h
	r.byID[h.ID()] = key
	return !ok
}

// Unregister detaches a handle. last reports whether the identity has no
// handles left and was removed; ok is false for an unknown handle.
func (r *Registry) Unregister(handleID string) (identity Identity, last bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.byID[handleID]
	if !ok {
		return Identity{}, false, false
	}
	delete(r.byID, handleID)

	e := r.entries[key]
	delete(e.handles, handleID)
	if len(e.handles) == 0 {
		delete(r.entries, key)
		return e.identity, true, true
	}
	return e.identity, false, true
}

// IsOnline reports whether the identity holds a handle in this process.
func (r *Registry) IsOnline(identity Identity) bool {
	return r.Count(identity) > 0
}

// Count returns the number of local handles for the identity.
func (r *Registry) Count(identity Identity) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[identity.Key()]; ok {
		return len(e.handles)
	}
	return 0
}

// CachedAdmin returns the tier flag cached at registration.
func (r *Registry) CachedAdmin(identity Identity) (admin bool, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[identity.Key()]
	if !ok {
		return false, false
	}
	return e.admin, true
}

// List snapshots online identities with the given role in a business.
// An empty businessID matches every business.
func (r *Registry) List(role Role, businessID string) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Snapshot
	for _, e := range r.entries {
		if e.identity.Role != role {
			continue
		}
		if businessID != "" && e.identity.BusinessID != businessID {
			continue
		}
		out = append(out, Snapshot{Identity: e.identity, Handles: len(e.handles), Admin: e.admin})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.Key() < out[j].Identity.Key() })
	return out
}

// Handles returns every local handle.
func (r *Registry) Handles() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Handle, 0, len(r.byID))
	for _, e := range r.entries {
		for _, h := range e.handles {
			out = append(out, h)
		}
	}
	return out
}

// Send pushes frame to every local handle of the identity and returns how many accepted it.
func (r *Registry) Send(identity Identity, frame Frame) int {
	return deliver(r.handlesOf(identity.Key()), frame)
}

// SendRole pushes frame to every local handle of role in the business.
// adminsOnly restricts agent delivery to the admin tier.
func (r *Registry) SendRole(role Role, businessID string, adminsOnly bool, frame Frame) int {
	r.mu.RLock()
	var targets []Handle
	for _, e := range r.entries {
		if e.identity.Role != role || e.identity.BusinessID != businessID {
			continue
		}
		if adminsOnly && !e.admin {
			continue
		}
		for _, h := range e.handles {
			targets = append(targets, h)
		}
	}
	r.mu.RUnlock()
	return deliver(targets, frame)
}

func (r *Registry) handlesOf(key string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok {
		return nil
	}
	out := make([]Handle, 0, len(e.handles))
	for _, h := range e.handles {
		out = append(out, h)
	}
	return out
}

func deliver(handles []Handle, frame Frame) int {
	sent := 0
	for _, h := range handles {
		if h.Send(frame) {
			sent++
		}
	}
	return sent
}
