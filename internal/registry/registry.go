// Package registry maps user identities to their live real-time connection.
package registry

import (
	"context"
	"errors"
	"sync"
)

// Handle is a live transport connection that outbound events can be pushed to
type Handle interface {
	// ID identifies the underlying connection; two handles with the same ID are the same connection.
	ID() string
	Send(ctx context.Context, event string, payload any) error
}

// Registration binds a user identity to its current handle
type Registration struct {
	UserID string
	Handle Handle
}

var errNilHandle = errors.New("registry: nil handle")

// Registry holds at most one handle per user identity.
// Iteration follows first-registration order; a reconnect keeps the user's position.
type Registry struct {
	mu       sync.RWMutex
	byUser   map[string]Handle
	byHandle map[string]map[string]struct{} // connection id -> user ids bound to it
	order    []string
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		byUser:   make(map[string]Handle),
		byHandle: make(map[string]map[string]struct{}),
	}
}

// Register binds userID to h, replacing any previous handle for the same identity.
// It reports whether an older handle was replaced.
func (r *Registry) Register(userID string, h Handle) (replaced bool, err error) {
	if h == nil {
		return false, errNilHandle
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byUser[userID]; ok {
		r.unbind(old.ID(), userID)
		replaced = old.ID() != h.ID()
	} else {
		r.order = append(r.order, userID)
	}

	r.byUser[userID] = h
	users, ok := r.byHandle[h.ID()]
	if !ok {
		users = make(map[string]struct{})
		r.byHandle[h.ID()] = users
	}
	users[userID] = struct{}{}
	return replaced, nil
}

// Unregister removes every identity bound to h and returns them. Unknown handles are a no-op.
func (r *Registry) Unregister(h Handle) []string {
	if h == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	users, ok := r.byHandle[h.ID()]
	if !ok {
		return nil
	}
	delete(r.byHandle, h.ID())

	removed := make([]string, 0, len(users))
	for userID := range users {
		delete(r.byUser, userID)
		removed = append(removed, userID)
	}
	r.compact()
	return removed
}

// HandleFor returns the current handle for userID
func (r *Registry) HandleFor(userID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.byUser[userID]
	return h, ok
}

// Snapshot copies the current registrations in iteration order.
// Callers fan out over the copy so no lock is held during network sends.
func (r *Registry) Snapshot() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Registration, 0, len(r.order))
	for _, userID := range r.order {
		if h, ok := r.byUser[userID]; ok {
			out = append(out, Registration{UserID: userID, Handle: h})
		}
	}
	return out
}

// Len returns the number of registered identities
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Clear drops every registration; used at shutdown
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byUser = make(map[string]Handle)
	r.byHandle = make(map[string]map[string]struct{})
	r.order = nil
}

// unbind detaches userID from the connection id. Caller holds the write lock.
func (r *Registry) unbind(connID, userID string) {
	users, ok := r.byHandle[connID]
	if !ok {
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(r.byHandle, connID)
	}
}

// compact drops order entries whose identity is gone. Caller holds the write lock.
func (r *Registry) compact() {
	kept := r.order[:0]
	for _, userID := range r.order {
		if _, ok := r.byUser[userID]; ok {
			kept = append(kept, userID)
		}
	}
	r.order = kept
}
