// Package registry implements the controller registry: a
// concurrency-safe map from device key to the single active controller
// session for that key. It is grounded on the connected-device registry
// shape of Shagrat2-proxy-rfc2217's device.Registry (Register/Unregister/Get
// over a concurrent map keyed by string id), generalized from its
// get-or-overwrite semantics to the strict test-and-set admission barrier
// that keeps at most one controller registered per device key.
package registry

import "sync"

// Session is the subset of a controller session the registry needs to
// hold: identity comparison is by pointer, so the registry never needs to
// know anything about a session's internals.
type Session any

// Outcome is the result of a Registry.TryInsert call.
type Outcome int

const (
	// Inserted means the session is now the registered owner of the key.
	Inserted Outcome = iota
	// AlreadyPresent means a different session already owns the key; the
	// incumbent is left untouched.
	AlreadyPresent
)

// Registry maps device key to active controller session, enforcing
// single-session-per-key.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]Session)}
}

// TryInsert atomically registers session under deviceKey if and only if no
// session is currently registered for that key. This is the only
// admission barrier against duplicate controllers.
func (r *Registry) TryInsert(deviceKey string, session Session) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[deviceKey]; exists {
		return AlreadyPresent
	}
	r.sessions[deviceKey] = session
	return Inserted
}

// Remove deletes deviceKey's mapping, but only if the currently stored
// session is the same instance as session. This is idempotent and
// prevents a late teardown from evicting a freshly reconnected session
// under the same key.
func (r *Registry) Remove(deviceKey string, session Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.sessions[deviceKey]; ok && current == session {
		delete(r.sessions, deviceKey)
	}
}

// Lookup returns the session registered for deviceKey, or nil if none is
// connected.
func (r *Registry) Lookup(deviceKey string) Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[deviceKey]
}

// Len reports the number of currently connected controllers, used to
// drive the connected-controllers gauge.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
