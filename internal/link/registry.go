package link

import (
	"fmt"
	"sync"

	apperrors "github.com/infermux/infermux/internal/common/errors"
)

// Registry tracks the live session for each worker namespace. Thread-safe.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Register adds a session under its namespace. It fails with already exists
// when a live session holds the namespace; the caller must close the new
// link with that error.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.Namespace]; exists {
		return apperrors.AlreadyExists(fmt.Sprintf("worker with namespace '%s' already exists", s.Namespace))
	}
	r.sessions[s.Namespace] = s
	return nil
}

// Lookup returns the live session for a namespace, or nil if none.
func (r *Registry) Lookup(namespace string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[namespace]
}

// Deregister removes the given session only if it is still the registered
// session for that namespace. This prevents a stale session's deferred
// cleanup from removing a newer replacement. Returns true if removed.
func (r *Registry) Deregister(namespace string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[namespace] == s {
		delete(r.sessions, namespace)
		return true
	}
	return false
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
