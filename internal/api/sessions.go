package api

import (
	"sync"

	"github.com/mkuria/bankrecon/internal/service"
)

// SessionRegistry keeps live allocation sessions keyed by transaction id.
// Sessions exist only in memory; committing or dropping one discards its
// lines, matching their never-persisted lifecycle.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*service.Session
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*service.Session)}
}

// GetOrCreate returns the open session for a transaction, creating one via
// build on first use.
func (r *SessionRegistry) GetOrCreate(transID string, build func() *service.Session) *service.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[transID]; ok {
		return sess
	}
	sess := build()
	r.sessions[transID] = sess
	return sess
}

// Get returns the open session for a transaction, if any.
func (r *SessionRegistry) Get(transID string) (*service.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[transID]
	return sess, ok
}

// Drop closes a session, discarding its lines.
func (r *SessionRegistry) Drop(transID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, transID)
}
