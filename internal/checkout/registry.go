package checkout

import (
	"sync"
	"time"

	"celupos/internal/domain"
	"celupos/internal/xid"
)

// Registry keeps the open sessions of this process.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	settings Settings
}

func NewRegistry(settings Settings) *Registry {
	return &Registry{sessions: make(map[string]*Session), settings: settings}
}

func (r *Registry) Settings() Settings {
	return r.settings
}

func (r *Registry) Create(terminalID, cashier string) *Session {
	s := NewSession(xid.New("ses"), terminalID, cashier, r.settings)
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()
	return s
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s, nil
}

// Delete drops a session. A session that is processing is kept.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if s.Status() == StatusProcessing {
		return ErrAlreadyProcessing
	}
	delete(r.sessions, id)
	return nil
}

// Prune removes idle sessions untouched for longer than maxAge and reports
// how many were dropped.
func (r *Registry) Prune(maxAge time.Duration, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for id, s := range r.sessions {
		s.mu.Lock()
		stale := s.status != StatusProcessing && now.Sub(s.updatedAt) > maxAge
		s.mu.Unlock()
		if stale {
			delete(r.sessions, id)
			dropped++
		}
	}
	return dropped
}
