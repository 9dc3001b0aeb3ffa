package proxy

import (
	"sync"
	"time"
)

// Session tracks one decrypted MITM connection across its keep-alive
// request/response exchanges. Adapted from the teacher gateway's
// guardrails.SessionState: generalized from per-agent token/loop-detection
// bookkeeping down to what the connection loop itself needs — how many
// exchanges have happened and when the connection was last active, so an
// idle connection can be torn down.
type Session struct {
	ID         string
	Host       string
	CreatedAt  time.Time
	LastActive time.Time

	ExchangeCount int
}

// SessionManager holds all active per-connection sessions with automatic
// idle cleanup. Adapted from guardrails.Manager.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
}

// NewSessionManager creates a manager that evicts sessions idle longer
// than ttl.
func NewSessionManager(ttl time.Duration) *SessionManager {
	m := &SessionManager{
		sessions: make(map[string]*Session),
		ttl:      ttl,
	}
	go m.cleanupLoop()
	return m
}

// GetOrCreate returns the session for id, creating one bound to host if
// absent.
func (m *SessionManager) GetOrCreate(id, host string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		now := time.Now()
		s = &Session{ID: id, Host: host, CreatedAt: now, LastActive: now}
		m.sessions[id] = s
	}
	return s
}

// RecordExchange counts one request/response exchange on id's connection
// and refreshes its last-active time; the proxy calls it as soon as the
// request has been read, before forwarding it.
func (m *SessionManager) RecordExchange(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return
	}
	s.LastActive = time.Now()
	s.ExchangeCount++
}

// Remove deletes a session, called once its connection closes.
func (m *SessionManager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Len reports the number of tracked sessions, for diagnostics.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *SessionManager) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		m.mu.Lock()
		now := time.Now()
		for id, s := range m.sessions {
			if now.Sub(s.LastActive) > m.ttl {
				delete(m.sessions, id)
			}
		}
		m.mu.Unlock()
	}
}
