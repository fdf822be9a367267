package wake

import (
	"context"
	"errors"
	"sync"

	"github.com/wolfleet/wolfleet/internal/model"
)

// ErrSessionNotFound indicates an unknown session ID.
var ErrSessionNotFound = errors.New("wake session not found")

// Manager tracks live wake sessions by ID so the HTTP API and MCP tools can
// poll progress and cancel. Terminal sessions stay visible until pruned.
type Manager struct {
	orchestrator *Orchestrator

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager around an orchestrator.
func NewManager(orchestrator *Orchestrator) *Manager {
	return &Manager{
		orchestrator: orchestrator,
		sessions:     make(map[string]*Session),
	}
}

// StartWake starts a new session for machine and registers it.
func (m *Manager) StartWake(ctx context.Context, machine model.Machine) *Session {
	s := m.orchestrator.Wake(ctx, machine)

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	return s
}

// Get returns the session with the given ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Cancel cancels the session with the given ID. Cancelling a terminal
// session is a no-op.
func (m *Manager) Cancel(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.Cancel()
	return nil
}

// List returns snapshots of all tracked sessions.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		snaps = append(snaps, s.Snapshot())
	}
	return snaps
}

// Prune drops terminal sessions from the registry and returns how many were
// removed.
func (m *Manager) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.sessions {
		select {
		case <-s.Done():
			delete(m.sessions, id)
			removed++
		default:
		}
	}
	return removed
}
