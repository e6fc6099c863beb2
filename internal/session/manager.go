package session

import (
	"sync"
	"time"

	"github.com/zeropr/lanchat/internal/keys"
)

// Identity is the signed-in user and their loaded key pair
type Identity struct {
	Name     string
	Private  *keys.PrivateKey
	Public   *keys.PublicKey
	SignedIn time.Time
}

// Manager holds the active identity. The key pair is read-only once loaded,
// so handlers may use an Identity after the lock is released.
type Manager struct {
	current *Identity
	mu      sync.RWMutex
}

// NewManager creates a manager with nobody signed in
func NewManager() *Manager {
	return &Manager{}
}

// Begin makes name the active user, replacing any previous one
func (m *Manager) Begin(name string, priv *keys.PrivateKey) *Identity {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := &Identity{
		Name:     name,
		Private:  priv,
		Public:   priv.Public(),
		SignedIn: time.Now(),
	}
	m.current = id
	return id
}

// End drops the active user and returns it, if any
func (m *Manager) End() (*Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.current
	m.current = nil
	return id, id != nil
}

// Current returns the active user
func (m *Manager) Current() (*Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.current, m.current != nil
}

// Name returns the active user name, or "" when signed out
func (m *Manager) Name() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current == nil {
		return ""
	}
	return m.current.Name
}
