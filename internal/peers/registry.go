package peers

import (
	"sort"
	"sync"
	"time"
)

// Sources a peer can be learned from.
const (
	SourceMDNS    = "mdns"
	SourceInbound = "inbound"
	SourceManual  = "manual"
)

// Peer represents another lanchat instance on the network
type Peer struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	User     string    `json:"user,omitempty"`
	Address  string    `json:"address"`
	Port     int       `json:"port"`
	Source   string    `json:"source"`
	HasKey   bool      `json:"hasKey"`
	LastSeen time.Time `json:"lastSeen"`
}

// Registry manages known peers
type Registry struct {
	peers map[string]*Peer
	mu    sync.RWMutex
}

// NewRegistry creates a new peer registry
func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[string]*Peer),
	}
}

// Add adds or updates a peer. An inbound sighting never overwrites what mDNS
// announced about the same address.
func (r *Registry) Add(peer *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if peer.ID == "" {
		peer.ID = peer.Address
	}
	if existing, ok := r.peers[peer.ID]; ok && peer.Source == SourceInbound && existing.Source != SourceInbound {
		existing.LastSeen = time.Now()
		existing.HasKey = existing.HasKey || peer.HasKey
		return
	} else if ok {
		peer.HasKey = peer.HasKey || existing.HasKey
	}

	peer.LastSeen = time.Now()
	r.peers[peer.ID] = peer
}

// Seen records that address sent us an envelope
func (r *Registry) Seen(address string, port int) {
	r.Add(&Peer{ID: address, Name: address, Address: address, Port: port, Source: SourceInbound})
}

// MarkKey flags the peer at address as having a stored public key
func (r *Registry) MarkKey(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, peer := range r.peers {
		if peer.Address == address {
			peer.HasKey = true
		}
	}
}

// Get retrieves a peer by ID
func (r *Registry) Get(id string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peer, ok := r.peers[id]
	return peer, ok
}

// GetAll returns a copy of every peer, most recently seen first
func (r *Registry) GetAll() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		peers = append(peers, *peer)
	}
	sort.Slice(peers, func(i, j int) bool {
		if !peers[i].LastSeen.Equal(peers[j].LastSeen) {
			return peers[i].LastSeen.After(peers[j].LastSeen)
		}
		return peers[i].ID < peers[j].ID
	})
	return peers
}

// Remove removes a peer by ID
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.peers, id)
}

// Cleanup removes stale peers (not seen in timeout duration)
func (r *Registry) Cleanup(timeout time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	now := time.Now()
	for id, peer := range r.peers {
		if now.Sub(peer.LastSeen) > timeout {
			delete(r.peers, id)
			removed++
		}
	}
	return removed
}

// Count returns the number of peers
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.peers)
}
