package peers

import (
	"testing"
	"time"
)

func TestRegistryAddAndGet(t *testing.T) {
	r := NewRegistry()
	r.Add(&Peer{ID: "ana-laptop", Name: "ana-laptop", User: "ana", Address: "192.168.1.5", Port: 55555, Source: SourceMDNS})

	p, ok := r.Get("ana-laptop")
	if !ok {
		t.Fatal("Get() did not find added peer")
	}
	if p.LastSeen.IsZero() {
		t.Error("Add() did not stamp LastSeen")
	}

	r.Seen("10.0.0.7", 55555)
	if _, ok := r.Get("10.0.0.7"); !ok {
		t.Error("Seen() did not register the sender")
	}
	if r.Count() != 2 {
		t.Errorf("Count() = %d, want 2", r.Count())
	}
}

func TestInboundDoesNotReplaceAnnounced(t *testing.T) {
	r := NewRegistry()
	r.Add(&Peer{ID: "192.168.1.5", Name: "ana-laptop", User: "ana", Address: "192.168.1.5", Source: SourceMDNS})
	r.Seen("192.168.1.5", 40000)

	p, _ := r.Get("192.168.1.5")
	if p.Source != SourceMDNS || p.User != "ana" {
		t.Errorf("peer = %+v, want the mDNS entry kept", p)
	}
}

func TestMarkKey(t *testing.T) {
	r := NewRegistry()
	r.Seen("10.0.0.7", 0)
	r.MarkKey("10.0.0.7")

	p, _ := r.Get("10.0.0.7")
	if !p.HasKey {
		t.Error("MarkKey() did not flag the peer")
	}
}

func TestCleanup(t *testing.T) {
	r := NewRegistry()
	r.Add(&Peer{ID: "old", Address: "10.0.0.1"})
	r.mu.Lock()
	r.peers["old"].LastSeen = time.Now().Add(-time.Hour)
	r.mu.Unlock()
	r.Add(&Peer{ID: "new", Address: "10.0.0.2"})

	if removed := r.Cleanup(time.Minute); removed != 1 {
		t.Errorf("Cleanup() removed %d, want 1", removed)
	}
	all := r.GetAll()
	if len(all) != 1 || all[0].ID != "new" {
		t.Errorf("GetAll() = %+v, want only new", all)
	}
}
