package session

import (
	"sync"
	"testing"

	"github.com/zeropr/lanchat/internal/keys"
)

func TestManager(t *testing.T) {
	kp, err := keys.Generate(keys.MinBits)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	m := NewManager()

	if _, ok := m.Current(); ok {
		t.Fatal("Current() reported a user before Begin")
	}
	if _, ok := m.End(); ok {
		t.Fatal("End() reported a user before Begin")
	}

	id := m.Begin("ana", kp.Private)
	if !id.Public.Equal(kp.Public) {
		t.Error("identity public key does not match private key")
	}
	if m.Name() != "ana" {
		t.Errorf("Name() = %q, want ana", m.Name())
	}

	ended, ok := m.End()
	if !ok || ended != id {
		t.Fatalf("End() = %v, %v; want the begun identity", ended, ok)
	}
	if m.Name() != "" {
		t.Errorf("Name() after End = %q, want empty", m.Name())
	}
}

func TestManagerConcurrentReaders(t *testing.T) {
	kp, err := keys.Generate(keys.MinBits)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	m := NewManager()
	m.Begin("ana", kp.Private)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if id, ok := m.Current(); ok && id.Name != "ana" && id.Name != "bruno" {
				t.Errorf("unexpected identity %q", id.Name)
			}
		}()
	}
	m.Begin("bruno", kp.Private)
	wg.Wait()
}
