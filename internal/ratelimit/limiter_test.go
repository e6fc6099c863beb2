package ratelimit

import (
	"testing"
	"time"
)

func TestNewInvalidArgsIsUnlimited(t *testing.T) {
	tests := []struct {
		name  string
		rps   float64
		burst int
	}{
		{name: "zero rps", rps: 0, burst: 5},
		{name: "zero burst", rps: 1, burst: 0},
		{name: "negative", rps: -1, burst: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(tt.rps, tt.burst, 0)
			if l != nil {
				t.Fatalf("New(%v, %d) = %v, want nil", tt.rps, tt.burst, l)
			}
			for i := 0; i < 100; i++ {
				if !l.Allow("10.0.0.1", time.Now()) {
					t.Fatal("nil limiter refused a connection")
				}
			}
		})
	}
}

func TestAllowPerOrigin(t *testing.T) {
	l := New(1, 2, time.Minute)
	now := time.Unix(1_700_000_000, 0)

	if !l.Allow("10.0.0.1", now) || !l.Allow("10.0.0.1", now) {
		t.Fatal("burst of 2 was not allowed")
	}
	if l.Allow("10.0.0.1", now) {
		t.Fatal("third connection within the same instant was allowed")
	}
	if !l.Allow("10.0.0.2", now) {
		t.Fatal("other origin was throttled")
	}
	if !l.Allow("10.0.0.1", now.Add(time.Second)) {
		t.Fatal("token was not refilled after one second")
	}
	if !l.Allow("  ", now) {
		t.Fatal("empty origin was throttled")
	}
}

func TestEvict(t *testing.T) {
	l := New(1, 1, time.Minute)
	now := time.Unix(1_700_000_000, 0)

	l.Allow("a", now)
	l.Allow("b", now.Add(50*time.Second))
	l.Evict(now.Add(90 * time.Second))

	if got := l.Len(); got != 1 {
		t.Fatalf("Len() after evict = %d, want 1", got)
	}
}
