package stream

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/clock"
)

func createTestRegistryConfig() RegistryConfig {
	return RegistryConfig{
		MaxSessions:        10,
		SessionTimeout:     10 * time.Second,
		CleanupInterval:    time.Second,
		FinalizedCacheSize: 16,
	}
}

func newTestRegistry(t *testing.T, cfg RegistryConfig, clk clock.Clock) *Registry {
	t.Helper()
	reg, err := NewRegistry(cfg, clk, nil, nil)
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}
	t.Cleanup(reg.Stop)
	return reg
}

// waitFor polls cond until it holds or a second has passed.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNewRegistryValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*RegistryConfig)
		wantErr bool
	}{
		{"valid", func(c *RegistryConfig) {}, false},
		{"zero max sessions", func(c *RegistryConfig) { c.MaxSessions = 0 }, true},
		{"zero timeout", func(c *RegistryConfig) { c.SessionTimeout = 0 }, true},
		{"defaulted cleanup interval", func(c *RegistryConfig) { c.CleanupInterval = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := createTestRegistryConfig()
			tt.modify(&cfg)
			reg, err := NewRegistry(cfg, clock.NewFake(time.Unix(0, 0)), nil, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error %v, got %v", tt.wantErr, err)
			}
			if reg != nil {
				reg.Stop()
			}
		})
	}
}

func TestRegistryCreateAndGet(t *testing.T) {
	reg := newTestRegistry(t, createTestRegistryConfig(), clock.NewFake(time.Unix(1000, 0)))

	session, err := reg.Create("session-a")
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	if session.ID != "session-a" {
		t.Errorf("Expected session ID session-a, got %s", session.ID)
	}
	if !session.StartTime.Equal(time.Unix(1000, 0)) {
		t.Errorf("Expected start time from clock, got %v", session.StartTime)
	}

	if _, err := reg.Create("session-a"); !errors.Is(err, ErrSessionExists) {
		t.Errorf("Expected ErrSessionExists, got %v", err)
	}

	got, exists := reg.Get("session-a")
	if !exists || got != session {
		t.Error("Expected Get to return the created session")
	}
	if _, exists := reg.Get("missing"); exists {
		t.Error("Expected missing session to be absent")
	}
	if reg.Count() != 1 {
		t.Errorf("Expected 1 active session, got %d", reg.Count())
	}
}

func TestRegistryGetOrCreate(t *testing.T) {
	reg := newTestRegistry(t, createTestRegistryConfig(), clock.NewFake(time.Unix(0, 0)))

	first, created, err := reg.GetOrCreate("s1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !created {
		t.Error("Expected first call to create the session")
	}

	second, created, err := reg.GetOrCreate("s1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if created {
		t.Error("Expected second call to reuse the session")
	}
	if first != second {
		t.Error("Expected the same session instance")
	}
}

func TestRegistryMaxSessions(t *testing.T) {
	cfg := createTestRegistryConfig()
	cfg.MaxSessions = 2
	reg := newTestRegistry(t, cfg, clock.NewFake(time.Unix(0, 0)))

	for _, id := range []string{"a", "b"} {
		if _, _, err := reg.GetOrCreate(id); err != nil {
			t.Fatalf("Failed to create session %s: %v", id, err)
		}
	}

	if _, _, err := reg.GetOrCreate("c"); !errors.Is(err, ErrTooManySessions) {
		t.Errorf("Expected ErrTooManySessions, got %v", err)
	}

	// An existing session is still reachable at capacity
	if _, _, err := reg.GetOrCreate("a"); err != nil {
		t.Errorf("Expected existing session at capacity, got %v", err)
	}

	reg.Remove("a", ReasonRemoved)
	if _, _, err := reg.GetOrCreate("c"); err != nil {
		t.Errorf("Expected room after removal, got %v", err)
	}
}

func TestRegistryRemove(t *testing.T) {
	reg := newTestRegistry(t, createTestRegistryConfig(), clock.NewFake(time.Unix(0, 0)))

	finalized, _ := reg.Create("finalized")
	removed, _ := reg.Create("removed")

	if !reg.Remove("finalized", ReasonFinalized) {
		t.Error("Expected Remove to report an existing session")
	}
	if reg.Remove("finalized", ReasonFinalized) {
		t.Error("Expected second Remove to report nothing removed")
	}
	reg.Remove("removed", ReasonRemoved)

	if !finalized.Finalized() || !removed.Finalized() {
		t.Error("Expected removed sessions to refuse further chunks")
	}

	// A finalized session keeps its context until its jobs finish
	if finalized.Context().Err() != nil {
		t.Error("Expected finalized session context to stay alive")
	}
	if removed.Context().Err() == nil {
		t.Error("Expected removed session context to be cancelled")
	}

	if _, _, err := reg.GetOrCreate("finalized"); !errors.Is(err, ErrSessionFinalized) {
		t.Errorf("Expected ErrSessionFinalized, got %v", err)
	}
	if reason, ok := reg.WasClosed("removed"); !ok || reason != ReasonRemoved {
		t.Errorf("Expected tombstone reason %q, got %q (%v)", ReasonRemoved, reason, ok)
	}
	if reg.Count() != 0 {
		t.Errorf("Expected 0 active sessions, got %d", reg.Count())
	}
}

func TestRegistryExpireIdle(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	reg := newTestRegistry(t, createTestRegistryConfig(), clk)

	idle, _ := reg.Create("idle")
	clk.Advance(6 * time.Second)
	if _, err := reg.Create("busy"); err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	clk.Advance(5 * time.Second)

	if n := reg.ExpireIdle(); n != 1 {
		t.Errorf("Expected 1 expired session, got %d", n)
	}
	if _, exists := reg.Get("idle"); exists {
		t.Error("Expected idle session to be removed")
	}
	if _, exists := reg.Get("busy"); !exists {
		t.Error("Expected busy session to survive")
	}
	if idle.Context().Err() == nil {
		t.Error("Expected expired session context to be cancelled")
	}
	if reason, _ := reg.WasClosed("idle"); reason != ReasonExpired {
		t.Errorf("Expected tombstone reason %q, got %q", ReasonExpired, reason)
	}
}

func TestRegistryCleanupRoutine(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	cfg := createTestRegistryConfig()
	reg := newTestRegistry(t, cfg, clk)

	session, _ := reg.Create("abandoned")

	// The routine registers its ticker asynchronously
	waitFor(t, "cleanup ticker", func() bool { return clk.Pending() == 1 })

	clk.Advance(cfg.SessionTimeout + time.Second)
	clk.Advance(cfg.CleanupInterval)

	select {
	case <-session.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("Expected cleanup routine to expire the session")
	}
	if reg.Count() != 0 {
		t.Errorf("Expected 0 active sessions, got %d", reg.Count())
	}
}

func TestRegistryStopCancelsSessions(t *testing.T) {
	reg, err := NewRegistry(createTestRegistryConfig(), clock.NewFake(time.Unix(0, 0)), nil, nil)
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}

	session, _ := reg.Create("s")
	reg.Stop()

	if session.Context().Err() == nil {
		t.Error("Expected session context to be cancelled on stop")
	}
	if reg.Count() != 0 {
		t.Errorf("Expected 0 active sessions, got %d", reg.Count())
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	cfg := createTestRegistryConfig()
	cfg.MaxSessions = 1000
	reg := newTestRegistry(t, cfg, clock.NewFake(time.Unix(0, 0)))

	const numGoroutines = 10
	const numSessionsPerGoroutine = 20

	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for j := 0; j < numSessionsPerGoroutine; j++ {
				id := fmt.Sprintf("s-%d-%d", g, j)
				if _, _, err := reg.GetOrCreate(id); err != nil {
					t.Errorf("Failed to create session %s: %v", id, err)
				}
				reg.Get(id)
				reg.Sessions()
			}
		}(i)
	}
	wg.Wait()

	expected := numGoroutines * numSessionsPerGoroutine
	if reg.Count() != expected {
		t.Errorf("Expected %d active sessions, got %d", expected, reg.Count())
	}
	if len(reg.Sessions()) != expected {
		t.Errorf("Expected %d listed sessions, got %d", expected, len(reg.Sessions()))
	}
}
