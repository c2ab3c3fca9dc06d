package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestManagerResolveReusesPair(t *testing.T) {
	m := NewManager(time.Minute)
	c := m.Resolve("", "u1", "coach")
	if c.ID == "" {
		t.Fatalf("conversation ID should not be empty")
	}
	if c.Mode != ModeChat {
		t.Fatalf("Mode = %q, want %q", c.Mode, ModeChat)
	}

	again := m.Resolve("", "u1", "coach")
	if again.ID != c.ID {
		t.Fatalf("Resolve() ID = %q, want %q", again.ID, c.ID)
	}
	other := m.Resolve("", "u2", "coach")
	if other.ID == c.ID {
		t.Fatalf("different users share conversation %q", c.ID)
	}
}

func TestManagerResolveExplicitID(t *testing.T) {
	m := NewManager(time.Minute)
	c := m.Resolve("conv-1", "u1", "coach")
	if c.ID != "conv-1" {
		t.Fatalf("ID = %q, want conv-1", c.ID)
	}
	// Another user naming the same id gets a fresh conversation.
	hijack := m.Resolve("conv-1", "u2", "coach")
	if hijack.ID == "conv-1" {
		t.Fatalf("conversation conv-1 shared across users")
	}
}

func TestManagerModeLifecycle(t *testing.T) {
	m := NewManager(time.Minute)
	c := m.Resolve("", "u1", "coach")

	if err := m.SetMode(c.ID, "program_design", "program_design", "sess-1"); err != nil {
		t.Fatalf("SetMode() error = %v", err)
	}
	got, err := m.Get(c.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Mode != "program_design" || got.ActiveSessionID != "sess-1" {
		t.Fatalf("unexpected conversation state: %+v", got)
	}

	if err := m.ResetMode(c.ID); err != nil {
		t.Fatalf("ResetMode() error = %v", err)
	}
	got, _ = m.Get(c.ID)
	if got.Mode != ModeChat || got.ActiveSessionID != "" || got.Flow != "" {
		t.Fatalf("ResetMode() left %+v", got)
	}

	if err := m.Touch(c.ID); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	got, _ = m.Get(c.ID)
	if got.TurnCount != 1 {
		t.Fatalf("TurnCount = %d, want 1", got.TurnCount)
	}

	if err := m.ResetMode("missing"); err != ErrNotFound {
		t.Fatalf("ResetMode(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManagerEnd(t *testing.T) {
	m := NewManager(time.Minute)
	c := m.Resolve("", "u1", "coach")
	ended, err := m.End(c.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
	if n := m.ActiveCount(); n != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", n)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	c := m.Resolve("", "u1", "coach")
	var expired atomic.Int32
	m.SetExpireHook(func(*Conversation) { expired.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(90 * time.Millisecond)
	got, err := m.Get(c.ID)
	if err == nil && got.Status != StatusEnded {
		t.Fatalf("Status = %q, want %q", got.Status, StatusEnded)
	}
	if expired.Load() != 1 {
		t.Fatalf("expire hook calls = %d, want 1", expired.Load())
	}
}
