package registry

import (
	"fmt"
	"sync"
	"testing"
)

func TestBindAndResolve(t *testing.T) {
	r := NewRegistry()

	if prev := r.Bind("u-1", "c-1"); prev != "" {
		t.Errorf("expected no previous owner, got %q", prev)
	}

	connID, ok := r.Resolve("u-1")
	if !ok || connID != "c-1" {
		t.Errorf("expected c-1, got %q ok=%v", connID, ok)
	}

	userID, ok := r.UserFor("c-1")
	if !ok || userID != "u-1" {
		t.Errorf("expected u-1, got %q ok=%v", userID, ok)
	}
}

func TestResolve_UnknownUser(t *testing.T) {
	r := NewRegistry()

	if _, ok := r.Resolve("u-ghost"); ok {
		t.Error("expected no connection for unknown user")
	}
	if _, ok := r.UserFor("c-ghost"); ok {
		t.Error("expected no user for unknown connection")
	}
}

func TestResolve_PrefersNewestConnection(t *testing.T) {
	r := NewRegistry()

	r.Bind("u-1", "c-old")
	r.Bind("u-1", "c-new")

	connID, ok := r.Resolve("u-1")
	if !ok || connID != "c-new" {
		t.Errorf("expected newest connection c-new, got %q", connID)
	}

	// Closing the newest tab falls back to the older one.
	r.Unbind("c-new")
	connID, ok = r.Resolve("u-1")
	if !ok || connID != "c-old" {
		t.Errorf("expected fallback to c-old, got %q ok=%v", connID, ok)
	}
}

func TestBind_MovesConnectionBetweenUsers(t *testing.T) {
	r := NewRegistry()

	r.Bind("u-1", "c-1")
	if prev := r.Bind("u-2", "c-1"); prev != "u-1" {
		t.Errorf("expected previous owner u-1, got %q", prev)
	}

	if r.HasConnections("u-1") {
		t.Error("expected u-1 to have no connections after rebind")
	}
	userID, _ := r.UserFor("c-1")
	if userID != "u-2" {
		t.Errorf("expected c-1 owned by u-2, got %q", userID)
	}
}

func TestBind_SameUserIsIdempotent(t *testing.T) {
	r := NewRegistry()

	r.Bind("u-1", "c-1")
	if prev := r.Bind("u-1", "c-1"); prev != "u-1" {
		t.Errorf("expected previous owner u-1, got %q", prev)
	}
	if n := r.Count(); n != 1 {
		t.Errorf("expected 1 connection, got %d", n)
	}
}

func TestUnbind_ReportsLastConnection(t *testing.T) {
	r := NewRegistry()

	r.Bind("u-1", "c-1")
	r.Bind("u-1", "c-2")

	userID, last := r.Unbind("c-1")
	if userID != "u-1" || last {
		t.Errorf("expected (u-1, false), got (%q, %v)", userID, last)
	}

	userID, last = r.Unbind("c-2")
	if userID != "u-1" || !last {
		t.Errorf("expected (u-1, true), got (%q, %v)", userID, last)
	}

	if r.HasConnections("u-1") {
		t.Error("expected u-1 fully unbound")
	}
}

func TestUnbind_UnknownConnection(t *testing.T) {
	r := NewRegistry()

	userID, last := r.Unbind("c-never-bound")
	if userID != "" || last {
		t.Errorf("expected (\"\", false), got (%q, %v)", userID, last)
	}
}

func TestConnections(t *testing.T) {
	r := NewRegistry()

	r.Bind("u-1", "c-1")
	r.Bind("u-1", "c-2")
	r.Bind("u-2", "c-3")

	conns := r.Connections("u-1")
	if len(conns) != 2 {
		t.Fatalf("expected 2 connections, got %d", len(conns))
	}
	seen := map[string]bool{}
	for _, c := range conns {
		seen[c] = true
	}
	if !seen["c-1"] || !seen["c-2"] {
		t.Errorf("expected c-1 and c-2, got %v", conns)
	}

	if conns := r.Connections("u-none"); conns != nil {
		t.Errorf("expected nil for unknown user, got %v", conns)
	}
}

func TestCount(t *testing.T) {
	r := NewRegistry()

	if r.Count() != 0 {
		t.Errorf("expected empty registry, got %d", r.Count())
	}
	r.Bind("u-1", "c-1")
	r.Bind("u-2", "c-2")
	if r.Count() != 2 {
		t.Errorf("expected 2, got %d", r.Count())
	}
	r.Unbind("c-1")
	if r.Count() != 1 {
		t.Errorf("expected 1, got %d", r.Count())
	}
}

func TestConcurrentBindUnbind(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			userID := fmt.Sprintf("u-%d", n%10)
			connID := fmt.Sprintf("c-%d", n)
			r.Bind(userID, connID)
			r.Resolve(userID)
			r.Unbind(connID)
		}(i)
	}
	wg.Wait()

	if r.Count() != 0 {
		t.Errorf("expected empty registry after churn, got %d", r.Count())
	}
}
