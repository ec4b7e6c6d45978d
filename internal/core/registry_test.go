package core

import "testing"

func TestRegistrySingleEntryPerUser(t *testing.T) {
	r := NewRegistry()
	c1 := newFakeConn("c1")
	c2 := newFakeConn("c2")

	r.Insert(1, c1)
	if got, ok := r.Lookup(1); !ok || got != Conn(c1) {
		t.Fatalf("lookup after insert failed")
	}

	// Re-inserting the same user replaces the binding and drops the stale
	// reverse entry.
	r.Insert(1, c2)
	if got, _ := r.Lookup(1); got != Conn(c2) {
		t.Fatalf("insert must replace the previous binding")
	}
	if _, ok := r.RemoveByConn(c1); ok {
		t.Fatalf("stale connection must no longer resolve to a user")
	}
	if r.Len() != 1 {
		t.Fatalf("expected exactly one entry, got %d", r.Len())
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	c := newFakeConn("c1")

	r.Insert(7, c)
	r.Remove(7)

	if _, ok := r.Lookup(7); ok {
		t.Fatalf("entry must be gone after remove")
	}
	if _, ok := r.RemoveByConn(c); ok {
		t.Fatalf("reverse entry must be gone after remove")
	}

	// Removing an absent user is a no-op.
	r.Remove(7)
}

func TestRegistryRemoveByConn(t *testing.T) {
	r := NewRegistry()
	c := newFakeConn("c1")

	r.Insert(3, c)

	userID, ok := r.RemoveByConn(c)
	if !ok || userID != 3 {
		t.Fatalf("expected user 3, got %d ok=%v", userID, ok)
	}
	if _, ok := r.Lookup(3); ok {
		t.Fatalf("forward entry must be gone after RemoveByConn")
	}

	if _, ok := r.RemoveByConn(newFakeConn("unknown")); ok {
		t.Fatalf("unknown connection must not resolve")
	}
}
