package registry

import (
	"sync"
	"testing"
)

func TestPutGetSnapshot(t *testing.T) {
	r := New()
	r.Put(Target{Name: "a", Kind: KindSSE, Host: "localhost", Port: 9001})
	r.Put(Target{Name: "b", Kind: KindStdio, Command: "cat"})

	if _, ok := r.Get("missing"); ok {
		t.Fatalf("expected miss for unregistered name")
	}
	tgt, ok := r.Get("a")
	if !ok || tgt.Host != "localhost" {
		t.Fatalf("expected target a, got %+v ok=%v", tgt, ok)
	}

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 targets in snapshot, got %d", len(snap))
	}
}

func TestPutReplacesRatherThanDuplicates(t *testing.T) {
	r := New()
	r.Put(Target{Name: "a", Kind: KindSSE, Host: "h1", Port: 1})
	r.Put(Target{Name: "a", Kind: KindSSE, Host: "h2", Port: 2})

	if r.Len() != 1 {
		t.Fatalf("I1 violated: expected exactly one entry for name 'a', got %d", r.Len())
	}
	tgt, _ := r.Get("a")
	if tgt.Host != "h2" {
		t.Fatalf("expected latest Put to win, got host %q", tgt.Host)
	}
}

func TestRemoveFiresCallbacksOutsideLock(t *testing.T) {
	r := New()
	r.Put(Target{Name: "a", Kind: KindStdio, Command: "cat"})

	var mu sync.Mutex
	var removed []string
	r.OnRemove(func(name string) {
		// Touching the registry itself from inside the callback must not
		// deadlock: the callback runs after Remove has released its lock.
		r.Snapshot()
		mu.Lock()
		removed = append(removed, name)
		mu.Unlock()
	})

	r.Remove("a")
	r.Remove("a") // second removal of an absent name must not re-fire

	mu.Lock()
	defer mu.Unlock()
	if len(removed) != 1 || removed[0] != "a" {
		t.Fatalf("expected exactly one callback firing for 'a', got %v", removed)
	}
	if _, ok := r.Get("a"); ok {
		t.Fatalf("expected 'a' to be gone after Remove")
	}
}
