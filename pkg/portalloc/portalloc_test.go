package portalloc

import (
	"math/rand"
	"testing"
)

func TestNewRejectsNonPowerOfTwo(t *testing.T) {
	for _, n := range []uint32{0, 3, 1000, 1025} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("New(%d) did not panic", n)
				}
			}()
			New(n)
		}()
	}
}

func TestPopEmpty(t *testing.T) {
	a := New(8)
	p, ok := a.Pop()
	if ok || p != NoPort {
		t.Fatalf("Pop on empty = %d, %v; want NoPort, false", p, ok)
	}
}

func TestPushDeduplicates(t *testing.T) {
	a := New(8)
	a.Push(3)
	a.Push(3)
	a.Push(0) // reserved
	a.Push(8) // out of range
	if a.Len() != 1 {
		t.Fatalf("expected 1 queued port, got %d", a.Len())
	}
	if !a.Queued(3) || a.Queued(0) {
		t.Errorf("unexpected queued state: 3=%v 0=%v", a.Queued(3), a.Queued(0))
	}
	if p, ok := a.Pop(); !ok || p != 3 {
		t.Fatalf("Pop = %d, %v; want 3", p, ok)
	}
	if a.Queued(3) {
		t.Error("port 3 still marked after pop")
	}
	// Popped ports can be pushed again.
	a.Push(3)
	if !a.Queued(3) {
		t.Error("port 3 not queued after re-push")
	}
}

func TestFIFOOrder(t *testing.T) {
	a := New(16)
	for _, p := range []uint32{5, 1, 9} {
		a.Push(p)
	}
	for _, want := range []uint32{5, 1, 9} {
		if p, _ := a.Pop(); p != want {
			t.Fatalf("Pop = %d, want %d", p, want)
		}
	}
}

// TestRandomOps checks the allocator against a simple model: a port is
// marked iff it is queued, and nothing is popped twice without a push.
func TestRandomOps(t *testing.T) {
	const n = 64
	a := New(n)
	rng := rand.New(rand.NewSource(1))
	queued := make(map[uint32]bool)
	var order []uint32

	for i := 0; i < 20000; i++ {
		if rng.Intn(2) == 0 {
			p := uint32(rng.Intn(n + 4))
			a.Push(p)
			if p != 0 && p < n && !queued[p] {
				queued[p] = true
				order = append(order, p)
			}
		} else {
			p, ok := a.Pop()
			if len(order) == 0 {
				if ok {
					t.Fatalf("op %d: popped %d from empty allocator", i, p)
				}
				continue
			}
			if !ok || p != order[0] {
				t.Fatalf("op %d: Pop = %d, %v; want %d", i, p, ok, order[0])
			}
			order = order[1:]
			delete(queued, p)
		}

		if a.Len() != len(order) {
			t.Fatalf("op %d: Len = %d, model %d", i, a.Len(), len(order))
		}
		if a.Len() > n {
			t.Fatalf("op %d: ring holds %d > %d", i, a.Len(), n)
		}
		for p := uint32(1); p < n; p++ {
			if a.Queued(p) != queued[p] {
				t.Fatalf("op %d: Queued(%d) = %v, model %v", i, p, a.Queued(p), queued[p])
			}
		}
	}
}

func TestReconcile(t *testing.T) {
	a := New(8)
	a.Push(2)

	seen := NewSeen(8)
	seen.Add(0)
	seen.Add(1)
	seen.Add(5)
	seen.Add(100) // ignored
	a.Reconcile(seen)

	want := []uint32{2, 3, 4, 6, 7}
	if a.Len() != len(want) {
		t.Fatalf("expected %d queued, got %d", len(want), a.Len())
	}
	for _, w := range want {
		if p, _ := a.Pop(); p != w {
			t.Fatalf("Pop = %d, want %d", p, w)
		}
	}

	// A second reconcile against the same view re-offers the same ports
	// once each.
	a.Reconcile(seen)
	a.Reconcile(seen)
	if a.Len() != len(want) {
		t.Errorf("expected %d queued after double reconcile, got %d", len(want), a.Len())
	}
}
