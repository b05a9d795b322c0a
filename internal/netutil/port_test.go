package netutil

import (
	"errors"
	"sync"
	"testing"
)

func TestReserve(t *testing.T) {
	t.Parallel()

	t.Run("reserves a free port", func(t *testing.T) {
		t.Parallel()

		r := NewPortRegistry(nil)
		if err := r.Reserve(3210); err != nil {
			t.Fatalf("Reserve() error: %v", err)
		}
	})

	t.Run("rejects an already reserved port", func(t *testing.T) {
		t.Parallel()

		r := NewPortRegistry(nil)
		if err := r.Reserve(3210); err != nil {
			t.Fatalf("first Reserve() error: %v", err)
		}
		err := r.Reserve(3210)
		if !errors.Is(err, ErrPortReserved) {
			t.Fatalf("second Reserve() = %v, want ErrPortReserved", err)
		}
	})

	t.Run("release makes the port reservable again", func(t *testing.T) {
		t.Parallel()

		r := NewPortRegistry(nil)
		if err := r.Reserve(3210); err != nil {
			t.Fatalf("Reserve() error: %v", err)
		}
		r.Release(3210)
		if err := r.Reserve(3210); err != nil {
			t.Fatalf("Reserve() after Release error: %v", err)
		}
	})

	t.Run("rejects out-of-range ports", func(t *testing.T) {
		t.Parallel()

		r := NewPortRegistry(nil)
		for _, port := range []int{0, -1, 65536} {
			if err := r.Reserve(port); err == nil {
				t.Errorf("Reserve(%d) should fail", port)
			}
		}
	})
}

func TestAllocate(t *testing.T) {
	t.Parallel()

	r := NewPortRegistry(nil)
	port, err := r.Allocate()
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	if port <= 0 || port > 65535 {
		t.Fatalf("allocated port %d out of range", port)
	}
	// The allocated port must be registered.
	if err := r.Reserve(port); !errors.Is(err, ErrPortReserved) {
		t.Errorf("Reserve(allocated) = %v, want ErrPortReserved", err)
	}
}

func TestAllocatePair(t *testing.T) {
	t.Parallel()

	t.Run("returns distinct ports", func(t *testing.T) {
		t.Parallel()

		r := NewPortRegistry(nil)
		p1, p2, err := r.AllocatePair()
		if err != nil {
			t.Fatalf("AllocatePair() error: %v", err)
		}
		if p1 == p2 {
			t.Fatalf("AllocatePair() returned equal ports %d", p1)
		}
	})

	t.Run("concurrent allocations never collide", func(t *testing.T) {
		t.Parallel()

		r := NewPortRegistry(nil)

		const workers = 8
		results := make([][2]int, workers)
		var wg sync.WaitGroup
		for i := range workers {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				p1, p2, err := r.AllocatePair()
				if err != nil {
					t.Errorf("AllocatePair() error: %v", err)
					return
				}
				results[idx] = [2]int{p1, p2}
			}(i)
		}
		wg.Wait()

		seen := make(map[int]struct{})
		for _, pair := range results {
			for _, p := range pair {
				if p == 0 {
					continue // worker failed; already reported
				}
				if _, dup := seen[p]; dup {
					t.Errorf("port %d allocated twice", p)
				}
				seen[p] = struct{}{}
			}
		}
	})
}
