package task

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/born-ml/parfor/internal/pool"
)

func TestRapidInvokePartitionsRangeExactly(t *testing.T) {
	const total = 4
	const n = 101 // deliberately not evenly divisible by total

	p := pool.New(total)
	defer p.Close()

	root := NewRoot()
	var mu sync.Mutex
	seen := make(map[uint64]int)

	r := NewRapid(p, root, 0, n, func(i uint64) {
		mu.Lock()
		seen[i]++
		mu.Unlock()
	}, Simple, GrainDefault, 1)

	for part := 0; part < total; part++ {
		r.Invoke(part, total)
	}

	if got := root.LoadRefs(); got != 1 {
		t.Fatalf("node refcount after all parts invoked = %d, want 1 (pin only)", got)
	}
	root.Release()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != n {
		t.Fatalf("covered %d distinct indices, want %d", len(seen), n)
	}
	for i := uint64(0); i < n; i++ {
		if seen[i] != 1 {
			t.Fatalf("index %d visited %d times, want exactly 1", i, seen[i])
		}
	}
}

func TestRapidReleasesNodeOnlyAfterLastPart(t *testing.T) {
	const total = 8
	p := pool.New(total)
	defer p.Close()

	root := NewRoot()
	r := NewRapid(p, root, 0, 1000, func(uint64) {}, Delayed, GrainAuto, 1)

	for part := 0; part < total-1; part++ {
		r.Invoke(part, total)
		if got := root.LoadRefs(); got != 2 {
			t.Fatalf("after part %d: refcount = %d, want 2 (not yet released)", part, got)
		}
	}

	r.Invoke(total-1, total)
	if got := root.LoadRefs(); got != 1 {
		t.Fatalf("after final part: refcount = %d, want 1", got)
	}
	root.Release()
}

func TestRapidInvokeConcurrentFromAllWorkers(t *testing.T) {
	const total = 16
	const n = 1_000_000

	p := pool.New(total)
	defer p.Close()

	root := NewRoot()
	var count atomic.Int64
	r := NewRapid(p, root, 0, n, func(uint64) {
		count.Add(1)
	}, Off, GrainDefault, 1)

	var wg sync.WaitGroup
	for part := 0; part < total; part++ {
		part := part
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Invoke(part, total)
		}()
	}
	wg.Wait()

	if got := count.Load(); got != n {
		t.Fatalf("count = %d, want %d", got, n)
	}
	if got := root.LoadRefs(); got != 1 {
		t.Fatalf("refcount after concurrent invokes = %d, want 1", got)
	}
	root.Release()
}

func TestRapidEmptyRangeStillReleasesNode(t *testing.T) {
	const total = 4
	p := pool.New(total)
	defer p.Close()

	root := NewRoot()
	called := false
	r := NewRapid(p, root, 3, 3, func(uint64) {
		called = true
	}, Simple, GrainDefault, 1)

	for part := 0; part < total; part++ {
		r.Invoke(part, total)
	}

	if called {
		t.Fatalf("body must not run for an empty range")
	}
	if got := root.LoadRefs(); got != 1 {
		t.Fatalf("refcount = %d, want 1", got)
	}
	root.Release()
}

func TestRapidIntoInitialFallsBackToOrdinaryTask(t *testing.T) {
	p := pool.New(2)
	defer p.Close()

	root := NewRoot()
	var count atomic.Int64
	r := NewRapid(p, root, 0, 500, func(uint64) {
		count.Add(1)
	}, Delayed, GrainDefault, 1)

	task := r.IntoInitial()
	task.Run()

	for root.LoadRefs() != 1 {
		p.TryExecuteOne()
	}
	root.Release()

	if got := count.Load(); got != 500 {
		t.Fatalf("count = %d, want 500", got)
	}
}
