package parfor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/born-ml/parfor/internal/task"
	"github.com/petermattis/goid"
)

func TestParallelForEmptyRangeNeverCallsBody(t *testing.T) {
	called := false
	ParallelFor(5, 5, func(uint64) { called = true }, 1, Delayed, GrainDefault)
	if called {
		t.Fatalf("body must not run for an empty range")
	}

	called = false
	ParallelFor(5, 3, func(uint64) { called = true }, 1, Delayed, GrainDefault)
	if called {
		t.Fatalf("body must not run when from > to")
	}
}

func TestParallelForSingleIterationRunsOnCallingGoroutine(t *testing.T) {
	ran := false
	caller := goid.Get()
	ParallelFor(0, 1, func(i uint64) {
		if i != 0 {
			t.Errorf("i = %d, want 0", i)
		}
		if id := goid.Get(); id != caller {
			t.Errorf("ran on goroutine %d, want calling goroutine %d", id, caller)
		}
		ran = true
	}, 1, Delayed, GrainDefault)
	if !ran {
		t.Fatalf("expected the single iteration to run")
	}
}

func TestParallelForSumsOneMillionAtomicIncrements(t *testing.T) {
	const n = 1_000_000
	var count atomic.Int64
	ParallelFor(0, n, func(uint64) {
		count.Add(1)
	}, 1, Delayed, GrainAuto)
	if got := count.Load(); got != n {
		t.Fatalf("count = %d, want %d", got, n)
	}
}

func TestParallelForWritesSquaresAcrossTenThousand(t *testing.T) {
	const n = 10_000
	a := make([]uint64, n)
	ParallelForSimple(0, n, func(i uint64) {
		a[i] = i * i
	}, 4)
	for i := uint64(0); i < n; i++ {
		if a[i] != i*i {
			t.Fatalf("a[%d] = %d, want %d", i, a[i], i*i)
		}
	}
}

func TestParallelForStaticSkipsFurtherSubdivision(t *testing.T) {
	const n = 5000
	var count atomic.Int64
	ParallelForStatic(0, n, func(uint64) {
		count.Add(1)
	}, 1)
	if got := count.Load(); got != n {
		t.Fatalf("count = %d, want %d", got, n)
	}
}

func TestNestedParallelForTotalsTenThousand(t *testing.T) {
	const outer = 100
	const inner = 100
	var total atomic.Int64
	ParallelFor(0, outer, func(uint64) {
		ParallelFor(0, inner, func(uint64) {
			total.Add(1)
		}, 1, Simple, GrainDefault)
	}, 1, Delayed, GrainDefault)
	if got := total.Load(); got != outer*inner {
		t.Fatalf("total = %d, want %d", got, outer*inner)
	}
}

func TestParDoRunsBothSidesToCompletion(t *testing.T) {
	var mu sync.Mutex
	var events []string
	record := func(s string) {
		mu.Lock()
		events = append(events, s)
		mu.Unlock()
	}

	ParDo(func() {
		time.Sleep(5 * time.Millisecond)
		record("f")
	}, func() {
		record("g")
	})

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("events = %v, want both sides recorded", events)
	}
	found := map[string]bool{}
	for _, e := range events {
		found[e] = true
	}
	if !found["f"] || !found["g"] {
		t.Fatalf("events = %v, want both f and g", events)
	}
}

func TestParDoPushesAFrameAroundEachSide(t *testing.T) {
	var inlineSawBusy, scheduledSawBusy bool
	var wg sync.WaitGroup
	wg.Add(1)

	ParDo(func() {
		scheduledSawBusy = !task.IsEmpty()
		wg.Done()
	}, func() {
		inlineSawBusy = !task.IsEmpty()
	})
	wg.Wait()

	if !inlineSawBusy {
		t.Fatalf("expected the inline side to observe a non-empty task stack")
	}
	if !scheduledSawBusy {
		t.Fatalf("expected the scheduled side to observe a non-empty task stack")
	}
}

func TestNumWorkersIsPositive(t *testing.T) {
	if got := NumWorkers(); got < 1 {
		t.Fatalf("NumWorkers() = %d, want >= 1", got)
	}
}

func TestWorkerIDZeroOutsidePool(t *testing.T) {
	if got := WorkerID(); got != 0 {
		t.Fatalf("WorkerID() outside pool = %d, want 0", got)
	}
}

func TestParallelForGrainClampedToOne(t *testing.T) {
	const n = 200
	var count atomic.Int64
	ParallelFor(0, n, func(uint64) { count.Add(1) }, 0, Simple, GrainDefault)
	if got := count.Load(); got != n {
		t.Fatalf("count = %d, want %d", got, n)
	}
}

func TestParallelForTimespanAutoCompletesFullRange(t *testing.T) {
	const n = 50_000
	var count atomic.Int64
	ParallelForTimespanAuto(0, n, func(uint64) { count.Add(1) }, 1)
	if got := count.Load(); got != n {
		t.Fatalf("count = %d, want %d", got, n)
	}
}
