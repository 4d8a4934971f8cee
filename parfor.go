// Copyright 2025 Parfor Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package parfor turns a loop over a contiguous integer range into
// parallel execution across a fixed pool of worker goroutines.
//
// # Overview
//
// ParallelFor performs an initial geometric distribution of [from, to)
// across the worker pool, then lets each worker either subdivide greedily
// or warm up sequentially for a short calibrated budget before it becomes
// willing to spawn stealable subtasks. When called from outside any
// parallel work while the pool is idle, it instead broadcasts one balanced
// partition of the range to every worker, and each part runs sequentially. Completion is tracked without a
// barrier, via an intrusive refcount on a root task node: the call returns
// once every descendant task has released its reference.
//
// # Basic usage
//
//	import "github.com/born-ml/parfor"
//
//	sum := make([]int64, n)
//	parfor.ParallelFor(0, uint64(n), func(i uint64) {
//	    sum[i] = compute(i)
//	}, 1, parfor.Delayed, parfor.GrainDefault)
//
// # Modes
//
//   - Off: no halving; the range is split once across the workers and
//     each part runs sequentially.
//   - Simple: subdivide greedily from the first iteration.
//   - Delayed: run sequentially for a short warm-up budget, then subdivide
//     to correct for imbalance. Preferred for workloads with irregular
//     per-iteration cost.
//
// See ParallelForSimple, ParallelForStatic, and ParallelForTimespan for
// presets of the common combinations.
package parfor

import (
	"time"

	"github.com/born-ml/parfor/internal/pool"
	"github.com/born-ml/parfor/internal/task"
)

// BalanceMode selects how a range task subdivides its remaining work.
type BalanceMode = task.Balance

// GrainSizeMode selects whether the grain size is fixed or grows during
// Delayed warm-up.
type GrainSizeMode = task.GrainMode

const (
	// Off disables subdivision entirely.
	Off = task.Off
	// Simple subdivides greedily from the first iteration.
	Simple = task.Simple
	// Delayed warms up sequentially for InitTime before subdividing.
	Delayed = task.Delayed
)

const (
	// GrainDefault keeps the grain size fixed.
	GrainDefault = task.GrainDefault
	// GrainAuto grows the grain size by one per iteration during Delayed
	// warm-up.
	GrainAuto = task.GrainAuto
)

// InitTime is the warm-up budget used by Delayed mode.
const InitTime = task.InitTime

var globalPool = newLazyPool()

// ParallelFor runs body(i) for every i in [from, to), distributing the
// range across the worker pool according to mode and gsMode. grain is
// clamped to at least 1. from > to is treated as an empty range: body is
// never called and ParallelFor returns immediately. A range of at most
// grain indices runs sequentially on the calling goroutine.
//
// Iterations may run in any order, on any worker, concurrently with one
// another; body must be independent across indices. ParallelFor does not
// return until every iteration has completed. body must be total: a
// panicking body leaves the scheduler's internal bookkeeping in an
// undefined state.
func ParallelFor(from, to uint64, body func(uint64), grain int64, mode BalanceMode, gsMode GrainSizeMode) {
	if from > to {
		return
	}
	if grain < 1 {
		grain = 1
	}

	p := globalPool.get()
	root := task.NewRoot()

	if task.IsEmpty() && to-from > uint64(grain) {
		rapid := task.NewRapid(p, root, from, to, body, mode, gsMode, grain)
		if _, ok := p.TryRunRapid(rapid); !ok {
			rapid.IntoInitial().Run()
		}
	} else {
		task.NewInitial(p, root, from, to, body, mode, gsMode, grain).Run()
	}

	spinUntilDrained(p, root)
	root.Release()
}

// ParDo runs f and g concurrently: f is submitted to the pool, g runs
// inline on the calling goroutine, and ParDo does not return until both
// have completed. Each side sees its own stack frame, so a ParallelFor
// call nested inside either f or g correctly observes that it is already
// inside parallel work.
func ParDo(f, g func()) {
	p := globalPool.get()
	root := task.NewRoot()

	p.Schedule(func() {
		frame := &task.Frame{}
		task.Push(frame)
		f()
		task.Pop(frame)
		root.Release()
	})

	func() {
		frame := &task.Frame{}
		task.Push(frame)
		defer task.Pop(frame)
		g()
	}()

	spinUntilDrained(p, root)
	root.Release()
}

// spinUntilDrained busy-services the pool, backing off adaptively between
// empty polls, until root's refcount has returned to 1 (the pinning
// reference only — every descendant has released).
func spinUntilDrained(p *pool.Pool, root *task.Node) {
	var idle int
	for root.LoadRefs() != 1 {
		if p.TryExecuteOne() {
			idle = 0
			continue
		}
		idle++
		if idle > 64 {
			time.Sleep(time.Microsecond)
		}
	}
}

// NumWorkers returns the number of worker goroutines in the process-wide
// pool, resolving the configuration on first call.
func NumWorkers() int {
	return globalPool.get().ThreadCount()
}

// WorkerID returns the calling goroutine's worker index in the
// process-wide pool, or 0 if it is not one of the pool's own workers.
func WorkerID() int {
	return globalPool.get().CurrentWorkerIndex()
}

// ParallelForSimple presets Simple balancing with a fixed grain size.
func ParallelForSimple(from, to uint64, body func(uint64), grain int64) {
	ParallelFor(from, to, body, grain, Simple, GrainDefault)
}

// ParallelForStatic presets Off balancing: the range is split once across
// the workers (by the rapid-start broadcast or the initial geometric
// distribution), but no further subdivision ever happens.
func ParallelForStatic(from, to uint64, body func(uint64), grain int64) {
	ParallelFor(from, to, body, grain, Off, GrainDefault)
}

// ParallelForTimespan presets Delayed balancing with a fixed grain size.
func ParallelForTimespan(from, to uint64, body func(uint64), grain int64) {
	ParallelFor(from, to, body, grain, Delayed, GrainDefault)
}

// ParallelForTimespanAuto presets Delayed balancing with a grain size that
// grows during warm-up.
func ParallelForTimespanAuto(from, to uint64, body func(uint64), grain int64) {
	ParallelFor(from, to, body, grain, Delayed, GrainAuto)
}
