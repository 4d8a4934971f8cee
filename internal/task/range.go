// Copyright 2025 Parfor Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package task implements the timespan-adaptive range partitioner: the
// algorithm that turns a ParallelFor call into a tree of steal-able range
// tasks coordinated by an intrusive refcount, plus the rapid-start
// broadcast that bypasses the work-stealing queue entirely when nothing is
// already running on the calling goroutine.
package task

import "time"

// KSplit is the fan-out of the initial geometric distribution.
const KSplit = 2

// InitTime is the warm-up budget for Delayed mode: how long a task
// executes sequentially before it becomes willing to spawn subtasks. The
// source calibrates this per architecture as a raw cycle count (75,000,000
// ticks on x86_64, 1,800 on aarch64); this port expresses the same
// empirical "stay under 99th-percentile scheduling jitter" target directly
// in wall-clock time, since Go does not expose a portable cycle counter.
const InitTime = 25 * time.Microsecond

// Balance selects how (and whether) a range task subdivides its remaining
// work.
type Balance int

const (
	// Off disables subdivision: the task runs its whole range
	// sequentially on the goroutine that picked it up.
	Off Balance = iota
	// Simple subdivides greedily from the very first iteration.
	Simple
	// Delayed runs for InitTime before subdividing, absorbing imbalance
	// only after warm-up.
	Delayed
)

// GrainMode selects whether the grain size is fixed or grows during
// Delayed warm-up.
type GrainMode int

const (
	// GrainDefault keeps the grain size fixed for the task's lifetime.
	GrainDefault GrainMode = iota
	// GrainAuto grows the grain size by one per iteration executed during
	// Delayed warm-up.
	GrainAuto
)

// Range is a half-open span of iteration indices.
type Range struct {
	From uint64
	To   uint64
}

// Size returns the number of indices in the range.
func (r Range) Size() uint64 {
	return r.To - r.From
}

// SplitData is the subdivision policy carried by a live task.
type SplitData struct {
	// Threads is the contiguous slice of worker indices considered
	// responsible for this task. Only meaningful during the initial
	// geometric distribution; zero-valued afterwards.
	Threads Range
	// GrainSize is the current grain size; invariant unless GrainMode is
	// GrainAuto.
	GrainSize int64
	// Depth counts how many times this lineage has been halved.
	Depth int
}

// Scheduler is the subset of the worker pool's contract that a range task
// needs: unpinned placement, pinned placement, and the caller's own
// worker index. Defined on the consumer side so internal/task never
// imports internal/pool.
type Scheduler interface {
	Schedule(task func())
	RunOnThread(task func(), hint int) error
	CurrentWorkerIndex() int
	ThreadCount() int
}

// Task is one node of the range-task tree: a sub-range, the policy it
// subdivides under, and the node tracking its place in the completion
// tree.
type Task struct {
	sched Scheduler
	node  *Node

	cur, end uint64
	body     func(uint64)
	balance  Balance
	grainM   GrainMode
	split    SplitData
	initial  bool
}

// NewInitial builds the very first task of a ParallelFor call: the one
// that performs the geometric distribution across the pool before the
// recursive halving takes over.
func NewInitial(sched Scheduler, node *Node, from, to uint64, body func(uint64), balance Balance, grainM GrainMode, grainSize int64) *Task {
	return &Task{
		sched:   sched,
		node:    node,
		cur:     from,
		end:     to,
		body:    body,
		balance: balance,
		grainM:  grainM,
		initial: true,
		split: SplitData{
			Threads:   Range{From: 0, To: uint64(sched.ThreadCount())},
			GrainSize: grainSize,
		},
	}
}

func newChild(sched Scheduler, node *Node, from, to uint64, body func(uint64), balance Balance, grainM GrainMode, split SplitData) *Task {
	return &Task{
		sched:   sched,
		node:    node,
		cur:     from,
		end:     to,
		body:    body,
		balance: balance,
		grainM:  grainM,
		split:   split,
	}
}

// isDivisible reports whether the task still has more than one grain's
// worth of work left and the calling goroutine has recursion budget to
// split again.
func (t *Task) isDivisible() bool {
	return t.cur+uint64(t.split.GrainSize) < t.end && Depth() < MaxDepth/2
}

// Run executes the task to completion: push a stack frame, optionally
// distribute, optionally warm up, then repeatedly halve off stealable
// subtasks until indivisible, then drain sequentially. Run always release
// the task's node and pops its frame before returning, regardless of which
// path was taken.
func (t *Task) Run() {
	frame := &Frame{}
	Push(frame)
	defer Pop(frame)
	defer t.node.Release()

	if t.initial {
		t.distributeWork()
	}

	if t.balance == Delayed {
		start := time.Now()
		for t.cur < t.end {
			t.execute()
			if t.grainM == GrainAuto {
				t.split.GrainSize++
			}
			if time.Since(start) > InitTime {
				break
			}
		}
	}

	if t.balance != Off {
		for t.cur != t.end && t.isDivisible() {
			mid := t.cur + (t.end-t.cur)/2
			child := newChild(t.sched, NewNode(t.node), mid, t.end, t.body, Simple, GrainDefault, SplitData{
				GrainSize: t.split.GrainSize,
				Depth:     t.split.Depth + 1,
			})
			t.node.SpawnChild(1)
			t.sched.Schedule(child.Run)
			t.end = mid
		}
	}

	for t.cur != t.end {
		t.execute()
	}
}

func (t *Task) execute() {
	t.body(t.cur)
	t.cur++
}

// distributeWork performs the single geometric pass that only the initial
// task of a ParallelFor call runs. It keeps 1/Threads.Size of the
// remaining range for the calling goroutine ("self") and fans the rest out
// across up to KSplit contiguous worker chunks, each pinned via
// RunOnThread to the first worker index of its chunk.
func (t *Task) distributeWork() {
	if t.split.Threads.Size() == 1 || !t.isDivisible() {
		return
	}

	selfSize := (t.end - t.cur + t.split.Threads.Size() - 1) / t.split.Threads.Size()
	otherFrom := t.cur + selfSize
	otherTo := t.end
	if otherFrom+uint64(t.split.GrainSize) >= otherTo {
		return
	}
	t.end = otherFrom

	otherThreadsFrom := t.split.Threads.From + 1
	otherThreadsTo := t.split.Threads.To
	otherThreadsSize := otherThreadsTo - otherThreadsFrom
	otherDataSize := otherTo - otherFrom

	parts := uint64(KSplit)
	if otherThreadsSize < parts {
		parts = otherThreadsSize
	}
	if otherDataSize < parts {
		parts = otherDataSize
	}
	if parts == 0 {
		return
	}

	threadStep := otherThreadsSize / parts
	threadsMod := otherThreadsSize % parts
	dataStep := otherDataSize / parts
	dataMod := otherDataSize % parts

	threadsFrom := otherThreadsFrom
	dataFrom := otherFrom
	for i := uint64(0); i != parts; i++ {
		threadExtra := uint64(0)
		if parts-1-i < threadsMod {
			threadExtra = 1
		}
		threadSplit := min(otherThreadsTo, threadsFrom+threadStep+threadExtra)

		dataExtra := uint64(0)
		dataModIndex := parts - 1 - i
		if threadsMod == 0 {
			dataModIndex = i
		}
		if dataModIndex < dataMod {
			dataExtra = 1
		}
		dataSplit := min(otherTo, dataFrom+dataStep+dataExtra)

		chunkThreads := Range{From: threadsFrom, To: threadSplit}
		chunkFrom, chunkTo := dataFrom, dataSplit
		hint := int(threadsFrom)
		child := NewInitial(t.sched, NewNode(t.node), chunkFrom, chunkTo, t.body, t.balance, t.grainM, t.split.GrainSize)
		child.split.Threads = chunkThreads
		t.node.SpawnChild(1)
		// RunOnThread failures (a stalled worker's inbox staying full past
		// its retry budget) are not expected in practice; there is no
		// recoverable action here beyond what the caller's own refcount
		// spin already provides, since the child's node still holds a
		// reference nobody else will release. Dropping the child task in
		// that case would leak the reference, so it is run inline instead.
		if err := t.sched.RunOnThread(child.Run, hint); err != nil {
			child.Run()
		}

		threadsFrom = threadSplit
		dataFrom = dataSplit
	}
}
