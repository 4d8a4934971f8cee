// Copyright 2025 Parfor Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package pool implements the fixed-size work-stealing worker pool that
// internal/task schedules range tasks and rapid-start broadcasts onto.
//
// The scheduling core treats the pool as an external collaborator with a
// narrow, named contract (Schedule, RunOnThread, TryExecuteOne,
// CurrentWorkerIndex, TryRunRapid, ThreadCount); this package is one
// concrete, runnable implementation of that contract, not part of the
// partitioning algorithm itself.
package pool

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"code.hybscloud.com/iox"
	"github.com/petermattis/goid"
)

// Rapid is the interface a rapid-start broadcast must satisfy to be
// offered to TryRunRapid. Defined here, on the consumer side, so that
// internal/pool never needs to import internal/task.
type Rapid interface {
	// Invoke runs the broadcast's body on the sub-range owned by part out
	// of totalParts.
	Invoke(part, totalParts int)
}

// idleRounds is how many consecutive empty poll rounds a worker's steal
// loop tolerates before backing off with iox.Backoff rather than spinning
// at full rate.
const idleRounds = 4

// Pool is a fixed set of long-lived worker goroutines, each owning one
// work-stealing deque (unpinned, stealable placement) and one bounded SPSC
// inbox (pinned delivery). Workers never block: an idle worker polls its
// own inbox, then its own deque, then the shared injection queue, then the
// other workers' deques in turn starting from a randomly chosen one,
// backing off adaptively when all of them are empty.
type Pool struct {
	deques  []*deque
	inboxes []*inbox

	// workerIDs maps goroutine id to pool-assigned worker index, for the
	// pool's own worker goroutines only. Looked up by CurrentWorkerIndex.
	workerIDs []int64

	// injectMu guards inject, the FIFO landing spot for unpinned
	// submissions from goroutines that are not themselves a pool worker.
	// A deque's pushBottom is owner-only (Chase-Lev is single-producer at
	// the bottom); a foreign goroutine cannot safely push there, so
	// Schedule routes it through this mutex-protected queue instead, the
	// way a work-stealing runtime's global injector queue absorbs
	// external submissions without touching any worker's local deque.
	injectMu sync.Mutex
	inject   []func()

	closing atomic.Bool
}

// New starts n worker goroutines and returns the running pool. n is
// clamped to at least 1.
func New(n int) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		deques:    make([]*deque, n),
		inboxes:   make([]*inbox, n),
		workerIDs: make([]int64, n),
	}
	var ready sync.WaitGroup
	ready.Add(n)
	for i := 0; i < n; i++ {
		p.deques[i] = newDeque(1024)
		p.inboxes[i] = newInbox()
		go p.workerLoop(i, &ready)
	}
	ready.Wait()
	return p
}

// ThreadCount returns the number of worker goroutines in the pool.
func (p *Pool) ThreadCount() int {
	return len(p.deques)
}

// CurrentWorkerIndex returns the pool-assigned index of the calling
// goroutine if it is one of the pool's own workers, else 0 (the "main
// goroutine" convention).
func (p *Pool) CurrentWorkerIndex() int {
	id := goid.Get()
	for i, wid := range p.workerIDs {
		if wid == id {
			return i
		}
	}
	return 0
}

func (p *Pool) currentWorker() (int, bool) {
	id := goid.Get()
	for i, wid := range p.workerIDs {
		if wid == id {
			return i, true
		}
	}
	return 0, false
}

// Schedule submits task for execution by any free worker. If the calling
// goroutine is itself a pool worker, the task is pushed to that worker's
// own deque (LIFO locality: a worker that just split off the upper half of
// its range keeps the lower half warm in cache while a thief may steal the
// half it just queued). Otherwise the task is appended to the shared
// injection queue, since the calling goroutine does not own any deque it
// could push onto.
func (p *Pool) Schedule(t func()) {
	if i, ok := p.currentWorker(); ok {
		p.deques[i].pushBottom(t)
		return
	}
	p.injectMu.Lock()
	p.inject = append(p.inject, t)
	p.injectMu.Unlock()
}

// popInject removes and returns the oldest injected task, if any.
func (p *Pool) popInject() (func(), bool) {
	p.injectMu.Lock()
	defer p.injectMu.Unlock()
	if len(p.inject) == 0 {
		return nil, false
	}
	t := p.inject[0]
	p.inject = p.inject[1:]
	return t, true
}

// injectIsEmpty reports whether the injection queue currently has nothing
// waiting. Used only by TryRunRapid's eligibility check, alongside
// idleObserved.
func (p *Pool) injectIsEmpty() bool {
	p.injectMu.Lock()
	defer p.injectMu.Unlock()
	return len(p.inject) == 0
}

// RunOnThread submits task for pinned delivery to worker hint, via that
// worker's bounded inbox. Backs off briefly if the inbox is momentarily
// full; see ErrInboxFull.
func (p *Pool) RunOnThread(t func(), hint int) error {
	return p.inboxes[hint].push(t)
}

// TryExecuteOne runs at most one pending task: the injection queue, then
// (for a pool worker) its own inbox and own deque, then a steal sweep over
// the other workers' deques starting from a pseudo-randomly chosen one.
// Returns whether a task was found and run.
func (p *Pool) TryExecuteOne() bool {
	if t, ok := p.popInject(); ok {
		t()
		return true
	}
	i, ok := p.currentWorker()
	if !ok {
		// A non-worker caller (the original application goroutine,
		// spinning inside ParallelFor/ParDo) has no local queues of its
		// own; it can only help by draining the injection queue above or
		// stealing.
		return p.stealFromRandom(-1)
	}
	if t, ok := p.inboxes[i].tryPop(); ok {
		t()
		return true
	}
	if t, ok := p.deques[i].popBottom(); ok {
		t()
		return true
	}
	return p.stealFromRandom(i)
}

func (p *Pool) stealFromRandom(exclude int) bool {
	n := len(p.deques)
	if n == 0 {
		return false
	}
	start := rand.N(n)
	for k := 0; k < n; k++ {
		victim := (start + k) % n
		if victim == exclude {
			continue
		}
		if t, ok := p.deques[victim].steal(); ok {
			t()
			return true
		}
	}
	return false
}

// idleObserved reports whether worker i currently has nothing queued. Used
// only by TryRunRapid's eligibility check; it is inherently racy (a
// submission can land the instant after the check), which only affects
// whether the rapid path is taken, never correctness.
func (p *Pool) idleObserved(i int) bool {
	return p.deques[i].top.Load() == p.deques[i].bottom.Load()
}

// TryRunRapid offers a rapid-start broadcast to the pool. It is accepted
// only when every worker's deque and the injection queue are observed idle
// at offer time; on acceptance, one Invoke(part, total) closure is pushed
// into every worker's pinned inbox and TryRunRapid returns (nil, true). On
// rejection it returns (r, false) having dispatched nothing, so the caller
// can degrade to the ordinary initial range task without risking any part
// running twice.
//
// Once the eligibility check passes, the offer is committed unconditionally:
// a worker whose inbox happens to be momentarily full gets its part run
// inline, on the calling goroutine, rather than the whole broadcast
// reporting rejection after some parts were already queued. Reporting
// rejection that late would make the caller re-run every part via
// IntoInitial while the already-queued parts also ran, double-executing
// them and leaving RapidTask.remaining unable to ever reach zero.
func (p *Pool) TryRunRapid(r Rapid) (Rapid, bool) {
	n := len(p.deques)
	if !p.injectIsEmpty() {
		return r, false
	}
	for i := 0; i < n; i++ {
		if !p.idleObserved(i) {
			return r, false
		}
	}
	for i := 0; i < n; i++ {
		part := i
		if err := p.RunOnThread(func() { r.Invoke(part, n) }, i); err != nil {
			r.Invoke(part, n)
		}
	}
	return nil, true
}

// workerLoop is the body of one pool worker goroutine. It registers its
// goroutine id, signals readiness, then runs the steal loop for the
// lifetime of the pool.
func (p *Pool) workerLoop(index int, ready *sync.WaitGroup) {
	p.workerIDs[index] = goid.Get()
	ready.Done()

	var bo iox.Backoff
	empty := 0
	for !p.closing.Load() {
		if t, ok := p.inboxes[index].tryPop(); ok {
			t()
			empty = 0
			bo.Reset()
			continue
		}
		if t, ok := p.deques[index].popBottom(); ok {
			t()
			empty = 0
			bo.Reset()
			continue
		}
		if t, ok := p.popInject(); ok {
			t()
			empty = 0
			bo.Reset()
			continue
		}
		if p.stealFromRandom(index) {
			empty = 0
			bo.Reset()
			continue
		}
		empty++
		if empty >= idleRounds {
			bo.Wait()
		}
	}
}

// Close stops all worker goroutines. Not part of the scheduler's own
// contract (the source's pool never shuts down); provided so tests can
// tear a pool down deterministically.
func (p *Pool) Close() {
	p.closing.Store(true)
}
