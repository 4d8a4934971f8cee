// Copyright 2025 Parfor Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package pool

import (
	"errors"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
)

// inboxCapacity bounds the pinned-delivery queue each worker owns. A
// worker drains its inbox before touching its own deque or stealing, so a
// small bounded capacity is enough to absorb the handful of pinned sends
// a single ParallelFor call can produce: the geometric initial
// distribution's KSplit chunks and, on the rapid-start path, one
// broadcast entry per worker.
const inboxCapacity = 8

// inboxRetries bounds how many backoff rounds RunOnThread will wait for a
// momentarily full inbox before giving up. The inbox is drained promptly
// by its owning worker's steal loop, so exhausting this budget indicates
// the target worker has stalled or the pool is shutting down.
const inboxRetries = 1024

// ErrInboxFull is returned by RunOnThread when the target worker's pinned
// inbox is still full after inboxRetries backoff rounds.
var ErrInboxFull = errors.New("parfor/pool: worker inbox full")

// inbox is a bounded single-producer single-consumer queue of pinned
// tasks, backed by a lock-free SPSC ring buffer. The pool itself is the
// only producer at any given instant for a given worker's inbox (whichever
// goroutine currently calls RunOnThread(_, hint) for that hint); the
// worker owning the inbox is the sole consumer.
type inbox struct {
	q lfq.SPSC[func()]
}

func newInbox() *inbox {
	ib := &inbox{}
	ib.q.Init(inboxCapacity)
	return ib
}

// push enqueues t, backing off adaptively while the ring buffer is
// momentarily full. Never blocks indefinitely.
func (ib *inbox) push(t func()) error {
	var bo iox.Backoff
	for i := 0; i < inboxRetries; i++ {
		if err := ib.q.Enqueue(&t); err == nil {
			return nil
		}
		bo.Wait()
	}
	return ErrInboxFull
}

// tryPop removes one task without blocking. Returns false if the inbox is
// empty.
func (ib *inbox) tryPop() (func(), bool) {
	t, err := ib.q.Dequeue()
	if err != nil {
		return nil, false
	}
	return t, true
}
