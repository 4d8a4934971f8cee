// Copyright 2025 Parfor Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package task

import "code.hybscloud.com/atomix"

// RapidTask is the fast-path entry used when ParallelFor is called from a
// goroutine whose task stack is empty. It is offered to the pool's
// TryRunRapid; if accepted, the pool itself drives one Invoke call per
// worker instead of the caller submitting a single task that would then
// spawn the rest of the tree.
//
// RapidTask holds exactly the one node reference the caller reserved for
// "the initial subtask" (see NewRoot). That reference is released
// exactly once, by whichever of the totalParts Invoke calls happens to
// finish last, rather than split across totalParts references: the
// broadcast fans out execution, not ownership of the node.
type RapidTask struct {
	sched Scheduler
	node  *Node
	body  func(uint64)
	from  uint64
	to    uint64

	balance Balance
	grainM  GrainMode
	grain   int64

	remaining atomix.Int64
}

// NewRapid builds a rapid-start broadcast for the range [from, to).
func NewRapid(sched Scheduler, node *Node, from, to uint64, body func(uint64), balance Balance, grainM GrainMode, grain int64) *RapidTask {
	r := &RapidTask{
		sched:   sched,
		node:    node,
		body:    body,
		from:    from,
		to:      to,
		balance: balance,
		grainM:  grainM,
		grain:   grain,
	}
	r.remaining.Add(int64(sched.ThreadCount()))
	return r
}

// Invoke runs the body sequentially over the sub-range owned by part out
// of totalParts, using a balanced integer partition of [from, to) so every
// part's size differs by at most one. Called by the pool, once per worker,
// after TryRunRapid has accepted the broadcast. A frame is pushed on the
// calling goroutine's task stack while the body runs, so a ParallelFor
// nested inside the body sees that it is already inside parallel work.
func (r *RapidTask) Invoke(part, totalParts int) {
	size := r.to - r.from
	step := size / uint64(totalParts)
	remainder := size % uint64(totalParts)

	from := r.from + uint64(part)*step + min(remainder, uint64(part))
	part++
	to := r.from + uint64(part)*step + min(remainder, uint64(part))

	frame := &Frame{}
	Push(frame)
	for i := from; i < to; i++ {
		r.body(i)
	}
	Pop(frame)

	if r.remaining.Add(-1) == 0 {
		r.node.Release()
	}
}

// IntoInitial converts a rejected rapid-start broadcast back into the
// ordinary initial range task, run inline on the calling goroutine. Used
// when TryRunRapid declines the offer because the pool was not observed
// fully idle.
func (r *RapidTask) IntoInitial() *Task {
	return NewInitial(r.sched, r.node, r.from, r.to, r.body, r.balance, r.grainM, r.grain)
}
