// Copyright 2025 Parfor Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package task

import (
	"sync"

	"github.com/petermattis/goid"
)

// MaxDepth bounds the per-goroutine recursion depth of range task
// subdivision. A task stops splitting once its goroutine's stack holds at
// least MaxDepth/2 frames, capping both native stack use and per-task
// overhead from runaway halving.
const MaxDepth = 16

// Frame is one entry in a goroutine's chain of currently-executing range
// tasks. Each Task.Run (and each rapid-task part or ParDo side) allocates
// its own Frame and keeps it pushed for the duration of that run.
type Frame struct {
	prev *Frame
}

// stacks maps goroutine id to the top frame currently executing on that
// goroutine. Every range task and rapid-task part runs synchronously on
// whichever goroutine picked it up (a pool worker's own loop, or a caller
// executing its "self" slice inline), so a plain map keyed by goroutine id
// is sufficient to answer "is this goroutine already inside parallel
// work?" even when the opaque user body re-enters the package several
// levels deep.
var stacks sync.Map // goid -> *Frame

// Push adds frame to the top of the calling goroutine's stack.
func Push(frame *Frame) {
	id := goid.Get()
	if top, ok := stacks.Load(id); ok {
		frame.prev = top.(*Frame)
	}
	stacks.Store(id, frame)
}

// Pop removes the top frame of the calling goroutine's stack. frame must be
// the value most recently pushed on this goroutine. Pop does not check
// this: it makes frame's predecessor the new top (or empties the stack if
// frame had none) without looking at the current top.
func Pop(frame *Frame) {
	id := goid.Get()
	if frame.prev == nil {
		stacks.Delete(id)
		return
	}
	stacks.Store(id, frame.prev)
}

// IsEmpty reports whether the calling goroutine currently has no
// range-task frame on its stack. This is the rapid-start eligibility
// predicate: true means the caller is not nested inside another parallel
// region.
func IsEmpty() bool {
	_, ok := stacks.Load(goid.Get())
	return !ok
}

// Depth returns the number of frames currently pushed on the calling
// goroutine's stack. Used by the divisibility predicate to implement the
// "stack half full" recursion cap.
func Depth() int {
	top, ok := stacks.Load(goid.Get())
	if !ok {
		return 0
	}
	d := 0
	for f := top.(*Frame); f != nil; f = f.prev {
		d++
	}
	return d
}
