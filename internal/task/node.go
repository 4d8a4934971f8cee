// Copyright 2025 Parfor Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package task

import "code.hybscloud.com/atomix"

// Node is an intrusive, reference-counted node in the completion tree of a
// single ParallelFor or ParDo call. Every range task submitted during that
// call holds exactly one reference to the node that tracks its subtree;
// releasing the last reference propagates the release to Parent, so the
// root node's refcount reaching 1 means every descendant has finished and
// let go.
//
// Node never blocks and is never read by more than the caller that holds a
// reference to it; the only cross-goroutine communication is the refcount
// itself.
type Node struct {
	Parent *Node

	refs atomix.Int64

	// childrenAwaitingSteal is a hint, maintained but never read in the hot
	// path (see DESIGN.md for why it is kept anyway).
	childrenAwaitingSteal atomix.Int64
}

// NewNode allocates a child node under parent. The returned node starts
// with a refcount of 1, held by the caller. Holding a child node also
// holds a reference on parent for as long as the child's own subtree is
// alive: parent.AddRef balances the Release that runs when the child's
// last reference goes away and propagates up to Parent.
func NewNode(parent *Node) *Node {
	parent.AddRef()
	n := &Node{Parent: parent}
	n.refs.Add(1)
	return n
}

// NewRoot allocates a root node pinned to refcount 2: one reference for the
// "pinned" hold that the owning ParallelFor/ParDo frame releases on return,
// and one for the initial subtask it is about to hand out. Ordinary
// Release calls on a root node therefore never free it underneath the
// frame that is still spinning on LoadRefs.
func NewRoot() *Node {
	n := &Node{}
	n.refs.Add(2)
	return n
}

// AddRef adds one reference. Uses relaxed ordering: the increment only
// needs to happen before the corresponding Release, and the thread doing
// the incrementing is by construction also the thread handing the node to
// whichever task will own the new reference.
func (n *Node) AddRef() {
	n.refs.Add(1)
}

// Release drops one reference. If this was the last reference, the node is
// destroyed and its parent (if any) is released in turn, propagating
// completion up the tree. Decrements observe acquire-release ordering so
// that whichever goroutine destroys a node sees every write made by every
// goroutine that previously held a reference to it.
func (n *Node) Release() {
	if n.refs.Add(-1) == 0 {
		if n.Parent != nil {
			n.Parent.Release()
		}
	}
}

// LoadRefs returns the current refcount. Used only by the top-level
// refcount-spin in ParallelFor/ParDo to detect that every descendant task
// has released.
func (n *Node) LoadRefs() int64 {
	return n.refs.Load()
}

// SpawnChild records that count children have been created and are
// awaiting a steal. Relaxed ordering: advisory only, never used to decide
// correctness.
func (n *Node) SpawnChild(count int64) {
	n.childrenAwaitingSteal.Add(count)
}

// OnStolen records that one child of this node's parent has been picked up
// by a thief.
func (n *Node) OnStolen() {
	if n.Parent != nil {
		n.Parent.childrenAwaitingSteal.Add(-1)
	}
}

// AllStolen reports whether every spawned child is currently believed to
// have been stolen. Kept for symmetry with the source; no call site reads
// it (see DESIGN.md).
func (n *Node) AllStolen() bool {
	return n.childrenAwaitingSteal.Load() == 0
}
