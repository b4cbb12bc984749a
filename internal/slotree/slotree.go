// Package slotree tracks the fork graph of cluster slots and decides,
// as slots reach finality, which slots become rooted and which belong
// to rival forks and must be pruned.
//
// Nodes live in a flat arena indexed by nodeID with an explicit free
// list, so pruning whole subtrees never chases pointers the GC has to
// trace. The tree holds a single current root; only descendants of the
// root are tracked and a slot at or below the root is immutable.
package slotree

import (
	"github.com/bobs4462/validator-offload/internal/types"
)

type nodeID uint32

// noNode marks an empty parent or free-list link.
const noNode = ^nodeID(0)

type slotNode struct {
	slot     types.Slot
	status   types.Commitment
	parent   nodeID
	children map[types.Slot]nodeID
	nextFree nodeID
}

func (n *slotNode) rooted() bool { return n.status >= types.Finalized }

// SlotStatus reports the fate of one slot settled by a Push: promoted
// to rooted, or pruned as part of a rival fork.
type SlotStatus struct {
	Slot   types.Slot
	Rooted bool
}

// SlotTree is the fork graph. Not safe for concurrent use; the buffer
// actor owns it exclusively.
type SlotTree struct {
	nodes  []slotNode
	free   nodeID
	lookup map[types.Slot]nodeID
	root   nodeID
	boot   bool
}

// New creates a tree bootstrapped with a synthetic rooted slot 0.
// Until the first finalized update arrives, nodes with unknown
// ancestry attach directly to the synthetic root.
func New() *SlotTree {
	t := &SlotTree{
		free:   noNode,
		lookup: make(map[types.Slot]nodeID),
		boot:   true,
	}
	t.root = t.alloc(0, types.Finalized)
	t.lookup[0] = t.root
	return t
}

// Root returns the slot of the current root.
func (t *SlotTree) Root() types.Slot { return t.nodes[t.root].slot }

// Size returns the number of live nodes, the current root included.
func (t *SlotTree) Size() int { return len(t.lookup) }

// Push applies one slot status transition. It returns nil unless the
// update promoted a slot to rooted, in which case it returns the
// freshly rooted slot first, every slot pruned from rival forks, and
// any ancestors rooted along the walk to the previous root.
//
// Stale updates (slot at or below the root), status downgrades and
// updates naming an unknown parent are ignored. A parent from the
// slot's own subtree counts as unknown; linking under it would cycle
// the graph.
func (t *SlotTree) Push(u types.SlotUpdate) []SlotStatus {
	if u.Slot <= t.nodes[t.root].slot {
		return nil
	}
	if t.boot {
		return t.bootstrap(u)
	}

	id, tracked := t.lookup[u.Slot]
	if tracked {
		if u.Status > t.nodes[id].status {
			t.nodes[id].status = u.Status
		}
		parent, known := t.lookup[u.Parent]
		if !known || t.descends(parent, id) {
			return nil
		}
		t.reparent(id, parent)
	} else {
		parent, known := t.lookup[u.Parent]
		if !known {
			return nil
		}
		id = t.attach(u.Slot, u.Status, parent)
	}

	if !t.nodes[id].rooted() {
		return nil
	}
	return t.promote(id)
}

// bootstrap handles pushes before the first finalized slot. Unknown
// parents resolve to the synthetic root instead of rejecting the
// update, so the early fork graph can assemble out of order.
func (t *SlotTree) bootstrap(u types.SlotUpdate) []SlotStatus {
	parent, known := t.lookup[u.Parent]
	if !known {
		parent = t.root
	}
	id, tracked := t.lookup[u.Slot]
	if tracked {
		if u.Status > t.nodes[id].status {
			t.nodes[id].status = u.Status
		}
		if !t.descends(parent, id) {
			t.reparent(id, parent)
		}
	} else {
		id = t.attach(u.Slot, u.Status, parent)
	}

	if !t.nodes[id].rooted() {
		return nil
	}
	t.boot = false
	return t.promote(id)
}

// attach allocates a node for a never-seen slot under parent and
// indexes it.
func (t *SlotTree) attach(slot types.Slot, status types.Commitment, parent nodeID) nodeID {
	id := t.alloc(slot, status)
	t.nodes[id].parent = parent
	t.nodes[parent].children[slot] = id
	t.lookup[slot] = id
	return id
}

// reparent moves a node between children maps when an update reports
// a different parent than currently recorded. Callers must not pass a
// parent from id's own subtree.
func (t *SlotTree) reparent(id, parent nodeID) {
	n := &t.nodes[id]
	if n.parent == parent {
		return
	}
	delete(t.nodes[n.parent].children, n.slot)
	t.nodes[parent].children[n.slot] = id
	n.parent = parent
}

// descends reports whether id sits in ancestor's subtree, the ancestor
// itself included. Walks the parent chain from id toward the root.
func (t *SlotTree) descends(id, ancestor nodeID) bool {
	for id != noNode {
		if id == ancestor {
			return true
		}
		id = t.nodes[id].parent
	}
	return false
}

// promote walks from the freshly rooted node toward the current root.
// At every step the rooted branch is detached from its parent, every
// remaining sibling belongs to a rival fork and is pruned, and the
// parent itself is recorded as implicitly rooted unless it already was
// the root. The freshly rooted node becomes the new root; every other
// slot touched by the walk leaves the index and its node is freed.
func (t *SlotTree) promote(id nodeID) []SlotStatus {
	out := []SlotStatus{{Slot: t.nodes[id].slot, Rooted: true}}
	childSlot := t.nodes[id].slot
	parent := t.nodes[id].parent
	for {
		pn := &t.nodes[parent]
		delete(pn.children, childSlot)
		for _, rival := range pn.children {
			out = t.prune(rival, out)
		}
		clear(pn.children)
		if pn.rooted() {
			// previous root, superseded
			delete(t.lookup, pn.slot)
			t.release(parent)
			break
		}
		out = append(out, SlotStatus{Slot: pn.slot, Rooted: true})
		childSlot = pn.slot
		next := pn.parent
		t.release(parent)
		parent = next
	}

	for _, s := range out {
		delete(t.lookup, s.Slot)
	}
	t.nodes[id].parent = noNode
	t.root = id
	t.lookup[t.nodes[id].slot] = id
	return out
}

// prune appends every slot reachable from id to out and frees the
// whole subtree.
func (t *SlotTree) prune(id nodeID, out []SlotStatus) []SlotStatus {
	stack := []nodeID{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := &t.nodes[cur]
		out = append(out, SlotStatus{Slot: n.slot, Rooted: false})
		for _, child := range n.children {
			stack = append(stack, child)
		}
		t.release(cur)
	}
	return out
}

func (t *SlotTree) alloc(slot types.Slot, status types.Commitment) nodeID {
	if t.free != noNode {
		id := t.free
		n := &t.nodes[id]
		t.free = n.nextFree
		n.slot, n.status, n.parent, n.nextFree = slot, status, noNode, noNode
		return id
	}
	t.nodes = append(t.nodes, slotNode{
		slot:     slot,
		status:   status,
		parent:   noNode,
		children: make(map[types.Slot]nodeID),
		nextFree: noNode,
	})
	return nodeID(len(t.nodes) - 1)
}

func (t *SlotTree) release(id nodeID) {
	n := &t.nodes[id]
	clear(n.children)
	n.parent = noNode
	n.nextFree = t.free
	t.free = id
}
