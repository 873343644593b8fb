// Package suspend implements the per-place suspension/buffer tree (C6): one
// node per channel-identifier prefix, tracking which subtrees are suspended
// by an in-flight reduction and queuing records that arrive for a suspended
// destination until it is released.
package suspend

import (
	"fmt"
	"io"
	"sort"

	"github.com/mustgti/gti/channelid"
)

// QueuedRecord is one buffered, out-of-turn record: an owned frame plus the
// channel id it was addressed to.
type QueuedRecord struct {
	Buf       []byte
	Free      func()
	ChannelID channelid.ID
}

func (r QueuedRecord) release() {
	if r.Free != nil {
		r.Free()
	}
}

type rangeSuspension struct {
	sub   channelid.SubID
	count int
}

// Node is one point in the suspension tree, corresponding to one prefix of
// a channel identifier. Concrete children are keyed by their exact
// FromChannel (never merged across a stride): a strided suspension is
// tracked as a standing predicate on the parent rather than by physically
// coalescing children, so every concrete offset that ever sends a record
// always gets its own node — equivalent to always having already applied
// the REDESIGN FLAGS "split node" resolution for stride-subset arrivals.
type Node struct {
	children map[int64]*Node
	ranges   []rangeSuspension

	queue []QueuedRecord

	suspendCount int

	numChildRecords     int
	numChildSuspensions int
}

func newNode() *Node {
	return &Node{children: make(map[int64]*Node)}
}

// Tree is a suspension/buffer tree rooted at one node, mirroring the full
// channel-id space for one place.
type Tree struct {
	root *Node
}

// NewTree returns an empty suspension tree.
func NewTree() *Tree {
	return &Tree{root: newNode()}
}

func (n *Node) isSuspendedFor(offset int64) bool {
	if n.suspendCount > 0 {
		return true
	}
	for _, r := range n.ranges {
		if r.count > 0 && r.sub.Covers(channelid.Rank(offset, r.sub.FanIn)) {
			return true
		}
	}
	return false
}

func (n *Node) childFor(sub channelid.SubID) *Node {
	c, ok := n.children[sub.FromChannel]
	if !ok {
		c = newNode()
		n.children[sub.FromChannel] = c
	}
	return c
}

// GetNode walks from the root to the node addressed by id, creating
// intermediate nodes lazily, and reports two diagnostics the driver needs
// before deciding to deliver or enqueue: firstSuspendedOnPath is true if any
// node strictly above the destination (inclusive of the destination's own
// suspend state) is suspended; firstNonEmptyOnPath is true if any strict
// ancestor (not the destination node itself) has a non-empty queue.
func (t *Tree) GetNode(id channelid.ID) (node *Node, firstSuspendedOnPath, firstNonEmptyOnPath bool) {
	cur := t.root
	for _, sub := range id {
		if cur.isSuspendedFor(sub.FromChannel) {
			firstSuspendedOnPath = true
		}
		if len(cur.queue) > 0 {
			firstNonEmptyOnPath = true
		}
		cur = cur.childFor(sub)
	}
	if cur.suspendCount > 0 {
		firstSuspendedOnPath = true
	}
	return cur, firstSuspendedOnPath, firstNonEmptyOnPath
}

// Enqueue pushes rec at node(id), creating the path lazily, and maintains
// numChildRecords along the ancestor chain for O(1) emptiness tests.
func (t *Tree) Enqueue(id channelid.ID, rec QueuedRecord) {
	path := t.pathTo(id)
	leaf := path[len(path)-1]
	leaf.queue = append(leaf.queue, rec)
	for _, n := range path {
		n.numChildRecords++
	}
}

// pathTo returns every node from the root through node(id), inclusive,
// creating nodes lazily.
func (t *Tree) pathTo(id channelid.ID) []*Node {
	path := make([]*Node, 0, len(id)+1)
	cur := t.root
	path = append(path, cur)
	for _, sub := range id {
		cur = cur.childFor(sub)
		path = append(path, cur)
	}
	return path
}

// SetSuspension suspends or unsuspends the subtree addressed by id. If id's
// final sub-id is a stride-compressed range, the suspension applies to
// every concrete offset within that range, present or future, via a
// standing predicate on the parent; otherwise it applies to exactly the one
// concrete node at id.
func (t *Tree) SetSuspension(id channelid.ID, on bool) {
	if len(id) == 0 {
		t.adjustSuspend([]*Node{t.root}, on)
		return
	}
	parentPath := t.pathTo(id[:len(id)-1])
	parent := parentPath[len(parentPath)-1]
	last := id[len(id)-1]

	if last.IsStrided() {
		t.adjustRangeSuspend(parent, last, on)
		return
	}
	child := parent.childFor(last)
	t.adjustSuspend(append(parentPath, child), on)
}

// adjustSuspend toggles the leaf of path (the node whose concrete
// suspend_count is changing) and keeps numChildSuspensions, the O(1)
// "is anything below me suspended" counter, consistent on every ancestor.
func (t *Tree) adjustSuspend(path []*Node, on bool) {
	leaf := path[len(path)-1]
	if on {
		leaf.suspendCount++
	} else if leaf.suspendCount > 0 {
		leaf.suspendCount--
	} else {
		return
	}
	delta := 1
	if !on {
		delta = -1
	}
	for _, n := range path {
		n.numChildSuspensions += delta
	}
}

func (t *Tree) adjustRangeSuspend(parent *Node, sub channelid.SubID, on bool) {
	for i := range parent.ranges {
		if parent.ranges[i].sub.Offset() == sub.Offset() && parent.ranges[i].sub.Stride == sub.Stride {
			if on {
				parent.ranges[i].count++
				parent.numChildSuspensions++
			} else if parent.ranges[i].count > 0 {
				parent.ranges[i].count--
				parent.numChildSuspensions--
			}
			return
		}
	}
	if on {
		parent.ranges = append(parent.ranges, rangeSuspension{sub: sub, count: 1})
		parent.numChildSuspensions++
	}
}

// HasSuspensions reports, in O(1), whether any node at or below n carries an
// active suspension (concrete or range).
func (n *Node) HasSuspensions() bool { return n.numChildSuspensions > 0 }

// Drain walks the whole tree and returns, in a deterministic per-subtree
// order, every queued record whose path currently contains no suspension.
// Each returned record is removed from its node's queue; ancestor counts
// are updated accordingly. Used after an unsuspend to flush everything that
// became deliverable (spec.md §4.4's get_queued_record loop).
func (t *Tree) Drain() []QueuedRecord {
	var out []QueuedRecord
	t.drainNode(t.root, false, &out)
	return out
}

func (t *Tree) drainNode(n *Node, suspendedAncestor bool, out *[]QueuedRecord) {
	suspended := suspendedAncestor || n.suspendCount > 0
	if !suspended {
		for len(n.queue) > 0 {
			rec := n.queue[0]
			n.queue = n.queue[1:]
			n.numChildRecords--
			*out = append(*out, rec)
		}
	}

	keys := make([]int64, 0, len(n.children))
	for k := range n.children {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	for _, k := range keys {
		c := n.children[k]
		childSuspended := suspended || n.isSuspendedFor(k)
		t.drainNode(c, childSuspended, out)
	}
}

// IsEmpty reports whether the whole tree holds no queued records.
func (t *Tree) IsEmpty() bool { return t.root.numChildRecords == 0 }

// WriteDOT dumps the tree as Graphviz DOT, for diagnosing stuck
// suspensions (mirrors the original's printAsDot debugging aid).
func (t *Tree) WriteDOT(w io.Writer) error {
	if _, err := fmt.Fprintln(w, "digraph suspend {"); err != nil {
		return err
	}
	id := 0
	if err := writeDOTNode(w, t.root, "root", &id); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, "}")
	return err
}

func writeDOTNode(w io.Writer, n *Node, label string, id *int) error {
	myID := *id
	*id++
	if _, err := fmt.Fprintf(w, "  n%d [label=%q, suspended=%d, queued=%d];\n", myID, label, n.suspendCount, len(n.queue)); err != nil {
		return err
	}
	keys := make([]int64, 0, len(n.children))
	for k := range n.children {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		childID := *id
		if err := writeDOTNode(w, n.children[k], fmt.Sprintf("%d", k), id); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "  n%d -> n%d;\n", myID, childID); err != nil {
			return err
		}
	}
	return nil
}
