package reduction

import "github.com/mustgti/gti/channelid"

// completionTree is isomorphic to the sub-id structure of the channel ids
// feeding one reduction wave: a leaf is complete once its exact channel id
// has reported an arrival; an internal node is complete once it has exactly
// as many children as its fan-in (read off the first child's SubID) and
// every one of them is complete.
type completionTree struct {
	root *completionNode
}

type completionNode struct {
	children    map[int64]*completionNode
	childFanIn  int64
	leafArrived bool
}

func newCompletionNode() *completionNode {
	return &completionNode{children: make(map[int64]*completionNode)}
}

func newCompletionTree() *completionTree {
	return &completionTree{root: newCompletionNode()}
}

// markArrived records that id has contributed to the current wave.
func (t *completionTree) markArrived(id channelid.ID) {
	cur := t.root
	for _, sub := range id {
		if cur.childFanIn == 0 {
			cur.childFanIn = sub.FanIn
		}
		child, ok := cur.children[sub.FromChannel]
		if !ok {
			child = newCompletionNode()
			cur.children[sub.FromChannel] = child
		}
		cur = child
	}
	cur.leafArrived = true
}

// isComplete reports whether every expected contributor has arrived.
func (t *completionTree) isComplete() bool {
	return nodeComplete(t.root)
}

func nodeComplete(n *completionNode) bool {
	if len(n.children) == 0 {
		return n.leafArrived
	}
	if n.childFanIn <= 0 || int64(len(n.children)) < n.childFanIn {
		return false
	}
	for _, c := range n.children {
		if !nodeComplete(c) {
			return false
		}
	}
	return true
}
