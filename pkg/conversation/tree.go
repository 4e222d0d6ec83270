package conversation

import (
	"time"

	"github.com/pkg/errors"
)

// Tree holds every node of one conversation and implements the branch
// mutation rules over them.
//
// The tree consists of nodes connected by parent-child links. Relationships
// are stored twice, as ParentID on the child and as an entry in the parent's
// ChildIDs, and every mutation keeps both sides plus the parent's
// ActiveChildIndex consistent. The root is the single node without a parent;
// RootID points at it once it exists.
//
// Tree is a plain data structure with no locking. The stores wrap it with
// whatever concurrency control they need.
type Tree struct {
	Nodes  map[NodeID]*ChatNode
	RootID *NodeID
}

func NewTree() *Tree {
	return &Tree{
		Nodes: make(map[NodeID]*ChatNode),
	}
}

func (t *Tree) Node(id NodeID) (*ChatNode, bool) {
	node, exists := t.Nodes[id]
	return node, exists
}

func (t *Tree) Len() int {
	return len(t.Nodes)
}

// AddResult is what an add operation touched: the new node, and the parent
// whose ChildIDs and ActiveChildIndex were updated (nil for a root insert).
type AddResult struct {
	Node          *ChatNode
	UpdatedParent *ChatNode
}

// AddNode inserts a node into the tree.
//
// A node without a parent becomes the root; that is only valid while the tree
// has none, a second root insert fails with ErrRootExists. A node with a
// parent is appended to the parent's ChildIDs and the parent's
// ActiveChildIndex moves to the new, last position: the newest branch becomes
// the active one.
//
// Returns nil without error when the parent does not exist.
func (t *Tree) AddNode(node *ChatNode) (*AddResult, error) {
	if node.ParentID == nil {
		if t.RootID != nil {
			return nil, ErrRootExists
		}
		id := node.ID
		t.RootID = &id
		t.Nodes[node.ID] = node
		return &AddResult{Node: node}, nil
	}

	parent, exists := t.Nodes[*node.ParentID]
	if !exists {
		return nil, nil
	}

	parent.ChildIDs = append(parent.ChildIDs, node.ID)
	idx := len(parent.ChildIDs) - 1
	parent.ActiveChildIndex = &idx
	t.Nodes[node.ID] = node

	return &AddResult{Node: node, UpdatedParent: parent}, nil
}

// EditNode replaces a node's message text and stamps UpdatedAt.
// Returns nil if the node does not exist.
func (t *Tree) EditNode(id NodeID, text string) *ChatNode {
	node, exists := t.Nodes[id]
	if !exists {
		return nil
	}
	node.Message = text
	now := time.Now().UTC()
	node.UpdatedAt = &now
	return node
}

// DeleteResult lists everything a delete removed and the parent it adjusted.
type DeleteResult struct {
	RemovedIDs    []NodeID
	UpdatedParent *ChatNode
}

// DeleteNode removes a node and its entire subtree.
//
// The former parent's ChildIDs drops the node, and its ActiveChildIndex is
// clamped back into the remaining range, or cleared when no children remain.
// Returns false if the node does not exist.
func (t *Tree) DeleteNode(id NodeID) (*DeleteResult, bool) {
	node, exists := t.Nodes[id]
	if !exists {
		return nil, false
	}

	removed := t.collectSubtree(id)
	for _, rid := range removed {
		delete(t.Nodes, rid)
	}

	if node.ParentID == nil {
		t.RootID = nil
		return &DeleteResult{RemovedIDs: removed}, true
	}

	parent, exists := t.Nodes[*node.ParentID]
	if !exists {
		return &DeleteResult{RemovedIDs: removed}, true
	}

	pos := indexOfChild(parent.ChildIDs, id)
	if pos >= 0 {
		parent.ChildIDs = append(parent.ChildIDs[:pos], parent.ChildIDs[pos+1:]...)
	}

	if len(parent.ChildIDs) == 0 {
		parent.ActiveChildIndex = nil
	} else if parent.ActiveChildIndex != nil && pos >= 0 {
		idx := *parent.ActiveChildIndex
		if pos <= idx {
			idx--
		}
		if idx < 0 {
			idx = 0
		}
		if idx >= len(parent.ChildIDs) {
			idx = len(parent.ChildIDs) - 1
		}
		parent.ActiveChildIndex = &idx
	}

	return &DeleteResult{RemovedIDs: removed, UpdatedParent: parent}, true
}

func (t *Tree) collectSubtree(id NodeID) []NodeID {
	var removed []NodeID
	stack := []NodeID{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node, exists := t.Nodes[cur]
		if !exists {
			continue
		}
		removed = append(removed, cur)
		stack = append(stack, node.ChildIDs...)
	}
	return removed
}

// SwitchBranch makes the path from the root down to target the active path.
//
// It walks from target up to the root and, for every ancestor whose
// ActiveChildIndex does not already point toward target, moves that index.
// Returns the ancestors actually changed, nearest first; an empty slice means
// the target was already fully active. Returns false if target does not
// exist.
func (t *Tree) SwitchBranch(target NodeID) ([]*ChatNode, bool) {
	node, exists := t.Nodes[target]
	if !exists {
		return nil, false
	}

	changed := []*ChatNode{}
	child := node
	for child.ParentID != nil {
		parent, exists := t.Nodes[*child.ParentID]
		if !exists {
			break
		}
		pos := indexOfChild(parent.ChildIDs, child.ID)
		if pos >= 0 && (parent.ActiveChildIndex == nil || *parent.ActiveChildIndex != pos) {
			idx := pos
			parent.ActiveChildIndex = &idx
			changed = append(changed, parent)
		}
		child = parent
	}

	return changed, true
}

// SwipeResult is what a swipe touched: the parent whose index moved and the
// sibling that became active.
type SwipeResult struct {
	UpdatedParent *ChatNode
	ActiveSibling *ChatNode
}

// SwipeSibling moves the parent's active index one step among the node's
// siblings. Returns nil at either boundary, for the root, and for unknown
// nodes: all of those are normal "nothing to do" outcomes, not errors.
func (t *Tree) SwipeSibling(id NodeID, direction SwipeDirection) *SwipeResult {
	node, exists := t.Nodes[id]
	if !exists {
		return nil
	}
	if node.ParentID == nil {
		return nil
	}
	parent, exists := t.Nodes[*node.ParentID]
	if !exists || parent.ActiveChildIndex == nil {
		return nil
	}

	idx := *parent.ActiveChildIndex
	switch direction {
	case SwipePrev:
		idx--
	case SwipeNext:
		idx++
	default:
		return nil
	}
	if idx < 0 || idx >= len(parent.ChildIDs) {
		return nil
	}

	parent.ActiveChildIndex = &idx
	sibling, exists := t.Nodes[parent.ChildIDs[idx]]
	if !exists {
		return nil
	}

	return &SwipeResult{UpdatedParent: parent, ActiveSibling: sibling}
}

// ActivePath returns the linear view of the conversation: the sequence of
// nodes obtained by starting at the root and following each node's
// ActiveChildIndex until a leaf. Derived on every call, never stored.
func (t *Tree) ActivePath() []*ChatNode {
	if t.RootID == nil {
		return nil
	}

	var path []*ChatNode
	node, exists := t.Nodes[*t.RootID]
	for exists {
		path = append(path, node)
		childID, ok := node.ActiveChildID()
		if !ok {
			break
		}
		node, exists = t.Nodes[childID]
	}
	return path
}

// Validate checks the structural invariants the mutation rules maintain:
// a single root matching RootID, parent/child symmetry, in-range active
// indices, and an index present exactly when a node has children.
func (t *Tree) Validate() error {
	var rootID *NodeID
	for id, node := range t.Nodes {
		if node.ID != id {
			return errors.Errorf("node %s stored under key %s", node.ID, id)
		}
		if node.ParentID == nil {
			if rootID != nil {
				return errors.Errorf("multiple roots: %s and %s", *rootID, id)
			}
			nid := id
			rootID = &nid
		} else {
			parent, exists := t.Nodes[*node.ParentID]
			if !exists {
				return errors.Errorf("node %s has dangling parent %s", id, *node.ParentID)
			}
			if indexOfChild(parent.ChildIDs, id) < 0 {
				return errors.Errorf("node %s missing from parent %s child list", id, parent.ID)
			}
		}
		if node.ActiveChildIndex == nil {
			if len(node.ChildIDs) != 0 {
				return errors.Errorf("node %s has children but no active index", id)
			}
		} else {
			idx := *node.ActiveChildIndex
			if idx < 0 || idx >= len(node.ChildIDs) {
				return errors.Errorf("node %s active index %d out of range [0,%d)", id, idx, len(node.ChildIDs))
			}
		}
		for _, childID := range node.ChildIDs {
			child, exists := t.Nodes[childID]
			if !exists {
				return errors.Errorf("node %s lists unknown child %s", id, childID)
			}
			if child.ParentID == nil || *child.ParentID != id {
				return errors.Errorf("child %s does not point back at parent %s", childID, id)
			}
		}
	}

	switch {
	case rootID == nil && t.RootID != nil:
		return errors.Errorf("root pointer %s but no root node", *t.RootID)
	case rootID != nil && t.RootID == nil:
		return errors.Errorf("root node %s but no root pointer", *rootID)
	case rootID != nil && t.RootID != nil && *rootID != *t.RootID:
		return errors.Errorf("root pointer %s does not match root node %s", *t.RootID, *rootID)
	}

	return nil
}

func indexOfChild(childIDs []NodeID, id NodeID) int {
	for i, cid := range childIDs {
		if cid == id {
			return i
		}
	}
	return -1
}
