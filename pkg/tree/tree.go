// Package tree is the B+tree algorithmic core: search, insert-with-split,
// delete-with-rebalance, and leaf-chain maintenance. It never touches a
// storage.Backend directly — every node access goes through a NodeStore;
// pkg/mvcc's copy-on-write Transaction is the NodeStore it runs against.
package tree

import (
	"context"

	"bptree/pkg/bpterr"
	"bptree/pkg/comparator"
	"bptree/pkg/node"
)

// NodeStore is the node-level access pattern the core needs. Load must
// return a node the caller may freely mutate in place — any copy-on-write
// semantics belong to the NodeStore implementation, not the core. NewID
// allocates a fresh id for a brand new node; Put stages (or finalizes) a
// node's content under its own id; Delete retires an id.
type NodeStore[K comparable, V any] interface {
	Load(ctx context.Context, id string) (*node.Node[K, V], error)
	NewID(ctx context.Context, leaf bool) (string, error)
	Put(ctx context.Context, n *node.Node[K, V]) error
	Delete(ctx context.Context, id string) error
}

// Core holds the two pieces of configuration every tree operation needs:
// the fan-out order and the value comparator.
type Core[K comparable, V any] struct {
	Order      int
	Comparator comparator.Comparator[V]
}

// descend walks from root to the leaf that does or would contain v,
// returning the path of internal node ids visited (root first) alongside
// the leaf itself.
func (c *Core[K, V]) descend(ctx context.Context, store NodeStore[K, V], rootID string, v V) ([]string, *node.Node[K, V], error) {
	var path []string
	id := rootID
	for {
		n, err := store.Load(ctx, id)
		if err != nil {
			return nil, nil, bpterr.Wrap("tree.descend", err)
		}
		if n.Leaf {
			return path, n, nil
		}
		path = append(path, id)
		idx := n.FindChildIndex(c.Comparator, v)
		id = n.Children[idx]
	}
}

// Search returns the leaf that does or would hold v.
func (c *Core[K, V]) Search(ctx context.Context, store NodeStore[K, V], rootID string, v V) (*node.Node[K, V], error) {
	if rootID == node.NoID {
		return nil, nil
	}
	_, leaf, err := c.descend(ctx, store, rootID, v)
	return leaf, err
}

// LeftmostLeaf returns the leftmost leaf of the tree rooted at rootID, for
// unbounded forward scans.
func (c *Core[K, V]) LeftmostLeaf(ctx context.Context, store NodeStore[K, V], rootID string) (*node.Node[K, V], error) {
	if rootID == node.NoID {
		return nil, nil
	}
	id := rootID
	for {
		n, err := store.Load(ctx, id)
		if err != nil {
			return nil, bpterr.Wrap("tree.LeftmostLeaf", err)
		}
		if n.Leaf {
			return n, nil
		}
		id = n.Children[0]
	}
}

// RightmostLeaf returns the rightmost leaf, for unbounded reverse scans.
func (c *Core[K, V]) RightmostLeaf(ctx context.Context, store NodeStore[K, V], rootID string) (*node.Node[K, V], error) {
	if rootID == node.NoID {
		return nil, nil
	}
	id := rootID
	for {
		n, err := store.Load(ctx, id)
		if err != nil {
			return nil, bpterr.Wrap("tree.RightmostLeaf", err)
		}
		if n.Leaf {
			return n, nil
		}
		id = n.Children[len(n.Children)-1]
	}
}

// SeekLeftmost descends using the primary-grouping rule (equal-by-primary
// goes left) to find the leftmost leaf that could hold v's primary group —
// the start bound for a primary* range scan.
func (c *Core[K, V]) SeekLeftmost(ctx context.Context, store NodeStore[K, V], rootID string, v V) (*node.Node[K, V], error) {
	if rootID == node.NoID {
		return nil, nil
	}
	id := rootID
	for {
		n, err := store.Load(ctx, id)
		if err != nil {
			return nil, bpterr.Wrap("tree.SeekLeftmost", err)
		}
		if n.Leaf {
			return n, nil
		}
		idx := n.FindChildIndexByPrimary(c.Comparator, v)
		id = n.Children[idx]
	}
}

// SeekRightmost descends using the primary-grouping rightmost rule (equal-
// by-primary goes right) to find the rightmost leaf that could still hold
// v's primary group — the end bound for a primary* range scan.
func (c *Core[K, V]) SeekRightmost(ctx context.Context, store NodeStore[K, V], rootID string, v V) (*node.Node[K, V], error) {
	if rootID == node.NoID {
		return nil, nil
	}
	id := rootID
	for {
		n, err := store.Load(ctx, id)
		if err != nil {
			return nil, bpterr.Wrap("tree.SeekRightmost", err)
		}
		if n.Leaf {
			return n, nil
		}
		idx := n.FindChildIndexByPrimaryRightmost(c.Comparator, v)
		id = n.Children[idx]
	}
}

// Insert adds (v, key) to the tree rooted at rootID, returning the new
// root id (unchanged unless the root split or the tree was empty) and
// whether this created a brand new value entry (vs. adding key to an
// existing one).
func (c *Core[K, V]) Insert(ctx context.Context, store NodeStore[K, V], rootID string, v V, key K) (newRoot string, created bool, err error) {
	if rootID == node.NoID {
		id, err := store.NewID(ctx, true)
		if err != nil {
			return "", false, bpterr.Wrap("tree.Insert", err)
		}
		leaf := node.NewLeaf[K, V](id)
		leaf.InsertLeafEntry(c.Comparator, v, key)
		if err := store.Put(ctx, leaf); err != nil {
			return "", false, bpterr.Wrap("tree.Insert", err)
		}
		return id, true, nil
	}

	path, leaf, err := c.descend(ctx, store, rootID, v)
	if err != nil {
		return "", false, err
	}

	created = leaf.InsertLeafEntry(c.Comparator, v, key)
	if err := store.Put(ctx, leaf); err != nil {
		return "", false, bpterr.Wrap("tree.Insert", err)
	}

	if !leaf.IsFullLeaf(c.Order) {
		return rootID, created, nil
	}

	rightID, err := store.NewID(ctx, true)
	if err != nil {
		return "", false, bpterr.Wrap("tree.Insert", err)
	}
	sep, right := leaf.SplitLeaf(c.Order, rightID)
	if err := store.Put(ctx, leaf); err != nil {
		return "", false, bpterr.Wrap("tree.Insert", err)
	}
	if err := store.Put(ctx, right); err != nil {
		return "", false, bpterr.Wrap("tree.Insert", err)
	}
	if right.Next != node.NoID {
		nextSib, err := store.Load(ctx, right.Next)
		if err != nil {
			return "", false, bpterr.Wrap("tree.Insert", err)
		}
		nextSib.Prev = right.ID
		if err := store.Put(ctx, nextSib); err != nil {
			return "", false, bpterr.Wrap("tree.Insert", err)
		}
	}

	newRoot, err = c.propagateSplit(ctx, store, rootID, path, leaf.ID, sep, right.ID)
	return newRoot, created, err
}

// propagateSplit inserts (sep, rightID) into the parent named by the tail
// of path (the node whose child leftID just split), splitting that parent
// in turn if necessary, all the way up to and including creating a new
// root when the old root itself splits.
func (c *Core[K, V]) propagateSplit(ctx context.Context, store NodeStore[K, V], rootID string, path []string, leftID string, sep V, rightID string) (string, error) {
	if len(path) == 0 {
		// leftID was the root; create a new root over both halves.
		newID, err := store.NewID(ctx, false)
		if err != nil {
			return "", bpterr.Wrap("tree.propagateSplit", err)
		}
		root := node.NewInternal[K, V](newID)
		root.Values = []V{sep}
		root.Children = []string{leftID, rightID}
		if err := store.Put(ctx, root); err != nil {
			return "", bpterr.Wrap("tree.propagateSplit", err)
		}
		return newID, nil
	}

	parentID := path[len(path)-1]
	parent, err := store.Load(ctx, parentID)
	if err != nil {
		return "", bpterr.Wrap("tree.propagateSplit", err)
	}
	idx := parent.ChildIndexOf(leftID)
	parent.InsertChild(idx, sep, rightID)
	if err := store.Put(ctx, parent); err != nil {
		return "", bpterr.Wrap("tree.propagateSplit", err)
	}

	if !parent.IsFullInternal(c.Order) {
		return rootID, nil
	}

	newRightID, err := store.NewID(ctx, false)
	if err != nil {
		return "", bpterr.Wrap("tree.propagateSplit", err)
	}
	pSep, pRight := parent.SplitInternal(newRightID)
	if err := store.Put(ctx, parent); err != nil {
		return "", bpterr.Wrap("tree.propagateSplit", err)
	}
	if err := store.Put(ctx, pRight); err != nil {
		return "", bpterr.Wrap("tree.propagateSplit", err)
	}
	return c.propagateSplit(ctx, store, rootID, path[:len(path)-1], parent.ID, pSep, pRight.ID)
}

// Delete removes key from the entry at value v, returning the (possibly
// unchanged, possibly collapsed to node.NoID) new root id and whether
// anything was actually removed.
func (c *Core[K, V]) Delete(ctx context.Context, store NodeStore[K, V], rootID string, v V, key K) (newRoot string, deleted bool, err error) {
	if rootID == node.NoID {
		return node.NoID, false, nil
	}

	path, leaf, err := c.descend(ctx, store, rootID, v)
	if err != nil {
		return "", false, err
	}

	_, found := leaf.RemoveLeafKey(c.Comparator, v, key)
	if !found {
		return rootID, false, nil
	}
	if err := store.Put(ctx, leaf); err != nil {
		return "", false, bpterr.Wrap("tree.Delete", err)
	}

	newRoot, err = c.rebalance(ctx, store, rootID, path, leaf)
	return newRoot, true, err
}

// rebalance walks back up path, fixing any underflow left behind by a
// leaf mutation. A leaf (or internal node, as the walk climbs) that has
// underflowed first tries to borrow a single entry from a sibling
// (redistribute); if neither sibling has spare capacity, it merges with
// one instead, which may itself underflow the parent — hence the
// recursive climb. A root that collapses to a single child is replaced by
// that child, and a root that becomes empty (last entry deleted) collapses
// to node.NoID.
func (c *Core[K, V]) rebalance(ctx context.Context, store NodeStore[K, V], rootID string, path []string, n *node.Node[K, V]) (string, error) {
	if len(path) == 0 {
		// n is the root.
		if n.Leaf {
			if len(n.Values) == 0 {
				if err := store.Delete(ctx, n.ID); err != nil {
					return "", bpterr.Wrap("tree.rebalance", err)
				}
				return node.NoID, nil
			}
			return rootID, nil
		}
		if len(n.Children) == 1 {
			only := n.Children[0]
			if err := store.Delete(ctx, n.ID); err != nil {
				return "", bpterr.Wrap("tree.rebalance", err)
			}
			return only, nil
		}
		return rootID, nil
	}

	if !n.IsUnderflow(c.Order, false) {
		return rootID, nil
	}

	parentID := path[len(path)-1]
	parent, err := store.Load(ctx, parentID)
	if err != nil {
		return "", bpterr.Wrap("tree.rebalance", err)
	}
	idx := parent.ChildIndexOf(n.ID)

	var leftSib, rightSib *node.Node[K, V]
	if idx > 0 {
		leftSib, err = store.Load(ctx, parent.Children[idx-1])
		if err != nil {
			return "", bpterr.Wrap("tree.rebalance", err)
		}
	}
	if idx < len(parent.Children)-1 {
		rightSib, err = store.Load(ctx, parent.Children[idx+1])
		if err != nil {
			return "", bpterr.Wrap("tree.rebalance", err)
		}
	}

	switch {
	case n.Leaf && rightSib != nil && len(rightSib.Values) > node.MinLeafValues(c.Order):
		newSep := node.RedistributeLeafFromRight(n, rightSib)
		parent.Values[idx] = newSep
		return c.putAndClimb(ctx, store, rootID, path, parent, n, rightSib)

	case n.Leaf && leftSib != nil && len(leftSib.Values) > node.MinLeafValues(c.Order):
		newSep := node.RedistributeLeafFromLeft(leftSib, n)
		parent.Values[idx-1] = newSep
		return c.putAndClimb(ctx, store, rootID, path, parent, leftSib, n)

	case !n.Leaf && rightSib != nil && len(rightSib.Children) > node.MinChildren(c.Order):
		sep := parent.Values[idx]
		newSep, movedChild := node.RedistributeInternalFromRight(n, sep, rightSib)
		parent.Values[idx] = newSep
		if err := c.reparent(ctx, store, movedChild, n.ID); err != nil {
			return "", err
		}
		return c.putAndClimb(ctx, store, rootID, path, parent, n, rightSib)

	case !n.Leaf && leftSib != nil && len(leftSib.Children) > node.MinChildren(c.Order):
		sep := parent.Values[idx-1]
		newSep, movedChild := node.RedistributeInternalFromLeft(leftSib, sep, n)
		parent.Values[idx-1] = newSep
		if err := c.reparent(ctx, store, movedChild, n.ID); err != nil {
			return "", err
		}
		return c.putAndClimb(ctx, store, rootID, path, parent, leftSib, n)

	case n.Leaf && rightSib != nil:
		node.MergeLeaves(n, rightSib)
		parent.Values = removeValueAt(parent.Values, idx)
		parent.Children = removeChildAt(parent.Children, idx+1)
		if n.Next != node.NoID {
			after, err := store.Load(ctx, n.Next)
			if err != nil {
				return "", bpterr.Wrap("tree.rebalance", err)
			}
			after.Prev = n.ID
			if err := store.Put(ctx, after); err != nil {
				return "", bpterr.Wrap("tree.rebalance", err)
			}
		}
		if err := store.Delete(ctx, rightSib.ID); err != nil {
			return "", bpterr.Wrap("tree.rebalance", err)
		}
		if err := store.Put(ctx, n); err != nil {
			return "", bpterr.Wrap("tree.rebalance", err)
		}
		if err := store.Put(ctx, parent); err != nil {
			return "", bpterr.Wrap("tree.rebalance", err)
		}
		return c.rebalance(ctx, store, rootID, path[:len(path)-1], parent)

	case n.Leaf:
		// merge into leftSib instead (n has no right sibling).
		node.MergeLeaves(leftSib, n)
		parent.Values = removeValueAt(parent.Values, idx-1)
		parent.Children = removeChildAt(parent.Children, idx)
		if leftSib.Next != node.NoID {
			after, err := store.Load(ctx, leftSib.Next)
			if err != nil {
				return "", bpterr.Wrap("tree.rebalance", err)
			}
			after.Prev = leftSib.ID
			if err := store.Put(ctx, after); err != nil {
				return "", bpterr.Wrap("tree.rebalance", err)
			}
		}
		if err := store.Delete(ctx, n.ID); err != nil {
			return "", bpterr.Wrap("tree.rebalance", err)
		}
		if err := store.Put(ctx, leftSib); err != nil {
			return "", bpterr.Wrap("tree.rebalance", err)
		}
		if err := store.Put(ctx, parent); err != nil {
			return "", bpterr.Wrap("tree.rebalance", err)
		}
		return c.rebalance(ctx, store, rootID, path[:len(path)-1], parent)

	case rightSib != nil:
		sep := parent.Values[idx]
		node.MergeInternal(n, sep, rightSib)
		if err := c.reparentAll(ctx, store, rightSib.Children, n.ID); err != nil {
			return "", err
		}
		parent.Values = removeValueAt(parent.Values, idx)
		parent.Children = removeChildAt(parent.Children, idx+1)
		if err := store.Delete(ctx, rightSib.ID); err != nil {
			return "", bpterr.Wrap("tree.rebalance", err)
		}
		if err := store.Put(ctx, n); err != nil {
			return "", bpterr.Wrap("tree.rebalance", err)
		}
		if err := store.Put(ctx, parent); err != nil {
			return "", bpterr.Wrap("tree.rebalance", err)
		}
		return c.rebalance(ctx, store, rootID, path[:len(path)-1], parent)

	default:
		sep := parent.Values[idx-1]
		node.MergeInternal(leftSib, sep, n)
		if err := c.reparentAll(ctx, store, n.Children, leftSib.ID); err != nil {
			return "", err
		}
		parent.Values = removeValueAt(parent.Values, idx-1)
		parent.Children = removeChildAt(parent.Children, idx)
		if err := store.Delete(ctx, n.ID); err != nil {
			return "", bpterr.Wrap("tree.rebalance", err)
		}
		if err := store.Put(ctx, leftSib); err != nil {
			return "", bpterr.Wrap("tree.rebalance", err)
		}
		if err := store.Put(ctx, parent); err != nil {
			return "", bpterr.Wrap("tree.rebalance", err)
		}
		return c.rebalance(ctx, store, rootID, path[:len(path)-1], parent)
	}
}

// putAndClimb persists a successful redistribution (no structural change
// above the parent, since redistribution never changes child counts) and
// stops the climb — redistribution always fully resolves the underflow.
func (c *Core[K, V]) putAndClimb(ctx context.Context, store NodeStore[K, V], rootID string, path []string, parent, a, b *node.Node[K, V]) (string, error) {
	if err := store.Put(ctx, a); err != nil {
		return "", bpterr.Wrap("tree.rebalance", err)
	}
	if err := store.Put(ctx, b); err != nil {
		return "", bpterr.Wrap("tree.rebalance", err)
	}
	if err := store.Put(ctx, parent); err != nil {
		return "", bpterr.Wrap("tree.rebalance", err)
	}
	return rootID, nil
}

func (c *Core[K, V]) reparent(ctx context.Context, store NodeStore[K, V], childID, newParentID string) error {
	child, err := store.Load(ctx, childID)
	if err != nil {
		return bpterr.Wrap("tree.reparent", err)
	}
	child.Parent = newParentID
	return store.Put(ctx, child)
}

func (c *Core[K, V]) reparentAll(ctx context.Context, store NodeStore[K, V], childIDs []string, newParentID string) error {
	for _, id := range childIDs {
		if err := c.reparent(ctx, store, id, newParentID); err != nil {
			return err
		}
	}
	return nil
}

func removeValueAt[V any](s []V, i int) []V {
	copy(s[i:], s[i+1:])
	var zero V
	s[len(s)-1] = zero
	return s[:len(s)-1]
}

func removeChildAt(s []string, i int) []string {
	copy(s[i:], s[i+1:])
	return s[:len(s)-1]
}
