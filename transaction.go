package bptree

import (
	"context"
	"iter"

	"bptree/pkg/mvcc"
	"bptree/pkg/query"
)

// Transaction is a snapshot-isolated view of a Tree, optionally carrying
// pending writes. Every method that touches the tree's content operates
// against the snapshot taken when the transaction was created, regardless
// of concurrent commits by other transactions — until this transaction's
// own Commit succeeds, nothing it does is visible to anyone else.
type Transaction[K comparable, V any] struct {
	tree *Tree[K, V]
	txn  *mvcc.Transaction[K, V]
}

// Begin opens a nested transaction sharing this transaction's snapshot
// and uncommitted writes. The nested transaction's own writes only become
// visible to its parent once its Commit runs; a top-level Commit is what
// actually reaches the backend.
func (tx *Transaction[K, V]) Begin() *Transaction[K, V] {
	return &Transaction[K, V]{tree: tx.tree, txn: tx.txn.Begin()}
}

// Insert adds (value, key), returning whether this created a brand new
// value entry (false if key was merely added to, or already present in,
// an existing entry).
func (tx *Transaction[K, V]) Insert(ctx context.Context, value V, key K) (bool, error) {
	newRoot, created, err := tx.tree.core.Insert(ctx, tx.txn, tx.txn.Root(), value, key)
	if err != nil {
		return false, err
	}
	tx.txn.SetRoot(newRoot)
	return created, nil
}

// Delete removes key from value's entry, returning whether anything was
// removed.
func (tx *Transaction[K, V]) Delete(ctx context.Context, value V, key K) (bool, error) {
	newRoot, deleted, err := tx.tree.core.Delete(ctx, tx.txn, tx.txn.Root(), value, key)
	if err != nil {
		return false, err
	}
	tx.txn.SetRoot(newRoot)
	return deleted, nil
}

// Get returns the keys associated with value.
func (tx *Transaction[K, V]) Get(ctx context.Context, value V) ([]K, bool, error) {
	leaf, err := tx.tree.core.Search(ctx, tx.txn, tx.txn.Root(), value)
	if err != nil {
		return nil, false, err
	}
	if leaf == nil {
		return nil, false, nil
	}
	pos := leaf.FindValuePosition(tx.tree.comparator, value)
	if pos >= len(leaf.Values) || !tx.tree.comparator.IsSame(leaf.Values[pos], value) {
		return nil, false, nil
	}
	return append([]K(nil), leaf.KeySets[pos]...), true, nil
}

// Exists reports whether value has any entry.
func (tx *Transaction[K, V]) Exists(ctx context.Context, value V) (bool, error) {
	_, ok, err := tx.Get(ctx, value)
	return ok, err
}

// Where evaluates conds and materializes every matching (key, value)
// pair, in the order WhereStream would yield them.
func (tx *Transaction[K, V]) Where(ctx context.Context, conds ...Condition[V]) ([]Entry[K, V], error) {
	seq, err := tx.WhereStream(ctx, conds...)
	if err != nil {
		return nil, err
	}
	var out []Entry[K, V]
	for k, v := range seq {
		out = append(out, Entry[K, V]{Key: k, Value: v})
	}
	return out, nil
}

// Keys is Where, projected to just the keys.
func (tx *Transaction[K, V]) Keys(ctx context.Context, conds ...Condition[V]) ([]K, error) {
	entries, err := tx.Where(ctx, conds...)
	if err != nil {
		return nil, err
	}
	keys := make([]K, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys, nil
}

// WhereStream is Where's lazy form: iteration stops as soon as ctx is
// cancelled or the caller's range-over-func loop breaks, without
// materializing the remainder.
func (tx *Transaction[K, V]) WhereStream(ctx context.Context, conds ...Condition[V]) (iter.Seq2[K, V], error) {
	if err := query.Validate(conds); err != nil {
		return nil, err
	}
	return query.Stream(ctx, tx.tree.core, tx.txn, tx.txn.Root(), conds), nil
}

// KeysStream is WhereStream, projected to just the keys.
func (tx *Transaction[K, V]) KeysStream(ctx context.Context, conds ...Condition[V]) (iter.Seq[K], error) {
	seq, err := tx.WhereStream(ctx, conds...)
	if err != nil {
		return nil, err
	}
	return func(yield func(K) bool) {
		for k := range seq {
			if !yield(k) {
				return
			}
		}
	}, nil
}

// SetHeadData stores a JSON-encodable value under key in the tree's
// per-tree metadata, visible to other transactions only once this one
// commits.
func (tx *Transaction[K, V]) SetHeadData(key string, value any) error {
	return tx.txn.SetHeadData(key, value)
}

// GetHeadData reads this transaction's view of the per-tree metadata
// under key.
func (tx *Transaction[K, V]) GetHeadData(key string, out any) (bool, error) {
	return tx.txn.GetHeadData(key, out)
}

// CommitResult reports a commit's outcome: which node ids it introduced
// and which it retired, or the conflict error if another transaction won
// the race to commit first.
type CommitResult = mvcc.CommitResult

// Commit finalizes the transaction's writes. cleanup requests an
// immediate reclamation sweep of any node ids this commit superseded,
// rather than leaving them for a later commit's sweep. The returned
// CommitResult reports the created/obsolete node ids on success; on a
// lost race it has Success=false and the same error returned alongside.
func (tx *Transaction[K, V]) Commit(ctx context.Context, cleanup bool) (CommitResult, error) {
	return tx.txn.Commit(ctx, cleanup)
}

// Rollback discards every pending write. The transaction must not be used
// again afterward.
func (tx *Transaction[K, V]) Rollback(ctx context.Context) error {
	return tx.txn.Rollback(ctx)
}
