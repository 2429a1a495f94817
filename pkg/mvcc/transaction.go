// Package mvcc provides snapshot-isolated, copy-on-write transactions
// over a storage.Backend. A Transaction is the tree.NodeStore the
// algorithmic core mutates against: reads are served from a private
// working set first falling through to an immutable backend snapshot,
// writes never touch a pre-existing node id in place, and a successful
// Commit installs a brand new root via a single optimistic head CAS.
package mvcc

import (
	"context"
	"encoding/json"

	"bptree/pkg/bpterr"
	"bptree/pkg/node"
	"bptree/pkg/storage"
)

type txState int

const (
	txOpen txState = iota
	txCommitted
	txRolledBack
)

// Transaction is both a read snapshot and, if the caller mutates it, a
// pending set of writes. It satisfies tree.NodeStore[K,V].
type Transaction[K comparable, V any] struct {
	backend    storage.Backend
	codec      Codec[K, V]
	reclaimer  *Reclaimer
	parent     *Transaction[K, V]

	snapshotVersion uint64
	root            string

	working map[string]*node.Node[K, V]
	created map[string]bool
	dirty   map[string]bool
	deleted map[string]bool

	headData        map[string]json.RawMessage
	headDataTouched bool

	state txState
}

// New begins a top-level transaction against backend's current head,
// pinning its version against reclaimer so concurrent commits won't
// reclaim anything this snapshot can still see. The caller (bptree.Open)
// must have already bootstrapped a head via backend.WriteHead before the
// first transaction is created — CASHead, used by Commit, never installs
// an initial head, only advances an existing one.
func New[K comparable, V any](ctx context.Context, backend storage.Backend, codec Codec[K, V], reclaimer *Reclaimer) (*Transaction[K, V], error) {
	head, ok, err := backend.ReadHead(ctx)
	if err != nil {
		return nil, bpterr.Wrap("mvcc.New", err)
	}
	t := &Transaction[K, V]{
		backend:         backend,
		codec:           codec,
		reclaimer:       reclaimer,
		working:         make(map[string]*node.Node[K, V]),
		created:         make(map[string]bool),
		dirty:           make(map[string]bool),
		deleted:         make(map[string]bool),
		headDataTouched: false,
	}
	if ok {
		t.snapshotVersion = head.Version
		t.root = head.Root
		t.headData = cloneHeadData(head.Data)
	} else {
		t.headData = make(map[string]json.RawMessage)
	}
	reclaimer.Pin(t.snapshotVersion)
	return t, nil
}

// Root returns the transaction's current view of the tree root (node.NoID
// for an empty tree).
func (t *Transaction[K, V]) Root() string { return t.root }

// SetRoot updates the transaction's working root — called by the facade
// after tree.Core.Insert/Delete report a new root.
func (t *Transaction[K, V]) SetRoot(root string) { t.root = root }

// SnapshotVersion is the head version this transaction's view was taken
// from.
func (t *Transaction[K, V]) SnapshotVersion() uint64 { return t.snapshotVersion }

// Begin opens a nested transaction sharing this transaction's snapshot and
// uncommitted working set: reads see the parent's pending writes, but the
// nested transaction's own writes are invisible to the parent until its
// Commit folds them in.
func (t *Transaction[K, V]) Begin() *Transaction[K, V] {
	return &Transaction[K, V]{
		backend:         t.backend,
		codec:           t.codec,
		reclaimer:       t.reclaimer,
		parent:          t,
		snapshotVersion: t.snapshotVersion,
		root:            t.root,
		working:         make(map[string]*node.Node[K, V]),
		created:         make(map[string]bool),
		dirty:           make(map[string]bool),
		deleted:         make(map[string]bool),
		headData:        cloneHeadData(t.headData),
	}
}

// Load implements tree.NodeStore.
func (t *Transaction[K, V]) Load(ctx context.Context, id string) (*node.Node[K, V], error) {
	if t.deleted[id] {
		return nil, bpterr.New(bpterr.DeletedNodeRead, "Transaction.Load")
	}
	if n, ok := t.working[id]; ok {
		return n, nil
	}
	if t.parent != nil {
		n, err := t.parent.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		cp := n.Clone()
		t.working[id] = cp
		return cp, nil
	}
	rec, err := t.backend.Read(ctx, id)
	if err != nil {
		return nil, bpterr.Wrap("Transaction.Load", err)
	}
	n := decodeNode[K, V](rec, t.codec)
	t.working[id] = n
	return n, nil
}

// NewID implements tree.NodeStore.
func (t *Transaction[K, V]) NewID(ctx context.Context, leaf bool) (string, error) {
	id, err := t.backend.NewID(ctx, leaf)
	if err != nil {
		return "", bpterr.Wrap("Transaction.NewID", err)
	}
	t.created[id] = true
	return id, nil
}

// Put implements tree.NodeStore. A node whose id wasn't allocated in this
// transaction (via NewID) is flagged dirty — it existed at snapshot time
// and needs a fresh identity at commit.
func (t *Transaction[K, V]) Put(ctx context.Context, n *node.Node[K, V]) error {
	t.working[n.ID] = n
	if !t.created[n.ID] {
		t.dirty[n.ID] = true
	}
	return nil
}

// Delete implements tree.NodeStore.
func (t *Transaction[K, V]) Delete(ctx context.Context, id string) error {
	delete(t.working, id)
	delete(t.dirty, id)
	if !t.created[id] {
		t.deleted[id] = true
	}
	delete(t.created, id)
	return nil
}

// SetHeadData stores value (JSON-encoded) under key in the tree's opaque
// per-tree metadata, visible to readers only after Commit.
func (t *Transaction[K, V]) SetHeadData(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return bpterr.Wrap("Transaction.SetHeadData", err)
	}
	t.headData[key] = raw
	t.headDataTouched = true
	return nil
}

// GetHeadData unmarshals the value stored under key into out, reporting
// whether the key was present.
func (t *Transaction[K, V]) GetHeadData(key string, out any) (bool, error) {
	raw, ok := t.headData[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, bpterr.Wrap("Transaction.GetHeadData", err)
	}
	return true, nil
}

// Rollback discards every pending write and releases this transaction's
// pin on its snapshot version. A rolled-back transaction must not be used
// again.
func (t *Transaction[K, V]) Rollback(ctx context.Context) error {
	if t.state != txOpen {
		return bpterr.New(bpterr.LifecycleViolation, "Transaction.Rollback")
	}
	t.state = txRolledBack
	if t.parent == nil {
		t.reclaimer.Unpin(t.snapshotVersion)
	}
	return nil
}

// CommitResult reports the outcome of a Commit: Success mirrors spec.md
// §4.3/§6's commit(cleanup=true) -> {success, created, obsolete, error?}.
// Created lists the backend ids a successful commit introduced (fresh ids
// for every created or remapped-dirty node); Obsolete lists the ids it
// retired (remapped-away prior ids plus anything the transaction deleted).
// Both are nil for a nested commit or a no-op commit, since neither
// touches the backend. Err, when Success is false, is always
// bpterr.ErrCommitConflict — the only recoverable commit failure; any
// other failure is returned as Commit's error instead, with a
// zero-value CommitResult.
type CommitResult struct {
	Success  bool
	Created  []string
	Obsolete []string
	Err      error
}

// Commit finalizes the transaction. For a nested transaction this simply
// folds its working set into the parent's (no backend I/O, no head CAS —
// the outermost Commit is the only one that touches storage). For a
// top-level transaction, Commit reassigns fresh ids to every dirty
// pre-existing node, rewrites every reference to a reassigned id across
// the whole touched set, writes the result, and installs the new root
// with a single CAS against the snapshot version. A lost race is reported
// as CommitResult{Success: false, Err: bpterr.ErrCommitConflict} (also
// returned as Commit's error, for callers that just want to retry) — the
// caller should retry with a fresh transaction. If cleanup is true and the
// commit succeeds, retired ids are swept immediately via the reclaimer;
// otherwise they wait for a later sweep.
func (t *Transaction[K, V]) Commit(ctx context.Context, cleanup bool) (CommitResult, error) {
	if t.state != txOpen {
		return CommitResult{}, bpterr.New(bpterr.LifecycleViolation, "Transaction.Commit")
	}

	if t.parent != nil {
		p := t.parent
		for id, n := range t.working {
			p.working[id] = n
		}
		for id := range t.created {
			p.created[id] = true
		}
		for id := range t.dirty {
			p.dirty[id] = true
		}
		for id := range t.deleted {
			p.deleted[id] = true
		}
		if t.headDataTouched {
			p.headData = t.headData
			p.headDataTouched = true
		}
		p.root = t.root
		t.state = txCommitted
		return CommitResult{Success: true}, nil
	}

	if len(t.dirty) == 0 && len(t.created) == 0 && len(t.deleted) == 0 && !t.headDataTouched {
		t.state = txCommitted
		t.reclaimer.Unpin(t.snapshotVersion)
		return CommitResult{Success: true}, nil
	}

	remap := make(map[string]string, len(t.dirty))
	for id, n := range t.working {
		if t.dirty[id] {
			newID, err := t.backend.NewID(ctx, n.Leaf)
			if err != nil {
				return CommitResult{}, bpterr.Wrap("Transaction.Commit", err)
			}
			remap[id] = newID
		}
	}

	rewrite := func(id string) string {
		if mapped, ok := remap[id]; ok {
			return mapped
		}
		return id
	}

	var records []storage.NodeRecord
	var created []string
	for id, n := range t.working {
		if !t.created[id] && !t.dirty[id] {
			continue
		}
		final := n.Clone()
		final.ID = rewrite(n.ID)
		final.Parent = rewrite(final.Parent)
		if final.Leaf {
			final.Next = rewrite(final.Next)
			final.Prev = rewrite(final.Prev)
		} else {
			for i, c := range final.Children {
				final.Children[i] = rewrite(c)
			}
		}
		records = append(records, encodeNode(final, t.codec))
		created = append(created, final.ID)
	}

	for _, rec := range records {
		if err := t.backend.Write(ctx, rec); err != nil {
			return CommitResult{}, bpterr.Wrap("Transaction.Commit", err)
		}
	}

	finalRoot := rewrite(t.root)

	observed, ok, err := t.backend.CASHead(ctx, t.snapshotVersion, finalRoot, t.headData)
	if err != nil {
		return CommitResult{}, bpterr.Wrap("Transaction.Commit", err)
	}
	if !ok {
		conflict := bpterr.New(bpterr.CommitConflict, "Transaction.Commit")
		return CommitResult{Success: false, Err: conflict}, conflict
	}

	var retired []string
	for old := range remap {
		retired = append(retired, old)
	}
	for id := range t.deleted {
		retired = append(retired, id)
	}
	t.reclaimer.Retire(observed, retired)
	t.reclaimer.Unpin(t.snapshotVersion)
	t.state = txCommitted

	if cleanup {
		if _, err := t.reclaimer.Sweep(ctx, t.backend); err != nil {
			return CommitResult{}, bpterr.Wrap("Transaction.Commit", err)
		}
	}
	return CommitResult{Success: true, Created: created, Obsolete: retired}, nil
}

func cloneHeadData(data map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(data))
	for k, v := range data {
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}
