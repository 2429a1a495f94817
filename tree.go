package bptree

import (
	"context"
	"encoding/json"
	"log/slog"

	"bptree/pkg/bpterr"
	"bptree/pkg/cache"
	"bptree/pkg/comparator"
	"bptree/pkg/mvcc"
	"bptree/pkg/node"
	"bptree/pkg/storage"
	"bptree/pkg/tree"
)

// maxCommitRetries bounds how many times a Tree convenience method
// rebuilds and retries its transaction after losing a commit race, before
// giving up and surfacing bpterr.ErrCommitConflict to the caller.
const maxCommitRetries = 8

// Options configures a Tree at Open time.
type Options[K comparable, V any] struct {
	// Order is the tree's fan-out: the maximum number of children per
	// internal node. A leaf splits when it reaches Order distinct values,
	// so it holds at most Order-1. Must be >= 3.
	Order int

	// Comparator orders V and projects it to a string for Like queries.
	Comparator comparator.Comparator[V]

	// Codec serializes K and V to and from the backend's opaque wire
	// forms.
	Codec mvcc.Codec[K, V]

	// CacheSize bounds an optional in-process LRU node cache sitting in
	// front of Backend. Zero disables caching.
	CacheSize int

	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Tree is the public handle to an opened B+tree. It is safe for
// concurrent use: every mutation goes through a Transaction, and Tree
// itself holds no mutable per-call state besides the shared cache and
// reclaimer.
type Tree[K comparable, V any] struct {
	backend    storage.Backend
	cacheLayer *cache.Backend
	codec      mvcc.Codec[K, V]
	comparator comparator.Comparator[V]
	core       *tree.Core[K, V]
	reclaimer  *mvcc.Reclaimer
	order      int
	logger     *slog.Logger
}

// Open opens (or initializes, if backend has no head yet) a tree over
// backend with the given options.
func Open[K comparable, V any](ctx context.Context, backend storage.Backend, opts Options[K, V]) (*Tree[K, V], error) {
	if opts.Order < 3 {
		return nil, bpterr.New(bpterr.InvalidOrder, "bptree.Open")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	be := backend
	var cacheLayer *cache.Backend
	if opts.CacheSize > 0 {
		cacheLayer = cache.New(backend, opts.CacheSize)
		be = cacheLayer
	}

	_, exists, err := be.ReadHead(ctx)
	if err != nil {
		return nil, bpterr.Wrap("bptree.Open", err)
	}
	if !exists {
		head := storage.HeadRecord{Root: node.NoID, Order: opts.Order, Data: map[string]json.RawMessage{}, Version: 0}
		if err := be.WriteHead(ctx, head); err != nil {
			return nil, bpterr.Wrap("bptree.Open", err)
		}
		logger.Info("bptree: initialized new tree", "order", opts.Order)
	}

	t := &Tree[K, V]{
		backend:    be,
		cacheLayer: cacheLayer,
		codec:      opts.Codec,
		comparator: opts.Comparator,
		core:       &tree.Core[K, V]{Order: opts.Order, Comparator: opts.Comparator},
		reclaimer:  mvcc.NewReclaimer(),
		order:      opts.Order,
		logger:     logger,
	}
	return t, nil
}

// Order returns the tree's configured fan-out.
func (t *Tree[K, V]) Order() int { return t.order }

// ForceUpdate discards the optional node cache, forcing every subsequent
// read to go to the backend. A no-op if the tree was opened without
// caching.
func (t *Tree[K, V]) ForceUpdate() {
	if t.cacheLayer != nil {
		t.cacheLayer.ForceUpdate()
		t.logger.Info("bptree: cache forced to update")
	}
}

// CreateTransaction opens a snapshot-isolated transaction against the
// tree's current head.
func (t *Tree[K, V]) CreateTransaction(ctx context.Context) (*Transaction[K, V], error) {
	txn, err := mvcc.New[K, V](ctx, t.backend, t.codec, t.reclaimer)
	if err != nil {
		return nil, err
	}
	return &Transaction[K, V]{tree: t, txn: txn}, nil
}

// withRetry runs fn inside a fresh transaction, retrying on a commit
// conflict up to maxCommitRetries times, and committing with cleanup on
// success.
func (t *Tree[K, V]) withRetry(ctx context.Context, fn func(tx *Transaction[K, V]) error) error {
	var lastErr error
	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		tx, err := t.CreateTransaction(ctx)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		_, err = tx.Commit(ctx, true)
		if err == nil {
			return nil
		}
		if !bpterr.ErrCommitConflict.Is(err) {
			return err
		}
		lastErr = err
		t.logger.Warn("bptree: commit conflict, retrying", "attempt", attempt+1)
	}
	return lastErr
}

// Insert adds (value, key) in its own transaction, retrying on conflict.
func (t *Tree[K, V]) Insert(ctx context.Context, value V, key K) (created bool, err error) {
	err = t.withRetry(ctx, func(tx *Transaction[K, V]) error {
		created, err = tx.Insert(ctx, value, key)
		return err
	})
	return created, err
}

// Delete removes key from value's entry in its own transaction, retrying
// on conflict.
func (t *Tree[K, V]) Delete(ctx context.Context, value V, key K) (deleted bool, err error) {
	err = t.withRetry(ctx, func(tx *Transaction[K, V]) error {
		deleted, err = tx.Delete(ctx, value, key)
		return err
	})
	return deleted, err
}

// Get returns the keys associated with value, reading a throwaway
// snapshot.
func (t *Tree[K, V]) Get(ctx context.Context, value V) ([]K, bool, error) {
	tx, err := t.CreateTransaction(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)
	return tx.Get(ctx, value)
}

// Exists reports whether value has any entry.
func (t *Tree[K, V]) Exists(ctx context.Context, value V) (bool, error) {
	_, ok, err := t.Get(ctx, value)
	return ok, err
}

// Where evaluates conds against a throwaway snapshot and materializes
// every matching (key, value) pair.
func (t *Tree[K, V]) Where(ctx context.Context, conds ...Condition[V]) ([]Entry[K, V], error) {
	tx, err := t.CreateTransaction(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	return tx.Where(ctx, conds...)
}

// Keys is Where, projected to just the keys.
func (t *Tree[K, V]) Keys(ctx context.Context, conds ...Condition[V]) ([]K, error) {
	tx, err := t.CreateTransaction(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	return tx.Keys(ctx, conds...)
}

// SetHeadData persists an arbitrary, JSON-encodable value under key in
// the tree's per-tree metadata, in its own transaction.
func (t *Tree[K, V]) SetHeadData(ctx context.Context, key string, value any) error {
	return t.withRetry(ctx, func(tx *Transaction[K, V]) error {
		return tx.SetHeadData(key, value)
	})
}

// GetHeadData reads the tree's current per-tree metadata value under key.
func (t *Tree[K, V]) GetHeadData(ctx context.Context, key string, out any) (bool, error) {
	tx, err := t.CreateTransaction(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)
	return tx.GetHeadData(key, out)
}
