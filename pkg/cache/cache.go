// Package cache wraps a storage.Backend with a bounded, in-process LRU of
// recently read nodes, so repeated descents through hot upper-tree levels
// don't round-trip to the backend every time. It never caches the head
// record, which is re-read (or CAS'd) on every transaction boundary by
// design.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"

	"bptree/pkg/storage"
)

// Backend decorates an underlying storage.Backend with a size-bounded LRU
// node cache. Safe for concurrent use.
type Backend struct {
	inner storage.Backend
	cap   int

	mu    sync.Mutex
	ll    *list.List
	items map[string]*list.Element
}

type entry struct {
	id  string
	rec storage.NodeRecord
}

// New wraps inner with an LRU cache holding up to capacity nodes.
// capacity <= 0 disables caching (every call passes straight through).
func New(inner storage.Backend, capacity int) *Backend {
	return &Backend{inner: inner, cap: capacity, ll: list.New(), items: make(map[string]*list.Element)}
}

func (b *Backend) NewID(ctx context.Context, isLeaf bool) (string, error) {
	return b.inner.NewID(ctx, isLeaf)
}

func (b *Backend) Read(ctx context.Context, id string) (storage.NodeRecord, error) {
	if b.cap > 0 {
		b.mu.Lock()
		if el, ok := b.items[id]; ok {
			b.ll.MoveToFront(el)
			rec := el.Value.(*entry).rec
			b.mu.Unlock()
			return rec.Clone(), nil
		}
		b.mu.Unlock()
	}
	rec, err := b.inner.Read(ctx, id)
	if err != nil {
		return storage.NodeRecord{}, err
	}
	b.store(id, rec)
	return rec, nil
}

func (b *Backend) Write(ctx context.Context, rec storage.NodeRecord) error {
	if err := b.inner.Write(ctx, rec); err != nil {
		return err
	}
	b.store(rec.ID, rec)
	return nil
}

func (b *Backend) Delete(ctx context.Context, id string) error {
	if err := b.inner.Delete(ctx, id); err != nil {
		return err
	}
	b.evict(id)
	return nil
}

func (b *Backend) Exists(ctx context.Context, id string) (bool, error) {
	return b.inner.Exists(ctx, id)
}

func (b *Backend) ReadHead(ctx context.Context) (storage.HeadRecord, bool, error) {
	return b.inner.ReadHead(ctx)
}

func (b *Backend) WriteHead(ctx context.Context, head storage.HeadRecord) error {
	return b.inner.WriteHead(ctx, head)
}

func (b *Backend) CASHead(ctx context.Context, expectedVersion uint64, newRoot string, data map[string]json.RawMessage) (uint64, bool, error) {
	return b.inner.CASHead(ctx, expectedVersion, newRoot, data)
}

// ForceUpdate drops every cached entry, forcing the next Read of any id to
// go to the underlying backend. Exposed for Tree.ForceUpdate.
func (b *Backend) ForceUpdate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ll = list.New()
	b.items = make(map[string]*list.Element)
}

func (b *Backend) store(id string, rec storage.NodeRecord) {
	if b.cap <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if el, ok := b.items[id]; ok {
		el.Value.(*entry).rec = rec.Clone()
		b.ll.MoveToFront(el)
		return
	}
	el := b.ll.PushFront(&entry{id: id, rec: rec.Clone()})
	b.items[id] = el
	for b.ll.Len() > b.cap {
		oldest := b.ll.Back()
		if oldest == nil {
			break
		}
		b.ll.Remove(oldest)
		delete(b.items, oldest.Value.(*entry).id)
	}
}

func (b *Backend) evict(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if el, ok := b.items[id]; ok {
		b.ll.Remove(el)
		delete(b.items, id)
	}
}

var _ storage.Backend = (*Backend)(nil)
