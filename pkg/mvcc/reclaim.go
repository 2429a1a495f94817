package mvcc

import (
	"context"
	"sort"
	"sync"

	"bptree/pkg/storage"
)

// Reclaimer retires node ids superseded by a commit without deleting them
// immediately — a transaction that opened its snapshot before the commit
// may still be reading them. It mirrors the teacher's epoch/reader-guard
// pattern with a simpler watermark: an id batch is safe to delete once no
// pinned snapshot version is older than the version it was retired at.
type Reclaimer struct {
	mu      sync.Mutex
	pinned  map[uint64]int
	batches []retiredBatch
}

type retiredBatch struct {
	version uint64
	ids     []string
}

// NewReclaimer creates an empty reclaimer.
func NewReclaimer() *Reclaimer {
	return &Reclaimer{pinned: make(map[uint64]int)}
}

// Pin registers an open snapshot at version, preventing reclamation of
// anything retired after it.
func (r *Reclaimer) Pin(version uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pinned[version]++
}

// Unpin releases a snapshot previously pinned at version.
func (r *Reclaimer) Unpin(version uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pinned[version]--
	if r.pinned[version] <= 0 {
		delete(r.pinned, version)
	}
}

// Retire records ids as superseded by the commit that produced
// supersedingVersion. They become eligible for reclamation once every
// pinned snapshot is at supersedingVersion or newer.
func (r *Reclaimer) Retire(supersedingVersion uint64, ids []string) {
	if len(ids) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := append([]string(nil), ids...)
	r.batches = append(r.batches, retiredBatch{version: supersedingVersion, ids: cp})
}

// Sweep deletes from backend every retired batch no pinned snapshot can
// still need, returning how many ids were purged.
func (r *Reclaimer) Sweep(ctx context.Context, backend storage.Backend) (int, error) {
	r.mu.Lock()
	min := r.minPinnedLocked()
	var due []retiredBatch
	kept := r.batches[:0]
	for _, b := range r.batches {
		if b.version <= min {
			due = append(due, b)
		} else {
			kept = append(kept, b)
		}
	}
	r.batches = kept
	r.mu.Unlock()

	purged := 0
	for _, b := range due {
		for _, id := range b.ids {
			if err := backend.Delete(ctx, id); err != nil {
				return purged, err
			}
			purged++
		}
	}
	return purged, nil
}

func (r *Reclaimer) minPinnedLocked() uint64 {
	if len(r.pinned) == 0 {
		return ^uint64(0) // nothing pinned: everything retired so far is safe
	}
	versions := make([]uint64, 0, len(r.pinned))
	for v := range r.pinned {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions[0]
}
