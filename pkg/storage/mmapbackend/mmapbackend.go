// Package mmapbackend is an optional file-backed storage.Backend for
// callers who want durability without running a separate database: the
// whole tree state lives in one file, memory-mapped via golang.org/x/sys
// and grown in doubling steps as it fills, the same strategy the teacher
// uses for its page file.
//
// It trades sophistication for simplicity: rather than a slotted page
// arena, the entire node/head state is kept in memory and persisted as one
// length-prefixed JSON snapshot written into the mapped region on every
// mutation. That is the right tradeoff for an embeddable library's
// "it just works, and survives a restart" backend — a caller who needs a
// real page-structured store should look past this reference
// implementation.
package mmapbackend

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"bptree/pkg/bpterr"
	"bptree/pkg/storage"
)

const (
	initialSize  = 1 << 20 // 1 MiB
	lengthPrefix = 8       // uint64 byte length of the JSON snapshot
)

type diskState struct {
	Nodes   map[string]storage.NodeRecord
	Head    storage.HeadRecord
	HasHead bool
	Seq     uint64
}

// Backend is a storage.Backend over a single growable memory-mapped file.
type Backend struct {
	mu    sync.Mutex
	file  *os.File
	data  []byte // current mmap'd region
	state diskState
}

// Open memory-maps path (creating it if necessary) and reconstructs any
// previously persisted state.
func Open(path string) (*Backend, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, bpterr.Wrap("mmapbackend.Open", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, bpterr.Wrap("mmapbackend.Open", err)
	}
	size := info.Size()
	if size < initialSize {
		if err := f.Truncate(initialSize); err != nil {
			f.Close()
			return nil, bpterr.Wrap("mmapbackend.Open", err)
		}
		size = initialSize
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, bpterr.Wrap("mmapbackend.Open", err)
	}
	b := &Backend{
		file: f,
		data: data,
		state: diskState{
			Nodes: make(map[string]storage.NodeRecord),
		},
	}
	if err := b.load(); err != nil {
		unix.Munmap(data)
		f.Close()
		return nil, err
	}
	return b, nil
}

// Close unmaps and closes the backing file. Any pending mutation has
// already been persisted synchronously, so Close never needs to flush.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := unix.Munmap(b.data); err != nil {
		return bpterr.Wrap("mmapbackend.Close", err)
	}
	return b.file.Close()
}

func (b *Backend) load() error {
	if len(b.data) < lengthPrefix {
		return nil
	}
	n := binary.LittleEndian.Uint64(b.data[:lengthPrefix])
	if n == 0 || int(lengthPrefix+n) > len(b.data) {
		return nil // freshly truncated file, nothing persisted yet
	}
	var st diskState
	if err := json.Unmarshal(b.data[lengthPrefix:lengthPrefix+n], &st); err != nil {
		return bpterr.Wrap("mmapbackend.load", err)
	}
	if st.Nodes == nil {
		st.Nodes = make(map[string]storage.NodeRecord)
	}
	b.state = st
	return nil
}

// persist marshals the in-memory state and writes it into the mapped
// region, growing (doubling) and remapping the file first if it no longer
// fits.
func (b *Backend) persist() error {
	buf, err := json.Marshal(b.state)
	if err != nil {
		return bpterr.Wrap("mmapbackend.persist", err)
	}
	need := int64(lengthPrefix + len(buf))
	if need > int64(len(b.data)) {
		if err := b.grow(need); err != nil {
			return err
		}
	}
	binary.LittleEndian.PutUint64(b.data[:lengthPrefix], uint64(len(buf)))
	copy(b.data[lengthPrefix:], buf)
	if err := unix.Msync(b.data, unix.MS_SYNC); err != nil {
		return bpterr.Wrap("mmapbackend.persist", err)
	}
	return nil
}

// grow doubles the file (and its mapping) until it can hold at least
// need bytes, mirroring the teacher's page-file growth strategy.
func (b *Backend) grow(need int64) error {
	newSize := int64(len(b.data))
	if newSize == 0 {
		newSize = initialSize
	}
	for newSize < need {
		newSize *= 2
	}
	if err := unix.Munmap(b.data); err != nil {
		return bpterr.Wrap("mmapbackend.grow", err)
	}
	if err := b.file.Truncate(newSize); err != nil {
		return bpterr.Wrap("mmapbackend.grow", err)
	}
	data, err := unix.Mmap(int(b.file.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return bpterr.Wrap("mmapbackend.grow", err)
	}
	b.data = data
	return nil
}

func (b *Backend) NewID(_ context.Context, isLeaf bool) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.Seq++
	prefix := "n"
	if isLeaf {
		prefix = "l"
	}
	return fmt.Sprintf("%s%d", prefix, b.state.Seq), nil
}

func (b *Backend) Read(_ context.Context, id string) (storage.NodeRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.state.Nodes[id]
	if !ok {
		return storage.NodeRecord{}, fmt.Errorf("mmapbackend: node %q not found", id)
	}
	return rec.Clone(), nil
}

func (b *Backend) Write(_ context.Context, rec storage.NodeRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.Nodes[rec.ID] = rec.Clone()
	return b.persist()
}

func (b *Backend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.state.Nodes, id)
	return b.persist()
}

func (b *Backend) Exists(_ context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.state.Nodes[id]
	return ok, nil
}

func (b *Backend) ReadHead(_ context.Context) (storage.HeadRecord, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.state.HasHead {
		return storage.HeadRecord{}, false, nil
	}
	return b.state.Head.Clone(), true, nil
}

func (b *Backend) WriteHead(_ context.Context, head storage.HeadRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.Head = head.Clone()
	b.state.HasHead = true
	return b.persist()
}

func (b *Backend) CASHead(_ context.Context, expectedVersion uint64, newRoot string, data map[string]json.RawMessage) (uint64, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.state.HasHead {
		return 0, false, nil
	}
	if b.state.Head.Version != expectedVersion {
		return b.state.Head.Version, false, nil
	}
	b.state.Head.Root = newRoot
	b.state.Head.Version++
	if data != nil {
		b.state.Head.Data = data
	}
	if err := b.persist(); err != nil {
		return b.state.Head.Version, false, err
	}
	return b.state.Head.Version, true, nil
}

var _ storage.Backend = (*Backend)(nil)
