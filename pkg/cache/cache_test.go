package cache

import (
	"context"
	"testing"

	"bptree/pkg/storage"
)

func TestCacheServesReadsAndReflectsWrites(t *testing.T) {
	ctx := context.Background()
	inner := storage.NewMemoryBackend()
	b := New(inner, 2)

	rec := storage.NodeRecord{ID: "n1", Values: [][]byte{[]byte("v1")}}
	if err := b.Write(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := b.Read(ctx, "n1")
	if err != nil || string(got.Values[0]) != "v1" {
		t.Fatalf("unexpected read: %+v err=%v", got, err)
	}

	rec2 := storage.NodeRecord{ID: "n1", Values: [][]byte{[]byte("v2")}}
	if err := b.Write(ctx, rec2); err != nil {
		t.Fatal(err)
	}
	got, _ = b.Read(ctx, "n1")
	if string(got.Values[0]) != "v2" {
		t.Fatalf("cache should reflect the latest write, got %s", got.Values[0])
	}
}

func TestCacheEvictsBeyondCapacity(t *testing.T) {
	ctx := context.Background()
	inner := storage.NewMemoryBackend()
	b := New(inner, 2)

	for _, id := range []string{"a", "b", "c"} {
		if err := b.Write(ctx, storage.NodeRecord{ID: id}); err != nil {
			t.Fatal(err)
		}
	}

	b.mu.Lock()
	size := b.ll.Len()
	b.mu.Unlock()
	if size != 2 {
		t.Fatalf("expected cache to hold at most 2 entries, got %d", size)
	}

	// even evicted, reads still succeed by falling through to inner.
	if _, err := b.Read(ctx, "a"); err != nil {
		t.Fatalf("expected fallthrough read to succeed: %v", err)
	}
}

func TestForceUpdateClearsCache(t *testing.T) {
	ctx := context.Background()
	inner := storage.NewMemoryBackend()
	b := New(inner, 4)
	_ = b.Write(ctx, storage.NodeRecord{ID: "n1"})
	b.ForceUpdate()
	b.mu.Lock()
	size := b.ll.Len()
	b.mu.Unlock()
	if size != 0 {
		t.Fatalf("expected ForceUpdate to empty the cache, got size %d", size)
	}
}
