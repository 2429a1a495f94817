package mmapbackend

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"bptree/pkg/storage"
)

func openTestBackend(t *testing.T) *Backend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bptree.db")
	b, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestMmapBackendNodeCRUD(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

	id, err := b.NewID(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	rec := storage.NodeRecord{ID: id, Leaf: true, Values: [][]byte{[]byte("v1")}, Keys: [][]string{{"k1"}}}
	if err := b.Write(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := b.Read(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Values[0]) != "v1" {
		t.Fatalf("unexpected value: %s", got.Values[0])
	}

	ok, err := b.Exists(ctx, id)
	if err != nil || !ok {
		t.Fatalf("expected node to exist: ok=%v err=%v", ok, err)
	}

	if err := b.Delete(ctx, id); err != nil {
		t.Fatal(err)
	}
	if ok, _ := b.Exists(ctx, id); ok {
		t.Fatal("expected node to be gone after Delete")
	}
	if _, err := b.Read(ctx, id); err == nil {
		t.Fatal("expected error reading deleted node")
	}
}

func TestMmapBackendHeadBootstrapAndCAS(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

	if _, ok, err := b.ReadHead(ctx); err != nil || ok {
		t.Fatalf("fresh backend should have no head: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := b.CASHead(ctx, 0, "root1", nil); ok {
		t.Fatal("CASHead must never bootstrap a head that doesn't exist")
	}
	if err := b.WriteHead(ctx, storage.HeadRecord{Root: "root1", Order: 4, Version: 0}); err != nil {
		t.Fatal(err)
	}

	observed, ok, err := b.CASHead(ctx, 0, "root2", nil)
	if err != nil || !ok || observed != 1 {
		t.Fatalf("expected successful CAS to version 1, got observed=%d ok=%v err=%v", observed, ok, err)
	}
	if _, ok, _ := b.CASHead(ctx, 0, "root3", nil); ok {
		t.Fatal("CAS against a stale expected version must fail")
	}

	head, ok, err := b.ReadHead(ctx)
	if err != nil || !ok {
		t.Fatal("expected a head to exist")
	}
	if head.Root != "root2" || head.Order != 4 {
		t.Fatalf("unexpected head after CAS: %+v", head)
	}
}

// TestMmapBackendSurvivesReopen exercises the one thing an in-memory
// backend can't: state is read back from the mapped file by a fresh
// Backend over the same path, not just from the process's own memory.
func TestMmapBackendSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bptree.db")

	b, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	id, err := b.NewID(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	rec := storage.NodeRecord{ID: id, Leaf: true, Values: [][]byte{[]byte("persisted")}, Keys: [][]string{{"k"}}}
	if err := b.Write(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := b.WriteHead(ctx, storage.HeadRecord{Root: id, Order: 4, Version: 0}); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	got, err := reopened.Read(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Values[0]) != "persisted" {
		t.Fatalf("expected node to survive reopen, got %q", got.Values[0])
	}
	head, ok, err := reopened.ReadHead(ctx)
	if err != nil || !ok {
		t.Fatal("expected head to survive reopen")
	}
	if head.Root != id {
		t.Fatalf("expected head.Root %q, got %q", id, head.Root)
	}
}

// TestMmapBackendGrowsPastInitialSize forces persist's grow path by
// writing enough distinct nodes that the marshaled snapshot exceeds the
// file's initial 1 MiB mapping.
func TestMmapBackendGrowsPastInitialSize(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

	padding := make([]byte, 4096)
	for i := range padding {
		padding[i] = byte('a' + i%26)
	}
	const n = 512 // 512 * ~4KiB > 1 MiB initial mapping
	var lastID string
	for i := 0; i < n; i++ {
		id, err := b.NewID(ctx, true)
		if err != nil {
			t.Fatal(err)
		}
		rec := storage.NodeRecord{ID: id, Leaf: true, Values: [][]byte{padding}, Keys: [][]string{{"k"}}}
		if err := b.Write(ctx, rec); err != nil {
			t.Fatal(err)
		}
		lastID = id
	}
	if len(b.data) <= initialSize {
		t.Fatalf("expected the mapping to have grown past %d bytes, got %d", initialSize, len(b.data))
	}

	got, err := b.Read(ctx, lastID)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Values[0]) != string(padding) {
		t.Fatal("node written after growth did not round-trip")
	}
}

func TestMmapBackendCASHeadCarriesHeadData(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

	if err := b.WriteHead(ctx, storage.HeadRecord{Root: "root1", Order: 4, Version: 0}); err != nil {
		t.Fatal(err)
	}
	data := map[string]json.RawMessage{"schemaVersion": json.RawMessage(`3`)}
	if _, ok, err := b.CASHead(ctx, 0, "root2", data); err != nil || !ok {
		t.Fatalf("expected CAS to succeed: ok=%v err=%v", ok, err)
	}
	head, _, err := b.ReadHead(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(head.Data["schemaVersion"]) != "3" {
		t.Fatalf("expected head data to carry through CASHead, got %v", head.Data)
	}
}
