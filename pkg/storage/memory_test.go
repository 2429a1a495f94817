package storage

import (
	"context"
	"testing"
)

func TestMemoryBackendNodeCRUD(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()

	id, err := b.NewID(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	rec := NodeRecord{ID: id, Leaf: true, Values: [][]byte{[]byte("v1")}, Keys: [][]string{{"k1"}}}
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
	if _, err := b.Read(ctx, id); err == nil {
		t.Fatal("expected error reading deleted node")
	}
}

func TestMemoryBackendHeadBootstrapAndCAS(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()

	if _, ok, err := b.ReadHead(ctx); err != nil || ok {
		t.Fatalf("fresh backend should have no head: ok=%v err=%v", ok, err)
	}

	if _, ok, _ := b.CASHead(ctx, 0, "root1", nil); ok {
		t.Fatal("CASHead must never bootstrap a head that doesn't exist")
	}

	if err := b.WriteHead(ctx, HeadRecord{Root: "root1", Order: 4, Version: 0}); err != nil {
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

func TestMemoryBackendClonesOnReadWrite(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	rec := NodeRecord{ID: "n1", Values: [][]byte{[]byte("v")}}
	if err := b.Write(ctx, rec); err != nil {
		t.Fatal(err)
	}
	rec.Values[0][0] = 'X' // mutate caller's copy after Write
	got, _ := b.Read(ctx, "n1")
	if string(got.Values[0]) != "v" {
		t.Fatalf("backend should have stored a clone, got %s", got.Values[0])
	}
}
