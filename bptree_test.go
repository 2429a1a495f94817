package bptree

import (
	"context"
	"strconv"
	"testing"

	"bptree/pkg/comparator"
	"bptree/pkg/mvcc"
	"bptree/pkg/storage"
)

func intOptions(order int) Options[string, int] {
	return Options[string, int]{
		Order:      order,
		Comparator: comparator.NaturalOrder[int](func(v int) string { return strconv.Itoa(v) }),
		Codec: mvcc.Codec[string, int]{
			EncodeValue: func(v int) []byte { return []byte(strconv.Itoa(v)) },
			DecodeValue: func(b []byte) int { n, _ := strconv.Atoi(string(b)); return n },
			EncodeKey:   func(k string) string { return k },
			DecodeKey:   func(s string) string { return s },
		},
	}
}

func TestOpenRejectsSmallOrder(t *testing.T) {
	ctx := context.Background()
	_, err := Open[string, int](ctx, storage.NewMemoryBackend(), intOptions(2))
	if err == nil {
		t.Fatal("expected an error opening a tree with order < 3")
	}
}

func TestTreeInsertGetDelete(t *testing.T) {
	ctx := context.Background()
	tr, err := Open[string, int](ctx, storage.NewMemoryBackend(), intOptions(4))
	if err != nil {
		t.Fatal(err)
	}

	if created, err := tr.Insert(ctx, 10, "ten"); err != nil || !created {
		t.Fatalf("insert failed: created=%v err=%v", created, err)
	}

	keys, ok, err := tr.Get(ctx, 10)
	if err != nil || !ok || len(keys) != 1 || keys[0] != "ten" {
		t.Fatalf("unexpected Get result: keys=%v ok=%v err=%v", keys, ok, err)
	}

	if exists, err := tr.Exists(ctx, 99); err != nil || exists {
		t.Fatal("99 should not exist")
	}

	deleted, err := tr.Delete(ctx, 10, "ten")
	if err != nil || !deleted {
		t.Fatalf("delete failed: deleted=%v err=%v", deleted, err)
	}
	if exists, _ := tr.Exists(ctx, 10); exists {
		t.Fatal("10 should no longer exist after delete")
	}
}

func TestTreeWhereAndKeys(t *testing.T) {
	ctx := context.Background()
	tr, err := Open[string, int](ctx, storage.NewMemoryBackend(), intOptions(4))
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 10; i++ {
		if _, err := tr.Insert(ctx, i, strconv.Itoa(i)); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := tr.Where(ctx, Gte[int](3), Lte[int](6))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries in [3,6], got %d", len(entries))
	}

	keys, err := tr.Keys(ctx, Eq(7))
	if err != nil || len(keys) != 1 || keys[0] != "7" {
		t.Fatalf("unexpected Keys result: %v err=%v", keys, err)
	}
}

func TestTreeWhereStreamCancellation(t *testing.T) {
	ctx := context.Background()
	tr, err := Open[string, int](ctx, storage.NewMemoryBackend(), intOptions(4))
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 50; i++ {
		if _, err := tr.Insert(ctx, i, strconv.Itoa(i)); err != nil {
			t.Fatal(err)
		}
	}

	tx, err := tr.CreateTransaction(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback(ctx)

	seq, err := tx.WhereStream(ctx)
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for range seq {
		count++
		if count == 5 {
			break
		}
	}
	if count != 5 {
		t.Fatalf("expected to stop after 5 via early break, got %d", count)
	}
}

func TestTreeHeadData(t *testing.T) {
	ctx := context.Background()
	tr, err := Open[string, int](ctx, storage.NewMemoryBackend(), intOptions(4))
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.SetHeadData(ctx, "version", "v1"); err != nil {
		t.Fatal(err)
	}
	var got string
	ok, err := tr.GetHeadData(ctx, "version", &got)
	if err != nil || !ok || got != "v1" {
		t.Fatalf("unexpected head data: got=%q ok=%v err=%v", got, ok, err)
	}
}

func TestTreeForceUpdateIsNoopWithoutCache(t *testing.T) {
	ctx := context.Background()
	tr, err := Open[string, int](ctx, storage.NewMemoryBackend(), intOptions(4))
	if err != nil {
		t.Fatal(err)
	}
	tr.ForceUpdate() // must not panic
}
