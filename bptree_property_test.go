package bptree

import (
	"context"
	"sort"
	"strconv"
	"testing"

	"bptree/pkg/node"
	"bptree/pkg/storage"

	"pgregory.net/rapid"
)

// TestPropertyOrderAndBalance checks that after an arbitrary sequence of
// inserts, Where() with no conditions returns every distinct value in
// ascending order exactly once per key inserted under it, and every leaf
// respects the order's occupancy bounds.
func TestPropertyOrderAndBalance(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		order := rapid.IntRange(3, 8).Draw(rt, "order")
		n := rapid.IntRange(0, 150).Draw(rt, "n")

		ctx := context.Background()
		tr, err := Open[string, int](ctx, storage.NewMemoryBackend(), intOptions(order))
		if err != nil {
			rt.Fatal(err)
		}

		want := map[int]map[string]bool{}
		for i := 0; i < n; i++ {
			v := rapid.IntRange(0, 40).Draw(rt, "value")
			key := "k" + strconv.Itoa(i)
			if _, err := tr.Insert(ctx, v, key); err != nil {
				rt.Fatal(err)
			}
			if want[v] == nil {
				want[v] = map[string]bool{}
			}
			want[v][key] = true
		}

		entries, err := tr.Where(ctx)
		if err != nil {
			rt.Fatal(err)
		}

		gotByValue := map[int][]string{}
		for _, e := range entries {
			gotByValue[e.Value] = append(gotByValue[e.Value], e.Key)
		}

		if len(gotByValue) != len(want) {
			rt.Fatalf("distinct value count mismatch: got %d, want %d", len(gotByValue), len(want))
		}

		var prev int
		first := true
		for _, e := range entries {
			if !first && e.Value < prev {
				rt.Fatalf("scan not in ascending order: %d after %d", e.Value, prev)
			}
			prev, first = e.Value, false
		}

		for v, keys := range want {
			gotKeys := gotByValue[v]
			if len(gotKeys) != len(keys) {
				rt.Fatalf("value %d: got %d keys, want %d", v, len(gotKeys), len(keys))
			}
			for _, k := range gotKeys {
				if !keys[k] {
					rt.Fatalf("value %d: unexpected key %q", v, k)
				}
			}
		}

		tx, err := tr.CreateTransaction(ctx)
		if err != nil {
			rt.Fatal(err)
		}
		defer tx.Rollback(ctx)
		root := tx.txn.Root()
		leaf, err := tr.core.LeftmostLeaf(ctx, tx.txn, root)
		for err == nil && leaf != nil {
			if len(leaf.Values) > order-1 || leaf.IsUnderflow(order, leaf.ID == root) {
				rt.Fatalf("leaf %s holds %d values, outside the bounds for order %d", leaf.ID, len(leaf.Values), order)
			}
			if leaf.Next == node.NoID {
				break
			}
			leaf, err = tx.txn.Load(ctx, leaf.Next)
		}
		if err != nil {
			rt.Fatal(err)
		}
	})
}

// TestPropertyInsertThenDeleteAllEmpties checks the structural-integrity
// invariant: inserting any sequence of (value, key) pairs and then
// deleting every one of them always returns the tree to empty, regardless
// of how many splits and merges happened along the way.
func TestPropertyInsertThenDeleteAllEmpties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		order := rapid.IntRange(3, 6).Draw(rt, "order")
		n := rapid.IntRange(0, 80).Draw(rt, "n")

		ctx := context.Background()
		backend := storage.NewMemoryBackend()
		tr, err := Open[string, int](ctx, backend, intOptions(order))
		if err != nil {
			rt.Fatal(err)
		}

		type entry struct {
			value int
			key   string
		}
		var entries []entry
		for i := 0; i < n; i++ {
			v := rapid.IntRange(0, 30).Draw(rt, "value")
			key := "k" + strconv.Itoa(i)
			if _, err := tr.Insert(ctx, v, key); err != nil {
				rt.Fatal(err)
			}
			entries = append(entries, entry{v, key})
		}

		for _, e := range entries {
			if _, err := tr.Delete(ctx, e.value, e.key); err != nil {
				rt.Fatal(err)
			}
		}

		remaining, err := tr.Where(ctx)
		if err != nil {
			rt.Fatal(err)
		}
		if len(remaining) != 0 {
			rt.Fatalf("expected empty tree after deleting everything, found %d entries", len(remaining))
		}
		if backend.Len() != 0 {
			rt.Fatalf("expected backend to hold no nodes once the tree is empty, found %d", backend.Len())
		}
	})
}

// TestPropertyRoundTripThroughCodec checks that every inserted value comes
// back out exactly as inserted (codec round trip), independent of how the
// rapid-generated set sorts.
func TestPropertyRoundTripThroughCodec(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		raw := rapid.SliceOfDistinct(rapid.IntRange(-1000, 1000), func(v int) int { return v }).Draw(rt, "values")

		ctx := context.Background()
		tr, err := Open[string, int](ctx, storage.NewMemoryBackend(), intOptions(5))
		if err != nil {
			rt.Fatal(err)
		}
		for _, v := range raw {
			if _, err := tr.Insert(ctx, v, "k"); err != nil {
				rt.Fatal(err)
			}
		}

		entries, err := tr.Where(ctx)
		if err != nil {
			rt.Fatal(err)
		}
		got := make([]int, len(entries))
		for i, e := range entries {
			got[i] = e.Value
		}
		want := append([]int(nil), raw...)
		sort.Ints(want)
		if len(got) != len(want) {
			rt.Fatalf("count mismatch: got %d, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				rt.Fatalf("round trip mismatch at %d: got %d, want %d", i, got[i], want[i])
			}
		}
	})
}
