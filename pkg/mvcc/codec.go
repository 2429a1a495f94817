package mvcc

import (
	"bptree/pkg/node"
	"bptree/pkg/storage"
)

// Codec converts between the in-memory K/V a Tree[K,V] operates on and
// the opaque wire forms a storage.Backend persists. The tree core never
// interprets encoded bytes; only a Codec and a Backend ever see them.
type Codec[K comparable, V any] struct {
	EncodeValue func(V) []byte
	DecodeValue func([]byte) V
	EncodeKey   func(K) string
	DecodeKey   func(string) K
}

func encodeNode[K comparable, V any](n *node.Node[K, V], codec Codec[K, V]) storage.NodeRecord {
	rec := storage.NodeRecord{ID: n.ID, Leaf: n.Leaf, Parent: n.Parent, Next: n.Next, Prev: n.Prev}
	rec.Values = make([][]byte, len(n.Values))
	for i, v := range n.Values {
		rec.Values[i] = codec.EncodeValue(v)
	}
	if n.Leaf {
		rec.Keys = make([][]string, len(n.KeySets))
		for i, ks := range n.KeySets {
			enc := make([]string, len(ks))
			for j, k := range ks {
				enc[j] = codec.EncodeKey(k)
			}
			rec.Keys[i] = enc
		}
	} else {
		rec.Keys = make([][]string, len(n.Children))
		for i, c := range n.Children {
			rec.Keys[i] = []string{c}
		}
	}
	return rec
}

func decodeNode[K comparable, V any](rec storage.NodeRecord, codec Codec[K, V]) *node.Node[K, V] {
	n := &node.Node[K, V]{ID: rec.ID, Leaf: rec.Leaf, Parent: rec.Parent, Next: rec.Next, Prev: rec.Prev}
	n.Values = make([]V, len(rec.Values))
	for i, v := range rec.Values {
		n.Values[i] = codec.DecodeValue(v)
	}
	if rec.Leaf {
		n.KeySets = make([][]K, len(rec.Keys))
		for i, ks := range rec.Keys {
			dec := make([]K, len(ks))
			for j, k := range ks {
				dec[j] = codec.DecodeKey(k)
			}
			n.KeySets[i] = dec
		}
	} else {
		n.Children = make([]string, len(rec.Keys))
		for i, ks := range rec.Keys {
			n.Children[i] = ks[0]
		}
	}
	return n
}
