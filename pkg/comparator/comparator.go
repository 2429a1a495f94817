// Package comparator defines the value-ordering capability the tree
// relies on for everything except payload identity: a strict total order
// over V, an optional coarser "primary" preorder for composite-key
// grouping, and a string projection for pattern (like) queries.
package comparator

import "golang.org/x/exp/constraints"

// Comparator orders values of type V and projects them to a string for
// pattern matching. Asc must be a strict total order: Asc(a,b) < 0 means a
// sorts before b, 0 means equal, > 0 means a sorts after b.
//
// PrimaryAsc, when non-nil, is a coarser total preorder consistent with
// Asc: PrimaryAsc(a,b) == 0 may hold for values where Asc(a,b) != 0 (they
// share a primary group), but PrimaryAsc must never disagree with Asc's
// sign when Asc itself says they differ outside the group. It powers the
// primary* condition family, which groups entries by a prefix of a
// composite value.
type Comparator[V any] struct {
	Asc        func(a, b V) int
	Match      func(v V) string
	PrimaryAsc func(a, b V) int
}

// primaryAsc returns c.PrimaryAsc if set, else falls back to c.Asc — the
// spec's default when no coarser ordering is supplied.
func (c Comparator[V]) primaryAsc() func(a, b V) int {
	if c.PrimaryAsc != nil {
		return c.PrimaryAsc
	}
	return c.Asc
}

// IsLower reports whether a sorts strictly before b.
func (c Comparator[V]) IsLower(a, b V) bool { return c.Asc(a, b) < 0 }

// IsSame reports whether a and b are equal under Asc.
func (c Comparator[V]) IsSame(a, b V) bool { return c.Asc(a, b) == 0 }

// IsHigher reports whether a sorts strictly after b.
func (c Comparator[V]) IsHigher(a, b V) bool { return c.Asc(a, b) > 0 }

// PrimarySame reports whether a and b share a primary group.
func (c Comparator[V]) PrimarySame(a, b V) bool { return c.primaryAsc()(a, b) == 0 }

// PrimaryIsLower reports whether a's primary group sorts before b's.
func (c Comparator[V]) PrimaryIsLower(a, b V) bool { return c.primaryAsc()(a, b) < 0 }

// PrimaryIsHigher reports whether a's primary group sorts after b's.
func (c Comparator[V]) PrimaryIsHigher(a, b V) bool { return c.primaryAsc()(a, b) > 0 }

// NaturalOrder builds a Comparator for any type with Go's built-in
// ordering (integers, floats, strings). match is used unchanged as Match,
// the string projection that `like` queries test against.
func NaturalOrder[V constraints.Ordered](match func(V) string) Comparator[V] {
	return Comparator[V]{
		Asc: func(a, b V) int {
			switch {
			case a < b:
				return -1
			case a > b:
				return 1
			default:
				return 0
			}
		},
		Match: match,
	}
}

// WithPrimary returns a copy of c using primaryAsc as its primary
// ordering, enabling the primary* condition family.
func (c Comparator[V]) WithPrimary(primaryAsc func(a, b V) int) Comparator[V] {
	c.PrimaryAsc = primaryAsc
	return c
}
