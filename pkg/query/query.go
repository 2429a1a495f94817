// Package query implements the condition taxonomy, driver selection, and
// directional leaf-chain scan that back Tree.Where/Keys. A query is a set
// of Conditions over V; the planner picks one as the scan driver (the
// condition that prunes the most of the leaf chain) and evaluates the
// rest as an in-memory post-filter on whatever the driver's scan yields.
package query

import (
	"context"
	"iter"
	"regexp"
	"sort"
	"sync"

	"bptree/pkg/bpterr"
	"bptree/pkg/comparator"
	"bptree/pkg/node"
	"bptree/pkg/tree"
)

// Kind enumerates the recognised condition operators.
type Kind int

const (
	Equal Kind = iota
	NotEqual
	GreaterThan
	GreaterThanOrEqual
	LessThan
	LessThanOrEqual
	Or
	LikePattern
	PrimaryEqual
	PrimaryNotEqual
	PrimaryGreaterThan
	PrimaryGreaterThanOrEqual
	PrimaryLessThan
	PrimaryLessThanOrEqual
	PrimaryOr
)

// Condition is one clause of a query. Value holds the operand for every
// single-value Kind; Values holds the disjunction operands for Or;
// Pattern holds the (comparator.Match-projected) glob for Like, where '%'
// matches any run of characters and '_' matches exactly one, following
// the teacher's SQL LIKE convention.
type Condition[V any] struct {
	Kind    Kind
	Value   V
	Values  []V
	Pattern string
}

func Eq[V any](v V) Condition[V]    { return Condition[V]{Kind: Equal, Value: v} }
func Neq[V any](v V) Condition[V]   { return Condition[V]{Kind: NotEqual, Value: v} }
func Gt[V any](v V) Condition[V]    { return Condition[V]{Kind: GreaterThan, Value: v} }
func Gte[V any](v V) Condition[V]   { return Condition[V]{Kind: GreaterThanOrEqual, Value: v} }
func Lt[V any](v V) Condition[V]    { return Condition[V]{Kind: LessThan, Value: v} }
func Lte[V any](v V) Condition[V]   { return Condition[V]{Kind: LessThanOrEqual, Value: v} }
func Like[V any](pattern string) Condition[V] { return Condition[V]{Kind: LikePattern, Pattern: pattern} }
func AnyOf[V any](values ...V) Condition[V]   { return Condition[V]{Kind: Or, Values: values} }

func PrimaryEq[V any](v V) Condition[V]  { return Condition[V]{Kind: PrimaryEqual, Value: v} }
func PrimaryNeq[V any](v V) Condition[V] { return Condition[V]{Kind: PrimaryNotEqual, Value: v} }
func PrimaryGt[V any](v V) Condition[V]  { return Condition[V]{Kind: PrimaryGreaterThan, Value: v} }
func PrimaryGte[V any](v V) Condition[V] { return Condition[V]{Kind: PrimaryGreaterThanOrEqual, Value: v} }
func PrimaryLt[V any](v V) Condition[V]  { return Condition[V]{Kind: PrimaryLessThan, Value: v} }
func PrimaryLte[V any](v V) Condition[V] { return Condition[V]{Kind: PrimaryLessThanOrEqual, Value: v} }

// PrimaryAnyOf matches any value sharing a primary group with one of the
// given values (a disjunction evaluated under PrimaryAsc rather than Asc).
func PrimaryAnyOf[V any](values ...V) Condition[V] { return Condition[V]{Kind: PrimaryOr, Values: values} }

// priority ranks how much a condition's Kind narrows the leaf chain: a
// point lookup (Equal) prunes the most, Or/PrimaryOr costs one point
// lookup per disjunct (still cheaper than scanning from an open bound to
// the end of the chain), an open inequality prunes one side only, Like
// can't prune at all, and NotEqual ranks last (it excludes a single
// point from everything else, so driving on it scans the whole chain).
func priority(k Kind) int {
	switch k {
	case Equal, PrimaryEqual:
		return 100
	case Or, PrimaryOr:
		return 80
	case GreaterThan, GreaterThanOrEqual, LessThan, LessThanOrEqual,
		PrimaryGreaterThan, PrimaryGreaterThanOrEqual, PrimaryLessThan, PrimaryLessThanOrEqual:
		return 50
	case LikePattern:
		return 30
	default: // NotEqual, PrimaryNotEqual
		return 10
	}
}

// ChooseDriver picks the condition best suited to drive a scan: the
// highest-priority condition, breaking ties in favour of the earliest one
// in conds. Returns ok=false for an empty slice.
func ChooseDriver[V any](conds []Condition[V]) (idx int, ok bool) {
	if len(conds) == 0 {
		return 0, false
	}
	best := 0
	for i := 1; i < len(conds); i++ {
		if priority(conds[i].Kind) > priority(conds[best].Kind) {
			best = i
		}
	}
	return best, true
}

// Matches reports whether v satisfies cond.
func Matches[V any](cmp comparator.Comparator[V], cond Condition[V], v V) bool {
	switch cond.Kind {
	case Equal:
		return cmp.IsSame(v, cond.Value)
	case NotEqual:
		return !cmp.IsSame(v, cond.Value)
	case GreaterThan:
		return cmp.IsHigher(v, cond.Value)
	case GreaterThanOrEqual:
		return !cmp.IsLower(v, cond.Value)
	case LessThan:
		return cmp.IsLower(v, cond.Value)
	case LessThanOrEqual:
		return !cmp.IsHigher(v, cond.Value)
	case Or:
		for _, want := range cond.Values {
			if cmp.IsSame(v, want) {
				return true
			}
		}
		return false
	case LikePattern:
		re := compileLike(cond.Pattern)
		return re.MatchString(cmp.Match(v))
	case PrimaryEqual:
		return cmp.PrimarySame(v, cond.Value)
	case PrimaryNotEqual:
		return !cmp.PrimarySame(v, cond.Value)
	case PrimaryGreaterThan:
		return cmp.PrimaryIsHigher(v, cond.Value)
	case PrimaryGreaterThanOrEqual:
		return !cmp.PrimaryIsLower(v, cond.Value)
	case PrimaryLessThan:
		return cmp.PrimaryIsLower(v, cond.Value)
	case PrimaryLessThanOrEqual:
		return !cmp.PrimaryIsHigher(v, cond.Value)
	case PrimaryOr:
		for _, want := range cond.Values {
			if cmp.PrimarySame(v, want) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// MatchesAll is the conjunction of every condition in conds (empty slice
// matches everything).
func MatchesAll[V any](cmp comparator.Comparator[V], conds []Condition[V], v V) bool {
	for _, c := range conds {
		if !Matches(cmp, c, v) {
			return false
		}
	}
	return true
}

var likeCacheMu sync.Mutex
var likeCache = make(map[string]*regexp.Regexp)

// compileLike translates a SQL-style '%'/'_' pattern into a regexp,
// memoizing compiled patterns since a single query shape is typically
// reused across many Where calls.
func compileLike(pattern string) *regexp.Regexp {
	likeCacheMu.Lock()
	defer likeCacheMu.Unlock()
	if re, ok := likeCache[pattern]; ok {
		return re
	}
	var b []byte
	b = append(b, '^')
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '%':
			b = append(b, '.', '*')
		case '_':
			b = append(b, '.')
		default:
			b = append(b, regexp.QuoteMeta(string(c))...)
		}
	}
	b = append(b, '$')
	re := regexp.MustCompile(string(b))
	likeCache[pattern] = re
	return re
}

// Stream evaluates conds against the tree rooted at rootID, yielding
// (key, value) for every entry satisfying all of conds, in ascending
// value order — descending when the driver is LessThan/LessThanOrEqual or
// their Primary counterparts — with the keys of one value in insertion
// order. It stops early the moment ctx is cancelled.
func Stream[K comparable, V any](ctx context.Context, core *tree.Core[K, V], store tree.NodeStore[K, V], rootID string, conds []Condition[V]) iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		if rootID == node.NoID {
			return
		}
		driverIdx, ok := ChooseDriver(conds)
		if !ok {
			scanAscending(ctx, core, store, rootID, nil, yield)
			return
		}
		driver := conds[driverIdx]
		secondary := make([]Condition[V], 0, len(conds)-1)
		for i, c := range conds {
			if i != driverIdx {
				secondary = append(secondary, c)
			}
		}

		switch driver.Kind {
		case Equal:
			scanEqual(ctx, core, store, rootID, driver.Value, secondary, yield)
		case GreaterThan, GreaterThanOrEqual:
			scanFromBound(ctx, core, store, rootID, driver, secondary, yield)
		case LessThan, LessThanOrEqual:
			scanToBound(ctx, core, store, rootID, driver, secondary, yield)
		case PrimaryEqual:
			scanPrimaryEqual(ctx, core, store, rootID, driver.Value, secondary, yield)
		case PrimaryGreaterThan, PrimaryGreaterThanOrEqual:
			scanFromPrimaryBound(ctx, core, store, rootID, driver, secondary, yield)
		case PrimaryLessThan, PrimaryLessThanOrEqual:
			scanToPrimaryBound(ctx, core, store, rootID, driver, secondary, yield)
		case Or:
			scanOr(ctx, core, store, rootID, driver.Values, secondary, yield)
		case PrimaryOr:
			scanPrimaryOr(ctx, core, store, rootID, driver.Values, secondary, yield)
		default: // LikePattern, NotEqual, PrimaryNotEqual: no pruning available
			scanAscending(ctx, core, store, rootID, conds, yield)
		}
	}
}

func emit[K comparable, V any](cmp comparator.Comparator[V], secondary []Condition[V], n *node.Node[K, V], yield func(K, V) bool) bool {
	for i, v := range n.Values {
		if !MatchesAll(cmp, secondary, v) {
			continue
		}
		for _, k := range n.KeySets[i] {
			if !yield(k, v) {
				return false
			}
		}
	}
	return true
}

func scanAscending[K comparable, V any](ctx context.Context, core *tree.Core[K, V], store tree.NodeStore[K, V], rootID string, conds []Condition[V], yield func(K, V) bool) {
	leaf, err := core.LeftmostLeaf(ctx, store, rootID)
	if err != nil || leaf == nil {
		return
	}
	for leaf != nil {
		if ctx.Err() != nil {
			return
		}
		if !emit(core.Comparator, conds, leaf, yield) {
			return
		}
		leaf = nextLeaf(ctx, store, leaf)
	}
}

func nextLeaf[K comparable, V any](ctx context.Context, store tree.NodeStore[K, V], leaf *node.Node[K, V]) *node.Node[K, V] {
	if leaf.Next == node.NoID {
		return nil
	}
	n, err := store.Load(ctx, leaf.Next)
	if err != nil {
		return nil
	}
	return n
}

func prevLeaf[K comparable, V any](ctx context.Context, store tree.NodeStore[K, V], leaf *node.Node[K, V]) *node.Node[K, V] {
	if leaf.Prev == node.NoID {
		return nil
	}
	n, err := store.Load(ctx, leaf.Prev)
	if err != nil {
		return nil
	}
	return n
}

func scanEqual[K comparable, V any](ctx context.Context, core *tree.Core[K, V], store tree.NodeStore[K, V], rootID string, v V, secondary []Condition[V], yield func(K, V) bool) {
	leaf, err := core.Search(ctx, store, rootID, v)
	if err != nil || leaf == nil {
		return
	}
	pos := leaf.FindValuePosition(core.Comparator, v)
	if pos >= len(leaf.Values) || !core.Comparator.IsSame(leaf.Values[pos], v) {
		return
	}
	if !MatchesAll(core.Comparator, secondary, leaf.Values[pos]) {
		return
	}
	for _, k := range leaf.KeySets[pos] {
		if !yield(k, leaf.Values[pos]) {
			return
		}
	}
}

func scanPrimaryEqual[K comparable, V any](ctx context.Context, core *tree.Core[K, V], store tree.NodeStore[K, V], rootID string, v V, secondary []Condition[V], yield func(K, V) bool) {
	leaf, err := core.SeekLeftmost(ctx, store, rootID, v)
	if err != nil || leaf == nil {
		return
	}
	for leaf != nil {
		if ctx.Err() != nil {
			return
		}
		for i, cand := range leaf.Values {
			if !core.Comparator.PrimarySame(cand, v) {
				if core.Comparator.PrimaryIsHigher(cand, v) {
					return
				}
				continue
			}
			if !MatchesAll(core.Comparator, secondary, cand) {
				continue
			}
			for _, k := range leaf.KeySets[i] {
				if !yield(k, cand) {
					return
				}
			}
		}
		leaf = nextLeaf(ctx, store, leaf)
	}
}

func scanFromBound[K comparable, V any](ctx context.Context, core *tree.Core[K, V], store tree.NodeStore[K, V], rootID string, driver Condition[V], secondary []Condition[V], yield func(K, V) bool) {
	leaf, err := core.Search(ctx, store, rootID, driver.Value)
	if err != nil || leaf == nil {
		return
	}
	for leaf != nil {
		if ctx.Err() != nil {
			return
		}
		for i, v := range leaf.Values {
			if !Matches(core.Comparator, driver, v) {
				continue
			}
			if !MatchesAll(core.Comparator, secondary, v) {
				continue
			}
			for _, k := range leaf.KeySets[i] {
				if !yield(k, v) {
					return
				}
			}
		}
		leaf = nextLeaf(ctx, store, leaf)
	}
}

// scanToBound drives on lt/lte: direction −1 in the driver table, so
// results come back descending from the bound (spec.md §4.4: "descending
// for −1"). It seeks the leaf holding (or that would hold) the bound and
// walks the leaf chain backward via Prev, which is cheaper than scanning
// the whole chain from the left and reversing the result.
func scanToBound[K comparable, V any](ctx context.Context, core *tree.Core[K, V], store tree.NodeStore[K, V], rootID string, driver Condition[V], secondary []Condition[V], yield func(K, V) bool) {
	leaf, err := core.Search(ctx, store, rootID, driver.Value)
	if err != nil || leaf == nil {
		return
	}
	pos := leaf.FindValuePosition(core.Comparator, driver.Value)
	if pos >= len(leaf.Values) {
		pos = len(leaf.Values) - 1
	}
	for leaf != nil {
		if ctx.Err() != nil {
			return
		}
		for i := pos; i >= 0; i-- {
			v := leaf.Values[i]
			if !Matches(core.Comparator, driver, v) {
				continue
			}
			if !MatchesAll(core.Comparator, secondary, v) {
				continue
			}
			for _, k := range leaf.KeySets[i] {
				if !yield(k, v) {
					return
				}
			}
		}
		leaf = prevLeaf(ctx, store, leaf)
		if leaf != nil {
			pos = len(leaf.Values) - 1
		}
	}
}

func scanFromPrimaryBound[K comparable, V any](ctx context.Context, core *tree.Core[K, V], store tree.NodeStore[K, V], rootID string, driver Condition[V], secondary []Condition[V], yield func(K, V) bool) {
	leaf, err := core.SeekLeftmost(ctx, store, rootID, driver.Value)
	if err != nil || leaf == nil {
		return
	}
	for leaf != nil {
		if ctx.Err() != nil {
			return
		}
		for i, v := range leaf.Values {
			if !Matches(core.Comparator, driver, v) {
				continue
			}
			if !MatchesAll(core.Comparator, secondary, v) {
				continue
			}
			for _, k := range leaf.KeySets[i] {
				if !yield(k, v) {
					return
				}
			}
		}
		leaf = nextLeaf(ctx, store, leaf)
	}
}

// scanToPrimaryBound is scanToBound's primary-grouping counterpart: it
// seeks via SeekRightmost (equal-by-primary goes right, per the driver
// table's "rightmost-by-primary" end bound) and walks backward, same
// descending order as scanToBound.
func scanToPrimaryBound[K comparable, V any](ctx context.Context, core *tree.Core[K, V], store tree.NodeStore[K, V], rootID string, driver Condition[V], secondary []Condition[V], yield func(K, V) bool) {
	leaf, err := core.SeekRightmost(ctx, store, rootID, driver.Value)
	if err != nil || leaf == nil {
		return
	}
	pos := len(leaf.Values) - 1
	for leaf != nil {
		if ctx.Err() != nil {
			return
		}
		for i := pos; i >= 0; i-- {
			v := leaf.Values[i]
			if !Matches(core.Comparator, driver, v) {
				continue
			}
			if !MatchesAll(core.Comparator, secondary, v) {
				continue
			}
			for _, k := range leaf.KeySets[i] {
				if !yield(k, v) {
					return
				}
			}
		}
		leaf = prevLeaf(ctx, store, leaf)
		if leaf != nil {
			pos = len(leaf.Values) - 1
		}
	}
}

// scanOr evaluates an Or driver as one point lookup per disjunct, in
// ascending-value order (ties among equal disjunct values broken by their
// position in driver.Values) — the resolution spec.md §9 settled on for
// "or" ordering.
func scanOr[K comparable, V any](ctx context.Context, core *tree.Core[K, V], store tree.NodeStore[K, V], rootID string, values []V, secondary []Condition[V], yield func(K, V) bool) {
	ordered := append([]V(nil), values...)
	sort.SliceStable(ordered, func(i, j int) bool { return core.Comparator.IsLower(ordered[i], ordered[j]) })
	for i, v := range ordered {
		if i > 0 && core.Comparator.IsSame(ordered[i-1], v) {
			continue
		}
		stop := false
		scanEqual(ctx, core, store, rootID, v, secondary, func(k K, vv V) bool {
			if !yield(k, vv) {
				stop = true
				return false
			}
			return true
		})
		if stop || ctx.Err() != nil {
			return
		}
	}
}

// scanPrimaryOr is scanOr's primary-grouping counterpart: each disjunct
// drives a scanPrimaryEqual instead of a scanEqual, so every entry whose
// primary group matches any disjunct is emitted, ordered ascending by
// primary group (then by insertion order within a group, same tie-break
// as scanOr).
func scanPrimaryOr[K comparable, V any](ctx context.Context, core *tree.Core[K, V], store tree.NodeStore[K, V], rootID string, values []V, secondary []Condition[V], yield func(K, V) bool) {
	ordered := append([]V(nil), values...)
	sort.SliceStable(ordered, func(i, j int) bool { return core.Comparator.PrimaryIsLower(ordered[i], ordered[j]) })
	var seen []V
	for _, v := range ordered {
		dup := false
		for _, s := range seen {
			if core.Comparator.PrimarySame(s, v) {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		seen = append(seen, v)
		stop := false
		scanPrimaryEqual(ctx, core, store, rootID, v, secondary, func(k K, vv V) bool {
			if !yield(k, vv) {
				stop = true
				return false
			}
			return true
		})
		if stop || ctx.Err() != nil {
			return
		}
	}
}

// Validate reports a bpterr.ErrInvalidCondition for any condition this
// package cannot evaluate (every declared Kind is valid today; this
// exists so future Kinds added to the enum without a Matches/Stream case
// fail loudly instead of silently matching nothing).
func Validate[V any](conds []Condition[V]) error {
	for _, c := range conds {
		switch c.Kind {
		case Equal, NotEqual, GreaterThan, GreaterThanOrEqual, LessThan, LessThanOrEqual, Or, LikePattern,
			PrimaryEqual, PrimaryNotEqual, PrimaryGreaterThan, PrimaryGreaterThanOrEqual, PrimaryLessThan, PrimaryLessThanOrEqual,
			PrimaryOr:
			continue
		default:
			return bpterr.New(bpterr.InvalidCondition, "query.Validate")
		}
	}
	return nil
}
