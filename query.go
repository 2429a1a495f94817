package bptree

import "bptree/pkg/query"

// Condition is one clause of a Where/Keys query. See the query
// constructors below (Eq, Neq, Gt, ...) for how to build one.
type Condition[V any] = query.Condition[V]

// Entry pairs a matched key with its value, the shape Where returns.
type Entry[K comparable, V any] struct {
	Key   K
	Value V
}

// Equality and range conditions, evaluated against a value's natural
// order (comparator.Comparator.Asc).
func Eq[V any](v V) Condition[V]  { return query.Eq(v) }
func Neq[V any](v V) Condition[V] { return query.Neq(v) }
func Gt[V any](v V) Condition[V]  { return query.Gt(v) }
func Gte[V any](v V) Condition[V] { return query.Gte(v) }
func Lt[V any](v V) Condition[V]  { return query.Lt(v) }
func Lte[V any](v V) Condition[V] { return query.Lte(v) }

// Like matches values whose comparator.Match projection satisfies a SQL-
// style pattern ('%' = any run of characters, '_' = exactly one).
func Like[V any](pattern string) Condition[V] { return query.Like[V](pattern) }

// AnyOf matches any of the given values (a disjunction).
func AnyOf[V any](values ...V) Condition[V] { return query.AnyOf(values...) }

// Primary* conditions evaluate against the coarser PrimaryAsc ordering
// (composite-key grouping) instead of the full value order.
func PrimaryEq[V any](v V) Condition[V]  { return query.PrimaryEq(v) }
func PrimaryNeq[V any](v V) Condition[V] { return query.PrimaryNeq(v) }
func PrimaryGt[V any](v V) Condition[V]  { return query.PrimaryGt(v) }
func PrimaryGte[V any](v V) Condition[V] { return query.PrimaryGte(v) }
func PrimaryLt[V any](v V) Condition[V]  { return query.PrimaryLt(v) }
func PrimaryLte[V any](v V) Condition[V] { return query.PrimaryLte(v) }

// PrimaryAnyOf matches any value sharing a primary group with one of the
// given values (AnyOf's primary-grouping counterpart).
func PrimaryAnyOf[V any](values ...V) Condition[V] { return query.PrimaryAnyOf(values...) }

// ChooseDriver picks the condition best suited to drive a scan across
// conds, for callers planning a query across more than one tree (e.g. a
// join) who want to pick the cheaper side first. Returns ok=false for an
// empty slice.
func ChooseDriver[V any](conds []Condition[V]) (idx int, ok bool) {
	return query.ChooseDriver(conds)
}
