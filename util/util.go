package util

import (
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Merges two maps, combining the values of keys present in both.
func MergeMaps[T comparable, V any](m1 map[T]V, m2 map[T]V, combine func(v1 V, v2 V) V) map[T]V {
	res := maps.Clone(m1)
	if res == nil {
		res = make(map[T]V, len(m2))
	}
	for k, v := range m2 {
		if existing, ok := res[k]; ok {
			res[k] = combine(existing, v)
		} else {
			res[k] = v
		}
	}
	return res
}

// Returns the first element that occurs earlier in the list under the given
// key, and false if every key is distinct.
func FirstDuplicate[T any, V comparable](ls []T, selector func(v T) V) (T, bool) {
	seen := map[V]bool{}
	for _, e := range ls {
		s := selector(e)
		if seen[s] {
			return e, true
		}
		seen[s] = true
	}
	var zero T
	return zero, false
}

// Keys of a map in ascending order, for iteration that must not depend on
// map layout.
func SortedKeys[K constraints.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// A set of ordered elements.
type Set[K constraints.Ordered] map[K]bool

func SetOf[K constraints.Ordered](elems ...K) Set[K] {
	s := Set[K]{}
	for _, e := range elems {
		s[e] = true
	}
	return s
}

func (s Set[K]) Union(o Set[K]) Set[K] {
	return MergeMaps(s, o, func(a bool, b bool) bool { return a || b })
}

// Whether every element of o is already in s.
func (s Set[K]) Covers(o Set[K]) bool {
	for k := range o {
		if !s[k] {
			return false
		}
	}
	return true
}

func (s Set[K]) Sorted() []K {
	return SortedKeys(s)
}
