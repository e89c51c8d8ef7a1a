package fn

import "slices"

// Map returns f applied to every element.
func Map[T, U any](items []T, f func(T) U) []U {
	out := make([]U, 0, len(items))
	for _, v := range items {
		out = append(out, f(v))
	}
	return out
}

// Filter returns a new slice of the elements keep accepts. items is not
// modified.
func Filter[T any](items []T, keep func(T) bool) []T {
	return slices.DeleteFunc(slices.Clone(items), func(v T) bool { return !keep(v) })
}

// UniqueBy keeps the first element for every key, in input order.
func UniqueBy[T any, K comparable](items []T, key func(T) K) []T {
	seen := make(map[K]bool, len(items))
	return Filter(items, func(v T) bool {
		k := key(v)
		if seen[k] {
			return false
		}
		seen[k] = true
		return true
	})
}
