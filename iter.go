package gdwatch

import (
	"iter"
	"slices"
)

// Map applies fn to every element of s.
func Map[E, F any](s []E, fn func(E) F) []F {
	return slices.Collect(mapSeq(slices.Values(s), fn))
}

// Filter keeps the elements of s for which keep reports true, in order.
func Filter[E any](s []E, keep func(E) bool) []E {
	return slices.Collect(filterSeq(slices.Values(s), keep))
}

func mapSeq[E, F any](seq iter.Seq[E], fn func(E) F) iter.Seq[F] {
	return func(yield func(F) bool) {
		for v := range seq {
			if !yield(fn(v)) {
				return
			}
		}
	}
}

func filterSeq[E any](seq iter.Seq[E], keep func(E) bool) iter.Seq[E] {
	return func(yield func(E) bool) {
		for v := range seq {
			if keep(v) && !yield(v) {
				return
			}
		}
	}
}
