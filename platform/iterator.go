package platform

import "iter"

// Iterator is the pull-style sequence handed across the platform boundary,
// where bindings cannot express slices of structs.
type Iterator[T any] interface {
	Next() T
	HasNext() bool
}

type (
	StringIterator           = Iterator[string]
	NetworkInterfaceIterator = Iterator[*NetworkInterface]
)

type sliceIterator[T any] struct {
	values []T
	next   int
}

func newIterator[T any](values []T) *sliceIterator[T] {
	return &sliceIterator[T]{values: values}
}

// Next returns the zero value once the values are drained.
func (i *sliceIterator[T]) Next() (value T) {
	if i.next < len(i.values) {
		value = i.values[i.next]
		i.next++
	}
	return
}

func (i *sliceIterator[T]) HasNext() bool {
	return i.next < len(i.values)
}

// All drains iterator as a range-over-func sequence. A nil iterator yields
// nothing.
func All[T any](iterator Iterator[T]) iter.Seq[T] {
	return func(yield func(T) bool) {
		if iterator == nil {
			return
		}
		for iterator.HasNext() {
			if !yield(iterator.Next()) {
				return
			}
		}
	}
}
