// Package iterator holds the lazy sequences that query results and traversal
// answers are delivered through.
//
// Every iterator follows the same protocol: call Next until it returns false,
// read the current item with Value, then check Err. Iterators are single pass
// and not safe for concurrent use; independent iterators over the same store
// may run in parallel.
package iterator

// Iterator is a lazy, single-pass sequence.
type Iterator[T any] interface {
	// Next advances to the following item. It returns false once the
	// sequence is exhausted or failed.
	Next() bool
	// Value returns the item Next advanced to.
	Value() T
	// Err returns the error that stopped the iteration, if any.
	Err() error
}

// ListIterator yields an already materialized slice.
type ListIterator[T any] struct {
	items []T
	pos   int
}

func NewListIterator[T any](items []T) *ListIterator[T] {
	return &ListIterator[T]{items: items, pos: -1}
}

func (it *ListIterator[T]) Next() bool {
	if it.pos+1 >= len(it.items) {
		it.pos = len(it.items)
		return false
	}
	it.pos++
	return true
}

func (it *ListIterator[T]) Value() T {
	if it.pos < 0 || it.pos >= len(it.items) {
		var zero T
		return zero
	}
	return it.items[it.pos]
}

func (it *ListIterator[T]) Err() error { return nil }

// Len is the number of items not yet yielded.
func (it *ListIterator[T]) Len() int {
	return len(it.items) - it.pos - 1
}

type mapIterator[S, T any] struct {
	src     Iterator[S]
	fn      func(S) (T, error)
	current T
	err     error
}

// Map projects every item of src through fn.
func Map[S, T any](src Iterator[S], fn func(S) T) Iterator[T] {
	return &mapIterator[S, T]{src: src, fn: func(s S) (T, error) { return fn(s), nil }}
}

// MapErr projects every item of src through fn. The first error ends the
// iteration and is reported by Err.
func MapErr[S, T any](src Iterator[S], fn func(S) (T, error)) Iterator[T] {
	return &mapIterator[S, T]{src: src, fn: fn}
}

func (it *mapIterator[S, T]) Next() bool {
	if it.err != nil || !it.src.Next() {
		return false
	}
	v, err := it.fn(it.src.Value())
	if err != nil {
		it.err = err
		return false
	}
	it.current = v
	return true
}

func (it *mapIterator[S, T]) Value() T { return it.current }

func (it *mapIterator[S, T]) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.src.Err()
}

// Collect drains it into a slice.
func Collect[T any](it Iterator[T]) ([]T, error) {
	var out []T
	for it.Next() {
		out = append(out, it.Value())
	}
	return out, it.Err()
}
