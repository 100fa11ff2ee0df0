package iterator

import (
	"context"
	"fmt"
)

// PageSource produces one page of a possibly remote enumeration starting at
// offset. next is the offset of the following page; done marks the last page.
type PageSource[T any] interface {
	FetchPage(ctx context.Context, offset int) (items []T, next int, done bool, err error)
}

// PageFunc adapts a function to PageSource.
type PageFunc[T any] func(ctx context.Context, offset int) ([]T, int, bool, error)

func (f PageFunc[T]) FetchPage(ctx context.Context, offset int) ([]T, int, bool, error) {
	return f(ctx, offset)
}

type page[T any] struct {
	items []T
	next  int
	done  bool
}

// PagedIterator is the query answer iterator. It owns a buffer holding the
// current page and a cache of every page fetched so far keyed by offset.
// When the buffer runs out Next calls Refill, which consults the cache before
// asking the source. Rewind restarts from the first page without refetching.
type PagedIterator[T any] struct {
	ctx    context.Context
	source PageSource[T]

	cache   map[int]page[T]
	buffer  []T
	pos     int
	offset  int
	next    int
	done    bool
	started bool

	current T
	err     error
	fetches int
}

func NewPagedIterator[T any](ctx context.Context, source PageSource[T]) *PagedIterator[T] {
	return &PagedIterator[T]{
		ctx:    ctx,
		source: source,
		cache:  make(map[int]page[T]),
	}
}

func (it *PagedIterator[T]) Next() bool { // A
	if it.err != nil {
		return false
	}
	for it.pos >= len(it.buffer) {
		if it.started && it.done {
			return false
		}
		if err := it.Refill(); err != nil {
			it.err = err
			return false
		}
	}
	it.current = it.buffer[it.pos]
	it.pos++
	return true
}

// Refill replaces the buffer with the page following the current one.
func (it *PagedIterator[T]) Refill() error { // A
	offset := 0
	if it.started {
		if it.done {
			return nil
		}
		offset = it.next
	}

	p, ok := it.cache[offset]
	if !ok {
		if err := it.ctx.Err(); err != nil {
			return err
		}
		items, next, done, err := it.source.FetchPage(it.ctx, offset)
		if err != nil {
			return fmt.Errorf("fetch page at %d: %w", offset, err)
		}
		if !done && next <= offset {
			return fmt.Errorf("fetch page at %d: source did not advance (next %d)", offset, next)
		}
		it.fetches++
		p = page[T]{items: items, next: next, done: done}
		it.cache[offset] = p
	}

	it.started = true
	it.offset = offset
	it.buffer = p.items
	it.pos = 0
	it.next = p.next
	it.done = p.done
	return nil
}

// Rewind restarts the iteration at the first item. Pages already fetched are
// served from the cache.
func (it *PagedIterator[T]) Rewind() {
	it.started = false
	it.done = false
	it.buffer = nil
	it.pos = 0
	it.offset = 0
	it.next = 0
	it.err = nil
}

func (it *PagedIterator[T]) Value() T { return it.current }

func (it *PagedIterator[T]) Err() error { return it.err }

// Fetches counts the calls that reached the source.
func (it *PagedIterator[T]) Fetches() int { return it.fetches }
