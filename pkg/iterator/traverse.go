package iterator

import (
	"errors"
	"fmt"

	"github.com/i5heu/atomspace/pkg/atomdb"
	"github.com/i5heu/atomspace/pkg/hasher"
)

// ErrInvalidPredicateReturn is returned when a link predicate fails to give a
// boolean verdict. It aborts the iteration in progress.
var ErrInvalidPredicateReturn = errors.New("iterator: the function must return a boolean")

// Predicate decides whether a realized link is kept. Returning an error means
// the predicate could not give a verdict.
type Predicate func(link atomdb.AtomDocument) (bool, error)

// Bool lifts an infallible predicate.
func Bool(f func(link atomdb.AtomDocument) bool) Predicate {
	return func(link atomdb.AtomDocument) (bool, error) { return f(link), nil }
}

// LinkFilter is the filter set accepted by link and neighbor traversal. All
// conditions must hold for a link to be kept.
type LinkFilter struct {
	// LinkType keeps links of this type. Empty means any type.
	LinkType string
	// TargetType keeps links with at least one target, other than the
	// cursor, of this type. Empty means any type.
	TargetType string
	// CursorPosition requires the cursor at this index of the target list.
	// Nil means any position.
	CursorPosition *int
	// Filter is an arbitrary predicate over the realized link.
	Filter Predicate
	// TargetsOnly projects each kept link to its targets.
	TargetsOnly bool
	// HandlesOnly projects atoms to bare handles. A handle cursor forces it
	// on; GetNeighbors ignores it.
	HandlesOnly bool
}

// Position is a helper for LinkFilter.CursorPosition.
func Position(i int) *int {
	return &i
}

// LinkAnswer is one kept link, projected as the filter asks.
type LinkAnswer struct {
	// Handle of the link, always set.
	Handle hasher.Handle `json:"handle"`
	// Link is set unless TargetsOnly or HandlesOnly.
	Link *atomdb.AtomDocument `json:"link,omitempty"`
	// Targets is set when TargetsOnly without HandlesOnly.
	Targets []atomdb.AtomDocument `json:"targets,omitempty"`
	// TargetHandles is set when TargetsOnly.
	TargetHandles []hasher.Handle `json:"target_handles,omitempty"`
}

// TraverseLinksIterator filters the incoming links of a cursor atom. The
// source must carry link documents and, when TargetType or TargetsOnly is
// used, target documents.
type TraverseLinksIterator struct {
	source  Iterator[atomdb.IncomingLink]
	cursor  hasher.Handle
	filter  LinkFilter
	current LinkAnswer
	err     error
}

func NewTraverseLinksIterator(
	source Iterator[atomdb.IncomingLink],
	cursor hasher.Handle,
	filter LinkFilter,
) *TraverseLinksIterator {
	return &TraverseLinksIterator{source: source, cursor: cursor, filter: filter}
}

func (it *TraverseLinksIterator) Next() bool { // A
	if it.err != nil {
		return false
	}
	for it.source.Next() {
		entry := it.source.Value()
		keep, err := it.keep(entry)
		if err != nil {
			it.err = err
			return false
		}
		if keep {
			it.current = it.project(entry)
			return true
		}
	}
	it.err = it.source.Err()
	return false
}

func (it *TraverseLinksIterator) keep(entry atomdb.IncomingLink) (bool, error) { // A
	link := entry.Link
	if link == nil {
		return false, fmt.Errorf("iterator: incoming link %s is not realized", entry.Handle)
	}
	f := it.filter

	if f.LinkType != "" && link.Type != f.LinkType {
		return false, nil
	}

	if f.CursorPosition != nil {
		pos := *f.CursorPosition
		if pos < 0 || pos >= len(link.Targets) || link.Targets[pos] != it.cursor {
			return false, nil
		}
	}

	if f.TargetType != "" || f.TargetsOnly {
		if len(entry.Targets) != len(link.Targets) {
			return false, fmt.Errorf("iterator: targets of link %s are not realized", entry.Handle)
		}
	}

	if f.TargetType != "" {
		found := false
		for _, t := range entry.Targets {
			if t.Handle != it.cursor && t.Type == f.TargetType {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}

	if f.Filter != nil {
		ok, err := f.Filter(link.Clone())
		if err != nil {
			return false, fmt.Errorf("%w: link %s: %w", ErrInvalidPredicateReturn, entry.Handle, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (it *TraverseLinksIterator) project(entry atomdb.IncomingLink) LinkAnswer {
	answer := LinkAnswer{Handle: entry.Handle}
	switch {
	case it.filter.TargetsOnly:
		answer.TargetHandles = make([]hasher.Handle, len(entry.Targets))
		for i, t := range entry.Targets {
			answer.TargetHandles[i] = t.Handle
		}
		if !it.filter.HandlesOnly {
			answer.Targets = entry.Targets
		}
	case !it.filter.HandlesOnly:
		answer.Link = entry.Link
	}
	return answer
}

func (it *TraverseLinksIterator) Value() LinkAnswer { return it.current }

func (it *TraverseLinksIterator) Err() error { return it.err }

// Cursor is the handle the links are incoming to.
func (it *TraverseLinksIterator) Cursor() hasher.Handle { return it.cursor }

// TraverseNeighborsIterator flattens the target groups of a links iterator
// into the distinct atoms adjacent to the cursor. The cursor itself is never
// a neighbor, and when the filter names a target type every neighbor has it.
type TraverseNeighborsIterator struct {
	links   *TraverseLinksIterator
	pending []atomdb.AtomDocument
	seen    map[hasher.Handle]struct{}
	current atomdb.AtomDocument
}

// NewTraverseNeighborsIterator wraps links, which it switches to target
// documents. links must not have been advanced yet.
func NewTraverseNeighborsIterator(links *TraverseLinksIterator) *TraverseNeighborsIterator {
	links.filter.TargetsOnly = true
	links.filter.HandlesOnly = false
	return &TraverseNeighborsIterator{
		links: links,
		seen:  map[hasher.Handle]struct{}{links.cursor: {}},
	}
}

func (it *TraverseNeighborsIterator) Next() bool { // A
	targetType := it.links.filter.TargetType
	for {
		for len(it.pending) > 0 {
			t := it.pending[0]
			it.pending = it.pending[1:]
			if _, dup := it.seen[t.Handle]; dup {
				continue
			}
			if targetType != "" && t.Type != targetType {
				continue
			}
			it.seen[t.Handle] = struct{}{}
			it.current = t
			return true
		}
		if !it.links.Next() {
			return false
		}
		it.pending = it.links.Value().Targets
	}
}

func (it *TraverseNeighborsIterator) Value() atomdb.AtomDocument { return it.current }

func (it *TraverseNeighborsIterator) Err() error { return it.links.Err() }
