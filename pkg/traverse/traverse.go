// Package traverse provides the traversal cursor: a movable position in the
// hypergraph from which incoming links and neighbors are enumerated and
// random walks are taken.
//
// Two variants share one engine. A handle cursor reports atoms as handles and
// never realizes documents it does not need; a document cursor reports
// realized atom documents. Both apply identical filters and walk semantics.
package traverse

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/i5heu/atomspace/pkg/atomdb"
	"github.com/i5heu/atomspace/pkg/hasher"
	"github.com/i5heu/atomspace/pkg/iterator"
)

// MultiplePathsError is returned by FollowLink with UniquePath when more than
// one link passes the filters.
type MultiplePathsError struct {
	Count int
}

func (e *MultiplePathsError) Error() string {
	return fmt.Sprintf("traverse: %d paths found, expected one", e.Count)
}

// FollowOptions selects the link FollowLink moves along.
type FollowOptions struct {
	LinkType   string
	TargetType string
	Filter     iterator.Predicate
	// UniquePath fails with *MultiplePathsError unless exactly one link
	// passes the filters.
	UniquePath bool
}

// Walker is the variant-independent part of a cursor.
type Walker interface {
	Current() hasher.Handle
	GetLinks(ctx context.Context, filter iterator.LinkFilter) (*iterator.TraverseLinksIterator, error)
	FollowLink(ctx context.Context, opts FollowOptions) (bool, error)
	Goto(ctx context.Context, h hasher.Handle) error
}

type Option func(*engine)

// WithRand sets the random source FollowLink picks targets with.
func WithRand(r *rand.Rand) Option {
	return func(e *engine) {
		if r != nil {
			e.rand = r
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *engine) {
		if logger != nil {
			e.log = logger
		}
	}
}

// engine is the state machine shared by both variants. Its only state is
// the current handle.
type engine struct {
	db      atomdb.AtomDB
	current hasher.Handle
	rand    *rand.Rand
	log     *slog.Logger
}

func newEngine(
	ctx context.Context,
	db atomdb.AtomDB,
	start hasher.Handle,
	opts []Option,
) (*engine, error) {
	e := &engine{
		db:  db,
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rand == nil {
		e.rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if err := e.Goto(ctx, start); err != nil {
		return nil, err
	}
	return e, nil
}

// Current is the handle the cursor is positioned at.
func (e *engine) Current() hasher.Handle {
	return e.current
}

// Goto relocates the cursor. The handle is resolved right away; when it does
// not exist the cursor stays where it was and the error wraps
// atomdb.ErrAtomDoesNotExist.
func (e *engine) Goto(ctx context.Context, h hasher.Handle) error {
	if _, err := e.db.GetAtom(ctx, h); err != nil {
		return fmt.Errorf("traverse: goto %s: %w", h, err)
	}
	e.current = h
	return nil
}

// links enumerates the incoming links of the cursor through filter as given.
func (e *engine) links(
	ctx context.Context,
	filter iterator.LinkFilter,
) (*iterator.TraverseLinksIterator, error) {
	opts := atomdb.IncomingOptions{TargetsDocument: filter.TargetType != "" || filter.TargetsOnly}
	incoming, err := e.db.GetIncomingLinks(ctx, e.current, opts)
	if err != nil {
		return nil, fmt.Errorf("traverse: incoming links of %s: %w", e.current, err)
	}
	return iterator.NewTraverseLinksIterator(iterator.NewListIterator(incoming), e.current, filter), nil
}

func (e *engine) neighbors(
	ctx context.Context,
	filter iterator.LinkFilter,
) (*iterator.TraverseNeighborsIterator, error) {
	filter.TargetsOnly = true
	links, err := e.links(ctx, filter)
	if err != nil {
		return nil, err
	}
	return iterator.NewTraverseNeighborsIterator(links), nil
}

// FollowLink moves the cursor along the first link passing the filters to
// one of its targets, chosen uniformly at random. Only targets other than
// the cursor and, when TargetType is set, of that type are candidates. The
// cursor stays put when no link passes or the first link offers no
// candidate; moved reports which happened.
func (e *engine) FollowLink(ctx context.Context, opts FollowOptions) (bool, error) { // A
	links, err := e.links(ctx, iterator.LinkFilter{
		LinkType:    opts.LinkType,
		TargetType:  opts.TargetType,
		Filter:      opts.Filter,
		TargetsOnly: true,
	})
	if err != nil {
		return false, err
	}
	if !links.Next() {
		return false, links.Err()
	}
	first := links.Value()

	if opts.UniquePath {
		count := 1
		for links.Next() {
			count++
		}
		if err := links.Err(); err != nil {
			return false, err
		}
		if count > 1 {
			return false, &MultiplePathsError{Count: count}
		}
	}

	candidates := make([]hasher.Handle, 0, len(first.Targets))
	for _, t := range first.Targets {
		if t.Handle == e.current {
			continue
		}
		if opts.TargetType != "" && t.Type != opts.TargetType {
			continue
		}
		candidates = append(candidates, t.Handle)
	}
	if len(candidates) == 0 {
		return false, nil
	}

	next := candidates[e.rand.IntN(len(candidates))]
	e.log.Debug("cursor followed link",
		"link", first.Handle.String(),
		"from", e.current.String(),
		"to", next.String(),
		"candidates", len(candidates))
	e.current = next
	return true, nil
}

// Cursor is a traversal cursor reporting atoms as T.
type Cursor[T any] struct {
	*engine
	handlesOnly bool
	get         func(ctx context.Context, e *engine) (T, error)
	project     func(doc atomdb.AtomDocument) T
}

var (
	_ Walker = (*Cursor[hasher.Handle])(nil)
	_ Walker = (*Cursor[atomdb.AtomDocument])(nil)
)

// NewHandleCursor positions a handle cursor at start.
func NewHandleCursor(
	ctx context.Context,
	db atomdb.AtomDB,
	start hasher.Handle,
	opts ...Option,
) (*Cursor[hasher.Handle], error) {
	e, err := newEngine(ctx, db, start, opts)
	if err != nil {
		return nil, err
	}
	return &Cursor[hasher.Handle]{
		engine:      e,
		handlesOnly: true,
		get: func(_ context.Context, e *engine) (hasher.Handle, error) {
			return e.current, nil
		},
		project: func(doc atomdb.AtomDocument) hasher.Handle { return doc.Handle },
	}, nil
}

// NewDocumentCursor positions a document cursor at start.
func NewDocumentCursor(
	ctx context.Context,
	db atomdb.AtomDB,
	start hasher.Handle,
	opts ...Option,
) (*Cursor[atomdb.AtomDocument], error) {
	e, err := newEngine(ctx, db, start, opts)
	if err != nil {
		return nil, err
	}
	return &Cursor[atomdb.AtomDocument]{
		engine: e,
		get: func(ctx context.Context, e *engine) (atomdb.AtomDocument, error) {
			doc, err := e.db.GetAtom(ctx, e.current)
			if err != nil {
				return atomdb.AtomDocument{}, fmt.Errorf("traverse: get %s: %w", e.current, err)
			}
			return doc, nil
		},
		project: func(doc atomdb.AtomDocument) atomdb.AtomDocument { return doc },
	}, nil
}

// Get returns the atom at the cursor. A handle cursor answers without
// touching the store since Goto already resolved the handle.
func (c *Cursor[T]) Get(ctx context.Context) (T, error) {
	return c.get(ctx, c.engine)
}

// GetLinks enumerates the incoming links of the cursor. Handle cursors
// always report handles only; document cursors do when filter asks to.
func (c *Cursor[T]) GetLinks(
	ctx context.Context,
	filter iterator.LinkFilter,
) (*iterator.TraverseLinksIterator, error) {
	filter.HandlesOnly = filter.HandlesOnly || c.handlesOnly
	return c.links(ctx, filter)
}

// GetNeighbors enumerates the distinct atoms sharing a kept link with the
// cursor. The cursor is never its own neighbor.
func (c *Cursor[T]) GetNeighbors(ctx context.Context, filter iterator.LinkFilter) (iterator.Iterator[T], error) {
	neighbors, err := c.neighbors(ctx, filter)
	if err != nil {
		return nil, err
	}
	return iterator.Map[atomdb.AtomDocument, T](neighbors, c.project), nil
}
