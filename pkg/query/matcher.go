package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/i5heu/atomspace/pkg/atomdb"
	"github.com/i5heu/atomspace/pkg/hasher"
	"github.com/i5heu/atomspace/pkg/iterator"
)

const defaultPageSize = 500

// Binding maps variable names to the handles they matched.
type Binding map[string]hasher.Handle

// Names returns the bound variable names in sorted order.
func (b Binding) Names() []string {
	return slices.Sorted(maps.Keys(b))
}

// Matcher evaluates expressions against an atom store. It keeps no state
// between calls and may be shared.
type Matcher struct {
	db       atomdb.AtomDB
	log      *slog.Logger
	pageSize int
}

type Option func(*Matcher)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Matcher) {
		if logger != nil {
			m.log = logger
		}
	}
}

// WithPageSize bounds how many links one store call returns while scanning a
// link type.
func WithPageSize(n int) Option {
	return func(m *Matcher) {
		if n > 0 {
			m.pageSize = n
		}
	}
}

func NewMatcher(db atomdb.AtomDB, opts ...Option) *Matcher {
	m := &Matcher{
		db:       db,
		log:      slog.Default(),
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Match returns every binding satisfying expr. Templates are joined
// incrementally in order: the partial bindings of the first n-1 templates are
// computed up front and the last template is joined lazily as the iterator is
// consumed. Answers follow the store's enumeration order.
//
// An expression without link templates, or with a template that cannot be
// resolved, matches nothing.
func (m *Matcher) Match(ctx context.Context, expr Expression) (iterator.Iterator[Binding], error) { // A
	templates, ok, err := m.plan(ctx, expr)
	if err != nil {
		return nil, err
	}
	if !ok || len(templates) == 0 {
		return iterator.NewListIterator[Binding](nil), nil
	}

	r := &run{
		Matcher:    m,
		ctx:        ctx,
		candidates: make(map[string][]atomdb.AtomDocument),
		atoms:      make(map[hasher.Handle]atomdb.AtomDocument),
	}

	partials := []Binding{{}}
	for i, t := range templates[:len(templates)-1] {
		partials, err = r.extend(partials, t)
		if err != nil {
			return nil, fmt.Errorf("template %d (%s): %w", i, t.Type, err)
		}
		m.log.Debug("query template joined", "template", i, "type", t.Type, "partials", len(partials))
		if len(partials) == 0 {
			return iterator.NewListIterator[Binding](nil), nil
		}
	}

	last := templates[len(templates)-1]
	cands, err := r.load(last)
	if err != nil {
		return nil, fmt.Errorf("template %d (%s): %w", len(templates)-1, last.Type, err)
	}
	return &joinIterator{run: r, partials: partials, candidates: cands, template: last}, nil
}

// plan flattens expr into its link templates. ok is false when expr can
// never match.
func (m *Matcher) plan(ctx context.Context, expr Expression) ([]Link, bool, error) { // A
	switch e := expr.(type) {
	case Link:
		if !resolvable(e) {
			return nil, false, nil
		}
		return []Link{e}, true, nil
	case And:
		var out []Link
		for _, term := range e.Terms {
			templates, ok, err := m.plan(ctx, term)
			if err != nil || !ok {
				return nil, ok, err
			}
			out = append(out, templates...)
		}
		return out, true, nil
	case Node:
		// A node literal in a conjunction holds iff the node exists.
		_, err := m.db.GetNode(ctx, e.Type, e.Name)
		if errors.Is(err, atomdb.ErrNodeDoesNotExist) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return nil, true, nil
	case Variable:
		return nil, false, nil
	case nil:
		return nil, false, nil
	}
	return nil, false, fmt.Errorf("%w: %T", ErrInvalidExpression, expr)
}

func resolvable(l Link) bool {
	if l.Type == "" || len(l.Targets) == 0 {
		return false
	}
	for _, t := range l.Targets {
		switch t := t.(type) {
		case Node:
		case Variable:
			if t.Name == "" {
				return false
			}
		case Link:
			if !resolvable(t) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// run holds the caches of one Match call.
type run struct {
	*Matcher
	ctx        context.Context
	candidates map[string][]atomdb.AtomDocument
	atoms      map[hasher.Handle]atomdb.AtomDocument
}

func (r *run) extend(partials []Binding, t Link) ([]Binding, error) {
	cands, err := r.load(t)
	if err != nil {
		return nil, err
	}
	var out []Binding
	for _, p := range partials {
		for _, c := range cands {
			b, ok, err := r.unify(c, t, p)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, b)
			}
		}
	}
	return out, nil
}

// load returns the candidate links for t: the single stored link when t is
// ground, otherwise every link of t's type.
func (r *run) load(t Link) ([]atomdb.AtomDocument, error) { // A
	if h, ok := ground(t); ok {
		doc, err := r.atom(h)
		if errors.Is(err, atomdb.ErrAtomDoesNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []atomdb.AtomDocument{doc}, nil
	}

	if cands, ok := r.candidates[t.Type]; ok {
		return cands, nil
	}

	pages := iterator.NewPagedIterator[atomdb.AtomDocument](r.ctx, iterator.PageFunc[atomdb.AtomDocument](
		func(ctx context.Context, offset int) ([]atomdb.AtomDocument, int, bool, error) {
			p, err := r.db.GetLinksByType(ctx, t.Type, atomdb.PageRequest{Offset: offset, Limit: r.pageSize})
			if err != nil {
				return nil, 0, false, err
			}
			return p.Atoms, p.Next, p.Done, nil
		}))
	cands, err := iterator.Collect[atomdb.AtomDocument](pages)
	if err != nil {
		return nil, fmt.Errorf("scan links of type %s: %w", t.Type, err)
	}
	r.candidates[t.Type] = cands
	return cands, nil
}

func (r *run) atom(h hasher.Handle) (atomdb.AtomDocument, error) {
	if doc, ok := r.atoms[h]; ok {
		return doc, nil
	}
	doc, err := r.db.GetAtom(r.ctx, h)
	if err != nil {
		return atomdb.AtomDocument{}, err
	}
	r.atoms[h] = doc
	return doc, nil
}

// unify extends p with the bindings that make doc match t. p is not
// modified.
func (r *run) unify(doc atomdb.AtomDocument, t Link, p Binding) (Binding, bool, error) {
	if !shapeMatches(doc, t) {
		return nil, false, nil
	}
	out := make(Binding, len(p)+len(t.Targets))
	maps.Copy(out, p)
	ok, err := r.unifyInto(doc, t, out)
	if err != nil || !ok {
		return nil, false, err
	}
	return out, true, nil
}

// shapeMatches rejects candidates on type, arity and node literals before
// any binding is allocated.
func shapeMatches(doc atomdb.AtomDocument, t Link) bool {
	if doc.Type != t.Type || len(doc.Targets) != len(t.Targets) {
		return false
	}
	for i, slot := range t.Targets {
		if n, ok := slot.(Node); ok && doc.Targets[i] != n.Handle() {
			return false
		}
	}
	return true
}

func (r *run) unifyInto(doc atomdb.AtomDocument, t Link, b Binding) (bool, error) { // A
	if !shapeMatches(doc, t) {
		return false, nil
	}
	for i, slot := range t.Targets {
		target := doc.Targets[i]
		switch s := slot.(type) {
		case Node:
			// checked by shapeMatches
		case Variable:
			if bound, ok := b[s.Name]; ok {
				if bound != target {
					return false, nil
				}
				continue
			}
			b[s.Name] = target
		case Link:
			if h, ok := ground(s); ok {
				if h != target {
					return false, nil
				}
				continue
			}
			sub, err := r.atom(target)
			if err != nil {
				return false, fmt.Errorf("resolve target %d of %s: %w", i, doc.Handle, err)
			}
			ok, err := r.unifyInto(sub, s, b)
			if err != nil || !ok {
				return false, err
			}
		default:
			return false, nil
		}
	}
	return true, nil
}

// joinIterator lazily joins the partial bindings against the candidates of
// the last template.
type joinIterator struct {
	run        *run
	partials   []Binding
	candidates []atomdb.AtomDocument
	template   Link

	i, j    int
	current Binding
	err     error
}

func (it *joinIterator) Next() bool {
	if it.err != nil {
		return false
	}
	for it.i < len(it.partials) {
		for it.j < len(it.candidates) {
			c := it.candidates[it.j]
			it.j++
			b, ok, err := it.run.unify(c, it.template, it.partials[it.i])
			if err != nil {
				it.err = err
				return false
			}
			if ok {
				it.current = b
				return true
			}
		}
		it.i++
		it.j = 0
	}
	return false
}

func (it *joinIterator) Value() Binding { return it.current }

func (it *joinIterator) Err() error { return it.err }
