package atomdb

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/i5heu/atomspace/pkg/hasher"
)

// MemoryDB is the in-memory hash-table store. Enumerations follow insertion
// order. It is safe for concurrent use.
type MemoryDB struct {
	mu sync.RWMutex

	atoms       map[hasher.Handle]AtomDocument
	nodes       []hasher.Handle
	nodesByType map[string][]hasher.Handle
	linksByType map[string][]hasher.Handle
	incoming    map[hasher.Handle][]hasher.Handle
	linkCount   int
	closed      bool
}

var _ AtomDB = (*MemoryDB)(nil)

func NewMemoryDB() *MemoryDB { // A
	return &MemoryDB{
		atoms:       make(map[hasher.Handle]AtomDocument),
		nodesByType: make(map[string][]hasher.Handle),
		linksByType: make(map[string][]hasher.Handle),
		incoming:    make(map[hasher.Handle][]hasher.Handle),
	}
}

func (m *MemoryDB) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryDB) GetAtom(ctx context.Context, h hasher.Handle) (AtomDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return AtomDocument{}, ErrClosed
	}
	doc, ok := m.atoms[h]
	if !ok {
		return AtomDocument{}, fmt.Errorf("%w: %s", ErrAtomDoesNotExist, h)
	}
	return doc.Clone(), nil
}

func (m *MemoryDB) GetNode(ctx context.Context, nodeType, name string) (AtomDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return AtomDocument{}, ErrClosed
	}
	doc, ok := m.atoms[NodeHandle(nodeType, name)]
	if !ok || !doc.IsNodeNamed(nodeType, name) {
		return AtomDocument{}, fmt.Errorf("%w: %s %q", ErrNodeDoesNotExist, nodeType, name)
	}
	return doc.Clone(), nil
}

func (m *MemoryDB) GetLink(
	ctx context.Context,
	linkType string,
	targets []hasher.Handle,
) (AtomDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return AtomDocument{}, ErrClosed
	}
	doc, ok := m.atoms[LinkHandle(linkType, targets...)]
	if !ok || !doc.IsLinkOf(linkType, targets) {
		return AtomDocument{}, fmt.Errorf("%w: %s%v", ErrLinkDoesNotExist, linkType, targets)
	}
	return doc.Clone(), nil
}

func (m *MemoryDB) GetIncomingLinks(
	ctx context.Context,
	h hasher.Handle,
	opts IncomingOptions,
) ([]IncomingLink, error) { // A
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	handles := m.incoming[h]
	out := make([]IncomingLink, 0, len(handles))
	for _, lh := range handles {
		entry := IncomingLink{Handle: lh}
		if !opts.HandlesOnly {
			link := m.atoms[lh].Clone()
			entry.Link = &link
			if opts.TargetsDocument {
				entry.Targets = make([]AtomDocument, len(link.Targets))
				for i, th := range link.Targets {
					entry.Targets[i] = m.atoms[th].Clone()
				}
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

func (m *MemoryDB) GetLinksByType(
	ctx context.Context,
	linkType string,
	req PageRequest,
) (Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Page{}, ErrClosed
	}
	return m.page(m.linksByType[linkType], req), nil
}

func (m *MemoryDB) GetAllNodes(
	ctx context.Context,
	nodeType string,
	req PageRequest,
) (Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Page{}, ErrClosed
	}
	handles := m.nodes
	if nodeType != "" {
		handles = m.nodesByType[nodeType]
	}
	return m.page(handles, req), nil
}

func (m *MemoryDB) page(handles []hasher.Handle, req PageRequest) Page {
	slice, next, done := SlicePage(handles, req)
	atoms := make([]AtomDocument, len(slice))
	for i, h := range slice {
		atoms[i] = m.atoms[h].Clone()
	}
	return Page{Atoms: atoms, Next: next, Done: done}
}

func (m *MemoryDB) AddNode(ctx context.Context, in AtomInput) (hasher.Handle, error) {
	if in.IsLink() {
		return hasher.Handle{}, fmt.Errorf("%w: %q has targets", ErrAddNode, in.Type)
	}
	return m.add(in)
}

func (m *MemoryDB) AddLink(ctx context.Context, in AtomInput) (hasher.Handle, error) {
	if !in.IsLink() {
		return hasher.Handle{}, fmt.Errorf("%w: %q has no targets", ErrAddLink, in.Type)
	}
	return m.add(in)
}

// add inserts every document of in under one write lock, so readers never
// observe a link whose targets are missing.
func (m *MemoryDB) add(in AtomInput) (hasher.Handle, error) { // A
	docs, err := Expand(in)
	if err != nil {
		return hasher.Handle{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return hasher.Handle{}, ErrClosed
	}

	for _, doc := range docs {
		if existing, ok := m.atoms[doc.Handle]; ok {
			if !sameStructure(existing, doc) {
				return hasher.Handle{}, fmt.Errorf("%w: %s", ErrAddressing, doc.Handle)
			}
		}
	}

	for _, doc := range docs {
		if _, ok := m.atoms[doc.Handle]; ok {
			continue
		}
		doc = doc.Clone()
		m.atoms[doc.Handle] = doc
		if !doc.IsLink() {
			m.nodes = append(m.nodes, doc.Handle)
			m.nodesByType[doc.Type] = append(m.nodesByType[doc.Type], doc.Handle)
			continue
		}
		m.linkCount++
		m.linksByType[doc.Type] = append(m.linksByType[doc.Type], doc.Handle)
		for i, th := range doc.Targets {
			if slices.Contains(doc.Targets[:i], th) {
				continue
			}
			m.incoming[th] = append(m.incoming[th], doc.Handle)
		}
	}

	return docs[len(docs)-1].Handle, nil
}

func (m *MemoryDB) CountAtoms(ctx context.Context) (Counts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Counts{}, ErrClosed
	}
	return Counts{Nodes: len(m.nodes), Links: m.linkCount}, nil
}

// sameStructure reports whether two documents with equal handles describe the
// same atom. Attributes do not take part in addressing.
func sameStructure(a, b AtomDocument) bool {
	return a.Type == b.Type && a.Name == b.Name && slices.Equal(a.Targets, b.Targets)
}
