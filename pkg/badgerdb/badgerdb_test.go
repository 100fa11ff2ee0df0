package badgerdb

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/i5heu/atomspace/internal/testutil"
	"github.com/i5heu/atomspace/pkg/atomdb"
	"github.com/i5heu/atomspace/pkg/hasher"
	"github.com/i5heu/atomspace/pkg/iterator"
	"github.com/i5heu/atomspace/pkg/query"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openInMemory(t testing.TB) *DB {
	t.Helper()
	db, err := Open(Config{InMemory: true, Logger: quietLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func taxonomy(t testing.TB) *DB {
	t.Helper()
	db := openInMemory(t)
	testutil.LoadTaxonomy(t, db)
	return db
}

func TestCountAtoms(t *testing.T) {
	db := taxonomy(t)
	counts, err := db.CountAtoms(context.Background())
	require.NoError(t, err)
	assert.Equal(t, atomdb.Counts{Nodes: 14, Links: 26}, counts)

	_, err = db.AddLink(context.Background(), testutil.PairInput(testutil.Inheritance, "human", "mammal"))
	require.NoError(t, err)
	counts, err = db.CountAtoms(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 26, counts.Links)
}

func TestGetAtomNodeLink(t *testing.T) {
	ctx := context.Background()
	db := taxonomy(t)

	doc, err := db.GetAtom(ctx, testutil.N("human"))
	require.NoError(t, err)
	assert.Equal(t, "human", doc.Name)
	assert.Equal(t, testutil.Concept, doc.Type)

	node, err := db.GetNode(ctx, testutil.Concept, "mammal")
	require.NoError(t, err)
	assert.Equal(t, testutil.N("mammal"), node.Handle)

	link, err := db.GetLink(ctx, testutil.Inheritance, []hasher.Handle{testutil.N("human"), testutil.N("mammal")})
	require.NoError(t, err)
	assert.Equal(t, testutil.L(testutil.Inheritance, "human", "mammal"), link.Handle)
	require.NotNil(t, link.Template)
	assert.Equal(t, testutil.Inheritance, link.Template.Type)

	_, err = db.GetAtom(ctx, testutil.N("snet"))
	assert.ErrorIs(t, err, atomdb.ErrAtomDoesNotExist)
	_, err = db.GetNode(ctx, testutil.Concept, "snet")
	assert.ErrorIs(t, err, atomdb.ErrNodeDoesNotExist)
	_, err = db.GetLink(ctx, testutil.Inheritance, []hasher.Handle{testutil.N("mammal"), testutil.N("human")})
	assert.ErrorIs(t, err, atomdb.ErrLinkDoesNotExist)
	_, err = db.GetNode(ctx, testutil.Inheritance, "x")
	assert.ErrorIs(t, err, atomdb.ErrNodeDoesNotExist)
}

func TestShiftedNodeName(t *testing.T) {
	ctx := context.Background()
	db := openInMemory(t)

	_, err := db.AddNode(ctx, atomdb.Node("Concept", "big cat"))
	require.NoError(t, err)

	_, err = db.GetNode(ctx, "Concept big", "cat")
	assert.ErrorIs(t, err, atomdb.ErrNodeDoesNotExist)

	_, err = db.AddLink(ctx, atomdb.Link("Similarity", atomdb.Node("Concept", "dog"), atomdb.Node("Concept big", "cat")))
	require.ErrorIs(t, err, atomdb.ErrAddressing)

	counts, err := db.CountAtoms(ctx)
	require.NoError(t, err)
	assert.Equal(t, atomdb.Counts{Nodes: 1}, counts)
}

func TestAttributesSurviveCompression(t *testing.T) {
	ctx := context.Background()
	db := openInMemory(t)
	h, err := db.AddLink(ctx, testutil.PairInput(testutil.Inheritance, "fake1", "mammal").
		WithAttributes(map[string]any{"weight": 0.4, "source": "curated"}))
	require.NoError(t, err)

	doc, err := db.GetAtom(ctx, h)
	require.NoError(t, err)
	w, ok := doc.Attribute("weight")
	require.True(t, ok)
	assert.InDelta(t, 0.4, w, 1e-9)
	assert.Equal(t, "curated", doc.Attributes["source"])
}

func TestGetIncomingLinks(t *testing.T) {
	ctx := context.Background()
	db := taxonomy(t)

	links, err := db.GetIncomingLinks(ctx, testutil.N("human"), atomdb.IncomingOptions{TargetsDocument: true})
	require.NoError(t, err)
	assert.Len(t, links, 7)
	for _, l := range links {
		require.NotNil(t, l.Link)
		assert.Contains(t, l.Link.Targets, testutil.N("human"))
		require.Len(t, l.Targets, 2)
	}

	bare, err := db.GetIncomingLinks(ctx, testutil.N("human"), atomdb.IncomingOptions{HandlesOnly: true})
	require.NoError(t, err)
	require.Len(t, bare, 7)
	assert.Nil(t, bare[0].Link)

	none, err := db.GetIncomingLinks(ctx, testutil.N("snet"), atomdb.IncomingOptions{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestPaging(t *testing.T) {
	ctx := context.Background()
	db := taxonomy(t)

	all, err := db.GetLinksByType(ctx, testutil.Inheritance, atomdb.PageRequest{})
	require.NoError(t, err)
	require.Len(t, all.Atoms, 12)
	assert.True(t, all.Done)

	var paged []atomdb.AtomDocument
	req := atomdb.PageRequest{Limit: 5}
	for {
		p, err := db.GetLinksByType(ctx, testutil.Inheritance, req)
		require.NoError(t, err)
		paged = append(paged, p.Atoms...)
		if p.Done {
			break
		}
		req.Offset = p.Next
	}
	assert.Equal(t, testutil.Handles(all.Atoms), testutil.Handles(paged))

	nodes, err := db.GetAllNodes(ctx, "", atomdb.PageRequest{})
	require.NoError(t, err)
	assert.Len(t, nodes.Atoms, 14)
	concepts, err := db.GetAllNodes(ctx, testutil.Concept, atomdb.PageRequest{Offset: 10})
	require.NoError(t, err)
	assert.Len(t, concepts.Atoms, 4)
	assert.True(t, concepts.Done)
}

func TestNestedLinkIsAtomic(t *testing.T) {
	ctx := context.Background()
	db := openInMemory(t)

	h, err := db.AddLink(ctx, atomdb.Link("Evaluation",
		atomdb.Node("Predicate", "likes"),
		atomdb.Link("List", atomdb.Node(testutil.Concept, "human"), atomdb.Node(testutil.Concept, "monkey"))))
	require.NoError(t, err)

	counts, err := db.CountAtoms(ctx)
	require.NoError(t, err)
	assert.Equal(t, atomdb.Counts{Nodes: 3, Links: 2}, counts)

	doc, err := db.GetAtom(ctx, h)
	require.NoError(t, err)
	for _, th := range doc.Targets {
		_, err := db.GetAtom(ctx, th)
		assert.NoError(t, err)
	}
	list := atomdb.LinkHandle("List", testutil.N("human"), testutil.N("monkey"))
	incoming, err := db.GetIncomingLinks(ctx, list, atomdb.IncomingOptions{HandlesOnly: true})
	require.NoError(t, err)
	require.Len(t, incoming, 1)
	assert.Equal(t, h, incoming[0].Handle)
}

func TestRejectsMalformedInput(t *testing.T) {
	ctx := context.Background()
	db := openInMemory(t)

	_, err := db.AddNode(ctx, atomdb.Node(testutil.Concept, ""))
	assert.ErrorIs(t, err, atomdb.ErrAddNode)
	_, err = db.AddLink(ctx, atomdb.Link(testutil.Inheritance))
	assert.ErrorIs(t, err, atomdb.ErrAddLink)
	_, err = db.AddNode(ctx, testutil.PairInput(testutil.Inheritance, "a", "b"))
	assert.ErrorIs(t, err, atomdb.ErrAddNode)
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := Open(Config{Paths: []string{dir}, Logger: quietLogger()})
	require.NoError(t, err)
	testutil.LoadTaxonomy(t, db)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	db, err = Open(Config{Paths: []string{dir}, Logger: quietLogger()})
	require.NoError(t, err)
	defer db.Close()

	counts, err := db.CountAtoms(ctx)
	require.NoError(t, err)
	assert.Equal(t, atomdb.Counts{Nodes: 14, Links: 26}, counts)

	links, err := db.GetIncomingLinks(ctx, testutil.N("monkey"), atomdb.IncomingOptions{})
	require.NoError(t, err)
	assert.Len(t, links, 5)
}

func TestMinimumFreeSpace(t *testing.T) {
	_, err := Open(Config{Paths: []string{t.TempDir()}, MinimumFreeGB: 1 << 30, Logger: quietLogger()})
	assert.ErrorIs(t, err, ErrNotEnoughSpace)
}

func TestClosedStore(t *testing.T) {
	db, err := Open(Config{InMemory: true, Logger: quietLogger()})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = db.GetAtom(context.Background(), testutil.N("human"))
	assert.ErrorIs(t, err, atomdb.ErrClosed)
}

func TestQueryOverBadger(t *testing.T) {
	db := taxonomy(t)
	expr := query.And{Terms: []query.Expression{
		query.Link{Type: testutil.Inheritance, Targets: []query.Expression{query.V("V1"), query.V("V2")}},
		query.Link{Type: testutil.Inheritance, Targets: []query.Expression{query.V("V2"), query.V("V3")}},
	}}

	it, err := query.NewMatcher(db, query.WithPageSize(3)).Match(context.Background(), expr)
	require.NoError(t, err)
	answers, err := iterator.Collect(it)
	require.NoError(t, err)
	assert.Len(t, answers, 7)
	assert.Contains(t, answers, query.Binding{
		"V1": testutil.N("human"), "V2": testutil.N("mammal"), "V3": testutil.N("animal"),
	})
}

type storeModel struct {
	db    *DB
	nodes map[hasher.Handle]struct{}
	links map[hasher.Handle]struct{}
}

func (m *storeModel) open(t *rapid.T) {
	db, err := Open(Config{InMemory: true, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	m.db = db
	m.nodes = make(map[hasher.Handle]struct{})
	m.links = make(map[hasher.Handle]struct{})
}

func (m *storeModel) Cleanup() {
	_ = m.db.Close()
}

var names = []string{"a", "b", "c", "d"}

func (m *storeModel) AddNode(t *rapid.T) {
	name := rapid.SampledFrom(names).Draw(t, "name")
	h, err := m.db.AddNode(context.Background(), atomdb.Node(testutil.Concept, name))
	if err != nil {
		t.Fatalf("add node: %v", err)
	}
	m.nodes[h] = struct{}{}
}

func (m *storeModel) AddLink(t *rapid.T) {
	linkType := rapid.SampledFrom([]string{testutil.Similarity, testutil.Inheritance}).Draw(t, "type")
	src := rapid.SampledFrom(names).Draw(t, "src")
	dst := rapid.SampledFrom(names).Draw(t, "dst")
	h, err := m.db.AddLink(context.Background(), testutil.PairInput(linkType, src, dst))
	if err != nil {
		t.Fatalf("add link: %v", err)
	}
	m.links[h] = struct{}{}
	m.nodes[testutil.N(src)] = struct{}{}
	m.nodes[testutil.N(dst)] = struct{}{}
}

func (m *storeModel) Check(t *rapid.T) {
	counts, err := m.db.CountAtoms(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts.Nodes != len(m.nodes) || counts.Links != len(m.links) {
		t.Fatalf("counts %+v, model has %d nodes and %d links", counts, len(m.nodes), len(m.links))
	}
}

func TestStoreStateMachine(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := &storeModel{}
		m.open(t)
		defer m.Cleanup()
		t.Repeat(rapid.StateMachineActions(m))
	})
}
