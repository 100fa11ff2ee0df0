package atomdb_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/i5heu/atomspace/internal/testutil"
	"github.com/i5heu/atomspace/pkg/atomdb"
	"github.com/i5heu/atomspace/pkg/hasher"
)

func TestMemoryDB_CountAtoms(t *testing.T) {
	db := testutil.Taxonomy(t)

	counts, err := db.CountAtoms(context.Background())
	require.NoError(t, err)
	assert.Equal(t, atomdb.Counts{Nodes: 14, Links: 26}, counts)
}

func TestMemoryDB_AddLinkTwice(t *testing.T) {
	ctx := context.Background()
	db := testutil.Taxonomy(t)

	h1, err := db.AddLink(ctx, testutil.PairInput(testutil.Inheritance, "human", "mammal"))
	require.NoError(t, err)
	h2, err := db.AddLink(ctx, testutil.PairInput(testutil.Inheritance, "human", "mammal"))
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Equal(t, testutil.L(testutil.Inheritance, "human", "mammal"), h1)

	counts, err := db.CountAtoms(ctx)
	require.NoError(t, err)
	assert.Equal(t, 26, counts.Links)
}

func TestMemoryDB_GetNodeAndLink(t *testing.T) {
	ctx := context.Background()
	db := testutil.Taxonomy(t)

	node, err := db.GetNode(ctx, testutil.Concept, "human")
	require.NoError(t, err)
	assert.Equal(t, testutil.N("human"), node.Handle)
	assert.Equal(t, "human", node.Name)
	assert.Equal(t, testutil.Concept, node.Type)

	_, err = db.GetNode(ctx, testutil.Concept, "snet")
	assert.ErrorIs(t, err, atomdb.ErrNodeDoesNotExist)

	link, err := db.GetLink(ctx, testutil.Similarity, []hasher.Handle{testutil.N("human"), testutil.N("monkey")})
	require.NoError(t, err)
	assert.Equal(t, testutil.L(testutil.Similarity, "human", "monkey"), link.Handle)
	require.NotNil(t, link.Template)
	assert.Equal(t, atomdb.Template{
		Type:    testutil.Similarity,
		Targets: []atomdb.Template{{Type: testutil.Concept}, {Type: testutil.Concept}},
	}, *link.Template)

	_, err = db.GetLink(ctx, testutil.Similarity, []hasher.Handle{testutil.N("human"), testutil.N("plant")})
	assert.ErrorIs(t, err, atomdb.ErrLinkDoesNotExist)

	_, err = db.GetAtom(ctx, hasher.TerminalHash("Concept", "snet"))
	assert.ErrorIs(t, err, atomdb.ErrAtomDoesNotExist)
}

func TestMemoryDB_GetIncomingLinks(t *testing.T) {
	ctx := context.Background()
	db := testutil.Taxonomy(t)

	incoming, err := db.GetIncomingLinks(ctx, testutil.N("human"), atomdb.IncomingOptions{TargetsDocument: true})
	require.NoError(t, err)

	var handles []hasher.Handle
	for _, in := range incoming {
		require.NotNil(t, in.Link)
		require.Len(t, in.Targets, 2)
		assert.Equal(t, in.Link.Targets[0], in.Targets[0].Handle)
		handles = append(handles, in.Handle)
	}
	assert.ElementsMatch(t, []hasher.Handle{
		testutil.L(testutil.Similarity, "human", "monkey"),
		testutil.L(testutil.Similarity, "human", "chimp"),
		testutil.L(testutil.Similarity, "human", "ent"),
		testutil.L(testutil.Similarity, "monkey", "human"),
		testutil.L(testutil.Similarity, "chimp", "human"),
		testutil.L(testutil.Similarity, "ent", "human"),
		testutil.L(testutil.Inheritance, "human", "mammal"),
	}, handles)

	handlesOnly, err := db.GetIncomingLinks(ctx, testutil.N("human"), atomdb.IncomingOptions{HandlesOnly: true})
	require.NoError(t, err)
	require.Len(t, handlesOnly, 7)
	assert.Nil(t, handlesOnly[0].Link)
}

func TestMemoryDB_NestedLink(t *testing.T) {
	ctx := context.Background()
	db := atomdb.NewMemoryDB()

	inner := testutil.PairInput(testutil.Inheritance, "dinosaur", "reptile")
	outer := atomdb.Link(testutil.Inheritance, atomdb.Node("Fake", "fake-dr1"), inner)

	h, err := db.AddLink(ctx, outer)
	require.NoError(t, err)

	counts, err := db.CountAtoms(ctx)
	require.NoError(t, err)
	assert.Equal(t, atomdb.Counts{Nodes: 3, Links: 2}, counts)

	innerHandle := testutil.L(testutil.Inheritance, "dinosaur", "reptile")
	incoming, err := db.GetIncomingLinks(ctx, innerHandle, atomdb.IncomingOptions{})
	require.NoError(t, err)
	require.Len(t, incoming, 1)
	assert.Equal(t, h, incoming[0].Handle)

	doc, err := db.GetAtom(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, testutil.Inheritance, doc.Template.Targets[1].Type)
	assert.Len(t, doc.Template.Targets[1].Targets, 2)
}

func TestMemoryDB_RejectsMalformed(t *testing.T) {
	ctx := context.Background()
	db := atomdb.NewMemoryDB()

	_, err := db.AddNode(ctx, atomdb.AtomInput{Type: testutil.Concept})
	assert.ErrorIs(t, err, atomdb.ErrAddNode)

	_, err = db.AddNode(ctx, testutil.PairInput(testutil.Similarity, "a", "b"))
	assert.ErrorIs(t, err, atomdb.ErrAddNode)

	_, err = db.AddLink(ctx, atomdb.Node(testutil.Concept, "human"))
	assert.ErrorIs(t, err, atomdb.ErrAddLink)

	_, err = db.AddLink(ctx, atomdb.Link("", atomdb.Node(testutil.Concept, "human")))
	assert.ErrorIs(t, err, atomdb.ErrAddLink)

	counts, err := db.CountAtoms(ctx)
	require.NoError(t, err)
	assert.Equal(t, atomdb.Counts{}, counts)
}

func TestMemoryDB_Paging(t *testing.T) {
	ctx := context.Background()
	db := testutil.Taxonomy(t)

	var all []atomdb.AtomDocument
	req := atomdb.PageRequest{Limit: 5}
	for {
		page, err := db.GetLinksByType(ctx, testutil.Inheritance, req)
		require.NoError(t, err)
		all = append(all, page.Atoms...)
		if page.Done {
			break
		}
		req.Offset = page.Next
	}
	assert.Len(t, all, 12)
	assert.Equal(t, testutil.L(testutil.Inheritance, "human", "mammal"), all[0].Handle)

	nodes, err := db.GetAllNodes(ctx, "", atomdb.PageRequest{})
	require.NoError(t, err)
	assert.True(t, nodes.Done)
	assert.Len(t, nodes.Atoms, 14)
}

func TestMemoryDB_ErrorKinds(t *testing.T) {
	_, err := atomdb.NewMemoryDB().GetAtom(context.Background(), testutil.N("x"))
	assert.Equal(t, atomdb.KindAtomDoesNotExist, atomdb.ErrorKind(err))
	assert.Equal(t, atomdb.ErrLinkDoesNotExist, atomdb.KindError(atomdb.KindLinkDoesNotExist))
	assert.Nil(t, atomdb.KindError("nope"))
}

func TestMemoryDB_ShiftedNodeName(t *testing.T) {
	ctx := context.Background()
	db := atomdb.NewMemoryDB()

	h, err := db.AddNode(ctx, atomdb.Node("Concept", "big cat"))
	require.NoError(t, err)
	require.Equal(t, h, atomdb.NodeHandle("Concept big", "cat"))

	_, err = db.GetNode(ctx, "Concept big", "cat")
	assert.ErrorIs(t, err, atomdb.ErrNodeDoesNotExist)

	doc, err := db.GetNode(ctx, "Concept", "big cat")
	require.NoError(t, err)
	assert.Equal(t, "big cat", doc.Name)

	_, err = db.AddNode(ctx, atomdb.Node("Concept big", "cat"))
	require.ErrorIs(t, err, atomdb.ErrAddressing)
	assert.Equal(t, atomdb.KindAddressing, atomdb.ErrorKind(err))

	_, err = db.AddLink(ctx, atomdb.Link("Similarity", atomdb.Node("Concept big", "cat"), atomdb.Node("Concept", "dog")))
	require.ErrorIs(t, err, atomdb.ErrAddressing)

	counts, err := db.CountAtoms(ctx)
	require.NoError(t, err)
	assert.Equal(t, atomdb.Counts{Nodes: 1}, counts)
}

// memoryModel checks that repeated adds never grow the store beyond the
// distinct structures inserted.
type memoryModel struct {
	db    *atomdb.MemoryDB
	nodes map[hasher.Handle]struct{}
	links map[hasher.Handle]struct{}
}

func (m *memoryModel) AddNode(t *rapid.T) {
	name := rapid.SampledFrom([]string{"a", "b", "c", "d"}).Draw(t, "name")
	h, err := m.db.AddNode(context.Background(), atomdb.Node(testutil.Concept, name))
	if err != nil {
		t.Fatalf("add node: %v", err)
	}
	m.nodes[h] = struct{}{}
}

func (m *memoryModel) AddLink(t *rapid.T) {
	names := []string{"a", "b", "c", "d"}
	src := rapid.SampledFrom(names).Draw(t, "src")
	dst := rapid.SampledFrom(names).Draw(t, "dst")
	typ := rapid.SampledFrom([]string{testutil.Similarity, testutil.Inheritance}).Draw(t, "type")
	h, err := m.db.AddLink(context.Background(), testutil.PairInput(typ, src, dst))
	if err != nil {
		t.Fatalf("add link: %v", err)
	}
	m.links[h] = struct{}{}
	m.nodes[atomdb.NodeHandle(testutil.Concept, src)] = struct{}{}
	m.nodes[atomdb.NodeHandle(testutil.Concept, dst)] = struct{}{}
}

func (m *memoryModel) Check(t *rapid.T) {
	counts, err := m.db.CountAtoms(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts.Nodes != len(m.nodes) || counts.Links != len(m.links) {
		t.Fatalf("counts %+v, expected %d nodes and %d links", counts, len(m.nodes), len(m.links))
	}
}

func TestMemoryDB_IdempotentAdds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := &memoryModel{
			db:    atomdb.NewMemoryDB(),
			nodes: make(map[hasher.Handle]struct{}),
			links: make(map[hasher.Handle]struct{}),
		}
		t.Repeat(rapid.StateMachineActions(m))
	})
}
