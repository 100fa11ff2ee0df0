package traverse_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/atomspace/internal/testutil"
	"github.com/i5heu/atomspace/pkg/atomdb"
	"github.com/i5heu/atomspace/pkg/hasher"
	"github.com/i5heu/atomspace/pkg/iterator"
	"github.com/i5heu/atomspace/pkg/traverse"
)

func seeded(seed uint64) traverse.Option {
	return traverse.WithRand(rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)))
}

func linkHandles(t *testing.T, it *iterator.TraverseLinksIterator) []hasher.Handle {
	t.Helper()
	var out []hasher.Handle
	for it.Next() {
		out = append(out, it.Value().Handle)
	}
	require.NoError(t, it.Err())
	return out
}

func smallGraph(t *testing.T) atomdb.AtomDB {
	t.Helper()
	ctx := context.Background()
	db := atomdb.NewMemoryDB()
	for _, name := range []string{"human", "monkey", "mammal"} {
		_, err := db.AddNode(ctx, atomdb.Node(testutil.Concept, name))
		require.NoError(t, err)
	}
	_, err := db.AddLink(ctx, testutil.PairInput(testutil.Similarity, "human", "monkey"))
	require.NoError(t, err)
	_, err = db.AddLink(ctx, testutil.PairInput(testutil.Inheritance, "human", "mammal"))
	require.NoError(t, err)
	return db
}

func TestHandleCursor_Scenario(t *testing.T) {
	ctx := context.Background()
	db := smallGraph(t)

	cursor, err := traverse.NewHandleCursor(ctx, db, testutil.N("human"))
	require.NoError(t, err)

	got, err := cursor.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, testutil.N("human"), got)

	links, err := cursor.GetLinks(ctx, iterator.LinkFilter{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []hasher.Handle{
		testutil.L(testutil.Similarity, "human", "monkey"),
		testutil.L(testutil.Inheritance, "human", "mammal"),
	}, linkHandles(t, links))

	neighbors, err := cursor.GetNeighbors(ctx, iterator.LinkFilter{})
	require.NoError(t, err)
	names, err := iterator.Collect(neighbors)
	require.NoError(t, err)
	assert.ElementsMatch(t, []hasher.Handle{testutil.N("monkey"), testutil.N("mammal")}, names)

	require.NoError(t, cursor.Goto(ctx, testutil.N("mammal")))
	links, err = cursor.GetLinks(ctx, iterator.LinkFilter{LinkType: testutil.Inheritance})
	require.NoError(t, err)
	assert.Equal(t, []hasher.Handle{testutil.L(testutil.Inheritance, "human", "mammal")}, linkHandles(t, links))
}

func TestHandleCursor_LinksAreHandlesOnly(t *testing.T) {
	ctx := context.Background()
	cursor, err := traverse.NewHandleCursor(ctx, testutil.Taxonomy(t), testutil.N("human"))
	require.NoError(t, err)

	links, err := cursor.GetLinks(ctx, iterator.LinkFilter{LinkType: testutil.Inheritance})
	require.NoError(t, err)
	require.True(t, links.Next())
	assert.Nil(t, links.Value().Link)
	assert.Equal(t, testutil.L(testutil.Inheritance, "human", "mammal"), links.Value().Handle)
	assert.False(t, links.Next())
}

func TestDocumentCursor_HandlesOnlyOnRequest(t *testing.T) {
	ctx := context.Background()
	cursor, err := traverse.NewDocumentCursor(ctx, testutil.Taxonomy(t), testutil.N("human"))
	require.NoError(t, err)

	links, err := cursor.GetLinks(ctx, iterator.LinkFilter{LinkType: testutil.Inheritance, HandlesOnly: true})
	require.NoError(t, err)
	require.True(t, links.Next())
	assert.Nil(t, links.Value().Link)
	assert.Equal(t, testutil.L(testutil.Inheritance, "human", "mammal"), links.Value().Handle)
	assert.False(t, links.Next())
}

func TestDocumentCursor(t *testing.T) {
	ctx := context.Background()
	cursor, err := traverse.NewDocumentCursor(ctx, testutil.Taxonomy(t), testutil.N("monkey"))
	require.NoError(t, err)

	doc, err := cursor.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "monkey", doc.Name)

	links, err := cursor.GetLinks(ctx, iterator.LinkFilter{LinkType: testutil.Inheritance})
	require.NoError(t, err)
	require.True(t, links.Next())
	require.NotNil(t, links.Value().Link)
	assert.Equal(t, testutil.Inheritance, links.Value().Link.Type)

	neighbors, err := cursor.GetNeighbors(ctx, iterator.LinkFilter{})
	require.NoError(t, err)
	docs, err := iterator.Collect(neighbors)
	require.NoError(t, err)
	var names []string
	for _, d := range docs {
		names = append(names, d.Name)
	}
	assert.ElementsMatch(t, []string{"human", "mammal", "chimp"}, names)
}

func TestGoto_UnknownHandle(t *testing.T) {
	ctx := context.Background()
	db := testutil.Taxonomy(t)
	cursor, err := traverse.NewDocumentCursor(ctx, db, testutil.N("human"))
	require.NoError(t, err)

	err = cursor.Goto(ctx, testutil.N("snet"))
	assert.ErrorIs(t, err, atomdb.ErrAtomDoesNotExist)
	assert.Equal(t, testutil.N("human"), cursor.Current())

	_, err = traverse.NewHandleCursor(ctx, db, testutil.N("snet"))
	assert.ErrorIs(t, err, atomdb.ErrAtomDoesNotExist)
}

func TestFollowLink_LandsOnNeighbor(t *testing.T) {
	ctx := context.Background()
	db := testutil.Taxonomy(t)
	allowed := []hasher.Handle{
		testutil.N("monkey"), testutil.N("chimp"), testutil.N("human"),
		testutil.N("animal"), testutil.N("rhino"),
	}

	for seed := range uint64(50) {
		cursor, err := traverse.NewHandleCursor(ctx, db, testutil.N("mammal"), seeded(seed))
		require.NoError(t, err)
		moved, err := cursor.FollowLink(ctx, traverse.FollowOptions{})
		require.NoError(t, err)
		require.True(t, moved)
		assert.Contains(t, allowed, cursor.Current())
	}
}

func TestFollowLink_NoMatchingLinkStays(t *testing.T) {
	ctx := context.Background()
	cursor, err := traverse.NewHandleCursor(ctx, testutil.Taxonomy(t), testutil.N("mammal"))
	require.NoError(t, err)

	moved, err := cursor.FollowLink(ctx, traverse.FollowOptions{LinkType: testutil.Similarity})
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Equal(t, testutil.N("mammal"), cursor.Current())
}

func TestFollowLink_OnlyFirstLinkIsConsulted(t *testing.T) {
	ctx := context.Background()
	db := testutil.Taxonomy(t)

	for seed := range uint64(20) {
		cursor, err := traverse.NewHandleCursor(ctx, db, testutil.N("human"), seeded(seed))
		require.NoError(t, err)
		moved, err := cursor.FollowLink(ctx, traverse.FollowOptions{LinkType: testutil.Similarity})
		require.NoError(t, err)
		require.True(t, moved)
		assert.Equal(t, testutil.N("monkey"), cursor.Current())
	}
}

func TestFollowLink_UniquePath(t *testing.T) {
	ctx := context.Background()
	db := testutil.Taxonomy(t)

	cursor, err := traverse.NewHandleCursor(ctx, db, testutil.N("mammal"))
	require.NoError(t, err)
	_, err = cursor.FollowLink(ctx, traverse.FollowOptions{LinkType: testutil.Inheritance, UniquePath: true})
	var paths *traverse.MultiplePathsError
	require.True(t, errors.As(err, &paths))
	assert.Equal(t, 5, paths.Count)
	assert.Equal(t, testutil.N("mammal"), cursor.Current())

	for seed := range uint64(10) {
		cursor, err := traverse.NewHandleCursor(ctx, db, testutil.N("earthworm"), seeded(seed))
		require.NoError(t, err)
		moved, err := cursor.FollowLink(ctx, traverse.FollowOptions{LinkType: testutil.Inheritance, UniquePath: true})
		require.NoError(t, err)
		require.True(t, moved)
		assert.Equal(t, testutil.N("animal"), cursor.Current())
	}
}

func TestFollowLink_TargetTypeAndFilter(t *testing.T) {
	ctx := context.Background()
	db := testutil.Taxonomy(t)
	_, err := db.AddLink(ctx, atomdb.Link(testutil.Inheritance,
		atomdb.Node("Fake", "fake1"), atomdb.Node(testutil.Concept, "mammal"),
	).WithAttributes(map[string]any{"weight": 0.4}))
	require.NoError(t, err)

	cursor, err := traverse.NewDocumentCursor(ctx, db, testutil.N("mammal"))
	require.NoError(t, err)
	moved, err := cursor.FollowLink(ctx, traverse.FollowOptions{TargetType: "Fake"})
	require.NoError(t, err)
	require.True(t, moved)
	assert.Equal(t, atomdb.NodeHandle("Fake", "fake1"), cursor.Current())

	require.NoError(t, cursor.Goto(ctx, testutil.N("mammal")))
	moved, err = cursor.FollowLink(ctx, traverse.FollowOptions{
		Filter: iterator.Bool(func(link atomdb.AtomDocument) bool {
			w, ok := link.Attribute("weight")
			return ok && w.(float64) > 0.5
		}),
	})
	require.NoError(t, err)
	assert.False(t, moved)

	_, err = cursor.FollowLink(ctx, traverse.FollowOptions{
		Filter: func(atomdb.AtomDocument) (bool, error) { return false, errors.New("no verdict") },
	})
	assert.ErrorIs(t, err, iterator.ErrInvalidPredicateReturn)
}

func TestWalker_BothVariants(t *testing.T) {
	ctx := context.Background()
	db := testutil.Taxonomy(t)

	handles, err := traverse.NewHandleCursor(ctx, db, testutil.N("triceratops"), seeded(1))
	require.NoError(t, err)
	docs, err := traverse.NewDocumentCursor(ctx, db, testutil.N("triceratops"), seeded(1))
	require.NoError(t, err)

	for _, w := range []traverse.Walker{handles, docs} {
		for range 5 {
			_, err := w.FollowLink(ctx, traverse.FollowOptions{LinkType: testutil.Inheritance})
			require.NoError(t, err)
		}
	}
	assert.Equal(t, handles.Current(), docs.Current())
}

func TestRandomWalk_NeighborsNeverIncludeCursor(t *testing.T) {
	testutil.RequireLong(t)
	ctx := context.Background()
	db := testutil.Taxonomy(t)

	cursor, err := traverse.NewHandleCursor(ctx, db, testutil.N("human"), seeded(7))
	require.NoError(t, err)
	filters := []iterator.LinkFilter{
		{},
		{LinkType: testutil.Similarity},
		{LinkType: testutil.Inheritance},
		{TargetType: testutil.Concept},
		{CursorPosition: iterator.Position(0)},
	}

	for step := range 10_000 {
		filter := filters[step%len(filters)]
		neighbors, err := cursor.GetNeighbors(ctx, filter)
		require.NoError(t, err)
		for neighbors.Next() {
			require.NotEqual(t, cursor.Current(), neighbors.Value())
		}
		require.NoError(t, neighbors.Err())

		if _, err := cursor.FollowLink(ctx, traverse.FollowOptions{}); err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
	}
}
