package iterator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/atomspace/internal/testutil"
	"github.com/i5heu/atomspace/pkg/atomdb"
	"github.com/i5heu/atomspace/pkg/hasher"
)

func TestListIterator(t *testing.T) {
	it := NewListIterator([]int{1, 2, 3})
	assert.Equal(t, 3, it.Len())

	got, err := Collect[int](it)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.False(t, it.Next())
	assert.Equal(t, 0, it.Len())
	assert.Equal(t, 0, it.Value())
}

func TestMapErr_StopsOnError(t *testing.T) {
	boom := errors.New("boom")
	it := MapErr[int, int](NewListIterator([]int{1, 2, 3}), func(i int) (int, error) {
		if i == 2 {
			return 0, boom
		}
		return i * 10, nil
	})

	require.True(t, it.Next())
	assert.Equal(t, 10, it.Value())
	assert.False(t, it.Next())
	assert.ErrorIs(t, it.Err(), boom)
}

// sliceSource serves items in fixed-size pages and counts fetches.
type sliceSource struct {
	items    []string
	size     int
	fetches  int
	failFrom int
}

func (s *sliceSource) FetchPage(ctx context.Context, offset int) ([]string, int, bool, error) {
	s.fetches++
	if s.failFrom > 0 && offset >= s.failFrom {
		return nil, 0, false, atomdb.ErrStoreUnavailable
	}
	items, next, done := atomdb.SlicePage(s.items, atomdb.PageRequest{Offset: offset, Limit: s.size})
	return items, next, done, nil
}

func TestPagedIterator_FetchesLazily(t *testing.T) {
	src := &sliceSource{items: []string{"a", "b", "c", "d", "e"}, size: 2}
	it := NewPagedIterator[string](context.Background(), src)

	require.True(t, it.Next())
	assert.Equal(t, "a", it.Value())
	assert.Equal(t, 1, src.fetches)

	require.True(t, it.Next())
	require.True(t, it.Next())
	assert.Equal(t, "c", it.Value())
	assert.Equal(t, 2, src.fetches)

	rest, err := Collect[string](it)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "e"}, rest)
	assert.Equal(t, 3, src.fetches)
	assert.Equal(t, 3, it.Fetches())
}

func TestPagedIterator_RewindUsesCache(t *testing.T) {
	src := &sliceSource{items: []string{"a", "b", "c"}, size: 2}
	it := NewPagedIterator[string](context.Background(), src)

	first, err := Collect[string](it)
	require.NoError(t, err)
	it.Rewind()
	second, err := Collect[string](it)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 2, src.fetches)
}

func TestPagedIterator_Empty(t *testing.T) {
	src := &sliceSource{size: 2}
	it := NewPagedIterator[string](context.Background(), src)
	assert.False(t, it.Next())
	assert.NoError(t, it.Err())
}

func TestPagedIterator_PropagatesSourceError(t *testing.T) {
	src := &sliceSource{items: []string{"a", "b", "c"}, size: 2, failFrom: 2}
	it := NewPagedIterator[string](context.Background(), src)

	got, err := Collect[string](it)
	assert.Equal(t, []string{"a", "b"}, got)
	assert.ErrorIs(t, err, atomdb.ErrStoreUnavailable)
}

func TestPagedIterator_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	it := NewPagedIterator[string](ctx, &sliceSource{items: []string{"a"}, size: 1})
	assert.False(t, it.Next())
	assert.ErrorIs(t, it.Err(), context.Canceled)
}

func incoming(t *testing.T, db atomdb.AtomDB, h hasher.Handle) Iterator[atomdb.IncomingLink] {
	t.Helper()
	links, err := db.GetIncomingLinks(context.Background(), h, atomdb.IncomingOptions{TargetsDocument: true})
	require.NoError(t, err)
	return NewListIterator(links)
}

func linkHandles(t *testing.T, it *TraverseLinksIterator) []hasher.Handle {
	t.Helper()
	var out []hasher.Handle
	for it.Next() {
		out = append(out, it.Value().Handle)
	}
	require.NoError(t, it.Err())
	return out
}

func TestTraverseLinks_CursorPosition(t *testing.T) {
	db := testutil.Taxonomy(t)
	human := testutil.N("human")

	all := linkHandles(t, NewTraverseLinksIterator(incoming(t, db, human), human,
		LinkFilter{LinkType: testutil.Similarity}))
	first := linkHandles(t, NewTraverseLinksIterator(incoming(t, db, human), human,
		LinkFilter{LinkType: testutil.Similarity, CursorPosition: Position(0)}))
	second := linkHandles(t, NewTraverseLinksIterator(incoming(t, db, human), human,
		LinkFilter{LinkType: testutil.Similarity, CursorPosition: Position(1)}))
	none := linkHandles(t, NewTraverseLinksIterator(incoming(t, db, human), human,
		LinkFilter{CursorPosition: Position(2)}))

	assert.Len(t, all, 6)
	assert.ElementsMatch(t, []hasher.Handle{
		testutil.L(testutil.Similarity, "human", "monkey"),
		testutil.L(testutil.Similarity, "human", "chimp"),
		testutil.L(testutil.Similarity, "human", "ent"),
	}, first)
	assert.ElementsMatch(t, []hasher.Handle{
		testutil.L(testutil.Similarity, "monkey", "human"),
		testutil.L(testutil.Similarity, "chimp", "human"),
		testutil.L(testutil.Similarity, "ent", "human"),
	}, second)
	assert.Empty(t, none)
	assert.ElementsMatch(t, all, append(first, second...))
}

func TestTraverseLinks_TargetTypeAndPredicate(t *testing.T) {
	ctx := context.Background()
	db := testutil.Taxonomy(t)
	mammal := testutil.N("mammal")

	_, err := db.AddLink(ctx, atomdb.Link(testutil.Inheritance,
		atomdb.Node("Fake", "fake1"), atomdb.Node(testutil.Concept, "mammal"),
	).WithAttributes(map[string]any{"weight": 0.4}))
	require.NoError(t, err)
	fake2, err := db.AddLink(ctx, atomdb.Link(testutil.Inheritance,
		atomdb.Node("Fake", "fake2"), atomdb.Node(testutil.Concept, "mammal"),
	).WithAttributes(map[string]any{"weight": 0.5}))
	require.NoError(t, err)

	heavy := func(link atomdb.AtomDocument) bool {
		w, ok := link.Attribute("weight")
		return ok && w.(float64) >= 0.5
	}

	got := linkHandles(t, NewTraverseLinksIterator(incoming(t, db, mammal), mammal, LinkFilter{
		LinkType:       testutil.Inheritance,
		CursorPosition: Position(1),
		TargetType:     "Fake",
		Filter:         Bool(heavy),
	}))
	assert.Equal(t, []hasher.Handle{fake2}, got)

	snet := linkHandles(t, NewTraverseLinksIterator(incoming(t, db, mammal), mammal,
		LinkFilter{TargetType: "Snet"}))
	assert.Empty(t, snet)
}

func TestTraverseLinks_PredicateWithoutVerdict(t *testing.T) {
	db := testutil.Taxonomy(t)
	human := testutil.N("human")

	it := NewTraverseLinksIterator(incoming(t, db, human), human, LinkFilter{
		Filter: func(link atomdb.AtomDocument) (bool, error) {
			return false, errors.New("weight is not comparable")
		},
	})
	assert.False(t, it.Next())
	assert.ErrorIs(t, it.Err(), ErrInvalidPredicateReturn)
}

func TestTraverseLinks_Projections(t *testing.T) {
	db := testutil.Taxonomy(t)
	human := testutil.N("human")

	it := NewTraverseLinksIterator(incoming(t, db, human), human,
		LinkFilter{LinkType: testutil.Inheritance, TargetsOnly: true})
	require.True(t, it.Next())
	answer := it.Value()
	assert.Nil(t, answer.Link)
	assert.Equal(t, []hasher.Handle{human, testutil.N("mammal")}, answer.TargetHandles)
	require.Len(t, answer.Targets, 2)
	assert.Equal(t, "mammal", answer.Targets[1].Name)

	it = NewTraverseLinksIterator(incoming(t, db, human), human,
		LinkFilter{LinkType: testutil.Inheritance, HandlesOnly: true})
	require.True(t, it.Next())
	answer = it.Value()
	assert.Nil(t, answer.Link)
	assert.Nil(t, answer.Targets)
	assert.Equal(t, testutil.L(testutil.Inheritance, "human", "mammal"), answer.Handle)
	assert.Equal(t, human, it.Cursor())

	it = NewTraverseLinksIterator(incoming(t, db, human), human,
		LinkFilter{LinkType: testutil.Inheritance})
	require.True(t, it.Next())
	require.NotNil(t, it.Value().Link)
	assert.Equal(t, testutil.Inheritance, it.Value().Link.Type)
}

func neighborNames(t *testing.T, db atomdb.AtomDB, name string, filter LinkFilter) []string {
	t.Helper()
	h := testutil.N(name)
	it := NewTraverseNeighborsIterator(NewTraverseLinksIterator(incoming(t, db, h), h, filter))
	var out []string
	for it.Next() {
		require.NotEqual(t, h, it.Value().Handle)
		out = append(out, it.Value().Name)
	}
	require.NoError(t, it.Err())
	return out
}

func TestTraverseNeighbors(t *testing.T) {
	db := testutil.Taxonomy(t)

	assert.ElementsMatch(t, []string{"human", "mammal", "chimp"}, neighborNames(t, db, "monkey", LinkFilter{}))
	assert.ElementsMatch(t, []string{"reptile", "triceratops"}, neighborNames(t, db, "dinosaur", LinkFilter{}))
	assert.ElementsMatch(t, []string{"mammal"},
		neighborNames(t, db, "human", LinkFilter{LinkType: testutil.Inheritance}))
	assert.ElementsMatch(t, []string{"monkey", "chimp", "ent"},
		neighborNames(t, db, "human", LinkFilter{LinkType: testutil.Similarity}))
	assert.Empty(t, neighborNames(t, db, "human", LinkFilter{TargetType: "Snet"}))
}

func TestTraverseNeighbors_TargetTypeFiltersNeighbors(t *testing.T) {
	ctx := context.Background()
	db := testutil.Taxonomy(t)
	_, err := db.AddLink(ctx, atomdb.Link(testutil.Similarity,
		atomdb.Node(testutil.Concept, "vine"), atomdb.Node("Fake", "fake-v2")))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"snake", "fake-v2"},
		neighborNames(t, db, "vine", LinkFilter{LinkType: testutil.Similarity}))
	assert.ElementsMatch(t, []string{"snake"},
		neighborNames(t, db, "vine", LinkFilter{LinkType: testutil.Similarity, TargetType: testutil.Concept}))
	assert.ElementsMatch(t, []string{"fake-v2"},
		neighborNames(t, db, "vine", LinkFilter{LinkType: testutil.Similarity, TargetType: "Fake"}))
}

func TestTraverseNeighbors_SelfLoop(t *testing.T) {
	ctx := context.Background()
	db := atomdb.NewMemoryDB()
	_, err := db.AddLink(ctx, testutil.PairInput(testutil.Similarity, "a", "a"))
	require.NoError(t, err)

	assert.Empty(t, neighborNames(t, db, "a", LinkFilter{}))
}
