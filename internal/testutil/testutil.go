// Package testutil holds the animal taxonomy fixture shared by the store,
// query and traversal tests.
package testutil

import (
	"context"
	"flag"
	"testing"

	"github.com/i5heu/atomspace/pkg/atomdb"
	"github.com/i5heu/atomspace/pkg/hasher"
)

var RunLong = flag.Bool("long", false, "run long/heavy tests")

func RequireLong(t *testing.T) {
	t.Helper()
	if !*RunLong {
		t.Skip("skipping long test (use -long to enable)")
	}
}

const (
	Concept     = "Concept"
	Similarity  = "Similarity"
	Inheritance = "Inheritance"
)

// NodeNames lists every Concept node of the taxonomy.
var NodeNames = []string{
	"human", "monkey", "chimp", "snake", "earthworm", "rhino", "triceratops",
	"vine", "ent", "mammal", "animal", "reptile", "dinosaur", "plant",
}

// Pair is a two-target link between Concept nodes.
type Pair struct {
	Type   string
	Source string
	Target string
}

// Links lists every link of the taxonomy in insertion order.
var Links = []Pair{
	{Similarity, "human", "monkey"},
	{Similarity, "human", "chimp"},
	{Similarity, "chimp", "monkey"},
	{Similarity, "snake", "earthworm"},
	{Similarity, "rhino", "triceratops"},
	{Similarity, "snake", "vine"},
	{Similarity, "human", "ent"},
	{Inheritance, "human", "mammal"},
	{Inheritance, "monkey", "mammal"},
	{Inheritance, "chimp", "mammal"},
	{Inheritance, "mammal", "animal"},
	{Inheritance, "reptile", "animal"},
	{Inheritance, "snake", "reptile"},
	{Inheritance, "dinosaur", "reptile"},
	{Inheritance, "triceratops", "dinosaur"},
	{Inheritance, "earthworm", "animal"},
	{Inheritance, "rhino", "mammal"},
	{Inheritance, "vine", "plant"},
	{Inheritance, "ent", "plant"},
	{Similarity, "monkey", "human"},
	{Similarity, "chimp", "human"},
	{Similarity, "monkey", "chimp"},
	{Similarity, "earthworm", "snake"},
	{Similarity, "triceratops", "rhino"},
	{Similarity, "vine", "snake"},
	{Similarity, "ent", "human"},
}

// N is the handle of the Concept node name.
func N(name string) hasher.Handle {
	return atomdb.NodeHandle(Concept, name)
}

// L is the handle of the link linkType(source, target) over Concept nodes.
func L(linkType, source, target string) hasher.Handle {
	return atomdb.LinkHandle(linkType, N(source), N(target))
}

// PairInput builds the input for a Concept pair link.
func PairInput(linkType, source, target string) atomdb.AtomInput {
	return atomdb.Link(linkType, atomdb.Node(Concept, source), atomdb.Node(Concept, target))
}

// Adder is the part of a store LoadTaxonomy writes through.
type Adder interface {
	AddNode(ctx context.Context, in atomdb.AtomInput) (hasher.Handle, error)
	AddLink(ctx context.Context, in atomdb.AtomInput) (hasher.Handle, error)
}

// LoadTaxonomy inserts every node and link of the fixture into db.
func LoadTaxonomy(tb testing.TB, db Adder) {
	tb.Helper()
	ctx := context.Background()
	for _, name := range NodeNames {
		if _, err := db.AddNode(ctx, atomdb.Node(Concept, name)); err != nil {
			tb.Fatalf("add node %s: %v", name, err)
		}
	}
	for _, l := range Links {
		if _, err := db.AddLink(ctx, PairInput(l.Type, l.Source, l.Target)); err != nil {
			tb.Fatalf("add link %v: %v", l, err)
		}
	}
}

// Taxonomy returns a MemoryDB holding the fixture.
func Taxonomy(tb testing.TB) *atomdb.MemoryDB {
	tb.Helper()
	db := atomdb.NewMemoryDB()
	LoadTaxonomy(tb, db)
	tb.Cleanup(func() { _ = db.Close() })
	return db
}

// Handles extracts the handles of documents.
func Handles(docs []atomdb.AtomDocument) []hasher.Handle {
	out := make([]hasher.Handle, len(docs))
	for i, d := range docs {
		out[i] = d.Handle
	}
	return out
}
