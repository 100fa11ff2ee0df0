// Package index keeps an in-memory full text index of node names so nodes
// can be found by a substring of their name.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/token/ngram"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/single"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/i5heu/atomspace/pkg/atomdb"
	"github.com/i5heu/atomspace/pkg/hasher"
)

//TODO: persist the index next to the badger directory instead of rebuilding it on every start

var ErrIndexerClosed = errors.New("index: indexer closed")

type Indexer struct {
	log *slog.Logger

	db atomdb.AtomDB
	bi bleve.Index
}

const (
	nameAnalyzerName    = "nameNgram"
	nameTokenFilterName = "nameNgramFilter"

	maxGram   = 25
	batchSize = 500
	hitsPage  = 1000
)

type nodeEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

func buildIndexMapping() (mapping.IndexMapping, error) { //A
	nodeMapping := bleve.NewDocumentMapping()

	nameField := bleve.NewTextFieldMapping()
	nameField.Analyzer = nameAnalyzerName
	nameField.Store = true
	nodeMapping.AddFieldMappingsAt("name", nameField)

	typeField := bleve.NewTextFieldMapping()
	typeField.Analyzer = keyword.Name
	nodeMapping.AddFieldMappingsAt("type", typeField)

	idxMapping := bleve.NewIndexMapping()
	idxMapping.DefaultMapping = nodeMapping

	if err := idxMapping.AddCustomTokenFilter(nameTokenFilterName, map[string]any{
		"type": ngram.Name,
		"min":  1.0,
		"max":  float64(maxGram),
	}); err != nil {
		return nil, fmt.Errorf("add token filter: %w", err)
	}

	// The whole name is one token so grams may span spaces.
	if err := idxMapping.AddCustomAnalyzer(nameAnalyzerName, map[string]any{
		"type":      custom.Name,
		"tokenizer": single.Name,
		"token_filters": []string{
			lowercase.Name,
			nameTokenFilterName,
		},
	}); err != nil {
		return nil, fmt.Errorf("add analyzer: %w", err)
	}

	return idxMapping, nil
}

func NewIndexer(db atomdb.AtomDB, logger *slog.Logger) (*Indexer, error) { //A
	m, err := buildIndexMapping()
	if err != nil {
		return nil, err
	}

	bi, err := bleve.NewMemOnly(m)
	if err != nil {
		return nil, fmt.Errorf("index: create: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		log: logger,
		db:  db,
		bi:  bi,
	}, nil
}

func (idx *Indexer) Close() error {
	return idx.bi.Close()
}

// ReindexAll pages through every node of the store and indexes it.
func (idx *Indexer) ReindexAll(ctx context.Context) error { //A
	if idx.db == nil {
		return fmt.Errorf("index: store not available")
	}

	total := 0
	req := atomdb.PageRequest{Limit: batchSize}
	for {
		page, err := idx.db.GetAllNodes(ctx, "", req)
		if err != nil {
			return fmt.Errorf("list nodes: %w", err)
		}

		batch := idx.bi.NewBatch()
		for _, doc := range page.Atoms {
			if err := batch.Index(doc.Handle.String(), nodeEntry{Name: doc.Name, Type: doc.Type}); err != nil {
				idx.log.Error("reindex: index node failed", "handle", doc.Handle, "error", err)
			}
		}
		if err := idx.bi.Batch(batch); err != nil {
			return fmt.Errorf("index batch: %w", err)
		}
		total += len(page.Atoms)

		if page.Done {
			break
		}
		req.Offset = page.Next
	}

	idx.log.Info("reindex: completed", "total_indexed", total)
	return nil
}

// IndexNode adds a node document. Links are ignored.
func (idx *Indexer) IndexNode(doc atomdb.AtomDocument) error {
	if doc.IsLink() {
		return nil
	}
	return idx.bi.Index(doc.Handle.String(), nodeEntry{Name: doc.Name, Type: doc.Type})
}

// IndexInput indexes every node in.
func (idx *Indexer) IndexInput(in atomdb.AtomInput) error {
	docs, err := atomdb.Expand(in)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if err := idx.IndexNode(doc); err != nil {
			return fmt.Errorf("index node %s: %w", doc.Handle, err)
		}
	}
	return nil
}

// GetMatchedNodeName returns the handles of nodes whose name contains
// substring, case-insensitively. nodeType "" matches every type.
func (idx *Indexer) GetMatchedNodeName(
	ctx context.Context,
	nodeType, substring string,
) ([]hasher.Handle, error) { //A
	needle := strings.ToLower(substring)

	var q query.Query
	switch {
	case needle == "":
		q = bleve.NewMatchAllQuery()
	case len([]rune(needle)) <= maxGram:
		term := bleve.NewTermQuery(needle)
		term.SetField("name")
		q = term
	default:
		// Longer than any gram: match its grams, then confirm below.
		match := bleve.NewMatchQuery(substring)
		match.SetField("name")
		match.Analyzer = nameAnalyzerName
		match.SetOperator(query.MatchQueryOperatorAnd)
		q = match
	}
	if nodeType != "" {
		typeQuery := bleve.NewTermQuery(nodeType)
		typeQuery.SetField("type")
		q = bleve.NewConjunctionQuery(q, typeQuery)
	}

	var out []hasher.Handle
	for from := 0; ; from += hitsPage {
		search := bleve.NewSearchRequestOptions(q, hitsPage, from, false)
		search.Fields = []string{"name"}
		search.SortBy([]string{"_id"})

		res, err := idx.bi.SearchInContext(ctx, search)
		if err != nil {
			if errors.Is(err, bleve.ErrorIndexClosed) {
				return nil, ErrIndexerClosed
			}
			return nil, fmt.Errorf("index: search: %w", err)
		}

		for _, hit := range res.Hits {
			if hit == nil || hit.ID == "" {
				continue
			}
			if name, ok := hit.Fields["name"].(string); ok && !strings.Contains(strings.ToLower(name), needle) {
				continue
			}
			h, err := hasher.ParseHandle(hit.ID)
			if err != nil {
				continue
			}
			out = append(out, h)
		}

		if len(res.Hits) < hitsPage {
			break
		}
	}
	return out, nil
}
