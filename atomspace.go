// Package atomspace is a content-addressed hypergraph store. Nodes and links
// are addressed by 128-bit handles derived from their content, queried with
// variable patterns and explored with traversal cursors.
package atomspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/i5heu/atomspace/pkg/atomdb"
	"github.com/i5heu/atomspace/pkg/badgerdb"
	"github.com/i5heu/atomspace/pkg/hasher"
	"github.com/i5heu/atomspace/pkg/index"
	"github.com/i5heu/atomspace/pkg/iterator"
	"github.com/i5heu/atomspace/pkg/query"
	"github.com/i5heu/atomspace/pkg/remote"
	"github.com/i5heu/atomspace/pkg/traverse"
)

var (
	ErrNotStarted    = errors.New("atomspace: not started")
	ErrClosed        = errors.New("atomspace: closed")
	ErrIndexDisabled = errors.New("atomspace: node name index disabled")
)

// AtomSpace owns the atom store adapter and the node-name index.
type AtomSpace struct {
	log    *slog.Logger
	config Config

	mu      sync.RWMutex
	db      atomdb.AtomDB
	client  *remote.Client
	indexer *index.Indexer
	matcher *query.Matcher

	cursors   atomic.Uint64
	started   atomic.Bool
	closed    atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// New constructs an atom space. New does not perform I/O; call Start to
// open the store.
func New(conf Config) (*AtomSpace, error) { // A
	if err := conf.validate(); err != nil {
		return nil, err
	}
	if conf.Backend == "" {
		conf.Backend = BackendMemory
	}
	if conf.Logger == nil {
		conf.Logger = defaultLogger()
	}
	return &AtomSpace{
		log:    conf.Logger,
		config: conf,
	}, nil
}

// Start opens the configured store and builds the node-name index from its
// contents. Only the first call has effect.
func (as *AtomSpace) Start(ctx context.Context) error { // A
	var startErr error
	as.startOnce.Do(func() {
		db, err := as.open()
		if err != nil {
			startErr = err
			return
		}

		var indexer *index.Indexer
		if !as.config.DisableIndex && as.client == nil {
			if indexer, err = index.NewIndexer(db, as.log); err != nil {
				startErr = errors.Join(err, db.Close())
				return
			}
			// Populate synchronously so searches right after Start see every node.
			if err := indexer.ReindexAll(ctx); err != nil {
				as.log.Warn("indexer reindex failed", "error", err)
			}
		}

		opts := []query.Option{query.WithLogger(as.log)}
		if as.config.PageSize > 0 {
			opts = append(opts, query.WithPageSize(as.config.PageSize))
		}

		as.mu.Lock()
		as.db = db
		as.indexer = indexer
		as.matcher = query.NewMatcher(db, opts...)
		as.mu.Unlock()

		as.started.Store(true)
		as.log.Info("atomspace started", "backend", string(as.config.Backend))
	})
	return startErr
}

func (as *AtomSpace) open() (atomdb.AtomDB, error) {
	switch as.config.Backend {
	case BackendBadger:
		gc := as.config.GCInterval
		if gc == 0 {
			gc = defaultGCInterval
		}
		db, err := badgerdb.Open(badgerdb.Config{
			Paths:         as.config.Paths,
			MinimumFreeGB: as.config.MinimumFreeGB,
			GCInterval:    gc,
			Logger:        as.log,
		})
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		return db, nil
	case BackendRemote:
		opts := []remote.Option{remote.WithLogger(as.log)}
		if as.config.RemoteTimeout > 0 {
			opts = append(opts, remote.WithTimeout(as.config.RemoteTimeout))
		}
		client, err := remote.New(as.config.RemoteURL, opts...)
		if err != nil {
			return nil, err
		}
		as.client = client
		return client, nil
	default:
		return atomdb.NewMemoryDB(), nil
	}
}

// Run starts the atom space, blocks until ctx is canceled and then shuts
// down within a bounded time.
func (as *AtomSpace) Run(ctx context.Context) error { // A
	if err := as.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return as.Close(shutdownCtx)
}

// Close releases the store and the index. Close is idempotent.
func (as *AtomSpace) Close(ctx context.Context) error { // A
	var closeErr error
	as.closeOnce.Do(func() {
		as.closed.Store(true)

		as.mu.Lock()
		db, indexer := as.db, as.indexer
		as.db, as.indexer, as.matcher = nil, nil, nil
		as.mu.Unlock()

		if indexer != nil {
			if err := indexer.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close indexer: %w", err))
			}
		}
		if db != nil {
			if err := db.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close store: %w", err))
			}
		}
		as.log.Info("atomspace closed")
	})
	return closeErr
}

// DB exposes the underlying store, e.g. to serve it with api.New.
func (as *AtomSpace) DB() (atomdb.AtomDB, error) {
	return as.store()
}

func (as *AtomSpace) store() (atomdb.AtomDB, error) {
	if as.closed.Load() {
		return nil, ErrClosed
	}
	if !as.started.Load() {
		return nil, ErrNotStarted
	}
	as.mu.RLock()
	defer as.mu.RUnlock()
	if as.db == nil {
		return nil, ErrClosed
	}
	return as.db, nil
}

func (as *AtomSpace) AddNode(ctx context.Context, in atomdb.AtomInput) (hasher.Handle, error) {
	db, err := as.store()
	if err != nil {
		return hasher.Handle{}, err
	}
	h, err := db.AddNode(ctx, in)
	if err != nil {
		return hasher.Handle{}, err
	}
	as.index(in)
	return h, nil
}

// AddLink adds a link and every nested target it carries.
func (as *AtomSpace) AddLink(ctx context.Context, in atomdb.AtomInput) (hasher.Handle, error) {
	db, err := as.store()
	if err != nil {
		return hasher.Handle{}, err
	}
	h, err := db.AddLink(ctx, in)
	if err != nil {
		return hasher.Handle{}, err
	}
	as.index(in)
	return h, nil
}

func (as *AtomSpace) index(in atomdb.AtomInput) {
	as.mu.RLock()
	indexer := as.indexer
	as.mu.RUnlock()
	if indexer == nil {
		return
	}
	if err := indexer.IndexInput(in); err != nil {
		as.log.Warn("index atom failed", "type", in.Type, "error", err)
	}
}

func (as *AtomSpace) GetAtom(ctx context.Context, h hasher.Handle) (atomdb.AtomDocument, error) {
	db, err := as.store()
	if err != nil {
		return atomdb.AtomDocument{}, err
	}
	return db.GetAtom(ctx, h)
}

func (as *AtomSpace) GetNode(ctx context.Context, nodeType, name string) (atomdb.AtomDocument, error) {
	db, err := as.store()
	if err != nil {
		return atomdb.AtomDocument{}, err
	}
	return db.GetNode(ctx, nodeType, name)
}

func (as *AtomSpace) GetLink(
	ctx context.Context,
	linkType string,
	targets []hasher.Handle,
) (atomdb.AtomDocument, error) {
	db, err := as.store()
	if err != nil {
		return atomdb.AtomDocument{}, err
	}
	return db.GetLink(ctx, linkType, targets)
}

func (as *AtomSpace) GetIncomingLinks(
	ctx context.Context,
	h hasher.Handle,
	opts atomdb.IncomingOptions,
) ([]atomdb.IncomingLink, error) {
	db, err := as.store()
	if err != nil {
		return nil, err
	}
	return db.GetIncomingLinks(ctx, h, opts)
}

func (as *AtomSpace) CountAtoms(ctx context.Context) (atomdb.Counts, error) {
	db, err := as.store()
	if err != nil {
		return atomdb.Counts{}, err
	}
	return db.CountAtoms(ctx)
}

// Query matches expr and projects each binding with format. Documents for
// FormatAtomInfo and FormatJSON are fetched as the iterator advances.
func (as *AtomSpace) Query(
	ctx context.Context,
	expr query.Expression,
	format query.OutputFormat,
) (iterator.Iterator[query.Answer], error) {
	db, err := as.store()
	if err != nil {
		return nil, err
	}
	as.mu.RLock()
	matcher := as.matcher
	as.mu.RUnlock()
	if matcher == nil {
		return nil, ErrClosed
	}

	bindings, err := matcher.Match(ctx, expr)
	if err != nil {
		return nil, err
	}
	return query.Format(ctx, db, bindings, format), nil
}

// GetTraversalCursor positions a cursor at h. documentMode selects the
// variant that returns atom documents instead of handles.
func (as *AtomSpace) GetTraversalCursor(
	ctx context.Context,
	h hasher.Handle,
	documentMode bool,
) (traverse.Walker, error) {
	if documentMode {
		return as.DocumentCursor(ctx, h)
	}
	return as.HandleCursor(ctx, h)
}

func (as *AtomSpace) traverseOptions() []traverse.Option {
	opts := []traverse.Option{traverse.WithLogger(as.log)}
	if as.config.Seed != 0 {
		// rand.Rand is not safe for concurrent use; cursors never share one.
		stream := as.cursors.Add(1)
		opts = append(opts, traverse.WithRand(rand.New(rand.NewPCG(as.config.Seed, stream))))
	}
	return opts
}

func (as *AtomSpace) HandleCursor(ctx context.Context, h hasher.Handle) (*traverse.Cursor[hasher.Handle], error) {
	db, err := as.store()
	if err != nil {
		return nil, err
	}
	return traverse.NewHandleCursor(ctx, db, h, as.traverseOptions()...)
}

func (as *AtomSpace) DocumentCursor(
	ctx context.Context,
	h hasher.Handle,
) (*traverse.Cursor[atomdb.AtomDocument], error) {
	db, err := as.store()
	if err != nil {
		return nil, err
	}
	return traverse.NewDocumentCursor(ctx, db, h, as.traverseOptions()...)
}

// GetMatchedNodeName returns the handles of nodes whose name contains
// substring. nodeType "" matches every type.
func (as *AtomSpace) GetMatchedNodeName(ctx context.Context, nodeType, substring string) ([]hasher.Handle, error) {
	if _, err := as.store(); err != nil {
		return nil, err
	}
	if as.client != nil {
		return as.client.Search(ctx, nodeType, substring)
	}

	as.mu.RLock()
	indexer := as.indexer
	as.mu.RUnlock()
	if indexer == nil {
		return nil, ErrIndexDisabled
	}
	return indexer.GetMatchedNodeName(ctx, nodeType, substring)
}
