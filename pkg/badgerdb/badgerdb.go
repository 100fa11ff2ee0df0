// Package badgerdb is the persistent atom store. Atoms are kept as
// zstd-compressed JSON records in badger; links by type, nodes by type and
// the incoming-link index are prefix-keyed entries written in the same
// transaction as the atom they describe.
package badgerdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/i5heu/atomspace/pkg/atomdb"
	"github.com/i5heu/atomspace/pkg/hasher"
)

const (
	prefixAtom     = "atom:"
	prefixLinkType = "type:"
	prefixNodeType = "node:"
	prefixIncoming = "in:"

	keyNodeCount = "count:nodes"
	keyLinkCount = "count:links"

	sep = 0x00

	maxConflictRetries = 16
)

var ErrNotEnoughSpace = errors.New("badgerdb: not enough free disk space")

// Config configures the store. Only Paths[0] is used.
type Config struct {
	Paths []string
	// MinimumFreeGB is the free space the data directory must offer on open.
	MinimumFreeGB uint
	// InMemory keeps everything in RAM; Paths is ignored.
	InMemory bool
	// GCInterval is how often the value log is garbage collected. Zero
	// disables the collector.
	GCInterval time.Duration
	Logger     *slog.Logger
}

// DB implements atomdb.AtomDB on badger.
type DB struct {
	log *slog.Logger
	db  *badger.DB

	enc *zstd.Encoder
	dec *zstd.Decoder

	stop      chan struct{}
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
}

var _ atomdb.AtomDB = (*DB)(nil)

// Open opens or creates the store described by conf.
func Open(conf Config) (*DB, error) { // A
	if conf.Logger == nil {
		conf.Logger = slog.Default()
	}
	log := conf.Logger

	var opts badger.Options
	if conf.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if len(conf.Paths) == 0 {
			return nil, errors.New("badgerdb: no path provided in configuration")
		}
		path := conf.Paths[0]
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", path, err)
		}
		if err := checkFreeSpace(log, path, conf.MinimumFreeGB); err != nil {
			return nil, err
		}
		opts = badger.DefaultOptions(path).
			WithValueLogFileSize(100 << 20).
			WithSyncWrites(false)
	}
	opts = opts.WithLogger(slogLogger{log: log}).WithLoggingLevel(badger.WARNING)

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger: %w", atomdb.ErrStoreUnavailable, err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	d := &DB{
		log:  log,
		db:   bdb,
		enc:  enc,
		dec:  dec,
		stop: make(chan struct{}),
	}
	if conf.GCInterval > 0 && !conf.InMemory {
		d.wg.Add(1)
		go d.collectGarbage(conf.GCInterval)
	}
	return d, nil
}

func checkFreeSpace(log *slog.Logger, path string, minimumGB uint) error { // A
	usage, err := disk.Usage(path)
	if err != nil {
		return fmt.Errorf("disk usage of %s: %w", path, err)
	}
	log.Info("disk usage",
		"path", path,
		"total", humanize.Bytes(usage.Total),
		"used", humanize.Bytes(usage.Used),
		"free", humanize.Bytes(usage.Free))

	if usage.Free < uint64(minimumGB)<<30 {
		return fmt.Errorf("%w: %s free on %s, %d GB required",
			ErrNotEnoughSpace, humanize.Bytes(usage.Free), path, minimumGB)
	}
	return nil
}

func (d *DB) collectGarbage(interval time.Duration) {
	defer d.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			for {
				err := d.db.RunValueLogGC(0.5)
				if err == nil {
					continue
				}
				if !errors.Is(err, badger.ErrNoRewrite) {
					d.log.Warn("value log gc failed", "error", err)
				}
				break
			}
		}
	}
}

// Close stops the garbage collector and closes badger. It is idempotent.
func (d *DB) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.stop)
		d.wg.Wait()
		d.dec.Close()
		err = errors.Join(d.enc.Close(), d.db.Close())
	})
	return err
}

func (d *DB) ready(ctx context.Context) error {
	if d.closed.Load() {
		return atomdb.ErrClosed
	}
	return ctx.Err()
}

func atomKey(h hasher.Handle) []byte {
	return []byte(prefixAtom + h.String())
}

func indexKey(prefix, name string, h hasher.Handle) []byte {
	k := make([]byte, 0, len(prefix)+len(name)+1+2*hasher.Size)
	k = append(k, prefix...)
	k = append(k, name...)
	k = append(k, sep)
	return append(k, h.String()...)
}

func indexPrefix(prefix, name string) []byte {
	k := make([]byte, 0, len(prefix)+len(name)+1)
	k = append(k, prefix...)
	k = append(k, name...)
	return append(k, sep)
}

func (d *DB) encode(doc atomdb.AtomDocument) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", doc.Handle, err)
	}
	return d.enc.EncodeAll(raw, nil), nil
}

func (d *DB) decode(value []byte) (atomdb.AtomDocument, error) {
	raw, err := d.dec.DecodeAll(value, nil)
	if err != nil {
		return atomdb.AtomDocument{}, fmt.Errorf("decompress record: %w", err)
	}
	var doc atomdb.AtomDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return atomdb.AtomDocument{}, fmt.Errorf("decode record: %w", err)
	}
	return doc, nil
}

// unavailable maps badger failures onto the store error taxonomy.
func unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, badger.ErrDBClosed) {
		return atomdb.ErrClosed
	}
	var known bool
	for _, sentinel := range []error{
		atomdb.ErrAtomDoesNotExist, atomdb.ErrNodeDoesNotExist, atomdb.ErrLinkDoesNotExist,
		atomdb.ErrAddNode, atomdb.ErrAddLink, atomdb.ErrAddressing, atomdb.ErrClosed,
	} {
		if errors.Is(err, sentinel) {
			known = true
			break
		}
	}
	if known {
		return err
	}
	return fmt.Errorf("%w: %w", atomdb.ErrStoreUnavailable, err)
}

func (d *DB) get(txn *badger.Txn, h hasher.Handle) (atomdb.AtomDocument, error) {
	item, err := txn.Get(atomKey(h))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return atomdb.AtomDocument{}, fmt.Errorf("%w: %s", atomdb.ErrAtomDoesNotExist, h)
	}
	if err != nil {
		return atomdb.AtomDocument{}, err
	}
	var doc atomdb.AtomDocument
	err = item.Value(func(v []byte) error {
		doc, err = d.decode(v)
		return err
	})
	return doc, err
}

func (d *DB) GetAtom(ctx context.Context, h hasher.Handle) (atomdb.AtomDocument, error) {
	if err := d.ready(ctx); err != nil {
		return atomdb.AtomDocument{}, err
	}
	var doc atomdb.AtomDocument
	err := d.db.View(func(txn *badger.Txn) error {
		var err error
		doc, err = d.get(txn, h)
		return err
	})
	return doc, unavailable(err)
}

func (d *DB) GetNode(ctx context.Context, nodeType, name string) (atomdb.AtomDocument, error) {
	doc, err := d.GetAtom(ctx, atomdb.NodeHandle(nodeType, name))
	if errors.Is(err, atomdb.ErrAtomDoesNotExist) || (err == nil && !doc.IsNodeNamed(nodeType, name)) {
		return atomdb.AtomDocument{}, fmt.Errorf("%w: %s %q", atomdb.ErrNodeDoesNotExist, nodeType, name)
	}
	return doc, err
}

func (d *DB) GetLink(
	ctx context.Context,
	linkType string,
	targets []hasher.Handle,
) (atomdb.AtomDocument, error) {
	doc, err := d.GetAtom(ctx, atomdb.LinkHandle(linkType, targets...))
	if errors.Is(err, atomdb.ErrAtomDoesNotExist) || (err == nil && !doc.IsLinkOf(linkType, targets)) {
		return atomdb.AtomDocument{}, fmt.Errorf("%w: %s%v", atomdb.ErrLinkDoesNotExist, linkType, targets)
	}
	return doc, err
}

func (d *DB) GetIncomingLinks(
	ctx context.Context,
	h hasher.Handle,
	opts atomdb.IncomingOptions,
) ([]atomdb.IncomingLink, error) { // A
	if err := d.ready(ctx); err != nil {
		return nil, err
	}
	var out []atomdb.IncomingLink
	err := d.db.View(func(txn *badger.Txn) error {
		handles, err := scanHandles(txn, indexPrefix(prefixIncoming, h.String()), 0, 0)
		if err != nil {
			return err
		}
		out = make([]atomdb.IncomingLink, 0, len(handles.handles))
		for _, lh := range handles.handles {
			entry := atomdb.IncomingLink{Handle: lh}
			if !opts.HandlesOnly {
				link, err := d.get(txn, lh)
				if err != nil {
					return fmt.Errorf("incoming link %s: %w", lh, err)
				}
				entry.Link = &link
				if opts.TargetsDocument {
					entry.Targets = make([]atomdb.AtomDocument, len(link.Targets))
					for i, th := range link.Targets {
						if entry.Targets[i], err = d.get(txn, th); err != nil {
							return fmt.Errorf("target %d of %s: %w", i, lh, err)
						}
					}
				}
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

type handlePage struct {
	handles []hasher.Handle
	next    int
	done    bool
}

// scanHandles reads the handles suffixed to the keys under prefix, skipping
// offset keys and returning at most limit (0 means all).
func scanHandles(txn *badger.Txn, prefix []byte, offset, limit int) (handlePage, error) {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	defer it.Close()

	page := handlePage{next: offset}
	i := 0
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if i < offset {
			i++
			continue
		}
		if limit > 0 && len(page.handles) == limit {
			return page, nil
		}
		key := it.Item().Key()
		h, err := hasher.ParseHandle(string(key[len(key)-2*hasher.Size:]))
		if err != nil {
			return handlePage{}, fmt.Errorf("index key %q: %w", key, err)
		}
		page.handles = append(page.handles, h)
		page.next++
		i++
	}
	page.done = true
	return page, nil
}

func (d *DB) page(ctx context.Context, prefix []byte, req atomdb.PageRequest) (atomdb.Page, error) {
	if err := d.ready(ctx); err != nil {
		return atomdb.Page{}, err
	}
	var out atomdb.Page
	err := d.db.View(func(txn *badger.Txn) error {
		hp, err := scanHandles(txn, prefix, max(req.Offset, 0), req.Limit)
		if err != nil {
			return err
		}
		out = atomdb.Page{Atoms: make([]atomdb.AtomDocument, len(hp.handles)), Next: hp.next, Done: hp.done}
		for i, h := range hp.handles {
			if out.Atoms[i], err = d.get(txn, h); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return atomdb.Page{}, unavailable(err)
	}
	return out, nil
}

// GetLinksByType enumerates links of linkType in handle order.
func (d *DB) GetLinksByType(ctx context.Context, linkType string, req atomdb.PageRequest) (atomdb.Page, error) {
	return d.page(ctx, indexPrefix(prefixLinkType, linkType), req)
}

// GetAllNodes enumerates nodes ordered by type, then handle.
func (d *DB) GetAllNodes(ctx context.Context, nodeType string, req atomdb.PageRequest) (atomdb.Page, error) {
	prefix := []byte(prefixNodeType)
	if nodeType != "" {
		prefix = indexPrefix(prefixNodeType, nodeType)
	}
	return d.page(ctx, prefix, req)
}

func (d *DB) AddNode(ctx context.Context, in atomdb.AtomInput) (hasher.Handle, error) {
	if in.IsLink() {
		return hasher.Handle{}, fmt.Errorf("%w: %q has targets", atomdb.ErrAddNode, in.Type)
	}
	return d.add(ctx, in)
}

func (d *DB) AddLink(ctx context.Context, in atomdb.AtomInput) (hasher.Handle, error) {
	if !in.IsLink() {
		return hasher.Handle{}, fmt.Errorf("%w: %q has no targets", atomdb.ErrAddLink, in.Type)
	}
	return d.add(ctx, in)
}

// add writes every document of in, with its index entries and the counters,
// in one transaction. Conflicting concurrent writers are retried.
func (d *DB) add(ctx context.Context, in atomdb.AtomInput) (hasher.Handle, error) { // A
	docs, err := atomdb.Expand(in)
	if err != nil {
		return hasher.Handle{}, err
	}

	for attempt := 0; ; attempt++ {
		if err := d.ready(ctx); err != nil {
			return hasher.Handle{}, err
		}
		err = d.db.Update(func(txn *badger.Txn) error {
			return d.write(txn, docs)
		})
		if !errors.Is(err, badger.ErrConflict) || attempt == maxConflictRetries {
			break
		}
		d.log.Debug("add conflicted, retrying", "handle", docs[len(docs)-1].Handle.String(), "attempt", attempt)
	}
	if err != nil {
		return hasher.Handle{}, unavailable(err)
	}
	return docs[len(docs)-1].Handle, nil
}

func (d *DB) write(txn *badger.Txn, docs []atomdb.AtomDocument) error { // A
	var nodes, links uint64
	for _, doc := range docs {
		existing, err := d.get(txn, doc.Handle)
		if err == nil {
			if !sameStructure(existing, doc) {
				return fmt.Errorf("%w: %s", atomdb.ErrAddressing, doc.Handle)
			}
			continue
		}
		if !errors.Is(err, atomdb.ErrAtomDoesNotExist) {
			return err
		}

		record, err := d.encode(doc)
		if err != nil {
			return err
		}
		if err := txn.Set(atomKey(doc.Handle), record); err != nil {
			return err
		}

		if !doc.IsLink() {
			nodes++
			if err := txn.Set(indexKey(prefixNodeType, doc.Type, doc.Handle), nil); err != nil {
				return err
			}
			continue
		}

		links++
		if err := txn.Set(indexKey(prefixLinkType, doc.Type, doc.Handle), nil); err != nil {
			return err
		}
		for i, th := range doc.Targets {
			if slices.Contains(doc.Targets[:i], th) {
				continue
			}
			if err := txn.Set(indexKey(prefixIncoming, th.String(), doc.Handle), nil); err != nil {
				return err
			}
		}
	}

	if err := addCounter(txn, keyNodeCount, nodes); err != nil {
		return err
	}
	return addCounter(txn, keyLinkCount, links)
}

func readCounter(txn *badger.Txn, key string) (uint64, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n uint64
	err = item.Value(func(v []byte) error {
		if len(v) != 8 {
			return fmt.Errorf("counter %s: malformed value", key)
		}
		n = binary.BigEndian.Uint64(v)
		return nil
	})
	return n, err
}

func addCounter(txn *badger.Txn, key string, delta uint64) error {
	if delta == 0 {
		return nil
	}
	n, err := readCounter(txn, key)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), binary.BigEndian.AppendUint64(nil, n+delta))
}

func (d *DB) CountAtoms(ctx context.Context) (atomdb.Counts, error) {
	if err := d.ready(ctx); err != nil {
		return atomdb.Counts{}, err
	}
	var counts atomdb.Counts
	err := d.db.View(func(txn *badger.Txn) error {
		nodes, err := readCounter(txn, keyNodeCount)
		if err != nil {
			return err
		}
		links, err := readCounter(txn, keyLinkCount)
		if err != nil {
			return err
		}
		counts = atomdb.Counts{Nodes: int(nodes), Links: int(links)}
		return nil
	})
	return counts, unavailable(err)
}

func sameStructure(a, b atomdb.AtomDocument) bool {
	return a.Type == b.Type && a.Name == b.Name && slices.Equal(a.Targets, b.Targets)
}
