package atomspace

import (
	"fmt"
	"log/slog"
	"os"
	"time"
)

const defaultGCInterval = 10 * time.Minute

// Backend selects the atom store adapter.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendBadger Backend = "badger"
	BackendRemote Backend = "remote"
)

// Config configures an AtomSpace. The zero value is an in-memory space.
type Config struct {
	// Backend defaults to BackendMemory.
	Backend Backend
	// Paths contains data directories for BackendBadger. Only Paths[0] is used.
	Paths []string
	// MinimumFreeGB is a free-space threshold checked before opening badger.
	MinimumFreeGB uint
	// GCInterval is the badger value log GC period. Zero uses ten minutes.
	GCInterval time.Duration
	// RemoteURL is the api.Server base URL for BackendRemote.
	RemoteURL string
	// RemoteTimeout bounds each remote request. Zero uses the client default.
	RemoteTimeout time.Duration
	// PageSize is how many links the matcher requests per store page.
	PageSize int
	// Logger is an optional structured logger. If nil, a stderr logger is used.
	Logger *slog.Logger
	// DisableIndex skips building the node-name index.
	DisableIndex bool
	// Seed fixes the FollowLink random walks. Every cursor draws from its own
	// stream (Seed, n) for the n-th cursor created. Zero seeds randomly.
	Seed uint64
}

func (c Config) validate() error {
	switch c.Backend {
	case "", BackendMemory:
	case BackendBadger:
		if len(c.Paths) == 0 {
			return fmt.Errorf("atomspace: at least one path must be provided for the badger backend")
		}
	case BackendRemote:
		if c.RemoteURL == "" {
			return fmt.Errorf("atomspace: remote url must be provided for the remote backend")
		}
	default:
		return fmt.Errorf("atomspace: unknown backend %q", c.Backend)
	}
	return nil
}

// defaultLogger returns a logger that writes text logs to stderr at Info level.
func defaultLogger() *slog.Logger { // A
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(h)
}
