package atomdb

import "errors"

var (
	// ErrAtomDoesNotExist is returned when a handle cannot be resolved.
	ErrAtomDoesNotExist = errors.New("atomdb: atom does not exist")
	// ErrNodeDoesNotExist is returned when no node has the requested type and name.
	ErrNodeDoesNotExist = errors.New("atomdb: node does not exist")
	// ErrLinkDoesNotExist is returned when no link has the requested type and targets.
	ErrLinkDoesNotExist = errors.New("atomdb: link does not exist")
	// ErrAddNode is returned when a node document is rejected.
	ErrAddNode = errors.New("atomdb: add node")
	// ErrAddLink is returned when a link document is rejected.
	ErrAddLink = errors.New("atomdb: add link")
	// ErrStoreUnavailable marks I/O and transport failures. Retrying may succeed.
	ErrStoreUnavailable = errors.New("atomdb: store unavailable")
	// ErrAddressing is reserved for detected handle collisions.
	ErrAddressing = errors.New("atomdb: addressing collision")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("atomdb: store closed")
)

// Error kinds used on the wire so a remote client can map a failure back onto
// the sentinel above.
const (
	KindAtomDoesNotExist = "AtomDoesNotExist"
	KindNodeDoesNotExist = "NodeDoesNotExist"
	KindLinkDoesNotExist = "LinkDoesNotExist"
	KindAddNode          = "AddNodeError"
	KindAddLink          = "AddLinkError"
	KindStoreUnavailable = "StoreUnavailable"
	KindAddressing       = "AddressingError"
)

var kinds = []struct {
	kind string
	err  error
}{
	{KindAtomDoesNotExist, ErrAtomDoesNotExist},
	{KindNodeDoesNotExist, ErrNodeDoesNotExist},
	{KindLinkDoesNotExist, ErrLinkDoesNotExist},
	{KindAddNode, ErrAddNode},
	{KindAddLink, ErrAddLink},
	{KindStoreUnavailable, ErrStoreUnavailable},
	{KindAddressing, ErrAddressing},
}

// ErrorKind names the taxonomy entry err belongs to, or "" if none.
func ErrorKind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return ""
}

// KindError returns the sentinel for a wire error kind, or nil.
func KindError(kind string) error {
	for _, k := range kinds {
		if k.kind == kind {
			return k.err
		}
	}
	return nil
}
