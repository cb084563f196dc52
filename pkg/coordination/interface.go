package coordination

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrConnection is returned when no session could be established or kept.
	ErrConnection = errors.New("coordination service unreachable")
	// ErrSessionExpired is returned when the session owning ephemeral nodes is gone.
	ErrSessionExpired = errors.New("coordination session expired")
	// ErrNodeExists is returned by Create when the path is already taken.
	ErrNodeExists = errors.New("node already exists")
	// ErrNoNode is returned when an operation targets a missing node.
	ErrNoNode = errors.New("node does not exist")
	// ErrClosed is returned by operations on a closed session or client.
	ErrClosed = errors.New("coordination client closed")
)

// IsSessionFatal reports whether err means the current session can no longer
// be used and every ephemeral node it owned is gone.
func IsSessionFatal(err error) bool {
	return errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrClosed)
}

// CreateOptions controls node ownership and naming on Create.
type CreateOptions struct {
	// Ephemeral nodes are deleted by the service when the owning session ends.
	Ephemeral bool
	// Sequential asks the service to make the node name unique and to stamp
	// the node with a monotonically increasing sequence number.
	Sequential bool
}

// Node is a single entry of the hierarchical store.
type Node struct {
	// Path is the full path of the node.
	Path string
	// Name is the last path segment.
	Name string
	// Data is the opaque payload.
	Data []byte
	// Sequence is the store-assigned creation order, increasing per parent.
	Sequence int64
	// Owner is the id of the owning session for ephemeral nodes, 0 otherwise.
	Owner int64
}

// EventType classifies a watch notification.
type EventType int

const (
	EventChildrenChanged EventType = iota
	EventNodeDeleted
	EventSessionLost
)

func (t EventType) String() string {
	switch t {
	case EventChildrenChanged:
		return "children-changed"
	case EventNodeDeleted:
		return "node-deleted"
	case EventSessionLost:
		return "session-lost"
	default:
		return "unknown"
	}
}

// Event is delivered at most once per watch registration.
type Event struct {
	Type EventType
	Path string
}

// Watch is a one-shot change notification. C receives a single event and is
// then closed. Stop deregisters the watch; it is safe to call more than once
// and after the event fired.
type Watch struct {
	C    <-chan Event
	stop func()
}

// NewWatch wraps a notification channel and its deregistration func.
func NewWatch(c <-chan Event, stop func()) *Watch {
	return &Watch{C: c, stop: stop}
}

// Stop deregisters the watch.
func (w *Watch) Stop() {
	if w != nil && w.stop != nil {
		w.stop()
	}
}

// Session is a live connection to the coordination service. All operations
// are safe for concurrent use; the service serializes them.
type Session interface {
	// ID is the identity assigned by the service when the session was opened.
	ID() int64

	// Create atomically creates a node and returns it as stored.
	Create(ctx context.Context, path string, data []byte, opts CreateOptions) (Node, error)

	// Delete removes a node. It returns ErrNoNode if it does not exist.
	Delete(ctx context.Context, path string) error

	// Get returns a single node.
	Get(ctx context.Context, path string) (Node, error)

	// Exists reports whether a node exists.
	Exists(ctx context.Context, path string) (bool, error)

	// Children lists the direct children of path ordered by Sequence. When
	// watch is true the returned Watch fires on the next change to that list.
	Children(ctx context.Context, path string, watch bool) ([]Node, *Watch, error)

	// Done is closed when the session is lost or closed.
	Done() <-chan struct{}

	// Close ends the session. Ephemeral nodes are removed by the service.
	Close() error
}

// Dialer opens new sessions against the coordination service.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Session, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (Session, error) {
	return f(ctx)
}

// ValidatePath checks that p is an absolute, normalized hierarchical path.
func ValidatePath(p string) error {
	if p == "" || p[0] != '/' {
		return errors.New("path must start with '/'")
	}
	if p != "/" && strings.HasSuffix(p, "/") {
		return errors.New("path must not end with '/'")
	}
	if strings.Contains(p, "//") {
		return errors.New("path must not contain empty segments")
	}
	for _, seg := range strings.Split(p[1:], "/") {
		if seg == "." || seg == ".." {
			return errors.New("path must not contain relative segments")
		}
	}
	return nil
}

// JoinPath joins a parent path and a child name.
func JoinPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// BaseName returns the last segment of p.
func BaseName(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}
