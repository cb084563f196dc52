// Package memory provides an in-process coordination service. An Ensemble
// plays the role of the shared service; every Dial opens an independent
// session, so several simulated nodes can contend inside one test binary.
package memory

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"leasegate/pkg/coordination"
)

type watcher struct {
	id      int
	parent  string
	session int64
	ch      chan coordination.Event
}

// Ensemble is a simulated coordination service shared by many sessions.
type Ensemble struct {
	mu          sync.Mutex
	nodes       map[string]coordination.Node
	seq         int64
	nextSession int64
	sessions    map[int64]*Session
	watches     map[int]*watcher
	nextWatch   int
	unavailable bool
}

// NewEnsemble returns an empty, available ensemble.
func NewEnsemble() *Ensemble {
	return &Ensemble{
		nodes:    make(map[string]coordination.Node),
		sessions: make(map[int64]*Session),
		watches:  make(map[int]*watcher),
	}
}

// Dialer returns a coordination.Dialer opening sessions on this ensemble.
func (e *Ensemble) Dialer() coordination.Dialer {
	return coordination.DialerFunc(func(ctx context.Context) (coordination.Session, error) {
		return e.Dial(ctx)
	})
}

// Dial opens a new session.
func (e *Ensemble) Dial(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unavailable {
		return nil, fmt.Errorf("dial: %w", coordination.ErrConnection)
	}
	e.nextSession++
	s := &Session{
		ensemble: e,
		id:       e.nextSession,
		done:     make(chan struct{}),
	}
	e.sessions[s.id] = s
	return s, nil
}

// SetAvailable toggles a simulated outage. While unavailable, Dial and every
// session operation fail with coordination.ErrConnection.
func (e *Ensemble) SetAvailable(available bool) {
	e.mu.Lock()
	e.unavailable = !available
	e.mu.Unlock()
}

// Expire kills a session as the service would after a missed heartbeat:
// its ephemeral nodes are deleted and watchers are notified.
func (e *Ensemble) Expire(sessionID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		return false
	}
	e.endSessionLocked(s, true)
	return true
}

// Sessions returns the ids of live sessions.
func (e *Ensemble) Sessions() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]int64, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Snapshot returns the nodes under prefix (inclusive) ordered by sequence.
func (e *Ensemble) Snapshot(prefix string) []coordination.Node {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []coordination.Node
	for p, n := range e.nodes {
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			out = append(out, copyNode(n))
		}
	}
	sortBySequence(out)
	return out
}

// PendingWatches returns how many watches are registered.
func (e *Ensemble) PendingWatches() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.watches)
}

func (e *Ensemble) endSessionLocked(s *Session, expired bool) {
	if s.ended {
		return
	}
	s.ended = true
	s.expired = expired
	delete(e.sessions, s.id)

	for id, w := range e.watches {
		if w.session == s.id {
			w.ch <- coordination.Event{Type: coordination.EventSessionLost, Path: w.parent}
			close(w.ch)
			delete(e.watches, id)
		}
	}
	for p, n := range e.nodes {
		if n.Owner == s.id {
			delete(e.nodes, p)
			e.fireLocked(path.Dir(p), coordination.EventChildrenChanged)
		}
	}
	close(s.done)
}

func (e *Ensemble) fireLocked(parent string, t coordination.EventType) {
	for id, w := range e.watches {
		if w.parent != parent {
			continue
		}
		w.ch <- coordination.Event{Type: t, Path: parent}
		close(w.ch)
		delete(e.watches, id)
	}
}

func (e *Ensemble) checkLocked(s *Session) error {
	if s.ended {
		if s.expired {
			return coordination.ErrSessionExpired
		}
		return coordination.ErrClosed
	}
	if e.unavailable {
		return coordination.ErrConnection
	}
	return nil
}

func copyNode(n coordination.Node) coordination.Node {
	n.Data = append([]byte(nil), n.Data...)
	return n
}

func sortBySequence(nodes []coordination.Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Sequence < nodes[j].Sequence })
}
