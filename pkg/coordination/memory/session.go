package memory

import (
	"context"
	"fmt"
	"path"

	"leasegate/pkg/coordination"
)

// Session is one client session on an Ensemble.
type Session struct {
	ensemble *Ensemble
	id       int64
	done     chan struct{}

	// guarded by ensemble.mu
	ended   bool
	expired bool
}

var _ coordination.Session = (*Session)(nil)

// ID implements coordination.Session.
func (s *Session) ID() int64 { return s.id }

// Done implements coordination.Session.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close implements coordination.Session.
func (s *Session) Close() error {
	e := s.ensemble
	e.mu.Lock()
	defer e.mu.Unlock()
	e.endSessionLocked(s, false)
	return nil
}

// Create implements coordination.Session.
func (s *Session) Create(ctx context.Context, p string, data []byte, opts coordination.CreateOptions) (coordination.Node, error) {
	if err := ctx.Err(); err != nil {
		return coordination.Node{}, err
	}
	if err := coordination.ValidatePath(p); err != nil {
		return coordination.Node{}, fmt.Errorf("create %q: %w", p, err)
	}

	e := s.ensemble
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLocked(s); err != nil {
		return coordination.Node{}, err
	}

	e.seq++
	if opts.Sequential {
		p = fmt.Sprintf("%s%010d", p, e.seq)
	}
	if _, ok := e.nodes[p]; ok {
		e.seq--
		return coordination.Node{}, coordination.ErrNodeExists
	}

	n := coordination.Node{
		Path:     p,
		Name:     coordination.BaseName(p),
		Data:     append([]byte(nil), data...),
		Sequence: e.seq,
	}
	if opts.Ephemeral {
		n.Owner = s.id
	}
	e.nodes[p] = n
	e.fireLocked(path.Dir(p), coordination.EventChildrenChanged)
	return copyNode(n), nil
}

// Delete implements coordination.Session.
func (s *Session) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := s.ensemble
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLocked(s); err != nil {
		return err
	}
	if _, ok := e.nodes[p]; !ok {
		return coordination.ErrNoNode
	}
	delete(e.nodes, p)
	e.fireLocked(path.Dir(p), coordination.EventChildrenChanged)
	return nil
}

// Get implements coordination.Session.
func (s *Session) Get(ctx context.Context, p string) (coordination.Node, error) {
	if err := ctx.Err(); err != nil {
		return coordination.Node{}, err
	}
	e := s.ensemble
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLocked(s); err != nil {
		return coordination.Node{}, err
	}
	n, ok := e.nodes[p]
	if !ok {
		return coordination.Node{}, coordination.ErrNoNode
	}
	return copyNode(n), nil
}

// Exists implements coordination.Session.
func (s *Session) Exists(ctx context.Context, p string) (bool, error) {
	_, err := s.Get(ctx, p)
	if err == coordination.ErrNoNode {
		return false, nil
	}
	return err == nil, err
}

// Children implements coordination.Session.
func (s *Session) Children(ctx context.Context, parent string, watch bool) ([]coordination.Node, *coordination.Watch, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	e := s.ensemble
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLocked(s); err != nil {
		return nil, nil, err
	}

	var children []coordination.Node
	for p, n := range e.nodes {
		if p != parent && path.Dir(p) == parent {
			children = append(children, copyNode(n))
		}
	}
	sortBySequence(children)

	if !watch {
		return children, nil, nil
	}

	e.nextWatch++
	w := &watcher{
		id:      e.nextWatch,
		parent:  parent,
		session: s.id,
		ch:      make(chan coordination.Event, 1),
	}
	e.watches[w.id] = w
	stop := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, ok := e.watches[w.id]; ok {
			delete(e.watches, w.id)
			close(w.ch)
		}
	}
	return children, coordination.NewWatch(w.ch, stop), nil
}
