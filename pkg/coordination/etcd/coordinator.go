package etcd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"leasegate/pkg/coordination"
)

// Config holds etcd connection settings.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	// SessionTTL is the lease TTL in seconds backing ephemeral nodes.
	SessionTTL int
	Username   string
	Password   string
}

// Dialer opens etcd-backed coordination sessions. Each session owns its own
// client and a keep-alive lease; ephemeral nodes are keys attached to it.
type Dialer struct {
	cfg Config
}

// NewDialer returns a Dialer for the given cluster.
func NewDialer(cfg Config) *Dialer {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 15
	}
	return &Dialer{cfg: cfg}
}

// Dial implements coordination.Dialer.
func (d *Dialer) Dial(ctx context.Context) (coordination.Session, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   d.cfg.Endpoints,
		DialTimeout: d.cfg.DialTimeout,
		Username:    d.cfg.Username,
		Password:    d.cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	// The lease is granted under the dial deadline; the session keep-alive
	// must outlive it, so the lease is handed to NewSession afterwards.
	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()
	grant, err := cli.Grant(dialCtx, int64(d.cfg.SessionTTL))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to grant session lease: %w", err)
	}

	sess, err := concurrency.NewSession(cli, concurrency.WithLease(grant.ID), concurrency.WithTTL(d.cfg.SessionTTL))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to create concurrency session: %w", err)
	}

	return &Session{client: cli, session: sess}, nil
}

// Session is a coordination.Session on etcd. Sequence numbers are key create
// revisions, which increase monotonically across the whole keyspace.
type Session struct {
	client  *clientv3.Client
	session *concurrency.Session
}

var _ coordination.Session = (*Session)(nil)

// ID implements coordination.Session.
func (s *Session) ID() int64 { return int64(s.session.Lease()) }

// Done implements coordination.Session.
func (s *Session) Done() <-chan struct{} { return s.session.Done() }

// Close revokes the session lease and closes the client.
func (s *Session) Close() error {
	err := s.session.Close()
	if cerr := s.client.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Session) alive() error {
	select {
	case <-s.session.Done():
		return coordination.ErrSessionExpired
	default:
		return nil
	}
}

// Create implements coordination.Session.
func (s *Session) Create(ctx context.Context, path string, data []byte, opts coordination.CreateOptions) (coordination.Node, error) {
	if err := coordination.ValidatePath(path); err != nil {
		return coordination.Node{}, fmt.Errorf("create %q: %w", path, err)
	}
	if err := s.alive(); err != nil {
		return coordination.Node{}, err
	}

	key := path
	if opts.Sequential {
		key = path + strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	var putOpts []clientv3.OpOption
	var owner int64
	if opts.Ephemeral {
		putOpts = append(putOpts, clientv3.WithLease(s.session.Lease()))
		owner = s.ID()
	}

	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(data), putOpts...)).
		Commit()
	if err != nil {
		return coordination.Node{}, translate(err)
	}
	if !resp.Succeeded {
		return coordination.Node{}, coordination.ErrNodeExists
	}

	return coordination.Node{
		Path:     key,
		Name:     coordination.BaseName(key),
		Data:     append([]byte(nil), data...),
		Sequence: resp.Header.Revision,
		Owner:    owner,
	}, nil
}

// Delete implements coordination.Session.
func (s *Session) Delete(ctx context.Context, path string) error {
	if err := s.alive(); err != nil {
		return err
	}
	resp, err := s.client.Delete(ctx, path)
	if err != nil {
		return translate(err)
	}
	if resp.Deleted == 0 {
		return coordination.ErrNoNode
	}
	return nil
}

// Get implements coordination.Session.
func (s *Session) Get(ctx context.Context, path string) (coordination.Node, error) {
	if err := s.alive(); err != nil {
		return coordination.Node{}, err
	}
	resp, err := s.client.Get(ctx, path)
	if err != nil {
		return coordination.Node{}, translate(err)
	}
	if len(resp.Kvs) == 0 {
		return coordination.Node{}, coordination.ErrNoNode
	}
	kv := resp.Kvs[0]
	return coordination.Node{
		Path:     string(kv.Key),
		Name:     coordination.BaseName(string(kv.Key)),
		Data:     kv.Value,
		Sequence: kv.CreateRevision,
		Owner:    kv.Lease,
	}, nil
}

// Exists implements coordination.Session.
func (s *Session) Exists(ctx context.Context, path string) (bool, error) {
	if err := s.alive(); err != nil {
		return false, err
	}
	resp, err := s.client.Get(ctx, path, clientv3.WithCountOnly())
	if err != nil {
		return false, translate(err)
	}
	return resp.Count > 0, nil
}

// Children implements coordination.Session.
func (s *Session) Children(ctx context.Context, parent string, watch bool) ([]coordination.Node, *coordination.Watch, error) {
	if err := s.alive(); err != nil {
		return nil, nil, err
	}
	prefix := childPrefix(parent)

	resp, err := s.client.Get(ctx, prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortAscend))
	if err != nil {
		return nil, nil, translate(err)
	}

	var children []coordination.Node
	for _, kv := range resp.Kvs {
		key := string(kv.Key)
		if !isDirectChild(prefix, key) {
			continue
		}
		children = append(children, coordination.Node{
			Path:     key,
			Name:     coordination.BaseName(key),
			Data:     kv.Value,
			Sequence: kv.CreateRevision,
			Owner:    kv.Lease,
		})
	}

	if !watch {
		return children, nil, nil
	}
	return children, s.watchChildren(parent, prefix, resp.Header.Revision+1), nil
}

// watchChildren starts a one-shot watch on direct children of parent from rev
// on, so no change between the listing and the watch is missed.
func (s *Session) watchChildren(parent, prefix string, rev int64) *coordination.Watch {
	wctx, cancel := context.WithCancel(clientv3.WithRequireLeader(context.Background()))
	wch := s.client.Watch(wctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(rev))

	out := make(chan coordination.Event, 1)
	var once sync.Once
	fire := func(ev coordination.Event) {
		once.Do(func() {
			out <- ev
			close(out)
			cancel()
		})
	}

	go func() {
		defer once.Do(func() { close(out) })
		for {
			select {
			case <-s.session.Done():
				fire(coordination.Event{Type: coordination.EventSessionLost, Path: parent})
				return
			case wresp, ok := <-wch:
				if !ok {
					return
				}
				if err := wresp.Err(); err != nil {
					// Compaction or leader loss: force the caller to re-list.
					fire(coordination.Event{Type: coordination.EventChildrenChanged, Path: parent})
					return
				}
				for _, ev := range wresp.Events {
					if isDirectChild(prefix, string(ev.Kv.Key)) {
						fire(coordination.Event{Type: coordination.EventChildrenChanged, Path: parent})
						return
					}
				}
			}
		}
	}()

	return coordination.NewWatch(out, cancel)
}

func childPrefix(parent string) string {
	if parent == "/" {
		return "/"
	}
	return parent + "/"
}

func isDirectChild(prefix, key string) bool {
	if !strings.HasPrefix(key, prefix) || len(key) == len(prefix) {
		return false
	}
	return !strings.Contains(key[len(prefix):], "/")
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, rpctypes.ErrLeaseNotFound), errors.Is(err, rpctypes.ErrGRPCLeaseNotFound):
		return fmt.Errorf("%w: %v", coordination.ErrSessionExpired, err)
	default:
		return fmt.Errorf("%w: %v", coordination.ErrConnection, err)
	}
}
