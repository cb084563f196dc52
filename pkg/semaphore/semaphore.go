// Package semaphore implements a distributed counting semaphore on top of a
// hierarchical coordination service.
//
// A resource at path P is laid out as
//
//	P                 persistent, payload = capacity
//	P/queue/<ticket>  ephemeral+sequential, one per waiting attempt
//	P/leases/<lease>  sequential, ownership decided by the NodePolicy
//
// A waiter may create a lease only while its ticket ranks below the number of
// free slots, and keeps it only if the lease ranks among the first capacity
// leases by sequence. Waiting is driven by one-shot watches on both lists.
package semaphore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"leasegate/pkg/coordination"
	"leasegate/pkg/logger"
	"leasegate/pkg/metrics"
)

const (
	queueDir  = "queue"
	leasesDir = "leases"

	cleanupTimeout = 5 * time.Second
)

// SessionProvider hands out the current coordination session.
// *coordination.Client implements it.
type SessionProvider interface {
	Connect(ctx context.Context) (coordination.Session, error)
}

// Config describes one semaphore resource.
type Config struct {
	Path       string
	Capacity   int
	Identifier string
	Policy     NodePolicy
	// RetryAttempts bounds retries of a store operation when the caller set
	// no deadline. With a deadline, retries run until it expires.
	RetryAttempts int
	RetryInterval time.Duration
	Logger        *zap.Logger
}

// Semaphore negotiates at most one lease for its resource on behalf of this
// process. Acquire and Release calls are serialized.
type Semaphore struct {
	sessions SessionProvider
	cfg      Config
	log      *zap.Logger

	gate chan struct{}

	mu      sync.Mutex
	attempt *Attempt
	// one entry per Acquire call between entry and return, gate waiters included
	waiters map[uint64]context.CancelFunc
	nextID  uint64
}

// New validates cfg and returns an idle semaphore.
func New(sessions SessionProvider, cfg Config) (*Semaphore, error) {
	if err := coordination.ValidatePath(cfg.Path); err != nil {
		return nil, fmt.Errorf("%w: resource path %q: %v", ErrInvalidArgument, cfg.Path, err)
	}
	if cfg.Path == "/" {
		return nil, fmt.Errorf("%w: resource path must not be the root", ErrInvalidArgument)
	}
	if cfg.Capacity < 1 {
		return nil, fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidArgument, cfg.Capacity)
	}
	if cfg.Policy == nil {
		cfg.Policy = Ephemeral
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 5
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 100 * time.Millisecond
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Get()
	}

	return &Semaphore{
		sessions: sessions,
		cfg:      cfg,
		log: log.With(
			zap.String("resource", cfg.Path),
			zap.Int("capacity", cfg.Capacity),
			zap.String("policy", cfg.Policy.Name()),
		),
		gate:    make(chan struct{}, 1),
		waiters: make(map[uint64]context.CancelFunc),
	}, nil
}

// Path returns the resource path.
func (s *Semaphore) Path() string { return s.cfg.Path }

// Capacity returns the maximum number of concurrent leases.
func (s *Semaphore) Capacity() int { return s.cfg.Capacity }

// Identifier returns the payload written into queue and lease nodes.
func (s *Semaphore) Identifier() string { return s.cfg.Identifier }

// Policy returns the lease ownership policy.
func (s *Semaphore) Policy() NodePolicy { return s.cfg.Policy }

// Attempt returns a copy of the latest attempt, if any.
func (s *Semaphore) Attempt() (Attempt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempt == nil {
		return Attempt{}, false
	}
	return *s.attempt, true
}

// IsAcquired reports whether the latest attempt holds a lease.
func (s *Semaphore) IsAcquired() bool {
	a, ok := s.Attempt()
	return ok && a.State == StateAcquired
}

// Cancel aborts every in-flight Acquire, including calls still waiting for
// their turn behind another one. Any node they already created is removed.
// It reports whether there was anything to cancel.
func (s *Semaphore) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.waiters {
		cancel()
	}
	return len(s.waiters) > 0
}

// Pending returns the number of Acquire calls in flight.
func (s *Semaphore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}

// register makes an Acquire call cancellable and returns its deregistration.
func (s *Semaphore) register(cancel context.CancelFunc) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.waiters[id] = cancel
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.waiters, id)
		s.mu.Unlock()
		cancel()
	}
}

func (s *Semaphore) lockGate(ctx context.Context) error {
	select {
	case s.gate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	// both cases may have been ready
	if err := ctx.Err(); err != nil {
		<-s.gate
		return err
	}
	return nil
}

func (s *Semaphore) unlockGate() { <-s.gate }

func (s *Semaphore) setState(a *Attempt, st State) {
	s.mu.Lock()
	a.State = st
	s.mu.Unlock()
}

// Acquire blocks until a lease is held, ctx expires or the attempt is
// cancelled. A deadline bounds the whole call, retries included.
//
// It returns (true, nil) once acquired, (false, nil) when the deadline
// expired, and (false, err) for cancellation and terminal failures. Calling
// Acquire while a valid lease is held returns true without a second node.
func (s *Semaphore) Acquire(ctx context.Context) (bool, error) {
	start := time.Now()
	actx, cancel := context.WithCancel(ctx)
	defer s.register(cancel)()

	if err := s.lockGate(actx); err != nil {
		return s.finish(start, nil, false, err)
	}
	defer s.unlockGate()

	held, err := s.revalidate(actx)
	if err != nil {
		return s.finish(start, nil, false, err)
	}
	if held {
		return true, nil
	}

	att := &Attempt{
		ID:        uuid.NewString(),
		State:     StateIdle,
		StartedAt: start,
	}
	s.mu.Lock()
	s.attempt = att
	s.mu.Unlock()

	acquired, err := s.negotiate(actx, att)
	if !acquired {
		s.abandon(ctx, att)
	}
	return s.finish(start, att, acquired, err)
}

// finish maps the negotiation result onto the attempt state and caller result.
func (s *Semaphore) finish(start time.Time, att *Attempt, acquired bool, err error) (bool, error) {
	wait := time.Since(start).Seconds()
	switch {
	case acquired:
		if att != nil {
			s.mu.Lock()
			att.State = StateAcquired
			att.AcquiredAt = time.Now()
			s.mu.Unlock()
		}
		metrics.LeasesHeld.Inc()
		metrics.RecordAcquire("acquired", wait)
		s.log.Info("lease acquired",
			zap.String("lease", att.Lease.Path),
			zap.Int64("sequence", att.Lease.Sequence),
			zap.Duration("waited", time.Since(start)))
		return true, nil

	case errors.Is(err, context.DeadlineExceeded):
		if att != nil {
			s.setState(att, StateTimedOut)
		}
		metrics.RecordAcquire("timeout", wait)
		s.log.Info("lease not acquired before deadline", zap.Duration("waited", time.Since(start)))
		return false, nil

	case errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled):
		if att != nil {
			s.setState(att, StateCancelled)
		}
		metrics.RecordAcquire("cancelled", wait)
		s.log.Info("lease attempt cancelled")
		return false, ErrCancelled

	default:
		if att != nil {
			s.setState(att, StateFailed)
		}
		metrics.RecordAcquire("failed", wait)
		s.log.Warn("lease attempt failed", zap.Error(err))
		return false, err
	}
}

// revalidate checks a lease held from an earlier Acquire. A lease whose
// session died or whose node vanished is dropped so negotiation restarts.
func (s *Semaphore) revalidate(ctx context.Context) (bool, error) {
	s.mu.Lock()
	att := s.attempt
	held := att != nil && att.State == StateAcquired
	s.mu.Unlock()
	if !held {
		return false, nil
	}

	sess, err := s.sessions.Connect(ctx)
	if err != nil {
		return false, err
	}

	valid := true
	if att.Lease.Owner != 0 && att.Lease.Owner != sess.ID() {
		valid = false
	} else {
		exists, err := retry(ctx, s, func() (bool, error) {
			return sess.Exists(ctx, att.Lease.Path)
		})
		if err != nil {
			return false, err
		}
		valid = exists
	}

	if valid {
		s.log.Debug("lease already held", zap.String("lease", att.Lease.Path))
		return true, nil
	}

	s.log.Warn("held lease lost, renegotiating", zap.String("lease", att.Lease.Path))
	s.setState(att, StateFailed)
	metrics.LeasesHeld.Dec()
	return false, nil
}

func (s *Semaphore) negotiate(ctx context.Context, att *Attempt) (bool, error) {
	sess, err := s.sessions.Connect(ctx)
	if err != nil {
		return false, err
	}
	att.SessionID = sess.ID()

	if err := s.ensureResource(ctx, sess); err != nil {
		return false, err
	}

	s.setState(att, StateAwaitingLease)
	queuePath := coordination.JoinPath(s.cfg.Path, queueDir)
	leasesPath := coordination.JoinPath(s.cfg.Path, leasesDir)

	ticket, err := s.createOwned(ctx, sess, queuePath, att.ID,
		coordination.CreateOptions{Ephemeral: true, Sequential: true})
	if err != nil {
		return false, fmt.Errorf("failed to enqueue: %w", err)
	}
	att.Ticket = ticket
	s.log.Debug("enqueued", zap.String("ticket", ticket.Path), zap.Int64("sequence", ticket.Sequence))

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		leases, err := s.list(ctx, sess, leasesPath, true)
		if err != nil {
			return false, err
		}
		queue, err := s.list(ctx, sess, queuePath, true)
		if err != nil {
			leases.watch.Stop()
			return false, err
		}

		rank := queueRank(queue.nodes, leases.nodes, ticket.Path)
		if rank < 0 {
			leases.watch.Stop()
			queue.watch.Stop()
			return false, fmt.Errorf("ticket %s vanished: %w", ticket.Path, coordination.ErrSessionExpired)
		}

		free := s.cfg.Capacity - len(leases.nodes)
		if rank < free {
			leases.watch.Stop()
			queue.watch.Stop()

			won, err := s.claim(ctx, sess, att, leasesPath)
			if err != nil {
				return false, err
			}
			if won {
				cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
				s.dropTicket(cctx, sess, att)
				cancel()
				return true, nil
			}
			continue
		}

		s.log.Debug("waiting for a free slot",
			zap.Int("rank", rank),
			zap.Int("leases", len(leases.nodes)))

		select {
		case <-leases.watch.C:
		case <-queue.watch.C:
		case <-sess.Done():
			leases.watch.Stop()
			queue.watch.Stop()
			return false, coordination.ErrSessionExpired
		case <-ctx.Done():
			leases.watch.Stop()
			queue.watch.Stop()
			return false, ctx.Err()
		}
		leases.watch.Stop()
		queue.watch.Stop()
	}
}

// claim creates a lease node and keeps it only if it ranks within capacity.
func (s *Semaphore) claim(ctx context.Context, sess coordination.Session, att *Attempt, leasesPath string) (bool, error) {
	lease, err := s.createOwned(ctx, sess, leasesPath, att.ID, s.cfg.Policy.LeaseOptions())
	if err != nil {
		return false, fmt.Errorf("failed to create lease: %w", err)
	}
	s.mu.Lock()
	att.Lease = lease
	s.mu.Unlock()
	// cancelled while the create was in flight: abandon removes the lease
	if err := ctx.Err(); err != nil {
		return false, err
	}

	current, err := s.list(ctx, sess, leasesPath, false)
	if err != nil {
		return false, err
	}
	pos := indexOf(current.nodes, lease.Path)
	if pos >= 0 && pos < s.cfg.Capacity {
		return true, nil
	}
	if pos < 0 {
		if lease.Owner != 0 {
			return false, fmt.Errorf("lease %s vanished: %w", lease.Path, coordination.ErrSessionExpired)
		}
		s.log.Warn("lease removed before verification", zap.String("lease", lease.Path))
	} else {
		metrics.CapacityRaces.Inc()
		s.log.Debug("withdrawing lease",
			zap.String("lease", lease.Path),
			zap.Int("position", pos),
			zap.Error(ErrCapacityRace))
	}

	err = s.deleteNode(ctx, sess, lease.Path)
	if err != nil {
		return false, fmt.Errorf("failed to withdraw lease: %w", err)
	}
	s.mu.Lock()
	att.Lease = coordination.Node{}
	s.mu.Unlock()
	return false, nil
}

// ensureResource creates the resource node carrying the capacity, or checks
// that an existing one agrees with ours.
func (s *Semaphore) ensureResource(ctx context.Context, sess coordination.Session) error {
	want := strconv.Itoa(s.cfg.Capacity)
	_, err := retry(ctx, s, func() (coordination.Node, error) {
		return sess.Create(ctx, s.cfg.Path, []byte(want), coordination.CreateOptions{})
	})
	if err == nil {
		return nil
	}
	if !errors.Is(err, coordination.ErrNodeExists) {
		return fmt.Errorf("failed to create resource node: %w", err)
	}

	node, err := retry(ctx, s, func() (coordination.Node, error) {
		return sess.Get(ctx, s.cfg.Path)
	})
	if errors.Is(err, coordination.ErrNoNode) {
		return s.ensureResource(ctx, sess)
	}
	if err != nil {
		return fmt.Errorf("failed to read resource node: %w", err)
	}
	if string(node.Data) != want {
		return fmt.Errorf("%w %s: stored %q, requested %s (%w)",
			ErrCapacityMismatch, s.cfg.Path, node.Data, want, ErrInvalidArgument)
	}
	return nil
}

// createOwned creates a sequential node named after prefix. After a failed
// try the directory is searched for a node created by that try, so a lost
// response never leaves a duplicate behind.
func (s *Semaphore) createOwned(ctx context.Context, sess coordination.Session, dir, prefix string, opts coordination.CreateOptions) (coordination.Node, error) {
	tried := false
	return retry(ctx, s, func() (coordination.Node, error) {
		if tried {
			children, _, err := sess.Children(ctx, dir, false)
			if err != nil {
				return coordination.Node{}, err
			}
			for _, n := range children {
				if strings.HasPrefix(n.Name, prefix+"-") {
					return n, nil
				}
			}
		}
		tried = true
		return sess.Create(ctx, coordination.JoinPath(dir, prefix+"-"), []byte(s.cfg.Identifier), opts)
	})
}

type listing struct {
	nodes []coordination.Node
	watch *coordination.Watch
}

func (s *Semaphore) list(ctx context.Context, sess coordination.Session, dir string, watch bool) (listing, error) {
	return retry(ctx, s, func() (listing, error) {
		nodes, w, err := sess.Children(ctx, dir, watch)
		return listing{nodes: nodes, watch: w}, err
	})
}

func (s *Semaphore) deleteNode(ctx context.Context, sess coordination.Session, path string) error {
	_, err := retry(ctx, s, func() (struct{}, error) {
		return struct{}{}, sess.Delete(ctx, path)
	})
	if errors.Is(err, coordination.ErrNoNode) {
		return nil
	}
	return err
}

func (s *Semaphore) dropTicket(ctx context.Context, sess coordination.Session, att *Attempt) {
	if att.Ticket.Path == "" {
		return
	}
	if err := s.deleteNode(ctx, sess, att.Ticket.Path); err != nil {
		// The ticket is ephemeral; at worst it lingers until the session ends.
		s.log.Warn("failed to remove queue ticket", zap.String("ticket", att.Ticket.Path), zap.Error(err))
		return
	}
	att.Ticket = coordination.Node{}
}

// abandon removes whatever an unsuccessful attempt left behind, including a
// node whose create raced with cancellation. It runs on a fresh context
// because the caller's one is usually already done, and on a fresh session
// because a persistent lease outlives the one that created it.
func (s *Semaphore) abandon(parent context.Context, att *Attempt) {
	if att.SessionID == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), cleanupTimeout)
	defer cancel()

	sess, err := s.sessions.Connect(ctx)
	if err != nil {
		s.log.Warn("failed to clean up abandoned attempt", zap.Error(err))
		return
	}

	for _, dir := range []string{leasesDir, queueDir} {
		dirPath := coordination.JoinPath(s.cfg.Path, dir)
		children, _, err := sess.Children(ctx, dirPath, false)
		if err != nil {
			s.log.Warn("failed to list abandoned nodes", zap.String("dir", dirPath), zap.Error(err))
			continue
		}
		for _, n := range children {
			if ownerOf(n.Name) != att.ID {
				continue
			}
			if err := s.deleteNode(ctx, sess, n.Path); err != nil {
				s.log.Warn("failed to remove abandoned node", zap.String("node", n.Path), zap.Error(err))
				continue
			}
			s.log.Debug("removed abandoned node", zap.String("node", n.Path))
		}
	}

	s.mu.Lock()
	att.Ticket = coordination.Node{}
	att.Lease = coordination.Node{}
	s.mu.Unlock()
}

// Release deletes the held lease. Releasing when nothing is held is a no-op
// and reports false with a nil error; it does not wait behind a pending
// Acquire.
func (s *Semaphore) Release(ctx context.Context) (bool, error) {
	if !s.IsAcquired() {
		metrics.RecordRelease("noop")
		return false, nil
	}
	if err := s.lockGate(ctx); err != nil {
		return false, err
	}
	defer s.unlockGate()

	s.mu.Lock()
	att := s.attempt
	held := att != nil && att.State == StateAcquired
	s.mu.Unlock()
	if !held {
		metrics.RecordRelease("noop")
		return false, nil
	}

	sess, err := s.sessions.Connect(ctx)
	if err != nil {
		metrics.RecordRelease("failed")
		return false, fmt.Errorf("failed to release lease %s: %w", att.Lease.Path, err)
	}
	if err := s.deleteNode(ctx, sess, att.Lease.Path); err != nil {
		metrics.RecordRelease("failed")
		return false, fmt.Errorf("failed to release lease %s: %w", att.Lease.Path, err)
	}

	s.setState(att, StateReleased)
	metrics.LeasesHeld.Dec()
	metrics.RecordRelease("released")
	s.log.Info("lease released", zap.String("lease", att.Lease.Path))
	return true, nil
}

// Holders lists the lease nodes under the resource in sequence order.
func (s *Semaphore) Holders(ctx context.Context) ([]Holder, error) {
	sess, err := s.sessions.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return ListHolders(ctx, sess, s.cfg.Path)
}

// ListHolders lists the lease nodes under any resource path.
func ListHolders(ctx context.Context, sess coordination.Session, resource string) ([]Holder, error) {
	nodes, _, err := sess.Children(ctx, coordination.JoinPath(resource, leasesDir), false)
	if err != nil {
		return nil, fmt.Errorf("failed to list holders: %w", err)
	}
	holders := make([]Holder, 0, len(nodes))
	for _, n := range nodes {
		holders = append(holders, Holder{
			Identifier: string(n.Data),
			Node:       n.Path,
			Sequence:   n.Sequence,
			Ephemeral:  n.Owner != 0,
		})
	}
	return holders, nil
}

// LeasesPath returns the directory holding the lease nodes of resource.
func LeasesPath(resource string) string {
	return coordination.JoinPath(resource, leasesDir)
}

// queueRank is the number of waiting tickets ahead of ticket. Tickets of
// attempts that already own a lease are not waiting and are skipped.
func queueRank(queue, leases []coordination.Node, ticket string) int {
	owners := make(map[string]struct{}, len(leases))
	for _, l := range leases {
		owners[ownerOf(l.Name)] = struct{}{}
	}
	rank := 0
	for _, t := range queue {
		if t.Path == ticket {
			return rank
		}
		if _, ok := owners[ownerOf(t.Name)]; !ok {
			rank++
		}
	}
	return -1
}

// ownerOf extracts the attempt id from a node name "<attempt>-<suffix>".
func ownerOf(name string) string {
	if i := strings.LastIndexByte(name, '-'); i > 0 {
		return name[:i]
	}
	return name
}

func indexOf(nodes []coordination.Node, path string) int {
	for i, n := range nodes {
		if n.Path == path {
			return i
		}
	}
	return -1
}

// retry runs op with exponential backoff while it fails with a connection
// error. Without a deadline on ctx the number of tries is bounded.
func retry[T any](ctx context.Context, s *Semaphore, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInterval
	b.MaxInterval = 2 * time.Second

	tries := uint(s.cfg.RetryAttempts)
	if _, ok := ctx.Deadline(); ok {
		tries = 0
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !errors.Is(err, coordination.ErrConnection) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(tries), backoff.WithMaxElapsedTime(0))
}
