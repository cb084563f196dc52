// Package lock is the caller-facing facade over distributed semaphores.
// A Manager owns one coordination client and a registry of semaphores keyed
// by resource path and caller identifier; it is the explicit replacement for
// process-wide state.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"leasegate/pkg/coordination"
	"leasegate/pkg/logger"
	"leasegate/pkg/models"
	"leasegate/pkg/semaphore"
	"leasegate/pkg/storage"
)

// ErrReleaseFailed is returned when a held lease could not be deleted. The
// resource stays tracked so the release can be retried.
var ErrReleaseFailed = errors.New("lease release failed")

const (
	CommentAcquired       = "lock acquired"
	CommentNotAcquired    = "Unable to acquire lock"
	CommentDryRunLock     = "attempt to acquire lock"
	CommentDryRunUnlock   = "released lock if it is here"
	CommentReleased       = "lock released"
	CommentNotHeld        = "lease was not held, nothing to release"
	commentNoLeaseTracked = "no lease tracked for path %s"
)

// Coordinator is the session source a Manager works with.
// *coordination.Client implements it.
type Coordinator interface {
	semaphore.SessionProvider
	SessionID() int64
	Close() error
}

// LockRequest asks for a slot of Resource.
type LockRequest struct {
	Resource       string        `json:"resource"`
	MaxConcurrency int           `json:"max_concurrency"`
	Timeout        time.Duration `json:"timeout"`
	EphemeralLease bool          `json:"ephemeral_lease"`
	Identifier     string        `json:"identifier,omitempty"`
	DryRun         bool          `json:"dry_run"`
}

// LockResult reports the outcome of Lock. Pending is set in dry-run mode,
// where Acquired carries no meaning.
type LockResult struct {
	Resource string `json:"resource"`
	Acquired bool   `json:"acquired"`
	Pending  bool   `json:"pending"`
	Comment  string `json:"comment"`
	Node     string `json:"node,omitempty"`
}

// UnlockRequest releases the slot held for Resource by Identifier, which
// defaults to the manager's own.
type UnlockRequest struct {
	Resource   string `json:"resource"`
	Identifier string `json:"identifier,omitempty"`
	DryRun     bool   `json:"dry_run"`
}

// UnlockResult reports the outcome of Unlock.
type UnlockResult struct {
	Resource string `json:"resource"`
	Released bool   `json:"released"`
	Pending  bool   `json:"pending"`
	Comment  string `json:"comment"`
}

// HoldersResult lists the current lease holders of a resource.
type HoldersResult struct {
	Resource string             `json:"resource"`
	Capacity int                `json:"capacity"`
	Holders  []semaphore.Holder `json:"holders"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithEventSink sets where lease events are recorded.
func WithEventSink(s storage.EventSink) Option {
	return func(m *Manager) { m.sink = s }
}

// WithIdentifier sets the default lease payload, usually the host name.
func WithIdentifier(id string) Option {
	return func(m *Manager) { m.identifier = id }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// WithRetryInterval sets the initial backoff of store retries.
func WithRetryInterval(d time.Duration) Option {
	return func(m *Manager) { m.retryInterval = d }
}

// Manager implements lock and unlock over a shared coordination client.
type Manager struct {
	client   Coordinator
	registry *Registry

	sink          storage.EventSink
	log           *zap.Logger
	tracer        trace.Tracer
	identifier    string
	retryInterval time.Duration
}

// NewManager creates a manager. Nothing connects until the first Lock.
func NewManager(client Coordinator, opts ...Option) *Manager {
	m := &Manager{
		client:   client,
		registry: NewRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logger.Get()
	}
	m.log = m.log.With(zap.String("component", "lock"))
	if m.tracer == nil {
		m.tracer = otel.Tracer("leasegate/lock")
	}
	return m
}

// Registry exposes the tracked semaphores.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Lock blocks until a slot of req.Resource is held, req.Timeout elapses or
// ctx is done. Not acquiring within the timeout is not an error.
func (m *Manager) Lock(ctx context.Context, req LockRequest) (LockResult, error) {
	res := LockResult{Resource: req.Resource}

	if err := validate(req.Resource, req.MaxConcurrency); err != nil {
		return res, err
	}
	if req.DryRun {
		res.Pending = true
		res.Comment = CommentDryRunLock
		return res, nil
	}

	ctx, span := m.tracer.Start(ctx, "lock.acquire", trace.WithAttributes(
		attribute.String("lock.resource", req.Resource),
		attribute.Int("lock.max_concurrency", req.MaxConcurrency),
		attribute.Bool("lock.ephemeral", req.EphemeralLease),
	))
	defer span.End()

	identifier := m.resolve(req.Identifier)
	key := Key{Resource: req.Resource, Identifier: identifier}

	sem, created, err := m.registry.Checkout(key, func() (*semaphore.Semaphore, error) {
		return semaphore.New(m.client, semaphore.Config{
			Path:          req.Resource,
			Capacity:      req.MaxConcurrency,
			Identifier:    identifier,
			Policy:        semaphore.PolicyFor(req.EphemeralLease),
			RetryInterval: m.retryInterval,
			Logger:        m.log,
		})
	})
	if err != nil {
		return res, m.fail(span, err)
	}
	defer m.registry.Checkin(key, sem)
	if !created && sem.Capacity() != req.MaxConcurrency {
		return res, m.fail(span, fmt.Errorf("%w: %s is tracked with capacity %d, requested %d",
			semaphore.ErrInvalidArgument, req.Resource, sem.Capacity(), req.MaxConcurrency))
	}

	actx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	prev, _ := sem.Attempt()
	acquired, err := sem.Acquire(actx)
	att, _ := sem.Attempt()
	if err != nil {
		m.emit(ctx, sem, att, models.LeaseFailed, err.Error())
		return res, m.fail(span, err)
	}

	span.SetAttributes(attribute.Bool("lock.acquired", acquired))
	if !acquired {
		res.Comment = CommentNotAcquired
		m.emit(ctx, sem, att, models.LeaseTimedOut, res.Comment)
		return res, nil
	}

	res.Acquired = true
	res.Comment = CommentAcquired
	res.Node = att.Lease.Path
	if prev.State == semaphore.StateAcquired && prev.ID == att.ID {
		m.emit(ctx, sem, att, models.LeaseReacquired, res.Comment)
		return res, nil
	}
	m.emit(ctx, sem, att, models.LeaseAcquired, res.Comment)
	return res, nil
}

// Unlock releases the lease tracked for req.Resource and req.Identifier and
// forgets it once no Lock on it is pending. An untracked resource is
// reported as not released without an error.
func (m *Manager) Unlock(ctx context.Context, req UnlockRequest) (UnlockResult, error) {
	res := UnlockResult{Resource: req.Resource}

	if err := coordination.ValidatePath(req.Resource); err != nil {
		return res, fmt.Errorf("%w: resource path %q: %v", semaphore.ErrInvalidArgument, req.Resource, err)
	}
	if req.DryRun {
		res.Pending = true
		res.Comment = CommentDryRunUnlock
		return res, nil
	}

	key := Key{Resource: req.Resource, Identifier: m.resolve(req.Identifier)}
	sem, ok := m.registry.Get(key)
	if !ok {
		res.Comment = fmt.Sprintf(commentNoLeaseTracked, req.Resource)
		return res, nil
	}

	ctx, span := m.tracer.Start(ctx, "lock.release", trace.WithAttributes(
		attribute.String("lock.resource", req.Resource),
	))
	defer span.End()

	att, _ := sem.Attempt()
	held, err := sem.Release(ctx)
	if err != nil {
		m.emit(ctx, sem, att, models.LeaseReleaseFailed, err.Error())
		return res, m.fail(span, fmt.Errorf("%w: %w", ErrReleaseFailed, err))
	}
	m.registry.Remove(key, sem)

	res.Released = true
	if !held {
		res.Comment = CommentNotHeld
		return res, nil
	}
	res.Comment = CommentReleased
	m.emit(ctx, sem, att, models.LeaseReleased, res.Comment)
	return res, nil
}

// Holders lists the leases currently present under resource.
func (m *Manager) Holders(ctx context.Context, resource string) (HoldersResult, error) {
	res := HoldersResult{Resource: resource}
	if err := validate(resource, 1); err != nil {
		return res, err
	}

	sess, err := m.client.Connect(ctx)
	if err != nil {
		return res, err
	}

	node, err := sess.Get(ctx, resource)
	switch {
	case errors.Is(err, coordination.ErrNoNode):
		res.Holders = []semaphore.Holder{}
		return res, nil
	case err != nil:
		return res, fmt.Errorf("failed to read resource: %w", err)
	}
	res.Capacity, _ = strconv.Atoi(string(node.Data))

	res.Holders, err = semaphore.ListHolders(ctx, sess, resource)
	return res, err
}

// Cancel aborts every in-flight Lock on resource by identifier, which
// defaults to the manager's own. It reports whether any Lock was pending.
func (m *Manager) Cancel(resource, identifier string) bool {
	sem, ok := m.registry.Get(Key{Resource: resource, Identifier: m.resolve(identifier)})
	if !ok {
		return false
	}
	return sem.Cancel()
}

// Close cancels pending acquires, releases held ephemeral leases and closes
// the client. Persistent leases are kept: they outlive the process by intent
// and are freed by an explicit unlock or the reaper.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	for _, key := range m.registry.Keys() {
		sem, ok := m.registry.Get(key)
		if !ok {
			continue
		}
		sem.Cancel()
		if !sem.IsAcquired() {
			continue
		}
		if sem.Policy() != semaphore.Ephemeral {
			m.log.Info("keeping persistent lease",
				zap.String("resource", key.Resource),
				zap.String("identifier", key.Identifier))
			continue
		}
		if _, err := m.Unlock(ctx, UnlockRequest{Resource: key.Resource, Identifier: key.Identifier}); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.client.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (m *Manager) resolve(identifier string) string {
	if identifier == "" {
		return m.identifier
	}
	return identifier
}

func (m *Manager) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (m *Manager) emit(ctx context.Context, sem *semaphore.Semaphore, att semaphore.Attempt, typ models.LeaseEventType, comment string) {
	if m.sink == nil {
		return
	}
	ev := models.NewLeaseEvent(sem.Path(), typ)
	ev.Capacity = sem.Capacity()
	ev.Ephemeral = sem.Policy() == semaphore.Ephemeral
	ev.Node = att.Lease.Path
	ev.Sequence = att.Lease.Sequence
	ev.SessionID = att.SessionID
	ev.Comment = comment
	ev.Identifier = sem.Identifier()
	ev.Labels = models.Labels{"attempt_id": att.ID, "policy": sem.Policy().Name()}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		ev.Labels["trace_id"] = sc.TraceID().String()
	}

	if err := m.sink.Record(ctx, ev); err != nil {
		m.log.Warn("failed to record lease event",
			zap.String("resource", ev.Resource),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}
}

func validate(resource string, capacity int) error {
	if err := coordination.ValidatePath(resource); err != nil {
		return fmt.Errorf("%w: resource path %q: %v", semaphore.ErrInvalidArgument, resource, err)
	}
	if resource == "/" {
		return fmt.Errorf("%w: resource path must not be the root", semaphore.ErrInvalidArgument)
	}
	if capacity < 1 {
		return fmt.Errorf("%w: max_concurrency must be positive, got %d", semaphore.ErrInvalidArgument, capacity)
	}
	return nil
}
