// Package reaper removes persistent leases whose holders never released them.
// Persistent leases outlive their owner's session, so a crashed
// holder leaves its slot occupied until an operator or the reaper frees it.
package reaper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"leasegate/pkg/coordination"
	"leasegate/pkg/logger"
	"leasegate/pkg/metrics"
	"leasegate/pkg/models"
	"leasegate/pkg/semaphore"
	"leasegate/pkg/storage"
)

// DefaultGuardPath is the capacity-1 resource that serializes sweeps across
// daemons sharing a coordination service.
const DefaultGuardPath = "/leasegate/reaper"

// AcquireLookup finds when a lease node was acquired.
// *postgres.HistoryStore implements it.
type AcquireLookup interface {
	LastAcquired(ctx context.Context, node string) (*models.LeaseEvent, error)
}

// HistoryPruner drops lease history older than a cutoff.
// *postgres.HistoryStore implements it.
type HistoryPruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config controls what is swept and how often.
type Config struct {
	Schedule   string        // cron spec, e.g. "@every 1m"
	MaxAge     time.Duration // persistent leases older than this are reaped
	Resources  []string      // resource paths to sweep
	GuardPath  string
	GuardWait  time.Duration // how long a sweep waits for the guard
	Identifier string
	Logger     *zap.Logger
}

// Report summarizes one sweep.
type Report struct {
	Skipped  bool     `json:"skipped"`
	Scanned  int      `json:"scanned"`
	Reaped   []string `json:"reaped"`
	Archived []string `json:"archived,omitempty"`
	Pruned   int64    `json:"pruned,omitempty"`
}

// Record is what gets archived for every reaped lease.
type Record struct {
	Resource   string           `json:"resource"`
	Holder     semaphore.Holder `json:"holder"`
	AcquiredAt time.Time        `json:"acquired_at"`
	ReapedAt   time.Time        `json:"reaped_at"`
	Age        string           `json:"age"`
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithArchive stores a record of every reaped lease.
func WithArchive(a storage.Archive) Option {
	return func(r *Reaper) { r.archive = a }
}

// WithEventSink records a REAPED event for every reaped lease.
func WithEventSink(s storage.EventSink) Option {
	return func(r *Reaper) { r.sink = s }
}

// WithAcquireLookup dates leases from the lease history instead of the time
// this process first saw them.
func WithAcquireLookup(l AcquireLookup) Option {
	return func(r *Reaper) { r.lookup = l }
}

// WithHistoryRetention prunes lease history older than retention on every
// sweep that holds the guard.
func WithHistoryRetention(p HistoryPruner, retention time.Duration) Option {
	return func(r *Reaper) {
		r.pruner = p
		r.retention = retention
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// Reaper periodically deletes stale persistent leases.
type Reaper struct {
	sessions semaphore.SessionProvider
	cfg      Config
	guard    *semaphore.Semaphore
	log      *zap.Logger

	archive storage.Archive
	sink    storage.EventSink
	lookup  AcquireLookup
	now     func() time.Time

	pruner    HistoryPruner
	retention time.Duration

	cron *cron.Cron

	// held for the whole of a sweep in this process
	sweepMu sync.Mutex

	mu        sync.Mutex
	firstSeen map[string]time.Time
}

// New builds a reaper. Nothing runs until Start or Sweep.
func New(sessions semaphore.SessionProvider, cfg Config, opts ...Option) (*Reaper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.MaxAge <= 0 {
		return nil, fmt.Errorf("%w: max age must be positive", semaphore.ErrInvalidArgument)
	}
	if cfg.GuardPath == "" {
		cfg.GuardPath = DefaultGuardPath
	}
	if cfg.GuardWait <= 0 {
		cfg.GuardWait = 2 * time.Second
	}
	for _, res := range cfg.Resources {
		if err := coordination.ValidatePath(res); err != nil {
			return nil, fmt.Errorf("%w: reaper resource %q: %v", semaphore.ErrInvalidArgument, res, err)
		}
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Get()
	}
	log = log.With(zap.String("component", "reaper"))

	guard, err := semaphore.New(sessions, semaphore.Config{
		Path:       cfg.GuardPath,
		Capacity:   1,
		Identifier: cfg.Identifier,
		Policy:     semaphore.Ephemeral,
		Logger:     log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reaper guard: %w", err)
	}

	r := &Reaper{
		sessions:  sessions,
		cfg:       cfg,
		guard:     guard,
		log:       log,
		now:       time.Now,
		firstSeen: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Start schedules sweeps. ctx bounds every scheduled sweep.
func (r *Reaper) Start(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(r.cfg.Schedule, func() {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid reaper schedule %q: %w", r.cfg.Schedule, err)
	}
	r.cron = c
	c.Start()
	r.log.Info("reaper started",
		zap.String("schedule", r.cfg.Schedule),
		zap.Duration("max_age", r.cfg.MaxAge),
		zap.Strings("resources", r.cfg.Resources))
	return nil
}

// Stop waits for a running sweep to finish or ctx to expire.
func (r *Reaper) Stop(ctx context.Context) {
	if r.cron == nil {
		return
	}
	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Sweep reaps stale persistent leases once. It is skipped when another
// sweep of this reaper is running or another daemon holds the guard.
func (r *Reaper) Sweep(ctx context.Context) (Report, error) {
	var report Report

	if !r.sweepMu.TryLock() {
		report.Skipped = true
		metrics.ReaperSweeps.WithLabelValues("skipped").Inc()
		r.log.Debug("sweep already running")
		return report, nil
	}
	defer r.sweepMu.Unlock()

	gctx, cancel := context.WithTimeout(ctx, r.cfg.GuardWait)
	held, err := r.guard.Acquire(gctx)
	cancel()
	if err != nil {
		metrics.ReaperSweeps.WithLabelValues("failed").Inc()
		return report, fmt.Errorf("failed to acquire reaper guard: %w", err)
	}
	if !held {
		report.Skipped = true
		metrics.ReaperSweeps.WithLabelValues("skipped").Inc()
		r.log.Debug("another reaper is sweeping")
		return report, nil
	}
	defer func() {
		if _, err := r.guard.Release(context.WithoutCancel(ctx)); err != nil {
			r.log.Warn("failed to release reaper guard", zap.Error(err))
		}
	}()

	sess, err := r.sessions.Connect(ctx)
	if err != nil {
		metrics.ReaperSweeps.WithLabelValues("failed").Inc()
		return report, err
	}

	var errs []error
	seen := make(map[string]struct{})
	for _, resource := range r.cfg.Resources {
		if err := r.sweepResource(ctx, sess, resource, seen, &report); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", resource, err))
		}
	}
	r.forgetMissing(seen)

	if r.pruner != nil && r.retention > 0 {
		n, err := r.pruner.Prune(ctx, r.now().Add(-r.retention))
		if err != nil {
			errs = append(errs, fmt.Errorf("history prune: %w", err))
		}
		report.Pruned = n
	}

	if err := errors.Join(errs...); err != nil {
		metrics.ReaperSweeps.WithLabelValues("failed").Inc()
		return report, err
	}
	metrics.ReaperSweeps.WithLabelValues("ok").Inc()
	if len(report.Reaped) > 0 {
		r.log.Info("sweep finished", zap.Int("scanned", report.Scanned), zap.Int("reaped", len(report.Reaped)))
	}
	return report, nil
}

func (r *Reaper) sweepResource(ctx context.Context, sess coordination.Session, resource string, seen map[string]struct{}, report *Report) error {
	holders, err := semaphore.ListHolders(ctx, sess, resource)
	if errors.Is(err, coordination.ErrNoNode) {
		return nil
	}
	if err != nil {
		return err
	}

	now := r.now()
	for _, h := range holders {
		if h.Ephemeral {
			continue
		}
		report.Scanned++
		seen[h.Node] = struct{}{}

		acquiredAt := r.acquiredAt(ctx, h.Node, now)
		age := now.Sub(acquiredAt)
		if age < r.cfg.MaxAge {
			continue
		}

		err := sess.Delete(ctx, h.Node)
		if errors.Is(err, coordination.ErrNoNode) {
			// released or reaped elsewhere since the listing
			r.forget(h.Node)
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to delete %s: %w", h.Node, err)
		}
		metrics.LeasesReaped.Inc()
		report.Reaped = append(report.Reaped, h.Node)
		r.forget(h.Node)

		rec := Record{Resource: resource, Holder: h, AcquiredAt: acquiredAt, ReapedAt: now, Age: age.Round(time.Second).String()}
		r.log.Warn("reaped stale persistent lease",
			zap.String("resource", resource),
			zap.String("lease", h.Node),
			zap.String("identifier", h.Identifier),
			zap.Duration("age", age))

		if ref := r.store(ctx, rec); ref != "" {
			report.Archived = append(report.Archived, ref)
		}
		r.emit(ctx, rec)
	}
	return nil
}

// acquiredAt dates a lease from history when possible, falling back to the
// first time this process saw it.
func (r *Reaper) acquiredAt(ctx context.Context, node string, now time.Time) time.Time {
	if r.lookup != nil {
		ev, err := r.lookup.LastAcquired(ctx, node)
		switch {
		case err == nil:
			return ev.OccurredAt
		case !errors.Is(err, storage.ErrNotFound):
			r.log.Warn("lease history lookup failed", zap.String("lease", node), zap.Error(err))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.firstSeen[node]; ok {
		return t
	}
	r.firstSeen[node] = now
	return now
}

func (r *Reaper) forget(node string) {
	r.mu.Lock()
	delete(r.firstSeen, node)
	r.mu.Unlock()
}

func (r *Reaper) forgetMissing(seen map[string]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for node := range r.firstSeen {
		if _, ok := seen[node]; !ok {
			delete(r.firstSeen, node)
		}
	}
}

func (r *Reaper) store(ctx context.Context, rec Record) string {
	if r.archive == nil {
		return ""
	}
	data, err := json.Marshal(rec)
	if err != nil {
		r.log.Error("failed to encode reaped lease", zap.Error(err))
		return ""
	}
	ref, err := r.archive.Store(ctx, rec.Resource+"/"+coordination.BaseName(rec.Holder.Node), data)
	if err != nil {
		r.log.Warn("failed to archive reaped lease", zap.String("lease", rec.Holder.Node), zap.Error(err))
		return ""
	}
	return ref
}

func (r *Reaper) emit(ctx context.Context, rec Record) {
	if r.sink == nil {
		return
	}
	ev := models.NewLeaseEvent(rec.Resource, models.LeaseReaped)
	ev.Identifier = rec.Holder.Identifier
	ev.Node = rec.Holder.Node
	ev.Sequence = rec.Holder.Sequence
	ev.Comment = "stale persistent lease reaped after " + rec.Age
	ev.OccurredAt = rec.ReapedAt
	ev.Labels = models.Labels{"reaper": r.cfg.Identifier}
	if err := r.sink.Record(ctx, ev); err != nil {
		r.log.Warn("failed to record reap event", zap.String("lease", rec.Holder.Node), zap.Error(err))
	}
}
