// Package executor runs commands while holding a lease, so at most
// max_concurrency copies of a job run across the fleet at once.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"leasegate/pkg/executor/runner"
	"leasegate/pkg/lock"
	"leasegate/pkg/logger"
	"leasegate/pkg/metrics"
	tracing "leasegate/pkg/observability"
)

// Locker is the part of *lock.Manager a Guard needs.
type Locker interface {
	Lock(ctx context.Context, req lock.LockRequest) (lock.LockResult, error)
	Unlock(ctx context.Context, req lock.UnlockRequest) (lock.UnlockResult, error)
}

// RunRequest pairs a lock request with the command run under it.
type RunRequest struct {
	Lock    lock.LockRequest
	Command runner.Command
	// RunTimeout bounds the command, not the wait for the lease. Zero is unbounded.
	RunTimeout time.Duration
}

// RunResult reports what happened. Ran is false when no lease was acquired,
// in which case Result is empty.
type RunResult struct {
	Lock     lock.LockResult `json:"lock"`
	Ran      bool            `json:"ran"`
	Result   runner.Result   `json:"-"`
	Released bool            `json:"released"`
}

// Guard acquires a lease, runs a command and always releases the lease.
type Guard struct {
	locker         Locker
	runner         runner.CommandRunner
	log            *zap.Logger
	releaseTimeout time.Duration
}

// NewGuard creates a guard. A nil runner defaults to a ShellRunner.
func NewGuard(locker Locker, r runner.CommandRunner, log *zap.Logger) *Guard {
	if r == nil {
		r = runner.NewShellRunner()
	}
	if log == nil {
		log = logger.Get()
	}
	return &Guard{
		locker:         locker,
		runner:         r,
		log:            log.With(zap.String("component", "executor")),
		releaseTimeout: 10 * time.Second,
	}
}

// Run executes req.Command while holding a slot of req.Lock.Resource. Not
// getting a slot in time is not an error. A non-zero exit code is reported
// through RunResult, while lock and release failures are returned as errors.
func (g *Guard) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	var out RunResult
	if req.Lock.DryRun {
		return out, errors.New("dry run is not supported for guarded runs")
	}

	lres, err := g.locker.Lock(ctx, req.Lock)
	out.Lock = lres
	if err != nil {
		return out, fmt.Errorf("failed to lock %s: %w", req.Lock.Resource, err)
	}
	if !lres.Acquired {
		g.log.Info("lease not acquired, skipping command",
			zap.String("resource", req.Lock.Resource),
			zap.Duration("timeout", req.Lock.Timeout))
		return out, nil
	}

	log := g.log.With(zap.String("resource", req.Lock.Resource), zap.String("node", lres.Node))
	log.Info("running command under lease", zap.String("command", req.Command.Name))

	runCtx := ctx
	if req.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.RunTimeout)
		defer cancel()
	}
	out.Result = g.runner.Run(runCtx, req.Command)
	out.Ran = true

	status := runStatus(out.Result)
	metrics.GuardedRunDuration.WithLabelValues(status).Observe(out.Result.Duration.Seconds())
	log.Info("command finished",
		zap.String("status", status),
		zap.Int("exit_code", out.Result.ExitCode),
		zap.Duration("duration", out.Result.Duration))

	// the lease is released even when the caller has given up
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.releaseTimeout)
	defer cancel()
	ures, err := g.locker.Unlock(rctx, lock.UnlockRequest{Resource: req.Lock.Resource})
	out.Released = ures.Released
	if err != nil {
		tracing.SetError(ctx, err)
		log.Error("failed to release lease after run", zap.Error(err))
		return out, fmt.Errorf("failed to release %s: %w", req.Lock.Resource, err)
	}
	return out, nil
}

func runStatus(r runner.Result) string {
	switch {
	case r.TimedOut:
		return "timeout"
	case r.ExitCode != 0 || r.Error != nil:
		return "failed"
	default:
		return "success"
	}
}
