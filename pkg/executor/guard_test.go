package executor_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"leasegate/pkg/coordination"
	"leasegate/pkg/coordination/memory"
	. "leasegate/pkg/executor"
	"leasegate/pkg/executor/runner"
	"leasegate/pkg/lock"
)

const resource = "/jobs/nightly-backup"

func newManager(t *testing.T, ens *memory.Ensemble) *lock.Manager {
	t.Helper()
	client := coordination.NewClient(ens.Dialer(), coordination.ClientConfig{
		ConnectAttempts: 1,
		RetryInterval:   time.Millisecond,
		Logger:          zap.NewNop(),
	})
	m := lock.NewManager(client,
		lock.WithLogger(zap.NewNop()),
		lock.WithIdentifier("web01"),
		lock.WithRetryInterval(time.Millisecond),
	)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func lockReq(timeout time.Duration) lock.LockRequest {
	return lock.LockRequest{
		Resource:       resource,
		MaxConcurrency: 1,
		Timeout:        timeout,
		EphemeralLease: true,
	}
}

func TestGuard_RunsAndReleases(t *testing.T) {
	ens := memory.NewEnsemble()
	m := newManager(t, ens)
	g := NewGuard(m, nil, zap.NewNop())

	var stdout bytes.Buffer
	cmd := runner.Shell("echo guarded")
	cmd.Stdout = &stdout

	res, err := g.Run(context.Background(), RunRequest{Lock: lockReq(time.Second), Command: cmd})
	require.NoError(t, err)
	assert.True(t, res.Lock.Acquired)
	assert.True(t, res.Ran)
	assert.True(t, res.Released)
	assert.Equal(t, 0, res.Result.ExitCode)
	assert.Equal(t, "guarded\n", res.Result.Stdout)
	assert.Equal(t, "guarded\n", stdout.String())

	holders, err := m.Holders(context.Background(), resource)
	require.NoError(t, err)
	assert.Empty(t, holders.Holders)
}

func TestGuard_SkipsWhenSlotsAreTaken(t *testing.T) {
	ens := memory.NewEnsemble()
	other := newManager(t, ens)
	held, err := other.Lock(context.Background(), lockReq(time.Second))
	require.NoError(t, err)
	require.True(t, held.Acquired)

	g := NewGuard(newManager(t, ens), nil, zap.NewNop())
	res, err := g.Run(context.Background(), RunRequest{
		Lock:    lockReq(50 * time.Millisecond),
		Command: runner.Shell("exit 0"),
	})
	require.NoError(t, err)
	assert.False(t, res.Lock.Acquired)
	assert.False(t, res.Ran)
	assert.Equal(t, lock.CommentNotAcquired, res.Lock.Comment)
}

func TestGuard_ReleasesAfterFailedCommand(t *testing.T) {
	ens := memory.NewEnsemble()
	m := newManager(t, ens)
	g := NewGuard(m, nil, zap.NewNop())

	res, err := g.Run(context.Background(), RunRequest{
		Lock:    lockReq(time.Second),
		Command: runner.Shell("echo oops >&2; exit 3"),
	})
	require.NoError(t, err)
	assert.True(t, res.Ran)
	assert.Equal(t, 3, res.Result.ExitCode)
	assert.Equal(t, "oops\n", res.Result.Stderr)
	assert.True(t, res.Released)
}

func TestGuard_RunTimeoutKillsCommand(t *testing.T) {
	ens := memory.NewEnsemble()
	g := NewGuard(newManager(t, ens), nil, zap.NewNop())

	start := time.Now()
	res, err := g.Run(context.Background(), RunRequest{
		Lock:       lockReq(time.Second),
		Command:    runner.Shell("sleep 30"),
		RunTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, res.Result.TimedOut)
	assert.NotEqual(t, 0, res.Result.ExitCode)
	assert.True(t, res.Released)
	assert.Less(t, time.Since(start), 10*time.Second)
}

type failingLocker struct {
	lock.LockResult
	lockErr, unlockErr error
	unlocked           bool
}

func (f *failingLocker) Lock(context.Context, lock.LockRequest) (lock.LockResult, error) {
	return f.LockResult, f.lockErr
}

func (f *failingLocker) Unlock(context.Context, lock.UnlockRequest) (lock.UnlockResult, error) {
	f.unlocked = true
	return lock.UnlockResult{}, f.unlockErr
}

func TestGuard_ReportsLockAndReleaseErrors(t *testing.T) {
	unavailable := &failingLocker{lockErr: coordination.ErrConnection}
	_, err := NewGuard(unavailable, nil, zap.NewNop()).Run(context.Background(), RunRequest{
		Lock:    lockReq(time.Second),
		Command: runner.Shell("exit 0"),
	})
	assert.ErrorIs(t, err, coordination.ErrConnection)
	assert.False(t, unavailable.unlocked)

	stuck := &failingLocker{
		LockResult: lock.LockResult{Resource: resource, Acquired: true},
		unlockErr:  errors.New("store unavailable"),
	}
	res, err := NewGuard(stuck, nil, zap.NewNop()).Run(context.Background(), RunRequest{
		Lock:    lockReq(time.Second),
		Command: runner.Shell("exit 0"),
	})
	assert.Error(t, err)
	assert.True(t, res.Ran)
	assert.False(t, res.Released)
	assert.True(t, stuck.unlocked)
}

func TestGuard_RejectsDryRun(t *testing.T) {
	req := lockReq(time.Second)
	req.DryRun = true
	_, err := NewGuard(&failingLocker{}, nil, zap.NewNop()).Run(context.Background(), RunRequest{
		Lock:    req,
		Command: runner.Shell("exit 0"),
	})
	assert.Error(t, err)
}

func TestDefaultIdentifier(t *testing.T) {
	id := DetectHost(context.Background())
	assert.NotEmpty(t, id.Hostname)
	assert.Positive(t, id.CPUs)
	assert.Equal(t, id.Hostname, DefaultIdentifier(context.Background()))
}
