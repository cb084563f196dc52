package coordination_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"leasegate/pkg/coordination"
	"leasegate/pkg/coordination/memory"
	"leasegate/pkg/resilience"
)

func newClient(d coordination.Dialer, attempts int, breaker *resilience.CircuitBreaker) *coordination.Client {
	return coordination.NewClient(d, coordination.ClientConfig{
		ConnectAttempts: attempts,
		RetryInterval:   time.Millisecond,
		Breaker:         breaker,
		Logger:          zap.NewNop(),
	})
}

func TestClient_ConnectIsLazyAndIdempotent(t *testing.T) {
	ens := memory.NewEnsemble()
	c := newClient(ens.Dialer(), 1, nil)
	defer c.Close()

	assert.Zero(t, c.SessionID())
	assert.Empty(t, ens.Sessions())

	s1, err := c.Connect(context.Background())
	require.NoError(t, err)
	s2, err := c.Connect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, s1.ID(), s2.ID())
	assert.Len(t, ens.Sessions(), 1)
}

func TestClient_ReconnectsWithNewIdentityAfterExpiry(t *testing.T) {
	ens := memory.NewEnsemble()
	c := newClient(ens.Dialer(), 1, nil)
	defer c.Close()

	s1, err := c.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, ens.Expire(s1.ID()))

	s2, err := c.Connect(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, s1.ID(), s2.ID())
	assert.Equal(t, s2.ID(), c.SessionID())
}

func TestClient_RetriesDialThenFails(t *testing.T) {
	var dials int32
	d := coordination.DialerFunc(func(ctx context.Context) (coordination.Session, error) {
		atomic.AddInt32(&dials, 1)
		return nil, errors.New("connection refused")
	})
	c := newClient(d, 3, nil)

	_, err := c.Connect(context.Background())
	assert.ErrorIs(t, err, coordination.ErrConnection)
	assert.Equal(t, int32(3), atomic.LoadInt32(&dials))
}

func TestClient_RecoversOnLaterAttempt(t *testing.T) {
	ens := memory.NewEnsemble()
	var dials int32
	d := coordination.DialerFunc(func(ctx context.Context) (coordination.Session, error) {
		if atomic.AddInt32(&dials, 1) == 1 {
			return nil, errors.New("no leader")
		}
		return ens.Dial(ctx)
	})
	c := newClient(d, 3, nil)
	defer c.Close()

	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&dials))
}

func TestClient_BreakerFailsFast(t *testing.T) {
	var dials int32
	d := coordination.DialerFunc(func(ctx context.Context) (coordination.Session, error) {
		atomic.AddInt32(&dials, 1)
		return nil, errors.New("connection refused")
	})
	breaker := resilience.NewCircuitBreaker("coordination", resilience.CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		MaxRequests:      1,
	})
	c := newClient(d, 5, breaker)

	_, err := c.Connect(context.Background())
	assert.ErrorIs(t, err, coordination.ErrConnection)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(2), atomic.LoadInt32(&dials))
}

func TestClient_CloseRejectsConnect(t *testing.T) {
	ens := memory.NewEnsemble()
	c := newClient(ens.Dialer(), 1, nil)

	s, err := c.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = c.Connect(context.Background())
	assert.ErrorIs(t, err, coordination.ErrClosed)
	select {
	case <-s.Done():
	default:
		t.Fatal("session must be closed with the client")
	}
}

func TestClient_DisconnectAllowsReconnect(t *testing.T) {
	ens := memory.NewEnsemble()
	c := newClient(ens.Dialer(), 1, nil)
	defer c.Close()

	s1, err := c.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Disconnect())
	assert.Zero(t, c.SessionID())

	s2, err := c.Connect(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, s1.ID(), s2.ID())
}

func TestValidatePath(t *testing.T) {
	assert.NoError(t, coordination.ValidatePath("/"))
	assert.NoError(t, coordination.ValidatePath("/locks/a"))
	for _, p := range []string{"", "locks", "/a/", "/a//b", "/a/../b", "/./a"} {
		assert.Error(t, coordination.ValidatePath(p), p)
	}
	assert.Equal(t, "/a", coordination.JoinPath("/", "a"))
	assert.Equal(t, "/a/b", coordination.JoinPath("/a", "b"))
	assert.Equal(t, "b", coordination.BaseName("/a/b"))
}
