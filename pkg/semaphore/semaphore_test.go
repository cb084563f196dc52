package semaphore_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"leasegate/pkg/coordination"
	"leasegate/pkg/coordination/memory"
	"leasegate/pkg/metrics"
	. "leasegate/pkg/semaphore"
)

const resource = "/locks/deploy"

// node is one simulated process: its own client, hence its own session.
type node struct {
	client *coordination.Client
	sem    *Semaphore
}

func newNode(t *testing.T, ens *memory.Ensemble, path string, capacity int, policy NodePolicy, id string) *node {
	t.Helper()
	client := coordination.NewClient(ens.Dialer(), coordination.ClientConfig{
		ConnectAttempts: 1,
		RetryInterval:   5 * time.Millisecond,
		Logger:          zap.NewNop(),
	})
	sem, err := New(client, Config{
		Path:          path,
		Capacity:      capacity,
		Identifier:    id,
		Policy:        policy,
		RetryInterval: 5 * time.Millisecond,
		Logger:        zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return &node{client: client, sem: sem}
}

func withTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

func countUnder(ens *memory.Ensemble, dir string) int {
	n := 0
	for _, nd := range ens.Snapshot(dir) {
		if nd.Path != dir {
			n++
		}
	}
	return n
}

func leases(ens *memory.Ensemble) int { return countUnder(ens, LeasesPath(resource)) }

func tickets(ens *memory.Ensemble) int { return countUnder(ens, resource+"/queue") }

type result struct {
	ok  bool
	err error
}

func acquireAsync(ctx context.Context, n *node) <-chan result {
	ch := make(chan result, 1)
	go func() {
		ok, err := n.sem.Acquire(ctx)
		ch <- result{ok: ok, err: err}
	}()
	return ch
}

func TestNew_RejectsInvalidArguments(t *testing.T) {
	ens := memory.NewEnsemble()
	client := coordination.NewClient(ens.Dialer(), coordination.ClientConfig{Logger: zap.NewNop()})

	cases := []struct {
		name     string
		path     string
		capacity int
	}{
		{"empty path", "", 1},
		{"relative path", "locks/a", 1},
		{"root", "/", 1},
		{"trailing slash", "/locks/a/", 1},
		{"zero capacity", "/locks/a", 0},
		{"negative capacity", "/locks/a", -2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(client, Config{Path: tc.path, Capacity: tc.capacity})
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
	assert.Empty(t, ens.Sessions(), "validation must not connect")
}

func TestAcquireAndRelease(t *testing.T) {
	ens := memory.NewEnsemble()
	a := newNode(t, ens, resource, 2, Ephemeral, "host-a")

	ctx, cancel := withTimeout(time.Second)
	defer cancel()

	ok, err := a.sem.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, a.sem.IsAcquired())
	assert.Equal(t, 1, leases(ens))
	assert.Equal(t, 0, tickets(ens), "ticket is removed once the lease is held")

	root := ens.Snapshot(resource)[0]
	assert.Equal(t, "2", string(root.Data))

	holders, err := a.sem.Holders(ctx)
	require.NoError(t, err)
	require.Len(t, holders, 1)
	assert.Equal(t, "host-a", holders[0].Identifier)
	assert.True(t, holders[0].Ephemeral)

	released, err := a.sem.Release(ctx)
	require.NoError(t, err)
	assert.True(t, released)
	assert.Equal(t, 0, leases(ens))

	att, ok := a.sem.Attempt()
	require.True(t, ok)
	assert.Equal(t, StateReleased, att.State)
	assert.Equal(t, 0, ens.PendingWatches())
}

func TestRelease_NeverAcquiredIsNoop(t *testing.T) {
	ens := memory.NewEnsemble()
	a := newNode(t, ens, resource, 1, Ephemeral, "host-a")

	released, err := a.sem.Release(context.Background())
	assert.NoError(t, err)
	assert.False(t, released)
	assert.Empty(t, ens.Sessions(), "a no-op release must not connect")
}

func TestAcquire_IsIdempotent(t *testing.T) {
	ens := memory.NewEnsemble()
	a := newNode(t, ens, resource, 3, Ephemeral, "host-a")

	ctx, cancel := withTimeout(time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		ok, err := a.sem.Acquire(ctx)
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, 1, leases(ens))
}

func TestCapacityIsNeverExceeded(t *testing.T) {
	const (
		capacity = 3
		workers  = 12
	)
	ens := memory.NewEnsemble()

	var active, peak, acquired int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		n := newNode(t, ens, resource, capacity, Ephemeral, "worker")
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := withTimeout(10 * time.Second)
			defer cancel()

			ok, err := n.sem.Acquire(ctx)
			if err != nil || !ok {
				return
			}
			atomic.AddInt32(&acquired, 1)
			cur := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			_, _ = n.sem.Release(ctx)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(workers), acquired)
	assert.LessOrEqual(t, peak, int32(capacity))
	assert.Equal(t, 0, leases(ens))
	assert.Equal(t, 0, tickets(ens))
}

func TestAcquire_TimesOutWhenExhausted(t *testing.T) {
	ens := memory.NewEnsemble()
	a := newNode(t, ens, resource, 1, Ephemeral, "host-a")
	b := newNode(t, ens, resource, 1, Ephemeral, "host-b")

	ok, err := a.sem.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := withTimeout(100 * time.Millisecond)
	defer cancel()
	start := time.Now()
	ok, err = b.sem.Acquire(ctx)
	elapsed := time.Since(start)

	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, elapsed, time.Second)

	att, _ := b.sem.Attempt()
	assert.Equal(t, StateTimedOut, att.State)
	assert.Equal(t, 1, leases(ens), "only the holder's lease remains")
	assert.Equal(t, 0, tickets(ens), "the waiter's ticket is cleaned up")
}

func TestSessionExpiry_FreesSlotForWaiter(t *testing.T) {
	ens := memory.NewEnsemble()
	a := newNode(t, ens, resource, 1, Ephemeral, "host-a")
	b := newNode(t, ens, resource, 1, Ephemeral, "host-b")

	ok, err := a.sem.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := withTimeout(2 * time.Second)
	defer cancel()
	done := acquireAsync(ctx, b)

	require.Eventually(t, func() bool { return tickets(ens) == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, ens.Expire(a.client.SessionID()))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.True(t, r.ok)
	case <-time.After(time.Second):
		t.Fatal("waiter was not granted the slot after the holder's session expired")
	}

	holders, err := b.sem.Holders(ctx)
	require.NoError(t, err)
	require.Len(t, holders, 1)
	assert.Equal(t, "host-b", holders[0].Identifier)
}

func TestFairness_LowestSequenceIsServedFirst(t *testing.T) {
	ens := memory.NewEnsemble()
	holder := newNode(t, ens, resource, 1, Ephemeral, "holder")
	first := newNode(t, ens, resource, 1, Ephemeral, "first")
	second := newNode(t, ens, resource, 1, Ephemeral, "second")

	ok, err := holder.sem.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := withTimeout(3 * time.Second)
	defer cancel()

	firstDone := acquireAsync(ctx, first)
	require.Eventually(t, func() bool { return tickets(ens) == 1 }, time.Second, 5*time.Millisecond)
	secondDone := acquireAsync(ctx, second)
	require.Eventually(t, func() bool { return tickets(ens) == 2 }, time.Second, 5*time.Millisecond)

	_, err = holder.sem.Release(ctx)
	require.NoError(t, err)

	select {
	case r := <-firstDone:
		require.NoError(t, r.err)
		assert.True(t, r.ok)
	case r := <-secondDone:
		t.Fatalf("later waiter was served first: %+v", r)
	case <-time.After(time.Second):
		t.Fatal("no waiter was served")
	}

	select {
	case r := <-secondDone:
		t.Fatalf("second waiter acquired while capacity is exhausted: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	_, err = first.sem.Release(ctx)
	require.NoError(t, err)
	r := <-secondDone
	require.NoError(t, r.err)
	assert.True(t, r.ok)
}

func TestScenario_CapacityTwoThreeCallers(t *testing.T) {
	ens := memory.NewEnsemble()
	a := newNode(t, ens, resource, 2, Ephemeral, "A")
	b := newNode(t, ens, resource, 2, Ephemeral, "B")
	c := newNode(t, ens, resource, 2, Ephemeral, "C")

	ctx := context.Background()

	ok, err := a.sem.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = b.sem.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	cDone := acquireAsync(ctx, c)
	require.Eventually(t, func() bool { return tickets(ens) == 1 }, time.Second, 5*time.Millisecond)
	select {
	case <-cDone:
		t.Fatal("C must block while A and B hold the slots")
	default:
	}

	released, err := a.sem.Release(ctx)
	require.NoError(t, err)
	require.True(t, released)

	select {
	case r := <-cDone:
		require.NoError(t, r.err)
		require.True(t, r.ok)
	case <-time.After(time.Second):
		t.Fatal("C was not granted the slot A released")
	}

	holders, err := c.sem.Holders(ctx)
	require.NoError(t, err)
	var ids []string
	for _, h := range holders {
		ids = append(ids, h.Identifier)
	}
	assert.Equal(t, []string{"B", "C"}, ids)

	att, _ := a.sem.Attempt()
	assert.Equal(t, StateReleased, att.State)
}

func TestCancel_RemovesEveryNode(t *testing.T) {
	ens := memory.NewEnsemble()
	a := newNode(t, ens, resource, 1, Ephemeral, "host-a")
	b := newNode(t, ens, resource, 1, Persistent, "host-b")

	ok, err := a.sem.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	done := acquireAsync(context.Background(), b)
	require.Eventually(t, func() bool { return tickets(ens) == 1 }, time.Second, 5*time.Millisecond)

	b.sem.Cancel()

	select {
	case r := <-done:
		assert.False(t, r.ok)
		assert.ErrorIs(t, r.err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("cancel did not interrupt the waiter")
	}

	att, _ := b.sem.Attempt()
	assert.Equal(t, StateCancelled, att.State)
	assert.Equal(t, 0, tickets(ens))
	for _, n := range ens.Snapshot(LeasesPath(resource)) {
		assert.NotEqual(t, "host-b", string(n.Data), "cancelled attempt left a lease behind")
	}
}

func TestAcquire_CapacityMismatch(t *testing.T) {
	ens := memory.NewEnsemble()
	a := newNode(t, ens, resource, 2, Ephemeral, "host-a")
	b := newNode(t, ens, resource, 5, Ephemeral, "host-b")

	ok, err := a.sem.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.sem.Acquire(context.Background())
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrCapacityMismatch)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, 0, tickets(ens))
}

func TestPersistentLease_SurvivesSessionLoss(t *testing.T) {
	ens := memory.NewEnsemble()
	a := newNode(t, ens, resource, 1, Persistent, "host-a")

	ok, err := a.sem.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	require.True(t, ens.Expire(a.client.SessionID()))
	assert.Equal(t, 1, leases(ens))

	// Revalidation reconnects and finds the node, no second lease is made.
	ok, err = a.sem.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, leases(ens))

	holders, err := a.sem.Holders(context.Background())
	require.NoError(t, err)
	require.Len(t, holders, 1)
	assert.False(t, holders[0].Ephemeral)

	released, err := a.sem.Release(context.Background())
	require.NoError(t, err)
	assert.True(t, released)
	assert.Equal(t, 0, leases(ens))
}

func TestEphemeralLease_RenegotiatedAfterSessionLoss(t *testing.T) {
	ens := memory.NewEnsemble()
	a := newNode(t, ens, resource, 1, Ephemeral, "host-a")

	ok, err := a.sem.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	before, _ := a.sem.Attempt()

	require.True(t, ens.Expire(a.client.SessionID()))
	assert.Equal(t, 0, leases(ens))

	ok, err = a.sem.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	after, _ := a.sem.Attempt()
	assert.NotEqual(t, before.ID, after.ID)
	assert.NotEqual(t, before.SessionID, after.SessionID)
	assert.Equal(t, 1, leases(ens))
}

func TestAcquire_SessionLostWhileWaiting(t *testing.T) {
	ens := memory.NewEnsemble()
	a := newNode(t, ens, resource, 1, Ephemeral, "host-a")
	b := newNode(t, ens, resource, 1, Ephemeral, "host-b")

	ok, err := a.sem.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := withTimeout(2 * time.Second)
	defer cancel()
	done := acquireAsync(ctx, b)
	require.Eventually(t, func() bool { return b.client.SessionID() != 0 && tickets(ens) == 1 }, time.Second, 5*time.Millisecond)

	require.True(t, ens.Expire(b.client.SessionID()))

	r := <-done
	assert.False(t, r.ok)
	assert.ErrorIs(t, r.err, coordination.ErrSessionExpired)
	att, _ := b.sem.Attempt()
	assert.Equal(t, StateFailed, att.State)
}

func TestAcquire_ConnectionError(t *testing.T) {
	ens := memory.NewEnsemble()
	ens.SetAvailable(false)
	a := newNode(t, ens, resource, 1, Ephemeral, "host-a")

	ok, err := a.sem.Acquire(context.Background())
	assert.False(t, ok)
	assert.ErrorIs(t, err, coordination.ErrConnection)
}

func TestAcquire_RetriesThroughShortOutage(t *testing.T) {
	ens := memory.NewEnsemble()
	a := newNode(t, ens, resource, 1, Ephemeral, "host-a")
	b := newNode(t, ens, resource, 1, Ephemeral, "host-b")

	ok, err := a.sem.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := withTimeout(3 * time.Second)
	defer cancel()
	done := acquireAsync(ctx, b)
	require.Eventually(t, func() bool { return tickets(ens) == 1 }, time.Second, 5*time.Millisecond)

	ens.SetAvailable(false)
	time.Sleep(20 * time.Millisecond)
	ens.SetAvailable(true)

	_, err = a.sem.Release(ctx)
	require.NoError(t, err)

	r := <-done
	require.NoError(t, r.err)
	assert.True(t, r.ok)
}

func TestLeaseNodesCarryAttemptPrefix(t *testing.T) {
	ens := memory.NewEnsemble()
	a := newNode(t, ens, resource, 1, Ephemeral, "host-a")

	ok, err := a.sem.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	att, _ := a.sem.Attempt()
	assert.True(t, strings.HasPrefix(att.Lease.Name, att.ID+"-"))
	assert.Equal(t, a.client.SessionID(), att.Lease.Owner)
}

// hookedSessions wraps every session it hands out so a test can act right
// before and right after a lease node is created.
type hookedSessions struct {
	inner       SessionProvider
	beforeLease func()
	afterLease  func()
}

func (h *hookedSessions) Connect(ctx context.Context) (coordination.Session, error) {
	sess, err := h.inner.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &hookedSession{Session: sess, hooks: h}, nil
}

type hookedSession struct {
	coordination.Session
	hooks *hookedSessions
}

func (s *hookedSession) Create(ctx context.Context, p string, data []byte, opts coordination.CreateOptions) (coordination.Node, error) {
	lease := strings.HasPrefix(p, LeasesPath(resource)+"/")
	if lease && s.hooks.beforeLease != nil {
		s.hooks.beforeLease()
	}
	n, err := s.Session.Create(ctx, p, data, opts)
	if lease && err == nil && s.hooks.afterLease != nil {
		s.hooks.afterLease()
	}
	return n, err
}

func newHookedSemaphore(t *testing.T, ens *memory.Ensemble, capacity int, id string) (*Semaphore, *hookedSessions) {
	t.Helper()
	client := coordination.NewClient(ens.Dialer(), coordination.ClientConfig{
		ConnectAttempts: 1,
		RetryInterval:   5 * time.Millisecond,
		Logger:          zap.NewNop(),
	})
	t.Cleanup(func() { _ = client.Close() })
	hooks := &hookedSessions{inner: client}
	sem, err := New(hooks, Config{
		Path:          resource,
		Capacity:      capacity,
		Identifier:    id,
		RetryInterval: 5 * time.Millisecond,
		Logger:        zap.NewNop(),
	})
	require.NoError(t, err)
	return sem, hooks
}

func TestClaim_WithdrawsLeaseAfterCapacityRace(t *testing.T) {
	ens := memory.NewEnsemble()
	rival := newNode(t, ens, resource, 1, Persistent, "rival")
	sem, hooks := newHookedSemaphore(t, ens, 1, "host-a")

	ctx, cancel := withTimeout(2 * time.Second)
	defer cancel()
	rivalSess, err := rival.client.Connect(ctx)
	require.NoError(t, err)

	// A competing lease lands between our listing and our create.
	var once sync.Once
	rivalLease := make(chan string, 1)
	hooks.beforeLease = func() {
		once.Do(func() {
			n, err := rivalSess.Create(ctx, LeasesPath(resource)+"/rival-", []byte("rival"),
				coordination.CreateOptions{Sequential: true})
			if err == nil {
				rivalLease <- n.Path
			}
		})
	}

	races := testutil.ToFloat64(metrics.CapacityRaces)
	done := acquireAsync(ctx, &node{sem: sem})

	var rivalPath string
	select {
	case rivalPath = <-rivalLease:
	case <-time.After(time.Second):
		t.Fatal("competing lease was never created")
	}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.CapacityRaces) == races+1
	}, time.Second, 5*time.Millisecond)

	// The losing lease is withdrawn and the attempt keeps waiting.
	require.Eventually(t, func() bool { return leases(ens) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "rival", string(ens.Snapshot(LeasesPath(resource))[0].Data))
	select {
	case <-done:
		t.Fatal("acquired while the rival held the only slot")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, rivalSess.Delete(ctx, rivalPath))

	r := <-done
	require.NoError(t, r.err)
	assert.True(t, r.ok)
	assert.Equal(t, 1, leases(ens))
	assert.Equal(t, "host-a", string(ens.Snapshot(LeasesPath(resource))[0].Data))
	assert.Equal(t, 0, tickets(ens))
}

func TestCancel_RightAfterLeaseCreateRemovesLease(t *testing.T) {
	ens := memory.NewEnsemble()
	sem, hooks := newHookedSemaphore(t, ens, 1, "host-a")
	hooks.afterLease = func() { sem.Cancel() }

	ok, err := sem.Acquire(context.Background())
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrCancelled)

	att, _ := sem.Attempt()
	assert.Equal(t, StateCancelled, att.State)
	assert.Equal(t, 0, leases(ens), "lease created before the cancel must be removed")
	assert.Equal(t, 0, tickets(ens))
}

func TestCancel_ReachesCallsWaitingForTheGate(t *testing.T) {
	ens := memory.NewEnsemble()
	a := newNode(t, ens, resource, 1, Ephemeral, "host-a")
	b := newNode(t, ens, resource, 1, Ephemeral, "host-b")

	ok, err := a.sem.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	negotiating := acquireAsync(context.Background(), b)
	require.Eventually(t, func() bool { return tickets(ens) == 1 }, time.Second, 5*time.Millisecond)
	gated := acquireAsync(context.Background(), b)
	require.Eventually(t, func() bool { return b.sem.Pending() == 2 }, time.Second, 5*time.Millisecond)

	assert.True(t, b.sem.Cancel())

	for _, done := range []<-chan result{negotiating, gated} {
		select {
		case r := <-done:
			assert.False(t, r.ok)
			assert.ErrorIs(t, r.err, ErrCancelled)
		case <-time.After(time.Second):
			t.Fatal("cancel did not reach every pending acquire")
		}
	}
	assert.Zero(t, b.sem.Pending())
	assert.False(t, b.sem.Cancel(), "nothing left to cancel")
	assert.Equal(t, 0, tickets(ens))
	assert.Equal(t, 1, leases(ens))
}

func TestRelease_DoesNotWaitBehindPendingAcquire(t *testing.T) {
	ens := memory.NewEnsemble()
	a := newNode(t, ens, resource, 1, Ephemeral, "host-a")
	b := newNode(t, ens, resource, 1, Ephemeral, "host-b")

	ok, err := a.sem.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	done := acquireAsync(context.Background(), b)
	require.Eventually(t, func() bool { return tickets(ens) == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := withTimeout(200 * time.Millisecond)
	defer cancel()
	start := time.Now()
	released, err := b.sem.Release(ctx)
	require.NoError(t, err)
	assert.False(t, released)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	b.sem.Cancel()
	r := <-done
	assert.ErrorIs(t, r.err, ErrCancelled)
}
