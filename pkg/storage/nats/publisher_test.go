package nats

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leasegate/pkg/models"
)

func newConn(t *testing.T) *nats.Conn {
	t.Helper()
	s := natsserver.RunRandClientPortServer()
	conn, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		s.Shutdown()
	})
	return conn
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "leasegate.events.locks.deploy", Subject(SubjectPrefix, "/locks/deploy"))
	assert.Equal(t, "leasegate.events.a_b.c_", Subject(SubjectPrefix, "/a.b/c*"))
	assert.Equal(t, "leasegate.events", Subject(SubjectPrefix, "/"))
}

func TestPublisher_DeliversToWildcardSubscribers(t *testing.T) {
	conn := newConn(t)
	pub := NewPublisher(conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := Subscribe(ctx, conn, SubjectPrefix+".locks.>")
	require.NoError(t, err)
	require.NoError(t, conn.Flush())

	ev := models.NewLeaseEvent("/locks/deploy", models.LeaseAcquired)
	ev.Identifier = "host-a"
	require.NoError(t, pub.Record(ctx, ev))

	select {
	case got := <-events:
		assert.Equal(t, ev.ID, got.ID)
		assert.Equal(t, "host-a", got.Identifier)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	assert.Equal(t, uint64(1), pub.Published())
}

func TestSubscribe_ClosesWithContext(t *testing.T) {
	conn := newConn(t)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := Subscribe(ctx, conn, SubjectPrefix+".>")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
}
