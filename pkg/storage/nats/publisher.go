package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"

	"leasegate/pkg/models"
	"leasegate/pkg/storage"
)

// SubjectPrefix roots every lease event subject.
const SubjectPrefix = "leasegate.events"

// Publisher broadcasts lease events on NATS subjects derived from the
// resource path, so consumers can subscribe to a subtree with wildcards.
type Publisher struct {
	conn      *nats.Conn
	prefix    string
	published uint64
}

var _ storage.EventSink = (*Publisher)(nil)

// Connect dials url and returns a publisher owning the connection.
func Connect(url string, opts ...nats.Option) (*Publisher, error) {
	opts = append([]nats.Option{nats.Name("leasegate")}, opts...)
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return NewPublisher(conn), nil
}

// NewPublisher returns a Publisher using the provided connection.
func NewPublisher(conn *nats.Conn) *Publisher {
	return &Publisher{conn: conn, prefix: SubjectPrefix}
}

// Close drains and closes the connection.
func (p *Publisher) Close() error {
	return p.conn.Drain()
}

// Conn exposes the underlying connection for subscribers.
func (p *Publisher) Conn() *nats.Conn {
	return p.conn
}

// Ping round-trips to the server.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.conn.FlushWithContext(ctx)
}

// Published returns how many events were handed to NATS.
func (p *Publisher) Published() uint64 {
	return atomic.LoadUint64(&p.published)
}

// Record implements storage.EventSink.
func (p *Publisher) Record(ctx context.Context, event *models.LeaseEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal lease event: %w", err)
	}
	if err := p.conn.Publish(Subject(p.prefix, event.Resource), payload); err != nil {
		return fmt.Errorf("failed to publish lease event: %w", err)
	}
	atomic.AddUint64(&p.published, 1)
	return nil
}

// Subscribe streams events whose subject matches pattern, e.g.
// "leasegate.events.>" for everything. The channel closes with ctx.
func Subscribe(ctx context.Context, conn *nats.Conn, pattern string) (<-chan models.LeaseEvent, error) {
	out := make(chan models.LeaseEvent, 64)
	var mu sync.Mutex
	closed := false

	sub, err := conn.Subscribe(pattern, func(msg *nats.Msg) {
		var ev models.LeaseEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case out <- ev:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()
	return out, nil
}

// Subject maps a resource path to a NATS subject: "/locks/deploy" becomes
// "<prefix>.locks.deploy". Characters NATS reserves are replaced.
func Subject(prefix, resource string) string {
	trimmed := strings.Trim(resource, "/")
	if trimmed == "" {
		return prefix
	}
	tokens := strings.Split(trimmed, "/")
	for i, tok := range tokens {
		tokens[i] = strings.Map(func(r rune) rune {
			switch r {
			case '.', '*', '>', ' ', '\t':
				return '_'
			}
			return r
		}, tok)
	}
	return prefix + "." + strings.Join(tokens, ".")
}
