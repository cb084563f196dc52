package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"leasegate/pkg/models"
	"leasegate/pkg/storage"
)

const (
	StreamKeyEvents = "leasegate:events"

	// DefaultMaxLen caps the stream; older events are trimmed approximately.
	DefaultMaxLen = 10000
)

// Journal keeps recent lease events in a Redis stream.
type Journal struct {
	client *redis.Client
	stream string
	maxLen int64
}

var _ storage.EventJournal = (*Journal)(nil)

// JournalConfig holds Redis connection configuration
type JournalConfig struct {
	Addr         string
	Password     string
	Stream       string
	MaxLen       int64
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultJournalConfig returns production defaults for addr.
func DefaultJournalConfig(addr string) JournalConfig {
	return JournalConfig{
		Addr:         addr,
		Stream:       StreamKeyEvents,
		MaxLen:       DefaultMaxLen,
		PoolSize:     20,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewJournal connects with default config.
func NewJournal(addr string) (*Journal, error) {
	return NewJournalWithConfig(DefaultJournalConfig(addr))
}

// NewJournalWithConfig connects and verifies the server is reachable.
func NewJournalWithConfig(cfg JournalConfig) (*Journal, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewJournalFromClient(client, cfg.Stream, cfg.MaxLen), nil
}

// NewJournalFromClient wraps an existing client, sharing its pool.
func NewJournalFromClient(client *redis.Client, stream string, maxLen int64) *Journal {
	if stream == "" {
		stream = StreamKeyEvents
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &Journal{client: client, stream: stream, maxLen: maxLen}
}

// Client exposes the underlying connection for components sharing it.
func (j *Journal) Client() *redis.Client {
	return j.client
}

func (j *Journal) Close() error {
	return j.client.Close()
}

// Ping checks that Redis is reachable.
func (j *Journal) Ping(ctx context.Context) error {
	return j.client.Ping(ctx).Err()
}

// Record appends the event to the stream.
func (j *Journal) Record(ctx context.Context, event *models.LeaseEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal lease event: %w", err)
	}

	// XADD leasegate:events MAXLEN ~ n * payload {json}
	err = j.client.XAdd(ctx, &redis.XAddArgs{
		Stream: j.stream,
		MaxLen: j.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"payload":  payload,
			"resource": event.Resource,
			"type":     string(event.Type),
			"event_id": event.ID.String(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append lease event: %w", err)
	}
	return nil
}

// Recent returns up to count events, newest first.
func (j *Journal) Recent(ctx context.Context, count int) ([]models.LeaseEvent, error) {
	if count <= 0 {
		count = 50
	}
	msgs, err := j.client.XRevRangeN(ctx, j.stream, "+", "-", int64(count)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read lease events: %w", err)
	}

	events := make([]models.LeaseEvent, 0, len(msgs))
	for _, msg := range msgs {
		payload, ok := msg.Values["payload"].(string)
		if !ok {
			return nil, fmt.Errorf("invalid payload format in message %s", msg.ID)
		}
		var ev models.LeaseEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal lease event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}
