package coordination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"leasegate/pkg/logger"
	"leasegate/pkg/metrics"
	"leasegate/pkg/resilience"
)

// ClientConfig holds the knobs of the lazily connecting client.
type ClientConfig struct {
	// Endpoints are only used for diagnostics; the Dialer owns the real list.
	Endpoints []string
	// ConnectAttempts bounds the dial attempts of a single Connect call.
	ConnectAttempts int
	// RetryInterval is the initial backoff between dial attempts.
	RetryInterval time.Duration
	// Breaker, when set, fails Connect fast while the service is known down.
	Breaker *resilience.CircuitBreaker
	Logger  *zap.Logger
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig(endpoints []string) ClientConfig {
	return ClientConfig{
		Endpoints:       endpoints,
		ConnectAttempts: 3,
		RetryInterval:   200 * time.Millisecond,
	}
}

// Client is the process-wide handle to the coordination service. The session
// is opened on first use and reused until it is lost or closed; after a loss
// the next Connect transparently opens a new session with a new identity.
type Client struct {
	dialer Dialer
	cfg    ClientConfig
	log    *zap.Logger

	mu      sync.Mutex
	session Session
	closed  bool
}

// NewClient creates a client. No network activity happens until Connect.
func NewClient(dialer Dialer, cfg ClientConfig) *Client {
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = 1
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 200 * time.Millisecond
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Get()
	}
	return &Client{
		dialer: dialer,
		cfg:    cfg,
		log:    log.With(zap.String("component", "coordination")),
	}
}

// Connect returns the active session, dialing a new one if needed.
func (c *Client) Connect(ctx context.Context) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	if c.session != nil {
		select {
		case <-c.session.Done():
			c.log.Warn("coordination session lost, reconnecting",
				zap.Int64("session_id", c.session.ID()))
			metrics.SessionsLost.Inc()
			_ = c.session.Close()
			c.session = nil
		default:
			return c.session, nil
		}
	}

	sess, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.session = sess
	metrics.SessionsEstablished.Inc()
	c.log.Info("coordination session established",
		zap.Int64("session_id", sess.ID()),
		zap.Strings("endpoints", c.cfg.Endpoints))
	return sess, nil
}

func (c *Client) dial(ctx context.Context) (Session, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInterval
	b.MaxInterval = 10 * c.cfg.RetryInterval

	attempt := 0
	sess, err := backoff.Retry(ctx, func() (Session, error) {
		attempt++
		var s Session
		op := func() error {
			var err error
			s, err = c.dialer.Dial(ctx)
			return err
		}

		var err error
		if c.cfg.Breaker != nil {
			err = c.cfg.Breaker.Execute(ctx, op)
		} else {
			err = op()
		}
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, backoff.Permanent(err)
		}
		if err != nil {
			c.log.Debug("dial attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			return nil, err
		}
		return s, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(c.cfg.ConnectAttempts)))

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	return sess, nil
}

// SessionID returns the identity of the current session, or 0 if none.
func (c *Client) SessionID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return 0
	}
	return c.session.ID()
}

// Disconnect closes the current session, if any. The client may connect again.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnectLocked()
}

func (c *Client) disconnectLocked() error {
	if c.session == nil {
		return nil
	}
	id := c.session.ID()
	err := c.session.Close()
	c.session = nil
	c.log.Info("coordination session closed", zap.Int64("session_id", id))
	return err
}

// Close disconnects and rejects further Connect calls.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.disconnectLocked()
}
