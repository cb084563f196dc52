package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"leasegate/pkg/metrics"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive dial failures before opening
	FailureThreshold int
	// SuccessThreshold is the number of successes needed to close from half-open
	SuccessThreshold int
	// Timeout is how long the circuit stays open before probing again
	Timeout time.Duration
	// MaxRequests is the max number of probes allowed through while half-open
	MaxRequests int
	// IsFailure decides which errors count against the breaker. Nil counts all.
	IsFailure func(error) bool
	// OnStateChange is called outside the lock after every transition.
	OnStateChange func(name string, from, to CircuitState)
	Logger        *zap.Logger
}

// DefaultCircuitBreakerConfig returns sensible defaults
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		MaxRequests:      3,
		IsFailure:        IgnoreCancellation,
	}
}

// IgnoreCancellation treats caller cancellation as neutral, so a client that
// gives up does not trip the breaker for everyone else.
func IgnoreCancellation(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// CircuitBreaker guards calls to a dependency that may be down, here the
// coordination service dialer. Open circuits reject calls without trying.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	log    *zap.Logger
	now    func() time.Time

	mu               sync.Mutex
	state            CircuitState
	failures         int
	successes        int
	halfOpenRequests int
	lastFailure      time.Time
	lastChange       time.Time
}

// NewCircuitBreaker creates a new circuit breaker with the given name and config
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.MaxRequests <= 0 {
		config.MaxRequests = 1
	}
	log := config.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cb := &CircuitBreaker{
		name:   name,
		config: config,
		log:    log.With(zap.String("breaker", name)),
		now:    time.Now,
		state:  CircuitClosed,
	}
	cb.lastChange = cb.now()
	metrics.BreakerState.WithLabelValues(name).Set(float64(CircuitClosed))
	return cb
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// currentState reports open circuits past their timeout as half-open (must hold lock)
func (cb *CircuitBreaker) currentState() CircuitState {
	if cb.state == CircuitOpen && cb.now().Sub(cb.lastFailure) >= cb.config.Timeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Execute runs fn with circuit breaker protection. A cancelled context is
// returned as is without consulting the breaker.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn()
	cb.afterRequest(err)
	return err
}

type transition struct {
	from, to CircuitState
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	var changed *transition
	defer func() {
		cb.mu.Unlock()
		cb.notify(changed)
	}()

	switch cb.currentState() {
	case CircuitOpen:
		return ErrCircuitOpen
	case CircuitHalfOpen:
		if cb.state == CircuitOpen {
			changed = cb.setState(CircuitHalfOpen)
		}
		if cb.halfOpenRequests >= cb.config.MaxRequests {
			return ErrCircuitOpen
		}
		cb.halfOpenRequests++
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	var changed *transition
	defer func() {
		cb.mu.Unlock()
		cb.notify(changed)
	}()

	if err != nil && (cb.config.IsFailure == nil || cb.config.IsFailure(err)) {
		changed = cb.onFailure()
		return
	}
	changed = cb.onSuccess()
}

func (cb *CircuitBreaker) onFailure() *transition {
	cb.failures++
	cb.successes = 0
	cb.lastFailure = cb.now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			return cb.setState(CircuitOpen)
		}
	case CircuitHalfOpen:
		// one failed probe is enough to reopen
		return cb.setState(CircuitOpen)
	}
	return nil
}

func (cb *CircuitBreaker) onSuccess() *transition {
	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			return cb.setState(CircuitClosed)
		}
	}
	return nil
}

// setState switches state and resets the per-state counters (must hold lock).
func (cb *CircuitBreaker) setState(to CircuitState) *transition {
	from := cb.state
	if from == to {
		return nil
	}
	cb.state = to
	cb.lastChange = cb.now()
	cb.halfOpenRequests = 0
	cb.successes = 0
	if to == CircuitClosed {
		cb.failures = 0
	}
	return &transition{from: from, to: to}
}

func (cb *CircuitBreaker) notify(t *transition) {
	if t == nil {
		return
	}
	metrics.BreakerState.WithLabelValues(cb.name).Set(float64(t.to))
	if t.to == CircuitOpen {
		cb.log.Warn("circuit opened", zap.String("from", t.from.String()))
	} else {
		cb.log.Info("circuit state changed",
			zap.String("from", t.from.String()),
			zap.String("to", t.to.String()))
	}
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, t.from, t.to)
	}
}

// Reset resets the circuit breaker to its initial state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	changed := cb.setState(CircuitClosed)
	cb.failures = 0
	cb.mu.Unlock()
	cb.notify(changed)
}

// Metrics returns current circuit breaker metrics
func (cb *CircuitBreaker) Metrics() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]interface{}{
		"name":        cb.name,
		"state":       cb.currentState().String(),
		"failures":    cb.failures,
		"successes":   cb.successes,
		"lastFailure": cb.lastFailure,
		"lastChange":  cb.lastChange,
	}
}
