// Package resilience provides the shared wrappers that protect every
// external call in the exchange core: a circuit breaker, retry with
// exponential backoff, and a saga executor for multi-step writes.
//
// The primitives are self-contained and deliberately depend on nothing
// else in the repository.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Do while the breaker is open: the wrapped
// function is not invoked.
var ErrCircuitOpen = errors.New("resilience: circuit breaker open")

// CircuitState is the breaker's current state.
type CircuitState int32

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
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a CircuitBreaker. Zero values get defaults.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures within the
	// rolling window that trips the breaker open.
	FailureThreshold int
	// Window bounds how far back a failure still counts toward the
	// threshold. Failures older than the window are forgotten.
	Window time.Duration
	// Cooldown is how long the breaker stays open before allowing a
	// single half-open trial call.
	Cooldown time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// CircuitBreaker fails fast once a protected call site has failed
// repeatedly, so a dead dependency does not stall the matching path.
//
// closed → open after FailureThreshold consecutive failures inside Window;
// open → half_open after Cooldown, admitting exactly one trial call;
// half_open → closed on trial success, → open on trial failure.
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig

	mu          sync.Mutex
	state       CircuitState
	failures    int
	lastFailure time.Time
	openedAt    time.Time
	trialActive bool

	// now is swappable for tests.
	now func() time.Time

	onStateChange func(name string, from, to CircuitState)
}

// NewCircuitBreaker creates a breaker for one named call site.
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		state: CircuitClosed,
		now:   time.Now,
	}
}

// OnStateChange registers a callback invoked on every transition. Used by
// the metrics layer; must not block.
func (b *CircuitBreaker) OnStateChange(fn func(name string, from, to CircuitState)) {
	b.mu.Lock()
	b.onStateChange = fn
	b.mu.Unlock()
}

// Do runs fn under the breaker. While open it returns ErrCircuitOpen
// without invoking fn. The half-open state admits one trial call; callers
// racing for the trial slot get ErrCircuitOpen.
func (b *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	b.record(err == nil)
	return err
}

func (b *CircuitBreaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
			b.transition(CircuitHalfOpen)
			b.trialActive = true
			return nil
		}
		return ErrCircuitOpen
	case CircuitHalfOpen:
		if b.trialActive {
			return ErrCircuitOpen
		}
		b.trialActive = true
		return nil
	}
	return nil
}

func (b *CircuitBreaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if b.state == CircuitHalfOpen {
		b.trialActive = false
		if success {
			b.failures = 0
			b.transition(CircuitClosed)
		} else {
			b.openedAt = now
			b.transition(CircuitOpen)
		}
		return
	}

	if success {
		b.failures = 0
		return
	}

	// Forget failures that fell out of the rolling window.
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.cfg.Window {
		b.failures = 0
	}
	b.failures++
	b.lastFailure = now

	if b.failures >= b.cfg.FailureThreshold {
		b.openedAt = now
		b.transition(CircuitOpen)
	}
}

func (b *CircuitBreaker) transition(to CircuitState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	slog.Info("circuit breaker state changed",
		"name", b.name,
		"from", from.String(),
		"to", to.String(),
	)
	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}

// State returns the breaker's current state, honoring cooldown expiry.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return CircuitHalfOpen
	}
	return b.state
}

// Name returns the call-site name the breaker protects.
func (b *CircuitBreaker) Name() string { return b.name }

// Stats is a point-in-time snapshot for the cluster status endpoint.
type Stats struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Failures int    `json:"failures"`
	OpenedAt int64  `json:"opened_at,omitempty"`
}

// Snapshot returns breaker stats.
func (b *CircuitBreaker) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{
		Name:     b.name,
		State:    b.state.String(),
		Failures: b.failures,
	}
	if b.state != CircuitClosed {
		s.OpenedAt = b.openedAt.Unix()
	}
	return s
}
