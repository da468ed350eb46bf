// Package circuit guards (*pool.Pool) reconnection attempts: a lost
// PostgreSQL session opens the breaker so a storm of failed dials doesn't
// pile up behind every waiting acquire. It never guards a request's own
// filesystem operation — spec.md §4.3 forbids retrying those.
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is one of the three circuit breaker states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrOpenState       = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config configures a Breaker. ReadyToTrip and OnStateChange are optional.
type Config struct {
	MaxRequests   uint32
	Interval      time.Duration
	Timeout       time.Duration
	ReadyToTrip   func(counts Counts) bool
	OnStateChange func(from, to State)
}

// Counts tracks request outcomes within the current window.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
	LastActivity         time.Time
}

func (c *Counts) onRequest() {
	c.Requests++
	c.LastActivity = time.Now()
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

func (c *Counts) clear() { *c = Counts{} }

// Breaker is a single circuit breaker instance, sized for the one thing
// pgfuse needs it for: gating reconnect attempts on the pool's dial path.
type Breaker struct {
	config Config

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

func New(config Config) *Breaker {
	if config.MaxRequests == 0 {
		config.MaxRequests = 1
	}
	if config.Interval <= 0 {
		config.Interval = 60 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.ReadyToTrip == nil {
		config.ReadyToTrip = func(c Counts) bool {
			return c.Requests >= 5 && c.ConsecutiveFailures >= 5
		}
	}
	return &Breaker{
		config: config,
		state:  StateClosed,
		expiry: time.Now().Add(config.Interval),
	}
}

// Execute runs fn if the breaker allows it, recording the outcome.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err)
	return err
}

// ExecuteWithContext is Execute for a context-aware dial function.
func (b *Breaker) ExecuteWithContext(ctx context.Context, fn func(context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn(ctx)
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.currentState(now)
	if state == StateOpen {
		return ErrOpenState
	}
	if state == StateHalfOpen && b.counts.Requests >= b.config.MaxRequests {
		return ErrTooManyRequests
	}
	b.counts.onRequest()
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.currentState(now)
	if err == nil {
		b.counts.onSuccess()
		if state == StateHalfOpen {
			b.setState(StateClosed, now)
		}
		return
	}
	b.counts.onFailure()
	switch state {
	case StateClosed:
		if b.config.ReadyToTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) State {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.counts.clear()
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.counts.clear()

	switch state {
	case StateClosed:
		b.expiry = now.Add(b.config.Interval)
	case StateOpen:
		b.expiry = now.Add(b.config.Timeout)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(prev, state)
	}
}

// State reports the breaker's current state, lazily transitioning
// Open -> HalfOpen if the timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(time.Now())
}

// Counts returns a snapshot of the current window's counters.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset forces the breaker back to Closed, discarding counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts.clear()
	b.setState(StateClosed, time.Now())
}
