// Package circuitbreaker guards the external dependencies of the service:
// Redis, Postgres, LLM providers, and red-team target endpoints.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker state machine position.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen is returned while the breaker refuses all traffic.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when the half-open probe quota is spent.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config tunes a single breaker.
type Config struct {
	MaxRequests      uint32        // probe quota while half-open
	Interval         time.Duration // closed-state counter reset window
	Timeout          time.Duration // open-state cool-off before half-open
	FailureThreshold uint32        // consecutive failures that trip the breaker
	SuccessThreshold uint32        // consecutive half-open successes that close it
	OnStateChange    func(name string, from, to State)
}

// Counts is a snapshot of the current generation's request statistics.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Breaker implements a generation-counted circuit breaker.
type Breaker struct {
	name   string
	config Config
	logger *zap.Logger

	mu         sync.RWMutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// New creates a breaker in the closed state.
func New(name string, config Config, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		name:   name,
		config: config,
		logger: logger,
		state:  StateClosed,
		expiry: time.Now().Add(config.Interval),
	}
}

// Execute runs fn when the breaker admits traffic, recording the outcome.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	generation, err := b.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.afterRequest(generation, false)
			panic(r)
		}
	}()

	err = fn()
	b.afterRequest(generation, err == nil)
	return err
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	state, _ := b.peekState(time.Now())
	return state
}

// Counts returns the current generation's statistics.
func (b *Breaker) Counts() Counts {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.counts
}

// Name returns the breaker's registered name.
func (b *Breaker) Name() string { return b.name }

func (b *Breaker) beforeRequest() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)

	if state == StateOpen {
		return generation, ErrOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.config.MaxRequests {
		return generation, ErrTooManyRequests
	}

	b.counts.Requests++
	return generation, nil
}

func (b *Breaker) afterRequest(before uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)
	if generation != before {
		// A new generation started mid-flight; this outcome no longer counts.
		return
	}

	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

// peekState reports state without mutating, for read-only callers.
func (b *Breaker) peekState(now time.Time) (State, uint64) {
	if b.state == StateOpen && b.expiry.Before(now) {
		return StateHalfOpen, b.generation
	}
	return b.state, b.generation
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveFailures = 0
	case StateHalfOpen:
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveSuccesses++
		if b.counts.ConsecutiveSuccesses >= b.config.SuccessThreshold {
			b.setState(StateClosed, now)
		}
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.TotalFailures++
		b.counts.ConsecutiveFailures++
		if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.newGeneration(now)

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
	b.logger.Info("Circuit breaker state changed",
		zap.String("name", b.name),
		zap.String("from", prev.String()),
		zap.String("to", state.String()),
	)
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts = Counts{}

	var zero time.Time
	switch b.state {
	case StateClosed:
		if b.config.Interval == 0 {
			b.expiry = zero
		} else {
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		b.expiry = now.Add(b.config.Timeout)
	default: // half-open has no expiry
		b.expiry = zero
	}
}
