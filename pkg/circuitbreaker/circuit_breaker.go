// Package circuitbreaker guards calls to an external service that fails as a
// unit. Consecutive failures open the breaker and further calls are rejected
// immediately; after a cooldown a single probe call is let through, and its
// outcome decides whether the breaker closes again or stays open.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the breaker's position in its lifecycle.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker wraps calls to one named dependency. The zero value is not usable;
// construct with New or NewWithLogger.
type Breaker struct {
	name     string
	trip     int
	cooldown time.Duration

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool

	logger *logrus.Logger
}

// New creates a breaker that opens after trip consecutive failures and probes
// again once cooldown has passed.
func New(name string, trip int, cooldown time.Duration) *Breaker {
	return NewWithLogger(name, trip, cooldown, logrus.New())
}

func NewWithLogger(name string, trip int, cooldown time.Duration, logger *logrus.Logger) *Breaker {
	if trip < 1 {
		trip = 1
	}
	return &Breaker{
		name:     name,
		trip:     trip,
		cooldown: cooldown,
		state:    StateClosed,
		logger:   logger,
	}
}

// Execute runs fn if the breaker admits the call and feeds the outcome back
// into the state machine. When the breaker rejects the call, the returned
// error is an *OpenError and fn is never invoked.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn(ctx)
	b.record(err == nil)
	return err
}

// admit decides whether a call may go out right now. Moving from open to
// half-open happens here, on the first call after the cooldown.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return &OpenError{Name: b.name, State: StateOpen}
		}
		b.state = StateHalfOpen
		b.probing = true
		b.logger.WithFields(logrus.Fields{
			"breaker": b.name,
			"state":   b.state.String(),
		}).Info("Circuit breaker probing after cooldown")
		return nil

	case StateHalfOpen:
		// One probe at a time; everyone else keeps failing fast until the
		// in-flight probe reports back.
		if b.probing {
			return &OpenError{Name: b.name, State: StateHalfOpen}
		}
		b.probing = true
		return nil
	}

	return &OpenError{Name: b.name, State: b.state}
}

func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if ok {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.trip {
			b.open()
		}

	case StateHalfOpen:
		b.probing = false
		if ok {
			b.state = StateClosed
			b.failures = 0
			b.logger.WithFields(logrus.Fields{
				"breaker": b.name,
				"state":   b.state.String(),
			}).Info("Circuit breaker closed after a successful probe")
			return
		}
		b.open()
	}
}

// open transitions to the open state and restarts the cooldown. Callers hold
// the lock.
func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.logger.WithFields(logrus.Fields{
		"breaker":  b.name,
		"failures": b.failures,
		"state":    b.state.String(),
	}).Warn("Circuit breaker opened")
}

// State reports the breaker's current state without advancing it; a breaker
// past its cooldown still reads open until the next call probes.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time view of the breaker for diagnostics.
type Snapshot struct {
	Name     string
	State    State
	Failures int
	OpenedAt time.Time
}

func (b *Breaker) Stats() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:     b.name,
		State:    b.state,
		Failures: b.failures,
		OpenedAt: b.openedAt,
	}
}

// OpenError reports a call rejected because the breaker was not closed.
type OpenError struct {
	Name  string
	State State
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is %s", e.Name, e.State)
}

// IsCircuitBreakerError reports whether err is a breaker rejection rather
// than a failure of the call itself.
func IsCircuitBreakerError(err error) bool {
	var openErr *OpenError
	return errors.As(err, &openErr)
}
