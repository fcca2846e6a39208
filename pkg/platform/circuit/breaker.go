// Package circuit provides a two-state circuit breaker for routing around an
// unhealthy primary path.
package circuit

import "sync"

// State represents the circuit breaker state.
type State int

const (
	// StateClosed means the primary path is used.
	StateClosed State = iota
	// StateOpen means callers go straight to their fallback.
	StateOpen
)

func (s State) String() string {
	if s == StateOpen {
		return "open"
	}
	return "closed"
}

// StateChange reports a transition caused by the last recorded outcome.
type StateChange struct {
	Opened bool
	Closed bool
}

// Breaker counts consecutive outcomes. FailureThreshold consecutive primary
// failures open it; while open, SuccessThreshold consecutive fallback
// successes close it again and the next call probes the primary.
type Breaker struct {
	mu               sync.Mutex
	state            State
	name             string
	failureCount     int
	successCount     int
	failureThreshold int
	successThreshold int
	onChange         func(name string, to State)
}

// Option configures a Breaker instance.
type Option func(*Breaker)

// WithFailureThreshold sets the consecutive failures that open the circuit.
// Default is 5.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithSuccessThreshold sets the consecutive successes that close the circuit.
// Default is 3.
func WithSuccessThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.successThreshold = n
		}
	}
}

// WithStateChangeHook registers fn to run after every transition. It is
// called without the breaker's lock held.
func WithStateChangeHook(fn func(name string, to State)) Option {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// New creates a closed circuit breaker.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		state:            StateClosed,
		failureThreshold: 5,
		successThreshold: 3,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *Breaker) Name() string {
	return b.name
}

// IsOpen reports whether callers should skip the primary path.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateOpen
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RecordFailure records a failed primary call and reports whether the
// circuit is open afterwards.
func (b *Breaker) RecordFailure() (useFallback bool, change StateChange) {
	b.mu.Lock()
	b.failureCount++
	b.successCount = 0

	if b.state == StateOpen {
		b.mu.Unlock()
		return true, StateChange{}
	}
	if b.failureCount < b.failureThreshold {
		b.mu.Unlock()
		return false, StateChange{}
	}
	b.state = StateOpen
	b.mu.Unlock()

	b.notify(StateOpen)
	return true, StateChange{Opened: true}
}

// RecordSuccess records a successful call. While closed it resets the failure
// streak; while open it counts toward closing.
func (b *Breaker) RecordSuccess() (usePrimary bool, change StateChange) {
	b.mu.Lock()
	if b.state == StateClosed {
		b.failureCount = 0
		b.mu.Unlock()
		return true, StateChange{}
	}

	b.successCount++
	if b.successCount < b.successThreshold {
		b.mu.Unlock()
		return false, StateChange{}
	}
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.mu.Unlock()

	b.notify(StateClosed)
	return true, StateChange{Closed: true}
}

// Reset closes the circuit and clears both streaks.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
}

func (b *Breaker) notify(to State) {
	if b.onChange != nil {
		b.onChange(b.name, to)
	}
}
