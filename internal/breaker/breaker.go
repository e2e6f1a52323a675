// Package breaker implements a consecutive-failure circuit breaker and a
// registry that holds one breaker per downstream dependency.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is a circuit breaker state.
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
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Default settings.
const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
)

// ErrOpen is the sentinel matched by every *OpenError.
var ErrOpen = errors.New("circuit breaker is open")

// OpenError is returned by Allow while the breaker rejects calls.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open, retry after %s", e.Name, e.RetryAfter)
}

func (e *OpenError) Unwrap() error { return ErrOpen }

// Settings configures a breaker.
type Settings struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
	// OnStateChange is called with the lock released after every transition.
	OnStateChange func(name string, from, to State)
}

func (s *Settings) applyDefaults() {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if s.Now == nil {
		s.Now = time.Now
	}
}

// Snapshot is a point-in-time copy of a breaker's state.
type Snapshot struct {
	Name            string
	State           State
	Failures        int
	LastFailure     time.Time
	NextAttemptTime time.Time
}

// Breaker gates calls to one dependency. It is safe for concurrent use.
//
// Callers call Allow before the protected call and exactly one of Success or
// Failure after it. In half-open state only one caller is admitted until its
// outcome is reported.
type Breaker struct {
	name     string
	settings Settings

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	nextAttempt time.Time
	trialOut    bool
}

// New creates a closed breaker.
func New(name string, settings Settings) *Breaker {
	settings.applyDefaults()
	return &Breaker{name: name, settings: settings}
}

// Name returns the breaker key.
func (b *Breaker) Name() string { return b.name }

// Allow reports whether a call may proceed, returning *OpenError if not. An
// open breaker whose recovery timeout has elapsed moves to half-open and
// admits this caller as the single trial.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	now := b.settings.Now()
	from := b.state

	switch b.state {
	case StateOpen:
		if now.Before(b.nextAttempt) {
			err := &OpenError{Name: b.name, RetryAfter: b.nextAttempt.Sub(now)}
			b.mu.Unlock()
			return err
		}
		b.state = StateHalfOpen
		b.trialOut = true
	case StateHalfOpen:
		if b.trialOut {
			err := &OpenError{Name: b.name, RetryAfter: 0}
			b.mu.Unlock()
			return err
		}
		b.trialOut = true
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return nil
}

// Success records a successful call and closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.trialOut = false
	b.mu.Unlock()

	b.notify(from, StateClosed)
}

// Failure records a failed call. Reaching the threshold in closed state, or
// any failure in half-open state, opens the breaker.
func (b *Breaker) Failure() {
	b.mu.Lock()
	now := b.settings.Now()
	from := b.state
	b.lastFailure = now

	switch b.state {
	case StateHalfOpen:
		b.open(now)
		b.failures = b.settings.FailureThreshold
	case StateClosed:
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.open(now)
		}
	case StateOpen:
		// A call admitted before the breaker opened; keep the window.
		b.failures++
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// Abandon releases an admitted call that produced no outcome, such as one
// cancelled by its caller, so the half-open trial slot is not held forever.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	if b.state == StateHalfOpen {
		b.trialOut = false
	}
	b.mu.Unlock()
}

func (b *Breaker) open(now time.Time) {
	b.state = StateOpen
	b.nextAttempt = now.Add(b.settings.RecoveryTimeout)
	b.trialOut = false
}

// Check returns the *OpenError Allow would return now, without transitioning
// or claiming the half-open trial slot.
func (b *Breaker) Check() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		if now := b.settings.Now(); now.Before(b.nextAttempt) {
			return &OpenError{Name: b.name, RetryAfter: b.nextAttempt.Sub(now)}
		}
	case StateHalfOpen:
		if b.trialOut {
			return &OpenError{Name: b.name}
		}
	}
	return nil
}

// Rejecting reports whether a call made now would be rejected.
func (b *Breaker) Rejecting() bool {
	return b.Check() != nil
}

// State returns the current state without transitioning.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:            b.name,
		State:           b.state,
		Failures:        b.failures,
		LastFailure:     b.lastFailure,
		NextAttemptTime: b.nextAttempt,
	}
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, from, to)
	}
}

// Registry lazily creates one breaker per key with shared settings.
type Registry struct {
	settings Settings

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry.
func NewRegistry(settings Settings) *Registry {
	settings.applyDefaults()
	return &Registry{settings: settings, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for key, creating it closed on first use.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[key]
	if !ok {
		b = New(key, r.settings)
		r.breakers[key] = b
	}
	return b
}

// Snapshots returns the state of every breaker created so far.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	return out
}
