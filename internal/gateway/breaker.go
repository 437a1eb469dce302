package gateway

import (
	"sync"
	"time"
)

// State is a circuit breaker state. The only legal edges are
// closed -> open -> half_open -> {closed | open}.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// BreakerConfig defines circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	SuccessThreshold int
}

// BreakerSnapshot is a point-in-time copy of breaker state.
type BreakerSnapshot struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
}

// TransitionFunc observes breaker state changes.
type TransitionFunc func(name string, from, to State, snap BreakerSnapshot)

// Breaker guards one dependency. While half-open exactly one trial call may be
// in flight; concurrent callers fail fast.
type Breaker struct {
	name string
	cfg  BreakerConfig

	now          func() time.Time
	isFailure    func(error) bool
	onTransition TransitionFunc

	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int
	lastFailure   time.Time
	probeInFlight bool
}

// NewBreaker creates a closed breaker. Non-positive thresholds fall back to 1.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	return &Breaker{
		name:      name,
		cfg:       cfg,
		now:       time.Now,
		isFailure: func(error) bool { return true },
		state:     StateClosed,
	}
}

// OnTransition registers a callback fired after every state change.
func (b *Breaker) OnTransition(fn TransitionFunc) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// CountFailures restricts which errors count against the breaker. Errors the
// filter rejects release a half-open probe without changing state.
func (b *Breaker) CountFailures(fn func(error) bool) {
	b.mu.Lock()
	b.isFailure = fn
	b.mu.Unlock()
}

func (b *Breaker) Name() string { return b.name }

// State returns the current state, moving open to half_open once the reset
// timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	changed := b.maybeHalfOpenLocked()
	st := b.state
	snap := b.snapshotLocked()
	b.mu.Unlock()

	if changed {
		b.notify(StateOpen, StateHalfOpen, snap)
	}
	return st
}

func (b *Breaker) Snapshot() BreakerSnapshot {
	b.State()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// Allow reserves the right to make one call. It returns ErrCircuitOpen when the
// breaker is open or a half-open probe is already in flight.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	changed := b.maybeHalfOpenLocked()
	snap := b.snapshotLocked()

	var err error
	switch b.state {
	case StateOpen:
		err = ErrCircuitOpen
	case StateHalfOpen:
		if b.probeInFlight {
			err = ErrCircuitOpen
		} else {
			b.probeInFlight = true
		}
	}
	b.mu.Unlock()

	if changed {
		b.notify(StateOpen, StateHalfOpen, snap)
	}
	return err
}

// Done reports the outcome of a call admitted by Allow.
func (b *Breaker) Done(err error) {
	if err == nil {
		b.recordSuccess()
		return
	}
	b.mu.Lock()
	counts := b.isFailure(err)
	if !counts {
		b.probeInFlight = false
	}
	b.mu.Unlock()
	if counts {
		b.recordFailure()
	}
}

// Execute runs fn if the breaker admits it and records the outcome.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	b.Done(err)
	return err
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.probeInFlight = false
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
		}
	}
	to := b.state
	snap := b.snapshotLocked()
	b.mu.Unlock()

	if from != to {
		b.notify(from, to, snap)
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	from := b.state
	b.lastFailure = b.now()
	b.failureCount++
	switch b.state {
	case StateClosed:
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = StateOpen
		}
	case StateHalfOpen:
		b.probeInFlight = false
		b.successCount = 0
		b.state = StateOpen
	}
	to := b.state
	snap := b.snapshotLocked()
	b.mu.Unlock()

	if from != to {
		b.notify(from, to, snap)
	}
}

func (b *Breaker) maybeHalfOpenLocked() bool {
	if b.state != StateOpen {
		return false
	}
	if b.now().Sub(b.lastFailure) < b.cfg.ResetTimeout {
		return false
	}
	b.state = StateHalfOpen
	b.successCount = 0
	b.probeInFlight = false
	return true
}

func (b *Breaker) snapshotLocked() BreakerSnapshot {
	return BreakerSnapshot{
		Name:            b.name,
		State:           b.state,
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		LastFailureTime: b.lastFailure,
	}
}

func (b *Breaker) notify(from, to State, snap BreakerSnapshot) {
	b.mu.Lock()
	fn := b.onTransition
	b.mu.Unlock()
	if fn != nil {
		fn(b.name, from, to, snap)
	}
}
