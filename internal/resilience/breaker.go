package resilience

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned by Execute while the breaker is tripped.
	ErrCircuitOpen = errors.New("resilience: circuit is open")
	// ErrTooManyRequests is returned when the half-open probe budget is spent.
	ErrTooManyRequests = errors.New("resilience: too many probe requests")
)

// State is one of a Breaker's three states.
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

// Settings configures a Breaker's trip and recovery behavior.
type Settings struct {
	// MaxRequests caps how many probe calls are allowed while half-open.
	MaxRequests uint32
	// Interval is how often the closed-state counters reset to zero.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration
	// ReadyToTrip decides, from the running Counts, whether a closed
	// breaker should open after the latest failure.
	ReadyToTrip func(counts Counts) bool
	// OnStateChange, if set, fires on every state transition.
	OnStateChange func(name string, from State, to State)
}

// Counts tracks a Breaker's running request/failure tallies.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Breaker guards a single named operation (e.g. one sink file's writes)
// with closed/open/half-open state.
type Breaker struct {
	name     string
	settings Settings

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// New creates a Breaker identified by name.
func New(name string, settings Settings) *Breaker {
	if settings.MaxRequests == 0 {
		settings.MaxRequests = 1
	}
	if settings.Interval == 0 {
		settings.Interval = 60 * time.Second
	}
	if settings.Timeout == 0 {
		settings.Timeout = 60 * time.Second
	}
	if settings.ReadyToTrip == nil {
		settings.ReadyToTrip = func(counts Counts) bool {
			return counts.ConsecutiveFailures > 5
		}
	}

	return &Breaker{
		name:     name,
		settings: settings,
		state:    StateClosed,
		expiry:   time.Now().Add(settings.Interval),
	}
}

// Name identifies the guarded operation (e.g. "sink:console").
func (b *Breaker) Name() string {
	return b.name
}

// State reports the breaker's current state, advancing an expired open
// window to half-open or clearing an expired closed-state window first.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, _ := b.currentState(time.Now())
	return state
}

// Counts returns a snapshot of the breaker's running tallies.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.counts
}

// Execute runs work if the breaker currently accepts it, recording the
// outcome. A panic inside work is recorded as a failure and re-raised.
func (b *Breaker) Execute(work func() (interface{}, error)) (interface{}, error) {
	gen, err := b.beforeRequest()
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			b.afterRequest(gen, false)
			panic(r)
		}
	}()

	result, err := work()
	b.afterRequest(gen, err == nil)
	return result, err
}

// beforeRequest admits or rejects a call depending on the breaker's
// current state, incrementing Requests on admission.
func (b *Breaker) beforeRequest() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, gen := b.currentState(time.Now())

	if state == StateOpen {
		return gen, ErrCircuitOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.settings.MaxRequests {
		return gen, ErrTooManyRequests
	}

	b.counts.Requests++
	return gen, nil
}

// afterRequest records a call's outcome, ignoring it if the breaker moved
// to a new generation (e.g. an open window expired) while the call ran.
func (b *Breaker) afterRequest(admittedGen uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, gen := b.currentState(time.Now())
	if gen != admittedGen {
		return
	}

	if success {
		b.onSuccess(state, time.Now())
	} else {
		b.onFailure(state, time.Now())
	}
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
	case StateHalfOpen:
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if b.counts.ConsecutiveSuccesses >= b.settings.MaxRequests {
			b.setState(StateClosed, now)
		}
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.TotalFailures++
		b.counts.ConsecutiveFailures++
		b.counts.ConsecutiveSuccesses = 0
		if b.settings.ReadyToTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

// currentState advances the state machine for elapsed time (closed-window
// expiry clears counts; open-window expiry moves to half-open) and
// returns the resulting state plus a generation token identifying the
// current window, used by afterRequest to discard stale outcomes.
func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.resetCounts()
			b.expiry = now.Add(b.settings.Interval)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}

	return b.state, uint64(b.expiry.UnixNano())
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state
	b.resetCounts()

	switch state {
	case StateClosed:
		b.expiry = now.Add(b.settings.Interval)
	case StateOpen:
		b.expiry = now.Add(b.settings.Timeout)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}

	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, prev, state)
	}
}

func (b *Breaker) resetCounts() {
	b.counts = Counts{}
}
