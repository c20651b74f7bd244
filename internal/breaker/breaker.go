// Package breaker implements the circuit breaker guarding the archive
// sinks. A sink that keeps failing is skipped for a cooldown window instead
// of stalling every verdict's archive tee.
package breaker

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// State is the breaker's position.
type State int

const (
	StateClosed   State = iota // normal operation, calls pass through
	StateOpen                  // tripping threshold exceeded, calls rejected
	StateHalfOpen              // cooldown elapsed, probing recovery
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
	ErrOpen          = errors.New("circuit breaker is open")
	ErrTooManyProbes = errors.New("too many probes in half-open state")
)

// Counts holds the rolling call statistics for the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// FailureRatio is failures over requests for this generation.
func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

func (c *Counts) clear() {
	*c = Counts{}
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

// Config tunes one breaker. Zero values take the defaults noted per field.
type Config struct {
	// MaxProbes is how many calls may run in half-open state. Default 3.
	MaxProbes uint32

	// Interval is the closed-state window after which counts reset.
	// Default 60s.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing.
	// Default 30s.
	Timeout time.Duration

	// ReadyToTrip decides, on each closed-state failure, whether to open.
	// Default: at least five requests with a failure ratio over one half.
	ReadyToTrip func(Counts) bool
}

func (cfg *Config) withDefaults() {
	if cfg.MaxProbes == 0 {
		cfg.MaxProbes = 3
	}
	if cfg.Interval == 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ReadyToTrip == nil {
		cfg.ReadyToTrip = func(c Counts) bool {
			return c.Requests >= 5 && c.FailureRatio() > 0.5
		}
	}
}

// Breaker is a single named circuit breaker. Generations detect stale
// results: a call that straddles a state change is not counted against the
// new generation.
type Breaker struct {
	name   string
	cfg    Config
	logger *log.Logger

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time

	trips atomic.Int64
}

func New(name string, cfg Config) *Breaker {
	cfg.withDefaults()
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		logger: log.New(log.Writer(), "[BREAKER] ", log.LstdFlags),
	}
	b.newGeneration(time.Now())
	return b
}

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.name }

// Do runs op if the breaker allows it and records the result. Rejections
// return ErrOpen or ErrTooManyProbes without invoking op.
func (b *Breaker) Do(op func() error) error {
	gen, err := b.before()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			b.after(gen, false)
			panic(r)
		}
	}()
	err = op()
	b.after(gen, err == nil)
	return err
}

// State returns the current state, advancing open→half-open when the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.currentState(time.Now())
	return s
}

// Counts returns the current generation's call statistics.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Stats reports breaker state for the status endpoint.
func (b *Breaker) Stats() map[string]interface{} {
	b.mu.Lock()
	now := time.Now()
	state, _ := b.currentState(now)
	counts := b.counts
	b.mu.Unlock()
	return map[string]interface{}{
		"name":      b.name,
		"state":     state.String(),
		"requests":  counts.Requests,
		"successes": counts.TotalSuccesses,
		"failures":  counts.TotalFailures,
		"trips":     b.trips.Load(),
	}
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, gen := b.currentState(now)

	if state == StateOpen {
		return gen, ErrOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxProbes {
		return gen, ErrTooManyProbes
	}
	b.counts.Requests++
	return gen, nil
}

func (b *Breaker) after(gen uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, current := b.currentState(now)
	if gen != current {
		return
	}

	if success {
		b.counts.onSuccess()
		if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.cfg.MaxProbes {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.onFailure()
	switch state {
	case StateClosed:
		if b.cfg.ReadyToTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

// currentState advances timed transitions. Caller holds the lock.
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

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	if state == StateOpen {
		b.trips.Add(1)
	}
	b.newGeneration(now)
	b.logger.Printf("%s: %s -> %s", b.name, prev, state)
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts.clear()
	switch b.state {
	case StateClosed:
		b.expiry = now.Add(b.cfg.Interval)
	case StateOpen:
		b.expiry = now.Add(b.cfg.Timeout)
	default:
		b.expiry = time.Time{}
	}
}
