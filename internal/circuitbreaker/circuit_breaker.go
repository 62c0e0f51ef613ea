// Package circuitbreaker guards outbound platform calls so a dead or
// rate-limited ad platform fails fast instead of burning chunk retries.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/campaign-sync/internal/logging"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means calls flow through normally
	StateClosed State = "closed"
	// StateOpen means calls are rejected until the cooldown elapses
	StateOpen State = "open"
	// StateHalfOpen means a limited number of probe calls are allowed
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned while the circuit is open.
var ErrOpen = errors.New("circuit breaker is open")

// ErrProbeLimit is returned when the half-open probe budget is spent.
var ErrProbeLimit = errors.New("circuit breaker half-open probe limit reached")

// Config configures a breaker
type Config struct {
	Name string
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before probing.
	Cooldown time.Duration
	// HalfOpenProbes is how many successful probes close the circuit, and
	// also the cap on concurrent half-open calls.
	HalfOpenProbes int
}

// DefaultConfig returns the configuration used for platform adapters.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenProbes:   2,
	}
}

// Breaker implements the circuit breaker pattern around a single dependency.
type Breaker struct {
	cfg Config

	mu               sync.Mutex
	state            State
	consecutiveFails int
	probesIssued     int
	probeSuccesses   int
	lastTransition   time.Time

	now func() time.Time
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	return &Breaker{
		cfg:            cfg,
		state:          StateClosed,
		lastTransition: time.Now(),
		now:            time.Now,
	}
}

// Execute runs fn under the breaker. It returns ErrOpen without calling fn
// while the circuit is open, and propagates fn's error otherwise.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.admit(); err != nil {
		return err
	}

	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.lastTransition) < b.cfg.Cooldown {
			return ErrOpen
		}
		b.transition(StateHalfOpen)
		b.probesIssued = 1
		return nil
	case StateHalfOpen:
		if b.probesIssued >= b.cfg.HalfOpenProbes {
			return ErrProbeLimit
		}
		b.probesIssued++
		return nil
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.consecutiveFails++
		switch b.state {
		case StateClosed:
			if b.consecutiveFails >= b.cfg.FailureThreshold {
				b.transition(StateOpen)
				logging.WithFields(map[string]interface{}{
					"breaker":          b.cfg.Name,
					"consecutiveFails": b.consecutiveFails,
				}).Warn("circuit breaker opened")
			}
		case StateHalfOpen:
			// One failed probe reopens
			b.transition(StateOpen)
			logging.WithField("breaker", b.cfg.Name).Warn("circuit breaker reopened after failed probe")
		}
		return
	}

	b.consecutiveFails = 0
	if b.state == StateHalfOpen {
		b.probeSuccesses++
		if b.probeSuccesses >= b.cfg.HalfOpenProbes {
			b.transition(StateClosed)
			logging.WithField("breaker", b.cfg.Name).Info("circuit breaker closed after recovery")
		}
	}
}

func (b *Breaker) transition(s State) {
	b.state = s
	b.lastTransition = b.now()
	if s != StateHalfOpen {
		b.probesIssued = 0
	}
	b.probeSuccesses = 0
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is a point-in-time snapshot for health endpoints.
type Stats struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	ConsecutiveFails int       `json:"consecutiveFails"`
	LastTransition   time.Time `json:"lastTransition"`
}

// Stats returns a snapshot of the breaker.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:             b.cfg.Name,
		State:            b.state,
		ConsecutiveFails: b.consecutiveFails,
		LastTransition:   b.lastTransition,
	}
}

// Registry holds one breaker per dependency name (one per platform).
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it with defaults on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(DefaultConfig(name))
	r.breakers[name] = b
	return b
}

// AllStats returns stats for every breaker in the registry.
func (r *Registry) AllStats() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		stats = append(stats, b.Stats())
	}
	return stats
}
