// Package breaker implements a per-dependency circuit breaker whose state
// survives restarts. Each breaker persists to its own JSON file under
// ~/.antigravity/circuit_breakers/.
package breaker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	agerrors "antigravity/internal/errors"
	"antigravity/internal/logging"
	jsonx "antigravity/internal/shared/json"
)

// State is the breaker state machine position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config configures breaker behavior.
type Config struct {
	FailureThreshold int           // Consecutive failures to open (default: 5)
	SuccessThreshold int           // Consecutive half-open successes to close (default: 2)
	Cooldown         time.Duration // Open duration before probing (default: 300s)
	OnStateChange    func(from, to State, name string)
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         300 * time.Second,
	}
}

// CircuitState is the persisted breaker record.
type CircuitState struct {
	Name                 string     `json:"name"`
	State                State      `json:"state"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	TotalFailures        int        `json:"total_failures"`
	TotalSuccesses       int        `json:"total_successes"`
	LastFailureTime      *time.Time `json:"last_failure_time,omitempty"`
	OpenedAt             *time.Time `json:"opened_at,omitempty"`
}

// Breaker is a persisted circuit breaker for one named dependency.
type Breaker struct {
	dir    string
	config Config
	logger logging.Logger
	now    func() time.Time

	mu sync.Mutex
	st CircuitState
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock injects a clock, used by tests to advance time.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithLogger sets the breaker logger.
func WithLogger(logger logging.Logger) Option {
	return func(b *Breaker) { b.logger = logger }
}

// DefaultDir returns the production breaker state directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".antigravity", "circuit_breakers")
}

// New loads (or initializes) the breaker named name, persisting under dir.
func New(name, dir string, config Config, opts ...Option) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 300 * time.Second
	}
	b := &Breaker{
		dir:    dir,
		config: config,
		logger: logging.NewComponentLogger("circuit-breaker"),
		now:    time.Now,
		st: CircuitState{
			Name:  name,
			State: StateClosed,
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logging.OrNop(b.logger)
	b.load()
	return b
}

func (b *Breaker) statePath() string {
	return filepath.Join(b.dir, b.st.Name+".json")
}

func (b *Breaker) load() {
	data, err := os.ReadFile(b.statePath())
	if err != nil {
		return
	}
	var st CircuitState
	if err := jsonx.Unmarshal(data, &st); err != nil {
		b.logger.Warn("[%s] Corrupt breaker state, starting closed: %v", b.st.Name, err)
		return
	}
	if st.Name != b.st.Name {
		st.Name = b.st.Name
	}
	switch st.State {
	case StateClosed, StateOpen, StateHalfOpen:
	default:
		st.State = StateClosed
	}
	b.st = st
}

// persist is called with the lock held.
func (b *Breaker) persist() {
	if err := os.MkdirAll(b.dir, 0755); err != nil {
		b.logger.Error("[%s] Cannot create breaker dir: %v", b.st.Name, err)
		return
	}
	data, err := jsonx.MarshalIndent(b.st, "", "  ")
	if err != nil {
		b.logger.Error("[%s] Cannot encode breaker state: %v", b.st.Name, err)
		return
	}
	if err := os.WriteFile(b.statePath(), data, 0644); err != nil {
		b.logger.Error("[%s] Cannot persist breaker state: %v", b.st.Name, err)
	}
}

// CanCall reports whether a call may proceed. An open breaker whose cooldown
// has elapsed transitions to half-open here.
func (b *Breaker) CanCall() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.st.State {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.st.OpenedAt != nil && b.now().Sub(*b.st.OpenedAt) >= b.config.Cooldown {
			b.setState(StateHalfOpen)
			b.st.ConsecutiveSuccesses = 0
			b.st.OpenedAt = nil
			b.persist()
			b.logger.Info("[%s] Cooldown elapsed, probing (half-open)", b.st.Name)
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess registers a successful call. Outside half-open, any success
// fast-closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.st.TotalSuccesses++
	b.st.ConsecutiveFailures = 0

	switch b.st.State {
	case StateHalfOpen:
		b.st.ConsecutiveSuccesses++
		if b.st.ConsecutiveSuccesses >= b.config.SuccessThreshold {
			b.setState(StateClosed)
			b.st.ConsecutiveSuccesses = 0
			b.st.OpenedAt = nil
			b.logger.Info("[%s] Recovered, breaker closed", b.st.Name)
		}
	default:
		if prev := b.st.State; prev != StateClosed {
			b.setState(StateClosed)
			b.logger.Info("[%s] Success while %s, fast-closing", b.st.Name, prev)
		}
		b.st.ConsecutiveSuccesses = 0
		b.st.OpenedAt = nil
	}
	b.persist()
}

// RecordFailure registers a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.st.TotalFailures++
	b.st.ConsecutiveSuccesses = 0
	b.st.LastFailureTime = &now

	switch b.st.State {
	case StateClosed:
		b.st.ConsecutiveFailures++
		if b.st.ConsecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen)
			b.st.OpenedAt = &now
			b.logger.Warn("[%s] %d consecutive failures, breaker open", b.st.Name, b.st.ConsecutiveFailures)
		}
	case StateHalfOpen:
		b.st.ConsecutiveFailures++
		b.setState(StateOpen)
		b.st.OpenedAt = &now
		b.logger.Warn("[%s] Probe failed, breaker reopened", b.st.Name)
	case StateOpen:
		b.st.ConsecutiveFailures++
	}
	b.persist()
}

// Reset force-closes the breaker and clears consecutive counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	old := b.st.State
	b.setState(StateClosed)
	b.st.ConsecutiveFailures = 0
	b.st.ConsecutiveSuccesses = 0
	b.st.OpenedAt = nil
	b.persist()
	b.logger.Info("[%s] Breaker manually reset from %s", b.st.Name, old)
}

// State returns the current state, applying cooldown transitions first.
func (b *Breaker) State() State {
	b.CanCall()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st.State
}

// Snapshot returns a copy of the persisted record.
func (b *Breaker) Snapshot() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st
}

// setState is called with the lock held.
func (b *Breaker) setState(next State) {
	old := b.st.State
	if old == next {
		return
	}
	b.st.State = next
	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(old, next, b.st.Name)
	}
}

// Call runs fn under the breaker, returning a connection-class error without
// invoking fn when the breaker is open.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.CanCall() {
		return fmt.Errorf("%w: %s", agerrors.ErrCircuitOpen, b.st.Name)
	}
	err := fn(ctx)
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// CallWithResult runs fn under breaker, preserving its result.
func CallWithResult[T any](b *Breaker, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if !b.CanCall() {
		return zero, fmt.Errorf("%w: %s", agerrors.ErrCircuitOpen, b.st.Name)
	}
	result, err := fn(ctx)
	if err != nil {
		b.RecordFailure()
		return zero, err
	}
	b.RecordSuccess()
	return result, nil
}
