// Package breaker gates remote calls behind a CLOSED/OPEN/HALF_OPEN state
// machine driven by call outcomes and elapsed time.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrOpen is returned by Allow while the breaker rejects remote calls
var ErrOpen = errors.New("circuit breaker open")

// State of the breaker.
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

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 30 * time.Second
)

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// Permit is handed out by Allow and must be returned through exactly one of
// Success, Failure or Release.
type Permit struct {
	trial bool
	gen   uint64
}

// Trial reports whether the permit is the single half-open probe.
func (p Permit) Trial() bool {
	return p.trial
}

// Stats is a point-in-time view of the breaker.
type Stats struct {
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	FailureThreshold    int        `json:"failure_threshold"`
	RecoveryTimeoutMs   int64      `json:"recovery_timeout_ms"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	TimesOpened         int        `json:"times_opened"`
}

// Breaker is safe for concurrent use. All transitions happen under one
// mutex, so exactly one caller can move OPEN to HALF_OPEN.
type Breaker struct {
	cfg      Config
	now      func() time.Time
	logger   logrus.FieldLogger
	onChange func(from, to State)

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	timesOpened         int
	// gen increments on every transition so outcomes from permits issued
	// in an earlier state are ignored.
	gen uint64
}

// New creates a breaker in CLOSED. A nil clock means time.Now.
func New(cfg Config, now func() time.Time, logger logrus.FieldLogger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	b := &Breaker{
		cfg:    cfg,
		now:    now,
		logger: logger.WithField("component", "breaker"),
		state:  StateClosed,
	}
	b.logger.WithFields(logrus.Fields{
		"threshold": cfg.FailureThreshold,
		"timeout":   cfg.RecoveryTimeout,
	}).Info("Circuit breaker initialized")
	return b
}

// OnStateChange registers a callback invoked after every transition. It
// runs under the breaker lock and must not call back into the breaker.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// Allow asks for permission to make one remote call. While OPEN it returns
// ErrOpen until the recovery timeout has elapsed; the first caller after
// that becomes the half-open trial and everyone else is still rejected.
func (b *Breaker) Allow() (Permit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return Permit{gen: b.gen}, nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.RecoveryTimeout {
			return Permit{}, ErrOpen
		}
		b.transition(StateHalfOpen)
		b.logger.Info("Circuit breaker HALF_OPEN (testing recovery)")
		return Permit{trial: true, gen: b.gen}, nil
	default:
		// a trial is already in flight
		return Permit{}, ErrOpen
	}
}

// Success records a successful remote call.
func (b *Breaker) Success(p Permit) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p.gen != b.gen {
		return
	}

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		if p.trial {
			b.consecutiveFailures = 0
			b.transition(StateClosed)
			b.logger.Info("Circuit breaker CLOSED (service recovered)")
		}
	}
}

// Failure records a failed or timed-out remote call.
func (b *Breaker) Failure(p Permit) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p.gen != b.gen {
		return
	}

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.open()
			b.logger.WithFields(logrus.Fields{
				"failures": b.consecutiveFailures,
				"retry_in": b.cfg.RecoveryTimeout,
			}).Warn("Circuit breaker OPENED")
		}
	case StateHalfOpen:
		if p.trial {
			b.open()
			b.logger.Warn("Circuit breaker trial failed, reopening")
		}
	}
}

// Release gives back a permit whose call was never made. A released trial
// returns the breaker to OPEN without restarting the recovery timer, so the
// next caller may become the trial.
func (b *Breaker) Release(p Permit) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !p.trial || p.gen != b.gen || b.state != StateHalfOpen {
		return
	}
	b.transition(StateOpen)
}

// Reset forces the breaker back to CLOSED.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.openedAt = time.Time{}
	b.transition(StateClosed)
	b.logger.Info("Circuit breaker manually reset")
}

// State returns the current state without triggering any transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot for reporting.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		FailureThreshold:    b.cfg.FailureThreshold,
		RecoveryTimeoutMs:   b.cfg.RecoveryTimeout.Milliseconds(),
		TimesOpened:         b.timesOpened,
	}
	if !b.openedAt.IsZero() {
		openedAt := b.openedAt
		s.OpenedAt = &openedAt
	}
	return s
}

func (b *Breaker) open() {
	b.openedAt = b.now()
	b.timesOpened++
	b.transition(StateOpen)
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.gen++
	if b.onChange != nil && from != to {
		b.onChange(from, to)
	}
}
