// Package ratelimit caps remote dispatches on fixed per-minute and per-day
// windows. Admission increments the counters, so in-flight calls count
// against the cap.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrPerMinute is returned when the per-minute window is full
	ErrPerMinute = errors.New("per-minute request cap reached")

	// ErrPerDay is returned when the per-day window is full
	ErrPerDay = errors.New("per-day request cap reached")
)

const (
	DefaultPerMinuteCap = 60
	DefaultPerDayCap    = 10000
)

// Config holds the window caps.
type Config struct {
	PerMinuteCap int
	PerDayCap    int
}

// Stats is a point-in-time view of the counters.
type Stats struct {
	RequestsThisMinute int       `json:"requests_this_minute"`
	RequestsToday      int       `json:"requests_today"`
	InFlight           int       `json:"in_flight"`
	PerMinuteCap       int       `json:"per_minute_cap"`
	PerDayCap          int       `json:"per_day_cap"`
	MinuteWindowStart  time.Time `json:"minute_window_start"`
	DayWindowStart     time.Time `json:"day_window_start"`
	RemainingToday     int       `json:"remaining_today"`
}

// Limiter is safe for concurrent use.
type Limiter struct {
	cfg    Config
	now    func() time.Time
	logger logrus.FieldLogger

	mu                 sync.Mutex
	requestsThisMinute int
	requestsToday      int
	minuteStart        time.Time
	dayStart           time.Time
	inFlight           int
}

// New creates a limiter. A nil clock means time.Now.
func New(cfg Config, now func() time.Time, logger logrus.FieldLogger) *Limiter {
	if cfg.PerMinuteCap <= 0 {
		cfg.PerMinuteCap = DefaultPerMinuteCap
	}
	if cfg.PerDayCap <= 0 {
		cfg.PerDayCap = DefaultPerDayCap
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	t := now()
	return &Limiter{
		cfg:         cfg,
		now:         now,
		logger:      logger.WithField("component", "ratelimit"),
		minuteStart: minuteOf(t),
		dayStart:    dayOf(t),
	}
}

// TryAdmit rolls over expired windows, then admits and counts one remote
// dispatch if both windows have headroom. On refusal it returns
// ErrPerMinute or ErrPerDay.
func (l *Limiter) TryAdmit() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollover(l.now())

	if l.requestsThisMinute >= l.cfg.PerMinuteCap {
		return ErrPerMinute
	}
	if l.requestsToday >= l.cfg.PerDayCap {
		return ErrPerDay
	}

	l.requestsThisMinute++
	l.requestsToday++
	l.inFlight++
	return nil
}

// RecordCompletion marks an admitted dispatch as finished. Window counters
// are unaffected.
func (l *Limiter) RecordCompletion() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inFlight > 0 {
		l.inFlight--
	}
}

// Stats returns the current counters after rolling over expired windows.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollover(l.now())

	remaining := l.cfg.PerDayCap - l.requestsToday
	if remaining < 0 {
		remaining = 0
	}

	return Stats{
		RequestsThisMinute: l.requestsThisMinute,
		RequestsToday:      l.requestsToday,
		InFlight:           l.inFlight,
		PerMinuteCap:       l.cfg.PerMinuteCap,
		PerDayCap:          l.cfg.PerDayCap,
		MinuteWindowStart:  l.minuteStart,
		DayWindowStart:     l.dayStart,
		RemainingToday:     remaining,
	}
}

// rollover must be called with l.mu held.
func (l *Limiter) rollover(t time.Time) {
	if m := minuteOf(t); m.After(l.minuteStart) {
		l.minuteStart = m
		l.requestsThisMinute = 0
	}
	if d := dayOf(t); d.After(l.dayStart) {
		l.logger.WithField("requests", l.requestsToday).Info("Daily request window reset")
		l.dayStart = d
		l.requestsToday = 0
	}
}

func minuteOf(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
