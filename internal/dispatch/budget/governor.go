// Package budget enforces the daily monetary ceiling on remote dispatches.
//
// HasBudget is checked before admission; Settle adds the measured cost after
// the call completes. Calls admitted concurrently can therefore push spend
// past the cap by at most the cost of the calls in flight.
package budget

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrExhausted is returned when today's spend has reached the cap
var ErrExhausted = errors.New("daily budget exhausted")

const DefaultDailyCapUSD = 10.0

// Stats is a point-in-time view of the ledger.
type Stats struct {
	SpentTodayUSD     float64   `json:"spent_today_usd"`
	DailyCapUSD       float64   `json:"daily_cap_usd"`
	RemainingUSD      float64   `json:"remaining_usd"`
	CumulativeUSD     float64   `json:"cumulative_usd"`
	DayStart          time.Time `json:"day_start"`
	UnpricedSettleOps int       `json:"unpriced_settle_ops"`
}

// Governor is safe for concurrent use.
type Governor struct {
	dailyCapUSD float64
	pricing     *PricingTable
	now         func() time.Time
	logger      logrus.FieldLogger

	mu            sync.Mutex
	spentTodayUSD float64
	cumulativeUSD float64
	dayStart      time.Time
	unpriced      int
}

// NewGovernor creates a governor. A nil pricing table uses the defaults and a
// nil clock means time.Now. A negative cap is treated as zero.
func NewGovernor(dailyCapUSD float64, pricing *PricingTable, now func() time.Time, logger logrus.FieldLogger) *Governor {
	if dailyCapUSD < 0 {
		dailyCapUSD = 0
	}
	if pricing == nil {
		pricing = NewPricingTable()
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Governor{
		dailyCapUSD: dailyCapUSD,
		pricing:     pricing,
		now:         now,
		logger:      logger.WithField("component", "budget"),
		dayStart:    dayOf(now()),
	}
}

// HasBudget returns nil while today's spend is below the cap, ErrExhausted
// otherwise.
func (g *Governor) HasBudget() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollover(g.now())
	if g.spentTodayUSD >= g.dailyCapUSD {
		return ErrExhausted
	}
	return nil
}

// Settle converts measured usage into dollars via the provider's rate and
// adds it to today's spend. It returns the settled amount.
func (g *Governor) Settle(provider, model string, inputUnits, outputUnits int) float64 {
	rate, ok := g.pricing.Lookup(provider, model)

	g.mu.Lock()
	defer g.mu.Unlock()

	if !ok {
		g.unpriced++
		g.logger.WithFields(logrus.Fields{
			"provider": provider,
			"model":    model,
		}).Warn("No pricing for provider, settling at zero cost")
		return 0
	}

	cost := rate.Cost(inputUnits, outputUnits)
	if cost < 0 {
		cost = 0
	}

	g.rollover(g.now())
	g.spentTodayUSD += cost
	g.cumulativeUSD += cost

	if g.spentTodayUSD >= g.dailyCapUSD {
		g.logger.WithFields(logrus.Fields{
			"spent_usd": g.spentTodayUSD,
			"cap_usd":   g.dailyCapUSD,
		}).Warn("Daily budget reached")
	}
	return cost
}

// Stats returns a snapshot for reporting.
func (g *Governor) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollover(g.now())
	remaining := g.dailyCapUSD - g.spentTodayUSD
	if remaining < 0 {
		remaining = 0
	}
	return Stats{
		SpentTodayUSD:     g.spentTodayUSD,
		DailyCapUSD:       g.dailyCapUSD,
		RemainingUSD:      remaining,
		CumulativeUSD:     g.cumulativeUSD,
		DayStart:          g.dayStart,
		UnpricedSettleOps: g.unpriced,
	}
}

// rollover must be called with g.mu held.
func (g *Governor) rollover(t time.Time) {
	if d := dayOf(t); d.After(g.dayStart) {
		g.logger.WithField("spent_usd", g.spentTodayUSD).Info("Daily budget reset")
		g.dayStart = d
		g.spentTodayUSD = 0
	}
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
