// Package orchestrator is the admission point of the caption dispatch
// control plane. For each request it consults the result cache, the routing
// policy, and the remote gates (budget, circuit breaker, rate limiter), then
// invokes the chosen worker and records the outcome.
//
// Gates are evaluated in the order budget, breaker, rate limiter; the first
// refusal is the reported reason. No lock is held while a worker runs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mrmushfiq/llm0-caption-dispatch/internal/dispatch/breaker"
	"github.com/mrmushfiq/llm0-caption-dispatch/internal/dispatch/budget"
	"github.com/mrmushfiq/llm0-caption-dispatch/internal/dispatch/cache"
	"github.com/mrmushfiq/llm0-caption-dispatch/internal/dispatch/metrics"
	"github.com/mrmushfiq/llm0-caption-dispatch/internal/dispatch/policy"
	"github.com/mrmushfiq/llm0-caption-dispatch/internal/dispatch/ratelimit"
	"github.com/sirupsen/logrus"
)

const (
	DefaultRemoteTimeout    = 30 * time.Second
	DefaultLocalTimeout     = 10 * time.Second
	DefaultRemoteConfidence = 0.95
)

// Config tunes the orchestrator.
type Config struct {
	Thresholds       policy.Thresholds
	RemoteTimeout    time.Duration
	LocalTimeout     time.Duration
	RemoteConfidence float64
	// ProviderLabel names the remote worker in metrics and logs.
	ProviderLabel string
}

// Deps are the shared state objects. Nil members get isolated defaults.
type Deps struct {
	Cache    *cache.Cache
	Limiter  *ratelimit.Limiter
	Breaker  *breaker.Breaker
	Governor *budget.Governor
	Metrics  *metrics.Metrics
	Logger   logrus.FieldLogger
	Now      func() time.Time
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	cfg      Config
	cache    *cache.Cache
	limiter  *ratelimit.Limiter
	breaker  *breaker.Breaker
	governor *budget.Governor
	metrics  *metrics.Metrics
	logger   logrus.FieldLogger
	now      func() time.Time
}

// New wires an orchestrator from its dependencies.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.Thresholds == (policy.Thresholds{}) {
		cfg.Thresholds = policy.DefaultThresholds()
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = DefaultRemoteTimeout
	}
	if cfg.LocalTimeout <= 0 {
		cfg.LocalTimeout = DefaultLocalTimeout
	}
	if cfg.RemoteConfidence <= 0 {
		cfg.RemoteConfidence = DefaultRemoteConfidence
	}
	if cfg.ProviderLabel == "" {
		cfg.ProviderLabel = "remote"
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Cache == nil {
		deps.Cache = cache.New(nil, deps.Logger)
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.New(ratelimit.Config{}, deps.Now, deps.Logger)
	}
	if deps.Breaker == nil {
		deps.Breaker = breaker.New(breaker.Config{}, deps.Now, deps.Logger)
	}
	if deps.Governor == nil {
		deps.Governor = budget.NewGovernor(budget.DefaultDailyCapUSD, nil, deps.Now, deps.Logger)
	}

	o := &Orchestrator{
		cfg:      cfg,
		cache:    deps.Cache,
		limiter:  deps.Limiter,
		breaker:  deps.Breaker,
		governor: deps.Governor,
		metrics:  deps.Metrics,
		logger:   deps.Logger.WithField("component", "orchestrator"),
		now:      deps.Now,
	}

	if o.metrics != nil {
		m := o.metrics
		o.breaker.OnStateChange(func(_, to breaker.State) {
			if to == breaker.StateOpen {
				m.BreakerOpened()
			}
		})
	}

	return o
}

// MetricSources exposes live component state as gauge sources.
func MetricSources(l *ratelimit.Limiter, b *breaker.Breaker, g *budget.Governor) metrics.Sources {
	return metrics.Sources{
		BreakerState:       func() float64 { return float64(b.State()) },
		RequestsThisMinute: func() float64 { return float64(l.Stats().RequestsThisMinute) },
		RequestsToday:      func() float64 { return float64(l.Stats().RequestsToday) },
		RemoteInFlight:     func() float64 { return float64(l.Stats().InFlight) },
		SpentTodayUSD:      func() float64 { return g.Stats().SpentTodayUSD },
		BudgetRemainingUSD: func() float64 { return g.Stats().RemainingUSD },
	}
}

// Dispatch produces a result for one request. Admission refusals and remote
// failures fall back to the local result; only when no result exists at all
// is a *FailureError returned.
func (o *Orchestrator) Dispatch(ctx context.Context, req Request, local LocalWorker, remote RemoteWorker) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	start := o.now()
	log := o.logger.WithFields(logrus.Fields{
		"content_hash":  req.ContentHash,
		"model_version": req.ModelVersion,
	})

	if entry, ok := o.cache.Get(ctx, req.ContentHash, req.ModelVersion); ok {
		o.metrics.CacheLookup(true)
		res := &Result{
			Value:      entry.Value,
			Origin:     OriginCache,
			Reason:     ReasonCacheHit,
			Confidence: entry.Confidence,
			Provider:   entry.Provider,
		}
		return o.finish(log, start, res), nil
	}
	o.metrics.CacheLookup(false)

	localRes, localErr := o.runLocal(ctx, req, local)
	localOK := localErr == nil

	sig := policy.Signal{
		ExplicitQuality: req.ExplicitQuality,
		QueueDepthHigh:  req.QueueDepthHigh,
	}
	if localOK {
		sig.LocalConfidence = localRes.Confidence
		sig.LocalLatencyMs = localRes.LatencyMs
	}
	decision := policy.Decide(sig, o.cfg.Thresholds)
	if !localOK && !decision.Remote() {
		// only reachable with a zero threshold; there is nothing local to serve
		decision = policy.Decision{Path: policy.PathRemote, Reason: policy.ReasonLowConfidence}
	}

	if !decision.Remote() {
		res := localResult(localRes, Reason(decision.Reason))
		o.store(ctx, log, req, res)
		return o.finish(log, start, res), nil
	}

	res, remoteErr := o.tryRemote(ctx, log, localRes.Value, Reason(decision.Reason), remote)
	if remoteErr == nil {
		o.store(ctx, log, req, res)
		return o.finish(log, start, res), nil
	}

	var fallback *fallbackError
	reason := ReasonRemoteFailed
	if errors.As(remoteErr, &fallback) {
		reason = fallback.reason
	}

	if !localOK {
		fail := &FailureError{Reason: reason, LocalErr: localErr}
		if fallback != nil && fallback.cause != nil {
			fail.RemoteErr = fallback.cause
		}
		o.metrics.Result("FAILED", string(reason), o.now().Sub(start))
		log.WithError(fail).Error("Dispatch failed, no caption available")
		return nil, fail
	}

	res = localResult(localRes, reason)
	res.RemoteAttempted = fallback != nil && fallback.attempted
	o.store(ctx, log, req, res)
	return o.finish(log, start, res), nil
}

// fallbackError carries the reason the remote path produced nothing.
type fallbackError struct {
	reason    Reason
	cause     error
	attempted bool
}

func (e *fallbackError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.reason, e.cause)
	}
	return string(e.reason)
}

func (e *fallbackError) Unwrap() error {
	return e.cause
}

func (o *Orchestrator) runLocal(ctx context.Context, req Request, local LocalWorker) (LocalResult, error) {
	if req.Local != nil {
		return *req.Local, nil
	}
	if local == nil {
		return LocalResult{}, errors.New("local worker not configured")
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.LocalTimeout)
	defer cancel()

	res, err := local(callCtx)
	if err != nil {
		return LocalResult{}, fmt.Errorf("local worker failed: %w", err)
	}
	return res, nil
}

// admit runs the remote gates. On success the returned permit must be
// settled with the breaker and the limiter completion recorded.
func (o *Orchestrator) admit() (breaker.Permit, Reason, error) {
	if err := o.governor.HasBudget(); err != nil {
		return breaker.Permit{}, ReasonBudgetExhausted, err
	}

	permit, err := o.breaker.Allow()
	if err != nil {
		return breaker.Permit{}, ReasonCircuitOpen, err
	}

	if err := o.limiter.TryAdmit(); err != nil {
		o.breaker.Release(permit)
		return breaker.Permit{}, ReasonRateLimited, err
	}

	return permit, "", nil
}

func (o *Orchestrator) tryRemote(ctx context.Context, log logrus.FieldLogger, localValue string, reason Reason, remote RemoteWorker) (*Result, error) {
	if remote == nil {
		return nil, &fallbackError{reason: ReasonRemoteFailed, cause: errors.New("remote worker not configured")}
	}

	permit, refusal, err := o.admit()
	if err != nil {
		o.metrics.AdmissionRefused(string(refusal))
		log.WithFields(logrus.Fields{
			"preferred": reason,
			"refusal":   refusal,
		}).Debug("Remote admission refused, falling back to local")
		return nil, &fallbackError{reason: refusal, cause: err}
	}
	defer o.limiter.RecordCompletion()

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.RemoteTimeout)
	defer cancel()

	out, err := o.callRemote(callCtx, log, remote, localValue)
	if err != nil {
		result := "failure"
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			// the caller went away; this says nothing about remote health
			o.breaker.Release(permit)
			result = "canceled"
		case errors.Is(callCtx.Err(), context.DeadlineExceeded):
			// covers the caller's own deadline as well as RemoteTimeout
			o.breaker.Failure(permit)
			result = "timeout"
			err = fmt.Errorf("remote call timed out after %s: %w", o.cfg.RemoteTimeout, err)
		default:
			o.breaker.Failure(permit)
		}
		o.metrics.RemoteCall(o.cfg.ProviderLabel, result)
		log.WithError(err).WithField("result", result).Warn("Remote call failed, falling back to local")
		return nil, &fallbackError{reason: ReasonRemoteFailed, cause: err, attempted: true}
	}

	o.breaker.Success(permit)
	o.metrics.RemoteCall(o.cfg.ProviderLabel, "success")

	cost := o.settle(out)

	confidence := out.Confidence
	if confidence <= 0 {
		confidence = o.cfg.RemoteConfidence
	}

	return &Result{
		Value:           out.Value,
		Origin:          OriginRemote,
		Reason:          reason,
		Confidence:      confidence,
		Provider:        out.Provider,
		Model:           out.Model,
		CostUSD:         cost,
		RemoteAttempted: true,
	}, nil
}

type remoteOutcome struct {
	res RemoteResult
	err error
}

// callRemote bounds the worker by ctx even if the worker ignores it. A
// success that lands after the deadline is discarded but its usage is still
// settled.
func (o *Orchestrator) callRemote(ctx context.Context, log logrus.FieldLogger, remote RemoteWorker, localValue string) (RemoteResult, error) {
	ch := make(chan remoteOutcome, 1)
	go func() {
		res, err := remote(ctx, localValue)
		ch <- remoteOutcome{res: res, err: err}
	}()

	select {
	case out := <-ch:
		if out.err == nil && ctx.Err() != nil {
			// finished, but only after the deadline
			o.settleLate(log, out.res)
			return RemoteResult{}, ctx.Err()
		}
		return out.res, out.err
	case <-ctx.Done():
		go func() {
			if out := <-ch; out.err == nil {
				o.settleLate(log, out.res)
			}
		}()
		return RemoteResult{}, ctx.Err()
	}
}

func (o *Orchestrator) settle(out RemoteResult) float64 {
	cost := o.governor.Settle(out.Provider, out.Model, out.Usage.InputUnits, out.Usage.OutputUnits)
	o.metrics.Spend(out.Provider, cost)
	return cost
}

func (o *Orchestrator) settleLate(log logrus.FieldLogger, out RemoteResult) {
	if out.Usage == (Usage{}) {
		return
	}
	cost := o.settle(out)
	log.WithFields(logrus.Fields{
		"provider": out.Provider,
		"cost_usd": cost,
	}).Warn("Settled remote call that finished after its deadline")
}

func localResult(l LocalResult, reason Reason) *Result {
	return &Result{
		Value:      l.Value,
		Origin:     OriginLocal,
		Reason:     reason,
		Confidence: l.Confidence,
	}
}

func (o *Orchestrator) store(ctx context.Context, log logrus.FieldLogger, req Request, res *Result) {
	origin := cache.OriginLocal
	if res.Origin == OriginRemote {
		origin = cache.OriginRemote
	}
	entry := cache.Entry{
		Value:      res.Value,
		Origin:     origin,
		Confidence: res.Confidence,
		Provider:   res.Provider,
	}
	if err := o.cache.Put(ctx, req.ContentHash, req.ModelVersion, entry); err != nil {
		log.WithError(err).Warn("Failed to cache dispatch result")
	}
}

func (o *Orchestrator) finish(log logrus.FieldLogger, start time.Time, res *Result) *Result {
	elapsed := o.now().Sub(start)
	res.LatencyMs = int(elapsed.Milliseconds())
	o.metrics.Result(string(res.Origin), string(res.Reason), elapsed)
	log.WithFields(logrus.Fields{
		"origin":     res.Origin,
		"reason":     res.Reason,
		"latency_ms": res.LatencyMs,
		"cost_usd":   res.CostUSD,
	}).Debug("Dispatch complete")
	return res
}

// Stats is the combined state of the control plane.
type Stats struct {
	Breaker     breaker.Stats   `json:"breaker"`
	RateLimit   ratelimit.Stats `json:"rate_limit"`
	Budget      budget.Stats    `json:"budget"`
	CacheHits   int64           `json:"cache_hits"`
	CacheMisses int64           `json:"cache_misses"`
}

// Stats returns a snapshot of every component.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Breaker:     o.breaker.Stats(),
		RateLimit:   o.limiter.Stats(),
		Budget:      o.governor.Stats(),
		CacheHits:   o.cache.Hits(),
		CacheMisses: o.cache.Misses(),
	}
}

// ResetBreaker forces the circuit breaker to CLOSED.
func (o *Orchestrator) ResetBreaker() {
	o.breaker.Reset()
}

// PurgeCache drops every cached result.
func (o *Orchestrator) PurgeCache(ctx context.Context) (int64, error) {
	return o.cache.Purge(ctx)
}
