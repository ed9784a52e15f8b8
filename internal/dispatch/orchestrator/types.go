package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/mrmushfiq/llm0-caption-dispatch/internal/dispatch/policy"
)

var (
	// ErrUnavailable is returned when neither worker produced a result
	ErrUnavailable = errors.New("no caption available")

	// ErrInvalidRequest is returned for requests missing their identity
	ErrInvalidRequest = errors.New("invalid dispatch request")
)

// Origin says where a dispatch result came from.
type Origin string

const (
	OriginLocal  Origin = "LOCAL"
	OriginRemote Origin = "REMOTE"
	OriginCache  Origin = "CACHE"
)

// Reason explains the result. Policy reasons are reused when the preferred
// path was taken.
type Reason string

const (
	ReasonLowConfidence   = Reason(policy.ReasonLowConfidence)
	ReasonLatencyExceeded = Reason(policy.ReasonLatencyExceeded)
	ReasonExplicitQuality = Reason(policy.ReasonExplicitQuality)
	ReasonDefaultLocal    = Reason(policy.ReasonDefaultLocal)

	ReasonCacheHit        Reason = "CACHE_HIT"
	ReasonRateLimited     Reason = "RATE_LIMITED"
	ReasonCircuitOpen     Reason = "CIRCUIT_OPEN"
	ReasonBudgetExhausted Reason = "BUDGET_EXHAUSTED"
	ReasonRemoteFailed    Reason = "REMOTE_FAILED"
)

// LocalResult is what the local worker produced.
type LocalResult struct {
	Value      string
	Confidence float64
	LatencyMs  int
}

// Usage is the metered consumption of one remote call.
type Usage struct {
	InputUnits  int
	OutputUnits int
}

// RemoteResult is what the remote worker produced. A zero Confidence is
// replaced by Config.RemoteConfidence.
type RemoteResult struct {
	Value      string
	Provider   string
	Model      string
	Usage      Usage
	Confidence float64
}

// LocalWorker produces the local candidate. It is never gated.
type LocalWorker func(ctx context.Context) (LocalResult, error)

// RemoteWorker produces the remote result given the local candidate value
// (empty when local failed). An error counts as a remote failure.
type RemoteWorker func(ctx context.Context, localValue string) (RemoteResult, error)

// Request is the per-request signal. Local, when set, is a local result the
// caller already computed; the LocalWorker is then not invoked.
type Request struct {
	ContentHash     string
	ModelVersion    string
	ExplicitQuality bool
	QueueDepthHigh  bool
	Local           *LocalResult
}

func (r Request) validate() error {
	if r.ContentHash == "" {
		return fmt.Errorf("%w: content hash is required", ErrInvalidRequest)
	}
	if r.ModelVersion == "" {
		return fmt.Errorf("%w: model version is required", ErrInvalidRequest)
	}
	if r.Local != nil && (math.IsNaN(r.Local.Confidence) || r.Local.Confidence < 0 || r.Local.Confidence > 1) {
		return fmt.Errorf("%w: local confidence %v outside [0,1]", ErrInvalidRequest, r.Local.Confidence)
	}
	return nil
}

// Result is the tagged outcome of one dispatch.
type Result struct {
	Value           string
	Origin          Origin
	Reason          Reason
	Confidence      float64
	Provider        string
	Model           string
	CostUSD         float64
	LatencyMs       int
	RemoteAttempted bool
}

// FailureError is the terminal error when no worker produced a result.
type FailureError struct {
	Reason    Reason
	LocalErr  error
	RemoteErr error
}

func (e *FailureError) Error() string {
	var parts []string
	if e.LocalErr != nil {
		parts = append(parts, "local: "+e.LocalErr.Error())
	}
	if e.RemoteErr != nil {
		parts = append(parts, "remote: "+e.RemoteErr.Error())
	}
	msg := fmt.Sprintf("%s (%s)", ErrUnavailable.Error(), e.Reason)
	if len(parts) > 0 {
		msg += ": " + strings.Join(parts, "; ")
	}
	return msg
}

// Unwrap exposes ErrUnavailable and both causes to errors.Is / errors.As.
func (e *FailureError) Unwrap() []error {
	errs := []error{ErrUnavailable}
	if e.LocalErr != nil {
		errs = append(errs, e.LocalErr)
	}
	if e.RemoteErr != nil {
		errs = append(errs, e.RemoteErr)
	}
	return errs
}
