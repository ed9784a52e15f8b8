package policy

// Path identifies which worker should produce the result.
type Path string

const (
	PathLocal  Path = "LOCAL"
	PathRemote Path = "REMOTE"
)

// Reason explains why a path was chosen.
type Reason string

const (
	ReasonLowConfidence   Reason = "LOW_CONFIDENCE"
	ReasonLatencyExceeded Reason = "LATENCY_EXCEEDED"
	ReasonExplicitQuality Reason = "EXPLICIT_QUALITY"
	ReasonDefaultLocal    Reason = "DEFAULT_LOCAL"
)

const (
	DefaultConfidenceThreshold = 0.55
	DefaultLatencyBudgetMs     = 600
)

// Decision is the preferred path for one request. It is never persisted.
type Decision struct {
	Path   Path
	Reason Reason
}

// Remote reports whether the decision prefers the remote worker.
func (d Decision) Remote() bool {
	return d.Path == PathRemote
}

// Signal carries the per-request inputs of the routing rules.
type Signal struct {
	LocalConfidence float64
	LocalLatencyMs  int
	QueueDepthHigh  bool
	ExplicitQuality bool
}

// Thresholds are the tunable parts of the routing rules.
type Thresholds struct {
	ConfidenceThreshold float64
	LatencyBudgetMs     int
}

// DefaultThresholds returns τ = 0.55 and a 600ms latency budget.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ConfidenceThreshold: DefaultConfidenceThreshold,
		LatencyBudgetMs:     DefaultLatencyBudgetMs,
	}
}

// Decide evaluates the routing rules in order; the first match wins.
// It is pure: no I/O, no shared state.
func Decide(sig Signal, th Thresholds) Decision {
	switch {
	case sig.ExplicitQuality:
		return Decision{Path: PathRemote, Reason: ReasonExplicitQuality}
	case sig.LocalConfidence < th.ConfidenceThreshold:
		return Decision{Path: PathRemote, Reason: ReasonLowConfidence}
	case sig.LocalLatencyMs > th.LatencyBudgetMs && sig.QueueDepthHigh:
		return Decision{Path: PathRemote, Reason: ReasonLatencyExceeded}
	default:
		return Decision{Path: PathLocal, Reason: ReasonDefaultLocal}
	}
}
