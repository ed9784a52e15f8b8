package models

import "time"

// ProviderPricing represents a row of the model_pricing table
type ProviderPricing struct {
	Provider          string
	Model             string
	InputPer1kTokens  float64
	OutputPer1kTokens float64
	UpdatedAt         time.Time
}

// DispatchLog represents one dispatch decision and its outcome
type DispatchLog struct {
	ID              string
	ContentHash     string
	ModelVersion    string
	Origin          string
	Reason          string
	Provider        *string
	Model           *string
	CostUSD         float64
	LatencyMs       int
	RemoteAttempted bool
	ErrorMessage    *string
	CreatedAt       time.Time
}
