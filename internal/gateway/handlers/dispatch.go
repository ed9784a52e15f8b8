package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mrmushfiq/llm0-caption-dispatch/internal/dispatch/orchestrator"
	"github.com/mrmushfiq/llm0-caption-dispatch/internal/dispatch/policy"
	"github.com/mrmushfiq/llm0-caption-dispatch/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-caption-dispatch/internal/shared/models"
)

// maxImageBytes bounds the decoded request body.
const maxImageBytes = 20 << 20

// DispatchLogger persists dispatch records
type DispatchLogger interface {
	LogDispatch(ctx context.Context, log *models.DispatchLog) error
}

// DispatchRequest is the body of POST /v1/dispatch
type DispatchRequest struct {
	ImageB64        string          `json:"image_b64"`
	ModelVersion    string          `json:"model_version,omitempty"`
	ExplicitQuality bool            `json:"explicit_quality,omitempty"`
	Local           *LocalCandidate `json:"local,omitempty"`
}

// LocalCandidate is a local caption the caller already computed
type LocalCandidate struct {
	Caption    string  `json:"caption"`
	Confidence float64 `json:"confidence"`
	LatencyMs  int     `json:"latency_ms"`
}

// DispatchResponse is the reply of POST /v1/dispatch
type DispatchResponse struct {
	ID              string  `json:"id"`
	Caption         string  `json:"caption"`
	Origin          string  `json:"origin"`
	Reason          string  `json:"reason"`
	Confidence      float64 `json:"confidence"`
	Provider        string  `json:"provider,omitempty"`
	Model           string  `json:"model,omitempty"`
	CostUSD         float64 `json:"cost_usd"`
	LatencyMs       int     `json:"latency_ms"`
	RemoteAttempted bool    `json:"remote_attempted"`
}

type DispatchHandler struct {
	orch            *orchestrator.Orchestrator
	remote          providers.Captioner
	local           providers.LocalCaptioner
	window          *policy.LatencyWindow
	latencyBudgetMs int
	modelVersion    string
	logs            DispatchLogger
	logger          logrus.FieldLogger
}

// DispatchConfig carries the handler's collaborators. Logs may be nil.
type DispatchConfig struct {
	Orchestrator    *orchestrator.Orchestrator
	Remote          providers.Captioner
	Local           providers.LocalCaptioner
	Window          *policy.LatencyWindow
	LatencyBudgetMs int
	ModelVersion    string
	Logs            DispatchLogger
	Logger          logrus.FieldLogger
}

func NewDispatchHandler(cfg DispatchConfig) *DispatchHandler {
	if cfg.Window == nil {
		cfg.Window = policy.NewLatencyWindow(policy.DefaultWindowSize)
	}
	if cfg.LatencyBudgetMs <= 0 {
		cfg.LatencyBudgetMs = policy.DefaultThresholds().LatencyBudgetMs
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &DispatchHandler{
		orch:            cfg.Orchestrator,
		remote:          cfg.Remote,
		local:           cfg.Local,
		window:          cfg.Window,
		latencyBudgetMs: cfg.LatencyBudgetMs,
		modelVersion:    cfg.ModelVersion,
		logs:            cfg.Logs,
		logger:          cfg.Logger.WithField("component", "dispatch_handler"),
	}
}

// HandleDispatch handles POST /v1/dispatch
func (h *DispatchHandler) HandleDispatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body DispatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxImageBytes*2)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	image, err := base64.StdEncoding.DecodeString(body.ImageB64)
	if err != nil || len(image) == 0 {
		writeError(w, http.StatusBadRequest, "image_b64 must be non-empty base64")
		return
	}
	if len(image) > maxImageBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "image too large")
		return
	}

	modelVersion := body.ModelVersion
	if modelVersion == "" {
		modelVersion = h.modelVersion
	}

	req := orchestrator.Request{
		ContentHash:     providers.ContentHash(image),
		ModelVersion:    modelVersion,
		ExplicitQuality: body.ExplicitQuality,
		QueueDepthHigh:  h.window.High(h.latencyBudgetMs),
	}
	if body.Local != nil {
		req.Local = &orchestrator.LocalResult{
			Value:      body.Local.Caption,
			Confidence: body.Local.Confidence,
			LatencyMs:  body.Local.LatencyMs,
		}
		h.window.Observe(body.Local.LatencyMs)
	}

	res, err := h.orch.Dispatch(ctx, req, h.localWorker(image), h.remoteWorker(image))
	id := uuid.NewString()
	if err != nil {
		h.logDispatch(id, req, nil, err)

		var fail *orchestrator.FailureError
		switch {
		case errors.Is(err, orchestrator.ErrInvalidRequest):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.As(err, &fail):
			writeJSON(w, http.StatusBadGateway, map[string]string{
				"error":  "no caption available",
				"reason": string(fail.Reason),
			})
		default:
			writeError(w, http.StatusInternalServerError, "dispatch failed")
		}
		return
	}

	h.logDispatch(id, req, res, nil)

	w.Header().Set("X-Dispatch-Origin", string(res.Origin))
	w.Header().Set("X-Dispatch-Reason", string(res.Reason))
	writeJSON(w, http.StatusOK, DispatchResponse{
		ID:              id,
		Caption:         res.Value,
		Origin:          string(res.Origin),
		Reason:          string(res.Reason),
		Confidence:      res.Confidence,
		Provider:        res.Provider,
		Model:           res.Model,
		CostUSD:         res.CostUSD,
		LatencyMs:       res.LatencyMs,
		RemoteAttempted: res.RemoteAttempted,
	})
}

func (h *DispatchHandler) localWorker(image []byte) orchestrator.LocalWorker {
	if h.local == nil {
		return nil
	}
	return func(ctx context.Context) (orchestrator.LocalResult, error) {
		out, err := h.local.Caption(ctx, image)
		if err != nil {
			return orchestrator.LocalResult{}, err
		}
		h.window.Observe(out.LatencyMs)
		return orchestrator.LocalResult{
			Value:      out.Caption,
			Confidence: out.Confidence,
			LatencyMs:  out.LatencyMs,
		}, nil
	}
}

func (h *DispatchHandler) remoteWorker(image []byte) orchestrator.RemoteWorker {
	if h.remote == nil {
		return nil
	}
	return func(ctx context.Context, localValue string) (orchestrator.RemoteResult, error) {
		out, err := h.remote.Caption(ctx, image, localValue)
		if err != nil {
			return orchestrator.RemoteResult{}, err
		}
		return orchestrator.RemoteResult{
			Value:    out.Caption,
			Provider: out.Provider,
			Model:    out.Model,
			Usage: orchestrator.Usage{
				InputUnits:  out.InputTokens,
				OutputUnits: out.OutputTokens,
			},
		}, nil
	}
}

func (h *DispatchHandler) logDispatch(id string, req orchestrator.Request, res *orchestrator.Result, err error) {
	if h.logs == nil {
		return
	}

	entry := &models.DispatchLog{
		ID:           id,
		ContentHash:  req.ContentHash,
		ModelVersion: req.ModelVersion,
		CreatedAt:    time.Now().UTC(),
	}
	if res != nil {
		entry.Origin = string(res.Origin)
		entry.Reason = string(res.Reason)
		entry.CostUSD = res.CostUSD
		entry.LatencyMs = res.LatencyMs
		entry.RemoteAttempted = res.RemoteAttempted
		if res.Provider != "" {
			entry.Provider = &res.Provider
		}
		if res.Model != "" {
			entry.Model = &res.Model
		}
	}
	if err != nil {
		entry.Origin = "FAILED"
		var fail *orchestrator.FailureError
		if errors.As(err, &fail) {
			entry.Reason = string(fail.Reason)
		}
		errMsg := err.Error()
		entry.ErrorMessage = &errMsg
	}

	// Log asynchronously to avoid blocking
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.logs.LogDispatch(ctx, entry); err != nil {
			h.logger.WithError(err).WithField("dispatch_id", entry.ID).Warn("Failed to write dispatch log")
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
