package handlers

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/mrmushfiq/llm0-caption-dispatch/internal/dispatch/orchestrator"
)

// AdminHandler serves the control plane's stats and manual overrides
type AdminHandler struct {
	orch   *orchestrator.Orchestrator
	logger logrus.FieldLogger
}

func NewAdminHandler(orch *orchestrator.Orchestrator, logger logrus.FieldLogger) *AdminHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AdminHandler{
		orch:   orch,
		logger: logger.WithField("component", "admin_handler"),
	}
}

// HandleStats handles GET /v1/stats
func (h *AdminHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Stats())
}

// HandleResetBreaker handles POST /v1/admin/breaker/reset
func (h *AdminHandler) HandleResetBreaker(w http.ResponseWriter, r *http.Request) {
	h.orch.ResetBreaker()
	h.logger.Info("Circuit breaker reset by operator")
	writeJSON(w, http.StatusOK, map[string]string{"breaker": "CLOSED"})
}

// HandlePurgeCache handles POST /v1/admin/cache/purge
func (h *AdminHandler) HandlePurgeCache(w http.ResponseWriter, r *http.Request) {
	n, err := h.orch.PurgeCache(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Cache purge failed")
		writeError(w, http.StatusInternalServerError, "cache purge failed")
		return
	}
	h.logger.WithField("removed", n).Info("Result cache purged by operator")
	writeJSON(w, http.StatusOK, map[string]int64{"removed": n})
}
