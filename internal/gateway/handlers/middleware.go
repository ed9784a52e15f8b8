package handlers

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

type Middleware struct {
	adminToken string
	logger     logrus.FieldLogger
}

func NewMiddleware(adminToken string, logger logrus.FieldLogger) *Middleware {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Middleware{
		adminToken: adminToken,
		logger:     logger,
	}
}

// AdminAuthMiddleware requires the admin bearer token. With no token
// configured the admin routes are disabled.
func (m *Middleware) AdminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.adminToken == "" {
			writeError(w, http.StatusForbidden, "admin endpoints disabled")
			return
		}

		// Extract token from Authorization header
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		// Parse Bearer token
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeError(w, http.StatusUnauthorized, "invalid authorization header format")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(m.adminToken)) != 1 {
			m.logger.WithField("remote_addr", r.RemoteAddr).Warn("Rejected admin request with bad token")
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequestLogger logs one structured line per request
func (m *Middleware) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		entry := m.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      status,
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  chimiddleware.GetReqID(r.Context()),
		})
		if status >= http.StatusInternalServerError {
			entry.Warn("Request failed")
			return
		}
		entry.Debug("Request served")
	})
}
