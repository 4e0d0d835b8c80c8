// Package api exposes sessions, tethers and emergency cases over HTTP.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	apperrors "peer-tether/internal/common/errors"
	"peer-tether/internal/common/logger"
	"peer-tether/internal/common/observability"
	"peer-tether/internal/common/validation"
	"peer-tether/internal/tether/connection"
	"peer-tether/internal/tether/emergency"
	"peer-tether/internal/tether/sessioncrypto"
)

const (
	maxBodyBytes = 1 << 20
	tokenHeader  = "X-Session-Token"
)

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

type Server struct {
	sessions    *sessioncrypto.Engine
	connections *connection.Engine
	emergencies *emergency.Service
	obs         *observability.Observability
	errs        *apperrors.ErrorHandler
	log         logger.Logger
	checks      map[string]ReadinessCheck
	now         func() time.Time
}

type Option func(*Server)

func WithObservability(o *observability.Observability) Option {
	return func(s *Server) { s.obs = o }
}

// WithReadinessCheck adds a dependency checked by /ready.
func WithReadinessCheck(name string, check ReadinessCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

func NewServer(sessions *sessioncrypto.Engine, connections *connection.Engine, emergencies *emergency.Service, log logger.Logger, opts ...Option) *Server {
	log = log.WithFields(map[string]interface{}{"component": "api"})
	s := &Server{
		sessions:    sessions,
		connections: connections,
		emergencies: emergencies,
		errs:        apperrors.NewErrorHandler(log),
		log:         log,
		checks:      make(map[string]ReadinessCheck),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router wires every route. Static paths are registered before their
// {id} siblings.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/compliance", s.handleCompliance).Methods(http.MethodGet)

	r.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}", s.handleSessionInfo).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", s.handleDestroySession).Methods(http.MethodDelete)
	r.HandleFunc("/sessions/{id}/encrypt", s.handleEncrypt).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/decrypt", s.handleDecrypt).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/rotate", s.handleRotate).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/tokens", s.handleIssueToken).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/shared-secret", s.handleSharedSecret).Methods(http.MethodPost)
	r.HandleFunc("/tokens/{id}", s.handleRevokeToken).Methods(http.MethodDelete)

	r.HandleFunc("/connections", s.handleCreateConnection).Methods(http.MethodPost)
	r.HandleFunc("/connections/{id}", s.handleGetConnection).Methods(http.MethodGet)
	r.HandleFunc("/connections/{id}/pulses", s.handleSendPulse).Methods(http.MethodPost)
	r.HandleFunc("/connections/{id}/pulses/{pulseId}/ack", s.handleAcknowledgePulse).Methods(http.MethodPost)
	r.HandleFunc("/connections/{id}/emergency", s.handleActivateEmergency).Methods(http.MethodPost)
	r.HandleFunc("/connections/{id}/health", s.handleConnectionHealth).Methods(http.MethodGet)
	r.HandleFunc("/connections/{id}/strength", s.handleRecomputeStrength).Methods(http.MethodPost)
	r.HandleFunc("/users/{id}/connections", s.handleListConnections).Methods(http.MethodGet)
	r.HandleFunc("/system/health", s.handleSystemHealth).Methods(http.MethodGet)

	r.HandleFunc("/emergencies/report", s.handleEmergencyReport).Methods(http.MethodGet)
	r.HandleFunc("/emergencies/{id}", s.handleGetEmergency).Methods(http.MethodGet)
	r.HandleFunc("/emergencies/{id}/acknowledge", s.handleAcknowledge).Methods(http.MethodPost)
	r.HandleFunc("/emergencies/{id}/respond", s.handleRespond).Methods(http.MethodPost)
	r.HandleFunc("/emergencies/{id}/resolve", s.handleResolve).Methods(http.MethodPost)
	r.HandleFunc("/emergencies/{id}/escalate", s.handleEscalate).Methods(http.MethodPost)

	return r
}

// ==========================
// Middleware
// ==========================

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		ctx, span := s.obs.StartSpan(r.Context(), r.Method+" "+route,
			attribute.String("http.route", route),
			attribute.String("http.method", r.Method),
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
		s.obs.RecordRequest(ctx, route, r.Method, rec.status, time.Since(start))
	})
}

// ==========================
// Ops Handlers
// ==========================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   s.now().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failures := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		s.log.Warn("Readiness check failed", map[string]interface{}{"failures": failures})
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":   "not_ready",
			"failures": failures,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
		"time":   s.now().Format(time.RFC3339),
	})
}

func (s *Server) handleCompliance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.ComplianceReport())
}

// ==========================
// Helpers
// ==========================

// decode validates the body against schema and unmarshals it into dst. An
// empty body is treated as {}.
func decode(r *http.Request, schema *validation.Schema, dst interface{}) error {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		return apperrors.NewValidationFailedError("request body unreadable or too large")
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if err := schema.ValidateJSON(body).Err(); err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return apperrors.NewValidationFailedError("malformed request body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func pathID(r *http.Request) string {
	return mux.Vars(r)["id"]
}
