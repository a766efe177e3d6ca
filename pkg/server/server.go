// Package server exposes a policy executor over HTTP.
//
// POST /v1/execute runs one or more named policies against request params.
// Misuse (unknown policy, malformed selector) is reported immediately with a
// 4xx error body. A policy that runs and rejects yields 403 with
// "allowed": false. A caller that stops waiting, or the configured execution
// deadline, yields 504 while the policies themselves keep running.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-authz/internal/governance"
	"github.com/polisai/polis-authz/pkg/policy"
)

const maxBodyBytes = 1 << 20

// Executor is the subset of *policy.Executor the server needs.
type Executor interface {
	ExecuteAny(ctx context.Context, selector any, data any) (*policy.Outcome, error)
	Names() []string
}

// Options configure a Server. Only Executor is required.
type Options struct {
	Executor    Executor
	Metrics     *Metrics
	Auth        *Authenticator
	RateLimiter *governance.RateLimiter
	Timeouts    *governance.TimeoutManager
	Logger      *slog.Logger
}

// Server routes decision requests to an Executor.
type Server struct {
	executor    Executor
	metrics     *Metrics
	auth        *Authenticator
	rateLimiter *governance.RateLimiter
	timeouts    *governance.TimeoutManager
	logger      *slog.Logger
	router      chi.Router
}

// New builds a Server and its routes.
func New(opts Options) *Server {
	s := &Server{
		executor:    opts.Executor,
		metrics:     opts.Metrics,
		auth:        opts.Auth,
		rateLimiter: opts.RateLimiter,
		timeouts:    opts.Timeouts,
		logger:      opts.Logger,
		router:      chi.NewRouter(),
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	if s.timeouts == nil {
		s.timeouts = governance.NewTimeoutManager(0)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Metrics returns the Prometheus metrics the server records into.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

func (s *Server) routes() {
	r := s.router

	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.MetricsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if s.auth != nil {
			r.Use(s.auth.Middleware(s.handleAuthFailure))
		}
		if s.rateLimiter != nil && s.rateLimiter.Enabled() {
			r.Use(s.rateLimiter.Middleware(callerKey, s.handleRateLimited))
		}

		r.Get("/policies", s.handleListPolicies)
		r.Post("/execute", s.handleExecute)
		if s.rateLimiter != nil {
			r.Get("/ratelimit", s.handleRateLimitStats)
		}
	})
}

type executeRequest struct {
	Policies any `json:"policies"`
	Params   any `json:"params"`
}

type executeResponse struct {
	Allowed bool   `json:"allowed"`
	Policy  string `json:"policy,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(r.Context(), w, http.StatusOK, map[string][]string{"policies": s.executor.Names()})
}

func (s *Server) handleRateLimitStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(r.Context(), w, http.StatusOK, map[string]any{"callers": s.rateLimiter.Stats()})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req executeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		s.metrics.RecordDecision(DecisionFault)
		s.writeErrorResponse(ctx, w, http.StatusBadRequest, "INVALID_REQUEST", "request body must be a JSON object")
		return
	}

	// Policies outlive the request; only the wait for their outcome is bounded.
	runCtx := context.WithoutCancel(ctx)
	ctx, cancel := s.timeouts.WithExecuteTimeout(ctx)
	defer cancel()

	outcome, err := s.executor.ExecuteAny(runCtx, req.Policies, req.Params)
	if err != nil {
		s.metrics.RecordDecision(DecisionFault)
		status, code := usageStatus(err)
		s.writeErrorResponse(ctx, w, status, code, err.Error())
		return
	}

	_, err = outcome.Await(ctx)
	switch {
	case err == nil:
		s.metrics.RecordDecision(DecisionAllowed)
		s.writeJSON(ctx, w, http.StatusOK, executeResponse{Allowed: true})
	case ctx.Err() != nil:
		s.metrics.RecordDecision(DecisionTimeout)
		s.logger.Warn("policy execution abandoned",
			"request_id", RequestIDFromContext(ctx),
			"cause", context.Cause(ctx),
		)
		s.writeErrorResponse(ctx, w, http.StatusGatewayTimeout, "EXECUTION_TIMEOUT", "policy execution did not complete in time")
	default:
		if denied, ok := policy.IsDenied(err); ok {
			s.metrics.RecordDecision(DecisionDenied)
			s.writeJSON(ctx, w, http.StatusForbidden, executeResponse{Policy: denied.Policy, Reason: denied.Reason})
			return
		}
		s.metrics.RecordDecision(DecisionError)
		s.logger.Info("policy rejected request",
			"request_id", RequestIDFromContext(ctx),
			"error", err,
		)
		s.writeJSON(ctx, w, http.StatusForbidden, executeResponse{Reason: err.Error()})
	}
}

func usageStatus(err error) (int, string) {
	switch {
	case errors.Is(err, policy.ErrPolicyNotFound):
		return http.StatusNotFound, "POLICY_NOT_FOUND"
	case errors.Is(err, policy.ErrInvalidPolicies):
		return http.StatusBadRequest, "INVALID_POLICIES"
	default:
		return http.StatusInternalServerError, "EXECUTION_ERROR"
	}
}

func (s *Server) handleAuthFailure(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Debug("authentication failed", "request_id", RequestIDFromContext(r.Context()), "error", err)
	w.Header().Set("WWW-Authenticate", `Bearer realm="polis-authz"`)
	s.writeErrorResponse(r.Context(), w, http.StatusUnauthorized, "UNAUTHENTICATED", "a valid bearer token is required")
}

func (s *Server) handleRateLimited(w http.ResponseWriter, r *http.Request) {
	s.metrics.RecordRateLimited()
	s.writeErrorResponse(r.Context(), w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
}

// callerKey limits authenticated callers by subject and everyone else by
// client address.
func callerKey(r *http.Request) string {
	if claims, ok := ClaimsFromContext(r.Context()); ok && claims.Subject != "" {
		return "sub:" + claims.Subject
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

func (s *Server) writeJSON(ctx context.Context, w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", "request_id", RequestIDFromContext(ctx), "error", err)
	}
}

// writeErrorResponse writes a JSON error response carrying the trace ID.
func (s *Server) writeErrorResponse(ctx context.Context, w http.ResponseWriter, statusCode int, code, message string) {
	var traceID string
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		traceID = sc.TraceID().String()
	}

	s.writeJSON(ctx, w, statusCode, map[string]any{
		"error": map[string]any{
			"message":    message,
			"type":       errorType(statusCode),
			"code":       code,
			"request_id": RequestIDFromContext(ctx),
			"trace_id":   traceID,
		},
	})
}

func errorType(statusCode int) string {
	switch {
	case statusCode == http.StatusUnauthorized:
		return "authentication_error"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limit_error"
	case statusCode >= http.StatusInternalServerError:
		return "server_error"
	default:
		return "invalid_request_error"
	}
}

// HTTPServer wraps handler with the configured timeouts.
func HTTPServer(addr string, handler http.Handler, readTimeout, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
	}
}
