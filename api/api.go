// Package api exposes the session context and approval services over HTTP.
// The transport is hand-written JSON over net/http: payloads are validated
// against JSON Schemas before any storage call, authentication and rate
// limiting run ahead of the handlers, and storage errors map to a small,
// deliberate status taxonomy.
package api

import (
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/elva-ai/contextd/runtime/approval"
	"github.com/elva-ai/contextd/runtime/sessionctx"
	"github.com/elva-ai/contextd/runtime/telemetry"
)

type (
	// Service serves the context and approval endpoints. Construct with New
	// and mount on a mux with Mount.
	Service struct {
		contexts     *sessionctx.Service
		orchestrator *approval.Orchestrator
		token        string
		limiter      *rate.Limiter
		logger       telemetry.Logger
		metrics      telemetry.Metrics
	}

	// Option configures optional aspects of the Service.
	Option func(*Service)
)

// WithBearerToken requires the given bearer token on every request. Requests
// carrying a missing or wrong token are rejected before any payload is read.
// An empty token disables authentication.
func WithBearerToken(token string) Option {
	return func(s *Service) { s.token = token }
}

// WithRateLimit applies a process-wide token bucket to all endpoints.
// Requests beyond the budget receive 429 without reaching storage.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Service) { s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithLogger sets the structured logger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// New creates the HTTP service over the given context service and
// orchestrator.
func New(contexts *sessionctx.Service, orchestrator *approval.Orchestrator, opts ...Option) (*Service, error) {
	if contexts == nil {
		return nil, fmt.Errorf("api: context service is required")
	}
	if orchestrator == nil {
		return nil, fmt.Errorf("api: orchestrator is required")
	}
	s := &Service{
		contexts:     contexts,
		orchestrator: orchestrator,
		logger:       telemetry.NoopLogger{},
		metrics:      telemetry.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Mount registers all endpoints on mux. Authentication and rate limiting wrap
// every route; health and debug endpoints are the caller's to mount so they
// can stay outside the auth boundary.
func (s *Service) Mount(mux *http.ServeMux) {
	mux.Handle("POST /context/write", s.guard(s.handleContextWrite))
	mux.Handle("GET /context/read/{session_id}", s.guard(s.handleContextRead))
	mux.Handle("POST /context/append", s.guard(s.handleContextAppend))
	mux.Handle("DELETE /context/{session_id}", s.guard(s.handleContextDelete))
	mux.Handle("POST /action/propose", s.guard(s.handleActionPropose))
	mux.Handle("POST /action/edit", s.guard(s.handleActionEdit))
	mux.Handle("POST /action/resolve", s.guard(s.handleActionResolve))
}

// guard chains the transport-level middleware in front of a handler. Order
// matters: auth rejects first so unauthenticated traffic never consumes
// rate budget or touches storage.
func (s *Service) guard(h http.HandlerFunc) http.Handler {
	return s.authenticate(s.rateLimit(s.observe(h)))
}

func (s *Service) observe(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		h(w, r)
		s.metrics.RecordTimer("http_request_duration", time.Since(started),
			"method", r.Method, "path", r.URL.Path)
	})
}
