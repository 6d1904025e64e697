package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/CleanExpo/Unite-Hub-sub022/internal/approval"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/audit"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/autonomy"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/otel"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/policy"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/sandbox"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/trust"
)

const defaultTimeout = 60 * time.Second

// Server holds all dependencies for the governance HTTP API.
type Server struct {
	router      *chi.Mux
	policy      *policy.Policy
	auditStore  *audit.Store
	gate        *approval.Gate
	approvals   *approval.Store
	trustStore  *trust.Store
	authorizer  *trust.Authorizer
	executor    *autonomy.Executor
	proposals   *autonomy.Store
	sessions    *sandbox.Manager
	rateLimiter *RateLimiter
	apiKeys     map[string]string
	corsOrigins []string
	startTime   time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithCORSOrigins sets allowed CORS origins (e.g. ["*"]).
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithRateLimiter sets the per-caller request limiter.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.rateLimiter = rl }
}

// WithSessions exposes session stop over the API.
func WithSessions(m *sandbox.Manager) Option {
	return func(s *Server) { s.sessions = m }
}

// NewServer builds a Server with the required dependencies and optional Option(s).
func NewServer(
	pol *policy.Policy,
	auditStore *audit.Store,
	gate *approval.Gate,
	approvals *approval.Store,
	trustStore *trust.Store,
	authorizer *trust.Authorizer,
	executor *autonomy.Executor,
	proposals *autonomy.Store,
	apiKeys map[string]string,
	opts ...Option,
) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		policy:      pol,
		auditStore:  auditStore,
		gate:        gate,
		approvals:   approvals,
		trustStore:  trustStore,
		authorizer:  authorizer,
		executor:    executor,
		proposals:   proposals,
		apiKeys:     apiKeys,
		corsOrigins: []string{"*"},
		startTime:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.apiKeys == nil {
		s.apiKeys = make(map[string]string)
	}
	return s
}

// Routes returns the configured http.Handler (chi router with all
// middleware and routes).
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.MiddlewareWithStatus())
	r.Use(CORSMiddleware(s.corsOrigins))

	// Unauthenticated
	r.Get("/health", s.handleHealth)
	r.Get("/v1/health", s.handleHealth)

	// Authenticated API group
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))
		r.Use(RateLimitMiddleware(s.rateLimiter))
		r.Use(middleware.Timeout(defaultTimeout))

		r.Get("/v1/status", s.handleStatus)

		r.Get("/v1/approvals/pending", s.handleApprovalsPending)
		r.Get("/v1/approvals/{id}", s.handleApprovalGet)
		r.Post("/v1/approvals/{id}/approve", s.handleApprovalApprove)
		r.Post("/v1/approvals/{id}/reject", s.handleApprovalReject)

		r.Get("/v1/audit", s.handleAuditList)
		r.Get("/v1/audit/{id}", s.handleAuditGet)
		r.Get("/v1/audit/{id}/verify", s.handleAuditVerify)

		r.Post("/v1/trust/scopes", s.handleScopeCreate)
		r.Get("/v1/trust/scopes/{id}", s.handleScopeGet)
		r.Post("/v1/trust/scopes/{id}/advance", s.handleScopeAdvance)
		r.Get("/v1/trust/scopes/{id}/transitions", s.handleScopeTransitions)
		r.Post("/v1/trust/scopes/{id}/check", s.handleScopeCheck)

		r.Post("/v1/proposals", s.handleProposalCreate)
		r.Get("/v1/proposals", s.handleProposalsList)
		r.Get("/v1/proposals/{id}", s.handleProposalGet)
		r.Post("/v1/proposals/{id}/approve", s.handleProposalApprove)
		r.Post("/v1/proposals/{id}/reject", s.handleProposalReject)
		r.Post("/v1/proposals/{id}/execute", s.handleProposalExecute)
		r.Post("/v1/rollback", s.handleRollback)

		if s.sessions != nil {
			r.Post("/v1/sessions/{id}/stop", s.handleSessionStop)
		}
	})

	return r
}
