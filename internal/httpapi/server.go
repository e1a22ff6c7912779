// Package httpapi exposes the REST surface: auth, provider and project
// management, experiment lifecycle, results browsing, feedback, and the
// public firewall evaluation endpoint.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aegisai/aegis/internal/auth"
	"github.com/aegisai/aegis/internal/config"
	"github.com/aegisai/aegis/internal/db"
	"github.com/aegisai/aegis/internal/firewall"
	"github.com/aegisai/aegis/internal/health"
	"github.com/aegisai/aegis/internal/kv"
	"github.com/aegisai/aegis/internal/llm"
	"github.com/aegisai/aegis/internal/vault"
)

// ExperimentRunner executes one experiment to a terminal status.
type ExperimentRunner interface {
	Run(ctx context.Context, experimentID uuid.UUID) error
}

// FirewallEvaluator runs the firewall pipeline for one prompt.
type FirewallEvaluator interface {
	Evaluate(ctx context.Context, req firewall.Request) (*firewall.Verdict, error)
}

// Server wires every handler group onto one mux.
type Server struct {
	cfg     *config.Settings
	logger  *zap.Logger
	store   *db.Client
	cache   *kv.Store
	vault   *vault.Vault
	gateway *llm.Gateway
	authSvc *auth.Service
	authMW  *auth.Middleware
	runner  ExperimentRunner
	fw      FirewallEvaluator
	health  *health.Manager
}

// New builds the server. The runner and firewall evaluator are taken as
// interfaces so tests can stub them.
func New(
	cfg *config.Settings,
	logger *zap.Logger,
	store *db.Client,
	cache *kv.Store,
	v *vault.Vault,
	gateway *llm.Gateway,
	authSvc *auth.Service,
	runner ExperimentRunner,
	fw FirewallEvaluator,
) *Server {
	hm := health.NewManager(5 * time.Second)
	hm.Register(health.CheckFunc{CheckName: "postgres", Fn: store.Ping})
	hm.Register(health.CheckFunc{CheckName: "redis", Fn: cache.Ping})

	return &Server{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		cache:   cache,
		vault:   v,
		gateway: gateway,
		authSvc: authSvc,
		authMW:  auth.NewMiddleware(authSvc.JWTManager()),
		runner:  runner,
		fw:      fw,
		health:  hm,
	}
}

// Handler builds the full routing table wrapped in CORS and observation
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	p := s.cfg.APIV1Prefix

	// Unauthenticated.
	mux.HandleFunc("POST "+p+"/auth/register", s.handleRegister)
	mux.HandleFunc("POST "+p+"/auth/login", s.handleLogin)
	mux.HandleFunc("POST "+p+"/auth/refresh", s.handleRefresh)
	mux.HandleFunc("POST "+p+"/auth/google", s.handleGoogleLogin)

	// Public firewall evaluation, API-key authenticated internally.
	mux.HandleFunc("POST "+p+"/firewall/{projectID}", s.handleFirewallEvaluate)

	// JWT-protected.
	authed := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, s.authMW.Require(fn))
	}

	authed("GET "+p+"/auth/me", s.handleMe)

	authed("GET "+p+"/providers", s.handleListProviders)
	authed("POST "+p+"/providers", s.handleCreateProvider)
	authed("GET "+p+"/providers/{id}", s.handleGetProvider)
	authed("PUT "+p+"/providers/{id}", s.handleUpdateProvider)
	authed("DELETE "+p+"/providers/{id}", s.handleDeleteProvider)
	authed("POST "+p+"/providers/{id}/validate", s.handleValidateProvider)

	authed("GET "+p+"/projects", s.handleListProjects)
	authed("POST "+p+"/projects", s.handleCreateProject)
	authed("GET "+p+"/projects/{id}", s.handleGetProject)
	authed("PUT "+p+"/projects/{id}", s.handleUpdateProject)
	authed("DELETE "+p+"/projects/{id}", s.handleDeleteProject)
	authed("POST "+p+"/projects/{id}/analyze-scope", s.handleAnalyzeScope)
	authed("POST "+p+"/projects/{id}/regenerate-api-key", s.handleRegenerateAPIKey)

	authed("POST "+p+"/projects/{id}/experiments", s.handleCreateExperiment)
	authed("GET "+p+"/projects/{id}/experiments", s.handleListExperiments)
	authed("GET "+p+"/projects/{id}/experiments/{eid}", s.handleGetExperiment)
	authed("GET "+p+"/projects/{id}/experiments/{eid}/status", s.handleExperimentStatus)
	authed("POST "+p+"/projects/{id}/experiments/{eid}/cancel", s.handleCancelExperiment)
	authed("DELETE "+p+"/projects/{id}/experiments/{eid}", s.handleDeleteExperiment)

	// WebSocket progress stream carries the token in a query parameter
	// because browser WebSocket clients cannot set headers.
	mux.HandleFunc("GET "+p+"/experiments/{eid}/progress/ws", s.handleProgressWS)

	authed("GET "+p+"/experiments/{eid}/dashboard", s.handleExperimentDashboard)
	authed("GET "+p+"/experiments/{eid}/logs", s.handleListLogs)
	authed("GET "+p+"/experiments/{eid}/logs/{tcid}", s.handleLogDetail)
	authed("POST "+p+"/experiments/{eid}/logs/{tcid}/feedback", s.handleSubmitFeedback)
	authed("DELETE "+p+"/experiments/{eid}/logs/{tcid}/feedback", s.handleDeleteFeedback)
	authed("GET "+p+"/experiments/{eid}/feedback-summary", s.handleFeedbackSummary)

	authed("GET "+p+"/dashboard", s.handleDashboard)

	authed("GET "+p+"/projects/{id}/firewall/rules", s.handleListRules)
	authed("POST "+p+"/projects/{id}/firewall/rules", s.handleCreateRule)
	authed("PUT "+p+"/projects/{id}/firewall/rules/{rid}", s.handleUpdateRule)
	authed("DELETE "+p+"/projects/{id}/firewall/rules/{rid}", s.handleDeleteRule)
	authed("GET "+p+"/projects/{id}/firewall/logs", s.handleFirewallLogs)
	authed("GET "+p+"/projects/{id}/firewall/stats", s.handleFirewallStats)
	authed("GET "+p+"/projects/{id}/firewall/integration", s.handleFirewallIntegration)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.corsMiddleware(s.observeMiddleware(mux))
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// user pulls the authenticated identity placed by the auth middleware.
func (s *Server) user(r *http.Request) (*auth.UserContext, error) {
	return auth.GetUserContext(r.Context())
}
