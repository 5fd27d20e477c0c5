// Package api is the HTTP boundary: the invoke endpoint in front of the
// validation pipeline, the approval queue for operators, and policy
// administration.
package api

import (
	"net/http"

	"github.com/marcoracer/Icebreaker/internal/approval"
	"github.com/marcoracer/Icebreaker/internal/auth"
	"github.com/marcoracer/Icebreaker/internal/policy"
	"github.com/marcoracer/Icebreaker/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Registry  *registry.Registry
	Evaluator *policy.Evaluator
	Approvals *approval.Engine // nil if the workflow is disabled
	Auth      auth.Authenticator
	RulesPath string
	SafeMode  bool
	Metrics   *Metrics
	Gatherer  prometheus.Gatherer // nil disables /metrics
	Logger    *zap.Logger
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	// Validation core (auth required via Bearer ibk_ token)
	mux.HandleFunc("POST /v1/invoke", deps.authMiddleware(deps.handleInvoke))
	mux.HandleFunc("GET /v1/permissions/{role}", deps.authMiddleware(deps.handlePermissions))

	// Approval queue (operator surface, no caller auth yet)
	mux.HandleFunc("GET /api/icebreaker/approvals", deps.handleListApprovals)
	mux.HandleFunc("GET /api/icebreaker/approvals/{approval_id}", deps.handleGetApproval)
	mux.HandleFunc("POST /api/icebreaker/approvals/{approval_id}/approve", deps.handleApprove)
	mux.HandleFunc("POST /api/icebreaker/approvals/{approval_id}/reject", deps.handleReject)

	// Policy administration
	mux.HandleFunc("POST /api/icebreaker/policy/reload", deps.handlePolicyReload)

	// Health check
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	return requestLogging(mux, deps.Logger)
}
