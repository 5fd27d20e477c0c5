package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/marcoracer/Icebreaker/internal/audit"
	"github.com/marcoracer/Icebreaker/internal/policy"
	"github.com/marcoracer/Icebreaker/internal/registry"
	"go.uber.org/zap"
)

// handleInvoke implements POST /v1/invoke. Auth middleware has already
// validated the Bearer token and injected the principal.
func (d *Dependencies) handleInvoke(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req InvokeRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Capability == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "capability is required"})
		return
	}

	principal := principalFromContext(r.Context())
	if principal == nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "missing principal context"})
		return
	}

	payload := registry.Payload{
		Statement:  req.Statement,
		Object:     req.Object,
		Timeout:    time.Duration(req.TimeoutSeconds) * time.Second,
		ApprovalID: req.ApprovalID,
	}
	caller := policy.CallerContext{
		User:  principal.User,
		Role:  principal.Role,
		Force: req.Force,
		Now:   start,
	}

	res, err := d.Registry.Invoke(r.Context(), req.Capability, payload, caller)
	if err != nil && res == nil {
		d.handleInvokeError(w, req.Capability, err)
		return
	}

	resp := InvokeResponse{
		InvocationID: res.InvocationID,
		State:        res.State.String(),
		Effect:       strings.ToUpper(res.Decision.Effect.String()),
		Statement:    res.Statement,
		LatencyMs:    res.LatencyMs,
	}
	status := http.StatusOK

	switch {
	case res.Denial != nil:
		resp.Denied = true
		resp.ReasonCode = res.Denial.ReasonCode
		resp.Message = res.Denial.Message
		status = http.StatusForbidden
		d.Metrics.DenialsTotal.WithLabelValues(resp.ReasonCode).Inc()

	case res.State == registry.StatePendingApproval:
		resp.Pending = true
		resp.ApprovalID = res.ApprovalID
		status = http.StatusAccepted
		d.Metrics.ApprovalsCreated.Inc()

	default:
		resp.Result = res.Output
		resp.ApprovalID = res.ApprovalID
		if err != nil {
			// Delegate execution failed after the pipeline allowed it; the
			// refusal machinery is not involved, the platform error is.
			resp.Error = err.Error()
			status = http.StatusBadGateway
		}
	}

	d.Metrics.InvocationsTotal.WithLabelValues(req.Capability, resp.Effect).Inc()
	d.Metrics.InvocationDuration.WithLabelValues(req.Capability, resp.Effect).
		Observe(time.Since(start).Seconds())

	writeJSON(w, status, resp)
}

func (d *Dependencies) handleInvokeError(w http.ResponseWriter, capability string, err error) {
	switch {
	case errors.Is(err, audit.ErrSinkUnavailable):
		d.Logger.Error("invocation refused, audit sink unavailable",
			zap.String("capability", capability),
		)
		writeJSON(w, http.StatusServiceUnavailable,
			ErrorResp{Detail: "audit sink unavailable; administrative actions are suspended"})

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "request cancelled"})

	default:
		d.Logger.Error("invocation failed",
			zap.String("capability", capability),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "internal error"})
	}
}
