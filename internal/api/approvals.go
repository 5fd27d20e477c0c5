package api

import (
	"errors"
	"net/http"

	"github.com/marcoracer/Icebreaker/internal/approval"
)

// handleListApprovals implements GET /api/icebreaker/approvals?status=PENDING.
func (d *Dependencies) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	if d.Approvals == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResp{Detail: "approval workflow is not configured"})
		return
	}
	status := approval.Status(r.URL.Query().Get("status"))
	reqs, err := d.Approvals.List(r.Context(), status)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "failed to list approvals"})
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

// handleGetApproval implements GET /api/icebreaker/approvals/{approval_id}.
func (d *Dependencies) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	if d.Approvals == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResp{Detail: "approval workflow is not configured"})
		return
	}
	req, err := d.Approvals.Get(r.Context(), r.PathValue("approval_id"))
	if err != nil {
		d.writeApprovalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// handleApprove implements POST /api/icebreaker/approvals/{approval_id}/approve.
func (d *Dependencies) handleApprove(w http.ResponseWriter, r *http.Request) {
	d.decideApproval(w, r, true)
}

// handleReject implements POST /api/icebreaker/approvals/{approval_id}/reject.
func (d *Dependencies) handleReject(w http.ResponseWriter, r *http.Request) {
	d.decideApproval(w, r, false)
}

func (d *Dependencies) decideApproval(w http.ResponseWriter, r *http.Request, approve bool) {
	if d.Approvals == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResp{Detail: "approval workflow is not configured"})
		return
	}
	var body DecisionRequest
	if err := readJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if body.DecidedBy == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "decided_by is required"})
		return
	}

	id := r.PathValue("approval_id")
	var (
		req *approval.Request
		err error
	)
	if approve {
		req, err = d.Approvals.Approve(r.Context(), id, body.DecidedBy, body.Note)
	} else {
		req, err = d.Approvals.Reject(r.Context(), id, body.DecidedBy, body.Note)
	}
	if err != nil {
		d.writeApprovalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (d *Dependencies) writeApprovalError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "approval request not found"})
	case errors.Is(err, approval.ErrAlreadyDecided):
		writeJSON(w, http.StatusConflict, ErrorResp{Detail: "approval request already decided"})
	default:
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "internal error"})
	}
}
