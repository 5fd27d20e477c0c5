// Package approval owns the asynchronous human-in-the-loop workflow for
// invocations the policy engine marks REQUIRE_APPROVAL. Requests move
// through a small state machine: PENDING → APPROVED | REJECTED | EXPIRED,
// and APPROVED → APPLIED once the caller redeems the grant.
package approval

import (
	"errors"
	"time"
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusApplied  Status = "APPLIED"
	StatusExpired  Status = "EXPIRED"
)

var (
	// ErrNotFound is returned when no approval request has the given id.
	ErrNotFound = errors.New("approval request not found")

	// ErrAlreadyDecided is returned when a decision is attempted on a
	// request that already left PENDING.
	ErrAlreadyDecided = errors.New("approval request already decided")

	// ErrMismatch is returned when a redemption does not match the
	// approved request.
	ErrMismatch = errors.New("approval does not match the presented invocation")
)

// Request is one pending or decided approval.
type Request struct {
	ID           string     `json:"id"`
	InvocationID string     `json:"invocation_id"`
	Capability   string     `json:"capability"`
	Statement    string     `json:"statement"`
	Fingerprint  string     `json:"fingerprint"`
	Object       string     `json:"object,omitempty"`
	RequestedBy  string     `json:"requested_by"`
	Role         string     `json:"role"`
	Reason       string     `json:"reason"`
	Status       Status     `json:"status"`
	DecidedBy    string     `json:"decided_by,omitempty"`
	DecisionNote string     `json:"decision_note,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
	ExpiresAt    time.Time  `json:"expires_at"`
}

// Expired reports whether an undecided request has outlived its deadline.
func (r *Request) Expired(now time.Time) bool {
	return r.Status == StatusPending && now.After(r.ExpiresAt)
}
