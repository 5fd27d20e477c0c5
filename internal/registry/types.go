package registry

import (
	"context"
	"time"

	"github.com/marcoracer/Icebreaker/internal/policy"
)

// SideEffect is a capability's declared side-effect category. The
// interception wrapper branches only on this discriminator, never on the
// capability's identity.
type SideEffect int

const (
	ReadOnly SideEffect = iota
	Mutating
	Administrative
)

// String returns the snake_case category name.
func (s SideEffect) String() string {
	switch s {
	case Mutating:
		return "mutating"
	case Administrative:
		return "administrative"
	default:
		return "read_only"
	}
}

// Payload carries the statement or action a capability is asked to perform.
type Payload struct {
	Statement string
	Object    string
	Timeout   time.Duration // requested; clamped by bound params

	// ApprovalID redeems a previously granted approval for this exact
	// capability, statement and caller.
	ApprovalID string
}

// Capability is the contract every registered operation implements.
// Invoke receives the possibly-rewritten payload after bounding.
type Capability interface {
	Name() string
	Category() SideEffect
	Invoke(ctx context.Context, p Payload) (any, error)
}

// Descriptor describes a registered capability. Created at registration
// time, never mutated after.
type Descriptor struct {
	Name       string
	SideEffect SideEffect
}

// State tracks an invocation through the interception pipeline.
type State int

const (
	StateReceived State = iota
	StateClassified
	StatePolicyEvaluated
	StateExecuted
	StateDenied
	StatePendingApproval
	StateAudited
)

// String returns the state name as it appears on the wire.
func (s State) String() string {
	switch s {
	case StateClassified:
		return "CLASSIFIED"
	case StatePolicyEvaluated:
		return "POLICY_EVALUATED"
	case StateExecuted:
		return "EXECUTED"
	case StateDenied:
		return "DENIED"
	case StatePendingApproval:
		return "PENDING_APPROVAL"
	case StateAudited:
		return "AUDITED"
	default:
		return "RECEIVED"
	}
}

// Denial is the structured refusal returned to the caller instead of a
// delegated result.
type Denial struct {
	Denied     bool   `json:"denied"`
	ReasonCode string `json:"reason_code"`
	Message    string `json:"message"`
}

// Result is the outcome of one wrapped invocation.
type Result struct {
	InvocationID string
	State        State
	Decision     policy.Decision
	Statement    string // post-bounding statement actually executed
	Output       any    // delegate result when executed
	Denial       *Denial
	ApprovalID   string // set when State is StatePendingApproval
	LatencyMs    float32
}

// ApprovalRequest is handed to the approval coordinator when a decision
// requires approval.
type ApprovalRequest struct {
	InvocationID string
	Capability   string
	Statement    string
	Object       string
	User         string
	Role         string
	Reason       string
}

// ApprovalCoordinator owns the asynchronous approval workflow. The registry
// creates pending requests and redeems granted ones; it never polls or
// blocks on a decision.
type ApprovalCoordinator interface {
	Create(ctx context.Context, req ApprovalRequest) (string, error)

	// Redeem consumes a granted approval. It must verify that the approval
	// matches the presented request and fail otherwise.
	Redeem(ctx context.Context, id string, req ApprovalRequest) error
}
