// Package registry wraps externally defined capabilities with the safety
// validation pipeline: classify, detect, evaluate, bound, audit.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marcoracer/Icebreaker/internal/audit"
	"github.com/marcoracer/Icebreaker/internal/bound"
	"github.com/marcoracer/Icebreaker/internal/classify"
	"github.com/marcoracer/Icebreaker/internal/policy"
	"go.uber.org/zap"
)

// Reason codes produced by the registry itself rather than by policy.
const (
	ReasonUnknownCapability  = "unknown-capability"
	ReasonCapabilityDisabled = "capability-disabled"
	ReasonApprovalFailed     = "approval-unavailable"
	ReasonNotApproved        = "approval-not-granted"
)

var (
	// ErrDuplicateCapability is returned when a name is registered twice.
	ErrDuplicateCapability = errors.New("capability already registered")

	// ErrNotApproved is returned when an approval token does not authorize
	// the requested invocation.
	ErrNotApproved = errors.New("approval does not match or is not granted")
)

// Config controls the interception wrapper's audit strictness.
type Config struct {
	// Enabled restricts which capabilities may be invoked. Nil means all
	// registered capabilities are enabled.
	Enabled map[string]bool

	// MandatoryAuditAdministrative and MandatoryAuditMutating force the
	// synchronous fail-closed audit path for those side-effect categories.
	// Read paths always use the best-effort buffered path.
	MandatoryAuditAdministrative bool
	MandatoryAuditMutating       bool
}

// Registry holds the wrapped capabilities. Registration is expected at
// startup but safe at any time; invocation is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability

	eval      *policy.Evaluator
	recorder  *audit.Recorder
	approvals ApprovalCoordinator // nil disables the approval workflow
	cfg       Config
	logger    *zap.Logger
}

// New creates an empty Registry.
func New(eval *policy.Evaluator, recorder *audit.Recorder, approvals ApprovalCoordinator, cfg Config, logger *zap.Logger) *Registry {
	return &Registry{
		caps:      make(map[string]Capability),
		eval:      eval,
		recorder:  recorder,
		approvals: approvals,
		cfg:       cfg,
		logger:    logger,
	}
}

// Register adds a capability. The interception logic is generic: no
// per-capability wrapping code exists anywhere.
func (r *Registry) Register(c Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.caps[c.Name()]; ok {
		return fmt.Errorf("Register %s: %w", c.Name(), ErrDuplicateCapability)
	}
	r.caps[c.Name()] = c
	r.logger.Info("capability registered",
		zap.String("capability", c.Name()),
		zap.String("side_effect", c.Category().String()),
	)
	return nil
}

// Descriptors returns the registered capabilities, sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.caps))
	for _, c := range r.caps {
		out = append(out, Descriptor{Name: c.Name(), SideEffect: c.Category()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) lookup(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	return c, ok
}

// Enabled reports whether a capability may be invoked under the current
// configuration.
func (r *Registry) Enabled(name string) bool {
	if r.cfg.Enabled == nil {
		return true
	}
	return r.cfg.Enabled[name]
}

func (r *Registry) auditMandatory(se SideEffect) bool {
	switch se {
	case Administrative:
		return r.cfg.MandatoryAuditAdministrative
	case Mutating:
		return r.cfg.MandatoryAuditMutating
	default:
		return false
	}
}

// Invoke runs the full interception pipeline for a named capability:
//
//	RECEIVED → CLASSIFIED → POLICY_EVALUATED →
//	    (EXECUTED | DENIED | PENDING_APPROVAL) → AUDITED
//
// The returned error is non-nil only for audit failures on mandatory paths
// and for delegate execution errors, which pass through unchanged. Denials
// are not errors; they come back as a structured Denial on the Result.
func (r *Registry) Invoke(ctx context.Context, name string, p Payload, caller policy.CallerContext) (*Result, error) {
	start := time.Now()
	res := &Result{
		InvocationID: uuid.New().String(),
		State:        StateReceived,
		Statement:    p.Statement,
	}

	c, ok := r.lookup(name)
	if !ok {
		return r.refuse(ctx, res, name, ReadOnly, classify.Statement{Raw: p.Statement}, caller,
			policy.Decision{Effect: policy.EffectDeny, Reason: ReasonUnknownCapability},
			fmt.Sprintf("capability %q is not registered", name), start)
	}
	if !r.Enabled(name) {
		return r.refuse(ctx, res, name, c.Category(), classify.Statement{Raw: p.Statement}, caller,
			policy.Decision{Effect: policy.EffectDeny, Reason: ReasonCapabilityDisabled},
			fmt.Sprintf("capability %q is not enabled in configuration", name), start)
	}

	stmt := classify.Classify(p.Statement)
	res.State = StateClassified

	decision := r.eval.Evaluate(stmt, caller, p.Object)
	res.State = StatePolicyEvaluated
	res.Decision = decision

	// Caller cancelled before the decision was finalized: discard it,
	// audit nothing.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	mandatory := r.auditMandatory(c.Category())

	switch decision.Effect {
	case policy.EffectDeny:
		return r.refuse(ctx, res, name, c.Category(), stmt, caller, decision,
			denialMessage(decision), start)

	case policy.EffectRequireApproval:
		if p.ApprovalID == "" {
			return r.pend(ctx, res, name, c, stmt, p, caller, decision, start)
		}
		if r.approvals == nil {
			decision = policy.Decision{Effect: policy.EffectDeny, Reason: ReasonApprovalFailed, RuleID: decision.RuleID}
			return r.refuse(ctx, res, name, c.Category(), stmt, caller, decision,
				"approval required but no approval workflow is configured", start)
		}
		if err := r.approvals.Redeem(ctx, p.ApprovalID, approvalRequest(res, name, p, caller, decision.Reason)); err != nil {
			r.logger.Warn("approval redemption refused",
				zap.String("capability", name),
				zap.String("approval_id", p.ApprovalID),
				zap.Error(err),
			)
			decision = policy.Decision{Effect: policy.EffectDeny, Reason: ReasonNotApproved, RuleID: decision.RuleID}
			return r.refuse(ctx, res, name, c.Category(), stmt, caller, decision,
				fmt.Sprintf("approval %s does not authorize this invocation", p.ApprovalID), start)
		}
		res.ApprovalID = p.ApprovalID
	}

	// ALLOW or BOUND from here on.
	if decision.Effect == policy.EffectBound {
		rewritten, _ := bound.Apply(stmt, bound.Params{RowLimit: decision.Bound.RowLimit})
		res.Statement = rewritten
		p.Statement = rewritten
	}
	p.Timeout = bound.ClampTimeout(p.Timeout,
		time.Duration(decision.Bound.TimeoutSeconds)*time.Second)

	// Fail closed before touching the platform when this path's audit is
	// mandatory and the sink is down.
	if mandatory {
		if err := r.recorder.EnsureAvailable(ctx); err != nil {
			return nil, err
		}
	}

	// Decision is final. A cancellation from here on still audits, with
	// outcome not-executed.
	if ctx.Err() != nil {
		if err := r.record(ctx, res, name, c.Category(), stmt, caller, audit.OutcomeNotExecuted, start, mandatory); err != nil {
			return nil, err
		}
		return nil, ctx.Err()
	}

	output, execErr := r.execute(ctx, c, p)
	outcome := audit.OutcomeSuccess
	if execErr != nil {
		outcome = audit.OutcomeFailure
	}
	res.State = StateExecuted
	res.Output = output

	if err := r.record(ctx, res, name, c.Category(), stmt, caller, outcome, start, mandatory); err != nil {
		return nil, err
	}
	res.State = StateAudited

	// Delegate errors pass through to the caller unchanged.
	return res, execErr
}

// execute runs the delegate under the clamped timeout.
func (r *Registry) execute(ctx context.Context, c Capability, p Payload) (any, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	return c.Invoke(ctx, p)
}

// refuse finalizes a denied invocation: audit, then structured refusal.
func (r *Registry) refuse(ctx context.Context, res *Result, name string, se SideEffect,
	stmt classify.Statement, caller policy.CallerContext, decision policy.Decision,
	message string, start time.Time) (*Result, error) {

	res.State = StateDenied
	res.Decision = decision
	res.Denial = &Denial{Denied: true, ReasonCode: decision.Reason, Message: message}

	mandatory := r.auditMandatory(se)
	if err := r.record(ctx, res, name, se, stmt, caller, audit.OutcomeNotExecuted, start, mandatory); err != nil {
		return nil, err
	}
	res.State = StateAudited
	return res, nil
}

// pend finalizes a REQUIRE_APPROVAL invocation: create the pending request,
// audit, return immediately. The approval workflow is owned elsewhere.
func (r *Registry) pend(ctx context.Context, res *Result, name string, c Capability,
	stmt classify.Statement, p Payload, caller policy.CallerContext,
	decision policy.Decision, start time.Time) (*Result, error) {

	if r.approvals == nil {
		decision = policy.Decision{Effect: policy.EffectDeny, Reason: ReasonApprovalFailed, RuleID: decision.RuleID}
		return r.refuse(ctx, res, name, c.Category(), stmt, caller, decision,
			"approval required but no approval workflow is configured", start)
	}

	approvalID, err := r.approvals.Create(ctx, approvalRequest(res, name, p, caller, decision.Reason))
	if err != nil {
		r.logger.Error("approval request creation failed",
			zap.String("capability", name),
			zap.Error(err),
		)
		decision = policy.Decision{Effect: policy.EffectDeny, Reason: ReasonApprovalFailed, RuleID: decision.RuleID}
		return r.refuse(ctx, res, name, c.Category(), stmt, caller, decision,
			"approval required but the approval workflow is unavailable", start)
	}

	res.State = StatePendingApproval
	res.ApprovalID = approvalID

	mandatory := r.auditMandatory(c.Category())
	if err := r.record(ctx, res, name, c.Category(), stmt, caller, audit.OutcomeNotExecuted, start, mandatory); err != nil {
		return nil, err
	}
	return res, nil
}

// record emits the invocation's single audit record.
func (r *Registry) record(ctx context.Context, res *Result, name string, se SideEffect,
	stmt classify.Statement, caller policy.CallerContext, outcome string,
	start time.Time, mandatory bool) error {

	res.LatencyMs = float32(float64(time.Since(start)) / float64(time.Millisecond))
	rec := &audit.Record{
		InvocationID: res.InvocationID,
		User:         caller.User,
		Role:         caller.Role,
		Capability:   name,
		SideEffect:   se.String(),
		Category:     stmt.Category.String(),
		Fingerprint:  audit.Fingerprint(stmt.Raw),
		Preview:      audit.TruncatePreview(stmt.Raw),
		Effect:       res.Decision.Effect.String(),
		Reason:       res.Decision.Reason,
		RuleID:       res.Decision.RuleID,
		Outcome:      outcome,
		LatencyMs:    res.LatencyMs,
	}
	return r.recorder.Record(ctx, rec, mandatory)
}

func approvalRequest(res *Result, name string, p Payload, caller policy.CallerContext, reason string) ApprovalRequest {
	return ApprovalRequest{
		InvocationID: res.InvocationID,
		Capability:   name,
		Statement:    p.Statement,
		Object:       p.Object,
		User:         caller.User,
		Role:         caller.Role,
		Reason:       reason,
	}
}

func denialMessage(d policy.Decision) string {
	if d.RuleID != "" {
		return fmt.Sprintf("operation denied by rule %s: %s", d.RuleID, d.Reason)
	}
	return "operation denied: " + d.Reason
}
