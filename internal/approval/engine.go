package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marcoracer/Icebreaker/internal/audit"
	"github.com/marcoracer/Icebreaker/internal/registry"
	"go.uber.org/zap"
)

// DefaultTTL is how long a pending request stays redeemable before it is
// treated as expired.
const DefaultTTL = 24 * time.Hour

// Engine drives the approval state machine on top of a Store. It satisfies
// registry.ApprovalCoordinator on the intake side and serves the operator
// endpoints on the decision side.
type Engine struct {
	store  Store
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates an Engine. A non-positive ttl falls back to DefaultTTL.
func NewEngine(store Store, ttl time.Duration, logger *zap.Logger) *Engine {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Engine{store: store, ttl: ttl, logger: logger, now: time.Now}
}

// Create records a new PENDING request and returns its id.
func (e *Engine) Create(ctx context.Context, req registry.ApprovalRequest) (string, error) {
	now := e.now().UTC()
	r := &Request{
		ID:           uuid.New().String(),
		InvocationID: req.InvocationID,
		Capability:   req.Capability,
		Statement:    req.Statement,
		Fingerprint:  audit.Fingerprint(req.Statement),
		Object:       req.Object,
		RequestedBy:  req.User,
		Role:         req.Role,
		Reason:       req.Reason,
		Status:       StatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(e.ttl),
	}
	if err := e.store.Insert(ctx, r); err != nil {
		return "", fmt.Errorf("Create: %w", err)
	}
	e.logger.Info("approval request created",
		zap.String("approval_id", r.ID),
		zap.String("capability", r.Capability),
		zap.String("requested_by", r.RequestedBy),
	)
	return r.ID, nil
}

// Redeem consumes a granted approval: the request must be APPROVED, not
// expired, and must match the presented capability, statement and caller.
// On success it transitions APPROVED → APPLIED so a grant is single-use.
func (e *Engine) Redeem(ctx context.Context, id string, req registry.ApprovalRequest) error {
	r, err := e.get(ctx, id)
	if err != nil {
		return err
	}
	if r.Status != StatusApproved {
		return fmt.Errorf("Redeem %s: status %s: %w", id, r.Status, registry.ErrNotApproved)
	}
	if r.Capability != req.Capability ||
		r.Fingerprint != audit.Fingerprint(req.Statement) ||
		r.RequestedBy != req.User {
		return fmt.Errorf("Redeem %s: %w", id, ErrMismatch)
	}
	if err := e.store.Transition(ctx, id, StatusApproved, StatusApplied, req.User, "redeemed"); err != nil {
		return fmt.Errorf("Redeem: %w", err)
	}
	e.logger.Info("approval redeemed",
		zap.String("approval_id", id),
		zap.String("capability", r.Capability),
	)
	return nil
}

// Approve grants a pending request.
func (e *Engine) Approve(ctx context.Context, id, decidedBy, note string) (*Request, error) {
	return e.decide(ctx, id, StatusApproved, decidedBy, note)
}

// Reject refuses a pending request.
func (e *Engine) Reject(ctx context.Context, id, decidedBy, note string) (*Request, error) {
	return e.decide(ctx, id, StatusRejected, decidedBy, note)
}

func (e *Engine) decide(ctx context.Context, id string, to Status, decidedBy, note string) (*Request, error) {
	r, err := e.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusPending {
		return nil, fmt.Errorf("decide %s: status %s: %w", id, r.Status, ErrAlreadyDecided)
	}
	if err := e.store.Transition(ctx, id, StatusPending, to, decidedBy, note); err != nil {
		return nil, err
	}
	e.logger.Info("approval decided",
		zap.String("approval_id", id),
		zap.String("status", string(to)),
		zap.String("decided_by", decidedBy),
	)
	return e.store.Get(ctx, id)
}

// Get returns a single request, settling expiry first.
func (e *Engine) Get(ctx context.Context, id string) (*Request, error) {
	return e.get(ctx, id)
}

// List returns requests filtered by status, settling expiry on the way out.
func (e *Engine) List(ctx context.Context, status Status) ([]*Request, error) {
	reqs, err := e.store.List(ctx, status)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	for i, r := range reqs {
		if r.Expired(now) {
			settled, err := e.expire(ctx, r)
			if err != nil {
				return nil, err
			}
			reqs[i] = settled
		}
	}
	return reqs, nil
}

// get loads a request and lazily expires it when its deadline has passed.
func (e *Engine) get(ctx context.Context, id string) (*Request, error) {
	r, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Expired(e.now().UTC()) {
		return e.expire(ctx, r)
	}
	return r, nil
}

func (e *Engine) expire(ctx context.Context, r *Request) (*Request, error) {
	err := e.store.Transition(ctx, r.ID, StatusPending, StatusExpired, "", "deadline passed")
	if err != nil && !errors.Is(err, ErrAlreadyDecided) {
		return nil, err
	}
	if err == nil {
		e.logger.Info("approval expired", zap.String("approval_id", r.ID))
	}
	return e.store.Get(ctx, r.ID)
}
