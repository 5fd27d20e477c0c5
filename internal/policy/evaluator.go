package policy

import (
	"sync/atomic"

	"github.com/marcoracer/Icebreaker/internal/classify"
	"github.com/marcoracer/Icebreaker/internal/threat"
	"go.uber.org/zap"
)

// Reason codes that do not originate from a rule.
const (
	ReasonUnclassifiable   = "unclassifiable-statement"
	ReasonObjectNotVisible = "object-not-visible"
	ReasonPermissionDenied = "permission-denied"
	ReasonNoMatchingRule   = "no-matching-rule"
	ReasonSafeMode         = "safe-mode-confirmation"
	ReasonThreatPrefix     = "threat-signature:"
)

// Config holds the evaluator's process-wide ceilings and modes.
type Config struct {
	// StrictVisibility controls whether an invisible object is reported as
	// "object-not-visible" (strict: the caller may learn the object exists)
	// or folded into a generic "permission-denied".
	StrictVisibility bool

	// SafeMode overlays a confirmation requirement on every permitted
	// write/DDL/DCL that was not forced.
	SafeMode bool

	// MaxRowLimit and MaxTimeoutSeconds are hard ceilings: rule-supplied
	// bound params are clamped to them, never relaxed past them.
	MaxRowLimit       int
	MaxTimeoutSeconds int
}

// Evaluator renders Decisions from (Statement, CallerContext, object).
// The rule set is swapped atomically on reload; in-flight evaluations see
// either the fully-old or fully-new set, never a mix.
type Evaluator struct {
	rules  atomic.Pointer[RuleSet]
	cfg    Config
	logger *zap.Logger
}

// NewEvaluator creates an Evaluator over an initial rule set.
func NewEvaluator(rs *RuleSet, cfg Config, logger *zap.Logger) *Evaluator {
	e := &Evaluator{cfg: cfg, logger: logger}
	e.rules.Store(rs)
	return e
}

// Swap atomically replaces the rule set.
func (e *Evaluator) Swap(rs *RuleSet) {
	e.rules.Store(rs)
	e.logger.Info("rule set swapped",
		zap.Int("version", rs.Version),
		zap.Int("global_rules", len(rs.Global)),
		zap.Int("roles", len(rs.Roles)),
	)
}

// Rules returns the current rule set.
func (e *Evaluator) Rules() *RuleSet {
	return e.rules.Load()
}

// Evaluate runs the full decision algorithm:
//
//  1. any threat signature            → DENY "threat-signature:<id>"
//  2. UNKNOWN category                → DENY "unclassifiable-statement"
//  3. object invisible to the role    → DENY (reason depends on strict mode)
//  4. role rules, first match wins; global rules if no role rule matched
//  5. deny-overrides second pass: a matching DENY anywhere in the hierarchy
//     beats an ALLOW/BOUND from step 4
//  6. BOUND params clamped to configured ceilings
//  7. safe-mode overlay: unforced write/DDL/DCL escalate to REQUIRE_APPROVAL
//
// Unmatched statements deny (fail closed).
func (e *Evaluator) Evaluate(stmt classify.Statement, caller CallerContext, object string) Decision {
	if matches := threat.Scan(stmt.Raw); len(matches) > 0 {
		e.logger.Warn("threat signature matched",
			zap.String("signature", matches[0].ID),
			zap.String("role", caller.Role),
		)
		return Decision{Effect: EffectDeny, Reason: ReasonThreatPrefix + matches[0].ID}
	}

	if stmt.Category == classify.CategoryUnknown {
		return Decision{Effect: EffectDeny, Reason: ReasonUnclassifiable}
	}

	rs := e.rules.Load()

	if !rs.ObjectVisible(caller.Role, object) {
		reason := ReasonPermissionDenied
		if e.cfg.StrictVisibility {
			reason = ReasonObjectNotVisible
		}
		return Decision{Effect: EffectDeny, Reason: reason}
	}

	decision := e.firstMatch(rs, stmt, caller, object)

	// Deny-overrides: any matching DENY rule in the full hierarchy wins over
	// an ALLOW/BOUND matched above, regardless of rule ordering.
	if decision.Effect != EffectDeny {
		if deny, ok := e.matchingDeny(rs, stmt, caller, object); ok {
			decision = deny
		}
	}

	if decision.Effect == EffectBound {
		decision.Bound = e.clamp(decision.Bound)
	}

	if e.cfg.SafeMode && !caller.Force &&
		(decision.Effect == EffectAllow || decision.Effect == EffectBound) &&
		stmt.Category != classify.CategoryRead {
		return Decision{Effect: EffectRequireApproval, Reason: ReasonSafeMode, RuleID: decision.RuleID}
	}

	return decision
}

// firstMatch runs the role-specific pass, then the global pass, first match
// wins within each. No match at all fails closed.
func (e *Evaluator) firstMatch(rs *RuleSet, stmt classify.Statement, caller CallerContext, object string) Decision {
	for _, rules := range [][]Rule{rs.Roles[caller.Role], rs.Global} {
		for i := range rules {
			r := &rules[i]
			if r.Matches(stmt, caller, object) {
				return Decision{
					Effect: r.effect(),
					Reason: r.reason(),
					RuleID: r.ID,
					Bound:  r.Bound,
				}
			}
		}
	}
	return Decision{Effect: EffectDeny, Reason: ReasonNoMatchingRule}
}

// matchingDeny scans the full hierarchy for any matching DENY rule.
func (e *Evaluator) matchingDeny(rs *RuleSet, stmt classify.Statement, caller CallerContext, object string) (Decision, bool) {
	for _, rules := range [][]Rule{rs.Global, rs.Roles[caller.Role]} {
		for i := range rules {
			r := &rules[i]
			if r.effect() == EffectDeny && r.Matches(stmt, caller, object) {
				return Decision{Effect: EffectDeny, Reason: r.reason(), RuleID: r.ID}, true
			}
		}
	}
	return Decision{}, false
}

// clamp bounds rule-supplied params by the configured ceilings:
// min(requested, ceiling), never relaxing a configured maximum.
func (e *Evaluator) clamp(p BoundParams) BoundParams {
	if e.cfg.MaxRowLimit > 0 && (p.RowLimit <= 0 || p.RowLimit > e.cfg.MaxRowLimit) {
		p.RowLimit = e.cfg.MaxRowLimit
	}
	if e.cfg.MaxTimeoutSeconds > 0 && (p.TimeoutSeconds <= 0 || p.TimeoutSeconds > e.cfg.MaxTimeoutSeconds) {
		p.TimeoutSeconds = e.cfg.MaxTimeoutSeconds
	}
	return p
}
