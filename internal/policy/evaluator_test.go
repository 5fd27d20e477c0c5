package policy

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/marcoracer/Icebreaker/internal/classify"
	"go.uber.org/zap"
)

func testRuleSet() *RuleSet {
	return &RuleSet{
		Version: 1,
		Global: []Rule{
			{ID: "no-dcl", Categories: []string{"dcl"}, Effect: "deny", Reason: "dcl-not-permitted"},
		},
		Roles: map[string][]Rule{
			"analyst": {
				{ID: "analyst-read", Categories: []string{"read"}, Effect: "bound",
					Bound: BoundParams{RowLimit: 10000, TimeoutSeconds: 300}},
			},
			"admin": {
				{ID: "admin-protected-window", Categories: []string{"ddl"},
					ObjectPattern: "warehouse:*", UnlessForced: true,
					Window: &Window{Start: "09:00", End: "18:00"},
					Effect: "require_approval", Reason: "business-hours-protection"},
				{ID: "admin-all", Effect: "allow"},
			},
		},
		Visibility: map[string][]string{
			"analyst": {"analytics.*"},
		},
	}
}

func newTestEvaluator(cfg Config) *Evaluator {
	return NewEvaluator(testRuleSet(), cfg, zap.NewNop())
}

func eval(e *Evaluator, sql, role string) Decision {
	return e.Evaluate(classify.Classify(sql), CallerContext{Role: role}, "")
}

func TestEvaluate_AnalystSelectIsBounded(t *testing.T) {
	e := newTestEvaluator(Config{MaxRowLimit: 10000, MaxTimeoutSeconds: 300})
	d := e.Evaluate(classify.Classify("SELECT * FROM T"), CallerContext{Role: "analyst"}, "analytics.t")
	if d.Effect != EffectBound {
		t.Fatalf("expected BOUND, got %v (%s)", d.Effect, d.Reason)
	}
	if d.Bound.RowLimit != 10000 {
		t.Fatalf("expected row limit 10000, got %d", d.Bound.RowLimit)
	}
	if d.RuleID != "analyst-read" {
		t.Fatalf("expected triggering rule analyst-read, got %q", d.RuleID)
	}
}

func TestEvaluate_ThreatOverridesRole(t *testing.T) {
	e := newTestEvaluator(Config{})
	// Even the admin's blanket allow loses to a threat signature.
	for _, role := range []string{"analyst", "admin"} {
		d := eval(e, "SELECT * FROM T; DROP TABLE T", role)
		if d.Effect != EffectDeny {
			t.Fatalf("role %s: expected DENY, got %v", role, d.Effect)
		}
		if d.Reason != "threat-signature:statement-chaining" {
			t.Fatalf("role %s: unexpected reason %q", role, d.Reason)
		}
	}
}

func TestEvaluate_HiddenWriteFailsClosed(t *testing.T) {
	e := newTestEvaluator(Config{})
	d := eval(e, "WITH x AS (INSERT INTO T VALUES (1) RETURNING *) SELECT * FROM x", "analyst")
	if d.Effect != EffectDeny {
		t.Fatalf("expected DENY for hidden write without explicit WRITE rule, got %v (%s)", d.Effect, d.Reason)
	}
	if d.Reason != ReasonNoMatchingRule {
		t.Fatalf("unexpected reason %q", d.Reason)
	}
}

func TestEvaluate_FailClosedInvariant(t *testing.T) {
	// For every WRITE/DDL/DCL statement, absent an explicit allow for the
	// role, the decision is DENY.
	e := newTestEvaluator(Config{})
	statements := []string{
		"INSERT INTO t VALUES (1)",
		"UPDATE t SET x = 1",
		"DROP TABLE t",
		"CREATE TABLE t (id INT)",
		"GRANT SELECT ON t TO ROLE intern",
	}
	for _, sql := range statements {
		d := eval(e, sql, "analyst")
		if d.Effect != EffectDeny {
			t.Fatalf("%q: expected DENY, got %v (%s)", sql, d.Effect, d.Reason)
		}
	}
}

func TestEvaluate_UnknownRoleDenied(t *testing.T) {
	e := newTestEvaluator(Config{})
	d := eval(e, "SELECT 1", "nobody")
	if d.Effect != EffectDeny || d.Reason != ReasonNoMatchingRule {
		t.Fatalf("expected fail-closed deny for unknown role, got %v (%s)", d.Effect, d.Reason)
	}
}

func TestEvaluate_UnclassifiableDenied(t *testing.T) {
	e := newTestEvaluator(Config{})
	d := eval(e, "FROBNICATE THE WAREHOUSE", "admin")
	if d.Effect != EffectDeny || d.Reason != ReasonUnclassifiable {
		t.Fatalf("expected unclassifiable-statement deny, got %v (%s)", d.Effect, d.Reason)
	}
}

func TestEvaluate_DenyOverridesRoleAllow(t *testing.T) {
	// admin-all allows everything, but the global DCL deny must win
	// regardless of evaluation order.
	e := newTestEvaluator(Config{})
	d := eval(e, "GRANT ALL ON DATABASE prod TO ROLE intern", "admin")
	if d.Effect != EffectDeny {
		t.Fatalf("expected DENY, got %v", d.Effect)
	}
	if d.Reason != "dcl-not-permitted" {
		t.Fatalf("unexpected reason %q", d.Reason)
	}
	if d.RuleID != "no-dcl" {
		t.Fatalf("expected triggering rule no-dcl, got %q", d.RuleID)
	}
}

func TestEvaluate_ObjectVisibility(t *testing.T) {
	strict := newTestEvaluator(Config{StrictVisibility: true})
	d := strict.Evaluate(classify.Classify("SELECT * FROM finance.salaries"),
		CallerContext{Role: "analyst"}, "finance.salaries")
	if d.Effect != EffectDeny || d.Reason != ReasonObjectNotVisible {
		t.Fatalf("strict mode: expected object-not-visible, got %v (%s)", d.Effect, d.Reason)
	}

	lax := newTestEvaluator(Config{})
	d = lax.Evaluate(classify.Classify("SELECT * FROM finance.salaries"),
		CallerContext{Role: "analyst"}, "finance.salaries")
	if d.Effect != EffectDeny || d.Reason != ReasonPermissionDenied {
		t.Fatalf("lax mode: expected permission-denied, got %v (%s)", d.Effect, d.Reason)
	}
}

func TestEvaluate_BusinessHoursRequireApproval(t *testing.T) {
	e := newTestEvaluator(Config{})
	inWindow := time.Date(2025, 6, 2, 11, 0, 0, 0, time.Local) // Monday 11:00

	d := e.Evaluate(classify.Classify("ALTER WAREHOUSE etl_wh SUSPEND"),
		CallerContext{Role: "admin", Now: inWindow}, "warehouse:etl_wh")
	if d.Effect != EffectRequireApproval {
		t.Fatalf("expected REQUIRE_APPROVAL in protected window, got %v (%s)", d.Effect, d.Reason)
	}
	if d.Reason != "business-hours-protection" {
		t.Fatalf("unexpected reason %q", d.Reason)
	}

	// Force bypasses the window rule and falls through to admin-all.
	d = e.Evaluate(classify.Classify("ALTER WAREHOUSE etl_wh SUSPEND"),
		CallerContext{Role: "admin", Now: inWindow, Force: true}, "warehouse:etl_wh")
	if d.Effect != EffectAllow {
		t.Fatalf("expected ALLOW with force, got %v (%s)", d.Effect, d.Reason)
	}

	// Outside the window the rule does not match at all.
	night := time.Date(2025, 6, 2, 23, 0, 0, 0, time.Local)
	d = e.Evaluate(classify.Classify("ALTER WAREHOUSE etl_wh SUSPEND"),
		CallerContext{Role: "admin", Now: night}, "warehouse:etl_wh")
	if d.Effect != EffectAllow {
		t.Fatalf("expected ALLOW outside window, got %v (%s)", d.Effect, d.Reason)
	}
}

func TestEvaluate_SafeModeOverlay(t *testing.T) {
	e := newTestEvaluator(Config{SafeMode: true})

	// Reads pass through safe mode untouched.
	d := eval(e, "SELECT 1", "analyst")
	if d.Effect != EffectBound {
		t.Fatalf("safe mode must not affect reads, got %v", d.Effect)
	}

	// A permitted DDL escalates to approval unless forced.
	night := time.Date(2025, 6, 2, 23, 0, 0, 0, time.Local)
	d = e.Evaluate(classify.Classify("DROP TABLE scratch"),
		CallerContext{Role: "admin", Now: night}, "")
	if d.Effect != EffectRequireApproval || d.Reason != ReasonSafeMode {
		t.Fatalf("expected safe-mode approval, got %v (%s)", d.Effect, d.Reason)
	}

	d = e.Evaluate(classify.Classify("DROP TABLE scratch"),
		CallerContext{Role: "admin", Now: night, Force: true}, "")
	if d.Effect != EffectAllow {
		t.Fatalf("expected ALLOW with force under safe mode, got %v (%s)", d.Effect, d.Reason)
	}
}

func TestEvaluate_BoundClampedToCeiling(t *testing.T) {
	rs := &RuleSet{
		Version: 1,
		Roles: map[string][]Rule{
			"analyst": {
				{ID: "generous", Categories: []string{"read"}, Effect: "bound",
					Bound: BoundParams{RowLimit: 500000, TimeoutSeconds: 86400}},
			},
		},
	}
	e := NewEvaluator(rs, Config{MaxRowLimit: 10000, MaxTimeoutSeconds: 300}, zap.NewNop())
	d := eval(e, "SELECT * FROM t", "analyst")
	if d.Bound.RowLimit != 10000 {
		t.Fatalf("row limit not clamped: %d", d.Bound.RowLimit)
	}
	if d.Bound.TimeoutSeconds != 300 {
		t.Fatalf("timeout not clamped: %d", d.Bound.TimeoutSeconds)
	}
}

func TestEvaluate_SwapReplacesRules(t *testing.T) {
	e := newTestEvaluator(Config{})
	if d := eval(e, "SELECT 1", "analyst"); d.Effect != EffectBound {
		t.Fatalf("precondition failed: %v", d.Effect)
	}

	e.Swap(&RuleSet{Version: 2, Roles: map[string][]Rule{}})
	if d := eval(e, "SELECT 1", "analyst"); d.Effect != EffectDeny {
		t.Fatalf("expected DENY after swap, got %v", d.Effect)
	}
}

func TestEvaluate_ConcurrentWithSwap(t *testing.T) {
	e := newTestEvaluator(Config{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			rs := testRuleSet()
			rs.Version = i
			e.Swap(rs)
		}
	}()
	for i := 0; i < 1000; i++ {
		d := eval(e, "SELECT 1", "analyst")
		if d.Effect != EffectBound {
			t.Fatalf("iteration %d: got %v", i, d.Effect)
		}
	}
	<-done
}

func TestWindow_Contains(t *testing.T) {
	w := &Window{Start: "09:00", End: "18:00", Days: []string{"mon", "tue", "wed", "thu", "fri"}}
	monday := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	saturday := time.Date(2025, 6, 7, 12, 0, 0, 0, time.UTC)
	if !w.Contains(monday) {
		t.Fatal("expected monday noon inside window")
	}
	if w.Contains(saturday) {
		t.Fatal("expected saturday outside window")
	}
	if w.Contains(time.Date(2025, 6, 2, 8, 59, 0, 0, time.UTC)) {
		t.Fatal("expected 08:59 outside window")
	}

	overnight := &Window{Start: "22:00", End: "06:00"}
	if !overnight.Contains(time.Date(2025, 6, 2, 23, 0, 0, 0, time.UTC)) {
		t.Fatal("expected 23:00 inside overnight window")
	}
	if !overnight.Contains(time.Date(2025, 6, 2, 5, 0, 0, 0, time.UTC)) {
		t.Fatal("expected 05:00 inside overnight window")
	}
	if overnight.Contains(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)) {
		t.Fatal("expected noon outside overnight window")
	}

	malformed := &Window{Start: "soon", End: "later"}
	if malformed.Contains(monday) {
		t.Fatal("malformed window must never match")
	}
}

func TestRule_UnrecognizedEffectDenies(t *testing.T) {
	r := Rule{ID: "typo", Effect: "alow"}
	if r.effect() != EffectDeny {
		t.Fatal("unrecognized effect must collapse to DENY")
	}
}

func TestEvaluate_DenyOverridesForAnyOrdering(t *testing.T) {
	// Property: wherever the deny rule sits in the hierarchy, it wins.
	for _, place := range []string{"global", "role-first", "role-last"} {
		rs := &RuleSet{Version: 1, Roles: map[string][]Rule{"ops": {
			{ID: "ops-allow", Categories: []string{"write"}, Effect: "allow"},
		}}}
		deny := Rule{ID: "deny-writes", Categories: []string{"write"}, Effect: "deny", Reason: "frozen"}
		switch place {
		case "global":
			rs.Global = []Rule{deny}
		case "role-first":
			rs.Roles["ops"] = append([]Rule{deny}, rs.Roles["ops"]...)
		case "role-last":
			rs.Roles["ops"] = append(rs.Roles["ops"], deny)
		}
		e := NewEvaluator(rs, Config{}, zap.NewNop())
		d := eval(e, "DELETE FROM t", "ops")
		if d.Effect != EffectDeny {
			t.Fatalf("%s: expected DENY, got %v (%s)", place, d.Effect, d.Reason)
		}
	}
}

func TestEvaluate_ReasonCodesAreStable(t *testing.T) {
	e := newTestEvaluator(Config{})
	cases := map[string]string{
		"SELECT * FROM T; DROP TABLE T": "threat-signature:statement-chaining",
		"FROBNICATE":                    ReasonUnclassifiable,
		"DROP TABLE t":                  ReasonNoMatchingRule,
	}
	for sql, want := range cases {
		d := eval(e, sql, "analyst")
		if d.Reason != want {
			t.Fatalf("%q: reason = %q, want %q", sql, d.Reason, want)
		}
		if !strings.Contains(fmt.Sprintf("%v", d.Effect), "deny") {
			t.Fatalf("%q: expected deny effect, got %v", sql, d.Effect)
		}
	}
}
