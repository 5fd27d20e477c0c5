// Package policy evaluates classified statements against layered rule sets
// and renders auditable decisions.
package policy

import (
	"path"
	"strings"
	"time"

	"github.com/marcoracer/Icebreaker/internal/classify"
)

// Effect is what a matched rule (and ultimately a Decision) prescribes.
type Effect int

const (
	EffectDeny Effect = iota
	EffectAllow
	EffectBound
	EffectRequireApproval
)

// String returns the lowercase effect name.
func (e Effect) String() string {
	switch e {
	case EffectAllow:
		return "allow"
	case EffectBound:
		return "bound"
	case EffectRequireApproval:
		return "require_approval"
	default:
		return "deny"
	}
}

// CallerContext is the already-authenticated identity and environment for a
// single evaluation. The core never authenticates; it only consumes this.
type CallerContext struct {
	User  string
	Role  string
	Force bool // explicit override request

	// Now is the evaluation time; zero means time.Now(). Injected so window
	// rules are testable.
	Now time.Time
}

func (c CallerContext) at() time.Time {
	if c.Now.IsZero() {
		return time.Now()
	}
	return c.Now
}

// BoundParams are the ceilings a BOUND rule injects.
type BoundParams struct {
	RowLimit       int `yaml:"row_limit" json:"row_limit"`
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// Window is a recurring daily time window, e.g. business hours.
// Zero Days means every day. Start/End are "HH:MM" in the process's zone.
type Window struct {
	Start string   `yaml:"start" json:"start"`
	End   string   `yaml:"end" json:"end"`
	Days  []string `yaml:"days" json:"days"`
}

// Contains reports whether t falls inside the window.
// Malformed windows never match.
func (w *Window) Contains(t time.Time) bool {
	if w == nil {
		return false
	}
	start, ok1 := parseClock(w.Start)
	end, ok2 := parseClock(w.End)
	if !ok1 || !ok2 {
		return false
	}
	if len(w.Days) > 0 {
		day := strings.ToLower(t.Weekday().String()[:3])
		found := false
		for _, d := range w.Days {
			if strings.HasPrefix(strings.ToLower(d), day) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	minutes := t.Hour()*60 + t.Minute()
	if start <= end {
		return minutes >= start && minutes < end
	}
	// Window crossing midnight.
	return minutes >= start || minutes < end
}

func parseClock(s string) (int, bool) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return parsed.Hour()*60 + parsed.Minute(), true
}

// Rule is an ordered predicate plus an effect. Rules are immutable after
// load; evaluation within a set is first-match-wins.
type Rule struct {
	ID            string      `yaml:"id" json:"id"`
	Categories    []string    `yaml:"categories" json:"categories"`
	ObjectPattern string      `yaml:"object_pattern" json:"object_pattern"`
	HiddenWrite   *bool       `yaml:"hidden_write" json:"hidden_write"`
	Window        *Window     `yaml:"window" json:"window"`
	UnlessForced  bool        `yaml:"unless_forced" json:"unless_forced"`
	Effect        string      `yaml:"effect" json:"effect"`
	Reason        string      `yaml:"reason" json:"reason"`
	Bound         BoundParams `yaml:"bound" json:"bound"`
}

// effect maps the declarative effect string onto the enum. Anything
// unrecognized collapses to DENY; a typo in a rule file must not open a hole.
func (r *Rule) effect() Effect {
	switch strings.ToLower(r.Effect) {
	case "allow":
		return EffectAllow
	case "bound":
		return EffectBound
	case "require_approval":
		return EffectRequireApproval
	default:
		return EffectDeny
	}
}

// Matches reports whether the rule's predicate covers the given statement,
// caller, and target object.
func (r *Rule) Matches(stmt classify.Statement, caller CallerContext, object string) bool {
	if len(r.Categories) > 0 {
		found := false
		for _, c := range r.Categories {
			if strings.EqualFold(c, stmt.Category.String()) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if r.ObjectPattern != "" && !globMatch(r.ObjectPattern, object) {
		return false
	}
	if r.HiddenWrite != nil && *r.HiddenWrite != stmt.ContainsHiddenWrite {
		return false
	}
	if r.Window != nil && !r.Window.Contains(caller.at()) {
		return false
	}
	if r.UnlessForced && caller.Force {
		return false
	}
	return true
}

// reason yields the rule's reason code, falling back to a stable default.
func (r *Rule) reason() string {
	if r.Reason != "" {
		return r.Reason
	}
	return "rule:" + r.ID
}

// RuleSet is the full layered rule hierarchy: cross-cutting global rules,
// per-role ordered lists, and per-role object visibility globs.
// Read-only after load; hot reloads swap the whole set atomically.
type RuleSet struct {
	Version    int                 `yaml:"version" json:"version"`
	Global     []Rule              `yaml:"global" json:"global"`
	Roles      map[string][]Rule   `yaml:"roles" json:"roles"`
	Visibility map[string][]string `yaml:"visibility" json:"visibility"`
}

// ObjectVisible reports whether a role can see the named object. Roles
// without a visibility list see everything.
func (rs *RuleSet) ObjectVisible(role, object string) bool {
	if object == "" {
		return true
	}
	globs, ok := rs.Visibility[role]
	if !ok || len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if globMatch(g, object) {
			return true
		}
	}
	return false
}

func globMatch(pattern, name string) bool {
	ok, err := path.Match(strings.ToLower(pattern), strings.ToLower(name))
	return err == nil && ok
}

// Decision is the write-once output of an evaluation.
type Decision struct {
	Effect Effect
	Reason string
	RuleID string
	Bound  BoundParams
}
