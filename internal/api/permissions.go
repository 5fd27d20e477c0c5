package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/marcoracer/Icebreaker/internal/classify"
	"github.com/marcoracer/Icebreaker/internal/policy"
)

// permissionCategories are probed in order for the permissions report.
var permissionCategories = []classify.Category{
	classify.CategoryRead,
	classify.CategoryWrite,
	classify.CategoryDDL,
	classify.CategoryDCL,
}

// handlePermissions implements GET /v1/permissions/{role}: the effect the
// policy would assign to each statement category for that role, plus the
// capability surface as registered.
func (d *Dependencies) handlePermissions(w http.ResponseWriter, r *http.Request) {
	role := r.PathValue("role")
	if role == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "role is required"})
		return
	}

	caller := policy.CallerContext{Role: role, Now: time.Now()}
	effects := make(map[string]string, len(permissionCategories))
	for _, cat := range permissionCategories {
		probe := classify.Statement{Category: cat}
		decision := d.Evaluator.Evaluate(probe, caller, "")
		effects[strings.ToUpper(cat.String())] = strings.ToUpper(decision.Effect.String())
	}

	descriptors := d.Registry.Descriptors()
	caps := make([]CapabilityPermission, 0, len(descriptors))
	for _, desc := range descriptors {
		caps = append(caps, CapabilityPermission{
			Name:       desc.Name,
			SideEffect: desc.SideEffect.String(),
			Enabled:    d.Registry.Enabled(desc.Name),
		})
	}

	writeJSON(w, http.StatusOK, PermissionsResponse{
		Role:            role,
		SafeMode:        d.SafeMode,
		Capabilities:    caps,
		CategoryEffects: effects,
	})
}

// handlePolicyReload implements POST /api/icebreaker/policy/reload. The new
// rule set is parsed and validated before the swap; in-flight evaluations
// finish against the set they started with.
func (d *Dependencies) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	rs, err := policy.LoadRuleSet(d.RulesPath)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResp{Detail: err.Error()})
		return
	}
	d.Evaluator.Swap(rs)

	count := len(rs.Global)
	for _, rules := range rs.Roles {
		count += len(rules)
	}
	writeJSON(w, http.StatusOK, ReloadResponse{Version: rs.Version, Rules: count})
}
