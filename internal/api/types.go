package api

// --- POST /v1/invoke request/response ---

// InvokeRequest is the JSON body for POST /v1/invoke.
type InvokeRequest struct {
	Capability     string `json:"capability"`
	Statement      string `json:"statement,omitempty"`
	Object         string `json:"object,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	Force          bool   `json:"force,omitempty"`
	ApprovalID     string `json:"approval_id,omitempty"`
}

// InvokeResponse reports the invocation's terminal state. Exactly one of
// the denied / pending / result shapes is populated.
type InvokeResponse struct {
	InvocationID string `json:"invocation_id"`
	State        string `json:"state"`
	Effect       string `json:"effect"`

	Denied     bool   `json:"denied,omitempty"`
	ReasonCode string `json:"reason_code,omitempty"`
	Message    string `json:"message,omitempty"`

	Pending    bool   `json:"pending,omitempty"`
	ApprovalID string `json:"approval_id,omitempty"`

	Statement string  `json:"statement,omitempty"` // as executed, after bounding
	Result    any     `json:"result,omitempty"`
	Error     string  `json:"error,omitempty"` // delegate execution error
	LatencyMs float32 `json:"latency_ms"`
}

// --- GET /v1/permissions/{role} ---

// CapabilityPermission is one capability's standing for a role.
type CapabilityPermission struct {
	Name       string `json:"name"`
	SideEffect string `json:"side_effect"`
	Enabled    bool   `json:"enabled"`
}

// PermissionsResponse mirrors what the policy would decide for each
// statement category under the given role, plus the capability surface.
type PermissionsResponse struct {
	Role            string                 `json:"role"`
	SafeMode        bool                   `json:"safe_mode"`
	Capabilities    []CapabilityPermission `json:"capabilities"`
	CategoryEffects map[string]string      `json:"category_effects"`
}

// --- Approvals ---

// DecisionRequest is the body for approve/reject.
type DecisionRequest struct {
	DecidedBy string `json:"decided_by"`
	Note      string `json:"note,omitempty"`
}

// --- Policy reload ---

// ReloadResponse reports the rule set version now in effect.
type ReloadResponse struct {
	Version int `json:"version"`
	Rules   int `json:"rules"`
}

// ErrorResp is the uniform error shape.
type ErrorResp struct {
	Detail string `json:"detail"`
}
