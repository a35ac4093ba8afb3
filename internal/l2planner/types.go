package l2planner

// Incident is the compact input handed to the L2 planner. It carries just
// enough of the incident record for the remote model to reason about —
// full HIPAA-sensitive raw state is scrubbed before this ever leaves the
// process (see phi_scrubber.go).
type Incident struct {
	ID               string                 `json:"id"`
	SiteID           string                 `json:"site_id"`
	HostID           string                 `json:"host_id"`
	IncidentType     string                 `json:"incident_type"`
	Severity         string                 `json:"severity"`
	RawData          map[string]interface{} `json:"raw_data"`
	PatternSignature string                 `json:"pattern_signature"`
	CreatedAt        string                 `json:"created_at"`
}

// LLMDecision is the structured plan returned by the remote planner.
type LLMDecision struct {
	IncidentID        string                 `json:"incident_id"`
	RecommendedAction string                 `json:"recommended_action"`
	ActionParams      map[string]interface{} `json:"action_params"`
	Confidence        float64                `json:"confidence"`
	Reasoning         string                 `json:"reasoning"`
	RunbookID         string                 `json:"runbook_id,omitempty"`
	RequiresApproval  bool                   `json:"requires_approval"`
	EscalateToL3      bool                   `json:"escalate_to_l3"`
	// Disruptive marks a recommended action as needing the maintenance
	// window (spec.md §4.4 pre-check 2) before it can be dispatched.
	Disruptive  bool                   `json:"disruptive,omitempty"`
	ContextUsed map[string]interface{} `json:"context_used,omitempty"`
}

// minConfidence is the floor below which a plan is escalated regardless of
// what the model reasoned, per the handle_incident pre-check ladder.
const minConfidence = 0.6

// ShouldExecute reports whether the decision can be auto-executed without
// L3 escalation or human approval.
func (d *LLMDecision) ShouldExecute() bool {
	return !d.EscalateToL3 && !d.RequiresApproval && d.Confidence >= minConfidence
}
