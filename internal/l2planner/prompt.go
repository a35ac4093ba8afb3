package l2planner

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message is a single turn in an Anthropic Messages API request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AnthropicRequest is the wire shape of a Messages API request.
type AnthropicRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system"`
	Messages  []Message `json:"messages"`
}

// AnthropicResponse is the wire shape of a Messages API response. Only the
// fields the planner reads are modeled; the API returns more.
type AnthropicResponse struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// LLMResponsePayload is the structured decision the system prompt asks the
// model to return as the text of its single content block.
type LLMResponsePayload struct {
	RecommendedAction string                 `json:"recommended_action"`
	ActionParams      map[string]interface{} `json:"action_params"`
	Confidence        float64                `json:"confidence"`
	Reasoning         string                 `json:"reasoning"`
	RequiresApproval  bool                   `json:"requires_approval"`
	EscalateToL3      bool                   `json:"escalate_to_l3"`
	RunbookID         string                 `json:"runbook_id,omitempty"`
	// Disruptive marks a recommended action as requiring the maintenance
	// window (spec.md §4.4 pre-check 2); the model is asked to set this for
	// anything that restarts a service, reboots a host, or otherwise
	// interrupts availability.
	Disruptive bool `json:"disruptive,omitempty"`
}

var systemPrompt = buildSystemPrompt()

func buildSystemPrompt() string {
	return fmt.Sprintf(`You are the L2 remediation planner for an autonomous HIPAA compliance agent running on an on-prem appliance. You receive a single compliance drift incident that the L1 deterministic rule engine could not resolve, and must recommend exactly one remediation action.

Allowed actions (anything else is rejected by guardrails): %s

Respond with ONLY a JSON object, no prose before or after it:
{
  "recommended_action": "<one of the allowed actions>",
  "action_params": {"script": "<command or script to run>"},
  "confidence": <float 0.0-1.0>,
  "reasoning": "<why this action resolves the incident>",
  "requires_approval": <bool, true if a human should approve first>,
  "escalate_to_l3": <bool, true if no safe automated action exists>,
  "runbook_id": "<optional runbook identifier>",
  "disruptive": <bool, true if the action restarts a service, reboots a host, or interrupts availability>
}

If you are not confident a safe action exists, set escalate_to_l3 to true and explain why in reasoning rather than guessing.`, strings.Join(DefaultAllowedActions, ", "))
}

// BuildUserPrompt renders the incident into the user turn of the Messages
// API request. RawData has already been PHI-scrubbed by the caller.
func BuildUserPrompt(incident *Incident) string {
	var b strings.Builder

	fmt.Fprintf(&b, "INCIDENT DETAILS\n")
	fmt.Fprintf(&b, "incident_id: %s\n", incident.ID)
	fmt.Fprintf(&b, "site_id: %s\n", incident.SiteID)
	fmt.Fprintf(&b, "host_id: %s\n", incident.HostID)
	fmt.Fprintf(&b, "incident_type: %s\n", incident.IncidentType)
	fmt.Fprintf(&b, "severity: %s\n", incident.Severity)
	fmt.Fprintf(&b, "pattern_signature: %s\n", incident.PatternSignature)
	fmt.Fprintf(&b, "created_at: %s\n\n", incident.CreatedAt)

	fmt.Fprintf(&b, "CONTEXT DATA\n")
	if len(incident.RawData) > 0 {
		raw, err := json.MarshalIndent(incident.RawData, "", "  ")
		if err == nil {
			b.Write(raw)
		} else {
			fmt.Fprintf(&b, "%v", incident.RawData)
		}
	} else {
		b.WriteString("{}")
	}
	b.WriteString("\n")

	return b.String()
}

// BuildRequest assembles the full Messages API request for an incident.
func BuildRequest(model string, maxTokens int, incident *Incident) AnthropicRequest {
	return AnthropicRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    systemPrompt,
		Messages: []Message{
			{Role: "user", Content: BuildUserPrompt(incident)},
		},
	}
}

// ParseResponse extracts the structured LLMDecision from the model's text
// content block. The model is instructed to return bare JSON but models
// routinely wrap it in a ```json fence anyway, so that's stripped first.
func ParseResponse(resp *AnthropicResponse, incidentID string) (*LLMDecision, error) {
	if len(resp.Content) == 0 || resp.Content[0].Text == "" {
		return nil, fmt.Errorf("empty response from L2 model")
	}

	text := stripCodeFence(resp.Content[0].Text)

	var payload LLMResponsePayload
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, fmt.Errorf("decode decision json: %w", err)
	}

	return &LLMDecision{
		IncidentID:        incidentID,
		RecommendedAction: payload.RecommendedAction,
		ActionParams:      payload.ActionParams,
		Confidence:        payload.Confidence,
		Reasoning:         payload.Reasoning,
		RunbookID:         payload.RunbookID,
		RequiresApproval:  payload.RequiresApproval,
		EscalateToL3:      payload.EscalateToL3,
		Disruptive:        payload.Disruptive,
	}, nil
}

func stripCodeFence(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```json")
	t = strings.TrimPrefix(t, "```")
	t = strings.TrimSuffix(t, "```")
	return strings.TrimSpace(t)
}

// truncate shortens a string to max characters, appending "..." if truncated.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
