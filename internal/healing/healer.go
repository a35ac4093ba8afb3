package healing

import (
	"time"

	"github.com/compliancewatch/appliance/internal/l2planner"
	"github.com/compliancewatch/appliance/internal/l3escalation"
)

// Incident is the minimal incident shape the healer needs. The daemon's
// incident store and detectors produce richer records; this is the
// read-only slice Handle actually consumes.
type Incident struct {
	ID           string
	SiteID       string
	HostID       string
	Platform     string // "windows", "linux", "nixos"
	CheckType    string
	IncidentType string
	Severity     string
	RawData      map[string]interface{}
	// PatternSignature is the stable hash over normalized raw drift state
	// (incidents.PatternSignature) that flap detection and pattern
	// tracking key on, per spec.md's data model and testable invariant 6.
	PatternSignature string
}

// Tier identifies which layer of the three-tier healer ultimately handled
// (or failed to handle) an incident.
type Tier string

const (
	TierL1         Tier = "l1"
	TierL2         Tier = "l2"
	TierL3         Tier = "l3"
	TierSuppressed Tier = "suppressed"
	// TierDeferred means the incident was not dispatched to any tier
	// because of the maintenance-window gate or the (host, check_type)
	// cooldown — it is re-offered to the pipeline once the gate may have
	// cleared, rather than being a dead end (spec.md §4.4 pre-checks 2, 3).
	TierDeferred Tier = "deferred"
)

// HealingResult is the outcome of Handle for a single incident.
type HealingResult struct {
	IncidentID string
	Tier       Tier
	Action     string
	Success    bool
	Reason     string // why this tier was chosen, or why healing was suppressed
	L1Result   *ExecutionResult
	L2Decision *l2planner.LLMDecision
}

// GateStatus captures the pre-check ladder's gating inputs, refreshed by
// the scheduler before each Handle call (or once per check-in cycle).
type GateStatus struct {
	DryRun              bool
	InMaintenanceWindow bool
	SubscriptionActive  bool   // SUPPLEMENTED FEATURES subscription gate
	L2Mode              string // "auto", "manual", "disabled"
	GlobalCircuitOpen   bool
}

// L2Executor dispatches an L2 decision to a live target (WinRM, SSH, or a
// local shell for self-healing) and reports whether it succeeded. The
// daemon supplies this; Handle never talks to a remote host directly.
type L2Executor func(inc Incident, decision *l2planner.LLMDecision) (success bool, errMsg string)

// Healer is the single entry point for incident remediation: it runs the
// pre-check ladder, then L1, then L2, then L3, in that order, stopping at
// the first tier that handles the incident.
type Healer struct {
	engine    *Engine
	circuits  *CircuitBreakers
	flaps     *FlapDetector
	cooldowns *CooldownTracker

	l2     *l2planner.Planner
	l2Exec L2Executor
	l3     *l3escalation.Router
	gates  func() GateStatus
}

// SetL2Executor wires the callback Handle uses to actually carry out an L2
// decision once it has been approved for auto-execution. Left nil, an L2
// decision that clears approval is reported as a no-op success — useful in
// tests that only need to exercise the gating ladder.
func (h *Healer) SetL2Executor(exec L2Executor) {
	h.l2Exec = exec
}

// FlapGC prunes stale flap-detector records, so a long-lived daemon's map
// doesn't grow unbounded. Intended to be called on a slow, independent
// ticker by the scheduler, not on the incident-handling hot path.
func (h *Healer) FlapGC() {
	h.flaps.GC()
}

// NewHealer wires the L1 engine, circuit breakers, and flap detector into
// a single orchestrator. l2 and l3 may be nil (L2 disabled / no escalation
// channel configured, respectively); gates supplies the live pre-check
// state (subscription status, maintenance window, dry-run, L2 mode).
func NewHealer(engine *Engine, l2 *l2planner.Planner, l3 *l3escalation.Router, gates func() GateStatus) *Healer {
	return &Healer{
		engine:    engine,
		circuits:  NewCircuitBreakers(),
		flaps:     NewFlapDetector(),
		cooldowns: NewCooldownTracker(),
		l2:        l2,
		l3:        l3,
		gates:     gates,
	}
}

// Handle runs the full pre-check ladder and tier dispatch for one incident.
// Dry-run is the first gate checked (spec.md §4.4, pre-check 1): it short
// circuits before L1/L2/L3 ever run, so a dry-run appliance never dials a
// WinRM/SSH target or calls the L2 planner, only logs the incident it
// would have acted on.
func (h *Healer) Handle(inc Incident) *HealingResult {
	gate := h.gates()

	if gate.DryRun {
		log.Info().Str("incident_id", inc.ID).Str("host_id", inc.HostID).
			Str("check_type", inc.CheckType).Msg("dry_run: would resolve, no action taken")
		return &HealingResult{
			IncidentID: inc.ID,
			Tier:       TierL1,
			Success:    false,
			Reason:     "dry_run",
			L1Result:   &ExecutionResult{IncidentID: inc.ID, Error: "dry_run"},
		}
	}

	if !gate.SubscriptionActive {
		return &HealingResult{IncidentID: inc.ID, Tier: TierSuppressed, Reason: "subscription_inactive"}
	}

	// Determine the candidate L1 action before gating on it: the
	// maintenance-window check (pre-check 2) only defers a *disruptive*
	// recommended action, so we need to know what would run before we can
	// judge that (spec.md §4.4). Match is pure — it has no side effects —
	// so computing it here and reusing it below costs nothing extra.
	match := h.engine.Match(inc.ID, inc.Platform, inc.Severity, inc.RawData)

	if gate.InMaintenanceWindow && match != nil && match.Disruptive {
		return &HealingResult{IncidentID: inc.ID, Tier: TierDeferred, Action: match.Action, Reason: "maintenance_window"}
	}

	cooldownSeconds := 0
	if match != nil {
		cooldownSeconds = match.Rule.CooldownSeconds
	}
	if h.cooldowns.Hit(inc.HostID, inc.CheckType, cooldownSeconds) {
		return &HealingResult{IncidentID: inc.ID, Tier: TierDeferred, Reason: "cooldown"}
	}

	if h.flaps.Observe(inc.SiteID, inc.HostID, inc.PatternSignature) {
		h.escalate(inc, "flap_detected", nil)
		return &HealingResult{IncidentID: inc.ID, Tier: TierL3, Reason: "flap_detected"}
	}

	if gate.GlobalCircuitOpen {
		h.escalate(inc, "global_circuit_open", nil)
		return &HealingResult{IncidentID: inc.ID, Tier: TierL3, Reason: "global_circuit_open"}
	}

	if allow, err := h.circuits.Allow(inc.HostID, inc.CheckType); !allow {
		h.escalate(inc, "circuit_open", nil)
		return &HealingResult{IncidentID: inc.ID, Tier: TierL3, Reason: err.Error()}
	}

	if match != nil {
		result := h.engine.Execute(match, inc.SiteID, inc.HostID)
		h.circuits.Record(inc.HostID, inc.CheckType, result.Success)
		h.cooldowns.Record(inc.HostID, inc.CheckType)
		if result.Success {
			return &HealingResult{IncidentID: inc.ID, Tier: TierL1, Action: match.Action, Success: true, L1Result: result}
		}
		// L1 matched but execution failed; fall through to L2/L3 rather
		// than giving up, since a different tier may still resolve it.
	}

	if gate.L2Mode != "disabled" && h.l2 != nil {
		decision, err := h.l2.Plan(&l2planner.Incident{
			ID:               inc.ID,
			SiteID:           inc.SiteID,
			HostID:           inc.HostID,
			IncidentType:     inc.IncidentType,
			Severity:         inc.Severity,
			RawData:          inc.RawData,
			PatternSignature: inc.PatternSignature,
		})
		if err == nil {
			canExecute := gate.L2Mode == "auto" && decision.ShouldExecute()
			if canExecute && gate.InMaintenanceWindow && decision.Disruptive {
				return &HealingResult{IncidentID: inc.ID, Tier: TierDeferred, Action: decision.RecommendedAction, Reason: "maintenance_window", L2Decision: decision}
			}
			if canExecute {
				success, errMsg := true, ""
				if h.l2Exec != nil {
					success, errMsg = h.l2Exec(inc, decision)
				}
				h.cooldowns.Record(inc.HostID, inc.CheckType)
				if !success {
					h.escalate(inc, "l2_execution_failed: "+errMsg, decision)
					return &HealingResult{IncidentID: inc.ID, Tier: TierL3, Reason: "l2_execution_failed: " + errMsg, L2Decision: decision}
				}
				return &HealingResult{IncidentID: inc.ID, Tier: TierL2, Action: decision.RecommendedAction, Success: true, L2Decision: decision}
			}
			reason := "l2_requires_approval_or_low_confidence"
			if gate.L2Mode == "manual" {
				reason = "l2_manual_approval_required"
			}
			h.escalate(inc, reason, decision)
			return &HealingResult{IncidentID: inc.ID, Tier: TierL3, Reason: reason, L2Decision: decision}
		}
		// L2 call failed outright (budget exhausted, API error, etc) —
		// fall through to a plain L3 escalation below.
	}

	h.escalate(inc, "l1_no_match_l2_unavailable", nil)
	return &HealingResult{IncidentID: inc.ID, Tier: TierL3, Reason: "l1_no_match_l2_unavailable"}
}

func (h *Healer) escalate(inc Incident, reason string, decision *l2planner.LLMDecision) {
	if h.l3 == nil {
		log.Warn().Str("incident_id", inc.ID).Str("reason", reason).Msg("no L3 router configured — escalation dropped")
		return
	}

	ticket := l3escalation.Ticket{
		IncidentID:   inc.ID,
		SiteID:       inc.SiteID,
		HostID:       inc.HostID,
		IncidentType: inc.IncidentType,
		Severity:     inc.Severity,
		Reason:       reason,
		Summary:      escalationSummary(inc, reason, decision),
		CreatedAt:    time.Now().UTC(),
	}
	if decision != nil {
		ticket.Context = map[string]interface{}{
			"recommended_action": decision.RecommendedAction,
			"confidence":         decision.Confidence,
			"reasoning":          decision.Reasoning,
		}
	}

	results := h.l3.Route(ticket)
	delivered := false
	for _, r := range results {
		if r.Success {
			delivered = true
			break
		}
	}
	if !delivered {
		log.Error().Str("incident_id", inc.ID).Msg("escalation ticket could not be delivered to any channel")
	}
}

func escalationSummary(inc Incident, reason string, decision *l2planner.LLMDecision) string {
	if decision != nil {
		return decision.Reasoning
	}
	return "incident " + inc.IncidentType + " on " + inc.HostID + " requires human attention (" + reason + ")"
}
