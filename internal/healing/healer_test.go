package healing

import "testing"

func alwaysOpenGate(base GateStatus) func() GateStatus {
	return func() GateStatus { return base }
}

func TestHandleSubscriptionInactive(t *testing.T) {
	e := NewEngine("", nil)
	h := NewHealer(e, nil, nil, alwaysOpenGate(GateStatus{SubscriptionActive: false}))

	result := h.Handle(Incident{ID: "inc-1", CheckType: "firewall_status"})
	if result.Tier != TierSuppressed || result.Reason != "subscription_inactive" {
		t.Fatalf("expected subscription_inactive suppression, got %+v", result)
	}
}

func TestHandleMaintenanceWindowDefersDisruptiveAction(t *testing.T) {
	e := NewEngine("", nil)
	h := NewHealer(e, nil, nil, alwaysOpenGate(GateStatus{
		SubscriptionActive:  true,
		InMaintenanceWindow: true,
		L2Mode:              "disabled",
	}))

	// win-agent-status-stale -> restart_agent_service is marked disruptive.
	inc := Incident{
		ID:        "inc-2",
		HostID:    "ws01",
		Platform:  "windows",
		Severity:  "high",
		CheckType: "agent_status",
		RawData:   map[string]interface{}{"check_type": "agent_status", "stale": true},
	}

	result := h.Handle(inc)
	if result.Tier != TierDeferred || result.Reason != "maintenance_window" {
		t.Fatalf("expected maintenance_window deferral for a disruptive action, got %+v", result)
	}
}

func TestHandleMaintenanceWindowAllowsNonDisruptiveAction(t *testing.T) {
	e := NewEngine("", nil)
	h := NewHealer(e, nil, nil, alwaysOpenGate(GateStatus{
		SubscriptionActive:  true,
		InMaintenanceWindow: true,
		L2Mode:              "disabled",
	}))

	// win-firewall-disabled -> enable_firewall_profile is a config change,
	// not disruptive, so the maintenance window must not defer it.
	inc := Incident{
		ID:        "inc-2b",
		HostID:    "ws01",
		Platform:  "windows",
		Severity:  "high",
		CheckType: "firewall_status",
		RawData:   map[string]interface{}{"check_type": "firewall_status", "enabled": false},
	}

	result := h.Handle(inc)
	if result.Tier != TierL1 || !result.Success {
		t.Fatalf("expected L1 success during maintenance window for a non-disruptive action, got %+v", result)
	}
}

func TestHandleGlobalCircuitOpen(t *testing.T) {
	e := NewEngine("", nil)
	h := NewHealer(e, nil, nil, alwaysOpenGate(GateStatus{
		SubscriptionActive: true,
		GlobalCircuitOpen:  true,
	}))

	result := h.Handle(Incident{ID: "inc-3", CheckType: "firewall_status"})
	if result.Tier != TierL3 || result.Reason != "global_circuit_open" {
		t.Fatalf("expected global_circuit_open escalation to L3, got %+v", result)
	}
}

func TestHandleL1Match(t *testing.T) {
	executor := func(action string, params map[string]interface{}, siteID, hostID string) (map[string]interface{}, error) {
		return map[string]interface{}{"success": true}, nil
	}
	e := NewEngine("", executor)
	h := NewHealer(e, nil, nil, alwaysOpenGate(GateStatus{SubscriptionActive: true, L2Mode: "disabled"}))

	inc := Incident{
		ID:        "inc-4",
		HostID:    "ws01",
		Platform:  "windows",
		Severity:  "high",
		CheckType: "firewall_status",
		RawData: map[string]interface{}{
			"check_type": "firewall_status",
			"enabled":    false,
		},
	}

	result := h.Handle(inc)
	if result.Tier != TierL1 || !result.Success {
		t.Fatalf("expected L1 success, got %+v", result)
	}
	if result.Action != "enable_firewall_profile" {
		t.Fatalf("expected enable_firewall_profile, got %s", result.Action)
	}
}

func TestHandleDryRunNeverInvokesExecutor(t *testing.T) {
	invoked := false
	executor := func(action string, params map[string]interface{}, siteID, hostID string) (map[string]interface{}, error) {
		invoked = true
		return map[string]interface{}{"success": true}, nil
	}
	e := NewEngine("", executor)
	h := NewHealer(e, nil, nil, alwaysOpenGate(GateStatus{SubscriptionActive: true, L2Mode: "disabled", DryRun: true}))

	inc := Incident{
		ID:        "inc-dry",
		HostID:    "ws01",
		Platform:  "windows",
		CheckType: "firewall_status",
		RawData:   map[string]interface{}{"check_type": "firewall_status", "enabled": false},
	}

	result := h.Handle(inc)
	if result.Tier != TierL1 || result.Success {
		t.Fatalf("expected a non-executing synthetic L1 result, got %+v", result)
	}
	if result.Reason != "dry_run" {
		t.Fatalf("expected reason=dry_run, got %s", result.Reason)
	}
	if result.L1Result == nil || result.L1Result.Error != "dry_run" {
		t.Fatalf("expected L1Result.Error=dry_run, got %+v", result.L1Result)
	}
	if invoked {
		t.Fatal("expected dry-run mode to never invoke the action executor")
	}
}

func TestHandleFlapDetection(t *testing.T) {
	e := NewEngine("", nil)
	h := NewHealer(e, nil, nil, alwaysOpenGate(GateStatus{SubscriptionActive: true, L2Mode: "disabled"}))

	inc := Incident{
		ID:               "inc-flap",
		SiteID:           "site-1",
		HostID:           "ws02",
		IncidentType:     "flapping_check",
		CheckType:        "flapping_check",
		PatternSignature: "flapping_check_sig",
		RawData:          map[string]interface{}{"check_type": "flapping_check"},
	}

	var last *HealingResult
	for i := 0; i < flapThreshold; i++ {
		last = h.Handle(inc)
	}
	if last.Tier != TierL3 || last.Reason != "flap_detected" {
		t.Fatalf("expected flap_detected escalation after %d occurrences, got %+v", flapThreshold, last)
	}
}

func TestHandleNoMatchFallsThroughToL3(t *testing.T) {
	e := NewEngine("", nil)
	h := NewHealer(e, nil, nil, alwaysOpenGate(GateStatus{SubscriptionActive: true, L2Mode: "disabled"}))

	inc := Incident{
		ID:        "inc-5",
		HostID:    "ws03",
		CheckType: "totally_unknown_check",
		RawData:   map[string]interface{}{"check_type": "totally_unknown_check"},
	}

	result := h.Handle(inc)
	if result.Tier != TierL3 || result.Reason != "l1_no_match_l2_unavailable" {
		t.Fatalf("expected L3 fallthrough, got %+v", result)
	}
}

func TestHandleCircuitOpensAfterRepeatedFailures(t *testing.T) {
	executor := func(action string, params map[string]interface{}, siteID, hostID string) (map[string]interface{}, error) {
		return map[string]interface{}{"success": false, "error": "simulated failure"}, nil
	}
	e := NewEngine("", executor)
	h := NewHealer(e, nil, nil, alwaysOpenGate(GateStatus{SubscriptionActive: true, L2Mode: "disabled"}))

	inc := Incident{
		ID:        "inc-6",
		HostID:    "ws04",
		Platform:  "windows",
		Severity:  "high",
		CheckType: "firewall_status",
		RawData: map[string]interface{}{
			"check_type": "firewall_status",
			"enabled":    false,
		},
	}

	// win-firewall-disabled has a 600s cooldown, so repeated Handle calls
	// for the same host would be cooldown-suppressed before they could
	// ever trip the circuit breaker; drive the breaker directly instead,
	// the way the scheduler's periodic health probes would.
	for i := 0; i < 5; i++ {
		h.circuits.Record(inc.HostID, inc.CheckType, false)
	}

	result := h.Handle(inc)
	if result.Tier != TierL3 {
		t.Fatalf("expected circuit-open escalation to L3, got %+v", result)
	}
}
