package centralcommand

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func signPayload(t *testing.T, payload map[string]interface{}, privKey ed25519.PrivateKey) (string, string) {
	t.Helper()
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	sig := ed25519.Sign(privKey, payloadJSON)
	return string(payloadJSON), hex.EncodeToString(sig)
}

func TestNewProcessorRegistersBuiltinHandlers(t *testing.T) {
	p := NewProcessor(t.TempDir(), nil)
	if p.HandlerCount() != 10 {
		t.Fatalf("expected 10 built-in handlers, got %d", p.HandlerCount())
	}
}

func TestProcessUnknownAction(t *testing.T) {
	var completedID string
	var completedSuccess bool

	p := NewProcessor(t.TempDir(), func(_ context.Context, orderID string, success bool, _ map[string]interface{}, _ string) error {
		completedID = orderID
		completedSuccess = success
		return nil
	})

	result := p.Process(context.Background(), &Order{ID: "ord-001", Action: "nonexistent_action"})

	if result == nil || result.Success {
		t.Fatalf("expected a failing result, got %+v", result)
	}
	if completedID != "ord-001" || completedSuccess {
		t.Fatalf("expected completion callback with success=false for ord-001, got id=%s success=%v", completedID, completedSuccess)
	}
}

func TestProcessMissingIDOrAction(t *testing.T) {
	p := NewProcessor(t.TempDir(), nil)

	if r := p.Process(context.Background(), &Order{Action: "force_checkin"}); r != nil {
		t.Fatalf("expected nil result for missing id, got %+v", r)
	}
	if r := p.Process(context.Background(), &Order{ID: "ord-002"}); r != nil {
		t.Fatalf("expected nil result for missing action, got %+v", r)
	}
}

func TestProcessForceCheckin(t *testing.T) {
	p := NewProcessor(t.TempDir(), nil)
	result := p.Process(context.Background(), &Order{ID: "ord-003", Action: "force_checkin"})
	if !result.Success {
		t.Fatalf("expected success, got error: %s", result.Error)
	}
	if result.Result["status"] != "checkin_triggered" {
		t.Fatalf("unexpected status: %v", result.Result["status"])
	}
}

func TestProcessExpiredOrderRejected(t *testing.T) {
	p := NewProcessor(t.TempDir(), nil)
	result := p.Process(context.Background(), &Order{
		ID:        "ord-expired",
		Action:    "force_checkin",
		ExpiresAt: time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
	})
	if result.Success {
		t.Fatal("expected expired order to be rejected")
	}
}

func TestProcessReplayedOrderRejected(t *testing.T) {
	p := NewProcessor(t.TempDir(), nil)
	first := p.Process(context.Background(), &Order{ID: "ord-004", Action: "force_checkin"})
	if !first.Success {
		t.Fatalf("expected first delivery to succeed, got: %s", first.Error)
	}

	second := p.Process(context.Background(), &Order{ID: "ord-004", Action: "force_checkin"})
	if second.Success {
		t.Fatal("expected replayed order id to be rejected")
	}
}

func TestProcessSyncPromotedRule(t *testing.T) {
	stateDir := t.TempDir()
	p := NewProcessor(stateDir, nil)

	result := p.Process(context.Background(), &Order{
		ID:     "ord-005",
		Action: "sync_promoted_rule",
		Parameters: map[string]interface{}{
			"rule_id":   "PROMOTED-100",
			"rule_yaml": "id: PROMOTED-100\naction: enable_firewall\n",
		},
	})
	if !result.Success {
		t.Fatalf("expected success, got: %s", result.Error)
	}

	path := filepath.Join(stateDir, "rules", "promoted", "PROMOTED-100.yaml")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected promoted rule file written: %v", err)
	}
}

func TestProcessSyncPromotedRuleDuplicateIsNoop(t *testing.T) {
	stateDir := t.TempDir()
	p := NewProcessor(stateDir, nil)

	params := map[string]interface{}{
		"rule_id":   "PROMOTED-101",
		"rule_yaml": "id: PROMOTED-101\n",
	}
	first := p.Process(context.Background(), &Order{ID: "ord-006", Action: "sync_promoted_rule", Parameters: params})
	if !first.Success {
		t.Fatalf("expected first write to succeed: %s", first.Error)
	}
	second := p.Process(context.Background(), &Order{ID: "ord-007", Action: "sync_promoted_rule", Parameters: params})
	if !second.Success || second.Result["status"] != "already_exists" {
		t.Fatalf("expected idempotent already_exists result, got %+v (err=%s)", second.Result, second.Error)
	}
}

func TestProcessHealingStubFailsUntilRegistered(t *testing.T) {
	p := NewProcessor(t.TempDir(), nil)
	result := p.Process(context.Background(), &Order{
		ID:         "ord-008",
		Action:     "healing",
		Parameters: map[string]interface{}{"runbook_id": "rb-1"},
	})
	if result.Success {
		t.Fatal("expected healing stub to fail before RegisterHandler is called")
	}
}

func TestRegisterHandlerOverridesBuiltin(t *testing.T) {
	p := NewProcessor(t.TempDir(), nil)
	p.RegisterHandler("healing", func(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"status": "executed"}, nil
	})

	result := p.Process(context.Background(), &Order{ID: "ord-009", Action: "healing"})
	if !result.Success || result.Result["status"] != "executed" {
		t.Fatalf("expected overridden handler to run, got %+v (err=%s)", result.Result, result.Error)
	}
}

func TestProcessDiagnosticWhitelist(t *testing.T) {
	p := NewProcessor(t.TempDir(), nil)
	result := p.Process(context.Background(), &Order{
		ID:         "ord-010",
		Action:     "diagnostic",
		Parameters: map[string]interface{}{"command": "not_whitelisted"},
	})
	if result.Success {
		t.Fatal("expected non-whitelisted diagnostic command to be rejected")
	}
}

func TestProcessAllStopsOnCancellation(t *testing.T) {
	p := NewProcessor(t.TempDir(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := p.ProcessAll(ctx, []Order{{ID: "ord-011", Action: "force_checkin"}})
	if len(results) != 0 {
		t.Fatalf("expected no results after cancellation, got %d", len(results))
	}
}

func TestHostScopeMatchingAppliance(t *testing.T) {
	_, privKey, _ := ed25519.GenerateKey(nil)
	pubKeyHex := hex.EncodeToString(privKey.Public().(ed25519.PublicKey))

	p := NewProcessor(t.TempDir(), nil)
	p.SetServerPublicKey(pubKeyHex)
	p.SetApplianceID("site-AA:BB:CC:DD:EE:FF")

	payload := map[string]interface{}{
		"id":                  "host-001",
		"action":              "force_checkin",
		"parameters":          map[string]interface{}{},
		"target_appliance_id": "site-AA:BB:CC:DD:EE:FF",
	}
	signedPayload, signature := signPayload(t, payload, privKey)

	result := p.Process(context.Background(), &Order{
		ID: "host-001", Action: "force_checkin",
		SignedPayload: signedPayload, Signature: signature,
	})
	if !result.Success {
		t.Fatalf("expected success for matching appliance, got: %s", result.Error)
	}
}

func TestHostScopeMismatchedApplianceRejected(t *testing.T) {
	_, privKey, _ := ed25519.GenerateKey(nil)
	pubKeyHex := hex.EncodeToString(privKey.Public().(ed25519.PublicKey))

	p := NewProcessor(t.TempDir(), nil)
	p.SetServerPublicKey(pubKeyHex)
	p.SetApplianceID("site-AA:BB:CC:DD:EE:FF")

	payload := map[string]interface{}{
		"id":                  "host-002",
		"action":              "force_checkin",
		"parameters":          map[string]interface{}{},
		"target_appliance_id": "site-11:22:33:44:55:66",
	}
	signedPayload, signature := signPayload(t, payload, privKey)

	result := p.Process(context.Background(), &Order{
		ID: "host-002", Action: "force_checkin",
		SignedPayload: signedPayload, Signature: signature,
	})
	if result.Success {
		t.Fatal("expected failure for mismatched appliance ID")
	}
}

func TestSignedOrderWithBadSignatureRejected(t *testing.T) {
	_, privKey, _ := ed25519.GenerateKey(nil)
	pubKeyHex := hex.EncodeToString(privKey.Public().(ed25519.PublicKey))
	_, otherKey, _ := ed25519.GenerateKey(nil)

	p := NewProcessor(t.TempDir(), nil)
	p.SetServerPublicKey(pubKeyHex)

	payload := map[string]interface{}{"id": "host-003", "action": "force_checkin"}
	signedPayload, badSignature := signPayload(t, payload, otherKey)

	result := p.Process(context.Background(), &Order{
		ID: "host-003", Action: "force_checkin",
		SignedPayload: signedPayload, Signature: badSignature,
	})
	if result.Success {
		t.Fatal("expected signature verification failure to reject the order")
	}
}

func TestNonceCachePersistsAcrossProcessorRestart(t *testing.T) {
	stateDir := t.TempDir()
	p1 := NewProcessor(stateDir, nil)
	if r := p1.Process(context.Background(), &Order{ID: "ord-persist", Action: "force_checkin"}); !r.Success {
		t.Fatalf("expected first delivery to succeed: %s", r.Error)
	}

	p2 := NewProcessor(stateDir, nil)
	result := p2.Process(context.Background(), &Order{ID: "ord-persist", Action: "force_checkin"})
	if result.Success {
		t.Fatal("expected replay cache to survive a restart and reject the repeated order id")
	}
}
