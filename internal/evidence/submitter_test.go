package evidence

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/compliancewatch/appliance/internal/queue"
)

func newTestSubmitter(t *testing.T) (*Submitter, *queue.Queue) {
	t.Helper()
	dir := t.TempDir()

	priv, pubHex, err := LoadOrCreateSigningKey(dir + "/signing.key")
	if err != nil {
		t.Fatal(err)
	}

	chain := NewChainStore(dir + "/chains")
	sealer := NewSealer(dir+"/bundles", chain, priv, pubHex)

	q, err := queue.Open(dir + "/queue")
	if err != nil {
		t.Fatal(err)
	}

	return NewSubmitter("site-1", sealer, q), q
}

func TestBuildAndSubmit_NoHosts(t *testing.T) {
	s, _ := newTestSubmitter(t)
	if err := s.BuildAndSubmit(context.Background(), nil, nil); err != nil {
		t.Fatalf("expected nil for empty hosts, got: %v", err)
	}
}

func TestBuildAndSubmit_AllPass(t *testing.T) {
	s, q := newTestSubmitter(t)

	if err := s.BuildAndSubmit(context.Background(), nil, []string{"dc01", "ws01"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if q.Pending() != 2 {
		t.Fatalf("expected 2 enqueued bundles (one per host), got %d", q.Pending())
	}
}

func TestBuildAndSubmit_WithDrift(t *testing.T) {
	s, q := newTestSubmitter(t)

	findings := []DriftFinding{
		{Hostname: "dc01", CheckType: "firewall_status", Expected: "True", Actual: "False", HIPAAControl: "164.312(a)(1)"},
		{Hostname: "dc01", CheckType: "windows_defender", Expected: "Running", Actual: "Stopped", HIPAAControl: "164.308(a)(5)"},
	}

	if err := s.BuildAndSubmit(context.Background(), findings, []string{"dc01"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Pending() != 1 {
		t.Fatalf("expected 1 enqueued bundle, got %d", q.Pending())
	}

	var captured []byte
	q.Deliver(func(kind string, payload []byte) (int, error) {
		if kind != "evidence" {
			t.Fatalf("expected kind=evidence, got %s", kind)
		}
		captured = payload
		return 200, nil
	})

	var bundle EvidenceBundle
	if err := json.Unmarshal(captured, &bundle); err != nil {
		t.Fatalf("unmarshal delivered bundle: %v", err)
	}
	if bundle.HostID != "dc01" {
		t.Fatalf("expected host dc01, got %s", bundle.HostID)
	}
	if bundle.BundleHash == "" || bundle.Signature == "" {
		t.Fatal("expected bundle to carry a hash and signature")
	}
	if len(bundle.FrameworkIDs) != 2 {
		t.Fatalf("expected 2 HIPAA controls recorded, got %d", len(bundle.FrameworkIDs))
	}
	if q.Pending() != 0 {
		t.Fatal("expected bundle to be marked delivered")
	}
}

func TestBuildAndSubmitLinux_UsesLinuxCheckTypes(t *testing.T) {
	s, q := newTestSubmitter(t)

	if err := s.BuildAndSubmitLinux(context.Background(), nil, []string{"nixbox01"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var captured []byte
	q.Deliver(func(kind string, payload []byte) (int, error) {
		captured = payload
		return 200, nil
	})

	var bundle EvidenceBundle
	if err := json.Unmarshal(captured, &bundle); err != nil {
		t.Fatal(err)
	}
	if _, ok := bundle.PostState["linux_ssh_config"]; !ok {
		t.Fatal("expected Linux check types in post_state")
	}
	if _, ok := bundle.PostState["firewall_status"]; ok {
		t.Fatal("did not expect a Windows check type in a Linux bundle")
	}
}

func TestSubmitHealingResult_DryRunOutcomeIsExplicit(t *testing.T) {
	s, q := newTestSubmitter(t)

	err := s.SubmitHealingResult("ws01", "inc-1", "l1", OutcomeDryRunPlan, true,
		"run_windows_runbook", map[string]interface{}{"profile_enabled": false}, nil, []string{"164.312(a)(1)"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var captured []byte
	q.Deliver(func(kind string, payload []byte) (int, error) {
		if kind != "evidence" {
			t.Fatalf("expected kind=evidence, got %s", kind)
		}
		captured = payload
		return 200, nil
	})

	var bundle EvidenceBundle
	if err := json.Unmarshal(captured, &bundle); err != nil {
		t.Fatal(err)
	}
	if !bundle.DryRun {
		t.Fatal("expected dry_run=true on the bundle")
	}
	if bundle.Outcome != OutcomeDryRunPlan {
		t.Fatalf("expected outcome=%s, got %s", OutcomeDryRunPlan, bundle.Outcome)
	}
	if bundle.IncidentID != "inc-1" || bundle.HealingTier != "l1" {
		t.Fatalf("expected incident/tier to be recorded, got %+v", bundle)
	}
}

func TestBuildAndSubmit_ChainsAcrossCalls(t *testing.T) {
	s, q := newTestSubmitter(t)

	if err := s.BuildAndSubmit(context.Background(), nil, []string{"dc01"}); err != nil {
		t.Fatal(err)
	}
	if err := s.BuildAndSubmit(context.Background(), nil, []string{"dc01"}); err != nil {
		t.Fatal(err)
	}

	var bundles []EvidenceBundle
	q.Deliver(func(kind string, payload []byte) (int, error) {
		var b EvidenceBundle
		if err := json.Unmarshal(payload, &b); err != nil {
			t.Fatal(err)
		}
		bundles = append(bundles, b)
		return 200, nil
	})
	q.Deliver(func(kind string, payload []byte) (int, error) {
		var b EvidenceBundle
		if err := json.Unmarshal(payload, &b); err != nil {
			t.Fatal(err)
		}
		bundles = append(bundles, b)
		return 200, nil
	})

	if len(bundles) != 2 {
		t.Fatalf("expected 2 delivered bundles in order, got %d", len(bundles))
	}
	if bundles[1].ParentHash != bundles[0].BundleHash {
		t.Fatalf("expected second bundle's parent hash to chain from the first: %s != %s",
			bundles[1].ParentHash, bundles[0].BundleHash)
	}
	if bundles[1].ChainPosition != bundles[0].ChainPosition+1 {
		t.Fatalf("expected chain position to advance, got %d then %d",
			bundles[0].ChainPosition, bundles[1].ChainPosition)
	}
}
