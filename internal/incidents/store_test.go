package incidents

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "incidents.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleIncident(id string) Incident {
	return Incident{
		ID:               id,
		SiteID:           "site-1",
		HostID:           "host-1",
		CheckType:        "firewall_rule",
		Severity:         "high",
		CreatedAt:        time.Now().UTC(),
		RawState:         map[string]interface{}{"rule": "allow-3389", "present": false},
		PatternSignature: PatternSignature("firewall_rule", map[string]interface{}{"rule": "allow-3389", "present": false}),
		ResolutionStatus: StatusOpen,
	}
}

func TestRecordAndListOpen(t *testing.T) {
	s := openTestStore(t)
	inc := sampleIncident("inc-1")
	if err := s.Record(inc); err != nil {
		t.Fatalf("Record: %v", err)
	}

	open, err := s.ListOpen(10)
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(open) != 1 || open[0].ID != "inc-1" {
		t.Fatalf("expected 1 open incident inc-1, got %+v", open)
	}
	if open[0].RawState["rule"] != "allow-3389" {
		t.Fatalf("raw_state not round-tripped: %+v", open[0].RawState)
	}
}

func TestSetResolutionTransitionsOutOfOpen(t *testing.T) {
	s := openTestStore(t)
	inc := sampleIncident("inc-2")
	if err := s.Record(inc); err != nil {
		t.Fatalf("Record: %v", err)
	}

	if err := s.SetResolution("inc-2", StatusResolved, "l1", "success", "rb-close-port", "closed port 3389", ""); err != nil {
		t.Fatalf("SetResolution: %v", err)
	}

	open, err := s.ListOpen(10)
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected 0 open incidents after resolution, got %d", len(open))
	}
}

func TestSetResolutionRejectsTransitionOutOfTerminalState(t *testing.T) {
	s := openTestStore(t)
	inc := sampleIncident("inc-3")
	if err := s.Record(inc); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.SetResolution("inc-3", StatusEscalated, "l3", "failure", "", "", "runbook exhausted"); err != nil {
		t.Fatalf("SetResolution (escalate): %v", err)
	}

	err := s.SetResolution("inc-3", StatusOpen, "", "", "", "", "")
	if err == nil {
		t.Fatal("expected error reopening an escalated incident, got nil")
	}
}

func TestSetResolutionUnknownID(t *testing.T) {
	s := openTestStore(t)
	if err := s.SetResolution("does-not-exist", StatusResolved, "l1", "success", "", "", ""); err == nil {
		t.Fatal("expected error for unknown incident id")
	}
}

func TestQueryByPatternSignatureAndWindow(t *testing.T) {
	s := openTestStore(t)
	sig := PatternSignature("firewall_rule", map[string]interface{}{"rule": "allow-3389", "present": false})

	recent := sampleIncident("inc-recent")
	recent.PatternSignature = sig
	if err := s.Record(recent); err != nil {
		t.Fatalf("Record recent: %v", err)
	}

	stale := sampleIncident("inc-stale")
	stale.PatternSignature = sig
	stale.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	if err := s.Record(stale); err != nil {
		t.Fatalf("Record stale: %v", err)
	}

	results, err := s.Query(sig, 24*time.Hour)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0].ID != "inc-recent" {
		t.Fatalf("expected only inc-recent within window, got %+v", results)
	}
}

func TestPatternSignatureStableAcrossMapOrdering(t *testing.T) {
	a := PatternSignature("dns_config", map[string]interface{}{"server": "10.0.0.1", "enabled": true})
	b := PatternSignature("dns_config", map[string]interface{}{"enabled": true, "server": "10.0.0.1"})
	if a != b {
		t.Fatalf("expected stable signature regardless of map construction order: %s vs %s", a, b)
	}

	c := PatternSignature("dns_config", map[string]interface{}{"server": "10.0.0.2", "enabled": true})
	if a == c {
		t.Fatal("expected different signature for different raw state")
	}
}

func TestPatternStatsSinceRollsUpByPatternSignature(t *testing.T) {
	s := openTestStore(t)
	cutoff := time.Now().UTC().Add(-1 * time.Hour)

	a := sampleIncident("inc-a")
	if err := s.Record(a); err != nil {
		t.Fatalf("Record a: %v", err)
	}
	b := sampleIncident("inc-b")
	b.PatternSignature = a.PatternSignature
	if err := s.Record(b); err != nil {
		t.Fatalf("Record b: %v", err)
	}
	if err := s.SetResolution("inc-b", StatusResolved, "l1", "success", "rb", "fixed", ""); err != nil {
		t.Fatalf("SetResolution: %v", err)
	}

	stats, err := s.PatternStatsSince(cutoff)
	if err != nil {
		t.Fatalf("PatternStatsSince: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("expected 1 rolled-up pattern, got %d: %+v", len(stats), stats)
	}
	if stats[0].Occurrences != 2 || stats[0].ResolvedCount != 1 {
		t.Fatalf("unexpected rollup: %+v", stats[0])
	}
}

func TestTierSummariesSinceCountsOutcomes(t *testing.T) {
	s := openTestStore(t)
	cutoff := time.Now().UTC().Add(-1 * time.Hour)

	ok := sampleIncident("inc-ok")
	if err := s.Record(ok); err != nil {
		t.Fatalf("Record ok: %v", err)
	}
	if err := s.SetResolution("inc-ok", StatusResolved, "l1", "success", "rb", "fixed", ""); err != nil {
		t.Fatalf("SetResolution: %v", err)
	}

	failed := sampleIncident("inc-failed")
	if err := s.Record(failed); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := s.SetResolution("inc-failed", StatusEscalated, "l3", "failure", "", "", "exhausted"); err != nil {
		t.Fatalf("SetResolution: %v", err)
	}

	summaries, err := s.TierSummariesSince(cutoff)
	if err != nil {
		t.Fatalf("TierSummariesSince: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 tier summaries (l1, l3), got %d: %+v", len(summaries), summaries)
	}
}

func TestListOpenRespectsLimit(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		inc := sampleIncident("inc-" + time.Now().Add(time.Duration(i)*time.Millisecond).Format("150405.000000000"))
		if err := s.Record(inc); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	open, err := s.ListOpen(3)
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(open) != 3 {
		t.Fatalf("expected limit of 3, got %d", len(open))
	}
}
