package healing

import "testing"

func TestCooldownTrackerHit(t *testing.T) {
	c := NewCooldownTracker()

	if c.Hit("ws01", "firewall_status", 300) {
		t.Fatal("expected no cooldown hit before any Record")
	}

	c.Record("ws01", "firewall_status")

	if !c.Hit("ws01", "firewall_status", 300) {
		t.Fatal("expected cooldown hit immediately after Record")
	}
}

func TestCooldownTrackerKeyedPerHostAndCheckType(t *testing.T) {
	c := NewCooldownTracker()
	c.Record("ws01", "firewall_status")

	if c.Hit("ws02", "firewall_status", 300) {
		t.Fatal("expected no cooldown for a different host")
	}
	if c.Hit("ws01", "bitlocker_status", 300) {
		t.Fatal("expected no cooldown for a different check type on the same host")
	}
}

func TestCooldownTrackerDefaultSeconds(t *testing.T) {
	c := NewCooldownTracker()
	c.Record("ws01", "firewall_status")

	if !c.Hit("ws01", "firewall_status", 0) {
		t.Fatal("expected the 300s default to apply when seconds <= 0")
	}
}
