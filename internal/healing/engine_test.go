package healing

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestBuiltinRuleCount(t *testing.T) {
	e := NewEngine("", nil)
	count := e.RuleCount()
	if count < 35 {
		t.Fatalf("expected at least 35 builtin rules, got %d", count)
	}
}

func TestBuiltinRulesSorted(t *testing.T) {
	e := NewEngine("", nil)
	rules := e.ListRules()

	for i := 1; i < len(rules); i++ {
		prev := rules[i-1]["priority"].(int)
		curr := rules[i]["priority"].(int)
		if prev > curr {
			t.Fatalf("rules not sorted: rule %d (priority %d) > rule %d (priority %d)",
				i-1, prev, i, curr)
		}
	}
}

func TestMatchFirewallDrift(t *testing.T) {
	e := NewEngine("", nil)

	data := map[string]interface{}{
		"check_type": "firewall_status",
		"enabled":    false,
	}

	m := e.Match("inc-001", "windows", "high", data)
	if m == nil {
		t.Fatal("expected firewall match, got nil")
	}
	if m.Rule.ID != "win-firewall-disabled" {
		t.Fatalf("expected win-firewall-disabled, got %s", m.Rule.ID)
	}
	if m.Action != "enable_firewall_profile" {
		t.Fatalf("expected enable_firewall_profile, got %s", m.Action)
	}
}

func TestMatchRogueAdminEscalate(t *testing.T) {
	e := NewEngine("", nil)

	data := map[string]interface{}{
		"check_type":  "rogue_admin_users",
		"rogue_count": float64(1),
	}

	m := e.Match("inc-002", "windows", "critical", data)
	if m == nil {
		t.Fatal("expected rogue admin match, got nil")
	}
	if m.Rule.ID != "win-rogue-admin-user" {
		t.Fatalf("expected win-rogue-admin-user, got %s", m.Rule.ID)
	}
	if m.Action != "escalate" {
		t.Fatalf("expected escalate action, got %s", m.Action)
	}
}

func TestMatchNoMatch(t *testing.T) {
	e := NewEngine("", nil)

	data := map[string]interface{}{
		"check_type": "unknown_check",
	}

	m := e.Match("inc-003", "windows", "low", data)
	if m != nil {
		t.Fatalf("expected no match, got rule %s", m.Rule.ID)
	}
}

func TestMatchConditionFalse(t *testing.T) {
	e := NewEngine("", nil)

	data := map[string]interface{}{
		"check_type": "firewall_status",
		"enabled":    true,
	}

	m := e.Match("inc-004", "windows", "high", data)
	if m != nil {
		t.Fatalf("expected no match when firewall already enabled, got %s", m.Rule.ID)
	}
}

func TestMatchPlatformMismatch(t *testing.T) {
	e := NewEngine("", nil)

	data := map[string]interface{}{
		"check_type": "firewall_status",
		"enabled":    false,
	}

	m := e.Match("inc-005", "linux", "high", data)
	if m != nil {
		t.Fatalf("expected no match for wrong platform, got %s", m.Rule.ID)
	}
}

func TestMatchDisabledRule(t *testing.T) {
	e := NewEngine("", nil)

	e.mu.Lock()
	for _, r := range e.rules {
		r.Enabled = false
	}
	e.mu.Unlock()

	data := map[string]interface{}{
		"check_type": "firewall_status",
		"enabled":    false,
	}

	m := e.Match("inc-006", "windows", "high", data)
	if m != nil {
		t.Fatalf("expected no match when rules disabled, got %s", m.Rule.ID)
	}
}

// Cooldown is no longer tracked inside Engine — Match is a pure function of
// ruleset + incident data, so the same incident matches the same rule every
// time. The (host, check_type) cooldown gate now lives in Healer.Handle via
// CooldownTracker; see TestCooldownTrackerHit in cooldown_test.go.
func TestMatchRepeatable(t *testing.T) {
	e := NewEngine("", nil)

	data := map[string]interface{}{
		"check_type": "firewall_status",
		"enabled":    false,
		"host_id":    "ws01",
	}

	m1 := e.Match("inc-007", "windows", "high", data)
	if m1 == nil {
		t.Fatal("expected first match, got nil")
	}

	m2 := e.Match("inc-008", "windows", "high", data)
	if m2 == nil || m2.Rule.ID != m1.Rule.ID {
		t.Fatal("expected Match to be pure and repeatable for identical input")
	}
}

func TestMatchNestedField(t *testing.T) {
	e := NewEngine("", nil)

	data := map[string]interface{}{
		"check_type": "linux_disk_space",
		"details": map[string]interface{}{
			"usage_percent": float64(95),
		},
	}

	m := e.Match("inc-009", "linux", "high", data)
	if m != nil {
		t.Fatalf("expected no match because used_percent field is missing, got %s", m.Rule.ID)
	}

	data2 := map[string]interface{}{
		"check_type":    "linux_disk_space",
		"used_percent":  float64(95),
	}
	m2 := e.Match("inc-009b", "linux", "high", data2)
	if m2 == nil {
		t.Fatal("expected disk space match, got nil")
	}
	if m2.Rule.ID != "lin-disk-space-low" {
		t.Fatalf("expected lin-disk-space-low, got %s", m2.Rule.ID)
	}
}

func TestMatchGTE(t *testing.T) {
	e := NewEngine("", nil)

	below := map[string]interface{}{
		"check_type":   "linux_disk_space",
		"used_percent": float64(80),
	}
	if m := e.Match("inc-010", "linux", "high", below); m != nil {
		t.Fatalf("expected no match for 80%% usage, got %s", m.Rule.ID)
	}

	atThreshold := map[string]interface{}{
		"check_type":   "linux_disk_space",
		"used_percent": float64(90),
	}
	if m := e.Match("inc-011", "linux", "high", atThreshold); m == nil {
		t.Fatal("expected match at exactly the gte threshold")
	}
}

func TestMatchLTE(t *testing.T) {
	e := NewEngine("", nil)

	data := map[string]interface{}{
		"check_type":     "linux_cert_expiry",
		"days_remaining": float64(14),
	}

	m := e.Match("inc-012", "linux", "high", data)
	if m == nil {
		t.Fatal("expected cert expiry match at exactly the lte threshold")
	}
	if m.Rule.ID != "lin-cert-expiry-soon" {
		t.Fatalf("expected lin-cert-expiry-soon, got %s", m.Rule.ID)
	}
}

func TestExecuteDryRun(t *testing.T) {
	e := NewEngine("", nil) // nil executor = dry run

	data := map[string]interface{}{
		"check_type": "firewall_status",
		"enabled":    false,
		"host_id":    "ws-dry",
	}

	m := e.Match("inc-013", "windows", "high", data)
	if m == nil {
		t.Fatal("expected match, got nil")
	}

	result := e.Execute(m, "site-01", "ws-dry")
	if !result.Success {
		t.Fatal("expected dry run success")
	}
	if result.Output != "DRY_RUN" {
		t.Fatalf("expected DRY_RUN output, got %v", result.Output)
	}
	if result.DurationMs < 0 {
		t.Fatal("expected non-negative duration")
	}
}

func TestExecuteWithExecutor(t *testing.T) {
	executor := func(action string, params map[string]interface{}, siteID, hostID string) (map[string]interface{}, error) {
		return map[string]interface{}{
			"success": true,
			"message": "healed",
		}, nil
	}

	e := NewEngine("", executor)

	data := map[string]interface{}{
		"check_type": "firewall_status",
		"enabled":    false,
		"host_id":    "ws-exec",
	}

	m := e.Match("inc-014", "windows", "high", data)
	if m == nil {
		t.Fatal("expected match, got nil")
	}

	result := e.Execute(m, "site-01", "ws-exec")
	if !result.Success {
		t.Fatalf("expected success, got error: %s", result.Error)
	}
}

func TestExecuteUnknownAction(t *testing.T) {
	executor := func(action string, params map[string]interface{}, siteID, hostID string) (map[string]interface{}, error) {
		return nil, ErrUnknownAction
	}

	e := NewEngine("", executor)

	data := map[string]interface{}{
		"check_type": "firewall_status",
		"enabled":    false,
		"host_id":    "ws-unk",
	}

	m := e.Match("inc-015", "windows", "high", data)
	if m == nil {
		t.Fatal("expected match, got nil")
	}

	result := e.Execute(m, "site-01", "ws-unk")
	if !result.UnknownAction {
		t.Fatal("expected UnknownAction to be set")
	}
	if result.Success {
		t.Fatal("expected execution to not be marked successful")
	}
}

func TestLoadYAMLRules(t *testing.T) {
	dir := t.TempDir()

	rule := map[string]interface{}{
		"id":          "CUSTOM-001",
		"name":        "Custom Test Rule",
		"description": "Test rule from YAML",
		"conditions": []interface{}{
			map[string]interface{}{
				"field":    "check_type",
				"operator": "eq",
				"value":    "custom_check",
			},
		},
		"action":           "custom_action",
		"action_params":    map[string]interface{}{"key": "value"},
		"hipaa_controls":   []interface{}{"164.312(a)(1)"},
		"enabled":          true,
		"priority":         1,
		"cooldown_seconds": 60,
	}

	data, _ := yaml.Marshal(rule)
	os.WriteFile(filepath.Join(dir, "custom.yaml"), data, 0o644)

	e := NewEngine(dir, nil)

	testData := map[string]interface{}{
		"check_type": "custom_check",
	}

	m := e.Match("inc-016", "", "high", testData)
	if m == nil {
		t.Fatal("expected custom rule match, got nil")
	}
	if m.Rule.ID != "CUSTOM-001" {
		t.Fatalf("expected CUSTOM-001, got %s", m.Rule.ID)
	}
	if m.Rule.Origin != OriginLocal {
		t.Fatalf("expected origin=local, got %s", m.Rule.Origin)
	}
}

func TestLoadMultipleYAMLRules(t *testing.T) {
	dir := t.TempDir()

	rules := map[string]interface{}{
		"rules": []interface{}{
			map[string]interface{}{
				"id":   "MULTI-001",
				"name": "Multi Rule 1",
				"conditions": []interface{}{
					map[string]interface{}{"field": "check_type", "operator": "eq", "value": "multi1"},
				},
				"action":   "action1",
				"priority": 1,
			},
			map[string]interface{}{
				"id":   "MULTI-002",
				"name": "Multi Rule 2",
				"conditions": []interface{}{
					map[string]interface{}{"field": "check_type", "operator": "eq", "value": "multi2"},
				},
				"action":   "action2",
				"priority": 2,
			},
		},
	}

	data, _ := yaml.Marshal(rules)
	os.WriteFile(filepath.Join(dir, "multi.yaml"), data, 0o644)

	e := NewEngine(dir, nil)

	m1 := e.Match("inc-017", "", "high", map[string]interface{}{"check_type": "multi1"})
	if m1 == nil || m1.Rule.ID != "MULTI-001" {
		t.Fatal("expected MULTI-001 match")
	}

	m2 := e.Match("inc-018", "", "high", map[string]interface{}{"check_type": "multi2"})
	if m2 == nil || m2.Rule.ID != "MULTI-002" {
		t.Fatal("expected MULTI-002 match")
	}
}

func TestLoadSyncedJSONRules(t *testing.T) {
	dir := t.TempDir()

	rules := []map[string]interface{}{
		{
			"id":   "SYNCED-001",
			"name": "Synced Rule",
			"conditions": []interface{}{
				map[string]interface{}{"field": "check_type", "operator": "eq", "value": "synced_check"},
			},
			"actions":  []interface{}{"synced_action"},
			"priority": 2,
		},
	}

	data, _ := json.Marshal(rules)
	os.WriteFile(filepath.Join(dir, "l1_rules.json"), data, 0o644)

	e := NewEngine(dir, nil)

	m := e.Match("inc-019", "", "high", map[string]interface{}{"check_type": "synced_check"})
	if m == nil {
		t.Fatal("expected synced rule match, got nil")
	}
	if m.Rule.ID != "SYNCED-001" {
		t.Fatalf("expected SYNCED-001, got %s", m.Rule.ID)
	}
	if m.Rule.Origin != OriginPromoted {
		t.Fatalf("expected origin=promoted, got %s", m.Rule.Origin)
	}
	if m.Action != "synced_action" {
		t.Fatalf("expected synced_action, got %s", m.Action)
	}
}

func TestSyncedRulesOverrideBuiltin(t *testing.T) {
	dir := t.TempDir()

	rules := []map[string]interface{}{
		{
			"id":   "SYNCED-FW",
			"name": "Synced Firewall",
			"conditions": []interface{}{
				map[string]interface{}{"field": "check_type", "operator": "eq", "value": "firewall_status"},
			},
			"actions":  []interface{}{"synced_fw_action"},
			"priority": 2,
		},
	}

	data, _ := json.Marshal(rules)
	os.WriteFile(filepath.Join(dir, "l1_rules.json"), data, 0o644)

	e := NewEngine(dir, nil)

	m := e.Match("inc-020", "", "high", map[string]interface{}{"check_type": "firewall_status"})
	if m == nil {
		t.Fatal("expected match, got nil")
	}
	// Synced rule (priority 2) wins over the builtin firewall rule (priority 10).
	if m.Rule.ID != "SYNCED-FW" {
		t.Fatalf("expected SYNCED-FW to override builtin, got %s", m.Rule.ID)
	}
}

func TestConditionOperators(t *testing.T) {
	tests := []struct {
		name     string
		cond     RuleCondition
		data     map[string]interface{}
		expected bool
	}{
		{
			name:     "equals string",
			cond:     RuleCondition{Field: "type", Operator: OpEquals, Value: "test"},
			data:     map[string]interface{}{"type": "test"},
			expected: true,
		},
		{
			name:     "not equals",
			cond:     RuleCondition{Field: "type", Operator: OpNotEquals, Value: "other"},
			data:     map[string]interface{}{"type": "test"},
			expected: true,
		},
		{
			name:     "contains",
			cond:     RuleCondition{Field: "msg", Operator: OpContains, Value: "error"},
			data:     map[string]interface{}{"msg": "fatal error occurred"},
			expected: true,
		},
		{
			name:     "matches regex",
			cond:     RuleCondition{Field: "version", Operator: OpMatches, Value: `^\d+\.\d+`},
			data:     map[string]interface{}{"version": "3.14.159"},
			expected: true,
		},
		{
			name:     "greater than",
			cond:     RuleCondition{Field: "count", Operator: OpGreaterThan, Value: float64(10)},
			data:     map[string]interface{}{"count": float64(15)},
			expected: true,
		},
		{
			name:     "gte at boundary",
			cond:     RuleCondition{Field: "count", Operator: OpGTE, Value: float64(10)},
			data:     map[string]interface{}{"count": float64(10)},
			expected: true,
		},
		{
			name:     "less than",
			cond:     RuleCondition{Field: "count", Operator: OpLessThan, Value: float64(10)},
			data:     map[string]interface{}{"count": float64(5)},
			expected: true,
		},
		{
			name:     "lte at boundary",
			cond:     RuleCondition{Field: "count", Operator: OpLTE, Value: float64(10)},
			data:     map[string]interface{}{"count": float64(10)},
			expected: true,
		},
		{
			name:     "in list",
			cond:     RuleCondition{Field: "status", Operator: OpIn, Value: []interface{}{"pass", "warn"}},
			data:     map[string]interface{}{"status": "warn"},
			expected: true,
		},
		{
			name:     "not in list",
			cond:     RuleCondition{Field: "status", Operator: OpNotIn, Value: []interface{}{"pass", "warn"}},
			data:     map[string]interface{}{"status": "fail"},
			expected: true,
		},
		{
			name:     "exists true",
			cond:     RuleCondition{Field: "key", Operator: OpExists, Value: true},
			data:     map[string]interface{}{"key": "value"},
			expected: true,
		},
		{
			name:     "exists false",
			cond:     RuleCondition{Field: "missing", Operator: OpExists, Value: true},
			data:     map[string]interface{}{"key": "value"},
			expected: false,
		},
		{
			name:     "not exists",
			cond:     RuleCondition{Field: "missing", Operator: OpExists, Value: false},
			data:     map[string]interface{}{"key": "value"},
			expected: true,
		},
		{
			name:     "nested dot notation",
			cond:     RuleCondition{Field: "a.b.c", Operator: OpEquals, Value: "deep"},
			data:     map[string]interface{}{"a": map[string]interface{}{"b": map[string]interface{}{"c": "deep"}}},
			expected: true,
		},
		{
			name:     "nil field returns false for eq",
			cond:     RuleCondition{Field: "missing", Operator: OpEquals, Value: "x"},
			data:     map[string]interface{}{},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.cond.Matches(tt.data)
			if result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestSeverityFilter(t *testing.T) {
	rule := &Rule{
		ID:      "TEST-SEV",
		Enabled: true,
		Conditions: []RuleCondition{
			{Field: "check_type", Operator: OpEquals, Value: "test"},
		},
		SeverityFilter: []string{"high", "critical"},
	}

	if !rule.Matches("test", "high", map[string]interface{}{"check_type": "test"}) {
		t.Fatal("expected match for high severity")
	}

	if rule.Matches("test", "low", map[string]interface{}{"check_type": "test"}) {
		t.Fatal("expected no match for low severity")
	}
}

func TestStats(t *testing.T) {
	e := NewEngine("", nil)
	stats := e.Stats()

	total, _ := stats["total_rules"].(int)
	if total < 35 {
		t.Fatalf("expected at least 35 rules in stats, got %d", total)
	}

	byOrigin, _ := stats["by_origin"].(map[Origin]int)
	if byOrigin[OriginBuiltin] < 35 {
		t.Fatalf("expected at least 35 builtin rules, got %d", byOrigin[OriginBuiltin])
	}
}

func TestReloadRules(t *testing.T) {
	dir := t.TempDir()
	e := NewEngine(dir, nil)
	initialCount := e.RuleCount()

	rule := map[string]interface{}{
		"id":   "RELOAD-001",
		"name": "Reload Test",
		"conditions": []interface{}{
			map[string]interface{}{"field": "check_type", "operator": "eq", "value": "reload"},
		},
		"action":   "test",
		"priority": 1,
	}
	data, _ := yaml.Marshal(rule)
	os.WriteFile(filepath.Join(dir, "reload.yaml"), data, 0o644)

	e.ReloadRules()
	newCount := e.RuleCount()

	if newCount != initialCount+1 {
		t.Fatalf("expected %d rules after reload, got %d", initialCount+1, newCount)
	}
}

func TestGPODrivenFirewallFix(t *testing.T) {
	e := NewEngine("", nil)

	data := map[string]interface{}{
		"check_type":     "firewall_status",
		"enabled":        true, // already on, so the plain firewall rule won't fire
		"gpo_root_cause": true,
	}

	m := e.Match("inc-021", "windows", "high", data)
	if m == nil {
		t.Fatal("expected gpo root-cause match, got nil")
	}
	if m.Action != "fix_domain_gpo" {
		t.Fatalf("expected fix_domain_gpo, got %s", m.Action)
	}
}
