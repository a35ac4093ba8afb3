// Package healing implements the three-tier auto-healer: L1 deterministic
// rules, a per-resource circuit breaker and flap detector, and the
// Handle(incident) orchestration that ties L1 to the L2 planner and L3
// escalation router.
//
// L1 handles the bulk of incidents with sub-100ms response time, zero LLM
// cost, and predictable, auditable behavior. Rules are loaded from:
//  1. Built-in default rules (priority 10)
//  2. Custom rules directory, site-level (priority 1, origin=local)
//  3. Synced JSON rules bundles (loaded as origin=promoted, priority 5 by
//     default; a wrapped bundle's signature is checked once a server key is known)
//  4. Promoted rules from the learning sync service (priority 5, origin=promoted)
package healing

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/compliancewatch/appliance/internal/crypto"
	"github.com/compliancewatch/appliance/internal/logging"
	"gopkg.in/yaml.v3"
)

var log = logging.For("healing")

// MatchOperator defines comparison operators for rule conditions.
//
// eq, ne, gt, gte, lt, lte, contains, matches is the contract surface;
// in/not_in/exists are a superset the teacher's rule files already use
// and nothing forbids carrying them forward.
type MatchOperator string

const (
	OpEquals      MatchOperator = "eq"
	OpNotEquals   MatchOperator = "ne"
	OpContains    MatchOperator = "contains"
	OpMatches     MatchOperator = "matches" // regex
	OpGreaterThan MatchOperator = "gt"
	OpGTE         MatchOperator = "gte"
	OpLessThan    MatchOperator = "lt"
	OpLTE         MatchOperator = "lte"
	OpIn          MatchOperator = "in"
	OpNotIn       MatchOperator = "not_in"
	OpExists      MatchOperator = "exists"
)

// Origin is where a rule came from; it determines load-order priority
// defaults in the learning-sync merge (builtin=10, local=1, promoted=5).
type Origin string

const (
	OriginBuiltin  Origin = "builtin"
	OriginLocal    Origin = "local"
	OriginPromoted Origin = "promoted"
	OriginSynced   Origin = "synced"
)

// RuleCondition is a single condition in a rule.
type RuleCondition struct {
	Field    string        `json:"field" yaml:"field"`
	Operator MatchOperator `json:"operator" yaml:"operator"`
	Value    interface{}   `json:"value" yaml:"value"`
}

// Matches checks if this condition matches the given data.
func (c *RuleCondition) Matches(data map[string]interface{}) bool {
	actual := getFieldValue(data, c.Field)

	if c.Operator == OpExists {
		fieldExists := actual != nil
		if boolVal, ok := c.Value.(bool); ok {
			return fieldExists == boolVal
		}
		return fieldExists
	}

	if actual == nil {
		return false
	}

	switch c.Operator {
	case OpEquals:
		return valuesEqual(actual, c.Value)
	case OpNotEquals:
		return !valuesEqual(actual, c.Value)
	case OpContains:
		return strings.Contains(fmt.Sprintf("%v", actual), fmt.Sprintf("%v", c.Value))
	case OpMatches:
		pattern := fmt.Sprintf("%v", c.Value)
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(fmt.Sprintf("%v", actual))
	case OpGreaterThan:
		af, aOK := toFloat(actual)
		vf, vOK := toFloat(c.Value)
		return aOK && vOK && af > vf
	case OpGTE:
		af, aOK := toFloat(actual)
		vf, vOK := toFloat(c.Value)
		return aOK && vOK && af >= vf
	case OpLessThan:
		af, aOK := toFloat(actual)
		vf, vOK := toFloat(c.Value)
		return aOK && vOK && af < vf
	case OpLTE:
		af, aOK := toFloat(actual)
		vf, vOK := toFloat(c.Value)
		return aOK && vOK && af <= vf
	case OpIn:
		return valueIn(actual, c.Value)
	case OpNotIn:
		return !valueIn(actual, c.Value)
	}

	return false
}

// Rule is a deterministic rule for incident handling.
type Rule struct {
	ID              string                 `json:"id" yaml:"id"`
	Name            string                 `json:"name" yaml:"name"`
	Description     string                 `json:"description" yaml:"description"`
	Conditions      []RuleCondition        `json:"conditions" yaml:"conditions"`
	Action          string                 `json:"action" yaml:"action"`
	ActionParams    map[string]interface{} `json:"action_params" yaml:"action_params"`
	HIPAAControls   []string               `json:"hipaa_controls" yaml:"hipaa_controls"`
	SeverityFilter  []string               `json:"severity_filter" yaml:"severity_filter"`
	Platform        string                 `json:"platform,omitempty" yaml:"platform,omitempty"`
	Enabled         bool                   `json:"enabled" yaml:"enabled"`
	Priority        int                    `json:"priority" yaml:"priority"`
	CooldownSeconds int                    `json:"cooldown_seconds" yaml:"cooldown_seconds"`
	MaxRetries      int                    `json:"max_retries" yaml:"max_retries"`
	Origin          Origin                 `json:"origin" yaml:"origin"`
	GPOManaged      bool                   `json:"gpo_managed" yaml:"gpo_managed"`
	// Disruptive marks an action that restarts a service, reboots a host,
	// or otherwise interrupts availability. spec.md §4.4 pre-check 2 defers
	// disruptive actions outside the maintenance window; non-disruptive
	// config fixes run immediately regardless of window.
	Disruptive bool `json:"disruptive" yaml:"disruptive"`
}

// Matches checks if this rule matches an incident. Platform mismatch and
// disabled rules are skipped; all remaining conditions are AND'd.
func (r *Rule) Matches(platform, severity string, data map[string]interface{}) bool {
	if !r.Enabled {
		return false
	}
	if r.Platform != "" && r.Platform != platform {
		return false
	}

	if len(r.SeverityFilter) > 0 {
		found := false
		for _, s := range r.SeverityFilter {
			if s == severity {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for _, cond := range r.Conditions {
		if !cond.Matches(data) {
			return false
		}
	}

	return true
}

// RuleMatch is the result of a successful rule match.
type RuleMatch struct {
	Rule         *Rule
	IncidentID   string
	MatchedAt    string
	Action       string
	ActionParams map[string]interface{}
	Disruptive   bool
}

// ExecutionResult is the result of executing a matched rule's action.
type ExecutionResult struct {
	RuleID      string                 `json:"rule_id"`
	IncidentID  string                 `json:"incident_id"`
	Action      string                 `json:"action"`
	StartedAt   string                 `json:"started_at"`
	CompletedAt string                 `json:"completed_at,omitempty"`
	DurationMs  int64                  `json:"duration_ms,omitempty"`
	Success     bool                   `json:"success"`
	Output      interface{}            `json:"output,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Params      map[string]interface{} `json:"params,omitempty"`
	// UnknownAction is true when the rule's action has no registered
	// handler. This is an execution error, not a silent success.
	UnknownAction bool `json:"unknown_action,omitempty"`
}

// ErrUnknownAction is returned by an ActionExecutor when a rule names an
// action with no registered handler capability.
var ErrUnknownAction = fmt.Errorf("unknown action: no handler registered")

// ActionExecutor is a callback function that executes a healing action.
// A nil ActionExecutor means dry-run mode: Execute records a synthetic
// result and never touches a remote target.
type ActionExecutor func(action string, params map[string]interface{}, siteID, hostID string) (map[string]interface{}, error)

// Engine is the L1 deterministic rules engine. The (host, check_type)
// cooldown pre-check lives in Healer.Handle, not here — a single gate
// applied once per incident before any tier dispatches, per spec.md §4.4
// pre-check 3 and testable invariant 5. Engine.Match is a pure function of
// the current ruleset and incident data.
type Engine struct {
	rulesDir       string
	rules          []*Rule
	mu             sync.RWMutex
	actionExecutor ActionExecutor
	verifier       *crypto.OrderVerifier // Verifies signed rules from Central Command
}

// NewEngine creates a new L1 deterministic engine.
func NewEngine(rulesDir string, executor ActionExecutor) *Engine {
	e := &Engine{
		rulesDir:       rulesDir,
		actionExecutor: executor,
		verifier:       crypto.NewOrderVerifier(""),
	}
	e.LoadRules()
	return e
}

// SetServerPublicKey sets the Ed25519 public key for verifying signed rules.
func (e *Engine) SetServerPublicKey(hexKey string) error {
	return e.verifier.SetPublicKey(hexKey)
}

// VerifyRulesBundle checks a promoted-rules bundle's signature against the
// server public key learned at checkin, using the same verifier disk-synced
// rule files are checked against. The learning sync service calls this
// before merging a pulled bundle into the ruleset.
func (e *Engine) VerifyRulesBundle(canonicalRulesJSON, signatureHex string) error {
	return e.verifier.VerifyRulesBundle(canonicalRulesJSON, signatureHex)
}

// HasServerPublicKey reports whether a server public key has been learned
// yet, so callers can decide whether to accept an unsigned promoted bundle.
func (e *Engine) HasServerPublicKey() bool {
	return e.verifier.HasKey()
}

// LoadRules loads all rules from builtins and disk, then replaces the
// ruleset atomically. In-flight Match/Execute calls already holding a
// read lock finish against the prior snapshot.
func (e *Engine) LoadRules() {
	rules := builtinRules()

	if e.rulesDir != "" {
		rules = append(rules, e.loadYAMLRules(e.rulesDir, OriginLocal, 1)...)
		rules = append(rules, e.loadSyncedJSONRules(e.rulesDir)...)
		// Promoted rules written by the learning sync service after a
		// successful pull/merge cycle; default priority 5 sits between
		// built-ins (10) and local overrides (1).
		promotedDir := filepath.Join(e.rulesDir, "promoted")
		rules = append(rules, e.loadYAMLRules(promotedDir, OriginPromoted, 5)...)
	}

	sortRules(rules)

	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()

	log.Info().Int("rule_count", len(rules)).Msg("L1 ruleset loaded")
}

func sortRules(rules []*Rule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		if rules[i].Origin != rules[j].Origin {
			return rules[i].Origin < rules[j].Origin
		}
		return rules[i].ID < rules[j].ID
	})
}

// ReloadRules reloads rules from disk.
func (e *Engine) ReloadRules() { e.LoadRules() }

// ReplaceRules atomically swaps in a new ruleset, used by the learning
// sync service after merging builtin/local/promoted rules.
func (e *Engine) ReplaceRules(rules []*Rule) {
	sorted := make([]*Rule, len(rules))
	copy(sorted, rules)
	sortRules(sorted)

	e.mu.Lock()
	e.rules = sorted
	e.mu.Unlock()
}

// Snapshot returns the current ruleset for read-only inspection (used by
// the learning sync service to build the next merge).
func (e *Engine) Snapshot() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Match finds the first matching rule for an incident in priority order.
// Returns nil if no rule matches (caller should fall through to L2).
func (e *Engine) Match(incidentID, platform, severity string, data map[string]interface{}) *RuleMatch {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, rule := range e.rules {
		if !rule.Matches(platform, severity, data) {
			continue
		}

		return &RuleMatch{
			Rule:         rule,
			IncidentID:   incidentID,
			MatchedAt:    time.Now().UTC().Format(time.RFC3339),
			Action:       rule.Action,
			ActionParams: rule.ActionParams,
			Disruptive:   rule.Disruptive,
		}
	}

	return nil
}

// Execute runs a matched rule's action. An unknown action (no registered
// handler) is recorded as a logged execution error, not an escalation —
// callers are expected to continue trying subsequent rules or fall
// through to L2.
func (e *Engine) Execute(match *RuleMatch, siteID, hostID string) *ExecutionResult {
	start := time.Now().UTC()
	result := &ExecutionResult{
		RuleID:     match.Rule.ID,
		IncidentID: match.IncidentID,
		Action:     match.Action,
		StartedAt:  start.Format(time.RFC3339),
		Params:     match.ActionParams,
	}

	if e.actionExecutor == nil {
		result.Output = "DRY_RUN"
		result.Success = true
		result.CompletedAt = time.Now().UTC().Format(time.RFC3339)
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}

	output, err := e.actionExecutor(match.Action, match.ActionParams, siteID, hostID)
	if err != nil {
		if err == ErrUnknownAction {
			result.UnknownAction = true
			log.Error().Str("rule_id", match.Rule.ID).Str("action", match.Action).
				Msg("no handler registered for rule action")
		} else {
			log.Warn().Err(err).Str("rule_id", match.Rule.ID).Msg("rule execution failed")
		}
		result.Error = err.Error()
		result.CompletedAt = time.Now().UTC().Format(time.RFC3339)
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}

	result.Output = output
	if output != nil {
		if s, ok := output["success"]; ok {
			if bv, ok := s.(bool); ok {
				result.Success = bv
			}
		} else {
			result.Success = true
		}
		if e, ok := output["error"]; ok {
			if ev, ok := e.(string); ok {
				result.Error = ev
			}
		}
	} else {
		result.Success = true
	}

	result.CompletedAt = time.Now().UTC().Format(time.RFC3339)
	result.DurationMs = time.Since(start).Milliseconds()

	return result
}

// Stats returns statistics about loaded rules.
func (e *Engine) Stats() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()

	byOrigin := map[Origin]int{}
	byAction := map[string]int{}
	enabled := 0

	for _, r := range e.rules {
		byOrigin[r.Origin]++
		byAction[r.Action]++
		if r.Enabled {
			enabled++
		}
	}

	return map[string]interface{}{
		"total_rules":   len(e.rules),
		"enabled_rules": enabled,
		"by_origin":     byOrigin,
		"by_action":     byAction,
	}
}

// ListRules returns all rules with their details.
func (e *Engine) ListRules() []map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := make([]map[string]interface{}, len(e.rules))
	for i, r := range e.rules {
		result[i] = map[string]interface{}{
			"id":             r.ID,
			"name":           r.Name,
			"description":    r.Description,
			"action":         r.Action,
			"priority":       r.Priority,
			"enabled":        r.Enabled,
			"origin":         string(r.Origin),
			"hipaa_controls": r.HIPAAControls,
		}
	}
	return result
}

// RuleCount returns the number of loaded rules.
func (e *Engine) RuleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// --- Rule loading helpers ---

func (e *Engine) loadYAMLRules(dir string, origin Origin, defaultPriority int) []*Rule {
	var out []*Rule
	entries, err := os.ReadDir(dir)
	if err != nil {
		return out
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to read rule file")
			continue
		}

		var raw map[string]interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to parse rule file")
			continue
		}

		if rulesRaw, ok := raw["rules"]; ok {
			if rulesList, ok := rulesRaw.([]interface{}); ok {
				for _, rr := range rulesList {
					if rd, ok := rr.(map[string]interface{}); ok {
						if r := ruleFromMap(rd, origin, defaultPriority); r != nil {
							out = append(out, r)
						}
					}
				}
			}
		} else if r := ruleFromMap(raw, origin, defaultPriority); r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (e *Engine) loadSyncedJSONRules(dir string) []*Rule {
	var out []*Rule
	entries, err := os.ReadDir(dir)
	if err != nil {
		return out
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to read synced rules")
			continue
		}

		var rulesList []map[string]interface{}
		if err := json.Unmarshal(data, &rulesList); err == nil {
			for _, rd := range rulesList {
				if r := ruleFromSyncedJSON(rd); r != nil {
					out = append(out, r)
				}
			}
			continue
		}

		var wrapped map[string]interface{}
		if err := json.Unmarshal(data, &wrapped); err == nil {
			sigHex, _ := wrapped["signature"].(string)
			if sigHex != "" && e.verifier.HasKey() {
				var rulesForVerify interface{} = wrapped["rules"]
				canonicalRules, _ := crypto.CanonicalJSONSpaced(rulesForVerify)
				if err := e.verifier.VerifyRulesBundle(string(canonicalRules), sigHex); err != nil {
					log.Error().Err(err).Str("path", path).Msg("synced rules signature verification failed — skipping")
					continue
				}
			} else if sigHex == "" && e.verifier.HasKey() {
				log.Warn().Str("path", path).Msg("unsigned rules file — will be rejected after rollout")
			}

			if pubKey, ok := wrapped["server_public_key"].(string); ok && pubKey != "" {
				if err := e.verifier.SetPublicKey(pubKey); err != nil {
					log.Warn().Err(err).Msg("failed to set server public key from rules bundle")
				}
			}

			if rulesRaw, ok := wrapped["rules"]; ok {
				if arr, ok := rulesRaw.([]interface{}); ok {
					for _, rr := range arr {
						if rd, ok := rr.(map[string]interface{}); ok {
							if r := ruleFromSyncedJSON(rd); r != nil {
								out = append(out, r)
							}
						}
					}
				}
			}
		}
	}
	return out
}

// --- Value comparison helpers ---

func getFieldValue(data map[string]interface{}, field string) interface{} {
	parts := strings.Split(field, ".")
	var current interface{} = data

	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current = m[part]
	}

	return current
}

func valuesEqual(a, b interface{}) bool {
	ab, aIsBool := a.(bool)
	bb, bIsBool := b.(bool)
	if aIsBool && bIsBool {
		return ab == bb
	}

	af, aOK := toFloat(a)
	bf, bOK := toFloat(b)
	if aOK && bOK {
		return af == bf
	}

	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func valueIn(actual, list interface{}) bool {
	arr, ok := list.([]interface{})
	if !ok {
		return false
	}
	for _, item := range arr {
		if valuesEqual(actual, item) {
			return true
		}
	}
	return false
}

// --- Rule constructors ---

func ruleFromMap(m map[string]interface{}, origin Origin, defaultPriority int) *Rule {
	id, _ := m["id"].(string)
	if id == "" {
		return nil
	}

	r := &Rule{
		ID:              id,
		Name:            strOrDefault(m, "name", id),
		Description:     strOrDefault(m, "description", ""),
		Action:          strOrDefault(m, "action", ""),
		ActionParams:    mapOrEmpty(m, "action_params"),
		HIPAAControls:   strSlice(m, "hipaa_controls"),
		SeverityFilter:  strSlice(m, "severity_filter"),
		Platform:        strOrDefault(m, "platform", ""),
		Enabled:         boolOrDefault(m, "enabled", true),
		Priority:        intOrDefault(m, "priority", defaultPriority),
		CooldownSeconds: intOrDefault(m, "cooldown_seconds", 300),
		MaxRetries:      intOrDefault(m, "max_retries", 1),
		Origin:          origin,
		GPOManaged:      boolOrDefault(m, "gpo_managed", false),
	}

	if conds, ok := m["conditions"].([]interface{}); ok {
		for _, c := range conds {
			if cm, ok := c.(map[string]interface{}); ok {
				r.Conditions = append(r.Conditions, RuleCondition{
					Field:    strOrDefault(cm, "field", ""),
					Operator: MatchOperator(strOrDefault(cm, "operator", "eq")),
					Value:    cm["value"],
				})
			}
		}
	}

	return r
}

func ruleFromSyncedJSON(m map[string]interface{}) *Rule {
	id, _ := m["id"].(string)
	if id == "" {
		return nil
	}

	action := ""
	if actions, ok := m["actions"].([]interface{}); ok && len(actions) > 0 {
		action, _ = actions[0].(string)
	}
	if action == "" {
		action = strOrDefault(m, "action", "noop")
	}

	r := &Rule{
		ID:              id,
		Name:            strOrDefault(m, "name", id),
		Description:     strOrDefault(m, "description", ""),
		Action:          action,
		ActionParams:    mapOrEmpty(m, "action_params"),
		HIPAAControls:   strSlice(m, "hipaa_controls"),
		SeverityFilter:  strSlice(m, "severity_filter"),
		Platform:        strOrDefault(m, "platform", ""),
		Enabled:         boolOrDefault(m, "enabled", true),
		Priority:        intOrDefault(m, "priority", 5), // promoted rules default to priority 5
		CooldownSeconds: intOrDefault(m, "cooldown_seconds", 300),
		MaxRetries:      intOrDefault(m, "max_retries", 1),
		Origin:          OriginPromoted,
		GPOManaged:      boolOrDefault(m, "gpo_managed", false),
	}

	if conds, ok := m["conditions"].([]interface{}); ok {
		for _, c := range conds {
			if cm, ok := c.(map[string]interface{}); ok {
				r.Conditions = append(r.Conditions, RuleCondition{
					Field:    strOrDefault(cm, "field", ""),
					Operator: MatchOperator(strOrDefault(cm, "operator", "eq")),
					Value:    cm["value"],
				})
			}
		}
	}

	return r
}

// --- Map access helpers ---

func strOrDefault(m map[string]interface{}, key, def string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return def
}

func intOrDefault(m map[string]interface{}, key string, def int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case int64:
		return int(v)
	}
	return def
}

func boolOrDefault(m map[string]interface{}, key string, def bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}

func mapOrEmpty(m map[string]interface{}, key string) map[string]interface{} {
	if v, ok := m[key].(map[string]interface{}); ok {
		return v
	}
	return map[string]interface{}{}
}

func strSlice(m map[string]interface{}, key string) []string {
	raw, ok := m[key].([]interface{})
	if !ok {
		return nil
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			result = append(result, s)
		}
	}
	return result
}
