// Order flow:
//  1. Fetch pending orders from the check-in response.
//  2. Verify each order's Ed25519 signature and expiry.
//  3. Dispatch to the handler registered for its action.
//  4. Report the outcome back to Central Command.
package centralcommand

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/compliancewatch/appliance/internal/crypto"
)

// Order is a signed command from Central Command.
type Order struct {
	ID            string                 `json:"id"`
	Action        string                 `json:"action"`
	Parameters    map[string]interface{} `json:"parameters"`
	IssuedAt      string                 `json:"issued_at,omitempty"`
	ExpiresAt     string                 `json:"expires_at,omitempty"`
	Signature     string                 `json:"signature,omitempty"`
	SignedPayload string                 `json:"signed_payload,omitempty"`
}

// OrderResult is the outcome of processing an order.
type OrderResult struct {
	OrderID string                 `json:"order_id"`
	Success bool                   `json:"success"`
	Result  map[string]interface{} `json:"result,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// HandlerFunc executes one order action.
type HandlerFunc func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error)

// CompletionCallback reports a finished order's outcome.
type CompletionCallback func(ctx context.Context, orderID string, success bool, result map[string]interface{}, errMsg string) error

// Processor dispatches and executes signed orders.
type Processor struct {
	handlers    map[string]HandlerFunc
	onComplete  CompletionCallback
	stateDir    string
	verifier    *crypto.OrderVerifier
	applianceID string

	nonceMu    sync.Mutex
	usedNonces map[string]time.Time // order id → first-seen timestamp
}

// NewProcessor creates an order processor rooted at stateDir, where the
// replay cache is persisted across restarts.
func NewProcessor(stateDir string, onComplete CompletionCallback) *Processor {
	p := &Processor{
		handlers:   make(map[string]HandlerFunc),
		onComplete: onComplete,
		stateDir:   stateDir,
		verifier:   crypto.NewOrderVerifier(""),
		usedNonces: make(map[string]time.Time),
	}
	p.loadNonces()

	p.handlers["force_checkin"] = p.handleForceCheckin
	p.handlers["run_drift"] = p.handleRunDrift
	p.handlers["sync_rules"] = p.handleSyncRules
	p.handlers["restart_agent"] = p.handleRestartAgent
	p.handlers["update_agent"] = p.handleUpdateAgent
	p.handlers["view_logs"] = p.handleViewLogs
	p.handlers["diagnostic"] = p.handleDiagnostic
	p.handlers["sync_promoted_rule"] = p.handleSyncPromotedRule
	p.handlers["healing"] = p.handleHealing
	p.handlers["update_credentials"] = p.handleUpdateCredentials

	return p
}

// RegisterHandler adds or replaces the handler for an order action,
// letting a subsystem (the healer, the drift scheduler) own its own
// dispatch logic instead of the processor stubbing it out.
func (p *Processor) RegisterHandler(action string, handler HandlerFunc) {
	p.handlers[action] = handler
}

// SetServerPublicKey sets the Ed25519 public key used to verify order
// signatures, learned from a check-in response.
func (p *Processor) SetServerPublicKey(hexKey string) error {
	return p.verifier.SetPublicKey(hexKey)
}

// SetApplianceID scopes host-targeted orders to this appliance.
func (p *Processor) SetApplianceID(id string) {
	p.applianceID = id
}

// HandlerCount returns the number of registered handlers.
func (p *Processor) HandlerCount() int {
	return len(p.handlers)
}

// Process verifies, dispatches, and reports completion for a single order.
func (p *Processor) Process(ctx context.Context, order *Order) *OrderResult {
	if order.ID == "" || order.Action == "" {
		log.Warn().Msg("skipping order with missing id or action")
		return nil
	}

	log.Info().Str("order_id", order.ID).Str("action", order.Action).Msg("processing order")

	if err := p.verifySignature(order); err != nil {
		return p.reject(ctx, order, fmt.Sprintf("signature verification failed: %v", err))
	}
	if err := p.checkExpiry(order); err != nil {
		return p.reject(ctx, order, err.Error())
	}
	if err := p.checkAndRecordNonce(order.ID); err != nil {
		return p.reject(ctx, order, fmt.Sprintf("replay detected: %v", err))
	}

	handler, ok := p.handlers[order.Action]
	if !ok {
		return p.reject(ctx, order, fmt.Sprintf("unknown order action: %s", order.Action))
	}

	params := order.Parameters
	if params == nil {
		params = map[string]interface{}{}
	}

	result, err := handler(ctx, params)
	if err != nil {
		log.Warn().Err(err).Str("order_id", order.ID).Msg("order failed")
		p.complete(ctx, order.ID, false, nil, err.Error())
		return &OrderResult{OrderID: order.ID, Success: false, Error: err.Error()}
	}

	log.Info().Str("order_id", order.ID).Msg("order completed successfully")
	p.complete(ctx, order.ID, true, result, "")
	return &OrderResult{OrderID: order.ID, Success: true, Result: result}
}

func (p *Processor) reject(ctx context.Context, order *Order, errMsg string) *OrderResult {
	log.Warn().Str("order_id", order.ID).Str("action", order.Action).Msg("rejected order: " + errMsg)
	p.complete(ctx, order.ID, false, nil, errMsg)
	return &OrderResult{OrderID: order.ID, Success: false, Error: errMsg}
}

// checkExpiry rejects orders past their expires_at timestamp. A malformed
// or absent expiry is treated as non-expiring — Central Command is not
// required to set one for every order type.
func (p *Processor) checkExpiry(order *Order) error {
	if order.ExpiresAt == "" {
		return nil
	}
	expires, err := time.Parse(time.RFC3339, order.ExpiresAt)
	if err != nil {
		return nil
	}
	if time.Now().UTC().After(expires) {
		return fmt.Errorf("order expired at %s", order.ExpiresAt)
	}
	return nil
}

// verifySignature checks the Ed25519 signature on an order, then verifies
// host scoping. Returns nil if valid, or if no server public key has been
// learned yet (pre-first-checkin grace period, logged as a warning for
// any order that arrives already signed).
func (p *Processor) verifySignature(order *Order) error {
	if !p.verifier.HasKey() {
		if order.Signature != "" {
			log.Warn().Str("order_id", order.ID).Msg("order has signature but no server public key to verify yet")
		}
		return nil
	}

	if order.Signature == "" || order.SignedPayload == "" {
		return fmt.Errorf("unsigned order rejected: order %s has no signature", order.ID)
	}
	if err := p.verifier.VerifyOrder(order.SignedPayload, order.Signature); err != nil {
		return err
	}
	return p.verifyHostScope(order)
}

// verifyHostScope rejects orders whose signed payload targets a different
// appliance. Fleet-wide orders (no target_appliance_id) are allowed.
func (p *Processor) verifyHostScope(order *Order) error {
	if p.applianceID == "" {
		return nil
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(order.SignedPayload), &payload); err != nil {
		return fmt.Errorf("parse signed payload for host scope check: %w", err)
	}

	target, ok := payload["target_appliance_id"]
	if !ok || target == nil {
		return nil
	}
	targetStr, ok := target.(string)
	if !ok || targetStr == "" {
		return nil
	}
	if targetStr != p.applianceID {
		return fmt.Errorf("host scope mismatch: order targets %q but this appliance is %q", targetStr, p.applianceID)
	}
	return nil
}

// ProcessAll handles a batch of orders sequentially, stopping early if ctx
// is canceled.
func (p *Processor) ProcessAll(ctx context.Context, orders []Order) []*OrderResult {
	var results []*OrderResult
	for i := range orders {
		select {
		case <-ctx.Done():
			return results
		default:
		}
		if r := p.Process(ctx, &orders[i]); r != nil {
			results = append(results, r)
		}
	}
	return results
}

func (p *Processor) complete(ctx context.Context, orderID string, success bool, result map[string]interface{}, errMsg string) {
	if p.onComplete == nil {
		return
	}
	if err := p.onComplete(ctx, orderID, success, result, errMsg); err != nil {
		log.Warn().Err(err).Str("order_id", orderID).Msg("failed to report order completion")
	}
}

// --- Built-in handlers ---
//
// Several of these are intentionally thin: the real work is done by a
// subsystem that registers its own handler via RegisterHandler (e.g. the
// healer overrides "healing"), and the built-in here only covers the case
// where Central Command issues the order before that subsystem is wired up.

func (p *Processor) handleForceCheckin(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{"status": "checkin_triggered"}, nil
}

func (p *Processor) handleRunDrift(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{"status": "drift_scan_triggered"}, nil
}

func (p *Processor) handleSyncRules(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{"status": "sync_triggered"}, nil
}

func (p *Processor) handleRestartAgent(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
	log.Info().Msg("scheduling agent restart in 5 seconds")
	go func() {
		time.Sleep(5 * time.Second)
		if err := exec.Command("systemctl", "restart", "appliance-daemon").Run(); err != nil {
			log.Warn().Err(err).Msg("restart failed")
		}
	}()
	return map[string]interface{}{"status": "restart_scheduled"}, nil
}

func (p *Processor) handleUpdateAgent(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	version, _ := params["version"].(string)
	if version == "" {
		version = "unknown"
	}
	return map[string]interface{}{
		"status":  "update_received",
		"version": version,
		"message": "agent update will be applied on next maintenance window",
	}, nil
}

func (p *Processor) handleViewLogs(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	lines := 50
	if l, ok := params["lines"].(float64); ok && l > 0 {
		lines = int(l)
		if lines > 500 {
			lines = 500
		}
	}

	cmd := exec.Command("journalctl", "-u", "appliance-daemon", "--no-pager", "-n", fmt.Sprintf("%d", lines))
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("journalctl: %w", err)
	}
	return map[string]interface{}{
		"logs":  string(output),
		"lines": lines,
	}, nil
}

// allowedDiagnostics is a fixed whitelist of commands that can be
// triggered remotely — parameters never reach exec.Command directly.
var allowedDiagnostics = map[string][]string{
	"agent_status": {"systemctl", "status", "appliance-daemon"},
	"agent_logs":   {"journalctl", "-u", "appliance-daemon", "--no-pager", "-n", "100"},
	"system_logs":  {"journalctl", "--no-pager", "-n", "100"},
	"disk_usage":   {"df", "-h"},
	"memory":       {"free", "-h"},
	"uptime":       {"uptime"},
	"network":      {"ip", "addr", "show"},
	"dns":          {"cat", "/etc/resolv.conf"},
	"time_sync":    {"timedatectl", "status"},
	"services":     {"systemctl", "list-units", "--type=service", "--state=running", "--no-pager"},
	"firewall":     {"nft", "list", "ruleset"},
}

func (p *Processor) handleDiagnostic(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	command, _ := params["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("command is required")
	}
	args, ok := allowedDiagnostics[command]
	if !ok {
		return nil, fmt.Errorf("command %q not in whitelist", command)
	}

	cmd := exec.Command(args[0], args[1:]...)
	output, err := cmd.CombinedOutput()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	outStr := string(output)
	if len(outStr) > 2000 {
		outStr = outStr[:2000] + "\n... (truncated)"
	}
	return map[string]interface{}{
		"command":   command,
		"exit_code": exitCode,
		"output":    outStr,
	}, nil
}

func (p *Processor) handleSyncPromotedRule(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	ruleID, _ := params["rule_id"].(string)
	ruleYAML, _ := params["rule_yaml"].(string)
	if ruleID == "" || ruleYAML == "" {
		return nil, fmt.Errorf("rule_id and rule_yaml are required")
	}

	promotedDir := filepath.Join(p.stateDir, "rules", "promoted")
	if err := os.MkdirAll(promotedDir, 0o755); err != nil {
		return nil, fmt.Errorf("create promoted rules dir: %w", err)
	}

	rulePath := filepath.Join(promotedDir, ruleID+".yaml")
	if _, err := os.Stat(rulePath); err == nil {
		return map[string]interface{}{"status": "already_exists", "rule_id": ruleID}, nil
	}
	if err := os.WriteFile(rulePath, []byte(ruleYAML), 0o600); err != nil {
		return nil, fmt.Errorf("write promoted rule: %w", err)
	}
	return map[string]interface{}{"status": "deployed", "rule_id": ruleID}, nil
}

func (p *Processor) handleHealing(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	runbookID, _ := params["runbook_id"].(string)
	log.Warn().Str("runbook_id", runbookID).Msg("healing stub invoked — real handler not registered")
	return nil, fmt.Errorf("healing handler not initialized — daemon must register its runbook executor")
}

func (p *Processor) handleUpdateCredentials(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{"status": "credential_refresh_triggered"}, nil
}

// --- Replay protection ---

const nonceMaxAge = 24 * time.Hour

type nonceStore struct {
	Nonces map[string]time.Time `json:"nonces"`
}

// checkAndRecordNonce rejects an order id already seen within the replay
// window and records new ones, persisting the cache so a restart doesn't
// forget recently-seen orders.
func (p *Processor) checkAndRecordNonce(orderID string) error {
	p.nonceMu.Lock()
	defer p.nonceMu.Unlock()

	if _, exists := p.usedNonces[orderID]; exists {
		return fmt.Errorf("order id %q already used", orderID)
	}
	p.usedNonces[orderID] = time.Now()
	p.evictExpiredNoncesLocked()
	p.persistNoncesLocked()
	return nil
}

func (p *Processor) evictExpiredNoncesLocked() {
	cutoff := time.Now().Add(-nonceMaxAge)
	for id, ts := range p.usedNonces {
		if ts.Before(cutoff) {
			delete(p.usedNonces, id)
		}
	}
}

func (p *Processor) persistNoncesLocked() {
	path := filepath.Join(p.stateDir, "used_nonces.json")
	store := nonceStore{Nonces: p.usedNonces}
	data, err := json.Marshal(store)
	if err != nil {
		log.Warn().Err(err).Msg("failed to marshal replay cache")
		return
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to persist replay cache")
	}
}

func (p *Processor) loadNonces() {
	path := filepath.Join(p.stateDir, "used_nonces.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var store nonceStore
	if err := json.Unmarshal(data, &store); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to parse replay cache")
		return
	}

	cutoff := time.Now().Add(-nonceMaxAge)
	loaded := 0
	for id, ts := range store.Nonces {
		if ts.After(cutoff) {
			p.usedNonces[id] = ts
			loaded++
		}
	}
	if loaded > 0 {
		log.Info().Int("loaded", loaded).Int("evicted", len(store.Nonces)-loaded).Msg("restored replay cache from disk")
	}
}
