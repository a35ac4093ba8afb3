package daemon

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/compliancewatch/appliance/internal/ca"
	"github.com/compliancewatch/appliance/internal/centralcommand"
	"github.com/compliancewatch/appliance/internal/evidence"
	"github.com/compliancewatch/appliance/internal/grpcserver"
	"github.com/compliancewatch/appliance/internal/healing"
	"github.com/compliancewatch/appliance/internal/incidents"
	"github.com/compliancewatch/appliance/internal/l2planner"
	"github.com/compliancewatch/appliance/internal/l3escalation"
	"github.com/compliancewatch/appliance/internal/learningsync"
	"github.com/compliancewatch/appliance/internal/queue"
	"github.com/compliancewatch/appliance/internal/sdnotify"
	"github.com/compliancewatch/appliance/internal/sshexec"
	"github.com/compliancewatch/appliance/internal/winrm"
)

// Version is set at build time.
var Version = "0.3.6"

// globalBreakerKey is the fixed (host, check_type) pair the global circuit
// breaker rides on top of internal/healing's per-host breaker registry —
// one appliance-wide breaker that trips when Central Command itself looks
// unreachable, rather than any single host's checks.
const globalBreakerKey = "__central_command__"

// Daemon is the main appliance daemon that orchestrates all subsystems.
type Daemon struct {
	config    *Config
	ccClient  *centralcommand.Client
	grpcSrv   *grpcserver.Server
	registry  *grpcserver.AgentRegistry
	agentCA   *ca.AgentCA
	l1Engine  *healing.Engine
	l2Planner *l2planner.Planner // native Go L2 LLM planner
	l3Router  *l3escalation.Router
	healer    *healing.Healer

	// globalBreaker trips when checkins to Central Command repeatedly fail,
	// suppressing all healing rather than letting every host escalate
	// independently while the appliance itself is unreachable upstream.
	globalBreaker *healing.CircuitBreakers

	orderProc *centralcommand.Processor
	winrmExec *winrm.Executor
	sshExec   *sshexec.Executor

	// Auto-deploy: spread agent to discovered workstations
	deployer *autoDeployer

	// Agent version manifest, served by the agent file server
	agentVersionCache *agentVersionCache

	// Drift scanner: periodic security checks on Windows + Linux targets
	scanner *driftScanner

	// Network scanner: periodic port/reachability checks
	netScan *netScanner

	// Evidence submitter: packages drift scan results into compliance bundles
	evidenceSubmitter *evidence.Submitter
	evidenceAnchor    *evidence.Anchor
	agentPublicKey    string // hex-encoded Ed25519 public key

	// Offline queue: durable delivery for evidence bundles, pattern stats,
	// and execution telemetry when Central Command is unreachable.
	offlineQueue *queue.Queue

	// Telemetry reporter: sends L1/L2 execution outcomes to Central Command
	telemetry *l2planner.TelemetryReporter

	// Incident reporter: sends drift findings to POST /incidents for dashboard display
	incidents *incidentReporter

	// Incident store: local, crash-safe record of every incident and its
	// resolution, queried by flap detection, learning sync, and restart
	// recovery. Independent of whether Central Command is reachable.
	incidentStore *incidents.Store

	// Learning sync: 4-hour push/pull/merge cycle between local incident
	// history and Central Command's fleet-wide promoted ruleset.
	learningSync *learningsync.Service

	// Linux targets from checkin response
	linuxTargetsMu sync.RWMutex
	linuxTargets   []linuxTarget

	// L2 mode: "auto" (execute immediately), "manual" (queue for approval), "disabled" (L1 only)
	l2ModeMu sync.RWMutex
	l2Mode   string

	// Subscription status: gates healing operations
	subscriptionMu     sync.RWMutex
	subscriptionStatus string // "active", "trialing", "past_due", "canceled", "none"

	// WaitGroup for graceful goroutine drain on shutdown
	wg sync.WaitGroup

	// gpoFixDone tracks whether the GPO firewall fix has been applied per DC.
	// key = DC hostname, value = true
	gpoFixDone sync.Map

	// deferred holds heal requests the healer returned TierDeferred for
	// (maintenance window or cooldown); runDeferredRetry re-offers them to
	// HealChan on a slow cadence so a deferred incident isn't a dead end
	// (spec.md §4.4 pre-check 2: "re-enqueue the incident for the next
	// window").
	deferredMu sync.Mutex
	deferred   []grpcserver.HealRequest
}

// isSubscriptionActive returns true if healing should be allowed.
// Active and trialing subscriptions allow healing; all other states suppress it.
func (d *Daemon) isSubscriptionActive() bool {
	d.subscriptionMu.RLock()
	defer d.subscriptionMu.RUnlock()
	return d.subscriptionStatus == "" || d.subscriptionStatus == "active" || d.subscriptionStatus == "trialing"
}

// gateStatus snapshots the pre-check ladder's gating inputs for the healer.
// Called fresh on every incident — cheap reads of a handful of mutex-guarded
// fields plus one breaker lookup.
func (d *Daemon) gateStatus() healing.GateStatus {
	d.l2ModeMu.RLock()
	l2Mode := d.l2Mode
	d.l2ModeMu.RUnlock()
	if l2Mode == "" {
		l2Mode = "auto" // default before the first checkin response arrives
	}
	if !d.config.HealingEnabled {
		l2Mode = "disabled"
	}

	allow, _ := d.globalBreaker.Allow(globalBreakerKey, globalBreakerKey)

	return healing.GateStatus{
		DryRun:              d.config.HealingDryRun,
		InMaintenanceWindow: d.config.InMaintenanceWindow(time.Now()),
		SubscriptionActive:  d.isSubscriptionActive(),
		L2Mode:              l2Mode,
		GlobalCircuitOpen:   !allow,
	}
}

// New creates a new daemon with the given configuration.
func New(cfg *Config) *Daemon {
	d := &Daemon{
		config:        cfg,
		ccClient:      centralcommand.New(cfg.APIEndpoint, cfg.APIKey),
		registry:      grpcserver.NewAgentRegistry(),
		globalBreaker: healing.NewCircuitBreakers(),
	}

	// Initialize WinRM and SSH executors (must be before L1 engine)
	d.winrmExec = winrm.NewExecutor()
	d.sshExec = sshexec.NewExecutor()

	// Initialize L1 healing engine
	rulesDir := cfg.RulesDir()
	var executor healing.ActionExecutor
	if cfg.HealingDryRun {
		executor = nil // nil executor → dry-run mode
	} else {
		executor = d.makeActionExecutor()
	}
	d.l1Engine = healing.NewEngine(rulesDir, executor)
	log.Printf("[daemon] L1 engine loaded: %d rules (healing=%v)", d.l1Engine.RuleCount(), !cfg.HealingDryRun)

	// Initialize L2 planner (calls Central Command → Anthropic, no LLM key on device)
	if cfg.L2Enabled {
		d.l2Planner = l2planner.NewPlanner(l2planner.PlannerConfig{
			APIEndpoint: cfg.APIEndpoint, // Same Central Command endpoint as checkins
			APIKey:      cfg.APIKey,      // Same site API key as checkins
			SiteID:      cfg.SiteID,
			APITimeout:  time.Duration(cfg.L2APITimeoutSecs) * time.Second,
			Budget: l2planner.BudgetConfig{
				DailyBudgetUSD:     cfg.L2DailyBudgetUSD,
				MaxCallsPerHour:    cfg.L2MaxCallsPerHour,
				MaxConcurrentCalls: cfg.L2MaxConcurrentCalls,
			},
			AllowedActions: cfg.L2AllowedActions,
		})
		log.Printf("[daemon] L2 planner initialized (via Central Command, budget=$%.2f/day)",
			cfg.L2DailyBudgetUSD)
	}

	// Initialize the L3 escalation router. Any channel whose config is empty
	// is simply skipped — Route() logs a warning if none are configured.
	d.l3Router = l3escalation.New(l3escalation.Config{
		Slack: l3escalation.SlackConfig{
			Token:   cfg.L3SlackToken,
			Channel: cfg.L3SlackChannel,
		},
		PagerDuty: l3escalation.PagerDutyConfig{
			RoutingKey: cfg.L3PagerDutyRoutingKey,
		},
		Webhook: l3escalation.WebhookConfig{
			URL: cfg.L3WebhookURL,
		},
		SMTP: l3escalation.SMTPConfig{
			Host:     cfg.L3SMTPHost,
			Port:     cfg.L3SMTPPort,
			Username: cfg.L3SMTPUsername,
			Password: cfg.L3SMTPPassword,
			From:     cfg.L3SMTPFrom,
			To:       cfg.L3SMTPTo,
		},
	})

	// Wire the three-tier healer: L1 rules, L2 planner, L3 escalation,
	// and the pre-check ladder (subscription, maintenance window, circuit
	// breakers, flap detection) all run through a single Handle() call.
	d.healer = healing.NewHealer(d.l1Engine, d.l2Planner, d.l3Router, d.gateStatus)
	d.healer.SetL2Executor(d.executeL2Action)

	// Initialize telemetry reporter for L1/L2 execution data flywheel
	if cfg.APIEndpoint != "" && cfg.APIKey != "" {
		d.telemetry = l2planner.NewTelemetryReporter(cfg.APIEndpoint, cfg.APIKey, cfg.SiteID)
		d.incidents = newIncidentReporter(cfg.APIEndpoint, cfg.APIKey, cfg.SiteID)
		log.Printf("[daemon] Telemetry + incident reporters initialized (endpoint=%s)", cfg.APIEndpoint)
	}

	// Initialize order processor with completion callback
	d.orderProc = centralcommand.NewProcessor(cfg.StateDir, d.ccClient.CompleteOrder)

	// Initialize auto-deployer for zero-friction agent spread
	d.deployer = newAutoDeployer(d)

	// Initialize drift scanner for periodic security checks
	d.scanner = newDriftScanner(d)

	// Override run_drift order stub with real handler that triggers scanner
	d.orderProc.RegisterHandler("run_drift", func(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
		return d.scanner.ForceScan(ctx), nil
	})

	// Override healing order stub with real handler that executes runbooks
	d.orderProc.RegisterHandler("healing", func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		return d.executeHealingOrder(ctx, params)
	})

	// Initialize network scanner for port/reachability checks
	d.netScan = newNetScanner(d)

	// Initialize the local incident store first: crash recovery, flap
	// detection, and learning sync all read from it, and nothing else in
	// the startup order depends on Central Command being reachable.
	incidentStore, err := incidents.Open(cfg.IncidentDBPath())
	if err != nil {
		log.Printf("[daemon] Incident store init failed: %v (flap detection and crash recovery degraded)", err)
	} else {
		d.incidentStore = incidentStore
	}

	// Initialize the offline queue: it backs evidence, pattern-stat, and
	// telemetry delivery regardless of whether evidence upload itself is
	// enabled, since the learning-sync cycle also enqueues onto it.
	offlineQueue, err := queue.Open(cfg.QueueDir())
	if err != nil {
		log.Printf("[daemon] Offline queue init failed: %v (deliveries will be best-effort synchronous)", err)
	} else {
		d.offlineQueue = offlineQueue
	}

	// Initialize evidence submitter for compliance pipeline
	if cfg.EnableEvidenceUpload {
		sigKey, pubHex, err := evidence.LoadOrCreateSigningKey(cfg.SigningKeyPath())
		if err != nil {
			log.Printf("[daemon] Evidence signing key failed: %v (evidence upload disabled)", err)
		} else if d.offlineQueue == nil {
			log.Printf("[daemon] Evidence upload disabled: offline queue unavailable")
		} else {
			d.agentPublicKey = pubHex
			chain := evidence.NewChainStore(filepath.Join(cfg.EvidenceDir(), "chains"))
			bundleDir := filepath.Join(cfg.EvidenceDir(), "bundles")
			if n, rerr := evidence.Reconcile(bundleDir, chain); rerr != nil {
				log.Printf("[daemon] Evidence chain reconciliation failed: %v", rerr)
			} else if n > 0 {
				log.Printf("[daemon] Evidence chain reconciliation advanced %d orphaned bundle(s)", n)
			}
			sealer := evidence.NewSealer(bundleDir, chain, sigKey, pubHex)
			d.evidenceSubmitter = evidence.NewSubmitter(cfg.SiteID, sealer, d.offlineQueue)
			log.Printf("[daemon] Evidence submitter initialized (pubkey=%s...)", pubHex[:12])

			if cfg.EvidenceOTSAnchorEnabled {
				calendars := cfg.EvidenceOTSCalendars
				if len(calendars) == 0 {
					calendars = evidence.DefaultCalendars
				}
				d.evidenceAnchor = evidence.NewAnchor(calendars, true)
				d.evidenceSubmitter.SetAnchor(d.evidenceAnchor)
				log.Printf("[daemon] OTS evidence anchoring enabled (%d calendar servers)", len(calendars))
			}
		}
	}

	// Initialize the learning sync service: its push side degrades
	// gracefully without the incident store (nothing to push), and its
	// pull side works even if the incident store failed to open.
	if d.l1Engine != nil {
		d.learningSync = learningsync.New(cfg.APIEndpoint, cfg.APIKey, cfg.SiteID, cfg.StateDir, d.l1Engine, d.incidentStore, d.offlineQueue)
	}

	// Restore persisted state from prior session (linux targets, L2 mode)
	if saved, err := loadState(cfg.StateDir); err != nil {
		log.Printf("[daemon] Failed to load persisted state: %v", err)
	} else if saved != nil {
		d.linuxTargets = saved.LinuxTargets
		d.l2Mode = saved.L2Mode
		d.subscriptionStatus = saved.SubscriptionStatus
		log.Printf("[daemon] Restored state from disk: %d linux_targets, l2=%s, sub=%s (saved %s ago)",
			len(saved.LinuxTargets), saved.L2Mode, saved.SubscriptionStatus, time.Since(saved.SavedAt).Round(time.Second))
	}

	return d
}

// Run starts the daemon and blocks until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	log.Printf("[daemon] ComplianceWatch Appliance Daemon v%s starting", Version)
	l2Mode := "disabled"
	if d.l2Planner != nil {
		l2Mode = "native"
	}
	log.Printf("[daemon] site_id=%s, poll_interval=%ds, healing=%v, l2=%s",
		d.config.SiteID, d.config.PollInterval, d.config.HealingEnabled, l2Mode)

	// Initialize CA
	if d.config.CADir != "" {
		d.agentCA = ca.New(d.config.CADir)
		if err := d.agentCA.EnsureCA(); err != nil {
			log.Printf("[daemon] CA init failed: %v (cert enrollment disabled)", err)
			d.agentCA = nil
		} else {
			log.Printf("[daemon] CA initialized from %s", d.config.CADir)
		}
	}

	// L2 planner readiness check
	if d.l2Planner != nil {
		if d.l2Planner.IsConnected() {
			log.Printf("[daemon] L2 planner ready (via Central Command)")
		} else {
			log.Printf("[daemon] L2 planner: missing API credentials")
		}
	}

	// Start HTTP file server for agent binary distribution.
	// Domain controllers download the agent binary via Invoke-WebRequest
	// instead of slow WinRM chunk uploads.
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.serveAgentFiles(ctx)
	}()

	// Start gRPC server
	d.grpcSrv = grpcserver.NewServer(grpcserver.Config{
		Port:   d.config.GRPCPort,
		SiteID: d.config.SiteID,
	}, d.registry, d.agentCA)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.grpcSrv.Serve(); err != nil {
			log.Printf("[daemon] gRPC server error: %v", err)
		}
	}()

	// Drain heal channel (process incidents from gRPC drift events)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.processHealRequests(ctx)
	}()

	// Flap-record GC: a light periodic sweep so the flap detector's map
	// doesn't grow unbounded across a long-lived daemon.
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runFlapGC(ctx)
	}()

	// Deferred-heal retry: re-offers maintenance-window/cooldown-deferred
	// incidents to the heal pipeline once the gate may have reopened.
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runDeferredRetry(ctx)
	}()

	// OTS anchor upgrade: re-checks pending calendar-server proofs for a
	// Bitcoin confirmation. No-op when OTS anchoring isn't configured.
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runOTSUpgrade(ctx)
	}()

	// Offline queue sender: drains evidence/pattern-stat/telemetry entries
	// on its own cadence, independent of the main checkin loop.
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runQueueSender(ctx)
	}()

	// Learning sync: pushes pattern stats/telemetry and pulls promoted
	// rules on its own 4-hour cadence, independent of the checkin loop.
	if d.learningSync != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.learningSync.Run(ctx)
		}()
	}

	// Initial checkin
	d.runCheckin(ctx)

	// Main loop
	ticker := time.NewTicker(time.Duration(d.config.PollInterval) * time.Second)
	defer ticker.Stop()

	log.Printf("[daemon] Main loop started (interval: %ds)", d.config.PollInterval)

	// Signal systemd that daemon is fully initialized
	if err := sdnotify.Ready(); err != nil {
		log.Printf("[daemon] sd_notify READY failed: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			log.Println("[daemon] Shutting down...")
			_ = sdnotify.Stopping()
			d.grpcSrv.GracefulStop()
			if d.l2Planner != nil {
				d.l2Planner.Close()
			}
			if d.incidentStore != nil {
				d.incidentStore.Close()
			}
			d.sshExec.CloseAll()

			// Wait for in-flight goroutines with 30s timeout
			done := make(chan struct{})
			go func() {
				d.wg.Wait()
				close(done)
			}()
			select {
			case <-done:
				log.Println("[daemon] All goroutines drained")
			case <-time.After(30 * time.Second):
				log.Println("[daemon] Goroutine drain timed out after 30s")
			}
			return nil
		case <-ticker.C:
			_ = sdnotify.Watchdog()
			d.runCycle(ctx)
		}
	}
}

// runFlapGC periodically prunes stale flap-detector records. The detector
// itself is owned by the healer, not the daemon, so this just asks it to
// sweep on a slow, independent cadence.
func (d *Daemon) runFlapGC(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.healer.FlapGC()
		}
	}
}

// runDeferredRetry periodically re-offers heal requests the pipeline
// deferred (maintenance window not disruptive-safe yet, or still inside a
// (host, check_type) cooldown) back onto HealChan. A request that's still
// gated just gets deferred again by healIncident — this converges once the
// window opens or the cooldown elapses, rather than ever dropping the
// incident.
func (d *Daemon) runDeferredRetry(ctx context.Context) {
	if d.grpcSrv == nil {
		return
	}
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.deferredMu.Lock()
			pending := d.deferred
			d.deferred = nil
			d.deferredMu.Unlock()

			for _, req := range pending {
				select {
				case d.grpcSrv.HealChan <- req:
				default:
					log.Printf("[daemon] HealChan full, dropping deferred retry for %s/%s", req.Hostname, req.CheckType)
				}
			}
		}
	}
}

// runOTSUpgrade periodically asks the evidence anchor to re-check every
// still-pending OTS proof for a Bitcoin confirmation (spec.md §4.6: "1-24h
// later"). A no-op unless OTS anchoring is configured.
func (d *Daemon) runOTSUpgrade(ctx context.Context) {
	if d.evidenceAnchor == nil {
		return
	}
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := d.evidenceAnchor.Upgrade(ctx)
			if n > 0 {
				log.Printf("[daemon] OTS anchor: %d proof(s) upgraded to Bitcoin confirmation", n)
			}
		}
	}
}

// runCycle executes one iteration of the main daemon loop.
func (d *Daemon) runCycle(ctx context.Context) {
	start := time.Now()

	// Phone home to Central Command
	d.runCheckin(ctx)

	// Auto-deploy agents to discovered workstations (zero-friction).
	// Runs async so slow DC responses don't block the main loop.
	// Only deploy when subscription is active — expired sites get drift detection but not healing.
	if d.config.WorkstationEnabled && d.isSubscriptionActive() {
		go d.deployer.runAutoDeployIfNeeded(ctx)
	}

	// Drift scanning: periodic security checks on Windows targets.
	// Detects firewall disabled, rogue users, rogue tasks, stopped services.
	if d.config.WorkstationEnabled {
		go d.scanner.runDriftScanIfNeeded(ctx)
	}

	// Linux drift scanning: periodic security checks on Linux targets.
	// Scans appliance self + any remote linux_targets from checkin response.
	if d.config.EnableDriftDetection {
		go d.scanner.runLinuxScanIfNeeded(ctx)
	}

	// Network scanning: port enumeration + host reachability checks.
	if d.config.EnableDriftDetection {
		go d.netScan.runNetScanIfNeeded(ctx)
	}

	elapsed := time.Since(start)
	log.Printf("[daemon] Cycle complete in %v (agents=%d)",
		elapsed, d.registry.ConnectedCount())
}

// runCheckin sends a checkin to Central Command and processes the response.
func (d *Daemon) runCheckin(ctx context.Context) {
	var req centralcommand.CheckinRequest
	if d.agentPublicKey != "" {
		req = centralcommand.SystemInfoWithKey(d.config.SiteID, Version, d.agentPublicKey)
	} else {
		req = centralcommand.SystemInfo(d.config.SiteID, Version)
	}

	resp, err := d.ccClient.Checkin(ctx, req)
	d.globalBreaker.Record(globalBreakerKey, globalBreakerKey, err == nil)
	if err != nil {
		log.Printf("[daemon] Checkin failed: %v", err)
		return
	}

	log.Printf("[daemon] Checkin OK: appliance=%s, orders=%d, win_targets=%d, linux_targets=%d, triggers=(enum=%v, scan=%v)",
		resp.ApplianceID, len(resp.PendingOrders), len(resp.WindowsTargets), len(resp.LinuxTargets),
		resp.TriggerEnumeration, resp.TriggerImmediateScan)

	// Set appliance ID on telemetry reporter and order processor (received from Central Command)
	if resp.ApplianceID != "" {
		if d.telemetry != nil {
			d.telemetry.SetApplianceID(resp.ApplianceID)
		}
		d.orderProc.SetApplianceID(resp.ApplianceID)
	}

	// Store server public key for order + rules signature verification
	if resp.ServerPublicKey != "" {
		if err := d.orderProc.SetServerPublicKey(resp.ServerPublicKey); err != nil {
			log.Printf("[daemon] Failed to set server public key on order processor: %v", err)
		}
		if d.l1Engine != nil {
			if err := d.l1Engine.SetServerPublicKey(resp.ServerPublicKey); err != nil {
				log.Printf("[daemon] Failed to set server public key on L1 engine: %v", err)
			}
		}
	}

	// Store Linux targets from checkin response
	if len(resp.LinuxTargets) > 0 {
		parsed := parseLinuxTargets(resp.LinuxTargets)
		d.linuxTargetsMu.Lock()
		d.linuxTargets = parsed
		d.linuxTargetsMu.Unlock()
	}

	// Store Windows targets (DC credentials) from checkin response
	if len(resp.WindowsTargets) > 0 {
		d.loadWindowsTargets(resp.WindowsTargets)
	}

	// Store L2 healing mode from checkin response
	if resp.L2Mode != "" {
		d.l2ModeMu.Lock()
		if d.l2Mode != resp.L2Mode {
			log.Printf("[daemon] L2 mode changed: %s → %s", d.l2Mode, resp.L2Mode)
		}
		d.l2Mode = resp.L2Mode
		d.l2ModeMu.Unlock()
	}

	// Store subscription status for healing gating
	if resp.SubscriptionStatus != "" {
		d.subscriptionMu.Lock()
		if d.subscriptionStatus != resp.SubscriptionStatus {
			log.Printf("[daemon] Subscription status changed: %s → %s", d.subscriptionStatus, resp.SubscriptionStatus)
		}
		d.subscriptionStatus = resp.SubscriptionStatus
		d.subscriptionMu.Unlock()
	}

	// Process pending orders via order processor
	if len(resp.PendingOrders) > 0 {
		d.processOrders(ctx, resp.PendingOrders)
	}

	// Persist state to disk for survival across restarts
	d.saveState()
}

// loadWindowsTargets extracts DC/workstation credentials from the checkin response
// and populates the daemon config so drift scanning and auto-deploy can use WinRM.
// Prefers the domain_admin role target as DC; falls back to first valid target.
func (d *Daemon) loadWindowsTargets(targets []map[string]interface{}) {
	var dcHost, dcUser, dcPass string

	// Two passes: first look for domain_admin, then fall back to first valid
	for _, t := range targets {
		hostname, _ := t["hostname"].(string)
		username, _ := t["username"].(string)
		password, _ := t["password"].(string)
		role, _ := t["role"].(string)
		if hostname == "" || username == "" {
			continue
		}

		if role == "domain_admin" {
			dcHost, dcUser, dcPass = hostname, username, password
			break
		}
		// Remember first valid as fallback
		if dcHost == "" {
			dcHost, dcUser, dcPass = hostname, username, password
		}
	}

	if dcHost == "" {
		return
	}

	prev := ""
	if d.config.DomainController != nil {
		prev = *d.config.DomainController
	}
	d.config.DomainController = &dcHost
	d.config.DCUsername = &dcUser
	d.config.DCPassword = &dcPass

	if prev != dcHost {
		log.Printf("[daemon] Windows credentials loaded: dc=%s user=%s", dcHost, dcUser)
	}
}

// processOrders dispatches the orders returned by a checkin response and
// logs each outcome. Completion reporting is handled by the order
// processor's callback (d.ccClient.CompleteOrder), registered at
// construction.
func (d *Daemon) processOrders(ctx context.Context, pending []centralcommand.Order) {
	results := d.orderProc.ProcessAll(ctx, pending)
	for _, r := range results {
		if r.Success {
			log.Printf("[daemon] Order %s completed successfully", r.OrderID)
		} else {
			log.Printf("[daemon] Order %s failed: %s", r.OrderID, r.Error)
		}
	}
}

// serveAgentFiles serves the agent binary directory over HTTP for DC downloads.
// Used by the auto-deploy DC proxy path — DC downloads agent binary via
// Invoke-WebRequest instead of slow WinRM chunk uploads.
func (d *Daemon) serveAgentFiles(ctx context.Context) {
	agentDir := filepath.Join(d.config.StateDir, "agent")
	mux := http.NewServeMux()
	mux.Handle("/agent/", http.StripPrefix("/agent/", http.FileServer(http.Dir(agentDir))))
	d.agentVersionCache = newAgentVersionCache(agentDir)
	mux.Handle("/agent/version.json", d.handleAgentVersion(d.agentVersionCache))

	srv := &http.Server{
		Addr:    ":8090",
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	log.Printf("[daemon] Agent file server on :8090 (serving %s)", agentDir)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("[daemon] Agent file server error: %v", err)
	}
}

// processHealRequests reads from the gRPC server's heal channel and routes
// incidents through the healer's L1→L2→L3 pipeline.
func (d *Daemon) processHealRequests(ctx context.Context) {
	if d.grpcSrv == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-d.grpcSrv.HealChan:
			log.Printf("[daemon] Heal request: %s/%s from %s",
				req.Hostname, req.CheckType, req.AgentID)
			d.healIncident(req)
		}
	}
}

// healIncident builds a healing.Incident from a gRPC drift event and hands
// it to the healer, then reports the outcome for telemetry and the
// dashboard. All gating (subscription, maintenance window, circuit
// breakers, flap detection) and L1→L2→L3 dispatch happens inside Handle.
func (d *Daemon) healIncident(req grpcserver.HealRequest) {
	incidentID := fmt.Sprintf("drift-%s-%s-%d", req.Hostname, req.CheckType, time.Now().UnixMilli())

	// Build incident data map for L1 matching.
	// L1 rules match on "check_type" and "drift_detected" fields,
	// mirroring the Python agent's incident structure.
	data := map[string]interface{}{
		"check_type":     req.CheckType,
		"incident_type":  req.CheckType,
		"drift_detected": true, // drift events always indicate failed checks
		"hostname":       req.Hostname,
		"host_id":        req.Hostname,
		"agent_id":       req.AgentID,
		"expected":       req.Expected,
		"actual":         req.Actual,
		"hipaa_control":  req.HIPAAControl,
		"platform":       "windows", // gRPC drift events come from Windows agents
	}
	for k, v := range req.Metadata {
		data[k] = v
	}

	severity := "high"
	if req.HIPAAControl == "" {
		severity = "medium"
	}

	platform, _ := data["platform"].(string)
	if platform == "" {
		platform = "windows"
	}

	// Report incident to Central Command dashboard (async, fire-and-forget)
	if d.incidents != nil {
		go d.incidents.ReportDriftIncident(req.Hostname, req.CheckType, req.Expected, req.Actual, req.HIPAAControl, severity, platform)
	}

	patternSig := incidents.PatternSignature(req.CheckType, data)

	inc := healing.Incident{
		ID:               incidentID,
		SiteID:           d.config.SiteID,
		HostID:           req.Hostname,
		Platform:         platform,
		CheckType:        req.CheckType,
		IncidentType:     req.CheckType,
		Severity:         severity,
		RawData:          data,
		PatternSignature: patternSig,
	}

	if d.incidentStore != nil {
		if err := d.incidentStore.Record(incidents.Incident{
			ID:               incidentID,
			SiteID:           d.config.SiteID,
			HostID:           req.Hostname,
			CheckType:        req.CheckType,
			Severity:         severity,
			CreatedAt:        time.Now().UTC(),
			RawState:         data,
			PatternSignature: patternSig,
			ResolutionStatus: incidents.StatusOpen,
		}); err != nil {
			log.Printf("[daemon] Incident store record failed for %s: %v", incidentID, err)
		}
	}

	result := d.healer.Handle(inc)

	if d.evidenceSubmitter != nil {
		dryRun := d.config.HealingDryRun
		outcome := evidence.OutcomeFailure
		switch {
		case dryRun:
			outcome = evidence.OutcomeDryRunPlan
			if result.Success {
				outcome = evidence.OutcomeDryRunSuccess
			}
		case result.Success:
			outcome = evidence.OutcomeSuccess
		}
		var controls []string
		if req.HIPAAControl != "" {
			controls = []string{req.HIPAAControl}
		}
		if err := d.evidenceSubmitter.SubmitHealingResult(
			req.Hostname, incidentID, string(result.Tier), outcome, dryRun,
			result.Action, data, nil, controls,
		); err != nil {
			log.Printf("[daemon] evidence submission failed for %s: %v", incidentID, err)
		}
	}

	switch result.Tier {
	case healing.TierL1:
		if result.Success {
			log.Printf("[daemon] L1 healed %s/%s via action=%s", req.Hostname, req.CheckType, result.Action)
			if d.telemetry != nil && result.L1Result != nil {
				go d.telemetry.ReportL1Execution(incidentID, req.Hostname, req.CheckType, result.Action, true, "", result.L1Result.DurationMs)
			}
			if d.incidents != nil {
				go d.incidents.ReportHealed(req.Hostname, req.CheckType, "L1", result.Action)
			}
			d.resolveIncident(incidentID, "l1", "success", result.Action, "")
			// Zero-friction follow-up: a healed firewall drift usually means a
			// GPO keeps turning it back off. Fix the GPO root cause once per DC.
			if req.CheckType == "firewall_status" {
				go d.fixFirewallGPO(req.Hostname)
			}
		} else {
			if d.telemetry != nil && result.L1Result != nil {
				go d.telemetry.ReportL1Execution(incidentID, req.Hostname, req.CheckType, result.Action, false, result.L1Result.Error, result.L1Result.DurationMs)
			}
			errMsg := ""
			if result.L1Result != nil {
				errMsg = result.L1Result.Error
			}
			d.resolveIncident(incidentID, "l1", "failure", result.Action, errMsg)
		}

	case healing.TierL2:
		log.Printf("[daemon] L2 healed %s/%s via action=%s (confidence=%.2f)",
			req.Hostname, req.CheckType, result.Action, result.L2Decision.Confidence)
		if d.l2Planner != nil && result.L2Decision != nil {
			go d.l2Planner.ReportExecution(&l2planner.Incident{
				ID: incidentID, SiteID: d.config.SiteID, HostID: req.Hostname,
				IncidentType: req.CheckType, Severity: severity, RawData: data,
			}, result.L2Decision, result.Success, "", 0)
		}
		if d.incidents != nil {
			go d.incidents.ReportHealed(req.Hostname, req.CheckType, "L2", result.Action)
		}
		outcome := "failure"
		if result.Success {
			outcome = "success"
		}
		d.resolveIncident(incidentID, "l2", outcome, result.Action, "")

	case healing.TierL3:
		log.Printf("[daemon] L3 escalation for %s/%s: %s", req.Hostname, req.CheckType, result.Reason)
		d.escalateIncident(incidentID, "l3", result.Reason)

	case healing.TierSuppressed:
		log.Printf("[daemon] Healing suppressed for %s/%s: %s", req.Hostname, req.CheckType, result.Reason)

	case healing.TierDeferred:
		log.Printf("[daemon] Healing deferred for %s/%s: %s", req.Hostname, req.CheckType, result.Reason)
		d.deferredMu.Lock()
		d.deferred = append(d.deferred, req)
		d.deferredMu.Unlock()
	}
}

// resolveIncident marks an incident resolved in the local store. A store
// error here only logs — the healer has already acted, so the local
// record falling behind never blocks or reverses the action taken.
func (d *Daemon) resolveIncident(incidentID, tier, outcome, output, errMsg string) {
	if d.incidentStore == nil {
		return
	}
	if err := d.incidentStore.SetResolution(incidentID, incidents.StatusResolved, tier, outcome, "", output, errMsg); err != nil {
		log.Printf("[daemon] Incident store resolve failed for %s: %v", incidentID, err)
	}
}

// escalateIncident marks an incident escalated: a terminal state recording
// that no further tier will attempt this incident automatically.
func (d *Daemon) escalateIncident(incidentID, tier, reason string) {
	if d.incidentStore == nil {
		return
	}
	if err := d.incidentStore.SetResolution(incidentID, incidents.StatusEscalated, tier, "failure", "", "", reason); err != nil {
		log.Printf("[daemon] Incident store escalate failed for %s: %v", incidentID, err)
	}
}

// executeL2Action carries out an L2 decision once the healer has already
// confirmed auto-execution is authorized (mode=auto, confidence threshold
// met, not itself escalated). It never decides whether to run — only how.
func (d *Daemon) executeL2Action(inc healing.Incident, decision *l2planner.LLMDecision) (bool, string) {
	platform := stringMeta(inc.RawData, "platform")
	if platform == "" {
		platform = "windows"
	}

	script, _ := decision.ActionParams["script"].(string)
	if script == "" {
		script = decision.RecommendedAction
	}

	runbookID := decision.RunbookID
	if runbookID == "" {
		runbookID = "L2-AUTO-" + inc.ID
	}

	var hipaaControls []string
	if hc := stringMeta(inc.RawData, "hipaa_control"); hc != "" {
		hipaaControls = []string{hc}
	}

	actionParams := extraRunbookParams(decision.ActionParams)

	switch platform {
	case "windows":
		target := d.buildWinRMTarget(inc)
		if target == nil {
			return false, "no WinRM credentials for target"
		}
		result := d.winrmExec.Execute(target, script, runbookID, "l2_auto", 300, 1, 30.0, hipaaControls, actionParams)
		if result.Success {
			log.Printf("[daemon] L2 healed %s/%s via WinRM in %.1fs (hash=%s)",
				inc.HostID, inc.CheckType, result.DurationSecs, result.OutputHash)
			return true, ""
		}
		return false, result.Error

	case "linux":
		target := d.buildSSHTarget(inc)
		if target == nil {
			return false, "no SSH credentials for target"
		}
		result := d.sshExec.Execute(context.Background(), target, script, runbookID, "l2_auto", 60, 1, 5.0, true, hipaaControls, actionParams)
		if result.Success {
			log.Printf("[daemon] L2 healed %s/%s via SSH in %.1fs (hash=%s)",
				inc.HostID, inc.CheckType, result.DurationSecs, result.OutputHash)
			return true, ""
		}
		return false, result.Error

	default:
		return false, fmt.Sprintf("unknown platform: %s", platform)
	}
}

// stringMeta extracts a string value from an incident's raw-data map,
// tolerating absent keys and non-string values.
func stringMeta(data map[string]interface{}, key string) string {
	if v, ok := data[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// buildWinRMTarget creates a WinRM target from the incident's metadata.
// Credentials come from the checkin response's windows_targets list, merged
// into the incident's raw data when the drift event was first reported.
func (d *Daemon) buildWinRMTarget(inc healing.Incident) *winrm.Target {
	username := stringMeta(inc.RawData, "winrm_username")
	password := stringMeta(inc.RawData, "winrm_password")
	ipAddr := stringMeta(inc.RawData, "ip_address")

	if username == "" || password == "" {
		return nil
	}

	hostname := inc.HostID
	if ipAddr != "" {
		hostname = ipAddr
	}

	return &winrm.Target{
		Hostname:  hostname,
		Port:      5986,
		Username:  username,
		Password:  password,
		UseSSL:    true,
		VerifySSL: false, // Tolerate self-signed certs during rollout
	}
}

// buildSSHTarget creates an SSH target from the incident's metadata.
func (d *Daemon) buildSSHTarget(inc healing.Incident) *sshexec.Target {
	username := stringMeta(inc.RawData, "ssh_username")
	password := stringMeta(inc.RawData, "ssh_password")
	key := stringMeta(inc.RawData, "ssh_private_key")
	ipAddr := stringMeta(inc.RawData, "ip_address")

	if username == "" {
		username = "root"
	}
	if password == "" && key == "" {
		return nil
	}

	hostname := inc.HostID
	if ipAddr != "" {
		hostname = ipAddr
	}

	target := &sshexec.Target{
		Hostname: hostname,
		Port:     22,
		Username: username,
	}
	if password != "" {
		target.Password = &password
	}
	if key != "" {
		target.PrivateKey = &key
	}

	return target
}

// fixFirewallGPO runs a PowerShell script on the domain controller to ensure
// the Default Domain Policy GPO has firewall enabled (not disabled).
// This fixes the root cause of recurring firewall drift: a GPO that turns off
// the Windows Firewall, which the L1 healer re-enables, creating a flap loop.
//
// Zero-friction: runs automatically after the first firewall heal, no operator
// intervention required. Only runs once per DC per daemon lifetime.
func (d *Daemon) fixFirewallGPO(triggerHost string) {
	// Need DC credentials
	if d.config.DomainController == nil || *d.config.DomainController == "" {
		return
	}
	if d.config.DCUsername == nil || d.config.DCPassword == nil {
		return
	}

	dc := *d.config.DomainController

	// Only fix once per DC
	if _, done := d.gpoFixDone.LoadOrStore(dc, true); done {
		return
	}

	log.Printf("[daemon] GPO firewall fix: checking Default Domain Policy on %s (triggered by %s)",
		dc, triggerHost)

	target := &winrm.Target{
		Hostname:  dc,
		Port:      5986,
		Username:  *d.config.DCUsername,
		Password:  *d.config.DCPassword,
		UseSSL:    true,
		VerifySSL: false, // Tolerate self-signed certs during rollout
	}

	// PowerShell script that checks and fixes the GPO firewall setting.
	// Uses the GroupPolicy module (available on DCs by default).
	// Checks if Default Domain Policy disables firewall for any profile,
	// and if so, sets all profiles to Enabled.
	gpoFixScript := `
$ErrorActionPreference = 'Stop'
$Result = @{ Changed = $false; Profiles = @{}; Error = $null }

try {
    Import-Module GroupPolicy -ErrorAction Stop

    # Get Default Domain Policy GUID
    $DDPName = "Default Domain Policy"
    $GPO = Get-GPO -Name $DDPName -ErrorAction Stop

    # Registry-based firewall settings in GPO
    # Location: HKLM\SOFTWARE\Policies\Microsoft\WindowsFirewall
    $Profiles = @("DomainProfile", "StandardProfile", "PublicProfile")
    $BasePath = "HKLM\SOFTWARE\Policies\Microsoft\WindowsFirewall"

    foreach ($Profile in $Profiles) {
        $RegPath = "$BasePath\$Profile"
        try {
            $Val = Get-GPRegistryValue -Name $DDPName -Key $RegPath -ValueName "EnableFirewall" -ErrorAction Stop
            $Result.Profiles[$Profile] = @{ CurrentValue = $Val.Value; Type = $Val.Type.ToString() }

            if ($Val.Value -eq 0) {
                # Firewall is DISABLED by GPO — fix it
                Set-GPRegistryValue -Name $DDPName -Key $RegPath -ValueName "EnableFirewall" -Type DWord -Value 1
                $Result.Changed = $true
                $Result.Profiles[$Profile].Fixed = $true
                $Result.Profiles[$Profile].NewValue = 1
            }
        } catch [System.Runtime.InteropServices.COMException] {
            # Registry value not set in GPO — no conflict, firewall not managed by this GPO
            $Result.Profiles[$Profile] = @{ Status = "not_configured" }
        }
    }

    if ($Result.Changed) {
        # Force group policy update on all domain computers
        $Result.GPUpdateTriggered = $true
    }

    $Result.Success = $true
} catch {
    $Result.Error = $_.Exception.Message
    $Result.Success = $false
}

$Result | ConvertTo-Json -Depth 3
`

	result := d.winrmExec.Execute(target, gpoFixScript, "GPO-FW-FIX", "gpo_fix", 120, 1, 30.0, []string{"164.312(a)(1)"})
	if result.Success {
		log.Printf("[daemon] GPO firewall fix completed on %s: output_hash=%s", dc, result.OutputHash)

		// After fixing GPO, force gpupdate on the trigger host
		if triggerHost != dc {
			triggerTarget := d.findWinRMTarget(triggerHost)
			if triggerTarget != nil {
				gpupdateResult := d.winrmExec.Execute(triggerTarget,
					"gpupdate /force /target:computer | Out-Null; @{Updated=$true} | ConvertTo-Json",
					"GPO-FW-UPDATE", "gpo_update", 60, 1, 15.0, nil)
				if gpupdateResult.Success {
					log.Printf("[daemon] GPO update forced on %s", triggerHost)
				}
			}
		}
	} else {
		log.Printf("[daemon] GPO firewall fix failed on %s: %s", dc, result.Error)
		// Allow retry on next occurrence
		d.gpoFixDone.Delete(dc)
	}
}

// findWinRMTarget builds a WinRM target for a hostname using DC credentials.
// Domain admin credentials (from config) work for all domain-joined machines.
func (d *Daemon) findWinRMTarget(hostname string) *winrm.Target {
	if d.config.DCUsername == nil || d.config.DCPassword == nil {
		return nil
	}
	return &winrm.Target{
		Hostname:  hostname,
		Port:      5986,
		Username:  *d.config.DCUsername,
		Password:  *d.config.DCPassword,
		UseSSL:    true,
		VerifySSL: false, // Tolerate self-signed certs during rollout
	}
}
