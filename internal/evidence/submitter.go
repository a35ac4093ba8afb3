package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/compliancewatch/appliance/internal/logging"
	"github.com/compliancewatch/appliance/internal/queue"
)

var log = logging.For("evidence")

// DriftFinding represents a single drift condition found during scanning.
type DriftFinding struct {
	Hostname     string
	CheckType    string
	Expected     string
	Actual       string
	HIPAAControl string
	Severity     string
}

// windowsCheckTypes are the check types the Windows drift scanner produces.
// These must match CATEGORY_CHECKS on Central Command's side.
var windowsCheckTypes = []string{
	"firewall_status",
	"windows_defender",
	"windows_update",
	"audit_logging",
	"rogue_admin_users",
	"rogue_scheduled_tasks",
	"agent_status",
}

// linuxCheckTypes are the check types the Linux/NixOS drift scanner produces.
var linuxCheckTypes = []string{
	"linux_audit_logging",
	"linux_cert_expiry",
	"linux_cron_review",
	"linux_disk_space",
	"linux_failed_services",
	"linux_file_permissions",
	"linux_firewall",
	"linux_kernel_params",
	"linux_log_forwarding",
	"linux_ntp_sync",
	"linux_open_ports",
	"linux_ssh_config",
	"linux_suid_binaries",
	"linux_unattended_upgrades",
	"linux_user_accounts",
}

// Submitter turns drift scan results into sealed, chain-linked evidence
// bundles — one per scanned host — and enqueues them for delivery. The
// bundle is never POSTed synchronously; the offline queue owns delivery
// and retry.
type Submitter struct {
	siteID string
	sealer *Sealer
	queue  *queue.Queue
	anchor *Anchor // nil unless the site is on the OTS-anchoring tier
}

// NewSubmitter creates a Submitter that seals bundles with sealer and
// enqueues them on q.
func NewSubmitter(siteID string, sealer *Sealer, q *queue.Queue) *Submitter {
	return &Submitter{siteID: siteID, sealer: sealer, queue: q}
}

// SetAnchor enables OpenTimestamps calendar anchoring for every bundle
// this Submitter seals from now on. Submission happens asynchronously
// after the bundle is already queued for delivery so a slow or down
// calendar server never delays evidence sealing itself.
func (s *Submitter) SetAnchor(a *Anchor) {
	s.anchor = a
}

func (s *Submitter) maybeAnchor(bundleHash string) {
	if s.anchor == nil || bundleHash == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if _, err := s.anchor.Submit(ctx, bundleHash); err != nil {
			log.Warn().Err(err).Str("bundle_hash", bundleHash).Msg("OTS anchor submission failed")
		}
	}()
}

// BuildAndSubmit packages Windows drift findings into one sealed evidence
// bundle per scanned host and enqueues each for delivery.
//
// Logic: for each scanned host, one check per windowsCheckTypes entry. A
// drift finding for that host+check marks it "fail"; otherwise "pass".
func (s *Submitter) BuildAndSubmit(ctx context.Context, findings []DriftFinding, scannedHosts []string) error {
	return s.buildAndEnqueue(windowsCheckTypes, findings, scannedHosts)
}

// BuildAndSubmitLinux does the same for Linux/NixOS targets, using the
// Linux-specific check type list.
func (s *Submitter) BuildAndSubmitLinux(ctx context.Context, findings []DriftFinding, scannedHosts []string) error {
	return s.buildAndEnqueue(linuxCheckTypes, findings, scannedHosts)
}

func (s *Submitter) buildAndEnqueue(checkTypes []string, findings []DriftFinding, scannedHosts []string) error {
	if len(scannedHosts) == 0 {
		return nil
	}

	driftMap := make(map[string]*DriftFinding, len(findings))
	for i := range findings {
		key := findings[i].Hostname + ":" + findings[i].CheckType
		driftMap[key] = &findings[i]
	}

	var firstErr error
	for _, host := range scannedHosts {
		bundle, err := s.sealHost(checkTypes, driftMap, host)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("seal bundle for %s: %w", host, err)
			}
			continue
		}

		payload, err := json.Marshal(bundle)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("marshal bundle for %s: %w", host, err)
			}
			continue
		}

		if _, err := s.queue.Enqueue("evidence", payload); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("enqueue bundle for %s: %w", host, err)
			}
			continue
		}

		log.Info().Str("host", host).Str("bundle_hash", bundle.BundleHash).
			Int("chain_position", bundle.ChainPosition).Msg("evidence bundle sealed and enqueued")
		s.maybeAnchor(bundle.BundleHash)
	}
	return firstErr
}

// SubmitHealingResult seals and enqueues one evidence bundle for a single
// auto-healer resolution (spec.md §4.6: "created on any scan cycle
// producing a terminal result"; a healing attempt is terminal whether or
// not it succeeded). tier is "l1"/"l2"/"l3"/"suppressed"; outcome must be
// one of the Outcome* constants. Callers in dry-run mode must pass
// dryRun=true and an Outcome* value in {OutcomeDryRunSuccess,
// OutcomeDryRunPlan} — never "success"/"failure" — to satisfy the
// dry-run-purity invariant (spec.md §8, property 7).
func (s *Submitter) SubmitHealingResult(hostID, incidentID, tier, outcome string, dryRun bool, action string, preState, postState map[string]interface{}, frameworkIDs []string) error {
	var actions []string
	if action != "" {
		actions = []string{action}
	}

	bundle := EvidenceBundle{
		SiteID:       s.siteID,
		HostID:       hostID,
		IncidentID:   incidentID,
		CheckedAt:    time.Now().UTC().Format(time.RFC3339),
		HealingTier:  tier,
		Outcome:      outcome,
		DryRun:       dryRun,
		FrameworkIDs: frameworkIDs,
		PreState:     preState,
		PostState:    postState,
		ActionsTaken: actions,
	}

	sealed, err := s.sealer.Seal(bundle)
	if err != nil {
		return fmt.Errorf("seal healing bundle for %s: %w", hostID, err)
	}

	payload, err := json.Marshal(sealed)
	if err != nil {
		return fmt.Errorf("marshal healing bundle for %s: %w", hostID, err)
	}
	if _, err := s.queue.Enqueue("evidence", payload); err != nil {
		return fmt.Errorf("enqueue healing bundle for %s: %w", hostID, err)
	}

	log.Info().Str("host", hostID).Str("incident_id", incidentID).Str("tier", tier).
		Str("outcome", outcome).Str("bundle_hash", sealed.BundleHash).
		Msg("healing evidence bundle sealed and enqueued")
	s.maybeAnchor(sealed.BundleHash)
	return nil
}

func (s *Submitter) sealHost(checkTypes []string, driftMap map[string]*DriftFinding, host string) (*EvidenceBundle, error) {
	postState := make(map[string]interface{}, len(checkTypes))
	compliant, nonCompliant := 0, 0
	var controls []string

	for _, ct := range checkTypes {
		key := host + ":" + ct
		if f, found := driftMap[key]; found {
			postState[ct] = fmt.Sprintf("fail expected=%q actual=%q", f.Expected, f.Actual)
			if f.HIPAAControl != "" {
				controls = append(controls, f.HIPAAControl)
			}
			nonCompliant++
		} else {
			postState[ct] = "pass"
			compliant++
		}
	}
	postState["total_checks"] = compliant + nonCompliant
	postState["compliant"] = compliant
	postState["non_compliant"] = nonCompliant

	outcome := OutcomeSuccess
	if nonCompliant > 0 {
		outcome = OutcomeFailure
	}

	bundle := EvidenceBundle{
		SiteID:       s.siteID,
		HostID:       host,
		CheckedAt:    time.Now().UTC().Format(time.RFC3339),
		HealingTier:  "scan",
		Outcome:      outcome,
		FrameworkIDs: controls,
		PostState:    postState,
	}

	return s.sealer.Seal(bundle)
}
