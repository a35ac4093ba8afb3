package healing

// builtinRules returns the appliance's default L1 rule set: one or more
// rules per check_type the drift detectors emit, covering Windows, Linux, and the
// appliance's own NixOS-self checks. Built-ins load at priority 10, the
// lowest precedence tier, so any local or promoted rule with a lower
// priority number always wins the match on a given check_type.
//
// Field names here mirror the CheckType strings the detectors set on each
// DriftResult (firewall_status, bitlocker_status, linux_ssh_config, ...);
// conditions read "check_type" plus whatever detail fields that detector
// attaches to raw_data.
func builtinRules() []*Rule {
	return []*Rule{
		// --- Windows ---
		rule("win-firewall-disabled", "windows firewall profile disabled",
			"windows", []string{"critical", "high"}, 600,
			cond("check_type", OpEquals, "firewall_status"),
			cond("enabled", OpEquals, false),
		).withAction("enable_firewall_profile", nil).
			withHIPAA("164.312(e)(1)").build(),

		rule("win-defender-disabled", "windows defender real-time protection disabled",
			"windows", []string{"critical", "high"}, 600,
			cond("check_type", OpEquals, "windows_defender"),
			cond("real_time_protection", OpEquals, false),
		).withAction("enable_defender_rtp", nil).
			withHIPAA("164.308(a)(5)").build(),

		rule("win-defender-exclusion-added", "unexpected windows defender exclusion",
			"windows", []string{"high", "medium"}, 900,
			cond("check_type", OpEquals, "defender_exclusions"),
			cond("unexpected_exclusion", OpEquals, true),
		).withAction("remove_defender_exclusion", nil).
			withHIPAA("164.308(a)(5)").build(),

		rule("win-update-stalled", "windows update service stopped or stalled",
			"windows", []string{"high", "medium"}, 1800,
			cond("check_type", OpEquals, "windows_update"),
			cond("service_running", OpEquals, false),
		).withAction("start_windows_update_service", nil).
			withHIPAA("164.308(a)(5)").build(),

		rule("win-update-overdue", "windows patch level more than 30 days overdue",
			"windows", []string{"medium"}, 3600,
			cond("check_type", OpEquals, "windows_update"),
			cond("days_since_last_update", OpGTE, 30),
		).withAction("trigger_windows_update_scan", nil).
			withHIPAA("164.308(a)(5)").build(),

		rule("win-audit-logging-disabled", "windows audit logging policy disabled",
			"windows", []string{"critical", "high"}, 600,
			cond("check_type", OpEquals, "audit_logging"),
			cond("enabled", OpEquals, false),
		).withAction("enable_audit_policy", nil).
			withHIPAA("164.312(b)").build(),

		rule("win-rogue-admin-user", "unexpected local administrator account",
			"windows", []string{"critical", "high"}, 0,
			cond("check_type", OpEquals, "rogue_admin_users"),
			cond("rogue_count", OpGreaterThan, 0),
		).withAction("escalate", nil). // account changes always go to a human
			withHIPAA("164.308(a)(4)").noCooldown().build(),

		rule("win-rogue-scheduled-task", "unrecognized scheduled task created",
			"windows", []string{"high", "medium"}, 900,
			cond("check_type", OpEquals, "rogue_scheduled_tasks"),
			cond("rogue_count", OpGreaterThan, 0),
		).withAction("disable_rogue_scheduled_task", nil).
			withHIPAA("164.308(a)(5)").build(),

		rule("win-bitlocker-off", "bitlocker protection off on system volume",
			"windows", []string{"critical"}, 1800,
			cond("check_type", OpEquals, "bitlocker_status"),
			cond("protection_on", OpEquals, false),
		).withAction("enable_bitlocker", nil).
			withHIPAA("164.312(a)(2)(iv)").build(),

		rule("win-smb-signing-disabled", "smb signing not required",
			"windows", []string{"high"}, 1800,
			cond("check_type", OpEquals, "smb_signing"),
			cond("required", OpEquals, false),
		).withAction("require_smb_signing", nil).
			withHIPAA("164.312(e)(1)").build(),

		rule("win-smb1-enabled", "deprecated smbv1 protocol enabled",
			"windows", []string{"high"}, 1800,
			cond("check_type", OpEquals, "smb1_protocol"),
			cond("enabled", OpEquals, true),
		).withAction("disable_smb1", nil).
			withHIPAA("164.312(e)(1)").build(),

		rule("win-screen-lock-policy", "screen lock timeout exceeds policy",
			"windows", []string{"medium"}, 1800,
			cond("check_type", OpEquals, "screen_lock_policy"),
			cond("timeout_seconds", OpGreaterThan, 900),
		).withAction("set_screen_lock_policy", nil).
			withHIPAA("164.312(a)(2)(iii)").build(),

		rule("win-dns-config-drift", "dns server list drifted from baseline",
			"windows", []string{"medium", "low"}, 1800,
			cond("check_type", OpEquals, "dns_config"),
			cond("drifted", OpEquals, true),
		).withAction("restore_dns_config", nil).build(),

		rule("win-network-profile-public", "network profile set to public on managed interface",
			"windows", []string{"high", "medium"}, 1800,
			cond("check_type", OpEquals, "network_profile"),
			cond("profile", OpEquals, "public"),
		).withAction("set_network_profile_private", nil).
			withHIPAA("164.312(e)(1)").build(),

		rule("win-password-policy-weak", "password policy weaker than baseline",
			"windows", []string{"high"}, 3600,
			cond("check_type", OpEquals, "password_policy"),
			cond("meets_baseline", OpEquals, false),
		).withAction("restore_password_policy", nil).
			withHIPAA("164.308(a)(5)").build(),

		rule("win-rdp-nla-disabled", "rdp network level authentication disabled",
			"windows", []string{"critical", "high"}, 1800,
			cond("check_type", OpEquals, "rdp_nla"),
			cond("enabled", OpEquals, false),
		).withAction("enable_rdp_nla", nil).
			withHIPAA("164.312(e)(1)").build(),

		rule("win-guest-account-enabled", "guest account enabled",
			"windows", []string{"high"}, 1800,
			cond("check_type", OpEquals, "guest_account"),
			cond("enabled", OpEquals, true),
		).withAction("disable_guest_account", nil).
			withHIPAA("164.308(a)(4)").build(),

		rule("win-agent-status-stale", "endpoint agent has not checked in",
			"windows", []string{"high", "medium"}, 1800,
			cond("check_type", OpEquals, "agent_status"),
			cond("stale", OpEquals, true),
		).withAction("restart_agent_service", nil).disruptive().build(),

		rule("win-firewall-gpo-drift", "firewall drift caused by stale domain gpo",
			"windows", []string{"high"}, 3600,
			cond("check_type", OpEquals, "firewall_status"),
			cond("gpo_root_cause", OpEquals, true),
		).withAction("fix_domain_gpo", nil).
			withHIPAA("164.312(e)(1)").build(),

		// --- Linux / NixOS ---
		rule("lin-firewall-disabled", "linux firewall inactive",
			"linux", []string{"critical", "high"}, 600,
			cond("check_type", OpEquals, "linux_firewall"),
			cond("active", OpEquals, false),
		).withAction("enable_linux_firewall", nil).
			withHIPAA("164.312(e)(1)").build(),

		rule("lin-ssh-root-login", "ssh permits root login",
			"linux", []string{"critical", "high"}, 1800,
			cond("check_type", OpEquals, "linux_ssh_config"),
			cond("permit_root_login", OpEquals, true),
		).withAction("disable_ssh_root_login", nil).
			withHIPAA("164.312(e)(1)").build(),

		rule("lin-ssh-password-auth", "ssh permits password authentication",
			"linux", []string{"high"}, 1800,
			cond("check_type", OpEquals, "linux_ssh_config"),
			cond("password_authentication", OpEquals, true),
		).withAction("disable_ssh_password_auth", nil).
			withHIPAA("164.312(d)").build(),

		rule("lin-failed-service", "essential service failed",
			"linux", []string{"critical", "high"}, 300,
			cond("check_type", OpEquals, "linux_failed_services"),
			cond("failed_count", OpGreaterThan, 0),
		).withAction("restart_failed_service", nil).disruptive().build(),

		rule("lin-disk-space-low", "disk usage above threshold",
			"linux", []string{"high", "medium"}, 1800,
			cond("check_type", OpEquals, "linux_disk_space"),
			cond("used_percent", OpGTE, 90),
		).withAction("clean_disk_space", nil).build(),

		rule("lin-suid-binary-new", "unexpected suid binary found",
			"linux", []string{"critical", "high"}, 0,
			cond("check_type", OpEquals, "linux_suid_binaries"),
			cond("unexpected_count", OpGreaterThan, 0),
		).withAction("escalate", nil).
			withHIPAA("164.308(a)(4)").noCooldown().build(),

		rule("lin-audit-logging-disabled", "auditd not running",
			"linux", []string{"critical", "high"}, 600,
			cond("check_type", OpEquals, "linux_audit_logging"),
			cond("running", OpEquals, false),
		).withAction("start_auditd", nil).
			withHIPAA("164.312(b)").build(),

		rule("lin-ntp-unsynced", "time sync drifted beyond tolerance",
			"linux", []string{"medium"}, 1800,
			cond("check_type", OpEquals, "linux_ntp_sync"),
			cond("synced", OpEquals, false),
		).withAction("restart_time_sync", nil).disruptive().build(),

		rule("lin-kernel-params-drift", "hardening kernel parameter reverted",
			"linux", []string{"high", "medium"}, 1800,
			cond("check_type", OpEquals, "linux_kernel_params"),
			cond("compliant", OpEquals, false),
		).withAction("restore_kernel_params", nil).
			withHIPAA("164.312(e)(1)").build(),

		rule("lin-open-port-unexpected", "unexpected listening port",
			"linux", []string{"high", "medium"}, 900,
			cond("check_type", OpEquals, "linux_open_ports"),
			cond("unexpected_count", OpGreaterThan, 0),
		).withAction("close_unexpected_port", nil).
			withHIPAA("164.312(e)(1)").build(),

		rule("lin-user-account-rogue", "unrecognized local user account",
			"linux", []string{"critical", "high"}, 0,
			cond("check_type", OpEquals, "linux_user_accounts"),
			cond("rogue_count", OpGreaterThan, 0),
		).withAction("escalate", nil).
			withHIPAA("164.308(a)(4)").noCooldown().build(),

		rule("lin-file-permissions-drift", "sensitive file permissions widened",
			"linux", []string{"high"}, 1800,
			cond("check_type", OpEquals, "linux_file_permissions"),
			cond("compliant", OpEquals, false),
		).withAction("restore_file_permissions", nil).
			withHIPAA("164.312(a)(1)").build(),

		rule("lin-unattended-upgrades-off", "automatic security updates disabled",
			"linux", []string{"medium"}, 3600,
			cond("check_type", OpEquals, "linux_unattended_upgrades"),
			cond("enabled", OpEquals, false),
		).withAction("enable_unattended_upgrades", nil).
			withHIPAA("164.308(a)(5)").build(),

		rule("lin-log-forwarding-down", "log forwarding to central command interrupted",
			"linux", []string{"high", "medium"}, 1800,
			cond("check_type", OpEquals, "linux_log_forwarding"),
			cond("connected", OpEquals, false),
		).withAction("restart_log_forwarder", nil).
			withHIPAA("164.312(b)").disruptive().build(),

		rule("lin-cron-job-unreviewed", "new unreviewed cron job detected",
			"linux", []string{"medium", "low"}, 1800,
			cond("check_type", OpEquals, "linux_cron_review"),
			cond("unreviewed_count", OpGreaterThan, 0),
		).withAction("flag_cron_job_for_review", nil).build(),

		rule("lin-cert-expiry-soon", "tls certificate expiring within 14 days",
			"linux", []string{"high", "medium"}, 3600,
			cond("check_type", OpEquals, "linux_cert_expiry"),
			cond("days_remaining", OpLTE, 14),
		).withAction("renew_certificate", nil).build(),

		// --- Network ---
		rule("net-unexpected-port", "unexpected open port on network perimeter",
			"linux", []string{"high", "medium"}, 900,
			cond("check_type", OpEquals, "net_unexpected_ports"),
			cond("unexpected_count", OpGreaterThan, 0),
		).withAction("close_unexpected_port", nil).
			withHIPAA("164.312(e)(1)").build(),

		rule("net-expected-service-down", "expected network service unreachable",
			"linux", []string{"critical", "high"}, 300,
			cond("check_type", OpEquals, "net_expected_service"),
			cond("reachable", OpEquals, false),
		).withAction("restart_network_service", nil).disruptive().build(),

		rule("net-host-unreachable", "monitored host unreachable",
			"linux", []string{"high", "medium"}, 300,
			cond("check_type", OpEquals, "net_host_reachability"),
			cond("reachable", OpEquals, false),
		).withAction("escalate", nil).noCooldown().build(),

		rule("net-dns-resolution-failed", "dns resolution failing for internal zone",
			"linux", []string{"high", "medium"}, 600,
			cond("check_type", OpEquals, "net_dns_resolution"),
			cond("resolving", OpEquals, false),
		).withAction("restart_dns_resolver", nil).disruptive().build(),

		// --- Appliance self-checks (NixOS) ---
		rule("self-generation-mismatch", "appliance nixos generation does not match expected",
			"nixos", []string{"high", "medium"}, 1800,
			cond("check_type", OpEquals, "self_generation"),
			cond("matches_expected", OpEquals, false),
		).withAction("report_generation_drift", nil).build(),

		rule("self-disk-usage-high", "appliance root disk usage above threshold",
			"nixos", []string{"high", "medium"}, 1800,
			cond("check_type", OpEquals, "self_disk_usage"),
			cond("used_percent", OpGTE, 85),
		).withAction("clean_disk_space", nil).build(),

		rule("self-chrony-unsynced", "appliance clock not synced via chrony",
			"nixos", []string{"medium"}, 1800,
			cond("check_type", OpEquals, "self_chrony_sync"),
			cond("synced", OpEquals, false),
		).withAction("restart_time_sync", nil).disruptive().build(),

		rule("self-service-down", "appliance essential service not running",
			"nixos", []string{"critical", "high"}, 300,
			cond("check_type", OpEquals, "self_service_liveness"),
			cond("running", OpEquals, false),
		).withAction("restart_failed_service", nil).disruptive().build(),

		rule("self-firewall-posture-drift", "appliance firewall posture drifted from baseline",
			"nixos", []string{"critical", "high"}, 600,
			cond("check_type", OpEquals, "self_firewall_posture"),
			cond("compliant", OpEquals, false),
		).withAction("enable_linux_firewall", nil).
			withHIPAA("164.312(e)(1)").build(),
	}
}

// --- rule builder: a small internal DSL so the table above stays readable ---

type ruleBuilder struct {
	r *Rule
}

func cond(field string, op MatchOperator, value interface{}) RuleCondition {
	return RuleCondition{Field: field, Operator: op, Value: value}
}

func rule(id, description, platform string, severities []string, cooldownSeconds int, conds ...RuleCondition) *ruleBuilder {
	return &ruleBuilder{r: &Rule{
		ID:              id,
		Name:            id,
		Description:     description,
		Conditions:      conds,
		SeverityFilter:  severities,
		Platform:        platform,
		Enabled:         true,
		Priority:        10,
		CooldownSeconds: cooldownSeconds,
		MaxRetries:      1,
		Origin:          OriginBuiltin,
		ActionParams:    map[string]interface{}{},
	}}
}

func (b *ruleBuilder) withAction(action string, params map[string]interface{}) *ruleBuilder {
	b.r.Action = action
	if params != nil {
		b.r.ActionParams = params
	}
	return b
}

func (b *ruleBuilder) withHIPAA(controls ...string) *ruleBuilder {
	b.r.HIPAAControls = controls
	return b
}

// disruptive marks a rule's action as interrupting availability (service
// restart, host reboot), gating it behind the maintenance window.
func (b *ruleBuilder) disruptive() *ruleBuilder {
	b.r.Disruptive = true
	return b
}

// noCooldown leaves a rule that always requires human attention (escalate)
// without a rule-specific cooldown: CooldownSeconds is 0, which the
// healer's cooldown tracker replaces with its 300s default.
func (b *ruleBuilder) noCooldown() *ruleBuilder {
	b.r.CooldownSeconds = 0
	return b
}

func (b *ruleBuilder) build() *Rule {
	return b.r
}
