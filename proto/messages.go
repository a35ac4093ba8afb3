// Package proto defines the wire messages and service contract for the
// Go agent <-> appliance gRPC intake service (spec.md §4.10).
//
// The teacher (jbouey-msp-flake) generates this package from a .proto file
// via protoc-gen-go/protoc-gen-go-grpc; neither the .proto source nor the
// generated output is present anywhere in the retrieval pack. Rather than
// fabricate a fake generated package, these messages are hand-written
// JSON-tagged Go structs, carried over the real google.golang.org/grpc
// transport through a hand-written codec (see codec.go) registered under
// the "proto" content-subtype grpc-go otherwise reserves for
// protoc-generated messages. See DESIGN.md for the full rationale.
package proto

// CapabilityTier describes how much autonomy an agent is permitted.
type CapabilityTier int32

const (
	CapabilityTier_MONITOR_ONLY CapabilityTier = 0
	CapabilityTier_L1_HEAL      CapabilityTier = 1
	CapabilityTier_L2_HEAL      CapabilityTier = 2
)

// RegisterRequest is sent once by an agent on first connect.
type RegisterRequest struct {
	Hostname          string   `json:"hostname"`
	OsVersion         string   `json:"os_version"`
	AgentVersion      string   `json:"agent_version"`
	InstalledSoftware []string `json:"installed_software,omitempty"`
	MacAddress        string   `json:"mac_address,omitempty"`
	NeedsCertificates bool     `json:"needs_certificates"`
}

// RegisterResponse tells the agent how to behave and, optionally, issues
// mTLS enrollment material.
type RegisterResponse struct {
	AgentId              string            `json:"agent_id"`
	CheckIntervalSeconds int64             `json:"check_interval_seconds"`
	EnabledChecks        []string          `json:"enabled_checks,omitempty"`
	CapabilityTier       CapabilityTier    `json:"capability_tier"`
	CheckConfig          map[string]string `json:"check_config,omitempty"`
	CaCertPem            []byte            `json:"ca_cert_pem,omitempty"`
	AgentCertPem         []byte            `json:"agent_cert_pem,omitempty"`
	AgentKeyPem          []byte            `json:"agent_key_pem,omitempty"`
}

// DriftEvent reports a single compliance check result from an agent.
type DriftEvent struct {
	AgentId      string            `json:"agent_id"`
	Hostname     string            `json:"hostname"`
	CheckType    string            `json:"check_type"`
	Passed       bool              `json:"passed"`
	Expected     string            `json:"expected,omitempty"`
	Actual       string            `json:"actual,omitempty"`
	HipaaControl string            `json:"hipaa_control,omitempty"`
	Timestamp    int64             `json:"timestamp"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// DriftAck acknowledges a DriftEvent, optionally carrying an immediate
// heal command for the agent to run.
type DriftAck struct {
	EventId     string       `json:"event_id"`
	Received    bool         `json:"received"`
	HealCommand *HealCommand `json:"heal_command,omitempty"`
}

// HealCommand instructs an agent to remediate a failing check.
type HealCommand struct {
	CommandId      string            `json:"command_id"`
	CheckType      string            `json:"check_type"`
	Action         string            `json:"action"`
	Params         map[string]string `json:"params,omitempty"`
	TimeoutSeconds int64             `json:"timeout_seconds"`
}

// HealingResult reports the outcome of a heal command an agent executed.
type HealingResult struct {
	AgentId   string            `json:"agent_id"`
	Hostname  string            `json:"hostname"`
	CheckType string            `json:"check_type"`
	Success   bool              `json:"success"`
	Timestamp int64             `json:"timestamp"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
}

// HealingAck acknowledges a HealingResult.
type HealingAck struct {
	EventId  string `json:"event_id"`
	Received bool   `json:"received"`
}

// HeartbeatRequest is sent periodically by a connected agent.
type HeartbeatRequest struct {
	AgentId   string `json:"agent_id"`
	Timestamp int64  `json:"timestamp"`
}

// HeartbeatResponse delivers queued commands and config-change signals.
type HeartbeatResponse struct {
	Acknowledged    bool           `json:"acknowledged"`
	ConfigChanged   bool           `json:"config_changed"`
	PendingCommands []*HealCommand `json:"pending_commands,omitempty"`
}

// RMMStatusReport reports remote-monitoring-and-management agents detected
// on the host (used for MSP tooling-conflict detection).
type RMMStatusReport struct {
	AgentId        string      `json:"agent_id"`
	Hostname       string      `json:"hostname"`
	DetectedAgents []*RMMAgent `json:"detected_agents,omitempty"`
	Timestamp      int64       `json:"timestamp"`
}

// RMMAgent describes one detected RMM agent process/service.
type RMMAgent struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Running     bool   `json:"running"`
	ServiceName string `json:"service_name"`
}

// RMMAck acknowledges an RMMStatusReport.
type RMMAck struct {
	Received bool `json:"received"`
}
