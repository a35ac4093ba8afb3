// Package centralcommand is the appliance's single point of contact with
// Central Command for check-in and signed order processing/completion. Every outbound call shares one HTTP client so
// connection reuse and TLS settings stay consistent across the appliance.
package centralcommand

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/compliancewatch/appliance/internal/logging"
)

var log = logging.For("centralcommand")

// Client handles all HTTP communication with Central Command.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// New creates a Central Command client. Connection pooling and TLS
// settings are shared across check-in, evidence, and order traffic.
func New(endpoint, apiKey string) *Client {
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        5,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// CheckinRequest is the payload sent on every check-in.
type CheckinRequest struct {
	SiteID              string   `json:"site_id"`
	Hostname            string   `json:"hostname"`
	MACAddress          string   `json:"mac_address"`
	IPAddresses         []string `json:"ip_addresses"`
	UptimeSeconds       int      `json:"uptime_seconds"`
	AgentVersion        string   `json:"agent_version"`
	HasLocalCredentials bool     `json:"has_local_credentials"`
	AgentPublicKey      string   `json:"agent_public_key,omitempty"`
}

// CheckinResponse is Central Command's reply to a check-in.
type CheckinResponse struct {
	Status               string                   `json:"status"`
	ApplianceID          string                   `json:"appliance_id"`
	ServerTime           string                   `json:"server_time"`
	ServerPublicKey      string                   `json:"server_public_key"`
	PendingOrders        []Order                  `json:"pending_orders"`
	WindowsTargets       []map[string]interface{} `json:"windows_targets"`
	LinuxTargets         []map[string]interface{} `json:"linux_targets"`
	EnabledRunbooks      []string                 `json:"enabled_runbooks"`
	TriggerEnumeration   bool                     `json:"trigger_enumeration"`
	TriggerImmediateScan bool                     `json:"trigger_immediate_scan"`
	L2Mode               string                  `json:"l2_mode"`
	SubscriptionStatus   string                   `json:"subscription_status"`
}

// Checkin sends a phone-home check-in to Central Command.
func (c *Client) Checkin(ctx context.Context, req CheckinRequest) (*CheckinResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal checkin: %w", err)
	}

	resp, err := c.post(ctx, "/api/appliances/checkin", body)
	if err != nil {
		return nil, err
	}

	var result CheckinResponse
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("parse checkin response: %w", err)
	}
	return &result, nil
}

// CompleteOrder reports the outcome of a processed order back to Central
// Command. Matches the Processor.CompletionCallback signature so the
// client can be wired in directly as the processor's completion sink.
func (c *Client) CompleteOrder(ctx context.Context, orderID string, success bool, result map[string]interface{}, errMsg string) error {
	payload := map[string]interface{}{
		"order_id": orderID,
		"success":  success,
		"result":   result,
		"error":    errMsg,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal order completion: %w", err)
	}
	_, err = c.post(ctx, fmt.Sprintf("/api/appliances/orders/%s/complete", orderID), body)
	return err
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	url := strings.TrimRight(c.endpoint, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("User-Agent", "ComplianceWatch-Appliance/Go")

	resp, err := c.http.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Str("classification", classifyConnectivityError(err)).Msg("request to central command failed")
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request to %s returned %d: %s", path, resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// classifyConnectivityError turns a transport error into a short label
// usable as a metric/log dimension, without leaking the raw error text
// (which may contain hostnames or addresses) into telemetry.
func classifyConnectivityError(err error) string {
	if err == nil {
		return "ok"
	}
	msg := err.Error()

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return "dns_not_found"
		}
		return "dns_error"
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			if strings.Contains(msg, "connection refused") {
				return "server_down"
			}
			if strings.Contains(msg, "no route to host") || strings.Contains(msg, "network is unreachable") {
				return "network_down"
			}
		}
	}

	if os.IsTimeout(err) || strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "context deadline") {
		return "timeout"
	}
	if strings.Contains(msg, "tls:") || strings.Contains(msg, "certificate") {
		return "tls_error"
	}
	if strings.Contains(msg, "returned 5") {
		return "server_error"
	}
	return "unknown"
}

// SystemInfo gathers local host facts for a check-in request.
func SystemInfo(siteID, version string) CheckinRequest {
	return CheckinRequest{
		SiteID:        siteID,
		Hostname:      getHostname(),
		MACAddress:    getMACAddress(),
		IPAddresses:   getIPAddresses(),
		UptimeSeconds: getUptimeSeconds(),
		AgentVersion:  version,
	}
}

// SystemInfoWithKey returns a check-in request that also advertises the
// agent's own Ed25519 public key, used the first time a host enrolls.
func SystemInfoWithKey(siteID, version, pubKeyHex string) CheckinRequest {
	req := SystemInfo(siteID, version)
	req.AgentPublicKey = pubKeyHex
	return req
}

func getHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

func getMACAddress() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		mac := iface.HardwareAddr.String()
		if mac == "" || strings.HasPrefix(mac, "00:00:00") {
			continue
		}
		return mac
	}
	return ""
}

func getIPAddresses() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var ips []string
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
			ips = append(ips, ipNet.IP.String())
		}
	}
	return ips
}

func getUptimeSeconds() int {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0
	}
	parts := strings.Fields(string(data))
	if len(parts) == 0 {
		return 0
	}
	var seconds float64
	fmt.Sscanf(parts[0], "%f", &seconds)
	return int(seconds)
}
