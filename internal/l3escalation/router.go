// Package l3escalation routes incidents that neither L1 rules nor the L2
// planner could resolve to a human operator, through whichever notification
// channels the site has configured. A channel failing to deliver never
// blocks the others — the router tries every configured channel and
// reports which ones succeeded.
package l3escalation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"time"

	"github.com/compliancewatch/appliance/internal/logging"
	"github.com/slack-go/slack"
)

var log = logging.For("l3escalation")

// Ticket is the escalation payload handed to every configured channel.
type Ticket struct {
	IncidentID   string                 `json:"incident_id"`
	SiteID       string                 `json:"site_id"`
	HostID       string                 `json:"host_id"`
	IncidentType string                 `json:"incident_type"`
	Severity     string                 `json:"severity"`
	Reason       string                 `json:"reason"` // e.g. "flap_detected", "l2_low_confidence", "l2_requires_approval"
	Summary      string                 `json:"summary"`
	Context      map[string]interface{} `json:"context,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// ChannelResult records whether a single channel accepted the ticket.
type ChannelResult struct {
	Channel string
	Success bool
	Error   error
}

// SlackConfig configures the Slack channel.
type SlackConfig struct {
	Token   string
	Channel string
}

// PagerDutyConfig configures the generic PagerDuty Events v2 webhook.
type PagerDutyConfig struct {
	RoutingKey string
	Endpoint   string // defaults to https://events.pagerduty.com/v2/enqueue
}

// WebhookConfig configures a generic JSON webhook receiver.
type WebhookConfig struct {
	URL     string
	Headers map[string]string
}

// SMTPConfig configures email delivery.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// Config is the full set of configured channels. Any zero-value sub-config
// is skipped.
type Config struct {
	Slack     SlackConfig
	PagerDuty PagerDutyConfig
	Webhook   WebhookConfig
	SMTP      SMTPConfig
}

// Router dispatches a Ticket to every configured channel.
type Router struct {
	cfg        Config
	slack      *slack.Client
	httpClient *http.Client
}

// New creates a Router from the given channel configuration.
func New(cfg Config) *Router {
	r := &Router{cfg: cfg, httpClient: &http.Client{Timeout: 10 * time.Second}}
	if cfg.Slack.Token != "" {
		r.slack = slack.New(cfg.Slack.Token)
	}
	return r
}

// Route delivers the ticket to every configured channel and returns a
// per-channel result. The caller logs or persists this in the incident's
// audit trail; no channel failure halts this loop.
func (r *Router) Route(t Ticket) []ChannelResult {
	var results []ChannelResult

	if r.slack != nil {
		results = append(results, r.sendSlack(t))
	}
	if r.cfg.PagerDuty.RoutingKey != "" {
		results = append(results, r.sendPagerDuty(t))
	}
	if r.cfg.Webhook.URL != "" {
		results = append(results, r.sendWebhook(t))
	}
	if len(r.cfg.SMTP.To) > 0 {
		results = append(results, r.sendEmail(t))
	}

	if len(results) == 0 {
		log.Warn().Str("incident_id", t.IncidentID).Msg("no L3 escalation channel configured — ticket not delivered anywhere")
	}

	return results
}

func (r *Router) sendSlack(t Ticket) ChannelResult {
	text := fmt.Sprintf(":rotating_light: *%s* escalation for `%s` on `%s` (%s): %s",
		t.Severity, t.IncidentType, t.HostID, t.Reason, t.Summary)

	_, _, err := r.slack.PostMessage(r.cfg.Slack.Channel, slack.MsgOptionText(text, false))
	if err != nil {
		log.Error().Err(err).Str("incident_id", t.IncidentID).Msg("slack escalation failed")
	}
	return ChannelResult{Channel: "slack", Success: err == nil, Error: err}
}

type pagerDutyEvent struct {
	RoutingKey  string                 `json:"routing_key"`
	EventAction string                 `json:"event_action"`
	Payload     pagerDutyPayload       `json:"payload"`
	Client      string                 `json:"client,omitempty"`
	Links       []map[string]string    `json:"links,omitempty"`
	Context     map[string]interface{} `json:"-"`
}

type pagerDutyPayload struct {
	Summary  string `json:"summary"`
	Source   string `json:"source"`
	Severity string `json:"severity"`
}

func (r *Router) sendPagerDuty(t Ticket) ChannelResult {
	endpoint := r.cfg.PagerDuty.Endpoint
	if endpoint == "" {
		endpoint = "https://events.pagerduty.com/v2/enqueue"
	}

	event := pagerDutyEvent{
		RoutingKey:  r.cfg.PagerDuty.RoutingKey,
		EventAction: "trigger",
		Client:      "compliancewatch-appliance",
		Payload: pagerDutyPayload{
			Summary:  t.Summary,
			Source:   t.HostID,
			Severity: pagerDutySeverity(t.Severity),
		},
	}

	body, err := json.Marshal(event)
	if err != nil {
		return ChannelResult{Channel: "pagerduty", Success: false, Error: err}
	}

	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return ChannelResult{Channel: "pagerduty", Success: false, Error: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		log.Error().Err(err).Str("incident_id", t.IncidentID).Msg("pagerduty escalation failed")
		return ChannelResult{Channel: "pagerduty", Success: false, Error: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		err := fmt.Errorf("pagerduty returned status %d", resp.StatusCode)
		return ChannelResult{Channel: "pagerduty", Success: false, Error: err}
	}

	return ChannelResult{Channel: "pagerduty", Success: true}
}

func pagerDutySeverity(severity string) string {
	switch severity {
	case "critical":
		return "critical"
	case "high":
		return "error"
	case "medium":
		return "warning"
	default:
		return "info"
	}
}

func (r *Router) sendWebhook(t Ticket) ChannelResult {
	body, err := json.Marshal(t)
	if err != nil {
		return ChannelResult{Channel: "webhook", Success: false, Error: err}
	}

	req, err := http.NewRequest(http.MethodPost, r.cfg.Webhook.URL, bytes.NewReader(body))
	if err != nil {
		return ChannelResult{Channel: "webhook", Success: false, Error: err}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range r.cfg.Webhook.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		log.Error().Err(err).Str("incident_id", t.IncidentID).Msg("webhook escalation failed")
		return ChannelResult{Channel: "webhook", Success: false, Error: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		err := fmt.Errorf("webhook returned status %d", resp.StatusCode)
		return ChannelResult{Channel: "webhook", Success: false, Error: err}
	}

	return ChannelResult{Channel: "webhook", Success: true}
}

func (r *Router) sendEmail(t Ticket) ChannelResult {
	addr := fmt.Sprintf("%s:%d", r.cfg.SMTP.Host, r.cfg.SMTP.Port)

	var auth smtp.Auth
	if r.cfg.SMTP.Username != "" {
		auth = smtp.PlainAuth("", r.cfg.SMTP.Username, r.cfg.SMTP.Password, r.cfg.SMTP.Host)
	}

	subject := fmt.Sprintf("[%s] %s escalation: %s on %s", t.Severity, t.Reason, t.IncidentType, t.HostID)
	body := fmt.Sprintf("Incident: %s\nSite: %s\nHost: %s\nReason: %s\n\n%s\n",
		t.IncidentID, t.SiteID, t.HostID, t.Reason, t.Summary)
	msg := fmt.Sprintf("Subject: %s\r\n\r\n%s", subject, body)

	err := smtp.SendMail(addr, auth, r.cfg.SMTP.From, r.cfg.SMTP.To, []byte(msg))
	if err != nil {
		log.Error().Err(err).Str("incident_id", t.IncidentID).Msg("email escalation failed")
	}
	return ChannelResult{Channel: "email", Success: err == nil, Error: err}
}
