// Package learningsync runs the periodic push/pull/merge cycle that feeds
// local incident history up to Central Command and brings newly promoted
// L1 rules back down, keeping the L1 engine's ruleset converging across
// the whole fleet without ever blocking healing on it.
package learningsync

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/compliancewatch/appliance/internal/crypto"
	"github.com/compliancewatch/appliance/internal/healing"
	"github.com/compliancewatch/appliance/internal/incidents"
	"github.com/compliancewatch/appliance/internal/logging"
	"github.com/compliancewatch/appliance/internal/queue"
	"gopkg.in/yaml.v3"
)

var log = logging.For("learningsync")

const cursorFileName = "learningsync_cursor.json"

// cursorState tracks how far the push and pull sides of the cycle have
// progressed, so a restart resumes rather than re-sending or re-merging
// from the beginning.
type cursorState struct {
	PushCursor time.Time `json:"push_cursor"`
	PullCursor string    `json:"pull_cursor"`
}

// Service owns the 4-hour learning sync cycle.
type Service struct {
	endpoint    string
	apiKey      string
	siteID      string
	stateDir    string
	client      *http.Client
	engine      *healing.Engine
	store       *incidents.Store
	queue       *queue.Queue
	promotedDir string

	cursor cursorState
}

// New creates a learning sync service. engine and store must already be
// initialized; q may be nil, in which case failed pushes are simply
// retried next cycle instead of being handed off for durable delivery.
func New(endpoint, apiKey, siteID, stateDir string, engine *healing.Engine, store *incidents.Store, q *queue.Queue) *Service {
	s := &Service{
		endpoint: endpoint,
		apiKey:   apiKey,
		siteID:   siteID,
		stateDir: stateDir,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        5,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		engine:      engine,
		store:       store,
		queue:       q,
		promotedDir: filepath.Join(stateDir, "rules", "promoted"),
	}
	s.cursor = loadCursor(s.cursorPath())
	return s
}

func (s *Service) cursorPath() string {
	return filepath.Join(s.stateDir, cursorFileName)
}

func loadCursor(path string) cursorState {
	data, err := os.ReadFile(path)
	if err != nil {
		return cursorState{}
	}
	var c cursorState
	if err := json.Unmarshal(data, &c); err != nil {
		log.Warn().Err(err).Msg("corrupt learning sync cursor, starting fresh")
		return cursorState{}
	}
	return c
}

func (s *Service) saveCursor() {
	data, err := json.Marshal(s.cursor)
	if err != nil {
		log.Warn().Err(err).Msg("failed to marshal learning sync cursor")
		return
	}
	path := s.cursorPath()
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		log.Warn().Err(err).Msg("failed to write learning sync cursor")
		return
	}
	if err := os.Rename(tmpPath, path); err != nil {
		log.Warn().Err(err).Msg("failed to rename learning sync cursor into place")
	}
}

// Run drives the cycle on its own 4-hour cadence until ctx is canceled.
func (s *Service) Run(ctx context.Context) {
	s.RunCycle(ctx)

	ticker := time.NewTicker(4 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle performs one push → pull → merge pass. Each phase is
// independent: a pull failure doesn't undo a successful push, and vice
// versa.
func (s *Service) RunCycle(ctx context.Context) {
	if s.store != nil {
		s.push(ctx)
	}
	if s.engine != nil {
		s.pull(ctx)
	}
}

// push sends pattern-stat and execution-telemetry rollups accumulated
// since the last successful push. A direct POST failure falls back to
// the durable offline queue — the server-side idempotent-by-cursor
// contract means handing the delta off for later durable delivery is as
// good as a confirmed send, so the cursor still advances.
func (s *Service) push(ctx context.Context) {
	since := s.cursor.PushCursor
	now := time.Now().UTC()

	stats, err := s.store.PatternStatsSince(since)
	if err != nil {
		log.Warn().Err(err).Msg("pattern stat rollup failed, push skipped this cycle")
		return
	}
	tiers, err := s.store.TierSummariesSince(since)
	if err != nil {
		log.Warn().Err(err).Msg("tier summary rollup failed, push skipped this cycle")
		return
	}

	if len(stats) > 0 {
		s.pushOrQueue(ctx, "pattern_stat", "/api/agent/sync/pattern-stats", map[string]interface{}{
			"site_id":       s.siteID,
			"since":         since.Format(time.RFC3339Nano),
			"pattern_stats": stats,
		})
	}
	if len(tiers) > 0 {
		s.pushOrQueue(ctx, "telemetry", "/api/agent/executions", map[string]interface{}{
			"site_id":      s.siteID,
			"since":        since.Format(time.RFC3339Nano),
			"tier_summary": tiers,
		})
	}

	s.cursor.PushCursor = now
	s.saveCursor()
}

func (s *Service) pushOrQueue(ctx context.Context, kind, path string, payload map[string]interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Warn().Err(err).Str("kind", kind).Msg("failed to marshal push payload")
		return
	}

	if err := s.postDirect(ctx, path, body); err != nil {
		log.Warn().Err(err).Str("kind", kind).Msg("direct push failed, falling back to offline queue")
		if s.queue != nil {
			if _, qerr := s.queue.Enqueue(kind, body); qerr != nil {
				log.Error().Err(qerr).Str("kind", kind).Msg("offline queue enqueue also failed, delta dropped")
			}
		}
		return
	}
	log.Info().Str("kind", kind).Int("bytes", len(body)).Msg("learning sync push delivered")
}

func (s *Service) postDirect(ctx context.Context, path string, body []byte) error {
	url := strings.TrimRight(s.endpoint, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// rulesSyncResponse is the wire shape of a pulled promoted-rules bundle.
type rulesSyncResponse struct {
	Rules           []*healing.Rule `json:"rules"`
	Cursor          string          `json:"cursor"`
	Signature       string          `json:"signature"`
	ServerPublicKey string          `json:"server_public_key,omitempty"`
}

// pull fetches promoted rules since the last cursor, verifies the bundle's
// signature when it carries one and a server key is known (an unsigned
// bundle is accepted with a warning), merges it with the current builtin/local ruleset, and
// replaces the engine's ruleset atomically. It also persists the
// promoted set to disk so a restart before the next pull still has them.
func (s *Service) pull(ctx context.Context) {
	url := strings.TrimRight(s.endpoint, "/") +
		fmt.Sprintf("/api/agent/sync/rules?site_id=%s&since=%s", s.siteID, s.cursor.PullCursor)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		log.Warn().Err(err).Msg("failed to build rules pull request")
		return
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Msg("rules pull request failed")
		return
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read rules pull response")
		return
	}
	if resp.StatusCode != http.StatusOK {
		log.Warn().Int("status", resp.StatusCode).Msg("rules pull returned non-200")
		return
	}

	var parsed rulesSyncResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		log.Warn().Err(err).Msg("failed to parse rules pull response")
		return
	}
	if len(parsed.Rules) == 0 && parsed.Cursor == s.cursor.PullCursor {
		return
	}

	if parsed.ServerPublicKey != "" {
		if err := s.engine.SetServerPublicKey(parsed.ServerPublicKey); err != nil {
			log.Warn().Err(err).Msg("failed to adopt server public key from rules pull")
		}
	}

	if parsed.Signature != "" && s.engine.HasServerPublicKey() {
		canonicalRules, err := crypto.CanonicalJSONSpaced(parsed.Rules)
		if err != nil {
			log.Error().Err(err).Msg("failed to canonicalize pulled rules for verification")
			return
		}
		if err := s.engine.VerifyRulesBundle(string(canonicalRules), parsed.Signature); err != nil {
			log.Error().Err(err).Msg("promoted rules bundle signature verification failed — discarding bundle")
			return
		}
	} else if s.engine.HasServerPublicKey() {
		log.Warn().Msg("unsigned promoted rules bundle received — accepting until signing is enforced")
	}

	promoted := make([]*healing.Rule, 0, len(parsed.Rules))
	for _, r := range parsed.Rules {
		if r == nil || r.ID == "" {
			continue
		}
		r.Origin = healing.OriginPromoted
		if r.Priority == 0 {
			r.Priority = 5
		}
		promoted = append(promoted, r)
	}

	s.mergeAndReplace(promoted)
	s.persistPromoted(promoted)

	s.cursor.PullCursor = parsed.Cursor
	s.saveCursor()

	log.Info().Int("promoted_rules", len(promoted)).Msg("learning sync pull merged")
}

// mergeAndReplace builds the union of built-ins, locally authored rules,
// and the freshly pulled promoted set — dropping whatever promoted rules
// were in the prior snapshot, since this pull is their full replacement —
// and swaps it into the engine atomically.
func (s *Service) mergeAndReplace(promoted []*healing.Rule) {
	current := s.engine.Snapshot()
	merged := make([]*healing.Rule, 0, len(current)+len(promoted))
	for _, r := range current {
		if r.Origin == healing.OriginPromoted {
			continue
		}
		merged = append(merged, r)
	}
	merged = append(merged, promoted...)
	s.engine.ReplaceRules(merged)
}

// persistPromoted writes the promoted ruleset to the rules directory's
// promoted/ subdirectory as YAML, so LoadRules on the next restart merges
// them back in even before the first post-restart pull completes.
func (s *Service) persistPromoted(promoted []*healing.Rule) {
	if err := os.MkdirAll(s.promotedDir, 0700); err != nil {
		log.Warn().Err(err).Msg("failed to create promoted rules directory")
		return
	}

	type wrapped struct {
		Rules []*healing.Rule `yaml:"rules"`
	}
	data, err := yaml.Marshal(wrapped{Rules: promoted})
	if err != nil {
		log.Warn().Err(err).Msg("failed to marshal promoted rules")
		return
	}

	path := filepath.Join(s.promotedDir, "synced.yaml")
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		log.Warn().Err(err).Msg("failed to write promoted rules file")
		return
	}
	if err := os.Rename(tmpPath, path); err != nil {
		log.Warn().Err(err).Msg("failed to rename promoted rules file into place")
	}
}
