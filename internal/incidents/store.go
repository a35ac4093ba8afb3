// Package incidents implements the appliance's durable incident store: a
// local, crash-safe record of every drift-triggered incident and how the
// three-tier healer resolved it, indexed for flap detection and learning.
package incidents

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/compliancewatch/appliance/internal/crypto"
	"github.com/compliancewatch/appliance/internal/logging"
)

var log = logging.For("incidents")

// Resolution status values. Resolved and Escalated are terminal: an
// incident in either state can never transition back to Open or Resolving.
const (
	StatusOpen      = "open"
	StatusResolving = "resolving"
	StatusResolved  = "resolved"
	StatusEscalated = "escalated"
)

// Incident mirrors the data model's Incident entity. RawState is opaque
// key-value drift context captured at creation time; PatternSignature is a
// stable hash over its normalized form, used by flap detection and the
// learning-sync pattern-stat pipeline to recognize recurring incidents.
type Incident struct {
	ID               string
	SiteID           string
	HostID           string
	CheckType        string
	Severity         string
	CreatedAt        time.Time
	RawState         map[string]interface{}
	PatternSignature string
	ResolutionStatus string
	ResolutionTier   string // "", "l1", "l2", "l3"
	Outcome          string // "", "success", "failure"
	RunbookID        string
	Output           string
	Error            string
	ResolvedAt       *time.Time
}

// Store is the incident store, backed by a pure-Go SQLite database so the
// appliance image needs no cgo toolchain.
type Store struct {
	db *sql.DB
}

// Open creates or opens the incident database at path, running migrations
// idempotently. A single connection is enforced (matching the single-
// writer model the rest of the appliance's durable state follows) since
// SQLite's WAL mode still serializes writers.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("incident store path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create incident store dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open incident store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS incidents (
			id                TEXT PRIMARY KEY,
			site_id           TEXT NOT NULL,
			host_id           TEXT NOT NULL,
			check_type        TEXT NOT NULL,
			severity          TEXT NOT NULL,
			created_at        TEXT NOT NULL,
			raw_state         TEXT NOT NULL,
			pattern_signature TEXT NOT NULL,
			resolution_status TEXT NOT NULL,
			resolution_tier   TEXT NOT NULL DEFAULT '',
			outcome           TEXT NOT NULL DEFAULT '',
			runbook_id        TEXT NOT NULL DEFAULT '',
			output            TEXT NOT NULL DEFAULT '',
			error             TEXT NOT NULL DEFAULT '',
			resolved_at       TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_pattern
			ON incidents (pattern_signature, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_site_host_check
			ON incidents (site_id, host_id, check_type);`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_created_at
			ON incidents (created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_open
			ON incidents (resolution_status, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate incident store: %w", err)
		}
	}
	return nil
}

// PatternSignature computes the stable hash used to recognize recurring
// incidents across scan cycles: a sha256 over the canonical-JSON form of
// checkType plus the raw state, so semantically equal states always
// collide to the same signature regardless of map iteration order.
func PatternSignature(checkType string, rawState map[string]interface{}) string {
	payload := map[string]interface{}{
		"check_type": checkType,
		"raw_state":  rawState,
	}
	canon, err := crypto.CanonicalJSON(payload)
	if err != nil {
		// Falls back to a signature scoped to check type alone rather than
		// failing incident creation outright; flap detection degrades to
		// per-check-type granularity for this one incident.
		log.Warn().Err(err).Str("check_type", checkType).Msg("pattern signature fallback")
		return "checktype:" + checkType
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])
}

// Record inserts a new incident. Incidents are immutable at creation time
// except for the resolution fields, which SetResolution later mutates.
func (s *Store) Record(inc Incident) error {
	if inc.ResolutionStatus == "" {
		inc.ResolutionStatus = StatusOpen
	}
	rawJSON, err := json.Marshal(inc.RawState)
	if err != nil {
		return fmt.Errorf("marshal raw_state: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO incidents (
			id, site_id, host_id, check_type, severity, created_at,
			raw_state, pattern_signature, resolution_status,
			resolution_tier, outcome, runbook_id, output, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.ID, inc.SiteID, inc.HostID, inc.CheckType, inc.Severity,
		inc.CreatedAt.UTC().Format(time.RFC3339Nano), string(rawJSON),
		inc.PatternSignature, inc.ResolutionStatus,
		inc.ResolutionTier, inc.Outcome, inc.RunbookID, inc.Output, inc.Error,
	)
	if err != nil {
		return fmt.Errorf("record incident %s: %w", inc.ID, err)
	}
	return nil
}

// SetResolution performs the single atomic transition from the incident's
// current resolution state to tier/outcome/runbookID/output/errStr. A
// transition out of a terminal state (resolved/escalated) is rejected:
// terminal states never revert, per the data model's invariant.
func (s *Store) SetResolution(id, status, tier, outcome, runbookID, output, errStr string) error {
	now := time.Now().UTC()

	res, err := s.db.Exec(`
		UPDATE incidents
		SET resolution_status = ?, resolution_tier = ?, outcome = ?,
		    runbook_id = ?, output = ?, error = ?, resolved_at = ?
		WHERE id = ? AND resolution_status NOT IN (?, ?)`,
		status, tier, outcome, runbookID, output, errStr,
		now.Format(time.RFC3339Nano), id, StatusResolved, StatusEscalated,
	)
	if err != nil {
		return fmt.Errorf("set_resolution %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set_resolution %s: %w", id, err)
	}
	if n == 0 {
		var current string
		if scanErr := s.db.QueryRow(`SELECT resolution_status FROM incidents WHERE id = ?`, id).Scan(&current); scanErr != nil {
			return fmt.Errorf("incident %s not found", id)
		}
		return fmt.Errorf("incident %s already terminal (%s), cannot transition to %s", id, current, status)
	}
	return nil
}

// PatternStat is a per-pattern-signature rollup: how often a given drift
// pattern has recurred and how it tends to resolve. The learning sync
// service pushes these to Central Command, which uses them to decide
// which local runbooks deserve promotion to a fleet-wide L1 rule.
type PatternStat struct {
	PatternSignature string    `json:"pattern_signature"`
	SiteID           string    `json:"site_id"`
	CheckType        string    `json:"check_type"`
	Occurrences      int       `json:"occurrences"`
	ResolvedCount    int       `json:"resolved_count"`
	EscalatedCount   int       `json:"escalated_count"`
	LastSeen         time.Time `json:"last_seen"`
}

// PatternStatsSince rolls up incidents created at or after since, grouped
// by pattern signature, for the learning sync service's periodic push.
func (s *Store) PatternStatsSince(since time.Time) ([]PatternStat, error) {
	rows, err := s.db.Query(`
		SELECT pattern_signature, site_id, check_type,
		       COUNT(*),
		       SUM(CASE WHEN resolution_status = ? THEN 1 ELSE 0 END),
		       SUM(CASE WHEN resolution_status = ? THEN 1 ELSE 0 END),
		       MAX(created_at)
		FROM incidents
		WHERE created_at >= ?
		GROUP BY pattern_signature, site_id, check_type`,
		StatusResolved, StatusEscalated, since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("pattern stats since: %w", err)
	}
	defer rows.Close()

	var out []PatternStat
	for rows.Next() {
		var st PatternStat
		var lastSeen string
		if err := rows.Scan(&st.PatternSignature, &st.SiteID, &st.CheckType,
			&st.Occurrences, &st.ResolvedCount, &st.EscalatedCount, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan pattern stat: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, lastSeen); err == nil {
			st.LastSeen = t
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// TierSummary is a per-(tier, check type) execution rollup pushed to
// Central Command as execution telemetry alongside pattern stats.
type TierSummary struct {
	Tier         string `json:"tier"`
	CheckType    string `json:"check_type"`
	SuccessCount int    `json:"success_count"`
	FailureCount int    `json:"failure_count"`
}

// TierSummariesSince rolls up resolved/escalated incidents' outcomes by
// tier and check type since the given cutoff.
func (s *Store) TierSummariesSince(since time.Time) ([]TierSummary, error) {
	rows, err := s.db.Query(`
		SELECT resolution_tier, check_type,
		       SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN outcome = 'failure' THEN 1 ELSE 0 END)
		FROM incidents
		WHERE created_at >= ? AND resolution_tier != ''
		GROUP BY resolution_tier, check_type`,
		since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("tier summaries since: %w", err)
	}
	defer rows.Close()

	var out []TierSummary
	for rows.Next() {
		var ts TierSummary
		if err := rows.Scan(&ts.Tier, &ts.CheckType, &ts.SuccessCount, &ts.FailureCount); err != nil {
			return nil, fmt.Errorf("scan tier summary: %w", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// Query returns incidents matching patternSignature created within the
// last window, newest first.
func (s *Store) Query(patternSignature string, window time.Duration) ([]Incident, error) {
	cutoff := time.Now().UTC().Add(-window).Format(time.RFC3339Nano)
	rows, err := s.db.Query(`
		SELECT id, site_id, host_id, check_type, severity, created_at,
		       raw_state, pattern_signature, resolution_status,
		       resolution_tier, outcome, runbook_id, output, error, resolved_at
		FROM incidents
		WHERE pattern_signature = ? AND created_at >= ?
		ORDER BY created_at DESC`, patternSignature, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()
	return scanIncidents(rows)
}

// ListOpen returns up to limit incidents still in a non-terminal state,
// oldest first. The daemon does not call it on restart; incidents left
// open by a stopped process stay open in the store.
func (s *Store) ListOpen(limit int) ([]Incident, error) {
	rows, err := s.db.Query(`
		SELECT id, site_id, host_id, check_type, severity, created_at,
		       raw_state, pattern_signature, resolution_status,
		       resolution_tier, outcome, runbook_id, output, error, resolved_at
		FROM incidents
		WHERE resolution_status NOT IN (?, ?)
		ORDER BY created_at ASC
		LIMIT ?`, StatusResolved, StatusEscalated, limit)
	if err != nil {
		return nil, fmt.Errorf("list open incidents: %w", err)
	}
	defer rows.Close()
	return scanIncidents(rows)
}

func scanIncidents(rows *sql.Rows) ([]Incident, error) {
	var out []Incident
	for rows.Next() {
		var inc Incident
		var createdAt string
		var rawJSON string
		var resolvedAt sql.NullString

		if err := rows.Scan(
			&inc.ID, &inc.SiteID, &inc.HostID, &inc.CheckType, &inc.Severity, &createdAt,
			&rawJSON, &inc.PatternSignature, &inc.ResolutionStatus,
			&inc.ResolutionTier, &inc.Outcome, &inc.RunbookID, &inc.Output, &inc.Error, &resolvedAt,
		); err != nil {
			return nil, fmt.Errorf("scan incident row: %w", err)
		}

		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			inc.CreatedAt = t
		}
		if resolvedAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, resolvedAt.String); err == nil {
				inc.ResolvedAt = &t
			}
		}
		if rawJSON != "" {
			_ = json.Unmarshal([]byte(rawJSON), &inc.RawState)
		}

		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
