package evidence

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Anchor submits a bundle hash to one or more OpenTimestamps calendar
// servers (spec.md §4.6, "optional OTS anchoring") and tracks the
// resulting proof handles so they can be upgraded later, once the
// calendar has embedded the hash in a Bitcoin transaction.
//
// The retrieval pack carries no OpenTimestamps/Bitcoin client to ground a
// full binary calendar-protocol implementation on (see DESIGN.md); this
// client speaks the calendar servers' plain HTTP submit/upgrade endpoints
// using the same pooled-client conventions as centralcommand.Client,
// rather than inventing a binary OTS parser with nothing in the examples
// to model it on.
type Anchor struct {
	calendars []string
	http      *http.Client

	mu       sync.Mutex
	pending  map[string]pendingProof // bundle hash -> proof awaiting upgrade
}

type pendingProof struct {
	CalendarURL string    `json:"calendar_url"`
	SubmittedAt time.Time `json:"submitted_at"`
	ProofHex    string    `json:"proof_hex"`
	Confirmed   bool      `json:"confirmed"`
}

// DefaultCalendars mirrors the public OpenTimestamps calendar servers
// commonly used by `ots` clients.
var DefaultCalendars = []string{
	"https://alice.btc.calendar.opentimestamps.org",
	"https://bob.btc.calendar.opentimestamps.org",
	"https://finney.calendar.eternitywall.com",
}

// NewAnchor creates an Anchor that submits to calendars (DefaultCalendars
// if empty).
func NewAnchor(calendars []string, verifyTLS bool) *Anchor {
	if len(calendars) == 0 {
		calendars = DefaultCalendars
	}
	return &Anchor{
		calendars: calendars,
		http: &http.Client{
			Timeout: 20 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: !verifyTLS},
				MaxIdleConns:        5,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		pending: make(map[string]pendingProof),
	}
}

// Submit posts bundleHash (hex-encoded SHA-256) to the first calendar
// server that accepts it and returns an opaque proof handle to store on
// the bundle. A calendar outage never blocks evidence sealing: Submit is
// called after the bundle is already queued for delivery, and a failure
// here just means no handle is recorded — the bundle itself is still
// signed and chained.
func (a *Anchor) Submit(ctx context.Context, bundleHash string) (string, error) {
	raw, err := hex.DecodeString(bundleHash)
	if err != nil {
		return "", fmt.Errorf("decode bundle hash: %w", err)
	}

	var lastErr error
	for _, cal := range a.calendars {
		proof, err := a.submitOne(ctx, cal, raw)
		if err != nil {
			lastErr = err
			continue
		}
		handle := cal + "#" + bundleHash[:16]
		a.mu.Lock()
		a.pending[bundleHash] = pendingProof{
			CalendarURL: cal,
			SubmittedAt: time.Now().UTC(),
			ProofHex:    hex.EncodeToString(proof),
		}
		a.mu.Unlock()
		return handle, nil
	}
	return "", fmt.Errorf("all calendar servers rejected submission: %w", lastErr)
}

func (a *Anchor) submitOne(ctx context.Context, calendarURL string, digest []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, calendarURL+"/digest", bytes.NewReader(digest))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/vnd.opentimestamps.v1")
	req.Header.Set("Accept", "application/vnd.opentimestamps.v1")

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calendar %s: %w", calendarURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("calendar %s returned %d", calendarURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("read calendar response: %w", err)
	}
	return body, nil
}

// Upgrade re-checks every still-pending proof against its calendar
// server, looking for a Bitcoin attestation. Called on a slow,
// independent ticker (1-24h per spec.md §4.6), never on the bundle-seal
// hot path. Confirmed proofs are removed from the pending set; everything
// else is retried on the next tick.
func (a *Anchor) Upgrade(ctx context.Context) int {
	a.mu.Lock()
	snapshot := make(map[string]pendingProof, len(a.pending))
	for k, v := range a.pending {
		snapshot[k] = v
	}
	a.mu.Unlock()

	confirmed := 0
	for bundleHash, p := range snapshot {
		ok, err := a.checkConfirmation(ctx, p.CalendarURL, p.ProofHex)
		if err != nil {
			log.Warn().Err(err).Str("bundle_hash", bundleHash).Msg("OTS upgrade check failed")
			continue
		}
		if ok {
			a.mu.Lock()
			delete(a.pending, bundleHash)
			a.mu.Unlock()
			confirmed++
			log.Info().Str("bundle_hash", bundleHash).Msg("OTS proof upgraded to Bitcoin attestation")
		}
	}
	return confirmed
}

func (a *Anchor) checkConfirmation(ctx context.Context, calendarURL, proofHex string) (bool, error) {
	proof, err := hex.DecodeString(proofHex)
	if err != nil {
		return false, fmt.Errorf("decode proof: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, calendarURL+"/timestamp/upgrade", bytes.NewReader(proof))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/vnd.opentimestamps.v1")

	resp, err := a.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound, http.StatusConflict:
		// Not confirmed yet — the calendar's proof hasn't reached Bitcoin.
		return false, nil
	default:
		return false, fmt.Errorf("calendar %s returned %d", calendarURL, resp.StatusCode)
	}
}

// PendingCount reports how many submitted proofs are still awaiting a
// Bitcoin confirmation. Used by readiness/health reporting.
func (a *Anchor) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// MarshalPending serializes the pending-proof set for durable snapshotting
// across restarts, matching the "optional proof handle stored with the
// bundle" contract without requiring a database table of its own.
func (a *Anchor) MarshalPending() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return json.Marshal(a.pending)
}
