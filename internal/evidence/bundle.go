package evidence

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/compliancewatch/appliance/internal/crypto"
)

// EvidenceBundle is the sealed, chain-linked record of one compliance
// check or healing action. Fields mirror the canonical contract: the
// hash computation covers everything except Signature and BundleHash
// themselves.
type EvidenceBundle struct {
	SiteID        string                 `json:"site_id"`
	HostID        string                 `json:"host_id"`
	IncidentID    string                 `json:"incident_id,omitempty"`
	CheckedAt     string                 `json:"checked_at"`
	HealingTier   string                 `json:"healing_tier,omitempty"`
	Outcome       string                 `json:"outcome"`
	DryRun        bool                   `json:"dry_run"`
	FrameworkIDs  []string               `json:"framework_control_ids,omitempty"`
	PreState      map[string]interface{} `json:"pre_state,omitempty"`
	PostState     map[string]interface{} `json:"post_state,omitempty"`
	ActionsTaken  []string               `json:"actions_taken,omitempty"`
	PHIScrubbed   bool                   `json:"phi_scrubbed"`
	ParentHash    string                 `json:"parent_hash"`
	ChainPosition int                    `json:"chain_position"`
	BundleHash    string                 `json:"bundle_hash,omitempty"`
	Signature     string                 `json:"signature,omitempty"`
	PublicKeyHex  string                 `json:"agent_public_key"`
	OTSProofHandle string                `json:"ots_proof_handle,omitempty"`
}

// Outcome values recognized by Central Command and by the dry-run-purity
// invariant (spec.md §8, property 7): with dry_run=true every bundle must
// carry one of the two dry_run_* outcomes, never "success"/"failure".
const (
	OutcomeSuccess       = "success"
	OutcomeFailure       = "failure"
	OutcomeDryRunSuccess = "dry_run_success"
	OutcomeDryRunPlan    = "dry_run_plan"
)

// Sealer seals EvidenceBundles: scrubs PHI, links them into the local hash
// chain, signs them, and commits them to disk as two files written
// atomically via a directory rename, so a reader never observes a bundle
// with a hash but no signature or vice versa.
type Sealer struct {
	chain        *ChainStore
	signingKey   ed25519.PrivateKey
	publicKeyHex string
	outDir       string
}

// NewSealer creates a Sealer rooted at outDir (typically
// Config.EvidenceDir()/bundles), using chain for hash-chain bookkeeping.
func NewSealer(outDir string, chain *ChainStore, key ed25519.PrivateKey, pubHex string) *Sealer {
	return &Sealer{chain: chain, signingKey: key, publicKeyHex: pubHex, outDir: outDir}
}

// Seal scrubs b for PHI, assigns it the next position in the (SiteID,
// HostID) chain, computes and signs its hash, commits the bundle to disk,
// and then advances the chain tip durably. The returned bundle is ready
// to enqueue for delivery.
func (s *Sealer) Seal(b EvidenceBundle) (*EvidenceBundle, error) {
	if b.CheckedAt == "" {
		b.CheckedAt = time.Now().UTC().Format(time.RFC3339)
	}
	b.PublicKeyHex = s.publicKeyHex

	scrubPHI(&b)
	b.PHIScrubbed = true

	parentHash, position, err := s.chain.Tip(b.SiteID, b.HostID)
	if err != nil {
		return nil, fmt.Errorf("read chain tip: %w", err)
	}
	b.ParentHash = parentHash
	b.ChainPosition = position

	hashBytes, err := hashableJSON(b)
	if err != nil {
		return nil, fmt.Errorf("canonicalize bundle: %w", err)
	}
	sum := sha256.Sum256(hashBytes)
	b.BundleHash = hex.EncodeToString(sum[:])
	b.Signature = Sign(s.signingKey, sum[:])

	// The bundle is committed to disk before the chain tip moves. A crash
	// between these two steps leaves a fully signed, readable bundle on
	// disk whose hash the chain tip doesn't know about yet; Reconcile
	// detects that orphan on the next startup and advances the tip to
	// match it, rather than risking a tip that points at a bundle that
	// was never actually written (spec.md §8 E2E scenario 4).
	if err := s.commit(&b); err != nil {
		return nil, fmt.Errorf("commit bundle: %w", err)
	}

	if err := s.chain.Advance(b.SiteID, b.HostID, b.BundleHash); err != nil {
		return nil, fmt.Errorf("advance chain: %w", err)
	}

	return &b, nil
}

// hashableJSON renders b through the canonical serializer with Signature
// and BundleHash cleared, since those fields are not part of their own hash
// input.
func hashableJSON(b EvidenceBundle) ([]byte, error) {
	b.BundleHash = ""
	b.Signature = ""

	generic := map[string]interface{}{
		"site_id":               b.SiteID,
		"host_id":               b.HostID,
		"checked_at":            b.CheckedAt,
		"phi_scrubbed":          b.PHIScrubbed,
		"parent_hash":           b.ParentHash,
		"chain_position":        b.ChainPosition,
		"agent_public_key":      b.PublicKeyHex,
		"incident_id":           b.IncidentID,
		"healing_tier":          b.HealingTier,
		"outcome":               b.Outcome,
		"dry_run":               b.DryRun,
		"framework_control_ids": toInterfaceSlice(b.FrameworkIDs),
		"pre_state":             b.PreState,
		"post_state":            b.PostState,
		"actions_taken":         toInterfaceSlice(b.ActionsTaken),
	}
	return crypto.CanonicalJSON(generic)
}

func toInterfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// commit writes bundle.json and bundle.sig into a temp directory, then
// renames it into place. The rename is the atomic commit point: either
// both files exist under the final name, or neither does.
func (s *Sealer) commit(b *EvidenceBundle) error {
	if err := os.MkdirAll(s.outDir, 0700); err != nil {
		return fmt.Errorf("create bundle dir: %w", err)
	}

	name := fmt.Sprintf("%s-%s-%d", sanitize(b.HostID), b.BundleHash[:12], time.Now().UnixNano())
	tmpDir := filepath.Join(s.outDir, ".tmp-"+name)
	finalDir := filepath.Join(s.outDir, name)

	if err := os.MkdirAll(tmpDir, 0700); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}

	fullBytes, err := crypto.CanonicalJSON(structToMap(b))
	if err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(tmpDir, "bundle.json"), fullBytes, 0600); err != nil {
		os.RemoveAll(tmpDir)
		return fmt.Errorf("write bundle.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "bundle.sig"), []byte(b.Signature), 0600); err != nil {
		os.RemoveAll(tmpDir)
		return fmt.Errorf("write bundle.sig: %w", err)
	}

	if err := os.Rename(tmpDir, finalDir); err != nil {
		os.RemoveAll(tmpDir)
		return fmt.Errorf("commit bundle dir: %w", err)
	}
	return nil
}

func structToMap(b *EvidenceBundle) map[string]interface{} {
	return map[string]interface{}{
		"site_id":               b.SiteID,
		"host_id":               b.HostID,
		"checked_at":            b.CheckedAt,
		"phi_scrubbed":          b.PHIScrubbed,
		"parent_hash":           b.ParentHash,
		"chain_position":        b.ChainPosition,
		"agent_public_key":      b.PublicKeyHex,
		"incident_id":           b.IncidentID,
		"healing_tier":          b.HealingTier,
		"outcome":               b.Outcome,
		"dry_run":               b.DryRun,
		"framework_control_ids": toInterfaceSlice(b.FrameworkIDs),
		"pre_state":             b.PreState,
		"post_state":            b.PostState,
		"actions_taken":         toInterfaceSlice(b.ActionsTaken),
		"bundle_hash":           b.BundleHash,
		"signature":             b.Signature,
		"ots_proof_handle":      b.OTSProofHandle,
	}
}

// WithOTSProof returns a copy of b with its OTS calendar-server proof handle
// set. The proof handle is assigned after sealing (anchoring is best-effort
// and asynchronous) so it never participates in the bundle hash.
func (b EvidenceBundle) WithOTSProof(handle string) EvidenceBundle {
	b.OTSProofHandle = handle
	return b
}

// PHI scrubbing patterns. These are deliberately conservative (favoring
// false positives over leaking PHI into a compliance artifact).
var (
	reSSN   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	reMRN   = regexp.MustCompile(`(?i)\bMRN[:\s#]*\d{5,12}\b`)
	reDOB   = regexp.MustCompile(`\b(19|20)\d{2}[-/](0[1-9]|1[0-2])[-/](0[1-9]|[12]\d|3[01])\b`)
	reEmail = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	rePhone = regexp.MustCompile(`\b\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`)
	reUNC   = regexp.MustCompile(`\\\\[a-zA-Z0-9._\-]+\\[^\s"']*`)
)

const redacted = "[REDACTED]"

func scrubString(s string) string {
	s = reSSN.ReplaceAllString(s, redacted)
	s = reMRN.ReplaceAllString(s, redacted)
	s = reDOB.ReplaceAllString(s, redacted)
	s = reEmail.ReplaceAllString(s, redacted)
	s = rePhone.ReplaceAllString(s, redacted)
	s = reUNC.ReplaceAllString(s, redacted)
	return s
}

func scrubStringMap(m map[string]interface{}) {
	for k, v := range m {
		if s, ok := v.(string); ok {
			m[k] = scrubString(s)
		}
	}
}

// scrubPHI redacts MRNs, SSNs, DOB-shaped dates, emails, phone numbers, and
// UNC paths from every string field reaching the evidence pipeline.
func scrubPHI(b *EvidenceBundle) {
	scrubStringMap(b.PreState)
	scrubStringMap(b.PostState)
	for i, a := range b.ActionsTaken {
		b.ActionsTaken[i] = scrubString(a)
	}
}
