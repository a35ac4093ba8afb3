package evidence

import (
	"crypto/ed25519"
	"encoding/hex"
	"testing"
)

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	dir := t.TempDir()
	priv, pubHex, err := LoadOrCreateSigningKey(dir + "/signing.key")
	if err != nil {
		t.Fatal(err)
	}
	chain := NewChainStore(dir + "/chains")
	return NewSealer(dir+"/bundles", chain, priv, pubHex)
}

func TestSealer_SealProducesHashAndSignature(t *testing.T) {
	s := newTestSealer(t)

	b, err := s.Seal(EvidenceBundle{SiteID: "site-1", HostID: "host-1"})
	if err != nil {
		t.Fatal(err)
	}
	if b.BundleHash == "" {
		t.Fatal("expected a bundle hash")
	}
	if b.Signature == "" {
		t.Fatal("expected a signature")
	}
	if b.ParentHash != genesisParentHash {
		t.Fatalf("expected genesis parent on first bundle, got %s", b.ParentHash)
	}
	if !b.PHIScrubbed {
		t.Fatal("expected phi_scrubbed=true")
	}
}

func TestSealer_ChainsSecondBundleToFirst(t *testing.T) {
	s := newTestSealer(t)

	first, err := s.Seal(EvidenceBundle{SiteID: "site-1", HostID: "host-1"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Seal(EvidenceBundle{SiteID: "site-1", HostID: "host-1"})
	if err != nil {
		t.Fatal(err)
	}

	if second.ParentHash != first.BundleHash {
		t.Fatalf("expected second bundle to chain from first: %s != %s", second.ParentHash, first.BundleHash)
	}
	if second.ChainPosition != first.ChainPosition+1 {
		t.Fatalf("expected chain position to advance by 1, got %d -> %d", first.ChainPosition, second.ChainPosition)
	}
}

func TestSealer_VerifiableSignature(t *testing.T) {
	dir := t.TempDir()
	priv, pubHex, err := LoadOrCreateSigningKey(dir + "/signing.key")
	if err != nil {
		t.Fatal(err)
	}
	chain := NewChainStore(dir + "/chains")
	s := NewSealer(dir+"/bundles", chain, priv, pubHex)

	b, err := s.Seal(EvidenceBundle{SiteID: "site-1", HostID: "host-1"})
	if err != nil {
		t.Fatal(err)
	}

	sigBytes, err := hex.DecodeString(b.Signature)
	if err != nil {
		t.Fatal(err)
	}
	hashBytes, err := hex.DecodeString(b.BundleHash)
	if err != nil {
		t.Fatal(err)
	}
	pub := priv.Public().(ed25519.PublicKey)
	if !ed25519.Verify(pub, hashBytes, sigBytes) {
		t.Fatal("signature does not verify over the bundle hash")
	}
}

func TestScrubPHI_RedactsKnownPatterns(t *testing.T) {
	b := EvidenceBundle{
		PreState: map[string]interface{}{
			"note": "contact jane.doe@example.com or call 555-123-4567, SSN 123-45-6789",
		},
		ActionsTaken: []string{`copied from \\fileserver01\patients\smith.txt`},
	}
	scrubPHI(&b)

	note := b.PreState["note"].(string)
	if contains(note, "@example.com") || contains(note, "123-45-6789") || contains(note, "555-123-4567") {
		t.Fatalf("expected PHI-shaped substrings to be redacted, got: %s", note)
	}
	if contains(b.ActionsTaken[0], `\\fileserver01`) {
		t.Fatalf("expected UNC path to be redacted, got: %s", b.ActionsTaken[0])
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
