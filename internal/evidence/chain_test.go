package evidence

import "testing"

func TestChainStore_GenesisTip(t *testing.T) {
	c := NewChainStore(t.TempDir())

	parent, pos, err := c.Tip("site-1", "host-1")
	if err != nil {
		t.Fatal(err)
	}
	if parent != genesisParentHash {
		t.Fatalf("expected genesis parent hash, got %s", parent)
	}
	if pos != 0 {
		t.Fatalf("expected position 0, got %d", pos)
	}
}

func TestChainStore_AdvancePersists(t *testing.T) {
	dir := t.TempDir()
	c := NewChainStore(dir)

	if err := c.Advance("site-1", "host-1", "aaaa"); err != nil {
		t.Fatal(err)
	}

	parent, pos, err := c.Tip("site-1", "host-1")
	if err != nil {
		t.Fatal(err)
	}
	if parent != "aaaa" {
		t.Fatalf("expected parent aaaa, got %s", parent)
	}
	if pos != 1 {
		t.Fatalf("expected position 1, got %d", pos)
	}

	// A fresh store instance over the same directory should see the
	// persisted tip, not a new genesis.
	c2 := NewChainStore(dir)
	parent2, pos2, err := c2.Tip("site-1", "host-1")
	if err != nil {
		t.Fatal(err)
	}
	if parent2 != "aaaa" || pos2 != 1 {
		t.Fatalf("expected persisted tip to survive reload, got parent=%s pos=%d", parent2, pos2)
	}
}

func TestChainStore_PerHostIndependence(t *testing.T) {
	c := NewChainStore(t.TempDir())

	if err := c.Advance("site-1", "host-1", "bbbb"); err != nil {
		t.Fatal(err)
	}

	parent, pos, err := c.Tip("site-1", "host-2")
	if err != nil {
		t.Fatal(err)
	}
	if parent != genesisParentHash || pos != 0 {
		t.Fatal("expected a different host's chain to remain at genesis")
	}
}
