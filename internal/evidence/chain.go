package evidence

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// genesisParentHash is the all-zeros parent for the first bundle in a
// (site, host) chain.
var genesisParentHash = strings.Repeat("0", 64)

// chainState is the on-disk record of the current tip of one (site, host)
// hash chain.
type chainState struct {
	ParentHash string `json:"parent_hash"`
	Position   int    `json:"chain_position"`
}

// ChainStore tracks the per-(site,host) parent hash that seals each new
// evidence bundle to the one before it. Advancing the tip is durable:
// bundle.parent_hash is read, the bundle is sealed, and the new tip is
// written to disk *before* the bundle is handed off for delivery — a crash
// between signing and persistence leaves the old parent in place, so the
// next bundle built on restart still chains correctly (at worst it
// re-chains a bundle that never reached the queue).
type ChainStore struct {
	dir string
	mu  sync.Mutex
}

// NewChainStore creates a chain store rooted at dir (typically
// Config.EvidenceDir()/chains).
func NewChainStore(dir string) *ChainStore {
	return &ChainStore{dir: dir}
}

func (c *ChainStore) path(siteID, hostID string) string {
	name := fmt.Sprintf("%s__%s.json", sanitize(siteID), sanitize(hostID))
	return filepath.Join(c.dir, name)
}

// sanitize keeps chain filenames filesystem-safe without hashing them away
// entirely, so an operator can still eyeball which host a chain belongs to.
func sanitize(s string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_")
	return replacer.Replace(s)
}

// Tip returns the current parent hash and chain position for (siteID,
// hostID), creating a fresh genesis record if this is the first bundle.
func (c *ChainStore) Tip(siteID, hostID string) (parentHash string, position int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.load(siteID, hostID)
	if err != nil {
		return "", 0, err
	}
	return state.ParentHash, state.Position, nil
}

// Advance records bundleHash as the new tip for (siteID, hostID), durably,
// before the caller is allowed to enqueue the bundle for delivery.
func (c *ChainStore) Advance(siteID, hostID, bundleHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.load(siteID, hostID)
	if err != nil {
		return err
	}
	state.ParentHash = bundleHash
	state.Position++
	return c.save(siteID, hostID, state)
}

func (c *ChainStore) load(siteID, hostID string) (chainState, error) {
	data, err := os.ReadFile(c.path(siteID, hostID))
	if err != nil {
		if os.IsNotExist(err) {
			return chainState{ParentHash: genesisParentHash, Position: 0}, nil
		}
		return chainState{}, fmt.Errorf("read chain state: %w", err)
	}

	var state chainState
	if err := json.Unmarshal(data, &state); err != nil {
		return chainState{}, fmt.Errorf("parse chain state: %w", err)
	}
	if _, err := hex.DecodeString(state.ParentHash); err != nil || len(state.ParentHash) != 64 {
		return chainState{}, fmt.Errorf("corrupt parent hash in %s", c.path(siteID, hostID))
	}
	return state, nil
}

func (c *ChainStore) save(siteID, hostID string, state chainState) error {
	if err := os.MkdirAll(c.dir, 0700); err != nil {
		return fmt.Errorf("create chain dir: %w", err)
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal chain state: %w", err)
	}

	path := c.path(siteID, hostID)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write chain state: %w", err)
	}
	return os.Rename(tmpPath, path)
}
