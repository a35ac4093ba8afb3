package healing

import (
	"sync"
	"time"
)

// defaultCooldownSeconds is the cooldown applied when no matched rule
// overrides it, per spec.md §4.4 pre-check 3 ("default 300 s unless rule
// overrides").
const defaultCooldownSeconds = 300

// CooldownTracker enforces a single, incident-wide cooldown per
// (host, check_type), independent of which tier (L1, L2) would have
// executed. This is the only cooldown gate in the healer — Engine.Match no
// longer tracks its own per-rule cooldown, so two different rules matching
// the same check type can't fire back-to-back inside the window (testable
// invariant 5).
type CooldownTracker struct {
	mu   sync.Mutex
	last map[string]time.Time
}

// NewCooldownTracker creates an empty cooldown tracker.
func NewCooldownTracker() *CooldownTracker {
	return &CooldownTracker{last: make(map[string]time.Time)}
}

func cooldownKey(hostID, checkType string) string {
	return hostID + ":" + checkType
}

// Hit reports whether (hostID, checkType) is still within its cooldown
// window, without recording anything. Callers that intend to dispatch must
// follow a false result with Record.
func (c *CooldownTracker) Hit(hostID, checkType string, seconds int) bool {
	if seconds <= 0 {
		seconds = defaultCooldownSeconds
	}
	key := cooldownKey(hostID, checkType)

	c.mu.Lock()
	defer c.mu.Unlock()

	last, ok := c.last[key]
	if !ok {
		return false
	}
	return time.Since(last).Seconds() < float64(seconds)
}

// Record marks (hostID, checkType) as having just been dispatched, starting
// a fresh cooldown window.
func (c *CooldownTracker) Record(hostID, checkType string) {
	key := cooldownKey(hostID, checkType)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last[key] = time.Now().UTC()
}
