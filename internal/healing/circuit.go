package healing

import (
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// circuitKey identifies a circuit breaker scope: one breaker per
// (host, check_type) pair, so a single noisy check can't trip healing
// for the rest of the host.
func circuitKey(hostID, checkType string) string {
	return hostID + ":" + checkType
}

// CircuitBreakers manages one gobreaker.CircuitBreaker per (host, check_type).
// Five consecutive execution failures open the breaker for 30 minutes; a
// single successful probe in the half-open state closes it again.
type CircuitBreakers struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewCircuitBreakers creates an empty breaker registry.
func NewCircuitBreakers() *CircuitBreakers {
	return &CircuitBreakers{breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (c *CircuitBreakers) get(hostID, checkType string) *gobreaker.CircuitBreaker {
	key := circuitKey(hostID, checkType)

	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.breakers[key]; ok {
		return b
	}

	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Interval:    0, // counts never reset on a timer; only a state transition resets them
		Timeout:     30 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	c.breakers[key] = b
	return b
}

// Allow reports whether healing may attempt an action against this
// (host, check_type). While the breaker is open it returns false and an
// error carrying the consecutive-failure count.
func (c *CircuitBreakers) Allow(hostID, checkType string) (bool, error) {
	b := c.get(hostID, checkType)
	state := b.State()
	if state == gobreaker.StateOpen {
		return false, fmt.Errorf("circuit open for %s: %d consecutive failures", circuitKey(hostID, checkType), b.Counts().ConsecutiveFailures)
	}
	return true, nil
}

// Record reports the outcome of a healing attempt to the breaker so its
// failure count and state transition stay accurate, independent of
// whether the caller routed the actual execution through gobreaker.Execute.
func (c *CircuitBreakers) Record(hostID, checkType string, success bool) {
	b := c.get(hostID, checkType)
	_, _ = b.Execute(func() (interface{}, error) {
		if success {
			return nil, nil
		}
		return nil, fmt.Errorf("healing action failed")
	})
}

// State returns the current breaker state for a (host, check_type), for
// logging and the operator escalation ticket body.
func (c *CircuitBreakers) State(hostID, checkType string) string {
	return c.get(hostID, checkType).State().String()
}

// Reset forces a breaker back to closed, used when an operator manually
// clears a known-bad host after an incident is confirmed resolved.
func (c *CircuitBreakers) Reset(hostID, checkType string) {
	key := circuitKey(hostID, checkType)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.breakers, key)
}
