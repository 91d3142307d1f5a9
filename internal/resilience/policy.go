// Package resilience wraps every external call in retries with exponential
// backoff and a per-dependency circuit breaker. It knows nothing about the
// business meaning of a call; it only classifies and times retries.
package resilience

import (
	"fmt"
	"time"

	"github.com/jonathan/leadflow/internal/types"
)

// Policy keys, one per external dependency
const (
	KeyDiscovery  = "discovery-provider"
	KeyScoring    = "scoring-provider"
	KeyGeneration = "generation-provider"
	KeyExport     = "export-provider"
)

// MessagingKey returns the policy key of the message provider for a channel.
func MessagingKey(ch types.Channel) string {
	return "message-provider-" + string(ch)
}

// Policy configures retries and the circuit breaker of one policy key.
type Policy struct {
	// BaseDelay is the first backoff interval.
	BaseDelay time.Duration
	// MaxDelay caps a single backoff interval.
	MaxDelay time.Duration
	// Jitter is the randomization factor applied to each interval (0..1).
	Jitter float64
	// MaxAttempts bounds provider invocations per call while the breaker is
	// closed, first call included. Half-open probes do not count.
	MaxAttempts int

	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold uint32
	// Window clears the failure counts periodically while the breaker is closed.
	Window time.Duration
	// Cooldown is how long the breaker stays open before admitting a probe.
	Cooldown time.Duration
	// FatalAfterTrips is the number of consecutive trips without a successful
	// close after which the key is considered exhausted.
	FatalAfterTrips int
	// MaxOpenWait is the longest a call waits for an open breaker to admit
	// a probe; a longer remaining cooldown returns CircuitOpenError at once.
	MaxOpenWait time.Duration
}

// DefaultPolicy returns the policy applied to keys without explicit configuration.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:        200 * time.Millisecond,
		MaxDelay:         10 * time.Second,
		Jitter:           0.5,
		MaxAttempts:      5,
		FailureThreshold: 5,
		Window:           60 * time.Second,
		Cooldown:         30 * time.Second,
		FatalAfterTrips:  3,
	}
}

// WithDefaults fills zero fields from DefaultPolicy.
func (p Policy) WithDefaults() Policy {
	d := DefaultPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter <= 0 || p.Jitter > 1 {
		p.Jitter = d.Jitter
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.FailureThreshold == 0 {
		p.FailureThreshold = d.FailureThreshold
	}
	if p.Window <= 0 {
		p.Window = d.Window
	}
	if p.Cooldown <= 0 {
		p.Cooldown = d.Cooldown
	}
	if p.FatalAfterTrips <= 0 {
		p.FatalAfterTrips = d.FatalAfterTrips
	}
	if p.MaxOpenWait <= 0 {
		p.MaxOpenWait = p.Cooldown
	}
	return p
}

// Validate rejects policies that cannot be applied.
func (p Policy) Validate() error {
	if p.MaxAttempts < 0 {
		return fmt.Errorf("max attempts must be non-negative")
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("jitter must be between 0 and 1")
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 || p.Cooldown < 0 || p.Window < 0 {
		return fmt.Errorf("durations must be non-negative")
	}
	return nil
}
