// Package ratelimit implements Capture API rate limit tracking and request gating.
// A 510 response from the API starts a cooldown; every caller sharing the
// same Redis waits the cooldown out before sending more requests, so
// concurrent ingest workers and other processes back off together.
package ratelimit

import (
	"fmt"
	"time"
)

// Redis key suffixes for rate limit state storage.
const (
	redisKeyHits         = "hits"
	redisKeyBlockedUntil = "blocked_until"
	redisKeyLastUpdate   = "last_update"
)

// Cooldown defaults.
const (
	// DefaultBaseCooldown is the cooldown after the first 510 response.
	DefaultBaseCooldown = 2 * time.Second

	// DefaultMaxCooldown caps the cooldown doubling on repeated 510 responses.
	DefaultMaxCooldown = 2 * time.Minute
)

// RateLimitState represents the current rate limit state of an application.
// This state is shared across all client instances via Redis.
type RateLimitState struct {
	// Hits is the number of consecutive rate limited responses.
	Hits int `json:"hits"`

	// BlockedUntil is when requests may resume.
	BlockedUntil time.Time `json:"blocked_until"`

	// LastUpdate is the timestamp when this state was last updated.
	LastUpdate time.Time `json:"last_update"`
}

// IsBlocked returns true while the cooldown is active.
func (s *RateLimitState) IsBlocked() bool {
	return time.Now().Before(s.BlockedUntil)
}

// TimeUntilUnblocked returns the remaining cooldown.
// Returns 0 if the cooldown has already passed.
func (s *RateLimitState) TimeUntilUnblocked() time.Duration {
	d := time.Until(s.BlockedUntil)
	if d < 0 {
		return 0
	}
	return d
}

// IsStale returns true if the state data is older than the given duration.
func (s *RateLimitState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// Cooldown returns the cooldown for the given number of consecutive hits:
// base doubled per extra hit, capped at max.
func Cooldown(hits int, base, max time.Duration) time.Duration {
	if hits < 1 {
		return 0
	}
	d := base
	for i := 1; i < hits; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func redisKey(namespace, suffix string) string {
	return fmt.Sprintf("capture:rate_limit:%s:%s", namespace, suffix)
}
