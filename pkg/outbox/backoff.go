package outbox

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy bounds the retry delay of a failing outbox record.
type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
}

// DefaultBackoffPolicy is 100ms doubling up to 30s with up to 250ms jitter.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{BaseMs: 100, MaxMs: 30_000, MaxJitterMs: 250}
}

// ComputeBackoff returns the delay before retry number attempt of the
// record identified by eventID. Jitter is derived from the inputs so the
// schedule is reproducible.
func ComputeBackoff(eventID string, attempt int, policy BackoffPolicy) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := policy.BaseMs * factor
	if delay > policy.MaxMs || delay < 0 {
		delay = policy.MaxMs
	}
	return time.Duration(delay+deterministicJitter(eventID, attempt, policy)) * time.Millisecond
}

func deterministicJitter(eventID string, attempt int, policy BackoffPolicy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", eventID, attempt)))
	basis := binary.BigEndian.Uint64(sum[:8])
	return int64(basis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive
}
