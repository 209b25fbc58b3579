package resiliency

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy bounds the delay between retry attempts.
type BackoffPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxJitter   time.Duration
	MaxAttempts int
}

// DefaultBackoffPolicy is used when no policy is configured.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:        200 * time.Millisecond,
		Max:         5 * time.Second,
		MaxJitter:   100 * time.Millisecond,
		MaxAttempts: 5,
	}
}

// ComputeBackoff returns the delay before retry number attempt (0-based)
// of the operation identified by seed.
func ComputeBackoff(policy BackoffPolicy, seed string, attempt int) time.Duration {
	// delay = base * 2^attempt, capped
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := time.Duration(int64(policy.Base) * factor)
	if delay > policy.Max || delay < 0 {
		delay = policy.Max
	}
	return delay + ComputeJitter(policy, seed, attempt)
}

// ComputeJitter derives jitter from the seed so that a given operation
// retries on a reproducible schedule while distinct operations spread out.
func ComputeJitter(policy BackoffPolicy, seed string, attempt int) time.Duration {
	if policy.MaxJitter <= 0 {
		return 0
	}
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", seed, attempt)))
	basis := binary.BigEndian.Uint64(hash[:8])
	return time.Duration(basis % uint64(policy.MaxJitter)) //nolint:gosec // MaxJitter is positive
}
