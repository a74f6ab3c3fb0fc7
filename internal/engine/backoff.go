package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// BackoffConfig configures adaptation backoff delays.
type BackoffConfig struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64 // fraction, 0.2 means ±20%
}

// DefaultBackoff is base 2s doubling to a 60s cap with ±20% jitter.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{Base: 2 * time.Second, Cap: 60 * time.Second, Jitter: 0.2}
}

// DelayForAttempt returns base·2^(n−1), capped, with jitter applied after
// capping. n is 1-indexed. The jitter is derived from seed, so the same
// trace, strategy and n always yield the same delay.
func DelayForAttempt(n int, cfg BackoffConfig, seed string) time.Duration {
	if n < 1 {
		n = 1
	}
	if cfg.Base <= 0 {
		return 0
	}

	d := float64(cfg.Base) * math.Pow(2, float64(n-1))
	if cfg.Cap > 0 {
		d = math.Min(d, float64(cfg.Cap))
	}
	if cfg.Jitter > 0 {
		d *= 1 - cfg.Jitter + 2*cfg.Jitter*jitterUnit(seed) // [1-j, 1+j]
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func backoffSeed(traceID, strategyID string, n int) string {
	return fmt.Sprintf("%s:%s:%d", traceID, strategyID, n)
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}
