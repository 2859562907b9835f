package roomsync

import (
	"math"
	"math/rand"
	"time"
)

// reconnector computes the delay before the next reconnect attempt:
// min(base * 2^attempt, max), optionally with up to base/2 of jitter added
// before the cap is applied.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	jitter      bool
	attempt     int
}

func newReconnector(config *ChannelConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
		jitter:      config.ReconnectJitter,
	}
}

// shouldReconnect reports whether another attempt is allowed. A zero
// maxAttempts means unlimited.
func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

// nextDelay returns the delay for the current attempt and advances the
// counter.
func (r *reconnector) nextDelay() time.Duration {
	delay := float64(r.baseDelay) * math.Pow(2, float64(r.attempt))
	if r.jitter {
		delay += rand.Float64() * float64(r.baseDelay) * 0.5
	}
	r.attempt++
	return time.Duration(math.Min(delay, float64(r.maxDelay)))
}

// reset is called on every successful open.
func (r *reconnector) reset() {
	r.attempt = 0
}
