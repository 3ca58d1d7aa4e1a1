package realtime

import (
	"math"
	"math/rand/v2"
	"time"
)

// stableAfter is how long a connection must stay open before the attempt
// counter starts over.
const stableAfter = 60 * time.Second

// ReconnectPolicy configures automatic reconnection after transport errors.
// The zero value disables it.
type ReconnectPolicy struct {
	Enabled     bool
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int // 0 means unlimited
}

type reconnector struct {
	policy      ReconnectPolicy
	attempt     int
	connectedAt time.Time
	now         func() time.Time
	jitter      func() float64
}

func newReconnector(policy ReconnectPolicy) *reconnector {
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Second
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}
	return &reconnector{
		policy: policy,
		now:    time.Now,
		jitter: rand.Float64,
	}
}

func (r *reconnector) shouldReconnect() bool {
	if !r.policy.Enabled {
		return false
	}
	if !r.connectedAt.IsZero() && r.now().Sub(r.connectedAt) > stableAfter {
		r.attempt = 0
		r.connectedAt = time.Time{}
	}
	return r.policy.MaxAttempts == 0 || r.attempt < r.policy.MaxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = r.now()
}

// nextDelay returns d = base*2^attempt plus up to d/2 as jitter, capped at the
// maximum delay, and advances the attempt counter.
func (r *reconnector) nextDelay() time.Duration {
	backoff := float64(r.policy.BaseDelay) * math.Pow(2, float64(r.attempt))
	jitter := r.jitter() * backoff * 0.5
	delay := math.Min(backoff+jitter, float64(r.policy.MaxDelay))
	r.attempt++
	return time.Duration(delay)
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}
