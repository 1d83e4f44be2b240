package engine

import (
	"time"
)

// Default backoff bounds used when a policy leaves them zero.
const (
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ReconnectPolicy controls how a session reopens its remote channel after it
// drops. The zero value never reconnects.
type ReconnectPolicy struct {
	// MaxRetries is the number of consecutive attempts before giving up.
	// Zero disables reconnection.
	MaxRetries int

	// Backoff is the delay before the first attempt. It doubles on every
	// further attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff caps the delay. Defaults to 30s if zero.
	MaxBackoff time.Duration
}

// Enabled reports whether the policy reconnects at all.
func (p ReconnectPolicy) Enabled() bool { return p.MaxRetries > 0 }

// Delay returns the wait before the given attempt, counted from 1.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := p.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	d := backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return min(d, maxBackoff)
}

// reconnector tracks consecutive reconnection attempts within a session.
// It is owned by the session loop.
type reconnector struct {
	policy  ReconnectPolicy
	attempt int
	timer   *time.Timer
}

// schedule arms the timer for the next attempt. It returns false once the
// retries are exhausted or reconnection is disabled.
func (r *reconnector) schedule() (time.Duration, bool) {
	if !r.policy.Enabled() || r.attempt >= r.policy.MaxRetries {
		return 0, false
	}
	r.attempt++
	d := r.policy.Delay(r.attempt)
	r.stop()
	r.timer = time.NewTimer(d)
	return d, true
}

// C returns the channel of the armed timer, or nil when none is armed.
func (r *reconnector) C() <-chan time.Time {
	if r.timer == nil {
		return nil
	}
	return r.timer.C
}

// fired clears the timer after its channel delivered.
func (r *reconnector) fired() { r.timer = nil }

// reset forgets previous attempts after a successful connection.
func (r *reconnector) reset() { r.attempt = 0 }

func (r *reconnector) stop() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
