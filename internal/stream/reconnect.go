package stream

import (
	"math/rand"
	"time"
)

// Close codes with protocol meaning. 1000 is a user/normal close and 1001 a
// clean going-away; neither is ever auto-reconnected.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseAbnormal  = 1006
)

// ReconnectPolicy decides whether a dropped channel is re-opened. Queries use
// NoReconnect: mid-query state cannot be resumed without server-side replay,
// so a dropped query channel becomes a terminal failure instead. Indexing
// watches retry with a fixed delay plus a little jitter.
type ReconnectPolicy struct {
	Delay       time.Duration
	MaxAttempts int
	Jitter      time.Duration
}

// DefaultWatchPolicy matches the indexing watch defaults: ~2s spacing, up to
// 5 attempts.
func DefaultWatchPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Delay:       2 * time.Second,
		MaxAttempts: 5,
		Jitter:      250 * time.Millisecond,
	}
}

// NoReconnect never retries.
func NoReconnect() ReconnectPolicy {
	return ReconnectPolicy{}
}

// ShouldRetry reports whether attempt (zero-based count of retries already
// made) may proceed for the given close code.
func (p ReconnectPolicy) ShouldRetry(closeCode, attempt int) bool {
	if closeCode == CloseNormal || closeCode == CloseGoingAway {
		return false
	}
	return attempt < p.MaxAttempts
}

// NextDelay returns the wait before the next attempt.
func (p ReconnectPolicy) NextDelay() time.Duration {
	d := p.Delay
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return d
}
