package infra

import (
	"time"
)

const (
	// Standard backoff constants
	baseDelay = 1 * time.Second
	maxDelay  = 60 * time.Second
)

// Backoff is an exponential delay schedule: Base * 2^retry, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff is the schedule used for reconnects and venue retries.
var DefaultBackoff = Backoff{Base: baseDelay, Max: maxDelay}

// Delay returns the wait before retry number retryCount (0-based).
// If retryCount is negative, it returns Base.
func (b Backoff) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		return b.Base
	}
	// 2^30 * 1ns is already past any sane cap; stop shifting before overflow.
	if retryCount > 30 {
		return b.Max
	}
	d := b.Base * time.Duration(1<<retryCount)
	if d > b.Max || d <= 0 {
		return b.Max
	}
	return d
}
