package ratelimit

import "sync/atomic"

// LocalLimiter is an in-process permit counter for gating local work such as
// a background job. TryAcquire never blocks.
type LocalLimiter struct {
	capacity int64
	permits  atomic.Int64
}

// NewLocalLimiter creates a limiter with capacity free permits.
func NewLocalLimiter(capacity int64) *LocalLimiter {
	l := &LocalLimiter{capacity: capacity}
	l.permits.Store(capacity)

	return l
}

// TryAcquire takes a permit, or returns false at once when none is left.
// The counter never goes below zero.
func (l *LocalLimiter) TryAcquire() bool {
	for {
		cur := l.permits.Load()
		if cur <= 0 {
			return false
		}
		if l.permits.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// Release returns a permit. Extra releases are ignored at capacity.
func (l *LocalLimiter) Release() {
	for {
		cur := l.permits.Load()
		if cur >= l.capacity {
			return
		}
		if l.permits.CompareAndSwap(cur, cur+1) {
			return
		}
	}
}

// Available returns the number of free permits.
func (l *LocalLimiter) Available() int64 {
	return l.permits.Load()
}
