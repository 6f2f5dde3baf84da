package conn

import (
	"sync"
	"time"
)

// slidingWindowLimiter implements the per-socket rate limiter from §4.8:
// WINDOW_MS/MAX_MSGS with a one-strike grace period before closing. The
// window is fixed rather than sliding: it restarts, with both counters
// cleared, on the first message that arrives a full window after the
// current one began.
type slidingWindowLimiter struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int
	violations  int

	window   time.Duration
	maxMsgs  int
}

func newSlidingWindowLimiter(window time.Duration, maxMsgs int) *slidingWindowLimiter {
	return &slidingWindowLimiter{window: window, maxMsgs: maxMsgs, windowStart: time.Now()}
}

// allowResult tells the caller what to do with the message that triggered
// this check.
type allowResult int

const (
	allowOK allowResult = iota
	allowRejectAndWarn
	allowRejectAndClose
)

// Check increments the counter and reports whether the message should be
// processed, rejected with a warning, or the socket closed outright
// (second offense in the same window).
func (l *slidingWindowLimiter) Check() allowResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.count = 0
		l.violations = 0
	}

	l.count++
	if l.count <= l.maxMsgs {
		return allowOK
	}

	l.violations++
	if l.violations >= 2 {
		return allowRejectAndClose
	}
	return allowRejectAndWarn
}
