package kickpubsub

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultRateLimit is the most control messages allowed per window.
	DefaultRateLimit = 5
	// DefaultRateWindow is the sliding window length.
	DefaultRateWindow = time.Second
)

// slidingLimiter enforces at most `limit` sends per sliding `window`.
// Excess senders wait until the oldest timestamp falls out of the window;
// callers experience backpressure, never message loss.
type slidingLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	stamps []time.Time
	now    func() time.Time
}

func newSlidingLimiter(limit int, window time.Duration) *slidingLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &slidingLimiter{limit: limit, window: window, now: time.Now}
}

// Wait blocks until the caller may send, or until ctx is done.
func (l *slidingLimiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		// Drop timestamps that have left the window.
		cut := 0
		for cut < len(l.stamps) && now.Sub(l.stamps[cut]) >= l.window {
			cut++
		}
		l.stamps = l.stamps[cut:]

		if len(l.stamps) < l.limit {
			l.stamps = append(l.stamps, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.window - now.Sub(l.stamps[0])
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
