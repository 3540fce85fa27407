package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/wavecraft/studio-core/internal/domain"
)

// RateLimiter is a fixed-window counter over ratelimit:<type>:<userId>
// keys. The first hit of a window creates the counter with the window TTL;
// crossing the limit surfaces domain.ErrRateLimited.
type RateLimiter struct {
	store  Store
	limit  int64
	window time.Duration
}

// NewRateLimiter builds a limiter allowing limit hits per window.
func NewRateLimiter(store Store, limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{store: store, limit: int64(limit), window: window}
}

// Allow records a hit for (kind, userID) and reports whether it is within
// the window budget. A zero or negative limit disables limiting.
func (l *RateLimiter) Allow(ctx context.Context, kind, userID string) error {
	if l == nil || l.limit <= 0 {
		return nil
	}
	key := fmt.Sprintf("ratelimit:%s:%s", kind, userID)
	n, err := l.store.Incr(ctx, key)
	if err != nil {
		// Degrade open: a broken limiter must not reject work.
		return nil
	}
	if n == 1 {
		_ = l.store.Expire(ctx, key, l.window)
	}
	if n > l.limit {
		return fmt.Errorf("op=kv.RateLimiter.Allow: %w: %s %s", domain.ErrRateLimited, kind, userID)
	}
	return nil
}
