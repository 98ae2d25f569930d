package remote

import (
	"context"

	"golang.org/x/time/rate"

	"chatsync/pkg/syncerr"
)

// requestLimiter is a client-side token bucket in front of the backend so a
// burst of retries or refreshes cannot hammer it.
type requestLimiter struct {
	l *rate.Limiter
}

func newRequestLimiter(rps float64, burst int) *requestLimiter {
	if rps <= 0 {
		return &requestLimiter{l: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst <= 0 {
		burst = 1
	}
	return &requestLimiter{l: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks for a token. A context that ends first is reported as the
// network being unavailable, since the request never left.
func (r *requestLimiter) Wait(ctx context.Context) error {
	if err := r.l.Wait(ctx); err != nil {
		return syncerr.Wrapf(syncerr.ErrNetworkUnavailable, err, "rate limiter")
	}
	return nil
}
