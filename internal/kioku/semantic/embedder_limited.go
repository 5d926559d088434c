package semantic

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimitedEmbedder spaces calls to an upstream provider so a bulk rebuild
// does not trip the provider's own rate limit.
type RateLimitedEmbedder struct {
	next    Embedder
	limiter *rate.Limiter
}

// NewRateLimitedEmbedder allows perSecond calls per second with the given
// burst. A non-positive rate disables limiting and returns next unchanged.
func NewRateLimitedEmbedder(next Embedder, perSecond float64, burst int) Embedder {
	if perSecond <= 0 {
		return next
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedEmbedder{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Embed waits for a token, then delegates.
func (r *RateLimitedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embedder rate limit: %w", err)
	}
	return r.next.Embed(ctx, text)
}

// Health delegates without consuming a token.
func (r *RateLimitedEmbedder) Health(ctx context.Context) error {
	return checkHealth(ctx, r.next)
}

var (
	_ Embedder      = (*RateLimitedEmbedder)(nil)
	_ HealthChecker = (*RateLimitedEmbedder)(nil)
)
