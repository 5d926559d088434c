package semantic

import (
	"context"
	"errors"
)

// NoopEmbedder is the stub used when no provider is configured. It returns
// nil vectors, which the index treats as "provider unavailable".
type NoopEmbedder struct{}

// Embed returns nil with no error, signalling that embedding is unavailable.
func (NoopEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return nil, nil
}

// Health always fails: there is nothing to embed with.
func (NoopEmbedder) Health(_ context.Context) error {
	return errors.New("no embedding provider configured")
}

// Compile-time interface satisfaction check.
var (
	_ Embedder      = NoopEmbedder{}
	_ HealthChecker = NoopEmbedder{}
)
