package semantic

import (
	"context"
	"errors"
)

// Embedder produces vector embeddings for text. Implementations range from
// a no-op stub (the default, which leaves the index unavailable) to hosted
// OpenAI-compatible and local Ollama providers.
type Embedder interface {
	// Embed produces a vector embedding for the given text.
	// Returns nil with no error when embedding is not available (noop).
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HealthChecker is implemented by embedders that can report availability
// without producing a real embedding.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// ErrUnavailable marks every failure caused by the embedding provider or an
// index that is not ready. Structural operations never return it.
var ErrUnavailable = errors.New("semantic index unavailable")

// checkHealth asks e whether it can serve embeddings. Embedders without a
// Health method are probed with a tiny embedding.
func checkHealth(ctx context.Context, e Embedder) error {
	if hc, ok := e.(HealthChecker); ok {
		return hc.Health(ctx)
	}
	vec, err := e.Embed(ctx, "health check")
	if err != nil {
		return err
	}
	if len(vec) == 0 {
		return errors.New("embedder returned no vector")
	}
	return nil
}
