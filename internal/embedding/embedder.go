// Package embedding defines the embedding-provider capability: turning text
// into a vector. The index core never computes embeddings itself; it only
// calls through this interface.
package embedding

import (
	"context"
	"errors"
)

// ErrUnavailable is returned (wrapped) when the provider cannot produce an
// embedding. Callers treat it as a retryable capability failure: the index
// state is left unchanged.
var ErrUnavailable = errors.New("embedding provider unavailable")

// Embedder produces vector embeddings for text. Embed may block while the
// embedding is computed off-process; implementations should honor ctx.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}
