package embedding

import (
	"context"
	"math"

	"github.com/hyperjump/kensaku/pkg/utils"
)

// Mock is a deterministic embedder for tests and development: the same text
// always maps to the same unit-length vector, and distinct texts are very
// likely to map to distinct vectors.
type Mock struct {
	dimensions int
}

var _ Embedder = (*Mock)(nil)

// NewMock returns a deterministic embedder of the given dimensionality.
func NewMock(dimensions int) *Mock {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &Mock{dimensions: dimensions}
}

// Embed derives a normalized vector from the text hash.
func (m *Mock) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := utils.HashString(text)
	vec := make([]float32, m.dimensions)
	for i := range vec {
		vec[i] = float32(math.Sin(float64(h*(i+1)))*0.1 + 0.01)
	}
	utils.NormalizeL2(vec)
	return vec, nil
}

// EmbedBatch embeds each text in order.
func (m *Mock) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := m.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vecs[i] = vec
	}
	return vecs, nil
}

// Dimensions returns the embedding dimension.
func (m *Mock) Dimensions() int {
	return m.dimensions
}

// Close is a no-op.
func (m *Mock) Close() error {
	return nil
}
