package embedding

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/embedding"

	"mcproute/internal/domain"
)

// Adapter exposes any eino embedder as a domain.Embedder with a fixed dimension.
type Adapter struct {
	embedder embedding.Embedder
	dim      int
}

var _ domain.Embedder = (*Adapter)(nil)

func NewAdapter(embedder embedding.Embedder, dim int) *Adapter {
	return &Adapter{embedder: embedder, dim: dim}
}

func (a *Adapter) Dimension() int {
	return a.dim
}

// Embed converts to float32 and rejects vectors of the wrong length.
func (a *Adapter) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors, err := a.embedder.EmbedStrings(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed strings: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
	}
	out := make([][]float32, len(vectors))
	for i, vector := range vectors {
		if a.dim > 0 && len(vector) != a.dim {
			return nil, fmt.Errorf("%w: got %d, want %d", domain.ErrDimensionMismatch, len(vector), a.dim)
		}
		converted := make([]float32, len(vector))
		for j, v := range vector {
			converted[j] = float32(v)
		}
		out[i] = converted
	}
	return out, nil
}
