package embedding

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"mcproute/internal/domain"
)

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{in: "git_status", want: []string{"git", "status"}},
		{in: "readFile", want: []string{"read", "file"}},
		{in: "Description: Show the working tree status", want: []string{"show", "working", "tree", "statu"}},
		{in: "List all files", want: []string{"list", "all", "file"}},
		{in: "a b", want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tokenize(tt.in)); diff != "" {
				t.Fatalf("tokenize mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestHashingEmbedder_RanksRelatedText(t *testing.T) {
	ctx := context.Background()
	adapter := NewAdapter(NewHashingEmbedder(domain.DefaultEmbedDimension), domain.DefaultEmbedDimension)

	vectors, err := adapter.Embed(ctx, []string{
		"check git status",
		"git_status\nDescription: Show the working tree status",
		"git_log\nDescription: Show commit logs",
		"read_file\nDescription: Read the contents of a file from disk",
	})
	require.NoError(t, err)
	require.Len(t, vectors, 4)
	for _, v := range vectors {
		require.Len(t, v, domain.DefaultEmbedDimension)
	}

	query := vectors[0]
	status := cosine(query, vectors[1])
	logs := cosine(query, vectors[2])
	files := cosine(query, vectors[3])

	require.Greater(t, status, 0.6)
	require.Less(t, status, 0.75)
	require.Greater(t, status, logs)
	require.Greater(t, status, files)
}

func TestHashingEmbedder_Normalized(t *testing.T) {
	vectors, err := NewHashingEmbedder(64).EmbedStrings(context.Background(), []string{"search the web", ""})
	require.NoError(t, err)

	var norm float64
	for _, v := range vectors[0] {
		norm += v * v
	}
	require.InDelta(t, 1.0, math.Sqrt(norm), 1e-9)

	for _, v := range vectors[1] {
		require.Zero(t, v)
	}
}

func TestHashingEmbedder_Deterministic(t *testing.T) {
	e := NewHashingEmbedder(128)
	first, err := e.EmbedStrings(context.Background(), []string{"query the database"})
	require.NoError(t, err)
	second, err := e.EmbedStrings(context.Background(), []string{"query the database"})
	require.NoError(t, err)
	require.Equal(t, first, second)
}

type fixedEmbedder struct {
	vectors [][]float64
	err     error
}

func (f fixedEmbedder) EmbedStrings(context.Context, []string, ...embedding.Option) ([][]float64, error) {
	return f.vectors, f.err
}

func TestAdapter_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := NewAdapter(fixedEmbedder{vectors: [][]float64{{1, 2}}}, 3).Embed(ctx, []string{"x"})
	require.ErrorIs(t, err, domain.ErrDimensionMismatch)

	_, err = NewAdapter(fixedEmbedder{vectors: [][]float64{{1}}}, 1).Embed(ctx, []string{"x", "y"})
	require.ErrorContains(t, err, "returned 1 vectors for 2 texts")

	boom := errors.New("boom")
	_, err = NewAdapter(fixedEmbedder{err: boom}, 1).Embed(ctx, []string{"x"})
	require.ErrorIs(t, err, boom)

	got, err := NewAdapter(fixedEmbedder{}, 1).Embed(ctx, nil)
	require.NoError(t, err)
	require.Nil(t, got)
}
