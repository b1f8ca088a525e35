package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"

	"github.com/cloudwego/eino/components/embedding"

	"mcproute/internal/domain"
)

const (
	titleWeight   = 2.0
	trigramWeight = 0.3
)

var (
	camelBoundary = regexp.MustCompile(`([a-z0-9])([A-Z])`)
	wordSplit     = regexp.MustCompile(`[^a-z0-9]+`)
	stopWords     = map[string]struct{}{
		"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "of": {}, "to": {}, "in": {}, "for": {},
		"on": {}, "with": {}, "by": {}, "is": {}, "are": {}, "be": {}, "this": {}, "that": {},
		"it": {}, "from": {}, "at": {}, "as": {}, "description": {}, "into": {}, "its": {},
		"your": {}, "you": {},
	}
)

// HashingEmbedder is a local, dependency-free embedder. Words and their character
// trigrams are hashed into a fixed number of signed buckets and the result is
// L2-normalized. The first line of a text counts double, so tool names dominate
// their descriptions.
type HashingEmbedder struct {
	dim int
}

var _ embedding.Embedder = (*HashingEmbedder)(nil)

func NewHashingEmbedder(dim int) *HashingEmbedder {
	if dim <= 0 {
		dim = domain.DefaultEmbedDimension
	}
	return &HashingEmbedder{dim: dim}
}

func (e *HashingEmbedder) Dimension() int {
	return e.dim
}

func (e *HashingEmbedder) EmbedStrings(ctx context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	out := make([][]float64, 0, len(texts))
	for _, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, e.embed(text))
	}
	return out, nil
}

func (e *HashingEmbedder) embed(text string) []float64 {
	vec := make([]float64, e.dim)
	for i, line := range strings.Split(text, "\n") {
		weight := 1.0
		if i == 0 {
			weight = titleWeight
		}
		for _, token := range tokenize(line) {
			e.add(vec, token, weight)
			if len(token) <= 3 {
				continue
			}
			padded := "#" + token + "#"
			for j := 0; j+3 <= len(padded); j++ {
				e.add(vec, "3:"+padded[j:j+3], weight*trigramWeight)
			}
		}
	}
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

func (e *HashingEmbedder) add(vec []float64, feature string, weight float64) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum32()
	idx := int(sum % uint32(e.dim))
	if sum>>31&1 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}

// tokenize lowercases, splits camelCase and snake_case, drops stop words and trims plural "s".
func tokenize(line string) []string {
	line = camelBoundary.ReplaceAllString(line, "$1 $2")
	words := wordSplit.Split(strings.ToLower(line), -1)
	out := make([]string, 0, len(words))
	for _, word := range words {
		if len(word) < 2 {
			continue
		}
		if _, stop := stopWords[word]; stop {
			continue
		}
		if len(word) > 4 && strings.HasSuffix(word, "s") && !strings.HasSuffix(word, "ss") {
			word = word[:len(word)-1]
		}
		out = append(out, word)
	}
	return out
}
