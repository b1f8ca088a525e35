package index

import (
	"fmt"
	"math"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"

	"mcproute/internal/domain"
)

// Index is an in-memory cosine index over tool and method vectors. Build swaps in a
// complete new state, so searches never wait on a rebuild.
type Index struct {
	cfg    domain.IndexConfig
	logger *zap.Logger
	state  atomic.Value // indexState
}

type indexState struct {
	dim     int
	tools   []domain.ToolVector
	methods []domain.MethodVector
}

func New(cfg domain.IndexConfig, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	idx := &Index{cfg: normalizeConfig(cfg), logger: logger.Named("index")}
	idx.state.Store(indexState{dim: idx.cfg.Dimension})
	return idx
}

func normalizeConfig(cfg domain.IndexConfig) domain.IndexConfig {
	if cfg.TopN <= 0 {
		cfg.TopN = domain.DefaultTopN
	}
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = domain.DefaultMinSimilarity
	}
	if cfg.TopK <= 0 {
		cfg.TopK = domain.DefaultTopK
	}
	if cfg.ClusterThreshold <= 0 {
		cfg.ClusterThreshold = domain.DefaultClusterThreshold
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = domain.DefaultEmbedDimension
	}
	if cfg.FastPathThreshold <= 0 {
		cfg.FastPathThreshold = domain.DefaultFastPathScore
	}
	return cfg
}

// Config returns the effective search defaults.
func (i *Index) Config() domain.IndexConfig {
	return i.cfg
}

func (i *Index) load() indexState {
	return i.state.Load().(indexState)
}

// Build replaces the index contents. Every vector must have the configured dimension.
func (i *Index) Build(tools []domain.ToolVector, methods []domain.MethodVector) error {
	dim := i.cfg.Dimension
	for _, tool := range tools {
		if len(tool.Embedding) != dim {
			return fmt.Errorf("%w: tool %s has %d, want %d", domain.ErrDimensionMismatch, tool.ID, len(tool.Embedding), dim)
		}
	}
	for _, method := range methods {
		if len(method.Embedding) != dim {
			return fmt.Errorf("%w: method %s has %d, want %d", domain.ErrDimensionMismatch, method.ID, len(method.Embedding), dim)
		}
	}
	i.state.Store(indexState{
		dim:     dim,
		tools:   append([]domain.ToolVector(nil), tools...),
		methods: append([]domain.MethodVector(nil), methods...),
	})
	i.logger.Debug("index rebuilt", zap.Int("tools", len(tools)), zap.Int("methods", len(methods)))
	return nil
}

// Size reports how many tool and method vectors are indexed.
func (i *Index) Size() (int, int) {
	state := i.load()
	return len(state.tools), len(state.methods)
}

// SearchTools ranks tool vectors by cosine similarity. Non-positive topN or
// minSimilarity fall back to the configured defaults.
func (i *Index) SearchTools(query []float32, topN int, minSimilarity float64) ([]domain.SearchHit, error) {
	state := i.load()
	if len(state.tools) == 0 {
		return nil, nil
	}
	if len(query) != state.dim {
		return nil, fmt.Errorf("%w: query has %d, index has %d", domain.ErrDimensionMismatch, len(query), state.dim)
	}
	if topN <= 0 {
		topN = i.cfg.TopN
	}
	if minSimilarity <= 0 {
		minSimilarity = i.cfg.MinSimilarity
	}

	hits := make([]domain.SearchHit, 0, len(state.tools))
	for _, tool := range state.tools {
		score := cosine(query, tool.Embedding)
		if score < minSimilarity {
			continue
		}
		hits = append(hits, domain.SearchHit{
			ID:          tool.ID,
			Server:      tool.Server,
			ToolName:    tool.ToolName,
			Description: tool.Description,
			Category:    tool.Category,
			Score:       score,
		})
	}
	sortHits(hits)
	if len(hits) > topN {
		hits = hits[:topN]
	}
	return hits, nil
}

// SearchMethods reranks method vectors, optionally restricted to toolFilter (qualified
// tool names or server names), and folds near-duplicates: a hit whose similarity to an
// already chosen hit reaches clusterThreshold joins that hit's cluster.
func (i *Index) SearchMethods(query []float32, toolFilter []string, topK int, clusterThreshold float64) ([]domain.SearchHit, error) {
	state := i.load()
	if len(state.methods) == 0 {
		return nil, nil
	}
	if len(query) != state.dim {
		return nil, fmt.Errorf("%w: query has %d, index has %d", domain.ErrDimensionMismatch, len(query), state.dim)
	}
	if topK <= 0 {
		topK = i.cfg.TopK
	}
	if clusterThreshold <= 0 {
		clusterThreshold = i.cfg.ClusterThreshold
	}
	filter := make(map[string]struct{}, len(toolFilter))
	for _, name := range toolFilter {
		filter[name] = struct{}{}
	}

	type scored struct {
		hit    domain.SearchHit
		vector []float32
	}
	candidates := make([]scored, 0, len(state.methods))
	for _, method := range state.methods {
		if len(filter) > 0 && !matchesFilter(filter, method) {
			continue
		}
		candidates = append(candidates, scored{
			hit: domain.SearchHit{
				ID:          method.ID,
				Server:      method.Server,
				ToolName:    method.ToolName,
				Description: method.Description,
				Category:    method.Category,
				Score:       cosine(query, method.Embedding),
			},
			vector: method.Embedding,
		})
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		return lessHit(candidates[a].hit, candidates[b].hit)
	})

	var chosen []scored
	for _, candidate := range candidates {
		merged := false
		for j := range chosen {
			if cosine(candidate.vector, chosen[j].vector) >= clusterThreshold {
				chosen[j].hit.Cluster = append(chosen[j].hit.Cluster, candidate.hit.ID)
				merged = true
				break
			}
		}
		if merged {
			continue
		}
		if len(chosen) == topK {
			continue
		}
		chosen = append(chosen, candidate)
	}

	out := make([]domain.SearchHit, 0, len(chosen))
	for _, c := range chosen {
		out = append(out, c.hit)
	}
	return out, nil
}

func matchesFilter(filter map[string]struct{}, method domain.MethodVector) bool {
	if _, ok := filter[domain.QualifyTool(method.Server, method.ToolName)]; ok {
		return true
	}
	_, ok := filter[method.Server]
	return ok
}

func sortHits(hits []domain.SearchHit) {
	sort.SliceStable(hits, func(a, b int) bool { return lessHit(hits[a], hits[b]) })
}

// lessHit orders by score, then id, so equal scores rank deterministically.
func lessHit(a, b domain.SearchHit) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.ID < b.ID
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
