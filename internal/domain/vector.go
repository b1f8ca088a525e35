package domain

// ToolVector is a tool-level embedding used for first-stage retrieval.
type ToolVector struct {
	ID           string
	Server       string
	ToolName     string
	Description  string
	Category     string
	Embedding    []float32
	Capabilities []string
}

// MethodVector is a finer-grained embedding used to rerank inside candidate tools.
type MethodVector struct {
	ID           string
	Server       string
	ToolName     string
	Description  string
	Category     string
	Embedding    []float32
	Capabilities []string
}

// SearchHit is one ranked retrieval result.
type SearchHit struct {
	ID          string
	Server      string
	ToolName    string
	Description string
	Category    string
	Score       float64
	// Cluster holds ids of near-duplicates folded into this hit.
	Cluster []string
}

// Qualified returns "server::tool" for the hit.
func (h SearchHit) Qualified() string {
	return QualifyTool(h.Server, h.ToolName)
}
