package index

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"mcproute/internal/domain"
)

const noDescription = "No description provided"

// ToolDocument is the text embedded for a tool vector.
func ToolDocument(name, description string) string {
	if strings.TrimSpace(description) == "" {
		description = noDescription
	}
	return name + "\nDescription: " + description
}

// methodDocument extends the tool document with parameter names for reranking.
func methodDocument(tool domain.BackendTool, params []string) string {
	doc := ToolDocument(tool.Name, tool.Description)
	if len(params) == 0 {
		return doc
	}
	return doc + "\nParameters: " + strings.Join(params, ", ")
}

// BuildEntries embeds every discovered tool twice: once as a tool vector and once,
// with its parameters, as a method vector.
func BuildEntries(ctx context.Context, embedder domain.Embedder, discovery domain.Discovery) ([]domain.ToolVector, []domain.MethodVector, error) {
	type meta struct {
		tool     domain.BackendTool
		category string
		params   []string
	}
	var metas []meta
	for _, server := range discovery.Servers {
		for _, tool := range server.Tools {
			category := server.Category
			if category == "" {
				category = InferCategory(tool.Name, tool.Description)
			}
			metas = append(metas, meta{tool: tool, category: category, params: schemaProperties(tool.InputSchema)})
		}
	}
	if len(metas) == 0 {
		return nil, nil, nil
	}

	docs := make([]string, 0, len(metas)*2)
	for _, m := range metas {
		docs = append(docs, ToolDocument(m.tool.Name, m.tool.Description))
	}
	for _, m := range metas {
		docs = append(docs, methodDocument(m.tool, m.params))
	}
	vectors, err := embedder.Embed(ctx, docs)
	if err != nil {
		return nil, nil, fmt.Errorf("embed tool documents: %w", err)
	}
	if len(vectors) != len(docs) {
		return nil, nil, fmt.Errorf("embedder returned %d vectors for %d documents", len(vectors), len(docs))
	}

	tools := make([]domain.ToolVector, 0, len(metas))
	methods := make([]domain.MethodVector, 0, len(metas))
	for i, m := range metas {
		qualified := m.tool.QualifiedName()
		tools = append(tools, domain.ToolVector{
			ID:           qualified,
			Server:       m.tool.Server,
			ToolName:     m.tool.Name,
			Description:  m.tool.Description,
			Category:     m.category,
			Embedding:    vectors[i],
			Capabilities: []string{m.category},
		})
		methods = append(methods, domain.MethodVector{
			ID:           domain.MethodVectorPrefix + "::" + qualified,
			Server:       m.tool.Server,
			ToolName:     m.tool.Name,
			Description:  m.tool.Description,
			Category:     m.category,
			Embedding:    vectors[len(metas)+i],
			Capabilities: m.params,
		})
	}
	return tools, methods, nil
}

// Rebuild embeds discovery and swaps the result into idx.
func Rebuild(ctx context.Context, idx *Index, embedder domain.Embedder, discovery domain.Discovery) error {
	tools, methods, err := BuildEntries(ctx, embedder, discovery)
	if err != nil {
		return err
	}
	return idx.Build(tools, methods)
}

func schemaProperties(schema json.RawMessage) []string {
	if len(schema) == 0 {
		return nil
	}
	var decoded struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(schema, &decoded); err != nil {
		return nil
	}
	out := make([]string, 0, len(decoded.Properties))
	for name := range decoded.Properties {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
