package decision

import (
	"fmt"
	"sort"
	"strings"

	"mcproute/internal/domain"
	"mcproute/internal/infra/index"
)

// CapabilitySummary describes every reachable server and tool in one paragraph. It becomes the
// description of intelligent_route so the client knows what it can ask for.
func CapabilitySummary(discovery domain.Discovery) string {
	servers := make([]domain.ServerDiscovery, len(discovery.Servers))
	copy(servers, discovery.Servers)
	sort.Slice(servers, func(i, j int) bool { return servers[i].Server < servers[j].Server })

	names := make([]string, 0, len(servers))
	listings := make([]string, 0, len(servers))
	categories := make(map[string]struct{})
	total := 0
	for _, server := range servers {
		names = append(names, server.Server)
		tools := make([]string, 0, len(server.Tools))
		for _, tool := range server.Tools {
			tools = append(tools, tool.Name)
			category := server.Category
			if category == "" {
				category = index.InferCategory(tool.Name, tool.Description)
			}
			categories[category] = struct{}{}
		}
		total += len(tools)
		if len(tools) > 0 {
			listings = append(listings, fmt.Sprintf("[%s] %s", server.Server, strings.Join(tools, ", ")))
		}
	}
	sorted := make([]string, 0, len(categories))
	for category := range categories {
		sorted = append(sorted, category)
	}
	sort.Strings(sorted)

	return fmt.Sprintf(
		"I can route your requests to %d downstream MCP server%s (%s) with %d total tool%s available. Available tools: %s. Supported categories: %s.",
		len(servers), plural(len(servers)), strings.Join(names, ", "),
		total, plural(total), strings.Join(listings, "; "),
		strings.Join(sorted, ", "),
	)
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
