package index

import "strings"

const (
	CategoryFileOperations = "file_operations"
	CategoryVersionControl = "version_control"
	CategoryDataStorage    = "data_storage"
	CategorySearch         = "search"
	CategoryWebAccess      = "web_access"
	CategoryGeneral        = "general"
)

var categoryKeywords = []struct {
	category string
	keywords []string
}{
	{CategoryFileOperations, []string{"file", "read", "write", "directory"}},
	{CategoryVersionControl, []string{"git", "commit", "branch"}},
	{CategoryDataStorage, []string{"data", "store", "memory"}},
	{CategorySearch, []string{"search", "query", "find"}},
	{CategoryWebAccess, []string{"web", "http", "fetch"}},
}

// InferCategory picks the first category whose keywords appear in the tool name or
// description. The order of categoryKeywords is significant.
func InferCategory(name, description string) string {
	text := strings.ToLower(name + " " + description)
	for _, entry := range categoryKeywords {
		for _, keyword := range entry.keywords {
			if strings.Contains(text, keyword) {
				return entry.category
			}
		}
	}
	return CategoryGeneral
}
