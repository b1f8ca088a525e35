package transfer

import (
	"errors"
	"strings"

	"mcproute/internal/domain"
)

// Source identifies another MCP client whose server list can be imported.
type Source string

const (
	SourceClaude Source = "claude"
	SourceCodex  Source = "codex"
	SourceGemini Source = "gemini"
)

const (
	IssueInvalid     = "invalid"
	IssueDuplicate   = "duplicate"
	IssueUnsupported = "unsupported"
)

var (
	ErrNotFound      = errors.New("import source config not found")
	ErrUnknownSource = errors.New("unknown import source")
)

// Issue explains why one entry was skipped.
type Issue struct {
	Name    string
	Kind    string
	Message string
}

type Result struct {
	Source  Source
	Path    string
	Servers []domain.ServerSpec
	Issues  []Issue
}

func ParseSource(raw string) (Source, error) {
	switch Source(strings.ToLower(strings.TrimSpace(raw))) {
	case SourceClaude:
		return SourceClaude, nil
	case SourceCodex:
		return SourceCodex, nil
	case SourceGemini:
		return SourceGemini, nil
	default:
		return "", ErrUnknownSource
	}
}
