package app

import (
	"context"
	"errors"
	"os"

	"mcproute/internal/domain"
	"mcproute/internal/infra/catalog"
	"mcproute/internal/infra/history"
)

type HistoryQuery struct {
	ConfigPath string
	Limit      int
}

type HistoryReport struct {
	Path       string                   `json:"path"`
	Routes     []domain.RouteRecord     `json:"routes"`
	Executions []domain.ExecutionRecord `json:"executions"`
}

// History reads recent route and execution records. The store path comes from the config when
// it exists, otherwise from the default location.
func (a *App) History(ctx context.Context, query HistoryQuery) (HistoryReport, error) {
	path := ""
	if query.ConfigPath != "" {
		loaded, err := catalog.NewLoader(a.logger).Load(ctx, query.ConfigPath)
		switch {
		case err == nil:
			path = loaded.History.Path
		case errors.Is(err, os.ErrNotExist):
		default:
			return HistoryReport{}, err
		}
	}
	if path == "" {
		path = history.ResolveDefaultPath()
	}

	store, err := history.OpenStore(path, 0, a.logger)
	if err != nil {
		return HistoryReport{}, err
	}
	defer store.Close()

	routes, err := store.Routes(query.Limit)
	if err != nil {
		return HistoryReport{}, err
	}
	executions, err := store.Executions(query.Limit)
	if err != nil {
		return HistoryReport{}, err
	}
	return HistoryReport{Path: path, Routes: routes, Executions: executions}, nil
}
