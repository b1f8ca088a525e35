//go:build wireinject
// +build wireinject

package app

import (
	"github.com/google/wire"

	"mcproute/internal/domain"
	"mcproute/internal/infra/pool"
)

var CoreInfraSet = wire.NewSet(
	NewLogger,
	NewMetricsRegistry,
	NewMetrics,
	NewHealthTracker,
	NewCatalogLoader,
	LoadCatalog,
	wire.FieldsOf(new(domain.Catalog), "Registry", "Index", "Decision", "Script", "Pool", "LLM", "Gateway", "History"),
)

var BackendSet = wire.NewSet(
	NewDialer,
	NewPool,
	wire.Bind(new(domain.ToolCaller), new(*pool.Pool)),
	NewEmbedder,
	NewIndex,
)

var RoutingSet = wire.NewSet(
	NewRegistry,
	NewScriptEngine,
	NewScriptValidator,
	NewCompleter,
	NewHistory,
	NewDecisionEngine,
	NewGateway,
)

var AppSet = wire.NewSet(
	CoreInfraSet,
	BackendSet,
	RoutingSet,
	wire.Struct(new(ApplicationOptions), "*"),
	NewApplication,
)
