package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mcproute/internal/domain"
	"mcproute/internal/infra/hashutil"
	"mcproute/internal/infra/telemetry"
)

// Registry holds the permanent base tools and the TTL-bounded dynamic tools. It is
// the only source of what a client sees in tools/list.
type Registry struct {
	cfg     domain.RegistryConfig
	metrics domain.Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.RWMutex
	base    map[string]domain.ToolDefinition
	dynamic map[string]*entry

	snapshot atomic.Pointer[cachedSnapshot]
}

type Options struct {
	Config  domain.RegistryConfig
	Metrics domain.Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

type entry struct {
	tool         domain.RegisteredTool
	registeredAt time.Time
	ttl          time.Duration
	lastUsed     atomic.Int64
	executions   atomic.Int64
}

func (e *entry) live(now time.Time) bool {
	return now.Before(e.registeredAt.Add(e.ttl))
}

func (e *entry) meta() domain.EntryMeta {
	return domain.EntryMeta{
		RegisteredAt:   e.registeredAt,
		TTL:            e.ttl,
		LastUsed:       time.Unix(0, e.lastUsed.Load()),
		ExecutionCount: e.executions.Load(),
	}
}

// cachedSnapshot is valid until the earliest dynamic expiry it contains.
type cachedSnapshot struct {
	snapshot   *domain.ToolSnapshot
	validUntil time.Time
}

func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NoopMetrics{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	cfg := opts.Config
	if cfg.TTL <= 0 {
		cfg.TTL = domain.DefaultToolTTL
	}
	if cfg.MaxDynamic < 0 {
		cfg.MaxDynamic = domain.DefaultMaxDynamicTools
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = domain.DefaultSweepInterval
	}
	return &Registry{
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.Named("registry"),
		now:     now,
		base:    map[string]domain.ToolDefinition{},
		dynamic: map[string]*entry{},
	}
}

// ReplaceBase swaps the base tool set wholesale.
func (r *Registry) ReplaceBase(tools []domain.ToolDefinition) {
	next := make(map[string]domain.ToolDefinition, len(tools))
	for _, tool := range tools {
		tool.Origin = domain.ToolOriginBase
		next[tool.Name] = tool
	}
	r.mu.Lock()
	r.base = next
	r.invalidateLocked()
	base, dynamic := len(r.base), len(r.dynamic)
	r.mu.Unlock()
	r.metrics.SetRegistrySize(base, dynamic)
}

// Register inserts a dynamic tool. Re-registering a name with a tool of the same kind
// refreshes it in place; a live entry of another kind is never replaced. A new name at
// capacity evicts the least recently used entry first. Input schemas must be object schemas.
func (r *Registry) Register(tool domain.RegisteredTool) error {
	if tool == nil {
		return domain.E(domain.CodeMalformedRequest, "registry.register", "tool is required", domain.ErrMalformedRequest)
	}
	def := tool.Definition()
	name := def.Name
	if name == "" {
		return domain.E(domain.CodeMalformedRequest, "registry.register", "tool name is required", domain.ErrMalformedRequest)
	}
	if _, err := domain.NormalizeInputSchema(def.InputSchema); err != nil {
		return domain.E(domain.CodeMalformedRequest, "registry.register", fmt.Sprintf("tool %q: %v", name, err), err)
	}
	now := r.now()

	r.mu.Lock()
	if _, ok := r.base[name]; ok {
		r.mu.Unlock()
		return domain.E(domain.CodeMalformedRequest, "registry.register", fmt.Sprintf("tool name %q is reserved", name), domain.ErrMalformedRequest)
	}
	evicted := ""
	if existing, ok := r.dynamic[name]; ok {
		if existing.live(now) && domain.ToolKind(existing.tool) != domain.ToolKind(tool) {
			r.mu.Unlock()
			return domain.E(domain.CodeMalformedRequest, "registry.register",
				fmt.Sprintf("tool name %q is held by a %s tool", name, domain.ToolKind(existing.tool)), domain.ErrToolKindConflict)
		}
		existing.tool = tool
		existing.registeredAt = now
		existing.ttl = r.cfg.TTL
		existing.lastUsed.Store(now.UnixNano())
	} else {
		if r.cfg.MaxDynamic == 0 {
			r.mu.Unlock()
			return domain.E(domain.CodeRegistryFull, "registry.register", "", domain.ErrRegistryFull)
		}
		if len(r.dynamic) >= r.cfg.MaxDynamic {
			evicted = r.evictLRULocked()
		}
		e := &entry{tool: tool, registeredAt: now, ttl: r.cfg.TTL}
		e.lastUsed.Store(now.UnixNano())
		r.dynamic[name] = e
	}
	r.invalidateLocked()
	base, dynamic := len(r.base), len(r.dynamic)
	r.mu.Unlock()

	r.metrics.SetRegistrySize(base, dynamic)
	if evicted != "" {
		r.logger.Info("dynamic tool evicted",
			telemetry.EventField(telemetry.EventToolEvicted),
			telemetry.ToolField(evicted),
		)
	}
	r.logger.Debug("dynamic tool registered",
		telemetry.EventField(telemetry.EventToolRegistered),
		telemetry.ToolField(name),
		zap.String("kind", domain.ToolKind(tool)),
	)
	return nil
}

// evictLRULocked removes the entry with the oldest last use. Ties go to the smaller name.
func (r *Registry) evictLRULocked() string {
	var victim string
	var oldest int64
	for name, e := range r.dynamic {
		used := e.lastUsed.Load()
		if victim == "" || used < oldest || (used == oldest && name < victim) {
			victim, oldest = name, used
		}
	}
	if victim != "" {
		delete(r.dynamic, victim)
	}
	return victim
}

// Unregister removes a dynamic tool and reports whether it existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	_, ok := r.dynamic[name]
	if ok {
		delete(r.dynamic, name)
		r.invalidateLocked()
	}
	base, dynamic := len(r.base), len(r.dynamic)
	r.mu.Unlock()
	if ok {
		r.metrics.SetRegistrySize(base, dynamic)
	}
	return ok
}

// GetTool resolves name against base tools, then live dynamic tools. A dynamic hit
// counts as a use.
func (r *Registry) GetTool(name string) (domain.ResolvedTool, error) {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	if def, ok := r.base[name]; ok {
		return domain.ResolvedTool{Definition: def}, nil
	}
	e, ok := r.dynamic[name]
	if !ok || !e.live(now) {
		return domain.ResolvedTool{}, domain.E(domain.CodeToolNotFound, "registry.get", fmt.Sprintf("%s: %s", domain.ErrToolNotFound.Error(), name), domain.ErrToolNotFound)
	}
	e.lastUsed.Store(now.UnixNano())
	e.executions.Add(1)
	return domain.ResolvedTool{Definition: dynamicDefinition(e.tool), Dynamic: e.tool}, nil
}

// Meta returns the accounting metadata of a live dynamic tool.
func (r *Registry) Meta(name string) (domain.EntryMeta, bool) {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.dynamic[name]
	if !ok || !e.live(now) {
		return domain.EntryMeta{}, false
	}
	return e.meta(), true
}

// AllToolDefinitions returns the published snapshot, rebuilding it when a mutation or
// an expiry has made it stale.
func (r *Registry) AllToolDefinitions() *domain.ToolSnapshot {
	now := r.now()
	if cached := r.snapshot.Load(); cached != nil && now.Before(cached.validUntil) {
		return cached.snapshot
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	// Writers invalidate under the write lock, so a snapshot stored here cannot be stale.
	if cached := r.snapshot.Load(); cached != nil && now.Before(cached.validUntil) {
		return cached.snapshot
	}

	baseTools := make([]domain.ToolDefinition, 0, len(r.base))
	for _, def := range r.base {
		baseTools = append(baseTools, def)
	}
	sortDefinitions(baseTools)

	validUntil := now.Add(r.cfg.TTL)
	dynamicTools := make([]domain.ToolDefinition, 0, len(r.dynamic))
	for name, e := range r.dynamic {
		if _, shadowed := r.base[name]; shadowed || !e.live(now) {
			continue
		}
		if expiry := e.registeredAt.Add(e.ttl); expiry.Before(validUntil) {
			validUntil = expiry
		}
		dynamicTools = append(dynamicTools, dynamicDefinition(e.tool))
	}
	sortDefinitions(dynamicTools)

	tools := append(baseTools, dynamicTools...)
	snapshot := &domain.ToolSnapshot{
		ETag:  hashutil.ToolETag(r.logger, tools),
		Tools: tools,
	}
	r.snapshot.Store(&cachedSnapshot{snapshot: snapshot, validUntil: validUntil})
	return snapshot
}

// SweepExpired drops expired dynamic tools and returns how many were removed.
func (r *Registry) SweepExpired() int {
	now := r.now()
	var removed []string
	r.mu.Lock()
	for name, e := range r.dynamic {
		if !e.live(now) {
			delete(r.dynamic, name)
			removed = append(removed, name)
		}
	}
	if len(removed) > 0 {
		r.invalidateLocked()
	}
	base, dynamic := len(r.base), len(r.dynamic)
	r.mu.Unlock()

	if len(removed) > 0 {
		sort.Strings(removed)
		r.metrics.SetRegistrySize(base, dynamic)
		r.logger.Info("expired dynamic tools removed",
			telemetry.EventField(telemetry.EventToolsExpired),
			zap.Strings("tools", removed),
		)
	}
	return len(removed)
}

// Run sweeps expired tools on the configured interval until ctx ends.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.SweepExpired()
		}
	}
}

// Stats counts live tools.
func (r *Registry) Stats() domain.RegistryStats {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := domain.RegistryStats{BaseTools: len(r.base), Capacity: r.cfg.MaxDynamic}
	for _, e := range r.dynamic {
		if !e.live(now) {
			continue
		}
		stats.DynamicTools++
		stats.Executions += e.executions.Load()
		switch domain.ToolKind(e.tool) {
		case domain.ToolKindProxied:
			stats.Proxied++
		case domain.ToolKindScript:
			stats.Scripted++
		}
	}
	return stats
}

func (r *Registry) invalidateLocked() {
	r.snapshot.Store(nil)
}

func dynamicDefinition(tool domain.RegisteredTool) domain.ToolDefinition {
	def := tool.Definition()
	def.Origin = domain.ToolOriginDynamic
	return def
}

func sortDefinitions(defs []domain.ToolDefinition) {
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
}

var _ domain.ToolRegistry = (*Registry)(nil)
