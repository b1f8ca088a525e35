package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"mcproute/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func proxied(name string) domain.ProxiedTool {
	return domain.ProxiedTool{
		Tool:   domain.ToolDefinition{Name: name, Description: "proxy for " + name, InputSchema: json.RawMessage(`{"type":"object"}`)},
		Server: "git",
		Method: name,
	}
}

func newTestRegistry(clock *fakeClock, maxDynamic int) *Registry {
	return New(Options{
		Config: domain.RegistryConfig{TTL: 600 * time.Second, MaxDynamic: maxDynamic},
		Now:    clock.Now,
	})
}

func TestRegistry_RegisterIsVisible(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(clock, 100)
	reg.ReplaceBase([]domain.ToolDefinition{{Name: "intelligent_route"}})

	require.NoError(t, reg.Register(proxied("git_status")))
	require.NoError(t, reg.Register(domain.ScriptTool{
		Tool:   domain.ToolDefinition{Name: "aggregate_workflow"},
		Source: "async function workflow(input) { return input }",
	}))

	snapshot := reg.AllToolDefinitions()
	require.Equal(t, []string{"intelligent_route", "aggregate_workflow", "git_status"}, snapshot.Names())
	require.Equal(t, domain.ToolOriginBase, snapshot.Tools[0].Origin)
	require.Equal(t, domain.ToolOriginDynamic, snapshot.Tools[1].Origin)

	resolved, err := reg.GetTool("git_status")
	require.NoError(t, err)
	require.Equal(t, domain.ToolKindProxied, domain.ToolKind(resolved.Dynamic))

	base, err := reg.GetTool("intelligent_route")
	require.NoError(t, err)
	require.Nil(t, base.Dynamic)

	stats := reg.Stats()
	require.Equal(t, domain.RegistryStats{BaseTools: 1, DynamicTools: 2, Capacity: 100, Proxied: 1, Scripted: 1, Executions: 1}, stats)
}

func TestRegistry_TTL(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(clock, 100)
	require.NoError(t, reg.Register(proxied("git_status")))

	clock.Advance(599 * time.Second)
	_, err := reg.GetTool("git_status")
	require.NoError(t, err)
	require.Equal(t, []string{"git_status"}, reg.AllToolDefinitions().Names())

	clock.Advance(time.Second)
	_, err = reg.GetTool("git_status")
	require.ErrorIs(t, err, domain.ErrToolNotFound)
	code, _ := domain.CodeFrom(err)
	require.Equal(t, domain.CodeToolNotFound, code)
	require.Empty(t, reg.AllToolDefinitions().Names(), "expired tools are hidden before the sweep")

	require.Equal(t, 1, reg.SweepExpired())
	require.Zero(t, reg.SweepExpired())
	require.Zero(t, reg.Stats().DynamicTools)
}

func TestRegistry_CapacityEvictsLeastRecentlyUsed(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(clock, 100)
	for i := 0; i < 100; i++ {
		require.NoError(t, reg.Register(proxied(fmt.Sprintf("tool_%03d", i))))
		clock.Advance(time.Second)
	}
	// Touch the oldest entry so the next oldest becomes the LRU victim.
	_, err := reg.GetTool("tool_000")
	require.NoError(t, err)

	require.NoError(t, reg.Register(proxied("tool_100")))

	names := reg.AllToolDefinitions().Names()
	require.Len(t, names, 100)
	require.Contains(t, names, "tool_000")
	require.Contains(t, names, "tool_100")
	require.NotContains(t, names, "tool_001")
	_, err = reg.GetTool("tool_001")
	require.ErrorIs(t, err, domain.ErrToolNotFound)
}

func TestRegistry_ReregisterRefreshesWithoutEviction(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(clock, 2)
	require.NoError(t, reg.Register(proxied("a")))
	require.NoError(t, reg.Register(proxied("b")))

	clock.Advance(500 * time.Second)
	require.NoError(t, reg.Register(proxied("a")))
	require.Equal(t, []string{"a", "b"}, reg.AllToolDefinitions().Names())

	clock.Advance(200 * time.Second)
	require.Equal(t, []string{"a"}, reg.AllToolDefinitions().Names())
	meta, ok := reg.Meta("a")
	require.True(t, ok)
	require.Equal(t, 600*time.Second, meta.TTL)
}

func TestRegistry_Errors(t *testing.T) {
	clock := newFakeClock()

	full := newTestRegistry(clock, 0)
	err := full.Register(proxied("a"))
	require.ErrorIs(t, err, domain.ErrRegistryFull)

	reg := newTestRegistry(clock, 10)
	reg.ReplaceBase([]domain.ToolDefinition{{Name: "intelligent_route"}})
	err = reg.Register(proxied("intelligent_route"))
	code, _ := domain.CodeFrom(err)
	require.Equal(t, domain.CodeMalformedRequest, code)

	err = reg.Register(proxied(""))
	require.ErrorIs(t, err, domain.ErrMalformedRequest)

	_, err = reg.GetTool("missing")
	require.ErrorIs(t, err, domain.ErrToolNotFound)
}

func TestRegistry_InputSchemas(t *testing.T) {
	tests := []struct {
		name    string
		schema  string
		wantErr bool
	}{
		{name: "object", schema: `{"type":"object"}`},
		{name: "missing", schema: ``},
		{name: "untyped properties", schema: `{"properties":{"path":{"type":"string"}}}`},
		{name: "empty object", schema: `{}`},
		{name: "string type", schema: `{"type":"string"}`, wantErr: true},
		{name: "array", schema: `[]`, wantErr: true},
		{name: "not json", schema: `{`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newTestRegistry(newFakeClock(), 10)
			tool := proxied("git_status")
			tool.Tool.InputSchema = json.RawMessage(tt.schema)
			err := reg.Register(tool)
			if tt.wantErr {
				require.ErrorIs(t, err, domain.ErrInvalidInputSchema)
				require.Empty(t, reg.AllToolDefinitions().Names())
				return
			}
			require.NoError(t, err)
			require.Equal(t, []string{"git_status"}, reg.AllToolDefinitions().Names())
		})
	}
}

func TestRegistry_KeepsLiveToolKind(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(clock, 10)
	require.NoError(t, reg.Register(proxied("report_workflow")))

	script := domain.ScriptTool{
		Tool:   domain.ToolDefinition{Name: "report_workflow"},
		Source: "async function workflow(input) { return input }",
	}
	err := reg.Register(script)
	require.ErrorIs(t, err, domain.ErrToolKindConflict)
	resolved, err := reg.GetTool("report_workflow")
	require.NoError(t, err)
	require.IsType(t, domain.ProxiedTool{}, resolved.Dynamic)

	clock.Advance(601 * time.Second)
	require.NoError(t, reg.Register(script), "an expired entry may change kind")
	resolved, err = reg.GetTool("report_workflow")
	require.NoError(t, err)
	require.IsType(t, domain.ScriptTool{}, resolved.Dynamic)
}

func TestRegistry_SnapshotIdempotence(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(clock, 10)
	reg.ReplaceBase([]domain.ToolDefinition{{Name: "intelligent_route", Description: "route"}})
	require.NoError(t, reg.Register(proxied("git_status")))

	first := reg.AllToolDefinitions()
	clock.Advance(10 * time.Second)
	second := reg.AllToolDefinitions()
	require.Same(t, first, second)
	require.NotEmpty(t, first.ETag)

	require.True(t, reg.Unregister("git_status"))
	require.False(t, reg.Unregister("git_status"))
	third := reg.AllToolDefinitions()
	require.NotEqual(t, first.ETag, third.ETag)

	require.NoError(t, reg.Register(proxied("git_status")))
	fourth := reg.AllToolDefinitions()
	if diff := cmp.Diff(first.Tools, fourth.Tools); diff != "" {
		t.Fatalf("tools mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, first.ETag, fourth.ETag)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := New(Options{Config: domain.RegistryConfig{MaxDynamic: 20}})
	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				name := fmt.Sprintf("w%d_%d", worker, i)
				_ = reg.Register(proxied(name))
				_, _ = reg.GetTool(name)
				_ = reg.AllToolDefinitions()
			}
		}(worker)
	}
	wg.Wait()

	require.LessOrEqual(t, len(reg.AllToolDefinitions().Tools), 20)
	require.LessOrEqual(t, reg.Stats().DynamicTools, 20)
}
