package history

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mcproute/internal/domain"
)

func openTestStore(t *testing.T, maxRecords int) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "nested", "history.db"), maxRecords, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func TestStoreRecordsRoutesNewestFirst(t *testing.T) {
	store := openTestStore(t, 10)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.RecordRoute(ctx, domain.RouteRecord{
			Request: fmt.Sprintf("request %d", i),
			Path:    "vector_search",
			Success: true,
		}))
	}

	records, err := store.Routes(0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, "request 2", records[0].Request)
	require.Equal(t, "request 0", records[2].Request)
	for _, record := range records {
		require.NotEmpty(t, record.ID)
		require.False(t, record.RecordedAt.IsZero())
	}

	limited, err := store.Routes(2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	require.Equal(t, "request 1", limited[1].Request)
}

func TestStoreKeepsExplicitIDAndTime(t *testing.T) {
	store := openTestStore(t, 10)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, store.RecordExecution(context.Background(), domain.ExecutionRecord{
		ID:         "exec-1",
		Tool:       "git_status",
		Kind:       domain.ToolKindProxied,
		Success:    false,
		ErrorCode:  string(domain.CodeExecutionError),
		Error:      "boom",
		RecordedAt: at,
	}))

	records, err := store.Executions(0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "exec-1", records[0].ID)
	require.True(t, at.Equal(records[0].RecordedAt))
	require.Equal(t, "boom", records[0].Error)
}

func TestStoreTrimsOldest(t *testing.T) {
	store := openTestStore(t, 3)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		require.NoError(t, store.RecordRoute(ctx, domain.RouteRecord{Request: fmt.Sprintf("r%d", i)}))
	}
	require.NoError(t, store.RecordExecution(ctx, domain.ExecutionRecord{Tool: "only"}))

	routes, err := store.Routes(0)
	require.NoError(t, err)
	got := make([]string, 0, len(routes))
	for _, record := range routes {
		got = append(got, record.Request)
	}
	require.Equal(t, []string{"r6", "r5", "r4"}, got)

	executions, err := store.Executions(0)
	require.NoError(t, err)
	require.Len(t, executions, 1)
}

func TestStoreReopenPreservesRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := OpenStore(path, 5, nil)
	require.NoError(t, err)
	require.NoError(t, store.RecordRoute(context.Background(), domain.RouteRecord{Request: "persisted"}))
	require.NoError(t, store.Close())

	reopened, err := OpenStore(path, 5, nil)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, reopened.Close())
	}()
	records, err := reopened.Routes(0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "persisted", records[0].Request)
}

func TestStoreClosed(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "history.db"), 5, nil)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	err = store.RecordRoute(context.Background(), domain.RouteRecord{Request: "late"})
	require.ErrorIs(t, err, ErrStoreClosed)
	_, err = store.Routes(1)
	require.ErrorIs(t, err, ErrStoreClosed)
}

func TestOpenStoreRequiresPath(t *testing.T) {
	_, err := OpenStore("  ", 5, nil)
	require.Error(t, err)
}

func TestResolveDefaultPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	require.Equal(t, filepath.Join("/tmp/xdg", "mcproute", "history.db"), ResolveDefaultPath())
}
