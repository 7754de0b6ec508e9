package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hotelbuddy-online/fastmcp-server-generator/internal/model"
)

func newTestStore(t *testing.T) *SQLiteRunHistory {
	t.Helper()
	store, err := NewSQLiteRunHistory(zap.NewNop(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record := &RunRecord{
		ID:        uuid.New().String(),
		TaskID:    "t1",
		Status:    model.TaskStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Store(ctx, record))

	got, err := store.Get(ctx, record.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, record.TaskID, got.TaskID)
	assert.Equal(t, model.TaskStatusRunning, got.Status)
	assert.Nil(t, got.CompletedAt)
}

func TestGetMissingReturnsNil(t *testing.T) {
	store := newTestStore(t)

	got, err := store.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdateRecordsOutcome(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	started := time.Now().UTC()
	record := &RunRecord{
		ID:        uuid.New().String(),
		TaskID:    "t1",
		Status:    model.TaskStatusRunning,
		StartedAt: started,
	}
	require.NoError(t, store.Store(ctx, record))

	completed := started.Add(250 * time.Millisecond)
	record.Status = model.TaskStatusCompleted
	record.Result = json.RawMessage(`{"count":3}`)
	record.CompletedAt = &completed
	record.Duration = completed.Sub(started)
	require.NoError(t, store.Update(ctx, record))

	got, err := store.Get(ctx, record.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.TaskStatusCompleted, got.Status)
	assert.JSONEq(t, `{"count":3}`, string(got.Result))
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, 250*time.Millisecond, got.Duration)
}

func TestListFiltersByTask(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, taskID := range []string{"t1", "t1", "t2"} {
		require.NoError(t, store.Store(ctx, &RunRecord{
			ID:        uuid.New().String(),
			TaskID:    taskID,
			Status:    model.TaskStatusCompleted,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	records, err := store.List(ctx, "t1", 0, 10)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	all, err := store.List(ctx, "", 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Newest first
	assert.True(t, !all[0].StartedAt.Before(all[1].StartedAt))

	count, err := store.Count(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestListPagination(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Store(ctx, &RunRecord{
			ID:        uuid.New().String(),
			TaskID:    "t1",
			Status:    model.TaskStatusCompleted,
			StartedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	page, err := store.List(ctx, "t1", 2, 2)
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func TestDeleteBefore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	old := &RunRecord{
		ID:        uuid.New().String(),
		TaskID:    "t1",
		Status:    model.TaskStatusCompleted,
		StartedAt: now.Add(-48 * time.Hour),
	}
	recent := &RunRecord{
		ID:        uuid.New().String(),
		TaskID:    "t1",
		Status:    model.TaskStatusCompleted,
		StartedAt: now,
	}
	require.NoError(t, store.Store(ctx, old))
	require.NoError(t, store.Store(ctx, recent))

	require.NoError(t, store.DeleteBefore(ctx, now.Add(-24*time.Hour)))

	count, err := store.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := store.Get(ctx, recent.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)
}
