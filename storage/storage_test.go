package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/omniflow/types"
)

// newWorkflow builds a small published definition for tenant t1.
func newWorkflow(id string) types.WorkflowDefinition {
	return types.WorkflowDefinition{
		ID:       id,
		TenantID: "t1",
		Name:     "Lead follow-up",
		Status:   types.StatusPublished,
		Graph: types.Graph{
			Nodes: []types.NodeSpec{
				{ID: "t", Type: types.NodeTrigger},
				{ID: "a", Type: types.NodeAction, Data: map[string]interface{}{
					"actionType": "SEND_MESSAGE",
					"message":    "hi {{name}}",
				}},
			},
			Edges: []types.EdgeSpec{{Source: "t", Target: "a"}},
		},
		UpdatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func newRun(id uint64) types.WorkflowRun {
	return types.WorkflowRun{
		ID:          id,
		WorkflowID:  "wf-1",
		TenantID:    "t1",
		Status:      types.RunRunning,
		TriggerData: map[string]interface{}{"score": 80.0},
		ContextData: map[string]interface{}{"leadId": "L-1"},
		StartedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
}

func newLogEntry(runID uint64, seq int, nodeID string) types.WorkflowLogEntry {
	return types.WorkflowLogEntry{
		ID:         runID*100 + uint64(seq),
		RunID:      runID,
		Seq:        seq,
		NodeID:     nodeID,
		NodeType:   types.NodeAction,
		Status:     types.LogSuccess,
		Input:      map[string]interface{}{"message": "hi"},
		Output:     map[string]interface{}{"sent": true},
		DurationMs: 3,
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}
}

// testStorage runs the behaviour every Storage backend must share.
func testStorage(t *testing.T, newStore func(t *testing.T) Storage) {
	ctx := context.Background()

	t.Run("SaveAndGetWorkflow", func(t *testing.T) {
		store := newStore(t)
		wf := newWorkflow("wf-save")
		require.NoError(t, store.SaveWorkflow(ctx, wf))

		got, err := store.GetWorkflow(ctx, wf.ID, wf.TenantID)
		require.NoError(t, err)
		assert.Equal(t, wf.Name, got.Name)
		assert.Equal(t, wf.Status, got.Status)
		assert.Equal(t, wf.Graph, got.Graph)
		assert.True(t, wf.UpdatedAt.Equal(got.UpdatedAt))

		wf.Status = types.StatusArchived
		require.NoError(t, store.SaveWorkflow(ctx, wf))
		got, err = store.GetWorkflow(ctx, wf.ID, wf.TenantID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusArchived, got.Status)
	})

	t.Run("WorkflowIsTenantScoped", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.SaveWorkflow(ctx, newWorkflow("wf-tenant")))

		_, err := store.GetWorkflow(ctx, "wf-tenant", "other")
		assert.ErrorIs(t, err, ErrWorkflowNotFound)
		_, err = store.GetWorkflow(ctx, "missing", "t1")
		assert.ErrorIs(t, err, ErrWorkflowNotFound)
	})

	t.Run("CreateAndGetRun", func(t *testing.T) {
		store := newStore(t)
		run := newRun(1001)
		require.NoError(t, store.CreateRun(ctx, run))

		got, err := store.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, run.ID, got.ID)
		assert.Equal(t, types.RunRunning, got.Status)
		assert.Equal(t, run.TriggerData, got.TriggerData)
		assert.Equal(t, run.ContextData, got.ContextData)
		assert.Nil(t, got.CompletedAt)
		assert.Empty(t, got.Error)

		assert.ErrorIs(t, store.CreateRun(ctx, run), ErrRunExists)

		_, err = store.GetRun(ctx, 9999)
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("AppendAndListLogs", func(t *testing.T) {
		store := newStore(t)
		run := newRun(1002)
		require.NoError(t, store.CreateRun(ctx, run))

		require.NoError(t, store.AppendLog(ctx, newLogEntry(run.ID, 1, "t")))
		require.NoError(t, store.AppendLog(ctx, newLogEntry(run.ID, 2, "a")))

		logs, err := store.ListLogs(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, logs, 2)
		assert.Equal(t, "t", logs[0].NodeID)
		assert.Equal(t, "a", logs[1].NodeID)
		assert.Equal(t, 1, logs[0].Seq)
		assert.Equal(t, map[string]interface{}{"sent": true}, logs[1].Output)

		logs, err = store.ListLogs(ctx, 4242)
		require.NoError(t, err)
		assert.Empty(t, logs)
	})

	t.Run("AppendLogToUnknownRun", func(t *testing.T) {
		store := newStore(t)
		err := store.AppendLog(ctx, newLogEntry(7777, 1, "t"))
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("FinalizeRun", func(t *testing.T) {
		store := newStore(t)
		run := newRun(1003)
		require.NoError(t, store.CreateRun(ctx, run))
		require.NoError(t, store.AppendLog(ctx, newLogEntry(run.ID, 1, "t")))

		completed := time.Now().UTC().Truncate(time.Millisecond)
		err := store.FinalizeRun(ctx, Finalization{
			RunID:       run.ID,
			Status:      types.RunFailed,
			Error:       "Node a failed: boom",
			CompletedAt: completed,
		})
		require.NoError(t, err)

		got, err := store.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, types.RunFailed, got.Status)
		assert.Equal(t, "Node a failed: boom", got.Error)
		require.NotNil(t, got.CompletedAt)
		assert.True(t, completed.Equal(*got.CompletedAt))
		assert.False(t, got.CompletedAt.Before(got.StartedAt))
	})

	t.Run("TerminalRunRejectsWrites", func(t *testing.T) {
		store := newStore(t)
		run := newRun(1004)
		require.NoError(t, store.CreateRun(ctx, run))
		require.NoError(t, store.FinalizeRun(ctx, Finalization{
			RunID:       run.ID,
			Status:      types.RunCompleted,
			Result:      map[string]interface{}{"visited": 1.0},
			CompletedAt: time.Now().UTC(),
		}))

		err := store.FinalizeRun(ctx, Finalization{RunID: run.ID, Status: types.RunFailed, CompletedAt: time.Now().UTC()})
		assert.ErrorIs(t, err, ErrRunNotRunning)

		err = store.AppendLog(ctx, newLogEntry(run.ID, 1, "t"))
		assert.ErrorIs(t, err, ErrRunNotRunning)

		got, err := store.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, types.RunCompleted, got.Status)
		assert.Equal(t, map[string]interface{}{"visited": 1.0}, got.Result)

		logs, err := store.ListLogs(ctx, run.ID)
		require.NoError(t, err)
		assert.Empty(t, logs)
	})

	t.Run("FinalizeUnknownRun", func(t *testing.T) {
		store := newStore(t)
		err := store.FinalizeRun(ctx, Finalization{RunID: 8888, Status: types.RunCompleted, CompletedAt: time.Now().UTC()})
		assert.ErrorIs(t, err, ErrRunNotFound)
		assert.False(t, errors.Is(err, ErrRunNotRunning))
	})

	t.Run("ClearCompleted", func(t *testing.T) {
		store := newStore(t)
		now := time.Now().UTC().Truncate(time.Millisecond)
		for _, id := range []uint64{2001, 2002, 2003, 2004} {
			require.NoError(t, store.CreateRun(ctx, newRun(id)))
		}
		require.NoError(t, store.AppendLog(ctx, newLogEntry(2002, 1, "t")))
		require.NoError(t, store.FinalizeRun(ctx, Finalization{RunID: 2002, Status: types.RunCompleted, CompletedAt: now.Add(-48 * time.Hour)}))
		require.NoError(t, store.FinalizeRun(ctx, Finalization{RunID: 2003, Status: types.RunFailed, CompletedAt: now.Add(-47 * time.Hour)}))
		require.NoError(t, store.FinalizeRun(ctx, Finalization{RunID: 2004, Status: types.RunCompleted, CompletedAt: now}))

		removed, err := store.ClearCompleted(ctx, now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, removed)

		_, err = store.GetRun(ctx, 2001)
		assert.NoError(t, err, "running runs are kept")
		_, err = store.GetRun(ctx, 2004)
		assert.NoError(t, err, "recent runs are kept")
		for _, id := range []uint64{2002, 2003} {
			_, err = store.GetRun(ctx, id)
			assert.ErrorIs(t, err, ErrRunNotFound)
		}
		logs, err := store.ListLogs(ctx, 2002)
		require.NoError(t, err)
		assert.Empty(t, logs)

		removed, err = store.ClearCompleted(ctx, now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Zero(t, removed)
	})
}
