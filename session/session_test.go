package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hupe1980/agentcore/errs"
	"github.com/hupe1980/agentcore/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequentialIDGen() func() string {
	n := 0
	return func() string {
		n++
		return "sess-" + string(rune('0'+n))
	}
}

func runStoreSuite(t *testing.T, newStore func() Store) {
	t.Run("CreateLoadRoundTrip", func(t *testing.T) {
		store := newStore()
		ctx := context.Background()
		sess, err := store.CreateSession(ctx, "goal1")
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, sess.Status)

		loaded, err := store.LoadSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, "goal1", loaded.GoalID)
		assert.Empty(t, loaded.Checkpoints)
	})

	t.Run("LoadMissingReturnsSessionNotFound", func(t *testing.T) {
		store := newStore()
		_, err := store.LoadSession(context.Background(), "nope")
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.SessionNotFound))
	})

	t.Run("AppendCheckpointThenResume", func(t *testing.T) {
		store := newStore()
		ctx := context.Background()
		sess, err := store.CreateSession(ctx, "goal1")
		require.NoError(t, err)

		state, err := graph.NewExecutionState("run1", map[string]any{"x": 1})
		require.NoError(t, err)
		state.LastNodeID = "intake"
		state.VisitCounts["intake"] = 1

		cp := graph.Checkpoint{ID: "cp1", Kind: graph.CheckpointPause, Snapshot: state.Snapshot()}
		require.NoError(t, store.AppendCheckpoint(ctx, sess.ID, cp))
		require.NoError(t, store.SetStatus(ctx, sess.ID, StatusPaused))

		loaded, err := store.LoadSession(ctx, sess.ID)
		require.NoError(t, err)
		require.Len(t, loaded.Checkpoints, 1)
		assert.Equal(t, StatusPaused, loaded.Status)
		assert.Equal(t, "intake", loaded.CurrentNode)

		resumed, err := Resume(loaded)
		require.NoError(t, err)
		assert.Equal(t, "intake", resumed.LastNodeID)
		assert.Equal(t, 1, resumed.VisitCounts["intake"]) // not re-incremented on resume
	})

	t.Run("ListSessionsByGoalAndStatus", func(t *testing.T) {
		store := newStore()
		ctx := context.Background()
		s1, err := store.CreateSession(ctx, "goalA")
		require.NoError(t, err)
		_, err = store.CreateSession(ctx, "goalB")
		require.NoError(t, err)
		require.NoError(t, store.SetStatus(ctx, s1.ID, StatusCompleted))

		byGoal, err := store.ListSessions(ctx, Filter{GoalID: "goalA"})
		require.NoError(t, err)
		require.Len(t, byGoal, 1)
		assert.Equal(t, s1.ID, byGoal[0].ID)

		byStatus, err := store.ListSessions(ctx, Filter{Status: StatusCompleted})
		require.NoError(t, err)
		require.Len(t, byStatus, 1)
		assert.Equal(t, s1.ID, byStatus[0].ID)
	})

	t.Run("DeleteSession", func(t *testing.T) {
		store := newStore()
		ctx := context.Background()
		sess, err := store.CreateSession(ctx, "goal1")
		require.NoError(t, err)
		require.NoError(t, store.DeleteSession(ctx, sess.ID))
		_, err = store.LoadSession(ctx, sess.ID)
		require.Error(t, err)
	})
}

func TestInMemoryStore(t *testing.T) {
	runStoreSuite(t, func() Store { return NewVolatileStore(sequentialIDGen()) })
}

func TestFileStore(t *testing.T) {
	runStoreSuite(t, func() Store {
		dir, err := os.MkdirTemp("", "agentcore-session-*")
		require.NoError(t, err)
		t.Cleanup(func() { _ = os.RemoveAll(dir) })
		store, err := NewFileStore(filepath.Join(dir, "store"), sequentialIDGen())
		require.NoError(t, err)
		return store
	})
}

func TestRecoverDiscardsNothingPastLastCheckpoint(t *testing.T) {
	store := NewVolatileStore(sequentialIDGen())
	ctx := context.Background()
	sess, err := store.CreateSession(ctx, "goal1")
	require.NoError(t, err)

	state, err := graph.NewExecutionState("run1", nil)
	require.NoError(t, err)
	state.LastNodeID = "intake"
	require.NoError(t, store.AppendCheckpoint(ctx, sess.ID, graph.Checkpoint{ID: "cp1", Kind: graph.CheckpointNodeComplete, Snapshot: state.Snapshot()}))

	loaded, err := store.LoadSession(ctx, sess.ID)
	require.NoError(t, err)
	recovered, err := Recover(loaded)
	require.NoError(t, err)
	assert.Equal(t, "intake", recovered.LastNodeID)
}
