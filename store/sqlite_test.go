package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openloop-ai/openloop/loop"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "first chat")
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "first chat", got.Title)

	_, err = s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSessionsOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.CreateSession(ctx, "a")
	require.NoError(t, err)
	b, err := s.CreateSession(ctx, "b")
	require.NoError(t, err)

	// Appending to a makes it the most recently updated.
	time.Sleep(1100 * time.Millisecond) // updated_at has second resolution
	require.NoError(t, s.AppendMessages(ctx, a.ID, []loop.Message{loop.NewUserMessage("hi")}))

	list, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)
}

func TestAppendAndHistoryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "chat")
	require.NoError(t, err)

	assistant := loop.NewAssistantMessage("checking", []loop.ToolCallRequest{
		{CallID: "c1", Name: "weather", Arguments: json.RawMessage(`{"city":"Oslo"}`)},
	})
	toolResult := loop.NewToolResultMessage(loop.ToolCallRecord{
		CallID: "c1", Name: "weather", Status: loop.CallError, Error: "backend down",
	})
	msgs := []loop.Message{
		loop.NewUserMessage("weather?"),
		assistant,
		toolResult,
		loop.NewAssistantMessage("It's down, sorry.", nil),
	}
	require.NoError(t, s.AppendMessages(ctx, sess.ID, msgs))

	history, err := s.History(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, history, 4)

	assert.Equal(t, loop.RoleUser, history[0].Role)
	assert.Equal(t, "weather?", history[0].Content)

	require.Len(t, history[1].ToolCalls, 1)
	assert.Equal(t, "c1", history[1].ToolCalls[0].CallID)
	assert.JSONEq(t, `{"city":"Oslo"}`, string(history[1].ToolCalls[0].Arguments))

	assert.Equal(t, loop.RoleTool, history[2].Role)
	assert.Equal(t, "c1", history[2].CallID)
	assert.True(t, history[2].IsError)
}

func TestAppendPreservesOrderAcrossCalls(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "chat")
	require.NoError(t, err)

	require.NoError(t, s.AppendMessages(ctx, sess.ID, []loop.Message{loop.NewUserMessage("one")}))
	require.NoError(t, s.AppendMessages(ctx, sess.ID, []loop.Message{
		loop.NewAssistantMessage("two", nil),
		loop.NewUserMessage("three"),
	}))

	history, err := s.History(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "one", history[0].Content)
	assert.Equal(t, "two", history[1].Content)
	assert.Equal(t, "three", history[2].Content)
}

func TestAppendToMissingSession(t *testing.T) {
	s := newTestStore(t)
	err := s.AppendMessages(context.Background(), "missing", []loop.Message{loop.NewUserMessage("hi")})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteSessionRemovesHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "doomed")
	require.NoError(t, err)
	require.NoError(t, s.AppendMessages(ctx, sess.ID, []loop.Message{loop.NewUserMessage("hi")}))

	require.NoError(t, s.DeleteSession(ctx, sess.ID))
	_, err = s.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	history, err := s.History(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, history)

	assert.ErrorIs(t, s.DeleteSession(ctx, sess.ID), ErrNotFound)
}

func TestSweeperRemovesIdleSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old, err := s.CreateSession(ctx, "stale")
	require.NoError(t, err)
	// Backdate the session past the TTL.
	_, err = s.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`,
		time.Now().Add(-48*time.Hour).Unix(), old.ID)
	require.NoError(t, err)

	fresh, err := s.CreateSession(ctx, "fresh")
	require.NoError(t, err)

	sweeper, err := NewSweeper(s, "@daily", 24*time.Hour, nil)
	require.NoError(t, err)

	n, err := sweeper.SweepNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetSession(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetSession(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestSweeperRejectsBadConfig(t *testing.T) {
	s := newTestStore(t)
	_, err := NewSweeper(s, "not a cron expr", time.Hour, nil)
	assert.Error(t, err)
	_, err = NewSweeper(s, "@daily", 0, nil)
	assert.Error(t, err)
}
