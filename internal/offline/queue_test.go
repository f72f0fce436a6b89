package offline

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	clock := &stepClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	q, err := New(db, Options{Now: clock.Now})
	require.NoError(t, err)
	return q
}

func TestAddAndPendingOrder(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	first, err := q.Add(ctx, "u1", OpCreateDocument, map[string]any{"id": "doc_1"})
	require.NoError(t, err)
	second, err := q.Add(ctx, "u1", OpUpdateDocument, map[string]any{"id": "doc_1", "filename": "b.txt"})
	require.NoError(t, err)
	_, err = q.Add(ctx, "u2", OpDeleteDocument, map[string]any{"id": "doc_9"})
	require.NoError(t, err)

	require.Equal(t, StatusPending, first.Status)
	require.Equal(t, 0, first.RetryCount)
	require.Equal(t, "doc_1", first.Data["id"])

	pending, err := q.Pending(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, first.ID, pending[0].ID)
	require.Equal(t, second.ID, pending[1].ID)
	require.Equal(t, "b.txt", pending[1].Data["filename"])
}

func TestAddValidation(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Add(ctx, "", OpCreateDocument, nil)
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = q.Add(ctx, "u1", " ", nil)
	require.ErrorIs(t, err, ErrInvalidInput)

	op, err := q.Add(ctx, "u1", OpCreateDID, nil)
	require.NoError(t, err)
	require.Empty(t, op.Data)
}

func TestMarkProcessedIgnoresUnknownIDs(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	op, err := q.Add(ctx, "u1", OpCreateDocument, nil)
	require.NoError(t, err)

	n, err := q.MarkProcessed(ctx, nil)
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = q.MarkProcessed(ctx, []string{"missing"})
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = q.MarkProcessed(ctx, []string{op.ID, "missing"})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	got, err := q.Get(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, StatusProcessed, got.Status)
	require.False(t, got.ProcessedAt.IsZero())

	pending, err := q.Pending(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestMarkFailedAndRetryCeiling(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	op, err := q.Add(ctx, "u1", OpUpdateProfile, map[string]any{"profile": map[string]any{"name": "x"}})
	require.NoError(t, err)

	for i := 1; i <= DefaultMaxRetries; i++ {
		failed, err := q.MarkFailed(ctx, op.ID, "boom")
		require.NoError(t, err)
		require.Equal(t, StatusFailed, failed.Status)
		require.Equal(t, i, failed.RetryCount)
		require.Equal(t, "boom", failed.ErrorMessage)
		require.False(t, failed.LastRetryAt.IsZero())

		retryable, err := q.Retryable(ctx, "u1", 0)
		require.NoError(t, err)
		if i < DefaultMaxRetries {
			require.Len(t, retryable, 1)
		} else {
			require.Empty(t, retryable)
		}
	}

	failed, err := q.Failed(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, failed, 1)

	require.NoError(t, q.ResetForRetry(ctx, op.ID))
	got, err := q.Get(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.Equal(t, DefaultMaxRetries, got.RetryCount)
	require.Empty(t, got.ErrorMessage)

	// Resetting a pending operation changes nothing.
	require.NoError(t, q.ResetForRetry(ctx, op.ID))

	_, err = q.MarkFailed(ctx, "missing", "boom")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, q.ResetForRetry(ctx, "missing"), ErrNotFound)
}

func TestRetryableOrdersByLastRetry(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	a, err := q.Add(ctx, "u1", OpCreateDocument, nil)
	require.NoError(t, err)
	b, err := q.Add(ctx, "u1", OpCreateDocument, nil)
	require.NoError(t, err)

	_, err = q.MarkFailed(ctx, b.ID, "first")
	require.NoError(t, err)
	_, err = q.MarkFailed(ctx, a.ID, "second")
	require.NoError(t, err)

	retryable, err := q.Retryable(ctx, "u1", 5)
	require.NoError(t, err)
	require.Len(t, retryable, 2)
	require.Equal(t, b.ID, retryable[0].ID)
	require.Equal(t, a.ID, retryable[1].ID)
}

func TestResetAllFailedClearsRetryCounts(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	op, err := q.Add(ctx, "u1", OpDeleteDocument, nil)
	require.NoError(t, err)
	for i := 0; i < DefaultMaxRetries; i++ {
		_, err = q.MarkFailed(ctx, op.ID, "down")
		require.NoError(t, err)
	}

	n, err := q.ResetAllFailed(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	got, err := q.Get(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.Zero(t, got.RetryCount)
}

func TestStatsAndClearProcessed(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	a, err := q.Add(ctx, "u1", OpCreateDocument, nil)
	require.NoError(t, err)
	b, err := q.Add(ctx, "u1", OpCreateDocument, nil)
	require.NoError(t, err)
	_, err = q.Add(ctx, "u1", OpCreateDocument, nil)
	require.NoError(t, err)
	_, err = q.Add(ctx, "u2", OpCreateDocument, nil)
	require.NoError(t, err)

	_, err = q.MarkProcessed(ctx, []string{a.ID})
	require.NoError(t, err)
	_, err = q.MarkFailed(ctx, b.ID, "x")
	require.NoError(t, err)

	stats, err := q.Stats(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, Stats{Pending: 1, Processed: 1, Failed: 1, Total: 3}, stats)

	n, err := q.ClearProcessed(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	stats, err = q.Stats(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, Stats{Pending: 1, Failed: 1, Total: 2}, stats)

	_, err = q.Get(ctx, a.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestKnownType(t *testing.T) {
	for _, opType := range []string{OpCreateDocument, OpUpdateDocument, OpDeleteDocument, OpCreateDID, OpUpdateProfile, OpCreateNamespace} {
		require.True(t, KnownType(opType), opType)
	}
	require.False(t, KnownType("rename_document"))
}
