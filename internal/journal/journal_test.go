package journal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kitchen-sync/internal/store"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st.DB())
}

func TestFieldsKey(t *testing.T) {
	assert.Equal(t, "", FieldsKey(nil))
	assert.Equal(t, "order_status", FieldsKey(map[string]any{"order_status": "ready"}))
	assert.Equal(t, "order_status,ready_at",
		FieldsKey(map[string]any{"ready_at": "now", "order_status": "ready"}))
}

func TestRecordAndPendingFor(t *testing.T) {
	j := openTestJournal(t)

	pending, err := j.PendingFor(store.EntityOrder, "o-1")
	require.NoError(t, err)
	assert.Nil(t, pending)

	id, err := j.Record(store.EntityOrder, "o-1", map[string]any{"order_status": "in_progress"})
	require.NoError(t, err)

	pending, err = j.PendingFor(store.EntityOrder, "o-1")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, id, pending.Seq)
	assert.Equal(t, "in_progress", pending.Patch["order_status"])
	assert.False(t, pending.InFlight)
	assert.Zero(t, pending.Attempts)
}

func TestRecordSupersedesSameFieldSet(t *testing.T) {
	j := openTestJournal(t)

	_, err := j.Record(store.EntityOrder, "o-1", map[string]any{"order_status": "in_progress"})
	require.NoError(t, err)
	_, err = j.Record(store.EntityOrder, "o-1", map[string]any{"order_status": "ready"})
	require.NoError(t, err)

	n, err := j.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := j.PendingFor(store.EntityOrder, "o-1")
	require.NoError(t, err)
	assert.Equal(t, "ready", pending.Patch["order_status"])
}

func TestRecordKeepsDifferentFieldSets(t *testing.T) {
	j := openTestJournal(t)

	_, err := j.Record(store.EntityOrder, "o-1", map[string]any{"order_status": "ready"})
	require.NoError(t, err)
	_, err = j.Record(store.EntityOrder, "o-1", map[string]any{"is_paid": true})
	require.NoError(t, err)

	n, err := j.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestInFlightEntryIsNotSuperseded(t *testing.T) {
	j := openTestJournal(t)

	first, err := j.Record(store.EntityOrder, "o-1", map[string]any{"order_status": "in_progress"})
	require.NoError(t, err)
	require.NoError(t, j.MarkInFlight(first))

	// A newer intent for the same fields queues behind the outstanding
	// network call instead of replacing it.
	_, err = j.Record(store.EntityOrder, "o-1", map[string]any{"order_status": "ready"})
	require.NoError(t, err)

	n, err := j.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestNextBatchSkipsEntitiesWithInFlight(t *testing.T) {
	j := openTestJournal(t)

	first, err := j.Record(store.EntityOrder, "o-1", map[string]any{"order_status": "in_progress"})
	require.NoError(t, err)
	_, err = j.Record(store.EntityOrder, "o-1", map[string]any{"is_paid": true})
	require.NoError(t, err)
	other, err := j.Record(store.EntityOrder, "o-2", map[string]any{"order_status": "ready"})
	require.NoError(t, err)

	require.NoError(t, j.MarkInFlight(first))

	batch, err := j.NextBatch(10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, other, batch[0].Seq)

	// Settling the in-flight entry releases the queued one.
	require.NoError(t, j.Resolve(first, Success))
	batch, err = j.NextBatch(10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "o-1", batch[0].EntityID)
}

func TestResolveFailureReturnsToQueue(t *testing.T) {
	j := openTestJournal(t)

	id, err := j.Record(store.EntityOrder, "o-1", map[string]any{"order_status": "ready"})
	require.NoError(t, err)
	require.NoError(t, j.MarkInFlight(id))
	require.NoError(t, j.Resolve(id, Failure))

	pending, err := j.PendingFor(store.EntityOrder, "o-1")
	require.NoError(t, err)
	assert.False(t, pending.InFlight)
	assert.Equal(t, 1, pending.Attempts)

	batch, err := j.NextBatch(10)
	require.NoError(t, err)
	assert.Len(t, batch, 1)
}

func TestResolveSuccessRemoves(t *testing.T) {
	j := openTestJournal(t)

	id, err := j.Record(store.EntityOrder, "o-1", map[string]any{"order_status": "ready"})
	require.NoError(t, err)
	require.NoError(t, j.MarkInFlight(id))
	require.NoError(t, j.Resolve(id, Success))

	n, err := j.Count()
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.ErrorIs(t, j.Resolve(id, Success), ErrNotFound)
	assert.ErrorIs(t, j.MarkInFlight(id), ErrNotFound)
}

func TestDrop(t *testing.T) {
	j := openTestJournal(t)

	id, err := j.Record(store.EntityOrder, "o-1", map[string]any{"order_status": "ready"})
	require.NoError(t, err)
	require.NoError(t, j.Drop(id))
	require.NoError(t, j.Drop(id)) // idempotent

	n, err := j.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPendingAll(t *testing.T) {
	j := openTestJournal(t)

	a, err := j.Record(store.EntityOrder, "o-1", map[string]any{"order_status": "ready"})
	require.NoError(t, err)
	b, err := j.Record(store.EntityOrder, "o-1", map[string]any{"is_paid": true})
	require.NoError(t, err)
	_, err = j.Record(store.EntityOrder, "o-2", map[string]any{"order_status": "ready"})
	require.NoError(t, err)

	all, err := j.PendingAll(store.EntityOrder, "o-1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, a, all[0].Seq)
	assert.Equal(t, b, all[1].Seq)

	all, err = j.PendingAll(store.EntityOrder, "missing")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestNextBatchOrdersOldestFirst(t *testing.T) {
	j := openTestJournal(t)

	a, err := j.Record(store.EntityOrderItem, "i-1", map[string]any{"item_status": "in_progress"})
	require.NoError(t, err)
	b, err := j.Record(store.EntityOrder, "o-1", map[string]any{"order_status": "ready"})
	require.NoError(t, err)

	batch, err := j.NextBatch(10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, a, batch[0].Seq)
	assert.Equal(t, b, batch[1].Seq)
}
