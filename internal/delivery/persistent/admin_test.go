package persistent

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmin_StatsListRequeuePurge(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "queue.db")

	store, err := OpenStore(dbPath)
	require.NoError(t, err)
	ctx := t.Context()
	id1, err := store.Enqueue(ctx, []byte("p1"))
	require.NoError(t, err)
	id2, err := store.Enqueue(ctx, []byte("p2"))
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, id1, "e1"))
	require.NoError(t, store.MarkFailed(ctx, id2, "e2"))
	require.NoError(t, store.Close())

	admin, err := OpenAdmin(dbPath)
	require.NoError(t, err)
	defer admin.Close()

	stats, err := admin.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats[StatusFailed])

	failed, err := admin.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 2)

	n, err := admin.RequeueFailed(ctx, []int64{id1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err = admin.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[StatusQueued])
	assert.Equal(t, int64(1), stats[StatusFailed])

	n, err = admin.PurgeFailed(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err = admin.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats[StatusFailed])
}

// OpenAdmin must not start a worker: a Stats call run immediately after
// opening must never observe a QUEUED row flip to INFLIGHT on its own.
func TestAdmin_DoesNotStartWorker(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "queue.db")

	store, err := OpenStore(dbPath)
	require.NoError(t, err)
	ctx := t.Context()
	_, err = store.Enqueue(ctx, []byte("p1"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	admin, err := OpenAdmin(dbPath)
	require.NoError(t, err)
	defer admin.Close()

	stats, err := admin.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[StatusQueued])
	assert.Equal(t, int64(0), stats[StatusInflight])
}
