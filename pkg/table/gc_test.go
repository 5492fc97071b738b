package table

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratakv/strata/pkg/storage"
	"github.com/stratakv/strata/pkg/types"
)

func TestTombstoneDroppedAfterGraceWhenAllReplicasAgree(t *testing.T) {
	c := newTestCluster(t, 3, types.DefaultQuorum, 50*time.Millisecond)
	c.bootstrap(t, 3)
	ctx := context.Background()
	a := c.nodes[0]
	pk, sk := []byte("k"), []byte("s")

	// Live value, then a tombstone on every replica.
	for _, n := range c.nodes {
		applyDirect(t, n, pk, sk, NewLWW(10, a.id, []byte("v")))
		applyDirect(t, n, pk, sk, NewLWWTombstone(11, a.id))
	}

	time.Sleep(80 * time.Millisecond)
	dropped, err := a.gc.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)

	// Gone locally, Merkle caught up, queue empty.
	_, err = a.store.Get(storage.DataTree("objects"), itemKey(pk, sk))
	assert.ErrorIs(t, err, types.ErrNotFound)
	drainMerkle(t, a)
	due, err := a.store.Range(storage.GCTree("objects"), nil, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, due)

	// Other replicas still hold the tombstone until their own GC runs.
	_, err = c.nodes[1].store.Get(storage.DataTree("objects"), itemKey(pk, sk))
	assert.NoError(t, err)
}

func TestTombstoneSurvivesWhileAReplicaLacksIt(t *testing.T) {
	c := newTestCluster(t, 3, types.DefaultQuorum, 50*time.Millisecond)
	c.bootstrap(t, 3)
	ctx := context.Background()
	a := c.nodes[0]
	pk, sk := []byte("k"), []byte("s")

	// Only two replicas saw the deletion.
	applyDirect(t, c.nodes[0], pk, sk, NewLWWTombstone(11, a.id))
	applyDirect(t, c.nodes[1], pk, sk, NewLWWTombstone(11, a.id))

	time.Sleep(80 * time.Millisecond)
	dropped, err := a.gc.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, dropped)

	// The tombstone is still there, waiting for the laggard.
	_, err = a.store.Get(storage.DataTree("objects"), itemKey(pk, sk))
	assert.NoError(t, err)
}

func TestOverwrittenTombstoneEntryIsStale(t *testing.T) {
	c := newTestCluster(t, 3, types.DefaultQuorum, 50*time.Millisecond)
	c.bootstrap(t, 3)
	ctx := context.Background()
	a := c.nodes[0]
	pk, sk := []byte("k"), []byte("s")

	for _, n := range c.nodes {
		applyDirect(t, n, pk, sk, NewLWWTombstone(11, a.id))
	}
	// The key is rewritten before the grace period elapses.
	for _, n := range c.nodes {
		applyDirect(t, n, pk, sk, NewLWW(20, a.id, []byte("reborn")))
	}

	time.Sleep(80 * time.Millisecond)
	dropped, err := a.gc.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, dropped)

	got, err := a.table.Get(ctx, pk, sk)
	require.NoError(t, err)
	assert.Equal(t, []byte("reborn"), got.(*LWW).Payload)
}

func TestWriteAfterDropResurrectsKey(t *testing.T) {
	c := newTestCluster(t, 3, types.DefaultQuorum, 50*time.Millisecond)
	c.bootstrap(t, 3)
	ctx := context.Background()
	a := c.nodes[0]
	pk, sk := []byte("k"), []byte("s")

	for _, n := range c.nodes {
		applyDirect(t, n, pk, sk, NewLWWTombstone(11, a.id))
	}
	time.Sleep(80 * time.Millisecond)
	dropped, err := a.gc.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, dropped)

	require.NoError(t, a.table.Insert(ctx, pk, sk, NewLWW(20, a.id, []byte("again"))))
	got, err := a.table.Get(ctx, pk, sk)
	require.NoError(t, err)
	assert.Equal(t, []byte("again"), got.(*LWW).Payload)
}
