package table

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratakv/strata/pkg/layout"
	"github.com/stratakv/strata/pkg/storage"
	"github.com/stratakv/strata/pkg/types"
)

// applyDirect merges an item into one replica only, bypassing the
// coordinator, to manufacture divergence.
func applyDirect(t *testing.T, n *testNode, pk, sk []byte, v Value) {
	t.Helper()
	enc, err := v.Encode()
	require.NoError(t, err)
	p := layout.PartitionForKey(pk)
	require.NoError(t, n.table.applyBatch(p, []wireItem{{PK: pk, SK: sk, Value: enc}}))
}

func roots(t *testing.T, c *testCluster, p types.PartitionID) [][]byte {
	t.Helper()
	var out [][]byte
	for _, n := range c.nodes {
		drainMerkle(t, n)
		root, err := n.table.merkle.Root(p)
		require.NoError(t, err)
		out = append(out, root)
	}
	return out
}

func rootsEqual(hashes [][]byte) bool {
	for _, h := range hashes[1:] {
		if !bytes.Equal(hashes[0], h) {
			return false
		}
	}
	return true
}

// syncUntilConverged runs full passes on every node until all Merkle
// roots of p agree.
func syncUntilConverged(t *testing.T, c *testCluster, p types.PartitionID) {
	t.Helper()
	ctx := context.Background()
	for round := 0; round < 6; round++ {
		for _, n := range c.nodes {
			require.NoError(t, n.syncer.SyncPartition(ctx, p))
		}
		if rootsEqual(roots(t, c, p)) {
			return
		}
	}
	t.Fatal("replicas did not converge")
}

func TestSyncRepairsPartitionedReplica(t *testing.T) {
	// Scenario: a write that never reached C because of a network
	// partition. After healing, anti-entropy copies it over and the
	// Merkle roots equalize.
	c := defaultCluster(t)
	ctx := context.Background()
	a, cNode := c.nodes[0], c.nodes[2]
	pk, sk := []byte("k"), []byte("s")
	p := layout.PartitionForKey(pk)

	c.network.Cut(a.id, cNode.id)
	c.network.Cut(c.nodes[1].id, cNode.id)
	require.NoError(t, a.table.Insert(ctx, pk, sk, NewLWW(10, a.id, []byte("1"))))

	require.False(t, rootsEqual(roots(t, c, p)))

	c.network.Heal(a.id, cNode.id)
	c.network.Heal(c.nodes[1].id, cNode.id)
	require.NoError(t, cNode.syncer.SyncPartition(ctx, p))

	got, err := cNode.store.Get(storage.DataTree("objects"), itemKey(pk, sk))
	require.NoError(t, err)
	assert.NotEmpty(t, got)
	assert.True(t, rootsEqual(roots(t, c, p)))
}

func TestSyncPushesLocalItemsToPeer(t *testing.T) {
	// The diverged node holds data its peer lacks: the same sync run
	// pushes it outward.
	c := defaultCluster(t)
	ctx := context.Background()
	a, b := c.nodes[0], c.nodes[1]
	pk, sk := []byte("k"), []byte("s")
	p := layout.PartitionForKey(pk)

	applyDirect(t, a, pk, sk, NewLWW(10, a.id, []byte("only-on-a")))
	require.NoError(t, a.syncer.SyncPartition(ctx, p))

	// Whichever peer was picked got the item; run once more to cover
	// the other.
	require.NoError(t, a.syncer.SyncPartition(ctx, p))

	for _, n := range []*testNode{a, b, c.nodes[2]} {
		got, err := n.store.Get(storage.DataTree("objects"), itemKey(pk, sk))
		require.NoError(t, err, "node %s", n.id.Short())
		assert.NotEmpty(t, got)
	}
	assert.True(t, rootsEqual(roots(t, c, p)))
}

func TestConvergenceUnderArbitraryDeliveryOrder(t *testing.T) {
	// Writes delivered to arbitrary subsets in arbitrary orders: after
	// anti-entropy, all replicas store the join of all written values.
	c := defaultCluster(t)
	pk, sk := []byte("k"), []byte("s")
	p := layout.PartitionForKey(pk)

	v1 := NewLWW(10, c.nodes[0].id, []byte("v1"))
	v2 := NewLWW(11, c.nodes[1].id, []byte("v2"))
	v3 := NewLWW(12, c.nodes[2].id, []byte("v3"))

	applyDirect(t, c.nodes[0], pk, sk, v1)
	applyDirect(t, c.nodes[0], pk, sk, v2)
	applyDirect(t, c.nodes[1], pk, sk, v3)
	applyDirect(t, c.nodes[1], pk, sk, v1)
	applyDirect(t, c.nodes[2], pk, sk, v2)

	syncUntilConverged(t, c, p)

	want, err := v1.Merge(v2).Merge(v3).Encode()
	require.NoError(t, err)
	for _, n := range c.nodes {
		got, err := n.store.Get(storage.DataTree("objects"), itemKey(pk, sk))
		require.NoError(t, err)
		assert.Equal(t, want, got, "node %s", n.id.Short())
	}
}

func TestSyncCleanRoundIsNoop(t *testing.T) {
	c := defaultCluster(t)
	ctx := context.Background()
	pk, sk := []byte("k"), []byte("s")
	p := layout.PartitionForKey(pk)

	require.NoError(t, c.nodes[0].table.Insert(ctx, pk, sk, NewLWW(10, c.nodes[0].id, []byte("v"))))
	syncUntilConverged(t, c, p)

	before := roots(t, c, p)
	require.NoError(t, c.nodes[0].syncer.SyncPartition(ctx, p))
	assert.Equal(t, before, roots(t, c, p))
}

func TestSyncAllAcksLayoutVersion(t *testing.T) {
	c := defaultCluster(t)
	ctx := context.Background()

	for _, n := range c.nodes {
		require.NoError(t, n.syncer.SyncAll(ctx))
	}
	acks := c.nodes[0].mgr.Acks()
	assert.EqualValues(t, 1, acks[c.nodes[0].id])
}

func TestSyncBackoffOnUnreachablePeer(t *testing.T) {
	c := newTestCluster(t, 3, types.DefaultQuorum, time.Hour)
	c.bootstrap(t, 3)
	ctx := context.Background()
	a := c.nodes[0]
	pk := []byte("k")
	p := layout.PartitionForKey(pk)

	c.network.Cut(a.id, c.nodes[1].id)
	c.network.Cut(a.id, c.nodes[2].id)

	// Both peers fail and land in backoff; the next attempt reports
	// that everyone is backing off rather than spinning.
	require.Error(t, a.syncer.SyncPartition(ctx, p))
	require.Error(t, a.syncer.SyncPartition(ctx, p))
	err := a.syncer.SyncPartition(ctx, p)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrTimeout)
}

func TestSyncStatus(t *testing.T) {
	c := defaultCluster(t)
	ctx := context.Background()
	pk := []byte("k")
	p := layout.PartitionForKey(pk)

	require.NoError(t, c.nodes[0].syncer.SyncPartition(ctx, p))
	st := c.nodes[0].syncer.Status(p)
	assert.Equal(t, p, st.Partition)
	assert.Len(t, st.Replicas, 3)
	assert.Len(t, st.LastSync, 1)
}

func TestLayoutTransitionSettlesAfterSync(t *testing.T) {
	// Add a fourth node to a settled cluster: writes go to the union,
	// the newcomer syncs in, acks gather, and the transition finishes.
	c := newTestCluster(t, 4, types.DefaultQuorum, time.Hour)
	c.bootstrap(t, 3)
	ctx := context.Background()
	lead := c.nodes[0].mgr

	require.NoError(t, c.nodes[0].table.Insert(ctx, []byte("k"), []byte("s"), NewLWW(10, c.nodes[0].id, []byte("v"))))

	require.NoError(t, lead.Stage(c.nodes[3].id, types.NodeRole{
		Zone: "dc4", Capacity: 100, State: types.NodeStateActive,
	}))
	_, err := lead.Apply(0)
	require.NoError(t, err)
	lead.GossipOnce(ctx)
	require.True(t, lead.Snapshot().Transitioning())

	// A write during the transition still reaches quorum.
	require.NoError(t, c.nodes[0].table.Insert(ctx, []byte("k2"), []byte("s"), NewLWW(11, c.nodes[0].id, []byte("w"))))

	// Everyone completes a sync pass and gossips acks back.
	for i := 0; i < 2; i++ {
		for _, n := range c.nodes {
			require.NoError(t, n.syncer.SyncAll(ctx))
			n.mgr.GossipOnce(ctx)
		}
	}
	assert.False(t, lead.Snapshot().Transitioning())
	assert.Equal(t, "stable", lead.State())

	// The newcomer can now serve coordinated reads.
	got, err := c.nodes[3].table.Get(ctx, []byte("k"), []byte("s"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got.(*LWW).Payload)
}
