package layout

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratakv/strata/pkg/rpc"
	"github.com/stratakv/strata/pkg/storage"
	"github.com/stratakv/strata/pkg/types"
)

func newTestManager(t *testing.T, self types.NodeID, tr rpc.Transport) (*Manager, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m, err := NewManager(self, 3, store, tr, nil)
	require.NoError(t, err)
	return m, store
}

func stageCluster(t *testing.T, m *Manager, n int) {
	t.Helper()
	zones := []string{"dc1", "dc2", "dc3"}
	for i := 1; i <= n; i++ {
		require.NoError(t, m.Stage(testNodeID(i), types.NodeRole{
			Zone:     zones[(i-1)%len(zones)],
			Capacity: 100,
			State:    types.NodeStateActive,
		}))
	}
}

func TestStageAndApply(t *testing.T) {
	m, _ := newTestManager(t, testNodeID(1), nil)
	assert.Equal(t, "stable", m.State())
	assert.EqualValues(t, 0, m.Current().Version)

	stageCluster(t, m, 3)
	assert.Equal(t, "staging", m.State())
	assert.Len(t, m.StagedRoles(), 3)

	v, err := m.Apply(0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, v.Version)
	assert.NotEmpty(t, v.Hash)
	assert.Len(t, v.Assignment, types.PartitionCount)

	// The very first layout has nothing to move from.
	assert.Equal(t, "stable", m.State())
	assert.Empty(t, m.StagedRoles())
}

func TestApplyVersionGuard(t *testing.T) {
	m, _ := newTestManager(t, testNodeID(1), nil)
	stageCluster(t, m, 3)

	_, err := m.Apply(5)
	assert.Error(t, err)

	v, err := m.Apply(1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, v.Version)
}

func TestApplyWithoutStagedChanges(t *testing.T) {
	m, _ := newTestManager(t, testNodeID(1), nil)
	_, err := m.Apply(0)
	assert.Error(t, err)
}

func TestApplyInfeasibleDoesNotActivate(t *testing.T) {
	m, _ := newTestManager(t, testNodeID(1), nil)
	// Two nodes cannot hold three replicas.
	stageCluster(t, m, 2)

	_, err := m.Apply(0)
	assert.ErrorIs(t, err, types.ErrInfeasibleLayout)
	assert.EqualValues(t, 0, m.Current().Version)
	// The staged changes survive for the operator to amend.
	assert.Len(t, m.StagedRoles(), 2)
}

func TestTransitionCompletesOnAcks(t *testing.T) {
	m, _ := newTestManager(t, testNodeID(1), nil)
	stageCluster(t, m, 3)
	_, err := m.Apply(0)
	require.NoError(t, err)

	// Add a fourth node: now there is an old layout to move away from.
	require.NoError(t, m.Stage(testNodeID(4), types.NodeRole{
		Zone: "dc4", Capacity: 100, State: types.NodeStateActive,
	}))
	v, err := m.Apply(0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, v.Version)
	assert.Equal(t, "propagating", m.State())
	assert.True(t, m.Snapshot().Transitioning())

	for i := 1; i <= 4; i++ {
		require.NoError(t, m.AckSync(testNodeID(i), 2))
	}
	assert.Equal(t, "stable", m.State())
	assert.False(t, m.Snapshot().Transitioning())
}

func TestManagerPersistence(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	m, err := NewManager(testNodeID(1), 3, store, nil, nil)
	require.NoError(t, err)
	stageCluster(t, m, 3)
	v, err := m.Apply(0)
	require.NoError(t, err)

	reopened, err := NewManager(testNodeID(1), 3, store, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, v.Version, reopened.Current().Version)
	assert.Equal(t, v.Hash, reopened.Current().Hash)
}

func TestGossipConvergence(t *testing.T) {
	network := rpc.NewNetwork()
	trA := network.Join(testNodeID(1))
	trB := network.Join(testNodeID(2))
	trC := network.Join(testNodeID(3))

	mA, _ := newTestManager(t, testNodeID(1), trA)
	mB, _ := newTestManager(t, testNodeID(2), trB)
	mC, _ := newTestManager(t, testNodeID(3), trC)

	stageCluster(t, mA, 3)
	v, err := mA.Apply(0)
	require.NoError(t, err)

	mA.GossipOnce(context.Background())

	assert.Equal(t, v.Version, mB.Current().Version)
	assert.Equal(t, v.Hash, mB.Current().Hash)
	assert.Equal(t, v.Version, mC.Current().Version)
	assert.Equal(t, v.Hash, mC.Current().Hash)
}

func TestGossipMergesStagedRoles(t *testing.T) {
	network := rpc.NewNetwork()
	trA := network.Join(testNodeID(1))
	trB := network.Join(testNodeID(2))

	mA, _ := newTestManager(t, testNodeID(1), trA)
	mB, _ := newTestManager(t, testNodeID(2), trB)

	// Each operator stages the other node's role, so each manager
	// knows one peer to gossip with.
	require.NoError(t, mA.Stage(testNodeID(2), types.NodeRole{Zone: "dc2", Capacity: 100, State: types.NodeStateActive}))
	require.NoError(t, mB.Stage(testNodeID(1), types.NodeRole{Zone: "dc1", Capacity: 100, State: types.NodeStateActive}))

	mA.GossipOnce(context.Background())

	assert.Len(t, mA.StagedRoles(), 2)
	assert.Len(t, mB.StagedRoles(), 2)
}

func TestAdoptRejectsOlderVersion(t *testing.T) {
	network := rpc.NewNetwork()
	trA := network.Join(testNodeID(1))
	trB := network.Join(testNodeID(2))

	mA, _ := newTestManager(t, testNodeID(1), trA)
	mB, _ := newTestManager(t, testNodeID(2), trB)

	stageCluster(t, mA, 3)
	v1, err := mA.Apply(0)
	require.NoError(t, err)
	mA.GossipOnce(context.Background())
	require.EqualValues(t, 1, mB.Current().Version)

	// A second apply on B; gossiping the new version back to A must
	// replace A's, and re-gossiping the old one must not.
	require.NoError(t, mB.Stage(testNodeID(4), types.NodeRole{Zone: "dc4", Capacity: 100, State: types.NodeStateActive}))
	_, err = mB.Apply(0)
	require.NoError(t, err)
	mB.GossipOnce(context.Background())
	assert.EqualValues(t, 2, mA.Current().Version)

	old, err := v1.Encode()
	require.NoError(t, err)
	require.NoError(t, mA.merge(&gossipState{Layout: old}))
	assert.EqualValues(t, 2, mA.Current().Version)
}
