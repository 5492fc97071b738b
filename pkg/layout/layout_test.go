package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratakv/strata/pkg/types"
)

func TestRolesMerge(t *testing.T) {
	a := Roles{
		testNodeID(1): {Zone: "dc1", Capacity: 100, State: types.NodeStateActive, Sequence: 2},
		testNodeID(2): {Zone: "dc1", Capacity: 100, State: types.NodeStateActive, Sequence: 1},
	}
	b := Roles{
		testNodeID(1): {Zone: "dc9", Capacity: 50, State: types.NodeStateDraining, Sequence: 1},
		testNodeID(2): {Zone: "dc2", Capacity: 200, State: types.NodeStateActive, Sequence: 3},
		testNodeID(3): {Zone: "dc3", Capacity: 100, State: types.NodeStateActive, Sequence: 1},
	}

	changed := a.Merge(b)
	assert.True(t, changed)

	// Node 1: local sequence 2 beats remote 1.
	assert.Equal(t, "dc1", a[testNodeID(1)].Zone)
	// Node 2: remote sequence 3 wins.
	assert.Equal(t, "dc2", a[testNodeID(2)].Zone)
	// Node 3: new entry adopted.
	assert.Equal(t, "dc3", a[testNodeID(3)].Zone)

	// Merging the same state again changes nothing.
	assert.False(t, a.Merge(b))
}

func TestVersionHashRoundTrip(t *testing.T) {
	roles := Roles{
		testNodeID(1): activeRole("dc1", 100),
		testNodeID(2): activeRole("dc2", 100),
		testNodeID(3): activeRole("dc3", 100),
	}
	assignment, err := ComputeAssignment(roles, 3, nil)
	require.NoError(t, err)

	v := &Version{Version: 1, Replication: 3, Roles: roles, Assignment: assignment}
	require.NoError(t, v.Seal())
	assert.NotEmpty(t, v.Hash)

	encoded, err := v.Encode()
	require.NoError(t, err)

	decoded, err := DecodeVersion(encoded)
	require.NoError(t, err)
	assert.Equal(t, v.Version, decoded.Version)
	assert.Equal(t, v.Hash, decoded.Hash)
	assert.Equal(t, v.Assignment, decoded.Assignment)
}

func TestDecodeVersionRejectsTampering(t *testing.T) {
	roles := Roles{
		testNodeID(1): activeRole("dc1", 100),
	}
	assignment, err := ComputeAssignment(roles, 1, nil)
	require.NoError(t, err)

	v := &Version{Version: 1, Replication: 1, Roles: roles, Assignment: assignment}
	require.NoError(t, v.Seal())

	v.Version = 7 // content no longer matches the hash
	encoded, merr := v.Encode()
	require.NoError(t, merr)
	_, err = DecodeVersion(encoded)
	assert.ErrorIs(t, err, types.ErrProtocol)
}

func TestVersionSealDeterministic(t *testing.T) {
	roles := Roles{
		testNodeID(1): activeRole("dc1", 100),
		testNodeID(2): activeRole("dc2", 100),
		testNodeID(3): activeRole("dc3", 100),
	}
	assignment, err := ComputeAssignment(roles, 3, nil)
	require.NoError(t, err)

	a := &Version{Version: 1, Replication: 3, Roles: roles, Assignment: assignment}
	b := &Version{Version: 1, Replication: 3, Roles: roles.Clone(), Assignment: assignment}
	require.NoError(t, a.Seal())
	require.NoError(t, b.Seal())
	assert.Equal(t, a.Hash, b.Hash)
}

func TestPartitionForKey(t *testing.T) {
	// Deterministic and in range.
	p1 := PartitionForKey([]byte("bucket/object-1"))
	p2 := PartitionForKey([]byte("bucket/object-1"))
	assert.Equal(t, p1, p2)
	assert.Less(t, int(p1), types.PartitionCount)

	// Keys spread: over many keys every partition should see traffic.
	seen := make(map[types.PartitionID]bool)
	for i := 0; i < 100000; i++ {
		seen[PartitionForKey([]byte{byte(i), byte(i >> 8), byte(i >> 16)})] = true
	}
	assert.Len(t, seen, types.PartitionCount)
}

func TestPartitionsForNode(t *testing.T) {
	roles := Roles{
		testNodeID(1): activeRole("dc1", 100),
		testNodeID(2): activeRole("dc2", 100),
		testNodeID(3): activeRole("dc3", 100),
	}
	assignment, err := ComputeAssignment(roles, 3, nil)
	require.NoError(t, err)
	v := &Version{Version: 1, Replication: 3, Roles: roles, Assignment: assignment}

	// Three nodes, three replicas: everyone holds everything.
	for id := range roles {
		assert.Len(t, v.Partitions(id), types.PartitionCount)
	}
}
