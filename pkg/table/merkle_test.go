package table

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratakv/strata/pkg/layout"
	"github.com/stratakv/strata/pkg/storage"
)

func newTestMerkle(t *testing.T) *merkleIndex {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return newMerkleIndex(store, "objects")
}

// queueWrite enqueues a leaf update the way the write path does.
func queueWrite(t *testing.T, m *merkleIndex, pk, sk, value []byte) {
	t.Helper()
	require.NoError(t, m.store.Put(m.todo, itemKey(pk, sk), valueHash(value)))
}

// queueDelete enqueues an item removal the way GC does.
func queueDelete(t *testing.T, m *merkleIndex, pk, sk []byte) {
	t.Helper()
	require.NoError(t, m.store.Put(m.todo, itemKey(pk, sk), nil))
}

func drain(t *testing.T, m *merkleIndex) {
	t.Helper()
	for {
		n, err := m.ProcessOnce()
		require.NoError(t, err)
		if n == 0 {
			return
		}
	}
}

func TestMerkleEmptyRoot(t *testing.T) {
	m := newTestMerkle(t)
	root, err := m.Root(0)
	require.NoError(t, err)
	assert.Nil(t, root)
}

func TestMerkleRootsEqualIffSameItems(t *testing.T) {
	pk := []byte("bucket")
	p := layout.PartitionForKey(pk)

	a := newTestMerkle(t)
	b := newTestMerkle(t)

	// Same items, different insertion orders and batch boundaries.
	for i := 0; i < 50; i++ {
		queueWrite(t, a, pk, []byte(fmt.Sprintf("obj-%02d", i)), []byte(fmt.Sprintf("v%d", i)))
		if i%7 == 0 {
			drain(t, a)
		}
	}
	drain(t, a)
	for i := 49; i >= 0; i-- {
		queueWrite(t, b, pk, []byte(fmt.Sprintf("obj-%02d", i)), []byte(fmt.Sprintf("v%d", i)))
	}
	drain(t, b)

	rootA, err := a.Root(p)
	require.NoError(t, err)
	rootB, err := b.Root(p)
	require.NoError(t, err)
	require.NotNil(t, rootA)
	assert.Equal(t, rootA, rootB)

	// One divergent value flips the roots apart.
	queueWrite(t, b, pk, []byte("obj-25"), []byte("poisoned"))
	drain(t, b)
	rootB, err = b.Root(p)
	require.NoError(t, err)
	assert.NotEqual(t, rootA, rootB)

	// Restoring the value restores equality.
	queueWrite(t, b, pk, []byte("obj-25"), []byte("v25"))
	drain(t, b)
	rootB, err = b.Root(p)
	require.NoError(t, err)
	assert.Equal(t, rootA, rootB)
}

func TestMerkleUpdateIsIdempotent(t *testing.T) {
	pk := []byte("bucket")
	p := layout.PartitionForKey(pk)
	m := newTestMerkle(t)

	queueWrite(t, m, pk, []byte("obj"), []byte("v"))
	drain(t, m)
	root1, err := m.Root(p)
	require.NoError(t, err)

	queueWrite(t, m, pk, []byte("obj"), []byte("v"))
	drain(t, m)
	root2, err := m.Root(p)
	require.NoError(t, err)
	assert.Equal(t, root1, root2)
}

func TestMerkleDeletionShrinksTree(t *testing.T) {
	pk := []byte("bucket")
	p := layout.PartitionForKey(pk)

	a := newTestMerkle(t)
	queueWrite(t, a, pk, []byte("keep"), []byte("v1"))
	queueWrite(t, a, pk, []byte("drop"), []byte("v2"))
	drain(t, a)

	queueDelete(t, a, pk, []byte("drop"))
	drain(t, a)

	// A tree that only ever saw the surviving item matches.
	b := newTestMerkle(t)
	queueWrite(t, b, pk, []byte("keep"), []byte("v1"))
	drain(t, b)

	rootA, err := a.Root(p)
	require.NoError(t, err)
	rootB, err := b.Root(p)
	require.NoError(t, err)
	assert.Equal(t, rootB, rootA)

	// Deleting the last item empties the partition completely.
	queueDelete(t, a, pk, []byte("keep"))
	drain(t, a)
	root, err := a.Root(p)
	require.NoError(t, err)
	assert.Nil(t, root)
}

func TestMerkleLeafItems(t *testing.T) {
	pk := []byte("bucket")
	p := layout.PartitionForKey(pk)
	m := newTestMerkle(t)

	key := itemKey(pk, []byte("obj"))
	queueWrite(t, m, pk, []byte("obj"), []byte("v"))
	drain(t, m)

	items, err := m.LeafItems(p, itemPos(key))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, key, items[0].Key)
	assert.Equal(t, valueHash([]byte("v")), items[0].Hash)
}

func TestMerklePartitionsIndependent(t *testing.T) {
	m := newTestMerkle(t)

	// Find two partition keys in different partitions.
	pkA := []byte("bucket-a")
	var pkB []byte
	for i := 0; ; i++ {
		candidate := []byte(fmt.Sprintf("bucket-%d", i))
		if layout.PartitionForKey(candidate) != layout.PartitionForKey(pkA) {
			pkB = candidate
			break
		}
	}

	queueWrite(t, m, pkA, []byte("obj"), []byte("v"))
	drain(t, m)
	rootA1, err := m.Root(layout.PartitionForKey(pkA))
	require.NoError(t, err)

	queueWrite(t, m, pkB, []byte("obj"), []byte("v"))
	drain(t, m)
	rootA2, err := m.Root(layout.PartitionForKey(pkA))
	require.NoError(t, err)
	assert.Equal(t, rootA1, rootA2)

	rootB, err := m.Root(layout.PartitionForKey(pkB))
	require.NoError(t, err)
	assert.NotNil(t, rootB)
}
