package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratakv/strata/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPutGetDelete(t *testing.T) {
	store := newTestStore(t)
	tree := DataTree("objects")

	_, err := store.Get(tree, []byte("missing"))
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, store.Put(tree, []byte("k"), []byte("v")))
	got, err := store.Get(tree, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, store.Delete(tree, []byte("k")))
	_, err = store.Get(tree, []byte("k"))
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestTreesAreIsolated(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Put(DataTree("a"), []byte("k"), []byte("va")))
	require.NoError(t, store.Put(DataTree("b"), []byte("k"), []byte("vb")))

	got, err := store.Get(DataTree("a"), []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("va"), got)

	got, err = store.Get(DataTree("b"), []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("vb"), got)
}

func TestRange(t *testing.T) {
	store := newTestStore(t)
	tree := DataTree("objects")
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("key-%02d", i)
		require.NoError(t, store.Put(tree, []byte(key), []byte{byte(i)}))
	}

	tests := []struct {
		name  string
		start string
		end   string
		limit int
		want  int
		first string
	}{
		{name: "full scan", want: 10, first: "key-00"},
		{name: "bounded", start: "key-03", end: "key-07", want: 4, first: "key-03"},
		{name: "limited", limit: 3, want: 3, first: "key-00"},
		{name: "from middle open end", start: "key-08", want: 2, first: "key-08"},
		{name: "empty window", start: "key-99", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var start, end []byte
			if tt.start != "" {
				start = []byte(tt.start)
			}
			if tt.end != "" {
				end = []byte(tt.end)
			}
			kvs, err := store.Range(tree, start, end, tt.limit)
			require.NoError(t, err)
			assert.Len(t, kvs, tt.want)
			if tt.want > 0 {
				assert.Equal(t, tt.first, string(kvs[0].Key))
			}
		})
	}
}

func TestTransactionRollback(t *testing.T) {
	store := newTestStore(t)
	tree := DataTree("objects")

	boom := errors.New("boom")
	err := store.Update(func(tx Txn) error {
		require.NoError(t, tx.Put(tree, []byte("a"), []byte("1")))
		require.NoError(t, tx.Put(tree, []byte("b"), []byte("2")))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.Get(tree, []byte("a"))
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = store.Get(tree, []byte("b"))
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestTransactionReadsOwnWrites(t *testing.T) {
	store := newTestStore(t)
	tree := DataTree("objects")

	err := store.Update(func(tx Txn) error {
		if err := tx.Put(tree, []byte("k"), []byte("v")); err != nil {
			return err
		}
		got, err := tx.Get(tree, []byte("k"))
		if err != nil {
			return err
		}
		assert.Equal(t, []byte("v"), got)
		return nil
	})
	require.NoError(t, err)
}

func TestSubscribe(t *testing.T) {
	store := newTestStore(t)
	tree := MerkleTodoTree("objects")
	ch := store.Subscribe(tree)

	require.NoError(t, store.Put(tree, []byte("k"), []byte("v")))

	select {
	case change := <-ch:
		assert.Equal(t, tree, change.Tree)
		assert.Equal(t, []byte("k"), change.Key)
		assert.Nil(t, change.Old)
		assert.Equal(t, []byte("v"), change.New)
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}

	// Changes to other trees are not delivered.
	require.NoError(t, store.Put(DataTree("objects"), []byte("x"), []byte("y")))
	select {
	case c := <-ch:
		t.Fatalf("unexpected change: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put(MetaTree, []byte("k"), []byte("v")))
	require.NoError(t, store.Close())

	store, err = NewBoltStore(dir)
	require.NoError(t, err)
	defer store.Close()
	got, err := store.Get(MetaTree, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}
