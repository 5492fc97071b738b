package table

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorClockDominance(t *testing.T) {
	tests := []struct {
		name      string
		a, b      VectorClock
		dominates bool
	}{
		{name: "empty dominates empty", a: VectorClock{}, b: VectorClock{}, dominates: true},
		{name: "superset dominates", a: VectorClock{"n1": 2, "n2": 1}, b: VectorClock{"n1": 1}, dominates: true},
		{name: "behind on one axis", a: VectorClock{"n1": 1}, b: VectorClock{"n1": 1, "n2": 1}, dominates: false},
		{name: "concurrent", a: VectorClock{"n1": 1}, b: VectorClock{"n2": 1}, dominates: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.dominates, tt.a.Dominates(tt.b))
		})
	}
}

func TestCausalConcurrentSiblings(t *testing.T) {
	// Two clients both read the empty token, then write concurrently:
	// both siblings survive, and the merged token dominates both.
	a, err := NewCausalValue(EmptyToken, "node-a", []byte("A"), false)
	require.NoError(t, err)
	b, err := NewCausalValue(EmptyToken, "node-b", []byte("B"), false)
	require.NoError(t, err)

	merged := a.Merge(b).(*CausalSet)
	assert.Len(t, merged.Entries, 2)
	assert.ElementsMatch(t, [][]byte{[]byte("A"), []byte("B")}, merged.Values())

	token := merged.Token()
	clock, err := token.clock()
	require.NoError(t, err)
	for _, e := range merged.Entries {
		assert.True(t, clock.Dominates(e.Clock))
	}
}

func TestCausalWriteWithTokenReplacesSiblings(t *testing.T) {
	a, _ := NewCausalValue(EmptyToken, "node-a", []byte("A"), false)
	b, _ := NewCausalValue(EmptyToken, "node-b", []byte("B"), false)
	merged := a.Merge(b).(*CausalSet)

	// A client that observed both siblings writes C: it wins alone.
	c, err := NewCausalValue(merged.Token(), "node-a", []byte("C"), false)
	require.NoError(t, err)
	final := merged.Merge(c).(*CausalSet)
	assert.Equal(t, [][]byte{[]byte("C")}, final.Values())
}

func TestCausalMergeOrderIndependent(t *testing.T) {
	a, _ := NewCausalValue(EmptyToken, "node-a", []byte("A"), false)
	b, _ := NewCausalValue(EmptyToken, "node-b", []byte("B"), false)
	c, _ := NewCausalValue(EmptyToken, "node-c", []byte("C"), false)

	left, err := a.Merge(b).Merge(c).Encode()
	require.NoError(t, err)
	right, err := c.Merge(a.Merge(b)).Encode()
	require.NoError(t, err)
	assert.Equal(t, left, right)
}

func TestCausalMergeIdempotent(t *testing.T) {
	a, _ := NewCausalValue(EmptyToken, "node-a", []byte("A"), false)
	b, _ := NewCausalValue(EmptyToken, "node-b", []byte("B"), false)
	merged := a.Merge(b)

	again, err := merged.Merge(b).Encode()
	require.NoError(t, err)
	once, err := merged.Encode()
	require.NoError(t, err)
	assert.Equal(t, once, again)
}

func TestCausalTombstone(t *testing.T) {
	a, _ := NewCausalValue(EmptyToken, "node-a", []byte("A"), false)
	tomb, err := NewCausalValue(a.Token(), "node-b", nil, true)
	require.NoError(t, err)

	merged := a.Merge(tomb).(*CausalSet)
	assert.True(t, merged.IsTombstone())
	assert.Empty(t, merged.Values())

	// A concurrent write not covered by the tombstone's clock survives.
	concurrent, _ := NewCausalValue(EmptyToken, "node-c", []byte("C"), false)
	survived := merged.Merge(concurrent).(*CausalSet)
	assert.False(t, survived.IsTombstone())
	assert.Equal(t, [][]byte{[]byte("C")}, survived.Values())
}

func TestCausalTokenOpaqueRoundTrip(t *testing.T) {
	a, _ := NewCausalValue(EmptyToken, "node-a", []byte("A"), false)
	token := a.Token()
	require.NotEqual(t, EmptyToken, token)

	_, err := token.clock()
	require.NoError(t, err)

	_, err = CausalToken("!!!not base64!!!").clock()
	assert.Error(t, err)
}
