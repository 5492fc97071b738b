package table

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/stratakv/strata/pkg/layout"
	"github.com/stratakv/strata/pkg/types"
)

// itemKey is the storage key of an item: partition id, then the
// length-prefixed partition key, then the sort key. The partition
// prefix groups a partition's items for Merkle and sync scans; within
// one partition key, items sort by sort key, which range reads rely
// on.
func itemKey(pk, sk []byte) []byte {
	p := layout.PartitionForKey(pk)
	out := make([]byte, 0, 4+len(pk)+len(sk))
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(p))
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(pk)))
	out = append(out, hdr[:]...)
	out = append(out, pk...)
	out = append(out, sk...)
	return out
}

// splitItemKey recovers the parts of a storage key.
func splitItemKey(key []byte) (p types.PartitionID, pk, sk []byte, err error) {
	if len(key) < 4 {
		return 0, nil, nil, fmt.Errorf("truncated item key: %w", types.ErrProtocol)
	}
	p = types.PartitionID(binary.BigEndian.Uint16(key[0:2]))
	pkLen := int(binary.BigEndian.Uint16(key[2:4]))
	if len(key) < 4+pkLen {
		return 0, nil, nil, fmt.Errorf("truncated item key: %w", types.ErrProtocol)
	}
	return p, key[4 : 4+pkLen], key[4+pkLen:], nil
}

// pkPrefix is the common prefix of every item under one partition key.
func pkPrefix(pk []byte) []byte {
	k := itemKey(pk, nil)
	return k
}

// partitionRange bounds all keys of one partition.
func partitionRange(p types.PartitionID) (start, end []byte) {
	start = make([]byte, 2)
	binary.BigEndian.PutUint16(start, uint16(p))
	return start, prefixSuccessor(start)
}

// skRange bounds a sort-key scan under one partition key. A nil skEnd
// scans to the last sort key.
func skRange(pk, skStart, skEnd []byte) (start, end []byte) {
	prefix := pkPrefix(pk)
	start = append(append([]byte(nil), prefix...), skStart...)
	if skEnd == nil {
		return start, prefixSuccessor(prefix)
	}
	return start, append(append([]byte(nil), prefix...), skEnd...)
}

// prefixSuccessor returns the smallest key greater than every key with
// the given prefix, or nil if the prefix is all 0xff.
func prefixSuccessor(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

// valueHash is the content hash Merkle leaves aggregate.
func valueHash(encoded []byte) []byte {
	sum := blake2b.Sum256(encoded)
	return sum[:]
}
