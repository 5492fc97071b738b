package layout

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/crypto/blake2b"

	"github.com/stratakv/strata/pkg/types"
)

// Roles is the operator-declared role map, one entry per node. It is a
// CRDT: merging keeps, per node, the role with the highest sequence
// number, so concurrent staging on different nodes converges.
type Roles map[types.NodeID]types.NodeRole

// Merge folds other into r, returning true if r changed.
func (r Roles) Merge(other Roles) bool {
	changed := false
	for id, role := range other {
		cur, ok := r[id]
		if !ok || role.Sequence > cur.Sequence {
			r[id] = role
			changed = true
		}
	}
	return changed
}

// Clone returns a deep copy of the role map.
func (r Roles) Clone() Roles {
	out := make(Roles, len(r))
	for id, role := range r {
		out[id] = role
	}
	return out
}

// SortedNodes returns the assignable node ids in lexicographic order.
// Every iteration in the assignment code goes through this to stay
// deterministic across nodes.
func (r Roles) SortedNodes() []types.NodeID {
	out := make([]types.NodeID, 0, len(r))
	for id, role := range r {
		if role.Assignable() {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Zones returns the sorted distinct zones that have at least one
// assignable node. A node staged without a zone counts as living in
// the unnamed zone.
func (r Roles) Zones() []string {
	seen := make(map[string]bool)
	for _, role := range r {
		if role.Assignable() {
			seen[role.Zone] = true
		}
	}
	out := make([]string, 0, len(seen))
	for z := range seen {
		out = append(out, z)
	}
	sort.Strings(out)
	return out
}

// Version is one immutable layout: the role map, the replication
// factor, and the full partition assignment. Versions are totally
// ordered; the cluster converges on the highest one.
type Version struct {
	Version     uint64             `json:"version"`
	Replication int                `json:"replication"`
	Roles       Roles              `json:"roles"`
	Assignment  [][]types.NodeID   `json:"assignment"`
	Hash        string             `json:"hash"`
}

// canonical returns the serialization the hash covers: the version
// with the Hash field cleared. encoding/json writes struct fields in
// declaration order and map keys sorted, which makes this byte-stable
// across nodes.
func (v *Version) canonical() ([]byte, error) {
	clone := *v
	clone.Hash = ""
	return json.Marshal(&clone)
}

// Seal computes and stores the content hash.
func (v *Version) Seal() error {
	data, err := v.canonical()
	if err != nil {
		return fmt.Errorf("failed to serialize layout: %w", err)
	}
	sum := blake2b.Sum256(data)
	v.Hash = hex.EncodeToString(sum[:])
	return nil
}

// VerifyHash recomputes the content hash and compares it to the stored
// one. Nodes reject gossiped layouts that fail this check.
func (v *Version) VerifyHash() error {
	data, err := v.canonical()
	if err != nil {
		return fmt.Errorf("failed to serialize layout: %w", err)
	}
	sum := blake2b.Sum256(data)
	if hex.EncodeToString(sum[:]) != v.Hash {
		return fmt.Errorf("layout %d hash mismatch: %w", v.Version, types.ErrProtocol)
	}
	return nil
}

// Encode serializes the sealed version for storage or the wire.
func (v *Version) Encode() ([]byte, error) {
	if v.Hash == "" {
		if err := v.Seal(); err != nil {
			return nil, err
		}
	}
	return json.Marshal(v)
}

// DecodeVersion parses and hash-checks a serialized layout version.
func DecodeVersion(data []byte) (*Version, error) {
	var v Version
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("malformed layout: %w", types.ErrProtocol)
	}
	if err := v.VerifyHash(); err != nil {
		return nil, err
	}
	return &v, nil
}

// ReplicasFor returns the ordered replica list of a partition.
func (v *Version) ReplicasFor(p types.PartitionID) []types.NodeID {
	if v == nil || int(p) >= len(v.Assignment) {
		return nil
	}
	return v.Assignment[p]
}

// Partitions returns the partitions that have node among their replicas.
func (v *Version) Partitions(node types.NodeID) []types.PartitionID {
	if v == nil {
		return nil
	}
	var out []types.PartitionID
	for p, replicas := range v.Assignment {
		for _, n := range replicas {
			if n == node {
				out = append(out, types.PartitionID(p))
				break
			}
		}
	}
	return out
}

// PartitionForKey hashes a partition key and takes the top
// PartitionBits bits.
func PartitionForKey(pk []byte) types.PartitionID {
	sum := blake2b.Sum256(pk)
	top := binary.BigEndian.Uint16(sum[:2])
	return types.PartitionID(top >> (16 - types.PartitionBits))
}

// tieHash orders equal-cost candidates deterministically by hashing
// the (partition, node) pair.
func tieHash(p types.PartitionID, node types.NodeID) uint64 {
	var buf bytes.Buffer
	var pb [2]byte
	binary.BigEndian.PutUint16(pb[:], uint16(p))
	buf.Write(pb[:])
	buf.WriteString(string(node))
	sum := blake2b.Sum256(buf.Bytes())
	return binary.BigEndian.Uint64(sum[:8])
}
