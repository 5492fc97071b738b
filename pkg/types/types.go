package types

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// NodeID identifies a cluster node by its stable 256-bit public key,
// hex-encoded. IDs sort lexicographically, which all deterministic
// iteration in the layout code relies on.
type NodeID string

// ParseNodeID validates the hex encoding and length of a node id.
func ParseNodeID(s string) (NodeID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("invalid node id %q: %w", s, err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("invalid node id %q: expected 32 bytes, got %d", s, len(raw))
	}
	return NodeID(s), nil
}

// Short returns the abbreviated form used in logs and CLI output.
func (id NodeID) Short() string {
	if len(id) <= 16 {
		return string(id)
	}
	return string(id[:16])
}

// PartitionID is one of the 2^PartitionBits shards of the key space.
type PartitionID uint16

// PartitionBits is the number of leading hash bits that select a
// partition. 8 bits gives 256 partitions.
const PartitionBits = 8

// PartitionCount is the total number of partitions.
const PartitionCount = 1 << PartitionBits

// NodeState is the membership state of a node in a layout.
type NodeState string

const (
	NodeStateActive   NodeState = "active"
	NodeStateDraining NodeState = "draining"
	NodeStateGone     NodeState = "gone"
)

// NodeRole holds the operator-declared attributes of a node. Roles are
// CRDT-merged across the cluster: for one node id, the role with the
// highest Sequence wins.
type NodeRole struct {
	Zone     string    `json:"zone"`
	Capacity uint64    `json:"capacity"`
	Tag      string    `json:"tag,omitempty"`
	State    NodeState `json:"state"`
	Sequence uint64    `json:"sequence"`
}

// Assignable reports whether this role can receive partition replicas.
func (r NodeRole) Assignable() bool {
	return r.State == NodeStateActive && r.Capacity > 0
}

// QuorumParams are the replication and quorum sizes for a table.
type QuorumParams struct {
	R int `json:"r"` // total replicas per partition
	W int `json:"w"` // write quorum
	F int `json:"f"` // read quorum
}

// DefaultQuorum is the standard 3-way replication profile.
var DefaultQuorum = QuorumParams{R: 3, W: 2, F: 2}

// Validate enforces the read-after-write overlap (W+F > R) and write
// majority (W >= ceil((R+1)/2)) constraints.
func (q QuorumParams) Validate() error {
	if q.R < 1 || q.W < 1 || q.F < 1 {
		return fmt.Errorf("quorum sizes must be positive: %+v", q)
	}
	if q.W > q.R || q.F > q.R {
		return fmt.Errorf("quorum sizes exceed replica count: %+v", q)
	}
	if q.W+q.F <= q.R {
		return fmt.Errorf("read-after-write requires W+F > R: %+v", q)
	}
	if 2*q.W < q.R+1 {
		return fmt.Errorf("write majority requires W >= ceil((R+1)/2): %+v", q)
	}
	return nil
}

// DefaultSyncGracePeriod is how long a tombstone must be confirmed on
// every replica before it can be dropped locally.
const DefaultSyncGracePeriod = 24 * time.Hour

// Error kinds surfaced by the core. Lower-level transport errors are
// normalized to these before reaching callers; use errors.Is to match.
var (
	// ErrQuorumFailed means fewer than the required number of replicas
	// acknowledged an operation. Replicas that did accept keep their
	// state; anti-entropy will propagate it.
	ErrQuorumFailed = errors.New("quorum failed")

	// ErrTimeout is a quorum failure caused by the deadline expiring.
	// Kept distinct from ErrQuorumFailed for observability.
	ErrTimeout = errors.New("operation timed out")

	// ErrLayoutMismatch means the sender's layout version was older
	// than the receiver's. Callers refresh the layout and retry once.
	ErrLayoutMismatch = errors.New("layout version mismatch")

	// ErrInfeasibleLayout means no assignment satisfying the hard
	// constraints exists for the staged roles.
	ErrInfeasibleLayout = errors.New("infeasible layout")

	// ErrBusy means a per-partition mailbox is full. The caller sees
	// the overflow rather than unbounded queueing.
	ErrBusy = errors.New("partition busy")

	// ErrCorrupted marks a partition whose local storage failed a
	// consistency check. The partition stays live on other replicas.
	ErrCorrupted = errors.New("local partition corrupted")

	// ErrProtocol covers malformed or unauthenticated remote input.
	ErrProtocol = errors.New("protocol violation")

	// ErrNotFound is returned for reads of absent items and trees.
	ErrNotFound = errors.New("not found")
)
