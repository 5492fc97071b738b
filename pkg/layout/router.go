package layout

import (
	"fmt"

	"github.com/stratakv/strata/pkg/types"
)

// Route is the replica set resolution for one partition. During a
// layout transition Write and Read span the union of the old and new
// replica sets; Quorum is always the new layout's replicas, which is
// what acknowledgements are counted against.
type Route struct {
	Partition types.PartitionID

	// Write is where writes are sent: union of old and new replicas.
	Write []types.NodeID

	// Read is where reads are sent: same union.
	Read []types.NodeID

	// Quorum are the new-layout replicas; W and F are counted here.
	Quorum []types.NodeID

	// CatchingUp are new replicas still syncing the partition in from
	// the old holders.
	CatchingUp []types.NodeID
}

// Router resolves keys to replica sets against the layout snapshot
// published by the manager. It is a pure lookup; all state lives in
// the snapshot.
type Router struct {
	mgr *Manager
}

// NewRouter creates a router over the manager's layout snapshots.
func NewRouter(mgr *Manager) *Router {
	return &Router{mgr: mgr}
}

// Route resolves a partition key.
func (r *Router) Route(pk []byte) (*Route, error) {
	return r.RoutePartition(PartitionForKey(pk))
}

// RoutePartition resolves a partition id.
func (r *Router) RoutePartition(p types.PartitionID) (*Route, error) {
	snap := r.mgr.Snapshot()
	cur := snap.Current.ReplicasFor(p)
	if len(cur) == 0 {
		return nil, fmt.Errorf("no layout for partition %d: %w", p, types.ErrLayoutMismatch)
	}

	route := &Route{
		Partition: p,
		Quorum:    cur,
	}

	if !snap.Transitioning() {
		route.Write = cur
		route.Read = cur
		return route, nil
	}

	old := snap.Previous.ReplicasFor(p)
	oldSet := make(map[types.NodeID]bool, len(old))
	for _, n := range old {
		oldSet[n] = true
	}

	union := append([]types.NodeID(nil), cur...)
	inUnion := make(map[types.NodeID]bool, len(cur))
	for _, n := range cur {
		inUnion[n] = true
		if !oldSet[n] {
			route.CatchingUp = append(route.CatchingUp, n)
		}
	}
	for _, n := range old {
		if !inUnion[n] {
			union = append(union, n)
		}
	}
	route.Write = union
	route.Read = union
	return route, nil
}

// Local returns the partitions this node holds a replica of, including
// partitions still arriving from the previous layout.
func (r *Router) Local() []types.PartitionID {
	snap := r.mgr.Snapshot()
	self := r.mgr.Self()
	seen := make(map[types.PartitionID]bool)
	var out []types.PartitionID
	for _, p := range snap.Current.Partitions(self) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	if snap.Previous != nil {
		for _, p := range snap.Previous.Partitions(self) {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}
