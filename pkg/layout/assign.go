package layout

import (
	"container/heap"
	"fmt"
	"sort"

	"github.com/stratakv/strata/pkg/types"
)

// Cost tiers for the assignment flow. The hierarchy must be strict:
// reusing a same-zone slot (when zones are scarce) outweighs any number
// of quota shifts, which outweigh any number of reshuffled replicas.
const (
	costZoneDup  = int64(1_000_000)
	costOverflow = int64(10_000)
	costNewEdge  = int64(1)
)

// InfeasibleError reports that no assignment satisfies the hard
// constraints at the requested replication factor, along with the
// largest factor that would.
type InfeasibleError struct {
	Requested   int
	MaxFeasible int
}

func (e *InfeasibleError) Error() string {
	return fmt.Sprintf("no feasible assignment at replication %d (max feasible: %d)", e.Requested, e.MaxFeasible)
}

func (e *InfeasibleError) Unwrap() error { return types.ErrInfeasibleLayout }

// ComputeAssignment maps every partition to an ordered list of
// replication distinct nodes, spreading replicas across zones,
// bounding each node's share by its capacity weight (slack of one
// slot), and keeping as much of prev as possible. The computation is
// deterministic: identical inputs produce identical output on every
// node.
//
// The solver is a min-cost max-flow over a layered graph:
//
//	source -> partition (cap R)
//	partition -> (partition, zone) slot (cap 1; duplicate-zone slots
//	    only exist when there are fewer zones than R, at high cost)
//	(partition, zone) -> node in zone (cap 1; free if the node held
//	    this partition in prev, unit cost otherwise)
//	node -> sink (capacity quota; the slot above the floor carries a
//	    penalty so floors fill first)
//
// Saturating the source (flow == R * partitions) is exactly
// feasibility of the hard constraints.
func ComputeAssignment(roles Roles, replication int, prev [][]types.NodeID) ([][]types.NodeID, error) {
	if replication < 1 {
		return nil, &InfeasibleError{Requested: replication, MaxFeasible: 0}
	}
	if out, ok := solve(roles, replication, prev); ok {
		return out, nil
	}
	for r := replication - 1; r >= 1; r-- {
		if _, ok := solve(roles, r, prev); ok {
			return nil, &InfeasibleError{Requested: replication, MaxFeasible: r}
		}
	}
	return nil, &InfeasibleError{Requested: replication, MaxFeasible: 0}
}

func solve(roles Roles, replication int, prev [][]types.NodeID) ([][]types.NodeID, bool) {
	const p = types.PartitionCount
	nodes := roles.SortedNodes()
	zones := roles.Zones()
	n := len(nodes)
	z := len(zones)
	if n < replication || z == 0 {
		return nil, false
	}

	zoneIdx := make(map[string]int, z)
	for i, zone := range zones {
		zoneIdx[zone] = i
	}
	nodesByZone := make([][]int, z)
	var sumW uint64
	for i, id := range nodes {
		role := roles[id]
		zi := zoneIdx[role.Zone]
		nodesByZone[zi] = append(nodesByZone[zi], i)
		sumW += role.Capacity
	}

	// Capacity quotas: floor and ceil of R*P*w/sum(w), capped at P
	// since a node appears at most once per partition.
	total := uint64(replication) * uint64(p)
	floors := make([]int, n)
	ceils := make([]int, n)
	for i, id := range nodes {
		w := roles[id].Capacity
		fl := total * w / sumW
		cl := fl
		if total*w%sumW != 0 {
			cl++
		}
		if fl > p {
			fl = p
		}
		if cl > p {
			cl = p
		}
		floors[i] = int(fl)
		ceils[i] = int(cl)
	}

	prevSets := make([]map[types.NodeID]bool, p)
	if len(prev) == p {
		for pi, replicas := range prev {
			set := make(map[types.NodeID]bool, len(replicas))
			for _, id := range replicas {
				set[id] = true
			}
			prevSets[pi] = set
		}
	}

	// Graph layout: source, P partitions, P*Z zone slots, N nodes, sink.
	offPart := 1
	offZone := offPart + p
	offNode := offZone + p*z
	sink := offNode + n
	g := newFlowGraph(sink + 1)

	for pi := 0; pi < p; pi++ {
		g.addEdge(0, offPart+pi, replication, 0)
	}

	// Edges from zone slots to nodes, remembered for extraction.
	type assignEdge struct {
		edge int
		node int
	}
	partEdges := make([][]assignEdge, p)

	for pi := 0; pi < p; pi++ {
		for zi := 0; zi < z; zi++ {
			slot := offZone + pi*z + zi
			g.addEdge(offPart+pi, slot, 1, 0)
			if z < replication {
				g.addEdge(offPart+pi, slot, replication-1, costZoneDup)
			}

			members := append([]int(nil), nodesByZone[zi]...)
			sort.Slice(members, func(a, b int) bool {
				return tieHash(types.PartitionID(pi), nodes[members[a]]) <
					tieHash(types.PartitionID(pi), nodes[members[b]])
			})
			for _, ni := range members {
				cost := costNewEdge
				if prevSets[pi] != nil && prevSets[pi][nodes[ni]] {
					cost = 0
				}
				e := g.addEdge(slot, offNode+ni, 1, cost)
				partEdges[pi] = append(partEdges[pi], assignEdge{edge: e, node: ni})
			}
		}
	}

	for ni := 0; ni < n; ni++ {
		if floors[ni] > 0 {
			g.addEdge(offNode+ni, sink, floors[ni], 0)
		}
		if over := ceils[ni] - floors[ni]; over > 0 {
			g.addEdge(offNode+ni, sink, over, costOverflow)
		}
	}

	need := replication * p
	flow, _ := g.minCostFlow(0, sink, need)
	if flow != need {
		return nil, false
	}

	counts := make([]int, n)
	out := make([][]types.NodeID, p)
	for pi := 0; pi < p; pi++ {
		var chosen []int
		for _, ae := range partEdges[pi] {
			if g.edges[ae.edge].cap == 0 {
				chosen = append(chosen, ae.node)
				counts[ae.node]++
			}
		}
		if len(chosen) != replication {
			return nil, false
		}
		out[pi] = orderReplicas(types.PartitionID(pi), nodes, chosen, prev, replication)
	}

	// The floor is a hard constraint; the flow only prefers it. Reject
	// solutions where zone structure forced a node below its floor.
	for ni := range counts {
		if counts[ni] < floors[ni] || counts[ni] > ceils[ni] {
			return nil, false
		}
	}
	return out, true
}

// orderReplicas ranks a partition's chosen nodes: nodes keep their
// previous rank where possible, and new nodes fill the remaining slots
// in tie-hash order.
func orderReplicas(p types.PartitionID, nodes []types.NodeID, chosen []int, prev [][]types.NodeID, replication int) []types.NodeID {
	chosenSet := make(map[types.NodeID]bool, len(chosen))
	for _, ni := range chosen {
		chosenSet[nodes[ni]] = true
	}

	out := make([]types.NodeID, replication)
	placed := make(map[types.NodeID]bool, replication)
	if len(prev) > int(p) {
		for k, id := range prev[p] {
			if k >= replication {
				break
			}
			if chosenSet[id] && !placed[id] {
				out[k] = id
				placed[id] = true
			}
		}
	}

	var rest []types.NodeID
	for _, ni := range chosen {
		if !placed[nodes[ni]] {
			rest = append(rest, nodes[ni])
		}
	}
	sort.Slice(rest, func(a, b int) bool {
		return tieHash(p, rest[a]) < tieHash(p, rest[b])
	})

	next := 0
	for k := range out {
		if out[k] == "" {
			out[k] = rest[next]
			next++
		}
	}
	return out
}

// flowGraph is a small min-cost max-flow solver (successive shortest
// paths with Johnson potentials). Edges are stored in pairs: edge i
// and its reverse i^1.
type flowGraph struct {
	n     int
	edges []flowEdge
	adj   [][]int
}

type flowEdge struct {
	to   int
	cap  int
	cost int64
}

func newFlowGraph(n int) *flowGraph {
	return &flowGraph{n: n, adj: make([][]int, n)}
}

func (g *flowGraph) addEdge(from, to, capacity int, cost int64) int {
	idx := len(g.edges)
	g.edges = append(g.edges, flowEdge{to: to, cap: capacity, cost: cost})
	g.edges = append(g.edges, flowEdge{to: from, cap: 0, cost: -cost})
	g.adj[from] = append(g.adj[from], idx)
	g.adj[to] = append(g.adj[to], idx+1)
	return idx
}

const infCost = int64(1) << 62

func (g *flowGraph) minCostFlow(s, t, need int) (int, int64) {
	flow := 0
	var totalCost int64
	h := make([]int64, g.n)
	dist := make([]int64, g.n)
	prevEdge := make([]int, g.n)

	for flow < need {
		for i := range dist {
			dist[i] = infCost
			prevEdge[i] = -1
		}
		dist[s] = 0
		pq := &flowHeap{{node: s}}
		for pq.Len() > 0 {
			it := heap.Pop(pq).(flowItem)
			if it.dist > dist[it.node] {
				continue
			}
			for _, ei := range g.adj[it.node] {
				e := g.edges[ei]
				if e.cap <= 0 {
					continue
				}
				nd := it.dist + e.cost + h[it.node] - h[e.to]
				if nd < dist[e.to] {
					dist[e.to] = nd
					prevEdge[e.to] = ei
					heap.Push(pq, flowItem{node: e.to, dist: nd})
				}
			}
		}
		if dist[t] >= infCost {
			break
		}
		for i := range h {
			if dist[i] < infCost {
				h[i] += dist[i]
			}
		}

		push := need - flow
		for v := t; v != s; v = g.edges[prevEdge[v]^1].to {
			if c := g.edges[prevEdge[v]].cap; c < push {
				push = c
			}
		}
		for v := t; v != s; v = g.edges[prevEdge[v]^1].to {
			g.edges[prevEdge[v]].cap -= push
			g.edges[prevEdge[v]^1].cap += push
		}
		flow += push
		totalCost += int64(push) * h[t]
	}
	return flow, totalCost
}

type flowItem struct {
	node int
	dist int64
}

type flowHeap []flowItem

func (h flowHeap) Len() int { return len(h) }
func (h flowHeap) Less(i, j int) bool {
	if h[i].dist != h[j].dist {
		return h[i].dist < h[j].dist
	}
	return h[i].node < h[j].node
}
func (h flowHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *flowHeap) Push(x interface{}) { *h = append(*h, x.(flowItem)) }

func (h *flowHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
