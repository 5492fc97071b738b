/*
Package layout computes and distributes the cluster's partition
placement.

A layout Version maps each of the 256 partitions to an ordered list of
replica nodes, respecting three hard constraints: replicas are
distinct nodes, replicas spread across as many zones as the
replication factor allows, and each node's slot count stays within one
slot of its capacity-proportional share. Among feasible assignments
the solver minimizes reshuffling against the previous version by
running a min-cost max-flow with reuse-friendly edge costs.

Role changes are staged into a CRDT map (per-node highest sequence
wins) and folded into a new version by an explicit apply step. The
computation is deterministic, so every node applying the same staged
state produces a byte-identical, content-hashed version; gossip then
only has to propagate the highest version. While a transition is in
progress the Router exposes the union of the old and new replica sets,
and sync acknowledgements gathered from the new replicas retire the
old set.
*/
package layout
