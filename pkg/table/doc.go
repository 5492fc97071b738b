/*
Package table is the replicated table engine: a partition-key/sort-key
store whose values are bounded join-semilattices.

# Write and read paths

A coordinator (any node) fans a write out to every replica of the
key's partition and reports success once W replicas have durably
merged the value; reads merge F replies and asynchronously repair
replicas that returned less than the merge. W+F > R makes a read
overlap every successful write. Failed quorums leave partial state in
place on purpose — merging is idempotent, so anti-entropy finishes the
job without coordination.

On each replica, a per-partition owner goroutine serializes writes:
inside one transaction the incoming value is merged into the stored
one, no-ops are skipped, and the Merkle work queue entry is written so
the hash tree catches up even across a crash. Owner mailboxes are
bounded; overflow returns Busy.

# Value types

Tables are parameterized by a Schema: a codec for a Value type with a
deterministic, commutative, associative, idempotent Merge. Two types
ship with the engine: LWW, a last-writer-wins register, and CausalSet,
a vector-clock sibling set for opaque concurrent values. Deletions are
tombstone values that dominate live values and are collected by GC
only after every replica has confirmed the tombstone for the grace
period.

# Anti-entropy

Each partition carries a Merkle trie over its items (depth 16, bucketed
by key hash). The Syncer periodically picks one peer per partition,
compares roots, descends only into differing subtrees, and exchanges
the differing leaf items in both directions through the write path.
Sync is stateless between rounds and safe to interrupt.
*/
package table
