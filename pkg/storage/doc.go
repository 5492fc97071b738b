/*
Package storage is the local ordered key/value engine backing every
table replica, implemented on BoltDB.

Each table owns four trees (BoltDB buckets): its items, its Merkle
nodes, the Merkle work queue, and the tombstone grace queue; cluster
metadata lives under the meta tree. All writes go through transactions
(bolt.Update), which commit with an fsync — the durability the write
quorum counts against — and are crash-consistent: a transaction is
either fully visible or absent.

Subscribers receive committed changes as a best-effort wake-up signal.
Durable hand-off between the write path and the Merkle updater goes
through the work-queue tree written in the same transaction as the
data, not through the subscription.
*/
package storage
