package storage

import "fmt"

// Tree names the namespaced keyspaces of the local store. Each table
// owns a data tree, a merkle tree, a merkle work queue, and a tombstone
// grace queue; cluster metadata lives under the meta tree.
const (
	MetaTree = "meta"
)

// DataTree returns the tree holding a table's items.
func DataTree(table string) string { return fmt.Sprintf("tables/%s/data", table) }

// MerkleTree returns the tree holding a table's Merkle nodes.
func MerkleTree(table string) string { return fmt.Sprintf("tables/%s/merkle", table) }

// MerkleTodoTree returns the queue of pending Merkle leaf updates.
// Entries are written in the same transaction as the data write so the
// tree catches up after a crash.
func MerkleTodoTree(table string) string { return fmt.Sprintf("tables/%s/merkle_todo", table) }

// GCTree returns the tombstone grace queue for a table.
func GCTree(table string) string { return fmt.Sprintf("tables/%s/gc", table) }

// KV is one key/value pair returned by range scans.
type KV struct {
	Key   []byte
	Value []byte
}

// Change describes a committed mutation, delivered to subscribers.
type Change struct {
	Tree string
	Key  []byte
	Old  []byte
	New  []byte // nil on delete
}

// Txn is the handle passed to transaction closures. All reads observe
// a snapshot; all writes become visible atomically on commit.
type Txn interface {
	Get(tree string, key []byte) ([]byte, error)
	Put(tree string, key, value []byte) error
	Delete(tree string, key []byte) error
	Range(tree string, start, end []byte, limit int) ([]KV, error)
}

// Store is the local ordered KV engine the table layer builds on.
// Implementations must be crash-consistent: a transaction is either
// fully visible after Update returns, or absent entirely.
type Store interface {
	// Get returns the value for key, or types.ErrNotFound.
	Get(tree string, key []byte) ([]byte, error)

	// Range returns key-ordered pairs in [start, end). A nil end scans
	// to the end of the tree; limit <= 0 means unbounded.
	Range(tree string, start, end []byte, limit int) ([]KV, error)

	// Put stores key=value in its own transaction.
	Put(tree string, key, value []byte) error

	// Delete removes key in its own transaction.
	Delete(tree string, key []byte) error

	// Update runs fn inside a write transaction.
	Update(fn func(tx Txn) error) error

	// View runs fn inside a read-only snapshot.
	View(fn func(tx Txn) error) error

	// Subscribe returns a stream of committed changes to tree. The
	// stream is a wake-up signal, not a durable log: slow consumers
	// may miss changes and must reconcile from the store itself.
	Subscribe(tree string) <-chan Change

	Close() error
}
