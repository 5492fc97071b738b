package table

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"

	"github.com/stratakv/strata/pkg/log"
	"github.com/stratakv/strata/pkg/storage"
	"github.com/stratakv/strata/pkg/types"
)

// merkleDepth is the depth of the per-partition hash trie: leaves
// bucket items by the top 16 bits of the hash of their storage key.
const merkleDepth = 16

var zeroHash [32]byte

// merkleIndex maintains the per-partition Merkle trees of one table.
// The write path enqueues leaf updates in the same transaction as the
// data write; a single updater goroutine drains the queue, recomputes
// the affected leaves, and bubbles hashes to the root. Two replicas
// hold the same multiset of (key, value hash) pairs for a partition
// iff their roots are equal.
type merkleIndex struct {
	store  storage.Store
	table  string
	tree   string
	todo   string
	logger zerolog.Logger
}

func newMerkleIndex(store storage.Store, table string) *merkleIndex {
	return &merkleIndex{
		store:  store,
		table:  table,
		tree:   storage.MerkleTree(table),
		todo:   storage.MerkleTodoTree(table),
		logger: log.WithComponent("merkle").With().Str("table", table).Logger(),
	}
}

// Tree keys: internal nodes are tagged 0x00 and addressed by
// (partition, depth, prefix); leaf index entries are tagged 0x01 and
// addressed by (partition, leaf prefix, item key), so one range scan
// yields a leaf's contents in item-key order.

func nodeKey(p types.PartitionID, depth uint8, prefix uint16) []byte {
	out := make([]byte, 6)
	out[0] = 0x00
	binary.BigEndian.PutUint16(out[1:3], uint16(p))
	out[3] = depth
	binary.BigEndian.PutUint16(out[4:6], prefix)
	return out
}

func leafIndexPrefix(p types.PartitionID, prefix uint16) []byte {
	out := make([]byte, 5)
	out[0] = 0x01
	binary.BigEndian.PutUint16(out[1:3], uint16(p))
	binary.BigEndian.PutUint16(out[3:5], prefix)
	return out
}

func leafIndexKey(p types.PartitionID, prefix uint16, item []byte) []byte {
	return append(leafIndexPrefix(p, prefix), item...)
}

// itemPos buckets an item into its leaf by hashing the storage key.
func itemPos(item []byte) uint16 {
	sum := blake2b.Sum256(item)
	return binary.BigEndian.Uint16(sum[:2])
}

// prefixMask keeps the top depth bits.
func prefixMask(depth uint8) uint16 {
	if depth == 0 {
		return 0
	}
	return ^uint16(0) << (16 - depth)
}

// Run drains the update queue whenever the write path signals new
// work, with a timer as a safety net.
func (m *merkleIndex) Run(ctx context.Context) {
	wake := m.store.Subscribe(m.todo)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		for {
			n, err := m.ProcessOnce()
			if err != nil {
				m.logger.Error().Err(err).Msg("Merkle update failed")
				break
			}
			if n == 0 {
				break
			}
		}
		select {
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// ProcessOnce applies one batch of queued leaf updates and returns how
// many queue entries it consumed.
func (m *merkleIndex) ProcessOnce() (int, error) {
	todos, err := m.store.Range(m.todo, nil, nil, 256)
	if err != nil {
		return 0, err
	}
	if len(todos) == 0 {
		return 0, nil
	}

	err = m.store.Update(func(tx storage.Txn) error {
		touched := make(map[uint32]bool)
		for _, kv := range todos {
			item := kv.Key
			if len(item) < 2 {
				return fmt.Errorf("malformed merkle queue key: %w", types.ErrCorrupted)
			}
			p := types.PartitionID(binary.BigEndian.Uint16(item[:2]))
			pos := itemPos(item)

			lik := leafIndexKey(p, pos, item)
			if len(kv.Value) == 0 {
				if err := tx.Delete(m.tree, lik); err != nil {
					return err
				}
			} else {
				if err := tx.Put(m.tree, lik, kv.Value); err != nil {
					return err
				}
			}
			touched[uint32(p)<<16|uint32(pos)] = true

			if err := tx.Delete(m.todo, kv.Key); err != nil {
				return err
			}
		}

		keys := make([]uint32, 0, len(touched))
		for k := range touched {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

		for _, k := range keys {
			p := types.PartitionID(k >> 16)
			pos := uint16(k)
			if err := m.recomputeLeaf(tx, p, pos); err != nil {
				return err
			}
			if err := m.bubble(tx, p, pos); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(todos), nil
}

func (m *merkleIndex) recomputeLeaf(tx storage.Txn, p types.PartitionID, prefix uint16) error {
	start := leafIndexPrefix(p, prefix)
	entries, err := tx.Range(m.tree, start, prefixSuccessor(start), 0)
	if err != nil {
		return err
	}
	key := nodeKey(p, merkleDepth, prefix)
	if len(entries) == 0 {
		return tx.Delete(m.tree, key)
	}

	h, _ := blake2b.New256(nil)
	var lenBuf [2]byte
	for _, e := range entries {
		item := e.Key[len(start):]
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(item)))
		h.Write(lenBuf[:])
		h.Write(item)
		h.Write(e.Value)
	}
	return tx.Put(m.tree, key, h.Sum(nil))
}

// bubble recomputes internal nodes from the touched leaf up to the
// root, deleting nodes whose subtrees emptied out.
func (m *merkleIndex) bubble(tx storage.Txn, p types.PartitionID, pos uint16) error {
	for depth := uint8(merkleDepth - 1); ; depth-- {
		prefix := pos & prefixMask(depth)
		left := prefix
		right := prefix | 1<<(15-depth)

		lh, err := m.nodeInTx(tx, p, depth+1, left)
		if err != nil {
			return err
		}
		rh, err := m.nodeInTx(tx, p, depth+1, right)
		if err != nil {
			return err
		}

		key := nodeKey(p, depth, prefix)
		if lh == nil && rh == nil {
			if err := tx.Delete(m.tree, key); err != nil {
				return err
			}
		} else {
			h, _ := blake2b.New256(nil)
			h.Write(orZero(lh))
			h.Write(orZero(rh))
			if err := tx.Put(m.tree, key, h.Sum(nil)); err != nil {
				return err
			}
		}
		if depth == 0 {
			return nil
		}
	}
}

func orZero(h []byte) []byte {
	if h == nil {
		return zeroHash[:]
	}
	return h
}

func (m *merkleIndex) nodeInTx(tx storage.Txn, p types.PartitionID, depth uint8, prefix uint16) ([]byte, error) {
	h, err := tx.Get(m.tree, nodeKey(p, depth, prefix))
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	return h, err
}

// Node returns a tree node's hash, or nil for an empty subtree.
func (m *merkleIndex) Node(p types.PartitionID, depth uint8, prefix uint16) ([]byte, error) {
	if depth > merkleDepth {
		return nil, fmt.Errorf("depth %d beyond tree: %w", depth, types.ErrProtocol)
	}
	h, err := m.store.Get(m.tree, nodeKey(p, depth, prefix))
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	return h, err
}

// Root returns the partition's root hash, nil when the partition holds
// nothing.
func (m *merkleIndex) Root(p types.PartitionID) ([]byte, error) {
	return m.Node(p, 0, 0)
}

// LeafItems lists a leaf bucket's (item key, value hash) pairs.
func (m *merkleIndex) LeafItems(p types.PartitionID, prefix uint16) ([]itemHash, error) {
	start := leafIndexPrefix(p, prefix)
	entries, err := m.store.Range(m.tree, start, prefixSuccessor(start), 0)
	if err != nil {
		return nil, err
	}
	out := make([]itemHash, 0, len(entries))
	for _, e := range entries {
		out = append(out, itemHash{Key: e.Key[len(start):], Hash: e.Value})
	}
	return out, nil
}
