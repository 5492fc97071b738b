package table

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stratakv/strata/pkg/metrics"
	"github.com/stratakv/strata/pkg/storage"
	"github.com/stratakv/strata/pkg/types"
)

// partitionOwner serializes all writes to one partition's local data
// and Merkle queue. Callers never touch the trees directly; they
// enqueue and wait.
type partitionOwner struct {
	mailbox chan *applyMsg
}

type applyMsg struct {
	items []wireItem
	resp  chan error
}

func (t *Table) owner(p types.PartitionID) *partitionOwner {
	t.mu.Lock()
	defer t.mu.Unlock()
	ow, ok := t.owners[p]
	if !ok {
		ow = &partitionOwner{mailbox: make(chan *applyMsg, t.mboxSize)}
		t.owners[p] = ow
		go t.ownerLoop(t.runCtx, p, ow)
	}
	return ow
}

func (t *Table) ownerLoop(ctx context.Context, p types.PartitionID, ow *partitionOwner) {
	for {
		select {
		case msg := <-ow.mailbox:
			msg.resp <- t.applyBatch(p, msg.items)
		case <-ctx.Done():
			return
		}
	}
}

// applyLocal runs items through their partition owners. A full mailbox
// surfaces as Busy instead of queueing without bound.
func (t *Table) applyLocal(ctx context.Context, items []wireItem) error {
	byPart := make(map[types.PartitionID][]wireItem)
	for _, it := range items {
		p, _, _, err := splitItemKey(itemKey(it.PK, it.SK))
		if err != nil {
			return err
		}
		byPart[p] = append(byPart[p], it)
	}

	for p, batch := range byPart {
		msg := &applyMsg{items: batch, resp: make(chan error, 1)}
		select {
		case t.owner(p).mailbox <- msg:
		default:
			metrics.MailboxOverflowsTotal.WithLabelValues(t.name).Inc()
			return fmt.Errorf("partition %d mailbox full: %w", p, types.ErrBusy)
		}
		select {
		case err := <-msg.resp:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			// The owner keeps applying; only the caller stops waiting.
			return fmt.Errorf("apply: %w", types.ErrTimeout)
		}
	}
	return nil
}

// applyBatch is the per-replica write path: inside one transaction,
// merge each incoming value into the stored one, skip no-ops, queue
// the Merkle recomputation, and queue tombstones for GC. The reply is
// sent only after the transaction committed, which is what the write
// quorum counts.
func (t *Table) applyBatch(p types.PartitionID, items []wireItem) error {
	dataTree := storage.DataTree(t.name)
	todoTree := storage.MerkleTodoTree(t.name)
	gcTree := storage.GCTree(t.name)

	return t.store.Update(func(tx storage.Txn) error {
		for _, it := range items {
			key := itemKey(it.PK, it.SK)
			old, err := tx.Get(dataTree, key)
			if err != nil && !errors.Is(err, types.ErrNotFound) {
				return err
			}

			mergedEnc := it.Value
			var merged Value
			if old != nil {
				mergedEnc, merged, err = t.schema.mergeEncoded(old, it.Value)
				if err != nil {
					return err
				}
				if bytes.Equal(mergedEnc, old) {
					continue
				}
			} else {
				merged, err = t.schema.Decode(it.Value)
				if err != nil {
					return fmt.Errorf("undecodable value: %w", types.ErrProtocol)
				}
			}

			if err := tx.Put(dataTree, key, mergedEnc); err != nil {
				return err
			}
			if err := tx.Put(todoTree, key, valueHash(mergedEnc)); err != nil {
				return err
			}
			if merged.IsTombstone() {
				deadline := time.Now().Add(t.grace)
				if err := tx.Put(gcTree, gcKey(deadline, key), valueHash(mergedEnc)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// gcKey orders the tombstone grace queue by deadline.
func gcKey(deadline time.Time, item []byte) []byte {
	out := make([]byte, 8+len(item))
	binary.BigEndian.PutUint64(out[:8], uint64(deadline.UnixNano()))
	copy(out[8:], item)
	return out
}

// checkLayoutVersion rejects writes from senders running an older
// layout; they refresh and retry. A sender running a newer layout is
// accepted and triggers an async pull so this node catches up.
func (t *Table) checkLayoutVersion(remote uint64, from types.NodeID) error {
	local := t.mgr.Current().Version
	if remote < local {
		return fmt.Errorf("sender at layout %d, local at %d: %w", remote, local, types.ErrLayoutMismatch)
	}
	if remote > local {
		go func() {
			ctx, cancel := context.WithTimeout(t.backgroundCtx(), t.timeout)
			defer cancel()
			if err := t.mgr.PullFrom(ctx, from); err != nil {
				t.logger.Debug().Err(err).Str("peer", from.Short()).Msg("Layout pull failed")
			}
		}()
	}
	return nil
}

func (t *Table) handleUpdate(ctx context.Context, from types.NodeID, body []byte) ([]byte, error) {
	var req updateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("malformed update: %w", types.ErrProtocol)
	}
	if err := t.checkLayoutVersion(req.LayoutVersion, from); err != nil {
		return nil, err
	}
	if err := t.applyLocal(ctx, req.Items); err != nil {
		return nil, err
	}
	return json.Marshal(struct{}{})
}

func (t *Table) handleRead(ctx context.Context, from types.NodeID, body []byte) ([]byte, error) {
	var req readRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("malformed read: %w", types.ErrProtocol)
	}
	value, err := t.store.Get(storage.DataTree(t.name), itemKey(req.PK, req.SK))
	if errors.Is(err, types.ErrNotFound) {
		return json.Marshal(readResponse{Found: false})
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(readResponse{Value: value, Found: true})
}

func (t *Table) handleReadRange(ctx context.Context, from types.NodeID, body []byte) ([]byte, error) {
	var req rangeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("malformed range read: %w", types.ErrProtocol)
	}
	items, err := t.localRange(req.PK, req.SKStart, req.SKEnd, req.Limit)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rangeResponse{Items: items})
}

func (t *Table) handleMerkleNode(ctx context.Context, from types.NodeID, body []byte) ([]byte, error) {
	var req merkleNodeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("malformed merkle request: %w", types.ErrProtocol)
	}
	hash, err := t.merkle.Node(req.Partition, req.Depth, req.Prefix)
	if err != nil {
		return nil, err
	}
	return json.Marshal(merkleNodeResponse{Hash: hash})
}

func (t *Table) handleLeafItems(ctx context.Context, from types.NodeID, body []byte) ([]byte, error) {
	var req leafItemsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("malformed leaf request: %w", types.ErrProtocol)
	}
	items, err := t.merkle.LeafItems(req.Partition, req.Prefix)
	if err != nil {
		return nil, err
	}
	return json.Marshal(leafItemsResponse{Items: items})
}

func (t *Table) handleItemHash(ctx context.Context, from types.NodeID, body []byte) ([]byte, error) {
	var req itemHashRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("malformed item hash request: %w", types.ErrProtocol)
	}
	value, err := t.store.Get(storage.DataTree(t.name), req.Key)
	if errors.Is(err, types.ErrNotFound) {
		return json.Marshal(itemHashResponse{Found: false})
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(itemHashResponse{Hash: valueHash(value), Found: true})
}

// handlePullItems streams the requested items' current values. Used by
// the syncer for bulk transfer after a leaf diff.
func (t *Table) handlePullItems(ctx context.Context, from types.NodeID, body []byte, send func([]byte) error) error {
	var req pullItemsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return fmt.Errorf("malformed pull request: %w", types.ErrProtocol)
	}
	for _, key := range req.Keys {
		value, err := t.store.Get(storage.DataTree(t.name), key)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		chunk, err := json.Marshal(pullItem{Key: key, Value: value})
		if err != nil {
			return err
		}
		if err := send(chunk); err != nil {
			return err
		}
	}
	return nil
}
