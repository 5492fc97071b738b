package table

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratakv/strata/pkg/events"
	"github.com/stratakv/strata/pkg/log"
	"github.com/stratakv/strata/pkg/metrics"
	"github.com/stratakv/strata/pkg/storage"
	"github.com/stratakv/strata/pkg/types"
)

// GC drops tombstones after their grace period, but only once every
// replica of the partition confirms it holds the identical tombstone.
// A replica that missed the deletion would otherwise resurrect the key
// through anti-entropy.
type GC struct {
	table    *Table
	broker   *events.Broker
	interval time.Duration
	logger   zerolog.Logger
}

// NewGC creates the tombstone collector for a table.
func NewGC(t *Table, broker *events.Broker, interval time.Duration) *GC {
	if interval <= 0 {
		interval = time.Minute
	}
	return &GC{
		table:    t,
		broker:   broker,
		interval: interval,
		logger:   log.WithComponent("gc").With().Str("table", t.Name()).Logger(),
	}
}

// Run processes due tombstones on an interval until ctx ends.
func (g *GC) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := g.ProcessOnce(ctx); err != nil {
				g.logger.Debug().Err(err).Msg("GC pass incomplete")
			}
		case <-ctx.Done():
			return
		}
	}
}

// ProcessOnce handles one batch of due grace-queue entries and returns
// how many tombstones it dropped.
func (g *GC) ProcessOnce(ctx context.Context) (int, error) {
	gcTree := storage.GCTree(g.table.Name())
	dataTree := g.table.dataTree()

	var nowKey [8]byte
	binary.BigEndian.PutUint64(nowKey[:], uint64(time.Now().UnixNano()))
	due, err := g.table.store.Range(gcTree, nil, nowKey[:], 64)
	if err != nil {
		return 0, err
	}

	dropped := 0
	for _, kv := range due {
		if len(kv.Key) <= 8 {
			if err := g.table.store.Delete(gcTree, kv.Key); err != nil {
				return dropped, err
			}
			continue
		}
		item := kv.Key[8:]
		tombHash := kv.Value

		current, err := g.table.store.Get(dataTree, item)
		if errors.Is(err, types.ErrNotFound) || (err == nil && !bytes.Equal(valueHash(current), tombHash)) {
			// The key was overwritten or already dropped; the queue
			// entry is stale.
			if err := g.table.store.Delete(gcTree, kv.Key); err != nil {
				return dropped, err
			}
			continue
		}
		if err != nil {
			return dropped, err
		}

		confirmed, err := g.confirmReplicas(ctx, item, tombHash)
		if err != nil || !confirmed {
			g.reschedule(kv.Key, item, tombHash)
			continue
		}

		if err := g.drop(kv.Key, item, tombHash); err != nil {
			return dropped, err
		}
		dropped++
	}
	return dropped, nil
}

// confirmReplicas checks that every other replica of the item's
// partition stores the identical tombstone.
func (g *GC) confirmReplicas(ctx context.Context, item, tombHash []byte) (bool, error) {
	p, _, _, err := splitItemKey(item)
	if err != nil {
		return false, err
	}
	route, err := g.table.router.RoutePartition(p)
	if err != nil {
		return false, err
	}
	self := g.table.transport.Self()

	body, err := json.Marshal(itemHashRequest{Key: item})
	if err != nil {
		return false, err
	}
	for _, n := range route.Read {
		if n == self {
			continue
		}
		out, err := g.table.transport.Call(ctx, n, g.table.svc(opItemHash), body)
		if err != nil {
			return false, nil
		}
		var resp itemHashResponse
		if err := json.Unmarshal(out, &resp); err != nil {
			return false, fmt.Errorf("malformed item hash reply: %w", types.ErrProtocol)
		}
		if !resp.Found || !bytes.Equal(resp.Hash, tombHash) {
			return false, nil
		}
	}
	return true, nil
}

// reschedule pushes the entry's deadline out by a quarter of the grace
// period, and by at least one minute.
func (g *GC) reschedule(oldKey, item, tombHash []byte) {
	retry := g.table.grace / 4
	if retry < time.Minute {
		retry = time.Minute
	}
	err := g.table.store.Update(func(tx storage.Txn) error {
		if err := tx.Delete(storage.GCTree(g.table.Name()), oldKey); err != nil {
			return err
		}
		return tx.Put(storage.GCTree(g.table.Name()), gcKey(time.Now().Add(retry), item), tombHash)
	})
	if err != nil {
		g.logger.Error().Err(err).Msg("Failed to reschedule tombstone")
	}
}

// drop removes the tombstone locally. The item re-checks inside the
// transaction so a concurrent write wins over the drop; a later write
// of the same key simply recreates it.
func (g *GC) drop(queueKey, item, tombHash []byte) error {
	gcTree := storage.GCTree(g.table.Name())
	dataTree := g.table.dataTree()
	todoTree := storage.MerkleTodoTree(g.table.Name())

	err := g.table.store.Update(func(tx storage.Txn) error {
		current, err := tx.Get(dataTree, item)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				return tx.Delete(gcTree, queueKey)
			}
			return err
		}
		if !bytes.Equal(valueHash(current), tombHash) {
			return tx.Delete(gcTree, queueKey)
		}
		if err := tx.Delete(dataTree, item); err != nil {
			return err
		}
		if err := tx.Put(todoTree, item, nil); err != nil {
			return err
		}
		return tx.Delete(gcTree, queueKey)
	})
	if err != nil {
		return err
	}

	metrics.TombstonesPurgedTotal.WithLabelValues(g.table.Name()).Inc()
	if g.broker != nil {
		g.broker.Publish(&events.Event{Type: events.EventTombstonePurged})
	}
	return nil
}
