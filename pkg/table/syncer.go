package table

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/stratakv/strata/pkg/events"
	"github.com/stratakv/strata/pkg/layout"
	"github.com/stratakv/strata/pkg/log"
	"github.com/stratakv/strata/pkg/metrics"
	"github.com/stratakv/strata/pkg/types"
)

// PartitionStatus is the operator view of one partition's health.
type PartitionStatus struct {
	Partition  types.PartitionID            `json:"partition"`
	Replicas   []types.NodeID               `json:"replicas"`
	CatchingUp []types.NodeID               `json:"catching_up,omitempty"`
	Divergent  int                          `json:"divergent"`
	LastSync   map[types.NodeID]time.Time   `json:"last_sync,omitempty"`
}

// Syncer reconciles this node's partitions with their peer replicas by
// comparing Merkle trees and exchanging only the differing items. It
// is safe to interrupt at any point: all state lives in the data and
// Merkle trees.
type Syncer struct {
	table    *Table
	broker   *events.Broker
	interval time.Duration
	sem      *semaphore.Weighted
	logger   zerolog.Logger

	mu      sync.Mutex
	cursor  map[types.PartitionID]int
	backoff map[types.NodeID]backoff.BackOff
	retryAt map[types.NodeID]time.Time
	status  map[types.PartitionID]*PartitionStatus
}

// NewSyncer creates the anti-entropy worker for a table.
func NewSyncer(t *Table, broker *events.Broker, interval time.Duration, concurrency int) *Syncer {
	if interval <= 0 {
		interval = time.Minute
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Syncer{
		table:    t,
		broker:   broker,
		interval: interval,
		sem:      semaphore.NewWeighted(int64(concurrency)),
		logger:   log.WithComponent("syncer").With().Str("table", t.Name()).Logger(),
		cursor:   make(map[types.PartitionID]int),
		backoff:  make(map[types.NodeID]backoff.BackOff),
		retryAt:  make(map[types.NodeID]time.Time),
		status:   make(map[types.PartitionID]*PartitionStatus),
	}
}

// Run loops full sync passes on a jittered interval until ctx ends.
func (s *Syncer) Run(ctx context.Context) {
	for {
		jitter := time.Duration(rand.Int63n(int64(s.interval)/4 + 1))
		select {
		case <-time.After(s.interval + jitter):
			if err := s.SyncAll(ctx); err != nil {
				s.logger.Debug().Err(err).Msg("Sync pass incomplete")
			}
		case <-ctx.Done():
			return
		}
	}
}

// SyncAll reconciles every locally held partition once. A pass that
// touched every partition without failure acknowledges the current
// layout version, which is what lets a layout transition finish.
func (s *Syncer) SyncAll(ctx context.Context) error {
	version := s.table.mgr.Current().Version
	parts := s.table.router.Local()

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var firstErr error
	for _, p := range parts {
		p := p
		if err := s.sem.Acquire(gctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer s.sem.Release(1)
			if err := s.SyncPartition(gctx, p); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if firstErr != nil {
		return firstErr
	}
	if s.table.mgr.Current().Version == version {
		if err := s.table.mgr.AckSync(s.table.transport.Self(), version); err != nil {
			return err
		}
	}
	return nil
}

// SyncPartition reconciles one partition with one peer replica.
func (s *Syncer) SyncPartition(ctx context.Context, p types.PartitionID) error {
	// Fold any queued Merkle work first so the comparison sees the
	// latest local writes.
	for {
		n, err := s.table.merkle.ProcessOnce()
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}

	route, err := s.table.router.RoutePartition(p)
	if err != nil {
		return err
	}
	self := s.table.transport.Self()
	var peers []types.NodeID
	for _, n := range route.Read {
		if n != self {
			peers = append(peers, n)
		}
	}
	s.recordReplicas(p, route)
	if len(peers) == 0 {
		return nil
	}

	peer, ok := s.pickPeer(p, peers)
	if !ok {
		return fmt.Errorf("all peers of partition %d backing off: %w", p, types.ErrTimeout)
	}

	divergent, err := s.syncWithPeer(ctx, p, peer)
	if err != nil {
		s.recordFailure(peer)
		metrics.SyncRoundsTotal.WithLabelValues(s.table.Name(), "failed").Inc()
		return err
	}
	s.recordSuccess(p, peer, divergent)
	if divergent == 0 {
		metrics.SyncRoundsTotal.WithLabelValues(s.table.Name(), "clean").Inc()
	} else {
		metrics.SyncRoundsTotal.WithLabelValues(s.table.Name(), "repaired").Inc()
		if s.broker != nil {
			s.broker.Publish(&events.Event{Type: events.EventSyncDiverged, Node: peer, Partition: p})
		}
	}
	return nil
}

// pickPeer rotates through the partition's peers, skipping ones in
// backoff.
func (s *Syncer) pickPeer(p types.PartitionID, peers []types.NodeID) (types.NodeID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	start := s.cursor[p]
	for i := 0; i < len(peers); i++ {
		peer := peers[(start+i)%len(peers)]
		if now.Before(s.retryAt[peer]) {
			continue
		}
		s.cursor[p] = (start + i + 1) % len(peers)
		return peer, true
	}
	return "", false
}

func (s *Syncer) recordFailure(peer types.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backoff[peer]
	if !ok {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = time.Second
		eb.MaxInterval = 5 * time.Minute
		eb.MaxElapsedTime = 0
		b = eb
		s.backoff[peer] = b
	}
	s.retryAt[peer] = time.Now().Add(b.NextBackOff())
}

func (s *Syncer) recordSuccess(p types.PartitionID, peer types.NodeID, divergent int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.backoff, peer)
	delete(s.retryAt, peer)
	st := s.status[p]
	if st == nil {
		st = &PartitionStatus{Partition: p, LastSync: make(map[types.NodeID]time.Time)}
		s.status[p] = st
	}
	if st.LastSync == nil {
		st.LastSync = make(map[types.NodeID]time.Time)
	}
	st.Divergent = divergent
	st.LastSync[peer] = time.Now()
	metrics.MerkleDivergence.WithLabelValues(s.table.Name()).Set(float64(divergent))
}

func (s *Syncer) recordReplicas(p types.PartitionID, route *layout.Route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status[p]
	if st == nil {
		st = &PartitionStatus{Partition: p, LastSync: make(map[types.NodeID]time.Time)}
		s.status[p] = st
	}
	st.Replicas = route.Quorum
	st.CatchingUp = route.CatchingUp
}

// Status reports a partition's replicas and sync freshness.
func (s *Syncer) Status(p types.PartitionID) *PartitionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.status[p]
	if !ok {
		return &PartitionStatus{Partition: p}
	}
	cp := *st
	cp.LastSync = make(map[types.NodeID]time.Time, len(st.LastSync))
	for k, v := range st.LastSync {
		cp.LastSync[k] = v
	}
	return &cp
}

// syncWithPeer walks both Merkle trees top-down, recursing only into
// differing subtrees, and exchanges the items of differing leaf
// buckets in both directions. Returns the number of divergent leaves.
func (s *Syncer) syncWithPeer(ctx context.Context, p types.PartitionID, peer types.NodeID) (int, error) {
	type frame struct {
		depth  uint8
		prefix uint16
	}
	stack := []frame{{depth: 0, prefix: 0}}
	var leaves []uint16

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		mine, err := s.table.merkle.Node(p, f.depth, f.prefix)
		if err != nil {
			return 0, err
		}
		theirs, err := s.remoteNode(ctx, peer, p, f.depth, f.prefix)
		if err != nil {
			return 0, err
		}
		if bytes.Equal(mine, theirs) {
			continue
		}
		if f.depth == merkleDepth {
			leaves = append(leaves, f.prefix)
			continue
		}
		stack = append(stack,
			frame{depth: f.depth + 1, prefix: f.prefix},
			frame{depth: f.depth + 1, prefix: f.prefix | 1<<(15-f.depth)},
		)
	}

	for _, prefix := range leaves {
		if err := s.syncLeaf(ctx, p, peer, prefix); err != nil {
			return len(leaves), err
		}
	}
	return len(leaves), nil
}

func (s *Syncer) remoteNode(ctx context.Context, peer types.NodeID, p types.PartitionID, depth uint8, prefix uint16) ([]byte, error) {
	body, err := json.Marshal(merkleNodeRequest{Partition: p, Depth: depth, Prefix: prefix})
	if err != nil {
		return nil, err
	}
	out, err := s.table.transport.Call(ctx, peer, s.table.svc(opMerkleNode), body)
	if err != nil {
		return nil, err
	}
	var resp merkleNodeResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("malformed merkle reply: %w", types.ErrProtocol)
	}
	return resp.Hash, nil
}

// syncLeaf diffs one leaf bucket: items the peer has that we lack (or
// store differently) are pulled and merged through the write path;
// items we have that the peer lacks are pushed the same way.
func (s *Syncer) syncLeaf(ctx context.Context, p types.PartitionID, peer types.NodeID, prefix uint16) error {
	body, err := json.Marshal(leafItemsRequest{Partition: p, Prefix: prefix})
	if err != nil {
		return err
	}
	out, err := s.table.transport.Call(ctx, peer, s.table.svc(opLeafItems), body)
	if err != nil {
		return err
	}
	var theirs leafItemsResponse
	if err := json.Unmarshal(out, &theirs); err != nil {
		return fmt.Errorf("malformed leaf reply: %w", types.ErrProtocol)
	}
	mine, err := s.table.merkle.LeafItems(p, prefix)
	if err != nil {
		return err
	}

	mineByKey := make(map[string][]byte, len(mine))
	for _, ih := range mine {
		mineByKey[string(ih.Key)] = ih.Hash
	}
	theirsByKey := make(map[string][]byte, len(theirs.Items))
	for _, ih := range theirs.Items {
		theirsByKey[string(ih.Key)] = ih.Hash
	}

	var pull [][]byte
	for key, hash := range theirsByKey {
		if !bytes.Equal(mineByKey[key], hash) {
			pull = append(pull, []byte(key))
		}
	}
	var push []wireItem
	for key := range mineByKey {
		if _, ok := theirsByKey[key]; !ok {
			value, err := s.table.store.Get(s.table.dataTree(), []byte(key))
			if err != nil {
				continue
			}
			_, pk, sk, err := splitItemKey([]byte(key))
			if err != nil {
				return err
			}
			push = append(push, wireItem{PK: pk, SK: sk, Value: value})
		}
	}

	if len(pull) > 0 {
		if err := s.pullItems(ctx, peer, pull); err != nil {
			return err
		}
		metrics.SyncItemsTotal.WithLabelValues(s.table.Name(), "pull").Add(float64(len(pull)))
	}
	if len(push) > 0 {
		reqBody, err := json.Marshal(updateRequest{
			LayoutVersion: s.table.mgr.Current().Version,
			Items:         push,
		})
		if err != nil {
			return err
		}
		if _, err := s.table.transport.Call(ctx, peer, s.table.svc(opUpdate), reqBody); err != nil {
			return err
		}
		metrics.SyncItemsTotal.WithLabelValues(s.table.Name(), "push").Add(float64(len(push)))
	}
	return nil
}

// pullItems streams the listed items from the peer and merges them
// locally through the regular write path, so merge semantics and
// Merkle updates apply.
func (s *Syncer) pullItems(ctx context.Context, peer types.NodeID, keys [][]byte) error {
	body, err := json.Marshal(pullItemsRequest{Keys: keys})
	if err != nil {
		return err
	}
	var batch []wireItem
	err = s.table.transport.Stream(ctx, peer, s.table.svc(opPullItems), body, func(chunk []byte) error {
		var it pullItem
		if err := json.Unmarshal(chunk, &it); err != nil {
			return fmt.Errorf("malformed pull chunk: %w", types.ErrProtocol)
		}
		_, pk, sk, err := splitItemKey(it.Key)
		if err != nil {
			return err
		}
		batch = append(batch, wireItem{PK: pk, SK: sk, Value: it.Value})
		return nil
	})
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}
	return s.table.applyLocal(ctx, batch)
}
