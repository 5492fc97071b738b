package table

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/stratakv/strata/pkg/layout"
	"github.com/stratakv/strata/pkg/log"
	"github.com/stratakv/strata/pkg/metrics"
	"github.com/stratakv/strata/pkg/rpc"
	"github.com/stratakv/strata/pkg/storage"
	"github.com/stratakv/strata/pkg/types"
)

// Config assembles a replicated table.
type Config struct {
	Schema    Schema
	Quorum    types.QuorumParams
	Store     storage.Store
	Transport rpc.Transport
	Manager   *layout.Manager
	Router    *layout.Router

	// Timeout bounds each coordinated operation. Zero means 5s.
	Timeout time.Duration

	// MailboxSize bounds each partition owner's queue. Zero means 128.
	MailboxSize int

	// GracePeriod is the tombstone retention before GC. Zero means the
	// default 24h.
	GracePeriod time.Duration
}

// Item is one (partition key, sort key, value) triple for batch
// inserts.
type Item struct {
	PK    []byte
	SK    []byte
	Value Value
}

// Entry is one result of a range read.
type Entry struct {
	SK    []byte
	Value Value
}

// Table is a replicated partition-key/sort-key/value store. Writes
// fan out to every replica of the key's partition and succeed once W
// replicas durably merged the value; reads merge F replies. Values
// converge because merging is commutative, associative, and
// idempotent.
type Table struct {
	name      string
	schema    Schema
	quorum    types.QuorumParams
	store     storage.Store
	transport rpc.Transport
	mgr       *layout.Manager
	router    *layout.Router
	timeout   time.Duration
	grace     time.Duration
	mboxSize  int
	logger    zerolog.Logger
	merkle    *merkleIndex

	// repairs rate-limits read-repair writes for the whole table (64
	// per second, bursts of 128) so a divergent replica cannot amplify
	// every read into a write storm. It does not cap how many repairs
	// are in flight at once, and all partitions share it.
	repairs *rate.Limiter

	mu     sync.Mutex
	owners map[types.PartitionID]*partitionOwner
	runCtx context.Context
}

// New builds the table and registers its RPC services on the
// transport. Call Run to start the background machinery.
func New(cfg Config) (*Table, error) {
	if err := cfg.Quorum.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MailboxSize == 0 {
		cfg.MailboxSize = 128
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = types.DefaultSyncGracePeriod
	}

	t := &Table{
		name:      cfg.Schema.Name,
		schema:    cfg.Schema,
		quorum:    cfg.Quorum,
		store:     cfg.Store,
		transport: cfg.Transport,
		mgr:       cfg.Manager,
		router:    cfg.Router,
		timeout:   cfg.Timeout,
		grace:     cfg.GracePeriod,
		mboxSize:  cfg.MailboxSize,
		logger:    log.WithTable(cfg.Schema.Name),
		merkle:    newMerkleIndex(cfg.Store, cfg.Schema.Name),
		repairs:   rate.NewLimiter(rate.Limit(64), 128),
		owners:    make(map[types.PartitionID]*partitionOwner),
		runCtx:    context.Background(),
	}

	tr := cfg.Transport
	tr.Register(t.svc(opUpdate), t.handleUpdate)
	tr.Register(t.svc(opRead), t.handleRead)
	tr.Register(t.svc(opReadRange), t.handleReadRange)
	tr.Register(t.svc(opMerkleNode), t.handleMerkleNode)
	tr.Register(t.svc(opLeafItems), t.handleLeafItems)
	tr.Register(t.svc(opItemHash), t.handleItemHash)
	tr.RegisterStream(t.svc(opPullItems), t.handlePullItems)
	return t, nil
}

// Run starts the Merkle updater and anchors the partition owners'
// lifetime to ctx.
func (t *Table) Run(ctx context.Context) {
	t.mu.Lock()
	t.runCtx = ctx
	t.mu.Unlock()
	go t.merkle.Run(ctx)
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

func (t *Table) svc(op string) string {
	return fmt.Sprintf("table.%s.%s", t.name, op)
}

func (t *Table) dataTree() string { return storage.DataTree(t.name) }

// Insert sends the value to every replica of the key's partition and
// returns once W of the new layout's replicas durably merged it.
func (t *Table) Insert(ctx context.Context, pk, sk []byte, v Value) error {
	enc, err := v.Encode()
	if err != nil {
		return err
	}
	return t.write(ctx, "insert", []wireItem{{PK: pk, SK: sk, Value: enc}})
}

// InsertMany writes a batch, grouped per destination node. It succeeds
// only if every item's partition reached its write quorum.
func (t *Table) InsertMany(ctx context.Context, items []Item) error {
	wire := make([]wireItem, 0, len(items))
	for _, it := range items {
		enc, err := it.Value.Encode()
		if err != nil {
			return err
		}
		wire = append(wire, wireItem{PK: it.PK, SK: it.SK, Value: enc})
	}
	return t.write(ctx, "insert_many", wire)
}

type nodeAck struct {
	node types.NodeID
	err  error
}

func (t *Table) write(ctx context.Context, op string, items []wireItem) error {
	if len(items) == 0 {
		return nil
	}
	timer := metrics.NewTimer()

	type partQuorum struct {
		members map[types.NodeID]bool
		acks    int
		done    bool
	}
	parts := make(map[types.PartitionID]*partQuorum)
	dests := make(map[types.NodeID][]wireItem)
	destParts := make(map[types.NodeID]map[types.PartitionID]bool)

	for _, it := range items {
		route, err := t.router.Route(it.PK)
		if err != nil {
			return err
		}
		p := route.Partition
		if parts[p] == nil {
			members := make(map[types.NodeID]bool, len(route.Quorum))
			for _, n := range route.Quorum {
				members[n] = true
			}
			parts[p] = &partQuorum{members: members}
		}
		for _, n := range route.Write {
			dests[n] = append(dests[n], it)
			if destParts[n] == nil {
				destParts[n] = make(map[types.PartitionID]bool)
			}
			destParts[n][p] = true
		}
	}

	version := t.mgr.Current().Version
	tctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	results := make(chan nodeAck, len(dests))
	for n, batch := range dests {
		go func(n types.NodeID, batch []wireItem) {
			results <- nodeAck{node: n, err: t.sendUpdate(tctx, n, version, batch)}
		}(n, batch)
	}

	satisfied := 0
	pending := len(dests)
	for pending > 0 && satisfied < len(parts) {
		select {
		case ack := <-results:
			pending--
			if ack.err != nil {
				t.logger.Debug().Err(ack.err).Str("peer", ack.node.Short()).Msg("Replica write failed")
				continue
			}
			for p := range destParts[ack.node] {
				pq := parts[p]
				if pq.members[ack.node] {
					pq.acks++
					if !pq.done && pq.acks >= t.quorum.W {
						pq.done = true
						satisfied++
					}
				}
			}
		case <-tctx.Done():
			metrics.TableOpsTotal.WithLabelValues(t.name, op, "timeout").Inc()
			metrics.QuorumFailuresTotal.WithLabelValues(t.name, "timeout").Inc()
			return fmt.Errorf("%s: %w", op, types.ErrTimeout)
		}
	}

	if satisfied < len(parts) {
		metrics.TableOpsTotal.WithLabelValues(t.name, op, "quorum_failed").Inc()
		metrics.QuorumFailuresTotal.WithLabelValues(t.name, "quorum").Inc()
		return fmt.Errorf("%s: %d of %d partitions reached W=%d: %w",
			op, satisfied, len(parts), t.quorum.W, types.ErrQuorumFailed)
	}
	metrics.TableOpsTotal.WithLabelValues(t.name, op, "ok").Inc()
	timer.ObserveDurationVec(metrics.TableOpDuration, t.name, op)
	return nil
}

// sendUpdate delivers a batch to one replica, short-circuiting to the
// local write path for the local node. A LayoutMismatch reply causes
// one layout refresh from the receiver and a single retry.
func (t *Table) sendUpdate(ctx context.Context, n types.NodeID, version uint64, batch []wireItem) error {
	if n == t.transport.Self() {
		return t.applyLocal(ctx, batch)
	}
	body, err := json.Marshal(updateRequest{LayoutVersion: version, Items: batch})
	if err != nil {
		return err
	}
	_, err = t.transport.Call(ctx, n, t.svc(opUpdate), body)
	if errors.Is(err, types.ErrLayoutMismatch) {
		if perr := t.mgr.PullFrom(ctx, n); perr != nil {
			return err
		}
		body, merr := json.Marshal(updateRequest{LayoutVersion: t.mgr.Current().Version, Items: batch})
		if merr != nil {
			return merr
		}
		_, err = t.transport.Call(ctx, n, t.svc(opUpdate), body)
	}
	return err
}

type readReply struct {
	node  types.NodeID
	resp  readResponse
	err   error
}

// Get reads the key from every replica, waits for F replies from the
// new layout's replicas, and returns the merge of everything received.
// Divergent replicas are repaired asynchronously. A key with no value
// on any replying replica returns ErrNotFound; a merged tombstone is
// returned as a value (callers check IsTombstone).
func (t *Table) Get(ctx context.Context, pk, sk []byte) (Value, error) {
	timer := metrics.NewTimer()
	route, err := t.router.Route(pk)
	if err != nil {
		return nil, err
	}
	version := t.mgr.Current().Version
	body, err := json.Marshal(readRequest{LayoutVersion: version, PK: pk, SK: sk})
	if err != nil {
		return nil, err
	}

	tctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	results := make(chan readReply, len(route.Read))
	for _, n := range route.Read {
		go func(n types.NodeID) {
			results <- t.readFrom(tctx, n, body, pk, sk)
		}(n)
	}

	members := make(map[types.NodeID]bool, len(route.Quorum))
	for _, n := range route.Quorum {
		members[n] = true
	}

	var replies []readReply
	quorumReplies := 0
	pending := len(route.Read)
	timedOut := false
	for pending > 0 && quorumReplies < t.quorum.F {
		select {
		case r := <-results:
			pending--
			if r.err != nil {
				t.logger.Debug().Err(r.err).Str("peer", r.node.Short()).Msg("Replica read failed")
				continue
			}
			replies = append(replies, r)
			if members[r.node] {
				quorumReplies++
			}
		case <-tctx.Done():
			timedOut = true
			pending = 0
		}
	}

	if quorumReplies < t.quorum.F {
		kind := "quorum"
		err := types.ErrQuorumFailed
		if timedOut {
			kind = "timeout"
			err = types.ErrTimeout
		}
		metrics.TableOpsTotal.WithLabelValues(t.name, "get", "quorum_failed").Inc()
		metrics.QuorumFailuresTotal.WithLabelValues(t.name, kind).Inc()
		return nil, fmt.Errorf("get: %d of %d read replies: %w", quorumReplies, t.quorum.F, err)
	}

	var mergedEnc []byte
	found := false
	for _, r := range replies {
		if !r.resp.Found {
			continue
		}
		if !found {
			mergedEnc = r.resp.Value
			found = true
			continue
		}
		enc, _, merr := t.schema.mergeEncoded(mergedEnc, r.resp.Value)
		if merr != nil {
			return nil, merr
		}
		mergedEnc = enc
	}
	metrics.TableOpsTotal.WithLabelValues(t.name, "get", "ok").Inc()
	timer.ObserveDurationVec(metrics.TableOpDuration, t.name, "get")
	if !found {
		return nil, fmt.Errorf("get: %w", types.ErrNotFound)
	}

	t.scheduleRepair(pk, sk, mergedEnc, replies)
	return t.schema.Decode(mergedEnc)
}

func (t *Table) readFrom(ctx context.Context, n types.NodeID, body, pk, sk []byte) readReply {
	if n == t.transport.Self() {
		value, err := t.store.Get(storage.DataTree(t.name), itemKey(pk, sk))
		if errors.Is(err, types.ErrNotFound) {
			return readReply{node: n, resp: readResponse{Found: false}}
		}
		if err != nil {
			return readReply{node: n, err: err}
		}
		return readReply{node: n, resp: readResponse{Value: value, Found: true}}
	}
	out, err := t.transport.Call(ctx, n, t.svc(opRead), body)
	if err != nil {
		return readReply{node: n, err: err}
	}
	var resp readResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return readReply{node: n, err: fmt.Errorf("malformed read reply: %w", types.ErrProtocol)}
	}
	return readReply{node: n, resp: resp}
}

// scheduleRepair pushes the merged value to replicas that replied with
// a strictly smaller one, bounded by the repair limiter.
func (t *Table) scheduleRepair(pk, sk, mergedEnc []byte, replies []readReply) {
	for _, r := range replies {
		if r.resp.Found && bytes.Equal(r.resp.Value, mergedEnc) {
			continue
		}
		if !t.repairs.Allow() {
			return
		}
		metrics.ReadRepairsTotal.WithLabelValues(t.name).Inc()
		node := r.node
		go func() {
			ctx, cancel := context.WithTimeout(t.backgroundCtx(), t.timeout)
			defer cancel()
			item := []wireItem{{PK: pk, SK: sk, Value: mergedEnc}}
			if err := t.sendUpdate(ctx, node, t.mgr.Current().Version, item); err != nil {
				t.logger.Debug().Err(err).Str("peer", node.Short()).Msg("Read repair failed")
			}
		}()
	}
}

func (t *Table) backgroundCtx() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runCtx
}

type rangeReply struct {
	node types.NodeID
	resp rangeResponse
	err  error
}

// GetRange reads [skStart, skEnd) under one partition key with the
// same quorum discipline as Get, merging concurrent versions per sort
// key. Results are deduplicated, tombstones dropped, and returned in
// sort-key order.
func (t *Table) GetRange(ctx context.Context, pk, skStart, skEnd []byte, limit int) ([]Entry, error) {
	timer := metrics.NewTimer()
	route, err := t.router.Route(pk)
	if err != nil {
		return nil, err
	}
	version := t.mgr.Current().Version
	body, err := json.Marshal(rangeRequest{
		LayoutVersion: version, PK: pk, SKStart: skStart, SKEnd: skEnd, Limit: limit,
	})
	if err != nil {
		return nil, err
	}

	tctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	results := make(chan rangeReply, len(route.Read))
	for _, n := range route.Read {
		go func(n types.NodeID) {
			results <- t.rangeFrom(tctx, n, body, pk, skStart, skEnd, limit)
		}(n)
	}

	members := make(map[types.NodeID]bool, len(route.Quorum))
	for _, n := range route.Quorum {
		members[n] = true
	}

	var replies []rangeReply
	quorumReplies := 0
	pending := len(route.Read)
	timedOut := false
	for pending > 0 && quorumReplies < t.quorum.F {
		select {
		case r := <-results:
			pending--
			if r.err != nil {
				continue
			}
			replies = append(replies, r)
			if members[r.node] {
				quorumReplies++
			}
		case <-tctx.Done():
			timedOut = true
			pending = 0
		}
	}

	if quorumReplies < t.quorum.F {
		kind := "quorum"
		err := types.ErrQuorumFailed
		if timedOut {
			kind = "timeout"
			err = types.ErrTimeout
		}
		metrics.QuorumFailuresTotal.WithLabelValues(t.name, kind).Inc()
		return nil, fmt.Errorf("get_range: %d of %d read replies: %w", quorumReplies, t.quorum.F, err)
	}

	// Merge per sort key across replicas.
	merged := make(map[string][]byte)
	divergent := make(map[types.NodeID][]wireItem)
	for _, r := range replies {
		for _, it := range r.resp.Items {
			key := string(it.SK)
			prev, ok := merged[key]
			if !ok {
				merged[key] = it.Value
				continue
			}
			if bytes.Equal(prev, it.Value) {
				continue
			}
			enc, _, merr := t.schema.mergeEncoded(prev, it.Value)
			if merr != nil {
				return nil, merr
			}
			merged[key] = enc
		}
	}
	// Note replicas that lag the merged view for async repair.
	for _, r := range replies {
		seen := make(map[string][]byte, len(r.resp.Items))
		for _, it := range r.resp.Items {
			seen[string(it.SK)] = it.Value
		}
		for key, enc := range merged {
			if got, ok := seen[key]; !ok || !bytes.Equal(got, enc) {
				divergent[r.node] = append(divergent[r.node], wireItem{PK: pk, SK: []byte(key), Value: enc})
			}
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []Entry
	for _, k := range keys {
		v, err := t.schema.Decode(merged[k])
		if err != nil {
			return nil, err
		}
		if v.IsTombstone() {
			continue
		}
		out = append(out, Entry{SK: []byte(k), Value: v})
		if limit > 0 && len(out) >= limit {
			break
		}
	}

	for node, items := range divergent {
		if !t.repairs.Allow() {
			break
		}
		metrics.ReadRepairsTotal.WithLabelValues(t.name).Inc()
		go func(node types.NodeID, items []wireItem) {
			ctx, cancel := context.WithTimeout(t.backgroundCtx(), t.timeout)
			defer cancel()
			if err := t.sendUpdate(ctx, node, t.mgr.Current().Version, items); err != nil {
				t.logger.Debug().Err(err).Str("peer", node.Short()).Msg("Range read repair failed")
			}
		}(node, items)
	}

	metrics.TableOpsTotal.WithLabelValues(t.name, "get_range", "ok").Inc()
	timer.ObserveDurationVec(metrics.TableOpDuration, t.name, "get_range")
	return out, nil
}

func (t *Table) rangeFrom(ctx context.Context, n types.NodeID, body, pk, skStart, skEnd []byte, limit int) rangeReply {
	if n == t.transport.Self() {
		items, err := t.localRange(pk, skStart, skEnd, limit)
		return rangeReply{node: n, resp: rangeResponse{Items: items}, err: err}
	}
	out, err := t.transport.Call(ctx, n, t.svc(opReadRange), body)
	if err != nil {
		return rangeReply{node: n, err: err}
	}
	var resp rangeResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return rangeReply{node: n, err: fmt.Errorf("malformed range reply: %w", types.ErrProtocol)}
	}
	return rangeReply{node: n, resp: resp}
}

func (t *Table) localRange(pk, skStart, skEnd []byte, limit int) ([]wireItem, error) {
	start, end := skRange(pk, skStart, skEnd)
	kvs, err := t.store.Range(storage.DataTree(t.name), start, end, limit)
	if err != nil {
		return nil, err
	}
	items := make([]wireItem, 0, len(kvs))
	for _, kv := range kvs {
		_, _, sk, err := splitItemKey(kv.Key)
		if err != nil {
			return nil, err
		}
		items = append(items, wireItem{PK: pk, SK: sk, Value: kv.Value})
	}
	return items, nil
}
