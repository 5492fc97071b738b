package layout

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratakv/strata/pkg/events"
	"github.com/stratakv/strata/pkg/log"
	"github.com/stratakv/strata/pkg/metrics"
	"github.com/stratakv/strata/pkg/rpc"
	"github.com/stratakv/strata/pkg/storage"
	"github.com/stratakv/strata/pkg/types"
)

// Persisted metadata keys.
const (
	keyCurrent  = "layout/current"
	keyPrevious = "layout/previous"
	keyStaged   = "layout/staged"
	keyAcks     = "layout/acks"
)

// RPC service names owned by the manager.
const (
	ServicePull = "layout.pull"
	ServicePush = "layout.push"
)

// Snapshot is the atomically swappable view routers read lock-free.
// Previous is non-nil while a transition is in progress: reads and
// writes then go to the union of both replica sets.
type Snapshot struct {
	Current  *Version
	Previous *Version
}

// Transitioning reports whether partitions are still moving.
func (s *Snapshot) Transitioning() bool { return s.Previous != nil }

// Manager owns the node's view of the cluster layout: the staged role
// map (a CRDT merged across nodes), the current and previous versions,
// and the sync acknowledgements that complete a transition.
type Manager struct {
	self        types.NodeID
	replication int
	store       storage.Store
	transport   rpc.Transport
	broker      *events.Broker
	logger      zerolog.Logger

	mu     sync.Mutex
	staged Roles
	acks   map[types.NodeID]uint64

	snapshot atomic.Pointer[Snapshot]
}

// gossipState is the layout exchange frame. Every field is a CRDT:
// the highest layout version wins, staged roles merge per node by
// sequence, acks merge by max.
type gossipState struct {
	Layout json.RawMessage          `json:"layout,omitempty"`
	Staged Roles                    `json:"staged,omitempty"`
	Acks   map[types.NodeID]uint64  `json:"acks,omitempty"`
}

// NewManager loads persisted layout state and registers the gossip
// handlers on the transport.
func NewManager(self types.NodeID, replication int, store storage.Store, transport rpc.Transport, broker *events.Broker) (*Manager, error) {
	m := &Manager{
		self:        self,
		replication: replication,
		store:       store,
		transport:   transport,
		broker:      broker,
		logger:      log.WithComponent("layout"),
		staged:      make(Roles),
		acks:        make(map[types.NodeID]uint64),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	if transport != nil {
		transport.Register(ServicePull, m.handlePull)
		transport.Register(ServicePush, m.handlePush)
	}
	return m, nil
}

func (m *Manager) load() error {
	snap := &Snapshot{Current: &Version{Version: 0, Replication: m.replication, Roles: make(Roles)}}

	if data, err := m.store.Get(storage.MetaTree, []byte(keyCurrent)); err == nil {
		v, err := DecodeVersion(data)
		if err != nil {
			return fmt.Errorf("persisted layout rejected: %w", err)
		}
		snap.Current = v
	}
	if data, err := m.store.Get(storage.MetaTree, []byte(keyPrevious)); err == nil {
		v, err := DecodeVersion(data)
		if err != nil {
			return fmt.Errorf("persisted previous layout rejected: %w", err)
		}
		snap.Previous = v
	}
	if data, err := m.store.Get(storage.MetaTree, []byte(keyStaged)); err == nil {
		if err := json.Unmarshal(data, &m.staged); err != nil {
			return fmt.Errorf("persisted staged roles rejected: %w", err)
		}
	}
	if data, err := m.store.Get(storage.MetaTree, []byte(keyAcks)); err == nil {
		if err := json.Unmarshal(data, &m.acks); err != nil {
			return fmt.Errorf("persisted acks rejected: %w", err)
		}
	}

	m.snapshot.Store(snap)
	metrics.LayoutVersion.Set(float64(snap.Current.Version))
	return nil
}

// Snapshot returns the current layout view. The pointer is immutable;
// callers may hold it across an entire operation.
func (m *Manager) Snapshot() *Snapshot { return m.snapshot.Load() }

// Current returns the active layout version.
func (m *Manager) Current() *Version { return m.snapshot.Load().Current }

// Self returns the local node id.
func (m *Manager) Self() types.NodeID { return m.self }

// State reports the operator-visible lifecycle state.
func (m *Manager) State() string {
	m.mu.Lock()
	staged := len(m.staged)
	m.mu.Unlock()
	if m.Snapshot().Transitioning() {
		return "propagating"
	}
	if staged > 0 {
		return "staging"
	}
	return "stable"
}

// Stage records a role change for a node. The caller provides the
// attributes; the manager assigns the next sequence number so the
// staged map merges cleanly with concurrent staging elsewhere.
func (m *Manager) Stage(node types.NodeID, role types.NodeRole) error {
	m.mu.Lock()
	cur := m.Current().Roles[node]
	if staged, ok := m.staged[node]; ok && staged.Sequence > cur.Sequence {
		cur = staged
	}
	role.Sequence = cur.Sequence + 1
	m.staged[node] = role
	err := m.persistStagedLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.publish(&events.Event{Type: events.EventLayoutStaged, Node: node})
	return nil
}

// StagedRoles returns a copy of the staged role map.
func (m *Manager) StagedRoles() Roles {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.staged.Clone()
}

// Acks returns a copy of the per-node sync acknowledgements.
func (m *Manager) Acks() map[types.NodeID]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[types.NodeID]uint64, len(m.acks))
	for k, v := range m.acks {
		out[k] = v
	}
	return out
}

// Apply merges the staged roles into the current role map, computes
// the next assignment, and activates it as version current+1. Every
// node running Apply over the same merged state computes a
// byte-identical version. expectVersion guards against applying a
// different version than the operator reviewed (0 skips the check).
func (m *Manager) Apply(expectVersion uint64) (*Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.Current()
	next := cur.Version + 1
	if expectVersion != 0 && expectVersion != next {
		return nil, fmt.Errorf("expected version %d, next version is %d", expectVersion, next)
	}
	if len(m.staged) == 0 {
		return nil, fmt.Errorf("no staged role changes")
	}

	roles := cur.Roles.Clone()
	roles.Merge(m.staged)

	timer := metrics.NewTimer()
	assignment, err := ComputeAssignment(roles, m.replication, cur.Assignment)
	if err != nil {
		return nil, err
	}
	timer.ObserveDuration(metrics.LayoutComputeDuration)

	v := &Version{
		Version:     next,
		Replication: m.replication,
		Roles:       roles,
		Assignment:  assignment,
	}
	if err := v.Seal(); err != nil {
		return nil, err
	}
	if err := m.adoptLocked(v); err != nil {
		return nil, err
	}
	m.staged = make(Roles)
	if err := m.persistStagedLocked(); err != nil {
		return nil, err
	}
	m.publish(&events.Event{Type: events.EventLayoutComputed, Message: fmt.Sprintf("version %d", v.Version)})
	return v, nil
}

// adoptLocked activates a strictly newer version: persists it, shifts
// the old version into the transition slot, and swaps the snapshot.
func (m *Manager) adoptLocked(v *Version) error {
	old := m.Current()
	if v.Version <= old.Version {
		return fmt.Errorf("version %d not newer than %d: %w", v.Version, old.Version, types.ErrLayoutMismatch)
	}

	encoded, err := v.Encode()
	if err != nil {
		return err
	}
	err = m.store.Update(func(tx storage.Txn) error {
		if old.Version > 0 {
			oldEnc, err := old.Encode()
			if err != nil {
				return err
			}
			if err := tx.Put(storage.MetaTree, []byte(keyPrevious), oldEnc); err != nil {
				return err
			}
		}
		return tx.Put(storage.MetaTree, []byte(keyCurrent), encoded)
	})
	if err != nil {
		return fmt.Errorf("failed to persist layout %d: %w", v.Version, err)
	}

	snap := &Snapshot{Current: v}
	if old.Version > 0 {
		snap.Previous = old
	}
	m.snapshot.Store(snap)
	metrics.LayoutVersion.Set(float64(v.Version))
	metrics.PartitionsOwned.Set(float64(len(v.Partitions(m.self))))

	m.logger.Info().Uint64("version", v.Version).Int("nodes", len(v.Roles.SortedNodes())).Msg("Adopted layout")
	m.publish(&events.Event{Type: events.EventLayoutApplied, Message: fmt.Sprintf("version %d", v.Version)})
	return nil
}

// AckSync records that node finished a full anti-entropy pass at the
// given layout version. When every replica in the new layout has
// acked, the transition completes and the old replica sets drop out of
// the quorum union.
func (m *Manager) AckSync(node types.NodeID, version uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acks[node] >= version {
		return nil
	}
	m.acks[node] = version
	if err := m.persistAcksLocked(); err != nil {
		return err
	}
	m.maybeFinishTransitionLocked()
	return nil
}

func (m *Manager) maybeFinishTransitionLocked() {
	snap := m.Snapshot()
	if !snap.Transitioning() {
		return
	}
	needed := make(map[types.NodeID]bool)
	for _, replicas := range snap.Current.Assignment {
		for _, n := range replicas {
			needed[n] = true
		}
	}
	for n := range needed {
		if m.acks[n] < snap.Current.Version {
			return
		}
	}

	if err := m.store.Delete(storage.MetaTree, []byte(keyPrevious)); err != nil {
		m.logger.Error().Err(err).Msg("Failed to clear previous layout")
		return
	}
	m.snapshot.Store(&Snapshot{Current: snap.Current})
	m.logger.Info().Uint64("version", snap.Current.Version).Msg("Layout transition complete")
	m.publish(&events.Event{Type: events.EventPartitionMoved, Message: fmt.Sprintf("version %d settled", snap.Current.Version)})
}

func (m *Manager) persistStagedLocked() error {
	data, err := json.Marshal(m.staged)
	if err != nil {
		return err
	}
	return m.store.Put(storage.MetaTree, []byte(keyStaged), data)
}

func (m *Manager) persistAcksLocked() error {
	data, err := json.Marshal(m.acks)
	if err != nil {
		return err
	}
	return m.store.Put(storage.MetaTree, []byte(keyAcks), data)
}

func (m *Manager) publish(ev *events.Event) {
	if m.broker != nil {
		m.broker.Publish(ev)
	}
}

// state assembles the gossip frame under the lock.
func (m *Manager) state() (*gossipState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gs := &gossipState{Acks: make(map[types.NodeID]uint64, len(m.acks))}
	cur := m.Current()
	if cur.Version > 0 {
		enc, err := cur.Encode()
		if err != nil {
			return nil, err
		}
		gs.Layout = enc
	}
	if len(m.staged) > 0 {
		gs.Staged = m.staged.Clone()
	}
	for k, v := range m.acks {
		gs.Acks[k] = v
	}
	return gs, nil
}

// merge folds a remote gossip frame into local state.
func (m *Manager) merge(gs *gossipState) error {
	if len(gs.Layout) > 0 {
		v, err := DecodeVersion(gs.Layout)
		if err != nil {
			return err
		}
		m.mu.Lock()
		if v.Version > m.Current().Version {
			if err := m.adoptLocked(v); err != nil {
				m.mu.Unlock()
				return err
			}
			// Staged entries already folded into the adopted layout
			// are dropped.
			for id, role := range m.staged {
				if cur, ok := v.Roles[id]; ok && cur.Sequence >= role.Sequence {
					delete(m.staged, id)
				}
			}
			if err := m.persistStagedLocked(); err != nil {
				m.mu.Unlock()
				return err
			}
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	changed := m.staged.Merge(gs.Staged)
	if changed {
		if err := m.persistStagedLocked(); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	acksChanged := false
	for n, v := range gs.Acks {
		if v > m.acks[n] {
			m.acks[n] = v
			acksChanged = true
		}
	}
	if acksChanged {
		if err := m.persistAcksLocked(); err != nil {
			m.mu.Unlock()
			return err
		}
		m.maybeFinishTransitionLocked()
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) handlePull(ctx context.Context, from types.NodeID, body []byte) ([]byte, error) {
	gs, err := m.state()
	if err != nil {
		return nil, err
	}
	return json.Marshal(gs)
}

func (m *Manager) handlePush(ctx context.Context, from types.NodeID, body []byte) ([]byte, error) {
	var gs gossipState
	if err := json.Unmarshal(body, &gs); err != nil {
		return nil, fmt.Errorf("malformed gossip: %w", types.ErrProtocol)
	}
	if err := m.merge(&gs); err != nil {
		return nil, err
	}
	// Reply with our state so gossip converges in one round trip.
	ours, err := m.state()
	if err != nil {
		return nil, err
	}
	return json.Marshal(ours)
}

// PullFrom fetches a single peer's layout state and merges it. Used
// by coordinators recovering from a LayoutMismatch reply.
func (m *Manager) PullFrom(ctx context.Context, node types.NodeID) error {
	reply, err := m.transport.Call(ctx, node, ServicePull, nil)
	if err != nil {
		return err
	}
	var gs gossipState
	if err := json.Unmarshal(reply, &gs); err != nil {
		return fmt.Errorf("malformed gossip reply: %w", types.ErrProtocol)
	}
	return m.merge(&gs)
}

// GossipOnce pushes local state to every known peer and merges their
// replies.
func (m *Manager) GossipOnce(ctx context.Context) {
	gs, err := m.state()
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to assemble gossip state")
		return
	}
	body, err := json.Marshal(gs)
	if err != nil {
		return
	}

	for _, peer := range m.peers() {
		reply, err := m.transport.Call(ctx, peer, ServicePush, body)
		if err != nil {
			m.logger.Debug().Err(err).Str("peer", peer.Short()).Msg("Gossip push failed")
			continue
		}
		var theirs gossipState
		if err := json.Unmarshal(reply, &theirs); err != nil {
			continue
		}
		if err := m.merge(&theirs); err != nil {
			m.logger.Warn().Err(err).Str("peer", peer.Short()).Msg("Rejected gossiped state")
		}
	}
}

// peers lists every other node mentioned by the current roles or the
// staged changes.
func (m *Manager) peers() []types.NodeID {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[types.NodeID]bool)
	for id := range m.Current().Roles {
		seen[id] = true
	}
	for id := range m.staged {
		seen[id] = true
	}
	delete(seen, m.self)

	out := make([]types.NodeID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

// Run gossips on a jittered interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	for {
		jitter := time.Duration(rand.Int63n(int64(interval) / 4))
		select {
		case <-time.After(interval + jitter):
			m.GossipOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}
