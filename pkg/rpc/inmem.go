package rpc

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/stratakv/strata/pkg/types"
)

// Network is an in-process fabric connecting InMemTransport instances.
// Tests use it to run multi-node clusters in one process and to cut
// links between specific nodes.
type Network struct {
	mu    sync.RWMutex
	nodes map[types.NodeID]*InMemTransport
	cut   map[[2]types.NodeID]bool
}

// NewNetwork creates an empty in-memory fabric.
func NewNetwork() *Network {
	return &Network{
		nodes: make(map[types.NodeID]*InMemTransport),
		cut:   make(map[[2]types.NodeID]bool),
	}
}

// Join attaches a new transport for node to the fabric.
func (n *Network) Join(node types.NodeID) *InMemTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	t := &InMemTransport{
		self:     node,
		network:  n,
		handlers: make(map[string]Handler),
		streams:  make(map[string]StreamHandler),
		events:   make(chan PeerEvent, 16),
	}
	n.nodes[node] = t
	return t
}

// Cut severs the link between a and b in both directions.
func (n *Network) Cut(a, b types.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[[2]types.NodeID{a, b}] = true
	n.cut[[2]types.NodeID{b, a}] = true
}

// Heal restores the link between a and b.
func (n *Network) Heal(a, b types.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.cut, [2]types.NodeID{a, b})
	delete(n.cut, [2]types.NodeID{b, a})
}

func (n *Network) target(from, to types.NodeID) (*InMemTransport, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.cut[[2]types.NodeID{from, to}] {
		return nil, fmt.Errorf("link %s -> %s severed: %w", from.Short(), to.Short(), types.ErrTimeout)
	}
	t, ok := n.nodes[to]
	if !ok {
		return nil, fmt.Errorf("unknown peer %s: %w", to.Short(), types.ErrTimeout)
	}
	return t, nil
}

// InMemTransport implements Transport over a Network.
type InMemTransport struct {
	self    types.NodeID
	network *Network

	mu       sync.RWMutex
	handlers map[string]Handler
	streams  map[string]StreamHandler
	events   chan PeerEvent
}

func (t *InMemTransport) Self() types.NodeID { return t.self }

func (t *InMemTransport) Register(service string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[service] = h
}

func (t *InMemTransport) RegisterStream(service string, h StreamHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streams[service] = h
}

func (t *InMemTransport) Call(ctx context.Context, node types.NodeID, service string, body []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.ErrTimeout
	}
	target, err := t.network.target(t.self, node)
	if err != nil {
		return nil, err
	}
	target.mu.RLock()
	h, ok := target.handlers[service]
	target.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler for %s: %w", service, types.ErrProtocol)
	}
	return h(ctx, t.self, body)
}

func (t *InMemTransport) Broadcast(ctx context.Context, nodes []types.NodeID, service string, body []byte) []Reply {
	replies := make([]Reply, len(nodes))
	g, ctx := errgroup.WithContext(ctx)
	for i, node := range nodes {
		i, node := i, node
		g.Go(func() error {
			out, err := t.Call(ctx, node, service, body)
			replies[i] = Reply{Node: node, Body: out, Err: err}
			return nil
		})
	}
	g.Wait()
	return replies
}

func (t *InMemTransport) Stream(ctx context.Context, node types.NodeID, service string, body []byte, fn func([]byte) error) error {
	target, err := t.network.target(t.self, node)
	if err != nil {
		return err
	}
	target.mu.RLock()
	h, ok := target.streams[service]
	target.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no stream handler for %s: %w", service, types.ErrProtocol)
	}
	return h(ctx, t.self, body, fn)
}

func (t *InMemTransport) UpdatePeers(endpoints map[types.NodeID]string) {}

func (t *InMemTransport) Watch() <-chan PeerEvent { return t.events }

func (t *InMemTransport) Close() error {
	t.network.mu.Lock()
	delete(t.network.nodes, t.self)
	t.network.mu.Unlock()
	return nil
}
