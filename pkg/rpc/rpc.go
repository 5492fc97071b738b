package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stratakv/strata/pkg/types"
)

// Handler processes one unary request for a registered service.
type Handler func(ctx context.Context, from types.NodeID, body []byte) ([]byte, error)

// StreamHandler processes one streaming request, pushing chunks through
// send. Returning an error aborts the stream.
type StreamHandler func(ctx context.Context, from types.NodeID, body []byte, send func([]byte) error) error

// PeerState is the reachability of a peer as seen by the transport.
type PeerState string

const (
	PeerUp   PeerState = "up"
	PeerDown PeerState = "down"
)

// PeerEvent is emitted when a peer's reachability changes.
type PeerEvent struct {
	Node  types.NodeID
	State PeerState
}

// Reply is one broadcast response, keyed by the responding node.
type Reply struct {
	Node types.NodeID
	Body []byte
	Err  error
}

// Transport is the point-to-point messaging layer between cluster
// nodes. Requests are authenticated with the shared cluster secret;
// implementations normalize their failures to the types error kinds.
type Transport interface {
	// Self returns the local node id.
	Self() types.NodeID

	// Call sends a request to one node and waits for its reply. The
	// context deadline bounds the exchange.
	Call(ctx context.Context, node types.NodeID, service string, body []byte) ([]byte, error)

	// Broadcast sends the same request to every listed node
	// concurrently and returns all replies.
	Broadcast(ctx context.Context, nodes []types.NodeID, service string, body []byte) []Reply

	// Stream opens a server-streaming exchange; fn is invoked for each
	// received chunk until the stream ends.
	Stream(ctx context.Context, node types.NodeID, service string, body []byte, fn func([]byte) error) error

	// Register installs the unary handler for a service name.
	Register(service string, h Handler)

	// RegisterStream installs the streaming handler for a service name.
	RegisterStream(service string, h StreamHandler)

	// UpdatePeers replaces the advertised endpoints for known nodes.
	// Endpoints are discovery state, independent of the layout.
	UpdatePeers(endpoints map[types.NodeID]string)

	// Watch returns the peer reachability event stream.
	Watch() <-chan PeerEvent

	Close() error
}

// Envelope is the wire frame for one request.
type Envelope struct {
	ID      string          `json:"id"`
	From    string          `json:"from"`
	Service string          `json:"service"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// Response is the wire frame for one reply or stream chunk.
type Response struct {
	Body    json.RawMessage `json:"body,omitempty"`
	ErrKind string          `json:"err_kind,omitempty"`
	ErrMsg  string          `json:"err_msg,omitempty"`
}

// Error kinds carried on the wire. Handlers return sentinel-wrapped
// errors; the transport maps them to kinds and back so errors.Is keeps
// working across node boundaries.
const (
	kindQuorum     = "quorum_failed"
	kindTimeout    = "timeout"
	kindLayout     = "layout_mismatch"
	kindInfeasible = "infeasible_layout"
	kindBusy       = "busy"
	kindCorrupted  = "corrupted"
	kindProtocol   = "protocol"
	kindNotFound   = "not_found"
	kindInternal   = "internal"
)

var wireKinds = []struct {
	kind string
	err  error
}{
	{kindQuorum, types.ErrQuorumFailed},
	{kindTimeout, types.ErrTimeout},
	{kindLayout, types.ErrLayoutMismatch},
	{kindInfeasible, types.ErrInfeasibleLayout},
	{kindBusy, types.ErrBusy},
	{kindCorrupted, types.ErrCorrupted},
	{kindProtocol, types.ErrProtocol},
	{kindNotFound, types.ErrNotFound},
}

// encodeError maps a handler error to its wire kind.
func encodeError(err error) (kind, msg string) {
	for _, wk := range wireKinds {
		if errors.Is(err, wk.err) {
			return wk.kind, err.Error()
		}
	}
	return kindInternal, err.Error()
}

// decodeError reconstructs a sentinel-wrapped error from wire fields.
func decodeError(kind, msg string) error {
	for _, wk := range wireKinds {
		if kind == wk.kind {
			if msg == wk.err.Error() {
				return wk.err
			}
			return fmt.Errorf("%s: %w", msg, wk.err)
		}
	}
	return errors.New(msg)
}
