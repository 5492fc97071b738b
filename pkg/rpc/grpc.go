package rpc

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/stratakv/strata/pkg/log"
	"github.com/stratakv/strata/pkg/metrics"
	"github.com/stratakv/strata/pkg/types"
)

const (
	secretHeader = "x-strata-secret"
	callMethod   = "/strata.Peer/Call"
	streamMethod = "/strata.Peer/Stream"
)

// jsonCodec is the grpc message codec. There are no generated protobuf
// stubs; envelopes are plain JSON frames.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return "strata-json" }

// GRPCConfig configures the grpc transport.
type GRPCConfig struct {
	Self   types.NodeID
	Bind   string // empty for client-only transports (CLI)
	Secret string

	// Optional TLS material. Without it the transport falls back to
	// plaintext, which is only acceptable on trusted links.
	CertFile string
	KeyFile  string
	CAFile   string

	DialTimeout time.Duration
}

// GRPCTransport implements Transport over grpc with a hand-written
// service descriptor: one unary Call and one server-streaming Stream
// method, dispatching on the envelope's service name.
type GRPCTransport struct {
	cfg    GRPCConfig
	server *grpc.Server
	lis    net.Listener
	logger zerolog.Logger

	mu        sync.RWMutex
	handlers  map[string]Handler
	streams   map[string]StreamHandler
	endpoints map[types.NodeID]string
	conns     map[types.NodeID]*grpc.ClientConn
	breakers  map[types.NodeID]*gobreaker.CircuitBreaker

	events chan PeerEvent
}

var peerServiceDesc = grpc.ServiceDesc{
	ServiceName: "strata.Peer",
	HandlerType: (*peerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: peerCallHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Stream", Handler: peerStreamHandler, ServerStreams: true},
	},
	Metadata: "strata/rpc",
}

// peerServer is the handler-type marker for the service descriptor.
type peerServer interface {
	call(ctx context.Context, env *Envelope) (*Response, error)
	stream(env *Envelope, ss grpc.ServerStream) error
}

func peerCallHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(peerServer).call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: callMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(peerServer).call(ctx, req.(*Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

func peerStreamHandler(srv interface{}, ss grpc.ServerStream) error {
	in := new(Envelope)
	if err := ss.RecvMsg(in); err != nil {
		return err
	}
	return srv.(peerServer).stream(in, ss)
}

// NewGRPCTransport creates the transport and, when Bind is set, starts
// serving immediately.
func NewGRPCTransport(cfg GRPCConfig) (*GRPCTransport, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	t := &GRPCTransport{
		cfg:       cfg,
		logger:    log.WithComponent("rpc"),
		handlers:  make(map[string]Handler),
		streams:   make(map[string]StreamHandler),
		endpoints: make(map[types.NodeID]string),
		conns:     make(map[types.NodeID]*grpc.ClientConn),
		breakers:  make(map[types.NodeID]*gobreaker.CircuitBreaker),
		events:    make(chan PeerEvent, 64),
	}

	if cfg.Bind != "" {
		opts := []grpc.ServerOption{
			grpc.ForceServerCodec(jsonCodec{}),
			grpc.ChainUnaryInterceptor(t.authUnaryInterceptor),
			grpc.ChainStreamInterceptor(t.authStreamInterceptor),
		}
		if cfg.CertFile != "" {
			creds, err := serverCredentials(cfg)
			if err != nil {
				return nil, err
			}
			opts = append(opts, grpc.Creds(creds))
		}
		t.server = grpc.NewServer(opts...)
		t.server.RegisterService(&peerServiceDesc, t)

		lis, err := net.Listen("tcp", cfg.Bind)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Bind, err)
		}
		t.lis = lis
		go func() {
			if err := t.server.Serve(lis); err != nil {
				t.logger.Error().Err(err).Msg("RPC server stopped")
			}
		}()
	}
	return t, nil
}

func serverCredentials(cfg GRPCConfig) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS keypair: %w", err)
	}
	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}), nil
}

func (t *GRPCTransport) Self() types.NodeID { return t.cfg.Self }

// Addr returns the bound listen address, or "" for client-only
// transports.
func (t *GRPCTransport) Addr() string {
	if t.lis == nil {
		return ""
	}
	return t.lis.Addr().String()
}

func (t *GRPCTransport) Register(service string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[service] = h
}

func (t *GRPCTransport) RegisterStream(service string, h StreamHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streams[service] = h
}

func (t *GRPCTransport) UpdatePeers(endpoints map[types.NodeID]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for node, addr := range endpoints {
		if prev, ok := t.endpoints[node]; ok && prev != addr {
			if conn := t.conns[node]; conn != nil {
				conn.Close()
				delete(t.conns, node)
			}
		}
		t.endpoints[node] = addr
	}
}

func (t *GRPCTransport) Watch() <-chan PeerEvent { return t.events }

// authUnaryInterceptor rejects requests that do not carry the shared
// cluster secret. Failures are counted, not logged at error level, so
// a scanning client cannot spam the log.
func (t *GRPCTransport) authUnaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if err := t.checkSecret(ctx); err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

func (t *GRPCTransport) authStreamInterceptor(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if err := t.checkSecret(ss.Context()); err != nil {
		return err
	}
	return handler(srv, ss)
}

func (t *GRPCTransport) checkSecret(ctx context.Context) error {
	md, _ := metadata.FromIncomingContext(ctx)
	vals := md.Get(secretHeader)
	if len(vals) != 1 || subtle.ConstantTimeCompare([]byte(vals[0]), []byte(t.cfg.Secret)) != 1 {
		metrics.ProtocolErrorsTotal.Inc()
		return status.Error(codes.Unauthenticated, "bad cluster secret")
	}
	return nil
}

// call implements the unary server side: dispatch on service name and
// fold handler errors into the response frame.
func (t *GRPCTransport) call(ctx context.Context, env *Envelope) (*Response, error) {
	t.mu.RLock()
	h, ok := t.handlers[env.Service]
	t.mu.RUnlock()
	if !ok {
		metrics.ProtocolErrorsTotal.Inc()
		return &Response{ErrKind: kindProtocol, ErrMsg: fmt.Sprintf("unknown service %q", env.Service)}, nil
	}

	timer := metrics.NewTimer()
	body, err := h(ctx, types.NodeID(env.From), env.Body)
	if err != nil {
		kind, msg := encodeError(err)
		metrics.RPCRequestsTotal.WithLabelValues(env.Service, kind).Inc()
		return &Response{ErrKind: kind, ErrMsg: msg}, nil
	}
	metrics.RPCRequestsTotal.WithLabelValues(env.Service, "ok").Inc()
	timer.ObserveDurationVec(metrics.RPCRequestDuration, env.Service)
	return &Response{Body: body}, nil
}

// stream implements the server side of streaming exchanges.
func (t *GRPCTransport) stream(env *Envelope, ss grpc.ServerStream) error {
	t.mu.RLock()
	h, ok := t.streams[env.Service]
	t.mu.RUnlock()
	if !ok {
		metrics.ProtocolErrorsTotal.Inc()
		return status.Errorf(codes.Unimplemented, "unknown stream service %q", env.Service)
	}
	send := func(chunk []byte) error {
		return ss.SendMsg(&Response{Body: chunk})
	}
	err := h(ss.Context(), types.NodeID(env.From), env.Body, send)
	if err != nil {
		kind, msg := encodeError(err)
		return ss.SendMsg(&Response{ErrKind: kind, ErrMsg: msg})
	}
	return nil
}

func (t *GRPCTransport) Call(ctx context.Context, node types.NodeID, service string, body []byte) ([]byte, error) {
	conn, breaker, err := t.peer(node)
	if err != nil {
		return nil, err
	}

	env := &Envelope{ID: uuid.New().String(), From: string(t.cfg.Self), Service: service, Body: body}
	out, err := breaker.Execute(func() (interface{}, error) {
		resp := new(Response)
		callCtx := metadata.AppendToOutgoingContext(ctx, secretHeader, t.cfg.Secret)
		if err := conn.Invoke(callCtx, callMethod, env, resp, grpc.ForceCodec(jsonCodec{})); err != nil {
			return nil, normalizeTransportError(err)
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("peer %s circuit open: %w", node.Short(), types.ErrTimeout)
		}
		return nil, err
	}
	resp := out.(*Response)
	if resp.ErrKind != "" {
		return nil, decodeError(resp.ErrKind, resp.ErrMsg)
	}
	return resp.Body, nil
}

func (t *GRPCTransport) Broadcast(ctx context.Context, nodes []types.NodeID, service string, body []byte) []Reply {
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

func (t *GRPCTransport) Stream(ctx context.Context, node types.NodeID, service string, body []byte, fn func([]byte) error) error {
	conn, breaker, err := t.peer(node)
	if err != nil {
		return err
	}
	env := &Envelope{ID: uuid.New().String(), From: string(t.cfg.Self), Service: service, Body: body}

	_, err = breaker.Execute(func() (interface{}, error) {
		callCtx := metadata.AppendToOutgoingContext(ctx, secretHeader, t.cfg.Secret)
		ss, err := conn.NewStream(callCtx, &peerServiceDesc.Streams[0], streamMethod, grpc.ForceCodec(jsonCodec{}))
		if err != nil {
			return nil, normalizeTransportError(err)
		}
		if err := ss.SendMsg(env); err != nil {
			return nil, normalizeTransportError(err)
		}
		if err := ss.CloseSend(); err != nil {
			return nil, normalizeTransportError(err)
		}
		for {
			resp := new(Response)
			if err := ss.RecvMsg(resp); err != nil {
				if errors.Is(err, io.EOF) {
					return nil, nil
				}
				return nil, normalizeTransportError(err)
			}
			if resp.ErrKind != "" {
				return nil, decodeError(resp.ErrKind, resp.ErrMsg)
			}
			if err := fn(resp.Body); err != nil {
				return nil, err
			}
		}
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("peer %s circuit open: %w", node.Short(), types.ErrTimeout)
	}
	return err
}

// peer returns the cached connection and breaker for node, dialing on
// first use.
func (t *GRPCTransport) peer(node types.NodeID) (*grpc.ClientConn, *gobreaker.CircuitBreaker, error) {
	t.mu.RLock()
	conn := t.conns[node]
	breaker := t.breakers[node]
	addr, known := t.endpoints[node]
	t.mu.RUnlock()
	if conn != nil && breaker != nil {
		return conn, breaker, nil
	}
	if !known {
		return nil, nil, fmt.Errorf("no endpoint for peer %s: %w", node.Short(), types.ErrTimeout)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if conn = t.conns[node]; conn == nil {
		var creds credentials.TransportCredentials
		if t.cfg.CAFile != "" {
			c, err := credentials.NewClientTLSFromFile(t.cfg.CAFile, "")
			if err != nil {
				return nil, nil, fmt.Errorf("failed to load CA: %w", err)
			}
			creds = c
		} else {
			creds = insecure.NewCredentials()
		}
		c, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to dial %s: %w", addr, err)
		}
		conn = c
		t.conns[node] = conn
	}
	if breaker = t.breakers[node]; breaker == nil {
		breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    string(node.Short()),
			Timeout: 15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				t.onBreakerChange(node, to)
			},
		})
		t.breakers[node] = breaker
	}
	return conn, breaker, nil
}

func (t *GRPCTransport) onBreakerChange(node types.NodeID, to gobreaker.State) {
	var ev PeerEvent
	switch to {
	case gobreaker.StateOpen:
		metrics.PeersUnreachable.Inc()
		ev = PeerEvent{Node: node, State: PeerDown}
	case gobreaker.StateClosed:
		metrics.PeersUnreachable.Dec()
		ev = PeerEvent{Node: node, State: PeerUp}
	default:
		return
	}
	select {
	case t.events <- ev:
	default:
	}
}

// normalizeTransportError maps grpc-level failures onto the error
// taxonomy so transport details never leak to the application API.
func normalizeTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("rpc deadline: %w", types.ErrTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("rpc canceled: %w", types.ErrTimeout)
	}
	switch status.Code(err) {
	case codes.DeadlineExceeded, codes.Unavailable, codes.Canceled:
		return fmt.Errorf("%v: %w", status.Code(err), types.ErrTimeout)
	case codes.Unauthenticated, codes.Unimplemented, codes.InvalidArgument:
		return fmt.Errorf("%v: %w", err, types.ErrProtocol)
	default:
		return err
	}
}

func (t *GRPCTransport) Close() error {
	if t.server != nil {
		t.server.GracefulStop()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, conn := range t.conns {
		conn.Close()
	}
	t.conns = make(map[types.NodeID]*grpc.ClientConn)
	return nil
}
