/*
Package rpc is the authenticated point-to-point transport between
cluster nodes.

Every exchange is an Envelope carrying a service name and an opaque
JSON body; nodes register handlers per service name. The grpc-backed
implementation exposes exactly two wire methods — unary Call and
server-streaming Stream — through a hand-written service descriptor
and a JSON codec, so no protobuf code generation is involved.

Requests authenticate with the shared cluster secret carried in
metadata and compared in constant time. Per-peer circuit breakers feed
the reachability signal, which the server republishes as node up/down
events; transport-level failures are normalized to the types error
taxonomy before they reach any caller.

An in-memory implementation (Network/InMemTransport) runs whole
clusters inside one process for tests, including severed links.
*/
package rpc
