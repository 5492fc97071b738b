/*
Package metrics exposes Prometheus metrics for all Strata subsystems:
table operation counters and latencies, quorum failures, read repairs,
anti-entropy round outcomes, Merkle divergence, tombstone GC, RPC
traffic, and the active layout version.

All metrics are registered at init. Handler returns the HTTP handler
served on the metrics listener; Timer is a small helper for observing
operation durations.
*/
package metrics
