// Package types defines shared Go types used by both the agent and server.
// These are the canonical in-memory representations of test results, outbound
// events and aggregate summaries, separate from the gRPC wire format.
package types
