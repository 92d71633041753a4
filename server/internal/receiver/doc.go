// Package receiver implements eventrpc.EventSinkServer, the gRPC endpoint
// that accepts events from agents.
//
// Publish rejects events without a type (codes.InvalidArgument). Page
// summaries are stored per URL and checked against alert budgets, group
// summaries are stored per group, and error events go to the error ring.
// Every accepted event is broadcast to live clients. Authentication is
// enforced upstream by the gRPC server interceptor (see package auth).
package receiver
