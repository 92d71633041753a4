// Package shipper sends events to wptpipe-server over the EventSink gRPC
// service.
//
// Shipper.Publish is non-blocking: the event is encoded to a Struct and
// placed in an in-memory channel (buffer_size, default 1000). When the buffer
// is full the oldest event is evicted.
//
// Shipper.Run drains the buffer, reconnecting with truncated exponential
// backoff (1s to 60s, ±25% jitter) on connection or send errors. Permanent
// gRPC errors (Unauthenticated, PermissionDenied, InvalidArgument) discard
// the event rather than retrying.
//
// Auth: mTLS via credentials.NewTLS, API key via gRPC metadata, or plaintext
// for local development.
package shipper
