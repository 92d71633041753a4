// Package auth guards the EventSink gRPC service.
//
// APIKeyInterceptor(mode, header, key) returns a UnaryServerInterceptor that
// validates the API key carried in the named metadata header. With mode other
// than "apikey", or an empty key, every call passes through.
package auth
