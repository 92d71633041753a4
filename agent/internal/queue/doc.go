// Package queue is the agent's message runtime: where inbound requests come
// from and where outbound events go.
//
// Publisher is the outbound side. Fanout delivers to several sinks,
// LogPublisher logs, RedisPublisher publishes JSON on a Redis channel.
// RedisSource is an inbound source that pops JSON requests from a Redis list.
package queue
