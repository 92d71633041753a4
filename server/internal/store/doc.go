// Package store keeps the collector's in-memory state: the latest page
// summary per URL, the latest group summary per group, and a ring of recent
// errors. Pages and groups expire after a TTL.
package store
