// Package aggregate keeps running per-group statistics of test medians.
//
// Buckets are keyed by (group, connectivity, location). Every numeric leaf of
// a bundle's medians is folded into count, sum, min and max for its dotted
// path. All four are commutative and associative, so arrival order does not
// change the result; the mean is derived when read. Snapshots are deep copies.
//
// The Aggregator also implements prometheus.Collector, exposing one series per
// bucket and metric path.
package aggregate
