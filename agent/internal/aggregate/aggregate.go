package aggregate

import (
	"sort"
	"sync"

	"github.com/wptpipe/wptpipe/pkg/types"
)

// Key identifies one bucket.
type Key struct {
	Group        string
	Connectivity string
	Location     string
}

// Bucket is the running state of one key.
type Bucket struct {
	Key     Key
	Count   int64
	Metrics map[string]types.Stats
}

func (b *Bucket) clone() Bucket {
	out := Bucket{Key: b.Key, Count: b.Count, Metrics: make(map[string]types.Stats, len(b.Metrics))}
	for k, v := range b.Metrics {
		out.Metrics[k] = v
	}
	return out
}

// Aggregator folds result bundles into per-(group, connectivity, location)
// buckets. Buckets are created on first contribution and never removed.
//
// All exported methods are safe for concurrent use. A single mutex guards the
// whole map, so each Add is applied atomically and Summarize sees a
// consistent cut across buckets.
type Aggregator struct {
	mu      sync.Mutex
	buckets map[Key]*Bucket

	// configured summary context; empty fields fall back to the value
	// shared by every bucket.
	connectivity string
	location     string
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithContext sets the connectivity and location reported by Context.
func WithContext(connectivity, location string) Option {
	return func(a *Aggregator) {
		a.connectivity = connectivity
		a.location = location
	}
}

// New returns an empty Aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{buckets: make(map[Key]*Bucket)}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Add folds bundle's medians into the bucket for (group, connectivity,
// location). Every numeric leaf of the medians, flattened to a dotted path,
// contributes one observation to that path's Stats.
func (a *Aggregator) Add(group string, bundle *types.ResultBundle, connectivity, location string) {
	// Flatten outside the lock; it only reads the bundle.
	values := Flatten(bundle.Medians)

	a.mu.Lock()
	defer a.mu.Unlock()

	k := Key{Group: group, Connectivity: connectivity, Location: location}
	b, ok := a.buckets[k]
	if !ok {
		b = &Bucket{Key: k, Metrics: make(map[string]types.Stats)}
		a.buckets[k] = b
	}
	b.Count++
	for path, v := range values {
		s := b.Metrics[path]
		s.Add(v)
		b.Metrics[path] = s
	}
}

// Summarize returns every group's statistics combined across its buckets.
// The result shares no memory with the Aggregator. With no contributions it
// returns a snapshot with an empty, non-nil group map.
func (a *Aggregator) Summarize() types.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := types.Snapshot{Groups: make(map[string]types.GroupSummary)}
	for k, b := range a.buckets {
		gs, ok := snap.Groups[k.Group]
		if !ok {
			gs = types.GroupSummary{Group: k.Group, Metrics: make(map[string]types.Stats)}
		}
		gs.Count += b.Count
		for path, s := range b.Metrics {
			m := gs.Metrics[path]
			m.Merge(s)
			gs.Metrics[path] = m
		}
		snap.Groups[k.Group] = gs
	}
	return snap
}

// Buckets returns copies of all buckets ordered by key.
func (a *Aggregator) Buckets() []Bucket {
	a.mu.Lock()
	out := make([]Bucket, 0, len(a.buckets))
	for _, b := range a.buckets {
		out = append(out, b.clone())
	}
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		x, y := out[i].Key, out[j].Key
		if x.Group != y.Group {
			return x.Group < y.Group
		}
		if x.Connectivity != y.Connectivity {
			return x.Connectivity < y.Connectivity
		}
		return x.Location < y.Location
	})
	return out
}

// Context returns the connectivity and location used to tag summary events.
// Configured values win. An unconfigured field is reported only when every
// bucket agrees on it, and is "" otherwise, so the result does not depend on
// the order in which concurrent contributions completed.
func (a *Aggregator) Context() (connectivity, location string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	connectivity, location = a.connectivity, a.location
	if connectivity == "" {
		connectivity = a.shared(func(k Key) string { return k.Connectivity })
	}
	if location == "" {
		location = a.shared(func(k Key) string { return k.Location })
	}
	return connectivity, location
}

// shared returns field's value if all buckets have the same one, else "".
func (a *Aggregator) shared(field func(Key) string) string {
	var v string
	first := true
	for k := range a.buckets {
		if first {
			v, first = field(k), false
			continue
		}
		if field(k) != v {
			return ""
		}
	}
	return v
}
