package types

import "encoding/json"

// Stats is the running combination of one numeric metric. Count, Sum, Min and
// Max are each order-independent, so merging contributions in any order gives
// the same result. Mean is derived on read.
type Stats struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Add folds a single observation into s.
func (s *Stats) Add(v float64) {
	if s.Count == 0 || v < s.Min {
		s.Min = v
	}
	if s.Count == 0 || v > s.Max {
		s.Max = v
	}
	s.Count++
	s.Sum += v
}

// Merge folds another Stats into s.
func (s *Stats) Merge(o Stats) {
	if o.Count == 0 {
		return
	}
	if s.Count == 0 || o.Min < s.Min {
		s.Min = o.Min
	}
	if s.Count == 0 || o.Max > s.Max {
		s.Max = o.Max
	}
	s.Count += o.Count
	s.Sum += o.Sum
}

// Mean returns Sum/Count, or 0 when nothing has been added.
func (s Stats) Mean() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

// MarshalJSON includes the derived mean alongside the stored fields.
func (s Stats) MarshalJSON() ([]byte, error) {
	type plain Stats
	return json.Marshal(struct {
		plain
		Mean float64 `json:"mean"`
	}{plain(s), s.Mean()})
}

// GroupSummary is the combined statistics of every bucket under one group.
type GroupSummary struct {
	Group string `json:"group"`

	// Count is the number of result bundles folded into the group.
	Count int64 `json:"count"`

	// Metrics is keyed by flattened medians path, e.g. "firstView.SpeedIndex".
	Metrics map[string]Stats `json:"metrics"`
}

// Snapshot is a point-in-time copy of all aggregate state, keyed by group.
// It shares no memory with the live aggregator.
type Snapshot struct {
	Groups map[string]GroupSummary `json:"groups"`
}
