package emitter

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/wptpipe/wptpipe/pkg/types"
)

// Emitter turns result bundles and snapshots into outbound events.
// It holds no state beyond its configuration and is safe for concurrent use.
type Emitter struct {
	namespace string
	now       func() time.Time
	newID     func() string
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Emitter) { e.now = now }
}

// WithIDs overrides the event ID generator.
func WithIDs(newID func() string) Option {
	return func(e *Emitter) { e.newID = newID }
}

// New returns an Emitter for namespace. An empty namespace means
// types.DefaultNamespace.
func New(namespace string, opts ...Option) *Emitter {
	if namespace == "" {
		namespace = types.DefaultNamespace
	}
	e := &Emitter{
		namespace: namespace,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Namespace returns the prefix used for event types.
func (e *Emitter) Namespace() string { return e.namespace }

// Emit decomposes one bundle into 1 har event, one run event per run in run
// order, and 1 pageSummary event, in that order. All events of one call share
// a timestamp.
func (e *Emitter) Emit(b *types.ResultBundle, req types.TestRequest) []types.Event {
	ts := e.now()
	out := make([]types.Event, 0, len(b.Runs)+2)

	out = append(out, e.event(types.SuffixHAR, ts, b.Artifact, types.Tags{
		URL:   req.URL,
		Group: req.Group,
	}))

	for _, r := range b.Runs {
		idx := r.Index - 1
		out = append(out, e.event(types.SuffixRun, ts, r.Payload, types.Tags{
			URL:      req.URL,
			Group:    req.Group,
			RunIndex: &idx,
		}))
	}

	out = append(out, e.event(types.SuffixPageSummary, ts, b, types.Tags{
		URL:          req.URL,
		Group:        req.Group,
		Location:     types.Normalize(b.Location),
		Connectivity: types.Normalize(b.Connectivity),
	}))
	return out
}

// EmitSummaries returns one summary event per group in snap, sorted by group
// name. An empty snapshot yields nil.
func (e *Emitter) EmitSummaries(snap types.Snapshot, connectivity, location string) []types.Event {
	if len(snap.Groups) == 0 {
		return nil
	}
	names := make([]string, 0, len(snap.Groups))
	for g := range snap.Groups {
		names = append(names, g)
	}
	sort.Strings(names)

	ts := e.now()
	out := make([]types.Event, 0, len(names))
	for _, g := range names {
		out = append(out, e.event(types.SuffixSummary, ts, snap.Groups[g], types.Tags{
			Group:        g,
			Connectivity: connectivity,
			Location:     location,
		}))
	}
	return out
}

// ErrorPayload is the body of an error event.
type ErrorPayload struct {
	URL     string `json:"url"`
	Message string `json:"message"`
}

// EmitError returns the single error event reported for a failed submission.
func (e *Emitter) EmitError(url string, err error) types.Event {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return types.Event{
		ID:        e.newID(),
		Type:      types.TypeError,
		Timestamp: e.now(),
		Payload:   ErrorPayload{URL: url, Message: msg},
		Tags:      types.Tags{URL: url},
	}
}

func (e *Emitter) event(suffix string, ts time.Time, payload any, tags types.Tags) types.Event {
	return types.Event{
		ID:        e.newID(),
		Type:      types.EventType(e.namespace, suffix),
		Timestamp: ts,
		Payload:   payload,
		Tags:      tags,
	}
}
