package filter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/wptpipe/wptpipe/agent/internal/queue"
	"github.com/wptpipe/wptpipe/pkg/types"
)

// DefaultPageSummaryPatterns mark the significant fields of a pageSummary
// payload: the median metrics of each view.
var DefaultPageSummaryPatterns = []string{
	"medians.*.SpeedIndex",
	"medians.*.render",
	"medians.*.TTFB",
	"medians.*.fullyLoaded",
	"medians.*.userTimes.*",
	"medians.*.bytesIn",
	"medians.*.breakdown.*.requests",
	"medians.*.breakdown.*.bytes",
	"medians.*.requestsFull",
}

// identityFields are kept on every filtered payload.
var identityFields = []string{"url", "testId", "location", "connectivity"}

// Registry holds field-path patterns per event type. A pattern is a dotted
// path where "*" matches any single segment. A pattern that matches a prefix
// of a path keeps the whole subtree.
type Registry struct {
	mu       sync.RWMutex
	patterns map[string][][]string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{patterns: make(map[string][][]string)}
}

// Register adds patterns for eventType. Repeated registration appends.
func (r *Registry) Register(eventType string, patterns []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			r.patterns[eventType] = append(r.patterns[eventType], strings.Split(p, "."))
		}
	}
}

// Patterns returns the registered patterns for eventType.
func (r *Registry) Patterns(eventType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.patterns[eventType]))
	for _, p := range r.patterns[eventType] {
		out = append(out, strings.Join(p, "."))
	}
	return out
}

// Apply returns ev with its payload reduced to the registered fields. Event
// types without patterns are returned unchanged. The payload of a filtered
// event is a map[string]any.
func (r *Registry) Apply(ev types.Event) (types.Event, error) {
	r.mu.RLock()
	pats := r.patterns[ev.Type]
	r.mu.RUnlock()
	if len(pats) == 0 {
		return ev, nil
	}

	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		return ev, fmt.Errorf("filter: encode %s payload: %w", ev.Type, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ev, fmt.Errorf("filter: %s payload is not an object: %w", ev.Type, err)
	}

	kept := prune(doc, nil, pats)
	for _, f := range identityFields {
		if v, ok := doc[f]; ok {
			kept[f] = v
		}
	}
	ev.Payload = kept
	return ev, nil
}

// prune returns the parts of m whose paths match at least one pattern.
func prune(m map[string]any, prefix []string, pats [][]string) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		path := append(append([]string(nil), prefix...), k)
		switch {
		case covered(path, pats):
			out[k] = v
		case isObject(v) && reachable(path, pats):
			if sub := prune(v.(map[string]any), path, pats); len(sub) > 0 {
				out[k] = sub
			}
		}
	}
	return out
}

func isObject(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}

// covered reports whether some pattern matches path or a prefix of it.
func covered(path []string, pats [][]string) bool {
	for _, p := range pats {
		if len(p) <= len(path) && match(p, path[:len(p)]) {
			return true
		}
	}
	return false
}

// reachable reports whether some pattern could match a descendant of path.
func reachable(path []string, pats [][]string) bool {
	for _, p := range pats {
		if len(p) > len(path) && match(p[:len(path)], path) {
			return true
		}
	}
	return false
}

func match(pattern, path []string) bool {
	for i := range pattern {
		if pattern[i] != "*" && pattern[i] != path[i] {
			return false
		}
	}
	return true
}

// Publisher applies a Registry before handing events to the next Publisher.
type Publisher struct {
	reg  *Registry
	next queue.Publisher
}

// NewPublisher wraps next.
func NewPublisher(reg *Registry, next queue.Publisher) *Publisher {
	return &Publisher{reg: reg, next: next}
}

// Publish implements queue.Publisher.
func (p *Publisher) Publish(ctx context.Context, ev types.Event) error {
	filtered, err := p.reg.Apply(ev)
	if err != nil {
		return err
	}
	return p.next.Publish(ctx, filtered)
}
