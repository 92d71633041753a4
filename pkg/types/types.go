package types

import (
	"encoding/json"
	"strings"
	"time"
)

// DefaultNamespace prefixes every event type produced by the pipeline except
// the generic "error" event.
const DefaultNamespace = "webpagetest"

// Event type suffixes. The full type is "<namespace>.<suffix>".
const (
	SuffixHAR         = "har"
	SuffixRun         = "run"
	SuffixPageSummary = "pageSummary"
	SuffixSummary     = "summary"

	// TypeError is never namespaced.
	TypeError = "error"
)

// EventType joins a namespace and a suffix, e.g. "webpagetest.run".
func EventType(namespace, suffix string) string {
	return namespace + "." + suffix
}

// TestRequest identifies one page to test and the group it is aggregated under.
type TestRequest struct {
	URL   string `json:"url"`
	Group string `json:"group"`
}

// Run is one repeated execution of a test. Index is 1-based, as reported by
// the testing service.
type Run struct {
	Index   int             `json:"index"`
	Payload json.RawMessage `json:"payload"`
}

// ResultBundle is the normalized outcome of one test submission.
//
// Runs is never empty for a bundle returned without error. Location and
// Connectivity are the raw values reported upstream, or "" when absent.
type ResultBundle struct {
	TestID       string          `json:"testId,omitempty"`
	URL          string          `json:"url"`
	Artifact     json.RawMessage `json:"har,omitempty"`
	Runs         []Run           `json:"runs"`
	Location     string          `json:"location"`
	Connectivity string          `json:"connectivity"`
	Medians      map[string]any  `json:"medians"`
}

// Tags identify what an event is about.
type Tags struct {
	URL          string `json:"url,omitempty"`
	Group        string `json:"group,omitempty"`
	Location     string `json:"location,omitempty"`
	Connectivity string `json:"connectivity,omitempty"`

	// RunIndex is zero-based and only set on run events.
	RunIndex *int `json:"runIndex,omitempty"`
}

// Event is one outbound message published by the pipeline.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
	Tags      Tags      `json:"tags"`
}

// Normalize lower-cases s and replaces every colon and space with a hyphen,
// so "US East: 1" becomes "us-east--1". Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) string {
	return strings.ToLower(normalizer.Replace(s))
}

var normalizer = strings.NewReplacer(":", "-", " ", "-")
