package controller

import "github.com/wptpipe/wptpipe/agent/internal/queue"

// Kind is the closed set of inbound request kinds.
type Kind int

const (
	// KindUnknown is any kind this controller does not handle. It is a no-op.
	KindUnknown Kind = iota
	// KindURL submits one page for testing.
	KindURL
	// KindSummarize emits one summary event per aggregated group.
	KindSummarize
)

// ParseKind maps a wire kind to a Kind. Unrecognized names give KindUnknown.
func ParseKind(s string) Kind {
	switch s {
	case "url":
		return KindURL
	case "summarize":
		return KindSummarize
	default:
		return KindUnknown
	}
}

func (k Kind) String() string {
	switch k {
	case KindURL:
		return "url"
	case KindSummarize:
		return "summarize"
	default:
		return "unknown"
	}
}

// Request is one inbound request. URL and Group are only meaningful for
// KindURL.
type Request struct {
	Kind  Kind
	URL   string
	Group string
}

// URLRequest is shorthand for a KindURL request.
func URLRequest(url, group string) Request {
	return Request{Kind: KindURL, URL: url, Group: group}
}

// SummarizeRequest is shorthand for a KindSummarize request.
func SummarizeRequest() Request {
	return Request{Kind: KindSummarize}
}

// FromMessage converts a queued message into a Request.
func FromMessage(m queue.Message) Request {
	return Request{Kind: ParseKind(m.Type), URL: m.URL, Group: m.Group}
}
