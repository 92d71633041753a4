package receiver

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/wptpipe/wptpipe/pkg/eventrpc"
	"github.com/wptpipe/wptpipe/pkg/types"
	"github.com/wptpipe/wptpipe/server/internal/store"
)

// Evaluator checks a page summary against performance budgets.
// *alerts.Engine implements it.
type Evaluator interface {
	Evaluate(url, group string, medians map[string]any)
}

// Broadcaster fans accepted events out to live clients. *ws.Hub implements it.
type Broadcaster interface {
	Broadcast(ev types.Event)
}

// Receiver implements eventrpc.EventSinkServer.
// It validates each incoming event, folds summaries and errors into the
// store, and forwards every accepted event to the broadcaster.
type Receiver struct {
	store *store.Store
	eval  Evaluator
	hub   Broadcaster
}

// New creates a Receiver that writes accepted events to st. eval and hub may
// be nil.
func New(st *store.Store, eval Evaluator, hub Broadcaster) *Receiver {
	return &Receiver{store: st, eval: eval, hub: hub}
}

// pagePayload is the subset of a pageSummary payload the store keeps.
type pagePayload struct {
	URL          string         `json:"url"`
	TestID       string         `json:"testId"`
	Location     string         `json:"location"`
	Connectivity string         `json:"connectivity"`
	Medians      map[string]any `json:"medians"`
}

type errorPayload struct {
	URL     string `json:"url"`
	Message string `json:"message"`
}

// Publish is the unary RPC handler called by agents. Authentication is
// enforced by the gRPC server interceptor before this is called.
func (r *Receiver) Publish(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ev, err := eventrpc.Decode(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if ev.Type == "" {
		return nil, status.Error(codes.InvalidArgument, "type is required")
	}
	raw, _ := ev.Payload.(json.RawMessage)

	switch {
	case ev.Type == types.TypeError:
		var p errorPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "error payload: %v", err)
		}
		if p.URL == "" {
			p.URL = ev.Tags.URL
		}
		r.store.RecordError(store.ErrorRecord{URL: p.URL, Message: p.Message, At: ev.Timestamp})

	case strings.HasSuffix(ev.Type, "."+types.SuffixPageSummary):
		var p pagePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "pageSummary payload: %v", err)
		}
		page := store.Page{
			URL:          firstNonEmpty(p.URL, ev.Tags.URL),
			Group:        ev.Tags.Group,
			TestID:       p.TestID,
			Location:     firstNonEmpty(ev.Tags.Location, types.Normalize(p.Location)),
			Connectivity: firstNonEmpty(ev.Tags.Connectivity, types.Normalize(p.Connectivity)),
			Medians:      p.Medians,
		}
		if page.URL == "" {
			return nil, status.Error(codes.InvalidArgument, "pageSummary: url is required")
		}
		r.store.PutPage(page)
		if r.eval != nil {
			r.eval.Evaluate(page.URL, page.Group, page.Medians)
		}

	case strings.HasSuffix(ev.Type, "."+types.SuffixSummary):
		var g types.GroupSummary
		if err := json.Unmarshal(raw, &g); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "summary payload: %v", err)
		}
		if g.Group == "" {
			g.Group = ev.Tags.Group
		}
		if g.Group == "" {
			return nil, status.Error(codes.InvalidArgument, "summary: group is required")
		}
		r.store.PutGroup(store.Group{
			GroupSummary: g,
			Location:     ev.Tags.Location,
			Connectivity: ev.Tags.Connectivity,
		})
	}

	if r.hub != nil {
		r.hub.Broadcast(ev)
	}

	slog.Debug("receiver: event accepted",
		"id", ev.ID,
		"type", ev.Type,
		"url", ev.Tags.URL,
		"group", ev.Tags.Group,
	)
	return eventrpc.Ack(), nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
