package queue

import (
	"context"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/wptpipe/wptpipe/pkg/types"
)

// Publisher accepts outbound events.
type Publisher interface {
	Publish(ctx context.Context, ev types.Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev types.Event) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, ev types.Event) error { return f(ctx, ev) }

// Fanout publishes every event to each sink in order. A failing sink does not
// stop delivery to the others; all failures are combined.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, ev types.Event) error {
	var err error
	for _, p := range f {
		err = multierr.Append(err, p.Publish(ctx, ev))
	}
	return err
}

// LogPublisher writes each event to the default logger at debug level.
type LogPublisher struct{}

// Publish implements Publisher.
func (LogPublisher) Publish(_ context.Context, ev types.Event) error {
	slog.Debug("queue: event",
		"type", ev.Type,
		"id", ev.ID,
		"url", ev.Tags.URL,
		"group", ev.Tags.Group)
	return nil
}
