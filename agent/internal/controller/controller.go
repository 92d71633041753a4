package controller

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"

	"github.com/wptpipe/wptpipe/agent/internal/aggregate"
	"github.com/wptpipe/wptpipe/agent/internal/emitter"
	"github.com/wptpipe/wptpipe/agent/internal/filter"
	"github.com/wptpipe/wptpipe/agent/internal/queue"
	"github.com/wptpipe/wptpipe/pkg/types"
)

const defaultMaxConcurrency = 4

// Fetcher runs one test. *fetcher.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, url, group string) (*types.ResultBundle, error)
}

// Options wires a Controller. Fetcher, Emitter, Aggregator and Publisher are
// required.
type Options struct {
	Fetcher    Fetcher
	Emitter    *emitter.Emitter
	Aggregator *aggregate.Aggregator
	Publisher  queue.Publisher

	// Registry receives the pageSummary significant-field patterns once at
	// construction. Optional.
	Registry *filter.Registry

	// MaxConcurrency bounds URL requests in flight in Run. Default 4.
	MaxConcurrency int

	// OnSummary, when set, receives every snapshot taken for a summarize
	// request before its events are published.
	OnSummary func(types.Snapshot)

	// Registerer receives the controller counters. Nil skips registration.
	Registerer prometheus.Registerer
}

// Controller dispatches inbound requests and sequences fetch, emit and
// aggregate. Failures never escape a request: a failed fetch becomes one
// error event and processing continues.
type Controller struct {
	fetcher   Fetcher
	emitter   *emitter.Emitter
	agg       *aggregate.Aggregator
	pub       queue.Publisher
	maxConc   int64
	onSummary func(types.Snapshot)

	requests         *prometheus.CounterVec
	submissionErrors prometheus.Counter
	published        *prometheus.CounterVec
}

// New returns a Controller and registers the default filter patterns.
func New(o Options) *Controller {
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = defaultMaxConcurrency
	}
	f := promauto.With(o.Registerer)
	c := &Controller{
		fetcher:   o.Fetcher,
		emitter:   o.Emitter,
		agg:       o.Aggregator,
		pub:       o.Publisher,
		maxConc:   int64(o.MaxConcurrency),
		onSummary: o.OnSummary,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wptpipe_requests_total",
			Help: "Inbound requests handled, by kind.",
		}, []string{"kind"}),
		submissionErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "wptpipe_submission_errors_total",
			Help: "URL requests whose test submission failed.",
		}),
		published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wptpipe_events_published_total",
			Help: "Outbound events published, by type.",
		}, []string{"type"}),
	}
	if o.Registry != nil {
		o.Registry.Register(
			types.EventType(o.Emitter.Namespace(), types.SuffixPageSummary),
			filter.DefaultPageSummaryPatterns,
		)
	}
	return c
}

// Handle processes one request to completion.
func (c *Controller) Handle(ctx context.Context, req Request) {
	c.requests.WithLabelValues(req.Kind.String()).Inc()

	switch req.Kind {
	case KindURL:
		c.handleURL(ctx, req)
	case KindSummarize:
		c.handleSummarize(ctx)
	default:
		slog.Debug("controller: ignoring request of unknown kind")
	}
}

func (c *Controller) handleURL(ctx context.Context, req Request) {
	bundle, err := c.fetcher.Fetch(ctx, req.URL, req.Group)
	if err != nil {
		c.submissionErrors.Inc()
		slog.Warn("controller: test submission failed", "url", req.URL, "group", req.Group, "err", err)
		c.publish(ctx, c.emitter.EmitError(req.URL, err))
		return
	}

	for _, ev := range c.emitter.Emit(bundle, types.TestRequest{URL: req.URL, Group: req.Group}) {
		c.publish(ctx, ev)
	}
	c.agg.Add(req.Group, bundle, types.Normalize(bundle.Connectivity), types.Normalize(bundle.Location))
	slog.Info("controller: test complete",
		"url", req.URL,
		"group", req.Group,
		"test_id", bundle.TestID,
		"runs", len(bundle.Runs))
}

func (c *Controller) handleSummarize(ctx context.Context) {
	snap := c.agg.Summarize()
	if c.onSummary != nil {
		c.onSummary(snap)
	}
	conn, loc := c.agg.Context()
	events := c.emitter.EmitSummaries(snap, conn, loc)
	for _, ev := range events {
		c.publish(ctx, ev)
	}
	slog.Info("controller: summary emitted", "groups", len(events))
}

func (c *Controller) publish(ctx context.Context, ev types.Event) {
	if err := c.pub.Publish(ctx, ev); err != nil {
		slog.Error("controller: publish failed", "type", ev.Type, "url", ev.Tags.URL, "err", err)
		return
	}
	c.published.WithLabelValues(ev.Type).Inc()
}

// Run handles requests from in until in is closed or ctx is cancelled.
//
// URL requests run concurrently, at most MaxConcurrency at a time. A
// summarize request first waits for every URL request received before it, so
// its snapshot includes them. In-flight tests are not cancelled when ctx is;
// Run waits for them (each is bounded by the test timeout) before returning.
func (c *Controller) Run(ctx context.Context, in <-chan Request) error {
	sem := semaphore.NewWeighted(c.maxConc)
	work := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		var req Request
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case req, ok = <-in:
			if !ok {
				return nil
			}
		}

		switch req.Kind {
		case KindURL:
			if err := sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			wg.Add(1)
			go func(req Request) {
				defer wg.Done()
				defer sem.Release(1)
				c.Handle(work, req)
			}(req)
		case KindSummarize:
			wg.Wait()
			c.Handle(work, req)
		default:
			c.Handle(work, req)
		}
	}
}
