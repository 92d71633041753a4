package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/wptpipe/wptpipe/agent/internal/aggregate"
	"github.com/wptpipe/wptpipe/agent/internal/emitter"
	"github.com/wptpipe/wptpipe/agent/internal/fetcher"
	"github.com/wptpipe/wptpipe/agent/internal/filter"
	"github.com/wptpipe/wptpipe/agent/internal/queue"
	"github.com/wptpipe/wptpipe/pkg/types"
)

// stubFetcher returns canned bundles or errors by URL.
type stubFetcher struct {
	mu      sync.Mutex
	bundles map[string]*types.ResultBundle
	errs    map[string]error
	calls   map[string]int

	// block, when set, is waited on before returning.
	block chan struct{}

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{
		bundles: map[string]*types.ResultBundle{},
		errs:    map[string]error{},
		calls:   map[string]int{},
	}
}

func (s *stubFetcher) Fetch(_ context.Context, url, _ string) (*types.ResultBundle, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		m := s.maxInFlight.Load()
		if n <= m || s.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	if s.block != nil {
		<-s.block
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[url]++
	if err, ok := s.errs[url]; ok {
		return nil, &fetcher.TestSubmissionError{URL: url, Err: err}
	}
	if b, ok := s.bundles[url]; ok {
		return b, nil
	}
	return nil, &fetcher.TestSubmissionError{URL: url, Err: fetcher.ErrMalformedResult}
}

// recorder is a concurrency-safe Publisher.
type recorder struct {
	mu     sync.Mutex
	events []types.Event
}

func (r *recorder) Publish(_ context.Context, ev types.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) all() []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Event(nil), r.events...)
}

func (r *recorder) kinds() []string {
	var out []string
	for _, ev := range r.all() {
		out = append(out, ev.Type)
	}
	return out
}

func twoRunBundle(url string, speed float64) *types.ResultBundle {
	return &types.ResultBundle{
		TestID:       "T-" + url,
		URL:          url,
		Artifact:     json.RawMessage(`{"log":{}}`),
		Runs:         []types.Run{{Index: 1, Payload: json.RawMessage(`{}`)}, {Index: 2, Payload: json.RawMessage(`{}`)}},
		Location:     "Virginia - EC2",
		Connectivity: "Cable",
		Medians:      map[string]any{"speedIndex": speed},
	}
}

type harness struct {
	ctl     *Controller
	fetch   *stubFetcher
	rec     *recorder
	agg     *aggregate.Aggregator
	reg     *prometheus.Registry
	filters *filter.Registry
	snaps   []types.Snapshot
}

func newHarness(t *testing.T, maxConc int) *harness {
	t.Helper()
	h := &harness{
		fetch:   newStubFetcher(),
		rec:     &recorder{},
		agg:     aggregate.New(),
		reg:     prometheus.NewRegistry(),
		filters: filter.NewRegistry(),
	}
	h.ctl = New(Options{
		Fetcher:        h.fetch,
		Emitter:        emitter.New(""),
		Aggregator:     h.agg,
		Publisher:      h.rec,
		Registry:       h.filters,
		MaxConcurrency: maxConc,
		OnSummary:      func(s types.Snapshot) { h.snaps = append(h.snaps, s) },
		Registerer:     h.reg,
	})
	return h
}

// --- Kinds ---

func TestParseKind(t *testing.T) {
	tests := map[string]Kind{
		"url":        KindURL,
		"summarize":  KindSummarize,
		"":           KindUnknown,
		"URL":        KindUnknown,
		"screenshot": KindUnknown,
	}
	for in, want := range tests {
		if got := ParseKind(in); got != want {
			t.Errorf("ParseKind(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFromMessage(t *testing.T) {
	r := FromMessage(queue.Message{Type: "url", URL: "https://a.example", Group: "a"})
	if r != URLRequest("https://a.example", "a") {
		t.Errorf("got %+v", r)
	}
	if FromMessage(queue.Message{Type: "summarize"}) != SummarizeRequest() {
		t.Error("summarize message not mapped")
	}
}

// --- Scenario A through the controller ---

func TestHandle_URLSuccess(t *testing.T) {
	h := newHarness(t, 1)
	h.fetch.bundles["http://example.com"] = twoRunBundle("http://example.com", 1000)

	h.ctl.Handle(context.Background(), URLRequest("http://example.com", "home"))

	want := []string{"webpagetest.har", "webpagetest.run", "webpagetest.run", "webpagetest.pageSummary"}
	if got := h.rec.kinds(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	ps := h.rec.all()[3]
	if ps.Tags.Location != "virginia---ec2" || ps.Tags.Connectivity != "cable" {
		t.Errorf("pageSummary tags = %+v", ps.Tags)
	}

	buckets := h.agg.Buckets()
	if len(buckets) != 1 {
		t.Fatalf("got %d buckets, want 1", len(buckets))
	}
	wantKey := aggregate.Key{Group: "home", Connectivity: "cable", Location: "virginia---ec2"}
	if buckets[0].Key != wantKey || buckets[0].Count != 1 {
		t.Errorf("bucket = %+v", buckets[0])
	}
}

// --- P5 / Scenario E ---

func TestHandle_FailureIsolation(t *testing.T) {
	h := newHarness(t, 1)
	h.fetch.errs["http://down.example"] = errors.New("connection refused")

	h.ctl.Handle(context.Background(), URLRequest("http://down.example", "home"))

	events := h.rec.all()
	if len(events) != 1 {
		t.Fatalf("got %d events, want exactly 1: %v", len(events), h.rec.kinds())
	}
	if events[0].Type != types.TypeError || events[0].Tags.URL != "http://down.example" {
		t.Errorf("error event = %+v", events[0])
	}
	if h.fetch.calls["http://down.example"] != 1 {
		t.Errorf("fetch attempts = %d, want 1", h.fetch.calls["http://down.example"])
	}

	h.ctl.Handle(context.Background(), SummarizeRequest())
	if len(h.snaps) != 1 || len(h.snaps[0].Groups) != 0 {
		t.Errorf("failed submission left a trace in the aggregate: %+v", h.snaps)
	}
	if len(h.rec.all()) != 1 {
		t.Errorf("summarize after failure emitted events: %v", h.rec.kinds())
	}
	if got := testutil.ToFloat64(h.ctl.submissionErrors); got != 1 {
		t.Errorf("submission errors = %v, want 1", got)
	}
}

func TestHandle_ContinuesAfterFailure(t *testing.T) {
	h := newHarness(t, 1)
	h.fetch.errs["http://down.example"] = errors.New("boom")
	h.fetch.bundles["http://up.example"] = twoRunBundle("http://up.example", 1000)

	ctx := context.Background()
	h.ctl.Handle(ctx, URLRequest("http://down.example", "g"))
	h.ctl.Handle(ctx, URLRequest("http://up.example", "g"))

	if got := len(h.rec.all()); got != 5 {
		t.Errorf("got %d events, want 1 error + 4", got)
	}
}

// --- Summaries (Scenario B/C end to end) ---

func TestHandle_Summarize(t *testing.T) {
	h := newHarness(t, 1)
	h.fetch.bundles["http://a.example"] = twoRunBundle("http://a.example", 1000)
	h.fetch.bundles["http://b.example"] = twoRunBundle("http://b.example", 2000)

	ctx := context.Background()
	h.ctl.Handle(ctx, URLRequest("http://a.example", "home"))
	h.ctl.Handle(ctx, URLRequest("http://b.example", "home"))
	before := len(h.rec.all())
	h.ctl.Handle(ctx, SummarizeRequest())

	events := h.rec.all()[before:]
	if len(events) != 1 {
		t.Fatalf("got %d summary events, want 1", len(events))
	}
	ev := events[0]
	if ev.Type != "webpagetest.summary" {
		t.Errorf("type = %q", ev.Type)
	}
	if ev.Tags.Group != "home" || ev.Tags.Connectivity != "cable" || ev.Tags.Location != "virginia---ec2" {
		t.Errorf("tags = %+v", ev.Tags)
	}
	gs := ev.Payload.(types.GroupSummary)
	if gs.Count != 2 || gs.Metrics["speedIndex"].Sum != 3000 {
		t.Errorf("summary = %+v", gs)
	}
}

func TestHandle_SummarizeEmpty(t *testing.T) {
	h := newHarness(t, 1)
	h.ctl.Handle(context.Background(), SummarizeRequest())
	if got := len(h.rec.all()); got != 0 {
		t.Errorf("got %d events, want 0", got)
	}
	if len(h.snaps) != 1 {
		t.Errorf("OnSummary called %d times, want 1", len(h.snaps))
	}
}

func TestHandle_UnknownKindIsNoop(t *testing.T) {
	h := newHarness(t, 1)
	h.ctl.Handle(context.Background(), Request{Kind: KindUnknown, URL: "http://example.com"})
	if len(h.rec.all()) != 0 || len(h.fetch.calls) != 0 {
		t.Error("unknown kind should not fetch or publish")
	}
	if got := testutil.ToFloat64(h.ctl.requests.WithLabelValues("unknown")); got != 1 {
		t.Errorf("unknown requests counter = %v", got)
	}
}

func TestNew_RegistersFilterPatterns(t *testing.T) {
	h := newHarness(t, 1)
	got := h.filters.Patterns("webpagetest.pageSummary")
	if len(got) != len(filter.DefaultPageSummaryPatterns) {
		t.Errorf("registered %d patterns, want %d", len(got), len(filter.DefaultPageSummaryPatterns))
	}
}

// --- Run: concurrency and barrier ---

func TestRun_BoundsConcurrency(t *testing.T) {
	h := newHarness(t, 2)
	h.fetch.block = make(chan struct{})
	for i := 0; i < 6; i++ {
		u := fmt.Sprintf("http://%d.example", i)
		h.fetch.bundles[u] = twoRunBundle(u, 1)
	}

	in := make(chan Request)
	done := make(chan error, 1)
	go func() { done <- h.ctl.Run(context.Background(), in) }()

	go func() {
		for i := 0; i < 6; i++ {
			in <- URLRequest(fmt.Sprintf("http://%d.example", i), "g")
		}
		close(in)
	}()

	// Let the first two fetches start and the rest queue on the semaphore.
	deadline := time.Now().Add(2 * time.Second)
	for h.fetch.inFlight.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(h.fetch.block)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not finish")
	}
	if got := h.fetch.maxInFlight.Load(); got > 2 {
		t.Errorf("max in flight = %d, want <= 2", got)
	}
	if got := len(h.rec.all()); got != 6*4 {
		t.Errorf("got %d events, want %d", got, 6*4)
	}
}

func TestRun_SummarizeWaitsForEarlierURLs(t *testing.T) {
	h := newHarness(t, 4)
	h.fetch.block = make(chan struct{})
	for i := 0; i < 3; i++ {
		u := fmt.Sprintf("http://%d.example", i)
		h.fetch.bundles[u] = twoRunBundle(u, 100)
	}

	in := make(chan Request, 4)
	for i := 0; i < 3; i++ {
		in <- URLRequest(fmt.Sprintf("http://%d.example", i), "home")
	}
	in <- SummarizeRequest()
	close(in)

	done := make(chan error, 1)
	go func() { done <- h.ctl.Run(context.Background(), in) }()

	time.Sleep(50 * time.Millisecond)
	if n := len(h.snaps); n != 0 {
		t.Fatalf("summarize ran before earlier URL requests finished")
	}
	close(h.fetch.block)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not finish")
	}
	if len(h.snaps) != 1 {
		t.Fatalf("OnSummary called %d times, want 1", len(h.snaps))
	}
	if got := h.snaps[0].Groups["home"].Count; got != 3 {
		t.Errorf("summary count = %d, want 3", got)
	}
	last := h.rec.all()[len(h.rec.all())-1]
	if last.Type != "webpagetest.summary" {
		t.Errorf("last event = %q, want summary", last.Type)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan Request)

	done := make(chan error, 1)
	go func() { done <- h.ctl.Run(ctx, in) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMetrics_PublishedByType(t *testing.T) {
	h := newHarness(t, 1)
	h.fetch.bundles["http://example.com"] = twoRunBundle("http://example.com", 1)
	h.ctl.Handle(context.Background(), URLRequest("http://example.com", "g"))

	if got := testutil.ToFloat64(h.ctl.published.WithLabelValues("webpagetest.run")); got != 2 {
		t.Errorf("published run events = %v, want 2", got)
	}
	if got := testutil.ToFloat64(h.ctl.requests.WithLabelValues("url")); got != 1 {
		t.Errorf("url requests = %v, want 1", got)
	}
}
