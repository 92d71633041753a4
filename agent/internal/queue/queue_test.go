package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"github.com/wptpipe/wptpipe/pkg/types"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

// --- Fanout ---

type recordingPublisher struct {
	got []types.Event
	err error
}

func (r *recordingPublisher) Publish(_ context.Context, ev types.Event) error {
	r.got = append(r.got, ev)
	return r.err
}

func TestFanout_DeliversToAllSinks(t *testing.T) {
	errA := errors.New("a down")
	errC := errors.New("c down")
	a := &recordingPublisher{err: errA}
	b := &recordingPublisher{}
	c := &recordingPublisher{err: errC}

	err := Fanout{a, b, c}.Publish(context.Background(), types.Event{Type: "x"})

	for i, p := range []*recordingPublisher{a, b, c} {
		if len(p.got) != 1 {
			t.Errorf("sink %d got %d events, want 1", i, len(p.got))
		}
	}
	if errs := multierr.Errors(err); len(errs) != 2 {
		t.Fatalf("expected 2 combined errors, got %v", err)
	}
	if !errors.Is(err, errA) || !errors.Is(err, errC) {
		t.Errorf("combined error should wrap both causes: %v", err)
	}
}

func TestFanout_Empty(t *testing.T) {
	if err := (Fanout{}).Publish(context.Background(), types.Event{}); err != nil {
		t.Errorf("empty fanout: %v", err)
	}
}

func TestPublisherFunc(t *testing.T) {
	var n int
	p := PublisherFunc(func(context.Context, types.Event) error { n++; return nil })
	_ = Fanout{p, LogPublisher{}}.Publish(context.Background(), types.Event{})
	if n != 1 {
		t.Errorf("PublisherFunc called %d times", n)
	}
}

// --- Messages ---

func TestDecodeMessage(t *testing.T) {
	m, err := DecodeMessage([]byte(`{"type":"url","url":"https://example.com","group":"home"}`))
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if m.Type != "url" || m.URL != "https://example.com" || m.Group != "home" {
		t.Errorf("got %+v", m)
	}
	if _, err := DecodeMessage([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed message")
	}
}

// --- Redis ---

func TestRedisSource_PopsInOrder(t *testing.T) {
	mr, client := newRedis(t)
	src := NewRedisSource(client, "requests")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := src.Push(ctx, Message{Type: "url", URL: "https://a.example", Group: "a"}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	mr.Lpush("requests", "garbage") // skipped
	// Lpush put garbage at the head; the valid entries follow.
	if err := src.Push(ctx, Message{Type: "summarize"}); err != nil {
		t.Fatalf("Push: %v", err)
	}

	out := make(chan Message)
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, out) }()

	var got []Message
	for len(got) < 2 {
		select {
		case m := <-out:
			got = append(got, m)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	if got[0].URL != "https://a.example" || got[1].Type != "summarize" {
		t.Errorf("unexpected order: %+v", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v after cancel", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRedisPublisher_Publishes(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, "events")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	pub := NewRedisPublisher(client, "events")
	ev := types.Event{ID: "1", Type: "webpagetest.har", Tags: types.Tags{URL: "https://a.example"}}
	if err := pub.Publish(ctx, ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var got types.Event
		if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Type != ev.Type || got.Tags.URL != ev.Tags.URL {
			t.Errorf("got %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no message received")
	}
}

func TestRedisPublisher_ConnectionError(t *testing.T) {
	mr, client := newRedis(t)
	mr.Close()
	err := NewRedisPublisher(client, "events").Publish(context.Background(), types.Event{Type: "x"})
	if err == nil {
		t.Fatal("expected error when redis is down")
	}
}
