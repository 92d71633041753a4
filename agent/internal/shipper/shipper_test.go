package shipper

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/wptpipe/wptpipe/agent/internal/config"
	"github.com/wptpipe/wptpipe/pkg/eventrpc"
	"github.com/wptpipe/wptpipe/pkg/types"
)

// mockServer implements eventrpc.EventSinkServer for testing.
type mockServer struct {
	mu       sync.Mutex
	received []types.Event
	keys     []string
	failWith codes.Code // return this code for every call when non-OK
	failN    int        // return Unavailable for the first failN calls
	calls    int
}

func (m *mockServer) Publish(ctx context.Context, s *structpb.Struct) (*structpb.Struct, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.calls <= m.failN {
		return nil, status.Error(codes.Unavailable, "mock outage")
	}
	if m.failWith != codes.OK {
		return nil, status.Error(m.failWith, "mock failure")
	}
	ev, err := eventrpc.Decode(s)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		m.keys = append(m.keys, md.Get("x-api-key")...)
	}
	m.received = append(m.received, ev)
	return eventrpc.Ack(), nil
}

func (m *mockServer) events() []types.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Event(nil), m.received...)
}

// startTestServer starts an in-process gRPC server and returns a dial
// function that connects to it.
func startTestServer(t *testing.T, srv *mockServer) dialFunc {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	gs := grpc.NewServer()
	eventrpc.RegisterEventSinkServer(gs, srv)
	go gs.Serve(lis) //nolint:errcheck
	t.Cleanup(gs.Stop)

	addr := lis.Addr().String()
	return func(ctx context.Context, _ string, _ config.AgentConfig) (*grpc.ClientConn, error) {
		return grpc.DialContext(ctx, addr, //nolint:staticcheck
			grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
}

func makeEvent(id string) types.Event {
	return types.Event{
		ID:        id,
		Type:      "webpagetest.pageSummary",
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{"url": "https://example.com", "medians": map[string]any{"firstView": map[string]any{"SpeedIndex": 1000.0}}},
		Tags:      types.Tags{URL: "https://example.com", Group: "home"},
	}
}

func agentCfg() config.AgentConfig {
	return config.AgentConfig{
		ServerEndpoint: "unused-overridden-by-dialFn",
		BufferSize:     10,
	}
}

// waitFor polls cond for up to 2s.
func waitFor(cond func() bool) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !cond() {
		time.Sleep(20 * time.Millisecond)
	}
}

// --- Tests ---

func TestShipper_DeliversEvent(t *testing.T) {
	srv := &mockServer{}
	s := New(agentCfg())
	s.dialFn = startTestServer(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go s.Run(ctx)

	s.Ship(makeEvent("ev-1"))
	waitFor(func() bool { return len(srv.events()) > 0 })

	evs := srv.events()
	if len(evs) != 1 {
		t.Fatalf("server received %d events, want 1", len(evs))
	}
	if evs[0].ID != "ev-1" || evs[0].Type != "webpagetest.pageSummary" {
		t.Errorf("got %+v", evs[0])
	}
	if evs[0].Tags.Group != "home" {
		t.Errorf("Tags.Group = %q, want home", evs[0].Tags.Group)
	}
}

func TestShipper_PreservesOrder(t *testing.T) {
	srv := &mockServer{}
	s := New(agentCfg())
	s.dialFn = startTestServer(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go s.Run(ctx)

	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		if err := s.Publish(ctx, makeEvent(id)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	waitFor(func() bool { return len(srv.events()) >= len(ids) })

	evs := srv.events()
	if len(evs) != len(ids) {
		t.Fatalf("server received %d events, want %d", len(evs), len(ids))
	}
	for i, id := range ids {
		if evs[i].ID != id {
			t.Errorf("event %d ID = %q, want %q", i, evs[i].ID, id)
		}
	}
}

func TestShipper_RetryKeepsOrder(t *testing.T) {
	srv := &mockServer{failN: 1}
	s := New(agentCfg())
	s.dialFn = startTestServer(t, srv)

	kinds := []string{"webpagetest.har", "webpagetest.run", "webpagetest.run", "webpagetest.pageSummary"}
	for i, typ := range kinds {
		ev := makeEvent(fmt.Sprintf("ev-%d", i))
		ev.Type = typ
		if err := s.Publish(context.Background(), ev); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go s.Run(ctx)

	// The first send fails; the reconnect backoff is about a second.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && len(srv.events()) < len(kinds) {
		time.Sleep(20 * time.Millisecond)
	}

	evs := srv.events()
	if len(evs) != len(kinds) {
		t.Fatalf("server received %d events, want %d", len(evs), len(kinds))
	}
	for i, typ := range kinds {
		if evs[i].Type != typ || evs[i].ID != fmt.Sprintf("ev-%d", i) {
			t.Errorf("event %d = %s/%s, want %s/ev-%d", i, evs[i].ID, evs[i].Type, typ, i)
		}
	}
	if n := s.Pending(); n != 0 {
		t.Errorf("Pending after delivery = %d, want 0", n)
	}
}

func TestShipper_PendingCountsHeldEvent(t *testing.T) {
	srv := &mockServer{failWith: codes.Unavailable}
	s := New(agentCfg())
	s.dialFn = startTestServer(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go s.Run(ctx)

	s.Ship(makeEvent("ev-1"))
	waitFor(func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return srv.calls > 0
	})

	if n := len(s.buf); n != 0 {
		t.Errorf("buffer has %d items, want the event held for retry", n)
	}
	if n := s.Pending(); n != 1 {
		t.Errorf("Pending while retrying = %d, want 1", n)
	}
}

func TestShipper_SendsAPIKey(t *testing.T) {
	t.Setenv("WPTPIPE_TEST_KEY", "k-123")
	srv := &mockServer{}
	cfg := agentCfg()
	cfg.ServerAuth = config.AuthConfig{Mode: "apikey", KeyEnv: "WPTPIPE_TEST_KEY"}
	s := New(cfg)
	s.dialFn = startTestServer(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go s.Run(ctx)

	s.Ship(makeEvent("ev-1"))
	waitFor(func() bool { return len(srv.events()) > 0 })

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.keys) != 1 || srv.keys[0] != "k-123" {
		t.Errorf("api keys seen = %v", srv.keys)
	}
}

func TestShipper_PermanentErrorDiscards(t *testing.T) {
	srv := &mockServer{failWith: codes.Unauthenticated}
	s := New(agentCfg())
	s.dialFn = startTestServer(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go s.Run(ctx)

	s.Ship(makeEvent("ev-1"))
	waitFor(func() bool { return len(s.buf) == 0 })
	time.Sleep(50 * time.Millisecond)

	if n := len(s.buf); n != 0 {
		t.Errorf("buffer has %d items, permanent errors should discard", n)
	}
}

func TestShipper_BufferEvictsOldest(t *testing.T) {
	// BufferSize=3; Ship 5 items while the shipper is not running.
	s := New(config.AgentConfig{BufferSize: 3})
	for _, id := range []string{"0", "1", "2", "3", "4"} {
		s.Ship(makeEvent(id))
	}

	var ids []string
	for len(s.buf) > 0 {
		ids = append(ids, (<-s.buf).id)
	}
	want := []string{"2", "3", "4"}
	if len(ids) != len(want) {
		t.Fatalf("buffer has %d items, want %d", len(ids), len(want))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

func TestShipper_PublishRejectsUnencodable(t *testing.T) {
	s := New(agentCfg())
	ev := makeEvent("bad")
	ev.Payload = make(chan int)
	if err := s.Publish(context.Background(), ev); err == nil {
		t.Fatal("expected encode error")
	}
	if len(s.buf) != 0 {
		t.Error("unencodable event was buffered")
	}
}

func TestIsPermanentError(t *testing.T) {
	tests := map[codes.Code]bool{
		codes.InvalidArgument:  true,
		codes.Unauthenticated:  true,
		codes.PermissionDenied: true,
		codes.Unavailable:      false,
		codes.DeadlineExceeded: false,
	}
	for code, want := range tests {
		if got := isPermanentError(status.Error(code, "x")); got != want {
			t.Errorf("isPermanentError(%v) = %v, want %v", code, got, want)
		}
	}
}

func TestDialOptions_MTLSMissingCert(t *testing.T) {
	cfg := agentCfg()
	cfg.ServerAuth = config.AuthConfig{Mode: "mtls", CertFile: "/nonexistent.crt", KeyFile: "/nonexistent.key"}
	if _, err := dialOptions(cfg); err == nil {
		t.Fatal("expected error for missing cert files")
	}
}

func TestShipper_BackoffResets(t *testing.T) {
	b := newBackoff()
	if first := b.next(); first > 2*time.Second {
		t.Errorf("first backoff too large: %v", first)
	}
	for i := 0; i < 10; i++ {
		b.next()
	}
	b.reset()
	if after := b.next(); after > 2*time.Second {
		t.Errorf("backoff after reset too large: %v", after)
	}
}

func TestBackoff_NeverExceedsMax(t *testing.T) {
	b := newBackoff()
	for i := 0; i < 50; i++ {
		// With jitter, max is backoffMax * 1.25
		if d := b.next(); d > backoffMax*2 {
			t.Errorf("backoff[%d] = %v, exceeds 2×max", i, d)
		}
	}
}

func TestShipper_GracefulShutdown(t *testing.T) {
	s := New(agentCfg())
	s.dialFn = startTestServer(t, &mockServer{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}
