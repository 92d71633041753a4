package shipper

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/wptpipe/wptpipe/agent/internal/config"
	"github.com/wptpipe/wptpipe/pkg/eventrpc"
	"github.com/wptpipe/wptpipe/pkg/types"
)

const (
	backoffInitial    = 1 * time.Second
	backoffMax        = 60 * time.Second
	backoffMultiplier = 2.0
	sendTimeout       = 10 * time.Second
)

// item is one encoded event waiting to be sent.
type item struct {
	id, typ string
	msg     *structpb.Struct
}

// Shipper buffers events and ships them to wptpipe-server via gRPC.
// Ship() is non-blocking; when the buffer is full the oldest event is evicted.
// Run() must be called in a goroutine to drain the buffer and handle reconnection.
type Shipper struct {
	cfg    config.AgentConfig
	buf    chan item
	dialFn dialFunc // injectable for tests

	// head is the event taken from buf but not yet delivered. It is only
	// touched by the Run goroutine and is resent first after a reconnect.
	head *item

	// pending counts events accepted and not yet delivered or discarded.
	pending atomic.Int64
}

// dialFunc is the function signature used to open a gRPC connection.
type dialFunc func(ctx context.Context, endpoint string, cfg config.AgentConfig) (*grpc.ClientConn, error)

// New creates a Shipper using the given agent config.
func New(cfg config.AgentConfig) *Shipper {
	size := cfg.BufferSize
	if size <= 0 {
		size = config.DefaultBufferSize
	}
	return &Shipper{
		cfg:    cfg,
		buf:    make(chan item, size),
		dialFn: defaultDial,
	}
}

// Publish implements queue.Publisher. It only fails when ev cannot be
// encoded; delivery is asynchronous.
func (s *Shipper) Publish(_ context.Context, ev types.Event) error {
	msg, err := eventrpc.Encode(ev)
	if err != nil {
		return fmt.Errorf("shipper: %w", err)
	}
	s.enqueue(item{id: ev.ID, typ: ev.Type, msg: msg})
	return nil
}

// Ship enqueues ev, logging instead of returning encode failures.
func (s *Shipper) Ship(ev types.Event) {
	if err := s.Publish(context.Background(), ev); err != nil {
		slog.Error("shipper: dropping event", "type", ev.Type, "err", err)
	}
}

// Pending returns the number of events waiting to be sent, including one
// being sent or awaiting retry.
func (s *Shipper) Pending() int { return int(s.pending.Load()) }

func (s *Shipper) enqueue(it item) {
	s.pending.Add(1)
	select {
	case s.buf <- it:
	default:
		// Buffer full: drop the oldest event, keep the newest.
		select {
		case old := <-s.buf:
			s.pending.Add(-1)
			slog.Warn("shipper: buffer full, evicted oldest event",
				"type", old.typ, "buffer_cap", cap(s.buf))
		default:
		}
		s.buf <- it
	}
}

// Run drains the buffer, sending events to the server.
// It reconnects with exponential backoff when the connection is lost.
// Run blocks until ctx is cancelled.
func (s *Shipper) Run(ctx context.Context) {
	bo := newBackoff()

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := s.dialFn(ctx, s.cfg.ServerEndpoint, s.cfg)
		if err != nil {
			wait := bo.next()
			slog.Error("shipper: dial failed, will retry",
				"endpoint", s.cfg.ServerEndpoint,
				"err", err,
				"retry_in", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
				continue
			}
		}

		slog.Info("shipper: connected", "endpoint", s.cfg.ServerEndpoint)
		bo.reset()

		err = s.drain(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			return
		}

		wait := bo.next()
		slog.Warn("shipper: connection lost, will reconnect",
			"endpoint", s.cfg.ServerEndpoint,
			"err", err,
			"retry_in", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// drain sends events until the connection fails or ctx is cancelled. An event
// that fails transiently stays at the head and is retried before anything
// behind it, so events arrive in the order they were shipped.
func (s *Shipper) drain(ctx context.Context, conn *grpc.ClientConn) error {
	client := eventrpc.NewEventSinkClient(conn)

	for {
		if s.head == nil {
			select {
			case <-ctx.Done():
				return nil
			case it := <-s.buf:
				s.head = &it
			}
		} else if ctx.Err() != nil {
			return nil
		}
		it := *s.head

		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		if s.cfg.ServerAuth.Mode == "apikey" && s.cfg.ServerAuth.KeyEnv != "" {
			sendCtx = metadata.AppendToOutgoingContext(sendCtx,
				s.cfg.ServerAuth.EffectiveHeader(), s.cfg.ServerAuth.Key())
		}

		resp, err := client.Publish(sendCtx, it.msg)
		cancel()

		if err != nil {
			// Permanent errors (unauthenticated, invalid arg): log and discard.
			if isPermanentError(err) {
				slog.Error("shipper: permanent send error, discarding event",
					"type", it.typ, "id", it.id, "err", err)
				s.done()
				continue
			}
			// Transient: keep the head and reconnect.
			return fmt.Errorf("send %s: %w", it.id, err)
		}
		s.done()

		if !resp.GetFields()["ok"].GetBoolValue() {
			slog.Warn("shipper: server rejected event", "type", it.typ, "id", it.id)
		} else {
			slog.Debug("shipper: event delivered", "type", it.typ, "id", it.id)
		}
	}
}

func (s *Shipper) done() {
	s.head = nil
	s.pending.Add(-1)
}

// isPermanentError returns true for gRPC errors that indicate the event
// itself is invalid and should not be retried.
func isPermanentError(err error) bool {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.Unauthenticated, codes.PermissionDenied:
		return true
	}
	return false
}

// defaultDial opens a gRPC connection to endpoint with auth configured from cfg.
func defaultDial(ctx context.Context, endpoint string, cfg config.AgentConfig) (*grpc.ClientConn, error) {
	opts, err := dialOptions(cfg)
	if err != nil {
		return nil, err
	}
	return grpc.DialContext(ctx, endpoint, opts...) //nolint:staticcheck // deprecated in 1.63 but DialContext is used for compat
}

// dialOptions builds grpc.DialOption slice based on the server auth config.
func dialOptions(cfg config.AgentConfig) ([]grpc.DialOption, error) {
	switch cfg.ServerAuth.Mode {
	case "mtls":
		creds, err := buildMTLSCreds(cfg.ServerAuth)
		if err != nil {
			return nil, fmt.Errorf("shipper: build mtls creds: %w", err)
		}
		return []grpc.DialOption{grpc.WithTransportCredentials(creds)}, nil

	default: // "apikey" sends the key per call; "none" is for local dev
		return []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, nil
	}
}

// buildMTLSCreds loads client certificate and optional CA from the auth config.
func buildMTLSCreds(auth config.AuthConfig) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(auth.CertFile, auth.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client cert: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if auth.CAFile != "" {
		caPEM, err := os.ReadFile(auth.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no valid certs in ca file %q", auth.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	return credentials.NewTLS(tlsCfg), nil
}

// backoff implements truncated exponential backoff with jitter.
type backoff struct {
	current time.Duration
}

func newBackoff() *backoff {
	return &backoff{current: backoffInitial}
}

// next returns the current backoff duration and advances the internal state.
func (b *backoff) next() time.Duration {
	d := b.current
	// ±25 % jitter.
	jitter := time.Duration(float64(b.current) * 0.25 * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
	d += jitter
	if d < 0 {
		d = 0
	}

	b.current = time.Duration(float64(b.current) * backoffMultiplier)
	if b.current > backoffMax {
		b.current = backoffMax
	}
	return d
}

func (b *backoff) reset() {
	b.current = backoffInitial
}
