package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/wptpipe/wptpipe/agent/internal/aggregate"
	"github.com/wptpipe/wptpipe/agent/internal/config"
	"github.com/wptpipe/wptpipe/agent/internal/controller"
	"github.com/wptpipe/wptpipe/agent/internal/emitter"
	"github.com/wptpipe/wptpipe/agent/internal/export"
	"github.com/wptpipe/wptpipe/agent/internal/fetcher"
	"github.com/wptpipe/wptpipe/agent/internal/filter"
	"github.com/wptpipe/wptpipe/agent/internal/queue"
	"github.com/wptpipe/wptpipe/agent/internal/shipper"
	"github.com/wptpipe/wptpipe/agent/internal/wpt"
	"github.com/wptpipe/wptpipe/pkg/types"
)

// flushTimeout bounds how long a one-shot run waits for the shipper to empty.
const flushTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("wptpipe-agent starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if lv, err := config.ParseLevel(cfg.Agent.LogLevel); err == nil {
		level.Set(lv)
	}
	slog.Info("config loaded",
		"host", cfg.Agent.WebPageTest.Host,
		"urls", len(cfg.Agent.URLs),
		"interval", cfg.Agent.Interval,
		"server_endpoint", cfg.Agent.ServerEndpoint,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cancel, *configPath, cfg, level); err != nil {
		slog.Error("wptpipe-agent stopped with error", "err", err)
		os.Exit(1)
	}
	slog.Info("wptpipe-agent shutting down")
}

func run(ctx context.Context, cancel context.CancelFunc, path string, cfg *config.Config, level *slog.LevelVar) error {
	a := cfg.Agent
	w := a.WebPageTest

	client, err := wpt.NewClient(w.Host, w.APIKey(), nil)
	if err != nil {
		return fmt.Errorf("webpagetest client: %w", err)
	}
	fetch := fetcher.New(client, wpt.Options{
		Location:      w.Location,
		Connectivity:  w.Connectivity,
		Runs:          w.Runs,
		FirstViewOnly: w.FirstViewOnly,
		PollInterval:  w.PollInterval,
		Timeout:       w.Timeout,
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	agg := aggregate.New(aggregate.WithContext(types.Normalize(w.Connectivity), types.Normalize(w.Location)))
	reg.MustRegister(agg)

	filters := filter.NewRegistry()
	sinks := queue.Fanout{queue.LogPublisher{}}

	var ship *shipper.Shipper
	if a.ServerEndpoint != "" {
		ship = shipper.New(a)
		if a.Shipper.Filter {
			sinks = append(sinks, filter.NewPublisher(filters, ship))
		} else {
			sinks = append(sinks, ship)
		}
	}

	var rdb *redis.Client
	if a.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     a.Redis.Addr,
			Password: a.Redis.Password(),
			DB:       a.Redis.DB,
		})
		defer rdb.Close()
		sinks = append(sinks, queue.NewRedisPublisher(rdb, a.Redis.EventChannel))
	}

	ctl := controller.New(controller.Options{
		Fetcher:        fetch,
		Emitter:        emitter.New(a.Namespace),
		Aggregator:     agg,
		Publisher:      sinks,
		Registry:       filters,
		MaxConcurrency: a.MaxConcurrency,
		OnSummary:      writeOutputs(a.Output, reg),
		Registerer:     reg,
	})

	// Interval 0 without a request queue runs a single cycle and exits.
	oneShot := a.Interval == 0 && rdb == nil

	var current atomic.Pointer[config.Config]
	current.Store(cfg)

	requests := make(chan controller.Request)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := ctl.Run(gctx, requests)
		if oneShot {
			if ship != nil {
				waitFlush(ship)
			}
			cancel()
		}
		return err
	})

	g.Go(func() error {
		return cycle(gctx, &current, requests, oneShot)
	})

	if ship != nil {
		g.Go(func() error {
			ship.Run(gctx)
			return nil
		})
	}

	if rdb != nil {
		src := queue.NewRedisSource(rdb, a.Redis.RequestList)
		g.Go(func() error {
			return consume(gctx, src, requests)
		})
	}

	if a.MetricsPort != 0 {
		g.Go(func() error {
			return serveMetrics(gctx, a.MetricsPort, reg)
		})
	}

	if !oneShot {
		g.Go(func() error {
			err := config.Watch(gctx, path, cfg, func(updated *config.Config) {
				current.Store(updated)
				if lv, err := config.ParseLevel(updated.Agent.LogLevel); err == nil {
					level.Set(lv)
				}
			})
			if err != nil {
				slog.Error("config watcher stopped", "err", err)
			}
			return nil
		})
	}

	return g.Wait()
}

// cycle submits every configured URL and then a summarize request, once per
// interval. The URL list and interval are re-read from cur each cycle.
func cycle(ctx context.Context, cur *atomic.Pointer[config.Config], out chan<- controller.Request, oneShot bool) error {
	for {
		a := cur.Load().Agent
		slog.Info("cycle: starting", "urls", len(a.URLs))
		for _, u := range a.URLs {
			if !send(ctx, out, controller.URLRequest(u.URL, u.Group)) {
				return nil
			}
		}
		if !send(ctx, out, controller.SummarizeRequest()) {
			return nil
		}

		if oneShot {
			close(out)
			return nil
		}
		interval := cur.Load().Agent.Interval
		if interval <= 0 {
			// Queue-driven: no periodic cycles after the first.
			<-ctx.Done()
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// consume forwards queued messages to the controller.
func consume(ctx context.Context, src *queue.RedisSource, out chan<- controller.Request) error {
	msgs := make(chan queue.Message)
	errc := make(chan error, 1)
	go func() { errc <- src.Run(ctx, msgs) }()

	for {
		select {
		case <-ctx.Done():
			return <-errc
		case err := <-errc:
			return err
		case m := <-msgs:
			if !send(ctx, out, controller.FromMessage(m)) {
				return <-errc
			}
		}
	}
}

func send(ctx context.Context, out chan<- controller.Request, r controller.Request) bool {
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

// writeOutputs returns the OnSummary hook that refreshes configured files.
func writeOutputs(o config.OutputConfig, g prometheus.Gatherer) func(types.Snapshot) {
	return func(snap types.Snapshot) {
		if o.Textfile != "" {
			if err := export.WriteTextfile(o.Textfile, g); err != nil {
				slog.Error("export: textfile failed", "path", o.Textfile, "err", err)
			}
		}
		if o.JSON != "" {
			if err := export.WriteJSON(o.JSON, snap); err != nil {
				slog.Error("export: json failed", "path", o.JSON, "err", err)
			}
		}
	}
}

func serveMetrics(ctx context.Context, port int, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	slog.Info("metrics listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// waitFlush gives the shipper a bounded chance to deliver buffered events.
func waitFlush(s *shipper.Shipper) {
	deadline := time.Now().Add(flushTimeout)
	for s.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
}
