package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/wptpipe/wptpipe/pkg/eventrpc"
	"github.com/wptpipe/wptpipe/server/internal/alerts"
	"github.com/wptpipe/wptpipe/server/internal/api"
	"github.com/wptpipe/wptpipe/server/internal/auth"
	"github.com/wptpipe/wptpipe/server/internal/config"
	"github.com/wptpipe/wptpipe/server/internal/receiver"
	"github.com/wptpipe/wptpipe/server/internal/store"
	"github.com/wptpipe/wptpipe/server/internal/ws"
)

// groupsRefresh is how often the hub pushes the full group list.
const groupsRefresh = 5 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	uiDir := flag.String("ui-dir", "", "serve static dashboard files from this directory; leave empty to disable")
	flag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("wptpipe-server starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if lv, err := config.ParseLevel(cfg.Server.LogLevel); err == nil {
		level.Set(lv)
	}

	slog.Info("config loaded",
		"grpc_port", cfg.Server.GRPCPort,
		"http_port", cfg.Server.HTTPPort,
		"auth_mode", cfg.Server.Auth.Mode,
		"ttl", cfg.Server.Retention.TTL,
		"alert_rules", len(cfg.Server.Alerts.Rules),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg.Server, *uiDir); err != nil {
		slog.Error("wptpipe-server stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("wptpipe-server shut down")
}

func run(ctx context.Context, cfg config.ServerConfig, uiDir string) error {
	engine, err := alerts.New(cfg.Alerts)
	if err != nil {
		return err
	}

	st := store.New(cfg.Retention.TTL, cfg.Retention.MaxErrors)
	hub := ws.New(st, groupsRefresh)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	registerStoreMetrics(reg, st, hub)

	interceptor := auth.APIKeyInterceptor(
		cfg.Auth.Mode,
		cfg.Auth.EffectiveHeader(),
		cfg.Auth.Key(),
	)
	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(interceptor))
	eventrpc.RegisterEventSinkServer(grpcSrv, receiver.New(st, engine, hub))

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen on gRPC port %d: %w", cfg.GRPCPort, err)
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           newMux(st, engine, hub, reg, uiDir),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		st.Run(gctx)
		return nil
	})
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		slog.Info("gRPC receiver listening", "port", cfg.GRPCPort)
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		slog.Info("HTTP server listening", "port", cfg.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("wptpipe-server shutting down")
		grpcSrv.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newMux combines the REST API, the WebSocket hub, Prometheus metrics and the
// optional static dashboard on one handler.
func newMux(st *store.Store, al api.AlertSource, hub *ws.Hub, reg *prometheus.Registry, uiDir string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/api/", api.New(st, al))
	mux.Handle("/ws/stream", hub)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// The "/" catch-all serves index.html for any unknown path (SPA routing).
	if uiDir != "" {
		fs := http.FileServer(http.Dir(uiDir))
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			path := uiDir + r.URL.Path
			if _, err := os.Stat(path); os.IsNotExist(err) {
				http.ServeFile(w, r, uiDir+"/index.html")
				return
			}
			fs.ServeHTTP(w, r)
		})
		slog.Info("serving UI static files", "dir", uiDir)
	}
	return mux
}

func registerStoreMetrics(reg prometheus.Registerer, st *store.Store, hub *ws.Hub) {
	f := promauto.With(reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "wptpipe_server_pages",
		Help: "Pages held in the store, including stale ones not yet evicted.",
	}, func() float64 {
		pages, _ := st.Count()
		return float64(pages)
	})
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "wptpipe_server_groups",
		Help: "Group summaries held in the store, including stale ones not yet evicted.",
	}, func() float64 {
		_, groups := st.Count()
		return float64(groups)
	})
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "wptpipe_server_ws_clients",
		Help: "Connected WebSocket clients.",
	}, func() float64 { return float64(hub.Count()) })
}
