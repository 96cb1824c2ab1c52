package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/PeerPigeon/PigeonMatch/internal/auth"
	"github.com/PeerPigeon/PigeonMatch/internal/clock"
	"github.com/PeerPigeon/PigeonMatch/internal/config"
	"github.com/PeerPigeon/PigeonMatch/internal/logging"
	"github.com/PeerPigeon/PigeonMatch/internal/tracing"
	"github.com/PeerPigeon/PigeonMatch/internal/types"
	"github.com/PeerPigeon/PigeonMatch/pkg/pigeonmatch"
)

const serviceName = "pigeond"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "pigeond:", err)
		os.Exit(1)
	}
}

// parseFlags layers command line flags over the environment.
func parseFlags(args []string) (config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return config.Config{}, err
	}

	fs := flag.NewFlagSet(serviceName, flag.ContinueOnError)
	fs.StringVar(&cfg.PeerID, "peer-id", cfg.PeerID, "local peer id")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "mesh listen address")
	fs.StringVar(&cfg.NetworkID, "network", cfg.NetworkID, "network id")
	peers := fs.String("peers", "", "comma separated bootstrap addresses")
	fs.StringVar(&cfg.Strategy, "strategy", cfg.Strategy, "conflict strategy (clock-dominant, last-write-wins)")
	fs.DurationVar(&cfg.SyncInterval, "sync-interval", cfg.SyncInterval, "clock sync period")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "mesh heartbeat period")
	fs.DurationVar(&cfg.PeerTimeout, "peer-timeout", cfg.PeerTimeout, "drop peers silent for this long")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "json or console")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "HTTP address for /metrics and /state, empty to disable")
	fs.StringVar(&cfg.TraceEndpoint, "trace-endpoint", cfg.TraceEndpoint, "jaeger collector endpoint")
	fs.BoolVar(&cfg.Signing, "sign", cfg.Signing, "sign every frame")
	fs.BoolVar(&cfg.Observer, "observer", cfg.Observer, "join without publish permission")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	if *peers != "" {
		cfg.BootstrapPeers = config.ParsePeers(*peers)
	}
	return cfg, cfg.Validate()
}

func run(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.WithPeerID(cfg.PeerID)

	tp, err := tracing.InitTracer(serviceName, cfg.TraceEndpoint)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	node, err := pigeonmatch.New(ctx, pigeonmatch.Options{
		PeerID:            cfg.PeerID,
		ListenAddr:        cfg.ListenAddr,
		NetworkID:         cfg.NetworkID,
		BootstrapPeers:    cfg.BootstrapPeers,
		Strategy:          cfg.Strategy,
		SyncInterval:      cfg.SyncInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PeerTimeout:       cfg.PeerTimeout,
		SharedSecret:      cfg.SharedSecret,
		JoinSecret:        cfg.JoinSecret,
		Signing:           cfg.Signing,
		Observer:          cfg.Observer,
		Logger:            log,
		Registerer:        reg,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := node.Shutdown(); err != nil {
			log.Warn("shutdown failed", zap.Error(err))
		}
	}()

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		srv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           newHTTPHandler(node, reg, cfg.JoinSecret),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server failed", zap.Error(err))
			}
		}()
		log.Info("http server listening", zap.String("addr", cfg.MetricsAddr))
	}

	<-ctx.Done()
	log.Info("shutting down")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return nil
}

type stateView struct {
	PeerID string                            `json:"peerId"`
	State  map[string]interface{}            `json:"state"`
	Clock  clock.VectorClock                 `json:"clock"`
	Peers  map[string]map[string]interface{} `json:"peers"`
	Mesh   *types.NetworkStats               `json:"mesh"`
}

// newHTTPHandler serves /metrics openly and /state behind a bearer token
// when a join secret is configured.
func newHTTPHandler(node *pigeonmatch.Node, gatherer prometheus.Gatherer, joinSecret string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	var state http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		view := stateView{
			PeerID: node.Engine().PeerID(),
			State:  node.State(),
			Clock:  node.Clock(),
			Peers:  make(map[string]map[string]interface{}),
			Mesh:   node.Stats(),
		}
		for _, id := range node.Peers() {
			if s, ok := node.PeerState(id); ok {
				view.Peers[id] = s
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(view)
	})
	if joinSecret != "" {
		state = auth.NewAuthMiddleware(auth.NewTokenManager(joinSecret)).Authenticate(state)
	}
	mux.Handle("/state", state)
	return mux
}
