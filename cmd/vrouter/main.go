// Command vrouter runs one router node (spec §1: routing_mode=rip): an
// emulated link layer, the IP forwarding engine, and the RIPv2-like control
// plane, driven by the line-oriented shell in internal/repl.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"

	"github.com/netlab-go/vnet/internal/config"
	"github.com/netlab-go/vnet/internal/metrics"
	"github.com/netlab-go/vnet/internal/node"
	"github.com/netlab-go/vnet/internal/repl"
)

var (
	configPath  = flag.String("config", "", "path to the link configuration file")
	verbose     = flag.Bool("v", false, "enable debug logging")
	metricsAddr = flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address")
)

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))

	if *configPath == "" {
		log.Error("missing required -config flag")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.RoutingMode != config.RoutingRIP {
		log.Error("vrouter requires routing_mode=rip", "got", cfg.RoutingMode)
		os.Exit(1)
	}

	backend, err := node.Initialize(cfg, clockwork.NewRealClock(), log)
	if err != nil {
		log.Error("failed to initialize node", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, log)
	}

	go backend.Run(ctx)

	repl.Run(backend, os.Stdin, os.Stdout, log)
}

func serveMetrics(addr string, log *slog.Logger) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("failed to start metrics listener", "error", err)
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	log.Info("serving prometheus metrics", "address", listener.Addr().String())
	if err := http.Serve(listener, mux); err != nil {
		log.Error("metrics server stopped", "error", err)
	}
}
