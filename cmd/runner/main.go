package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof profiling endpoints
	"os"
	"os/signal"
	"syscall"

	"flowmesh/internal/config"
	"flowmesh/internal/logger"
	"flowmesh/internal/metrics"
	"flowmesh/internal/runner"
	"flowmesh/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	metricsAddr := flag.String("metrics-addr", ":9091", "Metrics/health listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Init("runner", os.Stdout)

	if cfg.Tracing.OTLPEndpoint != "" {
		if err := metrics.InitTracing("flowmesh-runner", cfg.Tracing.OTLPEndpoint); err != nil {
			log.Printf("Failed to initialize tracing: %v", err)
		}
	}

	bus, err := transport.NewNATSBus(cfg.NATS.URL, "runner", transport.Options{
		WorkflowPrefetch: cfg.Transport.PrefetchWorkflow,
		NodePrefetch:     cfg.Transport.PrefetchNode,
		WorkflowTTL:      cfg.WorkflowTTL(),
		NodeTTL:          cfg.NodeTTL(),
	})
	if err != nil {
		log.Fatalf("Failed to connect to broker: %v", err)
	}
	defer bus.Close()

	registry := runner.NewRegistry()
	runner.RegisterBuiltins(registry)

	service := runner.NewService(registry, runner.ServiceConfig{
		Sandbox: runner.SandboxConfig{
			DefaultTimeout: cfg.RunnerTimeout(),
			MemoryLimitMB:  cfg.Runner.MemoryLimitMB,
		},
		MaxConcurrent: cfg.Runner.MaxConcurrent,
		CacheTTL:      cfg.NodeTTL(),
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/debug/pprof/", http.DefaultServeMux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	go func() {
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil && err != http.ErrServerClosed {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		log.Println("Shutting down runner...")
		cancel()
	}()

	log.Printf("Runner starting with node types: %v", registry.Types())

	if err := bus.SubscribeNode(ctx, service.Handle); err != nil && err != context.Canceled {
		log.Fatalf("Runner error: %v", err)
	}
	metrics.ShutdownTracing(context.Background())
}
