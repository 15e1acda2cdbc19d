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
	"time"

	"flowmesh/internal/config"
	"flowmesh/internal/events"
	"flowmesh/internal/logger"
	"flowmesh/internal/metrics"
	"flowmesh/internal/orchestrator"
	"flowmesh/internal/state"
	"flowmesh/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Init("orchestrator", os.Stdout)

	if cfg.Tracing.OTLPEndpoint != "" {
		if err := metrics.InitTracing("flowmesh-orchestrator", cfg.Tracing.OTLPEndpoint); err != nil {
			log.Printf("Failed to initialize tracing: %v", err)
		}
	}

	store, err := state.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("Failed to open state store: %v", err)
	}
	defer store.Close()

	bus, err := transport.NewNATSBus(cfg.NATS.URL, "orchestrator", transport.Options{
		WorkflowPrefetch: cfg.Transport.PrefetchWorkflow,
		NodePrefetch:     cfg.Transport.PrefetchNode,
		WorkflowTTL:      cfg.WorkflowTTL(),
		NodeTTL:          cfg.NodeTTL(),
	})
	if err != nil {
		log.Fatalf("Failed to connect to broker: %v", err)
	}
	defer bus.Close()

	stream := events.NewStream()
	core := orchestrator.New(store, bus, stream)

	mux := http.NewServeMux()
	mux.Handle("/", core.Handler())
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/debug/pprof/", http.DefaultServeMux)

	server := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: mux,
	}

	log.Printf("Orchestrator server starting on %s", cfg.HTTP.Addr)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down orchestrator server...")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		metrics.ShutdownTracing(ctx)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
