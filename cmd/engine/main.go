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
	"flowmesh/internal/dispatcher"
	"flowmesh/internal/engine"
	"flowmesh/internal/events"
	"flowmesh/internal/logger"
	"flowmesh/internal/metrics"
	"flowmesh/internal/retry"
	"flowmesh/internal/scheduler"
	"flowmesh/internal/state"
	"flowmesh/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	metricsAddr := flag.String("metrics-addr", ":9090", "Metrics/health listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Init("engine", os.Stdout)

	if cfg.Tracing.OTLPEndpoint != "" {
		if err := metrics.InitTracing("flowmesh-engine", cfg.Tracing.OTLPEndpoint); err != nil {
			log.Printf("Failed to initialize tracing: %v", err)
		}
	}

	store, err := state.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("Failed to open state store: %v", err)
	}
	defer store.Close()

	bus, err := transport.NewNATSBus(cfg.NATS.URL, "engine", transport.Options{
		WorkflowPrefetch: cfg.Transport.PrefetchWorkflow,
		NodePrefetch:     cfg.Transport.PrefetchNode,
		WorkflowTTL:      cfg.WorkflowTTL(),
		NodeTTL:          cfg.NodeTTL(),
	})
	if err != nil {
		log.Fatalf("Failed to connect to broker: %v", err)
	}
	defer bus.Close()

	disp := dispatcher.New(bus, dispatcher.Config{
		DefaultNodeTimeout: cfg.RunnerTimeout(),
		Policy: &retry.Policy{
			MaxAttempts:       cfg.Dispatcher.MaxAttempts,
			InitialDelay:      cfg.BaseBackoff(),
			BackoffMultiplier: 2.0,
			MaxDelay:          cfg.MaxBackoff(),
		},
	})

	stream := events.NewStream()
	sched := scheduler.New(store, disp, stream, scheduler.Config{
		MaxConcurrency:    cfg.Engine.MaxConcurrencyPerExecution,
		ExecutionDeadline: cfg.ExecutionDeadline(),
		FailPolicy:        cfg.Execution.FailPolicy,
	})

	eng := engine.New(bus, sched, store, engine.Config{
		MaxExecutions: cfg.Engine.MaxExecutionsPerInstance,
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
		log.Println("Shutting down engine...")
		cancel()
	}()

	log.Printf("Engine starting (max %d executions, %d nodes in flight each)",
		cfg.Engine.MaxExecutionsPerInstance, cfg.Engine.MaxConcurrencyPerExecution)

	if err := eng.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("Engine error: %v", err)
	}
	metrics.ShutdownTracing(context.Background())
}
