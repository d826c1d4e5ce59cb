// Kasagentd is the execution-receipt reconciliation daemon for Kaspa trading
// agents. It runs the callback consumer HTTP service (scheduler cycle intake,
// receipt ingestion, SSE streaming, consistency log) together with the
// client-side confirmation poller, the signing queue, and the agent registry.
//
// Configuration is loaded from environment variables. See internal/config
// for details.
//
// Usage:
//
//	# Start daemon with defaults
//	kasagentd
//
//	# Configure via environment
//	SERVER_PORT=8420 NATS_URL=nats://localhost:4222 kasagentd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kasagent/kasagentd/internal/agent"
	"github.com/kasagent/kasagentd/internal/broadcast"
	"github.com/kasagent/kasagentd/internal/config"
	"github.com/kasagent/kasagentd/internal/consumer"
	"github.com/kasagent/kasagentd/internal/poller"
	"github.com/kasagent/kasagentd/internal/queue"
	"github.com/kasagent/kasagentd/internal/store"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  kasagentd           Start the kasagentd daemon\n")
			fmt.Fprintf(os.Stderr, "  kasagentd version   Show version information\n")
			os.Exit(1)
		}
	}

	// Signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("kasagentd\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until context cancellation.
//
//  1. Loads and validates configuration
//  2. Initializes the logger
//  3. Connects to NATS (or starts an embedded server)
//  4. Creates stores, broadcaster, and metrics registry
//  5. Wires the consumer HTTP service and the agent/queue API
//  6. Starts the confirmation poller behind the signing queue
//  7. Performs graceful shutdown on context cancellation
func run(ctx context.Context) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := initLogger()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	logger.Info("Starting kasagentd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout))

	deps, err := initDependencies(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	logger.Info("Dependencies initialized",
		zap.String("nats_url", deps.natsURL),
		zap.Bool("embedded_nats", deps.embeddedNATS != nil))

	// Stores
	idempotency := store.NewMemIdempotency(cfg.Consumer.IdempotencyTTL)
	idempotency.StartJanitor(ctx, cfg.Consumer.IdempotencyTTL/4)
	stores := consumer.Stores{
		Idempotency: idempotency,
		Fences:      store.NewMemFence(),
		Receipts:    store.NewMemReceipts(cfg.Consumer.ReplayBuffer),
		Consistency: store.NewMemConsistency(),
	}

	registry := prometheus.NewRegistry()
	srv, err := consumer.NewServer(cfg, stores, deps.broadcaster, registry, logger)
	if err != nil {
		return fmt.Errorf("failed to create consumer server: %w", err)
	}

	// Confirmation poller: chain lookups in, receipt submissions out. The
	// sink posts to our own ingestion endpoint so external pollers and the
	// in-process one share a single code path.
	selfURL := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	source := poller.NewKaspaSource(
		getEnvOrDefault("KASPA_API_URL", "https://api.kaspa.org"),
		int64(getEnvIntOrDefault("KASPA_REQUIRED_CONFIRMATIONS", poller.DefaultRequiredConfirmations)),
	)
	p, err := poller.New(source, poller.NewClient(selfURL), logger, poller.Config{
		BaseRetryDelay: cfg.Poller.BaseRetryDelay,
		MaxRetryDelay:  cfg.Poller.MaxRetryDelay,
		PollInterval:   cfg.Poller.PollInterval,
		WallTimeout:    cfg.Poller.WallTimeout,
		MaxAttempts:    cfg.Poller.MaxAttempts,
		BatchSize:      cfg.Poller.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("failed to create poller: %w", err)
	}
	defer p.Close()

	// Signing queue and agent registry share the poller: signed txids start
	// tracking, the kill switch cancels it.
	q, err := queue.New(p, logger)
	if err != nil {
		return fmt.Errorf("failed to create signing queue: %w", err)
	}
	agents, err := agent.NewRegistry(q, logger)
	if err != nil {
		return fmt.Errorf("failed to create agent registry: %w", err)
	}
	agentAPI, err := agent.NewAPI(agents, q, logger)
	if err != nil {
		return fmt.Errorf("failed to create agent API: %w", err)
	}
	agentAPI.RegisterRoutes(srv.Echo())

	logger.Info("Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"))

	// Start server, then block until shutdown
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// dependencies holds the daemon's infrastructure handles.
type dependencies struct {
	natsConn     *nats.Conn
	natsURL      string
	embeddedNATS natsShutdowner
	broadcaster  *broadcast.Broadcaster
	logger       *zap.Logger
}

type natsShutdowner interface {
	Shutdown()
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.natsConn != nil {
		d.natsConn.Close()
	}
	if d.embeddedNATS != nil {
		d.embeddedNATS.Shutdown()
	}
}

// initLogger initializes the structured logger.
func initLogger() (*zap.Logger, error) {
	if getEnvOrDefault("LOG_MODE", "production") == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// initDependencies connects to NATS, starting an embedded server when no
// external URL is configured, and wires the receipt broadcaster.
func initDependencies(cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	natsURL := cfg.NATS.URL
	var embedded natsShutdowner
	if natsURL == "" {
		srv, err := broadcast.StartEmbeddedServer()
		if err != nil {
			return nil, fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		embedded = srv
		natsURL = srv.ClientURL()
		logger.Info("Embedded NATS started", zap.String("url", natsURL))
	}

	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", natsURL, err)
	}

	logger.Info("Connected to NATS", zap.String("url", natsURL))

	b, err := broadcast.New(nc, logger)
	if err != nil {
		nc.Close()
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, fmt.Errorf("failed to create broadcaster: %w", err)
	}

	return &dependencies{
		natsConn:     nc,
		natsURL:      natsURL,
		embeddedNATS: embedded,
		broadcaster:  b,
		logger:       logger,
	}, nil
}

// getEnvOrDefault gets environment variable or returns default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var parsed int
		if _, err := fmt.Sscanf(value, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return defaultValue
}
