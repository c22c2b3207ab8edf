// Flowstated is the workflow orchestration daemon.
//
// It accepts user messages over HTTP, routes them, and drives each session
// through the guided pipeline with state shared through NATS JetStream so
// any number of daemons can serve the same sessions.
//
// Configuration is layered from defaults, a YAML file and FLOWSTATE_*
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Start with ~/.config/flowstate/config.yaml if present
//	flowstated
//
//	# Single-node with an in-process NATS server
//	FLOWSTATE_NATS_EMBEDDED=true flowstated
//
//	# Explicit config file
//	flowstated -config /etc/flowstate/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fyrsmithlabs/flowstate/internal/collab"
	"github.com/fyrsmithlabs/flowstate/internal/config"
	"github.com/fyrsmithlabs/flowstate/internal/events"
	"github.com/fyrsmithlabs/flowstate/internal/evidence"
	httpapi "github.com/fyrsmithlabs/flowstate/internal/http"
	"github.com/fyrsmithlabs/flowstate/internal/kvstore"
	"github.com/fyrsmithlabs/flowstate/internal/logging"
	"github.com/fyrsmithlabs/flowstate/internal/natsutil"
	"github.com/fyrsmithlabs/flowstate/internal/orchestrator"
	"github.com/fyrsmithlabs/flowstate/internal/router"
	"github.com/fyrsmithlabs/flowstate/internal/session"
	"github.com/fyrsmithlabs/flowstate/internal/telemetry"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/flowstate/config.yaml)")
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
			fmt.Fprintf(os.Stderr, "  flowstated           Start the daemon\n")
			fmt.Fprintf(os.Stderr, "  flowstated version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("flowstated by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires every component and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config) error {
	tel, err := initTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logger, err := initLogger(cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()
	zl := logger.Underlying()

	zl.Info("starting flowstated",
		zap.String("version", version),
		zap.String("store", cfg.Store.Backend),
		zap.String("stage_transport", cfg.Stages.Transport),
		zap.Int("port", cfg.Server.Port))

	deps, err := initDependencies(ctx, cfg, zl)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	orch, err := initOrchestrator(cfg, deps, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize orchestrator: %w", err)
	}
	zl.Info("orchestrator ready", zap.String("worker_id", orch.WorkerID()))

	opts := []httpapi.Option{
		httpapi.WithMetrics(httpapi.NewHTTPMetrics(zl)),
		httpapi.WithHealthCheck("telemetry", tel.Check),
	}
	if deps.nc != nil {
		nc := deps.nc
		opts = append(opts, httpapi.WithHealthCheck("nats", func(context.Context) error {
			if s := nc.Status(); s != nats.CONNECTED {
				return fmt.Errorf("connection %s", s)
			}
			return nil
		}))
	}

	srv, err := httpapi.NewServer(orch, zl, &httpapi.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration(),
		WriteTimeout: cfg.Server.WriteTimeout.Duration(),
	}, opts...)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func initTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, error) {
	tel, err := telemetry.New(ctx, telemetry.FromConfig(cfg.Telemetry))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	return tel, nil
}

// initLogger maps the operator-facing settings onto the logging defaults.
func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	lc := logging.NewDefaultConfig()
	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	lc.Level = level
	lc.Format = cfg.Logging.Format
	lc.OTEL = cfg.Logging.OTEL
	lc.Fields["version"] = version
	return logging.NewLogger(lc, tel.LoggerProvider())
}

// dependencies holds infrastructure shared by the services.
type dependencies struct {
	embedded *natsserver.Server
	nc       *nats.Conn
	sessions kvstore.Store
	evidence kvstore.Store
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.nc != nil {
		_ = d.nc.Drain()
	}
	if d.embedded != nil {
		d.embedded.Shutdown()
		d.embedded.WaitForShutdown()
	}
}

func needsNATS(cfg *config.Config) bool {
	return cfg.Store.Backend == "jetstream" || cfg.Stages.Transport == "nats" || cfg.Events.Enabled
}

// initDependencies connects to NATS and opens the key-value buckets.
func initDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	deps := &dependencies{}

	if needsNATS(cfg) {
		url := cfg.NATS.URL
		if cfg.NATS.Embedded {
			srv, err := natsutil.StartEmbedded(natsutil.EmbeddedOptions{StoreDir: cfg.NATS.StoreDir})
			if err != nil {
				return nil, err
			}
			deps.embedded = srv
			url = srv.ClientURL()
			logger.Info("embedded nats server started", zap.String("url", url))
		}

		nc, err := natsutil.Connect(url, natsutil.Config{
			Name:          cfg.NATS.Name,
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait.Duration(),
		}, logger)
		if err != nil {
			deps.Close()
			return nil, err
		}
		deps.nc = nc
		logger.Info("connected to nats", zap.String("url", url))
	}

	switch cfg.Store.Backend {
	case "memory":
		logger.Warn("using in-memory store; state is not shared between processes")
		deps.sessions = kvstore.NewMemoryStore()
		deps.evidence = kvstore.NewMemoryStore()
	default:
		sessions, err := kvstore.NewJetStreamStore(ctx, deps.nc, kvstore.BucketConfig{
			Name:     cfg.Store.SessionBucket,
			History:  uint8(cfg.Store.History),
			Replicas: cfg.Store.Replicas,
		}, logger)
		if err != nil {
			deps.Close()
			return nil, err
		}
		ev, err := kvstore.NewJetStreamStore(ctx, deps.nc, kvstore.BucketConfig{
			Name:     cfg.Store.EvidenceBucket,
			History:  1,
			TTL:      cfg.Store.EvidenceTTL.Duration(),
			Replicas: cfg.Store.Replicas,
		}, logger)
		if err != nil {
			deps.Close()
			return nil, err
		}
		deps.sessions = sessions
		deps.evidence = ev
	}

	deps.sessions = kvstore.Instrument("sessions", deps.sessions)
	deps.evidence = kvstore.Instrument("evidence", deps.evidence)
	return deps, nil
}

// initOrchestrator builds the session, evidence, routing and collaborator
// layers and joins them.
func initOrchestrator(cfg *config.Config, deps *dependencies, logger *logging.Logger) (*orchestrator.Orchestrator, error) {
	zl := logger.Underlying()

	sessions, err := session.NewManager(deps.sessions, session.Config{
		Timeout:          cfg.Store.Timeout.Duration(),
		MaxMergeAttempts: cfg.Session.MaxMergeAttempts,
		CacheSize:        cfg.Session.CacheSize,
	}, zl.Named("session"))
	if err != nil {
		return nil, err
	}

	markers := evidence.NewStore(deps.evidence,
		evidence.WithTimeout(cfg.Store.Timeout.Duration()),
		evidence.WithLogger(zl.Named("evidence")),
	)

	provider := router.ProviderConfig{
		Provider:   cfg.Router.Classifier.Provider,
		BaseURL:    cfg.Router.Classifier.BaseURL,
		Model:      cfg.Router.Classifier.Model,
		APIKey:     cfg.Router.Classifier.APIKey.Value(),
		RateLimit:  cfg.Router.Classifier.RateLimit,
		Burst:      cfg.Router.Classifier.Burst,
		MaxRetries: cfg.Router.Classifier.MaxRetries,
		LabelSets:  cfg.Router.Classifier.LabelSets,
	}
	classifier, err := router.NewClassifier(provider, zl.Named("router"))
	if err != nil {
		return nil, err
	}

	rcfg := router.DefaultConfig()
	rcfg.Sentinel = cfg.Router.Sentinel
	rcfg.FallbackPolicy = router.FallbackPolicy(cfg.Router.FallbackPolicy)
	rcfg.ConfidenceThreshold = cfg.Router.ConfidenceThreshold
	rcfg.ClassifyTimeout = cfg.Router.ClassifyTimeout.Duration()
	r, err := router.New(rcfg, classifier, zl.Named("router"))
	if err != nil {
		return nil, err
	}

	opts := []orchestrator.Option{orchestrator.WithLogger(logger.Named("orchestrator"))}

	var stages orchestrator.StageExecutor
	switch cfg.Stages.Transport {
	case "http":
		client, err := collab.NewHTTPClient(cfg.Stages.BaseURL, cfg.Stages.Timeout.Duration(), zl.Named("collab"))
		if err != nil {
			return nil, err
		}
		stages = client
		opts = append(opts, orchestrator.WithTools(client))
	default:
		if deps.nc == nil {
			return nil, errors.New("nats stage transport requires a NATS connection")
		}
		client := collab.NewNATSClient(deps.nc, cfg.Stages.SubjectPrefix, cfg.Stages.Timeout.Duration(), zl.Named("collab"))
		stages = client
		opts = append(opts, orchestrator.WithTools(client))
	}

	if cfg.Stages.ChatModel != "" {
		chatCfg := provider
		chatCfg.Model = cfg.Stages.ChatModel
		model, err := router.NewChatModel(chatCfg)
		if err != nil {
			return nil, fmt.Errorf("chat model: %w", err)
		}
		opts = append(opts, orchestrator.WithChat(collab.NewLLMResponder(model, zl.Named("chat"))))
	}

	if cfg.Events.Enabled {
		if deps.nc != nil {
			opts = append(opts, orchestrator.WithPublisher(events.NewNATSPublisher(deps.nc, cfg.Events.SubjectPrefix, zl.Named("events"))))
		} else {
			zl.Warn("events enabled without a NATS connection; events are dropped")
		}
	}

	return orchestrator.New(orchestrator.Config{
		WorkerID:        cfg.Orchestrator.WorkerID,
		ClaimTTL:        cfg.Orchestrator.ClaimTTL.Duration(),
		ConflictRetries: cfg.Orchestrator.ConflictRetries,
		StageTimeout:    cfg.Orchestrator.StageTimeout.Duration(),
		Catalog:         router.Catalog(cfg.Catalog),
	}, sessions, markers, r, stages, opts...)
}
