// Command dispatchd runs the two-queue execution engine daemon: the durable
// store, startup recovery, the agent and inference worker pools, the
// priority aging loop, the trigger scheduler, and the HTTP/WebSocket
// gateway.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/dispatchd/internal/bus"
	"github.com/basket/dispatchd/internal/config"
	"github.com/basket/dispatchd/internal/enqueue"
	"github.com/basket/dispatchd/internal/executor"
	"github.com/basket/dispatchd/internal/executor/referenceagent"
	"github.com/basket/dispatchd/internal/executor/referencerunner"
	"github.com/basket/dispatchd/internal/gateway"
	"github.com/basket/dispatchd/internal/obs"
	"github.com/basket/dispatchd/internal/priority"
	"github.com/basket/dispatchd/internal/store"
	"github.com/basket/dispatchd/internal/telemetry"
	"github.com/basket/dispatchd/internal/triggers"
	"github.com/basket/dispatchd/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the engine daemon

SUBCOMMANDS:
  %s status                   Show daemon health (/admin/health)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  DISPATCHD_HOME          Data directory (default: ~/.dispatchd)
  DISPATCHD_BIND_ADDR     Listen address override
  DISPATCHD_AUTH_TOKEN    Bearer token for the HTTP API
  ANTHROPIC_API_KEY       API key for the reference model runner
`)
}

func main() {
	quiet := flag.Bool("quiet", false, "log to file only, not stdout")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	os.Exit(runDaemon(ctx, *quiet))
}

func runDaemon(ctx context.Context, quiet bool) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logging: %v\n", err)
		return 1
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("dispatchd starting", "version", Version, "home", cfg.HomeDir, "config", cfg.Fingerprint())

	provider, err := obs.Init(ctx, cfg.Otel)
	if err != nil {
		logger.Error("init telemetry", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown", "error", err)
		}
	}()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("open store", "error", err, "path", cfg.DBPath)
		return 1
	}
	defer st.Close()

	// Startup Recovery runs before any worker can lease: every row a dead
	// process left RUNNING or CANCEL_REQUESTED returns to PENDING.
	if n, err := st.RecoverExecutions(ctx); err != nil {
		logger.Error("recover executions", "error", err)
		return 1
	} else if n > 0 {
		logger.Info("recovered in-flight executions", "count", n)
	}
	if n, err := st.RecoverInferenceTasks(ctx); err != nil {
		logger.Error("recover inference tasks", "error", err)
		return 1
	} else if n > 0 {
		logger.Info("recovered in-flight inference tasks", "count", n)
	}

	hub := bus.New(logger)
	enq := enqueue.New(st, hub, nil)
	cancels := worker.NewCancelRegistry()
	agentConfigs := config.NewAgentConfigLoader(cfg.AgentConfigDir)

	registry := executor.NewNodeRegistry()
	registerBuiltinNodes(registry)

	agentPool := worker.NewAgentPool(worker.AgentConfig{
		Store:           st,
		Bus:             hub,
		Logger:          logger,
		Obs:             provider,
		Cancels:         cancels,
		Factory:         referenceagent.Factory(),
		Registry:        registry,
		LoadAgentConfig: agentConfigs.Load,
		Workers:         cfg.Workers.Agent,
		LeaseTTL:        time.Duration(cfg.Workers.AgentLeaseTTLSeconds) * time.Second,
		PollInterval:    time.Duration(cfg.Workers.PollIntervalMillis) * time.Millisecond,
	})
	inferencePool := worker.NewInferencePool(worker.InferenceConfig{
		Store:        st,
		Bus:          hub,
		Logger:       logger,
		Obs:          provider,
		Cancels:      cancels,
		Runner:       referencerunner.New(cfg.Anthropic.APIKey),
		Workers:      cfg.Workers.Inference,
		LeaseTTL:     time.Duration(cfg.Workers.InferenceLeaseTTLSeconds) * time.Second,
		PollInterval: time.Duration(cfg.Workers.PollIntervalMillis) * time.Millisecond,
	})

	agingActor := priority.New(priority.Config{
		Store:     st,
		Logger:    logger,
		Interval:  time.Duration(cfg.Aging.IntervalSeconds) * time.Second,
		Threshold: time.Duration(cfg.Aging.ThresholdSeconds) * time.Second,
		Boost:     cfg.Aging.Boost,
		Cap:       cfg.Aging.Cap,
	})

	scheduler := triggers.NewScheduler(triggers.Config{
		Store:   st,
		Enqueue: enq,
		Logger:  logger,
	})
	if err := scheduler.Sync(ctx, cfg.Schedules); err != nil {
		logger.Error("sync schedules", "error", err)
		return 1
	}

	agentPool.Start(ctx)
	defer agentPool.Stop()
	inferencePool.Start(ctx)
	defer inferencePool.Stop()
	agingActor.Start(ctx)
	defer agingActor.Stop()
	scheduler.Start(ctx)
	defer scheduler.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, cfg.AgentConfigDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go reloadLoop(ctx, watcher, scheduler, agentConfigs, logger)
	}

	srv := gateway.New(gateway.Config{
		Store:             st,
		Enqueue:           enq,
		Bus:               hub,
		Cancels:           cancels,
		Logger:            logger,
		AuthToken:         cfg.AuthToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
	})
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("gateway serve", "error", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gateway shutdown", "error", err)
	}
	logger.Info("dispatchd stopped")
	return 0
}

// reloadLoop applies hot-reloadable config changes: trigger schedules and
// the agent-config schema cache. Engine tuning stays fixed until restart.
func reloadLoop(ctx context.Context, watcher *config.Watcher, scheduler *triggers.Scheduler, agentConfigs *config.AgentConfigLoader, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}
			agentConfigs.Invalidate()
			if !strings.HasSuffix(ev.Path, "config.yaml") {
				continue
			}
			cfg, err := config.Load()
			if err != nil {
				logger.Error("reload config", "error", err)
				continue
			}
			if err := scheduler.Sync(ctx, cfg.Schedules); err != nil {
				logger.Error("resync schedules", "error", err)
				continue
			}
			logger.Info("schedules reloaded", "count", len(cfg.Schedules), "config", cfg.Fingerprint())
		}
	}
}

// registerBuiltinNodes installs the node steps available to the reference
// executor out of the box. Deployments register their own or replace the
// executor factory entirely.
func registerBuiltinNodes(registry *executor.NodeRegistry) {
	registry.Register("echo", func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
		return input, nil
	})
	registry.Register("wrap", func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(fmt.Sprintf(`{"wrapped":%s}`, input)), nil
	})
}
