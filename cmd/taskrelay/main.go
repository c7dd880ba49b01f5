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
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/config"
	"github.com/basket/taskrelay/internal/engine"
	"github.com/basket/taskrelay/internal/gateway"
	"github.com/basket/taskrelay/internal/janitor"
	otelx "github.com/basket/taskrelay/internal/otel"
	"github.com/basket/taskrelay/internal/persistence"
	"github.com/basket/taskrelay/internal/telemetry"
	"github.com/basket/taskrelay/internal/worker"
	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.2-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the relay daemon
  %s status                   Show daemon health (/healthz)
  %s help                     Show this help

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TASKRELAY_HOME          Data directory (default: ~/.taskrelay)
  TASKRELAY_BIND_ADDR     Listen address (default: 127.0.0.1:18790)
  TASKRELAY_AUTH_TOKEN    Bearer token for mutating endpoints (empty = open)
  OPENROUTER_API_KEY      API key for the default provider
  ANTHROPIC_API_KEY       API key for the anthropic provider
`)
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	pretty := isatty.IsTerminal(os.Stdout.Fd())
	logger, levelVar, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, pretty)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.AuthToken == "" {
			logger.Warn("auth_token is empty on non-loopback bind; the relay is open to the network", "bind_addr", cfg.BindAddr)
		}
	}

	otelProvider, err := otelx.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelx.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	eventBus := bus.New()

	// Live config holder: the key lookup and the watcher below share it so
	// rotated provider keys reach new sessions without a restart.
	var liveCfg atomic.Pointer[config.Config]
	liveCfg.Store(&cfg)

	engines := engine.NewLLMFactory(func(provider string) string {
		return liveCfg.Load().ProviderAPIKey(provider)
	})
	runner := worker.NewRunner(store, eventBus, engines, logger, metrics)

	jan, err := janitor.New(janitor.Config{
		Store:    store,
		Bus:      eventBus,
		Runner:   runner,
		Logger:   logger,
		Schedule: cfg.JanitorSchedule,
	})
	if err != nil {
		fatalStartup(logger, "E_JANITOR_INIT", err)
	}
	jan.Start(ctx)
	defer jan.Stop()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			if filepath.Base(ev.Path) != "config.yaml" {
				continue
			}
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			liveCfg.Store(&newCfg)
			levelVar.Set(telemetry.ParseLevel(newCfg.LogLevel))
			logger.Info("config.yaml hot-reloaded", "log_level", newCfg.LogLevel)
		}
	}()

	gw := gateway.New(gateway.Config{
		Store:             store,
		Bus:               eventBus,
		Runner:            runner,
		Logger:            logger,
		Metrics:           metrics,
		AuthToken:         cfg.AuthToken,
		AllowOrigins:      cfg.AllowOrigins,
		DefaultProvider:   cfg.DefaultProvider,
		DefaultModel:      cfg.DefaultModel,
		SystemMessage:     cfg.SystemMessage,
		MaxRounds:         cfg.MaxRounds,
		ConfigFingerprint: cfg.Fingerprint(),
		Version:           Version,
	})

	handler := gateway.NewCORSMiddleware(cfg.CORS)(
		gateway.RequestSizeLimitMiddleware(cfg.MaxBodyBytes)(gw.Handler()))
	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: handler,
	}

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws/{id}")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then drain workers. Sessions blocked in the input
	// rendezvous are cancelled and land in ERROR; the janitor handles
	// anything a hard kill leaves behind on the next start.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()
	if err := runner.Shutdown(drainCtx); err != nil {
		logger.Warn("worker drain timed out", "error", err)
	}
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", code, err)
	os.Exit(1)
}
