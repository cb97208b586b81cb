// Command sentinel-agent is the Sentinel host agent binary. It loads a YAML
// configuration file, discovers and tails system log files, evaluates
// parsed log lines against a rule engine, persists resulting threats to an
// embedded SQLite store, exposes a local JSON-RPC control socket and a
// /healthz liveness endpoint, and shuts down gracefully on SIGTERM or
// SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sentinelwatch/agent/internal/agent"
	"github.com/sentinelwatch/agent/internal/collector"
	"github.com/sentinelwatch/agent/internal/config"
	"github.com/sentinelwatch/agent/internal/ipc"
	"github.com/sentinelwatch/agent/internal/rules"
	"github.com/sentinelwatch/agent/internal/store"
)

func main() {
	configPath := flag.String("config", "/etc/sentinel/config.yaml", "path to the Sentinel agent YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sentinel-agent: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Agent.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("agent_name", cfg.Agent.Name),
		slog.String("log_level", cfg.Agent.LogLevel),
		slog.String("health_addr", cfg.Agent.HealthAddr),
		slog.String("ipc_socket", cfg.Agent.IPCSocket),
	)

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		logger.Error("failed to open threat store", slog.String("path", cfg.Database.Path), slog.Any("error", err))
		os.Exit(1)
	}

	loadedRules, err := rules.LoadRules(cfg.Detection.RulesPath, logger)
	if err != nil {
		logger.Error("failed to load rules", slog.String("path", cfg.Detection.RulesPath), slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("rules loaded", slog.String("path", cfg.Detection.RulesPath), slog.Int("count", len(loadedRules)))
	engine := rules.NewEngine(loadedRules)

	w := collector.NewWatcher(logger, collector.DefaultPollInterval)
	registerLogSources(w, cfg, logger)

	startedAt := time.Now()
	handlers := map[string]ipc.HandlerFunc{
		"status":  ipc.NewStatusHandler(startedAt, w.Snapshot),
		"threats": ipc.NewThreatsHandler(st),
	}
	ipcServer := ipc.NewServer(cfg.Agent.IPCSocket, handlers, logger)

	ag := agent.New(cfg, logger, w, engine, st, ipcServer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ag.Start(ctx); err != nil {
		logger.Error("failed to start agent", slog.Any("error", err))
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", ag.HealthzHandler)

	healthServer := &http.Server{
		Addr:         cfg.Agent.HealthAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("healthz server listening", slog.String("addr", cfg.Agent.HealthAddr))
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("healthz server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	ag.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("healthz server shutdown error", slog.Any("error", err))
	}

	logger.Info("sentinel agent exited cleanly")
}

// registerLogSources adds every discovered and explicitly configured log
// path to w. Discovery runs first (if enabled), followed by the explicit
// sources list; duplicate paths are ignored by Watcher.AddPath.
func registerLogSources(w *collector.Watcher, cfg *config.Config, logger *slog.Logger) {
	if cfg.Logs.Discovery {
		discovered, err := collector.Discover()
		if err != nil {
			logger.Warn("log discovery failed", slog.Any("error", err))
		}
		for category, paths := range discovered {
			for _, p := range paths {
				w.AddPath(p, true)
				logger.Info("discovered log source",
					slog.String("category", category),
					slog.String("path", p),
				)
			}
		}
	}

	for _, src := range cfg.Logs.Sources {
		if !src.Enabled {
			continue
		}
		abs, err := filepath.Abs(src.Path)
		if err != nil {
			abs = src.Path
		}
		w.AddPath(abs, true)
		logger.Info("registered configured log source", slog.String("path", abs), slog.String("type", src.Type))
	}
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
