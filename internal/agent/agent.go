// Package agent contains the Sentinel orchestrator. It wires together the
// log collector, the parser/rule-engine detection pipeline, the threat
// store, and the IPC control server, managing their lifecycle through a
// shared context.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sentinelwatch/agent/internal/collector"
	"github.com/sentinelwatch/agent/internal/config"
	"github.com/sentinelwatch/agent/internal/ipc"
	"github.com/sentinelwatch/agent/internal/logparse"
	"github.com/sentinelwatch/agent/internal/rules"
	"github.com/sentinelwatch/agent/internal/store"
)

// ResponseHook is called with every persisted Threat. Response actuation
// (firewall manipulation) is explicitly not implemented by this package;
// the default hook is a no-op and callers may supply their own to drive an
// external response subsystem.
type ResponseHook func(store.Threat)

// AnomalyScorer is a null extension point for anomaly/ML scoring. It is
// never called by the default wiring.
type AnomalyScorer interface {
	Score(evt logparse.ParsedEvent) (score float64, ok bool)
}

// LLMEnricher is a null extension point for large-language-model threat
// enrichment. It is never called by the default wiring.
type LLMEnricher interface {
	Explain(t store.Threat) (explanation string, ok bool)
}

// Agent is the central orchestrator of the Sentinel host agent. It starts
// and supervises the collector, rule engine, threat store, and IPC server.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	watcher *collector.Watcher
	engine  *rules.Engine
	store   *store.Store
	ipc     *ipc.Server

	responseHook  ResponseHook
	anomalyScorer AnomalyScorer
	llmEnricher   LLMEnricher

	startTime time.Time
	cancel    context.CancelFunc

	mu          sync.RWMutex
	lastAlertAt time.Time
	threatCount int
	running     bool
	wg          sync.WaitGroup
}

// Option is a functional option for Agent construction.
type Option func(*Agent)

// WithResponseHook registers a hook invoked with every persisted Threat.
func WithResponseHook(h ResponseHook) Option {
	return func(a *Agent) { a.responseHook = h }
}

// WithAnomalyScorer registers an anomaly scoring extension point.
func WithAnomalyScorer(s AnomalyScorer) Option {
	return func(a *Agent) { a.anomalyScorer = s }
}

// WithLLMEnricher registers an LLM enrichment extension point.
func WithLLMEnricher(e LLMEnricher) Option {
	return func(a *Agent) { a.llmEnricher = e }
}

// New creates an Agent wiring the given collector, rule engine, store, and
// IPC server. The IPC server's method table must already be populated by
// the caller (see cmd/sentinel-agent) since it needs a reference back to
// the Agent's watcher snapshot and the store.
func New(cfg *config.Config, logger *slog.Logger, w *collector.Watcher, engine *rules.Engine, st *store.Store, server *ipc.Server, opts ...Option) *Agent {
	a := &Agent{
		cfg:          cfg,
		logger:       logger,
		watcher:      w,
		engine:       engine,
		store:        st,
		ipc:          server,
		responseHook: func(store.Threat) {},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start starts the collector and the IPC server, and launches the
// event → analyze → persist processing loop. It returns a non-nil error if
// any component fails to start.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("agent: already running")
	}
	a.running = true
	a.startTime = time.Now()
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.logger.Info("starting sentinel agent",
		slog.String("name", a.cfg.Agent.Name),
		slog.String("log_level", a.cfg.Agent.LogLevel),
		slog.String("ipc_socket", a.cfg.Agent.IPCSocket),
	)

	if err := a.watcher.Start(ctx); err != nil {
		cancel()
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
		return fmt.Errorf("agent: collector failed to start: %w", err)
	}

	if err := a.ipc.Start(ctx); err != nil {
		a.watcher.Stop()
		cancel()
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
		return fmt.Errorf("agent: ipc server failed to start: %w", err)
	}

	a.wg.Add(1)
	go a.processEvents(ctx)

	a.logger.Info("sentinel agent started")
	return nil
}

// Stop signals all components to shut down and waits for internal
// goroutines to exit. Safe to call multiple times.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}

	a.watcher.Stop()
	a.wg.Wait()
	a.ipc.Stop()

	if err := a.store.Close(); err != nil {
		a.logger.Warn("error closing threat store", slog.Any("error", err))
	}

	a.logger.Info("sentinel agent stopped")
}

// processEvents reads LogEvents from the collector and runs them through
// the detect pipeline until the collector's event channel closes or ctx is
// cancelled.
func (a *Agent) processEvents(ctx context.Context) {
	defer a.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-a.watcher.Events():
			if !ok {
				return
			}
			a.handleEvent(ctx, evt)
		}
	}
}

// handleEvent implements the "event → analyze → persist" pipeline: select a
// parser by source path, parse the line, evaluate it against the rule
// engine, and if a threat results, persist it synchronously before
// advancing to the next event. Persistence failure is logged and the event
// dropped; there is no retry and no backpressure onto the tailer.
func (a *Agent) handleEvent(ctx context.Context, evt collector.LogEvent) {
	parser := logparse.Select(evt.SourcePath)
	parsed, ok := parser(evt.Content, evt.Timestamp)
	if !ok {
		return
	}

	threat := a.engine.Evaluate(parsed)
	if threat == nil {
		return
	}

	if err := a.store.SaveThreat(ctx, *threat); err != nil {
		a.logger.Warn("failed to persist threat",
			slog.String("rule_id", threat.RuleID),
			slog.Any("error", err),
		)
		return
	}

	a.mu.Lock()
	a.lastAlertAt = threat.CreatedAt
	a.threatCount++
	a.mu.Unlock()

	a.logger.Info("threat persisted",
		slog.String("id", threat.ID),
		slog.String("severity", threat.Severity),
		slog.String("source", threat.Source),
		slog.String("rule_id", threat.RuleID),
	)

	a.responseHook(*threat)
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status      string  `json:"status"`
	UptimeS     float64 `json:"uptime_s"`
	ThreatCount int     `json:"threat_count"`
	LastAlertAt string  `json:"last_alert_at,omitempty"`
}

// Health returns a snapshot of the current agent health state.
func (a *Agent) Health() HealthStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()

	h := HealthStatus{
		Status:      "ok",
		UptimeS:     time.Since(a.startTime).Seconds(),
		ThreatCount: a.threatCount,
	}
	if !a.lastAlertAt.IsZero() {
		h.LastAlertAt = a.lastAlertAt.UTC().Format(time.RFC3339)
	}
	return h
}

// HealthzHandler is an http.HandlerFunc that responds with the agent's
// health status as a JSON object and HTTP 200.
func (a *Agent) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := a.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		a.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}

// StartedAt returns the time Start was called, for IPC's status method.
func (a *Agent) StartedAt() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.startTime
}

// MonitoredFiles returns the collector's current tailed-path snapshot, for
// IPC's status method.
func (a *Agent) MonitoredFiles() []string {
	return a.watcher.Snapshot()
}
