package agent_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sentinelwatch/agent/internal/agent"
	"github.com/sentinelwatch/agent/internal/collector"
	"github.com/sentinelwatch/agent/internal/config"
	"github.com/sentinelwatch/agent/internal/ipc"
	"github.com/sentinelwatch/agent/internal/rules"
	"github.com/sentinelwatch/agent/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func minimalConfig() *config.Config {
	return &config.Config{
		Agent: config.AgentConfig{
			Name:       "test-agent",
			LogLevel:   "info",
			IPCSocket:  "unused",
			HealthAddr: "127.0.0.1:0",
		},
	}
}

const sshBruteForceRule = `
id: ssh-brute-force
name: SSH brute force
description: repeated failed SSH logins from one address
severity: HIGH
log_source: ssh
conditions:
  - pattern: 'Failed password for (invalid user )?\S+ from (?P<attacker_ip>\S+)'
aggregation:
  threshold: 1
  window: 60
`

// buildAgent wires a real collector, rule engine, in-memory store, and IPC
// server around a temp log file, mirroring how cmd/sentinel-agent would
// assemble an Agent.
func buildAgent(t *testing.T) (ag *agent.Agent, logPath string, st *store.Store) {
	t.Helper()

	dir := t.TempDir()
	logPath = filepath.Join(dir, "auth.log")
	if err := os.WriteFile(logPath, nil, 0o644); err != nil {
		t.Fatalf("write log file: %v", err)
	}

	rulesDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(rulesDir, "ssh.yml"), []byte(sshBruteForceRule), 0o644); err != nil {
		t.Fatalf("write rule file: %v", err)
	}
	loaded, err := rules.LoadRules(rulesDir, testLogger())
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	engine := rules.NewEngine(loaded)

	st, err = store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	w := collector.NewWatcher(testLogger(), 20*time.Millisecond)
	w.AddPath(logPath, false)

	started := time.Now()
	handlers := map[string]ipc.HandlerFunc{
		"status":  ipc.NewStatusHandler(started, w.Snapshot),
		"threats": ipc.NewThreatsHandler(st),
	}
	socketPath := filepath.Join(t.TempDir(), "sentinel.sock")
	server := ipc.NewServer(socketPath, handlers, testLogger())

	ag = agent.New(minimalConfig(), testLogger(), w, engine, st, server)
	return ag, logPath, st
}

func TestAgent_StartStop_Idempotent(t *testing.T) {
	ag, _, st := buildAgent(t)
	defer st.Close()

	ctx := context.Background()
	if err := ag.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ag.Stop()
	ag.Stop() // must not panic or error
}

func TestAgent_CannotStartTwice(t *testing.T) {
	ag, _, st := buildAgent(t)
	defer st.Close()

	ctx := context.Background()
	if err := ag.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer ag.Stop()

	if err := ag.Start(ctx); err == nil {
		t.Fatal("expected error on second Start, got nil")
	}
}

func TestAgent_EventFlowToStore(t *testing.T) {
	ag, logPath, st := buildAgent(t)
	defer st.Close()

	ctx := context.Background()
	if err := ag.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ag.Stop()

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open log for append: %v", err)
	}
	line := "Jan 1 00:00:00 host sshd[1234]: Failed password for root from 10.0.0.5 port 4242 ssh2\n"
	if _, err := f.WriteString(line); err != nil {
		t.Fatalf("write line: %v", err)
	}
	f.Close()

	deadline := time.Now().Add(3 * time.Second)
	var threats []store.Threat
	for time.Now().Before(deadline) {
		threats, err = st.GetThreats(ctx, 10)
		if err != nil {
			t.Fatalf("GetThreats: %v", err)
		}
		if len(threats) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if len(threats) != 1 {
		t.Fatalf("len(threats) = %d, want 1", len(threats))
	}
	if threats[0].RuleID != "ssh-brute-force" {
		t.Errorf("RuleID = %q, want ssh-brute-force", threats[0].RuleID)
	}
	if threats[0].AttackerIP != "10.0.0.5" {
		t.Errorf("AttackerIP = %q, want 10.0.0.5", threats[0].AttackerIP)
	}
}

func TestAgent_ResponseHookInvokedOnThreat(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "auth.log")
	if err := os.WriteFile(logPath, nil, 0o644); err != nil {
		t.Fatalf("write log file: %v", err)
	}

	rulesDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(rulesDir, "ssh.yml"), []byte(sshBruteForceRule), 0o644); err != nil {
		t.Fatalf("write rule file: %v", err)
	}
	loaded, err := rules.LoadRules(rulesDir, testLogger())
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	engine := rules.NewEngine(loaded)

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	w := collector.NewWatcher(testLogger(), 20*time.Millisecond)
	w.AddPath(logPath, false)

	socketPath := filepath.Join(t.TempDir(), "sentinel.sock")
	server := ipc.NewServer(socketPath, nil, testLogger())

	hookCh := make(chan store.Threat, 1)
	ag := agent.New(minimalConfig(), testLogger(), w, engine, st, server,
		agent.WithResponseHook(func(th store.Threat) {
			hookCh <- th
		}),
	)

	ctx := context.Background()
	if err := ag.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ag.Stop()

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open log for append: %v", err)
	}
	line := "Jan 1 00:00:00 host sshd[1234]: Failed password for root from 10.0.0.9 port 4242 ssh2\n"
	if _, err := f.WriteString(line); err != nil {
		t.Fatalf("write line: %v", err)
	}
	f.Close()

	select {
	case th := <-hookCh:
		if th.AttackerIP != "10.0.0.9" {
			t.Errorf("AttackerIP = %q, want 10.0.0.9", th.AttackerIP)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("response hook was not invoked in time")
	}
}

func TestAgent_HealthzEndpoint_Returns200WithJSON(t *testing.T) {
	ag, _, st := buildAgent(t)
	defer st.Close()

	ctx := context.Background()
	if err := ag.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ag.Stop()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	ag.HealthzHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var h agent.HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&h); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if h.Status != "ok" {
		t.Errorf("status = %q, want ok", h.Status)
	}
	if h.UptimeS < 0 {
		t.Errorf("uptime_s = %f, must be >= 0", h.UptimeS)
	}
	if h.ThreatCount != 0 {
		t.Errorf("threat_count = %d, want 0", h.ThreatCount)
	}
}

func TestAgent_MonitoredFiles_ReflectsCollectorSnapshot(t *testing.T) {
	ag, logPath, st := buildAgent(t)
	defer st.Close()

	files := ag.MonitoredFiles()
	if len(files) != 1 || files[0] != logPath {
		t.Errorf("MonitoredFiles = %v, want [%q]", files, logPath)
	}
}
