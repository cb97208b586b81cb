// Package rules loads YAML rule definitions and evaluates parsed log
// events against them, including sliding-window match aggregation.
package rules

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sentinelwatch/agent/internal/logparse"
	"github.com/sentinelwatch/agent/internal/store"
)

// Rule is an immutable, compiled detection rule loaded once at startup.
type Rule struct {
	ID          string
	Name        string
	Description string
	Severity    string
	Source      string
	Patterns    []*regexp.Regexp
	Threshold   int
	Window      time.Duration
}

// ruleFile mirrors the on-disk YAML shape of a rule definition.
type ruleFile struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Severity    string `yaml:"severity"`
	LogSource   string `yaml:"log_source"`
	Conditions  []struct {
		Pattern string `yaml:"pattern"`
	} `yaml:"conditions"`
	Aggregation struct {
		Threshold int `yaml:"threshold"`
		Window    int `yaml:"window"`
	} `yaml:"aggregation"`
}

// LoadRules reads every *.yml file in dir, one rule per file, in
// lexicographic (os.ReadDir) order, which is also the rule evaluation
// order. A rule survives if at least one of its patterns compiles; a rule
// with zero compilable patterns is dropped and logged. A missing directory
// is tolerated and yields zero rules, matching the Python source.
func LoadRules(dir string, logger *slog.Logger) ([]*Rule, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rules: read dir %q: %w", dir, err)
	}

	var loaded []*Rule
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		rule, err := loadRuleFile(path, logger)
		if err != nil {
			logger.Error("rules: failed to load rule file",
				slog.String("path", path),
				slog.Any("error", err),
			)
			continue
		}
		if rule == nil {
			continue
		}
		loaded = append(loaded, rule)
	}

	return loaded, nil
}

func loadRuleFile(path string, logger *slog.Logger) (*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if rf.ID == "" || rf.Name == "" {
		return nil, fmt.Errorf("missing required key id or name")
	}

	var patterns []*regexp.Regexp
	for _, cond := range rf.Conditions {
		if cond.Pattern == "" {
			continue
		}
		re, err := regexp.Compile(cond.Pattern)
		if err != nil {
			logger.Error("rules: invalid regex, skipping pattern",
				slog.String("rule_id", rf.ID),
				slog.String("pattern", cond.Pattern),
				slog.Any("error", err),
			)
			continue
		}
		patterns = append(patterns, re)
	}
	if len(patterns) == 0 {
		return nil, fmt.Errorf("rules: %s: no pattern in rule compiled", rf.ID)
	}

	severity := rf.Severity
	if severity == "" {
		severity = "MEDIUM"
	}
	source := rf.LogSource
	if source == "" {
		source = "any"
	}
	threshold := rf.Aggregation.Threshold
	if threshold <= 0 {
		threshold = 1
	}
	window := rf.Aggregation.Window
	if window <= 0 {
		window = 60
	}

	return &Rule{
		ID:          rf.ID,
		Name:        rf.Name,
		Description: rf.Description,
		Severity:    severity,
		Source:      source,
		Patterns:    patterns,
		Threshold:   threshold,
		Window:      time.Duration(window) * time.Second,
	}, nil
}

// Engine evaluates ParsedEvents against a fixed, loaded rule set and
// maintains the sliding-window aggregation state used to decide when a
// match should actually produce a Threat.
type Engine struct {
	rules []*Rule

	mu    sync.Mutex
	state map[aggregationKey][]time.Time
}

type aggregationKey struct {
	ruleID     string
	attackerIP string
}

// NewEngine returns an Engine evaluating rules in the given order.
func NewEngine(rules []*Rule) *Engine {
	return &Engine{
		rules: rules,
		state: make(map[aggregationKey][]time.Time),
	}
}

// Evaluate checks evt against every loaded rule in order and returns the
// first resulting Threat, or nil if no rule's aggregation threshold was met.
func (e *Engine) Evaluate(evt logparse.ParsedEvent) *store.Threat {
	for _, rule := range e.rules {
		if rule.Source != "any" && rule.Source != evt.Source {
			continue
		}

		for _, pattern := range rule.Patterns {
			match := pattern.FindStringSubmatch(evt.Raw)
			if match == nil {
				continue
			}

			attackerIP := resolveAttackerIP(pattern, match, evt.Data)
			if !e.admit(rule, attackerIP) {
				break
			}

			return &store.Threat{
				ID:          store.NewThreatID(),
				CreatedAt:   time.Now().UTC(),
				Source:      evt.Source,
				Severity:    rule.Severity,
				Type:        "rule_match",
				Description: rule.Description,
				AttackerIP:  attackerIP,
				RawLog:      evt.Raw,
				RiskScore:   0.8,
				RuleID:      rule.ID,
				Status:      "open",
			}
		}
	}
	return nil
}

// admit applies the sliding-window aggregation rule: it records the current
// match under (rule.ID, attackerIP), trims timestamps older than
// rule.Window, and reports whether the resulting count has reached
// rule.Threshold. When the threshold is reached the window is cleared so
// the next match starts a fresh count.
func (e *Engine) admit(rule *Rule, attackerIP string) bool {
	key := aggregationKey{ruleID: rule.ID, attackerIP: attackerIP}
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := now.Add(-rule.Window)
	kept := e.state[key][:0]
	for _, ts := range e.state[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)

	if len(kept) < rule.Threshold {
		e.state[key] = kept
		return false
	}

	delete(e.state, key)
	return true
}

// resolveAttackerIP resolves the attacker IP address in the order specified:
// named capture "attacker_ip", named capture "ip", event.data["ip"],
// event.data["remote_addr"].
func resolveAttackerIP(pattern *regexp.Regexp, match []string, data map[string]any) string {
	named := namedGroups(pattern, match)
	if ip, ok := named["attacker_ip"]; ok && ip != "" {
		return ip
	}
	if ip, ok := named["ip"]; ok && ip != "" {
		return ip
	}
	if ip, ok := data["ip"].(string); ok && ip != "" {
		return ip
	}
	if ip, ok := data["remote_addr"].(string); ok && ip != "" {
		return ip
	}
	return ""
}

func namedGroups(pattern *regexp.Regexp, match []string) map[string]string {
	out := make(map[string]string)
	for i, name := range pattern.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		out[name] = match[i]
	}
	return out
}
