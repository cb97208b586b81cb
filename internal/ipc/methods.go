package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sentinelwatch/agent/internal/store"
)

// StatusResult is the result shape of the "status" method.
type StatusResult struct {
	Status         string   `json:"status"`
	Uptime         string   `json:"uptime"`
	MonitoredFiles []string `json:"monitored_files"`
}

// NewStatusHandler returns a HandlerFunc for the "status" method. startedAt
// is the agent's start time; monitoredFiles returns the current set of
// tailed paths (the watcher's read-only snapshot).
func NewStatusHandler(startedAt time.Time, monitoredFiles func() []string) HandlerFunc {
	return func(json.RawMessage) (any, error) {
		files := monitoredFiles()
		if files == nil {
			files = []string{}
		}
		return StatusResult{
			Status:         "running",
			Uptime:         time.Since(startedAt).String(),
			MonitoredFiles: files,
		}, nil
	}
}

// ThreatSummary is one element of the "threats" method's result.
type ThreatSummary struct {
	ID          string `json:"id"`
	Severity    string `json:"severity"`
	Source      string `json:"source"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at"`
}

type threatsParams struct {
	Limit *int `json:"limit"`
}

// NewThreatsHandler returns a HandlerFunc for the "threats" method, backed
// by s.GetThreats. The default limit is 10 when params omits "limit" or
// params itself is empty.
func NewThreatsHandler(s *store.Store) HandlerFunc {
	return func(raw json.RawMessage) (any, error) {
		limit := 10
		if len(raw) > 0 {
			var p threatsParams
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("invalid params: %w", err)
			}
			if p.Limit != nil {
				limit = *p.Limit
			}
		}

		threats, err := s.GetThreats(context.Background(), limit)
		if err != nil {
			return nil, err
		}

		out := make([]ThreatSummary, 0, len(threats))
		for _, t := range threats {
			out = append(out, ThreatSummary{
				ID:          t.ID,
				Severity:    t.Severity,
				Source:      t.Source,
				Description: t.Description,
				CreatedAt:   t.CreatedAt.Format(time.RFC3339Nano),
			})
		}
		return out, nil
	}
}
