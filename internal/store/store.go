// Package store provides a WAL-mode SQLite-backed threat and response-action
// store for the Sentinel agent. It implements the embedded, indexed,
// append-heavy record store described for the detection core: each threat
// is inserted exactly once and never updated by this package; SaveAction
// only inserts rows into the actions table.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that a reader
// (the IPC server's "threats" method) and the single writer (the detection
// loop's SaveThreat/SaveAction calls) can proceed without blocking each
// other.
//
// # Single writer
//
// SQLite allows only one writer at a time. The connection pool is limited to
// a single connection so concurrent SaveThreat/SaveAction calls serialise
// through it rather than racing into "database is locked" errors.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// ErrConflict is returned by SaveThreat and SaveAction when the given ID
// already exists. It corresponds to the StorageConflict condition: callers
// log and drop the event rather than retry.
var ErrConflict = errors.New("store: duplicate primary key")

// ErrUnavailable wraps failures opening or initializing the database. It
// corresponds to the StorageUnavailable condition: the caller should treat
// the store as unusable rather than retry individual operations.
var ErrUnavailable = errors.New("store: unavailable")

// Threat is a persisted record of a suspicious observation, as constructed
// by the rule engine.
type Threat struct {
	ID             string
	CreatedAt      time.Time
	Source         string
	Severity       string
	Type           string
	AttackerIP     string
	AttackerGeo    string
	Description    string
	RawLog         string
	RiskScore      float64
	RuleID         string
	AnomalyScore   *float64
	LLMExplanation string
	Status         string
	ResolvedAt     *time.Time
	ResolvedBy     string
}

// Action is a persisted response action taken against a Threat.
type Action struct {
	ID         string
	ThreatID   string
	CreatedAt  time.Time
	Type       string
	TargetIP   string
	Duration   int
	ExpiresAt  *time.Time
	Status     string
	RevokedBy  string
	RevokedAt  *time.Time
}

// Store wraps a single *sql.DB opened against modernc.org/sqlite (no cgo)
// and provides the threat-store operations used by the detection core and
// the IPC server.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. If path is ":memory:", an in-memory
// database is used; this is suitable for tests but loses all data on Close.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %v: %w", path, err, ErrUnavailable)
	}

	// Limiting the pool to a single connection avoids "database is locked"
	// errors when multiple goroutines call SaveThreat/SaveAction
	// concurrently; each call serialises through this connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %v: %w", err, ErrUnavailable)
	}

	// NORMAL synchronous: durable across application crashes; not OS
	// crashes. Significant write-throughput improvement over FULL while
	// still guaranteeing a committed transaction survives a process exit.
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set synchronous = NORMAL: %v: %w", err, ErrUnavailable)
	}

	s := &Store{db: db}
	if err := s.Initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// ddl is the schema DDL, applied by Initialize.
const ddl = `
CREATE TABLE IF NOT EXISTS threats (
    id              TEXT PRIMARY KEY,
    created_at      TEXT NOT NULL,
    source          TEXT NOT NULL,
    severity        TEXT NOT NULL,
    type            TEXT NOT NULL,
    attacker_ip     TEXT,
    attacker_geo    TEXT,
    description     TEXT NOT NULL,
    raw_log         TEXT,
    risk_score      REAL NOT NULL,
    rule_id         TEXT,
    anomaly_score   REAL,
    llm_explanation TEXT,
    status          TEXT NOT NULL DEFAULT 'open',
    resolved_at     TEXT,
    resolved_by     TEXT
);
CREATE INDEX IF NOT EXISTS idx_threats_created_at ON threats (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_threats_severity    ON threats (severity);
CREATE INDEX IF NOT EXISTS idx_threats_attacker_ip ON threats (attacker_ip);

CREATE TABLE IF NOT EXISTS actions (
    id          TEXT PRIMARY KEY,
    threat_id   TEXT NOT NULL REFERENCES threats(id),
    created_at  TEXT NOT NULL,
    type        TEXT NOT NULL,
    target_ip   TEXT,
    duration    INTEGER,
    expires_at  TEXT,
    status      TEXT NOT NULL DEFAULT 'active',
    revoked_by  TEXT,
    revoked_at  TEXT
);
CREATE INDEX IF NOT EXISTS idx_actions_threat_id ON actions (threat_id);
CREATE INDEX IF NOT EXISTS idx_actions_status    ON actions (status);

CREATE TABLE IF NOT EXISTS log_sources (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    path           TEXT UNIQUE NOT NULL,
    type           TEXT NOT NULL,
    status         TEXT NOT NULL DEFAULT 'active',
    last_offset    INTEGER NOT NULL DEFAULT 0,
    last_inode     INTEGER,
    discovered_at  TEXT,
    last_event_at  TEXT
);
`

// Initialize applies the schema (CREATE TABLE/INDEX IF NOT EXISTS), so it is
// safe to call multiple times against the same database.
func (s *Store) Initialize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("store: apply schema: %v: %w", err, ErrUnavailable)
	}
	return nil
}

// isUniqueConstraintErr reports whether err is a SQLite UNIQUE/PRIMARY KEY
// constraint violation. modernc.org/sqlite surfaces these as plain string
// errors rather than a typed sentinel, so this matches on message content.
func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// SaveThreat persists t. A duplicate ID returns ErrConflict; the caller is
// expected to log and drop rather than retry.
func (s *Store) SaveThreat(ctx context.Context, t Threat) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threats (
			id, created_at, source, severity, type, attacker_ip, attacker_geo,
			description, raw_log, risk_score, rule_id, anomaly_score,
			llm_explanation, status, resolved_at, resolved_by
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		// Fixed-width UTC timestamps sort as text in time order, which
		// GetThreats' ORDER BY created_at relies on.
		t.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"),
		t.Source,
		t.Severity,
		t.Type,
		nullableString(t.AttackerIP),
		nullableString(t.AttackerGeo),
		t.Description,
		nullableString(t.RawLog),
		t.RiskScore,
		nullableString(t.RuleID),
		t.AnomalyScore,
		nullableString(t.LLMExplanation),
		statusOrDefault(t.Status),
		formatTimePtr(t.ResolvedAt),
		nullableString(t.ResolvedBy),
	)
	if isUniqueConstraintErr(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("store: save threat: %w", err)
	}
	return nil
}

// SaveAction persists a. A duplicate ID returns ErrConflict.
func (s *Store) SaveAction(ctx context.Context, a Action) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO actions (
			id, threat_id, created_at, type, target_ip, duration, expires_at,
			status, revoked_by, revoked_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.ThreatID,
		a.CreatedAt.Format(time.RFC3339Nano),
		a.Type,
		nullableString(a.TargetIP),
		a.Duration,
		formatTimePtr(a.ExpiresAt),
		statusOrDefaultAction(a.Status),
		nullableString(a.RevokedBy),
		formatTimePtr(a.RevokedAt),
	)
	if isUniqueConstraintErr(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("store: save action: %w", err)
	}
	return nil
}

// GetThreats returns up to limit threats ordered by created_at descending
// (most recent first). If limit <= 0, it defaults to 10.
func (s *Store) GetThreats(ctx context.Context, limit int) ([]Threat, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, source, severity, type, attacker_ip,
		        attacker_geo, description, raw_log, risk_score, rule_id,
		        anomaly_score, llm_explanation, status, resolved_at, resolved_by
		 FROM   threats
		 ORDER  BY created_at DESC
		 LIMIT  ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: get threats query: %w", err)
	}
	defer rows.Close()

	var out []Threat
	for rows.Next() {
		var (
			t                                     Threat
			createdAtStr                          string
			attackerIP, attackerGeo, rawLog        sql.NullString
			ruleID, llmExplanation, resolvedBy     sql.NullString
			anomalyScore                           sql.NullFloat64
			resolvedAtStr                          sql.NullString
		)
		if err := rows.Scan(
			&t.ID, &createdAtStr, &t.Source, &t.Severity, &t.Type,
			&attackerIP, &attackerGeo, &t.Description, &rawLog, &t.RiskScore,
			&ruleID, &anomalyScore, &llmExplanation, &t.Status,
			&resolvedAtStr, &resolvedBy,
		); err != nil {
			return nil, fmt.Errorf("store: get threats scan: %w", err)
		}

		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		t.AttackerIP = attackerIP.String
		t.AttackerGeo = attackerGeo.String
		t.RawLog = rawLog.String
		t.RuleID = ruleID.String
		t.LLMExplanation = llmExplanation.String
		t.ResolvedBy = resolvedBy.String
		if anomalyScore.Valid {
			v := anomalyScore.Float64
			t.AnomalyScore = &v
		}
		if resolvedAtStr.Valid {
			if ts, err := time.Parse(time.RFC3339Nano, resolvedAtStr.String); err == nil {
				t.ResolvedAt = &ts
			}
		}

		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: get threats rows: %w", err)
	}
	return out, nil
}

// Close closes the underlying database connection. Callers must not use the
// Store after Close returns.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func statusOrDefault(status string) string {
	if status == "" {
		return "open"
	}
	return status
}

func statusOrDefaultAction(status string) string {
	if status == "" {
		return "active"
	}
	return status
}
