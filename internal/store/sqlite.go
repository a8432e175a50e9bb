package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS model_health (
	model_id             TEXT PRIMARY KEY,
	cooldown_until       BIGINT  NOT NULL DEFAULT 0,
	degraded_until       BIGINT  NOT NULL DEFAULT 0,
	rate_limit_strikes   INTEGER NOT NULL DEFAULT 0,
	last_rate_limit_at   BIGINT  NOT NULL DEFAULT 0,
	rolling_latency_ms   REAL    NOT NULL DEFAULT 0,
	rolling_success_rate REAL    NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS provider_budget (
	provider          TEXT PRIMARY KEY,
	used_tokens       BIGINT NOT NULL DEFAULT 0,
	soft_limit_tokens BIGINT,
	hard_limit_tokens BIGINT
);

CREATE TABLE IF NOT EXISTS request_sessions (
	request_id    TEXT PRIMARY KEY,
	task_type     TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'pending',
	response_text TEXT NOT NULL DEFAULT '',
	model_id      TEXT NOT NULL DEFAULT '',
	attempts      TEXT NOT NULL DEFAULT '[]',
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);
`

// SQLite backs all three store surfaces with one embedded database file.
// Interface views are obtained through Stores().
type SQLite struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open opens (creating if needed) the state database at path.
func Open(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create dir %s: %w", dir, err)
		}
	}

	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Single connection serializes writers; SQLite allows one at a time
	// anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	return &SQLite{db: db, now: time.Now}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

// Ping checks the database is still reachable; used by readiness probes.
func (s *SQLite) Ping() error { return s.db.Ping() }

// Stores returns the interface views over the shared database.
func (s *SQLite) Stores() Stores {
	return Stores{
		Health:   sqliteHealth{s},
		Budget:   sqliteBudget{s},
		Sessions: sqliteSessions{s},
	}
}

type sqliteHealth struct{ s *SQLite }

func (v sqliteHealth) Get(ctx context.Context, modelID string) (ModelHealth, error) {
	var h ModelHealth
	err := v.s.db.GetContext(ctx, &h,
		`SELECT model_id, cooldown_until, degraded_until, rate_limit_strikes,
		        last_rate_limit_at, rolling_latency_ms, rolling_success_rate
		 FROM model_health WHERE model_id = ?`, modelID)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultHealth(modelID), nil
	}
	if err != nil {
		return ModelHealth{}, fmt.Errorf("store: get health %s: %w", modelID, err)
	}
	return h, nil
}

func (v sqliteHealth) MarkRateLimited(ctx context.Context, modelID string, cooldownMs int64, mark RateLimitMark) error {
	until := v.s.now().UnixMilli() + cooldownMs
	_, err := v.s.db.ExecContext(ctx,
		`INSERT INTO model_health (model_id, cooldown_until, rate_limit_strikes, last_rate_limit_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(model_id) DO UPDATE SET
		   cooldown_until     = MAX(model_health.cooldown_until, excluded.cooldown_until),
		   rate_limit_strikes = excluded.rate_limit_strikes,
		   last_rate_limit_at = excluded.last_rate_limit_at`,
		modelID, until, mark.Strikes, mark.LastRateLimitAt)
	if err != nil {
		return fmt.Errorf("store: mark rate limited %s: %w", modelID, err)
	}
	return nil
}

func (v sqliteHealth) MarkDegraded(ctx context.Context, modelID string, degradeMs int64) error {
	until := v.s.now().UnixMilli() + degradeMs
	_, err := v.s.db.ExecContext(ctx,
		`INSERT INTO model_health (model_id, degraded_until)
		 VALUES (?, ?)
		 ON CONFLICT(model_id) DO UPDATE SET
		   degraded_until = MAX(model_health.degraded_until, excluded.degraded_until)`,
		modelID, until)
	if err != nil {
		return fmt.Errorf("store: mark degraded %s: %w", modelID, err)
	}
	return nil
}

func (v sqliteHealth) RecordResult(ctx context.Context, modelID string, obs Observation) error {
	// Read-modify-write; the single connection serializes concurrent calls.
	h, err := v.Get(ctx, modelID)
	if err != nil {
		return err
	}
	h.Apply(obs)

	_, err = v.s.db.ExecContext(ctx,
		`INSERT INTO model_health (model_id, rolling_latency_ms, rolling_success_rate)
		 VALUES (?, ?, ?)
		 ON CONFLICT(model_id) DO UPDATE SET
		   rolling_latency_ms   = excluded.rolling_latency_ms,
		   rolling_success_rate = excluded.rolling_success_rate`,
		modelID, h.RollingLatencyMs, h.RollingSuccessRate)
	if err != nil {
		return fmt.Errorf("store: record result %s: %w", modelID, err)
	}
	return nil
}

type sqliteBudget struct{ s *SQLite }

func (v sqliteBudget) Get(ctx context.Context, provider string) (ProviderBudget, error) {
	var b ProviderBudget
	err := v.s.db.GetContext(ctx, &b,
		`SELECT provider, used_tokens, soft_limit_tokens, hard_limit_tokens
		 FROM provider_budget WHERE provider = ?`, provider)
	if errors.Is(err, sql.ErrNoRows) {
		return ProviderBudget{Provider: provider}, nil
	}
	if err != nil {
		return ProviderBudget{}, fmt.Errorf("store: get budget %s: %w", provider, err)
	}
	return b, nil
}

func (v sqliteBudget) Record(ctx context.Context, provider string, tokens int64) error {
	if tokens < 0 {
		return fmt.Errorf("store: record budget %s: negative tokens %d", provider, tokens)
	}
	_, err := v.s.db.ExecContext(ctx,
		`INSERT INTO provider_budget (provider, used_tokens) VALUES (?, ?)
		 ON CONFLICT(provider) DO UPDATE SET
		   used_tokens = provider_budget.used_tokens + excluded.used_tokens`,
		provider, tokens)
	if err != nil {
		return fmt.Errorf("store: record budget %s: %w", provider, err)
	}
	return nil
}

func (v sqliteBudget) EnsureLimits(ctx context.Context, provider string, soft, hard *int64) error {
	if soft != nil && hard != nil && *soft > *hard {
		return fmt.Errorf("store: limits for %s: soft %d > hard %d", provider, *soft, *hard)
	}
	_, err := v.s.db.ExecContext(ctx,
		`INSERT INTO provider_budget (provider, used_tokens, soft_limit_tokens, hard_limit_tokens)
		 VALUES (?, 0, ?, ?)
		 ON CONFLICT(provider) DO UPDATE SET
		   soft_limit_tokens = excluded.soft_limit_tokens,
		   hard_limit_tokens = excluded.hard_limit_tokens`,
		provider, soft, hard)
	if err != nil {
		return fmt.Errorf("store: ensure limits %s: %w", provider, err)
	}
	return nil
}

type sqliteSessions struct{ s *SQLite }

type sessionRow struct {
	RequestID    string    `db:"request_id"`
	TaskType     string    `db:"task_type"`
	Status       string    `db:"status"`
	ResponseText string    `db:"response_text"`
	ModelID      string    `db:"model_id"`
	Attempts     string    `db:"attempts"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (v sqliteSessions) Get(ctx context.Context, requestID string) (*Session, error) {
	var row sessionRow
	err := v.s.db.GetContext(ctx, &row,
		`SELECT request_id, task_type, status, response_text, model_id, attempts, created_at, updated_at
		 FROM request_sessions WHERE request_id = ?`, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session %s: %w", requestID, err)
	}

	sess := &Session{
		RequestID:    row.RequestID,
		TaskType:     row.TaskType,
		Status:       row.Status,
		ResponseText: row.ResponseText,
		ModelID:      row.ModelID,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(row.Attempts), &sess.Attempts); err != nil {
		return nil, fmt.Errorf("store: decode attempts %s: %w", requestID, err)
	}
	return sess, nil
}

func (v sqliteSessions) RecordAttempt(ctx context.Context, requestID, taskType string, attempt Attempt) error {
	sess, err := v.Get(ctx, requestID)
	if err != nil {
		return err
	}

	now := v.s.now().UTC()
	var attempts []Attempt
	if sess != nil {
		attempts = sess.Attempts
	}
	attempts = append(attempts, attempt)

	encoded, err := json.Marshal(attempts)
	if err != nil {
		return fmt.Errorf("store: encode attempts %s: %w", requestID, err)
	}

	_, err = v.s.db.ExecContext(ctx,
		`INSERT INTO request_sessions (request_id, task_type, status, attempts, created_at, updated_at)
		 VALUES (?, ?, 'pending', ?, ?, ?)
		 ON CONFLICT(request_id) DO UPDATE SET
		   attempts   = excluded.attempts,
		   updated_at = excluded.updated_at`,
		requestID, taskType, string(encoded), now, now)
	if err != nil {
		return fmt.Errorf("store: record attempt %s: %w", requestID, err)
	}
	return nil
}

func (v sqliteSessions) RecordResult(ctx context.Context, requestID, taskType, modelID, text string) error {
	now := v.s.now().UTC()
	// Completed sessions are immutable: the conditional update enforces
	// pending -> complete only.
	_, err := v.s.db.ExecContext(ctx,
		`INSERT INTO request_sessions (request_id, task_type, status, response_text, model_id, created_at, updated_at)
		 VALUES (?, ?, 'complete', ?, ?, ?, ?)
		 ON CONFLICT(request_id) DO UPDATE SET
		   status        = 'complete',
		   response_text = excluded.response_text,
		   model_id      = excluded.model_id,
		   updated_at    = excluded.updated_at
		 WHERE request_sessions.status = 'pending'`,
		requestID, taskType, text, modelID, now, now)
	if err != nil {
		return fmt.Errorf("store: record result %s: %w", requestID, err)
	}
	return nil
}
