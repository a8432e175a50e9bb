// Package store defines the three persistent state surfaces the router
// engine mutates: per-model health, per-provider budgets, and per-request
// sessions. The default implementation is an embedded SQLite file; an
// in-memory implementation backs tests.
package store

import (
	"context"
	"time"
)

// emaAlpha is the smoothing factor for rolling latency and success rate.
const emaAlpha = 0.2

// ModelHealth is the routing-relevant state of one model.
//
// CooldownUntil and DegradedUntil are epoch-ms deadlines; zero means "not
// in effect". Both only ever advance. RollingSuccessRate stays in [0,1].
type ModelHealth struct {
	ModelID            string  `db:"model_id"`
	CooldownUntil      int64   `db:"cooldown_until"`
	DegradedUntil      int64   `db:"degraded_until"`
	RateLimitStrikes   int     `db:"rate_limit_strikes"`
	LastRateLimitAt    int64   `db:"last_rate_limit_at"`
	RollingLatencyMs   float64 `db:"rolling_latency_ms"`
	RollingSuccessRate float64 `db:"rolling_success_rate"`
}

// DefaultHealth is the state assumed for a model with no recorded history:
// optimistic success rate, zero latency.
func DefaultHealth(modelID string) ModelHealth {
	return ModelHealth{
		ModelID:            modelID,
		RollingSuccessRate: 1.0,
	}
}

// InCooldown reports whether the model is rate-limit quarantined at now.
func (h *ModelHealth) InCooldown(now time.Time) bool {
	return h.CooldownUntil > now.UnixMilli()
}

// Degraded reports whether the model is quality quarantined at now.
func (h *ModelHealth) Degraded(now time.Time) bool {
	return h.DegradedUntil > now.UnixMilli()
}

// RateLimitMark carries the strike counters written by MarkRateLimited.
type RateLimitMark struct {
	Strikes         int
	LastRateLimitAt int64
}

// Observation is one attempt outcome folded into the EMAs. LatencyMs nil
// leaves the latency EMA untouched.
type Observation struct {
	Success   bool
	LatencyMs *float64
}

// Apply folds the observation into the health EMAs (alpha 0.2).
func (h *ModelHealth) Apply(obs Observation) {
	succ := 0.0
	if obs.Success {
		succ = 1.0
	}
	h.RollingSuccessRate = h.RollingSuccessRate*(1-emaAlpha) + succ*emaAlpha
	if obs.LatencyMs != nil {
		h.RollingLatencyMs = h.RollingLatencyMs*(1-emaAlpha) + *obs.LatencyMs*emaAlpha
	}
}

// HealthStore persists ModelHealth. Operations are atomic per model id.
type HealthStore interface {
	// Get returns default-initialized health when the model has no record.
	Get(ctx context.Context, modelID string) (ModelHealth, error)
	// MarkRateLimited sets cooldownUntil = now + cooldownMs and overwrites
	// the strike counters; other fields are preserved. The deadline never
	// moves backwards.
	MarkRateLimited(ctx context.Context, modelID string, cooldownMs int64, mark RateLimitMark) error
	// MarkDegraded sets degradedUntil = now + degradeMs; cooldown preserved.
	MarkDegraded(ctx context.Context, modelID string, degradeMs int64) error
	// RecordResult folds an observation into the EMAs.
	RecordResult(ctx context.Context, modelID string, obs Observation) error
}

// ProviderBudget is cumulative token accounting for one provider. Limits
// are optional; nil means unset.
type ProviderBudget struct {
	Provider        string `db:"provider"`
	UsedTokens      int64  `db:"used_tokens"`
	SoftLimitTokens *int64 `db:"soft_limit_tokens"`
	HardLimitTokens *int64 `db:"hard_limit_tokens"`
}

// AtHardLimit reports whether usage has reached the hard limit.
func (b *ProviderBudget) AtHardLimit() bool {
	return b.HardLimitTokens != nil && b.UsedTokens >= *b.HardLimitTokens
}

// NearSoftLimit reports whether usage is at or beyond 90% of the soft limit.
func (b *ProviderBudget) NearSoftLimit() bool {
	return b.SoftLimitTokens != nil && float64(b.UsedTokens) >= 0.9*float64(*b.SoftLimitTokens)
}

// BudgetStore persists ProviderBudget. Usage never decreases.
type BudgetStore interface {
	Get(ctx context.Context, provider string) (ProviderBudget, error)
	// Record adds tokens to the provider's cumulative usage.
	Record(ctx context.Context, provider string, tokens int64) error
	// EnsureLimits overwrites the limits, preserving usage.
	EnsureLimits(ctx context.Context, provider string, soft, hard *int64) error
}

// Outcome classifies one attempt in the session log.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeEvalFail  Outcome = "eval_fail"
	OutcomeRateLimit Outcome = "rate_limit"
	OutcomeTransient Outcome = "transient"
	OutcomeQuota     Outcome = "quota"
	OutcomePermanent Outcome = "permanent"
)

// Attempt is one entry in a session's attempt log.
type Attempt struct {
	ModelID string   `json:"model_id"`
	Outcome Outcome  `json:"outcome"`
	Score   *float64 `json:"score,omitempty"`
}

// Session states.
const (
	StatusPending  = "pending"
	StatusComplete = "complete"
)

// Session is the per-request record used for idempotent resume.
type Session struct {
	RequestID    string    `db:"request_id"`
	TaskType     string    `db:"task_type"`
	Status       string    `db:"status"`
	ResponseText string    `db:"response_text"`
	ModelID      string    `db:"model_id"`
	Attempts     []Attempt `db:"-"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// SessionStore persists Sessions. Status only ever moves pending -> complete.
type SessionStore interface {
	// Get returns nil when no session exists for the request id.
	Get(ctx context.Context, requestID string) (*Session, error)
	// RecordAttempt appends to the attempt log, creating a pending session
	// when absent.
	RecordAttempt(ctx context.Context, requestID, taskType string, attempt Attempt) error
	// RecordResult transitions the session to complete and stores the final
	// text. A session already complete is left untouched.
	RecordResult(ctx context.Context, requestID, taskType, modelID, text string) error
}

// Stores bundles the three surfaces for dependency injection.
type Stores struct {
	Health   HealthStore
	Budget   BudgetStore
	Sessions SessionStore
}

// monotonicDeadline keeps deadlines advancing under concurrent writers.
func monotonicDeadline(current, proposed int64) int64 {
	if proposed > current {
		return proposed
	}
	return current
}
