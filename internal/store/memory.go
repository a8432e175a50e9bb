package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory implements all three store surfaces in process memory. It backs
// tests and ephemeral deployments that do not want a state file.
type Memory struct {
	mu       sync.Mutex
	health   map[string]ModelHealth
	budgets  map[string]ProviderBudget
	sessions map[string]*Session
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		health:   make(map[string]ModelHealth),
		budgets:  make(map[string]ProviderBudget),
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// SetClock replaces the time source, for tests.
func (m *Memory) SetClock(now func() time.Time) { m.now = now }

// Stores returns the interface views.
func (m *Memory) Stores() Stores {
	return Stores{
		Health:   memHealth{m},
		Budget:   memBudget{m},
		Sessions: memSessions{m},
	}
}

type memHealth struct{ m *Memory }

func (v memHealth) Get(_ context.Context, modelID string) (ModelHealth, error) {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	if h, ok := v.m.health[modelID]; ok {
		return h, nil
	}
	return DefaultHealth(modelID), nil
}

func (v memHealth) MarkRateLimited(_ context.Context, modelID string, cooldownMs int64, mark RateLimitMark) error {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	h := v.m.getLocked(modelID)
	h.CooldownUntil = monotonicDeadline(h.CooldownUntil, v.m.now().UnixMilli()+cooldownMs)
	h.RateLimitStrikes = mark.Strikes
	h.LastRateLimitAt = mark.LastRateLimitAt
	v.m.health[modelID] = h
	return nil
}

func (v memHealth) MarkDegraded(_ context.Context, modelID string, degradeMs int64) error {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	h := v.m.getLocked(modelID)
	h.DegradedUntil = monotonicDeadline(h.DegradedUntil, v.m.now().UnixMilli()+degradeMs)
	v.m.health[modelID] = h
	return nil
}

func (v memHealth) RecordResult(_ context.Context, modelID string, obs Observation) error {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	h := v.m.getLocked(modelID)
	h.Apply(obs)
	v.m.health[modelID] = h
	return nil
}

func (m *Memory) getLocked(modelID string) ModelHealth {
	if h, ok := m.health[modelID]; ok {
		return h
	}
	return DefaultHealth(modelID)
}

type memBudget struct{ m *Memory }

func (v memBudget) Get(_ context.Context, provider string) (ProviderBudget, error) {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	if b, ok := v.m.budgets[provider]; ok {
		return b, nil
	}
	return ProviderBudget{Provider: provider}, nil
}

func (v memBudget) Record(_ context.Context, provider string, tokens int64) error {
	if tokens < 0 {
		return fmt.Errorf("store: record budget %s: negative tokens %d", provider, tokens)
	}
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	b := v.m.budgets[provider]
	b.Provider = provider
	b.UsedTokens += tokens
	v.m.budgets[provider] = b
	return nil
}

func (v memBudget) EnsureLimits(_ context.Context, provider string, soft, hard *int64) error {
	if soft != nil && hard != nil && *soft > *hard {
		return fmt.Errorf("store: limits for %s: soft %d > hard %d", provider, *soft, *hard)
	}
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	b := v.m.budgets[provider]
	b.Provider = provider
	b.SoftLimitTokens = soft
	b.HardLimitTokens = hard
	v.m.budgets[provider] = b
	return nil
}

type memSessions struct{ m *Memory }

func (v memSessions) Get(_ context.Context, requestID string) (*Session, error) {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	sess, ok := v.m.sessions[requestID]
	if !ok {
		return nil, nil
	}
	cp := *sess
	cp.Attempts = append([]Attempt(nil), sess.Attempts...)
	return &cp, nil
}

func (v memSessions) RecordAttempt(_ context.Context, requestID, taskType string, attempt Attempt) error {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	now := v.m.now().UTC()
	sess, ok := v.m.sessions[requestID]
	if !ok {
		sess = &Session{
			RequestID: requestID,
			TaskType:  taskType,
			Status:    StatusPending,
			CreatedAt: now,
		}
		v.m.sessions[requestID] = sess
	}
	sess.Attempts = append(sess.Attempts, attempt)
	sess.UpdatedAt = now
	return nil
}

func (v memSessions) RecordResult(_ context.Context, requestID, taskType, modelID, text string) error {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	now := v.m.now().UTC()
	sess, ok := v.m.sessions[requestID]
	if !ok {
		sess = &Session{
			RequestID: requestID,
			TaskType:  taskType,
			CreatedAt: now,
		}
		v.m.sessions[requestID] = sess
	}
	if sess.Status == StatusComplete {
		return nil
	}
	sess.Status = StatusComplete
	sess.ResponseText = text
	sess.ModelID = modelID
	sess.UpdatedAt = now
	return nil
}
