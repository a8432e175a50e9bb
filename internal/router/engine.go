package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/model-router/internal/eval"
	"github.com/nulpointcorp/model-router/internal/logger"
	"github.com/nulpointcorp/model-router/internal/metrics"
	"github.com/nulpointcorp/model-router/internal/providers"
	"github.com/nulpointcorp/model-router/internal/registry"
	"github.com/nulpointcorp/model-router/internal/store"
)

const (
	// Rate-limit cooldown backoff: min(base·2^(strikes−1), cap), strikes
	// counted within a sliding window and capped.
	baseCooldownMs = 2_000
	cooldownCapMs  = 60_000
	strikeWindowMs = 60_000
	maxStrikes     = 6

	// Context-length failures quarantine longer than quality failures
	// because they do not self-resolve.
	contextLenDegradeMs = 60_000

	noSuitableRetryAfterMs = 10_000
)

// Engine routes requests across the registered models.
type Engine struct {
	registry *registry.Store
	stores   store.Stores
	adapters map[string]providers.Adapter
	metrics  *metrics.Registry
	attempts *logger.Logger
	log      *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(
	reg *registry.Store,
	stores store.Stores,
	adapters map[string]providers.Adapter,
	m *metrics.Registry,
	attempts *logger.Logger,
	log *slog.Logger,
) *Engine {
	return &Engine{
		registry: reg,
		stores:   stores,
		adapters: adapters,
		metrics:  m,
		attempts: attempts,
		log:      log,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// requestState accumulates per-request routing progress.
type requestState struct {
	req       *Request
	snap      *registry.Snapshot
	policy    registry.Policy
	task      string
	threshold float64
	start     time.Time
	attempts  []store.Attempt
	cycle     int
}

// Route runs the full routing loop for one request. It returns the accepted
// result, or a *NoSuitableModelError once the wait budget is exhausted.
//
// The registry snapshot is captured once here; an admin reload mid-request
// does not affect this request.
func (e *Engine) Route(ctx context.Context, req *Request) (*Result, error) {
	snap := e.registry.Snapshot()
	task := ResolveTask(req.TaskType, req.Messages)
	policy := snap.PolicyFor(task)

	threshold := policy.QualityThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	maxWait := time.Duration(policy.MaxWaitMs) * time.Millisecond
	if req.MaxWaitMs > 0 {
		maxWait = time.Duration(req.MaxWaitMs) * time.Millisecond
	}
	attemptBudget := policy.MaxAttemptsPerCycle
	if req.AttemptBudget > 0 {
		attemptBudget = req.AttemptBudget
	}
	poll := time.Duration(policy.PollIntervalMs) * time.Millisecond

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	if req.Resume {
		if res, ok := e.resume(ctx, req); ok {
			return res, nil
		}
	}

	state := &requestState{
		req:       req,
		snap:      snap,
		policy:    policy,
		task:      task,
		threshold: threshold,
		start:     e.now(),
	}
	deadline := state.start.Add(maxWait)

	// Attempts run under the wall-clock budget so in-flight provider calls
	// abort when it expires. Passthrough streams use the parent ctx: they
	// outlive Route.
	attemptCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for e.now().Before(deadline) {
		state.cycle++

		cands := e.filterAndScore(attemptCtx, state)
		limit := attemptBudget
		if limit > len(cands) {
			limit = len(cands)
		}

		for i := 0; i < limit; i++ {
			res, done := e.tryCandidate(attemptCtx, ctx, state, &cands[i])
			if done {
				return res, nil
			}
			if !e.now().Before(deadline) {
				break
			}
		}

		if !e.now().Before(deadline) {
			break
		}
		if err := e.sleep(attemptCtx, poll); err != nil {
			break
		}
	}

	e.metrics.RecordNoSuitableModel(task)
	e.metrics.ObserveWaitTime(e.now().Sub(state.start))
	e.log.WarnContext(ctx, "routing wait budget exhausted",
		slog.String("request_id", req.RequestID),
		slog.String("task_type", task),
		slog.Int("cycles", state.cycle),
	)
	return nil, &NoSuitableModelError{RetryAfterMs: noSuitableRetryAfterMs}
}

// resume serves a completed session without touching any adapter.
func (e *Engine) resume(ctx context.Context, req *Request) (*Result, bool) {
	sess, err := e.stores.Sessions.Get(ctx, req.RequestID)
	if err != nil {
		e.log.WarnContext(ctx, "resume lookup failed",
			slog.String("request_id", req.RequestID),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	if sess == nil || sess.Status != store.StatusComplete {
		return nil, false
	}
	return &Result{
		RequestID: req.RequestID,
		ModelID:   sess.ModelID,
		TaskType:  sess.TaskType,
		Text:      sess.ResponseText,
		Attempts:  sess.Attempts,
		Resumed:   true,
	}, true
}

// filterAndScore builds the ordered candidate list for one cycle: enabled
// models within the preferred list and capability floor, minus those in
// cooldown or at hard budget limit. Health and budget reads fan out in
// parallel; degradation only penalizes the score.
func (e *Engine) filterAndScore(ctx context.Context, state *requestState) []candidate {
	policy, task := state.policy, state.task

	var eligible []*registry.Model
	for i := range state.snap.Models {
		m := &state.snap.Models[i]
		if !m.Enabled {
			continue
		}
		if len(policy.Preferred) > 0 && prefRank(policy.Preferred, m.ID) == len(policy.Preferred) {
			continue
		}
		if m.Capability(task) < policy.MinCapability {
			continue
		}
		eligible = append(eligible, m)
	}
	if len(eligible) == 0 {
		return nil
	}

	cands := make([]candidate, len(eligible))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range eligible {
		g.Go(func() error {
			h, err := e.stores.Health.Get(gctx, m.ID)
			if err != nil {
				return err
			}
			b, err := e.stores.Budget.Get(gctx, m.Provider)
			if err != nil {
				return err
			}
			cands[i] = candidate{model: m, health: h, budget: b}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.log.WarnContext(ctx, "candidate state read failed", slog.String("error", err.Error()))
		return nil
	}

	now := e.now()
	kept := cands[:0]
	for _, c := range cands {
		if c.health.InCooldown(now) || c.budget.AtHardLimit() {
			continue
		}
		c.score = Score(c.model, task, c.health, c.budget, policy.Weights, now)
		c.prefRank = prefRank(policy.Preferred, c.model.ID)
		kept = append(kept, c)
	}
	rankCandidates(kept)
	return kept
}

// tryCandidate runs one attempt. done=true means the request is finished
// and res is the answer; done=false means move on to the next candidate.
func (e *Engine) tryCandidate(ctx, streamCtx context.Context, state *requestState, cand *candidate) (res *Result, done bool) {
	m := cand.model
	req := state.req

	fitted, _, ok := FitContext(req.Messages, m.ContextTokens, req.MaxTokens)
	if !ok {
		e.recordAttempt(ctx, state, m, store.OutcomePermanent, nil, 0)
		return nil, false
	}

	adapter, haveAdapter := e.adapters[m.Provider]
	if !haveAdapter {
		e.log.ErrorContext(ctx, "no adapter for provider", slog.String("provider", m.Provider))
		e.recordAttempt(ctx, state, m, store.OutcomePermanent, nil, 0)
		return nil, false
	}

	greq := &providers.GenerateRequest{
		Model:       m.BackendID,
		Messages:    fitted,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		RequestID:   req.RequestID,
		Tools:       req.Tools,
		ToolChoice:  req.ToolChoice,
	}

	if req.Stream && req.AllowDegrade {
		return e.tryPassthrough(ctx, streamCtx, state, cand, adapter, greq)
	}

	attemptStart := e.now()
	resp, err := e.safeGenerate(ctx, adapter, greq)
	latencyMs := e.now().Sub(attemptStart).Milliseconds()

	if err != nil {
		e.dispatchError(ctx, state, m, err, latencyMs)
		return nil, false
	}

	hasTools := len(resp.ToolCalls) > 0
	verdict := eval.Heuristic(resp.Text, state.task, hasTools)
	if state.task == TaskCode && state.snap.CodeEval != nil {
		verdict = eval.RunCodeEval(ctx, e.log, state.snap.CodeEval, resp.Text, verdict)
	}
	score := verdict.Score
	e.metrics.ObserveEvalScore(state.task, score)

	accepted := req.AllowDegrade || score >= state.threshold
	if !accepted && state.snap.Judge != nil &&
		m.ID != state.snap.Judge.ModelID &&
		score >= judgeMinScore(state.snap.Judge, state.threshold) {
		if judged, ok := e.consultJudge(ctx, state.snap, req, resp.Text); ok {
			score = judged
			accepted = judged >= state.threshold
		}
	}

	if !accepted {
		e.recordAttempt(ctx, state, m, store.OutcomeEvalFail, &score, latencyMs)
		e.recordHealth(ctx, m.ID, false, latencyMs)
		degradeMs := int64(state.policy.DegradeMs)
		if err := e.stores.Health.MarkDegraded(ctx, m.ID, degradeMs); err != nil {
			e.log.WarnContext(ctx, "mark degraded failed", slog.String("model", m.ID), slog.String("error", err.Error()))
		}
		e.metrics.RecordDegradation(m.ID, "eval_fail")
		return nil, false
	}

	e.recordAttempt(ctx, state, m, store.OutcomeSuccess, &score, latencyMs)
	e.recordHealth(ctx, m.ID, true, latencyMs)
	e.recordUsage(ctx, m.Provider, resp.Usage, fitted, resp.Text)
	if err := e.stores.Sessions.RecordResult(ctx, req.RequestID, state.task, m.ID, resp.Text); err != nil {
		e.log.WarnContext(ctx, "record result failed", slog.String("request_id", req.RequestID), slog.String("error", err.Error()))
	}

	wait := e.now().Sub(state.start)
	e.metrics.ObserveWaitTime(wait)

	return &Result{
		RequestID: req.RequestID,
		ModelID:   m.ID,
		Provider:  m.Provider,
		TaskType:  state.task,
		Text:      resp.Text,
		ToolCalls: resp.ToolCalls,
		Usage:     resp.Usage,
		Score:     score,
		Attempts:  state.attempts,
		Cycles:    state.cycle,
		WaitMs:    wait.Milliseconds(),
	}, true
}

// tryPassthrough streams provider deltas straight to the client. The
// quality gate cannot reject what the client already received, so
// evaluation and accounting run post-hoc at end of stream.
func (e *Engine) tryPassthrough(ctx, streamCtx context.Context, state *requestState, cand *candidate, adapter providers.Adapter, greq *providers.GenerateRequest) (*Result, bool) {
	m := cand.model
	req := state.req
	attemptStart := e.now()

	upstream, err := adapter.Stream(streamCtx, greq)
	if err != nil {
		e.dispatchError(ctx, state, m, err, e.now().Sub(attemptStart).Milliseconds())
		return nil, false
	}

	inputText := joinedContent(greq.Messages)
	wrapped := passthrough(upstream, func(text string, failed bool) {
		// Detached from the request ctx: the client connection may already
		// be gone when the last delta lands.
		bg := context.Background()
		latencyMs := e.now().Sub(attemptStart).Milliseconds()

		verdict := eval.Heuristic(text, state.task, false)
		e.metrics.ObserveEvalScore(state.task, verdict.Score)
		e.recordHealth(bg, m.ID, !failed, latencyMs)

		if failed {
			e.metrics.ObserveAttempt(m.ID, string(store.OutcomeTransient), time.Duration(latencyMs)*time.Millisecond)
			return
		}

		// Upstream usage is not visible on the delta stream; estimate.
		est := int64(EstimateTokens(inputText) + EstimateTokens(text))
		e.recordUsageTokens(bg, m.Provider, est, EstimateTokens(inputText), EstimateTokens(text))

		if err := e.stores.Sessions.RecordResult(bg, req.RequestID, state.task, m.ID, text); err != nil {
			e.log.Warn("record result failed", slog.String("request_id", req.RequestID), slog.String("error", err.Error()))
		}
		e.metrics.ObserveAttempt(m.ID, string(store.OutcomeSuccess), time.Duration(latencyMs)*time.Millisecond)
		e.metrics.ObserveWaitTime(e.now().Sub(state.start))
		e.attempts.Log(logger.AttemptLog{
			ID:        uuid.New(),
			RequestID: req.RequestID,
			ModelID:   m.ID,
			Provider:  m.Provider,
			TaskType:  state.task,
			Outcome:   string(store.OutcomeSuccess),
			Score:     verdict.Score,
			LatencyMs: latencyMs,
			Cycle:     state.cycle,
			CreatedAt: e.now(),
		})
	})

	if err := e.stores.Sessions.RecordAttempt(ctx, req.RequestID, state.task, store.Attempt{
		ModelID: m.ID,
		Outcome: store.OutcomeSuccess,
	}); err != nil {
		e.log.WarnContext(ctx, "record attempt failed", slog.String("request_id", req.RequestID), slog.String("error", err.Error()))
	}
	state.attempts = append(state.attempts, store.Attempt{ModelID: m.ID, Outcome: store.OutcomeSuccess})

	return &Result{
		RequestID: req.RequestID,
		ModelID:   m.ID,
		Provider:  m.Provider,
		TaskType:  state.task,
		Attempts:  state.attempts,
		Cycles:    state.cycle,
		Stream:    wrapped,
	}, true
}

// safeGenerate shields the loop from adapter panics: they surface as
// permanent errors on the current candidate only.
func (e *Engine) safeGenerate(ctx context.Context, adapter providers.Adapter, greq *providers.GenerateRequest) (resp *providers.GenerateResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.ErrorContext(ctx, "adapter panic",
				slog.String("provider", adapter.Name()),
				slog.Any("panic", r),
			)
			resp = nil
			err = &providers.AdapterError{
				Provider: adapter.Name(),
				Kind:     providers.KindPermanent,
				Message:  fmt.Sprintf("panic: %v", r),
			}
		}
	}()
	return adapter.Generate(ctx, greq)
}

// dispatchError applies the per-kind failure policy.
func (e *Engine) dispatchError(ctx context.Context, state *requestState, m *registry.Model, err error, latencyMs int64) {
	ae, ok := providers.AsAdapterError(err)
	if !ok {
		ae = &providers.AdapterError{
			Provider: m.Provider,
			Kind:     providers.KindPermanent,
			Message:  err.Error(),
		}
	}

	outcome := store.OutcomePermanent
	switch ae.Kind {
	case providers.KindRateLimit:
		outcome = store.OutcomeRateLimit
		e.applyCooldown(ctx, m, ae)
	case providers.KindTransient:
		outcome = store.OutcomeTransient
	case providers.KindQuota:
		outcome = store.OutcomeQuota
	default:
		if ae.Sentinel == providers.SentinelContextLength {
			if derr := e.stores.Health.MarkDegraded(ctx, m.ID, contextLenDegradeMs); derr != nil {
				e.log.WarnContext(ctx, "mark degraded failed", slog.String("model", m.ID), slog.String("error", derr.Error()))
			}
			e.metrics.RecordDegradation(m.ID, "context_length")
		}
	}

	e.log.WarnContext(ctx, "attempt failed",
		slog.String("request_id", state.req.RequestID),
		slog.String("model", m.ID),
		slog.String("outcome", string(outcome)),
		slog.String("error", ae.Error()),
	)
	e.recordAttempt(ctx, state, m, outcome, nil, latencyMs)
	e.recordHealth(ctx, m.ID, false, latencyMs)
}

// applyCooldown computes the backoff and persists the rate-limit mark.
func (e *Engine) applyCooldown(ctx context.Context, m *registry.Model, ae *providers.AdapterError) {
	nowMs := e.now().UnixMilli()

	strikes := 1
	if h, err := e.stores.Health.Get(ctx, m.ID); err == nil {
		if h.LastRateLimitAt > 0 && nowMs-h.LastRateLimitAt <= strikeWindowMs {
			strikes = h.RateLimitStrikes + 1
			if strikes > maxStrikes {
				strikes = maxStrikes
			}
		}
	}

	cooldownMs := ae.RetryAfterMs
	if cooldownMs <= 0 {
		cooldownMs = baseCooldownMs << (strikes - 1)
		if cooldownMs > cooldownCapMs {
			cooldownMs = cooldownCapMs
		}
	}

	if err := e.stores.Health.MarkRateLimited(ctx, m.ID, cooldownMs, store.RateLimitMark{
		Strikes:         strikes,
		LastRateLimitAt: nowMs,
	}); err != nil {
		e.log.WarnContext(ctx, "mark rate limited failed", slog.String("model", m.ID), slog.String("error", err.Error()))
	}
	e.metrics.RecordCooldown(m.ID)
}

// recordAttempt appends one entry to the attempt log everywhere it lives:
// request state, session store, attempt logger, metrics.
func (e *Engine) recordAttempt(ctx context.Context, state *requestState, m *registry.Model, outcome store.Outcome, score *float64, latencyMs int64) {
	attempt := store.Attempt{ModelID: m.ID, Outcome: outcome, Score: score}
	state.attempts = append(state.attempts, attempt)

	if err := e.stores.Sessions.RecordAttempt(ctx, state.req.RequestID, state.task, attempt); err != nil {
		e.log.WarnContext(ctx, "record attempt failed",
			slog.String("request_id", state.req.RequestID),
			slog.String("error", err.Error()),
		)
	}

	e.metrics.ObserveAttempt(m.ID, string(outcome), time.Duration(latencyMs)*time.Millisecond)

	entry := logger.AttemptLog{
		ID:        uuid.New(),
		RequestID: state.req.RequestID,
		ModelID:   m.ID,
		Provider:  m.Provider,
		TaskType:  state.task,
		Outcome:   string(outcome),
		LatencyMs: latencyMs,
		Cycle:     state.cycle,
		CreatedAt: e.now(),
	}
	if score != nil {
		entry.Score = *score
	}
	e.attempts.Log(entry)
}

func (e *Engine) recordHealth(ctx context.Context, modelID string, success bool, latencyMs int64) {
	obs := store.Observation{Success: success}
	if latencyMs > 0 {
		lat := float64(latencyMs)
		obs.LatencyMs = &lat
	}
	if err := e.stores.Health.RecordResult(ctx, modelID, obs); err != nil {
		e.log.WarnContext(ctx, "record health failed", slog.String("model", modelID), slog.String("error", err.Error()))
	}
}

// recordUsage accounts provider tokens, estimating chars/4 when the
// upstream omitted usage.
func (e *Engine) recordUsage(ctx context.Context, provider string, usage *providers.Usage, input []providers.Message, output string) {
	var total int64
	var in, out int
	switch {
	case usage != nil && usage.TotalTokens > 0:
		total = int64(usage.TotalTokens)
		in, out = usage.InputTokens, usage.OutputTokens
	case usage != nil && usage.InputTokens+usage.OutputTokens > 0:
		in, out = usage.InputTokens, usage.OutputTokens
		total = int64(in + out)
	default:
		in = EstimateTokens(joinedContent(input))
		out = EstimateTokens(output)
		total = int64(in + out)
	}
	e.recordUsageTokens(ctx, provider, total, in, out)
}

func (e *Engine) recordUsageTokens(ctx context.Context, provider string, total int64, in, out int) {
	if total <= 0 {
		return
	}
	if err := e.stores.Budget.Record(ctx, provider, total); err != nil {
		e.log.WarnContext(ctx, "record budget failed", slog.String("provider", provider), slog.String("error", err.Error()))
	}
	e.metrics.AddTokens(provider, in, out)
	if b, err := e.stores.Budget.Get(ctx, provider); err == nil {
		e.metrics.SetBudgetUsed(provider, b.UsedTokens)
	}
}

func joinedContent(messages []providers.Message) string {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	buf := make([]byte, 0, total)
	for _, m := range messages {
		buf = append(buf, m.Content...)
	}
	return string(buf)
}
