package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// implementations returns both store backends so the contract tests run
// against each.
func implementations(t *testing.T) map[string]Stores {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "state.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return map[string]Stores{
		"sqlite": db.Stores(),
		"memory": NewMemory().Stores(),
	}
}

func TestDefaultHealth(t *testing.T) {
	h := DefaultHealth("m")
	assert.Equal(t, 1.0, h.RollingSuccessRate, "unseen models start optimistic")
	assert.Zero(t, h.RollingLatencyMs)
	assert.False(t, h.InCooldown(time.Now()))
	assert.False(t, h.Degraded(time.Now()))
}

func TestApply_EMA(t *testing.T) {
	h := DefaultHealth("m")

	lat := 1000.0
	h.Apply(Observation{Success: false, LatencyMs: &lat})
	assert.InDelta(t, 0.8, h.RollingSuccessRate, 1e-9)
	assert.InDelta(t, 200.0, h.RollingLatencyMs, 1e-9)

	h.Apply(Observation{Success: true})
	assert.InDelta(t, 0.84, h.RollingSuccessRate, 1e-9)
	assert.InDelta(t, 200.0, h.RollingLatencyMs, 1e-9, "nil latency leaves the EMA untouched")
}

func TestApply_SuccessRateStaysInRange(t *testing.T) {
	h := DefaultHealth("m")
	for i := 0; i < 100; i++ {
		h.Apply(Observation{Success: false})
	}
	assert.GreaterOrEqual(t, h.RollingSuccessRate, 0.0)
	for i := 0; i < 100; i++ {
		h.Apply(Observation{Success: true})
	}
	assert.LessOrEqual(t, h.RollingSuccessRate, 1.0)
}

func TestProviderBudget_Limits(t *testing.T) {
	soft, hard := int64(1000), int64(2000)
	b := ProviderBudget{Provider: "p", SoftLimitTokens: &soft, HardLimitTokens: &hard}

	b.UsedTokens = 899
	assert.False(t, b.NearSoftLimit())
	b.UsedTokens = 900
	assert.True(t, b.NearSoftLimit(), "90 percent of soft limit counts as near")

	b.UsedTokens = 1999
	assert.False(t, b.AtHardLimit())
	b.UsedTokens = 2000
	assert.True(t, b.AtHardLimit())

	unlimited := ProviderBudget{Provider: "p", UsedTokens: 1 << 40}
	assert.False(t, unlimited.AtHardLimit())
	assert.False(t, unlimited.NearSoftLimit())
}

func TestHealthStore_GetUnseenModel(t *testing.T) {
	for name, stores := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			h, err := stores.Health.Get(context.Background(), "ghost")
			require.NoError(t, err)
			assert.Equal(t, 1.0, h.RollingSuccessRate)
		})
	}
}

func TestHealthStore_MarkRateLimited(t *testing.T) {
	for name, stores := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			before := time.Now().UnixMilli()

			err := stores.Health.MarkRateLimited(ctx, "m", 5000, RateLimitMark{Strikes: 2, LastRateLimitAt: before})
			require.NoError(t, err)

			h, err := stores.Health.Get(ctx, "m")
			require.NoError(t, err)
			assert.Equal(t, 2, h.RateLimitStrikes)
			assert.Equal(t, before, h.LastRateLimitAt)
			assert.GreaterOrEqual(t, h.CooldownUntil, before+5000)
			assert.True(t, h.InCooldown(time.Now()))
		})
	}
}

func TestHealthStore_CooldownNeverRegresses(t *testing.T) {
	for name, stores := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, stores.Health.MarkRateLimited(ctx, "m", 60_000, RateLimitMark{Strikes: 1}))
			h1, err := stores.Health.Get(ctx, "m")
			require.NoError(t, err)

			// A shorter mark must not pull the deadline back.
			require.NoError(t, stores.Health.MarkRateLimited(ctx, "m", 1, RateLimitMark{Strikes: 2}))
			h2, err := stores.Health.Get(ctx, "m")
			require.NoError(t, err)

			assert.GreaterOrEqual(t, h2.CooldownUntil, h1.CooldownUntil)
			assert.Equal(t, 2, h2.RateLimitStrikes, "strike counters still overwrite")
		})
	}
}

func TestHealthStore_MarkDegradedMonotonic(t *testing.T) {
	for name, stores := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, stores.Health.MarkDegraded(ctx, "m", 60_000))
			h1, err := stores.Health.Get(ctx, "m")
			require.NoError(t, err)

			require.NoError(t, stores.Health.MarkDegraded(ctx, "m", 1))
			h2, err := stores.Health.Get(ctx, "m")
			require.NoError(t, err)

			assert.GreaterOrEqual(t, h2.DegradedUntil, h1.DegradedUntil)
			assert.Zero(t, h2.CooldownUntil, "degrade must not touch cooldown")
		})
	}
}

func TestHealthStore_RecordResultPersistsEMA(t *testing.T) {
	for name, stores := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			lat := 500.0

			require.NoError(t, stores.Health.RecordResult(ctx, "m", Observation{Success: false, LatencyMs: &lat}))
			h, err := stores.Health.Get(ctx, "m")
			require.NoError(t, err)
			assert.InDelta(t, 0.8, h.RollingSuccessRate, 1e-9)
			assert.InDelta(t, 100.0, h.RollingLatencyMs, 1e-9)

			require.NoError(t, stores.Health.RecordResult(ctx, "m", Observation{Success: true}))
			h, err = stores.Health.Get(ctx, "m")
			require.NoError(t, err)
			assert.InDelta(t, 0.84, h.RollingSuccessRate, 1e-9)
		})
	}
}

func TestBudgetStore_RecordAccumulates(t *testing.T) {
	for name, stores := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, stores.Budget.Record(ctx, "p", 100))
			require.NoError(t, stores.Budget.Record(ctx, "p", 250))

			b, err := stores.Budget.Get(ctx, "p")
			require.NoError(t, err)
			assert.Equal(t, int64(350), b.UsedTokens)
		})
	}
}

func TestBudgetStore_NegativeTokensRejected(t *testing.T) {
	for name, stores := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			err := stores.Budget.Record(context.Background(), "p", -5)
			assert.Error(t, err)
		})
	}
}

func TestBudgetStore_EnsureLimitsPreservesUsage(t *testing.T) {
	for name, stores := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, stores.Budget.Record(ctx, "p", 500))

			soft, hard := int64(1000), int64(2000)
			require.NoError(t, stores.Budget.EnsureLimits(ctx, "p", &soft, &hard))

			b, err := stores.Budget.Get(ctx, "p")
			require.NoError(t, err)
			assert.Equal(t, int64(500), b.UsedTokens)
			require.NotNil(t, b.SoftLimitTokens)
			assert.Equal(t, int64(1000), *b.SoftLimitTokens)

			// Reload with new limits keeps usage again.
			soft2 := int64(3000)
			require.NoError(t, stores.Budget.EnsureLimits(ctx, "p", &soft2, nil))
			b, err = stores.Budget.Get(ctx, "p")
			require.NoError(t, err)
			assert.Equal(t, int64(500), b.UsedTokens)
			assert.Nil(t, b.HardLimitTokens)
		})
	}
}

func TestBudgetStore_SoftAboveHardRejected(t *testing.T) {
	for name, stores := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			soft, hard := int64(200), int64(100)
			err := stores.Budget.EnsureLimits(context.Background(), "p", &soft, &hard)
			assert.Error(t, err)
		})
	}
}

func TestSessionStore_GetAbsent(t *testing.T) {
	for name, stores := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			sess, err := stores.Sessions.Get(context.Background(), "nope")
			require.NoError(t, err)
			assert.Nil(t, sess)
		})
	}
}

func TestSessionStore_AttemptLogOrdered(t *testing.T) {
	for name, stores := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			score := 0.3

			require.NoError(t, stores.Sessions.RecordAttempt(ctx, "r1", "code", Attempt{ModelID: "a", Outcome: OutcomeRateLimit}))
			require.NoError(t, stores.Sessions.RecordAttempt(ctx, "r1", "code", Attempt{ModelID: "b", Outcome: OutcomeEvalFail, Score: &score}))
			require.NoError(t, stores.Sessions.RecordAttempt(ctx, "r1", "code", Attempt{ModelID: "c", Outcome: OutcomeSuccess}))

			sess, err := stores.Sessions.Get(ctx, "r1")
			require.NoError(t, err)
			require.NotNil(t, sess)
			assert.Equal(t, StatusPending, sess.Status)
			require.Len(t, sess.Attempts, 3)
			assert.Equal(t, "a", sess.Attempts[0].ModelID)
			assert.Equal(t, OutcomeEvalFail, sess.Attempts[1].Outcome)
			require.NotNil(t, sess.Attempts[1].Score)
			assert.Equal(t, 0.3, *sess.Attempts[1].Score)
			assert.Equal(t, OutcomeSuccess, sess.Attempts[2].Outcome)
		})
	}
}

func TestSessionStore_RecordResultCompletesOnce(t *testing.T) {
	for name, stores := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, stores.Sessions.RecordAttempt(ctx, "r1", "code", Attempt{ModelID: "a", Outcome: OutcomeSuccess}))
			require.NoError(t, stores.Sessions.RecordResult(ctx, "r1", "code", "a", "first answer"))

			// A second completion must not overwrite the stored response.
			require.NoError(t, stores.Sessions.RecordResult(ctx, "r1", "code", "b", "second answer"))

			sess, err := stores.Sessions.Get(ctx, "r1")
			require.NoError(t, err)
			require.NotNil(t, sess)
			assert.Equal(t, StatusComplete, sess.Status)
			assert.Equal(t, "first answer", sess.ResponseText)
			assert.Equal(t, "a", sess.ModelID)
		})
	}
}

func TestSessionStore_ResultWithoutAttempts(t *testing.T) {
	for name, stores := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, stores.Sessions.RecordResult(ctx, "r2", "rewrite", "m", "text"))
			sess, err := stores.Sessions.Get(ctx, "r2")
			require.NoError(t, err)
			require.NotNil(t, sess)
			assert.Equal(t, StatusComplete, sess.Status)
			assert.Empty(t, sess.Attempts)
		})
	}
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.sqlite")
	ctx := context.Background()

	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Stores().Health.MarkRateLimited(ctx, "m", 60_000, RateLimitMark{Strikes: 3}))
	require.NoError(t, db.Stores().Budget.Record(ctx, "p", 42))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	h, err := db.Stores().Health.Get(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, 3, h.RateLimitStrikes)

	b, err := db.Stores().Budget.Get(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, int64(42), b.UsedTokens)
}

func TestMemory_SessionCopyIsolated(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	require.NoError(t, mem.Stores().Sessions.RecordAttempt(ctx, "r", "code", Attempt{ModelID: "a", Outcome: OutcomeSuccess}))

	sess, err := mem.Stores().Sessions.Get(ctx, "r")
	require.NoError(t, err)
	sess.Attempts[0].ModelID = "mutated"

	again, err := mem.Stores().Sessions.Get(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, "a", again.Attempts[0].ModelID, "callers must get a copy")
}
