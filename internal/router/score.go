package router

import (
	"sort"
	"time"

	"github.com/nulpointcorp/model-router/internal/registry"
	"github.com/nulpointcorp/model-router/internal/store"
)

// latencyCapSeconds bounds the latency term so one slow model cannot
// dominate the score.
const latencyCapSeconds = 5.0

// candidate is one filtered model with the state reads taken for scoring.
type candidate struct {
	model    *registry.Model
	health   store.ModelHealth
	budget   store.ProviderBudget
	score    float64
	prefRank int
}

// Score computes the weighted candidate score:
//
//	w_cap·capability − w_cost·cost + w_rel·successRate − w_lat·min(latency_s, 5)
//	− degrade penalty − near-soft-budget penalty
func Score(m *registry.Model, task string, h store.ModelHealth, b store.ProviderBudget, w registry.Weights, now time.Time) float64 {
	latencySec := h.RollingLatencyMs / 1000
	if latencySec > latencyCapSeconds {
		latencySec = latencyCapSeconds
	}

	s := w.Capability*float64(m.Capability(task)) -
		w.Cost*m.CostWeight +
		w.Reliability*h.RollingSuccessRate -
		w.Latency*latencySec

	if h.Degraded(now) {
		s -= w.Degrade
	}
	if b.NearSoftLimit() {
		s -= w.Budget
	}
	return s
}

// rankCandidates sorts by score descending; ties break by position in the
// preferred list, models absent from the list sorting last.
func rankCandidates(cands []candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].prefRank < cands[j].prefRank
	})
}

// prefRank returns the model's index in the preferred list, or a rank past
// the end when absent.
func prefRank(preferred []string, modelID string) int {
	for i, id := range preferred {
		if id == modelID {
			return i
		}
	}
	return len(preferred)
}
