// Package registry holds the model registry and per-task routing policies.
//
// The registry is loaded from a YAML file into an immutable Snapshot. Admin
// reload swaps the snapshot behind an atomic pointer; requests capture the
// snapshot once at the start and keep it for their whole lifetime, so a
// reload never disturbs an in-flight request.
package registry

import (
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Model is a single registry entry. Immutable within a snapshot.
type Model struct {
	ID            string         `yaml:"id"`
	Provider      string         `yaml:"provider"`
	BackendID     string         `yaml:"backend_id"`
	ContextTokens int            `yaml:"context_tokens"`
	Capabilities  map[string]int `yaml:"capabilities"`
	CostWeight    float64        `yaml:"cost_weight"`
	Enabled       bool           `yaml:"enabled"`
}

// Capability returns the 0-5 rating for a task type, 0 when unrated.
func (m *Model) Capability(task string) int {
	return m.Capabilities[task]
}

// Weights are the scorer coefficients. Policy files may override any subset.
type Weights struct {
	Capability  float64
	Reliability float64
	Cost        float64
	Latency     float64
	Degrade     float64
	Budget      float64
}

// DefaultWeights returns the stock scorer coefficients.
func DefaultWeights() Weights {
	return Weights{
		Capability:  1.0,
		Reliability: 0.5,
		Cost:        0.5,
		Latency:     0.2,
		Degrade:     1.5,
		Budget:      1.0,
	}
}

// Merged overlays a partial weight map (keyed by coefficient name) on w.
func (w Weights) Merged(over map[string]float64) Weights {
	for k, v := range over {
		switch k {
		case "capability":
			w.Capability = v
		case "reliability":
			w.Reliability = v
		case "cost":
			w.Cost = v
		case "latency":
			w.Latency = v
		case "degrade":
			w.Degrade = v
		case "budget":
			w.Budget = v
		}
	}
	return w
}

// Policy is the resolved routing policy for one task type.
type Policy struct {
	Preferred           []string
	MinCapability       int
	QualityThreshold    float64
	MaxAttemptsPerCycle int
	PollIntervalMs      int
	MaxWaitMs           int
	DegradeMs           int
	Weights             Weights
}

// Stock policy values applied before file overlays.
const (
	DefaultQualityThreshold = 0.55
	DefaultMaxAttempts      = 3
	DefaultPollIntervalMs   = 1000
	DefaultMaxWaitMs        = 30_000
	DefaultDegradeMs        = 30_000
)

// StreamingConfig controls buffered-then-streamed chunking.
type StreamingConfig struct {
	ChunkSize    int `yaml:"chunk_size"`
	ChunkDelayMs int `yaml:"chunk_delay_ms"`
}

// CodeEvalConfig describes the optional executable code-test scorer.
type CodeEvalConfig struct {
	Command        string  `yaml:"command"`
	TimeoutMs      int     `yaml:"timeout_ms"`
	Weight         float64 `yaml:"weight"`
	FailurePenalty float64 `yaml:"failure_penalty"`
}

// JudgeConfig describes the optional borderline-rescoring judge model.
type JudgeConfig struct {
	ModelID  string   `yaml:"model_id"`
	MinScore *float64 `yaml:"min_score"`
}

// BudgetLimits are per-provider token limits applied to the budget store at
// startup and on reload. Usage is never reset from here.
type BudgetLimits struct {
	SoftLimitTokens *int64 `yaml:"soft_limit_tokens"`
	HardLimitTokens *int64 `yaml:"hard_limit_tokens"`
}

// Snapshot is one immutable config generation.
type Snapshot struct {
	Models    []Model
	Streaming StreamingConfig
	CodeEval  *CodeEvalConfig
	Judge     *JudgeConfig
	Budgets   map[string]BudgetLimits

	byID     map[string]*Model
	policies map[string]Policy
	base     Policy
}

// ModelByID looks up a registry entry; nil when absent.
func (s *Snapshot) ModelByID(id string) *Model {
	return s.byID[id]
}

// PolicyFor resolves the policy for a task type, falling back to the
// default policy field by field.
func (s *Snapshot) PolicyFor(task string) Policy {
	if p, ok := s.policies[task]; ok {
		return p
	}
	return s.base
}

// Store publishes snapshots to concurrent readers.
type Store struct {
	ptr atomic.Pointer[Snapshot]
}

func NewStore(snap *Snapshot) *Store {
	s := &Store{}
	s.ptr.Store(snap)
	return s
}

// Snapshot returns the current generation. Callers keep the returned value
// for the duration of a request instead of re-reading.
func (s *Store) Snapshot() *Snapshot { return s.ptr.Load() }

// Swap installs a new generation for subsequent requests.
func (s *Store) Swap(snap *Snapshot) { s.ptr.Store(snap) }

// filePolicy is the YAML shape of a policy block: every field optional,
// unset fields inherit from the default policy.
type filePolicy struct {
	Preferred           []string           `yaml:"preferred"`
	MinCapability       *int               `yaml:"min_capability"`
	QualityThreshold    *float64           `yaml:"quality_threshold"`
	MaxAttemptsPerCycle *int               `yaml:"max_attempts_per_cycle"`
	PollIntervalMs      *int               `yaml:"poll_interval_ms"`
	MaxWaitMs           *int               `yaml:"max_wait_ms"`
	DegradeMs           *int               `yaml:"degrade_ms"`
	Weights             map[string]float64 `yaml:"weights"`
}

type fileConfig struct {
	Models    []Model               `yaml:"models"`
	Policies  map[string]filePolicy `yaml:"policies"`
	Streaming StreamingConfig       `yaml:"streaming"`
	CodeEval  *CodeEvalConfig       `yaml:"code_eval"`
	Judge     *JudgeConfig          `yaml:"judge"`
	Budgets   map[string]BudgetLimits `yaml:"budgets"`
}

// LoadFile reads and validates a registry/policy YAML file.
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a Snapshot from raw YAML.
func Parse(data []byte) (*Snapshot, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("registry: parse: %w", err)
	}

	if len(fc.Models) == 0 {
		return nil, fmt.Errorf("registry: no models configured")
	}

	byID := make(map[string]*Model, len(fc.Models))
	for i := range fc.Models {
		m := &fc.Models[i]
		if m.ID == "" {
			return nil, fmt.Errorf("registry: model %d: missing id", i)
		}
		if m.Provider == "" {
			return nil, fmt.Errorf("registry: model %q: missing provider", m.ID)
		}
		if m.ContextTokens <= 0 {
			return nil, fmt.Errorf("registry: model %q: context_tokens must be > 0", m.ID)
		}
		if m.BackendID == "" {
			m.BackendID = m.ID
		}
		if _, dup := byID[m.ID]; dup {
			return nil, fmt.Errorf("registry: duplicate model id %q", m.ID)
		}
		byID[m.ID] = m
	}

	base := Policy{
		QualityThreshold:    DefaultQualityThreshold,
		MaxAttemptsPerCycle: DefaultMaxAttempts,
		PollIntervalMs:      DefaultPollIntervalMs,
		MaxWaitMs:           DefaultMaxWaitMs,
		DegradeMs:           DefaultDegradeMs,
		Weights:             DefaultWeights(),
	}
	if def, ok := fc.Policies["default"]; ok {
		base = overlay(base, def)
	}

	policies := make(map[string]Policy, len(fc.Policies))
	for task, fp := range fc.Policies {
		if task == "default" {
			continue
		}
		policies[task] = overlay(base, fp)
	}

	streaming := fc.Streaming
	if streaming.ChunkSize <= 0 {
		streaming.ChunkSize = 80
	}
	if streaming.ChunkDelayMs < 0 {
		streaming.ChunkDelayMs = 0
	}

	if fc.CodeEval != nil && fc.CodeEval.Command == "" {
		return nil, fmt.Errorf("registry: code_eval: missing command")
	}
	if fc.Judge != nil {
		if fc.Judge.ModelID == "" {
			return nil, fmt.Errorf("registry: judge: missing model_id")
		}
		if _, ok := byID[fc.Judge.ModelID]; !ok {
			return nil, fmt.Errorf("registry: judge: unknown model %q", fc.Judge.ModelID)
		}
	}

	for provider, lim := range fc.Budgets {
		if lim.SoftLimitTokens != nil && lim.HardLimitTokens != nil &&
			*lim.SoftLimitTokens > *lim.HardLimitTokens {
			return nil, fmt.Errorf("registry: budget for %s: soft limit above hard limit", provider)
		}
	}

	return &Snapshot{
		Models:    fc.Models,
		Streaming: streaming,
		CodeEval:  fc.CodeEval,
		Judge:     fc.Judge,
		Budgets:   fc.Budgets,
		byID:      byID,
		policies:  policies,
		base:      base,
	}, nil
}

func overlay(base Policy, fp filePolicy) Policy {
	p := base
	if len(fp.Preferred) > 0 {
		p.Preferred = fp.Preferred
	}
	if fp.MinCapability != nil {
		p.MinCapability = *fp.MinCapability
	}
	if fp.QualityThreshold != nil {
		p.QualityThreshold = *fp.QualityThreshold
	}
	if fp.MaxAttemptsPerCycle != nil {
		p.MaxAttemptsPerCycle = *fp.MaxAttemptsPerCycle
	}
	if fp.PollIntervalMs != nil {
		p.PollIntervalMs = *fp.PollIntervalMs
	}
	if fp.MaxWaitMs != nil {
		p.MaxWaitMs = *fp.MaxWaitMs
	}
	if fp.DegradeMs != nil {
		p.DegradeMs = *fp.DegradeMs
	}
	if len(fp.Weights) > 0 {
		p.Weights = p.Weights.Merged(fp.Weights)
	}
	return p
}
