// Package config loads and validates the orchestrator configuration file
// and converts it into the runtime's typed options.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/tierflow-go/flow"
	"github.com/dshills/tierflow-go/flow/cache"
	"github.com/dshills/tierflow-go/flow/client"
	"github.com/dshills/tierflow-go/flow/model"
	"github.com/dshills/tierflow-go/flow/route"
	"github.com/dshills/tierflow-go/flow/telemetry"
)

// Config mirrors the configuration file. YAML is the native format; JSON
// files parse too since JSON is a YAML subset.
type Config struct {
	Providers  map[string]ProviderConfig `yaml:"providers"`
	Models     map[string]ModelConfig    `yaml:"models"`
	Workflows  map[string]WorkflowConfig `yaml:"workflows"`
	Cache      CacheConfig               `yaml:"cache"`
	Telemetry  TelemetryConfig           `yaml:"telemetry"`
	Routing    RoutingConfig             `yaml:"routing"`
	Resilience ResilienceConfig          `yaml:"resilience"`

	// DataDir is the root for persisted state. The DATA_DIR environment
	// variable overrides it.
	DataDir string `yaml:"data_dir"`
}

// ProviderConfig declares one LLM endpoint.
type ProviderConfig struct {
	// APIKeyEnv names the environment variable holding the key.
	APIKeyEnv string `yaml:"api_key_env"`

	// Endpoint optionally overrides the provider's default URL.
	Endpoint string `yaml:"endpoint"`

	// Concurrency is the in-flight call limit declared for this provider.
	// ClientOptions applies the largest value across all providers to
	// every provider; smaller values are not enforced individually.
	Concurrency int `yaml:"concurrency"`
}

// ModelConfig declares one model with decimal per-million pricing.
type ModelConfig struct {
	Provider             string   `yaml:"provider"`
	Tier                 string   `yaml:"tier"`
	InputCostPerMillion  float64  `yaml:"input_cost_per_million"`
	OutputCostPerMillion float64  `yaml:"output_cost_per_million"`
	ContextWindow        int      `yaml:"context_window"`
	SupportsCacheControl bool     `yaml:"supports_cache_control"`
	FallbackChain        []string `yaml:"fallback_chain"`
}

// WorkflowConfig declares one workflow.
type WorkflowConfig struct {
	Stages []StageConfig `yaml:"stages"`

	// BudgetCap is the per-invocation cap in decimal currency units.
	BudgetCap float64 `yaml:"budget_cap"`

	// DefaultTier applies to stages that omit their own tier.
	DefaultTier string `yaml:"default_tier"`

	// Keywords feed the router's signal table.
	Keywords map[string]float64 `yaml:"keywords"`
}

// StageConfig declares one stage.
type StageConfig struct {
	Name           string            `yaml:"name"`
	Role           string            `yaml:"role"`
	Tier           string            `yaml:"tier"`
	Model          string            `yaml:"model"`
	Prompt         string            `yaml:"prompt"`
	Required       bool              `yaml:"required"`
	ParallelGroup  string            `yaml:"parallel_group"`
	RequiredInputs []string          `yaml:"required_inputs"`
	Temperature    float64           `yaml:"temperature"`
	TopP           float64           `yaml:"top_p"`
	MaxTokens      int               `yaml:"max_tokens"`
	Escalation     *EscalationConfig `yaml:"escalation"`
}

// EscalationConfig declares a stage's escalation policy.
type EscalationConfig struct {
	Trigger             string  `yaml:"trigger"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	MaxEscalations      int     `yaml:"max_escalations"`
}

// CacheConfig tunes the response cache.
type CacheConfig struct {
	Enabled              bool    `yaml:"enabled"`
	Mode                 string  `yaml:"mode"` // "hash" or "hybrid"
	MaxBytes             int64   `yaml:"max_bytes"`
	SemanticThreshold    float64 `yaml:"semantic_threshold"`
	SemanticAgeLimitDays int     `yaml:"semantic_age_limit_days"`
}

// TelemetryConfig tunes the cost ledger.
type TelemetryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
	MaxFileBytes  int64  `yaml:"max_file_bytes"`
	UserID        string `yaml:"user_id"`
}

// RoutingConfig tunes the router thresholds.
type RoutingConfig struct {
	HardThreshold float64 `yaml:"hard_threshold"`
	AmbiguityBand float64 `yaml:"ambiguity_band"`
	MinThreshold  float64 `yaml:"min_threshold"`
}

// ResilienceConfig tunes retry and circuit breaking.
type ResilienceConfig struct {
	RetryInitialMS      int `yaml:"retry_initial_ms"`
	RetryMaxMS          int `yaml:"retry_max_ms"`
	RetryMaxAttempts    int `yaml:"retry_max_attempts"`
	CircuitFailuresOpen int `yaml:"circuit_failures_open"`
	CircuitCooldownMS   int `yaml:"circuit_cooldown_ms"`
	HalfOpenProbes      int `yaml:"half_open_probes"`
}

// Load reads, parses, and validates a configuration file. Environment
// overrides (DATA_DIR) apply here. Any problem is a flow.ConfigError and
// should be fatal at startup.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator
	if err != nil {
		return nil, &flow.ConfigError{Message: "cannot read config file " + path, Cause: err}
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &flow.ConfigError{Message: "cannot parse config file " + path, Cause: err}
	}

	if dir := os.Getenv("DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}
	if cfg.Telemetry.Dir == "" {
		cfg.Telemetry.Dir = filepath.Join(cfg.DataDir, "telemetry")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tierflow"
	}
	return filepath.Join(home, ".tierflow")
}

// Validate checks cross-references and value ranges.
func (c *Config) Validate() error {
	for id, m := range c.Models {
		if m.Provider == "" {
			return &flow.ConfigError{Message: "model " + id + " has no provider"}
		}
		if _, ok := c.Providers[m.Provider]; !ok {
			return &flow.ConfigError{Message: "model " + id + " references unknown provider " + m.Provider}
		}
		if _, err := model.ParseTier(m.Tier); err != nil {
			return &flow.ConfigError{Message: "model " + id, Cause: err}
		}
		if m.InputCostPerMillion < 0 || m.OutputCostPerMillion < 0 {
			return &flow.ConfigError{Message: "model " + id + " has negative pricing"}
		}
		for _, fb := range m.FallbackChain {
			if _, ok := c.Models[fb]; !ok {
				return &flow.ConfigError{Message: "model " + id + " fallback references unknown model " + fb}
			}
		}
	}

	for name, p := range c.Providers {
		if p.APIKeyEnv == "" {
			return &flow.ConfigError{Message: "provider " + name + " has no api_key_env"}
		}
		if p.Concurrency < 0 {
			return &flow.ConfigError{Message: "provider " + name + " has negative concurrency"}
		}
	}

	for name, w := range c.Workflows {
		if len(w.Stages) == 0 {
			return &flow.ConfigError{Message: "workflow " + name + " has no stages"}
		}
		if w.DefaultTier != "" {
			if _, err := model.ParseTier(w.DefaultTier); err != nil {
				return &flow.ConfigError{Message: "workflow " + name, Cause: err}
			}
		}
		if w.BudgetCap < 0 {
			return &flow.ConfigError{Message: "workflow " + name + " has negative budget cap"}
		}
	}

	switch c.Cache.Mode {
	case "", "hash", "hybrid":
	default:
		return &flow.ConfigError{Message: "cache mode must be hash or hybrid, got " + c.Cache.Mode}
	}
	return nil
}

// APIKey resolves a provider's key from its configured environment variable.
func (c *Config) APIKey(providerName string) (string, error) {
	p, ok := c.Providers[providerName]
	if !ok {
		return "", &flow.ConfigError{Message: "unknown provider " + providerName}
	}
	key := os.Getenv(p.APIKeyEnv)
	if key == "" {
		return "", &flow.ConfigError{Message: "provider " + providerName + ": environment variable " + p.APIKeyEnv + " is not set"}
	}
	return key, nil
}

// Descriptors converts model configs into registry descriptors, translating
// decimal pricing into integer micro-units once.
func (c *Config) Descriptors() ([]model.Descriptor, error) {
	out := make([]model.Descriptor, 0, len(c.Models))
	for id, m := range c.Models {
		tier, err := model.ParseTier(m.Tier)
		if err != nil {
			return nil, &flow.ConfigError{Message: "model " + id, Cause: err}
		}
		out = append(out, model.Descriptor{
			ID:                   id,
			Provider:             m.Provider,
			Tier:                 tier,
			InputMicrosPer1M:     model.ToMicrosPer1M(m.InputCostPerMillion),
			OutputMicrosPer1M:    model.ToMicrosPer1M(m.OutputCostPerMillion),
			ContextWindow:        m.ContextWindow,
			SupportsCacheControl: m.SupportsCacheControl,
			FallbackChain:        append([]string(nil), m.FallbackChain...),
		})
	}
	return out, nil
}

// Definitions converts workflow configs into engine definitions.
func (c *Config) Definitions() ([]flow.Definition, error) {
	out := make([]flow.Definition, 0, len(c.Workflows))
	for name, w := range c.Workflows {
		def := flow.Definition{
			Name:            name,
			BudgetCapMicros: model.ToMicrosPer1M(w.BudgetCap),
		}

		workflowTier := model.TierCapable
		if w.DefaultTier != "" {
			t, err := model.ParseTier(w.DefaultTier)
			if err != nil {
				return nil, &flow.ConfigError{Message: "workflow " + name, Cause: err}
			}
			workflowTier = t
		}

		for _, s := range w.Stages {
			tier := workflowTier
			if s.Tier != "" {
				t, err := model.ParseTier(s.Tier)
				if err != nil {
					return nil, &flow.ConfigError{Message: "workflow " + name + " stage " + s.Name, Cause: err}
				}
				tier = t
			}

			spec := flow.StageSpec{
				Name:           s.Name,
				Role:           s.Role,
				DefaultTier:    tier,
				ModelID:        s.Model,
				PromptTemplate: s.Prompt,
				Required:       s.Required,
				ParallelGroup:  s.ParallelGroup,
				RequiredInputs: append([]string(nil), s.RequiredInputs...),
				Temperature:    s.Temperature,
				TopP:           s.TopP,
				MaxTokens:      s.MaxTokens,
			}
			if s.Escalation != nil {
				spec.Escalation = &flow.EscalationPolicy{
					Trigger:             flow.EscalationTrigger(s.Escalation.Trigger),
					ConfidenceThreshold: s.Escalation.ConfidenceThreshold,
					MaxEscalations:      s.Escalation.MaxEscalations,
				}
			}
			def.Stages = append(def.Stages, spec)
		}
		out = append(out, def)
	}
	return out, nil
}

// RouterOptions converts routing thresholds.
func (c *Config) RouterOptions() route.Options {
	return route.Options{
		HardThreshold: c.Routing.HardThreshold,
		AmbiguityBand: c.Routing.AmbiguityBand,
		MinThreshold:  c.Routing.MinThreshold,
	}
}

// ClientOptions converts resilience tuning. The client takes one
// concurrency limit for all providers, so ProviderConcurrency is the largest
// concurrency declared by any provider.
func (c *Config) ClientOptions() client.Options {
	opts := client.Options{
		Retry:   client.DefaultRetryConfig(),
		Breaker: client.DefaultBreakerConfig(),
	}
	r := c.Resilience
	if r.RetryInitialMS > 0 {
		opts.Retry.InitialDelay = time.Duration(r.RetryInitialMS) * time.Millisecond
	}
	if r.RetryMaxMS > 0 {
		opts.Retry.MaxDelay = time.Duration(r.RetryMaxMS) * time.Millisecond
	}
	if r.RetryMaxAttempts > 0 {
		opts.Retry.MaxAttempts = r.RetryMaxAttempts
	}
	if r.CircuitFailuresOpen > 0 {
		opts.Breaker.FailuresToOpen = r.CircuitFailuresOpen
	}
	if r.CircuitCooldownMS > 0 {
		opts.Breaker.Cooldown = time.Duration(r.CircuitCooldownMS) * time.Millisecond
	}
	if r.HalfOpenProbes > 0 {
		opts.Breaker.HalfOpenProbes = r.HalfOpenProbes
	}

	maxConcurrency := 0
	for _, p := range c.Providers {
		if p.Concurrency > maxConcurrency {
			maxConcurrency = p.Concurrency
		}
	}
	opts.ProviderConcurrency = maxConcurrency
	return opts
}

// CacheOptions converts cache tuning. The embedder and persistent store are
// injected by the caller; mode "hybrid" without an embedder degrades to
// hash-only.
func (c *Config) CacheOptions(embedder cache.Embedder, store cache.Store) cache.Options {
	opts := cache.Options{
		MaxBytes:          c.Cache.MaxBytes,
		SemanticThreshold: c.Cache.SemanticThreshold,
		Store:             store,
	}
	if c.Cache.Mode == "hybrid" {
		opts.Embedder = embedder
	}
	if c.Cache.SemanticAgeLimitDays > 0 {
		opts.SemanticAgeLimit = time.Duration(c.Cache.SemanticAgeLimitDays) * 24 * time.Hour
	}
	return opts
}

// TelemetryOptions converts ledger tuning.
func (c *Config) TelemetryOptions(pricer telemetry.Pricer) telemetry.Options {
	return telemetry.Options{
		Dir:           c.Telemetry.Dir,
		MaxFileBytes:  c.Telemetry.MaxFileBytes,
		RetentionDays: c.Telemetry.RetentionDays,
		Pricer:        pricer,
		UserID:        c.Telemetry.UserID,
	}
}

// Signals converts per-workflow keywords into router signals.
func (c *Config) Signals() ([]route.Signals, error) {
	var out []route.Signals
	for name, w := range c.Workflows {
		if len(w.Keywords) == 0 {
			continue
		}
		tier := model.TierCapable
		if w.DefaultTier != "" {
			t, err := model.ParseTier(w.DefaultTier)
			if err != nil {
				return nil, &flow.ConfigError{Message: "workflow " + name, Cause: err}
			}
			tier = t
		}
		out = append(out, route.Signals{
			Workflow:    name,
			Keywords:    w.Keywords,
			DefaultTier: tier,
		})
	}
	return out, nil
}
