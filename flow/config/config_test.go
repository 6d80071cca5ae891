package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dshills/tierflow-go/flow"
	"github.com/dshills/tierflow-go/flow/model"
)

const sampleYAML = `
providers:
  anthropic:
    api_key_env: ANTHROPIC_API_KEY
    concurrency: 8
  openai:
    api_key_env: OPENAI_API_KEY
    concurrency: 4

models:
  claude-3-haiku:
    provider: anthropic
    tier: CHEAP
    input_cost_per_million: 0.25
    output_cost_per_million: 1.25
    context_window: 200000
    fallback_chain: [gpt-4o-mini]
  gpt-4o-mini:
    provider: openai
    tier: CHEAP
    input_cost_per_million: 0.15
    output_cost_per_million: 0.60
    context_window: 128000
  claude-3-opus:
    provider: anthropic
    tier: PREMIUM
    input_cost_per_million: 15.0
    output_cost_per_million: 75.0
    context_window: 200000

workflows:
  code-review:
    default_tier: CAPABLE
    budget_cap: 0.50
    keywords:
      review: 0.5
      diff: 0.3
    stages:
      - name: analysis
        role: "You are a careful reviewer."
        tier: CHEAP
        prompt: "Review: {{index .Inputs \"diff\"}}"
        required: true
        required_inputs: [diff]
        max_tokens: 1024
        escalation:
          trigger: low_confidence
          confidence_threshold: 0.5
          max_escalations: 1
      - name: summary
        prompt: "Summarize: {{index .Stages \"analysis\"}}"

cache:
  enabled: true
  mode: hash
  max_bytes: 1048576

telemetry:
  enabled: true
  retention_days: 30

routing:
  hard_threshold: 0.7
  ambiguity_band: 0.15
  min_threshold: 0.25

resilience:
  retry_initial_ms: 100
  retry_max_ms: 4000
  retry_max_attempts: 3
  circuit_failures_open: 4
  circuit_cooldown_ms: 15000
  half_open_probes: 2
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.Providers) != 2 || len(cfg.Models) != 3 {
		t.Errorf("providers/models = %d/%d", len(cfg.Providers), len(cfg.Models))
	}
	if cfg.Telemetry.Dir == "" {
		t.Error("telemetry dir must default under the data dir")
	}
	if cfg.Cache.Mode != "hash" {
		t.Errorf("cache mode = %q", cfg.Cache.Mode)
	}
}

func TestLoad_DataDirEnvOverride(t *testing.T) {
	t.Setenv("DATA_DIR", "/tmp/tierflow-test-data")
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != "/tmp/tierflow-test-data" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Telemetry.Dir != filepath.Join("/tmp/tierflow-test-data", "telemetry") {
		t.Errorf("Telemetry.Dir = %q", cfg.Telemetry.Dir)
	}
}

func TestLoad_JSONFile(t *testing.T) {
	// JSON is a YAML subset; the same loader handles both.
	const sampleJSON = `{
		"providers": {"anthropic": {"api_key_env": "ANTHROPIC_API_KEY"}},
		"models": {"claude-3-haiku": {"provider": "anthropic", "tier": "CHEAP",
			"input_cost_per_million": 0.25, "output_cost_per_million": 1.25}},
		"workflows": {}
	}`
	cfg, err := Load(writeConfig(t, sampleJSON))
	if err != nil {
		t.Fatalf("Load JSON: %v", err)
	}
	if _, ok := cfg.Models["claude-3-haiku"]; !ok {
		t.Error("JSON models not parsed")
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"unparseable", "providers: [not a map"},
		{"model unknown provider", `
models:
  m:
    provider: ghost
    tier: CHEAP
`},
		{"model bad tier", `
providers:
  p: {api_key_env: K}
models:
  m:
    provider: p
    tier: MEGA
`},
		{"dangling fallback", `
providers:
  p: {api_key_env: K}
models:
  m:
    provider: p
    tier: CHEAP
    fallback_chain: [ghost]
`},
		{"provider missing key env", `
providers:
  p: {}
`},
		{"workflow without stages", `
workflows:
  empty: {}
`},
		{"bad cache mode", `
cache:
  mode: psychic
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			var ce *flow.ConfigError
			if !errors.As(err, &ce) {
				t.Errorf("expected ConfigError, got %v", err)
			}
		})
	}
}

func TestConfig_Descriptors(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatal(err)
	}

	descriptors, err := cfg.Descriptors()
	if err != nil {
		t.Fatal(err)
	}

	byID := make(map[string]model.Descriptor)
	for _, d := range descriptors {
		byID[d.ID] = d
	}

	haiku := byID["claude-3-haiku"]
	if haiku.Tier != model.TierCheap {
		t.Errorf("haiku tier = %v", haiku.Tier)
	}
	if haiku.InputMicrosPer1M != 250_000 || haiku.OutputMicrosPer1M != 1_250_000 {
		t.Errorf("haiku rates = %d/%d micros", haiku.InputMicrosPer1M, haiku.OutputMicrosPer1M)
	}
	if len(haiku.FallbackChain) != 1 || haiku.FallbackChain[0] != "gpt-4o-mini" {
		t.Errorf("haiku fallback = %v", haiku.FallbackChain)
	}
}

func TestConfig_Definitions(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatal(err)
	}

	defs, err := cfg.Definitions()
	if err != nil {
		t.Fatal(err)
	}
	if len(defs) != 1 {
		t.Fatalf("definitions = %d", len(defs))
	}

	def := defs[0]
	if def.Name != "code-review" {
		t.Errorf("name = %q", def.Name)
	}
	// 0.50 currency units = 500000 micros.
	if def.BudgetCapMicros != 500_000 {
		t.Errorf("budget = %d micros", def.BudgetCapMicros)
	}
	if len(def.Stages) != 2 {
		t.Fatalf("stages = %d", len(def.Stages))
	}

	analysis := def.Stages[0]
	if analysis.DefaultTier != model.TierCheap {
		t.Errorf("analysis tier = %v (stage override)", analysis.DefaultTier)
	}
	if analysis.Escalation == nil || analysis.Escalation.Trigger != flow.TriggerLowConfidence {
		t.Errorf("analysis escalation = %+v", analysis.Escalation)
	}

	// The second stage inherits the workflow default tier.
	if def.Stages[1].DefaultTier != model.TierCapable {
		t.Errorf("summary tier = %v, want workflow default", def.Stages[1].DefaultTier)
	}

	if err := def.Validate(); err != nil {
		t.Errorf("converted definition invalid: %v", err)
	}
}

func TestConfig_ClientOptions(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatal(err)
	}

	opts := cfg.ClientOptions()
	if opts.Retry.MaxAttempts != 3 {
		t.Errorf("retry attempts = %d", opts.Retry.MaxAttempts)
	}
	if opts.Breaker.FailuresToOpen != 4 {
		t.Errorf("failures to open = %d", opts.Breaker.FailuresToOpen)
	}
	if opts.ProviderConcurrency != 8 {
		t.Errorf("concurrency = %d", opts.ProviderConcurrency)
	}
}

func TestConfig_Signals(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatal(err)
	}

	signals, err := cfg.Signals()
	if err != nil {
		t.Fatal(err)
	}
	if len(signals) != 1 || signals[0].Workflow != "code-review" {
		t.Fatalf("signals = %+v", signals)
	}
	if signals[0].Keywords["review"] != 0.5 {
		t.Errorf("keyword weight = %v", signals[0].Keywords["review"])
	}
	if signals[0].DefaultTier != model.TierCapable {
		t.Errorf("default tier = %v", signals[0].DefaultTier)
	}
}
