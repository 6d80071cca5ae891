// Package runtime assembles the orchestrator from configuration: provider
// adapters, model registry, resilient client, cache, ledger, engine, and
// router, owned by one explicitly constructed value.
package runtime

import (
	"context"
	"os"

	"github.com/sony/gobreaker"

	"github.com/dshills/tierflow-go/flow"
	"github.com/dshills/tierflow-go/flow/cache"
	"github.com/dshills/tierflow-go/flow/client"
	"github.com/dshills/tierflow-go/flow/config"
	"github.com/dshills/tierflow-go/flow/emit"
	"github.com/dshills/tierflow-go/flow/model"
	"github.com/dshills/tierflow-go/flow/model/anthropic"
	"github.com/dshills/tierflow-go/flow/model/google"
	"github.com/dshills/tierflow-go/flow/model/openai"
	"github.com/dshills/tierflow-go/flow/route"
	"github.com/dshills/tierflow-go/flow/telemetry"
)

// Options injects optional collaborators the config file cannot express.
type Options struct {
	// Emitter receives execution events. Defaults to the null emitter.
	Emitter emit.Emitter

	// Metrics enables Prometheus collection.
	Metrics *flow.Metrics

	// Embedder enables semantic cache mode when the config selects
	// "hybrid".
	Embedder cache.Embedder

	// CacheStore enables persistent cache warm-up and write-through.
	CacheStore cache.Store

	// Patterns receives completed-stage observations.
	Patterns flow.PatternSink

	// ExtraProviders registers additional provider implementations by
	// name, overriding the built-ins. Tests use this to install mocks.
	ExtraProviders map[string]model.Provider
}

// Runtime owns every long-lived service. There are no globals: construct
// one Runtime at startup and thread it through.
type Runtime struct {
	Config   *config.Config
	Registry *model.Registry
	Client   *client.Client
	Cache    *cache.Cache
	Ledger   *telemetry.Ledger
	Engine   *flow.Engine
	Router   *route.Router
}

// New builds a Runtime from validated configuration.
//
// Providers are resolved by name from an explicit table (anthropic, openai,
// google) plus opts.ExtraProviders; an unrecognized provider name is a
// ConfigError. There is no dynamic discovery or runtime code loading.
func New(cfg *config.Config, opts Options) (*Runtime, error) {
	if opts.Emitter == nil {
		opts.Emitter = emit.NewNullEmitter()
	}

	registry := model.NewRegistry()
	for name := range cfg.Providers {
		p, err := buildProvider(name, cfg, opts.ExtraProviders)
		if err != nil {
			return nil, err
		}
		if err := registry.RegisterProvider(name, p); err != nil {
			return nil, &flow.ConfigError{Message: "provider " + name, Cause: err}
		}
	}

	descriptors, err := cfg.Descriptors()
	if err != nil {
		return nil, err
	}
	for _, d := range descriptors {
		if err := registry.RegisterModel(d); err != nil {
			return nil, &flow.ConfigError{Message: "model " + d.ID, Cause: err}
		}
	}
	if err := registry.Freeze(); err != nil {
		return nil, &flow.ConfigError{Message: "model registry", Cause: err}
	}

	clientOpts := cfg.ClientOptions()
	clientOpts.OnBreakerChange = func(provider string, _, to gobreaker.State) {
		opts.Metrics.BreakerTransition(provider, to.String())
		opts.Emitter.Emit(emit.Event{
			Msg:  emit.MsgBreakerChange,
			Meta: map[string]interface{}{"provider": provider, "state": to.String()},
		})
	}
	cl := client.New(registry, clientOpts)

	rt := &Runtime{
		Config:   cfg,
		Registry: registry,
		Client:   cl,
	}

	if cfg.Cache.Enabled {
		rt.Cache = cache.New(cfg.CacheOptions(opts.Embedder, opts.CacheStore))
	}
	if cfg.Telemetry.Enabled {
		ledger, err := telemetry.New(cfg.TelemetryOptions(registry))
		if err != nil {
			return nil, &flow.ConfigError{Message: "telemetry", Cause: err}
		}
		rt.Ledger = ledger
	}

	engine, err := flow.NewEngine(flow.Options{
		Registry: registry,
		Caller:   cl,
		Cache:    rt.Cache,
		Ledger:   rt.Ledger,
		Emitter:  opts.Emitter,
		Metrics:  opts.Metrics,
		Patterns: opts.Patterns,
	})
	if err != nil {
		return nil, err
	}
	rt.Engine = engine

	definitions, err := cfg.Definitions()
	if err != nil {
		return nil, err
	}
	for _, def := range definitions {
		if err := engine.RegisterWorkflow(def); err != nil {
			return nil, err
		}
	}

	routerOpts := cfg.RouterOptions()
	routerOpts.Classifier = route.NewLLMClassifier(&tierCompleter{rt: rt})
	router := route.New(routerOpts)
	signals, err := cfg.Signals()
	if err != nil {
		return nil, err
	}
	for _, s := range signals {
		if err := router.RegisterSignals(s); err != nil {
			return nil, &flow.ConfigError{Message: "router signals", Cause: err}
		}
	}
	registerDefaultRules(router)
	rt.Router = router

	return rt, nil
}

// buildProvider resolves a provider name to an implementation. API keys come
// from the configured environment variable; an adapter constructed with an
// empty key fails at call time with a permanent error, which keeps startup
// usable in environments that only exercise some providers.
func buildProvider(name string, cfg *config.Config, extra map[string]model.Provider) (model.Provider, error) {
	if p, ok := extra[name]; ok {
		return p, nil
	}

	apiKey := os.Getenv(cfg.Providers[name].APIKeyEnv)
	switch name {
	case anthropic.ProviderName:
		return anthropic.New(apiKey), nil
	case openai.ProviderName:
		return openai.New(apiKey), nil
	case google.ProviderName:
		return google.New(apiKey), nil
	default:
		return nil, &flow.ConfigError{Message: "unknown provider " + name + " (built-ins: anthropic, openai, google)"}
	}
}

// registerDefaultRules installs the file and error suggestion tables.
func registerDefaultRules(router *route.Router) {
	router.RegisterFileRule("_test.go", "test-generation", "code-review")
	router.RegisterFileRule(".go", "code-review", "bug-prediction")
	router.RegisterFileRule(".py", "code-review", "bug-prediction")
	router.RegisterFileRule(".ts", "code-review", "bug-prediction")
	router.RegisterFileRule(".sql", "security-audit", "code-review")
	router.RegisterFileRule(".tf", "security-audit")
	router.RegisterFileRule(".yml", "release-prep")
	router.RegisterFileRule(".yaml", "release-prep")

	router.RegisterErrorRule("nil_pointer", "bug-prediction", "code-review")
	router.RegisterErrorRule("race_condition", "bug-prediction")
	router.RegisterErrorRule("sql_injection", "security-audit")
	router.RegisterErrorRule("timeout", "bug-prediction")
	router.RegisterErrorRule("panic", "bug-prediction", "test-generation")
}

// tierCompleter adapts the cached client for the router's tie-break
// classifier. Classifier calls go through the response cache like any other
// dispatch, so repeated ambiguous requests stay cheap.
type tierCompleter struct {
	rt *Runtime
}

// Complete implements route.Completer.
func (t *tierCompleter) Complete(ctx context.Context, tier model.Tier, req model.Request) (string, error) {
	desc, ok := t.rt.Registry.Select(tier)
	if !ok {
		return "", &flow.ValidationError{Message: "no model registered for tier " + tier.String()}
	}

	if t.rt.Cache != nil {
		key := cache.Key{
			Prompt:      req.Prompt,
			System:      req.System,
			ModelID:     desc.ID,
			Tier:        tier,
			Temperature: req.Temperature,
			TopP:        req.TopP,
			MaxTokens:   req.MaxTokens,
		}
		entry, _, err := t.rt.Cache.GetOrCompute(ctx, key, func(buildCtx context.Context) (*cache.Entry, error) {
			res, callErr := t.rt.Client.Call(buildCtx, desc.ID, req)
			if callErr != nil {
				return nil, callErr
			}
			return &cache.Entry{
				Response: res.Response.Text,
				Usage:    res.Response.Usage,
				ModelID:  desc.ID,
				Tier:     tier,
			}, nil
		})
		if err != nil {
			return "", err
		}
		return entry.Response, nil
	}

	res, err := t.rt.Client.Call(ctx, desc.ID, req)
	if err != nil {
		return "", err
	}
	return res.Response.Text, nil
}
