package flow

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/tierflow-go/flow/cache"
	"github.com/dshills/tierflow-go/flow/client"
	"github.com/dshills/tierflow-go/flow/emit"
	"github.com/dshills/tierflow-go/flow/model"
	"github.com/dshills/tierflow-go/flow/telemetry"
)

// Caller executes a single prompt with resilience. *client.Client is the
// production implementation; tests substitute fakes.
type Caller interface {
	Call(ctx context.Context, modelID string, req model.Request) (*client.Result, error)
}

// Options configures an Engine.
//
// The engine is an explicitly constructed long-lived value: all collaborators
// are passed in here and threaded through execution. There are no global
// registries or singletons.
type Options struct {
	// Registry holds models and providers. Required.
	Registry *model.Registry

	// Caller dispatches prompts. Required.
	Caller Caller

	// Cache short-circuits repeated dispatches. Optional.
	Cache *cache.Cache

	// Ledger records every dispatch. Optional.
	Ledger *telemetry.Ledger

	// Emitter receives execution events. Optional; defaults to the null
	// emitter.
	Emitter emit.Emitter

	// Metrics collects Prometheus metrics. Optional.
	Metrics *Metrics

	// Patterns receives completed-stage observations. Optional; defaults
	// to the no-op sink.
	Patterns PatternSink
}

// Engine executes workflow definitions.
//
// Responsibilities: stage ordering, parallel fan-out with a barrier, budget
// enforcement in integer micro-units, monotonic tier escalation, cooperative
// cancellation, and conversion of every stage failure into a structured
// result. The only errors Execute returns as Go errors are ValidationError
// and CancelledError; everything else is encoded in the Result.
type Engine struct {
	mu        sync.RWMutex
	workflows map[string]Definition

	registry *model.Registry
	caller   Caller
	cache    *cache.Cache
	ledger   *telemetry.Ledger
	emitter  emit.Emitter
	metrics  *Metrics
	patterns PatternSink
}

// NewEngine creates an Engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, &ConfigError{Message: "engine requires a model registry"}
	}
	if opts.Caller == nil {
		return nil, &ConfigError{Message: "engine requires a caller"}
	}
	if opts.Emitter == nil {
		opts.Emitter = emit.NewNullEmitter()
	}
	if opts.Patterns == nil {
		opts.Patterns = NullPatternSink{}
	}
	return &Engine{
		workflows: make(map[string]Definition),
		registry:  opts.Registry,
		caller:    opts.Caller,
		cache:     opts.Cache,
		ledger:    opts.Ledger,
		emitter:   opts.Emitter,
		metrics:   opts.Metrics,
		patterns:  opts.Patterns,
	}, nil
}

// RegisterWorkflow adds a workflow definition. Idempotent by name:
// re-registering an identical definition succeeds, a conflicting one fails
// with ConfigError. Definitions are immutable after registration.
func (e *Engine) RegisterWorkflow(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.workflows[def.Name]; ok {
		if existing.equal(def) {
			return nil
		}
		return &ConfigError{Message: "workflow " + def.Name + " already registered with a different definition"}
	}
	e.workflows[def.Name] = def
	return nil
}

// ListWorkflows returns registered workflow names, sorted.
func (e *Engine) ListWorkflows() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.workflows))
	for name := range e.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExecuteOptions tunes one invocation.
type ExecuteOptions struct {
	// BudgetCapMicros overrides the definition's cap when non-nil. A
	// pointer distinguishes "uncapped" from an explicit zero cap.
	BudgetCapMicros *int64

	// InitialTier overrides every stage's starting tier when non-nil.
	// Escalation still moves upward from the override.
	InitialTier *model.Tier

	// DisableCache bypasses the response cache for this invocation.
	DisableCache bool

	// DisableTelemetry suppresses ledger entries for this invocation.
	DisableTelemetry bool
}

// Execute runs a workflow to completion.
//
// The returned Result is non-nil whenever the workflow name validated, even
// under cancellation, so callers always see which stages completed. Returned
// errors are limited to ValidationError (unknown workflow, bad options) and
// CancelledError (with the partial result alongside).
func (e *Engine) Execute(ctx context.Context, workflowName string, inputs map[string]string, opts ExecuteOptions) (*Result, error) {
	e.mu.RLock()
	def, ok := e.workflows[workflowName]
	e.mu.RUnlock()
	if !ok {
		return nil, &ValidationError{Message: "unknown workflow: " + workflowName}
	}
	if opts.InitialTier != nil && !opts.InitialTier.Valid() {
		return nil, &ValidationError{Message: "invalid tier override"}
	}
	if opts.BudgetCapMicros != nil && *opts.BudgetCapMicros < 0 {
		return nil, &ValidationError{Message: "budget cap cannot be negative"}
	}

	budgetCap := int64(-1)
	if def.BudgetCapMicros > 0 {
		budgetCap = def.BudgetCapMicros
	}
	if opts.BudgetCapMicros != nil {
		budgetCap = *opts.BudgetCapMicros
	}

	inv := newInvocation(uuid.NewString(), workflowName, inputs, budgetCap)
	e.emitter.Emit(emit.Event{
		InvocationID: inv.id,
		Workflow:     workflowName,
		Msg:          emit.MsgInvocationStart,
		Meta:         map[string]interface{}{"budget_cap_micros": budgetCap},
	})

	result := e.run(ctx, inv, def, opts)

	result.InvocationID = inv.id
	result.Workflow = workflowName
	result.CostMicros = inv.costMicros()
	result.BudgetCapMicros = budgetCap
	result.Duration = time.Since(inv.start)
	for _, s := range result.Stages {
		if s.Status == StageFailed {
			result.FailedStages = append(result.FailedStages, s.Name)
		}
		if s.Cache.Hit {
			result.CacheHits++
		} else if s.Status == StageCompleted {
			result.CacheMisses++
		}
	}

	e.emitter.Emit(emit.Event{
		InvocationID: inv.id,
		Workflow:     workflowName,
		Msg:          emit.MsgInvocationEnd,
		Meta: map[string]interface{}{
			"status":      string(result.Status),
			"cost_micros": result.CostMicros,
			"duration_ms": result.Duration.Milliseconds(),
		},
	})

	if result.Status == StatusCancelled {
		return result, &CancelledError{Cause: context.Cause(ctx)}
	}
	return result, nil
}

// run executes the stage groups and assembles per-stage results.
func (e *Engine) run(ctx context.Context, inv *invocation, def Definition, opts ExecuteOptions) *Result {
	result := &Result{Status: StatusSuccess}
	groups := stageGroups(def.Stages)

	aborted := false    // a required stage failed
	budgetStop := false // a required stage hit the budget cap

	for _, group := range groups {
		if aborted || budgetStop {
			for _, spec := range group {
				status := StagePending
				if budgetStop {
					status = StageSkippedBudget
				}
				result.Stages = append(result.Stages, StageResult{Name: spec.Name, Status: status})
			}
			continue
		}
		if ctx.Err() != nil {
			for _, spec := range group {
				result.Stages = append(result.Stages, StageResult{Name: spec.Name, Status: StageCancelled})
			}
			result.Status = StatusCancelled
			continue
		}

		stageResults := e.runGroup(ctx, inv, group, opts)

		for _, sr := range stageResults {
			result.Stages = append(result.Stages, sr)
		}

		// Settle group outcome: outputs publish only after the barrier,
		// then required failures decide whether execution continues.
		for i, sr := range stageResults {
			spec := group[i]
			switch sr.Status {
			case StageCompleted:
				inv.setOutput(spec.Name, sr.Output)
			case StageFailed:
				if spec.Required {
					aborted = true
				}
			case StageSkippedBudget:
				if spec.Required {
					budgetStop = true
				}
			case StageCancelled:
				result.Status = StatusCancelled
			}
		}
	}

	switch {
	case result.Status == StatusCancelled:
	case budgetStop:
		result.Status = StatusBudgetExceeded
	case aborted:
		result.Status = StatusPartial
	}
	return result
}

// runGroup executes one execution unit: a single stage, or a parallel group
// joined by a barrier. Results come back in declaration order regardless of
// completion order.
func (e *Engine) runGroup(ctx context.Context, inv *invocation, group []StageSpec, opts ExecuteOptions) []StageResult {
	snapshot := inv.outputsSnapshot()

	// Budget admission happens sequentially in declaration order, with
	// estimates of admitted group members reserved against the cap so a
	// parallel group cannot collectively overshoot it.
	type admission struct {
		run     bool
		prompt  string
		desc    model.Descriptor
		failure *StageFailure
	}
	admissions := make([]admission, len(group))
	var reserved int64

	for i, spec := range group {
		adm := admission{}

		if missing := missingInputs(spec, inv.inputs); missing != "" {
			adm.failure = &StageFailure{
				Kind:      FailureMissingInput,
				Retriable: false,
				Message:   "missing required input: " + missing,
			}
			admissions[i] = adm
			continue
		}

		prompt, err := renderPrompt(spec, inv.inputs, snapshot)
		if err != nil {
			adm.failure = &StageFailure{
				Kind:      FailureTemplate,
				Retriable: false,
				Message:   err.Error(),
			}
			admissions[i] = adm
			continue
		}
		adm.prompt = prompt

		tier := e.initialTier(spec, opts)
		desc, ok := e.chooseModel(spec, tier)
		if !ok {
			adm.failure = &StageFailure{
				Kind:      FailureNoModel,
				Retriable: false,
				Message:   "no model registered for tier " + tier.String(),
			}
			admissions[i] = adm
			continue
		}
		adm.desc = desc

		estimate := estimateStageCost(spec, prompt, desc)
		if !inv.withinBudget(reserved, estimate) {
			e.metrics.BudgetSkipped(inv.workflow, spec.Name)
			e.emitter.Emit(emit.Event{
				InvocationID: inv.id,
				Workflow:     inv.workflow,
				Stage:        spec.Name,
				Msg:          emit.MsgStageSkipped,
				Meta:         map[string]interface{}{"estimate_micros": estimate},
			})
			admissions[i] = adm // run stays false, no failure: budget skip
			continue
		}

		reserved += estimate
		adm.run = true
		admissions[i] = adm
	}

	results := make([]StageResult, len(group))
	var wg sync.WaitGroup

	for i, spec := range group {
		adm := admissions[i]
		switch {
		case adm.failure != nil:
			results[i] = StageResult{
				Name:       spec.Name,
				Status:     StageFailed,
				GroupIndex: i,
				Failure:    adm.failure,
			}
		case !adm.run:
			results[i] = StageResult{Name: spec.Name, Status: StageSkippedBudget, GroupIndex: i}
		default:
			wg.Add(1)
			go func(i int, spec StageSpec, adm admission) {
				defer wg.Done()
				results[i] = e.runStage(ctx, inv, spec, adm.prompt, e.initialTier(spec, opts), opts)
				results[i].GroupIndex = i
			}(i, spec, adm)
		}
	}
	wg.Wait()

	return results
}

// initialTier resolves a stage's starting tier, honoring the invocation
// override.
func (e *Engine) initialTier(spec StageSpec, opts ExecuteOptions) model.Tier {
	if opts.InitialTier != nil {
		return *opts.InitialTier
	}
	return spec.DefaultTier
}

// chooseModel picks the model for a stage attempt at the given tier. A
// pinned model is used while its tier matches; escalated attempts select by
// tier from the registry.
func (e *Engine) chooseModel(spec StageSpec, tier model.Tier) (model.Descriptor, bool) {
	if spec.ModelID != "" {
		if d, ok := e.registry.Model(spec.ModelID); ok && d.Tier == tier {
			return d, true
		}
	}
	return e.registry.Select(tier)
}

// runStage executes one stage through its attempt/escalation loop.
func (e *Engine) runStage(ctx context.Context, inv *invocation, spec StageSpec, prompt string, tier model.Tier, opts ExecuteOptions) StageResult {
	start := time.Now()
	e.metrics.StageStarted()
	e.emitter.Emit(emit.Event{
		InvocationID: inv.id,
		Workflow:     inv.workflow,
		Stage:        spec.Name,
		Msg:          emit.MsgStageStart,
		Meta:         map[string]interface{}{"tier": tier.String()},
	})

	sr := StageResult{Name: spec.Name, Status: StageRunning}
	firstTier := tier
	escalations := 0

	for {
		desc, ok := e.chooseModel(spec, tier)
		if !ok {
			sr.Status = StageFailed
			sr.Failure = &StageFailure{
				Kind:      FailureNoModel,
				Retriable: false,
				Message:   "no model registered for tier " + tier.String(),
			}
			break
		}

		out, err := e.dispatch(ctx, inv, spec, desc, prompt, tier, opts)
		if err != nil {
			sr.Status, sr.Failure = failureFor(err)
			break
		}

		sr.Status = StageCompleted
		sr.Output = out.output
		sr.TierUsed = tier
		sr.ModelID = out.modelID
		sr.Provider = out.provider
		sr.FallbackChain = out.fallback
		sr.Tokens = out.usage
		sr.CostMicros += out.costMicros
		sr.Cache = out.cache
		inv.addCost(out.costMicros)

		next, hasNext := tier.Next()
		if spec.Escalation != nil && hasNext &&
			escalations < spec.Escalation.MaxEscalations &&
			spec.Escalation.ShouldEscalate(out.output) &&
			e.escalationAffordable(inv, spec, prompt, next) {
			escalations++
			e.metrics.Escalated(inv.workflow, spec.Name)
			e.emitter.Emit(emit.Event{
				InvocationID: inv.id,
				Workflow:     inv.workflow,
				Stage:        spec.Name,
				Msg:          emit.MsgStageEscalated,
				Meta: map[string]interface{}{
					"from_tier": tier.String(),
					"to_tier":   next.String(),
				},
			})
			tier = next
			sr.Status = StageRunning
			continue
		}
		break
	}

	if escalations > 0 {
		sr.EscalatedFrom = firstTier.String()
	}
	sr.Duration = time.Since(start)

	e.metrics.StageFinished(inv.workflow, spec.Name, sr.Status, sr.Duration)
	meta := map[string]interface{}{
		"status":      string(sr.Status),
		"duration_ms": sr.Duration.Milliseconds(),
		"cost_micros": sr.CostMicros,
	}
	if sr.Failure != nil {
		meta["error"] = sr.Failure.Message
	}
	e.emitter.Emit(emit.Event{
		InvocationID: inv.id,
		Workflow:     inv.workflow,
		Stage:        spec.Name,
		Msg:          emit.MsgStageEnd,
		Meta:         meta,
	})

	if sr.Status == StageCompleted {
		e.patterns.Observe(StageObservation{
			Workflow:   inv.workflow,
			Stage:      spec.Name,
			Tier:       sr.TierUsed,
			ModelID:    sr.ModelID,
			Escalated:  escalations > 0,
			CacheHit:   sr.Cache.Hit,
			CostMicros: sr.CostMicros,
			Duration:   sr.Duration,
		})
	}
	return sr
}

// escalationAffordable checks the budget before an escalated attempt so the
// cost accumulator never crosses the cap mid-stage. The stage keeps its
// completed lower-tier output when the next tier would not fit.
func (e *Engine) escalationAffordable(inv *invocation, spec StageSpec, prompt string, next model.Tier) bool {
	desc, ok := e.chooseModel(spec, next)
	if !ok {
		return false
	}
	return inv.withinBudget(0, estimateStageCost(spec, prompt, desc))
}

// dispatchOutcome is the per-attempt dispatch result.
type dispatchOutcome struct {
	output     string
	usage      model.Usage
	costMicros int64
	cache      CacheResult
	modelID    string
	provider   string
	fallback   []string
	duration   time.Duration
}

// dispatch sends one prompt through the cache and the resilient client, and
// records the attempt in the ledger.
func (e *Engine) dispatch(ctx context.Context, inv *invocation, spec StageSpec, desc model.Descriptor, prompt string, tier model.Tier, opts ExecuteOptions) (*dispatchOutcome, error) {
	req := model.Request{
		Prompt:      prompt,
		System:      spec.Role,
		Temperature: spec.Temperature,
		TopP:        spec.TopP,
		MaxTokens:   spec.MaxTokens,
	}

	start := time.Now()
	out := &dispatchOutcome{modelID: desc.ID, provider: desc.Provider}

	useCache := e.cache != nil && !opts.DisableCache
	var err error

	if useCache {
		key := cache.Key{
			Prompt:      prompt,
			System:      spec.Role,
			ModelID:     desc.ID,
			Tier:        tier,
			Temperature: spec.Temperature,
			TopP:        spec.TopP,
			MaxTokens:   spec.MaxTokens,
		}

		var entry *cache.Entry
		var kind cache.HitKind
		entry, kind, err = e.cache.GetOrCompute(ctx, key, func(buildCtx context.Context) (*cache.Entry, error) {
			res, callErr := e.caller.Call(buildCtx, desc.ID, req)
			if callErr != nil {
				return nil, callErr
			}
			out.modelID = res.ModelID
			out.provider = res.Provider
			out.fallback = res.FallbackChain
			return &cache.Entry{
				Response: res.Response.Text,
				Usage:    res.Response.Usage,
				ModelID:  desc.ID,
				Tier:     tier,
			}, nil
		})
		if err == nil {
			out.output = entry.Response
			out.usage = entry.Usage
			if kind == cache.HitNone {
				out.costMicros = e.costFor(out.modelID, desc, out.usage)
				e.metrics.CacheEvent("miss")
			} else {
				// Hit of any kind: zero provider cost, stored
				// tokens replayed for baseline comparison.
				out.cache = CacheResult{Hit: true, Kind: string(kind)}
				e.metrics.CacheEvent(string(kind))
			}
		}
	} else {
		var res *client.Result
		res, err = e.caller.Call(ctx, desc.ID, req)
		if err == nil {
			out.output = res.Response.Text
			out.usage = res.Response.Usage
			out.modelID = res.ModelID
			out.provider = res.Provider
			out.fallback = res.FallbackChain
			out.costMicros = e.costFor(res.ModelID, desc, out.usage)
		}
	}

	out.duration = time.Since(start)

	// The attempt is recorded whether it succeeded or not; cancelled
	// in-flight calls still leave their audit trail.
	e.recordTelemetry(inv, spec, tier, out, opts)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// costFor prices usage by the model that actually answered, falling back to
// the requested descriptor when the answering model is unregistered.
func (e *Engine) costFor(answeredModel string, requested model.Descriptor, usage model.Usage) int64 {
	if d, ok := e.registry.Model(answeredModel); ok {
		return d.Cost(usage.InputTokens, usage.OutputTokens)
	}
	return requested.Cost(usage.InputTokens, usage.OutputTokens)
}

// recordTelemetry appends one ledger entry for a dispatch attempt.
func (e *Engine) recordTelemetry(inv *invocation, spec StageSpec, tier model.Tier, out *dispatchOutcome, opts ExecuteOptions) {
	if e.ledger == nil || opts.DisableTelemetry {
		return
	}

	entry := telemetry.Entry{
		Workflow:   inv.workflow,
		Stage:      spec.Name,
		Tier:       tier.String(),
		Model:      out.modelID,
		Provider:   out.provider,
		Cost:       model.MicrosToUnits(out.costMicros),
		Tokens:     telemetry.TokenCounts{Input: out.usage.InputTokens, Output: out.usage.OutputTokens},
		Cache:      telemetry.CacheInfo{Hit: out.cache.Hit, Kind: out.cache.Kind},
		DurationMS: out.duration.Milliseconds(),
	}
	e.ledger.Record(entry)
}

// failureFor converts a dispatch error into a stage status and failure.
func failureFor(err error) (StageStatus, *StageFailure) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return StageCancelled, &StageFailure{
			Kind:      FailureCancelled,
			Retriable: true,
			Message:   err.Error(),
		}
	}

	var all *client.AllProvidersFailedError
	if errors.As(err, &all) {
		return StageFailed, &StageFailure{
			Kind:      FailureAllExhausted,
			Retriable: true,
			Message:   err.Error(),
		}
	}

	var pe *model.ProviderError
	if errors.As(err, &pe) {
		return StageFailed, &StageFailure{
			Kind:      FailureProvider,
			Retriable: pe.Class == model.ClassTransient,
			Message:   err.Error(),
		}
	}

	return StageFailed, &StageFailure{
		Kind:      FailureProvider,
		Retriable: false,
		Message:   err.Error(),
	}
}

// missingInputs returns the first missing required input key, or "".
func missingInputs(spec StageSpec, inputs map[string]string) string {
	for _, key := range spec.RequiredInputs {
		if _, ok := inputs[key]; !ok {
			return key
		}
	}
	return ""
}

// templateData is the rendering context for stage prompt templates.
type templateData struct {
	Inputs map[string]string
	Stages map[string]string
}

// renderPrompt renders the stage template against invocation inputs and the
// outputs snapshot taken at the group barrier.
func renderPrompt(spec StageSpec, inputs, stages map[string]string) (string, error) {
	tmpl, err := template.New(spec.Name).Option("missingkey=error").Parse(spec.PromptTemplate)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, templateData{Inputs: inputs, Stages: stages}); err != nil {
		return "", err
	}
	return b.String(), nil
}

// estimateStageCost predicts a stage's cost for budget admission. Input
// tokens approximate from prompt bytes; output tokens use the stage's
// MaxTokens allowance, which over-estimates and keeps admission
// conservative.
func estimateStageCost(spec StageSpec, prompt string, desc model.Descriptor) int64 {
	inTokens := (len(prompt) + len(spec.Role)) / 4
	outTokens := spec.MaxTokens
	if outTokens <= 0 {
		outTokens = 1024
	}
	return desc.Cost(inTokens, outTokens)
}
