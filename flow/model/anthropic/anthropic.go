// Package anthropic provides a model.Provider adapter for Anthropic's Claude
// API.
package anthropic

import (
	"context"
	"errors"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/dshills/tierflow-go/flow/model"
)

// ProviderName is the registry name this adapter registers under.
const ProviderName = "anthropic"

const defaultMaxTokens = 4096

// Provider implements model.Provider for the Anthropic Messages API.
//
// The adapter:
//   - carries the system prompt in Anthropic's separate system parameter
//   - reports token usage from the API response
//   - translates API errors into model.ProviderError with a retry class
//
// Retries are deliberately not performed here; the resilient client owns
// retry, circuit breaking, and fallback.
//
// Example usage:
//
//	p := anthropic.New(os.Getenv("ANTHROPIC_API_KEY"))
//	resp, err := p.Complete(ctx, "claude-3-haiku", model.Request{
//	    Prompt: "What is the capital of France?",
//	})
type Provider struct {
	apiKey string
	client messagesClient
}

// messagesClient is the slice of the Anthropic SDK this adapter uses.
// Narrowed to an interface for mocking in tests.
type messagesClient interface {
	createMessage(ctx context.Context, modelID string, req model.Request) (model.Response, error)
}

// New creates an Anthropic provider adapter.
func New(apiKey string) *Provider {
	return &Provider{
		apiKey: apiKey,
		client: &sdkClient{apiKey: apiKey},
	}
}

// Complete implements model.Provider.
func (p *Provider) Complete(ctx context.Context, modelID string, req model.Request) (model.Response, error) {
	if ctx.Err() != nil {
		return model.Response{}, ctx.Err()
	}
	if p.apiKey == "" {
		return model.Response{}, &model.ProviderError{
			Provider: ProviderName,
			Model:    modelID,
			Class:    model.ClassPermanent,
			Message:  "API key is required",
		}
	}
	return p.client.createMessage(ctx, modelID, req)
}

// sdkClient wraps the official Anthropic SDK.
type sdkClient struct {
	apiKey string
}

func (c *sdkClient) createMessage(ctx context.Context, modelID string, req model.Request) (model.Response, error) {
	client := anthropicsdk.NewClient(option.WithAPIKey(c.apiKey))

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropicsdk.MessageNewParams{
		Model: anthropicsdk.Model(modelID),
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(req.Prompt)),
		},
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropicsdk.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = anthropicsdk.Float(req.TopP)
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return model.Response{}, translateError(modelID, err)
	}

	return convertResponse(resp), nil
}

// convertResponse flattens the content blocks into text and copies usage.
func convertResponse(resp *anthropicsdk.Message) model.Response {
	out := model.Response{}
	for _, block := range resp.Content {
		if b, ok := block.AsAny().(anthropicsdk.TextBlock); ok {
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += b.Text
		}
	}
	out.Usage = model.Usage{
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}
	return out
}

// translateError maps Anthropic API errors to the common ProviderError shape.
//
// Anthropic error types and their classes:
//   - rate_limit_error, overloaded_error, api_error → transient
//   - authentication_error, permission_error, invalid_request_error → permanent
func translateError(modelID string, err error) error {
	// Context errors pass through untouched so the caller sees
	// cancellation as cancellation, not as a provider failure.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	pe := &model.ProviderError{
		Provider: ProviderName,
		Model:    modelID,
		Class:    model.ClassUnknown,
		Message:  err.Error(),
		Cause:    err,
	}

	var apierr *anthropicsdk.Error
	if errors.As(err, &apierr) {
		pe.StatusCode = apierr.StatusCode
		pe.Class = model.ClassifyStatus(apierr.StatusCode)
	}
	return pe
}
