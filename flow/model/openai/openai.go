// Package openai provides a model.Provider adapter for OpenAI's chat
// completions API.
package openai

import (
	"context"
	"errors"

	"github.com/dshills/tierflow-go/flow/model"
	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ProviderName is the registry name this adapter registers under.
const ProviderName = "openai"

// Provider implements model.Provider for OpenAI models.
//
// The adapter converts the single prompt/system pair into the chat message
// format, reports token usage from the completion response, and translates
// API errors into model.ProviderError. Retry and fallback live in the
// resilient client, not here.
type Provider struct {
	apiKey string
	client completionsClient
}

// completionsClient narrows the OpenAI SDK surface for test mocking.
type completionsClient interface {
	createChatCompletion(ctx context.Context, modelID string, req model.Request) (model.Response, error)
}

// New creates an OpenAI provider adapter.
//
// Example:
//
//	p := openai.New(os.Getenv("OPENAI_API_KEY"))
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
	return p.client.createChatCompletion(ctx, modelID, req)
}

type sdkClient struct {
	apiKey string
}

func (c *sdkClient) createChatCompletion(ctx context.Context, modelID string, req model.Request) (model.Response, error) {
	client := openaisdk.NewClient(option.WithAPIKey(c.apiKey))

	messages := make([]openaisdk.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openaisdk.SystemMessage(req.System))
	}
	messages = append(messages, openaisdk.UserMessage(req.Prompt))

	params := openaisdk.ChatCompletionNewParams{
		Model:    openaisdk.ChatModel(modelID),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openaisdk.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = openaisdk.Float(req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openaisdk.Int(int64(req.MaxTokens))
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return model.Response{}, translateError(modelID, err)
	}
	return convertResponse(resp), nil
}

func convertResponse(resp *openaisdk.ChatCompletion) model.Response {
	out := model.Response{}
	if len(resp.Choices) > 0 {
		out.Text = resp.Choices[0].Message.Content
	}
	out.Usage = model.Usage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}
	return out
}

// translateError maps OpenAI API errors to the common ProviderError shape.
// Status 429 and 5xx classify as transient; 401/403/400 as permanent.
func translateError(modelID string, err error) error {
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

	var apierr *openaisdk.Error
	if errors.As(err, &apierr) {
		pe.StatusCode = apierr.StatusCode
		pe.Class = model.ClassifyStatus(apierr.StatusCode)
	}
	return pe
}
