// Package google provides a model.Provider adapter for Google's Gemini API.
package google

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/tierflow-go/flow/model"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// ProviderName is the registry name this adapter registers under.
const ProviderName = "google"

// Provider implements model.Provider for Google Gemini models.
//
// The adapter carries the system prompt via Gemini's SystemInstruction,
// reports usage from UsageMetadata, and surfaces safety filter blocks as
// permanent errors (retrying a blocked prompt cannot succeed).
type Provider struct {
	apiKey string
	client generateClient
}

// generateClient narrows the genai SDK surface for test mocking.
type generateClient interface {
	generateContent(ctx context.Context, modelID string, req model.Request) (model.Response, error)
}

// New creates a Google Gemini provider adapter.
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
	return p.client.generateContent(ctx, modelID, req)
}

type sdkClient struct {
	apiKey string
}

func (c *sdkClient) generateContent(ctx context.Context, modelID string, req model.Request) (model.Response, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return model.Response{}, &model.ProviderError{
			Provider: ProviderName,
			Model:    modelID,
			Class:    model.ClassTransient,
			Message:  "failed to create client: " + err.Error(),
			Cause:    err,
		}
	}
	defer func() { _ = client.Close() }()

	genModel := client.GenerativeModel(modelID)
	if req.System != "" {
		genModel.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.System)},
		}
	}
	if req.Temperature > 0 {
		genModel.SetTemperature(float32(req.Temperature))
	}
	if req.TopP > 0 {
		genModel.SetTopP(float32(req.TopP))
	}
	if req.MaxTokens > 0 {
		genModel.SetMaxOutputTokens(int32(req.MaxTokens))
	}

	resp, err := genModel.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return model.Response{}, translateError(modelID, err)
	}

	// A prompt blocked by safety filters yields no candidates.
	if len(resp.Candidates) == 0 {
		reason := "no candidates returned"
		if resp.PromptFeedback != nil {
			reason = fmt.Sprintf("prompt blocked: %v", resp.PromptFeedback.BlockReason)
		}
		return model.Response{}, &model.ProviderError{
			Provider: ProviderName,
			Model:    modelID,
			Class:    model.ClassPermanent,
			Message:  reason,
		}
	}

	return convertResponse(resp), nil
}

func convertResponse(resp *genai.GenerateContentResponse) model.Response {
	out := model.Response{}

	candidate := resp.Candidates[0]
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				if out.Text != "" {
					out.Text += "\n"
				}
				out.Text += string(text)
			}
		}
	}

	if resp.UsageMetadata != nil {
		out.Usage = model.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out
}

// translateError maps Gemini API errors to the common ProviderError shape.
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

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		pe.StatusCode = gerr.Code
		pe.Class = model.ClassifyStatus(gerr.Code)
	}

	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		pe.Class = model.ClassPermanent
	}
	return pe
}
