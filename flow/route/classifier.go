package route

import (
	"context"
	"fmt"
	"strings"

	"github.com/dshills/tierflow-go/flow/model"
)

// classifierSystemPrompt constrains the tie-break model to the candidate
// set. The prompt is fixed so classifier calls fingerprint identically for
// identical requests and benefit from the response cache.
const classifierSystemPrompt = "You are a request classifier. " +
	"Answer with exactly one of the candidate workflow names and nothing else."

// Completer is the slice of the resilient client the classifier needs.
// *client.Client satisfies it through a small adapter in the runtime.
type Completer interface {
	Complete(ctx context.Context, tier model.Tier, req model.Request) (string, error)
}

// LLMClassifier breaks routing ties with a cheap-tier model call.
type LLMClassifier struct {
	completer Completer
}

// NewLLMClassifier creates the tie-break classifier.
func NewLLMClassifier(completer Completer) *LLMClassifier {
	return &LLMClassifier{completer: completer}
}

// Classify implements Classifier. The model answers at tier CHEAP with the
// candidate list embedded in the prompt; answers outside the candidate set
// are rejected by the router.
func (c *LLMClassifier) Classify(ctx context.Context, text string, candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("no candidates to classify against")
	}

	prompt := fmt.Sprintf("Request:\n%s\n\nCandidate workflows: %s\n\nWhich workflow fits best?",
		text, strings.Join(candidates, ", "))

	answer, err := c.completer.Complete(ctx, model.TierCheap, model.Request{
		Prompt:      prompt,
		System:      classifierSystemPrompt,
		Temperature: 0,
		MaxTokens:   16,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(answer), nil
}
