package invoker

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiInvoker drives a Google Gemini model through the GenAI API.
type GeminiInvoker struct {
	client *genai.Client
	model  string
}

func NewGeminiInvoker(ctx context.Context, apiKey, model string) (*GeminiInvoker, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiInvoker{client: client, model: model}, nil
}

func (g *GeminiInvoker) Name() string { return BackendGemini }

func (g *GeminiInvoker) Invoke(ctx context.Context, instruction string) (string, error) {
	contents := []*genai.Content{
		{Parts: []*genai.Part{{Text: instruction}}},
	}
	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		MaxOutputTokens: defaultMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("gemini completion failed: %w", err)
	}
	return result.Text(), nil
}
