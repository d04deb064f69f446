package invoker

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

// OpenAIInvoker drives an OpenAI model through the Responses API.
type OpenAIInvoker struct {
	client openai.Client
	model  string
}

func NewOpenAIInvoker(apiKey, model string) *OpenAIInvoker {
	return &OpenAIInvoker{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (o *OpenAIInvoker) Name() string { return BackendOpenAI }

func (o *OpenAIInvoker) Invoke(ctx context.Context, instruction string) (string, error) {
	resp, err := o.client.Responses.New(ctx, responses.ResponseNewParams{
		Model:           o.model,
		MaxOutputTokens: openai.Int(defaultMaxTokens),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(instruction)},
	})
	if err != nil {
		return "", fmt.Errorf("openai completion failed: %w", err)
	}
	return resp.OutputText(), nil
}
