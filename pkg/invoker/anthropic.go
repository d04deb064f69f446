package invoker

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicInvoker drives an Anthropic model directly over the Messages
// API. Useful for plan-only or advisory runs where no tool-wielding CLI
// is available.
type AnthropicInvoker struct {
	client anthropic.Client
	model  anthropic.Model
}

func NewAnthropicInvoker(apiKey, model string) *AnthropicInvoker {
	return &AnthropicInvoker{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

func (a *AnthropicInvoker) Name() string { return BackendAnthropic }

func (a *AnthropicInvoker) Invoke(ctx context.Context, instruction string) (string, error) {
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: defaultMaxTokens,
		Messages: []anthropic.MessageParam{
			{
				Role:    anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(instruction)},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic completion failed: %w", err)
	}

	var text string
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			text += block.AsText().Text
		}
	}
	if resp.StopReason == "max_tokens" {
		text += "\n\n[ERROR] response truncated at token limit"
	}
	return text, nil
}
