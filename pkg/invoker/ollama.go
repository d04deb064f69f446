package invoker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

// OllamaInvoker drives a local model through the Ollama chat API.
type OllamaInvoker struct {
	client *api.Client
	model  string
}

func NewOllamaInvoker(hostURL, model string) *OllamaInvoker {
	parsedURL, err := url.Parse(hostURL)
	if err != nil {
		parsedURL, _ = url.Parse("http://localhost:11434")
	}
	return &OllamaInvoker{
		client: api.NewClient(parsedURL, http.DefaultClient),
		model:  model,
	}
}

func (o *OllamaInvoker) Name() string { return BackendOllama }

func (o *OllamaInvoker) Invoke(ctx context.Context, instruction string) (string, error) {
	stream := false
	req := &api.ChatRequest{
		Model: o.model,
		Messages: []api.Message{
			{Role: "user", Content: instruction},
		},
		Stream: &stream,
		Options: map[string]any{
			"num_predict": defaultMaxTokens,
		},
	}

	var sb strings.Builder
	err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		sb.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat failed: %w", err)
	}
	return sb.String(), nil
}
