package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/loanpilot/orchestrator/pkg/contracts"
)

// OpenAIDriver calls the OpenAI Chat Completions API, or any compatible
// endpoint when a base URL is configured.
type OpenAIDriver struct {
	client    *openai.Client
	model     string
	maxTokens int
}

var _ contracts.ProviderDriver = (*OpenAIDriver)(nil)

// NewOpenAIDriver builds a driver with the official client.
func NewOpenAIDriver(apiKey, baseURL, model string, maxTokens int) *OpenAIDriver {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &OpenAIDriver{client: &client, model: model, maxTokens: maxTokens}
}

func (d *OpenAIDriver) Kind() string { return "openai" }

func (d *OpenAIDriver) Supports(model string) bool {
	return model == "" || !strings.HasPrefix(model, "claude")
}

func (d *OpenAIDriver) Complete(ctx context.Context, req contracts.CompletionRequest) (string, error) {
	model := req.Model
	if model == "" || strings.HasPrefix(model, "claude") {
		model = d.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = d.maxTokens
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	resp, err := d.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               model,
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	})
	if err != nil {
		return "", fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("openai returned no content")
	}
	return resp.Choices[0].Message.Content, nil
}
