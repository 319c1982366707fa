package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/loanpilot/orchestrator/pkg/contracts"
)

// AnthropicDriver calls the Anthropic Messages API.
type AnthropicDriver struct {
	client    *anthropic.Client
	model     string
	maxTokens int
}

var _ contracts.ProviderDriver = (*AnthropicDriver)(nil)

// NewAnthropicDriver builds a driver with the official client.
func NewAnthropicDriver(apiKey, model string, maxTokens int) *AnthropicDriver {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &AnthropicDriver{client: &client, model: model, maxTokens: maxTokens}
}

func (d *AnthropicDriver) Kind() string { return "anthropic" }

func (d *AnthropicDriver) Supports(model string) bool {
	return model == "" || strings.HasPrefix(model, "claude")
}

func (d *AnthropicDriver) Complete(ctx context.Context, req contracts.CompletionRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = d.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = d.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := d.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic api error: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("anthropic returned no text content")
	}
	return b.String(), nil
}
