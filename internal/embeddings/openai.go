package embeddings

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/loanpilot/orchestrator/pkg/contracts"
)

// OpenAIDriver implements contracts.Embedder for OpenAI's embedding API.
// Supports text-embedding-3-small (1536d), text-embedding-3-large (3072d),
// and text-embedding-ada-002 (1536d).
type OpenAIDriver struct {
	client     *openai.Client
	model      string
	dimensions int
	batchSize  int
}

var _ contracts.Embedder = (*OpenAIDriver)(nil)

// NewOpenAIDriver creates an OpenAI embedding driver.
func NewOpenAIDriver(apiKey, model string) *OpenAIDriver {
	dims := 1536
	if model == "text-embedding-3-large" {
		dims = 3072
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIDriver{
		client:     &client,
		model:      model,
		dimensions: dims,
		batchSize:  2048,
	}
}

func (d *OpenAIDriver) Kind() string    { return "openai" }
func (d *OpenAIDriver) Dimensions() int { return d.dimensions }

// Embed batches texts and returns one vector per input, in input order.
func (d *OpenAIDriver) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += d.batchSize {
		end := start + d.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		resp, err := d.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts[start:end]},
			Model: openai.EmbeddingModel(d.model),
		})
		if err != nil {
			return nil, fmt.Errorf("openai embeddings: %w", err)
		}
		for _, item := range resp.Data {
			idx := start + int(item.Index)
			if idx < start || idx >= end {
				return nil, fmt.Errorf("openai embeddings: index %d out of range", item.Index)
			}
			vec := make([]float32, len(item.Embedding))
			for i, v := range item.Embedding {
				vec[i] = float32(v)
			}
			out[idx] = vec
		}
	}
	for i, v := range out {
		if v == nil {
			return nil, fmt.Errorf("openai embeddings: missing vector for input %d", i)
		}
	}
	return out, nil
}
