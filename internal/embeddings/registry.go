// Package embeddings provides the Embedder implementations behind vector memory.
// OSS ships: OpenAI (text-embedding-3-small/large) and an offline hashing embedder.
package embeddings

import (
	"github.com/rs/zerolog/log"

	"github.com/loanpilot/orchestrator/internal/config"
	"github.com/loanpilot/orchestrator/pkg/contracts"
)

// New selects an embedder from configuration. OpenAI is used when requested
// and a key is present; otherwise the hashing embedder.
func New(cfg config.EmbeddingsConfig) contracts.Embedder {
	var d contracts.Embedder
	switch {
	case cfg.Provider == "openai" && cfg.OpenAIKey != "":
		d = NewOpenAIDriver(cfg.OpenAIKey, cfg.Model)
	default:
		if cfg.Provider == "openai" {
			log.Warn().Msg("OpenAI embeddings requested without OPENAI_API_KEY, using hash embedder")
		}
		d = NewHashDriver(256)
	}
	log.Info().Str("kind", d.Kind()).Int("dims", d.Dimensions()).Msg("Embedding driver configured")
	return d
}
