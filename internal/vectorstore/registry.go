// Package vectorstore provides the vector memory behind agent context
// assembly. OSS ships three drivers: embedded (in-memory brute force),
// pgvector (user-provided PostgreSQL) and qdrant.
package vectorstore

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/loanpilot/orchestrator/internal/config"
	"github.com/loanpilot/orchestrator/pkg/contracts"
)

// New builds the driver selected by cfg.Backend. dims must match the
// embedder in use. The returned close func releases any connections.
func New(ctx context.Context, cfg config.VectorMemoryConfig, dims int) (contracts.VectorStoreDriver, func(), error) {
	switch cfg.Backend {
	case "", "embedded":
		return NewEmbeddedStore(), func() {}, nil

	case "pgvector":
		if cfg.PostgresURL == "" {
			return nil, nil, fmt.Errorf("pgvector backend requires DATABASE_URL")
		}
		s, err := NewPgvectorStore(ctx, cfg.PostgresURL, dims)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case "qdrant":
		s, err := NewQdrantStore(ctx, QdrantConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			APIKey:     cfg.QdrantAPIKey,
			UseTLS:     cfg.QdrantTLS,
			Collection: cfg.Collection,
			Dimensions: dims,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				log.Warn().Err(err).Msg("Qdrant close failed")
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown vector backend %q", cfg.Backend)
}
