package vectorstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/loanpilot/orchestrator/pkg/contracts"
)

// Memory implements contracts.VectorMemory by embedding text and delegating
// storage to a driver.
type Memory struct {
	embedder contracts.Embedder
	driver   contracts.VectorStoreDriver
}

var _ contracts.VectorMemory = (*Memory)(nil)

// NewMemory pairs an embedder with a storage driver.
func NewMemory(embedder contracts.Embedder, driver contracts.VectorStoreDriver) *Memory {
	return &Memory{embedder: embedder, driver: driver}
}

// Driver exposes the storage backend for health checks.
func (m *Memory) Driver() contracts.VectorStoreDriver { return m.driver }

func (m *Memory) Remember(ctx context.Context, scope, content string, metadata map[string]string) error {
	if content == "" {
		return nil
	}
	vecs, err := m.embedder.Embed(ctx, []string{content})
	if err != nil {
		return fmt.Errorf("embed memory: %w", err)
	}
	if len(vecs) != 1 {
		return fmt.Errorf("embed memory: got %d vectors", len(vecs))
	}
	return m.driver.Upsert(ctx, []contracts.VectorDoc{{
		ID:       uuid.NewString(),
		Scope:    scope,
		Content:  content,
		Metadata: metadata,
		Vector:   vecs[0],
	}})
}

func (m *Memory) TopK(ctx context.Context, scope, query string, k int) ([]contracts.Memory, error) {
	if k <= 0 || query == "" {
		return nil, nil
	}
	vecs, err := m.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vecs))
	}
	return m.driver.Search(ctx, scope, vecs[0], k)
}
