package vectorstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/loanpilot/orchestrator/internal/config"
	"github.com/loanpilot/orchestrator/internal/embeddings"
	"github.com/loanpilot/orchestrator/pkg/contracts"
)

func newTestMemory() (*Memory, *EmbeddedStore) {
	s := NewEmbeddedStore()
	return NewMemory(embeddings.NewHashDriver(256), s), s
}

func TestMemory_TopKIsScoped(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory()

	if err := m.Remember(ctx, "lead:42", "borrower prefers text messages in the evening", nil); err != nil {
		t.Fatalf("Remember() error = %v", err)
	}
	if err := m.Remember(ctx, "lead:7", "borrower prefers text messages in the evening", nil); err != nil {
		t.Fatalf("Remember() error = %v", err)
	}

	got, err := m.TopK(ctx, "lead:42", "text messages", 5)
	if err != nil {
		t.Fatalf("TopK() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("TopK() returned %d memories, want 1", len(got))
	}
	if got[0].Scope != "lead:42" {
		t.Errorf("TopK() scope = %q, want lead:42", got[0].Scope)
	}
}

func TestMemory_TopKRanksBySimilarity(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory()

	notes := []string{
		"appraisal came back below the purchase price",
		"rate lock expires on friday",
		"borrower asked about the rate lock extension fee",
	}
	for _, n := range notes {
		if err := m.Remember(ctx, "active_loan:12345", n, map[string]string{"source": "test"}); err != nil {
			t.Fatalf("Remember() error = %v", err)
		}
	}

	got, err := m.TopK(ctx, "active_loan:12345", "rate lock extension", 2)
	if err != nil {
		t.Fatalf("TopK() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("TopK() returned %d memories, want 2", len(got))
	}
	if got[0].Content != notes[2] {
		t.Errorf("TopK()[0] = %q, want %q", got[0].Content, notes[2])
	}
	if got[0].Score < got[1].Score {
		t.Errorf("TopK() not sorted: %v < %v", got[0].Score, got[1].Score)
	}
	if got[0].Metadata["source"] != "test" {
		t.Errorf("TopK() metadata = %v", got[0].Metadata)
	}
}

func TestMemory_EmptyQuery(t *testing.T) {
	m, _ := newTestMemory()
	got, err := m.TopK(context.Background(), "lead:1", "", 3)
	if err != nil || got != nil {
		t.Errorf("TopK(empty) = %v, %v; want nil, nil", got, err)
	}
}

type failingEmbedder struct{}

func (failingEmbedder) Kind() string    { return "failing" }
func (failingEmbedder) Dimensions() int { return 4 }
func (failingEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, fmt.Errorf("embedding service down")
}

func TestMemory_EmbedFailure(t *testing.T) {
	m := NewMemory(failingEmbedder{}, NewEmbeddedStore())
	if _, err := m.TopK(context.Background(), "lead:1", "anything", 3); err == nil {
		t.Error("TopK() expected error when embedder fails")
	}
}

func TestEmbeddedStore_Capacity(t *testing.T) {
	s := NewEmbeddedStore(WithMaxVectors(2))
	ctx := context.Background()
	docs := []contracts.VectorDoc{
		{ID: "a", Scope: "s", Vector: []float32{1, 0}},
		{ID: "b", Scope: "s", Vector: []float32{0, 1}},
	}
	if err := s.Upsert(ctx, docs); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	// Overwriting an existing id does not grow the store.
	if err := s.Upsert(ctx, docs[:1]); err != nil {
		t.Fatalf("Upsert(existing) error = %v", err)
	}
	if err := s.Upsert(ctx, []contracts.VectorDoc{{ID: "c", Scope: "s", Vector: []float32{1, 1}}}); err == nil {
		t.Error("Upsert() expected capacity error")
	}
	if n := s.Count("s"); n != 2 {
		t.Errorf("Count() = %d, want 2", n)
	}
}

func TestNew_Embedded(t *testing.T) {
	d, closeFn, err := New(context.Background(), config.VectorMemoryConfig{Backend: "embedded"}, 16)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer closeFn()
	if d.Kind() != "embedded" {
		t.Errorf("Kind() = %q", d.Kind())
	}
}

func TestNew_Unknown(t *testing.T) {
	if _, _, err := New(context.Background(), config.VectorMemoryConfig{Backend: "chroma"}, 16); err == nil {
		t.Error("New() expected error for unknown backend")
	}
	if _, _, err := New(context.Background(), config.VectorMemoryConfig{Backend: "pgvector"}, 16); err == nil {
		t.Error("New() expected error for pgvector without url")
	}
}
