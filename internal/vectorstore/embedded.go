package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/loanpilot/orchestrator/pkg/contracts"
)

// DefaultMaxVectors caps the embedded store.
const DefaultMaxVectors = 50_000

// EmbeddedStore is an in-memory vector store using brute-force cosine
// similarity. Suitable for development and single-process deployments; use
// pgvector or qdrant when memories must survive restarts.
type EmbeddedStore struct {
	mu         sync.RWMutex
	docs       map[string]*contracts.VectorDoc // key: scope:id
	maxVectors int
}

// EmbeddedOption configures the embedded store.
type EmbeddedOption func(*EmbeddedStore)

// WithMaxVectors sets the maximum number of vectors (default 50K).
func WithMaxVectors(max int) EmbeddedOption {
	return func(s *EmbeddedStore) { s.maxVectors = max }
}

// NewEmbeddedStore creates an in-memory vector store.
func NewEmbeddedStore(opts ...EmbeddedOption) *EmbeddedStore {
	s := &EmbeddedStore{
		docs:       make(map[string]*contracts.VectorDoc),
		maxVectors: DefaultMaxVectors,
	}
	for _, opt := range opts {
		opt(s)
	}
	log.Info().Int("max_vectors", s.maxVectors).Msg("Embedded vector store initialized")
	return s
}

func (s *EmbeddedStore) Kind() string { return "embedded" }

func (s *EmbeddedStore) Upsert(_ context.Context, docs []contracts.VectorDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	newCount := 0
	for _, d := range docs {
		if _, exists := s.docs[key(d.Scope, d.ID)]; !exists || d.ID == "" {
			newCount++
		}
	}
	total := len(s.docs) + newCount
	if total > s.maxVectors {
		return fmt.Errorf("embedded vector store capacity exceeded: %d > %d", total, s.maxVectors)
	}
	if total > int(float64(s.maxVectors)*0.9) {
		log.Warn().Int("count", total).Int("max", s.maxVectors).Msg("Embedded vector store nearing capacity")
	}

	for _, d := range docs {
		cp := d
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}
		cp.Vector = append([]float32(nil), d.Vector...)
		s.docs[key(cp.Scope, cp.ID)] = &cp
	}
	return nil
}

func (s *EmbeddedStore) Search(_ context.Context, scope string, vector []float32, topK int) ([]contracts.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		doc   *contracts.VectorDoc
		score float64
	}
	var candidates []scored
	for _, d := range s.docs {
		if d.Scope != scope || len(d.Vector) != len(vector) {
			continue
		}
		candidates = append(candidates, scored{doc: d, score: cosineSimilarity(vector, d.Vector)})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score == candidates[j].score {
			return candidates[i].doc.ID < candidates[j].doc.ID
		}
		return candidates[i].score > candidates[j].score
	})
	if topK > len(candidates) {
		topK = len(candidates)
	}

	results := make([]contracts.Memory, 0, topK)
	for _, c := range candidates[:topK] {
		results = append(results, toMemory(c.doc, c.score))
	}
	return results, nil
}

// Count returns the number of vectors stored under scope.
func (s *EmbeddedStore) Count(scope string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, d := range s.docs {
		if d.Scope == scope {
			n++
		}
	}
	return n
}

func (s *EmbeddedStore) HealthCheck(_ context.Context) error {
	return nil
}

// ── Helpers ─────────────────────────────────────────────────

func key(scope, id string) string {
	return scope + ":" + id
}

func toMemory(d *contracts.VectorDoc, score float64) contracts.Memory {
	var md map[string]string
	if len(d.Metadata) > 0 {
		md = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			md[k] = v
		}
	}
	return contracts.Memory{ID: d.ID, Scope: d.Scope, Content: d.Content, Metadata: md, Score: score}
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
