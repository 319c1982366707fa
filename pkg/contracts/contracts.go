// Package contracts defines the collaborator interfaces the orchestrator core
// depends on. Concrete implementations live under internal/ and are chosen by
// the wiring code in pkg/server.
package contracts

import (
	"context"
	"encoding/json"

	"github.com/loanpilot/orchestrator/pkg/models"
)

// ── LLM ─────────────────────────────────────────────────────

// CompletionRequest is a single-turn prompt.
type CompletionRequest struct {
	System    string
	Prompt    string
	Model     string // empty selects the provider default
	MaxTokens int
}

// Completer is the black-box complete(prompt) → text collaborator.
// OSS implementation: internal/llm.Router over Anthropic and OpenAI drivers.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// ProviderDriver is one LLM backend registered with the router.
type ProviderDriver interface {
	// Kind returns the provider identifier (e.g. "anthropic", "openai").
	Kind() string

	// Supports reports whether the driver serves the named model.
	Supports(model string) bool

	Completer
}

// ── Embeddings & vector memory ──────────────────────────────

// Embedder turns text into dense vectors.
type Embedder interface {
	Kind() string
	Dimensions() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Memory is one retrieved vector-memory item.
type Memory struct {
	ID       string            `json:"id"`
	Scope    string            `json:"scope"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Score    float64           `json:"score"`
}

// VectorMemory stores and retrieves memories scoped to a subject entity.
type VectorMemory interface {
	Remember(ctx context.Context, scope, content string, metadata map[string]string) error
	TopK(ctx context.Context, scope, query string, k int) ([]Memory, error)
}

// VectorDoc is a stored embedding.
type VectorDoc struct {
	ID       string            `json:"id"`
	Scope    string            `json:"scope"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Vector   []float32         `json:"vector"`
}

// VectorStoreDriver is the storage backend behind VectorMemory.
// OSS ships embedded, pgvector and qdrant drivers.
type VectorStoreDriver interface {
	Kind() string
	Upsert(ctx context.Context, docs []VectorDoc) error
	Search(ctx context.Context, scope string, vector []float32, topK int) ([]Memory, error)
	HealthCheck(ctx context.Context) error
}

// ── Tools ───────────────────────────────────────────────────

// ToolRequest is what a tool handler receives after argument validation.
type ToolRequest struct {
	InvocationID string
	Tool         *models.Tool
	Arguments    map[string]interface{}
	EntityType   string
	EntityID     string
	// Confidence of the decision that produced the call, in [0,1].
	Confidence float64
}

// ToolHandler executes a validated tool call and returns a JSON result.
type ToolHandler interface {
	Handle(ctx context.Context, req ToolRequest) (json.RawMessage, error)
}

// ToolHandlerFunc adapts a function to ToolHandler.
type ToolHandlerFunc func(ctx context.Context, req ToolRequest) (json.RawMessage, error)

func (f ToolHandlerFunc) Handle(ctx context.Context, req ToolRequest) (json.RawMessage, error) {
	return f(ctx, req)
}

// ── Notifications ───────────────────────────────────────────

// Message is an outbound customer communication.
type Message struct {
	Channel      string            `json:"channel"`
	To           string            `json:"to"`
	Subject      string            `json:"subject,omitempty"`
	Body         string            `json:"body"`
	InvocationID string            `json:"invocation_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ChannelDriver delivers messages over one transport (SMS, email, ...).
// OSS ships a signed-webhook driver that hands messages to an external gateway.
type ChannelDriver interface {
	Kind() string
	Send(ctx context.Context, msg Message) (string, error)
}

// ── Events ──────────────────────────────────────────────────

// Publisher accepts domain events. Implemented by internal/bus.Bus.
type Publisher interface {
	Publish(ctx context.Context, event *models.Event) (*models.PublishResult, error)
}

// FeedPublisher receives reconciliation feed changes.
type FeedPublisher interface {
	PublishFeed(item models.FeedItem)
}

// ── Retention ───────────────────────────────────────────────

// ArchiveDriver persists raw email content before the janitor scrubs it
// from the hot store. The returned location is recorded in logs.
type ArchiveDriver interface {
	Kind() string
	ArchiveEmails(ctx context.Context, emails []models.EmailInteraction) (string, error)
	HealthCheck(ctx context.Context) error
}
