// Package catalog loads the declarative agent and tool catalog that the
// orchestrator seeds its registries from at start-up.
//
// The catalog merges two sources:
//
//  1. **Built-in defaults**: default.yaml embedded in the binary, covering the
//     built-in tools and the standard mortgage agents.
//
//  2. **Operator file**: an optional YAML file (LOANPILOT_CATALOG) whose
//     entries replace built-in entries with the same agent id, tool name or
//     guardrail name.
//
// Seeding is additive: entries already present in the store are left alone, so
// API edits survive restarts.
package catalog

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/loanpilot/orchestrator/internal/guardrails"
	"github.com/loanpilot/orchestrator/internal/store"
	"github.com/loanpilot/orchestrator/pkg/models"
)

//go:embed default.yaml
var defaultCatalog []byte

// ToolSpec is a tool definition as written in YAML. Schemas are authored as
// YAML maps and converted to JSON when the tool is built.
type ToolSpec struct {
	models.Tool  `yaml:",inline"`
	InputSchema  map[string]interface{} `yaml:"input_schema,omitempty"`
	OutputSchema map[string]interface{} `yaml:"output_schema,omitempty"`
}

// Document is one catalog file.
type Document struct {
	Agents     []models.Agent    `yaml:"agents"`
	Tools      []ToolSpec        `yaml:"tools"`
	Guardrails []guardrails.Rule `yaml:"guardrails"`
}

// AgentRegistrar is implemented by agent.Registry.
type AgentRegistrar interface {
	Register(ctx context.Context, agent *models.Agent) error
}

// ToolRegistrar is implemented by tools.Registry.
type ToolRegistrar interface {
	Register(ctx context.Context, tool *models.Tool) error
}

// SeedReport counts what Seed did.
type SeedReport struct {
	AgentsCreated int
	AgentsSkipped int
	ToolsCreated  int
	ToolsSkipped  int
}

// Catalog is a thread-safe, merged view of the catalog sources.
type Catalog struct {
	mu     sync.RWMutex
	agents map[string]models.Agent
	tools  map[string]ToolSpec
	rules  []guardrails.Rule
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{
		agents: make(map[string]models.Agent),
		tools:  make(map[string]ToolSpec),
		rules:  guardrails.DefaultRules(),
	}
}

// Load builds a catalog from the embedded defaults, then overlays path when
// it is set.
func Load(path string) (*Catalog, error) {
	c := New()
	if err := c.merge(defaultCatalog, "builtin"); err != nil {
		return nil, err
	}
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	if err := c.merge(data, path); err != nil {
		return nil, err
	}
	return c, nil
}

// Parse decodes a catalog document. Unknown keys are rejected.
func Parse(data []byte) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	for i, a := range doc.Agents {
		if a.ID == "" {
			return nil, fmt.Errorf("parse catalog: agent #%d has no id", i+1)
		}
	}
	for i, t := range doc.Tools {
		if t.Name == "" {
			return nil, fmt.Errorf("parse catalog: tool #%d has no name", i+1)
		}
	}
	for i, r := range doc.Guardrails {
		if r.Name == "" || r.Kind == "" {
			return nil, fmt.Errorf("parse catalog: guardrail #%d needs a name and kind", i+1)
		}
		if r.Stage != guardrails.StageInbound && r.Stage != guardrails.StageOutbound {
			return nil, fmt.Errorf("parse catalog: guardrail %s has unknown stage %q", r.Name, r.Stage)
		}
	}
	return &doc, nil
}

func (c *Catalog) merge(data []byte, source string) error {
	doc, err := Parse(data)
	if err != nil {
		return fmt.Errorf("%s: %w", source, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range doc.Agents {
		c.agents[a.ID] = a
	}
	for _, t := range doc.Tools {
		c.tools[t.Name] = t
	}
	for _, r := range doc.Guardrails {
		c.putRule(r)
	}
	log.Debug().
		Str("source", source).
		Int("agents", len(doc.Agents)).
		Int("tools", len(doc.Tools)).
		Int("guardrails", len(doc.Guardrails)).
		Msg("Catalog: merged source")
	return nil
}

// putRule replaces a rule with the same name in place, keeping file order.
func (c *Catalog) putRule(r guardrails.Rule) {
	for i := range c.rules {
		if c.rules[i].Name == r.Name {
			c.rules[i] = r
			return
		}
	}
	c.rules = append(c.rules, r)
}

// Guardrails returns the built-in rules followed by rules added by catalog
// files. A file rule named like a built-in one replaces it.
func (c *Catalog) Guardrails() []guardrails.Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]guardrails.Rule(nil), c.rules...)
}

// Agents returns all agent entries sorted by id.
func (c *Catalog) Agents() []models.Agent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Agent, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tools returns all tool definitions sorted by name, with schemas converted
// to JSON.
func (c *Catalog) Tools() ([]models.Tool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Tool, 0, len(c.tools))
	for _, spec := range c.tools {
		t, err := spec.Build()
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// LookupAgent returns the catalog entry for an agent id.
func (c *Catalog) LookupAgent(id string) (models.Agent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.agents[id]
	return a, ok
}

// Build converts the spec into a registrable tool.
func (s ToolSpec) Build() (*models.Tool, error) {
	t := s.Tool
	var err error
	if t.InputSchema, err = schemaJSON(s.InputSchema); err != nil {
		return nil, fmt.Errorf("tool %s input_schema: %w", t.Name, err)
	}
	if t.OutputSchema, err = schemaJSON(s.OutputSchema); err != nil {
		return nil, fmt.Errorf("tool %s output_schema: %w", t.Name, err)
	}
	return &t, nil
}

// Seed registers catalog tools, then agents. Entries that already exist are
// skipped; any other registration error aborts.
func (c *Catalog) Seed(ctx context.Context, agents AgentRegistrar, tools ToolRegistrar) (SeedReport, error) {
	var report SeedReport

	defs, err := c.Tools()
	if err != nil {
		return report, err
	}
	for i := range defs {
		err := tools.Register(ctx, &defs[i])
		switch {
		case err == nil:
			report.ToolsCreated++
		case store.IsDuplicate(err):
			report.ToolsSkipped++
		default:
			return report, fmt.Errorf("seed tool %s: %w", defs[i].Name, err)
		}
	}

	for _, a := range c.Agents() {
		a := a
		err := agents.Register(ctx, &a)
		switch {
		case err == nil:
			report.AgentsCreated++
		case store.IsDuplicate(err):
			report.AgentsSkipped++
		default:
			return report, fmt.Errorf("seed agent %s: %w", a.ID, err)
		}
	}

	log.Info().
		Int("agents", report.AgentsCreated).
		Int("agents_existing", report.AgentsSkipped).
		Int("tools", report.ToolsCreated).
		Int("tools_existing", report.ToolsSkipped).
		Msg("📚 Catalog seeded")
	return report, nil
}

func schemaJSON(m map[string]interface{}) (json.RawMessage, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return b, nil
}
