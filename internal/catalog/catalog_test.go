package catalog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loanpilot/orchestrator/internal/guardrails"
	"github.com/loanpilot/orchestrator/internal/store"
	"github.com/loanpilot/orchestrator/pkg/models"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	a, ok := c.LookupAgent("email_extractor")
	if !ok {
		t.Fatal("email_extractor missing from defaults")
	}
	if a.Handler != "email_pipeline" {
		t.Errorf("email_extractor handler = %q", a.Handler)
	}

	tools, err := c.Tools()
	if err != nil {
		t.Fatalf("Tools() error = %v", err)
	}
	classes := map[string]models.SideEffectClass{}
	for _, tool := range tools {
		classes[tool.Name] = tool.SideEffectClass
		if len(tool.InputSchema) == 0 {
			t.Errorf("%s has no input schema", tool.Name)
		}
		var s map[string]interface{}
		if err := json.Unmarshal(tool.InputSchema, &s); err != nil {
			t.Errorf("%s input schema is not JSON: %v", tool.Name, err)
		}
	}
	want := map[string]models.SideEffectClass{
		"getLeadById":        models.SideEffectReadOnly,
		"updateProfileField": models.SideEffectWritesCRM,
		"sendSMS":            models.SideEffectSendsExternal,
		"archiveProfile":     models.SideEffectIrreversible,
	}
	for name, class := range want {
		if classes[name] != class {
			t.Errorf("%s class = %q, want %q", name, classes[name], class)
		}
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	doc := `
agents:
  - id: lead_manager
    name: Lead Manager (paused)
    event_types: [LeadCreated]
    status: paused
  - id: rate_watch
    name: Rate Watch
    event_types: [RateLockExpiring]
    status: active
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	a, _ := c.LookupAgent("lead_manager")
	if a.Status != models.AgentStatusPaused {
		t.Errorf("lead_manager status = %q, want paused", a.Status)
	}
	if _, ok := c.LookupAgent("rate_watch"); !ok {
		t.Error("rate_watch not merged")
	}
	if _, ok := c.LookupAgent("loan_coordinator"); !ok {
		t.Error("builtin loan_coordinator dropped")
	}
}

func TestLoad_GuardrailOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	doc := `
guardrails:
  - name: sms-length
    kind: max_length
    stage: outbound
    channels: [sms]
    config: {max_characters: 160}
  - name: no-rate-quotes
    kind: regex_filter
    stage: outbound
    config: {pattern: '\d+\.\d+%'}
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	rules := c.Guardrails()
	if len(rules) != len(guardrails.DefaultRules())+1 {
		t.Fatalf("Guardrails() = %d rules, want defaults plus one", len(rules))
	}
	checker := guardrails.New(rules...)
	if checker.Check(guardrails.StageOutbound, "sms", strings.Repeat("a", 200)).Passed {
		t.Error("overridden sms-length should reject 200 characters")
	}
	if checker.Check(guardrails.StageOutbound, "email", "Your rate is 6.25% today").Passed {
		t.Error("file rule no-rate-quotes not applied")
	}

	if _, err := Parse([]byte("guardrails:\n  - name: x\n    kind: max_length\n    stage: sideways\n")); err == nil {
		t.Error("Parse() accepted unknown guardrail stage")
	}
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	if _, err := Parse([]byte("agents:\n  - id: x\n    colour: blue\n")); err == nil {
		t.Error("Parse() accepted unknown key")
	}
	if _, err := Parse([]byte("tools:\n  - description: nameless\n")); err == nil {
		t.Error("Parse() accepted tool without name")
	}
}

type fakeRegistrar struct {
	seen map[string]bool
}

func (f *fakeRegistrar) register(key string) error {
	if f.seen[key] {
		return &store.ErrDuplicate{Entity: "entry", Key: key}
	}
	f.seen[key] = true
	return nil
}

type fakeAgents struct{ fakeRegistrar }

func (f *fakeAgents) Register(_ context.Context, a *models.Agent) error { return f.register(a.ID) }

type fakeTools struct{ fakeRegistrar }

func (f *fakeTools) Register(_ context.Context, t *models.Tool) error { return f.register(t.Name) }

func TestSeed_SkipsExisting(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	agents := &fakeAgents{fakeRegistrar{seen: map[string]bool{}}}
	tools := &fakeTools{fakeRegistrar{seen: map[string]bool{}}}

	first, err := c.Seed(context.Background(), agents, tools)
	if err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	if first.AgentsCreated == 0 || first.ToolsCreated == 0 {
		t.Fatalf("first Seed() = %+v", first)
	}
	second, err := c.Seed(context.Background(), agents, tools)
	if err != nil {
		t.Fatalf("second Seed() error = %v", err)
	}
	if second.AgentsCreated != 0 || second.AgentsSkipped != first.AgentsCreated || second.ToolsSkipped != first.ToolsCreated {
		t.Errorf("second Seed() = %+v", second)
	}
}
