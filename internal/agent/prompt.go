package agent

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/loanpilot/orchestrator/internal/llm"
	"github.com/loanpilot/orchestrator/pkg/contracts"
	"github.com/loanpilot/orchestrator/pkg/models"
)

const decisionFormat = `Respond with exactly one JSON object and nothing else, in one of these shapes:
{"kind":"direct_effect","summary":"<what you concluded>","confidence":<0..1>}
{"kind":"tool_call","tool_name":"<tool>","arguments":{...},"confidence":<0..1>,"summary":"<why>"}
{"kind":"escalate","reason":"<why a human must decide>","confidence":<0..1>}
Only call tools from the list above, with arguments that satisfy their input_schema.`

// promptContext is everything assembled before the decision step.
type promptContext struct {
	Event       *models.Event
	ToolResults []toolResult
	Memories    []contracts.Memory
}

type toolResult struct {
	Name   string
	Result json.RawMessage
}

func systemPrompt(a *models.Agent, base, toolCatalog string) string {
	var b strings.Builder
	if base == "" {
		base = a.Description
	}
	b.WriteString(strings.TrimSpace(base))
	if len(a.Goals) > 0 {
		b.WriteString("\n\nGoals:\n")
		for _, g := range a.Goals {
			b.WriteString("- " + g + "\n")
		}
	}
	if toolCatalog != "" {
		b.WriteString("\n\nAvailable tools:\n")
		b.WriteString(toolCatalog)
	}
	b.WriteString("\n\n")
	b.WriteString(decisionFormat)
	return b.String()
}

func userPrompt(pc *promptContext) string {
	var b strings.Builder
	ev := pc.Event
	fmt.Fprintf(&b, "Event %s on %s (event_id %s, occurred %s)\n",
		ev.Type, ev.EntityKey(), ev.ID, ev.OccurredAt.Format("2006-01-02T15:04:05Z07:00"))
	if len(ev.Payload) > 0 {
		payload, _ := json.Marshal(ev.Payload)
		fmt.Fprintf(&b, "Payload: %s\n", payload)
	}
	for _, tr := range pc.ToolResults {
		fmt.Fprintf(&b, "\n[%s] %s\n", tr.Name, tr.Result)
	}
	if len(pc.Memories) > 0 {
		b.WriteString("\nRelevant history for this entity:\n")
		for _, m := range pc.Memories {
			fmt.Fprintf(&b, "- %s\n", m.Content)
		}
	}
	return b.String()
}

func repairPrompt(original string, d *models.Decision, problem error) string {
	args, _ := json.Marshal(d.Arguments)
	return fmt.Sprintf("%s\n\nYour previous decision called %s with arguments %s, which were rejected: %v\n"+
		"Return a corrected decision.", original, d.ToolName, args, problem)
}

// parseDecision turns model output into a Decision. Output that cannot be
// read as a decision becomes an escalation, never an error.
func parseDecision(text string) *models.Decision {
	var d models.Decision
	if err := llm.DecodeJSON(text, &d); err != nil {
		return &models.Decision{Kind: models.DecisionEscalate, Reason: "unreadable model output: " + err.Error()}
	}
	d.Confidence = normalizeConfidence(d.Confidence)
	switch d.Kind {
	case models.DecisionDirectEffect:
	case models.DecisionToolCall:
		if d.ToolName == "" {
			return &models.Decision{Kind: models.DecisionEscalate, Reason: "tool_call decision without tool_name"}
		}
		if d.Arguments == nil {
			d.Arguments = map[string]interface{}{}
		}
	case models.DecisionEscalate:
		if d.Reason == "" {
			d.Reason = "model requested escalation"
		}
	default:
		return &models.Decision{Kind: models.DecisionEscalate, Reason: fmt.Sprintf("unknown decision kind %q", d.Kind)}
	}
	if d.Impact != nil {
		v := math.Max(0, math.Min(1, *d.Impact))
		d.Impact = &v
	}
	return &d
}

// normalizeConfidence accepts [0,1] or percentages and clamps to [0,1].
func normalizeConfidence(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 1 && c <= 100 {
		c /= 100
	}
	return math.Min(c, 1)
}

// variantConfig is the part of an experiment variant config the runner reads.
type variantConfig struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model"`
}

func parseVariantConfig(raw json.RawMessage) variantConfig {
	var vc variantConfig
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &vc)
	}
	return vc
}

// templateArgs resolves $entity_id, $entity_type and $payload.<key>
// references in context tool arguments.
func templateArgs(args map[string]string, ev *models.Event) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		switch {
		case v == "$entity_id":
			out[k] = ev.EntityID
		case v == "$entity_type":
			out[k] = ev.EntityType
		case strings.HasPrefix(v, "$payload."):
			if pv, ok := ev.Payload[strings.TrimPrefix(v, "$payload.")]; ok {
				out[k] = pv
			}
		default:
			out[k] = v
		}
	}
	return out
}
