package email

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/loanpilot/orchestrator/internal/llm"
	"github.com/loanpilot/orchestrator/internal/retry"
	"github.com/loanpilot/orchestrator/pkg/contracts"
	"github.com/loanpilot/orchestrator/pkg/models"
)

const parseSystem = `You extract structured data from mortgage CRM email for a %s profile.
Only use these fields (name, type):
%s
Rules:
- Only extract values explicitly stated or directly implied in the email.
- confidence_scores are 0-100 per extracted field; 95+ only when stated verbatim.
- Dates as YYYY-MM-DD, currency and percentages as plain numbers.
- milestone_triggers lists dated loan events (e.g. clear_to_close, closing, rate_lock_expiration, appraisal).
Respond with exactly one JSON object:
{"extracted_fields":{},"confidence_scores":{},"calculated_fields":{},
 "milestone_triggers":[{"milestone":"","field":"","date":"","notes":""}],
 "field_updates":[{"field":"","new_value":null,"confidence":0,"reason":""}],
 "conflicts":[{"field":"","current_value":null,"proposed_value":null,"reasoning":""}],
 "suggested_actions":[],"email_summary":"","sentiment":"positive|neutral|negative","urgency_score":0}`

// Parsed is the structured result of one parse.
type Parsed struct {
	ExtractedFields  map[string]interface{}  `json:"extracted_fields"`
	ConfidenceScores map[string]float64      `json:"confidence_scores"`
	CalculatedFields map[string]interface{}  `json:"calculated_fields"`
	Milestones       []models.Milestone      `json:"milestone_triggers"`
	FieldUpdates     []models.ProposedUpdate `json:"field_updates"`
	Conflicts        []models.ParsedConflict `json:"conflicts"`
	SuggestedActions []string                `json:"suggested_actions"`
	Summary          string                  `json:"email_summary"`
	Sentiment        string                  `json:"sentiment"`
	UrgencyScore     float64                 `json:"urgency_score"`

	// Rejected holds extracted values that failed their field type, by field.
	Rejected map[string]string `json:"-"`
}

// Parser extracts profile fields through a Completer.
type Parser struct {
	llm    contracts.Completer
	model  string
	policy retry.Policy
}

// NewParser creates a parser retrying with policy.
func NewParser(completer contracts.Completer, model string, policy retry.Policy) *Parser {
	return &Parser{llm: completer, model: model, policy: policy}
}

// Parse extracts the fields of profileType from text. Provider errors and
// unreadable output are retried; exhausting retries is PARSER_UNAVAILABLE.
func (p *Parser) Parse(ctx context.Context, text string, profileType models.ProfileType) (*Parsed, error) {
	if p.llm == nil {
		return nil, models.NewError(models.KindProviderUnavailable, models.CodeParserUnavailable, "no model configured")
	}
	req := contracts.CompletionRequest{
		System:    fmt.Sprintf(parseSystem, profileType, describeFields(profileType)),
		Prompt:    text,
		Model:     p.model,
		MaxTokens: 2048,
	}
	var out Parsed
	attempts, err := retry.Do(ctx, p.policy, func(ctx context.Context, attempt int) error {
		reply, err := p.llm.Complete(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return retry.Permanent(ctx.Err())
			}
			return err
		}
		out = Parsed{}
		if err := llm.DecodeJSON(reply, &out); err != nil {
			log.Debug().Err(err).Int("attempt", attempt).Msg("Unreadable parse output, retrying")
			return err
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, models.WrapError(models.KindCancelled, "", ctx.Err())
		}
		return nil, models.NewError(models.KindProviderUnavailable, models.CodeParserUnavailable,
			"parse failed after %d attempts: %v", attempts, err)
	}
	normalize(&out, profileType)
	return &out, nil
}

// normalize coerces values to their field types, scales confidences to
// 0-100 and drops fields outside the catalog.
func normalize(p *Parsed, profileType models.ProfileType) {
	if p.ExtractedFields == nil {
		p.ExtractedFields = map[string]interface{}{}
	}
	if p.ConfidenceScores == nil {
		p.ConfidenceScores = map[string]float64{}
	}
	p.Rejected = map[string]string{}
	for _, u := range p.FieldUpdates {
		if _, ok := p.ExtractedFields[u.Field]; !ok && u.Field != "" {
			p.ExtractedFields[u.Field] = u.Value
			p.ConfidenceScores[u.Field] = u.Confidence
		}
	}

	fraction := len(p.ConfidenceScores) > 0
	for _, c := range p.ConfidenceScores {
		if c > 1 {
			fraction = false
			break
		}
	}
	for k, c := range p.ConfidenceScores {
		if fraction {
			c *= 100
		}
		p.ConfidenceScores[k] = math.Max(0, math.Min(100, c))
	}

	for name, raw := range p.ExtractedFields {
		f, ok := lookupField(profileType, name)
		if !ok {
			p.Rejected[name] = "not a " + string(profileType) + " field"
			delete(p.ExtractedFields, name)
			delete(p.ConfidenceScores, name)
			continue
		}
		v, err := coerce(f, raw)
		if err != nil {
			p.Rejected[name] = err.Error()
			delete(p.ExtractedFields, name)
			delete(p.ConfidenceScores, name)
			continue
		}
		p.ExtractedFields[name] = v
	}
	for name := range p.ConfidenceScores {
		if _, ok := p.ExtractedFields[name]; !ok {
			delete(p.ConfidenceScores, name)
		}
	}

	ms := p.Milestones[:0]
	for _, m := range p.Milestones {
		if m.Name == "" || m.Date == "" {
			continue
		}
		if d, err := coerce(Field{Type: TypeDate}, m.Date); err == nil {
			m.Date = d.(string)
			ms = append(ms, m)
		}
	}
	p.Milestones = ms
	sort.Slice(p.Milestones, func(i, j int) bool { return p.Milestones[i].Name < p.Milestones[j].Name })
	p.UrgencyScore = math.Max(0, math.Min(10, p.UrgencyScore))
}
