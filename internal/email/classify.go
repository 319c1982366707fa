package email

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/loanpilot/orchestrator/internal/llm"
	"github.com/loanpilot/orchestrator/pkg/contracts"
	"github.com/loanpilot/orchestrator/pkg/models"
)

// keywords score each profile type from subject and body text.
var keywords = map[models.ProfileType][]string{
	models.ProfileLead: {
		"interested in", "pre-approval", "preapproval", "pre-qualif", "looking to buy", "first-time",
		"first time home", "how much can i", "get a quote", "rates today", "new home", "house hunting",
	},
	models.ProfileActiveLoan: {
		"loan #", "loan number", "clear to close", "ctc", "closing disclosure", "underwriting", "appraisal",
		"rate lock", "conditions", "title company", "escrow", "funding", "closing date",
	},
	models.ProfileMUMClient: {
		"my mortgage", "current loan", "refinance", "payoff", "annual review", "past client", "rate drop",
		"escrow analysis", "homeowners insurance", "referral", "cash-out",
	},
	models.ProfileTeamMember: {
		"team meeting", "pto", "out of office", "nmls", "licensing", "training", "pipeline review",
		"coverage", "schedule change", "onboarding",
	},
}

const classifySystem = `You route inbound mortgage CRM email to exactly one profile type.
Profile types:
- lead: a prospective borrower who has not started a loan
- active_loan: a loan currently in process (application through funding)
- mum_client: a past client whose loan has closed ("mortgage under management")
- team_member: an internal colleague
Respond with one JSON object: {"profile_type":"<type>","confidence":<0..1>,"reason":"<short>"}`

// llmAgreement is the confidence at which the model overrides heuristics.
const llmAgreement = 0.75

// Classification is the chosen profile type and how it was reached.
type Classification struct {
	ProfileType models.ProfileType         `json:"profile_type"`
	Confidence  float64                    `json:"confidence"`
	Source      string                     `json:"source"` // requested, heuristic, model
	Scores      map[models.ProfileType]int `json:"scores"`
	Reason      string                     `json:"reason,omitempty"`
}

// Classifier combines keyword heuristics with a model confirmation.
type Classifier struct {
	llm   contracts.Completer
	model string
}

// NewClassifier creates a classifier. completer may be nil, in which case
// only clear heuristic results are accepted.
func NewClassifier(completer contracts.Completer, model string) *Classifier {
	return &Classifier{llm: completer, model: model}
}

// Classify picks the profile type of text. A valid requested type wins.
func (c *Classifier) Classify(ctx context.Context, text string, requested models.ProfileType) (*Classification, error) {
	if requested != "" {
		if !requested.Valid() {
			return nil, models.NewError(models.KindValidation, "", "unknown profile type %q", requested)
		}
		return &Classification{ProfileType: requested, Confidence: 1, Source: "requested"}, nil
	}

	scores := Score(text)
	best, runnerUp := rank(scores)
	clear := scores[best] >= 2 && scores[best] >= 2*scores[runnerUp]
	out := &Classification{Scores: scores}

	verdict, err := c.confirm(ctx, text, best, scores)
	switch {
	case err == nil && verdict.ProfileType.Valid() && (verdict.ProfileType == best || verdict.Confidence >= llmAgreement):
		out.ProfileType, out.Confidence, out.Source, out.Reason = verdict.ProfileType, verdict.Confidence, "model", verdict.Reason
		return out, nil
	case clear:
		out.ProfileType, out.Source = best, "heuristic"
		out.Confidence = float64(scores[best]) / float64(scores[best]+scores[runnerUp])
		if err != nil {
			log.Debug().Err(err).Msg("Classifier confirmation unavailable, using heuristics")
		}
		return out, nil
	}
	reason := "no profile type stands out"
	if err != nil {
		reason = err.Error()
	}
	return out, models.NewError(models.KindProviderUnavailable, models.CodeClassifierUncertain,
		"cannot classify email: %s", reason)
}

type verdict struct {
	ProfileType models.ProfileType `json:"profile_type"`
	Confidence  float64            `json:"confidence"`
	Reason      string             `json:"reason"`
}

func (c *Classifier) confirm(ctx context.Context, text string, hint models.ProfileType, scores map[models.ProfileType]int) (*verdict, error) {
	if c.llm == nil {
		return nil, fmt.Errorf("no model configured")
	}
	prompt := fmt.Sprintf("Keyword scores: lead=%d active_loan=%d mum_client=%d team_member=%d (best guess %s).\n\n%s",
		scores[models.ProfileLead], scores[models.ProfileActiveLoan], scores[models.ProfileMUMClient],
		scores[models.ProfileTeamMember], hint, text)
	out, err := c.llm.Complete(ctx, contracts.CompletionRequest{System: classifySystem, Prompt: prompt, Model: c.model, MaxTokens: 200})
	if err != nil {
		return nil, err
	}
	var v verdict
	if err := llm.DecodeJSON(out, &v); err != nil {
		return nil, fmt.Errorf("unreadable classification: %w", err)
	}
	if v.Confidence > 1 {
		v.Confidence /= 100
	}
	return &v, nil
}

// Score counts keyword hits per profile type.
func Score(text string) map[models.ProfileType]int {
	lower := strings.ToLower(text)
	scores := make(map[models.ProfileType]int, len(models.ProfileTypes))
	for _, pt := range models.ProfileTypes {
		for _, kw := range keywords[pt] {
			if strings.Contains(lower, kw) {
				scores[pt]++
			}
		}
	}
	return scores
}

// rank returns the best and second best type, ties broken by vocabulary order.
func rank(scores map[models.ProfileType]int) (models.ProfileType, models.ProfileType) {
	types := append([]models.ProfileType(nil), models.ProfileTypes...)
	sort.SliceStable(types, func(i, j int) bool { return scores[types[i]] > scores[types[j]] })
	return types[0], types[1]
}
