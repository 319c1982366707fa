// Package guardrails checks text crossing the orchestrator boundary.
//
// Outbound rules run on every borrower message produced by the sendSMS and
// sendEmail tools. Inbound rules run on email text before it reaches a model.
//
// Supported rule kinds:
//   - content_filter: phrase blocklist (e.g. approval promises)
//   - pii_detection: regex PII detection (ssn, credit card, bank numbers)
//   - max_length: character/word limits, per channel
//   - regex_filter: custom pattern, blocking on match or on absence
//   - prompt_injection: heuristic detection of instructions aimed at the model
package guardrails

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/loanpilot/orchestrator/pkg/models"
)

// Kind names a rule evaluator.
type Kind string

const (
	KindContentFilter   Kind = "content_filter"
	KindPIIDetection    Kind = "pii_detection"
	KindMaxLength       Kind = "max_length"
	KindRegexFilter     Kind = "regex_filter"
	KindPromptInjection Kind = "prompt_injection"
)

// Stage is where a rule applies.
type Stage string

const (
	StageInbound  Stage = "inbound"
	StageOutbound Stage = "outbound"
)

// Rule is one configured check. Channels limits the rule to message channels
// ("sms", "email"); empty applies to all.
type Rule struct {
	Name     string                 `json:"name" yaml:"name"`
	Kind     Kind                   `json:"kind" yaml:"kind"`
	Stage    Stage                  `json:"stage" yaml:"stage"`
	Channels []string               `json:"channels,omitempty" yaml:"channels,omitempty"`
	Config   map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

// Result is the verdict of one rule.
type Result struct {
	Rule    string `json:"rule"`
	Kind    Kind   `json:"kind"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// Evaluation collects every applicable rule's verdict.
type Evaluation struct {
	Passed  bool     `json:"passed"`
	Results []Result `json:"results"`
}

// Failures returns the failed results.
func (e *Evaluation) Failures() []Result {
	var out []Result
	for _, r := range e.Results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

// Checker evaluates a fixed rule set. A nil Checker passes everything.
type Checker struct {
	rules []Rule
}

// New creates a checker over rules.
func New(rules ...Rule) *Checker {
	return &Checker{rules: rules}
}

// DefaultRules are the compliance checks applied when none are configured.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:  "no-sensitive-identifiers",
			Kind:  KindPIIDetection,
			Stage: StageOutbound,
			Config: map[string]interface{}{
				"patterns": []interface{}{"ssn", "credit_card", "bank_account"},
			},
		},
		{
			Name:  "no-approval-promises",
			Kind:  KindContentFilter,
			Stage: StageOutbound,
			Config: map[string]interface{}{
				"blocked_words": []interface{}{
					"guaranteed approval", "guaranteed to be approved", "guaranteed rate",
					"no credit check", "100% approved", "pre-approved no matter",
				},
			},
		},
		{
			Name:     "sms-length",
			Kind:     KindMaxLength,
			Stage:    StageOutbound,
			Channels: []string{"sms"},
			Config:   map[string]interface{}{"max_characters": 480},
		},
		{
			Name:   "email-prompt-injection",
			Kind:   KindPromptInjection,
			Stage:  StageInbound,
			Config: map[string]interface{}{"sensitivity": "medium"},
		},
	}
}

// Default returns a checker over DefaultRules.
func Default() *Checker {
	return New(DefaultRules()...)
}

// Check runs every rule that applies to stage and channel.
func (c *Checker) Check(stage Stage, channel, text string) *Evaluation {
	eval := &Evaluation{Passed: true, Results: make([]Result, 0)}
	if c == nil {
		return eval
	}
	for _, r := range c.rules {
		if r.Stage != stage || !appliesToChannel(r.Channels, channel) {
			continue
		}
		res := evaluateOne(r, text)
		eval.Results = append(eval.Results, res)
		if !res.Passed {
			eval.Passed = false
		}
	}
	return eval
}

// Enforce returns a PermissionDenied error naming the failed rules, or nil.
func (c *Checker) Enforce(stage Stage, channel, text string) error {
	eval := c.Check(stage, channel, text)
	if eval.Passed {
		return nil
	}
	failed := eval.Failures()
	msgs := make([]string, len(failed))
	for i, f := range failed {
		msgs[i] = f.Rule + ": " + f.Message
	}
	log.Warn().Str("stage", string(stage)).Str("channel", channel).Strs("rules", msgs).Msg("🛡️ Guardrail blocked text")
	return models.NewError(models.KindPermissionDenied, models.CodeGuardrailBlocked, "%s", strings.Join(msgs, "; "))
}

func appliesToChannel(channels []string, channel string) bool {
	if len(channels) == 0 {
		return true
	}
	for _, c := range channels {
		if c == channel {
			return true
		}
	}
	return false
}

func evaluateOne(r Rule, text string) Result {
	var msg string
	switch r.Kind {
	case KindContentFilter:
		msg = evalContentFilter(r.Config, text)
	case KindPIIDetection:
		msg = evalPIIDetection(r.Config, text)
	case KindMaxLength:
		msg = evalMaxLength(r.Config, text)
	case KindRegexFilter:
		msg = evalRegexFilter(r.Config, text)
	case KindPromptInjection:
		msg = evalPromptInjection(r.Config, text)
	default:
		log.Debug().Str("rule", r.Name).Str("kind", string(r.Kind)).Msg("Unknown guardrail kind skipped")
	}
	return Result{Rule: r.Name, Kind: r.Kind, Passed: msg == "", Message: msg}
}

// ── Content Filter ──────────────────────────────────────────
// Config: { "blocked_words": ["phrase", ...], "case_sensitive": false }

func evalContentFilter(cfg map[string]interface{}, text string) string {
	caseSensitive, _ := cfg["case_sensitive"].(bool)
	if !caseSensitive {
		text = strings.ToLower(text)
	}
	for _, word := range stringList(cfg, "blocked_words") {
		if !caseSensitive {
			word = strings.ToLower(word)
		}
		if strings.Contains(text, word) {
			return "contains prohibited phrase \"" + word + "\""
		}
	}
	return ""
}

// ── PII Detection ───────────────────────────────────────────
// Config: { "patterns": ["ssn", "credit_card"] }; empty checks all.

var piiPatterns = map[string]*regexp.Regexp{
	"ssn":          regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	"credit_card":  regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`),
	"bank_account": regexp.MustCompile(`(?i)\b(?:account|acct|routing)\.?\s*(?:number|no\.?|#)?\s*:?\s*\d{6,17}\b`),
	"email":        regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
}

var piiOrder = []string{"ssn", "credit_card", "bank_account", "email"}

func evalPIIDetection(cfg map[string]interface{}, text string) string {
	names := stringList(cfg, "patterns")
	if len(names) == 0 {
		names = piiOrder
	}
	for _, name := range names {
		if re, ok := piiPatterns[name]; ok && re.MatchString(text) {
			return name + " detected"
		}
	}
	return ""
}

// ── Max Length ──────────────────────────────────────────────
// Config: { "max_characters": 480, "max_words": 100 }

func evalMaxLength(cfg map[string]interface{}, text string) string {
	if n, ok := intConfig(cfg, "max_characters"); ok && n > 0 && utf8.RuneCountInString(text) > n {
		return "exceeds maximum character limit"
	}
	if n, ok := intConfig(cfg, "max_words"); ok && n > 0 && len(strings.Fields(text)) > n {
		return "exceeds maximum word limit"
	}
	return ""
}

// ── Regex Filter ────────────────────────────────────────────
// Config: { "pattern": "...", "block_on_match": true }

func evalRegexFilter(cfg map[string]interface{}, text string) string {
	pattern, _ := cfg["pattern"].(string)
	if pattern == "" {
		return ""
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		log.Warn().Err(err).Str("pattern", pattern).Msg("Invalid guardrail pattern ignored")
		return ""
	}
	blockOnMatch := true
	if b, ok := cfg["block_on_match"].(bool); ok {
		blockOnMatch = b
	}
	matched := re.MatchString(text)
	switch {
	case matched && blockOnMatch:
		return "matched blocked pattern"
	case !matched && !blockOnMatch:
		return "did not match required pattern"
	}
	return ""
}

// ── Prompt Injection ────────────────────────────────────────
// Config: { "sensitivity": "high" | "medium" }

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?|directions?)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|above|your)\s+(instructions?|prompts?|rules?|context)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|my)\s+`),
	regexp.MustCompile(`(?i)new\s+instructions?:\s*`),
	regexp.MustCompile(`(?i)system\s*:\s*you\s+are`),
	regexp.MustCompile(`(?i)pretend\s+you\s+(are|have)\s+no\s+(restrictions?|rules?|guidelines?)`),
}

var highSensitivityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)override\s+(your|the|all)\s+`),
	regexp.MustCompile(`(?i)bypass\s+(your|the|all)\s+`),
	regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system\s+)?(prompt|instructions?)`),
	regexp.MustCompile(`(?i)set\s+(the\s+)?(loan|rate|stage|status)\s+to\s+.*\s+regardless`),
}

func evalPromptInjection(cfg map[string]interface{}, text string) string {
	for _, re := range injectionPatterns {
		if re.MatchString(text) {
			return "possible prompt injection"
		}
	}
	if s, _ := cfg["sensitivity"].(string); s == "high" {
		for _, re := range highSensitivityPatterns {
			if re.MatchString(text) {
				return "possible prompt injection (high sensitivity)"
			}
		}
	}
	return ""
}

// ── Helpers ─────────────────────────────────────────────────

func stringList(cfg map[string]interface{}, key string) []string {
	switch v := cfg[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// intConfig reads an integer, accepting JSON and YAML number types.
func intConfig(cfg map[string]interface{}, key string) (int, bool) {
	switch n := cfg[key].(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	}
	return 0, false
}
