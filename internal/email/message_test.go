package email

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loanpilot/orchestrator/internal/llm/llmtest"
	"github.com/loanpilot/orchestrator/internal/retry"
	"github.com/loanpilot/orchestrator/pkg/models"
)

func TestParseMessage(t *testing.T) {
	t.Run("headers and plain body", func(t *testing.T) {
		m, err := ParseMessage("From: \"Lee, Pat\" <Pat.Lee@Example.com>\nTo: lo@loanpilot.example, ops@loanpilot.example\n" +
			"Subject: =?UTF-8?Q?Rate_lock_=E2=9C=93?=\nMessage-Id: <abc@mx>\n\nLocked at 6.25%.\n")
		require.NoError(t, err)
		assert.Equal(t, "pat.lee@example.com", m.From)
		assert.Equal(t, []string{"lo@loanpilot.example", "ops@loanpilot.example"}, m.To)
		assert.Equal(t, "Rate lock ✓", m.Subject)
		assert.Equal(t, "abc@mx", m.MessageID)
		assert.Equal(t, "Locked at 6.25%.", m.Body)
	})

	t.Run("multipart prefers plain text", func(t *testing.T) {
		raw := "From: a@example.com\r\nSubject: docs\r\nMIME-Version: 1.0\r\n" +
			"Content-Type: multipart/alternative; boundary=XYZ\r\n\r\n" +
			"--XYZ\r\nContent-Type: text/html\r\n\r\n<p>HTML <b>copy</b></p>\r\n" +
			"--XYZ\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Transfer-Encoding: quoted-printable\r\n\r\n" +
			"Appraisal came in at $510,000 =\r\nfor 12 Elm St.\r\n" +
			"--XYZ--\r\n"
		m, err := ParseMessage(raw)
		require.NoError(t, err)
		assert.Equal(t, "Appraisal came in at $510,000 for 12 Elm St.", m.Body)
	})

	t.Run("html only is stripped", func(t *testing.T) {
		raw := "From: a@example.com\nContent-Type: text/html\n\n<div>Closing&nbsp;moved</div><script>x()</script>"
		m, err := ParseMessage(raw)
		require.NoError(t, err)
		assert.Equal(t, "Closing moved", m.Body)
	})

	t.Run("base64 body", func(t *testing.T) {
		raw := "From: a@example.com\nContent-Transfer-Encoding: base64\n\nQ2xlYXIgdG8g\nY2xvc2U=\n"
		m, err := ParseMessage(raw)
		require.NoError(t, err)
		assert.Equal(t, "Clear to close", m.Body)
	})

	t.Run("bare text is the body", func(t *testing.T) {
		m, err := ParseMessage("Loan #12345 is clear to close.")
		require.NoError(t, err)
		assert.Empty(t, m.From)
		assert.Equal(t, "Loan #12345 is clear to close.", m.Body)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := ParseMessage(" \r\n ")
		assert.Error(t, err)
	})
}

func TestRedact(t *testing.T) {
	text, kinds := Redact("SSN 123-45-6789, card 4111 1111 1111 1111, routing number 021000021, DOB: 4/12/1980. Call 555-201-3344.")
	assert.NotContains(t, text, "123-45-6789")
	assert.NotContains(t, text, "4111")
	assert.NotContains(t, text, "021000021")
	assert.NotContains(t, text, "4/12/1980")
	assert.Contains(t, text, "555-201-3344")
	assert.Equal(t, []string{"credit_card", "date_of_birth", "routing_number", "ssn"}, kinds)

	clean, kinds := Redact("nothing sensitive")
	assert.Equal(t, "nothing sensitive", clean)
	assert.Empty(t, kinds)
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	loanText := "Loan #12345 is clear to close, closing disclosure attached."

	t.Run("requested type wins", func(t *testing.T) {
		c, err := NewClassifier(nil, "").Classify(ctx, loanText, models.ProfileMUMClient)
		require.NoError(t, err)
		assert.Equal(t, models.ProfileMUMClient, c.ProfileType)
		assert.Equal(t, "requested", c.Source)
	})

	t.Run("invalid requested type", func(t *testing.T) {
		_, err := NewClassifier(nil, "").Classify(ctx, loanText, "prospect")
		assert.Equal(t, models.KindValidation, models.KindOf(err))
	})

	t.Run("clear heuristic without model", func(t *testing.T) {
		c, err := NewClassifier(llmtest.Unavailable(), "").Classify(ctx, loanText, "")
		require.NoError(t, err)
		assert.Equal(t, models.ProfileActiveLoan, c.ProfileType)
		assert.Equal(t, "heuristic", c.Source)
	})

	t.Run("confident model overrides heuristic", func(t *testing.T) {
		c, err := NewClassifier(llmtest.Text(`{"profile_type":"mum_client","confidence":0.9,"reason":"closed loan"}`), "").
			Classify(ctx, loanText, "")
		require.NoError(t, err)
		assert.Equal(t, models.ProfileMUMClient, c.ProfileType)
		assert.Equal(t, "model", c.Source)
	})

	t.Run("unsure model falls back to clear heuristic", func(t *testing.T) {
		c, err := NewClassifier(llmtest.Text(`{"profile_type":"lead","confidence":0.4}`), "").Classify(ctx, loanText, "")
		require.NoError(t, err)
		assert.Equal(t, models.ProfileActiveLoan, c.ProfileType)
	})

	t.Run("ambiguous without model is uncertain", func(t *testing.T) {
		_, err := NewClassifier(llmtest.Unavailable(), "").Classify(ctx, "thanks, talk soon", "")
		assert.Equal(t, models.CodeClassifierUncertain, models.CodeOf(err))
	})
}

func TestParse(t *testing.T) {
	ctx := context.Background()
	fast := retry.Policy{MaxAttempts: 3, Initial: 0, Multiplier: 1}

	t.Run("normalizes values and drops unknown fields", func(t *testing.T) {
		p := NewParser(llmtest.Text("```json\n"+`{"extracted_fields":{"loan_amount":"$385,000.00","interest_rate":"6.5%",
		 "loan_stage":"Clear To Close","closing_date":"March 14, 2025","favorite_color":"blue","appraisal_date":"soon"},
		 "confidence_scores":{"loan_amount":0.95,"interest_rate":0.9,"loan_stage":0.85,"closing_date":0.8,"favorite_color":0.9,"appraisal_date":0.5},
		 "milestone_triggers":[{"milestone":"closing","date":"03/14/2025"},{"milestone":"","date":"2025-01-01"},{"milestone":"appraisal","date":"tbd"}],
		 "urgency_score":14}`+"\n```"), "", fast)
		out, err := p.Parse(ctx, "body", models.ProfileActiveLoan)
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{
			"loan_amount":   385000.0,
			"interest_rate": 6.5,
			"loan_stage":    "clear_to_close",
			"closing_date":  "2025-03-14",
		}, out.ExtractedFields)
		assert.InDelta(t, 95, out.ConfidenceScores["loan_amount"], 0.001)
		assert.NotContains(t, out.ConfidenceScores, "favorite_color")
		assert.Contains(t, out.Rejected, "favorite_color")
		assert.Contains(t, out.Rejected, "appraisal_date")
		require.Len(t, out.Milestones, 1)
		assert.Equal(t, "2025-03-14", out.Milestones[0].Date)
		assert.Equal(t, 10.0, out.UrgencyScore)
	})

	t.Run("field updates fill missing extractions", func(t *testing.T) {
		p := NewParser(llmtest.Text(`{"field_updates":[{"field":"rate_lock_expiration","new_value":"2025-04-02","confidence":88,"reason":"lock extended"}]}`), "", fast)
		out, err := p.Parse(ctx, "body", models.ProfileActiveLoan)
		require.NoError(t, err)
		assert.Equal(t, "2025-04-02", out.ExtractedFields["rate_lock_expiration"])
		assert.Equal(t, 88.0, out.ConfidenceScores["rate_lock_expiration"])
	})

	t.Run("retries unreadable output", func(t *testing.T) {
		llm := llmtest.Sequence("not json", `{"extracted_fields":{"email":"a@b.co"},"confidence_scores":{"email":90}}`)
		out, err := NewParser(llm, "", fast).Parse(ctx, "body", models.ProfileLead)
		require.NoError(t, err)
		assert.Equal(t, "a@b.co", out.ExtractedFields["email"])
		assert.Equal(t, 2, llm.Calls())
	})

	t.Run("exhausted retries", func(t *testing.T) {
		llm := llmtest.Unavailable()
		_, err := NewParser(llm, "", fast).Parse(ctx, "body", models.ProfileLead)
		assert.Equal(t, models.CodeParserUnavailable, models.CodeOf(err))
		assert.Equal(t, 3, llm.Calls())
	})

	t.Run("cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := NewParser(llmtest.Text("{}"), "", fast).Parse(cctx, "body", models.ProfileLead)
		assert.Equal(t, models.KindCancelled, models.KindOf(err))
	})
}
