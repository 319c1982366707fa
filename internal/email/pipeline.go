// Package email implements the email extraction pipeline: inbound mail is
// classified to a profile type, parsed into typed fields by a model, matched
// to a profile and either applied or queued for reconciliation.
package email

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/loanpilot/orchestrator/internal/agent"
	"github.com/loanpilot/orchestrator/internal/crm"
	"github.com/loanpilot/orchestrator/internal/guardrails"
	"github.com/loanpilot/orchestrator/internal/keylock"
	"github.com/loanpilot/orchestrator/internal/metrics"
	"github.com/loanpilot/orchestrator/internal/reconcile"
	"github.com/loanpilot/orchestrator/internal/retry"
	"github.com/loanpilot/orchestrator/internal/store"
	"github.com/loanpilot/orchestrator/internal/telemetry"
	"github.com/loanpilot/orchestrator/pkg/contracts"
	"github.com/loanpilot/orchestrator/pkg/models"
)

// HandlerName is the agent handler the pipeline registers under.
const HandlerName = "email_pipeline"

// ApplyThreshold is the confidence (0-100) at or above which a field is
// applied or conflict-queued.
const ApplyThreshold = 80.0

// Options configure a Pipeline.
type Options struct {
	Model      string
	LLMTimeout time.Duration
	Retry      retry.Policy
	Metrics    *metrics.Metrics
	// Guard screens email text before it reaches a model. Nil disables it.
	Guard *guardrails.Checker
}

// Pipeline runs ingested emails through classify, parse, match and apply.
type Pipeline struct {
	emails     store.EmailStore
	profiles   *crm.Service
	reconcile  *reconcile.Service
	events     contracts.Publisher
	classifier *Classifier
	parser     *Parser
	opts       Options
	locks      *keylock.Locker
}

// New creates a pipeline. events receives EmailReceived and milestone events.
func New(emails store.EmailStore, profiles *crm.Service, rec *reconcile.Service, events contracts.Publisher, completer contracts.Completer, opts Options) *Pipeline {
	if opts.LLMTimeout <= 0 {
		opts.LLMTimeout = 25 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.Default
	}
	return &Pipeline{
		emails:     emails,
		profiles:   profiles,
		reconcile:  rec,
		events:     events,
		classifier: NewClassifier(completer, opts.Model),
		parser:     NewParser(completer, opts.Model, opts.Retry),
		opts:       opts,
		locks:      keylock.New(),
	}
}

// IngestRequest is a raw email with an optional profile type hint.
type IngestRequest struct {
	ProfileType models.ProfileType `json:"profile_type,omitempty"`
	RawEmail    string             `json:"raw_email"`
}

// ── Ingest ───────────────────────────────────────────────────

// Ingest stores the email as pending and publishes EmailReceived. When the
// publish is rejected the stored email is marked for retry and returned with
// the error.
func (p *Pipeline) Ingest(ctx context.Context, req IngestRequest) (*models.EmailInteraction, error) {
	if req.ProfileType != "" && !req.ProfileType.Valid() {
		return nil, models.NewError(models.KindValidation, "", "unknown profile type %q", req.ProfileType)
	}
	msg, err := ParseMessage(req.RawEmail)
	if err != nil {
		return nil, models.WrapError(models.KindValidation, "", err)
	}

	e := &models.EmailInteraction{
		ID:            uuid.NewString(),
		MessageID:     msg.MessageID,
		From:          msg.From,
		To:            msg.To,
		Subject:       msg.Subject,
		Headers:       msg.Headers,
		BodyText:      msg.Body,
		RawEmail:      req.RawEmail,
		RequestedType: req.ProfileType,
		SyncStatus:    models.SyncPending,
		CreatedAt:     time.Now().UTC(),
	}
	if err := p.emails.CreateEmail(ctx, e); err != nil {
		return nil, fmt.Errorf("store email: %w", err)
	}
	log.Info().Str("email", e.ID).Str("from", e.From).Str("subject", e.Subject).Msg("📧 Email ingested")

	if err := p.announce(ctx, e); err != nil {
		e.SyncStatus = models.SyncError
		e.ErrorCode = models.CodeOf(err)
		e.Error = err.Error()
		e.RetryPending = true
		if uerr := p.emails.UpdateEmail(ctx, e); uerr != nil {
			log.Error().Err(uerr).Str("email", e.ID).Msg("Failed to mark email for retry")
		}
		return e, err
	}
	return e, nil
}

// announce publishes a fresh EmailReceived event for e.
func (p *Pipeline) announce(ctx context.Context, e *models.EmailInteraction) error {
	if p.events == nil {
		return nil
	}
	_, err := p.events.Publish(ctx, &models.Event{
		ID:         uuid.NewString(),
		Type:       models.EventEmailReceived,
		EntityType: "email",
		EntityID:   e.ID,
		Payload: map[string]interface{}{
			"email_id": e.ID,
			"from":     e.From,
			"subject":  e.Subject,
		},
	})
	return err
}

// Get returns one email interaction.
func (p *Pipeline) Get(ctx context.Context, id string) (*models.EmailInteraction, error) {
	e, err := p.emails.GetEmail(ctx, id)
	if store.IsNotFound(err) {
		return nil, models.WrapError(models.KindNotFound, "", err)
	}
	return e, err
}

// List returns emails by sync status, newest first.
func (p *Pipeline) List(ctx context.Context, status models.SyncStatus, limit int) ([]models.EmailInteraction, error) {
	return p.emails.ListEmails(ctx, status, limit)
}

// Retry re-queues an email whose processing errored.
func (p *Pipeline) Retry(ctx context.Context, id string) (*models.EmailInteraction, error) {
	unlock, err := p.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.SyncStatus != models.SyncError {
		return nil, models.NewError(models.KindConflict, models.CodeInvalidTransition,
			"only errored emails can be retried; %s is %s", id, e.SyncStatus)
	}
	e.SyncStatus = models.SyncPending
	e.ErrorCode, e.Error = "", ""
	e.RetryPending = false
	if err := p.emails.UpdateEmail(ctx, e); err != nil {
		return nil, err
	}
	if err := p.announce(ctx, e); err != nil {
		return nil, err
	}
	log.Info().Str("email", e.ID).Int("attempts", e.Attempts).Msg("Email queued for retry")
	return e, nil
}

// ── Process ──────────────────────────────────────────────────

// Handle runs the pipeline for the email an EmailReceived event names.
func (p *Pipeline) Handle(ctx context.Context, inv *models.Invocation, ev *models.Event) (*agent.HandlerResult, error) {
	e, err := p.Process(ctx, ev.EntityID)
	if err != nil {
		return nil, err
	}
	res := &agent.HandlerResult{
		Outcome:    models.OutcomeSuccess,
		Confidence: meanConfidence(e.ConfidenceScores) / 100,
		Impact:     0.2,
		Summary:    outcomeSummary(e),
		ErrorCode:  e.ErrorCode,
	}
	if len(e.AppliedFields) > 0 {
		res.Impact = 0.5
	}
	return res, nil
}

// Process classifies, parses, matches and applies one email. Emails already
// applied or queued as conflicts are returned unchanged.
func (p *Pipeline) Process(ctx context.Context, id string) (*models.EmailInteraction, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "email.process")
	defer span.End()
	span.SetAttributes(attribute.String("email.id", id))

	unlock, err := p.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.SyncStatus == models.SyncApplied || e.SyncStatus == models.SyncConflict {
		return e, nil
	}
	e.Attempts++

	text, redacted := Redact(messageText(e))
	if len(redacted) > 0 {
		log.Debug().Str("email", e.ID).Strs("kinds", redacted).Msg("Redacted sensitive identifiers")
	}
	if err := p.opts.Guard.Enforce(guardrails.StageInbound, "email", text); err != nil {
		return p.hold(ctx, e, err)
	}

	cctx, cancel := context.WithTimeout(ctx, p.opts.LLMTimeout)
	cls, err := p.classifier.Classify(cctx, text, e.RequestedType)
	cancel()
	if err != nil {
		return p.fail(ctx, e, err)
	}
	e.ProfileType = cls.ProfileType
	span.SetAttributes(attribute.String("email.profile_type", string(cls.ProfileType)))

	pctx, cancel := context.WithTimeout(ctx, p.opts.LLMTimeout*time.Duration(max(1, p.opts.Retry.MaxAttempts)))
	parsed, err := p.parser.Parse(pctx, text, cls.ProfileType)
	cancel()
	if err != nil {
		return p.fail(ctx, e, err)
	}
	record(e, parsed)

	if err := p.apply(ctx, e, parsed); err != nil {
		return p.fail(ctx, e, err)
	}
	p.milestones(ctx, e)

	now := time.Now().UTC()
	e.ProcessedAt = &now
	e.RetryPending = false
	e.Error = ""
	if err := p.emails.UpdateEmail(context.WithoutCancel(ctx), e); err != nil {
		return nil, fmt.Errorf("update email %s: %w", e.ID, err)
	}
	p.opts.Metrics.EmailProcessed(string(e.SyncStatus), string(e.ProfileType))
	log.Info().
		Str("email", e.ID).
		Str("profile_type", string(e.ProfileType)).
		Str("match", string(e.MatchType)).
		Str("status", string(e.SyncStatus)).
		Int("applied", len(e.AppliedFields)).
		Int("conflicts", len(e.ConflictIDs)).
		Msg("Email processed")
	return e, nil
}

// hold queues an email that failed an inbound guardrail for human review
// without showing it to a model.
func (p *Pipeline) hold(ctx context.Context, e *models.EmailInteraction, cause error) (*models.EmailInteraction, error) {
	pe := &models.PendingExtraction{
		EmailID:     e.ID,
		ProfileType: e.RequestedType,
		Fields:      map[string]interface{}{},
		Confidence:  map[string]float64{},
		Reason:      "held before extraction: " + cause.Error(),
		Urgency:     models.UrgencyHigh,
	}
	if err := p.reconcile.QueuePending(ctx, pe); err != nil {
		return p.fail(ctx, e, err)
	}
	now := time.Now().UTC()
	e.MatchType = models.MatchNone
	e.SyncStatus = models.SyncConflict
	e.ErrorCode = models.CodeOf(cause)
	e.Error = cause.Error()
	e.RetryPending = false
	e.ProcessedAt = &now
	if err := p.emails.UpdateEmail(context.WithoutCancel(ctx), e); err != nil {
		return nil, fmt.Errorf("update email %s: %w", e.ID, err)
	}
	p.opts.Metrics.EmailProcessed(string(e.SyncStatus), string(e.ProfileType))
	log.Warn().Str("email", e.ID).Str("pending", pe.ID).Msg("Email held for review by guardrail")
	return e, nil
}

// fail records a stage error on the email. Cancellation leaves the email
// pending so a later run picks it up.
func (p *Pipeline) fail(ctx context.Context, e *models.EmailInteraction, cause error) (*models.EmailInteraction, error) {
	if ctx.Err() != nil || models.KindOf(cause) == models.KindCancelled {
		return nil, cause
	}
	e.SyncStatus = models.SyncError
	e.ErrorCode = models.CodeOf(cause)
	e.Error = cause.Error()
	e.RetryPending = true
	if err := p.emails.UpdateEmail(context.WithoutCancel(ctx), e); err != nil {
		log.Error().Err(err).Str("email", e.ID).Msg("Failed to record email error")
	}
	p.opts.Metrics.EmailProcessed(string(models.SyncError), string(e.ProfileType))
	log.Warn().Err(cause).Str("email", e.ID).Str("code", e.ErrorCode).Msg("Email processing failed")
	return e, cause
}

func messageText(e *models.EmailInteraction) string {
	if e.Subject == "" {
		return e.BodyText
	}
	return "Subject: " + e.Subject + "\n\n" + e.BodyText
}

// record copies the parse result onto the interaction.
func record(e *models.EmailInteraction, parsed *Parsed) {
	e.ExtractedFields = parsed.ExtractedFields
	e.ConfidenceScores = parsed.ConfidenceScores
	e.CalculatedFields = parsed.CalculatedFields
	e.Milestones = parsed.Milestones
	e.FieldUpdates = parsed.FieldUpdates
	e.Conflicts = parsed.Conflicts
	e.SuggestedActions = parsed.SuggestedActions
	e.Summary = parsed.Summary
	e.Sentiment = parsed.Sentiment
	e.UrgencyScore = parsed.UrgencyScore
}

func meanConfidence(scores map[string]float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	var sum float64
	for _, c := range scores {
		sum += c
	}
	return sum / float64(len(scores))
}

func outcomeSummary(e *models.EmailInteraction) string {
	var parts []string
	parts = append(parts, fmt.Sprintf("%s email matched by %s", e.ProfileType, e.MatchType))
	if n := len(e.AppliedFields); n > 0 {
		parts = append(parts, fmt.Sprintf("applied %s", strings.Join(e.AppliedFields, ", ")))
	}
	if n := len(e.ConflictIDs); n > 0 {
		parts = append(parts, fmt.Sprintf("%d conflict(s) queued", n))
	}
	if e.ErrorCode != "" {
		parts = append(parts, e.ErrorCode)
	}
	return strings.Join(parts, "; ")
}
