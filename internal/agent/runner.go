package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/loanpilot/orchestrator/internal/metrics"
	"github.com/loanpilot/orchestrator/internal/reconcile"
	"github.com/loanpilot/orchestrator/internal/schema"
	"github.com/loanpilot/orchestrator/internal/store"
	"github.com/loanpilot/orchestrator/internal/telemetry"
	"github.com/loanpilot/orchestrator/internal/tools"
	"github.com/loanpilot/orchestrator/pkg/contracts"
	"github.com/loanpilot/orchestrator/pkg/models"
)

// DefaultExperimentMetric is recorded for agents bound to an experiment
// without an explicit metric.
const DefaultExperimentMetric = "invocation_success"

// Handler replaces the LLM decision step for agents that name a built-in
// pipeline in their handler field.
type Handler interface {
	Handle(ctx context.Context, inv *models.Invocation, ev *models.Event) (*HandlerResult, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, inv *models.Invocation, ev *models.Event) (*HandlerResult, error)

func (f HandlerFunc) Handle(ctx context.Context, inv *models.Invocation, ev *models.Event) (*HandlerResult, error) {
	return f(ctx, inv, ev)
}

// HandlerResult is what a built-in pipeline reports back to the runner.
type HandlerResult struct {
	Outcome    models.Outcome
	Confidence float64
	Impact     float64
	Summary    string
	ErrorCode  string
}

// Ledger records terminal invocations. Implemented by ledger.Ledger.
type Ledger interface {
	Record(ctx context.Context, inv *models.Invocation, actionType string) (*models.ActionRecord, error)
}

// Experimenter resolves variants and records outcomes. Implemented by
// experiments.Engine.
type Experimenter interface {
	GetVariant(ctx context.Context, name, subject string, attrs map[string]interface{}) (*models.VariantResponse, error)
	Record(ctx context.Context, name, metric string, value float64, subject string) (bool, error)
}

// Scheduler queues invocations for execution. Implemented by bus.Bus.
type Scheduler interface {
	Enqueue(ev *models.Event, invocations []*models.Invocation) error
}

// Timeouts bound the runner's suspension points.
type Timeouts struct {
	LLM    time.Duration
	Memory time.Duration
}

// Deps are the runner's collaborators. Memory, Experiments and Feed may be nil.
type Deps struct {
	Invocations store.InvocationStore
	Events      store.EventStore
	Agents      *Registry
	Tools       *tools.Registry
	Invoker     *tools.Invoker
	LLM         contracts.Completer
	Memory      contracts.VectorMemory
	Ledger      Ledger
	Experiments Experimenter
	Feed        contracts.FeedPublisher
	Metrics     *metrics.Metrics
	Timeouts    Timeouts
}

// Runner executes invocations.
type Runner struct {
	Deps

	hmu       sync.RWMutex
	handlers  map[string]Handler
	scheduler Scheduler

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewRunner creates a runner.
func NewRunner(d Deps) *Runner {
	if d.Timeouts.LLM <= 0 {
		d.Timeouts.LLM = 25 * time.Second
	}
	if d.Timeouts.Memory <= 0 {
		d.Timeouts.Memory = 5 * time.Second
	}
	return &Runner{
		Deps:     d,
		handlers: make(map[string]Handler),
		running:  make(map[string]context.CancelFunc),
	}
}

// RegisterHandler binds a built-in pipeline under name.
func (r *Runner) RegisterHandler(name string, h Handler) {
	r.hmu.Lock()
	r.handlers[name] = h
	r.hmu.Unlock()
}

// SetScheduler sets where retried invocations are queued.
func (r *Runner) SetScheduler(s Scheduler) {
	r.scheduler = s
}

func (r *Runner) handler(name string) (Handler, bool) {
	r.hmu.RLock()
	defer r.hmu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// ── Tracking ─────────────────────────────────────────────────

func (r *Runner) track(id string, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.running[id]; busy {
		return false
	}
	r.running[id] = cancel
	return true
}

func (r *Runner) untrack(id string) {
	r.mu.Lock()
	delete(r.running, id)
	r.mu.Unlock()
}

// ── Run ──────────────────────────────────────────────────────

// Run executes one invocation from state created to a terminal or pending
// state. Recoverable failures end up in the invocation and the ledger; the
// returned error is reserved for store failures.
func (r *Runner) Run(ctx context.Context, invocationID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !r.track(invocationID, cancel) {
		return nil
	}
	defer r.untrack(invocationID)

	inv, err := r.Invocations.GetInvocation(ctx, invocationID)
	if err != nil {
		return err
	}
	if inv.State != models.StateCreated {
		return nil
	}

	ctx, span := telemetry.Tracer().Start(ctx, "invocation.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("invocation.id", inv.ID),
		attribute.String("agent.id", inv.AgentID),
		attribute.String("event.id", inv.EventID),
	)

	x := &execution{r: r, inv: inv, started: time.Now()}
	err = x.run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("invocation.outcome", string(x.inv.Outcome)))
	return err
}

// execution carries one invocation through the runner.
type execution struct {
	r       *Runner
	inv     *models.Invocation
	agent   *models.Agent
	event   *models.Event
	started time.Time

	system string
	model  string

	// repaired is set once the single repair prompt has been spent.
	repaired bool
}

func (x *execution) run(ctx context.Context) error {
	r, inv := x.r, x.inv

	ev, err := r.Events.GetEvent(ctx, inv.EventID)
	if err != nil {
		return fmt.Errorf("load event %s: %w", inv.EventID, err)
	}
	x.event = ev

	agent, err := r.Agents.Get(ctx, inv.AgentID)
	if err == nil && agent.Status != models.AgentStatusActive {
		err = models.NewError(models.KindNotFound, models.CodeAgentNotFound, "agent %s is %s", agent.ID, agent.Status)
	}
	if err != nil {
		if models.KindOf(err) == models.KindNotFound {
			return x.finish(ctx, models.OutcomeFailure, models.CodeAgentNotFound, err.Error())
		}
		return err
	}
	x.agent = agent

	if ctx.Err() != nil {
		return x.cancelled(ctx)
	}
	if err := x.advance(ctx, models.StateAssembling); err != nil {
		return err
	}
	x.resolvePrompt(ctx)

	if agent.Handler != "" {
		return x.runHandler(ctx)
	}

	pc, err := x.assemble(ctx)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return x.cancelled(ctx)
	}
	if err := x.advance(ctx, models.StateDeciding); err != nil {
		return err
	}

	user := userPrompt(pc)
	d, err := x.decide(ctx, user)
	if err != nil {
		if ctx.Err() != nil {
			return x.cancelled(ctx)
		}
		return x.finish(ctx, models.OutcomeFailure, models.CodeLLMUnavailable, err.Error())
	}
	return x.apply(ctx, d, user)
}

// resolvePrompt picks the prompt text, model and prompt_version_id, asking the
// experiment engine first when the agent is bound to an experiment.
func (x *execution) resolvePrompt(ctx context.Context) {
	r, a, inv := x.r, x.agent, x.inv
	base, model := a.Prompt, a.Model
	inv.PromptVersionID = a.PromptVersionID

	if a.Experiment != nil && r.Experiments != nil {
		resp, err := r.Experiments.GetVariant(ctx, a.Experiment.Name, inv.Subject, map[string]interface{}{
			"agent_id":   a.ID,
			"event_type": string(x.event.Type),
		})
		switch {
		case err != nil:
			log.Warn().Err(err).Str("agent", a.ID).Str("experiment", a.Experiment.Name).Msg("Variant lookup failed, using default prompt")
		case resp.InExperiment && resp.Variant != nil:
			inv.ExperimentID = resp.ExperimentID
			inv.VariantID = resp.Variant.ID
			inv.PromptVersionID = resp.ExperimentID + "/" + resp.Variant.ID
			vc := parseVariantConfig(resp.Variant.Config)
			if vc.Prompt != "" {
				base = vc.Prompt
			}
			if vc.Model != "" {
				model = vc.Model
			}
		}
	}
	x.model = model
	x.system = base
}

// assemble gathers the event payload, context tool results and memories.
func (x *execution) assemble(ctx context.Context) (*promptContext, error) {
	r, a, ev := x.r, x.agent, x.event
	pc := &promptContext{Event: ev}

	for _, ct := range a.ContextTools {
		if ctx.Err() != nil {
			return pc, nil
		}
		call, err := r.Invoker.Invoke(ctx, tools.Call{
			InvocationID: x.inv.ID,
			ToolName:     ct.Tool,
			Arguments:    templateArgs(ct.Args, ev),
			EntityType:   ev.EntityType,
			EntityID:     ev.EntityID,
		})
		if call != nil {
			x.inv.ToolCallIDs = append(x.inv.ToolCallIDs, call.ID)
		}
		if err != nil {
			log.Warn().Err(err).Str("agent", a.ID).Str("tool", ct.Tool).Msg("Context tool failed")
			continue
		}
		pc.ToolResults = append(pc.ToolResults, toolResult{Name: ct.Tool, Result: call.Result})
	}

	if r.Memory != nil && a.MemoryTopK > 0 && ctx.Err() == nil {
		mctx, cancel := context.WithTimeout(ctx, r.Timeouts.Memory)
		query := string(ev.Type)
		if len(ev.Payload) > 0 {
			b, _ := json.Marshal(ev.Payload)
			query += " " + string(b)
		}
		mems, err := r.Memory.TopK(mctx, ev.EntityKey(), query, a.MemoryTopK)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("agent", a.ID).Str("entity", ev.EntityKey()).Msg("Memory retrieval failed, continuing without memories")
		}
		pc.Memories = mems
	}
	return pc, nil
}

// decide asks the LLM for a decision.
func (x *execution) decide(ctx context.Context, user string) (*models.Decision, error) {
	r, a := x.r, x.agent
	catalog, err := r.Tools.Describe(ctx, a.ToolIDs)
	if err != nil {
		log.Warn().Err(err).Str("agent", a.ID).Msg("Tool catalog incomplete")
	}
	text, err := x.complete(ctx, systemPrompt(a, x.system, catalog), user)
	if err != nil {
		return nil, err
	}
	return parseDecision(text), nil
}

func (x *execution) complete(ctx context.Context, system, user string) (string, error) {
	lctx, cancel := context.WithTimeout(ctx, x.r.Timeouts.LLM)
	defer cancel()
	return x.r.LLM.Complete(lctx, contracts.CompletionRequest{System: system, Prompt: user, Model: x.model})
}

// apply routes a decision through the autonomy policy.
func (x *execution) apply(ctx context.Context, d *models.Decision, user string) error {
	r, a, inv := x.r, x.agent, x.inv
	inv.Decision = d
	inv.Confidence = d.Confidence

	switch d.Kind {
	case models.DecisionEscalate:
		return x.finish(ctx, models.OutcomeEscalated, "", d.Reason)

	case models.DecisionDirectEffect:
		v := Evaluate(a.AutonomyPolicy, models.SideEffectReadOnly, d.Confidence)
		inv.AutonomyLevel = v.Level
		switch {
		case v.Escalate:
			return x.finish(ctx, models.OutcomeEscalated, "", v.Reason)
		case v.Pending():
			return x.pend(ctx, v.Reason)
		}
		x.setImpact(d, "")
		return x.finish(ctx, models.OutcomeSuccess, "", d.Summary)
	}

	// tool_call
	if !a.Permits(d.ToolName) {
		return x.finish(ctx, models.OutcomeEscalated, models.CodeToolNotPermitted,
			fmt.Sprintf("tool %s is not in the tool_ids of agent %s", d.ToolName, a.ID))
	}
	tool, err := r.Tools.Get(ctx, d.ToolName)
	if err != nil {
		if models.KindOf(err) == models.KindNotFound {
			return x.finish(ctx, models.OutcomeEscalated, models.CodeToolNotPermitted, err.Error())
		}
		return err
	}

	if verr := schema.Validate(tool.InputSchema, d.Arguments); verr != nil {
		if ctx.Err() != nil {
			return x.cancelled(ctx)
		}
		if x.repaired {
			return x.finish(ctx, models.OutcomeFailure, models.CodeToolArgInvalid, verr.Error())
		}
		x.repaired = true
		text, err := x.complete(ctx, systemPrompt(a, x.system, ""), repairPrompt(user, d, verr))
		if err != nil {
			if ctx.Err() != nil {
				return x.cancelled(ctx)
			}
			return x.finish(ctx, models.OutcomeFailure, models.CodeLLMUnavailable, err.Error())
		}
		repaired := parseDecision(text)
		if repaired.Kind != models.DecisionToolCall || repaired.ToolName != d.ToolName {
			return x.apply(ctx, repaired, user)
		}
		if verr := schema.Validate(tool.InputSchema, repaired.Arguments); verr != nil {
			inv.Decision = repaired
			return x.finish(ctx, models.OutcomeFailure, models.CodeToolArgInvalid, verr.Error())
		}
		d = repaired
		inv.Decision = d
		inv.Confidence = d.Confidence
	}

	v := Evaluate(a.AutonomyPolicy, tool.SideEffectClass, d.Confidence)
	inv.AutonomyLevel = v.Level
	switch {
	case v.Escalate:
		return x.finish(ctx, models.OutcomeEscalated, "", v.Reason)
	case v.Pending():
		return x.pend(ctx, v.Reason)
	}
	return x.execute(ctx, tool)
}

// execute runs an authorized tool call and finishes the invocation.
func (x *execution) execute(ctx context.Context, tool *models.Tool) error {
	r, inv := x.r, x.inv
	d := inv.Decision
	if ctx.Err() != nil {
		return x.cancelled(ctx)
	}
	if err := x.advance(ctx, models.StateExecuting); err != nil {
		return err
	}

	call, err := r.Invoker.Invoke(ctx, tools.Call{
		InvocationID: inv.ID,
		ToolName:     tool.Name,
		Arguments:    d.Arguments,
		EntityType:   inv.EntityType,
		EntityID:     inv.EntityID,
		Confidence:   d.Confidence,
		Authorized:   true,
	})
	if call != nil {
		inv.ToolCallIDs = append(inv.ToolCallIDs, call.ID)
	}
	if ctx.Err() != nil {
		return x.cancelled(ctx)
	}
	if err != nil {
		switch {
		case models.CodeOf(err) == models.CodeToolArgInvalid:
			return x.finish(ctx, models.OutcomeFailure, models.CodeToolArgInvalid, err.Error())
		case models.KindOf(err) == models.KindPermissionDenied:
			code := models.CodeOf(err)
			if code == "" {
				code = models.CodeToolNotPermitted
			}
			return x.finish(ctx, models.OutcomeEscalated, code, err.Error())
		case !tool.SideEffectClass.Idempotent():
			return x.finish(ctx, models.OutcomeEscalated, models.CodeToolFailed, err.Error())
		default:
			return x.finish(ctx, models.OutcomeFailure, models.CodeToolFailed, err.Error())
		}
	}
	x.setImpact(d, tool.SideEffectClass)
	summary := d.Summary
	if summary == "" {
		summary = "called " + tool.Name
	}
	return x.finish(ctx, models.OutcomeSuccess, "", summary)
}

// runHandler delegates the decision and effect to a built-in pipeline.
func (x *execution) runHandler(ctx context.Context) error {
	h, ok := x.r.handler(x.agent.Handler)
	if !ok {
		return x.finish(ctx, models.OutcomeFailure, "", fmt.Sprintf("handler %q is not registered", x.agent.Handler))
	}
	if err := x.advance(ctx, models.StateDeciding); err != nil {
		return err
	}
	if err := x.advance(ctx, models.StateExecuting); err != nil {
		return err
	}
	x.inv.AutonomyLevel = models.AutonomyFull

	res, err := h.Handle(ctx, x.inv, x.event)
	if ctx.Err() != nil {
		return x.cancelled(ctx)
	}
	if err != nil {
		return x.finish(ctx, models.OutcomeFailure, models.CodeOf(err), err.Error())
	}
	x.inv.Confidence = res.Confidence
	x.inv.Impact = res.Impact
	x.inv.Decision = &models.Decision{Kind: models.DecisionDirectEffect, Summary: res.Summary, Confidence: res.Confidence}
	return x.finish(ctx, res.Outcome, res.ErrorCode, res.Summary)
}

func (x *execution) setImpact(d *models.Decision, class models.SideEffectClass) {
	if d.Impact != nil {
		x.inv.Impact = *d.Impact
		return
	}
	x.inv.Impact = defaultImpact(d.Kind, class)
}

// ── State transitions ────────────────────────────────────────

func (x *execution) advance(ctx context.Context, to models.InvocationState) error {
	return x.r.transition(ctx, x.inv, to)
}

func (r *Runner) transition(ctx context.Context, inv *models.Invocation, to models.InvocationState) error {
	if !models.CanTransition(inv.State, to) {
		return models.NewError(models.KindInternal, models.CodeInvalidTransition, "invocation %s: %s → %s", inv.ID, inv.State, to)
	}
	inv.State = to
	inv.UpdatedAt = time.Now().UTC()
	if err := r.Invocations.UpdateInvocation(context.WithoutCancel(ctx), inv); err != nil {
		return fmt.Errorf("update invocation %s: %w", inv.ID, err)
	}
	return nil
}

func (x *execution) pend(ctx context.Context, reason string) error {
	inv := x.inv
	inv.Outcome = models.OutcomePending
	inv.ApprovalStatus = models.ApprovalPending
	inv.Reason = reason
	if err := x.advance(ctx, models.StatePendingApproval); err != nil {
		return err
	}
	if x.r.Feed != nil {
		x.r.Feed.PublishFeed(reconcile.InvocationItem(inv))
	}
	log.Info().
		Str("invocation", inv.ID).
		Str("agent", inv.AgentID).
		Str("autonomy", string(inv.AutonomyLevel)).
		Str("reason", reason).
		Msg("Invocation awaiting approval")
	return nil
}

func (x *execution) cancelled(ctx context.Context) error {
	return x.finish(ctx, models.OutcomeCancelled, "", "cancelled")
}

// finish moves the invocation to the terminal state for outcome and runs the
// terminal side effects.
func (x *execution) finish(ctx context.Context, outcome models.Outcome, code, reason string) error {
	return x.r.complete(ctx, x.inv, x.agent, outcome, code, reason, x.started)
}

func stateFor(o models.Outcome) models.InvocationState {
	switch o {
	case models.OutcomeSuccess:
		return models.StateSuccess
	case models.OutcomeEscalated:
		return models.StateEscalated
	case models.OutcomeCancelled:
		return models.StateCancelled
	case models.OutcomePending:
		return models.StatePendingApproval
	}
	return models.StateFailure
}

func (r *Runner) complete(ctx context.Context, inv *models.Invocation, agent *models.Agent, outcome models.Outcome, code, reason string, started time.Time) error {
	ctx = context.WithoutCancel(ctx)
	wasPending := inv.State == models.StatePendingApproval

	inv.Outcome = outcome
	inv.ErrorCode = code
	inv.Reason = reason
	now := time.Now().UTC()
	inv.CompletedAt = &now
	if err := r.transition(ctx, inv, stateFor(outcome)); err != nil {
		return err
	}

	if r.Ledger != nil {
		if _, err := r.Ledger.Record(ctx, inv, actionType(inv)); err != nil {
			log.Error().Err(err).Str("invocation", inv.ID).Msg("Failed to write ledger row")
		}
	}
	r.remember(ctx, inv)
	if agent != nil {
		r.recordExperiment(ctx, inv, agent)
	}
	if r.Feed != nil {
		switch {
		case outcome == models.OutcomeEscalated:
			r.Feed.PublishFeed(reconcile.InvocationItem(inv))
		case wasPending:
			item := reconcile.InvocationItem(inv)
			item.Removed = true
			r.Feed.PublishFeed(item)
		}
	}
	r.Metrics.InvocationFinished(inv.AgentID, string(outcome), string(inv.AutonomyLevel), time.Since(started))

	evt := log.Info()
	if outcome == models.OutcomeFailure {
		evt = log.Warn()
	}
	evt.Str("invocation", inv.ID).
		Str("agent", inv.AgentID).
		Str("outcome", string(outcome)).
		Str("autonomy", string(inv.AutonomyLevel)).
		Str("code", code).
		Float64("confidence", inv.Confidence).
		Dur("elapsed", time.Since(started)).
		Msg("Invocation finished")
	return nil
}

func actionType(inv *models.Invocation) string {
	if inv.Decision == nil {
		return "none"
	}
	if inv.Decision.Kind == models.DecisionToolCall {
		return "tool_call:" + inv.Decision.ToolName
	}
	return string(inv.Decision.Kind)
}

func (r *Runner) remember(ctx context.Context, inv *models.Invocation) {
	if r.Memory == nil || inv.EntityType == "" {
		return
	}
	content := fmt.Sprintf("%s %s by %s (%s)", actionType(inv), inv.Outcome, inv.AgentID, inv.Reason)
	mctx, cancel := context.WithTimeout(ctx, r.Timeouts.Memory)
	defer cancel()
	err := r.Memory.Remember(mctx, inv.EntityType+":"+inv.EntityID, content, map[string]string{
		"invocation_id": inv.ID,
		"agent_id":      inv.AgentID,
		"outcome":       string(inv.Outcome),
	})
	if err != nil {
		log.Warn().Err(err).Str("invocation", inv.ID).Msg("Failed to store invocation memory")
	}
}

func (r *Runner) recordExperiment(ctx context.Context, inv *models.Invocation, a *models.Agent) {
	if r.Experiments == nil || a.Experiment == nil || inv.ExperimentID == "" {
		return
	}
	if inv.Outcome == models.OutcomeCancelled {
		return
	}
	metric := a.Experiment.Metric
	if metric == "" {
		metric = DefaultExperimentMetric
	}
	value := 0.0
	if inv.Outcome == models.OutcomeSuccess {
		value = 1
	}
	if _, err := r.Experiments.Record(ctx, a.Experiment.Name, metric, value, inv.Subject); err != nil {
		log.Warn().Err(err).Str("invocation", inv.ID).Str("experiment", a.Experiment.Name).Msg("Failed to record experiment result")
	}
}

// ── Human actions ────────────────────────────────────────────

// ApproveRequest approves a pending invocation. Confirm is required for
// irreversible tools.
type ApproveRequest struct {
	Reviewer string `json:"reviewer"`
	Confirm  bool   `json:"confirm"`
}

// Approve executes the stored decision of a pending invocation.
func (r *Runner) Approve(ctx context.Context, id string, req ApproveRequest) (*models.Invocation, error) {
	inv, err := r.pending(ctx, id)
	if err != nil {
		return nil, err
	}
	agent, _ := r.Agents.Get(ctx, inv.AgentID)

	var tool *models.Tool
	if inv.Decision != nil && inv.Decision.Kind == models.DecisionToolCall {
		if tool, err = r.Tools.Get(ctx, inv.Decision.ToolName); err != nil {
			return nil, err
		}
		if tool.SideEffectClass == models.SideEffectIrreversible && !req.Confirm {
			return nil, models.NewError(models.KindValidation, models.CodeConfirmationRequired,
				"%s is irreversible; approve with confirm=true", tool.Name)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !r.track(id, cancel) {
		return nil, models.NewError(models.KindConflict, models.CodeInvalidTransition, "invocation %s is already running", id)
	}
	defer r.untrack(id)

	inv.ApprovalStatus = models.ApprovalApproved
	inv.Reviewer = req.Reviewer
	x := &execution{r: r, inv: inv, agent: agent, started: time.Now()}

	if tool == nil {
		if inv.Decision != nil {
			x.setImpact(inv.Decision, "")
		}
		summary := ""
		if inv.Decision != nil {
			summary = inv.Decision.Summary
		}
		err = x.finish(ctx, models.OutcomeSuccess, "", summary)
	} else {
		err = x.execute(ctx, tool)
	}
	if err != nil {
		return nil, err
	}
	log.Info().Str("invocation", id).Str("reviewer", req.Reviewer).Str("outcome", string(inv.Outcome)).Msg("Invocation approved")
	return inv, nil
}

// Reject cancels a pending invocation without executing it.
func (r *Runner) Reject(ctx context.Context, id, reviewer, reason string) (*models.Invocation, error) {
	inv, err := r.pending(ctx, id)
	if err != nil {
		return nil, err
	}
	agent, _ := r.Agents.Get(ctx, inv.AgentID)
	inv.ApprovalStatus = models.ApprovalRejected
	inv.Reviewer = reviewer
	if reason == "" {
		reason = "rejected by reviewer"
	}
	if err := r.complete(ctx, inv, agent, models.OutcomeCancelled, "", reason, inv.CreatedAt); err != nil {
		return nil, err
	}
	return inv, nil
}

func (r *Runner) pending(ctx context.Context, id string) (*models.Invocation, error) {
	inv, err := r.Invocations.GetInvocation(ctx, id)
	if store.IsNotFound(err) {
		return nil, models.WrapError(models.KindNotFound, "", err)
	}
	if err != nil {
		return nil, err
	}
	if inv.State != models.StatePendingApproval {
		return nil, models.NewError(models.KindConflict, models.CodeInvalidTransition,
			"invocation %s is %s, not pending_approval", id, inv.State)
	}
	return inv, nil
}

// Cancel stops a running invocation or cancels one that has not started or is
// awaiting approval. A running non-idempotent tool call completes and is
// recorded; the invocation still ends cancelled.
func (r *Runner) Cancel(ctx context.Context, id string) (*models.Invocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inv, err := r.Invocations.GetInvocation(ctx, id)
	if store.IsNotFound(err) {
		return nil, models.WrapError(models.KindNotFound, "", err)
	}
	if err != nil {
		return nil, err
	}
	if inv.State.Terminal() {
		return nil, models.NewError(models.KindConflict, models.CodeInvalidTransition, "invocation %s is already %s", id, inv.State)
	}

	if cancel, ok := r.running[id]; ok {
		cancel()
		inv.CancelRequested = true
		log.Info().Str("invocation", id).Msg("Cancellation requested for running invocation")
		return inv, nil
	}

	agent, _ := r.Agents.Get(ctx, inv.AgentID)
	if err := r.complete(ctx, inv, agent, models.OutcomeCancelled, "", "cancelled before execution", inv.CreatedAt); err != nil {
		return nil, err
	}
	return inv, nil
}

// Retry creates a new invocation superseding a failed or escalated one and
// queues it.
func (r *Runner) Retry(ctx context.Context, id string) (*models.Invocation, error) {
	old, err := r.Invocations.GetInvocation(ctx, id)
	if store.IsNotFound(err) {
		return nil, models.WrapError(models.KindNotFound, "", err)
	}
	if err != nil {
		return nil, err
	}
	if old.State != models.StateFailure && old.State != models.StateEscalated {
		return nil, models.NewError(models.KindConflict, models.CodeInvalidTransition,
			"only failed or escalated invocations can be retried; %s is %s", id, old.State)
	}
	ev, err := r.Events.GetEvent(ctx, old.EventID)
	if err != nil {
		return nil, fmt.Errorf("load event %s: %w", old.EventID, err)
	}

	now := time.Now().UTC()
	inv := &models.Invocation{
		ID:           uuid.NewString(),
		EventID:      old.EventID,
		AgentID:      old.AgentID,
		EntityType:   old.EntityType,
		EntityID:     old.EntityID,
		Subject:      old.Subject,
		SupersedesID: old.ID,
		State:        models.StateCreated,
		Outcome:      models.OutcomePending,
		ToolCallIDs:  []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.Invocations.CreateInvocation(ctx, inv); err != nil {
		return nil, err
	}
	if r.scheduler != nil {
		if err := r.scheduler.Enqueue(ev, []*models.Invocation{inv}); err != nil {
			return nil, err
		}
	} else {
		go func() {
			if err := r.Run(context.Background(), inv.ID); err != nil {
				log.Error().Err(err).Str("invocation", inv.ID).Msg("Retry run failed")
			}
		}()
	}
	log.Info().Str("invocation", inv.ID).Str("supersedes", old.ID).Msg("Invocation retried")
	return inv, nil
}

// IsRunning reports whether the invocation is currently executing.
func (r *Runner) IsRunning(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[id]
	return ok
}
