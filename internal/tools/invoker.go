package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loanpilot/orchestrator/internal/keylock"
	"github.com/loanpilot/orchestrator/internal/metrics"
	"github.com/loanpilot/orchestrator/internal/retry"
	"github.com/loanpilot/orchestrator/internal/schema"
	"github.com/loanpilot/orchestrator/internal/store"
	"github.com/loanpilot/orchestrator/internal/telemetry"
	"github.com/loanpilot/orchestrator/pkg/contracts"
	"github.com/loanpilot/orchestrator/pkg/models"
)

// DefaultTimeout bounds a tool call when the definition sets none.
const DefaultTimeout = 20 * time.Second

// Call is one requested tool execution.
type Call struct {
	InvocationID string
	ToolName     string
	Arguments    map[string]interface{}
	EntityType   string
	EntityID     string
	Confidence   float64

	// Authorized must be set for any side-effecting tool. The runner sets it
	// only after an autonomy decision of full or an explicit approval.
	Authorized bool
}

// Invoker validates, audits and executes tool calls.
type Invoker struct {
	registry *Registry
	calls    store.ToolCallStore
	locks    *keylock.Locker
	metrics  *metrics.Metrics
	timeout  time.Duration
	policy   retry.Policy
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithTimeout sets the default per-call timeout.
func WithTimeout(d time.Duration) InvokerOption {
	return func(i *Invoker) {
		if d > 0 {
			i.timeout = d
		}
	}
}

// WithRetryPolicy overrides the retry policy for idempotent tools.
func WithRetryPolicy(p retry.Policy) InvokerOption {
	return func(i *Invoker) { i.policy = p }
}

// WithMetrics records tool call counters and latencies.
func WithMetrics(m *metrics.Metrics) InvokerOption {
	return func(i *Invoker) { i.metrics = m }
}

// NewInvoker creates an invoker.
func NewInvoker(r *Registry, calls store.ToolCallStore, opts ...InvokerOption) *Invoker {
	i := &Invoker{
		registry: r,
		calls:    calls,
		locks:    keylock.New(),
		timeout:  DefaultTimeout,
		policy:   retry.Default,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Invoke runs one tool call end to end. Argument validation failures return a
// ValidationFailure error with code TOOL_ARG_INVALID and leave no ToolCall
// row. Once the row exists it is always finalized, and returned alongside
// any execution error.
func (i *Invoker) Invoke(ctx context.Context, call Call) (*models.ToolCall, error) {
	tool, err := i.registry.Get(ctx, call.ToolName)
	if err != nil {
		return nil, err
	}
	h, ok := i.registry.handler(tool.Handler)
	if !ok {
		return nil, models.NewError(models.KindInternal, "", "tool %s: handler %q not bound", tool.Name, tool.Handler)
	}
	if tool.SideEffectClass != models.SideEffectReadOnly && !call.Authorized {
		return nil, models.NewError(models.KindPermissionDenied, models.CodeToolNotPermitted,
			"tool %s (%s) requires an authorizing autonomy decision", tool.Name, tool.SideEffectClass)
	}

	args := call.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}
	if err := schema.Validate(tool.InputSchema, args); err != nil {
		return nil, &models.Error{Kind: models.KindValidation, Code: models.CodeToolArgInvalid,
			Message: fmt.Sprintf("%s arguments: %v", tool.Name, err), Err: err}
	}

	ctx, span := telemetry.Tracer().Start(ctx, "tool."+tool.Name)
	defer span.End()
	span.SetAttributes(
		attribute.String("tool.name", tool.Name),
		attribute.String("tool.side_effect_class", string(tool.SideEffectClass)),
		attribute.String("invocation.id", call.InvocationID),
	)

	record := &models.ToolCall{
		ID:              uuid.NewString(),
		InvocationID:    call.InvocationID,
		ToolName:        tool.Name,
		SideEffectClass: tool.SideEffectClass,
		Arguments:       args,
		Status:          models.ToolCallStarted,
		StartedAt:       time.Now().UTC(),
	}
	if err := i.calls.CreateToolCall(ctx, record); err != nil {
		return nil, fmt.Errorf("record tool call: %w", err)
	}

	// Side effects that already started must finish and be recorded even if
	// the invocation is cancelled meanwhile.
	execCtx := ctx
	if !tool.SideEffectClass.Idempotent() {
		execCtx = context.WithoutCancel(ctx)
	}

	if tool.SideEffectClass != models.SideEffectReadOnly {
		unlock, err := i.locks.Lock(execCtx, lockKey(call))
		if err != nil {
			return i.finish(ctx, span, record, nil, models.WrapError(models.KindCancelled, "", err))
		}
		defer unlock()
	}

	timeout := i.timeout
	if tool.TimeoutSecs > 0 {
		timeout = time.Duration(tool.TimeoutSecs) * time.Second
	}
	req := contracts.ToolRequest{
		InvocationID: call.InvocationID,
		Tool:         tool,
		Arguments:    args,
		EntityType:   call.EntityType,
		EntityID:     call.EntityID,
		Confidence:   call.Confidence,
	}

	policy := i.policy
	if !tool.SideEffectClass.Idempotent() {
		policy.MaxAttempts = 1
	}

	var result json.RawMessage
	attempts, err := retry.Do(execCtx, policy, func(ctx context.Context, attempt int) error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		out, err := h.Handle(callCtx, req)
		if err != nil {
			if k := models.KindOf(err); k == models.KindValidation || k == models.KindNotFound || k == models.KindPermissionDenied {
				return retry.Permanent(err)
			}
			if attempt > 1 || policy.MaxAttempts > 1 {
				log.Debug().Str("tool", tool.Name).Int("attempt", attempt).Err(err).Msg("Tool attempt failed")
			}
			return err
		}
		result = out
		return nil
	})
	record.Attempts = attempts

	if err == nil {
		if verr := schema.ValidateJSON(tool.OutputSchema, result); verr != nil {
			err = models.NewError(models.KindInternal, models.CodeToolFailed, "%s result violates output schema: %v", tool.Name, verr)
		}
	} else if !isDomainError(err) {
		kind := models.KindProviderUnavailable
		if errors.Is(err, context.Canceled) {
			kind = models.KindCancelled
		}
		err = &models.Error{Kind: kind, Code: models.CodeToolFailed, Message: fmt.Sprintf("%s: %v", tool.Name, err), Err: err}
	}
	return i.finish(ctx, span, record, result, err)
}

func (i *Invoker) finish(ctx context.Context, span trace.Span, record *models.ToolCall, result json.RawMessage, callErr error) (*models.ToolCall, error) {
	now := time.Now().UTC()
	record.FinishedAt = &now
	if callErr != nil {
		record.Status = models.ToolCallFailed
		record.Error = callErr.Error()
		span.RecordError(callErr)
		span.SetStatus(codes.Error, callErr.Error())
	} else {
		record.Status = models.ToolCallSucceeded
		record.Result = result
	}

	if err := i.calls.FinishToolCall(context.WithoutCancel(ctx), record); err != nil {
		log.Error().Err(err).Str("tool_call", record.ID).Msg("Failed to finalize tool call")
	}
	i.metrics.ToolCall(record.ToolName, string(record.Status), now.Sub(record.StartedAt))

	log.Info().
		Str("tool", record.ToolName).
		Str("invocation", record.InvocationID).
		Str("status", string(record.Status)).
		Int("attempts", record.Attempts).
		Dur("elapsed", now.Sub(record.StartedAt)).
		Msg("Tool call finished")
	return record, callErr
}

func isDomainError(err error) bool {
	var e *models.Error
	return errors.As(err, &e)
}

func lockKey(call Call) string {
	if call.EntityType == "" && call.EntityID == "" {
		return "tool:" + call.ToolName
	}
	return call.EntityType + ":" + call.EntityID
}

func compact(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
