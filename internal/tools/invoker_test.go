package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loanpilot/orchestrator/internal/config"
	"github.com/loanpilot/orchestrator/internal/crm"
	"github.com/loanpilot/orchestrator/internal/notify"
	"github.com/loanpilot/orchestrator/internal/retry"
	"github.com/loanpilot/orchestrator/internal/store"
	"github.com/loanpilot/orchestrator/pkg/contracts"
	"github.com/loanpilot/orchestrator/pkg/models"
)

var fastRetry = retry.Policy{MaxAttempts: 3, Initial: time.Millisecond, Multiplier: 2, MaxInterval: 5 * time.Millisecond}

type fixture struct {
	store    *store.MemoryStore
	registry *Registry
	invoker  *Invoker
	profiles *crm.Service
	outbox   *notify.OutboxDriver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStoreAt("")
	t.Cleanup(func() { _ = s.Close() })

	outbox := notify.NewOutboxDriver(notify.ChannelSMS)
	sender := notify.NewService(config.NotifyConfig{})
	sender.RegisterDriver(notify.ChannelSMS, outbox)

	f := &fixture{
		store:    s,
		registry: NewRegistry(s),
		profiles: crm.NewService(s),
		outbox:   outbox,
	}
	BindBuiltins(f.registry, Builtins{Profiles: f.profiles, Tasks: s, Sender: sender})
	f.invoker = NewInvoker(f.registry, s, WithRetryPolicy(fastRetry))
	return f
}

func (f *fixture) register(t *testing.T, tool *models.Tool) {
	t.Helper()
	if err := f.registry.Register(context.Background(), tool); err != nil {
		t.Fatalf("Register(%s) error = %v", tool.Name, err)
	}
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

const leadIDSchema = `{"type":"object","required":["lead_id"],"properties":{"lead_id":{"type":"string","minLength":1}},"additionalProperties":false}`

// ─── Registry ─────────────────────────────────────────────────

func TestRegister_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		tool models.Tool
	}{
		{"missing name", models.Tool{SideEffectClass: models.SideEffectReadOnly}},
		{"bad class", models.Tool{Name: "getLeadById", SideEffectClass: "sometimes"}},
		{"unbound handler", models.Tool{Name: "launchRocket", SideEffectClass: models.SideEffectReadOnly}},
		{"bad schema", models.Tool{Name: "getLeadById", SideEffectClass: models.SideEffectReadOnly, InputSchema: raw(`{`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := tt.tool
			if err := f.registry.Register(ctx, &tool); models.KindOf(err) != models.KindValidation {
				t.Errorf("Register() error = %v, want ValidationFailure", err)
			}
		})
	}
}

func TestRegister_VersionImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, &models.Tool{Name: "getLeadById", SideEffectClass: models.SideEffectReadOnly, InputSchema: raw(leadIDSchema)})

	err := f.registry.Register(ctx, &models.Tool{Name: "getLeadById", Version: 1, SideEffectClass: models.SideEffectReadOnly})
	if !store.IsDuplicate(err) {
		t.Fatalf("re-Register() error = %v, want duplicate", err)
	}
	f.register(t, &models.Tool{Name: "getLeadById", Version: 2, SideEffectClass: models.SideEffectReadOnly, Description: "v2"})

	got, err := f.registry.Get(ctx, "getLeadById")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Version != 2 {
		t.Errorf("Get().Version = %d, want 2", got.Version)
	}
}

func TestDescribe(t *testing.T) {
	f := newFixture(t)
	f.register(t, &models.Tool{Name: "getLeadById", Description: "Fetch a lead", SideEffectClass: models.SideEffectReadOnly, InputSchema: raw(leadIDSchema)})

	out, err := f.registry.Describe(context.Background(), []string{"getLeadById"})
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if want := "- getLeadById (read_only): Fetch a lead"; len(out) < len(want) || out[:len(want)] != want {
		t.Errorf("Describe() = %q", out)
	}
}

// ─── Invoker ──────────────────────────────────────────────────

func TestInvoke_ReadOnlyMissReturnsFound(t *testing.T) {
	f := newFixture(t)
	f.register(t, &models.Tool{Name: "getLeadById", SideEffectClass: models.SideEffectReadOnly, InputSchema: raw(leadIDSchema)})

	call, err := f.invoker.Invoke(context.Background(), Call{InvocationID: "inv-1", ToolName: "getLeadById", Arguments: map[string]interface{}{"lead_id": "42"}})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if call.Status != models.ToolCallSucceeded || call.FinishedAt == nil {
		t.Errorf("call = %+v", call)
	}
	var out map[string]interface{}
	_ = json.Unmarshal(call.Result, &out)
	if out["found"] != false {
		t.Errorf("result = %s", call.Result)
	}
}

func TestInvoke_InvalidArgumentsLeaveNoRow(t *testing.T) {
	f := newFixture(t)
	f.register(t, &models.Tool{Name: "getLeadById", SideEffectClass: models.SideEffectReadOnly, InputSchema: raw(leadIDSchema)})

	_, err := f.invoker.Invoke(context.Background(), Call{InvocationID: "inv-1", ToolName: "getLeadById", Arguments: map[string]interface{}{"lead": 42}})
	if models.CodeOf(err) != models.CodeToolArgInvalid {
		t.Fatalf("Invoke() error = %v, want TOOL_ARG_INVALID", err)
	}
	calls, _ := f.store.ListToolCalls(context.Background(), "inv-1")
	if len(calls) != 0 {
		t.Errorf("tool calls = %d, want 0", len(calls))
	}
}

func TestInvoke_SideEffectRequiresAuthorization(t *testing.T) {
	f := newFixture(t)
	f.register(t, &models.Tool{Name: "sendSMS", SideEffectClass: models.SideEffectSendsExternal})

	_, err := f.invoker.Invoke(context.Background(), Call{InvocationID: "inv-1", ToolName: "sendSMS", Arguments: map[string]interface{}{"to": "5551234567", "body": "hi"}})
	if models.KindOf(err) != models.KindPermissionDenied {
		t.Fatalf("Invoke() error = %v, want PermissionDenied", err)
	}
	if n := len(f.outbox.Sent()); n != 0 {
		t.Errorf("sent = %d, want 0", n)
	}

	call, err := f.invoker.Invoke(context.Background(), Call{InvocationID: "inv-1", ToolName: "sendSMS", Authorized: true, Arguments: map[string]interface{}{"to": "5551234567", "body": "hi"}})
	if err != nil {
		t.Fatalf("authorized Invoke() error = %v", err)
	}
	if call.Status != models.ToolCallSucceeded || len(f.outbox.Sent()) != 1 {
		t.Errorf("call = %+v, sent = %d", call, len(f.outbox.Sent()))
	}
}

func TestInvoke_RetriesIdempotentOnly(t *testing.T) {
	f := newFixture(t)
	var reads, sends int32
	f.registry.Bind("flakyRead", contracts.ToolHandlerFunc(func(ctx context.Context, req contracts.ToolRequest) (json.RawMessage, error) {
		if atomic.AddInt32(&reads, 1) < 3 {
			return nil, errors.New("upstream 503")
		}
		return raw(`{"ok":true}`), nil
	}))
	f.registry.Bind("flakySend", contracts.ToolHandlerFunc(func(ctx context.Context, req contracts.ToolRequest) (json.RawMessage, error) {
		atomic.AddInt32(&sends, 1)
		return nil, errors.New("gateway timeout")
	}))
	f.register(t, &models.Tool{Name: "flakyRead", SideEffectClass: models.SideEffectReadOnly})
	f.register(t, &models.Tool{Name: "flakySend", SideEffectClass: models.SideEffectSendsExternal})

	call, err := f.invoker.Invoke(context.Background(), Call{InvocationID: "inv-1", ToolName: "flakyRead"})
	if err != nil {
		t.Fatalf("Invoke(flakyRead) error = %v", err)
	}
	if call.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", call.Attempts)
	}

	call, err = f.invoker.Invoke(context.Background(), Call{InvocationID: "inv-1", ToolName: "flakySend", Authorized: true})
	if models.CodeOf(err) != models.CodeToolFailed {
		t.Fatalf("Invoke(flakySend) error = %v, want TOOL_FAILED", err)
	}
	if got := atomic.LoadInt32(&sends); got != 1 {
		t.Errorf("send attempts = %d, want 1", got)
	}
	if call.Status != models.ToolCallFailed || call.FinishedAt == nil {
		t.Errorf("call = %+v", call)
	}
}

func TestInvoke_OutputSchemaViolation(t *testing.T) {
	f := newFixture(t)
	f.registry.Bind("liar", contracts.ToolHandlerFunc(func(ctx context.Context, req contracts.ToolRequest) (json.RawMessage, error) {
		return raw(`{"count":"three"}`), nil
	}))
	f.register(t, &models.Tool{
		Name:            "liar",
		SideEffectClass: models.SideEffectReadOnly,
		OutputSchema:    raw(`{"type":"object","properties":{"count":{"type":"integer"}}}`),
	})

	call, err := f.invoker.Invoke(context.Background(), Call{InvocationID: "inv-1", ToolName: "liar"})
	if err == nil || call.Status != models.ToolCallFailed {
		t.Fatalf("Invoke() = %+v, %v, want failure", call, err)
	}
	stored, _ := f.store.GetToolCall(context.Background(), call.ID)
	if stored.Status != models.ToolCallFailed {
		t.Errorf("stored status = %s", stored.Status)
	}
}

func TestInvoke_TimeoutFailsCall(t *testing.T) {
	f := newFixture(t)
	f.invoker = NewInvoker(f.registry, f.store, WithTimeout(20*time.Millisecond), WithRetryPolicy(retry.Policy{MaxAttempts: 1}))
	f.registry.Bind("slow", contracts.ToolHandlerFunc(func(ctx context.Context, req contracts.ToolRequest) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	f.register(t, &models.Tool{Name: "slow", SideEffectClass: models.SideEffectReadOnly})

	call, err := f.invoker.Invoke(context.Background(), Call{InvocationID: "inv-1", ToolName: "slow"})
	if models.CodeOf(err) != models.CodeToolFailed {
		t.Fatalf("Invoke() error = %v", err)
	}
	if call.Status != models.ToolCallFailed {
		t.Errorf("status = %s", call.Status)
	}
}

func TestInvoke_SameEntityWritesSerialize(t *testing.T) {
	f := newFixture(t)
	var active, peak int32
	f.registry.Bind("touch", contracts.ToolHandlerFunc(func(ctx context.Context, req contracts.ToolRequest) (json.RawMessage, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return raw(`{}`), nil
	}))
	f.register(t, &models.Tool{Name: "touch", SideEffectClass: models.SideEffectWritesCRM})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.invoker.Invoke(context.Background(), Call{ToolName: "touch", EntityType: "lead", EntityID: "42", Authorized: true})
		}()
	}
	wg.Wait()
	if p := atomic.LoadInt32(&peak); p != 1 {
		t.Errorf("peak concurrency = %d, want 1", p)
	}
}

// ─── Builtins ─────────────────────────────────────────────────

func TestBuiltin_UpdateProfileFieldWritesHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, &models.Tool{Name: "updateProfileField", SideEffectClass: models.SideEffectWritesCRM})
	p, err := f.profiles.Create(ctx, models.ProfileLead, map[string]interface{}{"email": "jane@example.com"}, models.SourceManualEntry, 100, "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	_, err = f.invoker.Invoke(ctx, Call{
		InvocationID: "inv-9",
		ToolName:     "updateProfileField",
		Arguments:    map[string]interface{}{"profile_id": p.ID, "field": "status_note", "value": "called back"},
		Confidence:   0.9,
		Authorized:   true,
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	hist, _ := f.profiles.History(ctx, p.ID)
	last := hist[len(hist)-1]
	if last.Source != models.SourceAgentAction || last.ReferenceID != "inv-9" || last.Confidence != 90 {
		t.Errorf("history = %+v", last)
	}
}

func TestBuiltin_CreateTaskDefaultsToCallEntity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, &models.Tool{Name: "createTask", SideEffectClass: models.SideEffectWritesCRM})

	_, err := f.invoker.Invoke(ctx, Call{
		InvocationID: "inv-2",
		ToolName:     "createTask",
		EntityType:   "lead",
		EntityID:     "42",
		Arguments:    map[string]interface{}{"title": "Call Jane"},
		Authorized:   true,
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	tasks, _ := f.store.ListTasks(ctx, "lead", "42")
	if len(tasks) != 1 || tasks[0].CreatedBy != "inv-2" {
		t.Errorf("tasks = %+v", tasks)
	}
}
