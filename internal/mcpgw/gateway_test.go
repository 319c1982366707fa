package mcpgw

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loanpilot/orchestrator/internal/catalog"
	"github.com/loanpilot/orchestrator/internal/crm"
	"github.com/loanpilot/orchestrator/internal/store"
	"github.com/loanpilot/orchestrator/internal/tools"
	"github.com/loanpilot/orchestrator/pkg/models"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev *models.Event) (*models.PublishResult, error) {
	if !ev.Type.Valid() {
		return nil, models.NewError(models.KindValidation, "", "unknown event type %q", ev.Type)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *ev)
	return &models.PublishResult{EventID: "ev-1", Accepted: true, DispatchedAgents: []string{"loan_coordinator"}}, nil
}

type rpcReply struct {
	Result struct {
		Tools []struct {
			Name        string          `json:"name"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	} `json:"result"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func newGateway(t *testing.T) (*Gateway, *crm.Service, *store.MemoryStore, *recordingPublisher) {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStoreAt("")
	t.Cleanup(func() { _ = s.Close() })

	profiles := crm.NewService(s)
	registry := tools.NewRegistry(s)
	tools.BindBuiltins(registry, tools.Builtins{Profiles: profiles, Tasks: s})
	cat, err := catalog.Load("")
	require.NoError(t, err)
	defs, err := cat.Tools()
	require.NoError(t, err)
	for i := range defs {
		require.NoError(t, registry.Register(ctx, &defs[i]))
	}

	events := &recordingPublisher{}
	gw, err := New(ctx, registry, tools.NewInvoker(registry, s), events, "test")
	require.NoError(t, err)
	return gw, profiles, s, events
}

func call(t *testing.T, gw *Gateway, id int, method string, params any) rpcReply {
	t.Helper()
	body, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": params})
	require.NoError(t, err)
	resp := gw.MCPServer().HandleMessage(context.Background(), body)
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	var out rpcReply
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestToolsList_OnlyReadOnlyAndPublish(t *testing.T) {
	gw, _, _, _ := newGateway(t)

	reply := call(t, gw, 1, "tools/list", map[string]any{})
	require.Nil(t, reply.Error)
	names := map[string]bool{}
	for _, tool := range reply.Result.Tools {
		names[tool.Name] = true
	}
	assert.True(t, names[PublishTool])
	assert.True(t, names["getLeadById"])
	assert.True(t, names["getLoanByNumber"])
	assert.False(t, names["updateProfileField"])
	assert.False(t, names["sendSMS"])
	assert.False(t, names["archiveProfile"])
}

func TestToolsCall_ReadOnlyToolIsAudited(t *testing.T) {
	gw, profiles, s, _ := newGateway(t)
	ctx := context.Background()
	loan, err := profiles.Create(ctx, models.ProfileActiveLoan, map[string]interface{}{"loan_number": "12345"},
		models.SourceManualEntry, 100, "")
	require.NoError(t, err)

	reply := call(t, gw, 2, "tools/call", map[string]any{
		"name":      "getLoanByNumber",
		"arguments": map[string]any{"loan_number": "12345"},
	})
	require.Nil(t, reply.Error)
	require.False(t, reply.Result.IsError)
	require.Len(t, reply.Result.Content, 1)
	assert.Contains(t, reply.Result.Content[0].Text, loan.ID)

	calls, err := s.ListToolCalls(ctx, "mcp")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, models.ToolCallSucceeded, calls[0].Status)
}

func TestToolsCall_InvalidArguments(t *testing.T) {
	gw, _, _, _ := newGateway(t)

	reply := call(t, gw, 3, "tools/call", map[string]any{
		"name":      "getLeadById",
		"arguments": map[string]any{"lead": "x"},
	})
	require.Nil(t, reply.Error)
	assert.True(t, reply.Result.IsError)
	assert.Contains(t, reply.Result.Content[0].Text, models.CodeToolArgInvalid)
}

func TestPublishEvent(t *testing.T) {
	gw, _, _, events := newGateway(t)

	reply := call(t, gw, 4, "tools/call", map[string]any{
		"name": PublishTool,
		"arguments": map[string]any{
			"event_type":  "LoanStageChanged",
			"entity_type": "active_loan",
			"entity_id":   "loan-1",
			"payload":     map[string]any{"stage": "underwriting"},
		},
	})
	require.Nil(t, reply.Error)
	require.False(t, reply.Result.IsError, fmt.Sprint(reply.Result.Content))

	var res models.PublishResult
	require.NoError(t, json.Unmarshal([]byte(reply.Result.Content[0].Text), &res))
	assert.True(t, res.Accepted)
	assert.Equal(t, []string{"loan_coordinator"}, res.DispatchedAgents)

	require.Len(t, events.events, 1)
	assert.Equal(t, models.EventLoanStageChanged, events.events[0].Type)
	assert.Equal(t, "underwriting", events.events[0].Payload["stage"])

	reply = call(t, gw, 5, "tools/call", map[string]any{
		"name":      PublishTool,
		"arguments": map[string]any{"event_type": "Bogus", "entity_type": "lead", "entity_id": "1"},
	})
	assert.True(t, reply.Result.IsError)
}
