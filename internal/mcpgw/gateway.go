// Package mcpgw exposes the orchestrator to MCP clients over streamable
// HTTP. Read-only tools from the registry are listed as MCP tools and
// publish_event feeds the event bus, so an external assistant can look up
// CRM data and raise events without any write access to profiles.
package mcpgw

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog/log"

	"github.com/loanpilot/orchestrator/internal/tools"
	"github.com/loanpilot/orchestrator/pkg/contracts"
	"github.com/loanpilot/orchestrator/pkg/models"
)

// PublishTool is the MCP tool name that publishes a domain event.
const PublishTool = "publish_event"

// Gateway is the MCP server over the tool registry and event bus.
type Gateway struct {
	mcp      *mcpserver.MCPServer
	registry *tools.Registry
	invoker  *tools.Invoker
	events   contracts.Publisher
}

// New creates a gateway and registers the current read-only tools.
func New(ctx context.Context, registry *tools.Registry, invoker *tools.Invoker, events contracts.Publisher, version string) (*Gateway, error) {
	gw := &Gateway{
		mcp: mcpserver.NewMCPServer(
			"loanpilot-orchestrator",
			version,
			mcpserver.WithToolCapabilities(true),
		),
		registry: registry,
		invoker:  invoker,
		events:   events,
	}
	gw.mcp.AddTool(publishTool(), gw.handlePublish)
	if err := gw.Refresh(ctx); err != nil {
		return nil, err
	}
	return gw, nil
}

// MCPServer returns the underlying mcp-go server.
func (gw *Gateway) MCPServer() *mcpserver.MCPServer {
	return gw.mcp
}

// Handler serves MCP streamable HTTP.
func (gw *Gateway) Handler() http.Handler {
	return mcpserver.NewStreamableHTTPServer(gw.mcp)
}

// Refresh re-registers every read-only tool. Side-effecting tools are never
// exposed; they run only through an agent invocation.
func (gw *Gateway) Refresh(ctx context.Context) error {
	defs, err := gw.registry.List(ctx)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	n := 0
	for i := range defs {
		t := defs[i]
		if t.SideEffectClass != models.SideEffectReadOnly {
			continue
		}
		gw.mcp.AddTool(toolFor(&t), gw.handleTool(t.Name))
		n++
	}
	log.Info().Int("tools", n).Msg("🔌 MCP tools registered")
	return nil
}

func toolFor(t *models.Tool) mcplib.Tool {
	schema := t.InputSchema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	tool := mcplib.NewToolWithRawSchema(t.Name, t.Description, schema)
	tool.Annotations.ReadOnlyHint = mcplib.ToBoolPtr(true)
	tool.Annotations.IdempotentHint = mcplib.ToBoolPtr(true)
	tool.Annotations.OpenWorldHint = mcplib.ToBoolPtr(false)
	return tool
}

func publishTool() mcplib.Tool {
	types := make([]string, len(models.EventTypes))
	for i, et := range models.EventTypes {
		types[i] = string(et)
	}
	return mcplib.NewTool(PublishTool,
		mcplib.WithDescription("Publish a CRM domain event. Subscribed agents run asynchronously; the result lists which agents were dispatched."),
		mcplib.WithDestructiveHintAnnotation(false),
		mcplib.WithIdempotentHintAnnotation(true),
		mcplib.WithString("event_type", mcplib.Required(), mcplib.Enum(types...),
			mcplib.Description("Event type")),
		mcplib.WithString("entity_type", mcplib.Required(),
			mcplib.Description("Subject entity type, e.g. lead or active_loan")),
		mcplib.WithString("entity_id", mcplib.Required(),
			mcplib.Description("Subject entity id")),
		mcplib.WithString("event_id",
			mcplib.Description("Optional id; republishing the same id is a no-op")),
		mcplib.WithString("actor_id",
			mcplib.Description("Optional caller identity used for experiment assignment")),
		mcplib.WithObject("payload",
			mcplib.Description("Event payload")),
	)
}

// handleTool runs a read-only tool through the invoker so the call is
// validated and audited like any agent call.
func (gw *Gateway) handleTool(name string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		call, err := gw.invoker.Invoke(ctx, tools.Call{
			InvocationID: "mcp",
			ToolName:     name,
			Arguments:    request.GetArguments(),
		})
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(call.Result)
	}
}

func (gw *Gateway) handlePublish(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ev := &models.Event{
		ID:         request.GetString("event_id", ""),
		Type:       models.EventType(request.GetString("event_type", "")),
		EntityType: request.GetString("entity_type", ""),
		EntityID:   request.GetString("entity_id", ""),
		ActorID:    request.GetString("actor_id", ""),
	}
	if payload, ok := request.GetArguments()["payload"].(map[string]any); ok {
		ev.Payload = payload
	}
	res, err := gw.events.Publish(ctx, ev)
	if err != nil {
		return errorResult(err), nil
	}
	log.Debug().Str("event", res.EventID).Str("type", string(ev.Type)).Msg("Event published over MCP")
	return jsonResult(res)
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcplib.NewToolResultText(string(data)), nil
}

func errorResult(err error) *mcplib.CallToolResult {
	msg := err.Error()
	if code := models.CodeOf(err); code != "" {
		msg = code + ": " + msg
	}
	return mcplib.NewToolResultError(msg)
}
