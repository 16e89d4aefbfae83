// Package mcp exposes the orchestration engine over the Model Context
// Protocol, so MCP-compatible assistants can ingest events, review pending
// tool approvals, and inspect cascade traces through the same core the HTTP
// API uses.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/clara-ai/clara/internal/audit"
	"github.com/clara-ai/clara/internal/model"
	"github.com/clara-ai/clara/internal/orchestrator"
	"github.com/clara-ai/clara/internal/tool"
)

// Server wraps the MCP server with the orchestrator's collaborators.
type Server struct {
	mcpServer *mcpserver.MCPServer
	engine    *orchestrator.Engine
	gateway   *tool.Gateway
	recorder  *audit.Recorder
	logger    *slog.Logger
}

// New creates and configures an MCP server with all tools and resources.
func New(engine *orchestrator.Engine, gateway *tool.Gateway, recorder *audit.Recorder, logger *slog.Logger) *Server {
	s := &Server{
		engine:   engine,
		gateway:  gateway,
		recorder: recorder,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"clara",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerTools()
	s.registerResources()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	// clara_emit_event: ingest a root event and run its cascade.
	s.mcpServer.AddTool(
		mcplib.NewTool("clara_emit_event",
			mcplib.WithDescription(`Ingest a user-initiated event and run the agent cascade it triggers.

The cascade completes before this tool returns. Use clara://events/{id}/traces
afterwards to see which agents ran and how each branch ended.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("user_id",
				mcplib.Description("UUID of the user the event belongs to"),
				mcplib.Required(),
			),
			mcplib.WithString("type",
				mcplib.Description("Event type string, e.g. user.checkin"),
				mcplib.Required(),
			),
			mcplib.WithString("payload",
				mcplib.Description("Event payload as a JSON object string. Defaults to empty."),
			),
		),
		s.handleEmitEvent,
	)

	// clara_pending_approvals: list tool executions waiting on a decision.
	s.mcpServer.AddTool(
		mcplib.NewTool("clara_pending_approvals",
			mcplib.WithDescription(`List tool executions suspended on human approval for a user, oldest first.

Each entry carries the requesting agent, the tool, and the payload that would
run. Use clara_decide to approve or reject one.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("user_id",
				mcplib.Description("UUID of the user whose pending approvals to list"),
				mcplib.Required(),
			),
		),
		s.handlePendingApprovals,
	)

	// clara_decide: resolve one pending tool execution.
	s.mcpServer.AddTool(
		mcplib.NewTool("clara_decide",
			mcplib.WithDescription(`Approve or reject a tool execution suspended on human approval.

Approval runs the tool immediately and resumes the suspended cascade branch;
rejection ends the branch. Either way the decision is recorded permanently and
cannot be changed.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("execution_id",
				mcplib.Description("UUID of the pending tool execution"),
				mcplib.Required(),
			),
			mcplib.WithString("decider_id",
				mcplib.Description("UUID of the human making the decision"),
				mcplib.Required(),
			),
			mcplib.WithString("decision",
				mcplib.Description("Either \"approved\" or \"rejected\""),
				mcplib.Required(),
			),
			mcplib.WithString("comment",
				mcplib.Description("Optional free-form comment recorded with the decision"),
			),
		),
		s.handleDecide,
	)
}

func (s *Server) handleEmitEvent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, err := uuid.Parse(request.GetString("user_id", ""))
	if err != nil {
		return errorResult("user_id must be a UUID"), nil
	}
	eventType := request.GetString("type", "")
	if eventType == "" {
		return errorResult("type is required"), nil
	}
	payload := map[string]any{}
	if raw := request.GetString("payload", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return errorResult(fmt.Sprintf("payload is not a JSON object: %v", err)), nil
		}
	}

	event, err := s.engine.ProcessEvent(ctx, userID, eventType, payload)
	if err != nil {
		return errorResult(fmt.Sprintf("event ingestion failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"event_id": event.ID,
		"type":     event.Type,
		"status":   "dispatched",
	}, "", "  ")
	return textResult(string(resultData)), nil
}

func (s *Server) handlePendingApprovals(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, err := uuid.Parse(request.GetString("user_id", ""))
	if err != nil {
		return errorResult("user_id must be a UUID"), nil
	}
	execs, err := s.gateway.ListPending(ctx, userID)
	if err != nil {
		return errorResult(fmt.Sprintf("listing pending approvals failed: %v", err)), nil
	}
	resultData, _ := json.MarshalIndent(map[string]any{
		"pending": execs,
		"total":   len(execs),
	}, "", "  ")
	return textResult(string(resultData)), nil
}

func (s *Server) handleDecide(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	executionID, err := uuid.Parse(request.GetString("execution_id", ""))
	if err != nil {
		return errorResult("execution_id must be a UUID"), nil
	}
	deciderID, err := uuid.Parse(request.GetString("decider_id", ""))
	if err != nil {
		return errorResult("decider_id must be a UUID"), nil
	}
	decision := model.Decision(request.GetString("decision", ""))
	if decision != model.DecisionApproved && decision != model.DecisionRejected {
		return errorResult("decision must be approved or rejected"), nil
	}
	var comment *string
	if c := request.GetString("comment", ""); c != "" {
		comment = &c
	}

	exec, err := s.engine.ResolveApproval(ctx, executionID, deciderID, decision, comment)
	if err != nil {
		return errorResult(fmt.Sprintf("decision failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"tool_execution_id": exec.ID,
		"tool":              exec.Tool,
		"status":            exec.Status,
	}, "", "  ")
	return textResult(string(resultData)), nil
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(message string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		IsError: true,
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: message},
		},
	}
}
