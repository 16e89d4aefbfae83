package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerResources() {
	// clara://events/{id}/traces: the execution trace log of one event.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"clara://events/{id}/traces",
			"Event Traces",
			mcplib.WithTemplateDescription("Execution trace log for one event: every invocation attempt and tool transition it caused"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleEventTraces,
	)
}

func (s *Server) handleEventTraces(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	raw := strings.TrimSuffix(strings.TrimPrefix(uri, "clara://events/"), "/traces")
	eventID, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("mcp: invalid event traces URI: %s", uri)
	}

	traces, err := s.recorder.ListByEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("mcp: event traces: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"event_id": eventID,
		"traces":   traces,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal traces: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
