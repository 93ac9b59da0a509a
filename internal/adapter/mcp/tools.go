package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/DocFlow/internal/domain"
	"github.com/Strob0t/DocFlow/internal/domain/document"
	"github.com/Strob0t/DocFlow/internal/domain/execution"
	"github.com/Strob0t/DocFlow/internal/service"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.startExecutionTool(),
		s.getExecutionTool(),
		s.cancelExecutionTool(),
	)
}

func (s *Server) startExecutionTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("start_execution",
		mcplib.WithDescription("Submit a document for extraction. Low-confidence sections are routed to human review."),
		mcplib.WithString("document_uri",
			mcplib.Required(),
			mcplib.Description("Location of the document, e.g. s3://bucket/invoice.pdf"),
		),
		mcplib.WithString("execution_id",
			mcplib.Description("Caller-chosen execution id; generated when empty. Reusing the id of a finished execution returns it unchanged."),
		),
		mcplib.WithString("document_id",
			mcplib.Description("Caller's own document id"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleStartExecution}
}

func (s *Server) getExecutionTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_execution",
		mcplib.WithDescription("Get the state, review units and result location of an execution"),
		mcplib.WithString("execution_id",
			mcplib.Required(),
			mcplib.Description("The execution to look up"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetExecution}
}

func (s *Server) cancelExecutionTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("cancel_execution",
		mcplib.WithDescription("Cancel an execution that has not finished"),
		mcplib.WithString("execution_id",
			mcplib.Required(),
			mcplib.Description("The execution to cancel"),
		),
		mcplib.WithString("reason",
			mcplib.Description("Reason recorded on the execution"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleCancelExecution}
}

func (s *Server) handleStartExecution(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	uri := stringArg(req, "document_uri")
	if uri == "" {
		return mcplib.NewToolResultError("document_uri is required"), nil
	}
	view, err := s.execs.Start(ctx, service.StartRequest{
		ExecutionID: stringArg(req, "execution_id"),
		Document:    document.Document{ID: stringArg(req, "document_id"), URI: uri},
	})
	return viewResult(view, err, "start execution")
}

func (s *Server) handleGetExecution(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	id := stringArg(req, "execution_id")
	if id == "" {
		return mcplib.NewToolResultError("execution_id is required"), nil
	}
	view, err := s.execs.Status(ctx, id)
	return viewResult(view, err, fmt.Sprintf("get execution %s", id))
}

func (s *Server) handleCancelExecution(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	id := stringArg(req, "execution_id")
	if id == "" {
		return mcplib.NewToolResultError("execution_id is required"), nil
	}
	view, err := s.execs.Cancel(ctx, id, stringArg(req, "reason"))
	return viewResult(view, err, fmt.Sprintf("cancel execution %s", id))
}

func stringArg(req mcplib.CallToolRequest, key string) string { //nolint:gocritic // hugeParam: mcp-go request type
	v, _ := req.GetArguments()[key].(string)
	return v
}

// viewResult turns an orchestrator answer into a tool result. Domain errors
// are tool errors the agent can act on, not protocol failures.
func viewResult(view *execution.View, err error, action string) (*mcplib.CallToolResult, error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return mcplib.NewToolResultError("execution not found"), nil
	case errors.Is(err, domain.ErrInvalidTransition):
		return mcplib.NewToolResultError("execution already finished"), nil
	case errors.Is(err, domain.ErrValidation):
		return mcplib.NewToolResultError(err.Error()), nil
	case errors.Is(err, domain.ErrAlreadyExists):
		return mcplib.NewToolResultError("execution id already in use"), nil
	case err != nil:
		return mcplib.NewToolResultErrorFromErr("failed to "+action, err), nil
	}
	data, err := json.Marshal(view)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal execution", err), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}
