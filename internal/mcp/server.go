package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/deliveryhero/asya/asya-upscaler/internal/jobs"
	"github.com/deliveryhero/asya/asya-upscaler/internal/upscale"
)

// Server wraps the mark3labs MCP server
type Server struct {
	mcpServer *server.MCPServer
	service   *upscale.Service
	store     jobs.JobStore
	handlers  map[string]server.ToolHandlerFunc
}

// NewServer creates the MCP server exposing upscale tools
func NewServer(service *upscale.Service, store jobs.JobStore, version string) *Server {
	s := &Server{
		service:  service,
		store:    store,
		handlers: make(map[string]server.ToolHandlerFunc),
	}

	s.mcpServer = server.NewMCPServer(
		"asya-upscaler",
		version,
		server.WithToolCapabilities(false), // Tools don't change at runtime
	)

	s.registerTools()
	return s
}

func (s *Server) addTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	s.handlers[tool.Name] = handler
	s.mcpServer.AddTool(tool, handler)
}

func (s *Server) registerTools() {
	s.addTool(mcp.NewTool(
		"upscale_image",
		mcp.WithDescription("Upscale a base64 encoded image; progress is streamed on GET /progress/{job_id}"),
		mcp.WithString("image_base64",
			mcp.Required(),
			mcp.Description("Image bytes, base64 encoded (PNG, JPEG or WebP)"),
		),
		mcp.WithNumber("scale",
			mcp.Description("Upscale factor (see list_scales)"),
		),
		mcp.WithString("job_id",
			mcp.Description("Client chosen job ID, so progress can be watched before the call returns"),
		),
		mcp.WithString("content_type",
			mcp.Description("Declared MIME type of the image"),
		),
		mcp.WithBoolean("wait",
			mcp.Description("Wait for the result (default: true)"),
		),
	), s.handleUpscaleImage)

	s.addTool(mcp.NewTool(
		"get_job_status",
		mcp.WithDescription("Return the current stage and progress of an upscale job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job ID"),
		),
	), s.handleJobStatus)

	s.addTool(mcp.NewTool(
		"list_scales",
		mcp.WithDescription("List supported and loaded upscale factors"),
	), s.handleListScales)
}

// ToolHandler returns the handler registered for name, or nil
func (s *Server) ToolHandler(name string) server.ToolHandlerFunc {
	return s.handlers[name]
}

func (s *Server) handleUpscaleImage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	encoded, err := request.RequireString("image_base64")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("image_base64 is not valid base64: %v", err)), nil
	}

	req := upscale.Request{
		JobID:       request.GetString("job_id", ""),
		Filename:    "mcp-upload",
		ContentType: request.GetString("content_type", ""),
		Data:        data,
		Scale:       int(request.GetFloat("scale", 0)),
	}

	h, err := s.service.Start(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start job: %v", err)), nil
	}

	if !request.GetBool("wait", true) {
		message := fmt.Sprintf(
			"Job created successfully with ID: %s\n\nUse the following endpoints:\n"+
				"- Status: GET /jobs/%s\n"+
				"- Real-time updates: GET /progress/%s (SSE)",
			h.ID, h.ID, h.ID,
		)
		return mcp.NewToolResultText(message), nil
	}

	res, err := h.Wait(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return mcp.NewToolResultError(fmt.Sprintf("Processing failed: %v", err)), nil
	}

	meta := res.Metadata()
	summary := fmt.Sprintf("Job %s upscaled %s to %s (%dx) in %s",
		res.JobID, meta.InputDimensions, meta.OutputDimensions, meta.Scale, meta.ProcessingTime)
	slog.Debug("MCP upscale finished", "job", res.JobID)

	return mcp.NewToolResultImage(summary, base64.StdEncoding.EncodeToString(res.Image), res.ContentType), nil
}

func (s *Server) handleJobStatus(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := request.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	rec, err := s.store.Get(jobID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Job %s not found", jobID)), nil
	}

	return jsonResult(rec.ProgressEvent())
}

func (s *Server) handleListScales(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	models := s.service.Models()
	return jsonResult(map[string]any{
		"scales":  models.Supported(),
		"default": models.DefaultScale(),
		"loaded":  models.Loaded(),
	})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// GetMCPServer returns the underlying MCP server for HTTP integration
func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
