// Package mcpserver exposes the service as MCP tools over stdio so an
// agent can analyze media and hold multi-turn sessions.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/yourorg/vidlens/internal/apperrors"
	"github.com/yourorg/vidlens/internal/service"
)

const serverName = "vidlens"

// Server registers the tool surface on an MCP server.
type Server struct {
	svc    *service.Service
	logger *slog.Logger
	mcp    *server.MCPServer
}

func New(svc *service.Service, version string, logger *slog.Logger) (*Server, error) {
	if svc == nil {
		return nil, errors.New("service is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:    svc,
		logger: logger,
		mcp: server.NewMCPServer(serverName, version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
			server.WithInstructions("Analyze video, audio and image sources with Gemini. "+
				"Use session_create then session_continue for follow-up questions about the same source."),
		),
	}
	s.registerTools()
	return s, nil
}

// MCP returns the underlying server.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// Serve speaks MCP on in/out until ctx is cancelled or in is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	s.logger.Info("mcp server listening on stdio")
	return stdio.Listen(ctx, in, out)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("analyze_media",
		mcp.WithDescription("Run a one-shot analysis of a video, audio or image source."),
		mcp.WithString("source", mcp.Required(), mcp.Description("URL or local file path")),
		mcp.WithString("prompt", mcp.Description("What to ask about the media; defaults to a general description")),
	), s.analyzeMedia)

	s.mcp.AddTool(mcp.NewTool("session_create",
		mcp.WithDescription("Open a multi-turn session about one media source."),
		mcp.WithString("source", mcp.Required(), mcp.Description("URL or local file path")),
		mcp.WithString("description", mcp.Description("Free-form label for the session")),
	), s.sessionCreate)

	s.mcp.AddTool(mcp.NewTool("session_continue",
		mcp.WithDescription("Ask a follow-up question within an existing session."),
		mcp.WithString("session_id", mcp.Required()),
		mcp.WithString("prompt", mcp.Required()),
	), s.sessionContinue)

	s.mcp.AddTool(mcp.NewTool("session_get",
		mcp.WithDescription("Return a session with its retained history."),
		mcp.WithString("session_id", mcp.Required()),
	), s.sessionGet)

	s.mcp.AddTool(mcp.NewTool("batch_analyze",
		mcp.WithDescription("Analyze many sources with bounded concurrency. Directories are expanded to the media files inside."),
		mcp.WithArray("inputs", mcp.Required(), mcp.WithStringItems(), mcp.Description("URLs, files or directories")),
		mcp.WithString("prompt", mcp.Description("Prompt applied to every item")),
		mcp.WithBoolean("write_report", mcp.Description("Render markdown and yaml reports to the output directory")),
	), s.batchAnalyze)

	s.mcp.AddTool(mcp.NewTool("cache_list",
		mcp.WithDescription("List registered context caches."),
		mcp.WithBoolean("validate", mcp.Description("Check every handle with the provider")),
	), s.cacheList)

	s.mcp.AddTool(mcp.NewTool("cache_clear",
		mcp.WithDescription("Forget every registered context cache and cached analysis result."),
	), s.cacheClear)
}

func (s *Server) analyzeMedia(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	src, err := req.RequireString("source")
	if err != nil {
		return s.failure(apperrors.Permanent(err.Error(), nil)), nil
	}
	a, err := s.svc.Analyze(ctx, src, req.GetString("prompt", ""))
	if err != nil {
		return s.failure(err), nil
	}
	return s.success(a)
}

func (s *Server) sessionCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	src, err := req.RequireString("source")
	if err != nil {
		return s.failure(apperrors.Permanent(err.Error(), nil)), nil
	}
	info, err := s.svc.CreateSession(ctx, src, req.GetString("description", ""))
	if err != nil {
		return s.failure(err), nil
	}
	return s.success(info)
}

func (s *Server) sessionContinue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return s.failure(apperrors.Permanent(err.Error(), nil)), nil
	}
	prompt, err := req.RequireString("prompt")
	if err != nil {
		return s.failure(apperrors.Permanent(err.Error(), nil)), nil
	}
	res, err := s.svc.Continue(ctx, id, prompt)
	if err != nil {
		return s.failure(err), nil
	}
	return s.success(res)
}

func (s *Server) sessionGet(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return s.failure(apperrors.Permanent(err.Error(), nil)), nil
	}
	sess, err := s.svc.GetSession(id)
	if err != nil {
		return s.failure(err), nil
	}
	return s.success(sess)
}

func (s *Server) batchAnalyze(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	inputs, err := req.RequireStringSlice("inputs")
	if err != nil {
		return s.failure(apperrors.Permanent(err.Error(), nil)), nil
	}
	res, err := s.svc.Batch(ctx, service.BatchRequest{
		Inputs:      inputs,
		Prompt:      req.GetString("prompt", ""),
		WriteReport: req.GetBool("write_report", false),
	})
	if err != nil {
		return s.failure(err), nil
	}
	return s.success(res)
}

func (s *Server) cacheList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.success(s.svc.CacheEntries(ctx, req.GetBool("validate", false)))
}

func (s *Server) cacheClear(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.svc.ClearCache()
	return mcp.NewToolResultText(`{"cleared":true}`), nil
}

func (s *Server) success(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

// failure renders err as a tool error carrying the Outcome JSON.
func (s *Server) failure(err error) *mcp.CallToolResult {
	o := s.svc.Outcome(err)
	s.logger.Debug("tool call failed", "category", o.Category, "err", o.Detail)
	data, mErr := json.Marshal(o)
	if mErr != nil {
		return mcp.NewToolResultError(o.Detail)
	}
	return mcp.NewToolResultError(string(data))
}
