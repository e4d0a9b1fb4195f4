// Package server exposes the tool registry to MCP clients over stdio.
// Stdout carries the protocol stream, so all logging goes to stderr.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/hazina/internal/ratelimit"
	"github.com/jkaninda/hazina/internal/tools"
)

// Server bridges the tool registry onto an MCP stdio server.
type Server struct {
	registry *tools.Registry
	limiter  *ratelimit.Limiter // nil = no rate limiting.
	logger   *slog.Logger
	mcp      *mcpserver.MCPServer
}

// New creates an MCP server advertising every registered tool.
func New(name, version string, registry *tools.Registry, limiter *ratelimit.Limiter, logger *slog.Logger) (*Server, error) {
	s := &Server{
		registry: registry,
		limiter:  limiter,
		logger:   logger,
		mcp: mcpserver.NewMCPServer(name, version,
			mcpserver.WithToolCapabilities(false),
			mcpserver.WithRecovery(),
		),
	}

	for _, t := range registry.All() {
		schema, err := json.Marshal(t.InputSchema())
		if err != nil {
			return nil, fmt.Errorf("marshaling input schema for %s: %w", t.Name(), err)
		}
		def := mcp.NewToolWithRawSchema(t.Name(), t.Description(), schema)
		s.mcp.AddTool(def, s.handler(t))
	}
	return s, nil
}

// handler adapts one tool into an MCP tool handler. Tool failures become
// tool-result errors, not protocol errors: the client sees the message and
// the session stays up.
func (s *Server) handler(t tools.Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		reqID := uuid.NewString()
		params := req.GetArguments()
		start := time.Now()

		s.logger.Info("tool call started",
			slog.String("tool", t.Name()),
			slog.String("request_id", reqID),
		)

		if s.limiter != nil {
			if err := s.limiter.Allow(t.Name()); err != nil {
				s.logger.Warn("tool call rate limited",
					slog.String("tool", t.Name()),
					slog.String("request_id", reqID),
				)
				return mcp.NewToolResultError(err.Error()), nil
			}
		}

		if err := t.Validate(params); err != nil {
			s.logger.Warn("tool call rejected",
				slog.String("tool", t.Name()),
				slog.String("request_id", reqID),
				slog.String("error", err.Error()),
			)
			return mcp.NewToolResultError(err.Error()), nil
		}

		res, err := t.Execute(ctx, params)
		elapsed := time.Since(start)
		if err != nil {
			s.logger.Error("tool call failed",
				slog.String("tool", t.Name()),
				slog.String("request_id", reqID),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
			return mcp.NewToolResultError(err.Error()), nil
		}

		s.logger.Info("tool call completed",
			slog.String("tool", t.Name()),
			slog.String("request_id", reqID),
			slog.Duration("elapsed", elapsed),
			slog.Bool("success", res.Success),
		)

		out := tools.TruncateOutput(res.Output, tools.MaxOutputBytes)
		if !res.Success {
			return mcp.NewToolResultError(out), nil
		}
		return mcp.NewToolResultText(out), nil
	}
}

// ServeStdio serves MCP over stdin/stdout until the client disconnects.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp server listening on stdio",
		slog.Any("tools", s.registry.List()),
	)
	return mcpserver.ServeStdio(s.mcp)
}
