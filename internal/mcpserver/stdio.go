package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// ServeStdio exposes the registry as an MCP server over stdin/stdout.
// Each tool's result is the same envelope the HTTP surface returns,
// serialized as a single text content item.
func ServeStdio(ctx context.Context, version string, registry *Registry, logger *slog.Logger) error {
	s := server.NewMCPServer("kazi", version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	for _, t := range registry.List() {
		schema, err := json.Marshal(t.InputSchema())
		if err != nil {
			return err
		}
		s.AddTool(
			mcp.NewToolWithRawSchema(t.Name(), t.Description(), schema),
			stdioHandler(t, logger),
		)
	}

	logger.InfoContext(ctx, "mcp stdio server starting",
		slog.Int("tools", len(registry.List())))
	return server.ServeStdio(s)
}

func stdioHandler(t Tool, logger *slog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		data, err := t.Execute(ctx, req.GetArguments())
		env := Envelope{Success: err == nil, Data: data}
		if err != nil {
			env.Error = Classify(err)
			logger.WarnContext(ctx, "stdio tool call failed",
				slog.String("tool", t.Name()),
				slog.String("code", env.Error.Code))
		}
		out, merr := json.Marshal(env)
		if merr != nil {
			return mcp.NewToolResultError("result serialization failed"), nil
		}
		if !env.Success {
			return mcp.NewToolResultError(string(out)), nil
		}
		return mcp.NewToolResultText(string(out)), nil
	}
}
