package mcpserver

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jkaninda/kazi/internal/observability"
)

// Envelope is the fixed response shape of every tool call. Both data
// and error are always present; the unused one is null.
type Envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data"`
	Error   *ToolError `json:"error"`
}

// callRequest is the fixed request shape: the tool parameters live
// under a single "params" key.
type callRequest struct {
	Params map[string]any `json:"params"`
}

type toolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Server exposes the registry over HTTP.
type Server struct {
	listenAddr string
	apiKey     string
	registry   *Registry
	logger     *slog.Logger
	metrics    *observability.Metrics

	metricsRegistry *prometheus.Registry

	okapi  *okapi.Okapi
	server *http.Server
}

// NewServer wires the tool-server HTTP surface.
func NewServer(listenAddr, apiKey string, registry *Registry, logger *slog.Logger,
	metrics *observability.Metrics, metricsRegistry *prometheus.Registry) *Server {
	return &Server{
		listenAddr:      listenAddr,
		apiKey:          apiKey,
		registry:        registry,
		logger:          logger,
		metrics:         metrics,
		metricsRegistry: metricsRegistry,
		okapi:           okapi.New(),
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	mcp := s.okapi.Group("/mcp", s.authenticate)
	mcp.Get("/tools", s.handleList,
		okapi.DocSummary("List available tools with their input schemas"),
		okapi.DocTags("Tools"),
		okapi.DocResponse([]toolInfo{}),
	)
	mcp.Post("/tools/{tool_name}", s.handleCall,
		okapi.DocSummary("Invoke one tool; the body is the tool's parameter object"),
		okapi.DocTags("Tools"),
		okapi.DocPathParam("tool_name", "string", "Versioned tool name"),
		okapi.DocRequestBody(okapi.M{}),
		okapi.DocResponse(Envelope{}),
	)

	s.okapi.Get("/health", func(c *okapi.Context) error {
		return c.OK(okapi.M{"status": "ok", "tools": len(s.registry.List())})
	})
	if s.metricsRegistry != nil {
		s.okapi.HandleStd("GET", "/metrics",
			promhttp.HandlerFor(s.metricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}

	s.server = &http.Server{
		Addr:              s.listenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("tool server starting", slog.String("addr", s.listenAddr))
	return s.okapi.StartServer(s.server)
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("tool server stopping")
	return s.okapi.Shutdown(s.server)
}

func (s *Server) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if s.apiKey == "" {
			return next(c)
		}
		key := c.Header("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			return c.AbortUnauthorized("invalid API key")
		}
		return next(c)
	}
}

func (s *Server) handleList(c *okapi.Context) error {
	tools := s.registry.List()
	out := make([]toolInfo, 0, len(tools))
	for _, t := range tools {
		out = append(out, toolInfo{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return c.OK(out)
}

// handleCall runs one tool. Failures are carried inside the envelope
// with HTTP 200; only transport-level problems use other status codes.
func (s *Server) handleCall(c *okapi.Context) error {
	name := c.Param("tool_name")
	tool := s.registry.Get(name)
	if tool == nil {
		return c.JSON(http.StatusNotFound, Envelope{
			Success: false,
			Error:   &ToolError{Code: CodeNotFound, Message: "unknown tool: " + name},
		})
	}

	var req callRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusOK, Envelope{
			Success: false,
			Error:   InvalidParams("request body must be {\"params\": {...}}: %v", err),
		})
	}
	params := req.Params
	if params == nil {
		params = map[string]any{}
	}

	start := time.Now()
	data, err := tool.Execute(c.Context(), params)
	if err != nil {
		toolErr := Classify(err)
		s.metrics.RecordToolCall(name, true)
		s.logger.WarnContext(c.Context(), "tool call failed",
			slog.String("tool", name),
			slog.String("code", toolErr.Code),
			slog.String("error", toolErr.Message),
			slog.Duration("duration", time.Since(start)))
		return c.JSON(http.StatusOK, Envelope{Success: false, Error: toolErr})
	}

	s.metrics.RecordToolCall(name, false)
	s.logger.DebugContext(c.Context(), "tool call ok",
		slog.String("tool", name),
		slog.Duration("duration", time.Since(start)))
	return c.JSON(http.StatusOK, Envelope{Success: true, Data: data})
}
