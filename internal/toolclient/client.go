// Package toolclient calls the tool server's HTTP surface and unwraps
// its response envelope.
package toolclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ToolError mirrors the envelope's error object.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsNotFound reports whether the requested resource does not exist.
func (e *ToolError) IsNotFound() bool { return e.Code == "MCP_002" }

// IsPermission reports whether the upstream denied access.
func (e *ToolError) IsPermission() bool { return e.Code == "MCP_003" }

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *ToolError      `json:"error"`
}

// ToolInfo describes one remote tool.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Client is a thin HTTP client for the tool server.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// New builds a client against the given base URL (no trailing slash).
func New(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Call invokes one tool and returns the envelope's data field.
// Envelope-level failures come back as *ToolError.
func (c *Client) Call(ctx context.Context, tool string, params map[string]any) (json.RawMessage, error) {
	if params == nil {
		params = map[string]any{}
	}
	body, err := json.Marshal(map[string]any{"params": params})
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/mcp/tools/"+tool, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", tool, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("tool %s: reading response: %w", tool, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("tool %s: status %d, unparseable response", tool, resp.StatusCode)
	}
	if !env.Success {
		if env.Error == nil {
			return nil, fmt.Errorf("tool %s: failed without error object", tool)
		}
		c.logger.DebugContext(ctx, "tool call failed",
			slog.String("tool", tool),
			slog.String("code", env.Error.Code),
			slog.Duration("duration", time.Since(start)))
		return nil, env.Error
	}

	c.logger.DebugContext(ctx, "tool call ok",
		slog.String("tool", tool),
		slog.Duration("duration", time.Since(start)))
	return env.Data, nil
}

// CallInto invokes a tool and decodes the data field into out.
func (c *Client) CallInto(ctx context.Context, tool string, params map[string]any, out any) error {
	data, err := c.Call(ctx, tool, params)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("tool %s: decoding data: %w", tool, err)
	}
	return nil
}

// Tools lists the remote tool catalog.
func (c *Client) Tools(ctx context.Context) ([]ToolInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/mcp/tools", nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing tools: status %d", resp.StatusCode)
	}
	var out []ToolInfo
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}
	return out, nil
}

// Health probes the tool server.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tool server unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
