package toolclient

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestCallUnwrapsData(t *testing.T) {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-API-Key")
		w.Write([]byte(`{"success":true,"data":{"record_id":"rec_1"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "k1", time.Second, testLogger())
	var out struct {
		RecordID string `json:"record_id"`
	}
	if err := c.CallInto(context.Background(), "feishu.v1.bitable.record.get",
		map[string]any{"record_id": "rec_1"}, &out); err != nil {
		t.Fatalf("CallInto: %v", err)
	}
	if out.RecordID != "rec_1" {
		t.Errorf("record_id = %q", out.RecordID)
	}
	if gotPath != "/mcp/tools/feishu.v1.bitable.record.get" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "k1" {
		t.Errorf("api key header = %q", gotKey)
	}
}

func TestCallSurfacesEnvelopeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"success":false,"error":{"code":"MCP_002","message":"resource not found"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second, testLogger())
	_, err := c.Call(context.Background(), "feishu.v1.bitable.record.get", nil)
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("err = %v, want *ToolError", err)
	}
	if !toolErr.IsNotFound() || toolErr.IsPermission() {
		t.Errorf("classification: %+v", toolErr)
	}
}

func TestToolsListing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mcp/tools" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`[{"name":"feishu.v1.bitable.search","description":"d","input_schema":{"type":"object"}}]`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second, testLogger())
	tools, err := c.Tools(context.Background())
	if err != nil {
		t.Fatalf("Tools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "feishu.v1.bitable.search" {
		t.Errorf("tools = %+v", tools)
	}
}
