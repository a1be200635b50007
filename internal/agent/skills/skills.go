// Package skills implements the conversational capabilities routed by
// the agent: bitable queries and CRUD, summaries, reminders, chitchat.
package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jkaninda/kazi/internal/agent"
	"github.com/jkaninda/kazi/internal/observability"
)

// Tools is the slice of the tool-server client skills use.
type Tools interface {
	Call(ctx context.Context, tool string, params map[string]any) (json.RawMessage, error)
}

// Deps bundles the collaborators shared by every skill.
type Deps struct {
	Tools    Tools
	Intents  *agent.IntentParser
	Renderer *agent.Renderer
	LLM      agent.LLMCaller
	Location *time.Location
	Logger   *slog.Logger
	Metrics  *observability.Metrics
}

func (d *Deps) validate(skill string) error {
	if d.Tools == nil {
		return fmt.Errorf("%s: tool client is required", skill)
	}
	if d.Intents == nil {
		return fmt.Errorf("%s: intent config is required", skill)
	}
	if d.Renderer == nil {
		return fmt.Errorf("%s: renderer is required", skill)
	}
	return nil
}

func (d *Deps) now() time.Time {
	return time.Now().In(d.Location)
}

// recordPage mirrors the search tools' data payload.
type recordPage struct {
	Records []pageRecord `json:"records"`
	HasMore bool         `json:"has_more"`
	Token   string       `json:"page_token"`
	Total   int          `json:"total"`
}

type pageRecord struct {
	RecordID string         `json:"record_id"`
	Fields   map[string]any `json:"fields"`
}

// fieldString renders one encoded field value for display.
func fieldString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			// Epoch-ms dates render as local dates.
			if t > 1e12 && t < 1e13 {
				return time.UnixMilli(int64(t)).Format("2006-01-02 15:04")
			}
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		if t {
			return "是"
		}
		return "否"
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := fieldString(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	case map[string]any:
		for _, key := range []string{"text", "name", "id"} {
			if s, ok := t[key].(string); ok && s != "" {
				return s
			}
		}
		encoded, _ := json.Marshal(t)
		return string(encoded)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// recordLine formats one record as a compact display line.
func recordLine(rec pageRecord, titleField string) string {
	if titleField != "" {
		if title := fieldString(rec.Fields[titleField]); title != "" {
			return title
		}
	}
	keys := make([]string, 0, len(rec.Fields))
	for k := range rec.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, 3)
	for _, k := range keys {
		if s := fieldString(rec.Fields[k]); s != "" {
			parts = append(parts, k+":"+s)
			if len(parts) == 3 {
				break
			}
		}
	}
	if len(parts) == 0 {
		return rec.RecordID
	}
	return strings.Join(parts, " ")
}

// recordBlock renders a full record as a structured block.
func recordBlock(rec pageRecord, title string) agent.Block {
	fields := make(map[string]string, len(rec.Fields))
	for k, v := range rec.Fields {
		fields[k] = fieldString(v)
	}
	return agent.Block{Kind: "record", Title: title, Fields: fields}
}

// tableParams seeds tool params with the resolved table coordinates.
func tableParams(tbl agent.TableSpec) map[string]any {
	params := map[string]any{}
	if tbl.AppToken != "" {
		params["app_token"] = tbl.AppToken
	}
	if tbl.TableID != "" {
		params["table_id"] = tbl.TableID
	}
	return params
}
