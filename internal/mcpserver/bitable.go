package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/jkaninda/kazi/internal/bitable"
	"github.com/jkaninda/kazi/internal/config"
)

// ToolAPI is the upstream surface the tools call.
type ToolAPI interface {
	ListTables(ctx context.Context, appToken string) ([]bitable.TableMeta, error)
	GetRecord(ctx context.Context, loc bitable.Locator, fieldNames []string) (*bitable.Record, error)
	SearchRecords(ctx context.Context, key bitable.TableKey, req bitable.SearchRequest) (*bitable.SearchPage, error)
	CreateRecord(ctx context.Context, key bitable.TableKey, fields bitable.Fields) (string, error)
	UpdateRecord(ctx context.Context, loc bitable.Locator, fields bitable.Fields) error
	DeleteRecord(ctx context.Context, loc bitable.Locator) error
	Request(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error)
}

// toolBase resolves table coordinates, falling back to the configured
// defaults when the caller omits them.
type toolBase struct {
	api ToolAPI
	cfg *config.BitableConfig
}

func (b toolBase) tableKey(params map[string]any) (bitable.TableKey, error) {
	key := bitable.TableKey{
		AppToken: stringParam(params, "app_token"),
		TableID:  stringParam(params, "table_id"),
	}
	if key.AppToken == "" {
		key.AppToken = b.cfg.DefaultAppToken
	}
	if key.TableID == "" {
		key.TableID = b.cfg.DefaultTableID
	}
	if key.AppToken == "" || key.TableID == "" {
		return key, InvalidParams("app_token and table_id are required (no defaults configured)")
	}
	return key, nil
}

func (b toolBase) locator(params map[string]any) (bitable.Locator, error) {
	key, err := b.tableKey(params)
	if err != nil {
		return bitable.Locator{}, err
	}
	recordID, err := requireString(params, "record_id")
	if err != nil {
		return bitable.Locator{}, err
	}
	return bitable.Locator{AppToken: key.AppToken, TableID: key.TableID, RecordID: recordID}, nil
}

func recordOut(rec bitable.Record) map[string]any {
	return map[string]any{
		"record_id":          rec.RecordID,
		"fields":             bitable.EncodeFields(rec.Fields),
		"last_modified_time": rec.LastModified,
	}
}

func pageOut(page *bitable.SearchPage) map[string]any {
	records := make([]map[string]any, 0, len(page.Records))
	for _, rec := range page.Records {
		records = append(records, recordOut(rec))
	}
	return map[string]any{
		"records":    records,
		"has_more":   page.HasMore,
		"page_token": page.PageToken,
		"total":      page.Total,
	}
}

func decodeWriteFields(params map[string]any) (bitable.Fields, error) {
	raw, ok := params["fields"].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil, InvalidParams("fields object is required")
	}
	return bitable.DecodeFields(raw), nil
}

var tableParams = map[string]any{
	"app_token": map[string]any{"type": "string", "description": "Bitable app token (defaults to the configured app)"},
	"table_id":  map[string]any{"type": "string", "description": "Table id (defaults to the configured table)"},
}

func withTableParams(extra map[string]any, required ...string) map[string]any {
	props := map[string]any{}
	for k, v := range tableParams {
		props[k] = v
	}
	for k, v := range extra {
		props[k] = v
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// --- feishu.v1.bitable.list_tables ---

type listTablesTool struct{ toolBase }

func (listTablesTool) Name() string        { return "feishu.v1.bitable.list_tables" }
func (listTablesTool) Description() string { return "List the tables of a bitable app." }

func (t listTablesTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"app_token": tableParams["app_token"],
		},
	}
}

func (t listTablesTool) Execute(ctx context.Context, params map[string]any) (any, error) {
	appToken := stringParam(params, "app_token")
	if appToken == "" {
		appToken = t.cfg.DefaultAppToken
	}
	if appToken == "" {
		return nil, InvalidParams("app_token is required")
	}
	tables, err := t.api.ListTables(ctx, appToken)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tables": tables}, nil
}

// --- feishu.v1.bitable.search ---

type searchTool struct{ toolBase }

func (searchTool) Name() string { return "feishu.v1.bitable.search" }
func (searchTool) Description() string {
	return "Search records with an arbitrary filter (conjunction + conditions)."
}

func (t searchTool) InputSchema() map[string]any {
	return withTableParams(map[string]any{
		"filter":      map[string]any{"type": "object", "description": "Filter: {conjunction, conditions:[{field_name, operator, value}]}"},
		"field_names": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"page_size":   map[string]any{"type": "integer"},
		"page_token":  map[string]any{"type": "string"},
	})
}

func (t searchTool) Execute(ctx context.Context, params map[string]any) (any, error) {
	key, err := t.tableKey(params)
	if err != nil {
		return nil, err
	}
	req := bitable.SearchRequest{
		PageSize:   intParam(params, "page_size", 0),
		PageToken:  stringParam(params, "page_token"),
		FieldNames: stringListParam(params, "field_names"),
	}
	if rawFilter, ok := params["filter"].(map[string]any); ok {
		encoded, err := json.Marshal(rawFilter)
		if err != nil {
			return nil, InvalidParams("filter is not an object")
		}
		var filter bitable.SearchFilter
		if err := json.Unmarshal(encoded, &filter); err != nil {
			return nil, InvalidParams("malformed filter: %v", err)
		}
		req.Filter = &filter
	}
	page, err := t.api.SearchRecords(ctx, key, req)
	if err != nil {
		return nil, err
	}
	return pageOut(page), nil
}

// --- single-condition search variants ---

type conditionSearchTool struct {
	toolBase
	name        string
	description string
	operator    string
	valueKey    string
}

func (t conditionSearchTool) Name() string        { return t.name }
func (t conditionSearchTool) Description() string { return t.description }

func (t conditionSearchTool) InputSchema() map[string]any {
	return withTableParams(map[string]any{
		"field":      map[string]any{"type": "string", "description": "Field name to filter on"},
		t.valueKey:   map[string]any{"type": "string"},
		"page_size":  map[string]any{"type": "integer"},
		"page_token": map[string]any{"type": "string"},
	}, "field", t.valueKey)
}

func (t conditionSearchTool) Execute(ctx context.Context, params map[string]any) (any, error) {
	key, err := t.tableKey(params)
	if err != nil {
		return nil, err
	}
	field, err := requireString(params, "field")
	if err != nil {
		return nil, err
	}
	value, err := requireString(params, t.valueKey)
	if err != nil {
		return nil, err
	}
	page, err := t.api.SearchRecords(ctx, key, bitable.SearchRequest{
		PageSize:  intParam(params, "page_size", 0),
		PageToken: stringParam(params, "page_token"),
		Filter: &bitable.SearchFilter{
			Conjunction: "and",
			Conditions: []bitable.SearchCondition{
				{FieldName: field, Operator: t.operator, Value: []string{value}},
			},
		},
	})
	if err != nil {
		return nil, err
	}
	return pageOut(page), nil
}

// --- feishu.v1.bitable.search_date_range ---

type dateRangeSearchTool struct{ toolBase }

func (dateRangeSearchTool) Name() string { return "feishu.v1.bitable.search_date_range" }
func (dateRangeSearchTool) Description() string {
	return "Search records whose date field falls inside [start_ms, end_ms]."
}

func (t dateRangeSearchTool) InputSchema() map[string]any {
	return withTableParams(map[string]any{
		"field":    map[string]any{"type": "string"},
		"start_ms": map[string]any{"type": "integer", "description": "Range start, epoch milliseconds"},
		"end_ms":   map[string]any{"type": "integer", "description": "Range end, epoch milliseconds"},
	}, "field", "start_ms", "end_ms")
}

func (t dateRangeSearchTool) Execute(ctx context.Context, params map[string]any) (any, error) {
	key, err := t.tableKey(params)
	if err != nil {
		return nil, err
	}
	field, err := requireString(params, "field")
	if err != nil {
		return nil, err
	}
	startMS, ok := int64Param(params, "start_ms")
	if !ok {
		return nil, InvalidParams("start_ms is required")
	}
	endMS, ok := int64Param(params, "end_ms")
	if !ok {
		return nil, InvalidParams("end_ms is required")
	}
	if endMS < startMS {
		return nil, InvalidParams("end_ms must be >= start_ms")
	}

	page, err := t.api.SearchRecords(ctx, key, bitable.SearchRequest{
		PageSize:  intParam(params, "page_size", 0),
		PageToken: stringParam(params, "page_token"),
		Filter: &bitable.SearchFilter{
			Conjunction: "and",
			Conditions: []bitable.SearchCondition{
				{FieldName: field, Operator: "isGreater", Value: []string{"ExactDate", msString(startMS - 1)}},
				{FieldName: field, Operator: "isLess", Value: []string{"ExactDate", msString(endMS + 1)}},
			},
		},
	})
	if err != nil {
		return nil, err
	}
	return pageOut(page), nil
}

func msString(ms int64) string {
	return strconv.FormatInt(ms, 10)
}

// --- record CRUD ---

type recordGetTool struct{ toolBase }

func (recordGetTool) Name() string        { return "feishu.v1.bitable.record.get" }
func (recordGetTool) Description() string { return "Fetch one record by id." }

func (t recordGetTool) InputSchema() map[string]any {
	return withTableParams(map[string]any{
		"record_id":   map[string]any{"type": "string"},
		"field_names": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	}, "record_id")
}

func (t recordGetTool) Execute(ctx context.Context, params map[string]any) (any, error) {
	loc, err := t.locator(params)
	if err != nil {
		return nil, err
	}
	rec, err := t.api.GetRecord(ctx, loc, stringListParam(params, "field_names"))
	if err != nil {
		return nil, err
	}
	return recordOut(*rec), nil
}

type recordCreateTool struct{ toolBase }

func (recordCreateTool) Name() string        { return "feishu.v1.bitable.record.create" }
func (recordCreateTool) Description() string { return "Create one record with the given fields." }

func (t recordCreateTool) InputSchema() map[string]any {
	return withTableParams(map[string]any{
		"fields": map[string]any{"type": "object", "description": "Field name → value"},
	}, "fields")
}

func (t recordCreateTool) Execute(ctx context.Context, params map[string]any) (any, error) {
	key, err := t.tableKey(params)
	if err != nil {
		return nil, err
	}
	fields, err := decodeWriteFields(params)
	if err != nil {
		return nil, err
	}
	recordID, err := t.api.CreateRecord(ctx, key, fields)
	if err != nil {
		return nil, err
	}
	return map[string]any{"record_id": recordID}, nil
}

type recordUpdateTool struct{ toolBase }

func (recordUpdateTool) Name() string        { return "feishu.v1.bitable.record.update" }
func (recordUpdateTool) Description() string { return "Apply a partial field update to one record." }

func (t recordUpdateTool) InputSchema() map[string]any {
	return withTableParams(map[string]any{
		"record_id": map[string]any{"type": "string"},
		"fields":    map[string]any{"type": "object"},
	}, "record_id", "fields")
}

func (t recordUpdateTool) Execute(ctx context.Context, params map[string]any) (any, error) {
	loc, err := t.locator(params)
	if err != nil {
		return nil, err
	}
	fields, err := decodeWriteFields(params)
	if err != nil {
		return nil, err
	}
	if err := t.api.UpdateRecord(ctx, loc, fields); err != nil {
		return nil, err
	}
	return map[string]any{"record_id": loc.RecordID, "updated": true}, nil
}

type recordDeleteTool struct{ toolBase }

func (recordDeleteTool) Name() string        { return "feishu.v1.bitable.record.delete" }
func (recordDeleteTool) Description() string { return "Delete one record by id." }

func (t recordDeleteTool) InputSchema() map[string]any {
	return withTableParams(map[string]any{
		"record_id": map[string]any{"type": "string"},
	}, "record_id")
}

func (t recordDeleteTool) Execute(ctx context.Context, params map[string]any) (any, error) {
	loc, err := t.locator(params)
	if err != nil {
		return nil, err
	}
	if err := t.api.DeleteRecord(ctx, loc); err != nil {
		return nil, err
	}
	return map[string]any{"record_id": loc.RecordID, "deleted": true}, nil
}

// --- feishu.v1.doc.search ---

type docSearchTool struct{ toolBase }

func (docSearchTool) Name() string        { return "feishu.v1.doc.search" }
func (docSearchTool) Description() string { return "Full-text search over cloud documents." }

func (t docSearchTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string"},
			"count": map[string]any{"type": "integer", "description": "Max results, default 10"},
		},
		"required": []string{"query"},
	}
}

func (t docSearchTool) Execute(ctx context.Context, params map[string]any) (any, error) {
	query, err := requireString(params, "query")
	if err != nil {
		return nil, err
	}
	count := intParam(params, "count", 10)
	data, err := t.api.Request(ctx, http.MethodPost, "/suite/docs-api/search/object", nil, map[string]any{
		"search_key": query,
		"count":      count,
	})
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Entities struct {
			Objects []struct {
				Title string `json:"title"`
				URL   string `json:"url"`
				Type  string `json:"type"`
			} `json:"objects"`
		} `json:"docs_entities"`
		HasMore bool `json:"has_more"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		// Pass the raw payload through when the shape drifts.
		var generic any
		if uerr := json.Unmarshal(data, &generic); uerr != nil {
			return nil, err
		}
		return generic, nil
	}
	return map[string]any{
		"docs":     parsed.Entities.Objects,
		"has_more": parsed.HasMore,
	}, nil
}

// RegisterBitableTools registers the full tool set on a registry.
func RegisterBitableTools(reg *Registry, api ToolAPI, cfg *config.BitableConfig) {
	base := toolBase{api: api, cfg: cfg}
	reg.Register(listTablesTool{base})
	reg.Register(searchTool{base})
	reg.Register(conditionSearchTool{
		toolBase: base,
		name:     "feishu.v1.bitable.search_exact",
		description: "Search records where a field exactly equals a value " +
			"(selects, text, numbers rendered as strings).",
		operator: "is",
		valueKey: "value",
	})
	reg.Register(conditionSearchTool{
		toolBase:    base,
		name:        "feishu.v1.bitable.search_keyword",
		description: "Search records where a text field contains a keyword.",
		operator:    "contains",
		valueKey:    "keyword",
	})
	reg.Register(conditionSearchTool{
		toolBase:    base,
		name:        "feishu.v1.bitable.search_person",
		description: "Search records where a person field contains the given opaque user id.",
		operator:    "is",
		valueKey:    "user_id",
	})
	reg.Register(dateRangeSearchTool{base})
	reg.Register(recordGetTool{base})
	reg.Register(recordCreateTool{base})
	reg.Register(recordUpdateTool{base})
	reg.Register(recordDeleteTool{base})
	reg.Register(docSearchTool{base})
}
