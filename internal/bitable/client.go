package bitable

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// APIError is a failed upstream call. Status carries the HTTP status,
// Code the platform error code from the response body.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream error (status=%d code=%d): %s", e.Status, e.Code, e.Message)
}

// Transient reports whether the error is worth retrying:
// network-shaped failures, 5xx and 429. Other 4xx are terminal.
func (e *APIError) Transient() bool {
	return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// IsNotFound reports a missing upstream resource.
func (e *APIError) IsNotFound() bool { return e.Status == http.StatusNotFound }

// Client talks to the open-platform REST API with a cached tenant token.
// Safe for concurrent use; the token cache is single-writer.
type Client struct {
	domain     string
	appID      string
	appSecret  string
	httpClient *http.Client
	logger     *slog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates an API client for the given app credentials.
func NewClient(domain, appID, appSecret string, logger *slog.Logger) *Client {
	return &Client{
		domain:     strings.TrimRight(domain, "/"),
		appID:      appID,
		appSecret:  appSecret,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

// TenantToken returns a valid tenant access token, refreshing it when
// within the expiry margin.
func (c *Client) TenantToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Until(c.tokenExpiry) > 2*time.Minute {
		return c.token, nil
	}

	body, _ := json.Marshal(map[string]string{
		"app_id":     c.appID,
		"app_secret": c.appSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.domain+"/open-apis/auth/v3/tenant_access_token/internal", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &APIError{Message: err.Error()}
	}
	defer resp.Body.Close()

	var parsed struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if parsed.Code != 0 || parsed.TenantAccessToken == "" {
		return "", &APIError{Status: resp.StatusCode, Code: parsed.Code, Message: parsed.Msg}
	}

	c.token = parsed.TenantAccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(parsed.Expire) * time.Second)
	c.logger.DebugContext(ctx, "tenant token refreshed",
		slog.Time("expires_at", c.tokenExpiry))
	return c.token, nil
}

// Request performs one authenticated API call and returns the `data` object.
func (c *Client) Request(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	token, err := c.TenantToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring tenant token: %w", err)
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	full := c.domain + "/open-apis" + path
	if len(query) > 0 {
		full += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, full, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &APIError{Status: resp.StatusCode, Message: err.Error()}
	}

	var parsed struct {
		Code int             `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &APIError{Status: resp.StatusCode, Message: "malformed response body"}
	}
	if resp.StatusCode >= 400 || parsed.Code != 0 {
		return nil, &APIError{Status: resp.StatusCode, Code: parsed.Code, Message: parsed.Msg}
	}
	return parsed.Data, nil
}

// GetRecord fetches one record, optionally restricted to the given fields.
func (c *Client) GetRecord(ctx context.Context, loc Locator, fieldNames []string) (*Record, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	query := url.Values{}
	if len(fieldNames) > 0 {
		encoded, _ := json.Marshal(fieldNames)
		query.Set("field_names", string(encoded))
	}
	path := fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/records/%s", loc.AppToken, loc.TableID, loc.RecordID)
	data, err := c.Request(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Record struct {
			RecordID         string         `json:"record_id"`
			Fields           map[string]any `json:"fields"`
			LastModifiedTime int64          `json:"last_modified_time"`
		} `json:"record"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	if parsed.Record.Fields == nil {
		return nil, &APIError{Status: http.StatusNotFound, Message: "record fields missing in response"}
	}
	return &Record{
		RecordID:     firstNonEmpty(parsed.Record.RecordID, loc.RecordID),
		Fields:       DecodeFields(parsed.Record.Fields),
		LastModified: parsed.Record.LastModifiedTime,
	}, nil
}

// SearchRequest is one page of a record search.
type SearchRequest struct {
	PageToken  string
	PageSize   int
	FieldNames []string
	Filter     *SearchFilter
	ViewID     string
}

// SearchFilter is the upstream filter DSL subset the tools use.
type SearchFilter struct {
	Conjunction string            `json:"conjunction"`
	Conditions  []SearchCondition `json:"conditions"`
}

// SearchCondition is one predicate of a search filter.
type SearchCondition struct {
	FieldName string   `json:"field_name"`
	Operator  string   `json:"operator"` // "is", "contains", "isGreater", "isLess"
	Value     []string `json:"value"`
}

// SearchPage is one page of search results.
type SearchPage struct {
	Records   []Record
	HasMore   bool
	PageToken string
	Total     int
}

// SearchRecords queries one page of records in a table.
func (c *Client) SearchRecords(ctx context.Context, key TableKey, req SearchRequest) (*SearchPage, error) {
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	payload := map[string]any{"page_size": pageSize}
	if req.PageToken != "" {
		payload["page_token"] = req.PageToken
	}
	if len(req.FieldNames) > 0 {
		payload["field_names"] = req.FieldNames
	}
	if req.Filter != nil {
		payload["filter"] = req.Filter
	}
	if req.ViewID != "" {
		payload["view_id"] = req.ViewID
	}

	path := fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/records/search", key.AppToken, key.TableID)
	data, err := c.Request(ctx, http.MethodPost, path, nil, payload)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Items []struct {
			RecordID         string         `json:"record_id"`
			Fields           map[string]any `json:"fields"`
			LastModifiedTime int64          `json:"last_modified_time"`
		} `json:"items"`
		HasMore   bool   `json:"has_more"`
		PageToken string `json:"page_token"`
		Total     int    `json:"total"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decoding search page: %w", err)
	}

	page := &SearchPage{HasMore: parsed.HasMore, PageToken: parsed.PageToken, Total: parsed.Total}
	for _, item := range parsed.Items {
		page.Records = append(page.Records, Record{
			RecordID:     item.RecordID,
			Fields:       DecodeFields(item.Fields),
			LastModified: item.LastModifiedTime,
		})
	}
	return page, nil
}

// CreateRecord inserts a record and returns its id.
func (c *Client) CreateRecord(ctx context.Context, key TableKey, fields Fields) (string, error) {
	path := fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/records", key.AppToken, key.TableID)
	data, err := c.Request(ctx, http.MethodPost, path, nil, map[string]any{"fields": EncodeFields(fields)})
	if err != nil {
		return "", err
	}
	var parsed struct {
		Record struct {
			RecordID string `json:"record_id"`
		} `json:"record"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decoding create response: %w", err)
	}
	return parsed.Record.RecordID, nil
}

// UpdateRecord applies a partial field update.
func (c *Client) UpdateRecord(ctx context.Context, loc Locator, fields Fields) error {
	if err := loc.Validate(); err != nil {
		return err
	}
	path := fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/records/%s", loc.AppToken, loc.TableID, loc.RecordID)
	_, err := c.Request(ctx, http.MethodPut, path, nil, map[string]any{"fields": EncodeFields(fields)})
	return err
}

// DeleteRecord removes a record.
func (c *Client) DeleteRecord(ctx context.Context, loc Locator) error {
	if err := loc.Validate(); err != nil {
		return err
	}
	path := fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/records/%s", loc.AppToken, loc.TableID, loc.RecordID)
	_, err := c.Request(ctx, http.MethodDelete, path, nil, nil)
	return err
}

// TableMeta describes one table of an app.
type TableMeta struct {
	TableID string `json:"table_id"`
	Name    string `json:"name"`
}

// ListTables enumerates the tables of an app.
func (c *Client) ListTables(ctx context.Context, appToken string) ([]TableMeta, error) {
	path := fmt.Sprintf("/bitable/v1/apps/%s/tables", appToken)
	query := url.Values{"page_size": {"100"}}
	data, err := c.Request(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Items []TableMeta `json:"items"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decoding table list: %w", err)
	}
	return parsed.Items, nil
}

// FieldMeta describes one field of a table schema.
type FieldMeta struct {
	FieldID   string `json:"field_id"`
	FieldName string `json:"field_name"`
	Type      int    `json:"type"`
}

// ListFields fetches the authoritative field schema of a table.
func (c *Client) ListFields(ctx context.Context, key TableKey) ([]FieldMeta, error) {
	path := fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/fields", key.AppToken, key.TableID)
	query := url.Values{"page_size": {"100"}}
	data, err := c.Request(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Items []FieldMeta `json:"items"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decoding field list: %w", err)
	}
	return parsed.Items, nil
}

// CalendarEvent is the payload of calendar.create.
type CalendarEvent struct {
	Summary     string
	Description string
	StartMS     int64
	EndMS       int64
}

// CreateCalendarEvent creates an event on the app's primary calendar.
func (c *Client) CreateCalendarEvent(ctx context.Context, ev CalendarEvent) (string, error) {
	payload := map[string]any{
		"summary":     ev.Summary,
		"description": ev.Description,
		"start_time":  map[string]string{"timestamp": fmt.Sprintf("%d", ev.StartMS/1000)},
		"end_time":    map[string]string{"timestamp": fmt.Sprintf("%d", ev.EndMS/1000)},
	}
	data, err := c.Request(ctx, http.MethodPost, "/calendar/v4/calendars/primary/events", nil, payload)
	if err != nil {
		return "", err
	}
	var parsed struct {
		Event struct {
			EventID string `json:"event_id"`
		} `json:"event"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decoding calendar response: %w", err)
	}
	return parsed.Event.EventID, nil
}

// AuthHealth probes token acquisition and upstream connectivity.
func (c *Client) AuthHealth(ctx context.Context) error {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	_, err := c.TenantToken(ctx)
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
