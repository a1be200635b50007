package automation

import (
	"context"
	"crypto/hmac"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jkaninda/kazi/internal/automation/rules"
	"github.com/jkaninda/kazi/internal/automation/store"
	"github.com/jkaninda/kazi/internal/bitable"
	"github.com/jkaninda/kazi/internal/config"
)

const maxEventBody = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Server is the automation worker's HTTP surface: the event ingress
// plus management endpoints.
type Server struct {
	cfg        *config.AutomationConfig
	feishuCfg  *config.FeishuConfig
	store      *store.Store
	dispatcher *Dispatcher
	scheduler  *Scheduler
	schema     *SchemaWatcher
	registry   *rules.Registry
	api        RecordAPI
	logger     *slog.Logger

	metricsRegistry *prometheus.Registry

	okapi  *okapi.Okapi
	server *http.Server
}

// NewServer wires the worker HTTP surface.
func NewServer(cfg *config.AutomationConfig, feishuCfg *config.FeishuConfig,
	st *store.Store, disp *Dispatcher, sched *Scheduler, schema *SchemaWatcher,
	registry *rules.Registry, api RecordAPI, logger *slog.Logger,
	metricsRegistry *prometheus.Registry) *Server {
	return &Server{
		cfg:             cfg,
		feishuCfg:       feishuCfg,
		store:           st,
		dispatcher:      disp,
		scheduler:       sched,
		schema:          schema,
		registry:        registry,
		api:             api,
		logger:          logger,
		metricsRegistry: metricsRegistry,
		okapi:           okapi.New(),
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.routes()

	s.server = &http.Server{
		Addr:              s.cfg.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("automation server starting", slog.String("addr", s.cfg.ListenAddr))
	return s.okapi.StartServer(s.server)
}

// routes registers every endpoint on the okapi engine.
func (s *Server) routes() {
	// Event ingress reads the raw body for signature verification, so it
	// mounts as a std handler rather than going through Bind.
	s.okapi.HandleStd("POST", "/events", s.handleEvents)

	mgmt := s.okapi.Group("/automation", s.authenticate)
	mgmt.Post("/init", s.handleInit,
		okapi.DocSummary("Seed snapshots for all rule-covered tables without firing rules"),
		okapi.DocTags("Automation"),
		okapi.DocResponse(okapi.M{}),
	)
	mgmt.Post("/scan", s.handleScan,
		okapi.DocSummary("Run one compensation scan now"),
		okapi.DocTags("Automation"),
		okapi.DocResponse(okapi.M{}),
	)
	mgmt.Post("/sync", s.handleSync,
		okapi.DocSummary("Full sweep: compensation scan plus bounded deletion reconciliation"),
		okapi.DocTags("Automation"),
		okapi.DocResponse(okapi.M{}),
	)
	mgmt.Post("/schema/refresh", s.handleSchemaRefresh,
		okapi.DocSummary("Re-check table schemas; ?drill=1 fires a synthetic risk webhook"),
		okapi.DocTags("Schema"),
		okapi.DocResponse(okapi.M{}),
	)
	mgmt.Get("/runlogs", s.handleRunLogs,
		okapi.DocSummary("List recent run-log rows"),
		okapi.DocTags("Automation"),
		okapi.DocResponse([]store.RunLogRow{}),
	)
	mgmt.Get("/deadletters", s.handleDeadLetters,
		okapi.DocSummary("List unprocessed dead letters"),
		okapi.DocTags("Automation"),
		okapi.DocResponse([]store.DeadLetterRow{}),
	)
	mgmt.Post("/deadletters/{id}/reprocess", s.handleDeadLetterReprocess,
		okapi.DocSummary("Replay one dead letter through the live rule"),
		okapi.DocTags("Automation"),
		okapi.DocPathParam("id", "integer", "Dead letter row id"),
		okapi.DocResponse(okapi.M{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	mgmt.Get("/delay/tasks", s.handleDelayTaskList,
		okapi.DocSummary("List delay tasks"),
		okapi.DocTags("Delay"),
		okapi.DocResponse([]store.DelayTaskRow{}),
	)
	mgmt.Post("/delay/{id}/cancel", s.handleDelayTaskCancel,
		okapi.DocSummary("Cancel a delay task that has not started"),
		okapi.DocTags("Delay"),
		okapi.DocPathParam("id", "string", "Task id"),
		okapi.DocResponse(okapi.M{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	mgmt.Get("/auth/health", s.handleAuthHealth,
		okapi.DocSummary("Probe upstream token acquisition"),
		okapi.DocTags("Health"),
		okapi.DocResponse(okapi.M{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	mgmt.Post("/webhook/{rule_id}", s.handleManualTrigger,
		okapi.DocSummary("Manually trigger one rule for a record"),
		okapi.DocTags("Automation"),
		okapi.DocPathParam("rule_id", "string", "Rule id"),
		okapi.DocResponse(okapi.M{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	s.okapi.Get("/healthz", func(c *okapi.Context) error {
		return c.OK(okapi.M{"status": "ok"})
	})
	if s.metricsRegistry != nil {
		s.okapi.HandleStd("GET", "/metrics",
			promhttp.HandlerFor(s.metricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("automation server stopping")
	return s.okapi.Shutdown(s.server)
}

// authenticate guards management endpoints with the configured API key.
func (s *Server) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if s.cfg.WebhookAPIKey == "" {
			return next(c)
		}
		key := c.Header("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.WebhookAPIKey)) != 1 {
			return c.AbortUnauthorized("invalid API key")
		}
		return next(c)
	}
}

// --- event ingress ---

type eventEnvelope struct {
	Challenge string `json:"challenge"`
	Token     string `json:"token"`
	Type      string `json:"type"`

	Header struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
		Token     string `json:"token"`
	} `json:"header"`
	Event struct {
		FileToken  string `json:"file_token"`
		AppToken   string `json:"app_token"`
		TableID    string `json:"table_id"`
		ActionList []struct {
			RecordID string `json:"record_id"`
			Action   string `json:"action"`
		} `json:"action_list"`
	} `json:"event"`
}

// handleEvents is the push ingress. It answers the URL-verification
// handshake, verifies authenticity (HMAC signature and/or API key plus
// verification token), and dispatches record changes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		http.Error(w, `{"error":"unreadable body"}`, http.StatusBadRequest)
		return
	}

	if err := s.verifyIngress(r, body); err != nil {
		s.logger.Warn("event ingress rejected", slog.String("error", err.Error()))
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var env eventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		http.Error(w, `{"error":"malformed event"}`, http.StatusBadRequest)
		return
	}

	// URL-verification handshake.
	if env.Type == "url_verification" {
		if s.feishuCfg.VerificationToken != "" &&
			subtle.ConstantTimeCompare([]byte(env.Token), []byte(s.feishuCfg.VerificationToken)) != 1 {
			http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"challenge": env.Challenge})
		return
	}

	if s.feishuCfg.VerificationToken != "" && env.Header.Token != "" &&
		subtle.ConstantTimeCompare([]byte(env.Header.Token), []byte(s.feishuCfg.VerificationToken)) != 1 {
		http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
		return
	}

	accepted, err := s.routeEvent(r.Context(), &env)
	if err != nil {
		s.logger.Error("event routing failed",
			slog.String("event_id", env.Header.EventID),
			slog.String("error", err.Error()))
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "accepted": accepted})
}

// verifyIngress checks the signed-webhook credentials. The signature is
// HMAC-SHA256 over "timestamp.body"; the timestamp must be inside the
// tolerance window to stop replays.
func (s *Server) verifyIngress(r *http.Request, body []byte) error {
	if s.cfg.WebhookSignatureSecret != "" {
		ts := r.Header.Get("X-Timestamp")
		sig := r.Header.Get("X-Signature")
		if ts == "" || sig == "" {
			return fmt.Errorf("missing signature headers")
		}
		unix, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return fmt.Errorf("malformed timestamp")
		}
		skew := time.Since(time.Unix(unix, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > s.cfg.TimestampTolerance() {
			return fmt.Errorf("timestamp outside tolerance window")
		}
		expected := SignPayload(s.cfg.WebhookSignatureSecret, ts, body)
		if !hmac.Equal([]byte(expected), []byte(sig)) {
			return fmt.Errorf("signature mismatch")
		}
		return nil
	}
	if s.cfg.WebhookAPIKey != "" {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.WebhookAPIKey)) != 1 {
			return fmt.Errorf("invalid API key")
		}
	}
	return nil
}

// routeEvent normalizes one envelope into dispatcher events.
func (s *Server) routeEvent(ctx context.Context, env *eventEnvelope) (int, error) {
	appToken := env.Event.AppToken
	if appToken == "" {
		appToken = env.Event.FileToken
	}

	// Field schema changes go to the schema watcher, not the rule engine.
	if env.Header.EventType == "drive.file.bitable_field_changed_v1" {
		if s.cfg.SchemaSyncEventDriven {
			key := bitable.TableKey{AppToken: appToken, TableID: env.Event.TableID}
			if err := s.schema.Refresh(ctx, key); err != nil {
				return 0, err
			}
		}
		return 0, nil
	}

	accepted := 0
	for i, action := range env.Event.ActionList {
		kind := rules.OnUpdated
		if action.Action == "record_added" {
			kind = rules.OnCreated
		}
		ev := Event{
			EventID: fmt.Sprintf("%s:%d", env.Header.EventID, i),
			Kind:    kind,
			Origin:  OriginEvent,
			Locator: bitable.Locator{
				AppToken: appToken,
				TableID:  env.Event.TableID,
				RecordID: action.RecordID,
			},
		}
		ok, err := s.dispatcher.Dispatch(ctx, ev)
		if err != nil {
			return accepted, err
		}
		if ok {
			accepted++
		}
	}
	return accepted, nil
}

// --- management handlers ---

// handleInit seeds snapshots for every rule-covered table so existing
// records never fire rules retroactively. The baseline pass stores
// state and stops: no diffing, no rule evaluation.
func (s *Server) handleInit(c *okapi.Context) error {
	go func() {
		ctx := context.Background()
		if err := s.schema.Bootstrap(ctx); err != nil {
			s.logger.Error("schema bootstrap failed", slog.String("error", err.Error()))
		}
		if err := s.scheduler.Baseline(ctx); err != nil {
			s.logger.Error("baseline pass failed", slog.String("error", err.Error()))
		}
	}()
	return c.JSON(http.StatusAccepted, okapi.M{"status": "started"})
}

func (s *Server) handleScan(c *okapi.Context) error {
	go func() {
		if err := s.scheduler.Scan(context.Background()); err != nil {
			s.logger.Error("manual scan failed", slog.String("error", err.Error()))
		}
	}()
	return c.JSON(http.StatusAccepted, okapi.M{"status": "started"})
}

func (s *Server) handleSync(c *okapi.Context) error {
	go func() {
		if err := s.scheduler.Sync(context.Background()); err != nil {
			s.logger.Error("manual sync failed", slog.String("error", err.Error()))
		}
	}()
	return c.JSON(http.StatusAccepted, okapi.M{"status": "started"})
}

func (s *Server) handleSchemaRefresh(c *okapi.Context) error {
	drill := c.Query("drill") == "1" || c.Query("drill") == "true"
	if drill && !s.cfg.SchemaWebhookDrillEnabled {
		return c.AbortBadRequest("drill mode is disabled")
	}
	if err := s.schema.RefreshAll(c.Context(), drill); err != nil {
		return c.AbortInternalServerError("schema refresh failed")
	}
	return c.OK(okapi.M{"status": "ok", "drill": drill})
}

func (s *Server) handleRunLogs(c *okapi.Context) error {
	limit, _ := strconv.Atoi(c.Query("limit"))
	logs, err := s.store.RunLogs(c.Query("event_id"), limit)
	if err != nil {
		return c.AbortInternalServerError("listing run logs failed")
	}
	return c.OK(logs)
}

func (s *Server) handleDeadLetters(c *okapi.Context) error {
	limit, _ := strconv.Atoi(c.Query("limit"))
	letters, err := s.store.DeadLetters(limit)
	if err != nil {
		return c.AbortInternalServerError("listing dead letters failed")
	}
	return c.OK(letters)
}

// handleDeadLetterReprocess replays the dead letter's record through the
// current rule set rather than re-running the stale action verbatim.
func (s *Server) handleDeadLetterReprocess(c *okapi.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return c.AbortBadRequest("invalid id")
	}
	letters, err := s.store.DeadLetters(0)
	if err != nil {
		return c.AbortInternalServerError("loading dead letters failed")
	}
	var target *store.DeadLetterRow
	for i := range letters {
		if letters[i].ID == uint(id) {
			target = &letters[i]
			break
		}
	}
	if target == nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "dead letter not found"})
	}

	ev := Event{
		EventID: fmt.Sprintf("deadletter:%d:%d", target.ID, time.Now().Unix()),
		Kind:    rules.OnUpdated,
		Origin:  OriginManual,
		Locator: bitable.Locator{
			AppToken: target.AppToken, TableID: target.TableID, RecordID: target.RecordID,
		},
	}
	if _, err := s.dispatcher.Dispatch(c.Context(), ev); err != nil {
		return c.AbortInternalServerError("reprocess dispatch failed")
	}
	if err := s.store.MarkDeadLetterReprocessed(target.ID); err != nil {
		return c.AbortInternalServerError("marking dead letter failed")
	}
	return c.OK(okapi.M{"status": "reprocessing"})
}

func (s *Server) handleDelayTaskList(c *okapi.Context) error {
	limit, _ := strconv.Atoi(c.Query("limit"))
	tasks, err := s.store.ListDelayTasks(limit)
	if err != nil {
		return c.AbortInternalServerError("listing delay tasks failed")
	}
	return c.OK(tasks)
}

func (s *Server) handleDelayTaskCancel(c *okapi.Context) error {
	cancelled, err := s.store.CancelDelayTask(c.Param("id"))
	if err != nil {
		return c.AbortInternalServerError("cancelling delay task failed")
	}
	if !cancelled {
		return c.JSON(http.StatusConflict, ErrorBody{Error: "task is not cancellable"})
	}
	return c.OK(okapi.M{"status": "cancelled"})
}

func (s *Server) handleAuthHealth(c *okapi.Context) error {
	type authProber interface {
		AuthHealth(ctx context.Context) error
	}
	prober, ok := s.api.(authProber)
	if !ok {
		return c.OK(okapi.M{"status": "ok"})
	}
	if err := prober.AuthHealth(c.Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorBody{Error: "upstream auth failed"})
	}
	return c.OK(okapi.M{"status": "ok"})
}

type manualTriggerRequest struct {
	RecordID string `json:"record_id"`
}

// handleManualTrigger re-evaluates one rule's table record on demand.
func (s *Server) handleManualTrigger(c *okapi.Context) error {
	rule, ok := s.registry.ByID(c.Param("rule_id"))
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "rule not found"})
	}
	var req manualTriggerRequest
	if err := c.Bind(&req); err != nil || req.RecordID == "" {
		return c.AbortBadRequest("record_id is required")
	}

	ev := Event{
		EventID: fmt.Sprintf("manual:%s:%s:%d", rule.ID, req.RecordID, time.Now().UnixNano()),
		Kind:    rules.OnUpdated,
		Origin:  OriginManual,
		Locator: bitable.Locator{
			AppToken: rule.Table.AppToken,
			TableID:  rule.Table.TableID,
			RecordID: req.RecordID,
		},
	}
	if _, err := s.dispatcher.Dispatch(c.Context(), ev); err != nil {
		return c.AbortInternalServerError("dispatch failed")
	}
	return c.JSON(http.StatusAccepted, okapi.M{"status": "dispatched", "event_id": ev.EventID})
}
