// Package config handles loading and validating Kazi configuration.
// Configuration is environment-driven: every knob maps to one env var,
// with a .env file loaded automatically in development.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
)

func init() {
	// Load .env file if it exists.
	_ = godotenv.Load()
}

// Role selects which HTTP surface a process exposes.
const (
	RoleMCPServer        = "mcp_server"
	RoleAutomationWorker = "automation_worker"
	RoleAssistant        = "assistant"
)

// Config is the root configuration for Kazi.
type Config struct {
	Role    string
	DataDir string

	Feishu     FeishuConfig
	Bitable    BitableConfig
	LLM        LLMConfig
	Automation AutomationConfig
	Assistant  AssistantConfig
	Reminder   ReminderConfig
	Observe    ObserveConfig
}

// FeishuConfig holds channel credentials and webhook verification settings.
type FeishuConfig struct {
	AppID             string
	AppSecret         string
	VerificationToken string
	EncryptKey        string // empty = plaintext callbacks
	Domain            string // API base, default https://open.feishu.cn
	UseWebSocket      bool   // long-connect instead of public webhook
}

// BitableConfig holds the default table coordinates.
type BitableConfig struct {
	DefaultAppToken string
	DefaultTableID  string
	DefaultViewID   string
	Domain          string
}

// LLMConfig configures the dual-model routing: a task model for structured
// classification/extraction and a chat model for free-form replies.
type LLMConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	TaskBaseURL    string
	TaskAPIKey     string
	TaskModel      string
	TimeoutSeconds int
}

// Timeout returns the per-call LLM deadline. Default 10s.
func (l *LLMConfig) Timeout() time.Duration {
	if l.TimeoutSeconds > 0 {
		return time.Duration(l.TimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// AutomationConfig controls the rule engine worker.
type AutomationConfig struct {
	Enabled       bool
	ListenAddr    string
	RulesFile     string
	StatusField   string
	ErrorField    string
	StatusWrite   bool
	PollerEnabled bool
	PollCron      string // cron spec for the compensation scan

	TriggerOnNewRecordEvent          bool
	TriggerOnNewRecordScan           bool
	TriggerOnNewRecordScanCheckpoint bool

	SchemaSyncEnabled         bool
	SchemaSyncIntervalSeconds int
	SchemaSyncEventDriven     bool
	SchemaWebhookURL          string
	SchemaWebhookSecret       string
	SchemaWebhookDrillEnabled bool

	ActionMaxRetries        int
	ActionRetryDelaySeconds int

	SyncDeletionsEnabled   bool
	SyncDeletionsMaxPerRun int

	HTTPAllowedDomains []string
	HTTPTimeoutSeconds int

	WebhookAPIKey                   string
	WebhookSignatureSecret          string
	WebhookTimestampToleranceSecond int

	EventIdempotencyTTLSeconds int
	WorkerPoolSize             int
}

// MaxRetries returns the bounded per-action retry count. Default 3.
func (a *AutomationConfig) MaxRetries() int {
	if a.ActionMaxRetries > 0 {
		return a.ActionMaxRetries
	}
	return 3
}

// RetryDelay returns the base backoff delay. Default 2s.
func (a *AutomationConfig) RetryDelay() time.Duration {
	if a.ActionRetryDelaySeconds > 0 {
		return time.Duration(a.ActionRetryDelaySeconds) * time.Second
	}
	return 2 * time.Second
}

// HTTPTimeout returns the http.request action deadline, capped at 10s.
func (a *AutomationConfig) HTTPTimeout() time.Duration {
	secs := a.HTTPTimeoutSeconds
	if secs <= 0 || secs > 10 {
		secs = 10
	}
	return time.Duration(secs) * time.Second
}

// TimestampTolerance returns the signed-webhook clock window. Default 5m.
func (a *AutomationConfig) TimestampTolerance() time.Duration {
	if a.WebhookTimestampToleranceSecond > 0 {
		return time.Duration(a.WebhookTimestampToleranceSecond) * time.Second
	}
	return 5 * time.Minute
}

// IdempotencyTTL returns the event-id dedup window. Default 24h.
func (a *AutomationConfig) IdempotencyTTL() time.Duration {
	if a.EventIdempotencyTTLSeconds > 0 {
		return time.Duration(a.EventIdempotencyTTLSeconds) * time.Second
	}
	return 24 * time.Hour
}

// Workers returns the processor pool size. Default 8.
func (a *AutomationConfig) Workers() int {
	if a.WorkerPoolSize > 0 {
		return a.WorkerPoolSize
	}
	return 8
}

// SchemaSyncInterval returns the periodic schema refresh cadence. Default 10m.
func (a *AutomationConfig) SchemaSyncInterval() time.Duration {
	if a.SchemaSyncIntervalSeconds > 0 {
		return time.Duration(a.SchemaSyncIntervalSeconds) * time.Second
	}
	return 10 * time.Minute
}

// MaxDeletionsPerRun bounds sync deletion reconciliation. Default 50.
func (a *AutomationConfig) MaxDeletionsPerRun() int {
	if a.SyncDeletionsMaxPerRun > 0 {
		return a.SyncDeletionsMaxPerRun
	}
	return 50
}

// AssistantConfig controls the conversation orchestrator.
type AssistantConfig struct {
	ListenAddr       string
	MCPServerBase    string
	SkillsFile       string
	ResponsePoolFile string
	SessionTTLMin    int
	Timezone         string
}

// SessionTTL returns the idle conversation lifetime. Minimum 30 minutes.
func (a *AssistantConfig) SessionTTL() time.Duration {
	if a.SessionTTLMin >= 30 {
		return time.Duration(a.SessionTTLMin) * time.Minute
	}
	return 30 * time.Minute
}

// Location returns the conversation timezone. Default Asia/Shanghai (UTC+8).
func (a *AssistantConfig) Location() *time.Location {
	if a.Timezone != "" {
		if loc, err := time.LoadLocation(a.Timezone); err == nil {
			return loc
		}
	}
	return time.FixedZone("CST", 8*3600)
}

// ReminderConfig controls reminder persistence and dispatch.
type ReminderConfig struct {
	PostgresDSN      string
	SchedulerEnabled bool
	DispatchCron     string
}

// ObserveConfig controls metrics and tracing.
type ObserveConfig struct {
	MetricsEnabled bool
	TracingEnabled bool
	OTLPEndpoint   string
	OTLPProtocol   string // "grpc" (default) or "http"
	OTLPInsecure   bool
	ServiceName    string
}

// Load reads the full configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Role:    goutils.Env("ROLE", RoleMCPServer),
		DataDir: goutils.Env("KAZI_DATA_DIR", defaultDataDir()),
		Feishu: FeishuConfig{
			AppID:             os.Getenv("FEISHU_APP_ID"),
			AppSecret:         os.Getenv("FEISHU_APP_SECRET"),
			VerificationToken: os.Getenv("FEISHU_VERIFICATION_TOKEN"),
			EncryptKey:        os.Getenv("FEISHU_ENCRYPT_KEY"),
			Domain:            goutils.Env("FEISHU_DOMAIN", "https://open.feishu.cn"),
			UseWebSocket:      envBool("FEISHU_USE_WEBSOCKET", false),
		},
		Bitable: BitableConfig{
			DefaultAppToken: os.Getenv("BITABLE_APP_TOKEN"),
			DefaultTableID:  os.Getenv("BITABLE_TABLE_ID"),
			DefaultViewID:   os.Getenv("BITABLE_VIEW_ID"),
			Domain:          goutils.Env("BITABLE_DOMAIN", goutils.Env("FEISHU_DOMAIN", "https://open.feishu.cn")),
		},
		LLM: LLMConfig{
			BaseURL:        goutils.Env("LLM_BASE_URL", "https://api.openai.com/v1"),
			APIKey:         os.Getenv("LLM_API_KEY"),
			Model:          goutils.Env("LLM_MODEL", "gpt-4o-mini"),
			TaskBaseURL:    goutils.Env("TASK_LLM_BASE_URL", goutils.Env("LLM_BASE_URL", "https://api.openai.com/v1")),
			TaskAPIKey:     goutils.Env("TASK_LLM_API_KEY", os.Getenv("LLM_API_KEY")),
			TaskModel:      goutils.Env("TASK_LLM_MODEL", goutils.Env("LLM_MODEL", "gpt-4o-mini")),
			TimeoutSeconds: envInt("LLM_TIMEOUT_SECONDS", 10),
		},
		Automation: AutomationConfig{
			Enabled:       envBool("AUTOMATION_ENABLED", true),
			ListenAddr:    goutils.Env("AUTOMATION_LISTEN_ADDR", ":8090"),
			RulesFile:     goutils.Env("AUTOMATION_RULES_FILE", "config/automation_rules.yaml"),
			StatusField:   os.Getenv("AUTOMATION_STATUS_FIELD"),
			ErrorField:    os.Getenv("AUTOMATION_ERROR_FIELD"),
			StatusWrite:   envBool("AUTOMATION_STATUS_WRITE_ENABLED", false),
			PollerEnabled: envBool("AUTOMATION_POLLER_ENABLED", false),
			PollCron:      goutils.Env("AUTOMATION_POLL_CRON", "@every 5m"),

			TriggerOnNewRecordEvent:          envBool("AUTOMATION_TRIGGER_ON_NEW_RECORD_EVENT", false),
			TriggerOnNewRecordScan:           envBool("AUTOMATION_TRIGGER_ON_NEW_RECORD_SCAN", false),
			TriggerOnNewRecordScanCheckpoint: envBool("AUTOMATION_TRIGGER_ON_NEW_RECORD_SCAN_REQUIRES_CHECKPOINT", true),

			SchemaSyncEnabled:         envBool("AUTOMATION_SCHEMA_SYNC_ENABLED", true),
			SchemaSyncIntervalSeconds: envInt("AUTOMATION_SCHEMA_SYNC_INTERVAL_SECONDS", 600),
			SchemaSyncEventDriven:     envBool("AUTOMATION_SCHEMA_SYNC_EVENT_DRIVEN", true),
			SchemaWebhookURL:          os.Getenv("AUTOMATION_SCHEMA_WEBHOOK_URL"),
			SchemaWebhookSecret:       os.Getenv("AUTOMATION_SCHEMA_WEBHOOK_SECRET"),
			SchemaWebhookDrillEnabled: envBool("AUTOMATION_SCHEMA_WEBHOOK_DRILL_ENABLED", false),

			ActionMaxRetries:        envInt("AUTOMATION_ACTION_MAX_RETRIES", 3),
			ActionRetryDelaySeconds: envInt("AUTOMATION_ACTION_RETRY_DELAY_SECONDS", 2),

			SyncDeletionsEnabled:   envBool("AUTOMATION_SYNC_DELETIONS_ENABLED", false),
			SyncDeletionsMaxPerRun: envInt("AUTOMATION_SYNC_DELETIONS_MAX_PER_RUN", 50),

			HTTPAllowedDomains: splitList(os.Getenv("AUTOMATION_HTTP_ALLOWED_DOMAINS")),
			HTTPTimeoutSeconds: envInt("AUTOMATION_HTTP_TIMEOUT_SECONDS", 10),

			WebhookAPIKey:                   os.Getenv("AUTOMATION_WEBHOOK_API_KEY"),
			WebhookSignatureSecret:          os.Getenv("AUTOMATION_WEBHOOK_SIGNATURE_SECRET"),
			WebhookTimestampToleranceSecond: envInt("AUTOMATION_WEBHOOK_TIMESTAMP_TOLERANCE_SECONDS", 300),

			EventIdempotencyTTLSeconds: envInt("AUTOMATION_EVENT_IDEMPOTENCY_TTL_SECONDS", 86400),
			WorkerPoolSize:             envInt("AUTOMATION_WORKER_POOL_SIZE", 8),
		},
		Assistant: AssistantConfig{
			ListenAddr:       goutils.Env("ASSISTANT_LISTEN_ADDR", ":8080"),
			MCPServerBase:    goutils.Env("MCP_SERVER_BASE", "http://127.0.0.1:8089"),
			SkillsFile:       goutils.Env("ASSISTANT_SKILLS_FILE", "config/skills.yaml"),
			ResponsePoolFile: goutils.Env("ASSISTANT_RESPONSE_POOL_FILE", "config/responses.yaml"),
			SessionTTLMin:    envInt("ASSISTANT_SESSION_TTL_MINUTES", 30),
			Timezone:         goutils.Env("ASSISTANT_TIMEZONE", "Asia/Shanghai"),
		},
		Reminder: ReminderConfig{
			PostgresDSN:      os.Getenv("POSTGRES_DSN"),
			SchedulerEnabled: envBool("REMINDER_SCHEDULER_ENABLED", false),
			DispatchCron:     goutils.Env("REMINDER_DISPATCH_CRON", "@every 1m"),
		},
		Observe: ObserveConfig{
			MetricsEnabled: envBool("METRICS_ENABLED", true),
			TracingEnabled: envBool("TRACING_ENABLED", false),
			OTLPEndpoint:   goutils.Env("OTLP_ENDPOINT", "localhost:4317"),
			OTLPProtocol:   goutils.Env("OTLP_PROTOCOL", "grpc"),
			OTLPInsecure:   envBool("OTLP_INSECURE", true),
			ServiceName:    goutils.Env("OTEL_SERVICE_NAME", "kazi"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MCPListenAddr is the tool-server listen address.
func (c *Config) MCPListenAddr() string {
	return goutils.Env("MCP_LISTEN_ADDR", ":8089")
}

// MCPAPIKey guards the tool-server HTTP surface. Empty disables the check.
func (c *Config) MCPAPIKey() string {
	return os.Getenv("MCP_API_KEY")
}

// AutomationDBPath returns the sqlite file backing the automation stores.
func (c *Config) AutomationDBPath() string {
	return filepath.Join(c.DataDir, "automation.db")
}

// ReminderDBPath returns the sqlite fallback file for reminders.
func (c *Config) ReminderDBPath() string {
	return filepath.Join(c.DataDir, "reminders.db")
}

func (c *Config) validate() error {
	switch c.Role {
	case RoleMCPServer, RoleAutomationWorker, RoleAssistant:
	default:
		return fmt.Errorf("ROLE must be one of %s, %s, %s (got %q)",
			RoleMCPServer, RoleAutomationWorker, RoleAssistant, c.Role)
	}
	if c.Automation.SyncDeletionsMaxPerRun < 0 {
		return fmt.Errorf("AUTOMATION_SYNC_DELETIONS_MAX_PER_RUN must be >= 0")
	}
	// The event ingress must authenticate callers; a worker with neither
	// credential configured would accept any traffic.
	if c.Role == RoleAutomationWorker && c.Automation.Enabled &&
		c.Automation.WebhookAPIKey == "" && c.Automation.WebhookSignatureSecret == "" {
		return fmt.Errorf("automation ingress requires AUTOMATION_WEBHOOK_API_KEY or AUTOMATION_WEBHOOK_SIGNATURE_SECRET")
	}
	return nil
}

// ValidateFeishu checks channel credentials for roles that talk to Feishu.
func (c *Config) ValidateFeishu() error {
	if c.Feishu.AppID == "" || c.Feishu.AppSecret == "" {
		return fmt.Errorf("FEISHU_APP_ID and FEISHU_APP_SECRET are required")
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kazi/data"
	}
	return filepath.Join(home, ".kazi", "data")
}

func envBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
