// Package observability wires Prometheus metrics and OpenTelemetry
// tracing for all three roles.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the services report into. A nil
// *Metrics is safe to call: all record methods are no-ops.
type Metrics struct {
	EventsTotal      *prometheus.CounterVec
	EventDuration    prometheus.Histogram
	ActionsTotal     *prometheus.CounterVec
	DeadLettersTotal prometheus.Counter
	RulesDisabled    prometheus.Gauge

	MessagesTotal  *prometheus.CounterVec
	IntentTotal    *prometheus.CounterVec
	SkillDuration  *prometheus.HistogramVec
	LLMCallsTotal  *prometheus.CounterVec
	ToolCallsTotal *prometheus.CounterVec
}

// New registers all collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kazi_automation_events_total",
			Help: "Events processed by the automation engine, by result.",
		}, []string{"result"}),
		EventDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kazi_automation_event_duration_seconds",
			Help:    "End-to-end event processing duration.",
			Buckets: prometheus.DefBuckets,
		}),
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kazi_automation_actions_total",
			Help: "Actions executed, by type and outcome.",
		}, []string{"type", "outcome"}),
		DeadLettersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kazi_automation_dead_letters_total",
			Help: "Actions sent to the dead letter queue.",
		}),
		RulesDisabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kazi_automation_rules_disabled",
			Help: "Rules currently disabled by the schema watcher.",
		}),
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kazi_assistant_messages_total",
			Help: "Inbound chat messages, by handling layer.",
		}, []string{"layer"}),
		IntentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kazi_assistant_intents_total",
			Help: "Parsed intents, by skill and parser source.",
		}, []string{"skill", "source"}),
		SkillDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kazi_assistant_skill_duration_seconds",
			Help:    "Skill execution duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"skill"}),
		LLMCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kazi_llm_calls_total",
			Help: "LLM completions, by purpose and outcome.",
		}, []string{"purpose", "outcome"}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kazi_tool_calls_total",
			Help: "Tool invocations, by tool and outcome.",
		}, []string{"tool", "outcome"}),
	}
	reg.MustRegister(
		m.EventsTotal, m.EventDuration, m.ActionsTotal, m.DeadLettersTotal, m.RulesDisabled,
		m.MessagesTotal, m.IntentTotal, m.SkillDuration, m.LLMCallsTotal, m.ToolCallsTotal,
	)
	return m
}

// RecordEvent counts one processed event.
func (m *Metrics) RecordEvent(result string, seconds float64) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(result).Inc()
	m.EventDuration.Observe(seconds)
}

// RecordAction counts one executed action.
func (m *Metrics) RecordAction(actionType string, failed bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if failed {
		outcome = "failure"
	}
	m.ActionsTotal.WithLabelValues(actionType, outcome).Inc()
}

// RecordDeadLetter counts one dead-lettered action.
func (m *Metrics) RecordDeadLetter() {
	if m == nil {
		return
	}
	m.DeadLettersTotal.Inc()
}

// SetRulesDisabled records the current disabled-rule count.
func (m *Metrics) SetRulesDisabled(n int) {
	if m == nil {
		return
	}
	m.RulesDisabled.Set(float64(n))
}

// RecordMessage counts one inbound message by handling layer.
func (m *Metrics) RecordMessage(layer string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(layer).Inc()
}

// RecordIntent counts one parsed intent.
func (m *Metrics) RecordIntent(skill, source string) {
	if m == nil {
		return
	}
	m.IntentTotal.WithLabelValues(skill, source).Inc()
}

// RecordSkill observes one skill execution.
func (m *Metrics) RecordSkill(skill string, seconds float64) {
	if m == nil {
		return
	}
	m.SkillDuration.WithLabelValues(skill).Observe(seconds)
}

// RecordLLMCall counts one LLM completion.
func (m *Metrics) RecordLLMCall(purpose string, failed bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if failed {
		outcome = "failure"
	}
	m.LLMCallsTotal.WithLabelValues(purpose, outcome).Inc()
}

// RecordToolCall counts one tool invocation.
func (m *Metrics) RecordToolCall(tool string, failed bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if failed {
		outcome = "failure"
	}
	m.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
}
