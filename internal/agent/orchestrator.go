// Package agent is the conversation orchestrator: per-conversation
// serialized processing of channel messages through the L0 rules,
// intent parser, skill router, and response renderer.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kazi/internal/observability"
)

// IncomingMessage is one normalized channel message.
type IncomingMessage struct {
	MessageID string
	EventID   string
	OpenID    string
	ChatID    string
	Text      string
}

// Responder delivers a rendered response back to the channel.
type Responder interface {
	Respond(ctx context.Context, msg IncomingMessage, resp *RenderedResponse) error
}

// Orchestrator drives the conversation pipeline. All collaborators are
// injected; required ones missing is a construction error, not a
// lazy-at-first-use failure.
type Orchestrator struct {
	states     *StateStore
	intents    *IntentParser
	router     *Router
	renderer   *Renderer
	responder  Responder
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     *observability.TracerSetup
	pendingTTL time.Duration

	// queue bounds in-flight background work.
	queue chan queuedMessage
}

type queuedMessage struct {
	ctx context.Context
	msg IncomingMessage
}

// New wires the orchestrator. intents, router, renderer, and responder
// are required.
func New(states *StateStore, intents *IntentParser, router *Router, renderer *Renderer,
	responder Responder, pendingTTL time.Duration, logger *slog.Logger,
	metrics *observability.Metrics, tracer *observability.TracerSetup) (*Orchestrator, error) {
	switch {
	case intents == nil:
		return nil, fmt.Errorf("orchestrator: intent parser is required")
	case router == nil:
		return nil, fmt.Errorf("orchestrator: skill router is required")
	case renderer == nil:
		return nil, fmt.Errorf("orchestrator: renderer is required")
	case responder == nil:
		return nil, fmt.Errorf("orchestrator: responder is required")
	}
	if states == nil {
		states = NewStateStore(30 * time.Minute)
	}
	if pendingTTL <= 0 {
		pendingTTL = 30 * time.Minute
	}
	return &Orchestrator{
		states:     states,
		intents:    intents,
		router:     router,
		renderer:   renderer,
		responder:  responder,
		logger:     logger,
		metrics:    metrics,
		tracer:     tracer,
		pendingTTL: pendingTTL,
		queue:      make(chan queuedMessage, 256),
	}, nil
}

// Start launches the background workers draining the message queue.
// The channel webhook acks within its deadline by enqueueing only.
func (o *Orchestrator) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case qm := <-o.queue:
					o.process(qm.ctx, qm.msg)
				}
			}
		}()
	}
}

// Enqueue accepts a message for background processing. Duplicate
// message ids (channel retransmits) are dropped here so the caller can
// ack immediately. Returns false for duplicates or a full queue.
func (o *Orchestrator) Enqueue(ctx context.Context, msg IncomingMessage) bool {
	dedupeKey := msg.MessageID
	if dedupeKey == "" {
		dedupeKey = msg.EventID
	}
	if o.states.SeenMessage(dedupeKey) {
		o.logger.DebugContext(ctx, "duplicate message dropped",
			slog.String("message_id", msg.MessageID),
			slog.String("open_id", msg.OpenID))
		return false
	}
	select {
	case o.queue <- queuedMessage{ctx: context.WithoutCancel(ctx), msg: msg}:
		return true
	default:
		o.logger.WarnContext(ctx, "message queue full, dropping",
			slog.String("open_id", msg.OpenID))
		return false
	}
}

// process runs one turn end to end and delivers the reply.
func (o *Orchestrator) process(ctx context.Context, msg IncomingMessage) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	var span trace.Span
	ctx, span = o.tracer.Tracer().Start(ctx, "agent.turn",
		trace.WithAttributes(attribute.String("open_id", msg.OpenID)))
	defer span.End()

	resp := o.HandleTurn(ctx, msg)
	if resp == nil {
		return
	}
	if err := o.responder.Respond(ctx, msg, resp); err != nil {
		o.logger.ErrorContext(ctx, "reply delivery failed",
			slog.String("open_id", msg.OpenID),
			slog.String("error", err.Error()))
	}
}

// HandleTurn runs the pipeline under the conversation's lock and
// returns the rendered response.
func (o *Orchestrator) HandleTurn(ctx context.Context, msg IncomingMessage) *RenderedResponse {
	state, unlock := o.states.Acquire(msg.OpenID)
	defer unlock()

	turn := &Turn{
		OpenID:    msg.OpenID,
		ChatID:    msg.ChatID,
		MessageID: msg.MessageID,
		Text:      strings.TrimSpace(msg.Text),
		State:     state,
	}

	l0, handled := o.runL0(turn)
	var chain []string
	switch {
	case handled && l0.reply != "":
		return &RenderedResponse{TextFallback: l0.reply, Meta: map[string]string{}}
	case handled:
		chain = []string{l0.dispatch}
	default:
		intent := o.intents.Parse(ctx, turn.Text)
		o.metrics.RecordMessage(string(intent.Source))
		chain = intent.Chain
		o.logger.InfoContext(ctx, "intent parsed",
			slog.String("open_id", msg.OpenID),
			slog.String("skill", chain[0]),
			slog.String("source", string(intent.Source)))
	}

	result, err := o.router.Run(ctx, chain, turn)
	if err != nil {
		o.logger.ErrorContext(ctx, "turn failed",
			slog.String("open_id", msg.OpenID),
			slog.String("error", err.Error()))
		return &RenderedResponse{TextFallback: o.renderer.Pick("error_generic"), Meta: map[string]string{}}
	}

	resp := o.renderer.Render(result)
	if l0.noticePrefix != "" {
		resp.TextFallback = l0.noticePrefix + "\n" + resp.TextFallback
	}
	return resp
}
