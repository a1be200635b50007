// Package feishu is the channel layer: message ingress (public webhook
// or long connection) and reply delivery for the assistant role.
package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/jkaninda/kazi/internal/agent"
)

// API is the authenticated Feishu transport the channel layer rides on.
// *bitable.Client satisfies it.
type API interface {
	Request(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error)
}

// Sender delivers outbound messages. It implements both the
// orchestrator's Responder and the reminder dispatcher's Sender.
type Sender struct {
	api    API
	logger *slog.Logger
}

// NewSender wires reply delivery over the shared transport.
func NewSender(api API, logger *slog.Logger) *Sender {
	return &Sender{api: api, logger: logger}
}

// SendText sends a plain text message to the chat (preferred) or
// directly to the user.
func (s *Sender) SendText(ctx context.Context, openID, chatID, text string) error {
	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("encoding text content: %w", err)
	}
	return s.send(ctx, openID, chatID, "text", string(content))
}

// SendCard sends an interactive card.
func (s *Sender) SendCard(ctx context.Context, openID, chatID string, card json.RawMessage) error {
	return s.send(ctx, openID, chatID, "interactive", string(card))
}

func (s *Sender) send(ctx context.Context, openID, chatID, msgType, content string) error {
	receiveIDType, receiveID := "open_id", openID
	if chatID != "" {
		receiveIDType, receiveID = "chat_id", chatID
	}
	if receiveID == "" {
		return fmt.Errorf("no receiver for outbound message")
	}

	query := url.Values{"receive_id_type": {receiveIDType}}
	body := map[string]string{
		"receive_id": receiveID,
		"msg_type":   msgType,
		"content":    content,
	}
	if _, err := s.api.Request(ctx, http.MethodPost, "/im/v1/messages", query, body); err != nil {
		return fmt.Errorf("sending %s message: %w", msgType, err)
	}
	return nil
}

// Respond delivers a rendered turn reply. Structured blocks go out as a
// card; card failures and plain replies fall back to text.
func (s *Sender) Respond(ctx context.Context, msg agent.IncomingMessage, resp *agent.RenderedResponse) error {
	if len(resp.Blocks) > 0 {
		card, err := BuildCard(resp)
		if err == nil {
			if err := s.SendCard(ctx, msg.OpenID, msg.ChatID, card); err == nil {
				return nil
			}
			s.logger.WarnContext(ctx, "card delivery failed, falling back to text",
				slog.String("open_id", msg.OpenID))
		}
	}
	return s.SendText(ctx, msg.OpenID, msg.ChatID, resp.TextFallback)
}
