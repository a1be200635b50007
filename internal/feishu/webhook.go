package feishu

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jkaninda/kazi/internal/agent"
	"github.com/jkaninda/kazi/internal/config"
)

const maxCallbackBody = 1 << 20 // 1 MB

// Enqueuer accepts a normalized inbound message for background
// processing. *agent.Orchestrator satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg agent.IncomingMessage) bool
}

// Webhook is the assistant's HTTP surface: the channel callback plus
// health and metrics endpoints. The callback acks inside the channel's
// deadline by enqueueing only.
type Webhook struct {
	cfg        *config.FeishuConfig
	listenAddr string
	enqueue    Enqueuer
	logger     *slog.Logger

	metricsRegistry *prometheus.Registry

	okapi  *okapi.Okapi
	server *http.Server
}

// NewWebhook wires the assistant HTTP surface.
func NewWebhook(cfg *config.FeishuConfig, listenAddr string, enqueue Enqueuer,
	logger *slog.Logger, metricsRegistry *prometheus.Registry) *Webhook {
	return &Webhook{
		cfg:             cfg,
		listenAddr:      listenAddr,
		enqueue:         enqueue,
		logger:          logger,
		metricsRegistry: metricsRegistry,
		okapi:           okapi.New(),
	}
}

// Start launches the HTTP server and blocks until it exits.
func (w *Webhook) Start(ctx context.Context) error {
	// The callback reads the raw body for decryption, so it mounts as a
	// std handler rather than going through Bind.
	w.okapi.HandleStd("POST", "/feishu/webhook", w.handleCallback)

	w.okapi.Get("/healthz", func(c *okapi.Context) error {
		return c.OK(okapi.M{"status": "ok"})
	})
	if w.metricsRegistry != nil {
		w.okapi.HandleStd("GET", "/metrics",
			promhttp.HandlerFor(w.metricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}

	w.server = &http.Server{
		Addr:              w.listenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	w.logger.Info("assistant server starting", slog.String("addr", w.listenAddr))
	return w.okapi.StartServer(w.server)
}

// Stop gracefully shuts down the HTTP server.
func (w *Webhook) Stop(ctx context.Context) error {
	if w.server == nil {
		return nil
	}
	w.logger.Info("assistant server stopping")
	return w.okapi.Shutdown(w.server)
}

// callbackEnvelope covers both the v1 handshake and v2 event shapes.
type callbackEnvelope struct {
	Encrypt   string `json:"encrypt"`
	Challenge string `json:"challenge"`
	Token     string `json:"token"`
	Type      string `json:"type"`

	Schema string `json:"schema"`
	Header struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
		Token     string `json:"token"`
	} `json:"header"`
	Event struct {
		Sender struct {
			SenderType string `json:"sender_type"`
			SenderID   struct {
				OpenID string `json:"open_id"`
			} `json:"sender_id"`
		} `json:"sender"`
		Message struct {
			MessageID   string `json:"message_id"`
			ChatID      string `json:"chat_id"`
			ChatType    string `json:"chat_type"`
			MessageType string `json:"message_type"`
			Content     string `json:"content"`
			Mentions    []struct {
				Key string `json:"key"`
			} `json:"mentions"`
		} `json:"message"`
	} `json:"event"`
}

// handleCallback answers the URL-verification handshake, verifies the
// token, and enqueues chat messages. It always acks fast: the turn runs
// in the orchestrator's background workers.
func (w *Webhook) handleCallback(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		http.Error(rw, `{"error":"unreadable body"}`, http.StatusBadRequest)
		return
	}

	var env callbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		http.Error(rw, `{"error":"malformed callback"}`, http.StatusBadRequest)
		return
	}

	// Encrypted callbacks wrap the real payload.
	if env.Encrypt != "" {
		if w.cfg.EncryptKey == "" {
			w.logger.Warn("encrypted callback received without an encrypt key")
			http.Error(rw, `{"error":"encryption not configured"}`, http.StatusBadRequest)
			return
		}
		plain, err := decryptCallback(w.cfg.EncryptKey, env.Encrypt)
		if err != nil {
			w.logger.Warn("callback decryption failed", slog.String("error", err.Error()))
			http.Error(rw, `{"error":"undecryptable callback"}`, http.StatusBadRequest)
			return
		}
		env = callbackEnvelope{}
		if err := json.Unmarshal(plain, &env); err != nil {
			http.Error(rw, `{"error":"malformed callback"}`, http.StatusBadRequest)
			return
		}
	}

	if env.Type == "url_verification" {
		if !w.tokenOK(env.Token) {
			http.Error(rw, `{"error":"invalid token"}`, http.StatusUnauthorized)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		json.NewEncoder(rw).Encode(map[string]string{"challenge": env.Challenge})
		return
	}

	if !w.tokenOK(env.Header.Token) {
		http.Error(rw, `{"error":"invalid token"}`, http.StatusUnauthorized)
		return
	}

	routeMessage(r.Context(), &env, w.enqueue, w.logger)

	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(map[string]bool{"ok": true})
}

func (w *Webhook) tokenOK(token string) bool {
	if w.cfg.VerificationToken == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(w.cfg.VerificationToken)) == 1
}

// routeMessage filters and enqueues one event. Non-private chats,
// non-text messages, and app senders are ignored. Shared by the webhook
// and the long-connection client.
func routeMessage(ctx context.Context, env *callbackEnvelope, enqueue Enqueuer, logger *slog.Logger) bool {
	if env.Header.EventType != "im.message.receive_v1" {
		return false
	}
	msg := env.Event.Message
	switch {
	case msg.ChatType != "p2p":
		return false
	case msg.MessageType != "text":
		return false
	case env.Event.Sender.SenderType != "" && env.Event.Sender.SenderType != "user":
		return false
	}

	var content struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(msg.Content), &content); err != nil {
		logger.WarnContext(ctx, "unparseable message content",
			slog.String("message_id", msg.MessageID))
		return false
	}
	text := content.Text
	for _, mention := range msg.Mentions {
		text = strings.ReplaceAll(text, mention.Key, "")
	}

	return enqueue.Enqueue(ctx, agent.IncomingMessage{
		MessageID: msg.MessageID,
		EventID:   env.Header.EventID,
		OpenID:    env.Event.Sender.SenderID.OpenID,
		ChatID:    msg.ChatID,
		Text:      strings.TrimSpace(text),
	})
}

// decryptCallback opens an AES-256-CBC payload: the key is the SHA-256
// of the encrypt key, the IV is the first block of the ciphertext.
func decryptCallback(encryptKey, encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	if len(raw) < aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not block aligned", len(raw))
	}

	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}

	iv, payload := raw[:aes.BlockSize], raw[aes.BlockSize:]
	plain := make([]byte, len(payload))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, payload)

	// PKCS#7 unpadding.
	pad := int(plain[len(plain)-1])
	if pad < 1 || pad > aes.BlockSize || pad > len(plain) {
		return nil, fmt.Errorf("invalid padding")
	}
	return plain[:len(plain)-pad], nil
}
