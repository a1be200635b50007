package feishu

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/jkaninda/kazi/internal/agent"
	"github.com/jkaninda/kazi/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubEnqueuer struct {
	mu   sync.Mutex
	msgs []agent.IncomingMessage
}

func (s *stubEnqueuer) Enqueue(_ context.Context, msg agent.IncomingMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return true
}

func newTestWebhook(cfg *config.FeishuConfig) (*Webhook, *stubEnqueuer) {
	enq := &stubEnqueuer{}
	return NewWebhook(cfg, ":0", enq, testLogger(), nil), enq
}

func postCallback(t *testing.T, w *Webhook, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/feishu/webhook", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	w.handleCallback(rec, req)
	return rec
}

func messageEvent(chatType, msgType, content string) []byte {
	raw, _ := json.Marshal(map[string]any{
		"schema": "2.0",
		"header": map[string]string{
			"event_id":   "ev_1",
			"event_type": "im.message.receive_v1",
			"token":      "tok",
		},
		"event": map[string]any{
			"sender": map[string]any{
				"sender_type": "user",
				"sender_id":   map[string]string{"open_id": "ou_abc"},
			},
			"message": map[string]any{
				"message_id":   "om_1",
				"chat_id":      "oc_1",
				"chat_type":    chatType,
				"message_type": msgType,
				"content":      content,
			},
		},
	})
	return raw
}

func TestChallengeHandshake(t *testing.T) {
	w, _ := newTestWebhook(&config.FeishuConfig{VerificationToken: "tok"})

	rec := postCallback(t, w, []byte(`{"type":"url_verification","token":"tok","challenge":"ch_42"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if resp["challenge"] != "ch_42" {
		t.Errorf("challenge = %q", resp["challenge"])
	}
}

func TestChallengeRejectsBadToken(t *testing.T) {
	w, _ := newTestWebhook(&config.FeishuConfig{VerificationToken: "tok"})

	rec := postCallback(t, w, []byte(`{"type":"url_verification","token":"wrong","challenge":"ch"}`))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestMessageEventEnqueued(t *testing.T) {
	w, enq := newTestWebhook(&config.FeishuConfig{VerificationToken: "tok"})

	rec := postCallback(t, w, messageEvent("p2p", "text", `{"text":"查一下我的案件"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(enq.msgs) != 1 {
		t.Fatalf("enqueued = %+v", enq.msgs)
	}
	got := enq.msgs[0]
	if got.MessageID != "om_1" || got.OpenID != "ou_abc" || got.ChatID != "oc_1" ||
		got.Text != "查一下我的案件" {
		t.Errorf("message = %+v", got)
	}
}

func TestIgnoredEventsStillAck(t *testing.T) {
	w, enq := newTestWebhook(&config.FeishuConfig{VerificationToken: "tok"})

	for _, body := range [][]byte{
		messageEvent("group", "text", `{"text":"hi"}`),
		messageEvent("p2p", "image", `{"image_key":"img_1"}`),
	} {
		rec := postCallback(t, w, body)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d", rec.Code)
		}
	}
	if len(enq.msgs) != 0 {
		t.Errorf("filtered events enqueued: %+v", enq.msgs)
	}
}

func TestEventRejectsBadToken(t *testing.T) {
	w, enq := newTestWebhook(&config.FeishuConfig{VerificationToken: "other"})

	rec := postCallback(t, w, messageEvent("p2p", "text", `{"text":"hi"}`))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", rec.Code)
	}
	if len(enq.msgs) != 0 {
		t.Errorf("unauthorized event enqueued")
	}
}

// encryptCallback is the test-side inverse of decryptCallback.
func encryptCallback(t *testing.T, encryptKey string, plain []byte) string {
	t.Helper()
	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}

	pad := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte{}, plain...), bytes.Repeat([]byte{byte(pad)}, pad)...)

	iv := bytes.Repeat([]byte{0x24}, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(append(iv, out...))
}

func TestEncryptedCallback(t *testing.T) {
	w, enq := newTestWebhook(&config.FeishuConfig{VerificationToken: "tok", EncryptKey: "secret"})

	inner := messageEvent("p2p", "text", `{"text":"明天提醒我开庭"}`)
	body, _ := json.Marshal(map[string]string{"encrypt": encryptCallback(t, "secret", inner)})
	rec := postCallback(t, w, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(enq.msgs) != 1 || enq.msgs[0].Text != "明天提醒我开庭" {
		t.Errorf("enqueued = %+v", enq.msgs)
	}

	// A wrong key must not crash, and nothing reaches the queue.
	body, _ = json.Marshal(map[string]string{"encrypt": encryptCallback(t, "wrong", inner)})
	postCallback(t, w, body)
	if len(enq.msgs) != 1 {
		t.Errorf("wrong-key payload reached the queue")
	}
}

func TestMentionsStripped(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{
		"header": map[string]string{
			"event_id":   "ev_2",
			"event_type": "im.message.receive_v1",
			"token":      "tok",
		},
		"event": map[string]any{
			"sender": map[string]any{
				"sender_type": "user",
				"sender_id":   map[string]string{"open_id": "ou_abc"},
			},
			"message": map[string]any{
				"message_id":   "om_2",
				"chat_id":      "oc_1",
				"chat_type":    "p2p",
				"message_type": "text",
				"content":      fmt.Sprintf(`{"text":"%s 查一下案件"}`, "@_user_1"),
				"mentions":     []map[string]string{{"key": "@_user_1"}},
			},
		},
	})
	w, enq := newTestWebhook(&config.FeishuConfig{VerificationToken: "tok"})
	postCallback(t, w, raw)
	if len(enq.msgs) != 1 || enq.msgs[0].Text != "查一下案件" {
		t.Errorf("enqueued = %+v", enq.msgs)
	}
}
