package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// WSClient consumes events over the long-connection channel instead of
// a public webhook, for deployments without an inbound route.
type WSClient struct {
	api     API
	enqueue Enqueuer
	logger  *slog.Logger
}

// NewWSClient wires the long-connection consumer.
func NewWSClient(api API, enqueue Enqueuer, logger *slog.Logger) *WSClient {
	return &WSClient{api: api, enqueue: enqueue, logger: logger}
}

// Run keeps one connection alive until ctx is canceled, reconnecting
// with capped backoff.
func (w *WSClient) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if err := w.connectOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("long connection dropped",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", backoff))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
	}
}

// connectOnce obtains an endpoint, dials it, and reads event frames
// until the connection breaks.
func (w *WSClient) connectOnce(ctx context.Context) error {
	endpoint, err := w.fetchEndpoint(ctx)
	if err != nil {
		return fmt.Errorf("obtaining connection endpoint: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", endpoint, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(maxCallbackBody)
	w.logger.Info("long connection established")

	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}
		var env callbackEnvelope
		if err := json.Unmarshal(frame, &env); err != nil {
			w.logger.Warn("unparseable event frame", slog.String("error", err.Error()))
			continue
		}
		routeMessage(ctx, &env, w.enqueue, w.logger)
	}
}

// fetchEndpoint asks the API for a fresh connection URL.
func (w *WSClient) fetchEndpoint(ctx context.Context) (string, error) {
	data, err := w.api.Request(ctx, http.MethodPost, "/callback/ws/endpoint", nil, nil)
	if err != nil {
		return "", err
	}
	var parsed struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decoding endpoint response: %w", err)
	}
	if parsed.URL == "" {
		return "", fmt.Errorf("endpoint response had no url")
	}
	return parsed.URL, nil
}
