package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// HTTPTransport speaks JSON-RPC over HTTP POST. Used when the tool bridge
// runs as a remote service instead of a subprocess.
type HTTPTransport struct {
	config *Config
	logger *slog.Logger
	client *http.Client

	events    chan *JSONRPCNotification
	connected atomic.Bool
}

// NewHTTPTransport creates an HTTP transport for the given config.
func NewHTTPTransport(cfg *Config) *HTTPTransport {
	timeout := cfg.CallTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &HTTPTransport{
		config: cfg,
		logger: slog.Default().With("component", "bridge", "transport", "http"),
		client: &http.Client{Timeout: timeout},
		events: make(chan *JSONRPCNotification, 100),
	}
}

// Connect marks the transport ready. The endpoint is only exercised on the
// first call.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	if t.config.URL == "" {
		return fmt.Errorf("url is required for http transport")
	}
	t.connected.Store(true)
	t.logger.Info("http transport ready", "url", t.config.URL)
	return nil
}

// Close marks the transport closed.
func (t *HTTPTransport) Close() error {
	t.connected.Store(false)
	return nil
}

// Call sends a request and decodes the response body.
func (t *HTTPTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrConnectionLost
	}

	req := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      uuid.New().String(),
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	body, _ := json.Marshal(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.config.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp JSONRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("bridge error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// Notify sends a notification; the response body is discarded.
func (t *HTTPTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return ErrConnectionLost
	}

	notif := JSONRPCNotification{
		JSONRPC: "2.0",
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}

	body, _ := json.Marshal(notif)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.config.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	resp.Body.Close()
	return nil
}

// Events returns the notification channel. The HTTP transport never
// produces notifications.
func (t *HTTPTransport) Events() <-chan *JSONRPCNotification {
	return t.events
}

// Connected reports whether the transport is up.
func (t *HTTPTransport) Connected() bool {
	return t.connected.Load()
}
