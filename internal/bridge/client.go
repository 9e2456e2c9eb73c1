package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/forgeflow/forgeflow/internal/backoff"
)

const protocolVersion = "2024-11-05"

// reconnectAttempts bounds reconnection after a lost connection. After the
// attempts are exhausted, every RunTool fails fast with ErrConnectionLost.
const reconnectAttempts = 3

// Client holds the single long-lived connection to the tool bridge. Tool
// invocations are serialized per connection; callers from any goroutine are
// queued on an internal mutex.
type Client struct {
	config *Config
	logger *slog.Logger
	onLog  LogFunc

	// newTransport is swapped out in tests.
	newTransport func(*Config) Transport

	callMu sync.Mutex // serializes RunTool invocations

	mu         sync.RWMutex
	transport  Transport
	tools      []*ToolDescriptor
	serverInfo ServerInfo
	dead       bool
}

// NewClient creates a bridge client. onLog may be nil; when set it receives
// every tool response for UI display.
func NewClient(cfg *Config, logger *slog.Logger, onLog LogFunc) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:       cfg,
		logger:       logger.With("component", "bridge"),
		onLog:        onLog,
		newTransport: NewTransport,
	}
}

// Connect establishes the connection: transport connect, initialize
// handshake, initialized notification, then a tools/list refresh.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.config.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	transport := c.newTransport(c.config)
	if err := transport.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	result, err := transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "forgeflow",
			"version": "1.0.0",
		},
	})
	if err != nil {
		transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		transport.Close()
		return fmt.Errorf("parse initialize result: %w", err)
	}

	if err := transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}

	tools, err := listTools(ctx, transport)
	if err != nil {
		transport.Close()
		return fmt.Errorf("tools/list: %w", err)
	}

	c.transport = transport
	c.serverInfo = initResult.ServerInfo
	c.tools = tools
	c.dead = false

	c.logger.Info("connected to tool bridge",
		"server", c.serverInfo.Name,
		"version", c.serverInfo.Version,
		"tools", len(tools))

	go c.forwardNotifications(transport)
	return nil
}

func listTools(ctx context.Context, transport Transport) ([]*ToolDescriptor, error) {
	result, err := transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var resp ListToolsResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("parse tools: %w", err)
	}
	return resp.Tools, nil
}

// forwardNotifications surfaces server-side notifications on the log callback.
func (c *Client) forwardNotifications(transport Transport) {
	for notif := range transport.Events() {
		if notif == nil {
			continue
		}
		c.emitLog(fmt.Sprintf("notification %s: %s", notif.Method, string(notif.Params)), "info")
	}
}

// Close shuts down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil {
		return nil
	}
	err := c.transport.Close()
	c.transport = nil
	return err
}

// Connected reports whether the bridge connection is up.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transport != nil && c.transport.Connected() && !c.dead
}

// ServerInfo returns the connected server's identity.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// ListTools returns the tool descriptors cached at connect time.
func (c *Client) ListTools() []*ToolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// RunTool invokes a named tool and returns its textual result. Calls are
// serialized; a lost connection triggers up to 3 reconnects with exponential
// backoff (1s, 2s, 4s) before the client goes dead and fails fast.
func (c *Client) RunTool(ctx context.Context, name string, args map[string]any) (string, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	c.mu.RLock()
	dead := c.dead
	transport := c.transport
	c.mu.RUnlock()

	if dead {
		return "", ErrConnectionLost
	}
	if transport == nil {
		return "", fmt.Errorf("%w: not connected", ErrConnectionLost)
	}

	result, err := c.callTool(ctx, transport, name, args)
	if err == nil {
		return c.handleResult(name, result)
	}
	if !errors.Is(err, ErrConnectionLost) {
		return "", err
	}

	// Connection dropped mid-call: reconnect and retry.
	policy := backoff.Reconnect()
	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		delay := policy.Compute(attempt)
		c.logger.Warn("bridge connection lost, reconnecting",
			"attempt", attempt, "delay", delay)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}

		c.mu.Lock()
		if c.transport != nil {
			c.transport.Close()
		}
		c.transport = nil
		reconnectErr := c.connectLocked(ctx)
		transport = c.transport
		c.mu.Unlock()

		if reconnectErr != nil {
			c.logger.Warn("reconnect failed", "attempt", attempt, "error", reconnectErr)
			continue
		}

		result, err = c.callTool(ctx, transport, name, args)
		if err == nil {
			return c.handleResult(name, result)
		}
		if !errors.Is(err, ErrConnectionLost) {
			return "", err
		}
	}

	c.mu.Lock()
	c.dead = true
	c.mu.Unlock()
	c.emitLog("tool bridge connection lost; reconnects exhausted", "error")
	return "", ErrConnectionLost
}

func (c *Client) callTool(ctx context.Context, transport Transport, name string, args map[string]any) (*ToolCallResult, error) {
	params := CallToolParams{Name: name}
	if args != nil {
		argsJSON, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments: %w", err)
		}
		params.Arguments = argsJSON
	}

	result, err := transport.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}

	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("parse result: %w", err)
	}
	return &callResult, nil
}

func (c *Client) handleResult(name string, result *ToolCallResult) (string, error) {
	text := result.Text()
	if result.IsError {
		c.emitLog(fmt.Sprintf("%s failed: %s", name, text), "error")
		return "", &ToolError{Tool: name, Message: text}
	}
	c.emitLog(fmt.Sprintf("%s: %s", name, truncate(text, 500)), "info")
	return text, nil
}

func (c *Client) emitLog(message, level string) {
	if c.onLog != nil {
		c.onLog(message, level)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
