// Package hub fans supervisor events out to WebSocket clients. Every event is
// kept in a bounded history ring so late-joining dashboards see the full run,
// and inbound control frames (start_system, stop_system, keepalive_ack) are
// routed to the run controller.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forgeflow/forgeflow/internal/config"
	"github.com/forgeflow/forgeflow/pkg/models"
)

const (
	defaultHistoryLimit      = 1000
	defaultKeepaliveInterval = 30 * time.Second
	defaultWriteTimeout      = 5 * time.Second

	// staleFactor is how many missed keepalive intervals mark a client stale.
	staleFactor = 4

	sendBufferSize  = 256
	maxPayloadBytes = 1 << 20
)

// Controller starts and stops supervisor runs on behalf of WebSocket clients.
type Controller interface {
	// StartRun launches a run; it fails while one is already in progress.
	StartRun(cfg models.StartConfig) error
	// StopRun cancels the active run's context. Returns false if idle.
	StopRun() bool
}

// Config tunes hub timing. Zero values take the documented defaults.
type Config struct {
	HistoryLimit      int
	KeepaliveInterval time.Duration
	WriteTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = defaultHistoryLimit
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = defaultKeepaliveInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	return c
}

// Hub is the broadcast center. It implements the supervisor's event sink.
type Hub struct {
	cfg        Config
	logger     *slog.Logger
	runtime    *config.Runtime
	controller Controller
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	conns   map[string]*connection
	history []models.Event
	session models.SessionState
}

// New creates a hub. The controller may be nil (events only, no control).
func New(cfg Config, logger *slog.Logger, runtime *config.Runtime, controller Controller) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:        cfg.withDefaults(),
		logger:     logger.With("component", "hub"),
		runtime:    runtime,
		controller: controller,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		conns: make(map[string]*connection),
	}
}

// Publish records the event in history and broadcasts it to every client.
// Events are serialized once; a client whose buffer is full is dropped.
func (h *Hub) Publish(event models.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("event not serializable", "type", event.Type, "error", err)
		return
	}

	h.mu.Lock()
	h.history = append(h.history, event)
	if len(h.history) > h.cfg.HistoryLimit {
		h.history = h.history[len(h.history)-h.cfg.HistoryLimit:]
	}
	h.updateSessionLocked(event)
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if !c.enqueue(data) {
			h.logger.Warn("client send buffer full, dropping connection", "connection_id", c.id)
			h.drop(c)
		}
	}
}

// Session returns the current session mirror.
func (h *Hub) Session() models.SessionState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.session
}

// ConnectionCount returns the number of live clients.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Connections snapshots the live clients for status reporting.
func (h *Hub) Connections() []models.ConnectionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]models.ConnectionInfo, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c.info())
	}
	return out
}

// Handler returns the WebSocket upgrade endpoint.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		// The backlog is queued while holding the lock and before the
		// connection joins the broadcast set, so live events always land
		// after the last replayed frame. The send channel is sized to hold
		// the whole backlog, which keeps the queueing non-blocking.
		h.mu.Lock()
		c := newConnection(h, conn, len(h.history)+sendBufferSize)
		replayed := 0
		for _, event := range h.history {
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			c.send <- data
			replayed++
		}
		h.conns[c.id] = c
		h.mu.Unlock()

		h.logger.Info("client connected", "connection_id", c.id, "history", replayed)

		go c.writeLoop()
		go c.readLoop()
	})
}

// Run drives the keepalive ticker until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.keepalive()
		}
	}
}

func (h *Hub) keepalive() {
	event := models.NewEvent(models.EventKeepalive, map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.RLock()
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	staleAfter := time.Duration(staleFactor) * h.cfg.KeepaliveInterval
	for _, c := range conns {
		if idle := c.idleFor(); idle > staleAfter {
			h.logger.Warn("client stale", "connection_id", c.id, "idle", idle)
		}
		c.markPing()
		if !c.enqueue(data) {
			h.drop(c)
		}
	}
}

func (h *Hub) drop(c *connection) {
	h.mu.Lock()
	_, live := h.conns[c.id]
	delete(h.conns, c.id)
	h.mu.Unlock()
	if live {
		c.close()
		h.logger.Info("client disconnected", "connection_id", c.id)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*connection)
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// handleMessage routes one inbound control frame.
func (h *Hub) handleMessage(c *connection, data []byte) {
	var msg models.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.sendError(c, "invalid message: "+err.Error())
		return
	}
	c.markActivity()

	switch msg.Type {
	case models.CommandStartSystem:
		h.handleStart(c, msg.Data)
	case models.CommandStopSystem:
		h.handleStop(c)
	case models.CommandKeepaliveAck:
		// markActivity above is the whole effect.
	default:
		h.sendError(c, "unknown command: "+string(msg.Type))
	}
}

func (h *Hub) handleStart(c *connection, data json.RawMessage) {
	if h.controller == nil {
		h.sendError(c, "no run controller attached")
		return
	}

	var payload struct {
		Config models.StartConfig `json:"config"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			h.sendError(c, "invalid start_system payload: "+err.Error())
			return
		}
	}

	if h.runtime != nil {
		override := config.LLMConfig{
			Provider:    payload.Config.LLMConfig.Provider,
			Model:       payload.Config.LLMConfig.Model,
			Temperature: payload.Config.LLMConfig.Temperature,
		}
		if err := h.runtime.OverrideLLM(override); err != nil {
			h.sendError(c, err.Error())
			return
		}
	}

	if err := h.controller.StartRun(payload.Config); err != nil {
		h.sendError(c, err.Error())
		return
	}
	h.logger.Info("run started by client", "connection_id", c.id,
		"project_id", payload.Config.ProjectID, "mode", payload.Config.Mode)
}

func (h *Hub) handleStop(c *connection) {
	if h.controller == nil {
		h.sendError(c, "no run controller attached")
		return
	}
	stopped := h.controller.StopRun()
	h.logger.Info("stop requested by client", "connection_id", c.id, "stopped", stopped)
	if !stopped {
		h.sendError(c, "no run in progress")
	}
}

// sendError delivers an error event to a single client, not the broadcast.
func (h *Hub) sendError(c *connection, message string) {
	event := models.NewEvent(models.EventError, models.ErrorPayload{Message: message})
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if !c.enqueue(data) {
		h.drop(c)
	}
}

// updateSessionLocked mirrors run progress for status endpoints. Caller holds
// the write lock.
func (h *Hub) updateSessionLocked(event models.Event) {
	switch event.Type {
	case models.EventSystemStatus:
		if data, ok := event.Data.(map[string]any); ok {
			if state, ok := data["state"].(string); ok {
				h.session.CurrentStage = state
				switch state {
				case "completed", "failed":
					h.session.Running = false
				default:
					if !h.session.Running {
						now := time.Now().UTC()
						h.session.StartedAt = &now
					}
					h.session.Running = true
				}
			}
		}
	case models.EventAgentOutput:
		if out, ok := event.Data.(models.AgentOutput); ok {
			h.session.CurrentAgent = out.Agent
		}
	case models.EventPipelineUpdate:
		if up, ok := event.Data.(models.PipelineUpdate); ok {
			h.session.CurrentStage = up.Stage
		}
	}
}
