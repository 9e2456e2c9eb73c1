package models

import (
	"encoding/json"
	"time"
)

// EventType identifies a server-to-client WebSocket event.
type EventType string

const (
	// EventSystemStatus carries lifecycle and progress updates.
	EventSystemStatus EventType = "system_status"
	// EventAgentOutput carries streamed agent text {agent, content, level}.
	EventAgentOutput EventType = "agent_output"
	// EventPipelineUpdate carries {stage, status, details} transitions.
	EventPipelineUpdate EventType = "pipeline_update"
	// EventMCPLog carries tool-bridge traffic.
	EventMCPLog EventType = "mcp_log"
	// EventError carries {message, traceback?}.
	EventError EventType = "error"
	// EventKeepalive is the periodic liveness ping.
	EventKeepalive EventType = "keepalive"
)

// Event is the server → client envelope: {type, data, timestamp}.
type Event struct {
	Type      EventType `json:"type"`
	Data      any       `json:"data"`
	Timestamp string    `json:"timestamp"`
}

// NewEvent stamps an envelope with the current UTC time in ISO 8601.
func NewEvent(t EventType, data any) Event {
	return Event{Type: t, Data: data, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
}

// ClientCommand identifies a client-to-server control message.
type ClientCommand string

const (
	CommandStartSystem  ClientCommand = "start_system"
	CommandStopSystem   ClientCommand = "stop_system"
	CommandKeepaliveAck ClientCommand = "keepalive_ack"
)

// ClientMessage is the inbound control frame {type, data}.
type ClientMessage struct {
	Type ClientCommand   `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// StartConfig is the payload of start_system.data.config.
type StartConfig struct {
	ProjectID     string    `json:"project_id"`
	Mode          string    `json:"mode"` // analyze | implement | single_issue
	SpecificIssue int       `json:"specific_issue,omitempty"`
	AutoMerge     bool      `json:"auto_merge,omitempty"`
	Debug         bool      `json:"debug,omitempty"`
	LLMConfig     LLMConfig `json:"llm_config"`
}

// LLMConfig is the nested model selection of start_system.
type LLMConfig struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
}

// AgentOutput is the payload of agent_output events.
type AgentOutput struct {
	Agent   string `json:"agent"`
	Content string `json:"content"`
	Level   string `json:"level,omitempty"`
}

// PipelineUpdate is the payload of pipeline_update events.
type PipelineUpdate struct {
	Stage   string `json:"stage"`  // planning | coding | testing | review
	Status  string `json:"status"` // pending | running | completed | failed
	Details string `json:"details,omitempty"`
}

// ErrorPayload is the payload of error events. Traceback is only populated
// in debug mode.
type ErrorPayload struct {
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

// ConnectionInfo describes one live WebSocket client.
type ConnectionInfo struct {
	ConnectionID   string    `json:"connection_id"`
	AcceptedAt     time.Time `json:"accepted_at"`
	LastPingSentAt time.Time `json:"last_ping_sent_at,omitempty"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// SessionState is the hub's mirror of supervisor progress, replayed to newly
// connected clients via system_status events.
type SessionState struct {
	Running       bool           `json:"running"`
	CurrentStage  string         `json:"current_stage,omitempty"`
	CurrentAgent  string         `json:"current_agent,omitempty"`
	CurrentIssue  int            `json:"current_issue,omitempty"`
	CurrentBranch string         `json:"current_branch,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	Stats         map[string]any `json:"stats,omitempty"`
}
