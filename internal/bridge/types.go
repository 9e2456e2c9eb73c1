// Package bridge implements the MCP client for the GitLab tool bridge: a
// single long-lived JSON-RPC 2.0 connection (stdio subprocess or HTTP) that
// proxies remote API calls for the agents.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Tool names the bridge must expose for the orchestrator to function.
const (
	ToolListIssues           = "list_issues"
	ToolGetIssue             = "get_issue"
	ToolListBranches         = "list_branches"
	ToolListMergeRequests    = "list_merge_requests"
	ToolCreateOrUpdateFile   = "create_or_update_file"
	ToolGetFileContents      = "get_file_contents"
	ToolGetRepoTree          = "get_repo_tree"
	ToolLatestPipelineForRef = "get_latest_pipeline_for_ref"
	ToolGetPipeline          = "get_pipeline"
	ToolGetPipelineJobs      = "get_pipeline_jobs"
	ToolGetJobTrace          = "get_job_trace"
)

// Sentinel errors for the failure modes callers branch on.
var (
	// ErrConnectionLost indicates the bridge connection is down and
	// reconnection has been exhausted.
	ErrConnectionLost = errors.New("bridge: connection lost")

	// ErrTimeout indicates a tool call exceeded its deadline.
	ErrTimeout = errors.New("bridge: tool call timeout")
)

// ToolError is a tool-level failure reported by the bridge (result with
// isError set). It is propagated to the caller, not retried.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Message)
}

// Config configures the bridge connection.
type Config struct {
	// Transport is "stdio" or "http".
	Transport string

	// Command and Args launch the bridge subprocess (stdio).
	Command string
	Args    []string
	Env     map[string]string
	WorkDir string

	// URL and Headers configure the http transport.
	URL     string
	Headers map[string]string

	// CallTimeout bounds each tool call. Default 60s.
	CallTimeout time.Duration
}

const TransportHTTP = "http"

// shellMetachars are rejected in subprocess commands to keep the launch
// path exec-only.
const shellMetachars = ";&|<>$`\\\"'\n"

// Validate checks the configuration for the selected transport.
func (c *Config) Validate() error {
	switch c.Transport {
	case "", "stdio":
		if c.Command == "" {
			return fmt.Errorf("bridge: command is required for stdio transport")
		}
		if strings.ContainsAny(c.Command, shellMetachars) {
			return fmt.Errorf("bridge: command contains shell metacharacters")
		}
		for _, arg := range c.Args {
			if strings.ContainsAny(arg, shellMetachars) {
				return fmt.Errorf("bridge: argument %q contains shell metacharacters", arg)
			}
		}
	case TransportHTTP:
		if c.URL == "" {
			return fmt.Errorf("bridge: url is required for http transport")
		}
	default:
		return fmt.Errorf("bridge: unknown transport %q", c.Transport)
	}
	return nil
}

// ToolDescriptor describes one tool exposed by the bridge.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// JSONRPCRequest is a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCNotification is a JSON-RPC 2.0 notification (no ID).
type JSONRPCNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCError is a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// InitializeResult is the server's response to the initialize handshake.
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ServerInfo      ServerInfo      `json:"serverInfo"`
}

// ServerInfo identifies the bridge implementation.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ListToolsResult is the tools/list response payload.
type ListToolsResult struct {
	Tools []*ToolDescriptor `json:"tools"`
}

// CallToolParams is the tools/call request payload.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolCallResult is the tools/call response payload.
type ToolCallResult struct {
	Content []ToolResultContent `json:"content"`
	IsError bool                `json:"isError,omitempty"`
}

// ToolResultContent is one content block of a tool result.
type ToolResultContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Text concatenates the textual content blocks of the result.
func (r *ToolCallResult) Text() string {
	var b strings.Builder
	for _, c := range r.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

// LogFunc receives every tool response so the UI can display bridge traffic.
// level is "info", "warn", or "error".
type LogFunc func(message, level string)
