// Package agent implements the ReAct loop that drives one phase agent
// against the model caller and the tool bridge, plus the completion-marker
// classifier applied to each agent's final output.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/forgeflow/forgeflow/internal/bridge"
	"github.com/forgeflow/forgeflow/internal/llm"
)

// ErrRecursionLimit is returned when the tool-call loop exceeds the
// configured turn limit without the agent producing a final answer.
var ErrRecursionLimit = errors.New("agent exceeded recursion limit")

// DefaultRecursionLimit bounds tool-call turns per agent invocation.
const DefaultRecursionLimit = 500

// LoopPhase identifies where in the loop an error occurred.
type LoopPhase string

const (
	PhaseStream       LoopPhase = "stream"
	PhaseExecuteTools LoopPhase = "execute_tools"
)

// LoopError wraps a loop failure with its phase and iteration.
type LoopError struct {
	Agent     string
	Phase     LoopPhase
	Iteration int
	Cause     error
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("%s agent: %s phase, iteration %d: %v", e.Agent, e.Phase, e.Iteration, e.Cause)
}

func (e *LoopError) Unwrap() error { return e.Cause }

// ToolRunner executes a named tool. Satisfied by *bridge.Client.
type ToolRunner interface {
	RunTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// OutputFunc receives streamed agent text. Invoked synchronously from the
// loop goroutine; implementations must not block.
type OutputFunc func(text string)

// Spec describes one agent invocation.
type Spec struct {
	// Name identifies the agent for logging and error reporting.
	Name string

	// SystemPrompt and Instruction seed the conversation.
	SystemPrompt string
	Instruction  string

	Model       string
	Temperature float64
	MaxTokens   int

	// Tools offered to the model; calls dispatch to the ToolRunner.
	Tools []llm.ToolDef

	// OnOutput receives each text chunk as it streams. May be nil.
	OnOutput OutputFunc
}

// Runner executes agent invocations against a provider and tool bridge.
// Tool calls within one invocation run sequentially; the bridge serializes
// calls across invocations itself.
type Runner struct {
	tools          ToolRunner
	logger         *slog.Logger
	recursionLimit int

	// onToolCall is notified before each dispatched tool call. Used for
	// run metrics. May be nil.
	onToolCall func(name string)
}

// NewRunner creates a runner. recursionLimit <= 0 selects the default.
func NewRunner(tools ToolRunner, logger *slog.Logger, recursionLimit int) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if recursionLimit <= 0 {
		recursionLimit = DefaultRecursionLimit
	}
	return &Runner{
		tools:          tools,
		logger:         logger.With("component", "agent"),
		recursionLimit: recursionLimit,
	}
}

// SetToolCallHook registers a callback invoked before every tool dispatch.
func (r *Runner) SetToolCallHook(hook func(name string)) {
	r.onToolCall = hook
}

// Run drives the model with tool use until it produces a turn with no tool
// calls, then returns the concatenated assistant text. Streaming failures
// fall back to a non-streaming call with the accumulated messages.
func (r *Runner) Run(ctx context.Context, provider llm.Provider, spec Spec) (string, error) {
	messages := []llm.Message{
		{Role: "user", Content: spec.Instruction},
	}

	var finalText strings.Builder

	for iteration := 0; iteration < r.recursionLimit; iteration++ {
		if err := ctx.Err(); err != nil {
			return "", &LoopError{Agent: spec.Name, Phase: PhaseStream, Iteration: iteration, Cause: err}
		}

		req := &llm.Request{
			Model:       spec.Model,
			System:      spec.SystemPrompt,
			Messages:    messages,
			Tools:       spec.Tools,
			MaxTokens:   spec.MaxTokens,
			Temperature: spec.Temperature,
		}

		turnText, toolCalls, err := r.streamTurn(ctx, provider, req, spec.OnOutput)
		if err != nil {
			// Non-streaming fallback with the same messages.
			r.logger.Warn("streaming failed, falling back to single-shot call",
				"agent", spec.Name, "iteration", iteration, "error", err)
			turnText, err = r.fallbackTurn(ctx, provider, req, spec.OnOutput)
			if err != nil {
				return "", &LoopError{Agent: spec.Name, Phase: PhaseStream, Iteration: iteration, Cause: err}
			}
			toolCalls = nil
		}

		if turnText != "" {
			finalText.WriteString(turnText)
		}
		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   turnText,
			ToolCalls: toolCalls,
		})

		if len(toolCalls) == 0 {
			return finalText.String(), nil
		}

		results := make([]llm.ToolResult, 0, len(toolCalls))
		for _, call := range toolCalls {
			result, err := r.executeTool(ctx, call)
			if err != nil {
				return "", &LoopError{Agent: spec.Name, Phase: PhaseExecuteTools, Iteration: iteration, Cause: err}
			}
			results = append(results, result)
		}
		messages = append(messages, llm.Message{
			Role:        "user",
			ToolResults: results,
		})
	}

	return "", &LoopError{
		Agent:     spec.Name,
		Phase:     PhaseStream,
		Iteration: r.recursionLimit,
		Cause:     ErrRecursionLimit,
	}
}

// streamTurn consumes one streamed completion, forwarding text to onOutput
// and collecting tool calls.
func (r *Runner) streamTurn(ctx context.Context, provider llm.Provider, req *llm.Request, onOutput OutputFunc) (string, []llm.ToolCall, error) {
	chunks, err := provider.Complete(ctx, req)
	if err != nil {
		return "", nil, err
	}

	var text strings.Builder
	var toolCalls []llm.ToolCall

	for chunk := range chunks {
		if chunk.Err != nil {
			return "", nil, chunk.Err
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			if onOutput != nil {
				onOutput(chunk.Text)
			}
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
	}
	return text.String(), toolCalls, nil
}

// fallbackTurn performs the single-shot completion used when streaming
// fails. The output callback fires once with the whole result.
func (r *Runner) fallbackTurn(ctx context.Context, provider llm.Provider, req *llm.Request, onOutput OutputFunc) (string, error) {
	text, err := provider.CompleteOnce(ctx, req)
	if err != nil {
		return "", err
	}
	if onOutput != nil && text != "" {
		onOutput(text)
	}
	return text, nil
}

// executeTool dispatches one tool call to the bridge. Tool-level failures
// come back to the model as error results so it can correct course;
// transport failures abort the loop.
func (r *Runner) executeTool(ctx context.Context, call llm.ToolCall) (llm.ToolResult, error) {
	if r.onToolCall != nil {
		r.onToolCall(call.Name)
	}

	args, err := decodeToolArgs(call.Input)
	if err != nil {
		return llm.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("invalid tool arguments: %v", err),
			IsError:    true,
		}, nil
	}

	result, err := r.tools.RunTool(ctx, call.Name, args)
	if err != nil {
		// Tool-level errors feed back to the model; transport errors abort.
		var toolErr *bridge.ToolError
		if errors.As(err, &toolErr) {
			return llm.ToolResult{
				ToolCallID: call.ID,
				Content:    toolErr.Message,
				IsError:    true,
			}, nil
		}
		return llm.ToolResult{}, fmt.Errorf("tool %s: %w", call.Name, err)
	}

	return llm.ToolResult{
		ToolCallID: call.ID,
		Content:    result,
	}, nil
}

func decodeToolArgs(input json.RawMessage) (map[string]any, error) {
	if len(input) == 0 {
		return nil, nil
	}
	var args map[string]any
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, err
	}
	return args, nil
}
