package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/forgeflow/forgeflow/internal/config"
	"github.com/forgeflow/forgeflow/internal/llm"
)

// maxEmptyStreamEvents bounds consecutive SSE events that produce no output.
// A stream stuck past this threshold is treated as malformed and aborted.
const maxEmptyStreamEvents = 300

const defaultMaxTokens = 8192

// AnthropicProvider implements llm.Provider against the Anthropic Messages
// API. Each Complete call creates an independent stream and goroutine; the
// provider itself is safe for concurrent use.
type AnthropicProvider struct {
	BaseProvider
	client      anthropic.Client
	temperature float64
}

// NewAnthropicProvider creates a provider from the runtime LLM config.
func NewAnthropicProvider(cfg config.LLMConfig) *AnthropicProvider {
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		BaseProvider: NewBaseProvider("anthropic", cfg.MaxRetries, time.Second),
		client:       anthropic.NewClient(options...),
		temperature:  cfg.Temperature,
	}
}

// Name returns the provider identifier.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete streams a completion. Stream creation is retried on transient
// failures; once any chunk has been delivered a failure surfaces as an error
// chunk instead.
func (p *AnthropicProvider) Complete(ctx context.Context, req *llm.Request) (<-chan *llm.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, NewProviderError(p.name, req.Model, err)
	}

	chunks := make(chan *llm.Chunk, 16)
	go func() {
		defer close(chunks)

		emitted := false
		err := p.Retry(ctx, func(err error) bool {
			return !emitted && isRetryableError(err)
		}, func() error {
			stream := p.client.Messages.NewStreaming(ctx, params)
			return p.processStream(stream, chunks, req.Model, &emitted)
		})
		if err != nil {
			chunks <- &llm.Chunk{Err: NewProviderError(p.name, req.Model, err), Done: true}
		}
	}()
	return chunks, nil
}

// CompleteOnce performs a non-streaming completion and returns the
// concatenated text blocks. Used as the fallback path when streaming fails.
func (p *AnthropicProvider) CompleteOnce(ctx context.Context, req *llm.Request) (string, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return "", NewProviderError(p.name, req.Model, err)
	}

	var text string
	err = p.Retry(ctx, isRetryableError, func() error {
		message, err := p.client.Messages.New(ctx, params)
		if err != nil {
			return err
		}
		var sb strings.Builder
		for _, block := range message.Content {
			if block.Type == "text" {
				sb.WriteString(block.Text)
			}
		}
		text = sb.String()
		return nil
	})
	if err != nil {
		return "", NewProviderError(p.name, req.Model, err)
	}
	return text, nil
}

func (p *AnthropicProvider) buildParams(req *llm.Request) (anthropic.MessageNewParams, error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.System},
		}
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.temperature
	}
	if temperature > 0 {
		params.Temperature = anthropic.Float(temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// processStream consumes SSE events and translates them into chunks. Text
// deltas stream out immediately; tool-call input JSON is accumulated across
// deltas and emitted whole on content_block_stop.
func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *llm.Chunk, model string, emitted *bool) error {
	var currentToolCall *llm.ToolCall
	var currentToolInput strings.Builder
	emptyEventCount := 0

	var inputTokens int
	var outputTokens int

	for stream.Next() {
		event := stream.Current()
		eventProcessed := false

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			if messageStart.Message.Usage.InputTokens > 0 {
				inputTokens = int(messageStart.Message.Usage.InputTokens)
			}
			eventProcessed = true

		case "content_block_start":
			contentBlockStart := event.AsContentBlockStart()
			contentBlock := contentBlockStart.ContentBlock
			if contentBlock.Type == "tool_use" {
				toolUse := contentBlock.AsToolUse()
				currentToolCall = &llm.ToolCall{
					ID:   toolUse.ID,
					Name: toolUse.Name,
				}
				currentToolInput.Reset()
				eventProcessed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					*emitted = true
					chunks <- &llm.Chunk{Text: delta.Text}
					eventProcessed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					eventProcessed = true
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				input := currentToolInput.String()
				if input == "" {
					input = "{}"
				}
				currentToolCall.Input = json.RawMessage(input)
				*emitted = true
				chunks <- &llm.Chunk{ToolCall: currentToolCall}
				currentToolCall = nil
				eventProcessed = true
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				outputTokens = int(messageDelta.Usage.OutputTokens)
			}
			eventProcessed = true

		case "message_stop":
			*emitted = true
			chunks <- &llm.Chunk{
				Done:         true,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			}
			return nil

		case "error":
			return errors.New("anthropic stream error")
		}

		if eventProcessed {
			emptyEventCount = 0
		} else {
			emptyEventCount++
			if emptyEventCount >= maxEmptyStreamEvents {
				return fmt.Errorf("stream appears malformed: %d consecutive empty events", emptyEventCount)
			}
		}
	}

	if err := stream.Err(); err != nil {
		return err
	}
	return fmt.Errorf("stream ended without message_stop")
}

// convertMessages translates the unified message format into Anthropic
// MessageParams. Tool results ride on user messages, tool calls on assistant
// messages.
func (p *AnthropicProvider) convertMessages(messages []llm.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == "system" {
			continue // carried via params.System
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, toolResult := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(
				toolResult.ToolCallID,
				toolResult.Content,
				toolResult.IsError,
			))
		}
		for _, toolCall := range msg.ToolCalls {
			var input any
			if len(toolCall.Input) > 0 {
				if err := json.Unmarshal(toolCall.Input, &input); err != nil {
					return nil, fmt.Errorf("tool call %s input: %w", toolCall.ID, err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(
				toolCall.ID,
				input,
				toolCall.Name,
			))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func (p *AnthropicProvider) convertTools(tools []llm.ToolDef) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(tool.Schema) > 0 {
			if err := json.Unmarshal(tool.Schema, &schema); err != nil {
				return nil, fmt.Errorf("tool %s schema: %w", tool.Name, err)
			}
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if tool.Description != "" {
			toolParam.OfTool.Description = anthropic.String(tool.Description)
		}
		result = append(result, toolParam)
	}
	return result, nil
}
