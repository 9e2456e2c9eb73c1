package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/forgeflow/forgeflow/internal/config"
	"github.com/forgeflow/forgeflow/internal/llm"
)

// OpenAIProvider implements llm.Provider for OpenAI chat models. Unlike the
// Anthropic API, the system prompt lives in the messages array, tool calls
// stream incrementally and must be accumulated, and each tool result is a
// separate "tool" role message.
type OpenAIProvider struct {
	BaseProvider
	client      *openai.Client
	temperature float64
}

// NewOpenAIProvider creates a provider from the runtime LLM config.
func NewOpenAIProvider(cfg config.LLMConfig) *OpenAIProvider {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		BaseProvider: NewBaseProvider("openai", cfg.MaxRetries, time.Second),
		client:       openai.NewClientWithConfig(clientConfig),
		temperature:  cfg.Temperature,
	}
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string { return "openai" }

// Complete streams a completion. Stream creation is retried on transient
// failures; mid-stream errors surface as error chunks.
func (p *OpenAIProvider) Complete(ctx context.Context, req *llm.Request) (<-chan *llm.Chunk, error) {
	chatReq := p.buildRequest(req)

	var stream *openai.ChatCompletionStream
	err := p.Retry(ctx, isRetryableError, func() error {
		var streamErr error
		stream, streamErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		return streamErr
	})
	if err != nil {
		return nil, NewProviderError(p.name, req.Model, err)
	}

	chunks := make(chan *llm.Chunk, 16)
	go p.processStream(ctx, stream, chunks, req.Model)
	return chunks, nil
}

// CompleteOnce performs a non-streaming completion and returns the message
// content.
func (p *OpenAIProvider) CompleteOnce(ctx context.Context, req *llm.Request) (string, error) {
	chatReq := p.buildRequest(req)

	var text string
	err := p.Retry(ctx, isRetryableError, func() error {
		resp, err := p.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("empty response")
		}
		text = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", NewProviderError(p.name, req.Model, err)
	}
	return text, nil
}

func (p *OpenAIProvider) buildRequest(req *llm.Request) openai.ChatCompletionRequest {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: p.convertMessages(req.Messages, req.System),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.temperature
	}
	if temperature > 0 {
		chatReq.Temperature = float32(temperature)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertTools(req.Tools)
	}
	return chatReq
}

// processStream accumulates incremental tool-call deltas by index and emits
// them once the finish reason signals completion; text deltas stream through
// immediately.
func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *llm.Chunk, model string) {
	defer close(chunks)
	defer stream.Close()

	toolCalls := make(map[int]*llm.ToolCall)

	flush := func() {
		for _, tc := range toolCalls {
			if tc.ID != "" && tc.Name != "" {
				if len(tc.Input) == 0 {
					tc.Input = json.RawMessage("{}")
				}
				chunks <- &llm.Chunk{ToolCall: tc}
			}
		}
		toolCalls = make(map[int]*llm.ToolCall)
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &llm.Chunk{Err: ctx.Err(), Done: true}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				flush()
				chunks <- &llm.Chunk{Done: true}
				return
			}
			chunks <- &llm.Chunk{Err: NewProviderError(p.name, model, err), Done: true}
			return
		}

		if len(response.Choices) == 0 {
			continue
		}
		delta := response.Choices[0].Delta

		if delta.Content != "" {
			chunks <- &llm.Chunk{Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &llm.ToolCall{}
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[index].Input = append(toolCalls[index].Input, tc.Function.Arguments...)
			}
		}

		if response.Choices[0].FinishReason == "tool_calls" {
			flush()
		}
	}
}

func (p *OpenAIProvider) convertMessages(messages []llm.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		if msg.Role == "system" {
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
			continue
		}

		oaiMsg := openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
		if len(msg.ToolCalls) > 0 {
			oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls[i] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				}
			}
		}

		// Tool results become separate "tool" role messages.
		if len(msg.ToolResults) > 0 {
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
			continue
		}

		result = append(result, oaiMsg)
	}
	return result
}

func (p *OpenAIProvider) convertTools(tools []llm.ToolDef) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var params any
		if len(tool.Schema) > 0 {
			if err := json.Unmarshal(tool.Schema, &params); err != nil {
				params = map[string]any{"type": "object"}
			}
		} else {
			params = map[string]any{"type": "object"}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		}
	}
	return result
}
