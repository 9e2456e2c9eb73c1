package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"google.golang.org/genai"

	"github.com/forgeflow/forgeflow/internal/config"
	"github.com/forgeflow/forgeflow/internal/llm"
)

// GoogleProvider implements llm.Provider for Google's Gemini API using the
// Gen AI Go SDK. Streaming uses the SDK's Go 1.23 iterator; function calls
// arrive whole per response, so no cross-chunk accumulation is needed.
type GoogleProvider struct {
	BaseProvider
	client      *genai.Client
	temperature float64
}

// toolCallSeq disambiguates IDs for tool calls within a process, since
// Gemini function calls carry no call ID of their own.
var toolCallSeq atomic.Int64

// NewGoogleProvider creates a provider from the runtime LLM config.
func NewGoogleProvider(cfg config.LLMConfig) (*GoogleProvider, error) {
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GoogleProvider{
		BaseProvider: NewBaseProvider("google", cfg.MaxRetries, time.Second),
		client:       client,
		temperature:  cfg.Temperature,
	}, nil
}

// Name returns the provider identifier.
func (p *GoogleProvider) Name() string { return "google" }

// Complete streams a completion. The whole stream is retried on transient
// failures until any chunk has been delivered.
func (p *GoogleProvider) Complete(ctx context.Context, req *llm.Request) (<-chan *llm.Chunk, error) {
	contents, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, NewProviderError(p.name, req.Model, err)
	}
	genConfig := p.buildConfig(req)

	chunks := make(chan *llm.Chunk, 16)
	go func() {
		defer close(chunks)

		emitted := false
		err := p.Retry(ctx, func(err error) bool {
			return !emitted && isRetryableError(err)
		}, func() error {
			streamIter := p.client.Models.GenerateContentStream(ctx, req.Model, contents, genConfig)

			for resp, err := range streamIter {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if err != nil {
					return err
				}
				if resp == nil {
					continue
				}
				for _, candidate := range resp.Candidates {
					if candidate == nil || candidate.Content == nil {
						continue
					}
					for _, part := range candidate.Content.Parts {
						if part == nil {
							continue
						}
						if part.Text != "" {
							emitted = true
							chunks <- &llm.Chunk{Text: part.Text}
						}
						if part.FunctionCall != nil {
							argsJSON, jsonErr := json.Marshal(part.FunctionCall.Args)
							if jsonErr != nil {
								argsJSON = []byte("{}")
							}
							emitted = true
							chunks <- &llm.Chunk{ToolCall: &llm.ToolCall{
								ID:    generateToolCallID(part.FunctionCall.Name),
								Name:  part.FunctionCall.Name,
								Input: argsJSON,
							}}
						}
					}
				}
			}
			return nil
		})

		if err != nil {
			chunks <- &llm.Chunk{Err: NewProviderError(p.name, req.Model, err), Done: true}
			return
		}
		chunks <- &llm.Chunk{Done: true}
	}()
	return chunks, nil
}

// CompleteOnce performs a non-streaming completion and returns the
// concatenated text parts.
func (p *GoogleProvider) CompleteOnce(ctx context.Context, req *llm.Request) (string, error) {
	contents, err := p.convertMessages(req.Messages)
	if err != nil {
		return "", NewProviderError(p.name, req.Model, err)
	}
	genConfig := p.buildConfig(req)

	var text string
	err = p.Retry(ctx, isRetryableError, func() error {
		resp, err := p.client.Models.GenerateContent(ctx, req.Model, contents, genConfig)
		if err != nil {
			return err
		}
		var sb strings.Builder
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part != nil && part.Text != "" {
					sb.WriteString(part.Text)
				}
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

func (p *GoogleProvider) buildConfig(req *llm.Request) *genai.GenerateContentConfig {
	genConfig := &genai.GenerateContentConfig{}

	if req.System != "" {
		genConfig.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{
				{Text: req.System},
			},
		}
	}
	if req.MaxTokens > 0 {
		maxTokens := min(req.MaxTokens, math.MaxInt32)
		genConfig.MaxOutputTokens = int32(maxTokens)
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.temperature
	}
	if temperature > 0 {
		genConfig.Temperature = genai.Ptr(float32(temperature))
	}
	if len(req.Tools) > 0 {
		genConfig.Tools = toGeminiTools(req.Tools)
	}
	return genConfig
}

// convertMessages maps the unified message format into Gemini Contents.
// Assistant turns use the "model" role; tool results come back from the user
// side as FunctionResponse parts.
func (p *GoogleProvider) convertMessages(messages []llm.Message) ([]*genai.Content, error) {
	var result []*genai.Content
	for _, msg := range messages {
		if msg.Role == "system" {
			continue // carried via SystemInstruction
		}

		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == "assistant" {
			content.Role = genai.RoleModel
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if len(tc.Input) > 0 {
				if err := json.Unmarshal(tc.Input, &args); err != nil {
					return nil, fmt.Errorf("tool call %s input: %w", tc.ID, err)
				}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					Name: tc.Name,
					Args: args,
				},
			})
		}
		for _, tr := range msg.ToolResults {
			response := map[string]any{"result": tr.Content}
			if tr.IsError {
				response = map[string]any{"error": tr.Content}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     toolNameFromCallID(tr.ToolCallID),
					Response: response,
				},
			})
		}
		if len(content.Parts) == 0 {
			continue
		}
		result = append(result, content)
	}
	return result, nil
}

// toGeminiTools converts tool definitions to Gemini function declarations.
func toGeminiTools(tools []llm.ToolDef) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}

	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema, &schemaMap); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  toGeminiSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{
		{FunctionDeclarations: declarations},
	}
}

// toGeminiSchema converts a JSON Schema map to Gemini's Schema type.
func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}

	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}

	return schema
}

// generateToolCallID fabricates a stable call ID of the form
// "<name>-<sequence>" so tool results can be matched back to calls.
func generateToolCallID(name string) string {
	return fmt.Sprintf("%s-%d", name, toolCallSeq.Add(1))
}

// toolNameFromCallID recovers the function name from a fabricated call ID.
func toolNameFromCallID(id string) string {
	if i := strings.LastIndex(id, "-"); i > 0 {
		return id[:i]
	}
	return id
}
