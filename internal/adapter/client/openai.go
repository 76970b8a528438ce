package client

import (
	"context"
	"strings"

	"github.com/sashabaranov/go-openai"

	"feelinglocal-core/internal/domain/entity"
)

// OpenAIEngine serves one engine profile through the chat completions API.
type OpenAIEngine struct {
	client      *openai.Client
	name        string
	model       string
	temperature float32
}

// NewOpenAIClient builds a client; an empty baseURL keeps the public endpoint.
func NewOpenAIClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

func NewOpenAIEngine(c *openai.Client, name, model string, temperature float32) *OpenAIEngine {
	if model == "" {
		model = name
	}
	return &OpenAIEngine{client: c, name: name, model: model, temperature: temperature}
}

func (o *OpenAIEngine) Name() string { return o.name }

func (o *OpenAIEngine) Invoke(ctx context.Context, req entity.EngineRequest) (*entity.EngineResponse, error) {
	model := o.model
	if req.ModelID != "" {
		model = req.ModelID
	}
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemInstruction != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemInstruction})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: o.temperature,
	})
	if err != nil {
		return nil, providerErr("client.openai", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return nil, entity.NewError(entity.KindBackend, "client.openai", "empty completion from "+model, nil)
	}
	return &entity.EngineResponse{
		Text:        resp.Choices[0].Message.Content,
		UsageTokens: resp.Usage.TotalTokens,
		Model:       resp.Model,
	}, nil
}
