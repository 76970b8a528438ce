package client

import (
	"context"
	"strings"

	"google.golang.org/genai"

	"feelinglocal-core/internal/domain/entity"
)

// GeminiEngine serves one engine profile from a Gemini model.
type GeminiEngine struct {
	client      *genai.Client
	name        string
	model       string
	temperature float32
}

func NewGeminiClient(ctx context.Context, projectID, location string) (*genai.Client, error) {
	return genai.NewClient(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
}

// NewGeminiEngine uses model under the profile name; model defaults to name.
func NewGeminiEngine(c *genai.Client, name, model string, temperature float32) *GeminiEngine {
	if model == "" {
		model = name
	}
	return &GeminiEngine{client: c, name: name, model: model, temperature: temperature}
}

func (g *GeminiEngine) Name() string { return g.name }

func (g *GeminiEngine) Invoke(ctx context.Context, req entity.EngineRequest) (*entity.EngineResponse, error) {
	model := g.model
	if req.ModelID != "" {
		model = req.ModelID
	}
	cfg := &genai.GenerateContentConfig{Temperature: genai.Ptr(g.temperature)}
	if req.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}

	result, err := g.client.Models.GenerateContent(ctx, model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return nil, providerErr("client.gemini", err)
	}
	text := result.Text()
	if strings.TrimSpace(text) == "" {
		return nil, entity.NewError(entity.KindBackend, "client.gemini", "empty completion from "+model, nil)
	}

	resp := &entity.EngineResponse{Text: text, Model: model}
	if result.UsageMetadata != nil {
		resp.UsageTokens = int(result.UsageMetadata.TotalTokenCount)
	}
	return resp, nil
}
