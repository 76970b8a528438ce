package client

import (
	"context"

	"google.golang.org/genai"

	"feelinglocal-core/internal/domain/entity"
)

type Embedder struct {
	client *genai.Client
	model  string // e.g., "text-embedding-004"
}

func NewEmbedderFromClient(c *genai.Client, model string) *Embedder {
	return &Embedder{
		client: c,
		model:  model,
	}
}

func (e *Embedder) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	res, err := e.client.Models.EmbedContent(ctx, e.model, genai.Text(text), nil)
	if err != nil {
		return nil, providerErr("client.embed", err)
	}
	if len(res.Embeddings) == 0 || len(res.Embeddings[0].Values) == 0 {
		return nil, entity.NewError(entity.KindBackend, "client.embed", "no embedding returned", nil)
	}
	return res.Embeddings[0].Values, nil
}
