package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"feelinglocal-core/internal/domain/entity"
)

func TestKindForStatus(t *testing.T) {
	cases := map[int]entity.ErrorKind{
		http.StatusTooManyRequests:     entity.KindTransient,
		http.StatusInternalServerError: entity.KindTransient,
		http.StatusServiceUnavailable:  entity.KindTransient,
		http.StatusRequestTimeout:      entity.KindTransient,
		http.StatusBadRequest:          entity.KindBackend,
		http.StatusUnauthorized:        entity.KindBackend,
		http.StatusOK:                  entity.KindInternal,
	}
	for code, want := range cases {
		assert.Equal(t, want, kindForStatus(code), "status %d", code)
	}
}

func TestProviderErr(t *testing.T) {
	assert.NoError(t, providerErr("op", nil))

	plain := errors.New("connection reset by peer")
	assert.Same(t, plain, providerErr("op", plain))

	err := providerErr("op", genai.APIError{Code: 429, Message: "quota"})
	assert.Equal(t, entity.KindTransient, entity.KindOf(err))

	err = providerErr("op", &openai.APIError{HTTPStatusCode: 401, Message: "bad key"})
	assert.Equal(t, entity.KindBackend, entity.KindOf(err))

	err = providerErr("op", &openai.RequestError{HTTPStatusCode: 502, Err: errors.New("bad gateway")})
	assert.Equal(t, entity.KindTransient, entity.KindOf(err))
}

func chatServer(t *testing.T, status int, content string, seen *openai.ChatCompletionRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			_ = json.NewDecoder(r.Body).Decode(seen)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Model: "gpt-4.1-mini",
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content}},
			},
			Usage: openai.Usage{TotalTokens: 12},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIEngine_Invoke(t *testing.T) {
	var seen openai.ChatCompletionRequest
	srv := chatServer(t, http.StatusOK, "Bonjour", &seen)
	e := NewOpenAIEngine(NewOpenAIClient("key", srv.URL+"/v1"), "capable", "gpt-4.1-mini", 0.2)

	resp, err := e.Invoke(context.Background(), entity.EngineRequest{Prompt: "Hello", SystemInstruction: "Translate into French."})
	require.NoError(t, err)
	assert.Equal(t, "capable", e.Name())
	assert.Equal(t, "Bonjour", resp.Text)
	assert.Equal(t, 12, resp.UsageTokens)

	require.Len(t, seen.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, seen.Messages[0].Role)
	assert.Equal(t, "Hello", seen.Messages[1].Content)
	assert.Equal(t, "gpt-4.1-mini", seen.Model)
}

func TestOpenAIEngine_RateLimitIsTransient(t *testing.T) {
	srv := chatServer(t, http.StatusTooManyRequests, "", nil)
	e := NewOpenAIEngine(NewOpenAIClient("key", srv.URL+"/v1"), "capable", "", 0)

	_, err := e.Invoke(context.Background(), entity.EngineRequest{Prompt: "Hello"})
	require.Error(t, err)
	assert.ErrorIs(t, err, entity.ErrTransientBackend)
}

func TestOpenAIEngine_EmptyCompletion(t *testing.T) {
	srv := chatServer(t, http.StatusOK, "  ", nil)
	e := NewOpenAIEngine(NewOpenAIClient("key", srv.URL+"/v1"), "capable", "", 0)

	_, err := e.Invoke(context.Background(), entity.EngineRequest{Prompt: "Hello"})
	assert.Equal(t, entity.KindBackend, entity.KindOf(err))
}

type echoEngine struct{ got entity.EngineRequest }

func (e *echoEngine) Name() string { return "echo" }

func (e *echoEngine) Invoke(_ context.Context, req entity.EngineRequest) (*entity.EngineResponse, error) {
	e.got = req
	return &entity.EngineResponse{Text: "final"}, nil
}

func TestReviewer(t *testing.T) {
	e := &echoEngine{}
	out, err := NewReviewer(e).Review(context.Background(), "Hello", "Bonjuor", entity.Params{Mode: "legal", TargetLanguage: "fr"})
	require.NoError(t, err)
	assert.Equal(t, "final", out)
	assert.Contains(t, e.got.Prompt, "Draft:\nBonjuor")
	assert.Contains(t, e.got.SystemInstruction, "Target language: fr.")
	assert.Contains(t, e.got.SystemInstruction, "Domain: legal.")
}
