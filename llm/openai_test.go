package llm

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
	"go.uber.org/zap"
)

func TestNewOpenAIClientValidates(t *testing.T) {
	_, err := NewOpenAIClient("", "", DefaultModel, zap.NewNop())
	require.Error(t, err)
	_, err = NewOpenAIClient("", DefaultBaseURL, "", zap.NewNop())
	require.Error(t, err)
}

func TestGetReplySendsSingleUserTurn(t *testing.T) {
	var got openai.ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","model":"llama3.2:3b",
			"choices":[{"index":0,"message":{"role":"assistant","content":"Hi there!"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":1,"completion_tokens":3,"total_tokens":4}}`))
	}))
	defer srv.Close()

	client, err := NewOpenAIClient("", srv.URL+"/v1/", DefaultModel, zap.NewNop())
	require.NoError(t, err)

	reply, err := client.GetReply(context.Background(), "Hello")
	require.NoError(t, err)
	require.Equal(t, "Hi there!", reply)

	require.Equal(t, DefaultModel, got.Model)
	require.False(t, got.Stream)
	require.Len(t, got.Messages, 1)
	require.Equal(t, openai.ChatMessageRoleUser, got.Messages[0].Role)
	require.Equal(t, "Hello", got.Messages[0].Content)
}

func TestGetReplyEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[]}`))
	}))
	defer srv.Close()

	client, err := NewOpenAIClient("", srv.URL+"/v1", DefaultModel, zap.NewNop())
	require.NoError(t, err)

	_, err = client.GetReply(context.Background(), "Hello")
	require.True(t, errors.Is(err, ErrEmptyReply))
}

func TestGetReplyBlankContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"  \n"}}]}`))
	}))
	defer srv.Close()

	client, err := NewOpenAIClient("", srv.URL+"/v1", DefaultModel, zap.NewNop())
	require.NoError(t, err)

	_, err = client.GetReply(context.Background(), "Hello")
	require.ErrorIs(t, err, ErrEmptyReply)
}

func TestGetReplyServiceUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"model \"llama3.2:3b\" not found"}}`))
	}))
	defer srv.Close()

	client, err := NewOpenAIClient("", srv.URL+"/v1", DefaultModel, zap.NewNop())
	require.NoError(t, err)

	_, err = client.GetReply(context.Background(), "Hello")
	require.Error(t, err)
	var apiErr *openai.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusServiceUnavailable, apiErr.HTTPStatusCode)
}
