package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concierge/internal/config"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func completionJSON(content string) string {
	return `{"id":"cmpl-1","choices":[{"index":0,"message":{"role":"assistant","content":` +
		mustMarshal(content) + `},"finish_reason":"stop"}]}`
}

func mustMarshal(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestOpenAIClient_Complete(t *testing.T) {
	var gotAuth string
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)

		w.Write([]byte(completionJSON("  hello  ")))
	})

	c := NewOpenAIClientWithConfig(OpenAIConfig{
		APIKey:  "key",
		BaseURL: srv.URL,
		Model:   "gpt-4o-mini",
		Timeout: 5 * time.Second,
	})

	out, err := c.Complete(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello", out, "response must be trimmed")
	assert.Equal(t, "Bearer key", gotAuth)
}

func TestOpenAIClient_SystemPrompt(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "be brief", req.Messages[0].Content)

		w.Write([]byte(completionJSON("ok")))
	})

	c := NewOpenAIClientWithConfig(OpenAIConfig{APIKey: "key", BaseURL: srv.URL, Timeout: 5 * time.Second})
	_, err := c.CompleteWithSystem(context.Background(), "be brief", "hi")
	require.NoError(t, err)
}

func TestOpenAIClient_AzureAuthHeader(t *testing.T) {
	var gotKey, gotBearer string
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("api-key")
		gotBearer = r.Header.Get("Authorization")
		w.Write([]byte(completionJSON("ok")))
	})

	c := NewOpenAIClientWithConfig(OpenAIConfig{
		APIKey: "azkey", BaseURL: srv.URL, AzureAuth: true, Timeout: 5 * time.Second,
	})
	_, err := c.Complete(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "azkey", gotKey)
	assert.Empty(t, gotBearer)
}

func TestOpenAIClient_RetriesOn429(t *testing.T) {
	var calls int32
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(completionJSON("recovered")))
	})

	c := NewOpenAIClientWithConfig(OpenAIConfig{APIKey: "key", BaseURL: srv.URL, Timeout: 5 * time.Second})
	out, err := c.Complete(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestOpenAIClient_ServerErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`boom`))
	})

	c := NewOpenAIClientWithConfig(OpenAIConfig{APIKey: "key", BaseURL: srv.URL, Timeout: 5 * time.Second})
	_, err := c.Complete(context.Background(), "hi")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestOpenAIClient_MissingKey(t *testing.T) {
	c := NewOpenAIClient("")
	_, err := c.Complete(context.Background(), "hi")
	assert.Error(t, err)
}

func TestOpenAIClient_APIErrorBody(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":{"message":"quota exhausted","type":"insufficient_quota"}}`))
	})

	c := NewOpenAIClientWithConfig(OpenAIConfig{APIKey: "key", BaseURL: srv.URL, Timeout: 5 * time.Second})
	_, err := c.Complete(context.Background(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exhausted")
}

func TestNewClientFromConfig(t *testing.T) {
	t.Run("openai", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.LLM.APIKey = "k"
		c, err := NewClientFromConfig(cfg)
		require.NoError(t, err)
		assert.IsType(t, &OpenAIClient{}, c)
	})

	t.Run("azure", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.LLM.Provider = "azure"
		cfg.LLM.APIKey = "k"
		c, err := NewClientFromConfig(cfg)
		require.NoError(t, err)
		assert.True(t, c.(*OpenAIClient).azureAuth)
	})

	t.Run("unknown provider", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.LLM.Provider = "carrier-pigeon"
		_, err := NewClientFromConfig(cfg)
		assert.Error(t, err)
	})
}
