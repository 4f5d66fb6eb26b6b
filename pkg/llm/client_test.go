package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(endpoint string) *HTTPClient {
	return NewHTTPClient(&Config{
		Endpoint:   endpoint,
		Model:      "test-model",
		RetryDelay: time.Millisecond,
	}, testLogger())
}

func completionReply(content string) string {
	quoted, _ := json.Marshal(content)
	return `{"choices":[{"message":{"content":` + string(quoted) + `}}],"usage":{"total_tokens":42}}`
}

func TestCompleteReturnsFirstChoice(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Empty(t, r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "user", req.Messages[1].Role)
		assert.Equal(t, "summarize this paper", req.Messages[1].Content)

		w.Write([]byte(completionReply("<title>Hello</title>")))
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	content, err := client.Complete(context.Background(), "summarize this paper")

	require.NoError(t, err)
	assert.Equal(t, "<title>Hello</title>", content)
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests))
}

func TestCompleteSendsBearerToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Write([]byte(completionReply("ok")))
	}))
	defer server.Close()

	client := NewHTTPClient(&Config{
		Endpoint:   server.URL,
		APIKey:     "sk-test",
		Model:      "test-model",
		RetryDelay: time.Millisecond,
	}, testLogger())

	_, err := client.Complete(context.Background(), "prompt")
	require.NoError(t, err)
}

func TestCompleteRetriesOnceOnServerError(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(completionReply("recovered")))
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	content, err := client.Complete(context.Background(), "prompt")

	require.NoError(t, err)
	assert.Equal(t, "recovered", content)
	assert.Equal(t, int32(2), atomic.LoadInt32(&requests))
}

func TestCompleteGivesUpAfterSingleRetry(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	_, err := client.Complete(context.Background(), "prompt")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Equal(t, int32(2), atomic.LoadInt32(&requests))
}

func TestCompleteDoesNotRetryClientError(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	_, err := client.Complete(context.Background(), "prompt")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests))
}

func TestCompleteRejectsEmptyChoices(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	_, err := client.Complete(context.Background(), "prompt")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
	// A structurally empty reply is not transient, so no retry.
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests))
}

func TestCompleteAppliesDefaultModel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, DefaultConfig().Model, req.Model)
		assert.Equal(t, DefaultConfig().MaxTokens, req.MaxTokens)
		w.Write([]byte(completionReply("ok")))
	}))
	defer server.Close()

	client := NewHTTPClient(&Config{Endpoint: server.URL, RetryDelay: time.Millisecond}, testLogger())

	_, err := client.Complete(context.Background(), "prompt")
	require.NoError(t, err)
}

func TestCompleteHonorsContextDuringRetryDelay(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewHTTPClient(&Config{
		Endpoint:   server.URL,
		Model:      "test-model",
		RetryDelay: 10 * time.Second,
	}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Complete(ctx, "prompt")

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests))
}
