package aiclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
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

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(&Config{
		BaseURL:    srv.URL,
		APIKey:     "test-key",
		TextModel:  "text-model",
		ImageModel: "image-model",
		MaxRetries: 2,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	c.initialBackoff = time.Millisecond
	return c
}

func TestNew_RequiresKeyAndModel(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := New(&Config{TextModel: "m", Logger: logger})
	assert.Error(t, err)

	_, err = New(&Config{APIKey: "k", Logger: logger})
	assert.Error(t, err)
}

func TestClient_GenerateText(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-model", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"  hello  "}}]}`))
	})

	text, err := c.GenerateText(context.Background(), "be brief", "say hi")
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	})

	text, err := c.GenerateText(context.Background(), "", "x")
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad prompt"}`))
	})

	_, err := c.GenerateText(context.Background(), "", "x")
	require.Error(t, err)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.StatusCode)
	assert.Contains(t, httpErr.Body, "bad prompt")
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.GenerateText(context.Background(), "", "x")
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_StopsOnContextCancel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	c.initialBackoff = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.GenerateText(ctx, "", "x")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_GenerateImage(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\nrest-of-image")
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/images/generations", r.URL.Path)
		var req imageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "image-model", req.Model)
		assert.Equal(t, "b64_json", req.ResponseFormat)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"b64_json": base64.StdEncoding.EncodeToString(png)}},
		})
	})

	img, err := c.GenerateImage(context.Background(), "a red ship")
	require.NoError(t, err)
	assert.Equal(t, png, img.Bytes)
	assert.Equal(t, "image/png", img.MimeType)

	_, err = c.GenerateImage(context.Background(), "   ")
	assert.Error(t, err)
}
