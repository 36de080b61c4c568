package llamacpp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	c, err := NewClient("")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", c.baseURL)

	c, err = NewClient("http://gpu-box:8080/")
	require.NoError(t, err)
	assert.Equal(t, "http://gpu-box:8080", c.baseURL)

	_, err = NewClient("gpu-box:8080")
	assert.Error(t, err)
}

func TestSimpleQuery(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		_, _ = w.Write([]byte(`{"id":"1","choices":[{"index":0,"message":{"role":"assistant","content":"{\"probability\": 0.12}"}}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	reply, err := c.SimpleQuery(context.Background(), "qwen2-vl", "grade", "QUJD")
	require.NoError(t, err)
	assert.Equal(t, `{"probability": 0.12}`, reply)

	assert.Equal(t, "qwen2-vl", got["model"])
	assert.EqualValues(t, 0, got["temperature"])
	messages := got["messages"].([]any)
	require.Len(t, messages, 1)
	parts := messages[0].(map[string]any)["content"].([]any)
	require.Len(t, parts, 2)
	imagePart := parts[1].(map[string]any)
	assert.Equal(t, "data:image/jpeg;base64,QUJD", imagePart["image_url"].(map[string]any)["url"])
}

func TestSimpleQueryArrayContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":[{"type":"text","text":"{\"probability\":0.5}"}]}}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	reply, err := c.SimpleQuery(context.Background(), "m", "p", "")
	require.NoError(t, err)
	assert.Equal(t, `{"probability":0.5}`, reply)
}

func TestSimpleQueryErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"status", http.StatusServiceUnavailable, `{"error":"loading model"}`},
		{"no choices", http.StatusOK, `{"choices":[]}`},
		{"empty content", http.StatusOK, `{"choices":[{"message":{"role":"assistant","content":""}}]}`},
		{"not json", http.StatusOK, `<html>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := NewClient(srv.URL)
			require.NoError(t, err)

			_, err = c.SimpleQuery(context.Background(), "m", "p", "QUJD")
			assert.Error(t, err)
		})
	}
}

func TestCheck(t *testing.T) {
	ready := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/health"))
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	assert.NoError(t, c.Check(context.Background()))

	ready = false
	assert.Error(t, c.Check(context.Background()))
}
