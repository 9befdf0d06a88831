package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	client := NewClient()
	assert.Equal(t, 30*time.Second, client.timeout)
	assert.Equal(t, "operative-gateway/1.0", client.headers["User-Agent"])
	assert.Equal(t, 0, client.retries)

	custom := NewClient(
		WithTimeout(10*time.Second),
		WithHeaders(map[string]string{"X-Custom": "value"}),
		WithRetries(3),
	)
	assert.Equal(t, 10*time.Second, custom.timeout)
	assert.Equal(t, "value", custom.headers["X-Custom"])
	assert.Equal(t, 3, custom.retries)
}

func TestClientPostJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"echo": body["name"]})
	}))
	defer server.Close()

	client := NewClient(WithHeaders(map[string]string{"X-Token": "secret"}))
	var out map[string]any
	require.NoError(t, client.PostJSON(context.Background(), server.URL, map[string]any{"name": "x"}, &out))
	assert.Equal(t, "x", out["echo"])
}

func TestClientPostJSON_EmptyBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	var out map[string]any
	require.NoError(t, NewClient().PostJSON(context.Background(), server.URL, map[string]any{}, &out))
	assert.Nil(t, out)
}

func TestClientPostJSON_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream unavailable\n"))
	}))
	defer server.Close()

	err := NewClient().PostJSON(context.Background(), server.URL, map[string]any{}, nil)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	assert.Equal(t, "upstream unavailable", se.Body)
}

func TestClientRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "v", body["k"])
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	require.NoError(t, NewClient(WithRetries(2)).PostJSON(context.Background(), server.URL, map[string]any{"k": "v"}, nil))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClientTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	err := NewClient(WithTimeout(50*time.Millisecond)).PostJSON(context.Background(), server.URL, map[string]any{}, nil)
	assert.Error(t, err)
}
