package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"operative/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookExecutor_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer x", r.Header.Get("Authorization"))
		var req webhookRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "t1", req.TenantID)
		assert.Equal(t, types.ActionPostSocial, req.ActionType)
		assert.Equal(t, "hello", req.Payload["content"])
		_ = json.NewEncoder(w).Encode(map[string]any{"postId": "p-1"})
	}))
	defer srv.Close()

	e := NewWebhookExecutor(srv.URL, time.Second, map[string]string{"Authorization": "Bearer x"})
	out, err := e.Execute(context.Background(), types.ActionPostSocial, map[string]any{"content": "hello"}, "t1")
	require.NoError(t, err)
	assert.Equal(t, "p-1", out["postId"])
}

func TestWebhookExecutor_FailureIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewWebhookExecutor(srv.URL, time.Second, nil)
	_, err := e.Execute(context.Background(), types.ActionReply, map[string]any{}, "t1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestWebhookExecutor_Cancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewWebhookExecutor(srv.URL, 0, nil).Execute(ctx, types.ActionReply, map[string]any{}, "t1")
	assert.Error(t, err)
}

func TestRouter(t *testing.T) {
	echo := func(name string) Executor {
		return Func(func(_ context.Context, a types.ActionType, _ map[string]any, _ string) (map[string]any, error) {
			return map[string]any{"by": name, "action": string(a)}, nil
		})
	}

	r := NewRouter(nil).Handle(types.ActionReply, echo("reply"))
	out, err := r.Execute(context.Background(), types.ActionReply, nil, "t1")
	require.NoError(t, err)
	assert.Equal(t, "reply", out["by"])

	_, err = r.Execute(context.Background(), types.ActionPostSocial, nil, "t1")
	assert.ErrorIs(t, err, ErrNoRoute)

	withFallback := NewRouter(echo("fallback"))
	out, err = withFallback.Execute(context.Background(), types.ActionPostSocial, nil, "t1")
	require.NoError(t, err)
	assert.Equal(t, "fallback", out["by"])
}

func TestAnalyzeOnly(t *testing.T) {
	out, err := AnalyzeOnly().Execute(context.Background(), types.ActionAnalyzeOnly, map[string]any{"content": "x"}, "t1")
	require.NoError(t, err)
	assert.Equal(t, true, out["analyzed"])
	assert.Equal(t, "x", out["content"])
}
