package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completionResponse(content string) string {
	resp := map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"content": content}},
		},
	}
	b, _ := json.Marshal(resp)
	return string(b)
}

func testClient(url string) *Client {
	c := New()
	c.SetCustomAPI(url, "test-key", "test-model")
	c.Timeout = 5 * time.Second
	c.MaxRetries = 2
	return c
}

func TestCallWithMessagesSuccess(t *testing.T) {
	var gotAuth string
	var gotBody struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Write([]byte(completionResponse(`{"action":"hold"}`)))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	out, err := c.CallWithMessages(context.Background(), "system rules", "market data")
	require.NoError(t, err)
	assert.Equal(t, `{"action":"hold"}`, out)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "test-model", gotBody.Model)
	require.Len(t, gotBody.Messages, 2)
	assert.Equal(t, "system", gotBody.Messages[0].Role)
	assert.Equal(t, "user", gotBody.Messages[1].Role)
}

func TestCallRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(completionResponse("ok")))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	out, err := c.CallWithMessages(context.Background(), "", "prompt")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCallNoRetryOnUnauthorized(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, err := c.CallWithMessages(context.Background(), "", "prompt")
	require.Error(t, err)

	var infErr *InferenceError
	require.ErrorAs(t, err, &infErr)
	assert.Equal(t, ErrUnauthorized, infErr.Kind)
	assert.False(t, infErr.Retryable())
	assert.Equal(t, int32(1), calls.Load())
}

func TestCallBadRequestKindNoRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, err := c.CallWithMessages(context.Background(), "", "prompt")
	require.Error(t, err)

	var infErr *InferenceError
	require.ErrorAs(t, err, &infErr)
	assert.Equal(t, ErrBadRequest, infErr.Kind)
	assert.False(t, infErr.Retryable())
	assert.Equal(t, int32(1), calls.Load())
}

// One client is shared across instrument loops; concurrent first calls
// must not race on the lazily built http client.
func TestConcurrentCallsShareOneClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(completionResponse("ok")))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := c.CallWithMessages(context.Background(), "", "prompt")
			assert.NoError(t, err)
			assert.Equal(t, "ok", out)
		}()
	}
	wg.Wait()
}

func TestCallRateLimitedKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	c.MaxRetries = 1
	_, err := c.CallWithMessages(context.Background(), "", "prompt")
	require.Error(t, err)

	var infErr *InferenceError
	require.ErrorAs(t, err, &infErr)
	assert.Equal(t, ErrRateLimited, infErr.Kind)
}

func TestCallTimeoutKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.Write([]byte(completionResponse("late")))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	c.Timeout = 50 * time.Millisecond
	c.MaxRetries = 0
	_, err := c.CallWithMessages(context.Background(), "", "prompt")
	require.Error(t, err)

	var infErr *InferenceError
	require.ErrorAs(t, err, &infErr)
	assert.Equal(t, ErrTimeout, infErr.Kind)
	assert.True(t, infErr.Retryable())
}

func TestMissingAPIKey(t *testing.T) {
	c := &Client{}
	_, err := c.CallWithMessages(context.Background(), "", "prompt")
	var infErr *InferenceError
	require.ErrorAs(t, err, &infErr)
	assert.Equal(t, ErrUnauthorized, infErr.Kind)
}

func TestBackoffDelayCurve(t *testing.T) {
	assert.Equal(t, 1*time.Second, backoffDelay(1))
	assert.Equal(t, 2*time.Second, backoffDelay(2))
	assert.Equal(t, 4*time.Second, backoffDelay(3))
	assert.Equal(t, 60*time.Second, backoffDelay(10))
}
