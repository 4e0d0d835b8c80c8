package http

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

	apperrors "peer-tether/internal/common/errors"
)

func createTestClient() *Client {
	return NewClient("crisis", time.Second, WithRetry(RetryConfig{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	}))
}

func TestClient_PostJSON_Success(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	status, err := createTestClient().PostJSON(context.Background(), srv.URL,
		map[string]string{"X-API-Key": "secret"}, map[string]string{"case": "c1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "c1", got["case"])
}

func TestClient_PostJSON_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	status, err := createTestClient().PostJSON(context.Background(), srv.URL, nil, struct{}{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_PostJSON_GivesUp(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := createTestClient().PostJSON(context.Background(), srv.URL, nil, struct{}{})
	require.Error(t, err)

	var stdErr *apperrors.StandardError
	require.True(t, errors.As(err, &stdErr))
	assert.Equal(t, apperrors.ErrCodeExternalService, stdErr.Code)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_PostJSON_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	status, err := createTestClient().PostJSON(context.Background(), srv.URL, nil, struct{}{})
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Contains(t, err.Error(), "bad key")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_PostJSON_BadPayload(t *testing.T) {
	_, err := createTestClient().PostJSON(context.Background(), "http://unused", nil, make(chan int))
	assert.True(t, errors.Is(err, apperrors.ErrValidationFailed))
}

func TestClient_Backoff(t *testing.T) {
	c := NewClient("x", time.Second, WithRetry(RetryConfig{MaxRetries: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 30 * time.Millisecond}))
	assert.Equal(t, 10*time.Millisecond, c.backoff(1))
	assert.Equal(t, 20*time.Millisecond, c.backoff(2))
	assert.Equal(t, 30*time.Millisecond, c.backoff(3))
}
