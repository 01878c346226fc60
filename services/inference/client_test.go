package inference

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(serverURL string, maxRetries int) *Client {
	return NewClient(Config{
		BaseURL:    serverURL,
		APIKey:     "test-key",
		MaxRetries: maxRetries,
	})
}

func TestInferDecodesResult(t *testing.T) {
	var gotAuth, gotDuration string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/analyze", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")

		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotDuration = r.FormValue("duration_seconds")

		file, _, err := r.FormFile("audio")
		require.NoError(t, err)
		file.Close()

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"emotions":{"happiness":0.7,"stress":0.2},"confidence":0.93}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, 1)
	result, err := client.Infer(context.Background(), []byte("audio-bytes"), 12.5)
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "12.5", gotDuration)
	assert.InDelta(t, 0.7, result.Emotions["happiness"], 1e-9)
	assert.InDelta(t, 0.2, result.Emotions["stress"], 1e-9)
	assert.InDelta(t, 0.93, result.Confidence, 1e-9)
}

func TestInferRejectionIsTerminal(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"detail":"audio sample is corrupt"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, 3)
	_, err := client.Infer(context.Background(), []byte("bad"), 10)

	assert.ErrorIs(t, err, ErrUnprocessableAudio)
	assert.Contains(t, err.Error(), "audio sample is corrupt")
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "4xx must not be retried")
}

func TestInferRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"emotions":{"calmness":0.8},"confidence":0.9}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, 3)
	result, err := client.Infer(context.Background(), []byte("audio"), 10)
	require.NoError(t, err)

	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	assert.InDelta(t, 0.8, result.Emotions["calmness"], 1e-9)
}

func TestInferExhaustsRetryBudget(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(server.URL, 2)
	_, err := client.Infer(context.Background(), []byte("audio"), 10)

	assert.ErrorIs(t, err, ErrUnavailable)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls), "initial attempt plus two retries")
}

func TestInferHonorsContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := newTestClient(server.URL, 3)
	_, err := client.Infer(ctx, []byte("audio"), 10)
	require.Error(t, err)
}

func TestInferRejectsEmptyEmotionVector(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"emotions":{},"confidence":0.5}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, 1)
	_, err := client.Infer(context.Background(), []byte("audio"), 10)

	assert.ErrorIs(t, err, ErrUnavailable)
}
