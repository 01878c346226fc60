package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"
)

const (
	// DefaultBaseURL points at a locally running gateway for development
	DefaultBaseURL = "http://localhost:8000"
	// DefaultTimeout covers a single analysis round trip
	DefaultTimeout = 60 * time.Second
	// DefaultMaxRetries bounds retries for transient gateway failures
	DefaultMaxRetries = 3
	// retryBaseDelay is the first backoff step; it doubles per attempt
	retryBaseDelay = 500 * time.Millisecond
)

var (
	// ErrUnprocessableAudio marks a 4xx rejection: the audio itself is bad
	// (too short, corrupt) and retrying the same bytes cannot succeed.
	ErrUnprocessableAudio = errors.New("audio rejected by inference gateway")

	// ErrUnavailable marks an exhausted retry budget against a gateway that
	// kept timing out or answering 5xx.
	ErrUnavailable = errors.New("inference gateway unavailable")
)

// Client calls the speech-emotion inference gateway. The gateway is a black
// box: audio bytes plus duration in, emotion vector plus confidence out.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
}

// Config holds configuration for the inference client
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
}

// NewClient creates a new inference gateway client
func NewClient(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	return &Client{
		baseURL: config.BaseURL,
		apiKey:  config.APIKey,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		maxRetries: config.MaxRetries,
	}
}

// Result is the emotion vector for one voice sample. Intensities are
// normalized to [0,1] per dimension.
type Result struct {
	Emotions   map[string]float64 `json:"emotions"`
	Confidence float64            `json:"confidence"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// Infer submits one voice sample for analysis. Timeouts and 5xx answers are
// retried with exponential backoff up to the configured budget; 4xx answers
// are terminal for this submission attempt and surface ErrUnprocessableAudio.
func (c *Client) Infer(ctx context.Context, audio []byte, durationSeconds float64) (*Result, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, retryable, err := c.analyzeOnce(ctx, audio, durationSeconds)
		if err == nil {
			return result, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrUnavailable, c.maxRetries+1, lastErr)
}

func (c *Client) analyzeOnce(ctx context.Context, audio []byte, durationSeconds float64) (*Result, bool, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("audio", "sample.wav")
	if err != nil {
		return nil, false, fmt.Errorf("failed to build multipart body: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, false, fmt.Errorf("failed to write audio bytes: %w", err)
	}
	if err := writer.WriteField("duration_seconds", strconv.FormatFloat(durationSeconds, 'f', -1, 64)); err != nil {
		return nil, false, fmt.Errorf("failed to write duration field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, false, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	url := fmt.Sprintf("%s/v1/analyze", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors and client timeouts are retryable.
		return nil, true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, string(respBody))
	case resp.StatusCode >= 400:
		var errResp errorResponse
		detail := string(respBody)
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Detail != "" {
			detail = errResp.Detail
		}
		return nil, false, fmt.Errorf("%w (status %d): %s", ErrUnprocessableAudio, resp.StatusCode, detail)
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, true, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Emotions) == 0 {
		return nil, true, fmt.Errorf("gateway returned empty emotion vector")
	}

	return &result, false, nil
}
