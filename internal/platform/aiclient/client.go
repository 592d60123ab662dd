package aiclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL    = "https://api.openai.com"
	defaultTimeout    = 90 * time.Second
	defaultMaxRetries = 3
	maxBackoff        = 10 * time.Second
)

// Config holds provider connection settings
type Config struct {
	BaseURL    string
	APIKey     string
	TextModel  string
	ImageModel string
	ImageSize  string
	Timeout    time.Duration
	MaxRetries int
	Logger     *slog.Logger
	// HTTPClient overrides the default client, mostly for tests
	HTTPClient *http.Client
}

// Image is a generated picture
type Image struct {
	Bytes    []byte
	MimeType string
}

// HTTPError is a non-2xx response from the provider
type HTTPError struct {
	StatusCode int
	Body       string
	retryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider http %d: %s", e.StatusCode, e.Body)
}

// Client talks to an OpenAI compatible API for text and image generation
type Client struct {
	baseURL    string
	apiKey     string
	textModel  string
	imageModel string
	imageSize  string
	maxRetries int
	httpClient *http.Client
	logger     *slog.Logger
	// initialBackoff is the first retry delay; it doubles per attempt
	initialBackoff time.Duration
}

// New creates a provider client
func New(cfg *Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("provider api key is required")
	}
	if strings.TrimSpace(cfg.TextModel) == "" {
		return nil, errors.New("provider text model is required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:        baseURL,
		apiKey:         cfg.APIKey,
		textModel:      cfg.TextModel,
		imageModel:     cfg.ImageModel,
		imageSize:      cfg.ImageSize,
		maxRetries:     maxRetries,
		httpClient:     httpClient,
		logger:         cfg.Logger.With(slog.String("component", "aiclient")),
		initialBackoff: time.Second,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
	} `json:"choices"`
}

// GenerateText returns the model's reply to a system and user prompt
func (c *Client) GenerateText(ctx context.Context, system, user string) (string, error) {
	req := chatRequest{
		Model: c.textModel,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}

	var resp chatResponse
	if err := c.do(ctx, http.MethodPost, "/v1/chat/completions", req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("provider returned no choices")
	}
	msg := resp.Choices[0].Message
	if msg.Refusal != "" {
		return "", fmt.Errorf("model refused: %s", msg.Refusal)
	}
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return "", errors.New("provider returned empty text")
	}
	return text, nil
}

type imageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format"`
}

type imageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

// GenerateImage renders one image for prompt
func (c *Client) GenerateImage(ctx context.Context, prompt string) (Image, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Image{}, errors.New("image prompt required")
	}
	if c.imageModel == "" {
		return Image{}, errors.New("provider image model is not configured")
	}

	req := imageRequest{
		Model:          c.imageModel,
		Prompt:         prompt,
		N:              1,
		Size:           c.imageSize,
		ResponseFormat: "b64_json",
	}
	var resp imageResponse
	if err := c.do(ctx, http.MethodPost, "/v1/images/generations", req, &resp); err != nil {
		return Image{}, err
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return Image{}, errors.New("no image returned")
	}

	raw, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return Image{}, fmt.Errorf("decode image base64: %w", err)
	}
	return Image{Bytes: raw, MimeType: http.DetectContentType(raw)}, nil
}

// do sends a JSON request, retrying throttling, server errors and network
// failures with exponential backoff
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	backoff := c.initialBackoff
	for attempt := 0; ; attempt++ {
		raw, err := c.doOnce(ctx, method, path, payload)
		if err == nil {
			if err := json.Unmarshal(raw, out); err != nil {
				return fmt.Errorf("failed to decode provider response: %w", err)
			}
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isRetryable(err) || attempt >= c.maxRetries {
			return err
		}

		wait := backoff
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.retryAfter > 0 {
			wait = httpErr.retryAfter
		}
		if wait > maxBackoff {
			wait = maxBackoff
		}

		c.logger.Warn("Provider request retrying",
			slog.String("path", path),
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", c.maxRetries),
			slog.Duration("sleep", wait),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Body:       truncate(string(raw), 512),
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return raw, nil
}

func isRetryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
