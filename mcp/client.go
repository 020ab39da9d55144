package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Provider AI provider type
type Provider string

const (
	ProviderDeepSeek Provider = "deepseek"
	ProviderQwen     Provider = "qwen"
	ProviderGroq     Provider = "groq"
	ProviderCustom   Provider = "custom"
)

const (
	defaultMaxRetries = 3
	baseRetryDelay    = 1 * time.Second
	maxRetryDelay     = 60 * time.Second
)

// Client calls an OpenAI-compatible chat completions endpoint.
type Client struct {
	Provider   Provider
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	UseFullURL bool // Use BaseURL as-is instead of appending /chat/completions

	initOnce   sync.Once
	httpClient *http.Client
}

func New() *Client {
	return &Client{
		Provider: ProviderDeepSeek,
		BaseURL:  "https://api.deepseek.com/v1",
		Model:    "deepseek-chat",
		Timeout:  120 * time.Second,
	}
}

// SetDeepSeekAPIKey configures the DeepSeek endpoint
func (c *Client) SetDeepSeekAPIKey(apiKey string) {
	c.Provider = ProviderDeepSeek
	c.APIKey = apiKey
	c.BaseURL = "https://api.deepseek.com/v1"
	c.Model = "deepseek-chat"
}

// SetQwenAPIKey configures the Alibaba Cloud Qwen compatible-mode endpoint
func (c *Client) SetQwenAPIKey(apiKey string) {
	c.Provider = ProviderQwen
	c.APIKey = apiKey
	c.BaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	c.Model = "qwen-plus"
}

// SetGroqAPIKey configures the Groq endpoint
func (c *Client) SetGroqAPIKey(apiKey string, model string) {
	c.Provider = ProviderGroq
	c.APIKey = apiKey
	c.BaseURL = "https://api.groq.com/openai/v1"
	if model == "" {
		model = "llama-3.1-70b-versatile"
	}
	c.Model = model
	if strings.Contains(strings.ToLower(model), "70b") {
		c.Timeout = 180 * time.Second
	} else {
		c.Timeout = 120 * time.Second
	}
}

// SetCustomAPI configures any OpenAI-compatible endpoint. A URL ending in
// "#" is used verbatim without appending /chat/completions.
func (c *Client) SetCustomAPI(apiURL, apiKey, modelName string) {
	c.Provider = ProviderCustom
	c.APIKey = apiKey
	if strings.HasSuffix(apiURL, "#") {
		c.BaseURL = strings.TrimSuffix(apiURL, "#")
		c.UseFullURL = true
	} else {
		c.BaseURL = apiURL
		c.UseFullURL = false
	}
	c.Model = modelName
	c.Timeout = 120 * time.Second
}

// CallWithMessages sends a system + user prompt pair and returns the raw
// completion text. Transient failures (timeout, rate limit, network) are
// retried with exponential backoff up to MaxRetries; auth and request
// errors are returned immediately as *InferenceError.
func (c *Client) CallWithMessages(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if c.APIKey == "" {
		return "", &InferenceError{Kind: ErrUnauthorized, Msg: "API key not set"}
	}

	maxRetries := c.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	var lastErr *InferenceError
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			log.Printf("⏳ Inference retry %d/%d in %v (last error: %v)", attempt, maxRetries, delay, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", &InferenceError{Kind: ErrTimeout, Msg: "canceled while waiting to retry", Err: ctx.Err()}
			}
		}

		result, err := c.callOnce(ctx, systemPrompt, userPrompt)
		if err == nil {
			return result, nil
		}
		var infErr *InferenceError
		if !errors.As(err, &infErr) {
			infErr = &InferenceError{Kind: ErrTransport, Msg: "call failed", Err: err}
		}
		if !infErr.Retryable() {
			return "", infErr
		}
		lastErr = infErr
	}
	return "", &InferenceError{
		Kind: lastErr.Kind,
		Msg:  fmt.Sprintf("still failing after %d retries", maxRetries),
		Err:  lastErr,
	}
}

// backoffDelay doubles per attempt from baseRetryDelay, capped at maxRetryDelay.
func backoffDelay(attempt int) time.Duration {
	if attempt > 10 {
		attempt = 10
	}
	d := baseRetryDelay * time.Duration(1<<uint(attempt-1))
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}

func (c *Client) callOnce(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := []map[string]string{}
	if systemPrompt != "" {
		messages = append(messages, map[string]string{
			"role":    "system",
			"content": systemPrompt,
		})
	}
	messages = append(messages, map[string]string{
		"role":    "user",
		"content": userPrompt,
	})

	requestBody := map[string]interface{}{
		"model":       c.Model,
		"messages":    messages,
		"temperature": 0.5,
		"max_tokens":  4000,
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := c.BaseURL
	if !c.UseFullURL {
		url = fmt.Sprintf("%s/chat/completions", c.BaseURL)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if c.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.APIKey))

	// One client is shared by every instrument loop, so the lazy init
	// must be race-free.
	c.initOnce.Do(func() {
		c.httpClient = &http.Client{Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}}
	})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &InferenceError{Kind: ErrTransport, Msg: "read response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp.StatusCode, body)
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", &InferenceError{Kind: ErrTransport, Msg: "decode response", Err: err}
	}
	if len(result.Choices) == 0 {
		return "", &InferenceError{Kind: ErrTransport, Msg: "empty choices in response"}
	}
	return result.Choices[0].Message.Content, nil
}

func classifyStatus(status int, body []byte) *InferenceError {
	msg := fmt.Sprintf("provider returned status %d: %s", status, truncateBody(body))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &InferenceError{Kind: ErrUnauthorized, Msg: msg}
	case status == http.StatusTooManyRequests:
		return &InferenceError{Kind: ErrRateLimited, Msg: msg}
	case status >= 500:
		return &InferenceError{Kind: ErrTransport, Msg: msg}
	default:
		// Remaining 4xx means we built a bad request; retrying will not help.
		return &InferenceError{Kind: ErrBadRequest, Msg: msg}
	}
}

func classifyTransportError(err error) *InferenceError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &InferenceError{Kind: ErrTimeout, Msg: "request timed out", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &InferenceError{Kind: ErrTimeout, Msg: "request timed out", Err: err}
	}
	return &InferenceError{Kind: ErrTransport, Msg: "request failed", Err: err}
}

func truncateBody(body []byte) string {
	s := string(body)
	if len(s) > 300 {
		return s[:300] + "..."
	}
	return s
}
