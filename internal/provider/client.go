package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gatekeep/llm-gatekeeper/internal/logger"
)

// Config contains upstream provider settings.
type Config struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	RequestsPerMin int
}

// Client forwards chat completion requests to the upstream LLM provider.
// Outbound calls are paced with a token bucket so a burst of approved
// requests cannot trip the provider's own rate limits.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	logger  *logger.Logger
}

// NewClient builds a provider client from config.
func NewClient(cfg Config, log *logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	rpm := cfg.RequestsPerMin
	if rpm <= 0 {
		rpm = 600
	}
	limiter := rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm/10+1)

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		limiter: limiter,
		logger:  log,
	}
}

// ChatCompletion sends the request upstream and decodes the completion.
// There are no retries; the caller decides how to surface failures.
func (c *Client) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Message: fmt.Sprintf("rate limiter wait: %v", err)}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("encode request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("build request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("upstream request failed: %v", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Message: fmt.Sprintf("read response: %v", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{StatusCode: resp.StatusCode, Message: upstreamErrorMessage(respBody)}
	}

	var completion ChatResponse
	if err := json.Unmarshal(respBody, &completion); err != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err)}
	}

	c.logger.Debug("Upstream completion received",
		zap.String("model", completion.Model),
		zap.Int("total_tokens", completion.Usage.TotalTokens),
		zap.Duration("duration", time.Since(start)))

	return &completion, nil
}

// upstreamErrorMessage extracts the provider's error text when the body
// follows the OpenAI error envelope, falling back to the raw body.
func upstreamErrorMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	if msg == "" {
		msg = "upstream returned an error"
	}
	return msg
}
