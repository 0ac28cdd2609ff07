package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"tradeloop/internal/logger"
	"tradeloop/internal/resilience"
)

// OpenAIChatClient speaks the /v1/chat/completions dialect shared by
// OpenAI, DeepSeek and Qwen. It never retries; failures are classified and
// left to the resilience layer.
type OpenAIChatClient struct {
	BaseURL      string
	APIKey       string
	Model        string
	Timeout      time.Duration
	Temperature  float64
	ExtraHeaders map[string]string

	HTTPClient *http.Client
	limiter    *rate.Limiter
}

// SetRateLimit caps outgoing requests per minute; zero disables the cap.
func (c *OpenAIChatClient) SetRateLimit(perMinute int) {
	if perMinute <= 0 {
		c.limiter = nil
		return
	}
	c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}

func (c *OpenAIChatClient) baseURL() string {
	url := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if url == "" {
		url = "https://api.openai.com/v1"
	}
	return strings.TrimSuffix(url, "/chat/completions")
}

func (c *OpenAIChatClient) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func (c *OpenAIChatClient) newRequest(ctx context.Context, method, url string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	for k, v := range c.ExtraHeaders {
		req.Header.Set(k, v)
	}
	return req, nil
}

// Ping lists models to verify the credentials.
func (c *OpenAIChatClient) Ping(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL()+"/models", nil)
	if err != nil {
		return err
	}
	_, err = c.do(req)
	return err
}

func (c *OpenAIChatClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", &resilience.RateLimitError{Service: resilience.ServiceAI, Err: err}
		}
	}
	messages := make([]map[string]string, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, map[string]string{"role": "system", "content": systemPrompt})
	}
	messages = append(messages, map[string]string{"role": "user", "content": userPrompt})
	temp := c.Temperature
	if temp <= 0 {
		temp = 0.5
	}
	body, err := json.Marshal(map[string]any{"model": c.Model, "messages": messages, "temperature": temp})
	if err != nil {
		return "", err
	}
	url := c.baseURL() + "/chat/completions"
	logger.Debugf("[AI] POST %s model=%s auth=%s", url, c.Model, maskKey(c.APIKey))
	req, err := c.newRequest(ctx, http.MethodPost, url, body)
	if err != nil {
		return "", err
	}
	raw, err := c.do(req)
	if err != nil {
		return "", err
	}
	content := gjson.GetBytes(raw, "choices.0.message.content")
	if !content.Exists() || strings.TrimSpace(content.String()) == "" {
		return "", &resilience.ServiceError{Service: resilience.ServiceAI, Err: errors.New("empty choices")}
	}
	return content.String(), nil
}

func (c *OpenAIChatClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient().Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &resilience.NetworkError{Service: resilience.ServiceAI, Retryable: true, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &resilience.NetworkError{Service: resilience.ServiceAI, Retryable: true, Err: err}
	}
	if resp.StatusCode/100 == 2 {
		return raw, nil
	}
	return nil, statusError(resp, raw)
}

func statusError(resp *http.Response, raw []byte) error {
	msg := strings.TrimSpace(gjson.GetBytes(raw, "error.message").String())
	if msg == "" {
		msg = resp.Status
	}
	base := fmt.Errorf("status=%d: %s", resp.StatusCode, msg)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &resilience.AuthenticationError{Service: resilience.ServiceAI, Err: base}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &resilience.RateLimitError{Service: resilience.ServiceAI, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")), Err: base}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return &resilience.ServiceError{Service: resilience.ServiceAI, Code: resp.StatusCode, Err: base}
	case resp.StatusCode >= 500:
		return &resilience.NetworkError{Service: resilience.ServiceAI, Retryable: true, Err: base}
	default:
		return &resilience.ServiceError{Service: resilience.ServiceAI, Code: resp.StatusCode, Err: base}
	}
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func maskKey(key string) string {
	if key == "" {
		return "none"
	}
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
