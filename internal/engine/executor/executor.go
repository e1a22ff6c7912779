// Package executor delivers generated prompts to the system under test,
// over HTTP or in-process through the LLM gateway for direct:// targets.
package executor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aegisai/aegis/internal/apperr"
	"github.com/aegisai/aegis/internal/engine"
	"github.com/aegisai/aegis/internal/llm"
	"github.com/aegisai/aegis/internal/tracing"
)

// directScheme marks targets that bypass HTTP and call the provider
// gateway in-process.
const directScheme = "direct://"

// ChatClient is the gateway surface used for direct:// targets.
type ChatClient interface {
	Chat(ctx context.Context, p llm.Provider, req llm.ChatRequest) (*llm.ChatResponse, error)
}

// Executor sends prompts to targets with retry and response extraction.
type Executor struct {
	chat        ChatClient
	client      *http.Client
	logger      *zap.Logger
	retries     int
	backoffBase float64
}

// Option configures an Executor.
type Option func(*Executor)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.client = c }
}

// WithRetries sets the attempt count for target calls.
func WithRetries(n int) Option {
	return func(e *Executor) { e.retries = n }
}

// WithBackoffBase sets the exponential backoff base between attempts.
func WithBackoffBase(base float64) Option {
	return func(e *Executor) { e.backoffBase = base }
}

func New(chat ChatClient, logger *zap.Logger, opts ...Option) *Executor {
	e := &Executor{
		chat: chat,
		client: &http.Client{
			Transport: http.DefaultTransport,
		},
		logger:      logger,
		retries:     3,
		backoffBase: 2.0,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SendPrompt delivers one prompt and returns the extracted response text
// with the last attempt's latency. The error is non-nil only when every
// attempt failed.
func (e *Executor) SendPrompt(ctx context.Context, target engine.TargetConfig, provider llm.Provider, prompt, threadID string) (string, int64, error) {
	ctx, span := tracing.StartSpan(ctx, "executor.SendPrompt")
	defer span.End()

	if strings.HasPrefix(target.EndpointURL, directScheme) {
		return e.sendDirect(ctx, target, provider, prompt)
	}

	payload := e.buildPayload(target, prompt, threadID)
	headers := buildHeaders(target)

	var lastLatency int64
	var lastErr error
	for attempt := 0; attempt < e.retries; attempt++ {
		start := time.Now()
		text, err := e.doRequest(ctx, target, headers, payload)
		lastLatency = time.Since(start).Milliseconds()
		if err == nil {
			return text, lastLatency, nil
		}
		lastErr = err
		if attempt < e.retries-1 {
			if slErr := sleepContext(ctx, backoff(e.backoffBase, attempt)); slErr != nil {
				return "", lastLatency, slErr
			}
		}
	}
	e.logger.Warn("target call exhausted retries",
		zap.String("endpoint", target.EndpointURL), zap.Error(lastErr))
	if apperr.Is(lastErr, apperr.RateLimited) {
		return "", lastLatency, apperr.E(apperr.RateLimitExceeded, "target rate limit exhausted retries", lastErr)
	}
	return "", lastLatency, lastErr
}

// InitThread creates a conversation thread for multi-turn targets.
// Returns empty on any failure; the caller falls back to stateless turns.
func (e *Executor) InitThread(ctx context.Context, target engine.TargetConfig) string {
	if target.ThreadEndpointURL == "" {
		return ""
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.ThreadEndpointURL, strings.NewReader("{}"))
	if err != nil {
		return ""
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range target.Headers {
		req.Header.Set(k, v)
	}
	if target.AuthType == "bearer" && target.AuthValue != "" {
		req.Header.Set("Authorization", "Bearer "+target.AuthValue)
	}

	resp, err := e.do(req, target.TimeoutSeconds)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return ""
	}

	var data interface{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return ""
	}
	if target.ThreadIDPath == "" {
		return ""
	}
	threadID, _ := extractJSONPath(data, target.ThreadIDPath)
	return threadID
}

// sendDirect calls the provider gateway in-process.
func (e *Executor) sendDirect(ctx context.Context, target engine.TargetConfig, provider llm.Provider, prompt string) (string, int64, error) {
	start := time.Now()

	var messages []llm.Message
	if target.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: "system", Content: target.SystemPrompt})
	}
	messages = append(messages, llm.Message{Role: "user", Content: prompt})

	resp, err := e.chat.Chat(ctx, provider, llm.ChatRequest{Messages: messages})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		e.logger.Warn("direct provider call failed",
			zap.String("endpoint", target.EndpointURL), zap.Error(err))
		return "", latency, err
	}
	return resp.Content, latency, nil
}

// buildPayload renders the payload template, falling back to a bare
// prompt object when the rendered template is not valid JSON.
func (e *Executor) buildPayload(target engine.TargetConfig, prompt, threadID string) interface{} {
	rendered := strings.ReplaceAll(target.PayloadTemplate, "{{prompt}}", prompt)
	if threadID != "" {
		rendered = strings.ReplaceAll(rendered, "{{thread_id}}", threadID)
	}
	hasSystemSlot := strings.Contains(target.PayloadTemplate, "{{system_prompt}}")
	if target.SystemPrompt != "" && hasSystemSlot {
		rendered = strings.ReplaceAll(rendered, "{{system_prompt}}", target.SystemPrompt)
	}

	var payload interface{}
	if err := json.Unmarshal([]byte(rendered), &payload); err != nil {
		payload = map[string]interface{}{"prompt": prompt}
	}

	// Chat-shaped payloads get the system prompt prepended to messages
	// when the template has no explicit slot for it.
	if target.SystemPrompt != "" && !hasSystemSlot {
		if obj, ok := payload.(map[string]interface{}); ok {
			if msgs, ok := obj["messages"].([]interface{}); ok {
				system := map[string]interface{}{"role": "system", "content": target.SystemPrompt}
				obj["messages"] = append([]interface{}{system}, msgs...)
			}
		}
	}
	return payload
}

func buildHeaders(target engine.TargetConfig) http.Header {
	headers := make(http.Header)
	for k, v := range target.Headers {
		headers.Set(k, v)
	}
	if headers.Get("Content-Type") == "" {
		headers.Set("Content-Type", "application/json")
	}
	switch {
	case target.AuthType == "bearer" && target.AuthValue != "":
		headers.Set("Authorization", "Bearer "+target.AuthValue)
	case target.AuthType == "api_key" && target.AuthValue != "":
		headers.Set("X-API-Key", target.AuthValue)
	case target.AuthType == "basic" && target.AuthValue != "":
		headers.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(target.AuthValue)))
	}
	return headers
}

// doRequest performs a single attempt and extracts the response text.
func (e *Executor) doRequest(ctx context.Context, target engine.TargetConfig, headers http.Header, payload interface{}) (string, error) {
	var req *http.Request
	var err error

	if strings.EqualFold(target.Method, http.MethodGet) {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, target.EndpointURL, nil)
		if err == nil {
			req.URL.RawQuery = queryParams(payload).Encode()
		}
	} else {
		var body []byte
		body, err = json.Marshal(payload)
		if err == nil {
			req, err = http.NewRequestWithContext(ctx, http.MethodPost, target.EndpointURL, bytes.NewReader(body))
		}
	}
	if err != nil {
		return "", apperr.E(apperr.InvalidInput, "build target request", err)
	}
	req.Header = headers.Clone()
	tracing.InjectTraceparent(ctx, req)

	resp, err := e.do(req, target.TimeoutSeconds)
	if err != nil {
		return "", apperr.E(apperr.UpstreamFailed, "target request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", apperr.E(apperr.UpstreamFailed, "read target response", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", apperr.E(apperr.RateLimited, "target returned status 429", nil)
	}
	if resp.StatusCode >= 400 {
		return "", apperr.Errorf(apperr.UpstreamFailed, "target returned status %d", resp.StatusCode)
	}

	var data interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return string(raw), nil
	}
	if extracted, ok := extractJSONPath(data, target.ResponseJSONPath); ok && extracted != "" {
		return extracted, nil
	}
	return string(raw), nil
}

// do applies the per-target timeout on top of the caller's context.
func (e *Executor) do(req *http.Request, timeoutSeconds int) (*http.Response, error) {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 30
	}
	ctx, cancel := context.WithTimeout(req.Context(), time.Duration(timeoutSeconds)*time.Second)
	resp, err := e.client.Do(req.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func queryParams(payload interface{}) url.Values {
	values := url.Values{}
	obj, ok := payload.(map[string]interface{})
	if !ok {
		return values
	}
	for k, v := range obj {
		if s, ok := v.(string); ok {
			values.Set(k, s)
		} else {
			values.Set(k, fmt.Sprint(v))
		}
	}
	return values
}

func backoff(base float64, attempt int) time.Duration {
	return time.Duration(math.Pow(base, float64(attempt)) * float64(time.Second))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
