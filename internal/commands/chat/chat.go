// Package chat implements the ai/chat command: a proxy to an
// OpenAI-compatible chat-completions endpoint.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rapigate/rapigate/internal/command"
)

const (
	// DefaultBaseURL is used when no upstream is configured.
	DefaultBaseURL = "https://openrouter.ai/api/v1"

	noReply = "No response generated"

	maxErrorBody = 512
)

// ErrNotConfigured is returned when no upstream API key is set.
var ErrNotConfigured = errors.New("chat upstream is not configured")

// Config selects the upstream.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	HTTPClient  *http.Client
	MaxAttempts int
}

// Result is returned to the caller.
type Result struct {
	Model string          `json:"model"`
	UID   any             `json:"uid"`
	Reply string          `json:"reply"`
	Usage json.RawMessage `json:"usage"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
	Usage json.RawMessage `json:"usage"`
}

// upstreamError is a non-2xx upstream response.
type upstreamError struct {
	Status int
	Body   string
}

func (e *upstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned %d", e.Status)
	}
	return fmt.Sprintf("upstream returned %d: %s", e.Status, e.Body)
}

// Command is the chat proxy.
type Command struct {
	cfg    Config
	client *http.Client
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates the chat command.
func New(cfg Config) *Command {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	client := cfg.HTTPClient
	if client == nil {
		client = NewHTTPClient()
	}
	return &Command{cfg: cfg, client: client, sleep: sleepCtx}
}

// Describe implements command.Command.
func (c *Command) Describe() command.Definition {
	return command.Definition{
		Name:        "AI Chat",
		Description: "Chat with an AI assistant. Provide a question and optional system prompt.",
		Route:       "/chat",
		Category:    "AI",
		Params: map[string]command.Param{
			"q":      {Type: command.ParamString, Required: true},
			"system": {Type: command.ParamString},
			"uid":    {Type: command.ParamInt},
		},
	}
}

// Available reports whether an upstream key is configured.
func (c *Command) Available() bool {
	return c.cfg.APIKey != ""
}

// Invoke implements command.Command.
func (c *Command) Invoke(ctx context.Context, params command.Params) (any, error) {
	if err := params.Require("q"); err != nil {
		return nil, errors.New(`parameter "q" is required. Usage: ?q=your+message`)
	}
	var uid any = "anonymous"
	if n, ok, err := params.Int("uid"); err != nil {
		return nil, err
	} else if ok {
		uid = n
	}
	if !c.Available() {
		return nil, ErrNotConfigured
	}

	req := completionRequest{Model: c.cfg.Model}
	if system := params.String("system"); system != "" {
		req.Messages = append(req.Messages, message{Role: "system", Content: system})
	}
	req.Messages = append(req.Messages, message{Role: "user", Content: params.String("q")})

	resp, err := c.complete(ctx, req)
	if err != nil {
		return nil, err
	}

	res := Result{Model: resp.Model, UID: uid, Reply: noReply, Usage: resp.Usage}
	if res.Model == "" {
		res.Model = c.cfg.Model
	}
	if len(resp.Choices) > 0 && strings.TrimSpace(resp.Choices[0].Message.Content) != "" {
		res.Reply = resp.Choices[0].Message.Content
	}
	if len(res.Usage) == 0 {
		res.Usage = json.RawMessage("null")
	}
	return res, nil
}

// complete retries transport errors, 429 and 5xx with jittered backoff.
func (c *Command) complete(ctx context.Context, req completionRequest) (*completionResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, nextRetryDelay(attempt-1)); err != nil {
				return nil, err
			}
		}

		resp, err := c.post(ctx, payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var upErr *upstreamError
		if errors.As(err, &upErr) && !retryable(upErr.Status) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("chat upstream failed after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

func (c *Command) post(ctx context.Context, payload []byte) (*completionResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "rapigate/1.0")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &upstreamError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode upstream response: %w", err)
	}
	return &out, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
