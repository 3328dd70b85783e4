package aipipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/shsh-labs/internal/apiconfig"
	"github.com/ashureev/shsh-labs/internal/apierr"
)

// ChatMessage mirrors the OpenAI-compatible chat message shape.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

type chatChoice struct {
	Message ChatMessage `json:"message"`
	Delta   ChatMessage `json:"delta"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

// ChatResult is the non-streaming call's outcome.
type ChatResult struct {
	Content      string
	InputTokens  int64
	OutputTokens int64
}

// DeltaFunc receives one streamed content fragment.
type DeltaFunc func(content string)

// Client calls an OpenAI-compatible /v1/chat/completions endpoint over
// stdlib net/http — no ecosystem OpenAI SDK appears anywhere in the
// corpus, so this is built directly on the standard library (see
// DESIGN.md).
type Client struct {
	httpClient *http.Client
}

// NewClient creates a Client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

// Chat performs a non-streaming chat completion call.
func (c *Client) Chat(ctx context.Context, cfg apiconfig.Config, messages []ChatMessage) (ChatResult, error) {
	body, err := json.Marshal(chatRequest{
		Model:       cfg.Model,
		Messages:    messages,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil {
		return ChatResult{}, apierr.Wrap(apierr.KindInternal, "marshal_request", "failed to build upstream request", err)
	}

	req, err := c.newRequest(ctx, cfg, body)
	if err != nil {
		return ChatResult{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ChatResult{}, apierr.Wrap(apierr.KindUpstreamUnreachable, "upstream_unreachable", "failed to reach AI provider", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ChatResult{}, statusToErr(resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return ChatResult{}, apierr.Wrap(apierr.KindInternal, "decode_response", "failed to parse upstream response", err)
	}
	if len(parsed.Choices) == 0 {
		return ChatResult{}, apierr.New(apierr.KindUpstreamUnreachable, "empty_response", "AI provider returned no choices")
	}

	return ChatResult{
		Content:      parsed.Choices[0].Message.Content,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}, nil
}

// ChatStream performs a streaming chat completion call over SSE, invoking
// onDelta for each content fragment. Returns the accumulated usage once
// the stream closes (providers typically send it in the final chunk).
func (c *Client) ChatStream(ctx context.Context, cfg apiconfig.Config, messages []ChatMessage, onDelta DeltaFunc) (ChatResult, error) {
	body, err := json.Marshal(chatRequest{
		Model:       cfg.Model,
		Messages:    messages,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Stream:      true,
	})
	if err != nil {
		return ChatResult{}, apierr.Wrap(apierr.KindInternal, "marshal_request", "failed to build upstream request", err)
	}

	req, err := c.newRequest(ctx, cfg, body)
	if err != nil {
		return ChatResult{}, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ChatResult{}, apierr.Wrap(apierr.KindUpstreamUnreachable, "upstream_unreachable", "failed to reach AI provider", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ChatResult{}, statusToErr(resp.StatusCode)
	}

	var result ChatResult
	var content strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}
		var chunk chatResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			content.WriteString(chunk.Choices[0].Delta.Content)
			if onDelta != nil {
				onDelta(chunk.Choices[0].Delta.Content)
			}
		}
		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			result.InputTokens = chunk.Usage.PromptTokens
			result.OutputTokens = chunk.Usage.CompletionTokens
		}
	}
	if err := scanner.Err(); err != nil {
		return result, apierr.Wrap(apierr.KindUpstreamClosed, "stream_error", "AI provider stream ended unexpectedly", err)
	}
	result.Content = content.String()
	return result, nil
}

func (c *Client) newRequest(ctx context.Context, cfg apiconfig.Config, body []byte) (*http.Request, error) {
	url := strings.TrimRight(cfg.BaseURL, "/") + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "build_request", "failed to build upstream request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	return req, nil
}

func statusToErr(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apierr.New(apierr.KindAuthFailure, "upstream_auth_failed", "AI provider rejected credentials")
	case status == http.StatusTooManyRequests:
		return apierr.New(apierr.KindRateLimited, "upstream_rate_limited", "AI provider rate limit exceeded")
	default:
		return apierr.New(apierr.KindUpstreamUnreachable, "upstream_error", fmt.Sprintf("AI provider returned status %d", status))
	}
}
