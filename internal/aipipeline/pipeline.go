// Package aipipeline wires the AI Request Pipeline end to end: auth (at
// the caller, via identity) -> rate limit -> fetch ApiConfig -> build
// context -> redact/risk-assess -> block critical secrets -> call
// upstream -> update usage -> return. Grounded on the teacher's
// agent.GrpcClient config-struct-with-timeouts shape, re-pointed at a
// plain HTTP upstream since no gRPC AI backend is in scope here.
package aipipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/shsh-labs/internal/aicontext"
	"github.com/ashureev/shsh-labs/internal/apiconfig"
	"github.com/ashureev/shsh-labs/internal/apierr"
	"github.com/ashureev/shsh-labs/internal/ratelimit"
	"github.com/ashureev/shsh-labs/internal/redact"
	"github.com/ashureev/shsh-labs/internal/vault"
)

const securityBlockedSentinel = "***CONTENT_BLOCKED_DUE_TO_SENSITIVE_DATA***"

// ChatRequest is one /ai chat frame's payload.
type ChatRequest struct {
	UserID         string
	TerminalOutput string
	CurrentInput   string
	Messages       []ChatMessage
	Stream         bool
	StrictRedaction bool
}

// ChatOutcome is what the WebSocket Router needs to render the response
// and any attached advisory.
type ChatOutcome struct {
	Content         string
	SecurityWarning string
	Usage           ChatResult
}

// chatClient is the subset of *Client the pipeline depends on, so tests
// can substitute a fake upstream.
type chatClient interface {
	Chat(ctx context.Context, cfg apiconfig.Config, messages []ChatMessage) (ChatResult, error)
	ChatStream(ctx context.Context, cfg apiconfig.Config, messages []ChatMessage, onDelta DeltaFunc) (ChatResult, error)
}

// Pipeline composes the AI Request Pipeline's stages.
type Pipeline struct {
	limiter     ratelimit.Limiter
	limiterCfg  ratelimit.Config
	configs     *vault.ConfigStore
	usage       *UsageStore
	client      chatClient
	contextOpts aicontext.Options
}

// New creates a Pipeline from its component parts.
func New(limiter ratelimit.Limiter, limiterCfg ratelimit.Config, configs *vault.ConfigStore, usage *UsageStore, client chatClient, contextOpts aicontext.Options) *Pipeline {
	return &Pipeline{
		limiter:     limiter,
		limiterCfg:  limiterCfg,
		configs:     configs,
		usage:       usage,
		client:      client,
		contextOpts: contextOpts,
	}
}

// prepare runs steps 2 through 6 of spec §4.5, shared by Chat and
// ChatStream: rate limit, fetch ApiConfig, build context, redact/block.
func (p *Pipeline) prepare(ctx context.Context, req ChatRequest) (apiconfig.Config, []ChatMessage, string, error) {
	limitResult, err := p.limiter.Allow(ctx, req.UserID, p.limiterCfg)
	if err != nil {
		// Fail-open: rate limit infrastructure errors must not block the
		// request, per spec §4.5 step 2.
		slog.Warn("rate limiter error, failing open", "user_id", req.UserID, "error", err)
	} else if !limitResult.Allowed {
		return apiconfig.Config{}, nil, "", &apierr.Error{
			Kind:    apierr.KindRateLimited,
			Code:    string(limitResult.Reason),
			Message: limitResult.Message,
		}
	}

	cfg, ok, err := p.configs.Get(ctx, req.UserID)
	if err != nil {
		return apiconfig.Config{}, nil, "", apierr.Wrap(apierr.KindInternal, "config_lookup_failed", "failed to load AI configuration", err)
	}
	if !ok {
		return apiconfig.Config{}, nil, "", apierr.New(apierr.KindInvalidRequest, "no_ai_config", "no AI provider configured")
	}

	built := aicontext.Build(req.TerminalOutput, p.contextOpts)

	terminalOutput := built.TerminalOutput
	var securityWarning string
	if redact.HasCriticalSecret(terminalOutput) {
		terminalOutput = securityBlockedSentinel
		securityWarning = "sensitive content detected and blocked before leaving this host"
	} else {
		terminalOutput = redact.Redact(terminalOutput)
		if built.RiskLevel == aicontext.RiskHigh && req.StrictRedaction {
			securityWarning = "high-risk command pattern detected in terminal context"
		}
	}

	messages := append([]ChatMessage{}, req.Messages...)
	messages = append(messages, ChatMessage{Role: "system", Content: "terminal output: " + terminalOutput})

	return cfg, messages, securityWarning, nil
}

func (p *Pipeline) recordUsage(ctx context.Context, userID, model string, result ChatResult) {
	if err := p.usage.Record(ctx, userID, result.InputTokens, result.OutputTokens, estimateCost(model, result)); err != nil {
		slog.Warn("failed to update usage stats", "user_id", userID, "error", err)
	}
}

// Chat runs steps 2 through 9 of spec §4.5 for one request. Step 1
// (authenticate user from session) is the caller's responsibility, since
// it happens before a ChatRequest is even constructed.
func (p *Pipeline) Chat(ctx context.Context, req ChatRequest) (ChatOutcome, error) {
	cfg, messages, securityWarning, err := p.prepare(ctx, req)
	if err != nil {
		return ChatOutcome{}, err
	}

	result, err := p.client.Chat(ctx, cfg, messages)
	if err != nil {
		return ChatOutcome{}, err
	}

	p.recordUsage(ctx, req.UserID, cfg.Model, result)
	return ChatOutcome{Content: result.Content, SecurityWarning: securityWarning, Usage: result}, nil
}

// ChatStream is Chat's streaming counterpart for chat frames with
// stream:true: the same steps 2 through 6, then an SSE upstream call that
// invokes onDelta as fragments arrive.
func (p *Pipeline) ChatStream(ctx context.Context, req ChatRequest, onDelta DeltaFunc) (ChatOutcome, error) {
	cfg, messages, securityWarning, err := p.prepare(ctx, req)
	if err != nil {
		return ChatOutcome{}, err
	}

	result, err := p.client.ChatStream(ctx, cfg, messages, onDelta)
	if err != nil {
		return ChatOutcome{}, err
	}

	p.recordUsage(ctx, req.UserID, cfg.Model, result)
	return ChatOutcome{Content: result.Content, SecurityWarning: securityWarning, Usage: result}, nil
}

// TestConnectionResult is the test-connection endpoint's response shape.
type TestConnectionResult struct {
	Success bool   `json:"success"`
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
	Model   string `json:"model"`
}

// TestConnection performs steps (3) and a minimal probe call per spec
// §4.5: no rate limiting, no usage update, and the apiKey is never
// echoed back.
func (p *Pipeline) TestConnection(ctx context.Context, baseURL, apiKey, model string) TestConnectionResult {
	cfg := apiconfig.Config{BaseURL: baseURL, APIKey: apiKey, Model: model, Temperature: 0, MaxTokens: 1, Timeout: 10}
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	result, err := p.client.Chat(probeCtx, cfg, []ChatMessage{{Role: "user", Content: "ping"}})
	if err != nil {
		masked := vault.Mask(apiKey)
		slog.Info("AI test-connection failed", "base_url", baseURL, "api_key", masked, "error", err)
		return TestConnectionResult{Success: true, Valid: false, Message: "connection failed: " + err.Error()}
	}
	_ = result
	return TestConnectionResult{Success: true, Valid: true, Message: "connection succeeded", Model: model}
}

// estimateCost is intentionally a placeholder pricing table; operators
// plug in their provider's real per-model rates.
func estimateCost(model string, result ChatResult) float64 {
	const perThousandTokens = 0.002
	return float64(result.InputTokens+result.OutputTokens) / 1000 * perThousandTokens
}
