// Package ai is the high-level model invocation layer. It routes calls
// through per-purpose model chains with provider fallback, applies its own
// retry and backoff policy, trips a process-wide circuit breaker on
// repeated retryable failures, and records token usage into the caller's
// budget tracker.
package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/bidstack/operator/budget"
	"github.com/bidstack/operator/model"
	"github.com/bidstack/operator/resilience"
	"github.com/bidstack/operator/telemetry"
)

// ErrUnavailable is returned while the circuit is open. HTTP surfaces map
// it to 503.
var ErrUnavailable = errors.New("ai_temporarily_unavailable")

// Call purposes with dedicated model chains.
const (
	PurposeGeneral    = "general"
	PurposeAnalysis   = "analysis"
	PurposeExtraction = "extraction"
	PurposePlanning   = "planning"
	PurposeWriting    = "writing"
	PurposeSummarize  = "summarize"
)

const (
	textBackoffBase = 300 * time.Millisecond
	jsonBackoffBase = 400 * time.Millisecond
	backoffCap      = 10 * time.Second

	breakerFailures = 5
	breakerWindow   = 60 * time.Second
	breakerOpenFor  = 15 * time.Second
)

type (
	// Options configures the AI client. OpenAI and Anthropic provide the
	// two provider backends; at least one is required. Chains map purposes
	// to ordered model identifiers, first entry preferred.
	Options struct {
		OpenAI    model.Client
		Anthropic model.Client
		Chains    map[string][]string
		// DefaultChain backs purposes without a dedicated chain.
		DefaultChain []string
		Logger       telemetry.Logger
		Metrics      telemetry.Metrics
		// Sleep is injectable for tests; defaults to context-aware sleep.
		Sleep func(ctx context.Context, d time.Duration)
	}

	// CallOptions tunes one call.
	CallOptions struct {
		Purpose     string
		System      string
		MaxTokens   int
		Temperature float32
		// Effort is the starting reasoning effort; escalated per attempt
		// on parse or validation failures.
		Effort string
		// Verbosity raises or lowers output verbosity for writing-heavy
		// calls on models that support it.
		Verbosity string
		// PreviousResponseID chains this call to an earlier response.
		PreviousResponseID string
		// ClipChars bounds each message content; zero means no clip.
		ClipChars int
		// MaxAttempts per model in the chain. Defaults to 3.
		MaxAttempts int
		// Tracker receives token usage of every successful call.
		Tracker *budget.Tracker
	}

	// Client routes completion calls to provider backends.
	Client struct {
		openai       model.Client
		anthropic    model.Client
		chains       map[string][]string
		defaultChain []string
		logger       telemetry.Logger
		metrics      telemetry.Metrics
		sleep        func(ctx context.Context, d time.Duration)
		breaker      *gobreaker.CircuitBreaker

		mu  sync.Mutex
		rng *rand.Rand
	}
)

// New builds an AI client.
func New(opts Options) (*Client, error) {
	if opts.OpenAI == nil && opts.Anthropic == nil {
		return nil, errors.New("ai: at least one provider is required")
	}
	if len(opts.DefaultChain) == 0 {
		return nil, errors.New("ai: DefaultChain is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NopMetrics{}
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "ai",
		Interval: breakerWindow,
		Timeout:  breakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Consecutive, not cumulative: a success closes the window.
			return counts.ConsecutiveFailures >= breakerFailures
		},
	})
	return &Client{
		openai:       opts.OpenAI,
		anthropic:    opts.Anthropic,
		chains:       opts.Chains,
		defaultChain: opts.DefaultChain,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		sleep:        opts.Sleep,
		breaker:      breaker,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// CallText sends a prompt and returns the completion text.
func (c *Client) CallText(ctx context.Context, prompt string, opts CallOptions) (string, error) {
	req := model.Request{
		Messages:           c.buildMessages(opts.System, prompt, nil, opts.ClipChars),
		MaxTokens:          opts.MaxTokens,
		Temperature:        opts.Temperature,
		ReasoningEffort:    opts.Effort,
		Verbosity:          opts.Verbosity,
		PreviousResponseID: opts.PreviousResponseID,
	}
	resp, err := c.CompleteChain(ctx, req, opts, textBackoffBase)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// StreamText returns an incremental reader for the completion. Providers
// without streaming support degrade to a single-chunk reader.
func (c *Client) StreamText(ctx context.Context, prompt string, opts CallOptions) (model.StreamReader, error) {
	req := model.Request{
		Messages:           c.buildMessages(opts.System, prompt, nil, opts.ClipChars),
		MaxTokens:          opts.MaxTokens,
		Temperature:        opts.Temperature,
		ReasoningEffort:    opts.Effort,
		Verbosity:          opts.Verbosity,
		PreviousResponseID: opts.PreviousResponseID,
	}
	for _, modelID := range c.chain(opts.Purpose) {
		provider := c.providerFor(modelID)
		if provider == nil {
			continue
		}
		streamer, ok := provider.(model.Streamer)
		if !ok {
			break
		}
		req.Model = modelID
		reader, err := streamer.Stream(ctx, req)
		if err != nil {
			if model.IsAccessError(err) {
				continue
			}
			return nil, err
		}
		return reader, nil
	}
	resp, err := c.CompleteChain(ctx, req, opts, textBackoffBase)
	if err != nil {
		return nil, err
	}
	return &singleChunk{text: resp.Text}, nil
}

// CompleteChain runs one request through the purpose's model chain with
// retries and the circuit breaker. The agent loop calls this directly to
// pass tool definitions.
func (c *Client) CompleteChain(ctx context.Context, req model.Request, opts CallOptions, backoffBase time.Duration) (model.Response, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	var lastErr error
	for _, modelID := range c.chain(opts.Purpose) {
		provider := c.providerFor(modelID)
		if provider == nil {
			continue
		}
		req.Model = modelID
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			resp, err := c.guarded(ctx, provider, req)
			if err == nil {
				c.record(opts.Tracker, req, resp)
				c.metrics.IncCounter("ai.calls", 1, "model", modelID, "purpose", purposeOf(opts))
				return resp, nil
			}
			lastErr = err
			if errors.Is(err, ErrUnavailable) {
				return model.Response{}, err
			}
			if model.IsAccessError(err) {
				c.logger.Warn(ctx, "ai: model unavailable, falling through chain", "model", modelID, "err", err)
				break
			}
			class := resilience.Classify(err)
			if !class.Retryable || attempt == maxAttempts {
				break
			}
			delay := backoff(backoffBase, attempt, c.jitter())
			c.logger.Debug(ctx, "ai: retrying", "model", modelID, "attempt", attempt, "delay", delay.String(), "err", err)
			c.sleep(ctx, delay)
			if ctx.Err() != nil {
				return model.Response{}, ctx.Err()
			}
		}
		if lastErr != nil && !model.IsAccessError(lastErr) && !resilience.Classify(lastErr).Retryable {
			break
		}
	}
	if lastErr == nil {
		lastErr = errors.New("ai: no provider available for chain")
	}
	return model.Response{}, fmt.Errorf("ai: call failed: %w", lastErr)
}

// Summarize satisfies the memory subsystem's Summarizer contract.
func (c *Client) Summarize(ctx context.Context, text string) (string, error) {
	return c.CallText(ctx, "Summarize the following notes into a short paragraph, keeping concrete facts and dates:\n\n"+text, CallOptions{
		Purpose:   PurposeSummarize,
		MaxTokens: 400,
		ClipChars: 8000,
	})
}

// guarded routes one provider call through the circuit breaker. Only
// retryable failures count toward tripping it.
func (c *Client) guarded(ctx context.Context, provider model.Client, req model.Request) (model.Response, error) {
	var (
		resp    model.Response
		callErr error
	)
	_, err := c.breaker.Execute(func() (any, error) {
		resp, callErr = provider.Complete(ctx, req)
		if callErr == nil {
			return nil, nil
		}
		if model.IsAccessError(callErr) || !resilience.Classify(callErr).Retryable {
			return nil, nil
		}
		return nil, callErr
	})
	if err != nil && (errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)) {
		return model.Response{}, fmt.Errorf("%w: circuit open", ErrUnavailable)
	}
	return resp, callErr
}

func (c *Client) record(tracker *budget.Tracker, req model.Request, resp model.Response) {
	if tracker == nil {
		return
	}
	var input strings.Builder
	for _, m := range req.Messages {
		input.WriteString(m.Content)
	}
	tracker.Record(budget.RecordInput{
		Input:        input.String(),
		Output:       resp.Text,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	})
}

func (c *Client) chain(purpose string) []string {
	if chain, ok := c.chains[purpose]; ok && len(chain) > 0 {
		return chain
	}
	return c.defaultChain
}

// providerFor picks the backend by model id prefix.
func (c *Client) providerFor(modelID string) model.Client {
	if strings.HasPrefix(modelID, "claude") {
		return c.anthropic
	}
	if c.openai != nil {
		return c.openai
	}
	return c.anthropic
}

func (c *Client) buildMessages(system, prompt string, feedback []model.Message, clip int) []model.Message {
	msgs := make([]model.Message, 0, 2+len(feedback))
	if system != "" {
		msgs = append(msgs, model.Message{Role: model.RoleSystem, Content: clipString(system, clip)})
	}
	msgs = append(msgs, model.Message{Role: model.RoleUser, Content: clipString(prompt, clip)})
	msgs = append(msgs, feedback...)
	return msgs
}

func (c *Client) jitter() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Float64()
}

func backoff(base time.Duration, attempt int, jitter float64) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	d += time.Duration(jitter * float64(base))
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

func purposeOf(opts CallOptions) string {
	if opts.Purpose == "" {
		return PurposeGeneral
	}
	return opts.Purpose
}

func clipString(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit]
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

type singleChunk struct {
	text string
	done bool
}

func (s *singleChunk) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	s.done = true
	return s.text, nil
}

func (s *singleChunk) Close() error { return nil }
