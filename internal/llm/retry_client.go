package llm

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"codeswarm/internal/bus"
	swarmerrors "codeswarm/internal/errors"
	"codeswarm/internal/logging"
	"codeswarm/internal/ratelimit"
	"codeswarm/internal/token"
)

// Total attempts per call: one initial try plus three retries.
const defaultMaxAttempts = 4

// RetryNotice is the payload published on bus.TopicLLMRetry before each
// backoff sleep.
type RetryNotice struct {
	Attempt int
	Delay   time.Duration
	Reason  string
}

// retryClient wraps a ChatClient with transient-failure retries, rate
// limiter admission per attempt, and token accounting on success.
type retryClient struct {
	underlying  ChatClient
	limiter     *ratelimit.Limiter
	accountant  *token.Accountant
	events      *bus.Bus
	logger      logging.Logger
	maxAttempts int
	backoffBase time.Duration
}

var _ ChatClient = (*retryClient)(nil)

// NewRetryClient wraps client with retry and rate limiting. limiter,
// accountant, and events may each be nil.
func NewRetryClient(client ChatClient, limiter *ratelimit.Limiter, accountant *token.Accountant, events *bus.Bus) ChatClient {
	return &retryClient{
		underlying:  client,
		limiter:     limiter,
		accountant:  accountant,
		events:      events,
		logger:      logging.NewComponentLogger("llm-retry"),
		maxAttempts: defaultMaxAttempts,
		backoffBase: time.Second,
	}
}

func (c *retryClient) Model() string {
	return c.underlying.Model()
}

func (c *retryClient) Complete(ctx context.Context, req Request) (*Response, error) {
	return c.withRetries(ctx, req, func(ctx context.Context) (*Response, error) {
		return c.underlying.Complete(ctx, req)
	}, nil)
}

// StreamComplete retries only while no output has reached the caller.
// Once a delta is delivered, a retry would replay the partial stream, so
// the failure is surfaced instead.
func (c *retryClient) StreamComplete(ctx context.Context, req Request, callbacks StreamCallbacks) (*Response, error) {
	delivered := false
	wrapped := callbacks
	if callbacks.OnContentDelta != nil {
		wrapped.OnContentDelta = func(delta string) {
			delivered = true
			callbacks.OnContentDelta(delta)
		}
	}
	return c.withRetries(ctx, req, func(ctx context.Context) (*Response, error) {
		return c.underlying.StreamComplete(ctx, req, wrapped)
	}, &delivered)
}

func (c *retryClient) withRetries(ctx context.Context, req Request, call func(context.Context) (*Response, error), delivered *bool) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoffDelay(attempt - 1)
			c.logger.Warn("attempt %d/%d failed: %v; retrying in %v",
				attempt, c.maxAttempts, lastErr, delay)
			if c.events != nil {
				c.events.Publish(bus.TopicLLMRetry, RetryNotice{
					Attempt: attempt,
					Delay:   delay,
					Reason:  lastErr.Error(),
				})
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := c.attempt(ctx, call)
		if err == nil {
			if c.accountant != nil {
				usage := resp.Usage
				if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
					usage = estimateUsage(req, resp)
				}
				c.accountant.Record(usage)
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !swarmerrors.IsTransient(err) {
			return nil, err
		}
		if delivered != nil && *delivered {
			return nil, fmt.Errorf("stream failed after partial output: %w", err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("llm request failed after %d attempts: %w", c.maxAttempts, lastErr)
}

func (c *retryClient) attempt(ctx context.Context, call func(context.Context) (*Response, error)) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx); err != nil {
			return nil, err
		}
		defer c.limiter.Release()
	}
	return call(ctx)
}

// estimateUsage counts tokens locally when the provider omits the usage
// block, as some OpenAI-compatible backends do on streamed responses.
func estimateUsage(req Request, resp *Response) token.Usage {
	prompt := 0
	for _, msg := range req.Messages {
		prompt += token.Count(msg.Content)
		for _, tc := range msg.ToolCalls {
			prompt += token.Count(tc.Name) + token.Count(tc.Arguments)
		}
	}
	completion := token.Count(resp.Content)
	for _, tc := range resp.ToolCalls {
		completion += token.Count(tc.Name) + token.Count(tc.Arguments)
	}
	return token.Usage{PromptTokens: prompt, CompletionTokens: completion}
}

// backoffDelay grows as base*2^failure plus up to 500ms of jitter.
func (c *retryClient) backoffDelay(failure int) time.Duration {
	delay := c.backoffBase * (1 << uint(failure))
	jitter := time.Duration(rand.Int63n(int64(500 * time.Millisecond)))
	if c.backoffBase < time.Second {
		// Keep tests fast: scale jitter with the shrunk base.
		jitter = time.Duration(rand.Int63n(int64(c.backoffBase) + 1))
	}
	return delay + jitter
}

// Holder publishes the active client to concurrent readers and lets the
// configuration layer swap it when the model or endpoint changes.
type Holder struct {
	mu     sync.RWMutex
	client ChatClient
}

// NewHolder wraps client.
func NewHolder(client ChatClient) *Holder {
	return &Holder{client: client}
}

// Get returns the current client.
func (h *Holder) Get() ChatClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.client
}

// Swap replaces the current client.
func (h *Holder) Swap(client ChatClient) {
	h.mu.Lock()
	h.client = client
	h.mu.Unlock()
}
