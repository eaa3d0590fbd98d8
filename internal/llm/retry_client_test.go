package llm

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeswarm/internal/bus"
	swarmerrors "codeswarm/internal/errors"
	"codeswarm/internal/ratelimit"
	"codeswarm/internal/token"
)

type scriptedClient struct {
	calls     int
	responses []func() (*Response, error)
	streamed  string
}

func (s *scriptedClient) next() (*Response, error) {
	idx := s.calls
	s.calls++
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	return s.responses[idx]()
}

func (s *scriptedClient) Complete(ctx context.Context, req Request) (*Response, error) {
	return s.next()
}

func (s *scriptedClient) StreamComplete(ctx context.Context, req Request, callbacks StreamCallbacks) (*Response, error) {
	if s.streamed != "" && callbacks.OnContentDelta != nil {
		callbacks.OnContentDelta(s.streamed)
	}
	return s.next()
}

func (s *scriptedClient) Model() string { return "scripted" }

func fastRetry(underlying ChatClient, limiter *ratelimit.Limiter, accountant *token.Accountant, events *bus.Bus) *retryClient {
	rc := NewRetryClient(underlying, limiter, accountant, events).(*retryClient)
	rc.backoffBase = time.Millisecond
	return rc
}

func ok(usage token.Usage) func() (*Response, error) {
	return func() (*Response, error) {
		return &Response{Content: "ok", FinishReason: "stop", Usage: usage}, nil
	}
}

func transient() func() (*Response, error) {
	return func() (*Response, error) {
		return nil, swarmerrors.NewTransientError(stderrors.New("boom"), "boom")
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	events := bus.New()
	var notices []RetryNotice
	events.Subscribe(bus.TopicLLMRetry, func(ev bus.Event) {
		notices = append(notices, ev.Payload.(RetryNotice))
	})

	underlying := &scriptedClient{responses: []func() (*Response, error){
		transient(), transient(), ok(token.Usage{PromptTokens: 5, CompletionTokens: 2}),
	}}
	accountant := token.NewAccountant(nil)
	rc := fastRetry(underlying, nil, accountant, events)

	resp, err := rc.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 3, underlying.calls)

	require.Len(t, notices, 2)
	assert.Equal(t, 1, notices[0].Attempt)
	assert.Equal(t, 2, notices[1].Attempt)
	assert.GreaterOrEqual(t, notices[1].Delay, notices[0].Delay)

	assert.Equal(t, 7, accountant.Totals().TotalTokens)
	assert.Equal(t, 1, accountant.Totals().Calls)
}

func TestUsageEstimatedWhenProviderOmitsIt(t *testing.T) {
	underlying := &scriptedClient{responses: []func() (*Response, error){
		ok(token.Usage{}),
	}}
	accountant := token.NewAccountant(nil)
	rc := fastRetry(underlying, nil, accountant, nil)

	_, err := rc.Complete(context.Background(), Request{Messages: []Message{
		{Role: RoleSystem, Content: "you are a planner"},
		{Role: RoleUser, Content: "break the project into subtasks"},
	}})
	require.NoError(t, err)

	totals := accountant.Totals()
	assert.Equal(t, 1, totals.Calls)
	assert.Greater(t, totals.PromptTokens, 0, "missing usage must be estimated, not dropped")
	assert.Greater(t, totals.CompletionTokens, 0)
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	underlying := &scriptedClient{responses: []func() (*Response, error){transient()}}
	rc := fastRetry(underlying, nil, nil, nil)

	_, err := rc.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, defaultMaxAttempts, underlying.calls)
	assert.Contains(t, err.Error(), "after 4 attempts")
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	underlying := &scriptedClient{responses: []func() (*Response, error){
		func() (*Response, error) {
			return nil, swarmerrors.NewPermanentError(stderrors.New("bad key"), "bad key")
		},
	}}
	rc := fastRetry(underlying, nil, nil, nil)

	_, err := rc.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, 1, underlying.calls)
}

func TestStreamNoRetryAfterPartialOutput(t *testing.T) {
	underlying := &scriptedClient{
		streamed:  "partial",
		responses: []func() (*Response, error){transient()},
	}
	rc := fastRetry(underlying, nil, nil, nil)

	var got []string
	_, err := rc.StreamComplete(context.Background(), Request{}, StreamCallbacks{
		OnContentDelta: func(d string) { got = append(got, d) },
	})
	require.Error(t, err)
	assert.Equal(t, 1, underlying.calls, "partial stream must not be retried")
	assert.Contains(t, err.Error(), "partial output")
	assert.Equal(t, []string{"partial"}, got)
}

func TestStreamRetriesBeforeFirstDelta(t *testing.T) {
	underlying := &scriptedClient{responses: []func() (*Response, error){
		transient(), ok(token.Usage{}),
	}}
	rc := fastRetry(underlying, nil, nil, nil)

	resp, err := rc.StreamComplete(context.Background(), Request{}, StreamCallbacks{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 2, underlying.calls)
}

func TestRetryAcquiresLimiterPerAttempt(t *testing.T) {
	limiter := ratelimit.New("llm", 1, 1000, nil)
	underlying := &scriptedClient{responses: []func() (*Response, error){
		transient(), ok(token.Usage{}),
	}}
	rc := fastRetry(underlying, limiter, nil, nil)

	_, err := rc.Complete(context.Background(), Request{})
	require.NoError(t, err)

	// Slot released after the call completes.
	active, _ := limiter.Stats()
	assert.Equal(t, 0, active)
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	underlying := &scriptedClient{responses: []func() (*Response, error){transient()}}
	rc := NewRetryClient(underlying, nil, nil, nil).(*retryClient)
	rc.backoffBase = time.Hour // would stall without cancellation

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := rc.Complete(ctx, Request{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHolderSwap(t *testing.T) {
	a := &scriptedClient{responses: []func() (*Response, error){ok(token.Usage{})}}
	b := &scriptedClient{responses: []func() (*Response, error){ok(token.Usage{})}}

	h := NewHolder(a)
	assert.Same(t, ChatClient(a), h.Get())
	h.Swap(b)
	assert.Same(t, ChatClient(b), h.Get())
}
