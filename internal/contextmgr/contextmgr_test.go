package contextmgr

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeswarm/internal/llm"
)

type stubClient struct {
	summary string
	err     error
	calls   int
	lastReq llm.Request
}

func (s *stubClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.calls++
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Content: s.summary, FinishReason: "stop"}, nil
}

func (s *stubClient) StreamComplete(ctx context.Context, req llm.Request, cb llm.StreamCallbacks) (*llm.Response, error) {
	return s.Complete(ctx, req)
}

func (s *stubClient) Model() string { return "stub" }

func smallPolicy() Policy {
	return Policy{BudgetChars: 2000, SummarizeThreshold: 500, KeepRecent: 2, TranscriptCap: 1000}
}

func transcript(n, msgLen int) []llm.Message {
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: "you are a worker"}}
	filler := strings.Repeat("x", msgLen)
	for i := 0; i < n; i++ {
		role := llm.RoleUser
		if i%2 == 1 {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: filler})
	}
	return msgs
}

func TestSizeDerivesFromTokenEstimates(t *testing.T) {
	// Word-dense content costs more tokens than length/4 suggests; the
	// footprint must reflect that, not the raw character count.
	dense := []llm.Message{{Role: llm.RoleUser, Content: "a b c d e f g h"}}
	assert.Greater(t, Size(dense), len(dense[0].Content))

	// Tool calls count toward the footprint too.
	withCall := []llm.Message{{
		Role:      llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{{Name: "read_file", Arguments: `{"path":"main.go"}`}},
	}}
	assert.Greater(t, Size(withCall), 0)
}

func TestPrepareBelowThresholdUnchanged(t *testing.T) {
	stub := &stubClient{summary: "unused"}
	m := NewManager(llm.NewHolder(stub), smallPolicy(), nil)

	msgs := transcript(4, 50)
	got := m.Prepare(context.Background(), msgs)
	assert.Equal(t, msgs, got)
	assert.Equal(t, 0, stub.calls)
}

func TestPrepareSummarizesMiddle(t *testing.T) {
	stub := &stubClient{summary: "built parser, fixed lexer"}
	m := NewManager(llm.NewHolder(stub), smallPolicy(), nil)

	msgs := transcript(10, 100)
	got := m.Prepare(context.Background(), msgs)

	require.Equal(t, 1, stub.calls)
	assert.Less(t, len(got), len(msgs))

	// system prompt survives at the front
	assert.Equal(t, "you are a worker", got[0].Content)

	// summary enters as a tagged synthetic user turn after the system prompt
	require.True(t, strings.HasPrefix(got[1].Content, SummaryTag))
	assert.Equal(t, llm.RoleUser, got[1].Role)
	assert.Contains(t, got[1].Content, "built parser")

	// the last KeepRecent messages survive verbatim
	tail := got[len(got)-2:]
	assert.Equal(t, msgs[len(msgs)-2:], tail)
}

func TestPrepareTruncatesWhenSummarizerFails(t *testing.T) {
	stub := &stubClient{err: stderrors.New("llm down")}
	m := NewManager(llm.NewHolder(stub), smallPolicy(), nil)

	msgs := transcript(10, 100)
	got := m.Prepare(context.Background(), msgs)

	assert.Equal(t, 1, stub.calls)
	// middle dropped, no summary inserted
	for _, msg := range got {
		assert.False(t, strings.HasPrefix(msg.Content, SummaryTag))
	}
	assert.Equal(t, "you are a worker", got[0].Content)
	assert.Equal(t, msgs[len(msgs)-2:], got[len(got)-2:])
}

func TestPrepareNilHolderTruncates(t *testing.T) {
	m := NewManager(nil, smallPolicy(), nil)
	msgs := transcript(10, 100)
	got := m.Prepare(context.Background(), msgs)
	assert.Less(t, len(got), len(msgs))
}

func TestPrepareKeepsToolPairsTogether(t *testing.T) {
	stub := &stubClient{summary: "s"}
	m := NewManager(llm.NewHolder(stub), smallPolicy(), nil)

	filler := strings.Repeat("y", 120)
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: "sys"},
		{Role: llm.RoleUser, Content: filler},
		{Role: llm.RoleUser, Content: filler},
		{Role: llm.RoleUser, Content: filler},
		{Role: llm.RoleAssistant, Content: filler, ToolCalls: []llm.ToolCall{{ID: "c1", Name: "read_file", Arguments: "{}"}}},
		{Role: llm.RoleTool, Content: filler, ToolCallID: "c1"},
		{Role: llm.RoleUser, Content: filler},
	}
	got := m.Prepare(context.Background(), msgs)

	// no tool message without its assistant request preceding it
	for i, msg := range got {
		if msg.Role != llm.RoleTool {
			continue
		}
		require.Greater(t, i, 0, "tool result at transcript start")
		prev := got[i-1]
		assert.Equal(t, llm.RoleAssistant, prev.Role)
		require.NotEmpty(t, prev.ToolCalls)
		assert.Equal(t, msg.ToolCallID, prev.ToolCalls[0].ID)
	}
}

func TestPrepareEnforcesHardBudget(t *testing.T) {
	// Summarizer returns something, but the kept tail alone busts the budget.
	stub := &stubClient{summary: "s"}
	policy := Policy{BudgetChars: 300, SummarizeThreshold: 200, KeepRecent: 4, TranscriptCap: 500}
	m := NewManager(llm.NewHolder(stub), policy, nil)

	msgs := transcript(8, 150)
	got := m.Prepare(context.Background(), msgs)
	assert.LessOrEqual(t, Size(got), policy.BudgetChars+150,
		"budget enforcement must evict down to roughly the cap")
	assert.Equal(t, "you are a worker", got[0].Content)
}

func TestRenderTranscriptFoldsPriorSummaries(t *testing.T) {
	text := renderTranscript([]llm.Message{
		{Role: llm.RoleSystem, Content: SummaryTag + "\nold facts"},
		{Role: llm.RoleUser, Content: "new question"},
	}, 0)
	assert.Contains(t, text, "earlier summary: old facts")
	assert.Contains(t, text, "user: new question")
}

func TestRenderTranscriptCapsFromFront(t *testing.T) {
	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: strings.Repeat("a", 100)},
		{Role: llm.RoleUser, Content: "keep-this-tail"},
	}
	text := renderTranscript(msgs, 40)
	assert.LessOrEqual(t, len(text), 40)
	assert.Contains(t, text, "keep-this-tail")
}
