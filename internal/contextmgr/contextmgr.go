// Package contextmgr keeps conversation transcripts inside the model's
// context window. When a transcript grows past the summarize threshold the
// older middle is condensed into a single tagged summary message; if
// summarization fails the middle is dropped outright.
package contextmgr

import (
	"context"
	"fmt"
	"strings"

	"codeswarm/internal/llm"
	"codeswarm/internal/logging"
	"codeswarm/internal/token"
)

// SummaryTag prefixes every condensed-history message so later passes can
// recognize and replace prior summaries.
const SummaryTag = "[CONTEXT SUMMARY]"

const summarizerPrompt = "You compress conversation history. Produce a dense summary of the " +
	"transcript below: decisions made, files created or modified, tool results that still " +
	"matter, and any unresolved problems. Plain text, no preamble."

// Policy holds the sizing knobs, all measured in characters
// (1 token is roughly 4 characters).
type Policy struct {
	// BudgetChars is the hard ceiling enforced after summarization.
	BudgetChars int
	// SummarizeThreshold triggers condensation when exceeded.
	SummarizeThreshold int
	// KeepRecent messages are never summarized away.
	KeepRecent int
	// TranscriptCap bounds how much of the middle is fed to the summarizer.
	TranscriptCap int
}

// DefaultPolicy returns the standard sizing.
func DefaultPolicy() Policy {
	return Policy{
		BudgetChars:        96_000,
		SummarizeThreshold: 64_000,
		KeepRecent:         8,
		TranscriptCap:      40_000,
	}
}

// Manager applies a Policy to transcripts, using an LLM for condensation.
type Manager struct {
	clients *llm.Holder
	policy  Policy
	logger  logging.Logger
}

// NewManager builds a context manager. clients may be nil, in which case
// condensation degrades to truncation.
func NewManager(clients *llm.Holder, policy Policy, logger logging.Logger) *Manager {
	if policy.BudgetChars <= 0 {
		policy = DefaultPolicy()
	}
	return &Manager{clients: clients, policy: policy, logger: logging.OrNop(logger)}
}

// charsPerToken converts between the char-denominated policy knobs and
// token estimates.
const charsPerToken = 4

// Size reports the transcript footprint in characters, derived from per
// message token estimates rather than raw lengths so token-dense content
// (short words, symbols) is not undercounted.
func Size(messages []llm.Message) int {
	total := 0
	for _, msg := range messages {
		total += token.EstimateFast(msg.Content)
		for _, tc := range msg.ToolCalls {
			total += token.EstimateFast(tc.Arguments) + token.EstimateFast(tc.Name)
		}
	}
	return total * charsPerToken
}

// Prepare returns a transcript fit for the next completion call. Below the
// summarize threshold it is returned unchanged. Above it, everything
// between the leading system messages and the last KeepRecent messages is
// replaced by a single summary; on summarizer failure the middle is
// silently dropped. The budget is then enforced by evicting from the
// front of the kept tail.
func (m *Manager) Prepare(ctx context.Context, messages []llm.Message) []llm.Message {
	if Size(messages) <= m.policy.SummarizeThreshold {
		return messages
	}

	head := 0
	for head < len(messages) && messages[head].Role == llm.RoleSystem {
		head++
	}

	tail := len(messages) - m.policy.KeepRecent
	if tail < head {
		tail = head
	}
	// A tool result must not survive without the assistant turn that
	// requested it; pull the boundary back to a clean cut.
	for tail > head && messages[tail].Role == llm.RoleTool {
		tail--
	}

	if tail <= head {
		return m.enforceBudget(messages, head)
	}

	middle := messages[head:tail]
	result := make([]llm.Message, 0, head+1+len(messages)-tail)
	result = append(result, messages[:head]...)

	if summary, ok := m.summarize(ctx, middle); ok {
		// The condensed history enters the transcript as a synthetic
		// user turn, not a second system prompt.
		result = append(result, llm.Message{
			Role:    llm.RoleUser,
			Content: SummaryTag + "\n" + summary,
		})
	} else {
		m.logger.Warn("summarization unavailable, truncating %d messages", len(middle))
	}
	result = append(result, messages[tail:]...)

	return m.enforceBudget(result, head)
}

func (m *Manager) summarize(ctx context.Context, middle []llm.Message) (string, bool) {
	if m.clients == nil {
		return "", false
	}
	client := m.clients.Get()
	if client == nil {
		return "", false
	}

	transcript := renderTranscript(middle, m.policy.TranscriptCap)
	resp, err := client.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: summarizerPrompt},
			{Role: llm.RoleUser, Content: transcript},
		},
		Temperature: 0.3,
		MaxTokens:   1024,
	})
	if err != nil {
		m.logger.Warn("summarizer call failed: %v", err)
		return "", false
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", false
	}
	return summary, true
}

// renderTranscript flattens messages for the summarizer, keeping the most
// recent cap characters when over budget. Prior summaries are folded in so
// repeated condensation stays cumulative.
func renderTranscript(messages []llm.Message, limit int) string {
	var b strings.Builder
	for _, msg := range messages {
		content := msg.Content
		if strings.HasPrefix(content, SummaryTag) {
			content = strings.TrimSpace(strings.TrimPrefix(content, SummaryTag))
			fmt.Fprintf(&b, "earlier summary: %s\n", content)
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, content)
		for _, tc := range msg.ToolCalls {
			fmt.Fprintf(&b, "  -> called %s(%s)\n", tc.Name, tc.Arguments)
		}
	}
	text := b.String()
	if limit > 0 && len(text) > limit {
		text = text[len(text)-limit:]
	}
	return text
}

// enforceBudget evicts messages after index protect until the transcript
// fits BudgetChars. System messages and summaries before protect stay.
func (m *Manager) enforceBudget(messages []llm.Message, protect int) []llm.Message {
	for Size(messages) > m.policy.BudgetChars && len(messages) > protect+1 {
		cut := protect
		if cut < len(messages) && strings.HasPrefix(messages[cut].Content, SummaryTag) {
			cut++
		}
		if cut >= len(messages)-1 {
			break
		}
		messages = append(messages[:cut:cut], messages[cut+1:]...)
		// Never leave an orphaned tool result at the cut point.
		for cut < len(messages)-1 && messages[cut].Role == llm.RoleTool {
			messages = append(messages[:cut:cut], messages[cut+1:]...)
		}
	}
	return messages
}
