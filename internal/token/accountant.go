package token

import (
	"sync"

	"codeswarm/internal/bus"
)

// Usage mirrors the usage block of a chat completion response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Totals is the aggregate published on bus.TopicTokensUpdate.
type Totals struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	Calls            int `json:"calls"`
}

// Accountant aggregates prompt/completion tokens across every LLM call in
// a build.
type Accountant struct {
	mu     sync.Mutex
	totals Totals
	events *bus.Bus
}

// NewAccountant creates an accountant. events may be nil.
func NewAccountant(events *bus.Bus) *Accountant {
	return &Accountant{events: events}
}

// Record adds one response's usage to the running totals and publishes the
// aggregate.
func (a *Accountant) Record(u Usage) {
	a.mu.Lock()
	a.totals.PromptTokens += u.PromptTokens
	a.totals.CompletionTokens += u.CompletionTokens
	a.totals.TotalTokens += u.PromptTokens + u.CompletionTokens
	a.totals.Calls++
	snapshot := a.totals
	a.mu.Unlock()

	if a.events != nil {
		a.events.Publish(bus.TopicTokensUpdate, snapshot)
	}
}

// Totals returns a snapshot of the aggregate.
func (a *Accountant) Totals() Totals {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totals
}

// Reset zeroes the aggregate at the start of a new build.
func (a *Accountant) Reset() {
	a.mu.Lock()
	a.totals = Totals{}
	a.mu.Unlock()
}
