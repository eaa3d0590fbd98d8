package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeswarm/internal/bus"
)

func TestAccountantAggregates(t *testing.T) {
	events := bus.New()
	var published []Totals
	events.Subscribe(bus.TopicTokensUpdate, func(ev bus.Event) {
		published = append(published, ev.Payload.(Totals))
	})

	a := NewAccountant(events)
	a.Record(Usage{PromptTokens: 100, CompletionTokens: 50})
	a.Record(Usage{PromptTokens: 30, CompletionTokens: 20})

	totals := a.Totals()
	assert.Equal(t, 130, totals.PromptTokens)
	assert.Equal(t, 70, totals.CompletionTokens)
	assert.Equal(t, 200, totals.TotalTokens)
	assert.Equal(t, 2, totals.Calls)

	require.Len(t, published, 2)
	assert.Equal(t, 150, published[0].TotalTokens)
}

func TestAccountantReset(t *testing.T) {
	a := NewAccountant(nil)
	a.Record(Usage{PromptTokens: 10, CompletionTokens: 5})
	a.Reset()
	assert.Equal(t, Totals{}, a.Totals())
}

func TestEstimateFast(t *testing.T) {
	assert.Equal(t, 0, EstimateFast(""))
	assert.Equal(t, 0, EstimateFast("   "))
	assert.GreaterOrEqual(t, EstimateFast("hello world this is text"), 5)
	assert.Equal(t, 1, EstimateFast("x"))
}

func TestCountNonEmpty(t *testing.T) {
	n := Count("the quick brown fox jumps over the lazy dog")
	assert.Greater(t, n, 0)
}
