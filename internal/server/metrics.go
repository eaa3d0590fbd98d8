package server

import (
	promclient "github.com/prometheus/client_golang/prometheus"

	"codeswarm/internal/bus"
	"codeswarm/internal/llm"
	"codeswarm/internal/orchestrator"
	"codeswarm/internal/token"
	"codeswarm/internal/worker"
)

// Metrics exports build activity to Prometheus. Everything is fed from
// the event bus so the build pipeline stays unaware of the collector.
type Metrics struct {
	registry *promclient.Registry

	subtasksAssigned  promclient.Counter
	subtasksCompleted promclient.Counter
	filesWritten      promclient.Counter
	iterations        promclient.Counter
	llmRetries        promclient.Counter
	rateLimitWaits    promclient.Counter

	promptTokens     promclient.Gauge
	completionTokens promclient.Gauge
	llmCalls         promclient.Gauge

	unsubscribe []func()
}

// NewMetrics builds the collector set on a private registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "codeswarm"
	}
	m := &Metrics{
		registry: promclient.NewRegistry(),
		subtasksAssigned: promclient.NewCounter(promclient.CounterOpts{
			Namespace: namespace, Name: "subtasks_assigned_total",
			Help: "Subtask dispatches to workers.",
		}),
		subtasksCompleted: promclient.NewCounter(promclient.CounterOpts{
			Namespace: namespace, Name: "subtasks_completed_total",
			Help: "Subtasks finished successfully by workers.",
		}),
		filesWritten: promclient.NewCounter(promclient.CounterOpts{
			Namespace: namespace, Name: "files_written_total",
			Help: "Files written or patched by worker tools.",
		}),
		iterations: promclient.NewCounter(promclient.CounterOpts{
			Namespace: namespace, Name: "orchestrator_iterations_total",
			Help: "Orchestrator main-loop iterations.",
		}),
		llmRetries: promclient.NewCounter(promclient.CounterOpts{
			Namespace: namespace, Name: "llm_retries_total",
			Help: "LLM calls retried after transient failures.",
		}),
		rateLimitWaits: promclient.NewCounter(promclient.CounterOpts{
			Namespace: namespace, Name: "rate_limit_waits_total",
			Help: "Times a caller slept for the hourly rate window.",
		}),
		promptTokens: promclient.NewGauge(promclient.GaugeOpts{
			Namespace: namespace, Name: "prompt_tokens",
			Help: "Prompt tokens consumed by the current build.",
		}),
		completionTokens: promclient.NewGauge(promclient.GaugeOpts{
			Namespace: namespace, Name: "completion_tokens",
			Help: "Completion tokens consumed by the current build.",
		}),
		llmCalls: promclient.NewGauge(promclient.GaugeOpts{
			Namespace: namespace, Name: "llm_calls",
			Help: "LLM calls made by the current build.",
		}),
	}
	m.registry.MustRegister(
		m.subtasksAssigned, m.subtasksCompleted, m.filesWritten, m.iterations,
		m.llmRetries, m.rateLimitWaits,
		m.promptTokens, m.completionTokens, m.llmCalls,
	)
	return m
}

// Registry returns the private registry for the /metrics handler.
func (m *Metrics) Registry() *promclient.Registry { return m.registry }

// Observe wires the collectors to the bus. Call Close to detach.
func (m *Metrics) Observe(events *bus.Bus) {
	sub := func(topic string, fn bus.Handler) {
		m.unsubscribe = append(m.unsubscribe, events.Subscribe(topic, fn))
	}

	sub(bus.TopicSubtaskAssigned, func(bus.Event) { m.subtasksAssigned.Inc() })
	sub(bus.TopicSubtaskCompleted, func(bus.Event) { m.subtasksCompleted.Inc() })
	sub(bus.TopicFileWritten, func(ev bus.Event) {
		if _, ok := ev.Payload.(worker.FileWritten); ok {
			m.filesWritten.Inc()
		}
	})
	sub(bus.TopicOrchestratorIteration, func(ev bus.Event) {
		if n, ok := ev.Payload.(orchestrator.IterationNotice); ok && !n.Exhausted {
			m.iterations.Inc()
		}
	})
	sub(bus.TopicLLMRetry, func(ev bus.Event) {
		if _, ok := ev.Payload.(llm.RetryNotice); ok {
			m.llmRetries.Inc()
		}
	})
	sub(bus.TopicRateLimitWait, func(bus.Event) { m.rateLimitWaits.Inc() })
	sub(bus.TopicTokensUpdate, func(ev bus.Event) {
		if t, ok := ev.Payload.(token.Totals); ok {
			m.promptTokens.Set(float64(t.PromptTokens))
			m.completionTokens.Set(float64(t.CompletionTokens))
			m.llmCalls.Set(float64(t.Calls))
		}
	})
}

// Close detaches the collectors from the bus.
func (m *Metrics) Close() {
	for _, unsub := range m.unsubscribe {
		unsub()
	}
	m.unsubscribe = nil
}
