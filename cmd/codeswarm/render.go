package main

import (
	"fmt"
	"strings"

	"codeswarm/internal/bus"
	"codeswarm/internal/llm"
	"codeswarm/internal/orchestrator"
	"codeswarm/internal/ratelimit"
	"codeswarm/internal/task"
	"codeswarm/internal/worker"
)

// renderer turns bus events into terminal output. It keeps subtask titles
// around so progress lines can name work instead of showing ids.
type renderer struct {
	verbose   bool
	titles    map[string]string
	streaming bool
}

func newRenderer(verbose bool) *renderer {
	return &renderer{verbose: verbose, titles: make(map[string]string)}
}

func (r *renderer) attach(events *bus.Bus) {
	events.Subscribe(bus.TopicOrchestratorPlan, func(ev bus.Event) {
		added, ok := ev.Payload.([]task.Subtask)
		if !ok {
			return
		}
		r.breakStream()
		fmt.Printf("%s %d subtasks planned\n", bold("plan:"), len(added))
		for _, st := range added {
			r.titles[st.ID] = st.Title
			fmt.Printf("  %s %s\n", gray("•"), st.Title)
		}
	})

	events.Subscribe(bus.TopicOrchestratorIteration, func(ev bus.Event) {
		n, ok := ev.Payload.(orchestrator.IterationNotice)
		if !ok || n.Exhausted {
			return
		}
		r.breakStream()
		fmt.Printf("%s iteration %d %s\n", gray("──"),
			n.Iteration, gray(fmt.Sprintf("(%d/%d done)", n.Completed, n.Total)))
	})

	events.Subscribe(bus.TopicSubtaskAssigned, func(ev bus.Event) {
		p, ok := ev.Payload.(worker.Progress)
		if !ok {
			return
		}
		r.breakStream()
		fmt.Printf("%s worker %d → %s\n", blue("▶"), p.Worker, r.title(p.SubtaskID))
	})

	events.Subscribe(bus.TopicSubtaskProgress, func(ev bus.Event) {
		p, ok := ev.Payload.(worker.Progress)
		if !ok {
			return
		}
		r.breakStream()
		fmt.Printf("  %s %s\n", gray("tool:"), gray(p.Tool))
	})

	events.Subscribe(bus.TopicSubtaskCompleted, func(ev bus.Event) {
		p, ok := ev.Payload.(worker.Progress)
		if !ok {
			return
		}
		r.breakStream()
		fmt.Printf("%s worker %d finished %s\n", green("✓"), p.Worker, r.title(p.SubtaskID))
	})

	events.Subscribe(bus.TopicFileWritten, func(ev bus.Event) {
		f, ok := ev.Payload.(worker.FileWritten)
		if !ok {
			return
		}
		r.breakStream()
		fmt.Printf("  %s %s\n", cyan("wrote"), f.Path)
	})

	events.Subscribe(bus.TopicOrchestratorReview, func(ev bus.Event) {
		decisions, ok := ev.Payload.([]task.ReviewDecision)
		if !ok || len(decisions) == 0 {
			return
		}
		r.breakStream()
		var parts []string
		for _, d := range decisions {
			parts = append(parts, fmt.Sprintf("%s %s", r.title(d.SubtaskID), verdictColor(d.Verdict)))
		}
		fmt.Printf("%s %s\n", bold("review:"), strings.Join(parts, ", "))
	})

	events.Subscribe(bus.TopicLLMRetry, func(ev bus.Event) {
		n, ok := ev.Payload.(llm.RetryNotice)
		if !ok {
			return
		}
		r.breakStream()
		fmt.Printf("%s llm retry %d in %s %s\n", yellow("↻"), n.Attempt, n.Delay, gray(n.Reason))
	})

	events.Subscribe(bus.TopicRateLimitWait, func(ev bus.Event) {
		n, ok := ev.Payload.(ratelimit.WaitNotice)
		if !ok {
			return
		}
		r.breakStream()
		fmt.Printf("%s %s waiting %s for the hourly window\n", yellow("⏳"), n.Limiter, n.Wait)
	})

	events.Subscribe(bus.TopicProjectDone, func(ev bus.Event) {
		d, ok := ev.Payload.(orchestrator.Done)
		if !ok {
			return
		}
		r.breakStream()
		fmt.Printf("%s %s\n", green("done:"), d.Summary)
	})

	events.Subscribe(bus.TopicProjectError, func(ev bus.Event) {
		msg, ok := ev.Payload.(string)
		if !ok {
			return
		}
		r.breakStream()
		fmt.Printf("%s %s\n", red("error:"), msg)
	})

	if r.verbose {
		events.Subscribe(bus.TopicWorkerToken, func(ev bus.Event) {
			d, ok := ev.Payload.(worker.TokenDelta)
			if !ok {
				return
			}
			fmt.Print(gray(d.Delta))
			r.streaming = true
		})
	}
}

// breakStream terminates a partial streamed line before structured output.
func (r *renderer) breakStream() {
	if r.streaming {
		fmt.Println()
		r.streaming = false
	}
}

func (r *renderer) title(id string) string {
	if t, ok := r.titles[id]; ok {
		return t
	}
	return id
}

func verdictColor(verdict string) string {
	switch verdict {
	case task.VerdictAccept:
		return green(verdict)
	case task.VerdictRevise:
		return yellow(verdict)
	case task.VerdictReassign:
		return cyan(verdict)
	default:
		return verdict
	}
}
