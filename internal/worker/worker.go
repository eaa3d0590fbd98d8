// Package worker drives a single subtask to completion: a streaming LLM
// loop that executes tool calls until the model stops asking for them or
// the loop budget runs out.
package worker

import (
	"context"
	"fmt"
	"strings"

	"codeswarm/internal/bus"
	"codeswarm/internal/llm"
	"codeswarm/internal/logging"
	"codeswarm/internal/task"
	"codeswarm/internal/token"
	"codeswarm/internal/tools"
)

// toolResultCap bounds what one tool result contributes to the
// transcript, in tokens.
const toolResultCap = 2_500

// TokenDelta is the bus.TopicWorkerToken payload.
type TokenDelta struct {
	Worker    int
	SubtaskID string
	Delta     string
}

// Progress is the bus.TopicSubtaskProgress payload, one per tool call.
type Progress struct {
	Worker    int
	SubtaskID string
	Tool      string
}

// FileWritten is the bus.TopicFileWritten payload.
type FileWritten struct {
	Worker    int
	SubtaskID string
	Path      string
}

// Assignment is everything a worker needs to attempt one subtask.
type Assignment struct {
	Subtask     task.Subtask
	RootDir     string
	FileTree    string
	Siblings    []task.Subtask // completed subtasks, for context
	Limitations string         // operator guidance about known tool limits
	Temperature float64
	MaxTokens   int
}

// Worker owns one tool registry and executes assignments sequentially.
type Worker struct {
	index        int
	clients      *llm.Holder
	registry     *tools.Registry
	events       *bus.Bus
	logger       logging.Logger
	maxToolLoops int
}

// New builds a worker. Each worker gets its own registry so tool state
// (locks excepted) is never shared.
func New(index int, clients *llm.Holder, registry *tools.Registry, events *bus.Bus, maxToolLoops int, logger logging.Logger) *Worker {
	if maxToolLoops < 1 {
		maxToolLoops = 20
	}
	return &Worker{
		index:        index,
		clients:      clients,
		registry:     registry,
		events:       events,
		logger:       logging.OrNop(logger),
		maxToolLoops: maxToolLoops,
	}
}

// Index returns the worker's stable index.
func (w *Worker) Index() int {
	return w.index
}

// Run executes one subtask. It never panics outward and never returns an
// error: every failure becomes a failed WorkerResult.
func (w *Worker) Run(ctx context.Context, a Assignment) (result task.WorkerResult) {
	result = task.WorkerResult{SubtaskID: a.Subtask.ID, Status: task.StatusFailed}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker %d panic on subtask %s: %v", w.index, a.Subtask.ID, r)
			result.Err = fmt.Sprintf("worker panic: %v", r)
		}
	}()

	w.publish(bus.TopicSubtaskAssigned, Progress{Worker: w.index, SubtaskID: a.Subtask.ID})
	w.logger.Info("worker %d starting subtask %s: %s", w.index, a.Subtask.ID, a.Subtask.Title)

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: w.systemPrompt(a)},
		{Role: llm.RoleUser, Content: w.userPrompt(a)},
	}

	var artifacts []string
	var lastContent string

	for loop := 0; loop < w.maxToolLoops; loop++ {
		resp, err := w.clients.Get().StreamComplete(ctx, llm.Request{
			Messages:    messages,
			Tools:       w.registry.Definitions(),
			Temperature: a.Temperature,
			MaxTokens:   a.MaxTokens,
		}, llm.StreamCallbacks{
			OnContentDelta: func(delta string) {
				w.publish(bus.TopicWorkerToken, TokenDelta{
					Worker: w.index, SubtaskID: a.Subtask.ID, Delta: delta,
				})
			},
		})
		if err != nil {
			w.logger.Warn("worker %d llm call failed: %v", w.index, err)
			result.Err = err.Error()
			result.Artifacts = artifacts
			return result
		}
		lastContent = resp.Content

		if len(resp.ToolCalls) == 0 {
			result.Status = task.StatusCompleted
			result.Summary = resp.Content
			result.Artifacts = artifacts
			w.publish(bus.TopicSubtaskCompleted, Progress{Worker: w.index, SubtaskID: a.Subtask.ID})
			return result
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			w.publish(bus.TopicSubtaskProgress, Progress{
				Worker: w.index, SubtaskID: a.Subtask.ID, Tool: call.Name,
			})

			res := w.invokeWithRetry(ctx, call)
			if rel, ok := res.Metadata[tools.MetaArtifact].(string); ok && rel != "" {
				artifacts = append(artifacts, rel)
				w.publish(bus.TopicFileWritten, FileWritten{
					Worker: w.index, SubtaskID: a.Subtask.ID, Path: rel,
				})
			}

			output := token.Truncate(res.Rendered(), toolResultCap)
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    output,
				ToolCallID: call.ID,
			})
		}
	}

	w.logger.Warn("worker %d exhausted %d tool loops on subtask %s", w.index, w.maxToolLoops, a.Subtask.ID)
	result.Err = "max_iterations"
	result.Summary = lastContent
	result.Artifacts = artifacts
	return result
}

// invokeWithRetry runs a tool call, retrying once on failure. A second
// failure is handed to the model as the tool result.
func (w *Worker) invokeWithRetry(ctx context.Context, call llm.ToolCall) *tools.Result {
	res := w.registry.Invoke(ctx, call.ID, call.Name, call.Arguments)
	if res.Err == nil || ctx.Err() != nil {
		return res
	}
	w.logger.Debug("worker %d retrying tool %s after: %v", w.index, call.Name, res.Err)
	retry := w.registry.Invoke(ctx, call.ID, call.Name, call.Arguments)
	if retry.Err == nil {
		return retry
	}
	return res
}

func (w *Worker) publish(topic string, payload any) {
	if w.events != nil {
		w.events.Publish(topic, payload)
	}
}

func (w *Worker) systemPrompt(a Assignment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are worker %d of an autonomous software-building swarm.\n", w.index)
	fmt.Fprintf(&b, "Project root: %s\n\n", a.RootDir)
	b.WriteString("Rules:\n")
	b.WriteString("- Complete ONLY your assigned subtask; siblings handle the rest.\n")
	b.WriteString("- Use tools for all filesystem and shell work; paths are relative to the project root.\n")
	b.WriteString("- Prefer patch_file for small edits, write_file for new or rewritten files.\n")
	b.WriteString("- When the subtask is done, reply WITHOUT tool calls, summarizing what you built and which files you touched.\n")
	if a.Limitations != "" {
		fmt.Fprintf(&b, "\nKnown limitations:\n%s\n", a.Limitations)
	}
	return b.String()
}

func (w *Worker) userPrompt(a Assignment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subtask: %s\n%s\n", a.Subtask.Title, a.Subtask.Description)
	if a.Subtask.Feedback != "" {
		fmt.Fprintf(&b, "\nReviewer feedback on the previous attempt:\n%s\n", a.Subtask.Feedback)
	}
	if a.FileTree != "" {
		fmt.Fprintf(&b, "\nProject files:\n%s\n", a.FileTree)
	}
	if len(a.Siblings) > 0 {
		b.WriteString("\nAlready completed by siblings:\n")
		for _, s := range a.Siblings {
			fmt.Fprintf(&b, "- %s", s.Title)
			if len(s.Artifacts) > 0 {
				fmt.Fprintf(&b, " (files: %s)", strings.Join(s.Artifacts, ", "))
			}
			if s.Result != "" {
				fmt.Fprintf(&b, "\n  %s", firstLine(s.Result))
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
