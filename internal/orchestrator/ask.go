package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"codeswarm/internal/jsonx"
	"codeswarm/internal/llm"
)

// jsonRetries is how many extra attempts a malformed reply gets.
const jsonRetries = 2

// askOrchestrator sends a user message on the orchestrator conversation
// and decodes the JSON reply into target. Malformed replies are retried
// with a reminder; the final assistant reply is always appended to the
// conversation.
func (o *Orchestrator) askOrchestrator(ctx context.Context, userMessage string, target any) error {
	pc := o.mgr.Context()
	pc.OrchestratorMessages = append(pc.OrchestratorMessages, llm.Message{
		Role: llm.RoleUser, Content: userMessage,
	})

	var lastContent string
	for attempt := 0; attempt <= jsonRetries; attempt++ {
		pc.OrchestratorMessages = o.ctxmgr.Prepare(ctx, pc.OrchestratorMessages)

		resp, err := o.clients.Get().Complete(ctx, llm.Request{
			Messages:    pc.OrchestratorMessages,
			Temperature: o.cfg.Temperature,
			MaxTokens:   o.cfg.MaxTokens,
		})
		if err != nil {
			return err
		}
		lastContent = resp.Content

		pc.OrchestratorMessages = append(pc.OrchestratorMessages, llm.Message{
			Role: llm.RoleAssistant, Content: resp.Content,
		})

		if strings.TrimSpace(resp.Content) != "" && jsonx.SalvageInto(resp.Content, target) {
			return nil
		}

		if attempt < jsonRetries {
			o.logger.Warn("orchestrator reply was not valid JSON (attempt %d), reminding", attempt+1)
			pc.OrchestratorMessages = append(pc.OrchestratorMessages, llm.Message{
				Role: llm.RoleUser, Content: jsonReminderPrompt,
			})
		}
	}

	return fmt.Errorf("orchestrator reply was not valid JSON after %d attempts: %s",
		jsonRetries+1, snippet(lastContent))
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	if s == "" {
		return "(empty)"
	}
	return s
}
