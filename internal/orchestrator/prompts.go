package orchestrator

import (
	"fmt"
	"strings"

	"codeswarm/internal/task"
)

// reviewSummaryCap bounds how much of each worker summary reaches the
// review prompt.
const reviewSummaryCap = 1500

const orchestratorSystemPrompt = `You are the orchestrator of an autonomous software-building swarm.
You break a project into subtasks, dispatch them to parallel workers, review their output, and drive the build to a verified finish.
Always respond with ONLY valid JSON matching the requested shape. No markdown fences, no commentary.`

func planPrompt(taskDescription, analysis string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project to build:\n%s\n", taskDescription)
	if analysis != "" {
		fmt.Fprintf(&b, "\nCurrent state of the project directory:\n%s\n", analysis)
	}
	b.WriteString(`
Break this into 2-8 concrete subtasks a coding worker can finish independently.
Declare dependencies between subtasks by title (or plan index) where ordering matters.

Respond with JSON:
{"subtasks": [{"title": "...", "description": "...", "dependencies": ["title of prerequisite"]}]}`)
	return b.String()
}

func reviewPrompt(batch []task.Subtask, statusSummary string) string {
	var b strings.Builder
	b.WriteString("Review the results of the last batch of subtasks.\n\n")
	for _, st := range batch {
		fmt.Fprintf(&b, "Subtask %s: %s\nStatus: %s\n", st.ID, st.Title, st.Status)
		if len(st.Artifacts) > 0 {
			fmt.Fprintf(&b, "Files: %s\n", strings.Join(st.Artifacts, ", "))
		}
		summary := st.Result
		if len(summary) > reviewSummaryCap {
			summary = summary[:reviewSummaryCap] + "..."
		}
		if summary != "" {
			fmt.Fprintf(&b, "Worker summary:\n%s\n", summary)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Overall project status:\n%s\n", statusSummary)
	b.WriteString(`
For each reviewed subtask decide: "accept" (work is good), "revise" (same worker retries with your feedback), or "reassign" (another worker should take it; include feedback).

Respond with JSON:
{"decisions": [{"subtask_id": "...", "verdict": "accept|revise|reassign", "feedback": "..."}]}`)
	return b.String()
}

func fixPrompt(report, statusSummary string) string {
	return fmt.Sprintf(`All subtasks are complete but verification failed.

Verifier report:
%s

Project status:
%s

Plan the minimal subtasks needed to fix these errors.

Respond with JSON:
{"subtasks": [{"title": "...", "description": "...", "dependencies": []}]}`, report, statusSummary)
}

func finalReviewPrompt(statusSummary, report string) string {
	return fmt.Sprintf(`Verification passed. Decide whether the project fulfils its goal.

Project status:
%s

Verifier report:
%s

Respond with JSON, either:
{"status": "done", "summary": "what was built"}
or:
{"status": "needs_more", "summary": "what is missing", "additional_subtasks": [{"title": "...", "description": "...", "dependencies": []}]}`, statusSummary, report)
}

func resumePrompt(statusSummary string) string {
	return fmt.Sprintf(`[RESUMED FROM CHECKPOINT]
The build was interrupted and has been restored. Current status:
%s

Continue from here: remaining subtasks will be dispatched automatically.`, statusSummary)
}

func continuationPrompt(changeRequest, statusSummary string) string {
	return fmt.Sprintf(`[CONTINUATION]
The project was built successfully. The user now requests changes:
%s

Current project status:
%s

Plan the subtasks for these changes. Completed subtasks will not be re-run.

Respond with JSON:
{"subtasks": [{"title": "...", "description": "...", "dependencies": []}]}`, changeRequest, statusSummary)
}

const jsonReminderPrompt = "Your response was not valid JSON. Respond with ONLY valid JSON."
