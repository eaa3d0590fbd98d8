// Package task owns the subtask model and its mutation rules. Subtasks are
// created by the planner, mutated only through the Manager, and never
// deleted; completed ones remain visible as sibling context.
package task

import (
	"github.com/google/uuid"

	"codeswarm/internal/llm"
)

// Status is a subtask lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ResultCap bounds stored worker summaries to keep later prompts small.
// Truncation happens at storage time.
const ResultCap = 2000

// WorkerUnassigned marks a subtask with no worker index.
const WorkerUnassigned = -1

// Subtask is the unit of dispatchable work.
type Subtask struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Dependencies   []string `json:"dependencies,omitempty"`
	AssignedWorker int      `json:"assigned_worker"`
	Status         Status   `json:"status"`
	Result         string   `json:"result,omitempty"`
	Artifacts      []string `json:"artifacts,omitempty"`
	Attempts       int      `json:"attempts"`
	Feedback       string   `json:"feedback,omitempty"`
}

// ProjectContext is the root aggregate for one build: the goal, the subtask
// collection, and the orchestrator's running conversation.
type ProjectContext struct {
	ID                   string        `json:"id"`
	RootDir              string        `json:"root_dir"`
	TaskDescription      string        `json:"task_description"`
	Subtasks             []*Subtask    `json:"subtasks"`
	OrchestratorMessages []llm.Message `json:"-"`
	ProjectFileTree      string        `json:"-"`
	PlanningContext      string        `json:"-"`
}

// NewProjectContext creates a fresh context for a build rooted at rootDir.
func NewProjectContext(rootDir, taskDescription string) *ProjectContext {
	return &ProjectContext{
		ID:              uuid.NewString(),
		RootDir:         rootDir,
		TaskDescription: taskDescription,
	}
}

func (p *ProjectContext) find(id string) *Subtask {
	for _, st := range p.Subtasks {
		if st.ID == id {
			return st
		}
	}
	return nil
}

func newSubtaskID() string {
	return "st-" + uuid.NewString()[:8]
}
