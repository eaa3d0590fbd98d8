package task

import (
	"os"
	"path/filepath"
	"time"

	"codeswarm/internal/jsonx"
	"codeswarm/internal/logging"
)

// CheckpointFile is the well-known checkpoint name at the project root.
const CheckpointFile = ".swarm-checkpoint.json"

// Checkpoint is the persisted shape of a build in progress. Orchestrator
// messages are deliberately absent; resume rebuilds the conversation from
// a fresh system prompt and the status summary.
type Checkpoint struct {
	ProjectID       string     `json:"project_id"`
	RootDir         string     `json:"root_dir"`
	TaskDescription string     `json:"task_description"`
	SavedAt         time.Time  `json:"saved_at"`
	Subtasks        []*Subtask `json:"subtasks"`
}

// Checkpointer saves and restores build state.
type Checkpointer struct {
	logger logging.Logger
}

// NewCheckpointer builds a checkpointer.
func NewCheckpointer(logger logging.Logger) *Checkpointer {
	return &Checkpointer{logger: logging.OrNop(logger)}
}

// Path returns the checkpoint location for a project root.
func (c *Checkpointer) Path(rootDir string) string {
	return filepath.Join(rootDir, CheckpointFile)
}

// Save writes the context's subtasks atomically (temp file + rename).
func (c *Checkpointer) Save(ctx *ProjectContext) error {
	cp := Checkpoint{
		ProjectID:       ctx.ID,
		RootDir:         ctx.RootDir,
		TaskDescription: ctx.TaskDescription,
		SavedAt:         time.Now(),
		Subtasks:        ctx.Subtasks,
	}
	data, err := jsonx.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}

	target := c.Path(ctx.RootDir)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	c.logger.Debug("checkpoint saved: %d subtasks", len(cp.Subtasks))
	return nil
}

// Load reads a checkpoint from rootDir. Absent or unparseable files load
// as nothing. Subtasks interrupted mid-flight come back as pending.
func (c *Checkpointer) Load(rootDir string) (*Checkpoint, bool) {
	data, err := os.ReadFile(c.Path(rootDir))
	if err != nil {
		return nil, false
	}
	var cp Checkpoint
	if err := jsonx.Unmarshal(data, &cp); err != nil {
		c.logger.Warn("ignoring corrupt checkpoint: %v", err)
		return nil, false
	}
	if len(cp.Subtasks) == 0 {
		return nil, false
	}
	for _, st := range cp.Subtasks {
		if st.Status == StatusInProgress {
			st.Status = StatusPending
			st.AssignedWorker = WorkerUnassigned
		}
	}
	return &cp, true
}

// Restore builds a ProjectContext from a loaded checkpoint.
func (cp *Checkpoint) Restore() *ProjectContext {
	return &ProjectContext{
		ID:              cp.ProjectID,
		RootDir:         cp.RootDir,
		TaskDescription: cp.TaskDescription,
		Subtasks:        cp.Subtasks,
	}
}

// Remove deletes the checkpoint file, ignoring absence.
func (c *Checkpointer) Remove(rootDir string) {
	_ = os.Remove(c.Path(rootDir))
}
