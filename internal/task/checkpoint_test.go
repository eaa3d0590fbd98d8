package task

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointRoundTrip(t *testing.T) {
	root := t.TempDir()
	ctx := NewProjectContext(root, "build an api")
	ctx.Subtasks = []*Subtask{
		{ID: "st-1", Title: "A", Status: StatusCompleted, Attempts: 1,
			Artifacts: []string{"a.go"}, Result: "done", AssignedWorker: 0},
		{ID: "st-2", Title: "B", Status: StatusInProgress, AssignedWorker: 2,
			Dependencies: []string{"st-1"}, Feedback: "hurry"},
		{ID: "st-3", Title: "C", Status: StatusPending, AssignedWorker: WorkerUnassigned},
	}

	cp := NewCheckpointer(nil)
	require.NoError(t, cp.Save(ctx))

	loaded, ok := cp.Load(root)
	require.True(t, ok)
	assert.Equal(t, ctx.ID, loaded.ProjectID)
	assert.Equal(t, "build an api", loaded.TaskDescription)
	require.Len(t, loaded.Subtasks, 3)

	// every field survives, except in_progress resets to pending
	a := loaded.Subtasks[0]
	assert.Equal(t, StatusCompleted, a.Status)
	assert.Equal(t, 1, a.Attempts)
	assert.Equal(t, []string{"a.go"}, a.Artifacts)
	assert.Equal(t, "done", a.Result)

	b := loaded.Subtasks[1]
	assert.Equal(t, StatusPending, b.Status, "interrupted subtask resumes as pending")
	assert.Equal(t, WorkerUnassigned, b.AssignedWorker)
	assert.Equal(t, []string{"st-1"}, b.Dependencies)
	assert.Equal(t, "hurry", b.Feedback)

	restored := loaded.Restore()
	assert.Equal(t, ctx.ID, restored.ID)
	assert.Equal(t, root, restored.RootDir)
}

func TestCheckpointLoadAbsent(t *testing.T) {
	cp := NewCheckpointer(nil)
	_, ok := cp.Load(t.TempDir())
	assert.False(t, ok)
}

func TestCheckpointLoadCorrupt(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, CheckpointFile), []byte("{nope"), 0o644))
	cp := NewCheckpointer(nil)
	_, ok := cp.Load(root)
	assert.False(t, ok)
}

func TestCheckpointRemove(t *testing.T) {
	root := t.TempDir()
	ctx := NewProjectContext(root, "x")
	ctx.Subtasks = []*Subtask{{ID: "st-1", Title: "A", Status: StatusPending}}
	cp := NewCheckpointer(nil)
	require.NoError(t, cp.Save(ctx))
	cp.Remove(root)
	_, ok := cp.Load(root)
	assert.False(t, ok)
}
