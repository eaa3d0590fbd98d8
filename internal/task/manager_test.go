package task

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(NewProjectContext(t.TempDir(), "build a thing"), 3, nil)
}

func TestAddSubtasksResolvesTitleDeps(t *testing.T) {
	m := newTestManager(t)
	added := m.AddSubtasksFromPlan([]PlannedSubtask{
		{Title: "A", Description: "first"},
		{Title: "B", Description: "second", Dependencies: []string{"A"}},
		{Title: "C", Description: "third", Dependencies: []string{"b"}}, // case-insensitive
	})
	require.Len(t, added, 3)
	assert.Equal(t, []string{added[0].ID}, added[1].Dependencies)
	assert.Equal(t, []string{added[1].ID}, added[2].Dependencies)
	for _, st := range added {
		assert.Equal(t, StatusPending, st.Status)
		assert.Equal(t, WorkerUnassigned, st.AssignedWorker)
	}
}

func TestAddSubtasksResolvesOrdinalAndExistingDeps(t *testing.T) {
	m := newTestManager(t)
	first := m.AddSubtasksFromPlan([]PlannedSubtask{{Title: "setup"}})

	added := m.AddSubtasksFromPlan([]PlannedSubtask{
		{Title: "X"},
		{Title: "Y", Dependencies: []string{"0", "setup", "nonsense"}},
	})
	require.Len(t, added, 2)
	// ordinal "0" -> X, title "setup" -> existing, "nonsense" dropped
	assert.Equal(t, []string{added[0].ID, first[0].ID}, added[1].Dependencies)
}

func TestGetReadySubtasksFollowsDependencies(t *testing.T) {
	m := newTestManager(t)
	added := m.AddSubtasksFromPlan([]PlannedSubtask{
		{Title: "A"},
		{Title: "B", Dependencies: []string{"A"}},
		{Title: "C", Dependencies: []string{"B"}},
	})

	ready := m.GetReadySubtasks()
	require.Len(t, ready, 1)
	assert.Equal(t, "A", ready[0].Title)

	require.NoError(t, m.MarkDispatched(added[0].ID, 0))
	assert.Empty(t, m.GetReadySubtasks(), "in_progress is not ready")

	m.ApplyWorkerResult(WorkerResult{SubtaskID: added[0].ID, Status: StatusCompleted, Summary: "done"})
	ready = m.GetReadySubtasks()
	require.Len(t, ready, 1)
	assert.Equal(t, "B", ready[0].Title)
}

func TestUnknownDependencyNeverReady(t *testing.T) {
	m := newTestManager(t)
	ctx := m.Context()
	ctx.Subtasks = append(ctx.Subtasks, &Subtask{
		ID: "orphan", Title: "orphan", Status: StatusPending,
		Dependencies: []string{"ghost"}, AssignedWorker: WorkerUnassigned,
	})
	assert.Empty(t, m.GetReadySubtasks())
}

func TestApplyWorkerResultTruncatesAndAppends(t *testing.T) {
	m := newTestManager(t)
	added := m.AddSubtasksFromPlan([]PlannedSubtask{{Title: "A"}})
	id := added[0].ID
	require.NoError(t, m.MarkDispatched(id, 1))

	long := strings.Repeat("z", ResultCap+500)
	m.ApplyWorkerResult(WorkerResult{
		SubtaskID: id, Status: StatusCompleted, Summary: long,
		Artifacts: []string{"a.go"},
	})

	st, ok := m.Find(id)
	require.True(t, ok)
	assert.Len(t, st.Result, ResultCap)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, []string{"a.go"}, st.Artifacts)
	assert.Equal(t, 1, st.Attempts, "every finished try is counted")
}

func TestFailedResultRequeuesWithFeedbackThenExhausts(t *testing.T) {
	m := newTestManager(t)
	added := m.AddSubtasksFromPlan([]PlannedSubtask{{Title: "A"}})
	id := added[0].ID

	for i := 1; i <= 3; i++ {
		require.NoError(t, m.MarkDispatched(id, 0))
		m.ApplyWorkerResult(WorkerResult{
			SubtaskID: id, Status: StatusFailed, Err: "boom",
			Artifacts: []string{"partial.go"},
		})
		st, _ := m.Find(id)
		assert.Equal(t, i, st.Attempts)
		if i < 3 {
			assert.Equal(t, StatusPending, st.Status)
			assert.Equal(t, "boom", st.Feedback)
		} else {
			assert.Equal(t, StatusFailed, st.Status)
		}
	}

	st, _ := m.Find(id)
	assert.Len(t, st.Artifacts, 3, "artifacts accumulate across failed attempts")
	assert.True(t, m.AnyFailed())
	assert.False(t, m.AllCompleted())
}

func TestReviewDecisions(t *testing.T) {
	m := newTestManager(t)
	added := m.AddSubtasksFromPlan([]PlannedSubtask{{Title: "A"}, {Title: "B"}, {Title: "C"}})
	for i, st := range added {
		require.NoError(t, m.MarkDispatched(st.ID, i))
		m.ApplyWorkerResult(WorkerResult{SubtaskID: st.ID, Status: StatusCompleted, Summary: "ok"})
	}

	m.ApplyReviewDecisions([]ReviewDecision{
		{SubtaskID: added[0].ID, Verdict: VerdictAccept},
		{SubtaskID: added[1].ID, Verdict: VerdictRevise, Feedback: "fix X"},
		{SubtaskID: added[2].ID, Verdict: VerdictReassign, Feedback: "move it"},
	})

	a, _ := m.Find(added[0].ID)
	assert.Equal(t, StatusCompleted, a.Status)

	b, _ := m.Find(added[1].ID)
	assert.Equal(t, StatusPending, b.Status)
	assert.Equal(t, 1, b.Attempts, "the finished try was already counted; revise adds nothing")
	assert.Equal(t, "fix X", b.Feedback)

	c, _ := m.Find(added[2].ID)
	assert.Equal(t, StatusPending, c.Status)
	assert.Equal(t, 1, c.Attempts, "reassign does not charge an attempt")
	assert.Equal(t, WorkerUnassigned, c.AssignedWorker)
}

func TestReviseCycleCountsEachTryOnce(t *testing.T) {
	m := newTestManager(t)
	added := m.AddSubtasksFromPlan([]PlannedSubtask{{Title: "A"}})
	id := added[0].ID

	require.NoError(t, m.MarkDispatched(id, 0))
	m.ApplyWorkerResult(WorkerResult{SubtaskID: id, Status: StatusCompleted, Summary: "v1"})
	m.ApplyReviewDecisions([]ReviewDecision{{SubtaskID: id, Verdict: VerdictRevise, Feedback: "needs tests"}})

	st, _ := m.Find(id)
	assert.Equal(t, StatusPending, st.Status)
	assert.Equal(t, 1, st.Attempts)

	require.NoError(t, m.MarkDispatched(id, 0))
	m.ApplyWorkerResult(WorkerResult{SubtaskID: id, Status: StatusCompleted, Summary: "v2"})
	m.ApplyReviewDecisions([]ReviewDecision{{SubtaskID: id, Verdict: VerdictAccept}})

	st, _ = m.Find(id)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, 2, st.Attempts, "two finished tries, counted once each")
}

func TestReviseAtCapFails(t *testing.T) {
	m := newTestManager(t)
	added := m.AddSubtasksFromPlan([]PlannedSubtask{{Title: "A"}})
	id := added[0].ID

	for i := 0; i < 3; i++ {
		require.NoError(t, m.MarkDispatched(id, 0))
		m.ApplyWorkerResult(WorkerResult{SubtaskID: id, Status: StatusCompleted, Summary: "try"})
		m.ApplyReviewDecisions([]ReviewDecision{{SubtaskID: id, Verdict: VerdictRevise, Feedback: "again"}})
	}
	st, _ := m.Find(id)
	assert.Equal(t, StatusFailed, st.Status, "an exhausted subtask cannot be revised back into the queue")
	assert.Equal(t, 3, st.Attempts)
}

// Random operation sequences must never violate the attempt-cap and
// artifact-growth invariants.
func TestInvariantsUnderRandomOperations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	m := newTestManager(t)
	added := m.AddSubtasksFromPlan([]PlannedSubtask{
		{Title: "A"}, {Title: "B", Dependencies: []string{"A"}}, {Title: "C"},
	})

	artifactCounts := map[string]int{}
	for i := 0; i < 500; i++ {
		st := added[rng.Intn(len(added))]
		switch rng.Intn(3) {
		case 0:
			status := StatusCompleted
			if rng.Intn(2) == 0 {
				status = StatusFailed
			}
			m.ApplyWorkerResult(WorkerResult{
				SubtaskID: st.ID, Status: status, Summary: "s",
				Artifacts: []string{"f.go"}, Err: "e",
			})
		case 1:
			verdicts := []string{VerdictAccept, VerdictRevise, VerdictReassign}
			m.ApplyReviewDecisions([]ReviewDecision{{
				SubtaskID: st.ID, Verdict: verdicts[rng.Intn(3)], Feedback: "f",
			}})
		case 2:
			m.GetReadySubtasks()
		}

		for _, cur := range m.Snapshot() {
			if cur.Attempts >= 3 && cur.Status != StatusFailed && cur.Status != StatusCompleted {
				// accept may legitimately complete an exhausted subtask;
				// anything else at the cap must be failed
				t.Fatalf("subtask %s has attempts=%d status=%s", cur.ID, cur.Attempts, cur.Status)
			}
			require.GreaterOrEqual(t, len(cur.Artifacts), artifactCounts[cur.ID],
				"artifacts shrank for %s", cur.ID)
			artifactCounts[cur.ID] = len(cur.Artifacts)
		}
	}
}

func TestStatusSummary(t *testing.T) {
	m := newTestManager(t)
	added := m.AddSubtasksFromPlan([]PlannedSubtask{{Title: "A"}, {Title: "B"}})
	require.NoError(t, m.MarkDispatched(added[0].ID, 0))
	m.ApplyWorkerResult(WorkerResult{
		SubtaskID: added[0].ID, Status: StatusCompleted,
		Summary: "wrote the parser\nmore detail", Artifacts: []string{"parser.go"},
	})

	summary := m.StatusSummary()
	assert.Contains(t, summary, "2 total, 1 completed")
	assert.Contains(t, summary, "[completed] A")
	assert.Contains(t, summary, "artifacts=parser.go")
	assert.Contains(t, summary, "wrote the parser")
	assert.NotContains(t, summary, "more detail", "summary keeps first line only")
	assert.Contains(t, summary, "[pending] B")
}
