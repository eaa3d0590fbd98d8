package task

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"codeswarm/internal/logging"
)

// PlannedSubtask is one entry of a parsed plan.
type PlannedSubtask struct {
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Dependencies []string `json:"dependencies"`
}

// WorkerResult is what a worker returns after driving one subtask.
type WorkerResult struct {
	SubtaskID string   `json:"subtask_id"`
	Status    Status   `json:"status"` // completed or failed
	Summary   string   `json:"summary"`
	Artifacts []string `json:"artifacts,omitempty"`
	Err       string   `json:"error,omitempty"`
}

// Review verdicts.
const (
	VerdictAccept   = "accept"
	VerdictRevise   = "revise"
	VerdictReassign = "reassign"
)

// ReviewDecision is the orchestrator's judgment on one batch result.
type ReviewDecision struct {
	SubtaskID string `json:"subtask_id"`
	Verdict   string `json:"verdict"`
	Feedback  string `json:"feedback,omitempty"`
}

// Manager applies the mutation rules to a ProjectContext's subtasks. It is
// the only writer; everything it hands out is a copy.
type Manager struct {
	mu          sync.Mutex
	ctx         *ProjectContext
	maxAttempts int
	logger      logging.Logger
}

// NewManager wraps ctx. maxAttempts caps retries per subtask.
func NewManager(ctx *ProjectContext, maxAttempts int, logger logging.Logger) *Manager {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return &Manager{ctx: ctx, maxAttempts: maxAttempts, logger: logging.OrNop(logger)}
}

// Context returns the managed project context. Callers must not mutate
// subtasks through it.
func (m *Manager) Context() *ProjectContext {
	return m.ctx
}

// AddSubtasksFromPlan appends planned subtasks with fresh ids, resolving
// dependency tokens in order: a sibling title within the plan, an existing
// subtask title, or a numeric index into the plan. Unresolved tokens are
// dropped so a confused model cannot wedge the DAG.
func (m *Manager) AddSubtasksFromPlan(plan []PlannedSubtask) []Subtask {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, len(plan))
	for i := range plan {
		ids[i] = newSubtaskID()
	}

	titleToID := func(token string, self int) (string, bool) {
		want := strings.ToLower(strings.TrimSpace(token))
		for i, p := range plan {
			if i != self && strings.ToLower(strings.TrimSpace(p.Title)) == want {
				return ids[i], true
			}
		}
		for _, st := range m.ctx.Subtasks {
			if strings.ToLower(strings.TrimSpace(st.Title)) == want {
				return st.ID, true
			}
		}
		return "", false
	}

	added := make([]Subtask, 0, len(plan))
	for i, p := range plan {
		var deps []string
		for _, token := range p.Dependencies {
			if id, ok := titleToID(token, i); ok {
				deps = append(deps, id)
				continue
			}
			if idx, err := strconv.Atoi(strings.TrimSpace(token)); err == nil &&
				idx >= 0 && idx < len(plan) && idx != i {
				deps = append(deps, ids[idx])
				continue
			}
			m.logger.Warn("dropping unresolvable dependency %q of %q", token, p.Title)
		}

		st := &Subtask{
			ID:             ids[i],
			Title:          p.Title,
			Description:    p.Description,
			Dependencies:   deps,
			AssignedWorker: WorkerUnassigned,
			Status:         StatusPending,
		}
		m.ctx.Subtasks = append(m.ctx.Subtasks, st)
		added = append(added, *st)
	}
	return added
}

// GetReadySubtasks returns copies of every pending subtask whose
// dependencies are all completed. Unknown dependency ids count as not
// completed.
func (m *Manager) GetReadySubtasks() []Subtask {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ready []Subtask
	for _, st := range m.ctx.Subtasks {
		if st.Status != StatusPending {
			continue
		}
		ok := true
		for _, dep := range st.Dependencies {
			d := m.ctx.find(dep)
			if d == nil || d.Status != StatusCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, *st)
		}
	}
	return ready
}

// MarkDispatched transitions a subtask to in_progress under a worker index.
func (m *Manager) MarkDispatched(id string, worker int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.ctx.find(id)
	if st == nil {
		return fmt.Errorf("unknown subtask %s", id)
	}
	if st.Status != StatusPending {
		return fmt.Errorf("subtask %s is %s, not pending", id, st.Status)
	}
	st.Status = StatusInProgress
	st.AssignedWorker = worker
	return nil
}

// ApplyWorkerResult stores a worker's outcome: summary truncated at the
// cap, artifacts appended, attempts charged (every finished try counts,
// successful or not), and status advanced. A failed result either
// re-queues the subtask with the error as feedback or, at the attempt
// cap, marks it failed for good.
func (m *Manager) ApplyWorkerResult(res WorkerResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.ctx.find(res.SubtaskID)
	if st == nil {
		m.logger.Warn("result for unknown subtask %s dropped", res.SubtaskID)
		return
	}

	st.Result = truncate(res.Summary, ResultCap)
	st.Artifacts = append(st.Artifacts, res.Artifacts...)
	st.Attempts++

	switch res.Status {
	case StatusCompleted:
		st.Status = StatusCompleted
	default:
		if st.Attempts >= m.maxAttempts {
			st.Status = StatusFailed
			m.logger.Warn("subtask %s failed permanently after %d attempts", st.ID, st.Attempts)
		} else {
			st.Status = StatusPending
			st.Feedback = res.Err
		}
	}
}

// ApplyReviewDecisions applies the orchestrator's verdicts. Neither
// revise nor reassign charges an attempt (the finished try was already
// counted when its result landed), but both respect the attempt cap: an
// exhausted subtask cannot re-enter the queue.
func (m *Manager) ApplyReviewDecisions(decisions []ReviewDecision) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range decisions {
		st := m.ctx.find(d.SubtaskID)
		if st == nil {
			m.logger.Warn("review decision for unknown subtask %s dropped", d.SubtaskID)
			continue
		}
		switch d.Verdict {
		case VerdictAccept:
			st.Status = StatusCompleted
		case VerdictRevise:
			st.Feedback = d.Feedback
			if st.Attempts >= m.maxAttempts {
				st.Status = StatusFailed
			} else {
				st.Status = StatusPending
			}
		case VerdictReassign:
			st.AssignedWorker = WorkerUnassigned
			st.Feedback = d.Feedback
			// Moving work does not charge an attempt, but an exhausted
			// subtask still may not re-enter the queue.
			if st.Attempts >= m.maxAttempts {
				st.Status = StatusFailed
			} else {
				st.Status = StatusPending
			}
		default:
			m.logger.Warn("unknown review verdict %q for subtask %s", d.Verdict, d.SubtaskID)
		}
	}
}

// AllCompleted reports whether every subtask is completed.
func (m *Manager) AllCompleted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.ctx.Subtasks {
		if st.Status != StatusCompleted {
			return false
		}
	}
	return len(m.ctx.Subtasks) > 0
}

// AnyFailed reports whether some subtask failed with its attempts
// exhausted.
func (m *Manager) AnyFailed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.ctx.Subtasks {
		if st.Status == StatusFailed && st.Attempts >= m.maxAttempts {
			return true
		}
	}
	return false
}

// Snapshot returns copies of every subtask in insertion order.
func (m *Manager) Snapshot() []Subtask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Subtask, 0, len(m.ctx.Subtasks))
	for _, st := range m.ctx.Subtasks {
		out = append(out, *st)
	}
	return out
}

// Find returns a copy of the subtask with the given id.
func (m *Manager) Find(id string) (Subtask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.ctx.find(id)
	if st == nil {
		return Subtask{}, false
	}
	return *st, true
}

// StatusSummary renders a multi-line human-readable progress report, used
// for both display and LLM context.
func (m *Manager) StatusSummary() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := map[Status]int{}
	for _, st := range m.ctx.Subtasks {
		counts[st.Status]++
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Subtasks: %d total, %d completed, %d in progress, %d pending, %d failed\n",
		len(m.ctx.Subtasks), counts[StatusCompleted], counts[StatusInProgress],
		counts[StatusPending], counts[StatusFailed])
	for _, st := range m.ctx.Subtasks {
		fmt.Fprintf(&b, "- [%s] %s (attempts=%d)", st.Status, st.Title, st.Attempts)
		if st.AssignedWorker != WorkerUnassigned {
			fmt.Fprintf(&b, " worker=%d", st.AssignedWorker)
		}
		if len(st.Artifacts) > 0 {
			fmt.Fprintf(&b, " artifacts=%s", strings.Join(st.Artifacts, ","))
		}
		if st.Result != "" {
			fmt.Fprintf(&b, "\n    %s", truncate(firstLine(st.Result), 160))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
