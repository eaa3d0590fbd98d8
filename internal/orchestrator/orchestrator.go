// Package orchestrator runs the top-level build loop: plan, dispatch
// batches of subtasks to parallel workers, review their results, verify
// the project, and finish or extend the plan.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"codeswarm/internal/analyzer"
	"codeswarm/internal/bus"
	"codeswarm/internal/config"
	"codeswarm/internal/contextmgr"
	"codeswarm/internal/llm"
	"codeswarm/internal/logging"
	"codeswarm/internal/task"
	"codeswarm/internal/worker"
)

// Orchestrator phases, published on bus.TopicOrchestratorPhase.
const (
	PhaseExecuting   = "executing"
	PhaseDispatching = "dispatching"
	PhaseReviewing   = "reviewing"
	PhaseVerifying   = "verifying"
	PhaseFinalReview = "final_review"
)

// ErrMaxIterations reports a build stopped by the iteration cap. The
// checkpoint stays on disk so a later run can resume.
var ErrMaxIterations = errors.New("orchestrator reached max iterations")

// IterationNotice is the bus.TopicOrchestratorIteration payload.
type IterationNotice struct {
	Iteration int
	Completed int
	Total     int
	Exhausted bool
}

// Done is the bus.TopicProjectDone payload.
type Done struct {
	Summary string
}

// Verifier abstracts the project checker so tests can script it.
type Verifier interface {
	Verify(ctx context.Context) *analyzer.VerifyReport
}

// Deps wires an Orchestrator.
type Deps struct {
	Config     config.Config
	Clients    *llm.Holder
	ContextMgr *contextmgr.Manager
	Manager    *task.Manager
	Checkpoint *task.Checkpointer
	Verifier   Verifier
	Workers    []*worker.Worker
	Events     *bus.Bus
	Logger     logging.Logger
}

// Orchestrator drives one build to completion.
type Orchestrator struct {
	cfg        config.Config
	clients    *llm.Holder
	ctxmgr     *contextmgr.Manager
	mgr        *task.Manager
	checkpoint *task.Checkpointer
	verifier   Verifier
	workers    []*worker.Worker
	events     *bus.Bus
	logger     logging.Logger
}

// New assembles an orchestrator from its dependencies.
func New(deps Deps) *Orchestrator {
	return &Orchestrator{
		cfg:        deps.Config,
		clients:    deps.Clients,
		ctxmgr:     deps.ContextMgr,
		mgr:        deps.Manager,
		checkpoint: deps.Checkpoint,
		verifier:   deps.Verifier,
		workers:    deps.Workers,
		events:     deps.Events,
		logger:     logging.OrNop(deps.Logger),
	}
}

type planDoc struct {
	Subtasks []task.PlannedSubtask `json:"subtasks"`
}

type reviewDoc struct {
	Decisions []task.ReviewDecision `json:"decisions"`
}

type finalReviewDoc struct {
	Status             string                `json:"status"`
	Summary            string                `json:"summary"`
	AdditionalSubtasks []task.PlannedSubtask `json:"additional_subtasks"`
}

// Run executes a build from scratch or from a restored checkpoint.
func (o *Orchestrator) Run(ctx context.Context) error {
	pc := o.mgr.Context()
	resuming := len(pc.Subtasks) > 0

	if len(pc.OrchestratorMessages) == 0 {
		pc.OrchestratorMessages = []llm.Message{
			{Role: llm.RoleSystem, Content: orchestratorSystemPrompt},
		}
	}

	if resuming {
		o.logger.Info("resuming build with %d subtasks", len(pc.Subtasks))
		pc.OrchestratorMessages = append(pc.OrchestratorMessages, llm.Message{
			Role: llm.RoleUser, Content: resumePrompt(o.mgr.StatusSummary()),
		})
	} else {
		if err := o.plan(ctx); err != nil {
			return o.fail(err)
		}
	}

	return o.mainLoop(ctx)
}

// Continue re-enters the loop after a successful build with a change
// request. Completed subtasks are kept and never re-executed.
func (o *Orchestrator) Continue(ctx context.Context, changeRequest string) error {
	pc := o.mgr.Context()
	pc.OrchestratorMessages = []llm.Message{
		{Role: llm.RoleSystem, Content: orchestratorSystemPrompt},
	}

	var plan planDoc
	prompt := continuationPrompt(changeRequest, o.mgr.StatusSummary())
	if err := o.askOrchestrator(ctx, prompt, &plan); err != nil {
		return o.fail(fmt.Errorf("continuation planning failed: %w", err))
	}
	if len(plan.Subtasks) == 0 {
		return o.fail(errors.New("continuation produced no subtasks"))
	}
	added := o.mgr.AddSubtasksFromPlan(plan.Subtasks)
	o.publish(bus.TopicOrchestratorPlan, added)
	o.saveCheckpoint()

	return o.mainLoop(ctx)
}

func (o *Orchestrator) plan(ctx context.Context) error {
	pc := o.mgr.Context()

	analysisText := pc.PlanningContext
	if analysisText == "" {
		if analysis, err := analyzer.Analyze(pc.RootDir); err == nil {
			analysisText = analysis.Render()
			pc.ProjectFileTree = analysis.FileTree
			pc.PlanningContext = analysisText
		}
	}

	var plan planDoc
	if err := o.askOrchestrator(ctx, planPrompt(pc.TaskDescription, analysisText), &plan); err != nil {
		return fmt.Errorf("planning failed: %w", err)
	}
	if len(plan.Subtasks) == 0 {
		return errors.New("planner produced no subtasks")
	}

	added := o.mgr.AddSubtasksFromPlan(plan.Subtasks)
	o.logger.Info("planned %d subtasks", len(added))
	o.publish(bus.TopicOrchestratorPlan, added)
	o.saveCheckpoint()
	return nil
}

func (o *Orchestrator) mainLoop(ctx context.Context) error {
	for iteration := 1; iteration <= o.cfg.MaxOrchIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.publish(bus.TopicOrchestratorPhase, PhaseExecuting)
		o.publishIteration(iteration, false)

		// A permanently failed subtask ends the build immediately;
		// finishing independent work would only burn budget.
		if o.mgr.AnyFailed() {
			return o.fail(errors.New("subtasks failed after max attempts"))
		}

		ready := o.mgr.GetReadySubtasks()
		if len(ready) == 0 {
			if o.mgr.AllCompleted() {
				done, err := o.verifyAndFinish(ctx)
				if err != nil {
					return o.fail(err)
				}
				if done {
					return nil
				}
				continue
			}
			return o.fail(errors.New("deadlock: no subtask is ready and none can become ready"))
		}

		batch := ready
		if len(batch) > len(o.workers) {
			batch = batch[:len(o.workers)]
		}
		results := o.dispatch(ctx, batch)

		for _, res := range results {
			o.mgr.ApplyWorkerResult(res)
		}
		o.saveCheckpoint()

		if err := o.review(ctx, batch); err != nil {
			o.logger.Warn("review skipped: %v", err)
		}
		o.saveCheckpoint()

		if size := contextmgr.Size(o.mgr.Context().OrchestratorMessages); size > o.cfg.ContextBudgetChars/2 {
			o.logger.Warn("orchestrator context at %d chars, over half the budget", size)
		}
	}

	o.logger.Warn("iteration cap reached, checkpoint retained for resume")
	o.saveCheckpoint()
	o.publishIteration(o.cfg.MaxOrchIterations, true)
	return ErrMaxIterations
}

// dispatch runs a batch of ready subtasks on the worker pool and collects
// every result; it never short-circuits on the first completion.
func (o *Orchestrator) dispatch(ctx context.Context, batch []task.Subtask) []task.WorkerResult {
	o.publish(bus.TopicOrchestratorPhase, PhaseDispatching)

	var siblings []task.Subtask
	for _, st := range o.mgr.Snapshot() {
		if st.Status == task.StatusCompleted {
			siblings = append(siblings, st)
		}
	}

	fileTree := ""
	if analysis, err := analyzer.Analyze(o.mgr.Context().RootDir); err == nil {
		fileTree = analysis.FileTree
	}

	results := make([]task.WorkerResult, len(batch))
	g, runCtx := errgroup.WithContext(ctx)
	for i, st := range batch {
		widx := i % len(o.workers)
		if err := o.mgr.MarkDispatched(st.ID, widx); err != nil {
			results[i] = task.WorkerResult{SubtaskID: st.ID, Status: task.StatusFailed, Err: err.Error()}
			continue
		}

		current, _ := o.mgr.Find(st.ID)
		assignment := worker.Assignment{
			Subtask:     current,
			RootDir:     o.mgr.Context().RootDir,
			FileTree:    fileTree,
			Siblings:    siblings,
			Limitations: o.cfg.WorkerLimitations,
			Temperature: o.cfg.Temperature,
			MaxTokens:   o.cfg.MaxTokens,
		}
		w := o.workers[widx]
		idx := i
		g.Go(func() error {
			results[idx] = w.Run(runCtx, assignment)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (o *Orchestrator) review(ctx context.Context, batch []task.Subtask) error {
	o.publish(bus.TopicOrchestratorPhase, PhaseReviewing)

	// re-read the batch so the prompt sees post-result state
	reviewed := make([]task.Subtask, 0, len(batch))
	for _, st := range batch {
		if current, ok := o.mgr.Find(st.ID); ok {
			reviewed = append(reviewed, current)
		}
	}

	var doc reviewDoc
	if err := o.askOrchestrator(ctx, reviewPrompt(reviewed, o.mgr.StatusSummary()), &doc); err != nil {
		return err
	}
	o.mgr.ApplyReviewDecisions(doc.Decisions)
	o.publish(bus.TopicOrchestratorReview, doc.Decisions)
	return nil
}

// verifyAndFinish runs the verifier and the final review. It returns
// done=true when the project is finished, done=false when new subtasks
// were added and the loop should continue.
func (o *Orchestrator) verifyAndFinish(ctx context.Context) (bool, error) {
	o.publish(bus.TopicOrchestratorPhase, PhaseVerifying)
	report := o.verifier.Verify(ctx)

	if !report.Passed {
		o.logger.Info("verification failed, planning fixes")
		var plan planDoc
		if err := o.askOrchestrator(ctx, fixPrompt(report.Render(), o.mgr.StatusSummary()), &plan); err != nil {
			return false, fmt.Errorf("fix planning failed: %w", err)
		}
		if len(plan.Subtasks) == 0 {
			return false, errors.New("verification failed and the fix plan is empty")
		}
		added := o.mgr.AddSubtasksFromPlan(plan.Subtasks)
		o.publish(bus.TopicOrchestratorPlan, added)
		o.saveCheckpoint()
		return false, nil
	}

	o.publish(bus.TopicOrchestratorPhase, PhaseFinalReview)
	var final finalReviewDoc
	if err := o.askOrchestrator(ctx, finalReviewPrompt(o.mgr.StatusSummary(), report.Render()), &final); err != nil {
		return false, fmt.Errorf("final review failed: %w", err)
	}

	if final.Status == "needs_more" && len(final.AdditionalSubtasks) > 0 {
		o.logger.Info("final review requests %d more subtasks", len(final.AdditionalSubtasks))
		added := o.mgr.AddSubtasksFromPlan(final.AdditionalSubtasks)
		o.publish(bus.TopicOrchestratorPlan, added)
		o.saveCheckpoint()
		return false, nil
	}

	o.logger.Info("project done: %s", final.Summary)
	o.publish(bus.TopicProjectDone, Done{Summary: final.Summary})
	return true, nil
}

func (o *Orchestrator) saveCheckpoint() {
	if o.checkpoint == nil {
		return
	}
	if err := o.checkpoint.Save(o.mgr.Context()); err != nil {
		o.logger.Warn("checkpoint save failed: %v", err)
	}
}

func (o *Orchestrator) fail(err error) error {
	o.publish(bus.TopicProjectError, err.Error())
	return err
}

func (o *Orchestrator) publish(topic string, payload any) {
	if o.events != nil {
		o.events.Publish(topic, payload)
	}
}

func (o *Orchestrator) publishIteration(iteration int, exhausted bool) {
	completed := 0
	snapshot := o.mgr.Snapshot()
	for _, st := range snapshot {
		if st.Status == task.StatusCompleted {
			completed++
		}
	}
	o.publish(bus.TopicOrchestratorIteration, IterationNotice{
		Iteration: iteration,
		Completed: completed,
		Total:     len(snapshot),
		Exhausted: exhausted,
	})
}
