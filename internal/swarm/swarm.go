// Package swarm assembles the whole system: configuration, rate limiters,
// LLM clients, workers with their tool registries, and the orchestrator.
// It is the single entry point the CLI and the HTTP facade build on.
package swarm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"codeswarm/internal/analyzer"
	"codeswarm/internal/bus"
	"codeswarm/internal/config"
	"codeswarm/internal/contextmgr"
	"codeswarm/internal/flock"
	"codeswarm/internal/llm"
	"codeswarm/internal/logging"
	"codeswarm/internal/orchestrator"
	"codeswarm/internal/ratelimit"
	"codeswarm/internal/task"
	"codeswarm/internal/token"
	"codeswarm/internal/tools"
	"codeswarm/internal/worker"
)

// Swarm owns the long-lived pieces (bus, accountant, file locks, config)
// and builds a fresh runtime per project run. Config changes propagate to
// the active runtime's limiters and clients without restarting the build.
type Swarm struct {
	cfgMgr     *config.Manager
	events     *bus.Bus
	logger     logging.Logger
	accountant *token.Accountant
	locks      *flock.Registry
	checkpoint *task.Checkpointer

	mu      sync.Mutex
	current *runtime
}

// clientSlot pairs a swappable client holder with the limiter its retry
// wrapper uses, so both can be rebuilt on config change.
type clientSlot struct {
	holder  *llm.Holder
	limiter *ratelimit.Limiter
}

type runtime struct {
	orch  *orchestrator.Orchestrator
	slots []clientSlot
	pools []*tools.DBPool
}

func (r *runtime) close() {
	for _, p := range r.pools {
		p.Close()
	}
}

// New assembles a Swarm around shared infrastructure. events may be nil.
func New(cfgMgr *config.Manager, events *bus.Bus, logger logging.Logger) *Swarm {
	if events == nil {
		events = bus.New()
	}
	s := &Swarm{
		cfgMgr:     cfgMgr,
		events:     events,
		logger:     logging.OrNop(logger),
		accountant: token.NewAccountant(events),
		locks:      flock.NewRegistry(),
		checkpoint: task.NewCheckpointer(logger),
	}
	cfgMgr.OnChange(s.applyConfigChange)
	return s
}

// Events exposes the bus for UI bridges.
func (s *Swarm) Events() *bus.Bus { return s.events }

// Accountant exposes the token totals.
func (s *Swarm) Accountant() *token.Accountant { return s.accountant }

// Build runs a fresh project build in rootDir, creating it if needed.
func (s *Swarm) Build(ctx context.Context, rootDir, taskDescription string) error {
	root, err := s.prepareRoot(rootDir)
	if err != nil {
		return err
	}
	pc := task.NewProjectContext(root, taskDescription)
	return s.run(ctx, pc, func(o *orchestrator.Orchestrator) error {
		return o.Run(ctx)
	})
}

// Resume restores the checkpoint in rootDir and continues the interrupted
// build.
func (s *Swarm) Resume(ctx context.Context, rootDir string) error {
	root, err := s.prepareRoot(rootDir)
	if err != nil {
		return err
	}
	cp, ok := s.checkpoint.Load(root)
	if !ok {
		return fmt.Errorf("no checkpoint found in %s", root)
	}
	pc := cp.Restore()
	pc.RootDir = root
	return s.run(ctx, pc, func(o *orchestrator.Orchestrator) error {
		return o.Run(ctx)
	})
}

// Continue re-enters a finished build with a change request. Completed
// subtasks are kept and never re-executed.
func (s *Swarm) Continue(ctx context.Context, rootDir, changeRequest string) error {
	root, err := s.prepareRoot(rootDir)
	if err != nil {
		return err
	}
	cp, ok := s.checkpoint.Load(root)
	if !ok {
		return fmt.Errorf("no checkpoint found in %s", root)
	}
	pc := cp.Restore()
	pc.RootDir = root
	return s.run(ctx, pc, func(o *orchestrator.Orchestrator) error {
		return o.Continue(ctx, changeRequest)
	})
}

func (s *Swarm) prepareRoot(rootDir string) (string, error) {
	root, err := filepath.Abs(rootDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("create project root: %w", err)
	}
	return root, nil
}

func (s *Swarm) run(ctx context.Context, pc *task.ProjectContext, drive func(*orchestrator.Orchestrator) error) error {
	cfg := s.cfgMgr.Snapshot()
	rt, err := s.newRuntime(cfg, pc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.current != nil {
		s.mu.Unlock()
		rt.close()
		return fmt.Errorf("a build is already running")
	}
	s.current = rt
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
		rt.close()
	}()

	s.logger.Info("starting build in %s with %d workers", pc.RootDir, cfg.Workers)
	return drive(rt.orch)
}

// newRuntime wires every per-build component. The orchestrator and each
// worker get their own rate limiter and retrying client so a stalled
// worker cannot starve the others' budget accounting.
func (s *Swarm) newRuntime(cfg config.Config, pc *task.ProjectContext) (*runtime, error) {
	guard, err := tools.NewGuard(pc.RootDir)
	if err != nil {
		return nil, err
	}

	newSlot := func(name string) clientSlot {
		limiter := ratelimit.New(name, cfg.MaxConcurrent, cfg.MaxCallsPerHour, s.events)
		client := llm.NewRetryClient(llm.NewOpenAIClient(cfg, s.logger), limiter, s.accountant, s.events)
		return clientSlot{holder: llm.NewHolder(client), limiter: limiter}
	}

	orchSlot := newSlot("orchestrator")
	slots := []clientSlot{orchSlot}

	workers := make([]*worker.Worker, cfg.Workers)
	pools := make([]*tools.DBPool, 0, cfg.Workers)
	for i := range workers {
		slot := newSlot(fmt.Sprintf("worker-%d", i))
		slots = append(slots, slot)

		registry, pool := tools.NewWorkerRegistry(tools.CatalogConfig{
			Guard:           guard,
			Locks:           s.locks,
			Worker:          i,
			AllowedCommands: cfg.AllowedCommands,
			Logger:          s.logger,
		})
		pools = append(pools, pool)
		workers[i] = worker.New(i, slot.holder, registry, s.events, cfg.MaxToolLoops, s.logger)
	}

	policy := contextmgr.Policy{
		BudgetChars:        cfg.ContextBudgetChars,
		SummarizeThreshold: cfg.ContextSummarizeThreshold,
		KeepRecent:         cfg.ContextKeepRecent,
		TranscriptCap:      contextmgr.DefaultPolicy().TranscriptCap,
	}

	orch := orchestrator.New(orchestrator.Deps{
		Config:     cfg,
		Clients:    orchSlot.holder,
		ContextMgr: contextmgr.NewManager(orchSlot.holder, policy, s.logger),
		Manager:    task.NewManager(pc, cfg.MaxAttempts, s.logger),
		Checkpoint: s.checkpoint,
		Verifier:   analyzer.NewVerifier(pc.RootDir, cfg.VerifyCommands, s.logger),
		Workers:    workers,
		Events:     s.events,
		Logger:     s.logger,
	})

	return &runtime{orch: orch, slots: slots, pools: pools}, nil
}

// applyConfigChange pushes new limits into the active runtime's limiters
// and swaps in rebuilt clients when the transport settings changed.
func (s *Swarm) applyConfigChange(old, updated config.Config) {
	s.mu.Lock()
	rt := s.current
	s.mu.Unlock()
	if rt == nil {
		return
	}

	if old.MaxConcurrent != updated.MaxConcurrent || old.MaxCallsPerHour != updated.MaxCallsPerHour {
		for _, slot := range rt.slots {
			slot.limiter.UpdateLimits(updated.MaxConcurrent, updated.MaxCallsPerHour)
		}
		s.logger.Info("rate limits updated: concurrent=%d per-hour=%d",
			updated.MaxConcurrent, updated.MaxCallsPerHour)
	}

	if old.APIKey != updated.APIKey || old.Model != updated.Model || old.BaseURL != updated.BaseURL {
		for _, slot := range rt.slots {
			client := llm.NewRetryClient(llm.NewOpenAIClient(updated, s.logger), slot.limiter, s.accountant, s.events)
			slot.holder.Swap(client)
		}
		s.logger.Info("LLM clients rebuilt for model %s", updated.Model)
	}
}
