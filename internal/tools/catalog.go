package tools

import (
	"codeswarm/internal/flock"
	"codeswarm/internal/logging"
)

// CatalogConfig assembles the standard worker tool set.
type CatalogConfig struct {
	Guard           *Guard
	Locks           *flock.Registry
	Worker          int
	AllowedCommands []string
	Logger          logging.Logger
}

// NewWorkerRegistry builds the full tool catalog for one worker. The
// returned DBPool must be closed when the worker set is torn down.
func NewWorkerRegistry(cfg CatalogConfig) (*Registry, *DBPool) {
	deps := FileToolDeps{Guard: cfg.Guard, Locks: cfg.Locks, Worker: cfg.Worker}
	pool := NewDBPool(cfg.Guard)

	r := NewRegistry(cfg.Logger)
	r.Register(NewReadFile(deps))
	r.Register(NewWriteFile(deps))
	r.Register(NewListDirectory(deps))
	r.Register(NewExecuteCommand(cfg.Guard, cfg.AllowedCommands))
	r.Register(NewSearchFiles(cfg.Guard))
	r.Register(NewPatchFile(deps))
	r.Register(NewGlobFiles(cfg.Guard))
	r.Register(NewWebSearch())
	r.Register(NewWebReader())
	r.Register(NewInitDatabase(pool))
	r.Register(NewExecuteSQL(pool))
	r.Register(NewListTables(pool))
	return r, pool
}
