// Package skein provides the public API for embedding the coordination
// substrate in Go orchestrators.
//
// Most consumers drive skein through the CLI; this package exports the
// aliases and the one constructor an embedder needs to wire the substrate
// programmatically.
package skein

import (
	"github.com/skeinworks/skein/internal/config"
	"github.com/skeinworks/skein/internal/fsm"
	"github.com/skeinworks/skein/internal/lockfile"
	"github.com/skeinworks/skein/internal/orchestrator"
	"github.com/skeinworks/skein/internal/pipeline"
	"github.com/skeinworks/skein/internal/registry"
	"github.com/skeinworks/skein/internal/repo"
	"github.com/skeinworks/skein/internal/session"
	"github.com/skeinworks/skein/internal/types"
)

// Core entity types.
type (
	Task             = types.Task
	TaskState        = types.TaskState
	QABrief          = types.QABrief
	QAState          = types.QAState
	Session          = types.Session
	SessionSummary   = types.SessionSummary
	ValidatorVerdict = types.ValidatorVerdict
	VerdictSet       = types.VerdictSet
	Statistics       = types.Statistics
)

// Task state constants.
const (
	TaskTodo      = types.TaskTodo
	TaskWIP       = types.TaskWIP
	TaskBlocked   = types.TaskBlocked
	TaskDone      = types.TaskDone
	TaskValidated = types.TaskValidated
)

// Distinguished errors returned across the programmatic surface.
var (
	ErrLockTimeout           = types.ErrLockTimeout
	ErrAlreadyClaimed        = types.ErrAlreadyClaimed
	ErrInvalidTransition     = types.ErrInvalidTransition
	ErrStaleSessionReclaimed = types.ErrStaleSessionReclaimed
	ErrConsensusFailed       = types.ErrConsensusFailed
	ErrValidationBlocked     = types.ErrValidationBlocked
	ErrMaxRoundsExceeded     = types.ErrMaxRoundsExceeded
	ErrCorruptedEntity       = types.ErrCorruptedEntity
	ErrNotFound              = types.ErrNotFound
	ErrSessionClosed         = types.ErrSessionClosed
)

// Substrate is a fully wired coordination substrate over one data root.
type Substrate struct {
	Store        *repo.Store
	Locks        *lockfile.Manager
	Engine       *fsm.Engine
	Sessions     *session.Manager
	Orchestrator *orchestrator.Orchestrator
	Pipeline     *pipeline.Runner
	Provider     config.Provider
	Timing       config.Timing
}

// Open wires the substrate over the given data root. The root must carry
// provider config files; Init seeds them for new roots.
func Open(root string) (*Substrate, error) {
	store, err := repo.Open(root)
	if err != nil {
		return nil, err
	}
	provider, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	timing, err := provider.TimingConfig()
	if err != nil {
		return nil, err
	}

	guards := registry.New[fsm.Guard]()
	actions := registry.New[fsm.Action]()
	if err := fsm.RegisterBuiltins(store, guards, actions); err != nil {
		return nil, err
	}
	engine := fsm.New(store, guards, actions)
	tables, err := provider.TransitionTables()
	if err != nil {
		return nil, err
	}
	if err := engine.LoadTables(tables); err != nil {
		return nil, err
	}

	locks := lockfile.NewManager(store.LocksDir())
	sessions := session.NewManager(store, locks, engine, timing)
	orch := orchestrator.New(store, locks, engine, sessions, timing)
	sessions.SetClaimer(orch)

	roster, err := provider.ValidatorRoster()
	if err != nil {
		return nil, err
	}
	runner := pipeline.New(store, locks, engine, sessions, timing, pipeline.FromRoster(roster))

	return &Substrate{
		Store:        store,
		Locks:        locks,
		Engine:       engine,
		Sessions:     sessions,
		Orchestrator: orch,
		Pipeline:     runner,
		Provider:     provider,
		Timing:       timing,
	}, nil
}

// Init seeds a new data root with the directory skeleton and default
// provider files, then opens it.
func Init(root string) (*Substrate, error) {
	if _, err := repo.Open(root); err != nil {
		return nil, err
	}
	if err := config.WriteDefaults(root); err != nil {
		return nil, err
	}
	return Open(root)
}
