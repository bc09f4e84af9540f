// Package fsm is the generic state machine engine driving task and QA
// transitions.
//
// Legal transitions come from a (from, event) -> to table supplied by the
// configuration provider. Guards and actions are resolved by name from
// registries; there are no per-state if chains. Every applied transition
// appends to the entity's journal and commits through the transaction
// manager, so the entity record and its transition log move together or not
// at all. The last committed journal entry is authoritative for crash
// recovery.
package fsm

import (
	"fmt"
	"time"

	"github.com/skeinworks/skein/internal/config"
	"github.com/skeinworks/skein/internal/debug"
	"github.com/skeinworks/skein/internal/registry"
	"github.com/skeinworks/skein/internal/repo"
	"github.com/skeinworks/skein/internal/txn"
	"github.com/skeinworks/skein/internal/types"
)

// Context carries the entities and caller identity a transition runs against.
// Guards read it; actions mutate the entities in place.
type Context struct {
	Task      *types.Task
	Brief     *types.QABrief
	SessionID string
	Actor     string
	Now       time.Time
}

// Guard is a read-only predicate over the transition context. A non-nil
// error aborts the transition with that guard's named reason.
type Guard func(*Context) error

// Action mutates entity state after all guards pass. Actions must not touch
// storage; the engine commits.
type Action func(*Context) error

// StageFunc lets a caller add writes to the transition's transaction, e.g.
// updating the session record in the same commit as a claim.
type StageFunc func(tx *txn.Txn) error

type tableKey struct {
	from  string
	event string
}

type transition struct {
	to     string
	guards []string
	action string
}

// Table is a compiled transition table.
type Table struct {
	transitions map[tableKey]transition
}

// buildTable compiles specs, verifying every named guard and action resolves.
func buildTable(specs []config.TransitionSpec, guards *registry.Registry[Guard], actions *registry.Registry[Action]) (*Table, error) {
	t := &Table{transitions: make(map[tableKey]transition, len(specs))}
	for _, spec := range specs {
		key := tableKey{from: spec.From, event: spec.Event}
		if _, dup := t.transitions[key]; dup {
			return nil, fmt.Errorf("duplicate transition (%s, %s)", spec.From, spec.Event)
		}
		for _, g := range spec.Guards {
			if _, ok := guards.Get(g); !ok {
				return nil, fmt.Errorf("transition (%s, %s): unknown guard %q", spec.From, spec.Event, g)
			}
		}
		if spec.Action != "" {
			if _, ok := actions.Get(spec.Action); !ok {
				return nil, fmt.Errorf("transition (%s, %s): unknown action %q", spec.From, spec.Event, spec.Action)
			}
		}
		t.transitions[key] = transition{to: spec.To, guards: spec.Guards, action: spec.Action}
	}
	return t, nil
}

// Lookup returns the target state for (from, event), if legal.
func (t *Table) Lookup(from, event string) (string, bool) {
	tr, ok := t.transitions[tableKey{from: from, event: event}]
	return tr.to, ok
}

// EventFor returns the event that moves from -> to, if the table defines one.
// Ambiguous tables (two events with the same endpoints) resolve to the
// lexicographically smallest event so the answer is deterministic.
func (t *Table) EventFor(from, to string) (string, bool) {
	best := ""
	for key, tr := range t.transitions {
		if key.from != from || tr.to != to {
			continue
		}
		if best == "" || key.event < best {
			best = key.event
		}
	}
	return best, best != ""
}

// Engine applies events to entities according to the loaded tables.
type Engine struct {
	store   *repo.Store
	guards  *registry.Registry[Guard]
	actions *registry.Registry[Action]
	task    *Table
	qa      *Table
}

// New creates an engine over the given store and hook registries.
func New(store *repo.Store, guards *registry.Registry[Guard], actions *registry.Registry[Action]) *Engine {
	return &Engine{store: store, guards: guards, actions: actions}
}

// LoadTables compiles the provider's transition tables into the engine.
func (e *Engine) LoadTables(tables config.TransitionTables) error {
	task, err := buildTable(tables.Task, e.guards, e.actions)
	if err != nil {
		return fmt.Errorf("task table: %w", err)
	}
	qa, err := buildTable(tables.QA, e.guards, e.actions)
	if err != nil {
		return fmt.Errorf("qa table: %w", err)
	}
	e.task = task
	e.qa = qa
	return nil
}

// TaskTable returns the compiled task transition table.
func (e *Engine) TaskTable() *Table { return e.task }

// QATable returns the compiled QA transition table.
func (e *Engine) QATable() *Table { return e.qa }

// ApplyTask applies event to fc.Task, committing the mutated task (and
// brief, when present) together with the journal entry. extra may be nil.
func (e *Engine) ApplyTask(fc *Context, event string, extra StageFunc) (*types.Task, error) {
	if e.task == nil {
		return nil, fmt.Errorf("task transition table not loaded")
	}
	tr, ok := e.task.transitions[tableKey{from: string(fc.Task.State), event: event}]
	if !ok {
		return nil, fmt.Errorf("task %s: no transition for (%s, %s): %w",
			fc.Task.ID, fc.Task.State, event, types.ErrInvalidTransition)
	}

	if err := e.runGuards(fc, tr.guards); err != nil {
		return nil, fmt.Errorf("task %s (%s, %s): %w", fc.Task.ID, fc.Task.State, event, err)
	}

	prev := fc.Task.State
	fc.Task.State = types.TaskState(tr.to)
	if err := e.runAction(fc, tr.action); err != nil {
		fc.Task.State = prev
		return nil, fmt.Errorf("task %s action %q: %w", fc.Task.ID, tr.action, err)
	}
	now := fc.Now
	fc.Task.UpdatedAt = now
	fc.Task.LastTransitionAt = &now

	rec := &TransitionRecord{
		EntityID:  fc.Task.ID,
		From:      string(prev),
		To:        string(fc.Task.State),
		Event:     event,
		Actor:     fc.Actor,
		SessionID: fc.SessionID,
		At:        now,
	}
	if err := e.commit(fc, rec, func(tx *txn.Txn) error {
		return e.store.StageTask(tx, fc.Task, prev)
	}, extra); err != nil {
		fc.Task.State = prev
		return nil, err
	}

	debug.Logf("task %s: %s -> %s on %s", fc.Task.ID, prev, fc.Task.State, event)
	return fc.Task, nil
}

// ApplyQA applies event to fc.Brief, committing brief, task (when present),
// and journal entry atomically.
func (e *Engine) ApplyQA(fc *Context, event string, extra StageFunc) (*types.QABrief, error) {
	if e.qa == nil {
		return nil, fmt.Errorf("qa transition table not loaded")
	}
	tr, ok := e.qa.transitions[tableKey{from: string(fc.Brief.State), event: event}]
	if !ok {
		return nil, fmt.Errorf("qa %s: no transition for (%s, %s): %w",
			fc.Brief.ID, fc.Brief.State, event, types.ErrInvalidTransition)
	}

	if err := e.runGuards(fc, tr.guards); err != nil {
		return nil, fmt.Errorf("qa %s (%s, %s): %w", fc.Brief.ID, fc.Brief.State, event, err)
	}

	prev := fc.Brief.State
	fc.Brief.State = types.QAState(tr.to)
	if err := e.runAction(fc, tr.action); err != nil {
		fc.Brief.State = prev
		return nil, fmt.Errorf("qa %s action %q: %w", fc.Brief.ID, tr.action, err)
	}

	// A brief may never get ahead of its task in the lifecycle ordering.
	if fc.Task != nil && fc.Brief.State.Order() > fc.Task.State.Order()+1 {
		fc.Brief.State = prev
		return nil, fmt.Errorf("qa %s cannot reach %s while task is %s: %w",
			fc.Brief.ID, tr.to, fc.Task.State, types.ErrInvalidTransition)
	}

	fc.Brief.UpdatedAt = fc.Now

	rec := &TransitionRecord{
		EntityID:  fc.Brief.ID,
		From:      string(prev),
		To:        string(fc.Brief.State),
		Event:     event,
		Actor:     fc.Actor,
		SessionID: fc.SessionID,
		At:        fc.Now,
	}
	if err := e.commit(fc, rec, func(tx *txn.Txn) error {
		return e.store.StageBrief(tx, fc.Brief)
	}, extra); err != nil {
		fc.Brief.State = prev
		return nil, err
	}

	debug.Logf("qa %s: %s -> %s on %s", fc.Brief.ID, prev, fc.Brief.State, event)
	return fc.Brief, nil
}

func (e *Engine) runGuards(fc *Context, names []string) error {
	for _, name := range names {
		guard, ok := e.guards.Get(name)
		if !ok {
			return fmt.Errorf("unknown guard %q: %w", name, types.ErrInvalidTransition)
		}
		if err := guard(fc); err != nil {
			return fmt.Errorf("guard %q: %v: %w", name, err, types.ErrInvalidTransition)
		}
	}
	return nil
}

func (e *Engine) runAction(fc *Context, name string) error {
	if name == "" {
		return nil
	}
	action, ok := e.actions.Get(name)
	if !ok {
		return fmt.Errorf("unknown action %q", name)
	}
	return action(fc)
}

// commit writes the primary entity, any sibling entity present in the
// context, and the journal entry in one transaction.
func (e *Engine) commit(fc *Context, rec *TransitionRecord, primary StageFunc, extra StageFunc) error {
	tx, err := txn.Begin(e.store.Root())
	if err != nil {
		return err
	}
	fail := func(err error) error {
		_ = tx.Rollback()
		return err
	}

	if err := primary(tx); err != nil {
		return fail(err)
	}
	// Stage the sibling entity when the action touched both, e.g. a round
	// advance mutating task and brief together.
	if rec.EntityID != briefID(fc) && fc.Brief != nil {
		if err := e.store.StageBrief(tx, fc.Brief); err != nil {
			return fail(err)
		}
	}
	if fc.Task != nil && rec.EntityID != fc.Task.ID {
		if err := e.store.StageTask(tx, fc.Task, fc.Task.State); err != nil {
			return fail(err)
		}
	}
	if err := stageJournalAppend(tx, e.store, rec); err != nil {
		return fail(err)
	}
	if extra != nil {
		if err := extra(tx); err != nil {
			return fail(err)
		}
	}
	return tx.Commit()
}

func briefID(fc *Context) string {
	if fc.Brief == nil {
		return ""
	}
	return fc.Brief.ID
}
