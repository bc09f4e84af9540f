// Package orchestrator implements the task/QA coordination operations:
// claim, promote, open-qa, split, and link.
//
// Every mutating operation follows the same shape: verify the caller's
// session may write, take the task's lock, re-read the entity under the lock,
// apply the transition through the state machine engine, and heartbeat the
// session. Transitions on disjoint tasks never serialize against each other;
// only the per-task lock orders writers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/skeinworks/skein/internal/config"
	"github.com/skeinworks/skein/internal/fsm"
	"github.com/skeinworks/skein/internal/idgen"
	"github.com/skeinworks/skein/internal/lockfile"
	"github.com/skeinworks/skein/internal/repo"
	"github.com/skeinworks/skein/internal/session"
	"github.com/skeinworks/skein/internal/telemetry"
	"github.com/skeinworks/skein/internal/txn"
	"github.com/skeinworks/skein/internal/types"
)

// Transition events the orchestrator raises. These must exist in the loaded
// transition tables; LoadTables verified their guards and actions resolve.
const (
	EventClaim    = "claim"
	EventComplete = "complete"
	EventReady    = "ready"
)

// Orchestrator coordinates task and QA brief operations over the shared
// store.
type Orchestrator struct {
	store    *repo.Store
	locks    *lockfile.Manager
	engine   *fsm.Engine
	sessions *session.Manager
	timing   config.Timing
	now      func() time.Time
}

// New returns an orchestrator. It satisfies session.Claimer so session start
// can delegate initial claims.
func New(store *repo.Store, locks *lockfile.Manager, engine *fsm.Engine, sessions *session.Manager, timing config.Timing) *Orchestrator {
	return &Orchestrator{
		store:    store,
		locks:    locks,
		engine:   engine,
		sessions: sessions,
		timing:   timing,
		now:      time.Now,
	}
}

// Claim takes ownership of a todo task for the given session. Concurrent
// claims on one task resolve to exactly one winner; losers receive
// ErrAlreadyClaimed, not a queued retry.
func (o *Orchestrator) Claim(ctx context.Context, taskID, sessionID string) (*types.Task, error) {
	if err := o.sessions.CheckActive(sessionID); err != nil {
		return nil, err
	}

	lock, err := o.locks.Acquire(ctx, lockfile.TaskResource(taskID), sessionID, o.timing.LockTTL, o.timing.LockWait)
	if err != nil {
		if errors.Is(err, types.ErrLockTimeout) {
			telemetry.Default().LockTimeout(ctx, lockfile.TaskResource(taskID))
		}
		return nil, err
	}
	defer func() { _ = lock.Release() }()

	// Re-read under the lock; a racing winner may have claimed already.
	task, err := o.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.SessionID != "" && task.SessionID != sessionID {
		telemetry.Default().ClaimLost(ctx)
		return nil, fmt.Errorf("task %s owned by session %s: %w", taskID, task.SessionID, types.ErrAlreadyClaimed)
	}
	if task.State == types.TaskWIP && task.SessionID == sessionID {
		// Re-claiming our own task is a no-op.
		return task, nil
	}

	now := o.now().UTC()
	fc := &fsm.Context{Task: task, SessionID: sessionID, Actor: sessionID, Now: now}
	claimed, err := o.engine.ApplyTask(fc, EventClaim, o.stageSessionClaim(sessionID, taskID, now))
	if err != nil {
		telemetry.Default().ClaimLost(ctx)
		return nil, err
	}
	telemetry.Default().ClaimWon(ctx)
	return claimed, nil
}

// stageSessionClaim records the claim on the session in the same transaction
// as the task transition, so ownership and the claim set never diverge.
func (o *Orchestrator) stageSessionClaim(sessionID, taskID string, now time.Time) fsm.StageFunc {
	return func(tx *txn.Txn) error {
		sess, err := o.store.GetSession(sessionID)
		if err != nil {
			return err
		}
		if !sess.HasTask(taskID) {
			sess.TaskIDs = append(sess.TaskIDs, taskID)
		}
		sess.LastActiveAt = now
		return o.store.StageSession(tx, sess)
	}
}

// Promote moves a task to the target state through the transition table.
// Idempotent: promoting a task already in the target state returns the
// current snapshot without appending a transition-log entry.
func (o *Orchestrator) Promote(ctx context.Context, taskID string, target types.TaskState, sessionID string) (*types.Task, error) {
	if !target.IsValid() {
		return nil, fmt.Errorf("invalid target state %q: %w", target, types.ErrInvalidTransition)
	}
	if err := o.sessions.CheckActive(sessionID); err != nil {
		return nil, err
	}

	lock, err := o.locks.Acquire(ctx, lockfile.TaskResource(taskID), sessionID, o.timing.LockTTL, o.timing.LockWait)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Release() }()

	task, err := o.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.State == target {
		return task, nil
	}

	event, ok := o.engine.TaskTable().EventFor(string(task.State), string(target))
	if !ok {
		return nil, fmt.Errorf("task %s: no path from %s to %s: %w",
			taskID, task.State, target, types.ErrInvalidTransition)
	}

	var brief *types.QABrief
	if b, err := o.store.GetBrief(taskID); err == nil {
		brief = b
	} else if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	fc := &fsm.Context{Task: task, Brief: brief, SessionID: sessionID, Actor: sessionID, Now: o.now().UTC()}
	promoted, err := o.engine.ApplyTask(fc, event, nil)
	if err != nil {
		return nil, err
	}
	if err := o.sessions.Touch(sessionID); err != nil {
		return nil, err
	}
	return promoted, nil
}

// OpenQA attaches the 1:1 QA brief to a done task. The first call creates the
// brief at round 1 and readies it; later calls, after a reject cycle brings
// the task back to done, reuse the existing brief and ready it again for the
// incremented round. Never creates a second brief for the same task.
func (o *Orchestrator) OpenQA(ctx context.Context, taskID, sessionID string) (*types.QABrief, error) {
	if err := o.sessions.CheckActive(sessionID); err != nil {
		return nil, err
	}

	lock, err := o.locks.Acquire(ctx, lockfile.QAResource(taskID), sessionID, o.timing.LockTTL, o.timing.LockWait)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Release() }()

	task, err := o.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.State != types.TaskDone {
		return nil, fmt.Errorf("task %s is %s, not done: %w", taskID, task.State, types.ErrInvalidTransition)
	}

	now := o.now().UTC()
	brief, err := o.store.GetBrief(taskID)
	switch {
	case errors.Is(err, types.ErrNotFound):
		round := task.Round
		if round == 0 {
			round = 1
		}
		brief = &types.QABrief{
			ID:        idgen.QAIDFor(taskID),
			TaskID:    taskID,
			State:     types.QAWaiting,
			Round:     round,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := o.store.PutBrief(brief); err != nil {
			return nil, err
		}
		// Seed the shared round counter so the first reject advances to 2.
		if task.Round == 0 {
			task.Round = round
		}
	case err != nil:
		return nil, err
	}

	brief.Manifest = buildManifest(o.evidenceBase(sessionID), task.Evidence, now)

	if brief.State == types.QAWaiting {
		fc := &fsm.Context{Task: task, Brief: brief, SessionID: sessionID, Actor: sessionID, Now: now}
		if _, err := o.engine.ApplyQA(fc, EventReady, nil); err != nil {
			return nil, err
		}
	} else if err := o.store.PutBrief(brief); err != nil {
		return nil, err
	}

	if err := o.sessions.Touch(sessionID); err != nil {
		return nil, err
	}
	return brief, nil
}

// AttachEvidence records evidence paths on the caller's wip task. Paths are
// relative to the session's working copy; they feed the QA manifest when the
// brief opens, which is what specialized-tier triggers match against.
// Duplicates are dropped.
func (o *Orchestrator) AttachEvidence(ctx context.Context, taskID string, paths []string, sessionID string) (*types.Task, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("attach requires at least one evidence path")
	}
	if err := o.sessions.CheckActive(sessionID); err != nil {
		return nil, err
	}

	lock, err := o.locks.Acquire(ctx, lockfile.TaskResource(taskID), sessionID, o.timing.LockTTL, o.timing.LockWait)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Release() }()

	task, err := o.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.State != types.TaskWIP || task.SessionID != sessionID {
		return nil, fmt.Errorf("task %s is %s owned by %q: evidence attaches to the caller's wip task: %w",
			taskID, task.State, task.SessionID, types.ErrInvalidTransition)
	}

	have := make(map[string]bool, len(task.Evidence))
	for _, p := range task.Evidence {
		have[p] = true
	}
	for _, p := range paths {
		if !have[p] {
			task.Evidence = append(task.Evidence, p)
			have[p] = true
		}
	}
	task.UpdatedAt = o.now().UTC()
	if err := o.store.PutTask(task, task.State); err != nil {
		return nil, err
	}
	if err := o.sessions.Touch(sessionID); err != nil {
		return nil, err
	}
	return task, nil
}

// Split creates child tasks under a parent. The parent's state is never
// mutated as a side effect; only its child list grows. All children and the
// parent update commit in one transaction.
func (o *Orchestrator) Split(ctx context.Context, parentID string, titles []string, sessionID string) ([]*types.Task, error) {
	if len(titles) == 0 {
		return nil, fmt.Errorf("split requires at least one child title")
	}
	if err := o.sessions.CheckActive(sessionID); err != nil {
		return nil, err
	}

	lock, err := o.locks.Acquire(ctx, lockfile.TaskResource(parentID), sessionID, o.timing.LockTTL, o.timing.LockWait)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Release() }()

	parent, err := o.store.GetTask(parentID)
	if err != nil {
		return nil, err
	}
	parentState := parent.State

	now := o.now().UTC()
	tx, err := txn.Begin(o.store.Root())
	if err != nil {
		return nil, err
	}
	fail := func(err error) ([]*types.Task, error) {
		_ = tx.Rollback()
		return nil, err
	}

	children := make([]*types.Task, 0, len(titles))
	for i, title := range titles {
		child := &types.Task{
			ID:        idgen.New(idgen.TaskPrefix, now, i, parentID, title),
			Title:     title,
			State:     types.TaskTodo,
			ParentID:  parentID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := o.store.StageTask(tx, child, ""); err != nil {
			return fail(err)
		}
		parent.ChildIDs = append(parent.ChildIDs, child.ID)
		children = append(children, child)
	}
	parent.UpdatedAt = now
	if parent.State != parentState {
		return fail(fmt.Errorf("split must not change parent state"))
	}
	if err := o.store.StageTask(tx, parent, ""); err != nil {
		return fail(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if err := o.sessions.Touch(sessionID); err != nil {
		return nil, err
	}
	return children, nil
}

// Link relates two tasks. Neither task's state changes; the link is recorded
// on the from side only.
func (o *Orchestrator) Link(ctx context.Context, fromID, toID string, linkType types.LinkType, sessionID string) error {
	if !linkType.IsValid() {
		return fmt.Errorf("invalid link type %q", linkType)
	}
	if fromID == toID {
		return fmt.Errorf("cannot link %s to itself", fromID)
	}
	if err := o.sessions.CheckActive(sessionID); err != nil {
		return err
	}

	lock, err := o.locks.Acquire(ctx, lockfile.TaskResource(fromID), sessionID, o.timing.LockTTL, o.timing.LockWait)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	if _, err := o.store.GetTask(toID); err != nil {
		return fmt.Errorf("link target: %w", err)
	}
	from, err := o.store.GetTask(fromID)
	if err != nil {
		return err
	}
	for _, l := range from.Links {
		if l.TargetID == toID && l.Type == linkType {
			return nil // already linked
		}
	}

	now := o.now().UTC()
	from.Links = append(from.Links, &types.Link{
		TargetID:  toID,
		Type:      linkType,
		CreatedAt: now,
		CreatedBy: sessionID,
	})
	from.UpdatedAt = now
	if err := o.store.PutTask(from, from.State); err != nil {
		return err
	}
	return o.sessions.Touch(sessionID)
}

// Events returns the audit trail for a task, oldest first.
func (o *Orchestrator) Events(taskID string) ([]*types.Event, error) {
	return fsm.Events(o.store, taskID)
}

// evidenceBase resolves the directory evidence paths are relative to: the
// session's working copy when one is provisioned, the data root otherwise.
func (o *Orchestrator) evidenceBase(sessionID string) string {
	sess, err := o.store.GetSession(sessionID)
	if err != nil || sess.WorkDir == "" {
		return o.store.Root()
	}
	return sess.WorkDir
}
