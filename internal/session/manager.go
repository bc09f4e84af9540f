// Package session manages worker session lifecycles: start, resume, recover,
// and close.
//
// Sessions are the unit of ownership. A task in wip belongs to exactly one
// session; a session that stops heartbeating past the configured stale
// threshold becomes eligible for recovery, which is the only procedure allowed
// to take resources away from another session. Ordinary operations never
// steal.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/skeinworks/skein/internal/config"
	"github.com/skeinworks/skein/internal/debug"
	"github.com/skeinworks/skein/internal/fsm"
	"github.com/skeinworks/skein/internal/idgen"
	"github.com/skeinworks/skein/internal/lockfile"
	"github.com/skeinworks/skein/internal/repo"
	"github.com/skeinworks/skein/internal/telemetry"
	"github.com/skeinworks/skein/internal/txn"
	"github.com/skeinworks/skein/internal/types"
)

// EventReclaim is the transition event recovery applies to revert a stale
// session's wip tasks to todo. The default rules table maps (wip, reclaim)
// to todo with no ownership guard.
const EventReclaim = "reclaim"

// workDirsName is the directory under the data root holding provisioned
// isolated working copies.
const workDirsName = "workdirs"

// Options controls session provisioning.
type Options struct {
	// Isolated provisions a private working copy under the data root so
	// concurrent sessions never collide on uncommitted edits.
	Isolated bool
	// WorkDir attaches an externally managed working copy instead. Ignored
	// when Isolated is set. Close does not remove external working copies.
	WorkDir string
}

// Claimer claims a task for a session. Implemented by the orchestrator;
// injected so starting a session with initial tasks delegates claiming
// instead of duplicating it.
type Claimer interface {
	Claim(ctx context.Context, taskID, sessionID string) (*types.Task, error)
}

// Manager drives session lifecycles over the shared store.
type Manager struct {
	store   *repo.Store
	locks   *lockfile.Manager
	engine  *fsm.Engine
	timing  config.Timing
	claimer Claimer
	now     func() time.Time
}

// NewManager returns a session manager. claimer may be nil, in which case
// Start refuses initial task lists.
func NewManager(store *repo.Store, locks *lockfile.Manager, engine *fsm.Engine, timing config.Timing) *Manager {
	return &Manager{store: store, locks: locks, engine: engine, timing: timing, now: time.Now}
}

// SetClaimer injects the claim delegate. Wired after construction because the
// orchestrator and the session manager reference each other.
func (m *Manager) SetClaimer(c Claimer) { m.claimer = c }

// Start creates a new active session for owner, optionally provisioning an
// isolated working copy, then claims the given tasks through the orchestrator.
// A failed claim leaves the session active with whatever was claimed so far
// and returns the claim error alongside the session.
func (m *Manager) Start(ctx context.Context, owner string, taskIDs []string, opts Options) (*types.Session, error) {
	if owner == "" {
		return nil, fmt.Errorf("session owner is required")
	}
	if len(taskIDs) > 0 && m.claimer == nil {
		return nil, fmt.Errorf("no claimer configured for initial tasks")
	}

	now := m.now().UTC()
	session := &types.Session{
		ID:           idgen.New(idgen.SessionPrefix, now, 0, owner),
		Owner:        owner,
		Status:       types.SessionActive,
		CreatedAt:    now,
		LastActiveAt: now,
	}

	switch {
	case opts.Isolated:
		dir := filepath.Join(m.store.Root(), workDirsName, session.ID)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("provisioning working copy: %w", err)
		}
		session.WorkDir = dir
	case opts.WorkDir != "":
		session.WorkDir = opts.WorkDir
	}

	if err := m.store.PutSession(session); err != nil {
		return nil, err
	}
	debug.Logf("session %s started for %s", session.ID, owner)

	for _, taskID := range taskIDs {
		if _, err := m.claimer.Claim(ctx, taskID, session.ID); err != nil {
			return session, fmt.Errorf("claiming %s: %w", taskID, err)
		}
	}
	return m.store.GetSession(session.ID)
}

// Resume re-attaches to an existing active session after a restart. The
// working copy and claimed tasks are re-validated: tasks no longer owned by
// this session (reclaimed while it was away) are dropped from its claim set.
func (m *Manager) Resume(ctx context.Context, sessionID string) (*types.Session, error) {
	session, err := m.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if err := statusError(session); err != nil {
		return nil, err
	}

	if session.WorkDir != "" {
		if _, err := os.Stat(session.WorkDir); err != nil {
			return nil, fmt.Errorf("session %s working copy %s is gone: %w", sessionID, session.WorkDir, err)
		}
	}

	var kept []string
	for _, taskID := range session.TaskIDs {
		task, err := m.store.GetTask(taskID)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if task.State == types.TaskWIP && task.SessionID == sessionID {
			kept = append(kept, taskID)
		}
	}
	session.TaskIDs = kept
	session.LastActiveAt = m.now().UTC()
	if err := m.store.PutSession(session); err != nil {
		return nil, err
	}
	debug.Logf("session %s resumed, %d claims intact", sessionID, len(kept))
	return session, nil
}

// Touch records a heartbeat. Called by the orchestrator after every
// successful operation on the session's behalf.
func (m *Manager) Touch(sessionID string) error {
	session, err := m.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if err := statusError(session); err != nil {
		return err
	}
	session.LastActiveAt = m.now().UTC()
	return m.store.PutSession(session)
}

// CheckActive verifies the session may still write. A session archived by
// recovery fails with ErrStaleSessionReclaimed; one archived or closing by its
// owner fails with ErrSessionClosed.
func (m *Manager) CheckActive(sessionID string) error {
	session, err := m.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	return statusError(session)
}

func statusError(session *types.Session) error {
	switch session.Status {
	case types.SessionActive:
		return nil
	case types.SessionClosing:
		return fmt.Errorf("session %s is closing: %w", session.ID, types.ErrSessionClosed)
	default:
		if session.Reclaimed {
			return fmt.Errorf("session %s was reclaimed by recovery: %w", session.ID, types.ErrStaleSessionReclaimed)
		}
		return fmt.Errorf("session %s is archived: %w", session.ID, types.ErrSessionClosed)
	}
}

// Recover reclaims a stale session: force-releases its expired locks, reverts
// its wip tasks to todo, and archives it with the reclaimed flag set so any
// later write attempt by the stale session fails distinguishably.
//
// Preconditions enforced here: the session must be idle past the configured
// stale threshold, and no other session may hold a lock inside the recovered
// session's scope (the quiescence check).
func (m *Manager) Recover(ctx context.Context, sessionID string) (*types.SessionSummary, error) {
	session, err := m.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == types.SessionArchived {
		// Already recovered or closed; recovery is idempotent.
		return summarize(session, nil, nil), nil
	}

	now := m.now().UTC()
	if idle := session.IdleFor(now); idle < m.timing.StaleThreshold {
		return nil, fmt.Errorf("session %s idle %s, threshold %s: not stale",
			sessionID, idle.Round(time.Second), m.timing.StaleThreshold)
	}

	if err := m.checkQuiescent(session); err != nil {
		return nil, err
	}

	held, err := m.locks.HeldBy(sessionID)
	if err != nil {
		return nil, err
	}

	// Liveness corroboration: a fresh lock whose holder process is still
	// running means the session is acting, whatever its heartbeat says.
	// Checked before any lock is released so recovery never half-applies.
	for _, resource := range held {
		rec, err := m.locks.Inspect(resource)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !rec.Expired(now) && rec.HolderAlive() {
			return nil, fmt.Errorf("lock on %s is fresh and holder pid %d is running: session %s is not stale",
				resource, rec.PID, sessionID)
		}
	}

	var released []string
	for _, resource := range held {
		if err := m.locks.ForceRelease(resource, sessionID); err != nil {
			return nil, err
		}
		released = append(released, resource)
	}

	// Revert wip claims through the engine so each reversion is journaled.
	// A task goes back to todo, never forward to done.
	var reverted []string
	tasks, err := m.store.ListTasks(types.TaskWIP)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if task.SessionID != sessionID {
			continue
		}
		fc := &fsm.Context{Task: task, Actor: "recovery", Now: now}
		if _, err := m.engine.ApplyTask(fc, EventReclaim, nil); err != nil {
			return nil, fmt.Errorf("reverting task %s: %w", task.ID, err)
		}
		reverted = append(reverted, task.ID)
	}

	session.Status = types.SessionArchived
	session.ArchivedAt = &now
	session.Reclaimed = true
	session.TaskIDs = nil
	if err := m.store.PutSession(session); err != nil {
		return nil, err
	}

	telemetry.Default().StaleReclaim(ctx)
	debug.Alwaysf("recovery: session %s reclaimed (%d locks released, %d tasks reverted)",
		sessionID, len(released), len(reverted))
	return summarize(session, released, reverted), nil
}

// checkQuiescent refuses recovery while any other session holds a lock inside
// the target session's scope.
func (m *Manager) checkQuiescent(session *types.Session) error {
	scope := make(map[string]bool, 2*len(session.TaskIDs))
	for _, taskID := range session.TaskIDs {
		scope[lockfile.TaskResource(taskID)] = true
		scope[lockfile.QAResource(taskID)] = true
	}
	records, err := m.locks.All()
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Holder != session.ID && scope[rec.Resource] {
			return fmt.Errorf("resource %s locked by session %s: recovery scope not quiescent",
				rec.Resource, rec.Holder)
		}
	}
	return nil
}

// Close releases every lock the session holds, tears down its isolated
// working copy, and archives the session record. Refuses while any
// transaction is still staged under the data root.
func (m *Manager) Close(ctx context.Context, sessionID string) (*types.SessionSummary, error) {
	session, err := m.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == types.SessionArchived {
		return nil, statusError(session)
	}

	pending, err := txn.Pending(m.store.Root())
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		return nil, fmt.Errorf("session %s: %d uncommitted transactions in flight, close refused", sessionID, len(pending))
	}

	// Closing first: the session stops accepting writes before its locks go.
	session.Status = types.SessionClosing
	session.LastActiveAt = m.now().UTC()
	if err := m.store.PutSession(session); err != nil {
		return nil, err
	}

	held, err := m.locks.HeldBy(sessionID)
	if err != nil {
		return nil, err
	}
	var released []string
	for _, resource := range held {
		if err := m.locks.ReleaseHeld(resource, sessionID); err != nil {
			return nil, err
		}
		released = append(released, resource)
	}

	// Only working copies we provisioned are removed.
	if session.WorkDir != "" && strings.HasPrefix(session.WorkDir, filepath.Join(m.store.Root(), workDirsName)) {
		if err := os.RemoveAll(session.WorkDir); err != nil {
			return nil, fmt.Errorf("tearing down working copy: %w", err)
		}
	}

	now := m.now().UTC()
	session.Status = types.SessionArchived
	session.ArchivedAt = &now
	if err := m.store.PutSession(session); err != nil {
		return nil, err
	}
	debug.Logf("session %s closed, %d locks released", sessionID, len(released))
	return summarize(session, released, nil), nil
}

// Stale lists active sessions idle past the configured threshold, oldest
// first. Candidates for recovery; listing never reclaims.
func (m *Manager) Stale() ([]*types.Session, error) {
	sessions, err := m.store.ListSessions(types.SessionActive)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	var stale []*types.Session
	for _, session := range sessions {
		if session.IdleFor(now) >= m.timing.StaleThreshold {
			stale = append(stale, session)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].LastActiveAt.Before(stale[j].LastActiveAt)
	})
	return stale, nil
}

func summarize(session *types.Session, released, reverted []string) *types.SessionSummary {
	return &types.SessionSummary{
		SessionID:     session.ID,
		Owner:         session.Owner,
		Status:        session.Status,
		ReleasedLocks: released,
		RevertedTasks: reverted,
		Reclaimed:     session.Reclaimed,
	}
}
