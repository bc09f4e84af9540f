// Package lockfile implements cooperative, per-resource exclusive locks for
// processes that share a data root but no memory.
//
// A lock is a JSON record created with O_CREATE|O_EXCL, which is atomic on
// every filesystem we care about. The record carries holder identity, PID,
// acquisition time, and TTL. A lock whose TTL has elapsed is stale; ordinary
// acquisition never steals it — only the explicit recovery procedure may,
// through ForceRelease, serialized by an flock guard so two recoverers cannot
// race each other.
package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/skeinworks/skein/internal/debug"
	"github.com/skeinworks/skein/internal/types"
)

// guardFileName serializes stale-lock inspection and force release across
// processes.
const guardFileName = ".guard"

// TaskResource names the lock resource guarding a task.
func TaskResource(taskID string) string { return "tasks/" + taskID }

// QAResource names the lock resource guarding a QA brief.
func QAResource(taskID string) string { return "qa/" + taskID }

// Record is the persisted lock record.
type Record struct {
	Resource   string        `json:"resource"`
	Holder     string        `json:"holder"` // session id
	PID        int           `json:"pid"`
	AcquiredAt time.Time     `json:"acquired_at"`
	TTL        time.Duration `json:"ttl"`
}

// Expired reports whether the lock's TTL has elapsed at the given time.
func (r *Record) Expired(now time.Time) bool {
	return now.Sub(r.AcquiredAt) > r.TTL
}

// HolderAlive reports whether the recording process still exists. A dead
// process is evidence for staleness but not sufficient on its own; the
// session must also be verified inactive by the caller.
func (r *Record) HolderAlive() bool {
	return isProcessRunning(r.PID)
}

// Manager creates and releases lock records under a single locks directory.
type Manager struct {
	dir string
	now func() time.Time
}

// NewManager returns a manager for the given locks directory.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir, now: time.Now}
}

// Lock is a held lock. Release removes it.
type Lock struct {
	mgr      *Manager
	resource string
	holder   string
	path     string
}

// Resource returns the locked resource name.
func (l *Lock) Resource() string { return l.resource }

func (m *Manager) lockPath(resource string) string {
	return filepath.Join(m.dir, encodeResource(resource)+".lock")
}

// encodeResource flattens a resource path into a single file name.
func encodeResource(resource string) string {
	s := strings.ReplaceAll(resource, "/", "__")
	return strings.ReplaceAll(s, string(os.PathSeparator), "__")
}

// TryAcquire makes a single attempt to take the lock. It fails immediately
// with types.ErrLockTimeout when the resource is locked, stale or not.
func (m *Manager) TryAcquire(resource, holder string, ttl time.Duration) (*Lock, error) {
	path := m.lockPath(resource)
	rec := Record{
		Resource:   resource,
		Holder:     holder,
		PID:        os.Getpid(),
		AcquiredAt: m.now(),
		TTL:        ttl,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshaling lock record: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("lock on %s: %w", resource, types.ErrLockTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("creating lock on %s: %w", resource, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("writing lock on %s: %w", resource, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("fsync lock on %s: %w", resource, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("closing lock on %s: %w", resource, err)
	}
	return &Lock{mgr: m, resource: resource, holder: holder, path: path}, nil
}

// Acquire takes the lock, blocking up to timeout. Retries ride an exponential
// backoff, and an fsnotify watcher on the locks directory wakes the waiter as
// soon as the current holder releases. Fails with types.ErrLockTimeout once
// the bound elapses; the caller decides whether to retry or report blocked.
func (m *Manager) Acquire(ctx context.Context, resource, holder string, ttl, timeout time.Duration) (*Lock, error) {
	lock, err := m.TryAcquire(resource, holder, ttl)
	if err == nil {
		return lock, nil
	}
	if !errors.Is(err, types.ErrLockTimeout) {
		return nil, err
	}

	deadline := m.now().Add(timeout)

	watcher, werr := fsnotify.NewWatcher()
	if werr == nil {
		defer watcher.Close()
		if aerr := watcher.Add(m.dir); aerr != nil {
			watcher = nil
		}
	} else {
		watcher = nil // fall back to pure backoff polling
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = 0 // we enforce the deadline ourselves

	target := m.lockPath(resource)
	for {
		if m.now().After(deadline) {
			return nil, fmt.Errorf("lock on %s after %s: %w", resource, timeout, types.ErrLockTimeout)
		}

		wait := bo.NextBackOff()
		if watcher != nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case event := <-watcher.Events:
				// Only a removal of our lock file is interesting.
				if event.Name != target || !event.Has(fsnotify.Remove) {
					continue
				}
			case <-watcher.Errors:
				watcher = nil
			case <-time.After(wait):
			}
		} else {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		lock, err := m.TryAcquire(resource, holder, ttl)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, types.ErrLockTimeout) {
			return nil, err
		}
	}
}

// Release removes the lock. Fails if the record no longer names this holder,
// which means the lock was reclaimed while we thought we held it.
func (l *Lock) Release() error {
	rec, err := l.mgr.Inspect(l.resource)
	if errors.Is(err, types.ErrNotFound) {
		return fmt.Errorf("lock on %s: %w", l.resource, types.ErrStaleSessionReclaimed)
	}
	if err != nil {
		return err
	}
	if rec.Holder != l.holder {
		return fmt.Errorf("lock on %s now held by %s: %w", l.resource, rec.Holder, types.ErrStaleSessionReclaimed)
	}
	if err := os.Remove(l.path); err != nil {
		return fmt.Errorf("releasing lock on %s: %w", l.resource, err)
	}
	return nil
}

// ReleaseHeld removes the lock on resource if it is currently held by holder.
// Used when a session releases its own locks without a live Lock handle, e.g.
// closing after a process restart. Fails if another holder took the lock.
func (m *Manager) ReleaseHeld(resource, holder string) error {
	rec, err := m.Inspect(resource)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Holder != holder {
		return fmt.Errorf("lock on %s held by %s, not %s: %w", resource, rec.Holder, holder, types.ErrAlreadyClaimed)
	}
	if err := os.Remove(m.lockPath(resource)); err != nil {
		return fmt.Errorf("releasing lock on %s: %w", resource, err)
	}
	return nil
}

// Inspect reads the current lock record for a resource.
func (m *Manager) Inspect(resource string) (*Record, error) {
	data, err := os.ReadFile(m.lockPath(resource)) // #nosec G304 - path derived from the locks dir
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("lock on %s: %w", resource, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading lock on %s: %w", resource, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("lock record for %s: %w", resource, types.ErrCorruptedEntity)
	}
	return &rec, nil
}

// HeldBy lists the resources currently locked by the given holder.
func (m *Manager) HeldBy(holder string) ([]string, error) {
	records, err := m.All()
	if err != nil {
		return nil, err
	}
	var resources []string
	for _, rec := range records {
		if rec.Holder == holder {
			resources = append(resources, rec.Resource)
		}
	}
	return resources, nil
}

// All returns every current lock record.
func (m *Manager) All() ([]*Record, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("listing locks: %w", err)
	}
	var records []*Record
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".lock") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.dir, entry.Name())) // #nosec G304
		if err != nil {
			continue // released between readdir and read
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("lock record %s: %w", entry.Name(), types.ErrCorruptedEntity)
		}
		records = append(records, &rec)
	}
	return records, nil
}

// ForceRelease removes a stale lock during recovery. The caller must have
// verified the holder session is inactive; this re-checks that the record
// still names expectedHolder and has expired, under the flock guard, so a
// concurrent fresh acquisition is never destroyed.
func (m *Manager) ForceRelease(resource, expectedHolder string) error {
	guard, err := os.OpenFile(filepath.Join(m.dir, guardFileName), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("opening recovery guard: %w", err)
	}
	defer guard.Close()
	if err := flockExclusiveBlocking(guard); err != nil {
		return fmt.Errorf("locking recovery guard: %w", err)
	}
	defer func() { _ = flockUnlock(guard) }()

	rec, err := m.Inspect(resource)
	if errors.Is(err, types.ErrNotFound) {
		return nil // already released
	}
	if err != nil {
		return err
	}
	if rec.Holder != expectedHolder {
		return fmt.Errorf("lock on %s held by %s, not %s: %w", resource, rec.Holder, expectedHolder, types.ErrAlreadyClaimed)
	}
	if !rec.Expired(m.now()) {
		return fmt.Errorf("lock on %s has not expired: %w", resource, types.ErrLockTimeout)
	}

	if err := os.Remove(m.lockPath(resource)); err != nil {
		return fmt.Errorf("force releasing lock on %s: %w", resource, err)
	}
	debug.Alwaysf("recovery: force released stale lock on %s (holder %s, pid %d, age %s)",
		resource, rec.Holder, rec.PID, m.now().Sub(rec.AcquiredAt).Round(time.Second))
	return nil
}
