// Package txn implements atomic multi-file writes for the entity tree.
//
// A transaction stages every write to a per-transaction temporary directory,
// fsyncs each staged file, then renames all staged files into place. If any
// rename fails, prior renames are reverted from backup copies captured before
// the transaction began, so no transition is ever partially visible.
package txn

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/skeinworks/skein/internal/debug"
)

// StagingDirName is the directory under the data root that holds
// per-transaction staging directories. Removed on commit or rollback.
const StagingDirName = ".staging"

// renameFile is swapped out by tests to simulate a crash mid-commit.
var renameFile = os.Rename

type stagedWrite struct {
	target string // final path
	staged string // path inside the staging dir
	backup string // backup of pre-existing target, empty if target was new
}

// Txn is a single atomic multi-file write.
type Txn struct {
	ID         string
	root       string
	stagingDir string
	writes     []stagedWrite
	removals   []string
	done       bool
}

// Begin opens a new transaction rooted at the given data directory.
func Begin(root string) (*Txn, error) {
	id := uuid.NewString()
	stagingDir := filepath.Join(root, StagingDirName, id)
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return nil, fmt.Errorf("creating staging dir: %w", err)
	}
	return &Txn{ID: id, root: root, stagingDir: stagingDir}, nil
}

// Stage records a write of data to target. The data is written and fsynced
// into the staging directory; target is untouched until Commit.
func (t *Txn) Stage(target string, data []byte) error {
	if t.done {
		return fmt.Errorf("transaction %s already finished", t.ID)
	}
	name := fmt.Sprintf("%03d-%s", len(t.writes), sanitize(target))
	staged := filepath.Join(t.stagingDir, name)

	f, err := os.OpenFile(staged, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("staging %s: %w", target, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("staging %s: %w", target, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync staging %s: %w", target, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing staged %s: %w", target, err)
	}

	t.writes = append(t.writes, stagedWrite{target: target, staged: staged})
	return nil
}

// Remove records a deletion of target, applied only after every staged
// rename has succeeded. Removals are never rolled back: a failed removal is
// logged and picked up by the next recovery sweep.
func (t *Txn) Remove(target string) error {
	if t.done {
		return fmt.Errorf("transaction %s already finished", t.ID)
	}
	t.removals = append(t.removals, target)
	return nil
}

// Commit applies every staged write atomically. On any rename failure, all
// prior renames in this transaction are reverted before returning the error.
func (t *Txn) Commit() error {
	if t.done {
		return fmt.Errorf("transaction %s already finished", t.ID)
	}
	t.done = true

	// Capture backups of every target that already exists.
	for i := range t.writes {
		w := &t.writes[i]
		if _, err := os.Stat(w.target); err == nil {
			backup := filepath.Join(t.stagingDir, fmt.Sprintf("bak-%03d", i))
			if err := copyFile(w.target, backup); err != nil {
				t.cleanup()
				return fmt.Errorf("backing up %s: %w", w.target, err)
			}
			w.backup = backup
		}
	}

	// Rename staged files into place, reverting on first failure.
	for i := range t.writes {
		w := &t.writes[i]
		if err := os.MkdirAll(filepath.Dir(w.target), 0755); err != nil {
			t.revert(i)
			t.cleanup()
			return fmt.Errorf("creating parent for %s: %w", w.target, err)
		}
		if err := renameFile(w.staged, w.target); err != nil {
			t.revert(i)
			t.cleanup()
			return fmt.Errorf("committing %s: %w", w.target, err)
		}
		syncDir(filepath.Dir(w.target))
	}

	// Apply removals last; a removal that fails after the renames is logged
	// and retried by the next recovery sweep rather than torn back out.
	for _, target := range t.removals {
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			debug.Alwaysf("txn %s: removal of %s failed: %v", t.ID, target, err)
		}
		syncDir(filepath.Dir(target))
	}

	t.cleanup()
	return nil
}

// Rollback abandons the transaction and discards all staged writes.
// Safe to call after Commit; it is then a no-op.
func (t *Txn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.cleanup()
	return nil
}

// revert undoes the first n renames from their backups. Targets that did not
// exist before the transaction are removed again.
func (t *Txn) revert(n int) {
	for i := n - 1; i >= 0; i-- {
		w := t.writes[i]
		if w.backup != "" {
			if err := renameFile(w.backup, w.target); err != nil {
				debug.Alwaysf("txn %s: revert of %s failed: %v", t.ID, w.target, err)
			}
		} else {
			if err := os.Remove(w.target); err != nil && !os.IsNotExist(err) {
				debug.Alwaysf("txn %s: revert removal of %s failed: %v", t.ID, w.target, err)
			}
		}
	}
}

func (t *Txn) cleanup() {
	if err := os.RemoveAll(t.stagingDir); err != nil {
		debug.Logf("txn %s: staging cleanup failed: %v", t.ID, err)
	}
}

// Pending lists the in-flight staging directories under the data root. A
// non-empty result means some process has an uncommitted transaction open.
func Pending(root string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(root, StagingDirName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading staging root: %w", err)
	}
	var pending []string
	for _, entry := range entries {
		if entry.IsDir() {
			pending = append(pending, entry.Name())
		}
	}
	return pending, nil
}

// SweepOrphans removes staging directories left behind by crashed processes.
// Only directories older than minAge are removed, so in-flight transactions
// from live processes are never touched. Returns the removed directory names.
func SweepOrphans(root string, minAge time.Duration) ([]string, error) {
	stagingRoot := filepath.Join(root, StagingDirName)
	entries, err := os.ReadDir(stagingRoot)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading staging root: %w", err)
	}

	var removed []string
	cutoff := time.Now().Add(-minAge)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(stagingRoot, entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			return removed, fmt.Errorf("removing orphaned staging dir %s: %w", entry.Name(), err)
		}
		debug.Alwaysf("recovery: discarded orphaned staging dir %s", entry.Name())
		removed = append(removed, entry.Name())
	}
	return removed, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src) // #nosec G304 - paths are derived from the data root
	if err != nil {
		return err
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// syncDir fsyncs a directory so renames within it are durable. Best effort:
// some filesystems reject directory fsync.
func syncDir(dir string) {
	d, err := os.Open(dir) // #nosec G304 - paths are derived from the data root
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func sanitize(path string) string {
	s := strings.ReplaceAll(path, string(os.PathSeparator), "_")
	s = strings.ReplaceAll(s, ":", "_")
	if len(s) > 80 {
		s = s[len(s)-80:]
	}
	return s
}
