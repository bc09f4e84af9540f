package repo

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/skeinworks/skein/internal/debug"
	"github.com/skeinworks/skein/internal/txn"
	"github.com/skeinworks/skein/internal/types"
)

// Problem describes one finding from a verification pass.
type Problem struct {
	Path string `json:"path"`
	Kind string `json:"kind"` // "corrupt", "orphaned-staging"
	Err  string `json:"error,omitempty"`
}

// Verify scans the entity tree for checksum mismatches and abandoned
// transaction staging directories. It reports problems and never patches
// them; recovery is a separate, explicit step.
func (s *Store) Verify() ([]Problem, error) {
	var problems []Problem

	check := func(path string, read func() error) {
		if err := read(); err != nil && errors.Is(err, types.ErrCorruptedEntity) {
			debug.Alwaysf("verify: corrupt entity at %s: %v", path, err)
			problems = append(problems, Problem{Path: path, Kind: "corrupt", Err: err.Error()})
		}
	}

	for _, state := range types.TaskStates() {
		dir := filepath.Join(s.root, "tasks", string(state))
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !strings.HasSuffix(entry.Name(), ".json") || strings.HasSuffix(entry.Name(), ".meta.json") {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			var task types.Task
			check(path, func() error { return s.readEntity(path, &task) })
		}
	}

	qaEntries, _ := os.ReadDir(filepath.Join(s.root, "qa"))
	for _, entry := range qaEntries {
		if !entry.IsDir() {
			continue
		}
		path := s.briefPath(entry.Name())
		if _, err := os.Stat(path); err != nil {
			continue
		}
		var brief types.QABrief
		check(path, func() error { return s.readEntity(path, &brief) })
	}

	sessEntries, _ := os.ReadDir(filepath.Join(s.root, "sessions"))
	for _, entry := range sessEntries {
		if !strings.HasSuffix(entry.Name(), ".json") || strings.HasSuffix(entry.Name(), ".meta.json") {
			continue
		}
		path := filepath.Join(s.root, "sessions", entry.Name())
		var session types.Session
		check(path, func() error { return s.readEntity(path, &session) })
	}

	stagingRoot := filepath.Join(s.root, txn.StagingDirName)
	stagingEntries, _ := os.ReadDir(stagingRoot)
	for _, entry := range stagingEntries {
		if entry.IsDir() {
			problems = append(problems, Problem{
				Path: filepath.Join(stagingRoot, entry.Name()),
				Kind: "orphaned-staging",
			})
		}
	}

	return problems, nil
}

// SweepStaging discards staging directories older than minAge. Part of the
// explicit recovery pass, never run implicitly on reads.
func (s *Store) SweepStaging(minAge time.Duration) ([]string, error) {
	return txn.SweepOrphans(s.root, minAge)
}
