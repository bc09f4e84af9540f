// Package repo provides durable storage of tasks, QA briefs, and sessions as
// individually addressable records on the filesystem.
//
// Layout under the data root:
//
//	tasks/<state>/<id>.json (+ <id>.meta.json checksum sidecar)
//	qa/<task-id>/brief.json (+ sidecar), qa/<task-id>/rounds/<n>/verdicts.jsonl
//	sessions/<id>.json (+ sidecar)
//	journal/<id>.log  append-only transition logs
//
// Every read verifies the sidecar checksum and size; a mismatch surfaces
// types.ErrCorruptedEntity rather than returning stale or torn data. The
// store holds no cache: callers crossing a lock boundary always re-read.
package repo

import (
	"bufio"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/skeinworks/skein/internal/txn"
	"github.com/skeinworks/skein/internal/types"
)

// Store is the file-backed entity repository. The storage medium is an
// implementation detail behind this type; consumers hold the narrow surface
// it exposes and nothing else.
type Store struct {
	root string
}

// Open initializes a store at the given data root, creating the directory
// skeleton if needed.
func Open(root string) (*Store, error) {
	dirs := []string{
		filepath.Join(root, "qa"),
		filepath.Join(root, "sessions"),
		filepath.Join(root, "locks"),
		filepath.Join(root, "journal"),
	}
	for _, state := range types.TaskStates() {
		dirs = append(dirs, filepath.Join(root, "tasks", string(state)))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return &Store{root: root}, nil
}

// Root returns the data root directory.
func (s *Store) Root() string { return s.root }

// LocksDir returns the directory holding lock records.
func (s *Store) LocksDir() string { return filepath.Join(s.root, "locks") }

// JournalPath returns the append-only transition log path for an entity.
func (s *Store) JournalPath(entityID string) string {
	return filepath.Join(s.root, "journal", entityID+".log")
}

func (s *Store) taskPath(state types.TaskState, id string) string {
	return filepath.Join(s.root, "tasks", string(state), id+".json")
}

func (s *Store) briefPath(taskID string) string {
	return filepath.Join(s.root, "qa", taskID, "brief.json")
}

func (s *Store) sessionPath(id string) string {
	return filepath.Join(s.root, "sessions", id+".json")
}

func metaPath(entityPath string) string {
	return strings.TrimSuffix(entityPath, ".json") + ".meta.json"
}

// meta is the checksum sidecar recorded next to every entity.
type meta struct {
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// GetTask reads a task by id, scanning state directories. Returns
// types.ErrNotFound if no state directory holds it.
func (s *Store) GetTask(id string) (*types.Task, error) {
	for _, state := range types.TaskStates() {
		path := s.taskPath(state, id)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		var task types.Task
		if err := s.readEntity(path, &task); err != nil {
			return nil, err
		}
		task.SetDefaults()
		// The state directory is authoritative for partitioning; a record
		// whose body disagrees with its directory is torn.
		if task.State != state {
			return nil, fmt.Errorf("task %s: state dir %s disagrees with record state %s: %w",
				id, state, task.State, types.ErrCorruptedEntity)
		}
		return &task, nil
	}
	return nil, fmt.Errorf("task %s: %w", id, types.ErrNotFound)
}

// StageTask stages a task write into tx. prevState names the state directory
// the task currently lives in; when the state changed, the old record and its
// sidecar are removed in the same transaction so the move is atomic.
func (s *Store) StageTask(tx *txn.Txn, task *types.Task, prevState types.TaskState) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("task %s: %w", task.ID, err)
	}
	path := s.taskPath(task.State, task.ID)
	if err := s.stageEntity(tx, path, task); err != nil {
		return err
	}
	if prevState != "" && prevState != task.State {
		old := s.taskPath(prevState, task.ID)
		if err := tx.Remove(old); err != nil {
			return err
		}
		if err := tx.Remove(metaPath(old)); err != nil {
			return err
		}
	}
	return nil
}

// PutTask writes a task in its own transaction.
func (s *Store) PutTask(task *types.Task, prevState types.TaskState) error {
	tx, err := txn.Begin(s.root)
	if err != nil {
		return err
	}
	if err := s.StageTask(tx, task, prevState); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ListTasks returns all tasks in the given state, sorted by id. An empty
// state lists every task.
func (s *Store) ListTasks(state types.TaskState) ([]*types.Task, error) {
	states := types.TaskStates()
	if state != "" {
		states = []types.TaskState{state}
	}
	var tasks []*types.Task
	for _, st := range states {
		dir := filepath.Join(s.root, "tasks", string(st))
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("listing %s tasks: %w", st, err)
		}
		for _, entry := range entries {
			if !strings.HasSuffix(entry.Name(), ".json") || strings.HasSuffix(entry.Name(), ".meta.json") {
				continue
			}
			id := strings.TrimSuffix(entry.Name(), ".json")
			task, err := s.GetTask(id)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, task)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

// GetBrief reads the QA brief attached to a task.
func (s *Store) GetBrief(taskID string) (*types.QABrief, error) {
	path := s.briefPath(taskID)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("qa brief for %s: %w", taskID, types.ErrNotFound)
	}
	var brief types.QABrief
	if err := s.readEntity(path, &brief); err != nil {
		return nil, err
	}
	return &brief, nil
}

// StageBrief stages a QA brief write into tx.
func (s *Store) StageBrief(tx *txn.Txn, brief *types.QABrief) error {
	if err := brief.Validate(); err != nil {
		return fmt.Errorf("qa brief %s: %w", brief.ID, err)
	}
	return s.stageEntity(tx, s.briefPath(brief.TaskID), brief)
}

// PutBrief writes a QA brief in its own transaction.
func (s *Store) PutBrief(brief *types.QABrief) error {
	tx, err := txn.Begin(s.root)
	if err != nil {
		return err
	}
	if err := s.StageBrief(tx, brief); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// GetSession reads a session by id.
func (s *Store) GetSession(id string) (*types.Session, error) {
	path := s.sessionPath(id)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("session %s: %w", id, types.ErrNotFound)
	}
	var session types.Session
	if err := s.readEntity(path, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// StageSession stages a session write into tx.
func (s *Store) StageSession(tx *txn.Txn, session *types.Session) error {
	if err := session.Validate(); err != nil {
		return fmt.Errorf("session %s: %w", session.ID, err)
	}
	return s.stageEntity(tx, s.sessionPath(session.ID), session)
}

// PutSession writes a session in its own transaction.
func (s *Store) PutSession(session *types.Session) error {
	tx, err := txn.Begin(s.root)
	if err != nil {
		return err
	}
	if err := s.StageSession(tx, session); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ListSessions returns all sessions, optionally filtered by status.
func (s *Store) ListSessions(status types.SessionStatus) ([]*types.Session, error) {
	dir := filepath.Join(s.root, "sessions")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	var sessions []*types.Session
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".json") || strings.HasSuffix(entry.Name(), ".meta.json") {
			continue
		}
		session, err := s.GetSession(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			return nil, err
		}
		if status != "" && session.Status != status {
			continue
		}
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions, nil
}

// AppendVerdicts appends verdict records to the round's JSONL file. The
// caller must hold the brief's exclusive lock. Verdicts are immutable once
// written; this only ever appends.
func (s *Store) AppendVerdicts(taskID string, round int, verdicts []*types.ValidatorVerdict) error {
	dir := filepath.Join(s.root, "qa", taskID, "rounds", strconv.Itoa(round))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating round dir: %w", err)
	}
	path := filepath.Join(dir, "verdicts.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening verdict log: %w", err)
	}
	defer f.Close()

	for _, v := range verdicts {
		if err := v.Validate(); err != nil {
			return err
		}
		line, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshaling verdict: %w", err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("appending verdict: %w", err)
		}
	}
	return f.Sync()
}

// Verdicts reads the verdict history for one round, in append order.
func (s *Store) Verdicts(taskID string, round int) ([]*types.ValidatorVerdict, error) {
	path := filepath.Join(s.root, "qa", taskID, "rounds", strconv.Itoa(round), "verdicts.jsonl")
	f, err := os.Open(path) // #nosec G304 - path derived from the data root
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening verdict log: %w", err)
	}
	defer f.Close()

	var verdicts []*types.ValidatorVerdict
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var v types.ValidatorVerdict
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			return nil, fmt.Errorf("verdict log for %s round %d: %w", taskID, round, types.ErrCorruptedEntity)
		}
		verdicts = append(verdicts, &v)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading verdict log: %w", err)
	}
	return verdicts, nil
}

// Stats aggregates entity counts for operator dashboards.
func (s *Store) Stats(maxRounds int) (*types.Statistics, error) {
	stats := &types.Statistics{}
	for _, state := range types.TaskStates() {
		tasks, err := s.ListTasks(state)
		if err != nil {
			return nil, err
		}
		n := len(tasks)
		stats.TotalTasks += n
		switch state {
		case types.TaskTodo:
			stats.TodoTasks = n
		case types.TaskWIP:
			stats.WIPTasks = n
		case types.TaskBlocked:
			stats.BlockedTasks = n
		case types.TaskDone:
			stats.DoneTasks = n
		case types.TaskValidated:
			stats.ValidatedTasks = n
		}
	}

	sessions, err := s.ListSessions(types.SessionActive)
	if err != nil {
		return nil, err
	}
	stats.ActiveSessions = len(sessions)

	qaEntries, err := os.ReadDir(filepath.Join(s.root, "qa"))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, entry := range qaEntries {
		if !entry.IsDir() {
			continue
		}
		brief, err := s.GetBrief(entry.Name())
		if err != nil {
			continue
		}
		if brief.State != types.QAValidated {
			stats.OpenBriefs++
			if maxRounds > 0 && brief.Round >= maxRounds {
				stats.ExhaustedBriefs++
			}
		}
	}
	return stats, nil
}

func (s *Store) stageEntity(tx *txn.Txn, path string, entity interface{}) error {
	data, err := json.MarshalIndent(entity, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling entity: %w", err)
	}
	if err := tx.Stage(path, data); err != nil {
		return err
	}
	m := meta{SHA256: fmt.Sprintf("%x", sha256.Sum256(data)), Size: int64(len(data))}
	metaData, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling sidecar: %w", err)
	}
	return tx.Stage(metaPath(path), metaData)
}

// readEntity reads and decodes an entity, verifying its checksum sidecar.
func (s *Store) readEntity(path string, out interface{}) error {
	data, err := os.ReadFile(path) // #nosec G304 - path derived from the data root
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	metaData, err := os.ReadFile(metaPath(path)) // #nosec G304
	if err != nil {
		return fmt.Errorf("%s: missing checksum sidecar: %w", path, types.ErrCorruptedEntity)
	}
	var m meta
	if err := json.Unmarshal(metaData, &m); err != nil {
		return fmt.Errorf("%s: unreadable checksum sidecar: %w", path, types.ErrCorruptedEntity)
	}
	if int64(len(data)) != m.Size {
		return fmt.Errorf("%s: size %d does not match sidecar %d: %w", path, len(data), m.Size, types.ErrCorruptedEntity)
	}
	if sum := fmt.Sprintf("%x", sha256.Sum256(data)); sum != m.SHA256 {
		return fmt.Errorf("%s: checksum mismatch: %w", path, types.ErrCorruptedEntity)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: undecodable entity: %w", path, types.ErrCorruptedEntity)
	}
	return nil
}
