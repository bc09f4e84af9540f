// Package types defines core data structures for the skein coordination substrate.
package types

import (
	"fmt"
	"time"
)

// Task represents a discrete unit of work tracked through a fixed state sequence.
type Task struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	State            TaskState  `json:"state,omitempty"`
	SessionID        string     `json:"session_id,omitempty"` // owning session while wip; empty otherwise
	ParentID         string     `json:"parent_id,omitempty"`
	ChildIDs         []string   `json:"child_ids,omitempty"`
	Links            []*Link    `json:"links,omitempty"`
	Evidence         []string   `json:"evidence,omitempty"` // paths relative to the working copy
	Round            int        `json:"round,omitempty"`    // shared with the task's QA brief
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	LastTransitionAt *time.Time `json:"last_transition_at,omitempty"`
}

// Validate checks the task for structurally invalid field values.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if len(t.Title) == 0 {
		return fmt.Errorf("title is required")
	}
	if len(t.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(t.Title))
	}
	if !t.State.IsValid() {
		return fmt.Errorf("invalid task state: %s", t.State)
	}
	if t.Round < 0 {
		return fmt.Errorf("round cannot be negative")
	}
	// Ownership invariant: only wip tasks carry a session.
	if t.State != TaskWIP && t.SessionID != "" {
		return fmt.Errorf("non-wip tasks cannot have an owning session")
	}
	return nil
}

// SetDefaults applies defaults for fields omitted during import.
func (t *Task) SetDefaults() {
	if t.State == "" {
		t.State = TaskTodo
	}
}

// TaskState represents the current state of a task.
type TaskState string

// Task state constants, in lifecycle order.
const (
	TaskTodo      TaskState = "todo"
	TaskWIP       TaskState = "wip"
	TaskBlocked   TaskState = "blocked"
	TaskDone      TaskState = "done"
	TaskValidated TaskState = "validated"
)

// IsValid checks if the task state value is valid.
func (s TaskState) IsValid() bool {
	switch s {
	case TaskTodo, TaskWIP, TaskBlocked, TaskDone, TaskValidated:
		return true
	}
	return false
}

// Order returns the task state's position in the lifecycle ordering.
// Blocked is a lateral state and shares wip's position.
func (s TaskState) Order() int {
	switch s {
	case TaskTodo:
		return 0
	case TaskWIP, TaskBlocked:
		return 1
	case TaskDone:
		return 2
	case TaskValidated:
		return 3
	}
	return -1
}

// TaskStates returns all valid task states in lifecycle order.
func TaskStates() []TaskState {
	return []TaskState{TaskTodo, TaskWIP, TaskBlocked, TaskDone, TaskValidated}
}

// QABrief is the validation record attached to a task once implementation is
// reported done. 1:1 with its task; accumulates rounds, never overwritten.
type QABrief struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	State      QAState   `json:"state,omitempty"`
	Round      int       `json:"round"`
	SessionID  string    `json:"session_id,omitempty"` // assigned validating session
	Manifest   *Manifest `json:"manifest,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Validate checks the brief for structurally invalid field values.
func (q *QABrief) Validate() error {
	if q.ID == "" {
		return fmt.Errorf("qa brief id is required")
	}
	if q.TaskID == "" {
		return fmt.Errorf("qa brief requires a task id")
	}
	if !q.State.IsValid() {
		return fmt.Errorf("invalid qa state: %s", q.State)
	}
	if q.Round < 1 {
		return fmt.Errorf("round must be at least 1 (got %d)", q.Round)
	}
	return nil
}

// QAState represents the current state of a QA brief.
type QAState string

// QA state constants, in lifecycle order.
const (
	QAWaiting   QAState = "waiting"
	QATodo      QAState = "todo"
	QAWIP       QAState = "wip"
	QADone      QAState = "done"
	QAValidated QAState = "validated"
)

// IsValid checks if the QA state value is valid.
func (s QAState) IsValid() bool {
	switch s {
	case QAWaiting, QATodo, QAWIP, QADone, QAValidated:
		return true
	}
	return false
}

// Order returns the QA state's position in the lifecycle ordering.
func (s QAState) Order() int {
	switch s {
	case QAWaiting:
		return 0
	case QATodo:
		return 1
	case QAWIP:
		return 2
	case QADone:
		return 3
	case QAValidated:
		return 4
	}
	return -1
}

// Manifest lists the evidence bundle for one QA round. Specialized-tier
// trigger patterns match against these paths.
type Manifest struct {
	Files       []ManifestEntry `json:"files"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// ManifestEntry is one file in an evidence bundle.
type ManifestEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Paths returns the manifest's file paths in recorded order.
func (m *Manifest) Paths() []string {
	if m == nil {
		return nil
	}
	paths := make([]string, len(m.Files))
	for i, f := range m.Files {
		paths[i] = f.Path
	}
	return paths
}

// Session is a persistent record of one worker's engagement with the task
// repository. Archived on close, never deleted.
type Session struct {
	ID           string        `json:"id"`
	Owner        string        `json:"owner"`
	Status       SessionStatus `json:"status,omitempty"`
	WorkDir      string        `json:"work_dir,omitempty"` // isolated working copy, if provisioned
	TaskIDs      []string      `json:"task_ids,omitempty"` // claimed tasks
	CreatedAt    time.Time     `json:"created_at"`
	LastActiveAt time.Time     `json:"last_active_at"`
	ArchivedAt   *time.Time    `json:"archived_at,omitempty"`
	Reclaimed    bool          `json:"reclaimed,omitempty"` // archived by recovery, not by its owner
}

// Validate checks the session for structurally invalid field values.
func (s *Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if s.Owner == "" {
		return fmt.Errorf("session owner is required")
	}
	if !s.Status.IsValid() {
		return fmt.Errorf("invalid session status: %s", s.Status)
	}
	if s.Status == SessionArchived && s.ArchivedAt == nil {
		return fmt.Errorf("archived sessions must have archived_at timestamp")
	}
	if s.Status != SessionArchived && s.ArchivedAt != nil {
		return fmt.Errorf("non-archived sessions cannot have archived_at timestamp")
	}
	return nil
}

// IdleFor reports how long the session has gone without a heartbeat.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActiveAt)
}

// HasTask reports whether the session has claimed the given task.
func (s *Session) HasTask(taskID string) bool {
	for _, id := range s.TaskIDs {
		if id == taskID {
			return true
		}
	}
	return false
}

// SessionStatus represents the lifecycle status of a session.
type SessionStatus string

// Session status constants.
const (
	SessionActive   SessionStatus = "active"
	SessionClosing  SessionStatus = "closing"
	SessionArchived SessionStatus = "archived"
)

// IsValid checks if the session status value is valid.
func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionActive, SessionClosing, SessionArchived:
		return true
	}
	return false
}

// SessionSummary is returned by recover and close: a snapshot of what was
// released and reverted.
type SessionSummary struct {
	SessionID     string        `json:"session_id"`
	Owner         string        `json:"owner"`
	Status        SessionStatus `json:"status"`
	ReleasedLocks []string      `json:"released_locks,omitempty"`
	RevertedTasks []string      `json:"reverted_tasks,omitempty"` // wip tasks returned to todo
	Reclaimed     bool          `json:"reclaimed,omitempty"`
}

// Link relates two tasks without affecting either task's state.
type Link struct {
	TargetID  string    `json:"target_id"`
	Type      LinkType  `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by,omitempty"`
}

// LinkType categorizes a task relationship.
type LinkType string

// Link type constants.
const (
	LinkBlocks      LinkType = "blocks"
	LinkParentChild LinkType = "parent-child"
	LinkRelated     LinkType = "related"
	LinkSupersedes  LinkType = "supersedes"
)

// IsValid checks if the link type value is valid.
func (l LinkType) IsValid() bool {
	switch l {
	case LinkBlocks, LinkParentChild, LinkRelated, LinkSupersedes:
		return true
	}
	return false
}

// Statistics provides aggregate counts for operator dashboards.
type Statistics struct {
	TotalTasks      int `json:"total_tasks"`
	TodoTasks       int `json:"todo_tasks"`
	WIPTasks        int `json:"wip_tasks"`
	BlockedTasks    int `json:"blocked_tasks"`
	DoneTasks       int `json:"done_tasks"`
	ValidatedTasks  int `json:"validated_tasks"`
	ActiveSessions  int `json:"active_sessions"`
	OpenBriefs      int `json:"open_briefs"`
	ExhaustedBriefs int `json:"exhausted_briefs"` // briefs at or past maxRounds
}
