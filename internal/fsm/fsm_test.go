package fsm

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/skeinworks/skein/internal/config"
	"github.com/skeinworks/skein/internal/registry"
	"github.com/skeinworks/skein/internal/repo"
	"github.com/skeinworks/skein/internal/types"
)

func newTestEngine(t *testing.T) (*Engine, *repo.Store) {
	t.Helper()
	store, err := repo.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	guards := registry.New[Guard]()
	actions := registry.New[Action]()
	if err := RegisterBuiltins(store, guards, actions); err != nil {
		t.Fatal(err)
	}
	engine := New(store, guards, actions)
	tables := config.TransitionTables{
		Task: []config.TransitionSpec{
			{From: "todo", Event: "claim", To: "wip", Guards: []string{GuardUnclaimed}, Action: ActionRecordClaim},
			{From: "wip", Event: "complete", To: "done", Guards: []string{GuardOwnedByCaller}, Action: ActionClearClaim},
			{From: "done", Event: "reject", To: "wip", Action: ActionAdvanceRound},
			{From: "done", Event: "validate", To: "validated", Guards: []string{GuardAllBlockingApproved}},
		},
		QA: []config.TransitionSpec{
			{From: "waiting", Event: "ready", To: "todo"},
			{From: "todo", Event: "claim", To: "wip"},
			{From: "wip", Event: "complete", To: "done"},
		},
	}
	if err := engine.LoadTables(tables); err != nil {
		t.Fatal(err)
	}
	return engine, store
}

func seedTask(t *testing.T, store *repo.Store, id string, state types.TaskState) *types.Task {
	t.Helper()
	now := time.Now().UTC()
	task := &types.Task{ID: id, Title: "task " + id, State: state, CreatedAt: now, UpdatedAt: now}
	if err := store.PutTask(task, ""); err != nil {
		t.Fatal(err)
	}
	return task
}

func TestApplyTaskTransition(t *testing.T) {
	engine, store := newTestEngine(t)
	task := seedTask(t, store, "t-1", types.TaskTodo)

	fc := &Context{Task: task, SessionID: "s-1", Actor: "worker", Now: time.Now().UTC()}
	got, err := engine.ApplyTask(fc, "claim", nil)
	if err != nil {
		t.Fatalf("ApplyTask failed: %v", err)
	}
	if got.State != types.TaskWIP || got.SessionID != "s-1" {
		t.Errorf("task after claim = %+v", got)
	}

	// The commit is durable: re-reading from disk shows the new state.
	reread, err := store.GetTask("t-1")
	if err != nil {
		t.Fatal(err)
	}
	if reread.State != types.TaskWIP {
		t.Errorf("persisted state = %s, want wip", reread.State)
	}
}

func TestApplyTaskUnknownEvent(t *testing.T) {
	engine, store := newTestEngine(t)
	task := seedTask(t, store, "t-1", types.TaskTodo)

	fc := &Context{Task: task, SessionID: "s-1", Now: time.Now().UTC()}
	_, err := engine.ApplyTask(fc, "validate", nil)
	if !errors.Is(err, types.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestGuardRejectionNamesGuard(t *testing.T) {
	engine, store := newTestEngine(t)
	task := seedTask(t, store, "t-1", types.TaskTodo)
	task.State = types.TaskWIP
	task.SessionID = "s-owner"
	if err := store.PutTask(task, types.TaskTodo); err != nil {
		t.Fatal(err)
	}

	fc := &Context{Task: task, SessionID: "s-intruder", Now: time.Now().UTC()}
	_, err := engine.ApplyTask(fc, "complete", nil)
	if !errors.Is(err, types.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if want := GuardOwnedByCaller; !strings.Contains(err.Error(), want) {
		t.Errorf("error should name the failed guard %q: %v", want, err)
	}

	// A failed guard leaves the entity untouched on disk.
	reread, _ := store.GetTask("t-1")
	if reread.State != types.TaskWIP || reread.SessionID != "s-owner" {
		t.Errorf("task mutated by failed guard: %+v", reread)
	}
}

func TestJournalAppendsPerTransition(t *testing.T) {
	engine, store := newTestEngine(t)
	task := seedTask(t, store, "t-1", types.TaskTodo)

	now := time.Now().UTC()
	fc := &Context{Task: task, SessionID: "s-1", Actor: "worker", Now: now}
	if _, err := engine.ApplyTask(fc, "claim", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.ApplyTask(fc, "complete", nil); err != nil {
		t.Fatal(err)
	}

	records, err := ReadJournal(store, "t-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("journal entries = %d, want 2", len(records))
	}
	if records[0].Event != "claim" || records[1].Event != "complete" {
		t.Errorf("journal = %+v", records)
	}

	last, err := LastEntry(store, "t-1")
	if err != nil {
		t.Fatal(err)
	}
	if last.To != "done" {
		t.Errorf("last entry to = %s, want done", last.To)
	}
}

func TestAdvanceRoundAction(t *testing.T) {
	engine, store := newTestEngine(t)
	task := seedTask(t, store, "t-1", types.TaskDone)
	now := time.Now().UTC()
	brief := &types.QABrief{ID: "qa-t-1", TaskID: "t-1", State: types.QATodo, Round: 1, CreatedAt: now, UpdatedAt: now}
	if err := store.PutBrief(brief); err != nil {
		t.Fatal(err)
	}

	fc := &Context{Task: task, Brief: brief, SessionID: "s-1", Now: now}
	got, err := engine.ApplyTask(fc, "reject", nil)
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if got.Round != 1 {
		t.Errorf("task round = %d, want 1", got.Round)
	}
	if brief.Round != 1 {
		t.Errorf("brief round = %d, want 1", brief.Round)
	}

	// Both entities were committed in one transaction.
	rereadBrief, err := store.GetBrief("t-1")
	if err != nil {
		t.Fatal(err)
	}
	if rereadBrief.Round != 1 {
		t.Errorf("persisted brief round = %d", rereadBrief.Round)
	}
	rereadTask, _ := store.GetTask("t-1")
	if rereadTask.State != types.TaskWIP {
		t.Errorf("persisted task state = %s, want wip", rereadTask.State)
	}
}

func TestValidateRequiresBlockingApprovals(t *testing.T) {
	engine, store := newTestEngine(t)
	task := seedTask(t, store, "t-1", types.TaskDone)
	task.Round = 1
	if err := store.PutTask(task, types.TaskDone); err != nil {
		t.Fatal(err)
	}

	fc := &Context{Task: task, SessionID: "s-1", Now: time.Now().UTC()}

	t.Run("no verdicts refuses", func(t *testing.T) {
		if _, err := engine.ApplyTask(fc, "validate", nil); !errors.Is(err, types.ErrInvalidTransition) {
			t.Errorf("expected refusal with no verdicts, got %v", err)
		}
	})

	t.Run("blocking reject refuses", func(t *testing.T) {
		verdicts := []*types.ValidatorVerdict{
			{ValidatorID: "build", Tier: types.TierGlobal, Round: 1, Verdict: types.VerdictApprove, Blocking: true, CreatedAt: time.Now()},
			{ValidatorID: "sec", Tier: types.TierCritical, Round: 1, Verdict: types.VerdictReject, Blocking: true, CreatedAt: time.Now()},
		}
		if err := store.AppendVerdicts("t-1", 1, verdicts); err != nil {
			t.Fatal(err)
		}
		if _, err := engine.ApplyTask(fc, "validate", nil); !errors.Is(err, types.ErrInvalidTransition) {
			t.Errorf("expected refusal with blocking reject, got %v", err)
		}
	})
}

func TestValidateSucceedsWithApprovals(t *testing.T) {
	engine, store := newTestEngine(t)
	task := seedTask(t, store, "t-2", types.TaskDone)
	task.Round = 1
	if err := store.PutTask(task, types.TaskDone); err != nil {
		t.Fatal(err)
	}
	verdicts := []*types.ValidatorVerdict{
		{ValidatorID: "build", Tier: types.TierGlobal, Round: 1, Verdict: types.VerdictApprove, Blocking: true, CreatedAt: time.Now()},
		{ValidatorID: "docs", Tier: types.TierSpecialized, Round: 1, Verdict: types.VerdictReject, Blocking: false, CreatedAt: time.Now()},
	}
	if err := store.AppendVerdicts("t-2", 1, verdicts); err != nil {
		t.Fatal(err)
	}

	fc := &Context{Task: task, SessionID: "s-1", Now: time.Now().UTC()}
	got, err := engine.ApplyTask(fc, "validate", nil)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if got.State != types.TaskValidated {
		t.Errorf("state = %s, want validated", got.State)
	}
}

func TestValidateUsesLatestVerdictPerValidator(t *testing.T) {
	engine, store := newTestEngine(t)
	task := seedTask(t, store, "t-1", types.TaskDone)
	task.Round = 1
	if err := store.PutTask(task, types.TaskDone); err != nil {
		t.Fatal(err)
	}

	// First pipeline pass in round 1: tests rejected.
	first := []*types.ValidatorVerdict{
		{ValidatorID: "build", Tier: types.TierGlobal, Round: 1, Verdict: types.VerdictApprove, Blocking: true, CreatedAt: time.Now()},
		{ValidatorID: "tests", Tier: types.TierGlobal, Round: 1, Verdict: types.VerdictReject, Blocking: true, CreatedAt: time.Now()},
	}
	if err := store.AppendVerdicts("t-1", 1, first); err != nil {
		t.Fatal(err)
	}
	// A later pass in the same round supersedes the reject.
	second := []*types.ValidatorVerdict{
		{ValidatorID: "build", Tier: types.TierGlobal, Round: 1, Verdict: types.VerdictApprove, Blocking: true, CreatedAt: time.Now()},
		{ValidatorID: "tests", Tier: types.TierGlobal, Round: 1, Verdict: types.VerdictApprove, Blocking: true, CreatedAt: time.Now()},
	}
	if err := store.AppendVerdicts("t-1", 1, second); err != nil {
		t.Fatal(err)
	}

	fc := &Context{Task: task, SessionID: "s-1", Now: time.Now().UTC()}
	got, err := engine.ApplyTask(fc, "validate", nil)
	if err != nil {
		t.Fatalf("validate should honor the superseding approvals: %v", err)
	}
	if got.State != types.TaskValidated {
		t.Errorf("state = %s, want validated", got.State)
	}
}

func TestValidateRefusesWhenLatestVerdictRejects(t *testing.T) {
	engine, store := newTestEngine(t)
	task := seedTask(t, store, "t-1", types.TaskDone)
	task.Round = 1
	if err := store.PutTask(task, types.TaskDone); err != nil {
		t.Fatal(err)
	}

	// An early approve does not survive a later reject from the same
	// validator in the same round.
	verdicts := []*types.ValidatorVerdict{
		{ValidatorID: "build", Tier: types.TierGlobal, Round: 1, Verdict: types.VerdictApprove, Blocking: true, CreatedAt: time.Now()},
		{ValidatorID: "build", Tier: types.TierGlobal, Round: 1, Verdict: types.VerdictReject, Blocking: true, CreatedAt: time.Now()},
	}
	if err := store.AppendVerdicts("t-1", 1, verdicts); err != nil {
		t.Fatal(err)
	}

	fc := &Context{Task: task, SessionID: "s-1", Now: time.Now().UTC()}
	if _, err := engine.ApplyTask(fc, "validate", nil); !errors.Is(err, types.ErrInvalidTransition) {
		t.Errorf("expected refusal on the superseding reject, got %v", err)
	}
}

func TestLoadTablesRejectsUnknownHooks(t *testing.T) {
	store, err := repo.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	engine := New(store, registry.New[Guard](), registry.New[Action]())

	err = engine.LoadTables(config.TransitionTables{
		Task: []config.TransitionSpec{{From: "todo", Event: "claim", To: "wip", Guards: []string{"nonexistent"}}},
	})
	if err == nil {
		t.Error("expected error for unknown guard")
	}
}

func TestQAOrderingInvariant(t *testing.T) {
	engine, store := newTestEngine(t)
	// Task still in todo; its brief must not advance past it.
	task := seedTask(t, store, "t-1", types.TaskTodo)
	now := time.Now().UTC()
	brief := &types.QABrief{ID: "qa-t-1", TaskID: "t-1", State: types.QATodo, Round: 1, CreatedAt: now, UpdatedAt: now}
	if err := store.PutBrief(brief); err != nil {
		t.Fatal(err)
	}

	fc := &Context{Task: task, Brief: brief, SessionID: "s-1", Now: now}
	_, err := engine.ApplyQA(fc, "claim", nil)
	if !errors.Is(err, types.ErrInvalidTransition) {
		t.Errorf("expected ordering refusal, got %v", err)
	}
}
