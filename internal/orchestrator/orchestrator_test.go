package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/skeinworks/skein/internal/config"
	"github.com/skeinworks/skein/internal/fsm"
	"github.com/skeinworks/skein/internal/lockfile"
	"github.com/skeinworks/skein/internal/registry"
	"github.com/skeinworks/skein/internal/repo"
	"github.com/skeinworks/skein/internal/session"
	"github.com/skeinworks/skein/internal/types"
)

func newTestStack(t *testing.T) (*Orchestrator, *session.Manager, *repo.Store) {
	t.Helper()
	store, err := repo.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	guards := registry.New[fsm.Guard]()
	actions := registry.New[fsm.Action]()
	if err := fsm.RegisterBuiltins(store, guards, actions); err != nil {
		t.Fatal(err)
	}
	engine := fsm.New(store, guards, actions)
	tables := config.TransitionTables{
		Task: []config.TransitionSpec{
			{From: "todo", Event: "claim", To: "wip", Guards: []string{fsm.GuardUnclaimed}, Action: fsm.ActionRecordClaim},
			{From: "wip", Event: "claim", To: "wip", Guards: []string{fsm.GuardUnclaimed}, Action: fsm.ActionRecordClaim},
			{From: "wip", Event: "complete", To: "done", Guards: []string{fsm.GuardOwnedByCaller}, Action: fsm.ActionClearClaim},
			{From: "wip", Event: "reclaim", To: "todo", Action: fsm.ActionClearClaim},
			{From: "done", Event: "reject", To: "wip", Action: fsm.ActionAdvanceRound},
			{From: "done", Event: "validate", To: "validated", Guards: []string{fsm.GuardAllBlockingApproved}},
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
	locks := lockfile.NewManager(store.LocksDir())
	timing := config.Timing{
		StaleThreshold: 30 * time.Minute,
		LockTTL:        time.Minute,
		LockWait:       5 * time.Second,
		MaxRounds:      3,
	}
	sessions := session.NewManager(store, locks, engine, timing)
	orch := New(store, locks, engine, sessions, timing)
	sessions.SetClaimer(orch)
	return orch, sessions, store
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

func startSession(t *testing.T, sessions *session.Manager, owner string) *types.Session {
	t.Helper()
	sess, err := sessions.Start(context.Background(), owner, nil, session.Options{})
	if err != nil {
		t.Fatal(err)
	}
	return sess
}

func TestClaimRecordsOwnership(t *testing.T) {
	orch, sessions, store := newTestStack(t)
	seedTask(t, store, "t-1", types.TaskTodo)
	sess := startSession(t, sessions, "worker-a")

	task, err := orch.Claim(context.Background(), "t-1", sess.ID)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if task.State != types.TaskWIP || task.SessionID != sess.ID {
		t.Errorf("claimed task = %+v", task)
	}

	// Ownership and the session claim set committed together.
	reread, err := store.GetSession(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !reread.HasTask("t-1") {
		t.Errorf("session claim set = %v", reread.TaskIDs)
	}
}

func TestClaimIsReentrantForOwner(t *testing.T) {
	orch, sessions, store := newTestStack(t)
	seedTask(t, store, "t-1", types.TaskTodo)
	sess := startSession(t, sessions, "worker-a")

	if _, err := orch.Claim(context.Background(), "t-1", sess.ID); err != nil {
		t.Fatal(err)
	}
	before, _ := fsm.ReadJournal(store, "t-1")
	if _, err := orch.Claim(context.Background(), "t-1", sess.ID); err != nil {
		t.Fatalf("re-claim by owner failed: %v", err)
	}
	after, _ := fsm.ReadJournal(store, "t-1")
	if len(after) != len(before) {
		t.Errorf("re-claim appended journal entries: %d -> %d", len(before), len(after))
	}
}

func TestConcurrentClaimsSingleWinner(t *testing.T) {
	orch, sessions, store := newTestStack(t)
	seedTask(t, store, "t-1", types.TaskTodo)

	const n = 8
	ids := make([]string, n)
	for i := range ids {
		ids[i] = startSession(t, sessions, "worker").ID
	}

	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = orch.Claim(context.Background(), "t-1", ids[i])
		}(i)
	}
	wg.Wait()

	wins, losses := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, types.ErrAlreadyClaimed):
			losses++
		default:
			t.Errorf("unexpected claim error: %v", err)
		}
	}
	if wins != 1 || losses != n-1 {
		t.Errorf("wins = %d, losses = %d, want 1 and %d", wins, losses, n-1)
	}

	task, err := store.GetTask("t-1")
	if err != nil {
		t.Fatal(err)
	}
	if task.State != types.TaskWIP || task.SessionID == "" {
		t.Errorf("task after race = %+v", task)
	}
}

func TestClaimByReclaimedSessionFails(t *testing.T) {
	orch, sessions, store := newTestStack(t)
	seedTask(t, store, "t-1", types.TaskTodo)
	sess := startSession(t, sessions, "worker-a")

	// Age the session past the stale threshold, then reclaim it.
	stale, err := store.GetSession(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	stale.LastActiveAt = time.Now().UTC().Add(-time.Hour)
	if err := store.PutSession(stale); err != nil {
		t.Fatal(err)
	}
	if _, err := sessions.Recover(context.Background(), sess.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := orch.Claim(context.Background(), "t-1", sess.ID); !errors.Is(err, types.ErrStaleSessionReclaimed) {
		t.Errorf("expected ErrStaleSessionReclaimed, got %v", err)
	}
}

func TestPromoteIsIdempotent(t *testing.T) {
	orch, sessions, store := newTestStack(t)
	seedTask(t, store, "t-1", types.TaskTodo)
	sess := startSession(t, sessions, "worker-a")

	if _, err := orch.Claim(context.Background(), "t-1", sess.ID); err != nil {
		t.Fatal(err)
	}
	first, err := orch.Promote(context.Background(), "t-1", types.TaskDone, sess.ID)
	if err != nil {
		t.Fatalf("Promote failed: %v", err)
	}
	journalBefore, _ := fsm.ReadJournal(store, "t-1")

	second, err := orch.Promote(context.Background(), "t-1", types.TaskDone, sess.ID)
	if err != nil {
		t.Fatalf("repeat Promote failed: %v", err)
	}
	if second.State != first.State || !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Errorf("repeat promote changed the snapshot: %+v vs %+v", first, second)
	}
	journalAfter, _ := fsm.ReadJournal(store, "t-1")
	if len(journalAfter) != len(journalBefore) {
		t.Errorf("idempotent promote appended journal entries: %d -> %d", len(journalBefore), len(journalAfter))
	}
}

func TestPromoteRejectsUnreachableTarget(t *testing.T) {
	orch, sessions, store := newTestStack(t)
	seedTask(t, store, "t-1", types.TaskTodo)
	sess := startSession(t, sessions, "worker-a")

	_, err := orch.Promote(context.Background(), "t-1", types.TaskValidated, sess.ID)
	if !errors.Is(err, types.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestPromoteByNonOwnerFails(t *testing.T) {
	orch, sessions, store := newTestStack(t)
	seedTask(t, store, "t-1", types.TaskTodo)
	owner := startSession(t, sessions, "worker-a")
	intruder := startSession(t, sessions, "worker-b")

	if _, err := orch.Claim(context.Background(), "t-1", owner.ID); err != nil {
		t.Fatal(err)
	}
	_, err := orch.Promote(context.Background(), "t-1", types.TaskDone, intruder.ID)
	if !errors.Is(err, types.ErrInvalidTransition) {
		t.Errorf("expected guard refusal, got %v", err)
	}
}

func TestDisjointPromotesRunInParallel(t *testing.T) {
	orch, sessions, store := newTestStack(t)
	seedTask(t, store, "t-1", types.TaskTodo)
	seedTask(t, store, "t-2", types.TaskTodo)
	s1 := startSession(t, sessions, "worker-a")
	s2 := startSession(t, sessions, "worker-b")

	if _, err := orch.Claim(context.Background(), "t-1", s1.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := orch.Claim(context.Background(), "t-2", s2.ID); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = orch.Promote(context.Background(), "t-1", types.TaskDone, s1.ID)
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = orch.Promote(context.Background(), "t-2", types.TaskDone, s2.ID)
	}()
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("promote %d failed: %v", i+1, err)
		}
	}
}

func TestOpenQACreatesOnceAndReuses(t *testing.T) {
	orch, sessions, store := newTestStack(t)
	seedTask(t, store, "t-1", types.TaskTodo)
	sess := startSession(t, sessions, "worker-a")

	if _, err := orch.Claim(context.Background(), "t-1", sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := orch.Promote(context.Background(), "t-1", types.TaskDone, sess.ID); err != nil {
		t.Fatal(err)
	}

	brief, err := orch.OpenQA(context.Background(), "t-1", sess.ID)
	if err != nil {
		t.Fatalf("OpenQA failed: %v", err)
	}
	if brief.State != types.QATodo || brief.Round != 1 {
		t.Errorf("new brief = %+v", brief)
	}

	// Reject cycle: task back to wip, round increments, the implementer
	// re-claims and completes again.
	if _, err := orch.Promote(context.Background(), "t-1", types.TaskWIP, sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := orch.Claim(context.Background(), "t-1", sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := orch.Promote(context.Background(), "t-1", types.TaskDone, sess.ID); err != nil {
		t.Fatal(err)
	}

	reopened, err := orch.OpenQA(context.Background(), "t-1", sess.ID)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if reopened.ID != brief.ID {
		t.Errorf("second OpenQA created a new brief: %s vs %s", reopened.ID, brief.ID)
	}
	if reopened.Round != 2 {
		t.Errorf("round after reject cycle = %d, want 2", reopened.Round)
	}
}

func TestOpenQARequiresDoneTask(t *testing.T) {
	orch, sessions, store := newTestStack(t)
	seedTask(t, store, "t-1", types.TaskTodo)
	sess := startSession(t, sessions, "worker-a")

	_, err := orch.OpenQA(context.Background(), "t-1", sess.ID)
	if !errors.Is(err, types.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestSplitNeverMutatesParentState(t *testing.T) {
	orch, sessions, store := newTestStack(t)
	seedTask(t, store, "t-parent", types.TaskTodo)
	sess := startSession(t, sessions, "worker-a")

	children, err := orch.Split(context.Background(), "t-parent", []string{"part one", "part two"}, sess.ID)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("children = %d, want 2", len(children))
	}
	for _, child := range children {
		if child.State != types.TaskTodo || child.ParentID != "t-parent" {
			t.Errorf("child = %+v", child)
		}
		if _, err := store.GetTask(child.ID); err != nil {
			t.Errorf("child %s not persisted: %v", child.ID, err)
		}
	}

	parent, err := store.GetTask("t-parent")
	if err != nil {
		t.Fatal(err)
	}
	if parent.State != types.TaskTodo {
		t.Errorf("parent state changed to %s", parent.State)
	}
	if len(parent.ChildIDs) != 2 {
		t.Errorf("parent children = %v", parent.ChildIDs)
	}
}

func TestLinkDoesNotTouchState(t *testing.T) {
	orch, sessions, store := newTestStack(t)
	seedTask(t, store, "t-1", types.TaskTodo)
	seedTask(t, store, "t-2", types.TaskTodo)
	sess := startSession(t, sessions, "worker-a")

	if err := orch.Link(context.Background(), "t-1", "t-2", types.LinkBlocks, sess.ID); err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	// Linking twice is a no-op, not a duplicate.
	if err := orch.Link(context.Background(), "t-1", "t-2", types.LinkBlocks, sess.ID); err != nil {
		t.Fatalf("repeat Link failed: %v", err)
	}

	from, err := store.GetTask("t-1")
	if err != nil {
		t.Fatal(err)
	}
	if from.State != types.TaskTodo {
		t.Errorf("link changed state to %s", from.State)
	}
	if len(from.Links) != 1 || from.Links[0].TargetID != "t-2" {
		t.Errorf("links = %+v", from.Links)
	}

	if err := orch.Link(context.Background(), "t-1", "t-missing", types.LinkRelated, sess.ID); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing target, got %v", err)
	}
}

func TestEventsExposeAuditTrail(t *testing.T) {
	orch, sessions, store := newTestStack(t)
	seedTask(t, store, "t-1", types.TaskTodo)
	sess := startSession(t, sessions, "worker-a")

	if _, err := orch.Claim(context.Background(), "t-1", sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := orch.Promote(context.Background(), "t-1", types.TaskDone, sess.ID); err != nil {
		t.Fatal(err)
	}

	events, err := orch.Events("t-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].OldValue != "todo" || events[0].NewValue != "wip" {
		t.Errorf("first event = %+v", events[0])
	}
	if events[1].NewValue != "done" {
		t.Errorf("second event = %+v", events[1])
	}
}

func TestAttachEvidenceFeedsManifest(t *testing.T) {
	orch, sessions, store := newTestStack(t)
	seedTask(t, store, "t-1", types.TaskTodo)
	sess := startSession(t, sessions, "worker-a")
	ctx := context.Background()

	if _, err := orch.Claim(ctx, "t-1", sess.ID); err != nil {
		t.Fatal(err)
	}
	task, err := orch.AttachEvidence(ctx, "t-1", []string{"docs/readme.md", "pkg/a.go", "docs/readme.md"}, sess.ID)
	if err != nil {
		t.Fatalf("AttachEvidence failed: %v", err)
	}
	if len(task.Evidence) != 2 {
		t.Errorf("evidence = %v, want the deduped pair", task.Evidence)
	}

	// Only the owning session may attach.
	other := startSession(t, sessions, "worker-b")
	if _, err := orch.AttachEvidence(ctx, "t-1", []string{"x.go"}, other.ID); !errors.Is(err, types.ErrInvalidTransition) {
		t.Errorf("expected refusal for non-owner, got %v", err)
	}

	// The attached paths surface in the QA manifest, where specialized-tier
	// triggers match them.
	if _, err := orch.Promote(ctx, "t-1", types.TaskDone, sess.ID); err != nil {
		t.Fatal(err)
	}
	brief, err := orch.OpenQA(ctx, "t-1", sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	paths := brief.Manifest.Paths()
	if len(paths) != 2 || paths[0] != "docs/readme.md" || paths[1] != "pkg/a.go" {
		t.Errorf("manifest paths = %v", paths)
	}
}

func TestAttachEvidenceRequiresWIP(t *testing.T) {
	orch, sessions, store := newTestStack(t)
	seedTask(t, store, "t-1", types.TaskTodo)
	sess := startSession(t, sessions, "worker-a")

	_, err := orch.AttachEvidence(context.Background(), "t-1", []string{"a.go"}, sess.ID)
	if !errors.Is(err, types.ErrInvalidTransition) {
		t.Errorf("expected refusal on a todo task, got %v", err)
	}
}
