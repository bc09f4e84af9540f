package lockfile

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/skeinworks/skein/internal/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(t.TempDir())
}

func TestRecordHolderAlive(t *testing.T) {
	if rec := (&Record{PID: os.Getpid()}); !rec.HolderAlive() {
		t.Error("our own process should read as alive")
	}
	if rec := (&Record{PID: 0}); rec.HolderAlive() {
		t.Error("pid 0 is never a valid holder")
	}
	if rec := (&Record{PID: 1 << 30}); rec.HolderAlive() {
		t.Error("a nonexistent pid should read as dead")
	}
}

func TestTryAcquireAndRelease(t *testing.T) {
	m := newTestManager(t)

	lock, err := m.TryAcquire("task/t-1", "s-1", time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}

	rec, err := m.Inspect("task/t-1")
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if rec.Holder != "s-1" {
		t.Errorf("holder = %s, want s-1", rec.Holder)
	}
	if rec.Expired(time.Now()) {
		t.Error("fresh lock should not be expired")
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := m.Inspect("task/t-1"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound after release, got %v", err)
	}
}

func TestContendedTryAcquireFails(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.TryAcquire("task/t-1", "s-1", time.Minute); err != nil {
		t.Fatal(err)
	}
	_, err := m.TryAcquire("task/t-1", "s-2", time.Minute)
	if !errors.Is(err, types.ErrLockTimeout) {
		t.Errorf("expected ErrLockTimeout, got %v", err)
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	m := newTestManager(t)

	const n = 16
	var wg sync.WaitGroup
	wins := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(holder string) {
			defer wg.Done()
			if _, err := m.TryAcquire("task/t-race", holder, time.Minute); err == nil {
				wins <- holder
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Errorf("winners = %d, want exactly 1", count)
	}
}

func TestAcquireWaitsForRelease(t *testing.T) {
	m := newTestManager(t)

	lock, err := m.TryAcquire("task/t-1", "s-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = lock.Release()
	}()

	got, err := m.Acquire(context.Background(), "task/t-1", "s-2", time.Minute, 2*time.Second)
	if err != nil {
		t.Fatalf("Acquire should succeed once the holder releases: %v", err)
	}
	rec, _ := m.Inspect("task/t-1")
	if rec.Holder != "s-2" {
		t.Errorf("holder = %s, want s-2", rec.Holder)
	}
	_ = got.Release()
}

func TestAcquireTimesOut(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.TryAcquire("task/t-1", "s-1", time.Hour); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, err := m.Acquire(context.Background(), "task/t-1", "s-2", time.Minute, 150*time.Millisecond)
	if !errors.Is(err, types.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v, expected bounded wait", elapsed)
	}
}

func TestOrdinaryAcquireNeverStealsStaleLock(t *testing.T) {
	m := newTestManager(t)
	m.now = func() time.Time { return time.Now() }

	// A lock whose TTL elapsed long ago.
	if _, err := m.TryAcquire("task/t-1", "s-dead", time.Nanosecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	rec, _ := m.Inspect("task/t-1")
	if !rec.Expired(time.Now()) {
		t.Fatal("lock should be expired")
	}

	// Ordinary callers still fail; stale release is recovery-only.
	_, err := m.TryAcquire("task/t-1", "s-2", time.Minute)
	if !errors.Is(err, types.ErrLockTimeout) {
		t.Errorf("expected ErrLockTimeout on stale lock, got %v", err)
	}
}

func TestForceRelease(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.TryAcquire("task/t-1", "s-dead", time.Nanosecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	t.Run("wrong holder refused", func(t *testing.T) {
		err := m.ForceRelease("task/t-1", "s-other")
		if !errors.Is(err, types.ErrAlreadyClaimed) {
			t.Errorf("expected ErrAlreadyClaimed, got %v", err)
		}
	})

	t.Run("expired lock released", func(t *testing.T) {
		if err := m.ForceRelease("task/t-1", "s-dead"); err != nil {
			t.Fatalf("ForceRelease failed: %v", err)
		}
		if _, err := m.Inspect("task/t-1"); !errors.Is(err, types.ErrNotFound) {
			t.Errorf("lock should be gone, got %v", err)
		}
	})

	t.Run("idempotent on missing lock", func(t *testing.T) {
		if err := m.ForceRelease("task/t-1", "s-dead"); err != nil {
			t.Errorf("ForceRelease on missing lock should be a no-op, got %v", err)
		}
	})
}

func TestForceReleaseRefusesUnexpiredLock(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.TryAcquire("task/t-1", "s-1", time.Hour); err != nil {
		t.Fatal(err)
	}
	err := m.ForceRelease("task/t-1", "s-1")
	if !errors.Is(err, types.ErrLockTimeout) {
		t.Errorf("expected refusal for unexpired lock, got %v", err)
	}
}

func TestHeldBy(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.TryAcquire("task/t-1", "s-1", time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := m.TryAcquire("task/t-2", "s-1", time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := m.TryAcquire("qa/t-3", "s-2", time.Minute); err != nil {
		t.Fatal(err)
	}

	held, err := m.HeldBy("s-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(held) != 2 {
		t.Errorf("HeldBy(s-1) = %v, want 2 resources", held)
	}
}

func TestReleaseAfterReclaimFails(t *testing.T) {
	m := newTestManager(t)

	lock, err := m.TryAcquire("task/t-1", "s-1", time.Nanosecond)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := m.ForceRelease("task/t-1", "s-1"); err != nil {
		t.Fatal(err)
	}
	// Another session takes the lock.
	if _, err := m.TryAcquire("task/t-1", "s-2", time.Minute); err != nil {
		t.Fatal(err)
	}

	err = lock.Release()
	if !errors.Is(err, types.ErrStaleSessionReclaimed) {
		t.Errorf("expected ErrStaleSessionReclaimed, got %v", err)
	}
}
