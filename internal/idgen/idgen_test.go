package idgen

import (
	"strings"
	"testing"
	"time"
)

func TestEncodeBase36(t *testing.T) {
	t.Run("zero pads", func(t *testing.T) {
		got := EncodeBase36([]byte{0x01}, 6)
		if len(got) != 6 {
			t.Errorf("length = %d, want 6", len(got))
		}
		if !strings.HasPrefix(got, "00000") {
			t.Errorf("expected zero padding, got %q", got)
		}
	})

	t.Run("only valid alphabet", func(t *testing.T) {
		got := EncodeBase36([]byte{0xde, 0xad, 0xbe, 0xef}, 6)
		for _, c := range got {
			if !strings.ContainsRune(base36Alphabet, c) {
				t.Errorf("invalid character %q in %q", c, got)
			}
		}
	})
}

func TestNew(t *testing.T) {
	ts := time.Date(2026, 1, 15, 9, 30, 0, 0, time.UTC)

	t.Run("deterministic", func(t *testing.T) {
		a := New(TaskPrefix, ts, 0, "fix parser", "worker-1")
		b := New(TaskPrefix, ts, 0, "fix parser", "worker-1")
		if a != b {
			t.Errorf("same inputs produced %q and %q", a, b)
		}
	})

	t.Run("nonce changes id", func(t *testing.T) {
		a := New(TaskPrefix, ts, 0, "fix parser")
		b := New(TaskPrefix, ts, 1, "fix parser")
		if a == b {
			t.Error("nonce should change the id")
		}
	})

	t.Run("prefix applied", func(t *testing.T) {
		id := New(SessionPrefix, ts, 0, "worker-1")
		if !strings.HasPrefix(id, "s-") {
			t.Errorf("expected s- prefix, got %q", id)
		}
	})
}

func TestQAIDFor(t *testing.T) {
	if got := QAIDFor("t-abc123"); got != "qa-t-abc123" {
		t.Errorf("QAIDFor = %q, want qa-t-abc123", got)
	}
}
