package types

import "errors"

// Distinguished results returned across the programmatic surface. Callers
// match with errors.Is; wrapping layers add context with %w.

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrLockTimeout is returned when lock acquisition exceeds its bounded wait.
// Transient: the caller decides whether to retry with backoff or report
// "blocked". The core never retries past the bound on its own.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// ErrAlreadyClaimed is returned when claiming a task that another session
// holds in wip. Losers of a claim race get this, not a queued retry.
var ErrAlreadyClaimed = errors.New("task already claimed")

// ErrInvalidTransition is returned when a requested transition is not in the
// transition table or a guard rejects it.
var ErrInvalidTransition = errors.New("invalid transition")

// ErrStaleSessionReclaimed is returned when a session attempts a write after
// its resources were reclaimed through stale-session recovery.
var ErrStaleSessionReclaimed = errors.New("session was reclaimed as stale")

// ErrConsensusFailed is returned when the global validator tier cannot reach
// agreement. Not retryable without escalation.
var ErrConsensusFailed = errors.New("global tier consensus failed")

// ErrValidationBlocked is returned when a blocking validator reports blocked
// instead of an approve/reject judgment. Not retryable without escalation:
// the round does not advance and the entities are left as they were.
var ErrValidationBlocked = errors.New("blocking validator blocked")

// ErrMaxRoundsExceeded is returned when a QA brief's rejection rounds exceed
// the configured bound. The task is left as-is pending operator action.
var ErrMaxRoundsExceeded = errors.New("max rejection rounds exceeded")

// ErrCorruptedEntity is returned when a read fails its checksum or size
// verification. Non-retryable without an explicit recovery pass.
var ErrCorruptedEntity = errors.New("corrupted entity")

// ErrSessionClosed is returned when operating on a session that is no longer
// active.
var ErrSessionClosed = errors.New("session is not active")
