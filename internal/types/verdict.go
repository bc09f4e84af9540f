package types

import (
	"fmt"
	"time"
)

// Tier identifies which validator wave a validator runs in.
type Tier string

// Validator tier constants, in execution order.
const (
	TierGlobal      Tier = "global"
	TierCritical    Tier = "critical"
	TierSpecialized Tier = "specialized"
)

// IsValid checks if the tier value is valid.
func (t Tier) IsValid() bool {
	switch t {
	case TierGlobal, TierCritical, TierSpecialized:
		return true
	}
	return false
}

// Tiers returns all tiers in execution order.
func Tiers() []Tier {
	return []Tier{TierGlobal, TierCritical, TierSpecialized}
}

// Verdict is a single validator's judgement on one QA round.
type Verdict string

// Verdict constants.
const (
	VerdictApprove Verdict = "approve"
	VerdictReject  Verdict = "reject"
	VerdictBlocked Verdict = "blocked"
)

// IsValid checks if the verdict value is valid.
func (v Verdict) IsValid() bool {
	switch v {
	case VerdictApprove, VerdictReject, VerdictBlocked:
		return true
	}
	return false
}

// ValidatorVerdict records one validator's verdict for one round.
// Immutable once written; rejections append new rounds rather than
// overwriting old verdicts.
type ValidatorVerdict struct {
	ValidatorID string    `json:"validator_id"`
	Tier        Tier      `json:"tier"`
	Round       int       `json:"round"`
	Verdict     Verdict   `json:"verdict"`
	Blocking    bool      `json:"blocking"`
	Findings    []string  `json:"findings,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Validate checks the verdict record for structurally invalid field values.
func (v *ValidatorVerdict) Validate() error {
	if v.ValidatorID == "" {
		return fmt.Errorf("validator id is required")
	}
	if !v.Tier.IsValid() {
		return fmt.Errorf("invalid tier: %s", v.Tier)
	}
	if !v.Verdict.IsValid() {
		return fmt.Errorf("invalid verdict: %s", v.Verdict)
	}
	if v.Round < 1 {
		return fmt.Errorf("round must be at least 1 (got %d)", v.Round)
	}
	return nil
}

// Outcome is the aggregate result of one pipeline run.
type Outcome string

// Pipeline outcome constants.
const (
	OutcomeApprove          Outcome = "approve"
	OutcomeReject           Outcome = "reject"
	OutcomeBlocked          Outcome = "blocked"
	OutcomeConsensusFailed  Outcome = "consensus_failed"
	OutcomeMaxRoundsReached Outcome = "max_rounds_exceeded"
)

// VerdictSet is the aggregate of one pipeline run over a QA brief.
type VerdictSet struct {
	QAID     string              `json:"qa_id"`
	Round    int                 `json:"round"`
	Outcome  Outcome             `json:"outcome"`
	Verdicts []*ValidatorVerdict `json:"verdicts"`
	// TiersRun lists the tiers that actually executed, in order. A critical
	// short-circuit leaves specialized out of this list.
	TiersRun []Tier `json:"tiers_run"`
}

// ForTier returns the verdicts recorded by validators of the given tier.
func (vs *VerdictSet) ForTier(tier Tier) []*ValidatorVerdict {
	var out []*ValidatorVerdict
	for _, v := range vs.Verdicts {
		if v.Tier == tier {
			out = append(out, v)
		}
	}
	return out
}

// TierRan reports whether the given tier executed during this run.
func (vs *VerdictSet) TierRan(tier Tier) bool {
	for _, t := range vs.TiersRun {
		if t == tier {
			return true
		}
	}
	return false
}

// Event is an audit trail entry appended on every committed transition.
type Event struct {
	EntityID  string    `json:"entity_id"`
	EventType EventType `json:"event_type"`
	Actor     string    `json:"actor,omitempty"`
	OldValue  string    `json:"old_value,omitempty"`
	NewValue  string    `json:"new_value,omitempty"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EventType categorizes audit trail events.
type EventType string

// Event type constants.
const (
	EventCreated       EventType = "created"
	EventClaimed       EventType = "claimed"
	EventStateChanged  EventType = "state_changed"
	EventQAOpened      EventType = "qa_opened"
	EventRoundAdvanced EventType = "round_advanced"
	EventLinked        EventType = "linked"
	EventSplit         EventType = "split"
	EventReclaimed     EventType = "reclaimed"
)
