package fsm

import (
	"fmt"

	"github.com/skeinworks/skein/internal/registry"
	"github.com/skeinworks/skein/internal/repo"
	"github.com/skeinworks/skein/internal/types"
)

// Built-in guard and action names referenced by the default rules file.
const (
	GuardUnclaimed           = "unclaimed"
	GuardOwnedByCaller       = "owned-by-caller"
	GuardAllBlockingApproved = "all-blocking-approved"

	ActionRecordClaim  = "record-claim"
	ActionClearClaim   = "clear-claim"
	ActionAdvanceRound = "advance-round"
)

// RegisterBuiltins populates the guard and action registries with the hooks
// the default transition tables name. Deployments may register additional
// hooks before loading their tables.
func RegisterBuiltins(store *repo.Store, guards *registry.Registry[Guard], actions *registry.Registry[Action]) error {
	builtinsGuards := map[string]Guard{
		GuardUnclaimed: func(fc *Context) error {
			if fc.Task.SessionID != "" && fc.Task.SessionID != fc.SessionID {
				return fmt.Errorf("claimed by session %s", fc.Task.SessionID)
			}
			return nil
		},
		GuardOwnedByCaller: func(fc *Context) error {
			if fc.Task.SessionID != fc.SessionID {
				return fmt.Errorf("owned by session %q, caller is %q", fc.Task.SessionID, fc.SessionID)
			}
			return nil
		},
		GuardAllBlockingApproved: func(fc *Context) error {
			if fc.Task == nil {
				return fmt.Errorf("no task in context")
			}
			round := fc.Task.Round
			if round == 0 {
				round = 1
			}
			verdicts, err := store.Verdicts(fc.Task.ID, round)
			if err != nil {
				return err
			}
			if len(verdicts) == 0 {
				return fmt.Errorf("no verdicts recorded for round %d", round)
			}
			// The round log is append-only; a validator that runs again in
			// the same round appends a fresh verdict, which supersedes its
			// earlier ones. Only the latest per validator counts.
			latest := make(map[string]*types.ValidatorVerdict, len(verdicts))
			for _, v := range verdicts {
				latest[v.ValidatorID] = v
			}
			for _, v := range verdicts {
				if latest[v.ValidatorID] != v {
					continue
				}
				if v.Blocking && v.Verdict != types.VerdictApprove {
					return fmt.Errorf("blocking validator %s voted %s in round %d", v.ValidatorID, v.Verdict, round)
				}
			}
			return nil
		},
	}

	builtinActions := map[string]Action{
		ActionRecordClaim: func(fc *Context) error {
			fc.Task.SessionID = fc.SessionID
			return nil
		},
		ActionClearClaim: func(fc *Context) error {
			fc.Task.SessionID = ""
			return nil
		},
		ActionAdvanceRound: func(fc *Context) error {
			// Rounds only ever move forward, and only on rejection.
			fc.Task.Round++
			if fc.Brief != nil {
				fc.Brief.Round = fc.Task.Round
			}
			return nil
		},
	}

	for name, g := range builtinsGuards {
		if err := guards.Register(name, g); err != nil {
			return err
		}
	}
	for name, a := range builtinActions {
		if err := actions.Register(name, a); err != nil {
			return err
		}
	}
	return nil
}
