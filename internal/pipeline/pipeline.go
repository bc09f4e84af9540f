// Package pipeline executes validator tiers against a QA brief in ordered
// waves and drives the reject/retry round cycle.
//
// Tier order is fixed: global, then critical, then specialized. The global
// tier requires consensus; a single dissent among its members yields
// ErrConsensusFailed, never an automatic approve or reject. Any critical
// reject short-circuits the run with an overall reject and the specialized
// tier never executes. Specialized validators run only when their trigger
// pattern matches the round's evidence manifest, and block or advise
// according to their own configured flag, not their tier.
//
// Verdicts are written under an exclusive lock on the QA brief. A blocking
// validator that reports blocked, or fails to run, escalates with
// ErrValidationBlocked instead of entering the reject cycle. The round cycle
// is bounded by the configured maxRounds; past the bound a reject yields
// ErrMaxRoundsExceeded and the entities are left untouched for operator
// action.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/skeinworks/skein/internal/config"
	"github.com/skeinworks/skein/internal/debug"
	"github.com/skeinworks/skein/internal/fsm"
	"github.com/skeinworks/skein/internal/idgen"
	"github.com/skeinworks/skein/internal/lockfile"
	"github.com/skeinworks/skein/internal/repo"
	"github.com/skeinworks/skein/internal/telemetry"
	"github.com/skeinworks/skein/internal/types"
)

// Transition events the pipeline raises on the QA and task tables.
const (
	eventClaim    = "claim"
	eventComplete = "complete"
	eventReject   = "reject"
	eventValidate = "validate"
)

// specializedParallelism caps concurrent specialized validators; global and
// critical tiers are small by convention and run unbounded.
const specializedParallelism = 4

// Target is what a validator judges: the task, its brief, and the working
// copy evidence paths resolve against.
type Target struct {
	Task    *types.Task
	Brief   *types.QABrief
	WorkDir string
}

// Validator is one member of the roster.
type Validator interface {
	Descriptor() config.ValidatorDescriptor
	// Validate returns the verdict and any findings. An error means the
	// validator itself failed to run; the runner records that as a blocked
	// verdict rather than aborting the wave.
	Validate(ctx context.Context, target *Target) (types.Verdict, []string, error)
}

// SessionChecker gates runs on the caller's session still being writable.
type SessionChecker interface {
	CheckActive(sessionID string) error
	Touch(sessionID string) error
}

// Runner executes the validator pipeline.
type Runner struct {
	store      *repo.Store
	locks      *lockfile.Manager
	engine     *fsm.Engine
	sessions   SessionChecker
	timing     config.Timing
	validators []Validator
	now        func() time.Time
}

// New returns a pipeline runner over the given roster.
func New(store *repo.Store, locks *lockfile.Manager, engine *fsm.Engine, sessions SessionChecker, timing config.Timing, validators []Validator) *Runner {
	return &Runner{
		store:      store,
		locks:      locks,
		engine:     engine,
		sessions:   sessions,
		timing:     timing,
		validators: validators,
		now:        time.Now,
	}
}

// Run executes all applicable tiers against the brief and drives the
// resulting transition. The returned VerdictSet is populated even when the
// run ends in ErrConsensusFailed or ErrMaxRoundsExceeded, so callers can
// inspect what was recorded.
func (r *Runner) Run(ctx context.Context, qaID, sessionID string) (*types.VerdictSet, error) {
	taskID := strings.TrimPrefix(qaID, idgen.QAPrefix+"-")
	if taskID == qaID || taskID == "" {
		return nil, fmt.Errorf("malformed qa id %q", qaID)
	}
	if len(r.validators) == 0 {
		return nil, fmt.Errorf("no runnable validators in the roster")
	}
	if err := r.sessions.CheckActive(sessionID); err != nil {
		return nil, err
	}

	// Exclusive lock on the brief for the whole run; verdict writes and the
	// resulting transition must not interleave with another runner.
	lock, err := r.locks.Acquire(ctx, lockfile.QAResource(taskID), sessionID, r.timing.LockTTL, r.timing.LockWait)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Release() }()

	task, err := r.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	brief, err := r.store.GetBrief(taskID)
	if err != nil {
		return nil, err
	}
	if task.State != types.TaskDone {
		return nil, fmt.Errorf("task %s is %s, not done: %w", taskID, task.State, types.ErrInvalidTransition)
	}

	now := r.now().UTC()
	fc := &fsm.Context{Task: task, Brief: brief, SessionID: sessionID, Actor: sessionID, Now: now}

	switch brief.State {
	case types.QATodo:
		brief.SessionID = sessionID
		if _, err := r.engine.ApplyQA(fc, eventClaim, nil); err != nil {
			return nil, err
		}
	case types.QAWIP:
		// Resuming an interrupted run on a brief we already hold.
	default:
		return nil, fmt.Errorf("qa %s is %s, not runnable: %w", brief.ID, brief.State, types.ErrInvalidTransition)
	}

	target := &Target{Task: task, Brief: brief, WorkDir: r.workDir(sessionID)}
	set := &types.VerdictSet{QAID: brief.ID, Round: brief.Round}

	consensusFailed, rejected, err := r.runWaves(ctx, target, set)
	if err != nil {
		return nil, err
	}

	if err := r.store.AppendVerdicts(taskID, brief.Round, set.Verdicts); err != nil {
		return nil, err
	}
	for _, v := range set.Verdicts {
		telemetry.Default().VerdictRecorded(ctx, string(v.Tier), string(v.Verdict))
	}

	if consensusFailed {
		set.Outcome = types.OutcomeConsensusFailed
		return set, fmt.Errorf("global tier split on %s round %d: %w", brief.ID, brief.Round, types.ErrConsensusFailed)
	}

	// A blocking validator that blocked (or failed to run) escalates rather
	// than entering the reject cycle: the round must not advance.
	if id := blockedBlocking(set.Verdicts); id != "" {
		set.Outcome = types.OutcomeBlocked
		return set, fmt.Errorf("validator %s blocked on %s round %d: %w",
			id, brief.ID, brief.Round, types.ErrValidationBlocked)
	}

	approve := !rejected && allBlockingApprove(set.Verdicts)
	if approve {
		set.Outcome = types.OutcomeApprove
		return set, r.finishApprove(fc)
	}

	if brief.Round > r.timing.MaxRounds {
		set.Outcome = types.OutcomeMaxRoundsReached
		telemetry.Default().RoundsExhausted(ctx)
		debug.Alwaysf("qa %s: round %d exceeds max %d, halting retry cycle", brief.ID, brief.Round, r.timing.MaxRounds)
		return set, fmt.Errorf("qa %s round %d exceeds max %d: %w",
			brief.ID, brief.Round, r.timing.MaxRounds, types.ErrMaxRoundsExceeded)
	}

	set.Outcome = types.OutcomeReject
	return set, r.finishReject(fc)
}

// runWaves executes the tiers in order, appending verdicts to set. Returns
// whether the global tier failed consensus and whether an executed tier
// forced a reject; either condition skips every later tier.
func (r *Runner) runWaves(ctx context.Context, target *Target, set *types.VerdictSet) (consensusFailed, rejected bool, err error) {
	global := r.tier(types.TierGlobal)
	if len(global) > 0 {
		verdicts, err := r.runWave(ctx, global, target, 0)
		if err != nil {
			return false, false, err
		}
		set.Verdicts = append(set.Verdicts, verdicts...)
		set.TiersRun = append(set.TiersRun, types.TierGlobal)

		agreed, unanimous := consensus(verdicts)
		if !unanimous {
			return true, false, nil
		}
		if agreed == types.VerdictReject {
			// Unanimous global reject: later tiers cannot change the outcome.
			return false, true, nil
		}
	}

	critical := r.tier(types.TierCritical)
	if len(critical) > 0 {
		verdicts, err := r.runWave(ctx, critical, target, 0)
		if err != nil {
			return false, false, err
		}
		set.Verdicts = append(set.Verdicts, verdicts...)
		set.TiersRun = append(set.TiersRun, types.TierCritical)

		for _, v := range verdicts {
			if v.Verdict == types.VerdictReject {
				// Short-circuit: specialized never runs.
				return false, true, nil
			}
		}
	}

	specialized := r.triggered(r.tier(types.TierSpecialized), target.Brief.Manifest)
	if len(specialized) > 0 {
		verdicts, err := r.runWave(ctx, specialized, target, specializedParallelism)
		if err != nil {
			return false, false, err
		}
		set.Verdicts = append(set.Verdicts, verdicts...)
		set.TiersRun = append(set.TiersRun, types.TierSpecialized)
	}
	return false, false, nil
}

// runWave executes one tier in parallel and returns its verdicts in stable
// validator order. limit > 0 caps concurrency.
func (r *Runner) runWave(ctx context.Context, members []Validator, target *Target, limit int) ([]*types.ValidatorVerdict, error) {
	var sem *semaphore.Weighted
	if limit > 0 {
		sem = semaphore.NewWeighted(int64(limit))
	}

	verdicts := make([]*types.ValidatorVerdict, len(members))
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for i, member := range members {
		g.Go(func() error {
			if sem != nil {
				if err := sem.Acquire(ctx, 1); err != nil {
					return err
				}
				defer sem.Release(1)
			}
			desc := member.Descriptor()
			verdict, findings, err := member.Validate(ctx, target)
			if err != nil {
				// A broken validator blocks rather than silently approving.
				verdict = types.VerdictBlocked
				findings = append(findings, fmt.Sprintf("validator failed: %v", err))
				debug.Alwaysf("validator %s failed on %s: %v", desc.ID, target.Brief.ID, err)
			}
			mu.Lock()
			verdicts[i] = &types.ValidatorVerdict{
				ValidatorID: desc.ID,
				Tier:        desc.Tier,
				Round:       target.Brief.Round,
				Verdict:     verdict,
				Blocking:    desc.IsBlocking(),
				Findings:    findings,
				CreatedAt:   r.now().UTC(),
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return verdicts, nil
}

// finishApprove validates task then brief; the ordering invariant requires
// the task to reach validated first.
func (r *Runner) finishApprove(fc *fsm.Context) error {
	if _, err := r.engine.ApplyQA(fc, eventComplete, nil); err != nil {
		return err
	}
	if _, err := r.engine.ApplyTask(fc, eventValidate, nil); err != nil {
		return err
	}
	if _, err := r.engine.ApplyQA(fc, eventValidate, nil); err != nil {
		return err
	}
	return r.sessions.Touch(fc.SessionID)
}

// finishReject returns the task to wip, advancing the shared round counter,
// and readies the brief for the next cycle.
func (r *Runner) finishReject(fc *fsm.Context) error {
	if _, err := r.engine.ApplyQA(fc, eventComplete, nil); err != nil {
		return err
	}
	if _, err := r.engine.ApplyTask(fc, eventReject, nil); err != nil {
		return err
	}
	if _, err := r.engine.ApplyQA(fc, eventReject, nil); err != nil {
		return err
	}
	return r.sessions.Touch(fc.SessionID)
}

// tier returns the roster members of one tier in id order.
func (r *Runner) tier(tier types.Tier) []Validator {
	var members []Validator
	for _, v := range r.validators {
		if v.Descriptor().Tier == tier {
			members = append(members, v)
		}
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].Descriptor().ID < members[j].Descriptor().ID
	})
	return members
}

// triggered filters specialized validators to those whose pattern matches at
// least one manifest path. Patterns match the full path first, then the base
// name, so "*.md" catches files in subdirectories.
func (r *Runner) triggered(members []Validator, manifest *types.Manifest) []Validator {
	paths := manifest.Paths()
	if len(paths) == 0 {
		return nil
	}
	var out []Validator
	for _, v := range members {
		pattern := v.Descriptor().TriggerPattern
		for _, path := range paths {
			full, _ := filepath.Match(pattern, path)
			base, _ := filepath.Match(pattern, filepath.Base(path))
			if full || base {
				out = append(out, v)
				break
			}
		}
	}
	return out
}

func (r *Runner) workDir(sessionID string) string {
	sess, err := r.store.GetSession(sessionID)
	if err != nil || sess.WorkDir == "" {
		return r.store.Root()
	}
	return sess.WorkDir
}

// consensus reports the agreed verdict of a wave and whether it was
// unanimous. A blocked verdict breaks unanimity.
func consensus(verdicts []*types.ValidatorVerdict) (types.Verdict, bool) {
	if len(verdicts) == 0 {
		return "", true
	}
	first := verdicts[0].Verdict
	for _, v := range verdicts[1:] {
		if v.Verdict != first {
			return "", false
		}
	}
	if first == types.VerdictBlocked {
		return "", false
	}
	return first, true
}

// blockedBlocking returns the first blocking validator whose verdict is
// blocked, or the empty string if none is.
func blockedBlocking(verdicts []*types.ValidatorVerdict) string {
	for _, v := range verdicts {
		if v.Blocking && v.Verdict == types.VerdictBlocked {
			return v.ValidatorID
		}
	}
	return ""
}

// allBlockingApprove reports whether every blocking verdict approves.
// Non-blocking rejections are advisory and never flip the outcome.
func allBlockingApprove(verdicts []*types.ValidatorVerdict) bool {
	for _, v := range verdicts {
		if v.Blocking && v.Verdict != types.VerdictApprove {
			return false
		}
	}
	return true
}

