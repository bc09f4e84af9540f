package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/skeinworks/skein/internal/config"
	"github.com/skeinworks/skein/internal/types"
)

// ExecValidator runs an external command from the roster. Exit status maps
// to the verdict: 0 approves, 1 rejects, anything else blocks. The command's
// output lines become findings on non-approval.
type ExecValidator struct {
	desc config.ValidatorDescriptor
}

// Descriptor returns the roster entry this validator was built from.
func (v *ExecValidator) Descriptor() config.ValidatorDescriptor { return v.desc }

// Validate runs the configured command in the target's working copy.
func (v *ExecValidator) Validate(ctx context.Context, target *Target) (types.Verdict, []string, error) {
	if len(v.desc.Command) == 0 {
		return "", nil, fmt.Errorf("validator %s has no command", v.desc.ID)
	}

	cmd := exec.CommandContext(ctx, v.desc.Command[0], v.desc.Command[1:]...) // #nosec G204 - command comes from the operator's roster
	cmd.Dir = target.WorkDir
	cmd.Env = append(cmd.Environ(),
		"SKEIN_TASK_ID="+target.Task.ID,
		"SKEIN_QA_ID="+target.Brief.ID,
		"SKEIN_ROUND="+strconv.Itoa(target.Brief.Round),
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err == nil {
		return types.VerdictApprove, nil, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return "", nil, fmt.Errorf("running validator %s: %w", v.desc.ID, err)
	}
	findings := splitLines(out.String())
	if exitErr.ExitCode() == 1 {
		return types.VerdictReject, findings, nil
	}
	return types.VerdictBlocked, findings, nil
}

// FromRoster builds exec validators for every roster entry with a command.
// Entries without one are skipped; in-process validators register separately.
func FromRoster(descs []config.ValidatorDescriptor) []Validator {
	var validators []Validator
	for _, desc := range descs {
		if len(desc.Command) == 0 {
			continue
		}
		validators = append(validators, &ExecValidator{desc: desc})
	}
	return validators
}

// FuncValidator wraps an in-process function as a roster member. Used by
// embedders and tests.
type FuncValidator struct {
	Desc config.ValidatorDescriptor
	Fn   func(ctx context.Context, target *Target) (types.Verdict, []string, error)
}

// Descriptor returns the validator's roster entry.
func (v *FuncValidator) Descriptor() config.ValidatorDescriptor { return v.Desc }

// Validate invokes the wrapped function.
func (v *FuncValidator) Validate(ctx context.Context, target *Target) (types.Verdict, []string, error) {
	return v.Fn(ctx, target)
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
