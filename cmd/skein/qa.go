package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skeinworks/skein/internal/idgen"
	"github.com/skeinworks/skein/internal/types"
)

var qaCmd = &cobra.Command{
	Use:   "qa",
	Short: "QA brief operations",
}

var qaOpenCmd = &cobra.Command{
	Use:   "open <task-id>",
	Short: "Open (or re-ready) the QA brief for a done task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, err := requireSession()
		if err != nil {
			return err
		}
		s, err := open()
		if err != nil {
			return err
		}
		brief, err := s.Orchestrator.OpenQA(cmd.Context(), args[0], sessionID)
		if err != nil {
			return err
		}
		fmt.Printf("%s round %d (%s)\n", okStyle.Render(brief.ID), brief.Round, string(brief.State))
		return nil
	},
}

var qaRunCmd = &cobra.Command{
	Use:   "run <task-id>",
	Short: "Run the validator pipeline against a task's QA brief",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, err := requireSession()
		if err != nil {
			return err
		}
		s, err := open()
		if err != nil {
			return err
		}
		set, runErr := s.Pipeline.Run(cmd.Context(), idgen.QAIDFor(args[0]), sessionID)
		if set != nil {
			printVerdictSet(set)
		}
		if runErr != nil {
			if errors.Is(runErr, types.ErrConsensusFailed) || errors.Is(runErr, types.ErrValidationBlocked) || errors.Is(runErr, types.ErrMaxRoundsExceeded) {
				fmt.Println(warnStyle.Render("escalation required: ") + runErr.Error())
				return nil
			}
			return runErr
		}
		return nil
	},
}

var qaShowCmd = &cobra.Command{
	Use:   "show <task-id> [round]",
	Short: "Show a QA brief and its recorded verdicts",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := open()
		if err != nil {
			return err
		}
		brief, err := s.Store.GetBrief(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s  round %d (%s)\n", titleStyle.Render(brief.ID), brief.Round, string(brief.State))

		round := brief.Round
		if len(args) == 2 {
			if _, err := fmt.Sscanf(args[1], "%d", &round); err != nil {
				return fmt.Errorf("bad round %q", args[1])
			}
		}
		verdicts, err := s.Store.Verdicts(args[0], round)
		if err != nil {
			return err
		}
		for _, v := range verdicts {
			printVerdict(v)
		}
		return nil
	},
}

func printVerdictSet(set *types.VerdictSet) {
	fmt.Printf("%s round %d: %s\n", titleStyle.Render(set.QAID), set.Round, renderOutcome(set.Outcome))
	for _, v := range set.Verdicts {
		printVerdict(v)
	}
}

func printVerdict(v *types.ValidatorVerdict) {
	blocking := dimStyle.Render("advisory")
	if v.Blocking {
		blocking = "blocking"
	}
	fmt.Printf("  %-12s %-11s %s %s\n", v.ValidatorID, string(v.Tier), renderVerdict(v.Verdict), blocking)
	for _, finding := range v.Findings {
		fmt.Println(dimStyle.Render("    " + finding))
	}
}

func renderVerdict(v types.Verdict) string {
	switch v {
	case types.VerdictApprove:
		return okStyle.Render(string(v))
	case types.VerdictReject:
		return errStyle.Render(string(v))
	default:
		return warnStyle.Render(string(v))
	}
}

func renderOutcome(o types.Outcome) string {
	switch o {
	case types.OutcomeApprove:
		return okStyle.Render(string(o))
	case types.OutcomeReject:
		return errStyle.Render(string(o))
	default:
		return warnStyle.Render(string(o))
	}
}

func init() {
	qaCmd.AddCommand(qaOpenCmd, qaRunCmd, qaShowCmd)
	rootCmd.AddCommand(qaCmd)
}
