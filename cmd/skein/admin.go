package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	skein "github.com/skeinworks/skein"
	"github.com/skeinworks/skein/internal/txn"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a data root with default provider files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := skein.Init(flagRoot); err != nil {
			return err
		}
		fmt.Println(okStyle.Render("initialized ") + flagRoot)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate counts by state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := open()
		if err != nil {
			return err
		}
		stats, err := s.Store.Stats(s.Timing.MaxRounds)
		if err != nil {
			return err
		}
		fmt.Println(titleStyle.Render("tasks"))
		fmt.Printf("  todo %d  wip %d  blocked %d  done %d  validated %d  (total %d)\n",
			stats.TodoTasks, stats.WIPTasks, stats.BlockedTasks, stats.DoneTasks, stats.ValidatedTasks, stats.TotalTasks)
		fmt.Println(titleStyle.Render("sessions"))
		fmt.Printf("  active %d\n", stats.ActiveSessions)
		fmt.Println(titleStyle.Render("qa"))
		fmt.Printf("  open briefs %d  exhausted %d\n", stats.OpenBriefs, stats.ExhaustedBriefs)
		return nil
	},
}

var flagSweepAge time.Duration

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Scan for corrupted entities and orphaned staging directories",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := open()
		if err != nil {
			return err
		}
		problems, err := s.Store.Verify()
		if err != nil {
			return err
		}
		for _, p := range problems {
			fmt.Printf("%s %s %s\n", errStyle.Render(p.Kind), p.Path, dimStyle.Render(p.Err))
		}
		if len(problems) == 0 {
			fmt.Println(okStyle.Render("ok") + " no problems found")
			return nil
		}
		return fmt.Errorf("%d problems found", len(problems))
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Discard staging directories orphaned by crashed processes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := open()
		if err != nil {
			return err
		}
		removed, err := txn.SweepOrphans(s.Store.Root(), flagSweepAge)
		if err != nil {
			return err
		}
		for _, name := range removed {
			fmt.Println(warnStyle.Render("swept ") + name)
		}
		fmt.Printf("%d staging dirs removed\n", len(removed))
		return nil
	},
}

func init() {
	sweepCmd.Flags().DurationVar(&flagSweepAge, "min-age", time.Hour, "only sweep staging dirs older than this")
	rootCmd.AddCommand(initCmd, statsCmd, doctorCmd, sweepCmd)
}
