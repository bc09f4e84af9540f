package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/skeinworks/skein/internal/session"
	"github.com/skeinworks/skein/internal/types"
)

var flagIsolated bool

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Session lifecycle operations",
}

var sessionStartCmd = &cobra.Command{
	Use:   "start <owner> [task-id]...",
	Short: "Start a new session, optionally claiming tasks",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := open()
		if err != nil {
			return err
		}
		sess, err := s.Sessions.Start(cmd.Context(), args[0], args[1:], session.Options{Isolated: flagIsolated})
		if sess != nil {
			fmt.Println(okStyle.Render("started ") + sess.ID)
			if sess.WorkDir != "" {
				fmt.Println(dimStyle.Render("  workdir " + sess.WorkDir))
			}
		}
		return err
	},
}

var sessionResumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Re-attach to an active session after a restart",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := open()
		if err != nil {
			return err
		}
		sess, err := s.Sessions.Resume(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s %d claims intact\n", okStyle.Render("resumed "+sess.ID), len(sess.TaskIDs))
		return nil
	},
}

var sessionCloseCmd = &cobra.Command{
	Use:   "close <session-id>",
	Short: "Release locks, tear down isolation, archive the session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := open()
		if err != nil {
			return err
		}
		summary, err := s.Sessions.Close(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printSummary(summary)
		return nil
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover <session-id>",
	Short: "Reclaim a stale session: release its locks, revert its wip tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := open()
		if err != nil {
			return err
		}
		summary, err := s.Sessions.Recover(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printSummary(summary)
		return nil
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list [status]",
	Short: "List sessions, optionally filtered by status",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := open()
		if err != nil {
			return err
		}
		var status types.SessionStatus
		if len(args) == 1 {
			status = types.SessionStatus(args[0])
		}
		sessions, err := s.Store.ListSessions(status)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, sess := range sessions {
			note := ""
			if sess.Reclaimed {
				note = warnStyle.Render(" reclaimed")
			}
			fmt.Printf("%s  %-8s %-12s idle %s%s\n",
				sess.ID, string(sess.Status), sess.Owner,
				sess.IdleFor(now).Round(time.Second), note)
		}
		return nil
	},
}

var staleCmd = &cobra.Command{
	Use:   "stale",
	Short: "List sessions idle past the stale threshold",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := open()
		if err != nil {
			return err
		}
		stale, err := s.Sessions.Stale()
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, sess := range stale {
			fmt.Printf("%s  %s idle %s\n", sess.ID, sess.Owner, sess.IdleFor(now).Round(time.Second))
		}
		return nil
	},
}

func printSummary(summary *types.SessionSummary) {
	fmt.Printf("%s %s\n", okStyle.Render(summary.SessionID), string(summary.Status))
	for _, resource := range summary.ReleasedLocks {
		fmt.Println(dimStyle.Render("  released " + resource))
	}
	for _, taskID := range summary.RevertedTasks {
		fmt.Println(warnStyle.Render("  reverted " + taskID + " to todo"))
	}
}

func init() {
	sessionStartCmd.Flags().BoolVar(&flagIsolated, "isolated", false, "provision an isolated working copy")
	sessionCmd.AddCommand(sessionStartCmd, sessionResumeCmd, sessionCloseCmd, sessionListCmd)
	rootCmd.AddCommand(sessionCmd, recoverCmd, staleCmd)
}
