package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/skeinworks/skein/internal/idgen"
	"github.com/skeinworks/skein/internal/types"
)

var createCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a todo task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := open()
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		task := &types.Task{
			ID:        idgen.New(idgen.TaskPrefix, now, 0, args[0]),
			Title:     args[0],
			State:     types.TaskTodo,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.Store.PutTask(task, ""); err != nil {
			return err
		}
		fmt.Println(okStyle.Render("created ") + task.ID)
		return nil
	},
}

var claimCmd = &cobra.Command{
	Use:   "claim <task-id>",
	Short: "Claim a todo task for the acting session",
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
		task, err := s.Orchestrator.Claim(cmd.Context(), args[0], sessionID)
		if err != nil {
			return err
		}
		fmt.Println(okStyle.Render("claimed ") + task.ID + dimStyle.Render(" by "+sessionID))
		return nil
	},
}

var promoteEvidence []string

var promoteCmd = &cobra.Command{
	Use:   "promote <task-id> <state>",
	Short: "Move a task to a target state through the transition table",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, err := requireSession()
		if err != nil {
			return err
		}
		s, err := open()
		if err != nil {
			return err
		}
		if len(promoteEvidence) > 0 {
			if _, err := s.Orchestrator.AttachEvidence(cmd.Context(), args[0], promoteEvidence, sessionID); err != nil {
				return err
			}
		}
		task, err := s.Orchestrator.Promote(cmd.Context(), args[0], types.TaskState(args[1]), sessionID)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", okStyle.Render(task.ID), string(task.State))
		return nil
	},
}

var evidenceCmd = &cobra.Command{
	Use:   "evidence <task-id> <path>...",
	Short: "Record evidence paths on the acting session's wip task",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, err := requireSession()
		if err != nil {
			return err
		}
		s, err := open()
		if err != nil {
			return err
		}
		task, err := s.Orchestrator.AttachEvidence(cmd.Context(), args[0], args[1:], sessionID)
		if err != nil {
			return err
		}
		fmt.Printf("%s %d evidence path(s)\n", okStyle.Render(task.ID), len(task.Evidence))
		return nil
	},
}

var splitCmd = &cobra.Command{
	Use:   "split <task-id> <title>...",
	Short: "Split a task into child tasks",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, err := requireSession()
		if err != nil {
			return err
		}
		s, err := open()
		if err != nil {
			return err
		}
		children, err := s.Orchestrator.Split(cmd.Context(), args[0], args[1:], sessionID)
		if err != nil {
			return err
		}
		for _, child := range children {
			fmt.Printf("%s %s\n", okStyle.Render(child.ID), child.Title)
		}
		return nil
	},
}

var linkCmd = &cobra.Command{
	Use:   "link <from-id> <to-id> <type>",
	Short: "Relate two tasks (blocks, related, parent-child, supersedes)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, err := requireSession()
		if err != nil {
			return err
		}
		s, err := open()
		if err != nil {
			return err
		}
		if err := s.Orchestrator.Link(cmd.Context(), args[0], args[1], types.LinkType(args[2]), sessionID); err != nil {
			return err
		}
		fmt.Println(okStyle.Render("linked ") + args[0] + " -> " + args[1])
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list [state]",
	Short: "List tasks, optionally filtered by state",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := open()
		if err != nil {
			return err
		}
		var state types.TaskState
		if len(args) == 1 {
			state = types.TaskState(args[0])
		}
		tasks, err := s.Store.ListTasks(state)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			owner := ""
			if task.SessionID != "" {
				owner = dimStyle.Render(" [" + task.SessionID + "]")
			}
			fmt.Printf("%s  %-9s %s%s\n", task.ID, string(task.State), task.Title, owner)
		}
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show one task in detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := open()
		if err != nil {
			return err
		}
		task, err := s.Store.GetTask(args[0])
		if err != nil {
			return err
		}
		fmt.Println(titleStyle.Render(task.ID) + "  " + task.Title)
		fmt.Printf("  state: %s  round: %d\n", task.State, task.Round)
		if task.SessionID != "" {
			fmt.Printf("  owner: %s\n", task.SessionID)
		}
		if task.ParentID != "" {
			fmt.Printf("  parent: %s\n", task.ParentID)
		}
		if len(task.ChildIDs) > 0 {
			fmt.Printf("  children: %s\n", strings.Join(task.ChildIDs, ", "))
		}
		for _, link := range task.Links {
			fmt.Printf("  link: %s %s\n", link.Type, link.TargetID)
		}
		if len(task.Evidence) > 0 {
			fmt.Printf("  evidence: %s\n", strings.Join(task.Evidence, ", "))
		}
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events <task-id>",
	Short: "Show a task's transition audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := open()
		if err != nil {
			return err
		}
		events, err := s.Orchestrator.Events(args[0])
		if err != nil {
			return err
		}
		for _, ev := range events {
			fmt.Printf("%s  %s -> %s  %s%s\n",
				ev.CreatedAt.Format(time.RFC3339),
				ev.OldValue, ev.NewValue,
				ev.Comment,
				dimStyle.Render(" ("+ev.Actor+")"))
		}
		return nil
	},
}

func init() {
	promoteCmd.Flags().StringArrayVar(&promoteEvidence, "evidence", nil, "evidence path to record before promoting (repeatable)")
	rootCmd.AddCommand(createCmd, claimCmd, promoteCmd, evidenceCmd, splitCmd, linkCmd, listCmd, showCmd, eventsCmd)
}
