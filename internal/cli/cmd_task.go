package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/tenantflow/internal/db"
	flowerrors "github.com/randalmurphal/tenantflow/internal/errors"
	"github.com/randalmurphal/tenantflow/internal/service"
	"github.com/randalmurphal/tenantflow/internal/workflow"
)

func (a *app) newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "task",
		Aliases: []string{"tasks"},
		Short:   "Create tasks and move them through the workflow",
		Long: `Create tasks and move them through the project's workflow.

Statuses may be given by name or by ID.

Example:
  tenantflow task create <project> "Write docs" --status ToDo
  tenantflow task move <project> 1 InProgress --actor alice
  tenantflow task archive <project> 1
  tenantflow task show <project> 1`,
	}
	cmd.AddCommand(a.newTaskCreateCmd())
	cmd.AddCommand(a.newTaskMoveCmd())
	cmd.AddCommand(a.newTaskArchiveCmd())
	cmd.AddCommand(a.newTaskShowCmd())
	return cmd
}

// resolveStatus accepts a status name (case-insensitive) or numeric ID.
func resolveStatus(g *workflow.Graph, arg string) (int64, error) {
	if id, err := strconv.ParseInt(arg, 10, 64); err == nil {
		return id, nil
	}
	for _, s := range g.Statuses() {
		if strings.EqualFold(s.Name, arg) {
			return s.ID, nil
		}
	}
	return 0, &flowerrors.Error{
		Code:      flowerrors.CodeNotFound,
		What:      fmt.Sprintf("status %q not found in tenant %s", arg, g.Namespace()),
		Fix:       "Run 'tenantflow workflow show <project>' to list statuses",
		Namespace: g.Namespace(),
	}
}

func (a *app) newTaskCreateCmd() *cobra.Command {
	var (
		status, assignee, actor, description string
		sprintID                             int64
	)
	cmd := &cobra.Command{
		Use:   "create <project-id> <title>",
		Short: "Create a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := args[0]
			return a.run(cmd.Context(), func(ctx context.Context, svc *service.Service) error {
				nt := workflow.NewTask{
					Title:       args[1],
					Description: description,
					AssigneeID:  assignee,
					ActorID:     actor,
				}
				if sprintID > 0 {
					nt.SprintID = &sprintID
				}
				if status != "" {
					g, err := svc.Workflow(ctx, projectID)
					if err != nil {
						return err
					}
					id, err := resolveStatus(g, status)
					if err != nil {
						return err
					}
					nt.StatusID = &id
				}

				t, err := svc.CreateTask(ctx, projectID, nt)
				if err != nil {
					return err
				}
				if a.wantJSON(cmd) {
					return writeJSON(cmd.OutOrStdout(), t)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Created task %d: %s\n", t.ID, t.Title)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "initial status name or ID (default: unset)")
	cmd.Flags().Int64Var(&sprintID, "sprint", 0, "sprint ID")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee user ID")
	cmd.Flags().StringVarP(&description, "description", "d", "", "task description")
	cmd.Flags().StringVar(&actor, "actor", "", "acting user ID, recorded in history")
	return cmd
}

func (a *app) newTaskMoveCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "move <project-id> <task-id> <status>",
		Short: "Move a task to another status",
		Long: `Move a task to another status. The move must follow a transition in the
project's workflow. A conflict with a concurrent move is reported and can
be retried.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := args[0]
			taskID, err := parseID("task", args[1])
			if err != nil {
				return err
			}
			return a.run(cmd.Context(), func(ctx context.Context, svc *service.Service) error {
				g, err := svc.Workflow(ctx, projectID)
				if err != nil {
					return err
				}
				to, err := resolveStatus(g, args[2])
				if err != nil {
					return err
				}

				res, err := svc.ChangeTaskStatus(ctx, projectID, taskID, to, actor)
				if err != nil {
					return err
				}
				if a.wantJSON(cmd) {
					return writeJSON(cmd.OutOrStdout(), res)
				}
				from := g.Name(nil)
				if res.From != nil {
					from = res.From.Name
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Task %d: %s -> %s\n", taskID, from, res.Status.Name)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "acting user ID, recorded in history")
	return cmd
}

func (a *app) newTaskArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <project-id> <task-id>",
		Short: "Archive a task",
		Long:  "Archive a task. Archived tasks keep their status and cannot be moved again.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseID("task", args[1])
			if err != nil {
				return err
			}
			return a.run(cmd.Context(), func(ctx context.Context, svc *service.Service) error {
				t, err := svc.ArchiveTask(ctx, args[0], taskID)
				if err != nil {
					return err
				}
				if a.wantJSON(cmd) {
					return writeJSON(cmd.OutOrStdout(), t)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Archived task %d\n", t.ID)
				return err
			})
		},
	}
}

// taskView is the JSON shape of task show.
type taskView struct {
	Task    *db.Task          `json:"task"`
	Status  string            `json:"status"`
	Next    []workflow.Status `json:"next"`
	History []db.HistoryEntry `json:"history"`
}

func (a *app) newTaskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id> <task-id>",
		Short: "Show a task, its allowed next statuses and its history",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := args[0]
			taskID, err := parseID("task", args[1])
			if err != nil {
				return err
			}
			return a.run(cmd.Context(), func(ctx context.Context, svc *service.Service) error {
				g, err := svc.Workflow(ctx, projectID)
				if err != nil {
					return err
				}
				t, err := svc.GetTask(ctx, projectID, taskID)
				if err != nil {
					return err
				}
				history, err := svc.TaskHistory(ctx, projectID, taskID)
				if err != nil {
					return err
				}

				view := taskView{Task: t, Status: g.Name(t.StatusID), History: history}
				if !t.Archived {
					view.Next = g.Allowed(t.StatusID)
				}
				if view.Next == nil {
					view.Next = []workflow.Status{}
				}
				if view.History == nil {
					view.History = []db.HistoryEntry{}
				}
				if a.wantJSON(cmd) {
					return writeJSON(cmd.OutOrStdout(), view)
				}
				return printTask(cmd, g, view)
			})
		},
	}
}

func printTask(cmd *cobra.Command, g *workflow.Graph, v taskView) error {
	out := cmd.OutOrStdout()
	t := v.Task
	_, _ = fmt.Fprintf(out, "Task %d: %s\n", t.ID, t.Title)
	if t.Description != "" {
		_, _ = fmt.Fprintf(out, "  %s\n", t.Description)
	}
	_, _ = fmt.Fprintf(out, "Status:   %s\n", v.Status)
	_, _ = fmt.Fprintf(out, "Sprint:   %s\n", idOrDash(t.SprintID))
	_, _ = fmt.Fprintf(out, "Assignee: %s\n", orDash(t.AssigneeID))
	if t.Archived {
		_, _ = fmt.Fprintln(out, "Archived: yes")
	} else {
		names := make([]string, len(v.Next))
		for i, s := range v.Next {
			names[i] = s.Name
		}
		_, _ = fmt.Fprintf(out, "Next:     %s\n", orDash(strings.Join(names, ", ")))
	}

	if len(v.History) == 0 {
		return nil
	}
	_, _ = fmt.Fprintln(out, "\nHistory:")
	rows := make([][]string, 0, len(v.History))
	for _, h := range v.History {
		to := h.ToStatusID
		rows = append(rows, []string{
			timeOrDash(&h.CreatedAt), g.Name(h.FromStatusID), g.Name(&to), orDash(h.ActorID),
		})
	}
	return table(out, "WHEN\tFROM\tTO\tACTOR", rows)
}
