package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/tenantflow/internal/db"
	"github.com/randalmurphal/tenantflow/internal/service"
	"github.com/randalmurphal/tenantflow/internal/sprint"
)

func (a *app) newSprintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sprint",
		Aliases: []string{"sprints"},
		Short:   "Manage sprints and view sprint statistics",
		Long: `Manage sprints. A sprint moves from planned to active to completed.

Example:
  tenantflow sprint create <project> "Sprint 1" --starts 2026-01-05 --ends 2026-01-16
  tenantflow sprint start <project> 1
  tenantflow sprint stats <project> 1`,
	}
	cmd.AddCommand(a.newSprintCreateCmd())
	cmd.AddCommand(a.newSprintAdvanceCmd("start", "Start a planned sprint", (*service.Service).StartSprint))
	cmd.AddCommand(a.newSprintAdvanceCmd("complete", "Complete an active sprint", (*service.Service).CompleteSprint))
	cmd.AddCommand(a.newSprintStatsCmd())
	return cmd
}

func (a *app) newSprintCreateCmd() *cobra.Command {
	var starts, ends string
	cmd := &cobra.Command{
		Use:   "create <project-id> <name>",
		Short: "Create a planned sprint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := sprint.NewSprint{Name: args[1]}
			var err error
			if in.StartsAt, err = parseDate(starts); err != nil {
				return err
			}
			if in.EndsAt, err = parseDate(ends); err != nil {
				return err
			}
			return a.run(cmd.Context(), func(ctx context.Context, svc *service.Service) error {
				sp, err := svc.CreateSprint(ctx, args[0], in)
				if err != nil {
					return err
				}
				return a.printSprint(cmd, sp)
			})
		},
	}
	cmd.Flags().StringVar(&starts, "starts", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&ends, "ends", "", "end date (YYYY-MM-DD)")
	return cmd
}

type sprintStep func(s *service.Service, ctx context.Context, projectID string, sprintID int64) (*db.Sprint, error)

func (a *app) newSprintAdvanceCmd(use, short string, step sprintStep) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <project-id> <sprint-id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sprintID, err := parseID("sprint", args[1])
			if err != nil {
				return err
			}
			return a.run(cmd.Context(), func(ctx context.Context, svc *service.Service) error {
				sp, err := step(svc, ctx, args[0], sprintID)
				if err != nil {
					return err
				}
				return a.printSprint(cmd, sp)
			})
		},
	}
}

func (a *app) printSprint(cmd *cobra.Command, sp *db.Sprint) error {
	if a.wantJSON(cmd) {
		return writeJSON(cmd.OutOrStdout(), sp)
	}
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "Sprint %d %q: %s (%s .. %s)\n",
		sp.ID, sp.Name, sp.State, timeOrDash(sp.StartsAt), timeOrDash(sp.EndsAt))
	return err
}

func (a *app) newSprintStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <project-id> <sprint-id>",
		Short: "Show task counts by status category for a sprint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sprintID, err := parseID("sprint", args[1])
			if err != nil {
				return err
			}
			return a.run(cmd.Context(), func(ctx context.Context, svc *service.Service) error {
				st, err := svc.GetSprintStatistics(ctx, args[0], sprintID)
				if err != nil {
					return err
				}
				if a.wantJSON(cmd) {
					return writeJSON(cmd.OutOrStdout(), st)
				}
				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(out, "Sprint %d %q (%s)\n", st.SprintID, st.SprintName, st.State)
				_, err = fmt.Fprintf(out, "  total %d  todo %d  in progress %d  done %d  unset %d  complete %.0f%%\n",
					st.TotalTasks, st.TodoTasks, st.InProgressTasks, st.CompletedTasks, st.UnsetTasks,
					st.CompletionRate*100)
				return err
			})
		},
	}
}
