package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/tenantflow/internal/service"
	"github.com/randalmurphal/tenantflow/internal/tenant"
)

func (a *app) newProjectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "project",
		Aliases: []string{"projects"},
		Short:   "Manage projects and their tenant databases",
		Long: `Manage projects. Creating a project provisions its own database with the
default ToDo / InProgress / Done workflow; deleting it drops that database.

Example:
  tenantflow project create "Apollo" --owner alice
  tenantflow project list
  tenantflow project delete 3f2a...`,
	}
	cmd.AddCommand(a.newProjectCreateCmd())
	cmd.AddCommand(a.newProjectDeleteCmd())
	cmd.AddCommand(a.newProjectListCmd())
	return cmd
}

func (a *app) newProjectCreateCmd() *cobra.Command {
	var np tenant.NewProject
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a project and provision its database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			np.Name = args[0]
			return a.run(cmd.Context(), func(ctx context.Context, svc *service.Service) error {
				p, err := svc.CreateProject(ctx, np)
				if err != nil {
					return err
				}
				if a.wantJSON(cmd) {
					return writeJSON(cmd.OutOrStdout(), p)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Created project %s (%s) in namespace %s\n", p.Name, p.ID, p.Namespace)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&np.ID, "id", "", "project ID (default: random UUID)")
	cmd.Flags().StringVarP(&np.Description, "description", "d", "", "project description")
	cmd.Flags().StringVar(&np.OwnerID, "owner", "", "owning user ID")
	return cmd
}

func (a *app) newProjectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a project and drop its database",
		Long: `Delete a project. In-flight operations are drained before the database is
dropped. Deleting a project that no longer exists succeeds.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), func(ctx context.Context, svc *service.Service) error {
				if err := svc.DeleteProject(ctx, args[0]); err != nil {
					return err
				}
				if a.wantJSON(cmd) {
					return writeJSON(cmd.OutOrStdout(), map[string]string{"deleted": args[0]})
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "Deleted project %s\n", args[0])
				return err
			})
		},
	}
}

func (a *app) newProjectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), func(ctx context.Context, svc *service.Service) error {
				projects, err := svc.ListProjects(ctx)
				if err != nil {
					return err
				}
				if a.wantJSON(cmd) {
					if projects == nil {
						projects = []tenant.Project{}
					}
					return writeJSON(cmd.OutOrStdout(), projects)
				}
				if len(projects) == 0 {
					_, err := fmt.Fprintln(cmd.OutOrStdout(), "No projects. Create one with: tenantflow project create \"Name\"")
					return err
				}

				rows := make([][]string, 0, len(projects))
				for _, p := range projects {
					rows = append(rows, []string{
						p.ID, p.Name, orDash(p.Namespace), orDash(p.OwnerID),
						p.CreatedAt.Local().Format(time.DateTime),
					})
				}
				return table(cmd.OutOrStdout(), "ID\tNAME\tNAMESPACE\tOWNER\tCREATED", rows)
			})
		},
	}
}
