package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/tenantflow/internal/service"
	"github.com/randalmurphal/tenantflow/internal/workflow"
)

func (a *app) newWorkflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Inspect a project's status workflow",
	}
	cmd.AddCommand(a.newWorkflowShowCmd())
	return cmd
}

// workflowView is the JSON shape of workflow show.
type workflowView struct {
	Namespace string            `json:"namespace"`
	Policy    workflow.Policy   `json:"policy"`
	Statuses  []workflow.Status `json:"statuses"`
	Edges     []workflow.Edge   `json:"edges"`
}

func (a *app) newWorkflowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "List statuses and the moves allowed from each",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), func(ctx context.Context, svc *service.Service) error {
				g, err := svc.Workflow(ctx, args[0])
				if err != nil {
					return err
				}
				if a.wantJSON(cmd) {
					return writeJSON(cmd.OutOrStdout(), workflowView{
						Namespace: g.Namespace(),
						Policy:    g.Policy(),
						Statuses:  g.Statuses(),
						Edges:     g.Edges(),
					})
				}

				rows := [][]string{{"-", g.Name(nil), "-", allowedNames(g, nil)}}
				for _, s := range g.Statuses() {
					rows = append(rows, []string{
						fmt.Sprint(s.ID), s.Name, string(s.Category), allowedNames(g, &s.ID),
					})
				}
				return table(cmd.OutOrStdout(), "ID\tSTATUS\tCATEGORY\tNEXT", rows)
			})
		},
	}
}

func allowedNames(g *workflow.Graph, from *int64) string {
	next := g.Allowed(from)
	names := make([]string, len(next))
	for i, s := range next {
		names[i] = s.Name
	}
	return orDash(strings.Join(names, ", "))
}
