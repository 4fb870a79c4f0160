package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"forecastline/internal/domain"
	"forecastline/internal/engine"
	"forecastline/internal/timeparse"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectAddCmd())
	prj.AddCommand(projectListCmd())
	return prj
}

func projectAddCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Create a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.CreateProject(ctx, args[0], name)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func objectiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "objective",
		Short: "Manage project objectives",
		Long:  "Objectives are the schedulable units of a project. Teams assigned to an objective set its duration; child objectives make their parent a container.",
	}
	cmd.AddCommand(objectiveAddCmd())
	cmd.AddCommand(objectiveListCmd())
	cmd.AddCommand(objectiveShowCmd())
	cmd.AddCommand(objectiveAssignCmd())
	cmd.AddCommand(objectiveUnassignCmd())
	cmd.AddCommand(objectiveRefineCmd())
	return cmd
}

func objectiveAddCmd() *cobra.Command {
	var opts engine.ObjectiveCreateOptions
	var target string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create an objective",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if target != "" {
					d, err := timeparse.ParseDate(target, e.Today())
					if err != nil {
						return err
					}
					opts.TargetDate = &d
				}
				o, err := e.CreateObjective(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "objective id (generated when empty)")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent objective id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().IntVar(&opts.Tier, "tier", 1, "tier")
	cmd.Flags().StringVar(&target, "target", "", "target date (2024-06-30, \"end of month\")")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func objectiveListCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a project's objectives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
					return err
				}
				items, err := e.Repo.ListObjectivesForProject(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Parent", "Tier", "Target", "Title"})
				for _, o := range items {
					parent := ""
					if o.ParentObjectiveID != nil {
						parent = *o.ParentObjectiveID
					}
					tw.AppendRow(table.Row{o.ID, parent, o.Tier, formatDate(o.TargetDate), o.Title})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func objectiveShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <objective>",
		Short: "Show an objective with its teams and refinement sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				d, err := e.DescribeObjective(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				o := d.Objective
				fmt.Printf("%s  %s (project %s, tier %d, target %s)\n", o.ID, o.Title, o.ProjectID, o.Tier, formatDate(o.TargetDate))
				fmt.Printf("Teams: %s\n", strings.Join(d.Teams, ", "))
				tw := newTable()
				tw.AppendHeader(table.Row{"Session", "Started"})
				for _, s := range d.RefinementSessions {
					tw.AppendRow(table.Row{s.ID, s.StartedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func objectiveAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <objective> <team>",
		Short: "Assign a team to an objective",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.AssignTeam(ctx, args[0], args[1])
			})
		},
	}
}

func objectiveUnassignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unassign <objective> <team>",
		Short: "Remove a team from an objective",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.UnassignTeam(ctx, args[0], args[1])
			})
		},
	}
}

func objectiveRefineCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "refine <objective>",
		Short: "Record the start of refinement (release activity)",
		Long:  "Refinement marks an objective as active. Finish-to-start successors cannot release until each predecessor has started refinement, and the latest refinement start anchors the project forecast.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var started time.Time
				if at != "" {
					t, err := timeparse.Parse(at, time.Now().In(e.Config.Location()))
					if err != nil {
						return err
					}
					started = t
				}
				s, err := e.StartRefinement(ctx, args[0], started)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "start time (defaults to now)")
	return cmd
}

func depCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dep",
		Short: "Objective dependencies",
		Long:  "Edges run predecessor -> successor. Adding an edge that already exists or that would close a cycle is rejected and the graph is left unchanged.",
	}
	cmd.AddCommand(depAddCmd())
	cmd.AddCommand(depRemoveCmd())
	cmd.AddCommand(depListCmd())
	cmd.AddCommand(depReleaseCmd())
	return cmd
}

func depAddCmd() *cobra.Command {
	var typ string
	cmd := &cobra.Command{
		Use:   "add <predecessor> <successor>",
		Short: "Add a dependency edge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				dep, err := e.AddDependency(ctx, args[0], args[1], domain.DependencyType(strings.ToUpper(typ)))
				if err != nil {
					return err
				}
				return printJSONOrTable(dep)
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", string(domain.FinishToStart), "FS, SS, FF or SF")
	return cmd
}

func depRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <dependency-id>",
		Short: "Remove a dependency edge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.RemoveDependency(ctx, args[0])
			})
		},
	}
}

func depListCmd() *cobra.Command {
	var projectID, objectiveID string
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List edges of a project or objective",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var deps []domain.ObjectiveDependency
				var err error
				if objectiveID != "" {
					deps, err = e.Dependencies(ctx, objectiveID)
				} else {
					deps, err = e.ProjectDependencies(ctx, projectID)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(deps)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Predecessor", "Successor", "Type"})
				for _, d := range deps {
					tw.AppendRow(table.Row{d.ID, d.PredecessorID, d.SuccessorID, d.Type})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&objectiveID, "objective", "", "objective id")
	cmd.MarkFlagsOneRequired("project", "objective")
	cmd.MarkFlagsMutuallyExclusive("project", "objective")
	return cmd
}

func depReleaseCmd() *cobra.Command {
	var projectID, objectiveID string
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Show which objectives may enter release",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var sts []domain.ReleaseStatus
				if objectiveID != "" {
					st, err := e.CanRelease(ctx, objectiveID)
					if err != nil {
						return err
					}
					sts = []domain.ReleaseStatus{st}
				} else {
					var err error
					if sts, err = e.Releasable(ctx, projectID); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(sts)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Objective", "Can release", "Blocked by"})
				for _, st := range sts {
					tw.AppendRow(table.Row{st.ObjectiveID, st.CanRelease, strings.Join(st.BlockingPredecessors, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&objectiveID, "objective", "", "objective id")
	cmd.MarkFlagsOneRequired("project", "objective")
	cmd.MarkFlagsMutuallyExclusive("project", "objective")
	return cmd
}
