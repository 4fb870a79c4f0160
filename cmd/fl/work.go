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
	"forecastline/internal/repo"
	"forecastline/internal/timeparse"
)

func teamCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "team", Short: "Manage teams"}
	cmd.AddCommand(teamAddCmd())
	cmd.AddCommand(teamListCmd())
	return cmd
}

func teamAddCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Create a team",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.CreateTeam(ctx, args[0], name)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func teamListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List teams",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				teams, err := e.Repo.ListTeams(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(teams)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, t := range teams {
					tw.AppendRow(table.Row{t.ID, t.Name, t.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func throughputCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "throughput",
		Short: "Weekly completed-item history",
		Long:  "A team's rate is the average of its weekly completion counts over the trailing window. Completing items updates the current week automatically; 'set' imports history and 'rebuild' recomputes it from completed items.",
	}
	cmd.AddCommand(throughputSetCmd())
	cmd.AddCommand(throughputRebuildCmd())
	cmd.AddCommand(throughputShowCmd())
	return cmd
}

func throughputSetCmd() *cobra.Command {
	var week string
	var count int
	cmd := &cobra.Command{
		Use:   "set <team>",
		Short: "Record the completed count of one week",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				w, err := timeparse.ParseDate(week, e.Today())
				if err != nil {
					return err
				}
				wt, err := e.SetWeeklyThroughput(ctx, args[0], w, count)
				if err != nil {
					return err
				}
				return printJSONOrTable(wt)
			})
		},
	}
	cmd.Flags().StringVar(&week, "week", "", "any day of the week (2024-03-04, \"last monday\")")
	cmd.Flags().IntVar(&count, "count", 0, "items completed that week")
	_ = cmd.MarkFlagRequired("week")
	_ = cmd.MarkFlagRequired("count")
	return cmd
}

func throughputRebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild <team>",
		Short: "Recompute weekly history from completed items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				weeks, err := e.RebuildThroughput(ctx, args[0])
				if err != nil {
					return err
				}
				return printWeeks(weeks)
			})
		},
	}
}

func throughputShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <team>",
		Short: "Show weekly history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if _, err := e.Repo.GetTeam(ctx, args[0]); err != nil {
					return err
				}
				weeks, err := e.Repo.GetWeeklyThroughput(ctx, args[0])
				if err != nil {
					return err
				}
				return printWeeks(weeks)
			})
		},
	}
}

func printWeeks(weeks []domain.WeeklyThroughput) error {
	if viper.GetBool("json") {
		return printJSON(weeks)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Week", "Completed"})
	for _, w := range weeks {
		tw.AppendRow(table.Row{w.WeekStart.Format(domain.DateLayout), w.ItemsCompleted})
	}
	tw.Render()
	return nil
}

func itemCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "item",
		Short: "Manage work items",
		Long:  "Work items sit in a team queue by priority bucket (P1, P2, P3) and stack rank. Statuses: Backlog, Ready, InProgress count as queued; Blocked and Done do not.",
	}
	cmd.AddCommand(itemAddCmd())
	cmd.AddCommand(itemListCmd())
	cmd.AddCommand(itemStatusCmd())
	cmd.AddCommand(itemCompleteCmd())
	cmd.AddCommand(itemRankCmd())
	return cmd
}

func itemAddCmd() *cobra.Command {
	var opts engine.WorkItemCreateOptions
	var bucket, status string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Queue a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Bucket = domain.PriorityBucket(strings.ToUpper(bucket))
			opts.Status = domain.WorkItemStatus(status)
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				it, err := e.CreateWorkItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "item id (generated when empty)")
	cmd.Flags().StringVar(&opts.TeamID, "team", "", "owning team")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&bucket, "bucket", "P2", "priority bucket (P1, P2, P3)")
	cmd.Flags().IntVar(&opts.StackRank, "rank", 0, "stack rank within the bucket (appended when 0)")
	cmd.Flags().StringVar(&status, "status", "", "initial status (default Backlog)")
	_ = cmd.MarkFlagRequired("team")
	return cmd
}

func itemListCmd() *cobra.Command {
	var f repo.WorkItemFilters
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a team's items in queue order",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range statuses {
				f.Statuses = append(f.Statuses, domain.WorkItemStatus(s))
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if _, err := e.Repo.GetTeam(ctx, f.TeamID); err != nil {
					return err
				}
				items, err := e.Repo.ListWorkItems(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Bucket", "Rank", "Status", "Title"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.PriorityBucket, it.StackRank, it.Status, it.Title})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TeamID, "team", "", "team id")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "status filter (repeatable)")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	_ = cmd.MarkFlagRequired("team")
	return cmd
}

func itemStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Move an item to a status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				it, err := e.SetWorkItemStatus(ctx, args[0], domain.WorkItemStatus(args[1]))
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
}

func itemCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <id>",
		Short: "Mark an item Done and count it in this week's throughput",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				it, err := e.CompleteWorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
}

func itemRankCmd() *cobra.Command {
	var bucket string
	var rank int
	cmd := &cobra.Command{
		Use:   "rank <id>",
		Short: "Move an item to a bucket and stack rank",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				b := domain.PriorityBucket(strings.ToUpper(bucket))
				if b == "" {
					cur, err := e.Repo.GetWorkItem(ctx, args[0])
					if err != nil {
						return err
					}
					b = cur.PriorityBucket
				}
				it, err := e.RankWorkItem(ctx, args[0], b, rank)
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&bucket, "bucket", "", "priority bucket (keeps the current one when empty)")
	cmd.Flags().IntVar(&rank, "rank", 0, "new stack rank")
	_ = cmd.MarkFlagRequired("rank")
	return cmd
}

func formatWeeks(w *float64) string {
	if w == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f", *w)
}

func formatDate(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(domain.DateLayout)
}
