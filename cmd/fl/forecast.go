package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"forecastline/internal/domain"
	"forecastline/internal/engine"
)

func forecastCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forecast",
		Short: "Lead-time and project forecasts",
		Long:  "Forecasts are computed on demand from throughput history, queues and the dependency graph. A team without history yields no estimate rather than an error.",
	}
	cmd.AddCommand(forecastRatesCmd())
	cmd.AddCommand(forecastItemCmd())
	cmd.AddCommand(forecastBacklogCmd())
	cmd.AddCommand(forecastLoadCmd())
	cmd.AddCommand(forecastProjectCmd())
	return cmd
}

func forecastRatesCmd() *cobra.Command {
	var window int
	cmd := &cobra.Command{
		Use:   "rates",
		Short: "Throughput rate of every team",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rates, err := e.AllTeamsRate(ctx, e.Window(window))
				if err != nil {
					return err
				}
				ids := make([]string, 0, len(rates))
				for id := range rates {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				if viper.GetBool("json") {
					out := make([]domain.TeamRate, 0, len(ids))
					for _, id := range ids {
						out = append(out, rates[id])
					}
					return printJSON(out)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Team", "Items/week", "Weeks used", "Window", "Confidence"})
				for _, id := range ids {
					r := rates[id]
					tw.AppendRow(table.Row{id, fmt.Sprintf("%.2f", r.ItemsPerWeek), r.WeeksUsed, r.WindowWeeks, r.Confidence()})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&window, "window", 0, "weeks of history (config default when 0)")
	return cmd
}

func forecastItemCmd() *cobra.Command {
	var teamID string
	cmd := &cobra.Command{
		Use:   "item <id>",
		Short: "Forecast when a queued item will be done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				team := teamID
				if team == "" {
					it, err := e.Repo.GetWorkItem(ctx, args[0])
					if err != nil {
						return err
					}
					team = it.TeamID
				}
				fc, err := e.ForecastItem(ctx, args[0], team)
				if err != nil {
					return err
				}
				return printForecasts([]domain.ItemForecast{fc})
			})
		},
	}
	cmd.Flags().StringVar(&teamID, "team", "", "team id (the item's own team when empty)")
	return cmd
}

func forecastBacklogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backlog <team>",
		Short: "Forecast every queued item of a team",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				fcs, err := e.ForecastBacklog(ctx, args[0])
				if err != nil {
					return err
				}
				return printForecasts(fcs)
			})
		},
	}
}

func printForecasts(fcs []domain.ItemForecast) error {
	if viper.GetBool("json") {
		if fcs == nil {
			fcs = []domain.ItemForecast{}
		}
		return printJSON(fcs)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Item", "Bucket", "Position", "Weeks", "Date", "Confidence"})
	for _, fc := range fcs {
		tw.AppendRow(table.Row{fc.ItemID, fc.PriorityBucket, fc.Position, formatWeeks(fc.EstimatedWeeks), formatDate(fc.EstimatedDate), fc.Confidence})
	}
	tw.Render()
	return nil
}

func forecastLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <team>",
		Short: "Implied lead time of a team's whole queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				load, err := e.TeamLoad(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(load)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Team", "Open", "P1", "P2", "P3", "Blocked", "Items/week", "Lead time (weeks)", "Confidence"})
				q := load.Queue
				tw.AppendRow(table.Row{load.TeamID, q.TotalOpen, q.Counts[domain.P1], q.Counts[domain.P2], q.Counts[domain.P3], q.BlockedCount,
					fmt.Sprintf("%.2f", load.Rate.ItemsPerWeek), formatWeeks(load.ImpliedLeadTimeWeeks), load.Confidence})
				tw.Render()
				return nil
			})
		},
	}
}

func forecastProjectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "project <id>",
		Short: "End-to-end project completion forecast",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				pf, err := e.ForecastProject(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(pf)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Objective", "Kind", "Weeks", "Start", "Finish", "Date", "Target", "At risk", "Critical"})
				for _, of := range pf.ObjectiveForecasts {
					tw.AppendRow(table.Row{of.ObjectiveID, of.Kind, formatWeeks(of.DurationWeeks),
						fmt.Sprintf("%.1f", of.StartWeeks), fmt.Sprintf("%.1f", of.FinishWeeks),
						formatDate(of.EstimatedDate), formatDate(of.TargetDate), of.AtRisk, of.OnCriticalPath})
				}
				tw.Render()
				fmt.Printf("Critical path: %s (%.1f weeks from %s)\n", strings.Join(pf.CriticalPath, " -> "), pf.CriticalPathWeeks, pf.Anchor.Format(domain.DateLayout))
				fmt.Printf("Estimated completion: %s [%s]\n", pf.EstimatedCompletionDate.Format(domain.DateLayout), pf.Confidence)
				if len(pf.UnestimableObjectives) > 0 {
					fmt.Printf("Unestimable: %s\n", strings.Join(pf.UnestimableObjectives, ", "))
				}
				return nil
			})
		},
	}
}
