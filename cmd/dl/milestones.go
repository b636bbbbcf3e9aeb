package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"deliverline/internal/app"
	"deliverline/internal/domain"
	"deliverline/internal/engine"
)

func milestoneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "milestone",
		Aliases: []string{"m"},
		Short:   "Manage milestones",
		Long:    "Milestone status and progress are rolled up from their deliverables on every read.",
	}
	cmd.AddCommand(milestoneCreateCmd())
	cmd.AddCommand(milestoneListCmd())
	cmd.AddCommand(milestoneShowCmd())
	return cmd
}

func milestoneCreateCmd() *cobra.Command {
	var opts engine.MilestoneCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a milestone",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				m, err := a.Engine.CreateMilestone(ctx, actor, opts)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if viper.GetBool("json") {
					return printJSON(out, m)
				}
				fmt.Fprintf(out, "Created milestone %s (%s) %s\n", m.ID, m.Ref, m.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "milestone id (generated when empty)")
	cmd.Flags().StringVar(&opts.Ref, "ref", "", "human reference")
	cmd.Flags().StringVar(&opts.Name, "name", "", "name")
	cmd.Flags().Float64Var(&opts.BillableValue, "billable", 0, "billable value")
	cmd.Flags().StringVar(&opts.StartDate, "start", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.EndDate, "end", "", "end date (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func milestoneListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List milestones with rolled up status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				views, err := a.Engine.ListMilestones(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if viper.GetBool("json") {
					return printJSON(out, views)
				}
				tw := newTable(out)
				tw.AppendHeader(table.Row{"ID", "Ref", "Name", "Status", "Progress", "Deliverables", "Billable"})
				for _, v := range views {
					tw.AppendRow(table.Row{v.ID, v.Ref, v.Name, v.Status, fmt.Sprintf("%d%%", v.Progress), len(v.Deliverables), v.BillableValue})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func milestoneShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a milestone and its deliverables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				v, err := a.Engine.RollupMilestone(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if viper.GetBool("json") {
					return printJSON(out, v)
				}
				fmt.Fprintf(out, "%s  %s  [%s]  %d%%\n", v.Ref, v.Name, v.Status, v.Progress)
				if v.StartDate != "" || v.EndDate != "" {
					fmt.Fprintf(out, "window: %s .. %s\n", v.StartDate, v.EndDate)
				}
				renderDeliverables(out, v.Deliverables)
				return nil
			})
		},
	}
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage KPIs and quality standards",
	}
	cmd.AddCommand(catalogKindCmd("kpi", "KPIs", domain.LinkKPI))
	cmd.AddCommand(catalogKindCmd("qs", "quality standards", domain.LinkQualityStandard))
	return cmd
}

func catalogKindCmd(use, plural string, kind domain.LinkKind) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: "Manage " + plural,
	}

	var opts engine.CatalogCreateOptions
	add := &cobra.Command{
		Use:   "add",
		Short: "Add to " + plural,
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				item, err := a.Engine.CreateCatalogItem(ctx, actor, kind, opts)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if viper.GetBool("json") {
					return printJSON(out, item)
				}
				fmt.Fprintf(out, "Created %s %s (%s) %s\n", kind, item.ID, item.Ref, item.Name)
				return nil
			})
		},
	}
	add.Flags().StringVar(&opts.ID, "id", "", "item id (generated when empty)")
	add.Flags().StringVar(&opts.Ref, "ref", "", "human reference")
	add.Flags().StringVar(&opts.Name, "name", "", "name")
	add.Flags().StringVar(&opts.Description, "description", "", "description")
	_ = add.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List " + plural,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListCatalog(ctx, kind)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if viper.GetBool("json") {
					return printJSON(out, items)
				}
				tw := newTable(out)
				tw.AppendHeader(table.Row{"ID", "Ref", "Name", "Description"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Ref, it.Name, it.Description})
				}
				tw.Render()
				return nil
			})
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}
