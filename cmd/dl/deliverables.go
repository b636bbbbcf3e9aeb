package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"deliverline/internal/app"
	"deliverline/internal/domain"
	"deliverline/internal/engine"
	"deliverline/internal/lifecycle"
	"deliverline/internal/repo"
)

func deliverableCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deliverable",
		Aliases: []string{"d"},
		Short:   "Manage deliverables, review and sign-off",
	}
	cmd.AddCommand(deliverableCreateCmd())
	cmd.AddCommand(deliverableListCmd())
	cmd.AddCommand(deliverableShowCmd())
	cmd.AddCommand(deliverableEditCmd())
	cmd.AddCommand(deliverableDeleteCmd())
	cmd.AddCommand(deliverableTransitionCmd("submit", "Submit for review", func(e engine.Engine) transitionFunc { return e.Submit }))
	cmd.AddCommand(deliverableTransitionCmd("return", "Return for more work", func(e engine.Engine) transitionFunc { return e.Return }))
	cmd.AddCommand(deliverableTransitionCmd("accept", "Accept review", func(e engine.Engine) transitionFunc { return e.Accept }))
	cmd.AddCommand(deliverableLinkCmd())
	cmd.AddCommand(deliverableUnlinkCmd())
	cmd.AddCommand(deliverableAssessCmd())
	cmd.AddCommand(deliverableSignCmd())
	return cmd
}

type transitionFunc func(context.Context, domain.Actor, string) (domain.Deliverable, error)

func deliverableCreateCmd() *cobra.Command {
	var opts engine.DeliverableCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a deliverable",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.CreateDeliverable(ctx, actor, opts)
				if err != nil {
					return err
				}
				return printDeliverable(cmd.OutOrStdout(), d)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "deliverable id (generated when empty)")
	cmd.Flags().StringVar(&opts.Ref, "ref", "", "human reference")
	cmd.Flags().StringVar(&opts.Name, "name", "", "name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.MilestoneID, "milestone", "", "milestone id")
	cmd.Flags().IntVar(&opts.Progress, "progress", 0, "initial progress (0-100)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func deliverableListCmd() *cobra.Command {
	var f repo.DeliverableFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deliverables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListDeliverables(ctx, f)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if viper.GetBool("json") {
					return printJSON(out, items)
				}
				renderDeliverables(out, items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.MilestoneID, "milestone", "", "milestone filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().BoolVar(&f.Unassigned, "unassigned", false, "only deliverables without a milestone")
	return cmd
}

func deliverableShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a deliverable with tasks, links and signatures",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.GetDeliverable(ctx, args[0])
				if err != nil {
					return err
				}
				return printDeliverable(cmd.OutOrStdout(), d)
			})
		},
	}
}

func deliverableEditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit <id> <field> <value>",
		Short: "Edit name, description, progress or milestone_id",
		Long:  "Edit one field. An empty milestone_id value detaches the deliverable from its milestone.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.EditDeliverableField(ctx, actor, args[0], args[1], args[2])
				if err != nil {
					return err
				}
				return printDeliverable(cmd.OutOrStdout(), d)
			})
		},
	}
}

func deliverableDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an unsigned deliverable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Engine.DeleteDeliverable(ctx, actor, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func deliverableTransitionCmd(use, short string, pick func(engine.Engine) transitionFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				d, err := pick(a.Engine)(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printDeliverable(cmd.OutOrStdout(), d)
			})
		},
	}
}

func deliverableLinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "link <id> <kpi|qs> <item-id>",
		Short: "Link a KPI or quality standard",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return linkCommand(cmd, args, func(e engine.Engine) func(context.Context, domain.Actor, string, lifecycle.LinkRef) (domain.Deliverable, error) {
				return e.LinkItem
			})
		},
	}
}

func deliverableUnlinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlink <id> <kpi|qs> <item-id>",
		Short: "Unlink a KPI or quality standard",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return linkCommand(cmd, args, func(e engine.Engine) func(context.Context, domain.Actor, string, lifecycle.LinkRef) (domain.Deliverable, error) {
				return e.UnlinkItem
			})
		},
	}
}

func linkCommand(cmd *cobra.Command, args []string, pick func(engine.Engine) func(context.Context, domain.Actor, string, lifecycle.LinkRef) (domain.Deliverable, error)) error {
	actor, err := currentActor()
	if err != nil {
		return err
	}
	kind, err := parseLinkKind(args[1])
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		d, err := pick(a.Engine)(ctx, actor, args[0], lifecycle.LinkRef{Kind: kind, ItemID: args[2]})
		if err != nil {
			return err
		}
		return printDeliverable(cmd.OutOrStdout(), d)
	})
}

type changeFlags struct {
	link   []string
	unlink []string
	assess []string
}

func (f *changeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVar(&f.link, "link", nil, "link an item during assessment (kind:item)")
	cmd.Flags().StringArrayVar(&f.unlink, "unlink", nil, "unlink an item during assessment (kind:item)")
	cmd.Flags().StringArrayVar(&f.assess, "assess", nil, "record an outcome (kind:item=met|unmet)")
}

func (f *changeFlags) changes() (lifecycle.AssessmentChanges, error) {
	var c lifecycle.AssessmentChanges
	for _, raw := range f.link {
		ref, err := parseLinkRef(raw)
		if err != nil {
			return c, err
		}
		c.Link = append(c.Link, ref)
	}
	for _, raw := range f.unlink {
		ref, err := parseLinkRef(raw)
		if err != nil {
			return c, err
		}
		c.Unlink = append(c.Unlink, ref)
	}
	for _, raw := range f.assess {
		a, err := parseAssessment(raw)
		if err != nil {
			return c, err
		}
		c.Assessments = append(c.Assessments, a)
	}
	return c, nil
}

func deliverableAssessCmd() *cobra.Command {
	var flags changeFlags
	cmd := &cobra.Command{
		Use:   "assess <id>",
		Short: "Record customer assessments without signing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			changes, err := flags.changes()
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.Assess(ctx, actor, args[0], changes)
				if err != nil {
					return err
				}
				return printDeliverable(cmd.OutOrStdout(), d)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func deliverableSignCmd() *cobra.Command {
	var flags changeFlags
	var as string
	cmd := &cobra.Command{
		Use:   "sign <id>",
		Short: "Sign as supplier or customer",
		Long: `Fill one signature slot. A customer signature may carry --link, --unlink and
--assess changes; they are applied with the signature or not at all.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			role := domain.SignerRole(as)
			if role == "" {
				role = domain.SignerRole(actor.Role)
			}
			changes, err := flags.changes()
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				d, status, err := a.Engine.Sign(ctx, actor, args[0], role, changes)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if viper.GetBool("json") {
					return printJSON(out, map[string]any{"deliverable": d, "sign_off_status": status})
				}
				fmt.Fprintf(out, "Sign-off: %s\n", status)
				return printDeliverable(out, d)
			})
		},
	}
	cmd.Flags().StringVar(&as, "as", "", "signature slot: supplier or customer (defaults to --role)")
	flags.register(cmd)
	return cmd
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage deliverable tasks",
		Long:  "Tasks drive progress: with at least one live task, progress is the share of completed live tasks.",
	}
	cmd.AddCommand(taskAddCmd())
	cmd.AddCommand(taskEditCmd())
	cmd.AddCommand(taskToggleCmd())
	cmd.AddCommand(taskDeleteCmd())
	cmd.AddCommand(taskRestoreCmd())
	return cmd
}

func taskAddCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "add <deliverable-id>",
		Short: "Add a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.AddTask(ctx, actor, args[0], opts)
				if err != nil {
					return err
				}
				d, err := a.Engine.GetDeliverable(ctx, args[0])
				if err != nil {
					return err
				}
				return printTask(cmd.OutOrStdout(), t, d.Progress)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "task name")
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owner")
	cmd.Flags().StringVar(&opts.Comment, "comment", "", "comment")
	cmd.Flags().BoolVar(&opts.Complete, "complete", false, "create already completed")
	cmd.Flags().IntVar(&opts.SortOrder, "sort", 0, "sort order (appended when 0)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func taskEditCmd() *cobra.Command {
	var name, owner, comment string
	var sortOrder int
	cmd := &cobra.Command{
		Use:   "edit <task-id>",
		Short: "Edit task fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			var patch engine.TaskUpdateOptions
			if cmd.Flags().Changed("name") {
				patch.Name = &name
			}
			if cmd.Flags().Changed("owner") {
				patch.Owner = &owner
			}
			if cmd.Flags().Changed("comment") {
				patch.Comment = &comment
			}
			if cmd.Flags().Changed("sort") {
				patch.SortOrder = &sortOrder
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.UpdateTask(ctx, actor, args[0], patch)
				if err != nil {
					return err
				}
				d, err := a.Engine.GetDeliverable(ctx, t.DeliverableID)
				if err != nil {
					return err
				}
				return printTask(cmd.OutOrStdout(), t, d.Progress)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "task name")
	cmd.Flags().StringVar(&owner, "owner", "", "owner")
	cmd.Flags().StringVar(&comment, "comment", "", "comment")
	cmd.Flags().IntVar(&sortOrder, "sort", 0, "sort order")
	return cmd
}

func taskToggleCmd() *cobra.Command {
	var complete bool
	cmd := &cobra.Command{
		Use:   "toggle <task-id>",
		Short: "Mark a task complete (or --complete=false to reopen)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return taskLedgerCommand(cmd, func(ctx context.Context, e engine.Engine, actor domain.Actor) (domain.Task, int, error) {
				return e.ToggleTask(ctx, actor, args[0], complete)
			})
		},
	}
	cmd.Flags().BoolVar(&complete, "complete", true, "completion state")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Soft delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return taskLedgerCommand(cmd, func(ctx context.Context, e engine.Engine, actor domain.Actor) (domain.Task, int, error) {
				return e.DeleteTask(ctx, actor, args[0])
			})
		},
	}
}

func taskRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <task-id>",
		Short: "Restore a soft deleted task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return taskLedgerCommand(cmd, func(ctx context.Context, e engine.Engine, actor domain.Actor) (domain.Task, int, error) {
				return e.RestoreTask(ctx, actor, args[0])
			})
		},
	}
}

func taskLedgerCommand(cmd *cobra.Command, fn func(context.Context, engine.Engine, domain.Actor) (domain.Task, int, error)) error {
	actor, err := currentActor()
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		t, progress, err := fn(ctx, a.Engine, actor)
		if err != nil {
			return err
		}
		return printTask(cmd.OutOrStdout(), t, progress)
	})
}

func parseLinkKind(s string) (domain.LinkKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "kpi":
		return domain.LinkKPI, nil
	case "qs", "quality_standard", "quality-standard":
		return domain.LinkQualityStandard, nil
	}
	return "", fmt.Errorf("unknown link kind %q (want kpi or qs)", s)
}

// parseLinkRef parses kind:item.
func parseLinkRef(s string) (lifecycle.LinkRef, error) {
	kind, item, ok := strings.Cut(s, ":")
	if !ok || strings.TrimSpace(item) == "" {
		return lifecycle.LinkRef{}, fmt.Errorf("invalid link %q (want kind:item)", s)
	}
	k, err := parseLinkKind(kind)
	if err != nil {
		return lifecycle.LinkRef{}, err
	}
	return lifecycle.LinkRef{Kind: k, ItemID: strings.TrimSpace(item)}, nil
}

// parseAssessment parses kind:item=met|unmet (true/false also accepted).
func parseAssessment(s string) (lifecycle.Assessment, error) {
	ref, verdict, ok := strings.Cut(s, "=")
	if !ok {
		return lifecycle.Assessment{}, fmt.Errorf("invalid assessment %q (want kind:item=met|unmet)", s)
	}
	link, err := parseLinkRef(ref)
	if err != nil {
		return lifecycle.Assessment{}, err
	}
	var met bool
	switch strings.ToLower(strings.TrimSpace(verdict)) {
	case "met":
		met = true
	case "unmet", "not_met":
		met = false
	default:
		met, err = strconv.ParseBool(verdict)
		if err != nil {
			return lifecycle.Assessment{}, fmt.Errorf("invalid verdict %q in %q", verdict, s)
		}
	}
	return lifecycle.Assessment{Kind: link.Kind, ItemID: link.ItemID, Met: met}, nil
}

func renderDeliverables(w io.Writer, items []domain.Deliverable) {
	tw := newTable(w)
	tw.AppendHeader(table.Row{"ID", "Ref", "Name", "Status", "Progress", "Milestone", "Sign-off"})
	for _, d := range items {
		milestone := ""
		if d.MilestoneID != nil {
			milestone = *d.MilestoneID
		}
		tw.AppendRow(table.Row{d.ID, d.Ref, d.Name, d.Status, fmt.Sprintf("%d%%", d.Progress), milestone, lifecycle.SignOffStatusOf(d)})
	}
	tw.Render()
}

func printDeliverable(w io.Writer, d domain.Deliverable) error {
	if viper.GetBool("json") {
		return printJSON(w, d)
	}
	fmt.Fprintf(w, "%s  %s  [%s]  %d%%  sign-off: %s\n", d.Ref, d.Name, d.Status, d.Progress, lifecycle.SignOffStatusOf(d))
	fmt.Fprintf(w, "id: %s\n", d.ID)
	if d.MilestoneID != nil {
		fmt.Fprintf(w, "milestone: %s\n", *d.MilestoneID)
	}
	if len(d.Tasks) > 0 {
		tw := newTable(w)
		tw.AppendHeader(table.Row{"Task", "Name", "Owner", "Done", "Deleted"})
		for _, t := range d.Tasks {
			tw.AppendRow(table.Row{t.ID, t.Name, t.Owner, t.Complete, t.Deleted})
		}
		tw.Render()
	}
	links := append(append([]domain.Link(nil), d.KPIs...), d.QualityStandards...)
	if len(links) > 0 {
		tw := newTable(w)
		tw.AppendHeader(table.Row{"Kind", "Item", "Outcome", "Assessed by"})
		for _, l := range links {
			outcome := "unassessed"
			if l.Met != nil {
				outcome = "unmet"
				if *l.Met {
					outcome = "met"
				}
			}
			tw.AppendRow(table.Row{l.Kind, l.ItemID, outcome, l.AssessedBy})
		}
		tw.Render()
	}
	for _, sig := range []*domain.Signature{d.SupplierSignature, d.CustomerSignature} {
		if sig != nil {
			fmt.Fprintf(w, "signed by %s (%s) at %s\n", sig.SignerID, sig.Role, sig.SignedAt)
		}
	}
	return nil
}

func printTask(w io.Writer, t domain.Task, progress int) error {
	if viper.GetBool("json") {
		return printJSON(w, map[string]any{"task": t, "progress": progress})
	}
	state := "open"
	if t.Complete {
		state = "done"
	}
	if t.Deleted {
		state += ", deleted"
	}
	fmt.Fprintf(w, "task %s %q [%s]; deliverable %s progress %d%%\n", t.ID, t.Name, state, t.DeliverableID, progress)
	return nil
}
