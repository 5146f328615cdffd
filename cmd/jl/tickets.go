package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"journeyline/internal/app"
	"journeyline/internal/domain"
	"journeyline/internal/engine"
)

func ticketCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "ticket", Short: "Track support tickets against SLAs"}
	cmd.AddCommand(
		ticketCreateCmd(),
		ticketShowCmd(),
		ticketPriorityCmd(),
		ticketActionCmd("respond", "Record the first response", engine.Engine.RecordFirstResponse),
		ticketActionCmd("resolve", "Resolve a ticket", engine.Engine.ResolveTicket),
		ticketViolationsCmd(),
	)
	return cmd
}

func ticketCreateCmd() *cobra.Command {
	var in engine.CreateTicketInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a ticket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.CreateTicket(ctx, in, actorID())
				if err != nil {
					return err
				}
				return printTicket(t)
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "ticket title")
	cmd.Flags().StringVar(&in.Priority, "priority", "normal", "priority (baixa, normal, media, alta, urgente)")
	cmd.Flags().StringVar(&in.AssigneeID, "assignee", "", "assignee")
	cmd.Flags().StringVar(&in.RequesterID, "requester", "", "requester (defaults to the actor)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func printTicket(t domain.Ticket) error {
	return printJSONOr(t, func(tw table.Writer) {
		tw.AppendHeader(table.Row{"ID", "Title", "Priority", "Status", "Assignee", "First response due", "Resolution due"})
		tw.AppendRow(table.Row{t.ID, t.Title, t.Priority, t.Status, t.AssigneeID, formatTime(&t.FirstResponseDueAt), formatTime(&t.ResolutionDueAt)})
	})
}

func ticketShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show TICKET_ID",
		Short: "Show a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.GetTicket(ctx, args[0])
				if err != nil {
					return err
				}
				return printTicket(t)
			})
		},
	}
}

func ticketPriorityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "priority TICKET_ID PRIORITY",
		Short: "Change priority; deadlines are recomputed from creation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.ChangeTicketPriority(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printTicket(t)
			})
		},
	}
}

func ticketActionCmd(use, short string, apply func(engine.Engine, context.Context, string, string) (domain.Ticket, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " TICKET_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := apply(a.Engine, ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printTicket(t)
			})
		},
	}
}

func ticketViolationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "violations",
		Short: "List open tickets past a deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.FindViolatedTickets(ctx)
				if err != nil {
					return err
				}
				return printJSONOr(items, func(tw table.Writer) { renderViolations(tw, items) })
			})
		},
	}
}

func renderViolations(tw table.Writer, items []engine.TicketViolation) {
	tw.AppendHeader(table.Row{"Ticket", "Title", "Priority", "Assignee", "Breached"})
	for _, tv := range items {
		kinds := make([]string, 0, len(tv.Breaches))
		for _, b := range tv.Breaches {
			kinds = append(kinds, string(b.Kind))
		}
		tw.AppendRow(table.Row{tv.Ticket.ID, tv.Ticket.Title, tv.Ticket.Priority, tv.Ticket.AssigneeID, strings.Join(kinds, ", ")})
	}
}

func sweepCmd() *cobra.Command {
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "sweep [overdue|tickets|all]",
		Short: "Notify owners of overdue stages and assignees of SLA breaches",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			which := "all"
			if len(args) == 1 {
				which = args[0]
			}
			switch which {
			case "overdue", "tickets", "all":
			default:
				return fmt.Errorf("unknown sweep %q", which)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if every <= 0 {
					return runSweep(ctx, a, which)
				}
				ticker := time.NewTicker(every)
				defer ticker.Stop()
				for {
					if err := runSweep(ctx, a, which); err != nil {
						a.Logger.WarnContext(ctx, "sweep failed", "err", err)
					}
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
				}
			})
		},
	}
	cmd.Flags().DurationVar(&every, "every", 0, "repeat at this interval until interrupted")
	return cmd
}

func runSweep(ctx context.Context, a *app.App, which string) error {
	if which == "overdue" || which == "all" {
		report, err := a.Engine.SweepOverdue(ctx)
		if err != nil {
			return err
		}
		if err := printJSONOr(report, func(tw table.Writer) {
			tw.SetTitle(fmt.Sprintf("overdue stages: %d, notices sent: %d", len(report.Overdue), report.Notified))
			renderOverdue(tw, report.Overdue)
		}); err != nil {
			return err
		}
	}
	if which == "tickets" || which == "all" {
		report, err := a.Engine.SweepTickets(ctx)
		if err != nil {
			return err
		}
		return printJSONOr(report, func(tw table.Writer) {
			tw.SetTitle(fmt.Sprintf("tickets in breach: %d, notices sent: %d", len(report.Violations), report.Notified))
			renderViolations(tw, report.Violations)
		})
	}
	return nil
}
